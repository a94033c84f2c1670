// Package crypto seals secrets that must be stored but later used in clear, such as provider
// access tokens.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed is returned when a sealed payload is too short to carry a nonce.
var ErrMalformed = errors.New("sealed payload is malformed")

// Box seals strings with AES-256-GCM under a key derived from a secret. The nonce is stored
// in front of the ciphertext.
type Box struct {
	aead cipher.AEAD
	err  error
}

// NewBox derives a 32-byte key from secret with SHA-256.
func NewBox(secret string) Box {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return Box{err: err}
	}
	aead, err := cipher.NewGCM(block)
	return Box{aead: aead, err: err}
}

// Seal encrypts plaintext under a fresh random nonce.
func (b Box) Seal(plaintext string) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plaintext)+b.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts a payload produced by Seal with the same secret.
func (b Box) Open(payload []byte) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	n := b.aead.NonceSize()
	if len(payload) < n+b.aead.Overhead() {
		return "", ErrMalformed
	}
	plain, err := b.aead.Open(nil, payload[:n], payload[n:], nil)
	if err != nil {
		return "", fmt.Errorf("open sealed payload: %w", err)
	}
	return string(plain), nil
}
