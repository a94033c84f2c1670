package domain

import "time"

// Provider identifies an external service a user can connect.
type Provider string

// Supported providers.
const (
	ProviderGitHub Provider = "github"
	ProviderVercel Provider = "vercel"
)

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	return p == ProviderGitHub || p == ProviderVercel
}

// Connection stores an OAuth-style provider grant for a user. AccessToken is encrypted at rest.
type Connection struct {
	UserID      string
	Provider    Provider
	AccessToken []byte
	Scopes      []string
	Username    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
