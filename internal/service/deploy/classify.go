package deploy

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/splax/launchpad/internal/service/credentials"
)

// User-safe failure messages. Raw provider errors are only logged.
const (
	MessageRateLimited = "GitHub or Vercel rate limit reached. Please wait a few minutes and try again."
	MessageAuth        = "Authentication with GitHub or Vercel failed. Please reconnect your accounts and try again."
	MessageNameTaken   = "A repository or project with this name already exists. Please choose a different project name."
	MessageNetwork     = "Could not reach GitHub or Vercel. Please check your connection and try again."
	MessageGeneric     = "Deployment failed due to an unexpected error. Please try again."
)

var (
	rateLimitHints = []string{"rate limit", "ratelimit", "too many requests", "429", "secondary rate"}
	authHints      = []string{"bad credentials", "unauthorized", "401", "403", "forbidden", "authentication", "invalid token", "not authorized"}
	nameHints      = []string{"already exists", "name already", "already taken", "conflict", "409"}
	networkHints   = []string{"timeout", "timed out", "deadline exceeded", "connection refused", "connection reset", "econnreset", "no such host", "network", "eof"}
)

// Classify maps err to one of a fixed set of messages that are safe to show users and to
// persist on the deployment record.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var scopeErr *credentials.InsufficientScopeError
	switch {
	case errors.Is(err, credentials.ErrCredentialMissing),
		errors.Is(err, credentials.ErrCredentialRejected),
		errors.Is(err, credentials.ErrHostingNotConnected):
		return rootMessage(err)
	case errors.As(err, &scopeErr):
		return scopeErr.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return MessageNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return MessageNetwork
	}

	text := strings.ToLower(err.Error())
	switch {
	case containsAny(text, rateLimitHints):
		return MessageRateLimited
	case containsAny(text, authHints):
		return MessageAuth
	case containsAny(text, nameHints):
		return MessageNameTaken
	case containsAny(text, networkHints):
		return MessageNetwork
	default:
		return MessageGeneric
	}
}

func rootMessage(err error) string {
	for _, target := range []error{credentials.ErrCredentialMissing, credentials.ErrCredentialRejected, credentials.ErrHostingNotConnected} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return err.Error()
}

func containsAny(text string, hints []string) bool {
	for _, hint := range hints {
		if strings.Contains(text, hint) {
			return true
		}
	}
	return false
}
