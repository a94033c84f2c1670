// Package credentials resolves and stores the provider credentials a user deploys with.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/provider"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/pkg/crypto"
)

// RequiredScopes are the GitHub OAuth scopes needed to create a repository from a template
// and let its workflows run.
var RequiredScopes = []string{"repo", "workflow"}

var (
	// ErrCredentialMissing means neither a stored connection nor a usable supplied token exists.
	ErrCredentialMissing = errors.New("GitHub is not connected: connect your GitHub account or provide a personal access token")
	// ErrHostingNotConnected means the user has no Vercel credential.
	ErrHostingNotConnected = errors.New("Vercel is not connected: connect your Vercel account to deploy")
	// ErrCredentialRejected means GitHub refused the token, for example because it was revoked.
	ErrCredentialRejected = errors.New("GitHub rejected the access token: reconnect your GitHub account or provide a new personal access token")
	// ErrUnsupportedProvider is returned for connection requests naming an unknown provider.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrInvalidToken is returned when a token does not look like a credential of its provider.
	ErrInvalidToken = errors.New("access token format is not recognised")
)

// InsufficientScopeError reports the scopes a GitHub credential lacks.
type InsufficientScopeError struct {
	Missing []string
}

func (e *InsufficientScopeError) Error() string {
	return fmt.Sprintf("GitHub token is missing required scopes: %s", strings.Join(e.Missing, ", "))
}

var githubTokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^ghp_[A-Za-z0-9]{36}$`),
	regexp.MustCompile(`^gho_[A-Za-z0-9]{36}$`),
	regexp.MustCompile(`^ghu_[A-Za-z0-9]{36}$`),
	regexp.MustCompile(`^ghs_[A-Za-z0-9]{36}$`),
	regexp.MustCompile(`^ghr_[A-Za-z0-9]{36}$`),
	regexp.MustCompile(`^github_pat_[A-Za-z0-9_]{22,255}$`),
	regexp.MustCompile(`^[a-f0-9]{40}$`),
}

// ValidGitHubToken reports whether token matches a known GitHub token format.
func ValidGitHubToken(token string) bool {
	token = strings.TrimSpace(token)
	for _, pattern := range githubTokenPatterns {
		if pattern.MatchString(token) {
			return true
		}
	}
	return false
}

// Source records where a credential came from.
type Source string

const (
	SourceConnection Source = "connection"
	SourceSupplied   Source = "supplied"
)

// Credential is a resolved provider token.
type Credential struct {
	Token          string
	Source         Source
	Username       string
	Scopes         []string
	ScopesVerified bool
}

// Resolver finds credentials for a user and manages stored connections.
type Resolver struct {
	connections   repository.ConnectionRepository
	sourceControl provider.SourceControlFactory
	box           crypto.Box
	logger        *slog.Logger
	now           func() time.Time
}

// New returns a Resolver. secret encrypts tokens at rest.
func New(connections repository.ConnectionRepository, sourceControl provider.SourceControlFactory, secret string, logger *slog.Logger) Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return Resolver{
		connections:   connections,
		sourceControl: sourceControl,
		box:           crypto.NewBox(secret),
		logger:        logger.With("component", "credentials"),
		now:           time.Now,
	}
}

// SourceControl resolves the user's GitHub credential, preferring a stored connection over
// supplied, and verifies it carries RequiredScopes.
func (r Resolver) SourceControl(ctx context.Context, userID, supplied string) (Credential, error) {
	cred, ok := r.stored(ctx, userID, domain.ProviderGitHub)
	if !ok {
		token := strings.TrimSpace(supplied)
		if token == "" {
			return Credential{}, ErrCredentialMissing
		}
		if !ValidGitHubToken(token) {
			r.logger.Warn("supplied github token has unrecognised format", "user_id", userID)
			return Credential{}, ErrCredentialMissing
		}
		cred = Credential{Token: token, Source: SourceSupplied}
	}

	scopes, err := r.sourceControl.SourceControl(cred.Token).CheckScopes(ctx)
	if errors.Is(err, provider.ErrUnauthorized) {
		r.logger.Warn("github rejected credential", "user_id", userID, "source", cred.Source, "error", err)
		return Credential{}, ErrCredentialRejected
	}
	if err != nil {
		r.logger.Warn("github scope check failed, continuing unverified", "user_id", userID, "error", err)
		return cred, nil
	}
	if scopes == nil {
		return cred, nil
	}
	cred.Scopes = scopes
	if missing := missingScopes(scopes, RequiredScopes); len(missing) > 0 {
		return Credential{}, &InsufficientScopeError{Missing: missing}
	}
	cred.ScopesVerified = true
	return cred, nil
}

// Hosting resolves the user's Vercel credential, preferring a stored connection over supplied.
func (r Resolver) Hosting(ctx context.Context, userID, supplied string) (Credential, error) {
	if cred, ok := r.stored(ctx, userID, domain.ProviderVercel); ok {
		return cred, nil
	}
	token := strings.TrimSpace(supplied)
	if token == "" {
		return Credential{}, ErrHostingNotConnected
	}
	return Credential{Token: token, Source: SourceSupplied}, nil
}

func (r Resolver) stored(ctx context.Context, userID string, p domain.Provider) (Credential, bool) {
	if r.connections == nil {
		return Credential{}, false
	}
	conn, err := r.connections.GetConnection(ctx, userID, p)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			r.logger.Error("load provider connection", "user_id", userID, "provider", p, "error", err)
		}
		return Credential{}, false
	}
	token, err := r.box.Open(conn.AccessToken)
	if err != nil {
		r.logger.Error("decrypt provider connection", "user_id", userID, "provider", p, "error", err)
		return Credential{}, false
	}
	return Credential{Token: token, Source: SourceConnection, Username: conn.Username, Scopes: conn.Scopes}, true
}

// Save stores token as the user's connection to p. GitHub tokens are checked for format and
// required scopes before they are persisted.
func (r Resolver) Save(ctx context.Context, userID string, p domain.Provider, token string) (*domain.Connection, error) {
	if !p.Valid() {
		return nil, ErrUnsupportedProvider
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t\r\n") {
		return nil, ErrInvalidToken
	}
	conn := &domain.Connection{UserID: userID, Provider: p}
	if p == domain.ProviderGitHub {
		if !ValidGitHubToken(token) {
			return nil, ErrInvalidToken
		}
		client := r.sourceControl.SourceControl(token)
		scopes, err := client.CheckScopes(ctx)
		if errors.Is(err, provider.ErrUnauthorized) {
			return nil, ErrCredentialRejected
		}
		if err == nil && scopes != nil {
			if missing := missingScopes(scopes, RequiredScopes); len(missing) > 0 {
				return nil, &InsufficientScopeError{Missing: missing}
			}
			conn.Scopes = scopes
		}
		if account, err := client.CurrentUser(ctx); err == nil {
			conn.Username = account.Username
		} else {
			r.logger.Warn("github account lookup failed", "user_id", userID, "error", err)
		}
	}
	encrypted, err := r.box.Seal(token)
	if err != nil {
		return nil, fmt.Errorf("encrypt token: %w", err)
	}
	now := r.now().UTC()
	conn.AccessToken = encrypted
	conn.CreatedAt = now
	conn.UpdatedAt = now
	if err := r.connections.UpsertConnection(ctx, conn); err != nil {
		return nil, err
	}
	r.logger.Info("provider connected", "user_id", userID, "provider", p, "username", conn.Username)
	return conn, nil
}

// Remove deletes the user's connection to p.
func (r Resolver) Remove(ctx context.Context, userID string, p domain.Provider) error {
	if !p.Valid() {
		return ErrUnsupportedProvider
	}
	if err := r.connections.DeleteConnection(ctx, userID, p); err != nil {
		return err
	}
	r.logger.Info("provider disconnected", "user_id", userID, "provider", p)
	return nil
}

func missingScopes(granted, required []string) []string {
	have := make(map[string]struct{}, len(granted))
	for _, scope := range granted {
		have[strings.ToLower(strings.TrimSpace(scope))] = struct{}{}
	}
	var missing []string
	for _, scope := range required {
		if _, ok := have[scope]; !ok {
			missing = append(missing, scope)
		}
	}
	return missing
}
