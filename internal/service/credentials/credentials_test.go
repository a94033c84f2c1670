package credentials

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/provider"
	"github.com/splax/launchpad/internal/provider/github"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/repository/memory"
)

var (
	suppliedToken = "ghp_" + strings.Repeat("a", 36)
	storedToken   = "gho_" + strings.Repeat("b", 36)
)

type fakeSourceControl struct {
	scopes    []string
	scopesErr error
	username  string
	checked   []string
}

func (f *fakeSourceControl) factory() provider.SourceControlFactory {
	return provider.SourceControlFactoryFunc(func(token string) provider.SourceControl {
		return &fakeClient{parent: f, token: token}
	})
}

type fakeClient struct {
	parent *fakeSourceControl
	token  string
}

func (c *fakeClient) CreateFromTemplate(context.Context, provider.TemplateSpec) (provider.Repository, error) {
	return provider.Repository{}, errors.New("not implemented")
}

func (c *fakeClient) CurrentUser(context.Context) (provider.Account, error) {
	return provider.Account{Username: c.parent.username}, nil
}

func (c *fakeClient) CheckScopes(context.Context) ([]string, error) {
	c.parent.checked = append(c.parent.checked, c.token)
	return c.parent.scopes, c.parent.scopesErr
}

func (c *fakeClient) ListTemplateRepositories(context.Context, string) ([]domain.TemplateRepository, error) {
	return nil, nil
}

func newResolver(repo repository.ConnectionRepository, sc *fakeSourceControl) Resolver {
	return New(repo, sc.factory(), "test-secret", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSourceControlPrefersStoredConnection(t *testing.T) {
	repo := memory.New()
	sc := &fakeSourceControl{scopes: []string{"repo", "workflow"}, username: "octocat"}
	r := newResolver(repo, sc)
	if _, err := r.Save(context.Background(), "user-1", domain.ProviderGitHub, storedToken); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cred, err := r.SourceControl(context.Background(), "user-1", suppliedToken)
	if err != nil {
		t.Fatalf("SourceControl: %v", err)
	}
	if cred.Token != storedToken || cred.Source != SourceConnection || cred.Username != "octocat" {
		t.Fatalf("expected stored credential, got %+v", cred)
	}
	if !cred.ScopesVerified {
		t.Fatal("expected scopes to be verified")
	}
}

func TestSourceControlFallsBackToSuppliedToken(t *testing.T) {
	sc := &fakeSourceControl{scopes: []string{"repo", "workflow", "read:org"}}
	r := newResolver(memory.New(), sc)

	cred, err := r.SourceControl(context.Background(), "user-1", "  "+suppliedToken+" ")
	if err != nil {
		t.Fatalf("SourceControl: %v", err)
	}
	if cred.Token != suppliedToken || cred.Source != SourceSupplied {
		t.Fatalf("unexpected credential %+v", cred)
	}
	if diff := cmp.Diff([]string{suppliedToken}, sc.checked); diff != "" {
		t.Fatalf("scope checks mismatch (-want +got):\n%s", diff)
	}
}

func TestSourceControlMissingCredential(t *testing.T) {
	r := newResolver(memory.New(), &fakeSourceControl{})
	for _, supplied := range []string{"", "not-a-token", "ghp_short"} {
		if _, err := r.SourceControl(context.Background(), "user-1", supplied); !errors.Is(err, ErrCredentialMissing) {
			t.Fatalf("supplied %q: expected ErrCredentialMissing, got %v", supplied, err)
		}
	}
}

func TestSourceControlInsufficientScope(t *testing.T) {
	r := newResolver(memory.New(), &fakeSourceControl{scopes: []string{"repo"}})

	_, err := r.SourceControl(context.Background(), "user-1", suppliedToken)
	var scopeErr *InsufficientScopeError
	if !errors.As(err, &scopeErr) {
		t.Fatalf("expected InsufficientScopeError, got %v", err)
	}
	if diff := cmp.Diff([]string{"workflow"}, scopeErr.Missing); diff != "" {
		t.Fatalf("missing scopes mismatch (-want +got):\n%s", diff)
	}
}

func TestSourceControlProceedsWhenScopeCheckUnavailable(t *testing.T) {
	r := newResolver(memory.New(), &fakeSourceControl{scopesErr: errors.New("dial tcp: i/o timeout")})

	cred, err := r.SourceControl(context.Background(), "user-1", suppliedToken)
	if err != nil {
		t.Fatalf("expected transport failure to be tolerated, got %v", err)
	}
	if cred.ScopesVerified {
		t.Fatal("expected scopes to be unverified")
	}
}

func TestHostingCredential(t *testing.T) {
	repo := memory.New()
	r := newResolver(repo, &fakeSourceControl{})

	if _, err := r.Hosting(context.Background(), "user-1", ""); !errors.Is(err, ErrHostingNotConnected) {
		t.Fatalf("expected ErrHostingNotConnected, got %v", err)
	}
	cred, err := r.Hosting(context.Background(), "user-1", "vercel-supplied")
	if err != nil || cred.Source != SourceSupplied {
		t.Fatalf("expected supplied credential, got %+v %v", cred, err)
	}

	if _, err := r.Save(context.Background(), "user-1", domain.ProviderVercel, "vercel-stored"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cred, err = r.Hosting(context.Background(), "user-1", "vercel-supplied")
	if err != nil || cred.Token != "vercel-stored" {
		t.Fatalf("expected stored credential, got %+v %v", cred, err)
	}

	if err := r.Remove(context.Background(), "user-1", domain.ProviderVercel); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := r.Hosting(context.Background(), "user-1", ""); !errors.Is(err, ErrHostingNotConnected) {
		t.Fatalf("expected connection to be gone, got %v", err)
	}
}

func TestSaveEncryptsTokenAtRest(t *testing.T) {
	repo := memory.New()
	r := newResolver(repo, &fakeSourceControl{})
	if _, err := r.Save(context.Background(), "user-1", domain.ProviderVercel, "vercel-secret-token"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	conn, err := repo.GetConnection(context.Background(), "user-1", domain.ProviderVercel)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if strings.Contains(string(conn.AccessToken), "vercel-secret-token") {
		t.Fatal("token stored in plaintext")
	}
}

func TestSaveRejectsInvalidInput(t *testing.T) {
	r := newResolver(memory.New(), &fakeSourceControl{scopes: []string{"repo"}})
	if _, err := r.Save(context.Background(), "user-1", domain.Provider("gitlab"), "x"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
	if _, err := r.Save(context.Background(), "user-1", domain.ProviderGitHub, "bogus"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	var scopeErr *InsufficientScopeError
	if _, err := r.Save(context.Background(), "user-1", domain.ProviderGitHub, suppliedToken); !errors.As(err, &scopeErr) {
		t.Fatalf("expected InsufficientScopeError, got %v", err)
	}
}

func TestValidGitHubToken(t *testing.T) {
	cases := map[string]bool{
		"ghp_" + strings.Repeat("Z", 36):        true,
		"ghs_" + strings.Repeat("1", 36):        true,
		"github_pat_" + strings.Repeat("x", 40): true,
		strings.Repeat("ab", 20):                true,
		strings.Repeat("AB", 20):                false,
		"ghx_" + strings.Repeat("a", 36):        false,
		"ghp_" + strings.Repeat("a", 35):        false,
		"":                                      false,
	}
	for token, want := range cases {
		if got := ValidGitHubToken(token); got != want {
			t.Fatalf("ValidGitHubToken(%q) = %v, want %v", token, got, want)
		}
	}
}

// githubAnswering serves every GitHub API call with status and body.
func githubAnswering(t *testing.T, status int, body string) provider.SourceControlFactory {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return github.NewFactory(srv.URL+"/", srv.Client())
}

func TestSourceControlRejectedToken(t *testing.T) {
	factory := githubAnswering(t, http.StatusUnauthorized, `{"message":"Bad credentials"}`)
	r := New(memory.New(), factory, "test-secret", slog.New(slog.NewTextHandler(io.Discard, nil)))

	cred, err := r.SourceControl(context.Background(), "user-1", suppliedToken)
	if !errors.Is(err, ErrCredentialRejected) {
		t.Fatalf("expected ErrCredentialRejected, got cred=%+v err=%v", cred, err)
	}
}

func TestSourceControlServerErrorProceedsUnverified(t *testing.T) {
	factory := githubAnswering(t, http.StatusBadGateway, `{"message":"Server Error"}`)
	r := New(memory.New(), factory, "test-secret", slog.New(slog.NewTextHandler(io.Discard, nil)))

	cred, err := r.SourceControl(context.Background(), "user-1", suppliedToken)
	if err != nil {
		t.Fatalf("expected a 5xx scope check to be tolerated, got %v", err)
	}
	if cred.ScopesVerified || cred.Token != suppliedToken {
		t.Fatalf("unexpected credential %+v", cred)
	}
}

func TestSaveRejectedTokenIsNotStored(t *testing.T) {
	repo := memory.New()
	factory := githubAnswering(t, http.StatusUnauthorized, `{"message":"Bad credentials"}`)
	r := New(repo, factory, "test-secret", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := r.Save(context.Background(), "user-1", domain.ProviderGitHub, suppliedToken); !errors.Is(err, ErrCredentialRejected) {
		t.Fatalf("expected ErrCredentialRejected, got %v", err)
	}
	if _, err := repo.GetConnection(context.Background(), "user-1", domain.ProviderGitHub); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("rejected token should not be stored, got %v", err)
	}
}
