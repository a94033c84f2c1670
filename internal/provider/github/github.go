// Package github implements provider.SourceControl on the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	gh "github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/provider"
)

const scopesHeader = "X-OAuth-Scopes"

// Factory builds token-scoped GitHub clients that share one HTTP client.
type Factory struct {
	baseURL    string
	httpClient *http.Client
}

// NewFactory returns a Factory. An empty baseURL targets api.github.com.
func NewFactory(baseURL string, httpClient *http.Client) *Factory {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Factory{baseURL: strings.TrimSpace(baseURL), httpClient: httpClient}
}

// SourceControl implements provider.SourceControlFactory.
func (f *Factory) SourceControl(token string) provider.SourceControl {
	return New(token, f.baseURL, f.httpClient)
}

// Client talks to GitHub on behalf of one credential.
type Client struct {
	api *gh.Client
}

// New constructs a Client authenticated with token.
func New(token, baseURL string, base *http.Client) *Client {
	if base == nil {
		base = http.DefaultClient
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: strings.TrimSpace(token)}))
	httpClient.Timeout = base.Timeout

	api := gh.NewClient(httpClient)
	if baseURL != "" && !strings.HasPrefix(baseURL, "https://api.github.com") {
		if enterprise, err := api.WithEnterpriseURLs(baseURL, baseURL); err == nil {
			api = enterprise
		}
	}
	return &Client{api: api}
}

// CreateFromTemplate copies the template repository into spec.Owner's account.
func (c *Client) CreateFromTemplate(ctx context.Context, spec provider.TemplateSpec) (provider.Repository, error) {
	req := &gh.TemplateRepoRequest{
		Name:        gh.String(spec.Name),
		Description: gh.String(spec.Description),
		Private:     gh.Bool(spec.Private),
	}
	if spec.Owner != "" {
		req.Owner = gh.String(spec.Owner)
	}
	repo, _, err := c.api.Repositories.CreateFromTemplate(ctx, spec.TemplateOwner, spec.TemplateRepo, req)
	if err != nil {
		return provider.Repository{}, fmt.Errorf("create repository from %s/%s: %w", spec.TemplateOwner, spec.TemplateRepo, err)
	}
	return provider.Repository{
		Name:     repo.GetName(),
		FullName: repo.GetFullName(),
		HTMLURL:  repo.GetHTMLURL(),
		CloneURL: repo.GetCloneURL(),
	}, nil
}

// CurrentUser returns the account that owns the credential.
func (c *Client) CurrentUser(ctx context.Context) (provider.Account, error) {
	user, _, err := c.api.Users.Get(ctx, "")
	if err != nil {
		return provider.Account{}, fmt.Errorf("get authenticated user: %w", err)
	}
	return provider.Account{Username: user.GetLogin()}, nil
}

// CheckScopes reads the classic OAuth scopes GitHub reports for the credential. Fine-grained
// tokens carry no scopes header and yield a nil slice.
func (c *Client) CheckScopes(ctx context.Context) ([]string, error) {
	_, resp, err := c.api.Users.Get(ctx, "")
	if err != nil {
		if rejected(err) {
			return nil, fmt.Errorf("check token scopes: %w: %w", provider.ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("check token scopes: %w", err)
	}
	if resp == nil || resp.Response == nil {
		return nil, nil
	}
	values := resp.Header.Values(scopesHeader)
	if len(values) == 0 {
		return nil, nil
	}
	return parseScopes(strings.Join(values, ",")), nil
}

// ListTemplateRepositories lists template repositories of org, or of the authenticated user
// when org is empty.
func (c *Client) ListTemplateRepositories(ctx context.Context, org string) ([]domain.TemplateRepository, error) {
	var (
		all  []*gh.Repository
		page = 1
	)
	for page != 0 {
		var (
			repos []*gh.Repository
			resp  *gh.Response
			err   error
		)
		list := gh.ListOptions{PerPage: 100, Page: page}
		if strings.TrimSpace(org) != "" {
			repos, resp, err = c.api.Repositories.ListByOrg(ctx, org, &gh.RepositoryListByOrgOptions{Type: "all", ListOptions: list})
		} else {
			repos, resp, err = c.api.Repositories.ListByAuthenticatedUser(ctx, &gh.RepositoryListByAuthenticatedUserOptions{Affiliation: "owner", ListOptions: list})
		}
		if err != nil {
			return nil, fmt.Errorf("list repositories: %w", err)
		}
		all = append(all, repos...)
		page = resp.NextPage
	}

	templates := make([]domain.TemplateRepository, 0, len(all))
	for _, repo := range all {
		if !repo.GetIsTemplate() {
			continue
		}
		templates = append(templates, domain.TemplateRepository{
			ID:          repo.GetID(),
			Name:        repo.GetName(),
			FullName:    repo.GetFullName(),
			Description: repo.GetDescription(),
			HTMLURL:     repo.GetHTMLURL(),
			IsPrivate:   repo.GetPrivate(),
			UpdatedAt:   repo.GetUpdatedAt().Time,
			Topics:      repo.Topics,
		})
	}
	sort.SliceStable(templates, func(i, j int) bool {
		return templates[i].UpdatedAt.After(templates[j].UpdatedAt)
	})
	return templates, nil
}

func parseScopes(header string) []string {
	parts := strings.Split(header, ",")
	scopes := make([]string, 0, len(parts))
	for _, part := range parts {
		if scope := strings.TrimSpace(part); scope != "" {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}

// rejected reports whether GitHub answered 401 or 403 for the credential. Rate limit
// responses surface as their own error types and do not count.
func rejected(err error) bool {
	var ghErr *gh.ErrorResponse
	if !errors.As(err, &ghErr) || ghErr.Response == nil {
		return false
	}
	switch ghErr.Response.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}
