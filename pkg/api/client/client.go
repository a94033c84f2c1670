package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the launchpad API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	Body    []byte
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// Tokens are provider credentials sent alongside a request when the user has no stored
// connection.
type Tokens struct {
	GitHub string
	Vercel string
}

func (t Tokens) header() http.Header {
	h := http.Header{}
	if v := strings.TrimSpace(t.GitHub); v != "" {
		h.Set("X-GitHub-Token", v)
	}
	if v := strings.TrimSpace(t.Vercel); v != "" {
		h.Set("X-Vercel-Token", v)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	return c.doWithHeader(ctx, method, path, body, token, nil, v)
}

func (c *Client) doWithHeader(ctx context.Context, method, path string, body any, token string, header http.Header, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return APIError{Status: resp.StatusCode, Message: extractError(data), Body: data}
	}

	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Deployment mirrors the API deployment payload.
type Deployment struct {
	ID                   string    `json:"id"`
	ProjectName          string    `json:"project_name"`
	Description          string    `json:"description"`
	TemplateRepo         string    `json:"template_repo"`
	SourceRepoURL        *string   `json:"source_repo_url"`
	HostingProjectURL    *string   `json:"hosting_project_url"`
	HostingDeploymentURL *string   `json:"hosting_deployment_url"`
	Status               string    `json:"status"`
	Error                *string   `json:"error"`
	FailedStep           *string   `json:"failed_step"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Terminal reports whether the deployment has finished.
func (d Deployment) Terminal() bool {
	return d.Status != "" && d.Status != "deploying"
}

// EnvVar is an environment variable set on the new hosting project.
type EnvVar struct {
	Key    string   `json:"key"`
	Value  string   `json:"value"`
	Target []string `json:"target,omitempty"`
}

// DeployInput describes a template deployment request.
type DeployInput struct {
	TemplateRepo string   `json:"template_repo"`
	ProjectName  string   `json:"project_name"`
	Description  string   `json:"description,omitempty"`
	GitHubToken  string   `json:"github_token,omitempty"`
	VercelToken  string   `json:"vercel_token,omitempty"`
	Env          []EnvVar `json:"env,omitempty"`
}

// DeployResult reports how far the deployment pipeline got.
type DeployResult struct {
	Success              bool   `json:"success"`
	DeploymentID         string `json:"deployment_id"`
	RepoURL              string `json:"repo_url"`
	ProjectURL           string `json:"project_url"`
	DeploymentURL        string `json:"deployment_url"`
	Binding              string `json:"binding"`
	Error                string `json:"error"`
	Step                 string `json:"step"`
	RequiresManualImport bool   `json:"requires_manual_import"`
}

// Deploy starts a template deployment. When the pipeline fails after the deployment record was
// created, the partial result is returned together with the APIError.
func (c *Client) Deploy(ctx context.Context, token string, input DeployInput) (DeployResult, error) {
	var result DeployResult
	err := c.do(ctx, http.MethodPost, "/deployments", input, token, &result)
	var apiErr APIError
	if errors.As(err, &apiErr) && len(apiErr.Body) > 0 {
		var partial DeployResult
		if json.Unmarshal(apiErr.Body, &partial) == nil && partial.DeploymentID != "" {
			return partial, err
		}
	}
	if err != nil {
		return DeployResult{}, err
	}
	return result, nil
}

// ListDeployments fetches the caller's deployments, newest first.
func (c *Client) ListDeployments(ctx context.Context, token string) ([]Deployment, error) {
	var resp struct {
		Deployments []Deployment `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, "/deployments", nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Deployments, nil
}

// GetDeployment fetches a single deployment.
func (c *Client) GetDeployment(ctx context.Context, token, deploymentID string) (Deployment, error) {
	var deployment Deployment
	path := "/deployments/" + url.PathEscape(deploymentID)
	if err := c.do(ctx, http.MethodGet, path, nil, token, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// CancelDeployment marks an in-progress deployment as cancelled.
func (c *Client) CancelDeployment(ctx context.Context, token, deploymentID string) (Deployment, error) {
	var deployment Deployment
	path := fmt.Sprintf("/deployments/%s/cancel", url.PathEscape(deploymentID))
	if err := c.do(ctx, http.MethodPost, path, nil, token, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// DeleteDeployment removes a deployment record.
func (c *Client) DeleteDeployment(ctx context.Context, token, deploymentID string) error {
	path := "/deployments/" + url.PathEscape(deploymentID)
	return c.do(ctx, http.MethodDelete, path, nil, token, nil)
}

// Template describes a repository that can seed a deployment.
type Template struct {
	Name        string    `json:"name"`
	FullName    string    `json:"full_name"`
	Description string    `json:"description"`
	HTMLURL     string    `json:"html_url"`
	IsPrivate   bool      `json:"is_private"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ListTemplates returns the template repositories visible to the caller's GitHub credential.
func (c *Client) ListTemplates(ctx context.Context, token string, tokens Tokens) ([]Template, error) {
	var resp struct {
		Templates []Template `json:"templates"`
	}
	if err := c.doWithHeader(ctx, http.MethodGet, "/templates", nil, token, tokens.header(), &resp); err != nil {
		return nil, err
	}
	return resp.Templates, nil
}

// NameCheck reports whether a project name is free on Vercel.
type NameCheck struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// CheckProjectName asks whether name can be used for a new project.
func (c *Client) CheckProjectName(ctx context.Context, token, name string, tokens Tokens) (NameCheck, error) {
	var check NameCheck
	path := "/projects/availability?name=" + url.QueryEscape(name)
	if err := c.doWithHeader(ctx, http.MethodGet, path, nil, token, tokens.header(), &check); err != nil {
		return NameCheck{}, err
	}
	return check, nil
}

// Connection describes a stored provider credential.
type Connection struct {
	Provider    string    `json:"provider"`
	Username    string    `json:"username"`
	Scopes      []string  `json:"scopes"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Connect stores providerToken as the caller's connection to provider (github or vercel).
func (c *Client) Connect(ctx context.Context, token, provider, providerToken string) (Connection, error) {
	var conn Connection
	path := "/connections/" + url.PathEscape(provider)
	if err := c.do(ctx, http.MethodPut, path, map[string]string{"token": providerToken}, token, &conn); err != nil {
		return Connection{}, err
	}
	return conn, nil
}

// Disconnect removes the caller's connection to provider.
func (c *Client) Disconnect(ctx context.Context, token, provider string) error {
	path := "/connections/" + url.PathEscape(provider)
	return c.do(ctx, http.MethodDelete, path, nil, token, nil)
}
