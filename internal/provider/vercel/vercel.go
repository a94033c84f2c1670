// Package vercel implements provider.Hosting on the Vercel REST API.
package vercel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/splax/launchpad/internal/provider"
)

const (
	defaultBaseURL   = "https://api.vercel.com"
	dashboardBaseURL = "https://vercel.com/dashboard"
)

// APIError represents an error response from the Vercel API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("vercel request failed with status %d", e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("vercel request failed (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("vercel request failed (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a Vercel 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Factory builds token-scoped Vercel clients that share one HTTP client.
type Factory struct {
	baseURL    string
	teamID     string
	httpClient *http.Client
}

// NewFactory returns a Factory. teamID scopes every request to a Vercel team when set.
func NewFactory(baseURL, teamID string, httpClient *http.Client) *Factory {
	return &Factory{baseURL: baseURL, teamID: teamID, httpClient: httpClient}
}

// Hosting implements provider.HostingFactory.
func (f *Factory) Hosting(token string) provider.Hosting {
	return New(token, f.baseURL, f.teamID, f.httpClient)
}

// Client talks to Vercel on behalf of one credential.
type Client struct {
	baseURL    string
	token      string
	teamID     string
	httpClient *http.Client
}

// New constructs a Client.
func New(token, baseURL, teamID string, httpClient *http.Client) *Client {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    trimmed,
		token:      strings.TrimSpace(token),
		teamID:     strings.TrimSpace(teamID),
		httpClient: httpClient,
	}
}

type createProjectRequest struct {
	Name                 string                  `json:"name"`
	Framework            string                  `json:"framework,omitempty"`
	GitRepository        *provider.GitRepository `json:"gitRepository,omitempty"`
	EnvironmentVariables []provider.EnvVar       `json:"environmentVariables,omitempty"`
}

type projectPayload struct {
	ID                string              `json:"id"`
	Name              string              `json:"name"`
	LatestDeployments []deploymentPayload `json:"latestDeployments"`
}

type deploymentPayload struct {
	ID         string `json:"id"`
	UID        string `json:"uid"`
	URL        string `json:"url"`
	State      string `json:"state"`
	ReadyState string `json:"readyState"`
	CreatedAt  int64  `json:"createdAt"`
	Created    int64  `json:"created"`
}

func (d deploymentPayload) status() provider.DeploymentStatus {
	id := d.ID
	if id == "" {
		id = d.UID
	}
	state := d.ReadyState
	if state == "" {
		state = d.State
	}
	created := d.CreatedAt
	if created == 0 {
		created = d.Created
	}
	var createdAt time.Time
	if created > 0 {
		createdAt = time.UnixMilli(created).UTC()
	}
	return provider.DeploymentStatus{
		ID:        id,
		State:     strings.ToUpper(state),
		URL:       d.URL,
		CreatedAt: createdAt,
	}
}

func (p projectPayload) project() provider.Project {
	out := provider.Project{
		ID:   p.ID,
		Name: p.Name,
		URL:  dashboardBaseURL + "/" + url.PathEscape(p.Name),
	}
	for _, d := range p.LatestDeployments {
		out.LatestDeployments = append(out.LatestDeployments, d.status())
	}
	return out
}

// CreateProject creates a project, bound to spec.GitRepository when set.
func (c *Client) CreateProject(ctx context.Context, spec provider.ProjectSpec) (provider.Project, error) {
	body := createProjectRequest{
		Name:                 spec.Name,
		Framework:            spec.Framework,
		GitRepository:        spec.GitRepository,
		EnvironmentVariables: spec.EnvVars,
	}
	var resp projectPayload
	if err := c.do(ctx, http.MethodPost, "/v10/projects", nil, body, &resp); err != nil {
		return provider.Project{}, fmt.Errorf("create project %s: %w", spec.Name, err)
	}
	if resp.Name == "" {
		resp.Name = spec.Name
	}
	return resp.project(), nil
}

// ConnectGitRepository links repo to an existing project.
func (c *Client) ConnectGitRepository(ctx context.Context, projectID string, repo provider.GitRepository) error {
	path := "/v9/projects/" + url.PathEscape(projectID) + "/link"
	if err := c.do(ctx, http.MethodPost, path, nil, repo, nil); err != nil {
		return fmt.Errorf("connect repository %s: %w", repo.Repo, err)
	}
	return nil
}

// GetProject returns the project with its latest deployments.
func (c *Client) GetProject(ctx context.Context, projectID string) (provider.Project, error) {
	var resp projectPayload
	if err := c.do(ctx, http.MethodGet, "/v9/projects/"+url.PathEscape(projectID), nil, nil, &resp); err != nil {
		return provider.Project{}, fmt.Errorf("get project %s: %w", projectID, err)
	}
	return resp.project(), nil
}

// GetDeployments lists up to limit deployments of projectID, newest first.
func (c *Client) GetDeployments(ctx context.Context, projectID string, limit int) ([]provider.DeploymentStatus, error) {
	query := url.Values{}
	query.Set("projectId", projectID)
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Deployments []deploymentPayload `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, "/v6/deployments", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("list deployments for %s: %w", projectID, err)
	}
	out := make([]provider.DeploymentStatus, 0, len(resp.Deployments))
	for _, d := range resp.Deployments {
		out = append(out, d.status())
	}
	return out, nil
}

// IsProjectNameAvailable reports whether no project named name exists.
func (c *Client) IsProjectNameAvailable(ctx context.Context, name string) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/v9/projects/"+url.PathEscape(name), nil, nil, nil)
	switch {
	case err == nil:
		return false, nil
	case IsNotFound(err):
		return true, nil
	default:
		return false, fmt.Errorf("check project name %s: %w", name, err)
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, v any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.teamID != "" {
		if query == nil {
			query = url.Values{}
		}
		query.Set("teamId", c.teamID)
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp)
	}
	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Code = payload.Error.Code
	apiErr.Message = strings.TrimSpace(payload.Error.Message)
	return apiErr
}
