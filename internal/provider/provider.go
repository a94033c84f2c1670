// Package provider declares the narrow contracts the deployment pipeline consumes from the
// source control and hosting platforms.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/splax/launchpad/internal/domain"
)

// ErrUnauthorized marks a provider answer that rejects the credential itself.
var ErrUnauthorized = errors.New("credential rejected by provider")

// Repository describes a repository created from a template.
type Repository struct {
	Name     string
	FullName string
	HTMLURL  string
	CloneURL string
}

// TemplateSpec captures the inputs of a create-from-template call.
type TemplateSpec struct {
	TemplateOwner string
	TemplateRepo  string
	Owner         string
	Name          string
	Description   string
	Private       bool
}

// Account is the identity behind a source control credential.
type Account struct {
	Username string
}

// SourceControl creates repositories and reports on the authenticated account.
type SourceControl interface {
	CreateFromTemplate(ctx context.Context, spec TemplateSpec) (Repository, error)
	CurrentUser(ctx context.Context) (Account, error)
	// CheckScopes returns the scopes granted to the credential. A nil slice with a nil error
	// means the provider did not report scopes.
	CheckScopes(ctx context.Context) ([]string, error)
	ListTemplateRepositories(ctx context.Context, org string) ([]domain.TemplateRepository, error)
}

// GitRepository identifies a repository for hosting project binding.
type GitRepository struct {
	Type string `json:"type"`
	Repo string `json:"repo"`
}

// EnvVar is a hosting project environment variable.
type EnvVar struct {
	Key    string   `json:"key"`
	Value  string   `json:"value"`
	Target []string `json:"target,omitempty"`
	Type   string   `json:"type,omitempty"`
}

// ProjectSpec describes a hosting project to create.
type ProjectSpec struct {
	Name          string
	Framework     string
	GitRepository *GitRepository
	EnvVars       []EnvVar
}

// Project is a created hosting project.
type Project struct {
	ID                string
	Name              string
	URL               string
	LatestDeployments []DeploymentStatus
}

// DeploymentStatus is a hosting build/deploy entry.
type DeploymentStatus struct {
	ID        string
	State     string
	URL       string
	CreatedAt time.Time
}

// Hosting provider build states.
const (
	StateQueued       = "QUEUED"
	StateBuilding     = "BUILDING"
	StateReady        = "READY"
	StateError        = "ERROR"
	StateCanceled     = "CANCELED"
	StateInitializing = "INITIALIZING"
)

// Terminal reports whether the hosting provider will not move the deployment further.
func (d DeploymentStatus) Terminal() bool {
	switch d.State {
	case StateReady, StateError, StateCanceled:
		return true
	default:
		return false
	}
}

// Hosting provisions projects and reports build status.
type Hosting interface {
	CreateProject(ctx context.Context, spec ProjectSpec) (Project, error)
	ConnectGitRepository(ctx context.Context, projectID string, repo GitRepository) error
	GetProject(ctx context.Context, projectID string) (Project, error)
	GetDeployments(ctx context.Context, projectID string, limit int) ([]DeploymentStatus, error)
	IsProjectNameAvailable(ctx context.Context, name string) (bool, error)
}

// SourceControlFactory builds a SourceControl client for a token.
type SourceControlFactory interface {
	SourceControl(token string) SourceControl
}

// HostingFactory builds a Hosting client for a token.
type HostingFactory interface {
	Hosting(token string) Hosting
}

// SourceControlFactoryFunc adapts a function to SourceControlFactory.
type SourceControlFactoryFunc func(token string) SourceControl

// SourceControl implements SourceControlFactory.
func (f SourceControlFactoryFunc) SourceControl(token string) SourceControl { return f(token) }

// HostingFactoryFunc adapts a function to HostingFactory.
type HostingFactoryFunc func(token string) Hosting

// Hosting implements HostingFactory.
func (f HostingFactoryFunc) Hosting(token string) Hosting { return f(token) }
