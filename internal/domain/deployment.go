package domain

import "time"

// DeploymentStatus is the lifecycle state of a deployment attempt.
type DeploymentStatus string

// Deployment statuses. Everything except StatusDeploying is terminal.
const (
	StatusDeploying DeploymentStatus = "deploying"
	StatusCompleted DeploymentStatus = "completed"
	StatusFailed    DeploymentStatus = "failed"
	StatusTimeout   DeploymentStatus = "timeout"
)

// Terminal reports whether no further automatic transition may occur.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s DeploymentStatus) Valid() bool {
	return s == StatusDeploying || s.Terminal()
}

// Deployment captures a single template deployment attempt.
type Deployment struct {
	ID                   string           `json:"id"`
	UserID               string           `json:"user_id"`
	ProjectName          string           `json:"project_name"`
	Description          string           `json:"description"`
	TemplateRepo         string           `json:"template_repo"`
	SourceRepoURL        *string          `json:"source_repo_url"`
	SourceRepoName       *string          `json:"source_repo_name"`
	HostingProjectID     *string          `json:"hosting_project_id"`
	HostingProjectURL    *string          `json:"hosting_project_url"`
	HostingDeploymentURL *string          `json:"hosting_deployment_url"`
	Status               DeploymentStatus `json:"status"`
	Error                *string          `json:"error"`
	FailedStep           *string          `json:"failed_step"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// DeploymentPatch captures mutable fields for a deployment. Nil fields are left untouched.
type DeploymentPatch struct {
	SourceRepoURL        *string
	SourceRepoName       *string
	HostingProjectID     *string
	HostingProjectURL    *string
	HostingDeploymentURL *string
	Status               *DeploymentStatus
	Error                *string
	FailedStep           *string
}

// Empty reports whether the patch changes nothing.
func (p DeploymentPatch) Empty() bool {
	return p.SourceRepoURL == nil && p.SourceRepoName == nil && p.HostingProjectID == nil &&
		p.HostingProjectURL == nil && p.HostingDeploymentURL == nil && p.Status == nil &&
		p.Error == nil && p.FailedStep == nil
}

// Apply copies the non-nil patch fields onto d.
func (p DeploymentPatch) Apply(d *Deployment) {
	if p.SourceRepoURL != nil {
		d.SourceRepoURL = p.SourceRepoURL
	}
	if p.SourceRepoName != nil {
		d.SourceRepoName = p.SourceRepoName
	}
	if p.HostingProjectID != nil {
		d.HostingProjectID = p.HostingProjectID
	}
	if p.HostingProjectURL != nil {
		d.HostingProjectURL = p.HostingProjectURL
	}
	if p.HostingDeploymentURL != nil {
		d.HostingDeploymentURL = p.HostingDeploymentURL
	}
	if p.Status != nil {
		d.Status = *p.Status
	}
	if p.Error != nil {
		d.Error = p.Error
	}
	if p.FailedStep != nil {
		d.FailedStep = p.FailedStep
	}
}

// StringPtr returns a pointer to v, or nil when v is empty.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// StatusPtr returns a pointer to s.
func StatusPtr(s DeploymentStatus) *DeploymentStatus {
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
