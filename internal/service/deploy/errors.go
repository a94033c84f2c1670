package deploy

import (
	"errors"
	"fmt"
)

// Step tags recorded on a deployment that failed inside the pipeline.
const (
	StepGitHubAuth      = "github-auth"
	StepVercelAuth      = "vercel-auth"
	StepRepoCreation    = "github-repo-creation"
	StepRecordUpdate    = "record-update"
	StepProjectCreation = "vercel-project-creation"
	StepMonitoring      = "deployment-monitoring"
)

// Messages written when a deployment cannot be confirmed.
const (
	PollTimeoutMessage       = "Deployment status could not be confirmed in time - it may still be completing on Vercel"
	MonitoringFailedMessage  = "Deployment monitoring failed - the deployment may still be completing on Vercel"
	HostingBuildFailedPrefix = "Vercel deployment failed"
	CancelledDuringDeploy    = "Deployment was cancelled"
)

// ErrUnauthenticated is returned when a request carries no acting user.
var ErrUnauthenticated = errors.New("authentication required")

// ProviderError tags a GitHub or Vercel failure with the pipeline step that issued the call.
type ProviderError struct {
	Step string
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that a deployment's outcome could not be confirmed within budget.
type TimeoutError struct {
	Message string
	Cause   error
}

func (e *TimeoutError) Error() string {
	return e.Message
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
