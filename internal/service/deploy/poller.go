package deploy

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/provider"
	"github.com/splax/launchpad/internal/repository"
)

const (
	defaultPollAttempts = 20
	defaultPollInterval = 3 * time.Second
)

// PollRequest identifies the deployment a poller finalizes.
type PollRequest struct {
	DeploymentID     string
	OwnerID          string
	HostingProjectID string
	ProjectName      string
}

// Poller watches a hosting project until its latest deployment settles and writes the outcome
// to the deployment record.
type Poller struct {
	records  RecordStore
	clock    clock.Clock
	attempts int
	interval time.Duration
	logger   *slog.Logger
	metrics  *Metrics
}

// NewPoller returns a Poller. Non-positive attempts or interval fall back to 20 attempts 3s apart.
func NewPoller(records RecordStore, clk clock.Clock, attempts int, interval time.Duration, logger *slog.Logger, metrics *Metrics) Poller {
	if clk == nil {
		clk = clock.WallClock
	}
	if attempts <= 0 {
		attempts = defaultPollAttempts
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Poller{
		records:  records,
		clock:    clk,
		attempts: attempts,
		interval: interval,
		logger:   logger.With("component", "poller"),
		metrics:  metrics,
	}
}

// Poll fetches the latest hosting deployment up to the attempt budget. Fetch errors are logged
// and count as an attempt. When the budget runs out the record is marked timeout. An error is
// returned only when Poll itself could not run to completion.
func (p Poller) Poll(ctx context.Context, hosting provider.Hosting, req PollRequest) error {
	logger := p.logger.With("deployment_id", req.DeploymentID, "user_id", req.OwnerID, "project_name", req.ProjectName, "hosting_project_id", req.HostingProjectID)
	p.metrics.pollerStarted()
	defer p.metrics.pollerStopped()

	for attempt := 1; attempt <= p.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-p.clock.After(p.interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		p.metrics.pollAttempted()
		project, err := hosting.GetProject(ctx, req.HostingProjectID)
		if err != nil {
			logger.Warn("poll attempt failed", "attempt", attempt, "error", err)
			continue
		}
		deployments := project.LatestDeployments
		if len(deployments) == 0 {
			// Fresh projects often omit latestDeployments until the first build is indexed.
			deployments, err = hosting.GetDeployments(ctx, req.HostingProjectID, 1)
			if err != nil {
				logger.Warn("list hosting deployments failed", "attempt", attempt, "error", err)
				continue
			}
		}
		latest, ok := latestDeployment(deployments)
		if !ok {
			logger.Debug("no hosting deployment yet", "attempt", attempt)
			continue
		}
		if !latest.Terminal() {
			logger.Debug("hosting deployment in progress", "attempt", attempt, "state", latest.State)
			continue
		}
		return p.finish(ctx, logger, req, latest)
	}

	logger.Warn("hosting deployment not confirmed before poll budget ran out", "attempts", p.attempts)
	patch := domain.DeploymentPatch{
		Status: domain.StatusPtr(domain.StatusTimeout),
		Error:  domain.StringPtr(PollTimeoutMessage),
	}
	return p.write(ctx, logger, req, patch)
}

func (p Poller) finish(ctx context.Context, logger *slog.Logger, req PollRequest, latest provider.DeploymentStatus) error {
	patch := domain.DeploymentPatch{HostingDeploymentURL: domain.StringPtr(normalizeDeploymentURL(latest.URL))}
	if latest.State == provider.StateReady {
		patch.Status = domain.StatusPtr(domain.StatusCompleted)
		logger.Info("hosting deployment ready", "url", latest.URL)
	} else {
		patch.Status = domain.StatusPtr(domain.StatusFailed)
		patch.Error = domain.StringPtr(HostingBuildFailedPrefix)
		logger.Warn("hosting deployment did not succeed", "state", latest.State)
	}
	return p.write(ctx, logger, req, patch)
}

func (p Poller) write(ctx context.Context, logger *slog.Logger, req PollRequest, patch domain.DeploymentPatch) error {
	_, err := p.records.Update(ctx, req.DeploymentID, req.OwnerID, patch)
	switch {
	case err == nil:
		p.metrics.pollFinished(string(*patch.Status))
		return nil
	case errors.Is(err, repository.ErrInvalidTransition), errors.Is(err, repository.ErrNotFound):
		logger.Info("deployment no longer in progress, discarding poll result", "status", *patch.Status, "error", err)
		return nil
	default:
		return err
	}
}

// FinalizeMonitoringFailure marks the deployment timeout after the poller itself failed.
func (p Poller) FinalizeMonitoringFailure(ctx context.Context, req PollRequest, cause error) {
	logger := p.logger.With("deployment_id", req.DeploymentID, "user_id", req.OwnerID, "project_name", req.ProjectName)
	timeoutErr := &TimeoutError{Message: MonitoringFailedMessage, Cause: cause}
	logger.Error("deployment monitoring failed", "error", cause)
	patch := domain.DeploymentPatch{
		Status: domain.StatusPtr(domain.StatusTimeout),
		Error:  domain.StringPtr(timeoutErr.Error()),
	}
	if err := p.write(ctx, logger, req, patch); err != nil {
		logger.Error("finalize deployment after monitoring failure", "error", err)
	}
}

func latestDeployment(deployments []provider.DeploymentStatus) (provider.DeploymentStatus, bool) {
	if len(deployments) == 0 {
		return provider.DeploymentStatus{}, false
	}
	latest := deployments[0]
	for _, d := range deployments[1:] {
		if d.CreatedAt.After(latest.CreatedAt) {
			latest = d
		}
	}
	return latest, true
}

func normalizeDeploymentURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed
	}
	return "https://" + trimmed
}
