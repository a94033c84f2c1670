// Package records owns the persisted deployment state machine.
package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
)

const (
	// DefaultStaleAfter is how long a deployment may stay in progress before the reaper times it out.
	DefaultStaleAfter = 10 * time.Minute

	// StaleTimeoutMessage is written to deployments the reaper times out.
	StaleTimeoutMessage = "Deployment timed out - the deployment process did not complete in the expected time"
	// CancelledMessage is written to deployments the owner cancels.
	CancelledMessage = "Deployment cancelled by user"
)

// Event types published to a Notifier.
const (
	EventCreated = "deployment.created"
	EventUpdated = "deployment.updated"
	EventDeleted = "deployment.deleted"
	EventReaped  = "deployments.reaped"
)

// Event describes a change to an owner's deployments.
type Event struct {
	Type       string             `json:"type"`
	Deployment *domain.Deployment `json:"deployment,omitempty"`
	Count      int                `json:"count,omitempty"`
}

// Notifier receives deployment changes for fan-out to the owner's live subscribers.
type Notifier interface {
	Notify(ownerID string, event Event)
}

// InvalidTransitionError is returned when a cancel targets a deployment that already finished.
type InvalidTransitionError struct {
	Status domain.DeploymentStatus
}

func (e *InvalidTransitionError) Error() string {
	return "can only cancel deployments that are in progress"
}

// Unwrap lets callers match repository.ErrInvalidTransition.
func (e *InvalidTransitionError) Unwrap() error {
	return repository.ErrInvalidTransition
}

// CreateInput carries the caller supplied fields of a new deployment.
type CreateInput struct {
	ProjectName  string
	Description  string
	TemplateRepo string
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStaleAfter overrides the reaper threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithNotifier publishes every mutation to n.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// Service enforces ownership and the deploying-to-terminal lifecycle on top of a repository.
type Service struct {
	repo       repository.DeploymentRepository
	logger     *slog.Logger
	now        func() time.Time
	staleAfter time.Duration
	notifier   Notifier
}

// New returns a record service.
func New(repo repository.DeploymentRepository, logger *slog.Logger, opts ...Option) Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := Service{
		repo:       repo,
		logger:     logger.With("component", "records"),
		now:        time.Now,
		staleAfter: DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Create stores a new deploying record owned by ownerID.
func (s Service) Create(ctx context.Context, ownerID string, in CreateInput) (*domain.Deployment, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("owner id required: %w", repository.ErrInvalidArgument)
	}
	description := strings.TrimSpace(in.Description)
	if description == "" {
		description = in.ProjectName
	}
	now := s.now().UTC()
	d := &domain.Deployment{
		ID:           uuid.NewString(),
		UserID:       ownerID,
		ProjectName:  in.ProjectName,
		Description:  description,
		TemplateRepo: in.TemplateRepo,
		Status:       domain.StatusDeploying,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	s.notify(ownerID, Event{Type: EventCreated, Deployment: d})
	return d, nil
}

// Update applies patch to the owner's deployment. Deployments that already reached a
// terminal status are never modified; such writes fail with repository.ErrInvalidTransition.
func (s Service) Update(ctx context.Context, id, ownerID string, patch domain.DeploymentPatch) (*domain.Deployment, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", *patch.Status, repository.ErrInvalidArgument)
	}
	if patch.Empty() {
		return s.repo.GetDeployment(ctx, id, ownerID)
	}
	d, err := s.repo.UpdateDeployment(ctx, id, ownerID, patch, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.notify(ownerID, Event{Type: EventUpdated, Deployment: d})
	return d, nil
}

// Get returns the owner's deployment.
func (s Service) Get(ctx context.Context, id, ownerID string) (*domain.Deployment, error) {
	return s.repo.GetDeployment(ctx, id, ownerID)
}

// Delete removes the owner's deployment and reports whether a row was deleted.
func (s Service) Delete(ctx context.Context, id, ownerID string) (bool, error) {
	if err := s.repo.DeleteDeployment(ctx, id, ownerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	s.notify(ownerID, Event{Type: EventDeleted, Deployment: &domain.Deployment{ID: id, UserID: ownerID}})
	return true, nil
}

// ListByOwner reaps stale deployments and returns the owner's deployments newest first. A
// failed reap is logged and does not fail the read.
func (s Service) ListByOwner(ctx context.Context, ownerID string) ([]domain.Deployment, error) {
	if _, err := s.ReapStale(ctx, ownerID); err != nil {
		s.logger.Error("reap stale deployments", "user_id", ownerID, "error", err)
	}
	return s.repo.ListDeploymentsByOwner(ctx, ownerID)
}

// Cancel marks an in-progress deployment failed. The background poller is not interrupted;
// its later writes are rejected by the store.
func (s Service) Cancel(ctx context.Context, id, ownerID string) (*domain.Deployment, error) {
	current, err := s.repo.GetDeployment(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.StatusDeploying {
		return nil, &InvalidTransitionError{Status: current.Status}
	}
	patch := domain.DeploymentPatch{
		Status: domain.StatusPtr(domain.StatusFailed),
		Error:  domain.StringPtr(CancelledMessage),
	}
	d, err := s.Update(ctx, id, ownerID, patch)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			latest, getErr := s.repo.GetDeployment(ctx, id, ownerID)
			if getErr != nil {
				return nil, getErr
			}
			return nil, &InvalidTransitionError{Status: latest.Status}
		}
		return nil, err
	}
	s.logger.Info("deployment cancelled", "deployment_id", id, "user_id", ownerID)
	return d, nil
}

// ReapStale times out the owner's deployments that have been in progress for longer than the
// stale threshold. It is idempotent.
func (s Service) ReapStale(ctx context.Context, ownerID string) (int, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.staleAfter)
	n, err := s.repo.TimeoutStaleDeployments(ctx, ownerID, cutoff, StaleTimeoutMessage, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("timed out stale deployments", "user_id", ownerID, "count", n, "cutoff", cutoff)
		s.notify(ownerID, Event{Type: EventReaped, Count: n})
	}
	return n, nil
}

func (s Service) notify(ownerID string, event Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ownerID, event)
}
