package repository

import (
	"context"
	"time"

	"github.com/splax/launchpad/internal/domain"
)

// DeploymentRepository stores deployment attempts. Every lookup and mutation is scoped by owner;
// a row owned by someone else is reported as ErrNotFound.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	// UpdateDeployment applies patch only while the row is still deploying. A row in a terminal
	// state yields ErrInvalidTransition and is left untouched.
	UpdateDeployment(ctx context.Context, id, ownerID string, patch domain.DeploymentPatch, updatedAt time.Time) (*domain.Deployment, error)
	GetDeployment(ctx context.Context, id, ownerID string) (*domain.Deployment, error)
	DeleteDeployment(ctx context.Context, id, ownerID string) error
	ListDeploymentsByOwner(ctx context.Context, ownerID string) ([]domain.Deployment, error)
	// TimeoutStaleDeployments moves the owner's deploying rows created before cutoff to timeout.
	TimeoutStaleDeployments(ctx context.Context, ownerID string, cutoff time.Time, message string, updatedAt time.Time) (int, error)
}

// ConnectionRepository persists provider connections per user.
type ConnectionRepository interface {
	UpsertConnection(ctx context.Context, conn *domain.Connection) error
	GetConnection(ctx context.Context, userID string, provider domain.Provider) (*domain.Connection, error)
	DeleteConnection(ctx context.Context, userID string, provider domain.Provider) error
}
