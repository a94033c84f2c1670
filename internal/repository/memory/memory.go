// Package memory provides an in-process implementation of the repository interfaces. It backs
// local development (STORE_BACKEND=memory) and service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
)

// Repository keeps deployments and connections in maps guarded by a mutex.
type Repository struct {
	mu          sync.Mutex
	deployments map[string]domain.Deployment
	connections map[connectionKey]domain.Connection
}

type connectionKey struct {
	userID   string
	provider domain.Provider
}

var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.ConnectionRepository = (*Repository)(nil)
)

// New returns an empty Repository.
func New() *Repository {
	return &Repository{
		deployments: make(map[string]domain.Deployment),
		connections: make(map[connectionKey]domain.Connection),
	}
}

// CreateDeployment stores a copy of d.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	if d == nil || d.ID == "" || d.UserID == "" {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.deployments[d.ID]; exists {
		return repository.ErrInvalidArgument
	}
	r.deployments[d.ID] = cloneDeployment(*d)
	return nil
}

// UpdateDeployment applies patch while the stored row is still deploying.
func (r *Repository) UpdateDeployment(ctx context.Context, id, ownerID string, patch domain.DeploymentPatch, updatedAt time.Time) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[id]
	if !ok || d.UserID != ownerID {
		return nil, repository.ErrNotFound
	}
	if d.Status != domain.StatusDeploying {
		return nil, repository.ErrInvalidTransition
	}
	patch.Apply(&d)
	d.UpdatedAt = updatedAt
	r.deployments[id] = cloneDeployment(d)
	out := cloneDeployment(d)
	return &out, nil
}

// GetDeployment returns the owner's deployment.
func (r *Repository) GetDeployment(ctx context.Context, id, ownerID string) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[id]
	if !ok || d.UserID != ownerID {
		return nil, repository.ErrNotFound
	}
	out := cloneDeployment(d)
	return &out, nil
}

// DeleteDeployment removes the owner's deployment.
func (r *Repository) DeleteDeployment(ctx context.Context, id, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[id]
	if !ok || d.UserID != ownerID {
		return repository.ErrNotFound
	}
	delete(r.deployments, id)
	return nil
}

// ListDeploymentsByOwner returns the owner's deployments, newest first.
func (r *Repository) ListDeploymentsByOwner(ctx context.Context, ownerID string) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Deployment
	for _, d := range r.deployments {
		if d.UserID == ownerID {
			out = append(out, cloneDeployment(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// TimeoutStaleDeployments times out the owner's deploying rows created before cutoff.
func (r *Repository) TimeoutStaleDeployments(ctx context.Context, ownerID string, cutoff time.Time, message string, updatedAt time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for id, d := range r.deployments {
		if d.UserID != ownerID || d.Status != domain.StatusDeploying || !d.CreatedAt.Before(cutoff) {
			continue
		}
		msg := message
		d.Status = domain.StatusTimeout
		d.Error = &msg
		d.UpdatedAt = updatedAt
		r.deployments[id] = d
		count++
	}
	return count, nil
}

// UpsertConnection stores or replaces a connection.
func (r *Repository) UpsertConnection(ctx context.Context, conn *domain.Connection) error {
	if conn == nil || conn.UserID == "" || !conn.Provider.Valid() {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := connectionKey{userID: conn.UserID, provider: conn.Provider}
	stored := *conn
	if existing, ok := r.connections[key]; ok {
		stored.CreatedAt = existing.CreatedAt
	}
	stored.AccessToken = append([]byte(nil), conn.AccessToken...)
	stored.Scopes = append([]string(nil), conn.Scopes...)
	r.connections[key] = stored
	return nil
}

// GetConnection loads a user's provider connection.
func (r *Repository) GetConnection(ctx context.Context, userID string, provider domain.Provider) (*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[connectionKey{userID: userID, provider: provider}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	conn.AccessToken = append([]byte(nil), conn.AccessToken...)
	conn.Scopes = append([]string(nil), conn.Scopes...)
	return &conn, nil
}

// DeleteConnection removes a user's provider connection.
func (r *Repository) DeleteConnection(ctx context.Context, userID string, provider domain.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := connectionKey{userID: userID, provider: provider}
	if _, ok := r.connections[key]; !ok {
		return repository.ErrNotFound
	}
	delete(r.connections, key)
	return nil
}

func cloneDeployment(d domain.Deployment) domain.Deployment {
	d.SourceRepoURL = cloneString(d.SourceRepoURL)
	d.SourceRepoName = cloneString(d.SourceRepoName)
	d.HostingProjectID = cloneString(d.HostingProjectID)
	d.HostingProjectURL = cloneString(d.HostingProjectURL)
	d.HostingDeploymentURL = cloneString(d.HostingDeploymentURL)
	d.Error = cloneString(d.Error)
	d.FailedStep = cloneString(d.FailedStep)
	return d
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
