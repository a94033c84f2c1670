package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.ConnectionRepository = (*Repository)(nil)
)

const deploymentColumns = `id, user_id, project_name, description, template_repo,
	source_repo_url, source_repo_name, hosting_project_id, hosting_project_url, hosting_deployment_url,
	status, error, failed_step, created_at, updated_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.pool.Exec(ctx, query,
		d.ID,
		d.UserID,
		d.ProjectName,
		d.Description,
		d.TemplateRepo,
		d.SourceRepoURL,
		d.SourceRepoName,
		d.HostingProjectID,
		d.HostingProjectURL,
		d.HostingDeploymentURL,
		string(d.Status),
		d.Error,
		d.FailedStep,
		d.CreatedAt,
		d.UpdatedAt,
	)
	return mapError(err)
}

// UpdateDeployment applies a partial update while the deployment is still in progress.
func (r *Repository) UpdateDeployment(ctx context.Context, id, ownerID string, patch domain.DeploymentPatch, updatedAt time.Time) (*domain.Deployment, error) {
	const query = `UPDATE deployments
		SET source_repo_url = COALESCE($3, source_repo_url),
			source_repo_name = COALESCE($4, source_repo_name),
			hosting_project_id = COALESCE($5, hosting_project_id),
			hosting_project_url = COALESCE($6, hosting_project_url),
			hosting_deployment_url = COALESCE($7, hosting_deployment_url),
			status = COALESCE($8, status),
			error = COALESCE($9, error),
			failed_step = COALESCE($10, failed_step),
			updated_at = $11
		WHERE id = $1 AND user_id = $2 AND status = 'deploying'
		RETURNING ` + deploymentColumns
	row := r.pool.QueryRow(ctx, query,
		id,
		ownerID,
		patch.SourceRepoURL,
		patch.SourceRepoName,
		patch.HostingProjectID,
		patch.HostingProjectURL,
		patch.HostingDeploymentURL,
		statusToNil(patch.Status),
		patch.Error,
		patch.FailedStep,
		updatedAt,
	)
	d, err := scanDeployment(row)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	// Distinguish a missing row from one that already reached a terminal state.
	if _, lookupErr := r.GetDeployment(ctx, id, ownerID); lookupErr != nil {
		return nil, lookupErr
	}
	return nil, repository.ErrInvalidTransition
}

// GetDeployment fetches a deployment owned by ownerID.
func (r *Repository) GetDeployment(ctx context.Context, id, ownerID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1 AND user_id = $2`
	return scanDeployment(r.pool.QueryRow(ctx, query, id, ownerID))
}

// DeleteDeployment removes a deployment record owned by ownerID.
func (r *Repository) DeleteDeployment(ctx context.Context, id, ownerID string) error {
	const query = `DELETE FROM deployments WHERE id = $1 AND user_id = $2`
	cmdTag, err := r.pool.Exec(ctx, query, id, ownerID)
	if err != nil {
		return mapError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeploymentsByOwner returns the owner's deployments, newest first.
func (r *Repository) ListDeploymentsByOwner(ctx context.Context, ownerID string) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// TimeoutStaleDeployments marks the owner's in-flight deployments created before cutoff as timed out.
func (r *Repository) TimeoutStaleDeployments(ctx context.Context, ownerID string, cutoff time.Time, message string, updatedAt time.Time) (int, error) {
	const query = `UPDATE deployments
		SET status = 'timeout', error = $3, updated_at = $4
		WHERE user_id = $1 AND status = 'deploying' AND created_at < $2`
	cmdTag, err := r.pool.Exec(ctx, query, ownerID, cutoff, message, updatedAt)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}

// UpsertConnection stores or replaces a provider connection.
func (r *Repository) UpsertConnection(ctx context.Context, conn *domain.Connection) error {
	const query = `INSERT INTO provider_connections (user_id, provider, access_token, scopes, username, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			scopes = EXCLUDED.scopes,
			username = EXCLUDED.username,
			updated_at = EXCLUDED.updated_at`
	scopes := conn.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	_, err := r.pool.Exec(ctx, query, conn.UserID, string(conn.Provider), conn.AccessToken, scopes, conn.Username, conn.CreatedAt, conn.UpdatedAt)
	return mapError(err)
}

// GetConnection loads the user's connection for provider.
func (r *Repository) GetConnection(ctx context.Context, userID string, provider domain.Provider) (*domain.Connection, error) {
	const query = `SELECT user_id, provider, access_token, scopes, username, created_at, updated_at
		FROM provider_connections WHERE user_id = $1 AND provider = $2`
	row := r.pool.QueryRow(ctx, query, userID, string(provider))
	var (
		c        domain.Connection
		provName string
	)
	if err := row.Scan(&c.UserID, &provName, &c.AccessToken, &c.Scopes, &c.Username, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	c.Provider = domain.Provider(provName)
	return &c, nil
}

// DeleteConnection removes the user's connection for provider.
func (r *Repository) DeleteConnection(ctx context.Context, userID string, provider domain.Provider) error {
	const query = `DELETE FROM provider_connections WHERE user_id = $1 AND provider = $2`
	cmdTag, err := r.pool.Exec(ctx, query, userID, string(provider))
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d      domain.Deployment
		status string
	)
	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.ProjectName,
		&d.Description,
		&d.TemplateRepo,
		&d.SourceRepoURL,
		&d.SourceRepoName,
		&d.HostingProjectID,
		&d.HostingProjectURL,
		&d.HostingDeploymentURL,
		&status,
		&d.Error,
		&d.FailedStep,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	d.Status = domain.DeploymentStatus(status)
	return &d, nil
}

func statusToNil(s *domain.DeploymentStatus) any {
	if s == nil || strings.TrimSpace(string(*s)) == "" {
		return nil
	}
	return string(*s)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02", "23514":
			return repository.ErrInvalidArgument
		}
	}
	return err
}
