package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omdev04/nodepilot/internal/domain"
	"github.com/omdev04/nodepilot/internal/repository"
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
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.CleanupRepository    = (*Repository)(nil)
)

const projectColumns = `id, slug, name, root_path, start_command, port, env_blob,
	deploy_method, repo_url, branch, install_command, build_command, last_commit,
	status, created_at, updated_at`

// CreateProject inserts a project row, reserving its slug.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, slug, name, root_path, start_command, port, env_blob,
		deploy_method, repo_url, branch, install_command, build_command, last_commit, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err := r.pool.Exec(ctx, query,
		project.ID, project.Slug, project.Name, project.RootPath, project.StartCommand,
		project.Port, project.EnvBlob, project.DeployMethod, project.RepoURL, project.Branch,
		project.InstallCommand, project.BuildCommand, project.LastCommit, project.Status,
		project.CreatedAt, project.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrSlugTaken
		}
		return err
	}
	return nil
}

// UpdateProject persists mutable project fields after a lifecycle operation.
func (r *Repository) UpdateProject(ctx context.Context, project *domain.Project) error {
	const query = `UPDATE projects SET name = $2, start_command = $3, port = $4, env_blob = $5,
		repo_url = $6, branch = $7, install_command = $8, build_command = $9,
		last_commit = $10, status = $11, updated_at = $12
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		project.ID, project.Name, project.StartCommand, project.Port, project.EnvBlob,
		project.RepoURL, project.Branch, project.InstallCommand, project.BuildCommand,
		project.LastCommit, project.Status, project.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateProjectStatus transitions the stored lifecycle status.
func (r *Repository) UpdateProjectStatus(ctx context.Context, projectID, status string) error {
	const query = `UPDATE projects SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	return r.scanProject(r.pool.QueryRow(ctx, query, projectID))
}

// GetProjectBySlug fetches a project by slug.
func (r *Repository) GetProjectBySlug(ctx context.Context, slug string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE slug = $1`
	return r.scanProject(r.pool.QueryRow(ctx, query, slug))
}

// ListProjects returns every registered project.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		p, err := r.scanProjectRow(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// DeleteProject removes the project row. Deployment rows are retained for
// history; the snapshot directories outlive the row as well.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	const query = `DELETE FROM projects WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.RootPath, &p.StartCommand, &p.Port,
		&p.EnvBlob, &p.DeployMethod, &p.RepoURL, &p.Branch, &p.InstallCommand,
		&p.BuildCommand, &p.LastCommit, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *Repository) scanProjectRow(rows pgx.Rows) (*domain.Project, error) {
	var p domain.Project
	if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.RootPath, &p.StartCommand, &p.Port,
		&p.EnvBlob, &p.DeployMethod, &p.RepoURL, &p.Branch, &p.InstallCommand,
		&p.BuildCommand, &p.LastCommit, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateDeployment appends a deployment row.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, version, status, notes, deployed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID, deployment.ProjectID, deployment.Version, deployment.Status,
		deployment.Notes, deployment.DeployedAt)
	return err
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, project_id, version, status, notes, deployed_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Version, &d.Status, &d.Notes, &d.DeployedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeploymentsByProject returns recent deployments, newest first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, project_id, version, status, notes, deployed_at
		FROM deployments WHERE project_id = $1 ORDER BY version DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Version, &d.Status, &d.Notes, &d.DeployedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// LatestVersion returns the lexicographically greatest version for a project,
// or ErrNotFound if the project has no deployments.
func (r *Repository) LatestVersion(ctx context.Context, projectID string) (string, error) {
	const query = `SELECT version FROM deployments WHERE project_id = $1 ORDER BY version DESC LIMIT 1`
	var version string
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", err
	}
	return version, nil
}

// MarkForCleanup records a directory for deferred out-of-band removal.
func (r *Repository) MarkForCleanup(ctx context.Context, cleanup *domain.PendingCleanup) error {
	const query = `INSERT INTO pending_cleanups (id, slug, path, reason, marked_at, attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (path) DO UPDATE SET reason = EXCLUDED.reason, marked_at = EXCLUDED.marked_at`
	_, err := r.pool.Exec(ctx, query,
		cleanup.ID, cleanup.Slug, cleanup.Path, cleanup.Reason, cleanup.MarkedAt, cleanup.Attempts)
	return err
}

// ListPendingCleanups returns all directories awaiting removal.
func (r *Repository) ListPendingCleanups(ctx context.Context) ([]domain.PendingCleanup, error) {
	const query = `SELECT id, slug, path, reason, marked_at, attempts FROM pending_cleanups ORDER BY marked_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cleanups []domain.PendingCleanup
	for rows.Next() {
		var c domain.PendingCleanup
		if err := rows.Scan(&c.ID, &c.Slug, &c.Path, &c.Reason, &c.MarkedAt, &c.Attempts); err != nil {
			return nil, err
		}
		cleanups = append(cleanups, c)
	}
	return cleanups, rows.Err()
}

// BumpCleanupAttempts increments the attempt counter after a failed sweep.
func (r *Repository) BumpCleanupAttempts(ctx context.Context, id string) error {
	const query = `UPDATE pending_cleanups SET attempts = attempts + 1 WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

// DeleteCleanup removes a cleanup marker once the path is gone.
func (r *Repository) DeleteCleanup(ctx context.Context, id string) error {
	const query = `DELETE FROM pending_cleanups WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}
