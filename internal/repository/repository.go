package repository

import (
	"context"

	"github.com/omdev04/nodepilot/internal/domain"
)

// ProjectRepository persists project configuration.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	UpdateProject(ctx context.Context, project *domain.Project) error
	UpdateProjectStatus(ctx context.Context, projectID, status string) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetProjectBySlug(ctx context.Context, slug string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	DeleteProject(ctx context.Context, projectID string) error
}

// DeploymentRepository stores append-only deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	LatestVersion(ctx context.Context, projectID string) (string, error)
}

// CleanupRepository tracks directories whose removal was deferred.
type CleanupRepository interface {
	MarkForCleanup(ctx context.Context, cleanup *domain.PendingCleanup) error
	ListPendingCleanups(ctx context.Context) ([]domain.PendingCleanup, error)
	BumpCleanupAttempts(ctx context.Context, id string) error
	DeleteCleanup(ctx context.Context, id string) error
}
