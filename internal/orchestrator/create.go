package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/omdev04/nodepilot/internal/domain"
	"github.com/omdev04/nodepilot/internal/gitops"
	"github.com/omdev04/nodepilot/internal/repository"
	"github.com/omdev04/nodepilot/pkg/crypto"
)

// CreateInput describes a new project deployed from an uploaded archive.
type CreateInput struct {
	Name         string
	ZipPath      string
	StartCommand string
	Port         int
	EnvVars      map[string]string
}

// GitCreateInput describes a new project deployed from a git repository.
type GitCreateInput struct {
	Name           string
	RepoURL        string
	Branch         string
	StartCommand   string
	Port           int
	EnvVars        map[string]string
	InstallCommand string
	BuildCommand   string
	Credential     *gitops.Credential
}

// CreateProject materializes an uploaded archive as a new supervised
// project. Dependency install is best-effort on this path; a failed install
// is logged and the deploy continues.
func (o *Orchestrator) CreateProject(ctx context.Context, in CreateInput) (*domain.Project, error) {
	return o.create(ctx, in.Name, in.StartCommand, in.Port, in.EnvVars, func(project *domain.Project) error {
		if err := materializeZip(in.ZipPath, project.RootPath); err != nil {
			return err
		}
		project.DeployMethod = domain.DeployMethodZip
		o.installBestEffort(ctx, project.RootPath)
		return nil
	})
}

// CreateProjectFromGit clones a repository as a new supervised project. A
// declared install command is fatal on failure; the build step is run only
// when it does not look like a start command, and a build failure during
// initial creation is logged rather than fatal.
func (o *Orchestrator) CreateProjectFromGit(ctx context.Context, in GitCreateInput) (*domain.Project, error) {
	return o.create(ctx, in.Name, in.StartCommand, in.Port, in.EnvVars, func(project *domain.Project) error {
		err := o.git.Clone(ctx, gitops.CloneOptions{
			URL:        in.RepoURL,
			Branch:     in.Branch,
			TargetPath: project.RootPath,
			Credential: in.Credential,
		})
		if err != nil {
			return err
		}
		project.DeployMethod = domain.DeployMethodGit
		project.RepoURL = in.RepoURL
		project.Branch = in.Branch
		project.InstallCommand = in.InstallCommand
		project.BuildCommand = in.BuildCommand

		result := gitops.ValidateRepository(project.RootPath)
		if !result.Valid {
			return fmt.Errorf("repository validation: %w", result.Err)
		}
		for _, w := range result.Warnings {
			o.logger.Warn("repository warning", "slug", project.Slug, "warning", w)
		}

		if in.InstallCommand != "" {
			if err := o.runStep(ctx, project.RootPath, in.InstallCommand, o.cfg.InstallTimeout); err != nil {
				return fmt.Errorf("install: %w", err)
			}
		}
		o.buildBestEffort(ctx, project)

		if info, err := o.git.Info(ctx, project.RootPath); err == nil {
			project.LastCommit = info.CommitHash
		}
		return nil
	})
}

// create runs the shared creation skeleton: reserve the slug, materialize
// the source, write the env file, start the process, then persist the
// project and its initial deployment row. Any failure tears the directory
// back down so a retry starts from absent.
func (o *Orchestrator) create(ctx context.Context, name, startCommand string, port int, envVars map[string]string, materialize func(*domain.Project) error) (*domain.Project, error) {
	slug, err := Slugify(name)
	if err != nil {
		return nil, fmt.Errorf("invalid project name: %w", err)
	}
	lock := o.lockFor(slug)
	lock.Lock()
	defer lock.Unlock()

	if _, err := o.projects.GetProjectBySlug(ctx, slug); err == nil {
		return nil, fmt.Errorf("%w: %s", repository.ErrSlugTaken, slug)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("check slug: %w", err)
	}

	if port == 0 {
		port = o.cfg.BasePort
	}
	now := time.Now().UTC()
	project := &domain.Project{
		ID:           newID(),
		Slug:         slug,
		Name:         name,
		RootPath:     filepath.Join(o.cfg.ProjectsRoot, slug),
		StartCommand: startCommand,
		Port:         port,
		Status:       domain.ProjectStatusDeploying,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	o.emit("create.started", slug, "")

	cleanup := func() { _ = os.RemoveAll(project.RootPath) }

	if err := materialize(project); err != nil {
		cleanup()
		o.emit("create.failed", slug, err.Error())
		return nil, err
	}

	env := o.envMap(project.Port, envVars)
	if err := writeEnvFile(project.RootPath, env); err != nil {
		cleanup()
		return nil, fmt.Errorf("write env file: %w", err)
	}
	if len(envVars) > 0 {
		blob, err := crypto.EncryptEnvMap(o.cfg.EnvEncryptionKey, envVars)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("encrypt env vars: %w", err)
		}
		project.EnvBlob = blob
	}

	spec, err := o.processSpec(project, env)
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := o.super.Start(ctx, spec); err != nil {
		cleanup()
		o.emit("create.failed", slug, err.Error())
		return nil, fmt.Errorf("start process: %w", err)
	}

	project.Status = domain.ProjectStatusRunning
	if err := o.projects.CreateProject(ctx, project); err != nil {
		_ = o.super.Delete(ctx, slug)
		cleanup()
		return nil, fmt.Errorf("persist project: %w", err)
	}

	// Store.Create only errors after the raw tier fails too; without a
	// snapshot the deployment would be un-rollbackable, so tear back down.
	rec, err := o.snaps.Create(project, &spec)
	if err != nil {
		_ = o.super.Delete(ctx, slug)
		_ = o.projects.DeleteProject(ctx, project.ID)
		cleanup()
		o.emit("create.failed", slug, err.Error())
		return nil, fmt.Errorf("initial snapshot: %w", err)
	}
	o.record(ctx, project.ID, rec.Version, domain.DeploymentStatusSuccess, "initial deployment")
	o.emit("create.succeeded", slug, rec.Version)
	return project, nil
}

// installBestEffort runs "npm install" when a manifest is present. Failures
// are logged only; archive uploads often ship their dependencies.
func (o *Orchestrator) installBestEffort(ctx context.Context, dir string) {
	if _, err := os.Stat(filepath.Join(dir, "package.json")); err != nil {
		return
	}
	if err := o.runStep(ctx, dir, "npm install", o.cfg.InstallTimeout); err != nil {
		o.logger.Warn("dependency install failed, continuing", "dir", dir, "error", err)
	}
}

// buildBestEffort runs the configured build command, skipping with a warning
// when it looks like a start command that would never exit.
func (o *Orchestrator) buildBestEffort(ctx context.Context, project *domain.Project) {
	if project.BuildCommand == "" {
		return
	}
	if looksLikeStartCommand(project.BuildCommand) {
		o.logger.Warn("build command looks like a start command, skipping",
			"slug", project.Slug, "command", project.BuildCommand)
		return
	}
	if err := o.runStep(ctx, project.RootPath, project.BuildCommand, o.cfg.BuildTimeout); err != nil {
		o.logger.Warn("build failed during initial creation, continuing",
			"slug", project.Slug, "error", err)
	}
}
