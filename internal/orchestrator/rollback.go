package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/omdev04/nodepilot/internal/domain"
	"github.com/omdev04/nodepilot/internal/repository"
)

// ErrUnknownVersion rejects rollback targets with no matching deployment.
var ErrUnknownVersion = errors.New("orchestrator: unknown rollback target")

// RollbackToDeployment restores a project to the snapshot behind an earlier
// deployment. The target is either a deployment row id or a raw snapshot
// version string; an empty target picks the latest journaled version. The
// restored process starts from the archived ecosystem
// descriptor when one exists, falling back to the stored start command.
func (o *Orchestrator) RollbackToDeployment(ctx context.Context, projectID, target string) (*domain.Deployment, error) {
	project, err := o.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	lock := o.lockFor(project.Slug)
	lock.Lock()
	defer lock.Unlock()

	version, err := o.resolveVersion(ctx, project.ID, target)
	if err != nil {
		return nil, err
	}

	o.emit("rollback.started", project.Slug, version)
	o.setStatus(ctx, project.ID, domain.ProjectStatusDeploying)

	if err := o.stopConfirmed(ctx, project.Slug); err != nil {
		o.setStatus(ctx, project.ID, domain.ProjectStatusError)
		return nil, err
	}
	if err := o.super.Delete(ctx, project.Slug); err != nil {
		o.setStatus(ctx, project.ID, domain.ProjectStatusError)
		return nil, fmt.Errorf("remove process before rollback: %w", err)
	}

	archivedSpec, err := o.snaps.Restore(project, version)
	if err != nil {
		o.setStatus(ctx, project.ID, domain.ProjectStatusError)
		o.record(ctx, project.ID, version, domain.DeploymentStatusFailed, "restore failed: "+err.Error())
		o.emit("rollback.failed", project.Slug, err.Error())
		return nil, fmt.Errorf("restore snapshot %s: %w", version, err)
	}

	spec := domain.ProcessSpec{}
	if archivedSpec != nil {
		spec = *archivedSpec
	} else {
		env, envErr := o.storedEnv(project)
		if envErr != nil {
			o.setStatus(ctx, project.ID, domain.ProjectStatusError)
			return nil, envErr
		}
		spec, err = o.processSpec(project, env)
		if err != nil {
			o.setStatus(ctx, project.ID, domain.ProjectStatusError)
			return nil, err
		}
	}

	if err := o.super.Start(ctx, spec); err != nil {
		o.setStatus(ctx, project.ID, domain.ProjectStatusError)
		o.record(ctx, project.ID, version, domain.DeploymentStatusFailed, "post-restore start failed: "+err.Error())
		o.emit("rollback.failed", project.Slug, err.Error())
		return nil, fmt.Errorf("start after rollback: %w", err)
	}

	o.setStatus(ctx, project.ID, domain.ProjectStatusRunning)
	dep := o.record(ctx, project.ID, version, domain.DeploymentStatusRollback, "rolled back to "+version)
	o.emit("rollback.succeeded", project.Slug, version)
	return dep, nil
}

// resolveVersion maps a rollback target to a snapshot version. An empty
// target means the latest journaled version; a deployment row id wins next;
// otherwise the target must literally match a journaled version for this
// project.
func (o *Orchestrator) resolveVersion(ctx context.Context, projectID, target string) (string, error) {
	if target == "" {
		version, err := o.deploys.LatestVersion(ctx, projectID)
		if errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("%w: project has no deployments", ErrUnknownVersion)
		}
		return version, err
	}
	if dep, err := o.deploys.GetDeploymentByID(ctx, target); err == nil {
		if dep.ProjectID != projectID {
			return "", fmt.Errorf("%w: deployment %s belongs to another project", ErrUnknownVersion, target)
		}
		return dep.Version, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return "", err
	}

	deps, err := o.deploys.ListDeploymentsByProject(ctx, projectID, 0)
	if err != nil {
		return "", err
	}
	for _, dep := range deps {
		if dep.Version == target {
			return target, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownVersion, target)
}
