package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/omdev04/nodepilot/internal/domain"
	"github.com/omdev04/nodepilot/internal/gitops"
	"github.com/omdev04/nodepilot/pkg/crypto"
)

// RedeployProject replaces a project's live directory with a freshly
// uploaded archive. The previous tree survives twice: as a snapshot record
// and as a sibling temp backup used for fast restore when a step fails.
func (o *Orchestrator) RedeployProject(ctx context.Context, projectID, zipPath string) (*domain.Deployment, error) {
	project, err := o.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	lock := o.lockFor(project.Slug)
	lock.Lock()
	defer lock.Unlock()

	o.emit("redeploy.started", project.Slug, "")
	o.setStatus(ctx, project.ID, domain.ProjectStatusDeploying)

	env, err := o.storedEnv(project)
	if err != nil {
		o.setStatus(ctx, project.ID, domain.ProjectStatusError)
		return nil, err
	}
	priorSpec, err := o.processSpec(project, env)
	if err != nil {
		o.setStatus(ctx, project.ID, domain.ProjectStatusError)
		return nil, err
	}

	if err := o.stopConfirmed(ctx, project.Slug); err != nil {
		o.setStatus(ctx, project.ID, domain.ProjectStatusError)
		return nil, err
	}

	rec, err := o.snaps.Create(project, &priorSpec)
	if err != nil {
		// Durability before mutation: without a snapshot the redeploy
		// does not proceed.
		o.restartPrior(ctx, project, priorSpec)
		return nil, fmt.Errorf("snapshot before redeploy: %w", err)
	}

	backupPath := project.RootPath + ".predeploy-" + rec.Version
	strategy, err := swapOut(project.RootPath, backupPath)
	if err != nil {
		o.restartPrior(ctx, project, priorSpec)
		o.record(ctx, project.ID, rec.Version, domain.DeploymentStatusFailed, "directory swap failed: "+err.Error())
		return nil, err
	}
	o.logger.Info("live directory moved aside", "slug", project.Slug, "strategy", strategy)

	fail := func(stage string, cause error) (*domain.Deployment, error) {
		if restoreErr := swapBack(backupPath, project.RootPath); restoreErr != nil {
			o.logger.Error("backup restore after failed redeploy", "slug", project.Slug, "error", restoreErr)
		}
		o.restartPrior(ctx, project, priorSpec)
		o.record(ctx, project.ID, rec.Version, domain.DeploymentStatusFailed, stage+": "+cause.Error())
		o.emit("redeploy.failed", project.Slug, cause.Error())
		return nil, fmt.Errorf("%s: %w", stage, cause)
	}

	if err := materializeZip(zipPath, project.RootPath); err != nil {
		return fail("materialize archive", err)
	}
	if err := o.runStep(ctx, project.RootPath, "npm install", o.cfg.InstallTimeout); err != nil {
		return fail("install", err)
	}
	return o.finishRedeploy(ctx, project, env, rec.Version, backupPath, fail)
}

// RedeployGitProject pulls the project's branch and restarts it. The pull is
// in place, so dependency reinstall happens only when the lock file changed.
func (o *Orchestrator) RedeployGitProject(ctx context.Context, projectID string, cred *gitops.Credential) (*domain.Deployment, error) {
	project, err := o.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.DeployMethod != domain.DeployMethodGit {
		return nil, fmt.Errorf("project %s was not deployed from git", project.Slug)
	}
	lock := o.lockFor(project.Slug)
	lock.Lock()
	defer lock.Unlock()

	o.emit("redeploy.started", project.Slug, project.Branch)
	o.setStatus(ctx, project.ID, domain.ProjectStatusDeploying)

	env, err := o.storedEnv(project)
	if err != nil {
		o.setStatus(ctx, project.ID, domain.ProjectStatusError)
		return nil, err
	}
	priorSpec, err := o.processSpec(project, env)
	if err != nil {
		o.setStatus(ctx, project.ID, domain.ProjectStatusError)
		return nil, err
	}

	if err := o.stopConfirmed(ctx, project.Slug); err != nil {
		o.setStatus(ctx, project.ID, domain.ProjectStatusError)
		return nil, err
	}

	rec, err := o.snaps.Create(project, &priorSpec)
	if err != nil {
		o.restartPrior(ctx, project, priorSpec)
		return nil, fmt.Errorf("snapshot before redeploy: %w", err)
	}

	fail := func(stage string, cause error) (*domain.Deployment, error) {
		if _, restoreErr := o.snaps.Restore(project, rec.Version); restoreErr != nil {
			o.logger.Error("snapshot restore after failed redeploy", "slug", project.Slug, "error", restoreErr)
		}
		o.restartPrior(ctx, project, priorSpec)
		o.record(ctx, project.ID, rec.Version, domain.DeploymentStatusFailed, stage+": "+cause.Error())
		o.emit("redeploy.failed", project.Slug, cause.Error())
		return nil, fmt.Errorf("%s: %w", stage, cause)
	}

	if err := o.git.Pull(ctx, project.RootPath, project.Branch, cred); err != nil {
		return fail("pull", err)
	}
	if gitops.NeedsDependencyInstall(project.RootPath) && project.InstallCommand != "" {
		if err := o.runStep(ctx, project.RootPath, project.InstallCommand, o.cfg.InstallTimeout); err != nil {
			return fail("install", err)
		}
	}
	if project.BuildCommand != "" && !looksLikeStartCommand(project.BuildCommand) {
		if err := o.runStep(ctx, project.RootPath, project.BuildCommand, o.cfg.BuildTimeout); err != nil {
			return fail("build", err)
		}
	}
	if info, err := o.git.Info(ctx, project.RootPath); err == nil {
		project.LastCommit = info.CommitHash
	}
	return o.finishRedeploy(ctx, project, env, rec.Version, "", fail)
}

// finishRedeploy is the shared tail of both redeploy paths: regenerate the
// env file, replace the supervised process (delete then start, so the new
// env is loaded), and journal the success.
func (o *Orchestrator) finishRedeploy(
	ctx context.Context,
	project *domain.Project,
	env map[string]string,
	version, backupPath string,
	fail func(string, error) (*domain.Deployment, error),
) (*domain.Deployment, error) {
	if err := writeEnvFile(project.RootPath, env); err != nil {
		return fail("write env file", err)
	}
	spec, err := o.processSpec(project, env)
	if err != nil {
		return fail("process spec", err)
	}
	if err := o.super.Delete(ctx, project.Slug); err != nil {
		return fail("replace process", err)
	}
	if err := o.super.Start(ctx, spec); err != nil {
		return fail("start process", err)
	}

	project.Status = domain.ProjectStatusRunning
	project.UpdatedAt = time.Now().UTC()
	if err := o.projects.UpdateProject(ctx, project); err != nil {
		o.logger.Error("persist project after redeploy", "slug", project.Slug, "error", err)
	}

	dep := o.record(ctx, project.ID, version, domain.DeploymentStatusSuccess, "")
	if backupPath != "" {
		o.scheduleBackupRemoval(project.Slug, backupPath)
	}
	o.emit("redeploy.succeeded", project.Slug, version)
	return dep, nil
}

// restartPrior brings the pre-deploy process configuration back after a
// failed attempt. Best effort; the project lands in error state if even the
// prior config will not start.
func (o *Orchestrator) restartPrior(ctx context.Context, project *domain.Project, spec domain.ProcessSpec) {
	_ = o.super.Delete(ctx, project.Slug)
	if err := o.super.Start(ctx, spec); err != nil {
		o.logger.Error("restart prior configuration", "slug", project.Slug, "error", err)
		o.setStatus(ctx, project.ID, domain.ProjectStatusError)
		return
	}
	o.setStatus(ctx, project.ID, domain.ProjectStatusRunning)
}

// storedEnv rebuilds the runtime env from the encrypted blob on the row.
func (o *Orchestrator) storedEnv(project *domain.Project) (map[string]string, error) {
	vars, err := crypto.DecryptEnvMap(o.cfg.EnvEncryptionKey, project.EnvBlob)
	if err != nil {
		return nil, fmt.Errorf("decrypt stored env: %w", err)
	}
	return o.envMap(project.Port, vars), nil
}
