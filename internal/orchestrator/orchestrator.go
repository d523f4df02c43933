// Package orchestrator is the per-project deployment state machine. It
// composes the supervisor client, the git client, and the snapshot store
// into create, redeploy, rollback, and delete operations, taking a snapshot
// before every destructive mutation and restoring it when a step fails.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"log/slog"

	"github.com/omdev04/nodepilot/internal/domain"
	"github.com/omdev04/nodepilot/internal/execx"
	"github.com/omdev04/nodepilot/internal/gitops"
	"github.com/omdev04/nodepilot/internal/repository"
	"github.com/omdev04/nodepilot/internal/snapshot"
	"github.com/omdev04/nodepilot/pkg/config"
)

// Supervisor is the slice of the process supervisor client the
// orchestrator consumes.
type Supervisor interface {
	Start(ctx context.Context, spec domain.ProcessSpec) error
	Stop(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (string, error)
}

// GitClient covers the git operations the lifecycle methods need.
type GitClient interface {
	Clone(ctx context.Context, opts gitops.CloneOptions) error
	Pull(ctx context.Context, path, branch string, cred *gitops.Credential) error
	Info(ctx context.Context, path string) (*gitops.RepoInfo, error)
}

// Snapshots is the snapshot store surface used here.
type Snapshots interface {
	Create(project *domain.Project, spec *domain.ProcessSpec) (snapshot.Record, error)
	Restore(project *domain.Project, version string) (*domain.ProcessSpec, error)
	Remove(slug string) error
}

// Publisher receives lifecycle progress events. A nil publisher is valid.
type Publisher interface {
	Publish(event Event)
}

// Event is one lifecycle progress notification.
type Event struct {
	Type    string    `json:"type"`
	Slug    string    `json:"slug"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Orchestrator owns the deployment lifecycle for every project on this
// host. At most one lifecycle operation runs per project at a time; the
// per-slug mutex enforces that.
type Orchestrator struct {
	cfg      config.Config
	logger   *slog.Logger
	projects repository.ProjectRepository
	deploys  repository.DeploymentRepository
	cleanups repository.CleanupRepository
	super    Supervisor
	git      GitClient
	snaps    Snapshots
	runner   execx.Runner
	events   Publisher

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// afterGrace lets tests run deferred backup removal synchronously.
	afterGrace func(d time.Duration, fn func())
}

// New wires an Orchestrator. runner and events may be nil; runner defaults
// to the OS runner.
func New(
	cfg config.Config,
	logger *slog.Logger,
	projects repository.ProjectRepository,
	deploys repository.DeploymentRepository,
	cleanups repository.CleanupRepository,
	super Supervisor,
	git GitClient,
	snaps Snapshots,
	runner execx.Runner,
	events Publisher,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = execx.OSRunner{}
	}
	return &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		projects: projects,
		deploys:  deploys,
		cleanups: cleanups,
		super:    super,
		git:      git,
		snaps:    snaps,
		runner:   runner,
		events:   events,
		locks:    make(map[string]*sync.Mutex),
		afterGrace: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// lockFor serializes lifecycle operations on one slug.
func (o *Orchestrator) lockFor(slug string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[slug]
	if !ok {
		l = &sync.Mutex{}
		o.locks[slug] = l
	}
	return l
}

func (o *Orchestrator) emit(eventType, slug, message string) {
	if o.events == nil {
		return
	}
	o.events.Publish(Event{Type: eventType, Slug: slug, Message: message, Time: time.Now().UTC()})
}

// stopConfirmed stops the named process and polls until the supervisor
// reports it stopped, bounded by the configured deadline. A process that
// never confirms is logged and treated as stopped; the subsequent
// delete-then-start replaces it anyway.
func (o *Orchestrator) stopConfirmed(ctx context.Context, name string) error {
	if err := o.super.Stop(ctx, name); err != nil {
		return fmt.Errorf("stop process %s: %w", name, err)
	}
	deadline := time.Now().Add(o.cfg.StopPollTimeout)
	for time.Now().Before(deadline) {
		status, err := o.super.Status(ctx, name)
		if err != nil {
			return fmt.Errorf("poll process %s: %w", name, err)
		}
		if status == "stopped" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	o.logger.Warn("process did not confirm stop before deadline", "process", name)
	return nil
}

// scheduleBackupRemoval deletes a pre-deploy backup directory after the
// grace period.
func (o *Orchestrator) scheduleBackupRemoval(slug, path string) {
	logger := o.logger
	o.afterGrace(o.cfg.BackupGracePeriod, func() {
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("deferred backup removal failed", "slug", slug, "path", path, "error", err)
		}
	})
}

// record appends the single journal row for a terminal lifecycle outcome.
func (o *Orchestrator) record(ctx context.Context, projectID, version, status, notes string) *domain.Deployment {
	dep := &domain.Deployment{
		ID:         newID(),
		ProjectID:  projectID,
		Version:    version,
		Status:     status,
		Notes:      notes,
		DeployedAt: time.Now().UTC(),
	}
	if err := o.deploys.CreateDeployment(ctx, dep); err != nil {
		o.logger.Error("journal deployment row", "project_id", projectID, "version", version, "error", err)
	}
	return dep
}

func (o *Orchestrator) setStatus(ctx context.Context, projectID, status string) {
	if err := o.projects.UpdateProjectStatus(ctx, projectID, status); err != nil {
		o.logger.Error("update project status", "project_id", projectID, "status", status, "error", err)
	}
}
