package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/omdev04/nodepilot/internal/domain"
)

// DeleteProject stops and removes the supervised process, removes the live
// directory and backups, and deletes the database row. A directory that
// cannot be removed (locked, file handles still open) is marked for the
// deferred cleanup sweep instead of failing the delete; the row is removed
// regardless, so the project disappears from view immediately.
func (o *Orchestrator) DeleteProject(ctx context.Context, projectID string) error {
	project, err := o.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	lock := o.lockFor(project.Slug)
	lock.Lock()
	defer lock.Unlock()

	o.emit("delete.started", project.Slug, "")

	if err := o.super.Stop(ctx, project.Slug); err != nil {
		o.logger.Warn("stop during delete", "slug", project.Slug, "error", err)
	}
	if err := o.super.Delete(ctx, project.Slug); err != nil {
		return fmt.Errorf("remove supervised process: %w", err)
	}

	if err := os.RemoveAll(project.RootPath); err != nil {
		o.logger.Warn("directory removal deferred", "slug", project.Slug, "path", project.RootPath, "error", err)
		mark := &domain.PendingCleanup{
			ID:       newID(),
			Slug:     project.Slug,
			Path:     project.RootPath,
			Reason:   err.Error(),
			MarkedAt: time.Now().UTC(),
		}
		if markErr := o.cleanups.MarkForCleanup(ctx, mark); markErr != nil {
			o.logger.Error("mark path for cleanup", "slug", project.Slug, "error", markErr)
		}
	}
	if err := o.snaps.Remove(project.Slug); err != nil {
		o.logger.Warn("snapshot removal during delete", "slug", project.Slug, "error", err)
	}

	if err := o.projects.DeleteProject(ctx, project.ID); err != nil {
		return fmt.Errorf("delete project row: %w", err)
	}
	o.emit("delete.succeeded", project.Slug, "")
	return nil
}

// RunCleanup sweeps the deferred-cleanup marks once, removing each path and
// clearing its mark on success. Paths still locked get their attempt count
// bumped and stay queued.
func (o *Orchestrator) RunCleanup(ctx context.Context) {
	pending, err := o.cleanups.ListPendingCleanups(ctx)
	if err != nil {
		o.logger.Error("list pending cleanups", "error", err)
		return
	}
	for _, mark := range pending {
		if err := os.RemoveAll(mark.Path); err != nil {
			o.logger.Warn("cleanup still blocked", "path", mark.Path, "attempts", mark.Attempts+1, "error", err)
			if bumpErr := o.cleanups.BumpCleanupAttempts(ctx, mark.ID); bumpErr != nil {
				o.logger.Error("bump cleanup attempts", "id", mark.ID, "error", bumpErr)
			}
			continue
		}
		if err := o.cleanups.DeleteCleanup(ctx, mark.ID); err != nil {
			o.logger.Error("clear cleanup mark", "id", mark.ID, "error", err)
			continue
		}
		o.logger.Info("deferred cleanup completed", "slug", mark.Slug, "path", mark.Path)
	}
}

// StartCleanupLoop runs the cleanup sweep on the configured interval until
// the context is canceled.
func (o *Orchestrator) StartCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RunCleanup(ctx)
		}
	}
}
