package domain

import "time"

// Deployment status values. Rows are append-only: one row per lifecycle
// attempt, never mutated afterwards.
const (
	DeploymentStatusSuccess  = "success"
	DeploymentStatusFailed   = "failed"
	DeploymentStatusRollback = "rollback"
)

// Deployment captures a single deployment attempt. Version is a sortable UTC
// timestamp string, monotonic per project, and maps 1:1 to a snapshot
// directory under the backups root.
type Deployment struct {
	ID         string
	ProjectID  string
	Version    string
	Status     string
	Notes      string
	DeployedAt time.Time
}
