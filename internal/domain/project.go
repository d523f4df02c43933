package domain

import "time"

// Deploy methods for a project.
const (
	DeployMethodZip = "zip"
	DeployMethodGit = "git"
)

// Project status values persisted on the row.
const (
	ProjectStatusRunning   = "running"
	ProjectStatusDeploying = "deploying"
	ProjectStatusStopped   = "stopped"
	ProjectStatusError     = "error"
)

// Project describes a supervised application deployed on this host. The slug
// is the join key to the on-disk path and the supervised process name; it is
// derived from the user-supplied name once and never changes.
type Project struct {
	ID             string
	Slug           string
	Name           string
	RootPath       string
	StartCommand   string
	Port           int
	EnvBlob        []byte
	DeployMethod   string
	RepoURL        string
	Branch         string
	InstallCommand string
	BuildCommand   string
	LastCommit     string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PendingCleanup marks a directory whose removal was deferred because the
// path was locked or in use at delete time.
type PendingCleanup struct {
	ID       string
	Slug     string
	Path     string
	Reason   string
	MarkedAt time.Time
	Attempts int
}
