package orchestrator

import (
	"archive/zip"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/omdev04/nodepilot/internal/domain"
	"github.com/omdev04/nodepilot/internal/execx"
	"github.com/omdev04/nodepilot/internal/gitops"
	"github.com/omdev04/nodepilot/internal/repository"
	"github.com/omdev04/nodepilot/internal/snapshot"
	"github.com/omdev04/nodepilot/pkg/config"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	procs    map[string]domain.ProcessSpec
	statuses map[string]string
	startErr error
	starts   []domain.ProcessSpec
	stops    []string
	deletes  []string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		procs:    make(map[string]domain.ProcessSpec),
		statuses: make(map[string]string),
	}
}

func (f *fakeSupervisor) Start(_ context.Context, spec domain.ProcessSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.procs[spec.Name] = spec
	f.statuses[spec.Name] = "online"
	f.starts = append(f.starts, spec)
	return nil
}

func (f *fakeSupervisor) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, name)
	f.statuses[name] = "stopped"
	return nil
}

func (f *fakeSupervisor) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, name)
	delete(f.procs, name)
	delete(f.statuses, name)
	return nil
}

func (f *fakeSupervisor) Status(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[name]; ok {
		return s, nil
	}
	return "stopped", nil
}

func (f *fakeSupervisor) running(name string) (domain.ProcessSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.procs[name]
	return spec, ok
}

type fakeProjectRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.Project
}

func newFakeProjectRepo() *fakeProjectRepo {
	return &fakeProjectRepo{rows: make(map[string]*domain.Project)}
}

func (f *fakeProjectRepo) CreateProject(_ context.Context, p *domain.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.rows[p.ID] = &cp
	return nil
}

func (f *fakeProjectRepo) UpdateProject(_ context.Context, p *domain.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[p.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *p
	f.rows[p.ID] = &cp
	return nil
}

func (f *fakeProjectRepo) UpdateProjectStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	row.Status = status
	return nil
}

func (f *fakeProjectRepo) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeProjectRepo) GetProjectBySlug(_ context.Context, slug string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.Slug == slug {
			cp := *row
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeProjectRepo) ListProjects(_ context.Context) ([]domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Project, 0, len(f.rows))
	for _, row := range f.rows {
		out = append(out, *row)
	}
	return out, nil
}

func (f *fakeProjectRepo) DeleteProject(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.rows, id)
	return nil
}

type fakeDeploymentRepo struct {
	mu   sync.Mutex
	rows []domain.Deployment
}

func (f *fakeDeploymentRepo) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, *d)
	return nil
}

func (f *fakeDeploymentRepo) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			cp := row
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDeploymentRepo) ListDeploymentsByProject(_ context.Context, projectID string, _ int) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for _, row := range f.rows {
		if row.ProjectID == projectID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) LatestVersion(_ context.Context, projectID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	latest := ""
	for _, row := range f.rows {
		if row.ProjectID == projectID && row.Version > latest {
			latest = row.Version
		}
	}
	if latest == "" {
		return "", repository.ErrNotFound
	}
	return latest, nil
}

func (f *fakeDeploymentRepo) byStatus(status string) []domain.Deployment {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for _, row := range f.rows {
		if row.Status == status {
			out = append(out, row)
		}
	}
	return out
}

type fakeCleanupRepo struct {
	mu   sync.Mutex
	rows []domain.PendingCleanup
}

func (f *fakeCleanupRepo) MarkForCleanup(_ context.Context, c *domain.PendingCleanup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, *c)
	return nil
}

func (f *fakeCleanupRepo) ListPendingCleanups(_ context.Context) ([]domain.PendingCleanup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PendingCleanup(nil), f.rows...), nil
}

func (f *fakeCleanupRepo) BumpCleanupAttempts(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows[i].Attempts++
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeCleanupRepo) DeleteCleanup(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

type fakeGit struct {
	cloneFiles map[string]string
	cloneErr   error
	pullErr    error
	pullFiles  map[string]string
	pulls      []string
	commit     string
}

func (f *fakeGit) Clone(_ context.Context, opts gitops.CloneOptions) error {
	if f.cloneErr != nil {
		return f.cloneErr
	}
	if err := os.MkdirAll(filepath.Join(opts.TargetPath, ".git"), 0o755); err != nil {
		return err
	}
	return seedFiles(opts.TargetPath, f.cloneFiles)
}

func (f *fakeGit) Pull(_ context.Context, path, branch string, _ *gitops.Credential) error {
	f.pulls = append(f.pulls, path+"@"+branch)
	if f.pullErr != nil {
		return f.pullErr
	}
	return seedFiles(path, f.pullFiles)
}

func (f *fakeGit) Info(_ context.Context, _ string) (*gitops.RepoInfo, error) {
	return &gitops.RepoInfo{Branch: "main", CommitHash: f.commit}, nil
}

func seedFiles(root string, files map[string]string) error {
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// fakeRunner returns canned results keyed by the full command line.
type fakeRunner struct {
	mu       sync.Mutex
	results  map[string]execx.Result
	commands []string
}

func (f *fakeRunner) Run(_ context.Context, spec execx.Spec) (execx.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := strings.TrimSpace(spec.Name + " " + strings.Join(spec.Args, " "))
	f.commands = append(f.commands, cmd)
	if res, ok := f.results[cmd]; ok {
		return res, nil
	}
	return execx.Result{ExitCode: 0}, nil
}

func resultExit(code int, stderr string) execx.Result {
	return execx.Result{ExitCode: code, Stderr: stderr}
}

func (f *fakeRunner) ran(cmd string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

type testHarness struct {
	orch     *Orchestrator
	cfg      config.Config
	super    *fakeSupervisor
	projects *fakeProjectRepo
	deploys  *fakeDeploymentRepo
	cleanups *fakeCleanupRepo
	git      *fakeGit
	runner   *fakeRunner
	snaps    *snapshot.Store
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	root := t.TempDir()
	cfg := config.Config{
		EnvEncryptionKey:  "test-secret",
		ProjectsRoot:      filepath.Join(root, "projects"),
		BackupsRoot:       filepath.Join(root, "backups"),
		ProcessLogDir:     filepath.Join(root, "logs"),
		DefaultNodeEnv:    "production",
		BasePort:          3000,
		MinUptime:         5 * time.Second,
		MaxRestarts:       10,
		StopPollTimeout:   time.Second,
		InstallTimeout:    time.Minute,
		BuildTimeout:      time.Minute,
		BackupGracePeriod: time.Millisecond,
		CleanupInterval:   time.Minute,
	}
	h := &testHarness{
		cfg:      cfg,
		super:    newFakeSupervisor(),
		projects: newFakeProjectRepo(),
		deploys:  &fakeDeploymentRepo{},
		cleanups: &fakeCleanupRepo{},
		git:      &fakeGit{commit: "abc1234"},
		runner:   &fakeRunner{results: make(map[string]execx.Result)},
		snaps:    snapshot.New(cfg.BackupsRoot, nil),
	}
	h.orch = New(cfg, nil, h.projects, h.deploys, h.cleanups, h.super, h.git, h.snaps, h.runner, nil)
	h.orch.afterGrace = func(_ time.Duration, fn func()) { fn() }
	return h
}

// seedProject installs a running project on disk and in the repo, the way a
// prior successful create would have left it.
func (h *testHarness) seedProject(t *testing.T, files map[string]string) *domain.Project {
	t.Helper()
	project := &domain.Project{
		ID:           newID(),
		Slug:         "my-app",
		Name:         "My App",
		RootPath:     filepath.Join(h.cfg.ProjectsRoot, "my-app"),
		StartCommand: "node index.js",
		Port:         3000,
		DeployMethod: domain.DeployMethodZip,
		Status:       domain.ProjectStatusRunning,
	}
	if err := os.MkdirAll(project.RootPath, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := seedFiles(project.RootPath, files); err != nil {
		t.Fatal(err)
	}
	if err := h.projects.CreateProject(context.Background(), project); err != nil {
		t.Fatal(err)
	}
	h.super.procs[project.Slug] = domain.ProcessSpec{Name: project.Slug, Script: "index.js", Interpreter: "node"}
	h.super.statuses[project.Slug] = "online"
	return project
}

func writeZipArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := zip.NewWriter(f)
	for name, content := range files {
		entry, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := entry.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func listTree(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(root, path)
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func requireFile(t *testing.T, path, want string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if string(data) != want {
		t.Fatalf("file %s = %q, want %q", path, data, want)
	}
}

// failingSnaps simulates a backups volume where no archive tier can write.
type failingSnaps struct{}

func (failingSnaps) Create(*domain.Project, *domain.ProcessSpec) (snapshot.Record, error) {
	return snapshot.Record{}, errors.New("backups volume out of space")
}

func (failingSnaps) Restore(*domain.Project, string) (*domain.ProcessSpec, error) {
	return nil, snapshot.ErrSnapshotNotFound
}

func (failingSnaps) Remove(string) error { return nil }
