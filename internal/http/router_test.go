package httpx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/omdev04/nodepilot/internal/domain"
	"github.com/omdev04/nodepilot/internal/gitops"
	"github.com/omdev04/nodepilot/internal/orchestrator"
	"github.com/omdev04/nodepilot/internal/repository"
	"github.com/omdev04/nodepilot/internal/ws"
)

type stubLifecycle struct {
	createGitErr error
	created      *orchestrator.GitCreateInput
	redeployed   chan string
	rollbackErr  error
	deleteErr    error
}

func (s *stubLifecycle) CreateProject(_ context.Context, _ orchestrator.CreateInput) (*domain.Project, error) {
	return &domain.Project{ID: "p1", Slug: "zip-app", Status: domain.ProjectStatusRunning}, nil
}

func (s *stubLifecycle) CreateProjectFromGit(_ context.Context, in orchestrator.GitCreateInput) (*domain.Project, error) {
	if s.createGitErr != nil {
		return nil, s.createGitErr
	}
	s.created = &in
	return &domain.Project{ID: "p1", Slug: "git-app", Status: domain.ProjectStatusRunning}, nil
}

func (s *stubLifecycle) RedeployProject(_ context.Context, projectID, _ string) (*domain.Deployment, error) {
	return &domain.Deployment{ID: "d1", ProjectID: projectID, Status: domain.DeploymentStatusSuccess}, nil
}

func (s *stubLifecycle) RedeployGitProject(_ context.Context, projectID string, _ *gitops.Credential) (*domain.Deployment, error) {
	if s.redeployed != nil {
		s.redeployed <- projectID
	}
	return &domain.Deployment{ID: "d2", ProjectID: projectID, Status: domain.DeploymentStatusSuccess}, nil
}

func (s *stubLifecycle) RollbackToDeployment(_ context.Context, projectID, target string) (*domain.Deployment, error) {
	if s.rollbackErr != nil {
		return nil, s.rollbackErr
	}
	return &domain.Deployment{ID: "d3", ProjectID: projectID, Version: target, Status: domain.DeploymentStatusRollback}, nil
}

func (s *stubLifecycle) DeleteProject(_ context.Context, _ string) error {
	return s.deleteErr
}

type stubProjects struct {
	project *domain.Project
}

func (s *stubProjects) CreateProject(context.Context, *domain.Project) error       { return nil }
func (s *stubProjects) UpdateProject(context.Context, *domain.Project) error       { return nil }
func (s *stubProjects) UpdateProjectStatus(context.Context, string, string) error  { return nil }
func (s *stubProjects) DeleteProject(context.Context, string) error                { return nil }
func (s *stubProjects) ListProjects(context.Context) ([]domain.Project, error)     { return nil, nil }
func (s *stubProjects) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	if s.project != nil && s.project.ID == id {
		return s.project, nil
	}
	return nil, repository.ErrNotFound
}
func (s *stubProjects) GetProjectBySlug(_ context.Context, slug string) (*domain.Project, error) {
	if s.project != nil && s.project.Slug == slug {
		return s.project, nil
	}
	return nil, repository.ErrNotFound
}

type stubDeploys struct{}

func (stubDeploys) CreateDeployment(context.Context, *domain.Deployment) error { return nil }
func (stubDeploys) GetDeploymentByID(context.Context, string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}
func (stubDeploys) ListDeploymentsByProject(context.Context, string, int) ([]domain.Deployment, error) {
	return []domain.Deployment{{ID: "d1", Status: domain.DeploymentStatusSuccess}}, nil
}
func (stubDeploys) LatestVersion(context.Context, string) (string, error) {
	return "", repository.ErrNotFound
}

type stubProcs struct{}

func (stubProcs) Info(context.Context, string) (*domain.ProcessInfo, error) {
	return &domain.ProcessInfo{Name: "git-app", Status: "online", PID: 42}, nil
}

func newTestRouter(t *testing.T, lifecycle *stubLifecycle, projects *stubProjects, secret string) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	r := NewRouter(logger, lifecycle, projects, stubDeploys{}, stubProcs{}, ws.NewHub(), nil, secret, nil)
	t.Cleanup(r.Close)
	return r
}

func TestCreateFromGitEndpoint(t *testing.T) {
	lifecycle := &stubLifecycle{}
	router := newTestRouter(t, lifecycle, &stubProjects{}, "")

	body := `{"name":"Git App","repo_url":"https://github.com/acme/app.git","branch":"main","start_command":"npm start","provider":"github","token":"tok"}`
	req := httptest.NewRequest(http.MethodPost, "/projects/git", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if lifecycle.created == nil || lifecycle.created.Credential == nil {
		t.Fatal("credential not forwarded to lifecycle")
	}
	if lifecycle.created.Credential.Provider != "github" {
		t.Fatalf("provider = %q", lifecycle.created.Credential.Provider)
	}
}

func TestCreateFromGitSlugConflict(t *testing.T) {
	lifecycle := &stubLifecycle{createGitErr: repository.ErrSlugTaken}
	router := newTestRouter(t, lifecycle, &stubProjects{}, "")

	req := httptest.NewRequest(http.MethodPost, "/projects/git", strings.NewReader(`{"name":"x"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestProjectDetailIncludesProcess(t *testing.T) {
	projects := &stubProjects{project: &domain.Project{ID: "p1", Slug: "git-app"}}
	router := newTestRouter(t, &stubLifecycle{}, projects, "")

	req := httptest.NewRequest(http.MethodGet, "/projects/p1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if _, ok := payload["process"]; !ok {
		t.Fatal("process info missing from detail view")
	}
	if _, ok := payload["env_blob"]; ok {
		t.Fatal("encrypted env blob leaked into response")
	}
}

func TestRollbackUnknownTargetMapsTo404(t *testing.T) {
	lifecycle := &stubLifecycle{rollbackErr: orchestrator.ErrUnknownVersion}
	router := newTestRouter(t, lifecycle, &stubProjects{}, "")

	req := httptest.NewRequest(http.MethodPost, "/projects/p1/rollback", strings.NewReader(`{"target":"nope"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestWebhookTriggersRedeploy(t *testing.T) {
	secret := "hook-secret"
	lifecycle := &stubLifecycle{redeployed: make(chan string, 1)}
	projects := &stubProjects{project: &domain.Project{
		ID: "p1", Slug: "git-app", DeployMethod: domain.DeployMethodGit,
	}}
	router := newTestRouter(t, lifecycle, projects, secret)

	payload := []byte(`{"ref":"refs/heads/main"}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhook/git-app", bytes.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", signature)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	select {
	case id := <-lifecycle.redeployed:
		if id != "p1" {
			t.Fatalf("redeployed project %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook did not trigger a redeploy")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	lifecycle := &stubLifecycle{redeployed: make(chan string, 1)}
	projects := &stubProjects{project: &domain.Project{
		ID: "p1", Slug: "git-app", DeployMethod: domain.DeployMethodGit,
	}}
	router := newTestRouter(t, lifecycle, projects, "hook-secret")

	req := httptest.NewRequest(http.MethodPost, "/webhook/git-app", strings.NewReader(`{}`))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	select {
	case <-lifecycle.redeployed:
		t.Fatal("redeploy triggered despite bad signature")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHealthzDegraded(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	failing := func(context.Context) error { return errors.New("db down") }
	router := NewRouter(logger, &stubLifecycle{}, &stubProjects{}, stubDeploys{}, stubProcs{}, ws.NewHub(), nil, "", failing)
	t.Cleanup(router.Close)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	rl := NewMemoryRateLimiter()
	t.Cleanup(rl.Close)

	for i := 0; i < 3; i++ {
		if d := rl.Allow("ip:1.2.3.4", 3, time.Minute); !d.allowed {
			t.Fatalf("request %d blocked under limit", i)
		}
	}
	if d := rl.Allow("ip:1.2.3.4", 3, time.Minute); d.allowed {
		t.Fatal("fourth request allowed over limit")
	}
	if d := rl.Allow("ip:5.6.7.8", 3, time.Minute); !d.allowed {
		t.Fatal("separate key blocked")
	}
}
