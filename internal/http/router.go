// Package httpx exposes the deployment lifecycle over HTTP: project
// creation from archive uploads or git clones, redeploy, rollback, delete,
// deployment history, webhook-triggered redeploys, and a websocket stream
// of lifecycle events.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omdev04/nodepilot/internal/domain"
	"github.com/omdev04/nodepilot/internal/gitops"
	"github.com/omdev04/nodepilot/internal/orchestrator"
	"github.com/omdev04/nodepilot/internal/repository"
	"github.com/omdev04/nodepilot/internal/ws"
)

// Lifecycle is the orchestrator surface the router consumes.
type Lifecycle interface {
	CreateProject(ctx context.Context, in orchestrator.CreateInput) (*domain.Project, error)
	CreateProjectFromGit(ctx context.Context, in orchestrator.GitCreateInput) (*domain.Project, error)
	RedeployProject(ctx context.Context, projectID, zipPath string) (*domain.Deployment, error)
	RedeployGitProject(ctx context.Context, projectID string, cred *gitops.Credential) (*domain.Deployment, error)
	RollbackToDeployment(ctx context.Context, projectID, target string) (*domain.Deployment, error)
	DeleteProject(ctx context.Context, projectID string) error
}

// ProcessInspector reports live process state for project reads.
type ProcessInspector interface {
	Info(ctx context.Context, name string) (*domain.ProcessInfo, error)
}

// Router wires HTTP endpoints to the orchestrator.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	lifecycle     Lifecycle
	projects      repository.ProjectRepository
	deploys       repository.DeploymentRepository
	procs         ProcessInspector
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	webhookSecret string
	dbHealth      func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 30
	rateLimitRead      = 120
	rateLimitWebhook   = 60
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	maxUploadBytes     = 256 << 20
	webhookDeployLimit = 30 * time.Minute
)

// NewRouter assembles routes with dependencies.
func NewRouter(
	logger *slog.Logger,
	lifecycle Lifecycle,
	projects repository.ProjectRepository,
	deploys repository.DeploymentRepository,
	procs ProcessInspector,
	hub *ws.Hub,
	limiter RateLimiter,
	webhookSecret string,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		lifecycle: lifecycle,
		projects:  projects,
		deploys:   deploys,
		procs:     procs,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       limiter,
		webhookSecret: strings.TrimSpace(webhookSecret),
		dbHealth:      dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/projects", r.audit("/projects", r.withRateLimit("/projects", rateLimitWrite, rateWindowDefault, r.handleProjects)))
	r.mux.HandleFunc("/projects/git", r.audit("/projects/git", r.withRateLimit("/projects/git", rateLimitWrite, rateWindowDefault, r.handleCreateFromGit)))
	r.mux.HandleFunc("/projects/", r.audit("/projects/{id}", r.withRateLimit("/projects/{id}", rateLimitRead, rateWindowDefault, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/webhook/", r.audit("/webhook/{slug}", r.withRateLimit("/webhook/{slug}", rateLimitWebhook, rateWindowDefault, r.handleWebhook)))
	r.mux.HandleFunc("/ws/events", r.audit("/ws/events", r.withRateLimit("/ws/events", rateLimitWebsocket, rateWindowRealtime, r.handleEventsWS)))
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		projects, err := r.projects.ListProjects(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": projectViews(projects)})
	case http.MethodPost:
		r.handleCreateFromZip(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleCreateFromZip(w http.ResponseWriter, req *http.Request) {
	zipPath, form, err := r.saveUpload(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer os.Remove(zipPath)

	port, _ := strconv.Atoi(form("port"))
	envVars, err := parseEnvField(form("env"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "env must be a JSON object of strings")
		return
	}
	project, err := r.lifecycle.CreateProject(req.Context(), orchestrator.CreateInput{
		Name:         form("name"),
		ZipPath:      zipPath,
		StartCommand: form("start_command"),
		Port:         port,
		EnvVars:      envVars,
	})
	if err != nil {
		writeError(w, lifecycleStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, projectView(*project))
}

func (r *Router) handleCreateFromGit(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Name           string            `json:"name"`
		RepoURL        string            `json:"repo_url"`
		Branch         string            `json:"branch"`
		StartCommand   string            `json:"start_command"`
		Port           int               `json:"port"`
		Env            map[string]string `json:"env"`
		InstallCommand string            `json:"install_command"`
		BuildCommand   string            `json:"build_command"`
		Provider       string            `json:"provider"`
		Token          string            `json:"token"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	project, err := r.lifecycle.CreateProjectFromGit(req.Context(), orchestrator.GitCreateInput{
		Name:           payload.Name,
		RepoURL:        payload.RepoURL,
		Branch:         payload.Branch,
		StartCommand:   payload.StartCommand,
		Port:           payload.Port,
		EnvVars:        payload.Env,
		InstallCommand: payload.InstallCommand,
		BuildCommand:   payload.BuildCommand,
		Credential:     credentialFrom(payload.Provider, payload.Token),
	})
	if err != nil {
		writeError(w, lifecycleStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, projectView(*project))
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		r.notFound(w)
		return
	}
	projectID := parts[0]

	if len(parts) == 1 {
		switch req.Method {
		case http.MethodGet:
			r.handleProjectDetail(w, req, projectID)
		case http.MethodDelete:
			r.handleProjectDelete(w, req, projectID)
		default:
			r.methodNotAllowed(w)
		}
		return
	}
	if len(parts) != 2 {
		r.notFound(w)
		return
	}
	switch parts[1] {
	case "deployments":
		r.handleDeploymentList(w, req, projectID)
	case "redeploy":
		r.handleRedeploy(w, req, projectID)
	case "pull":
		r.handleGitRedeploy(w, req, projectID)
	case "rollback":
		r.handleRollback(w, req, projectID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProjectDetail(w http.ResponseWriter, req *http.Request, projectID string) {
	project, err := r.projects.GetProjectByID(req.Context(), projectID)
	if err != nil {
		writeError(w, lifecycleStatus(err), err.Error())
		return
	}
	view := projectView(*project)
	if info, err := r.procs.Info(req.Context(), project.Slug); err == nil {
		view["process"] = info
	}
	writeJSON(w, http.StatusOK, view)
}

func (r *Router) handleProjectDelete(w http.ResponseWriter, req *http.Request, projectID string) {
	if err := r.lifecycle.DeleteProject(req.Context(), projectID); err != nil {
		writeError(w, lifecycleStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (r *Router) handleDeploymentList(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	deployments, err := r.deploys.ListDeploymentsByProject(req.Context(), projectID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": deployments})
}

func (r *Router) handleRedeploy(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	zipPath, _, err := r.saveUpload(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer os.Remove(zipPath)

	deployment, err := r.lifecycle.RedeployProject(req.Context(), projectID, zipPath)
	if err != nil {
		writeError(w, lifecycleStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

func (r *Router) handleGitRedeploy(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Provider string `json:"provider"`
		Token    string `json:"token"`
	}
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(&payload)
	}
	deployment, err := r.lifecycle.RedeployGitProject(req.Context(), projectID, credentialFrom(payload.Provider, payload.Token))
	if err != nil {
		writeError(w, lifecycleStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

func (r *Router) handleRollback(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	// An absent or empty target rolls back to the latest journaled version.
	var payload struct {
		Target string `json:"target"`
	}
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(&payload)
	}
	deployment, err := r.lifecycle.RollbackToDeployment(req.Context(), projectID, payload.Target)
	if err != nil {
		writeError(w, lifecycleStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

// handleWebhook triggers a git redeploy when a hosting provider posts a
// signed push notification for /webhook/{slug}.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	slug := strings.TrimPrefix(req.URL.Path, "/webhook/")
	if slug == "" || strings.Contains(slug, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.webhookSecret == "" {
		r.logger.Error("webhook secret not configured", "slug", slug)
		writeError(w, http.StatusInternalServerError, "webhooks not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	provider, signature := webhookSignature(req)
	if err := gitops.VerifyWebhookSignature(provider, body, r.webhookSecret, signature); err != nil {
		r.logger.Warn("webhook signature rejected", "slug", slug, "provider", provider, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	project, err := r.projects.GetProjectBySlug(req.Context(), slug)
	if err != nil {
		writeError(w, lifecycleStatus(err), err.Error())
		return
	}
	if project.DeployMethod != domain.DeployMethodGit {
		writeError(w, http.StatusConflict, "project is not git backed")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), webhookDeployLimit)
		defer cancel()
		if _, err := r.lifecycle.RedeployGitProject(ctx, project.ID, nil); err != nil {
			r.logger.Error("webhook redeploy failed", "slug", slug, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	slug := req.URL.Query().Get("slug")
	if slug == "" {
		slug = ws.AllProjects
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(slug, client)
	go func() {
		defer func() {
			r.hub.Unregister(slug, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status := "ok"
	code := http.StatusOK
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// saveUpload copies the multipart "archive" file into a temp path the
// lifecycle methods can extract from. The caller removes it.
func (r *Router) saveUpload(req *http.Request) (string, func(string) string, error) {
	if err := req.ParseMultipartForm(maxUploadBytes); err != nil {
		return "", nil, fmt.Errorf("invalid multipart body: %w", err)
	}
	file, _, err := req.FormFile("archive")
	if err != nil {
		return "", nil, errors.New("archive file is required")
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "nodepilot-upload-*.zip")
	if err != nil {
		return "", nil, err
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, err
	}
	return tmp.Name(), req.FormValue, nil
}

func parseEnvField(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var env map[string]string
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, err
	}
	return env, nil
}

func credentialFrom(provider, token string) *gitops.Credential {
	if provider == "" || token == "" {
		return nil
	}
	return &gitops.Credential{Provider: provider, Token: token}
}

// webhookSignature picks the provider scheme from the request headers.
func webhookSignature(req *http.Request) (provider, signature string) {
	if sig := req.Header.Get("X-Hub-Signature-256"); sig != "" {
		return gitops.ProviderGitHub, sig
	}
	if token := req.Header.Get("X-Gitlab-Token"); token != "" {
		return gitops.ProviderGitLab, token
	}
	return gitops.ProviderGitHub, ""
}

func lifecycleStatus(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, orchestrator.ErrUnknownVersion):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrSlugTaken):
		return http.StatusConflict
	case errors.Is(err, gitops.ErrInvalidRepoURL), errors.Is(err, gitops.ErrInvalidBranch),
		errors.Is(err, orchestrator.ErrInvalidStartCommand):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func projectViews(projects []domain.Project) []map[string]any {
	out := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectView(p))
	}
	return out
}

// projectView omits the encrypted env blob from API responses.
func projectView(p domain.Project) map[string]any {
	return map[string]any{
		"id":            p.ID,
		"slug":          p.Slug,
		"name":          p.Name,
		"root_path":     p.RootPath,
		"start_command": p.StartCommand,
		"port":          p.Port,
		"deploy_method": p.DeployMethod,
		"repo_url":      p.RepoURL,
		"branch":        p.Branch,
		"last_commit":   p.LastCommit,
		"status":        p.Status,
		"created_at":    p.CreatedAt,
		"updated_at":    p.UpdatedAt,
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
