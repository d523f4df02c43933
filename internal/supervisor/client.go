// Package supervisor is the client for the nodepilot process supervisor
// daemon, which manages named long-running OS processes over a unix socket.
// The wire protocol is newline-delimited JSON request/response pairs.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"log/slog"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/omdev04/nodepilot/internal/domain"
)

// Process status values reported by the daemon.
const (
	StatusOnline   = "online"
	StatusStopped  = "stopped"
	StatusErrored  = "errored"
	StatusLaunched = "launching"
)

// ErrNotFound indicates the daemon has no process registered under the name.
var ErrNotFound = errors.New("supervisor: process not found")

const defaultCallTimeout = 15 * time.Second

type request struct {
	Action string              `json:"action"`
	Name   string              `json:"name,omitempty"`
	Spec   *domain.ProcessSpec `json:"spec,omitempty"`
}

type response struct {
	OK        bool                 `json:"ok"`
	Code      string               `json:"code,omitempty"`
	Error     string               `json:"error,omitempty"`
	Process   *domain.ProcessInfo  `json:"process,omitempty"`
	Processes []domain.ProcessInfo `json:"processes,omitempty"`
}

// Client owns one connection to the supervisor daemon. The connection is
// established lazily on first use and reused across calls; all calls are
// serialized on the connection. Construct one Client and inject it wherever
// process control is needed.
type Client struct {
	sockPath string
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// New returns a Client for the daemon listening at sockPath. No connection
// is made until the first call.
func New(sockPath string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{sockPath: sockPath, timeout: defaultCallTimeout, logger: logger}
}

// connect dials the daemon socket if not already connected. Idempotent.
// Caller must hold c.mu.
func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", c.sockPath)
	if err != nil {
		return fmt.Errorf("connect supervisor daemon at %s: %w", c.sockPath, err)
	}
	c.conn = conn
	c.enc = json.NewEncoder(conn)
	c.dec = json.NewDecoder(conn)
	c.logger.Info("connected to supervisor daemon", "socket", c.sockPath)
	return nil
}

// dropConn discards a broken connection so the next call redials.
// Caller must hold c.mu.
func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.enc = nil
	c.dec = nil
}

func (c *Client) call(ctx context.Context, req request) (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return response{}, err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)

	if err := c.enc.Encode(req); err != nil {
		c.dropConn()
		return response{}, fmt.Errorf("supervisor %s request: %w", req.Action, err)
	}
	var resp response
	if err := c.dec.Decode(&resp); err != nil {
		c.dropConn()
		return response{}, fmt.Errorf("supervisor %s response: %w", req.Action, err)
	}
	if !resp.OK {
		if resp.Code == "not_found" {
			return resp, fmt.Errorf("%w: %s", ErrNotFound, req.Name)
		}
		return resp, fmt.Errorf("supervisor %s %s: %s", req.Action, req.Name, resp.Error)
	}
	return resp, nil
}

// Close shuts down the daemon connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.enc = nil
	c.dec = nil
	return err
}

// Start launches the named process, replacing any existing process with the
// same name.
func (c *Client) Start(ctx context.Context, spec domain.ProcessSpec) error {
	if spec.Name == "" {
		return errors.New("supervisor: process spec requires a name")
	}
	_, err := c.call(ctx, request{Action: "start", Name: spec.Name, Spec: &spec})
	return err
}

// Stop halts the named process but keeps it registered. Stopping an unknown
// process is not an error.
func (c *Client) Stop(ctx context.Context, name string) error {
	_, err := c.call(ctx, request{Action: "stop", Name: name})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Delete removes the named process from the daemon. Unknown names are
// treated as already deleted.
func (c *Client) Delete(ctx context.Context, name string) error {
	_, err := c.call(ctx, request{Action: "delete", Name: name})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Restart restarts the named process with its existing configuration. The
// daemon does NOT reload environment variables on restart; an env change
// must go through Delete followed by Start.
func (c *Client) Restart(ctx context.Context, name string) error {
	_, err := c.call(ctx, request{Action: "restart", Name: name})
	return err
}

// Info describes the named process, sampling CPU and memory usage from the
// pid when the daemon does not report usage itself.
func (c *Client) Info(ctx context.Context, name string) (*domain.ProcessInfo, error) {
	resp, err := c.call(ctx, request{Action: "describe", Name: name})
	if err != nil {
		return nil, err
	}
	if resp.Process == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	info := *resp.Process
	sampleUsage(&info)
	return &info, nil
}

// List returns every process the daemon manages.
func (c *Client) List(ctx context.Context) ([]domain.ProcessInfo, error) {
	resp, err := c.call(ctx, request{Action: "list"})
	if err != nil {
		return nil, err
	}
	infos := resp.Processes
	for i := range infos {
		sampleUsage(&infos[i])
	}
	return infos, nil
}

// Status reports the process status, mapping an unregistered name to
// "stopped" rather than an error.
func (c *Client) Status(ctx context.Context, name string) (string, error) {
	info, err := c.Info(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return StatusStopped, nil
	}
	if err != nil {
		return "", err
	}
	if info.Status == "" {
		return StatusStopped, nil
	}
	return info.Status, nil
}

// sampleUsage fills CPU/memory from the pid via gopsutil when the daemon
// reported none.
func sampleUsage(info *domain.ProcessInfo) {
	if info.PID <= 0 || info.CPUPercent > 0 || info.MemoryBytes > 0 {
		return
	}
	proc, err := process.NewProcess(int32(info.PID))
	if err != nil {
		return
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		info.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		info.MemoryBytes = mem.RSS
	}
}
