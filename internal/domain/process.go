package domain

// ProcessSpec carries everything the supervisor daemon needs to start (or
// replace) a named long-running process. It doubles as the ecosystem
// descriptor persisted inside snapshots, so a project can be restarted
// without the primary database.
type ProcessSpec struct {
	Name        string            `json:"name"`
	Script      string            `json:"script"`
	Args        []string          `json:"args,omitempty"`
	Cwd         string            `json:"cwd"`
	Interpreter string            `json:"interpreter,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	OutFile     string            `json:"out_file,omitempty"`
	ErrFile     string            `json:"error_file,omitempty"`
	MinUptimeMS int               `json:"min_uptime_ms,omitempty"`
	MaxRestarts int               `json:"max_restarts,omitempty"`
}

// ProcessInfo reports supervised process state and resource usage.
type ProcessInfo struct {
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	PID         int     `json:"pid,omitempty"`
	Restarts    int     `json:"restarts"`
	UptimeMS    int64   `json:"uptime_ms,omitempty"`
	CPUPercent  float64 `json:"cpu_percent,omitempty"`
	MemoryBytes uint64  `json:"memory_bytes,omitempty"`
}
