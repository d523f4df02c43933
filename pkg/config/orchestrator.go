package config

import "time"

// Config holds runtime configuration for the orchestrator service.
type Config struct {
	Environment      string
	Addr             string
	DatabaseURL      string
	MigrationsDir    string
	EnvEncryptionKey string

	ProjectsRoot    string
	BackupsRoot     string
	SupervisorSock  string
	ProcessLogDir   string
	DefaultNodeEnv  string
	BasePort        int
	MinUptime       time.Duration
	MaxRestarts     int
	StopPollTimeout time.Duration

	CloneTimeout   time.Duration
	FetchTimeout   time.Duration
	PullTimeout    time.Duration
	InstallTimeout time.Duration
	BuildTimeout   time.Duration

	BackupGracePeriod time.Duration
	CleanupInterval   time.Duration

	WebhookSecret      string
	EventBuffer        int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:      GetString("APP_ENV", "development"),
		Addr:             GetString("NODEPILOT_ADDR", ":4100"),
		DatabaseURL:      GetString("DATABASE_URL", "postgres://nodepilot:nodepilot@db:5432/nodepilot?sslmode=disable"),
		MigrationsDir:    GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		EnvEncryptionKey: GetString("ENV_ENCRYPTION_KEY", "supersecuresecret"),

		ProjectsRoot:    GetString("PROJECTS_ROOT", "/var/lib/nodepilot/projects"),
		BackupsRoot:     GetString("BACKUPS_ROOT", "/var/lib/nodepilot/backups"),
		SupervisorSock:  GetString("SUPERVISOR_SOCKET", "/var/run/nodepilot/supervisor.sock"),
		ProcessLogDir:   GetString("PROCESS_LOG_DIR", "/var/log/nodepilot"),
		DefaultNodeEnv:  GetString("DEFAULT_NODE_ENV", "production"),
		BasePort:        GetInt("BASE_PORT", 3000),
		MinUptime:       time.Duration(GetInt("PROCESS_MIN_UPTIME_SECONDS", 5)) * time.Second,
		MaxRestarts:     GetInt("PROCESS_MAX_RESTARTS", 10),
		StopPollTimeout: time.Duration(GetInt("STOP_POLL_TIMEOUT_SECONDS", 10)) * time.Second,

		CloneTimeout:   time.Duration(GetInt("GIT_CLONE_TIMEOUT_SECONDS", 300)) * time.Second,
		FetchTimeout:   time.Duration(GetInt("GIT_FETCH_TIMEOUT_SECONDS", 180)) * time.Second,
		PullTimeout:    time.Duration(GetInt("GIT_PULL_TIMEOUT_SECONDS", 180)) * time.Second,
		InstallTimeout: time.Duration(GetInt("INSTALL_TIMEOUT_SECONDS", 600)) * time.Second,
		BuildTimeout:   time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 900)) * time.Second,

		BackupGracePeriod: time.Duration(GetInt("BACKUP_GRACE_SECONDS", 30)) * time.Second,
		CleanupInterval:   time.Duration(GetInt("CLEANUP_SWEEP_SECONDS", 300)) * time.Second,

		WebhookSecret:      GetString("WEBHOOK_SECRET", ""),
		EventBuffer:        GetInt("WS_EVENT_BUFFER", 100),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
