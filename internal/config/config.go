package config

import (
	"time"

	"github.com/nextlevelbuilder/chatalloc/internal/allocator"
)

// Config is the root configuration for the chatalloc service.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Directory  DirectoryConfig  `json:"directory"`
	Allocation AllocationConfig `json:"allocation"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Token        string `json:"-"`                        // admin bearer token, env CHATALLOC_SERVER_TOKEN only
	RateLimitRPM int    `json:"rate_limit_rpm,omitempty"` // per-source webhook rate limit
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from config.json (secret) — only from env
// CHATALLOC_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default, SQLite) or "managed" (Postgres)
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// IsManagedMode returns true when running against Postgres across
// multiple instances.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// DirectoryConfig configures the external agent directory client.
// SecretKey comes from env CHATALLOC_DIRECTORY_SECRET_KEY only.
type DirectoryConfig struct {
	BaseURL    string `json:"base_url"`
	AppID      string `json:"app_id"`
	SecretKey  string `json:"-"`
	DivisionID int64  `json:"division_id"`
	TimeoutSec int    `json:"timeout_sec,omitempty"` // per-call bound (default 10)
}

// AllocationConfig tunes the allocation engine.
type AllocationConfig struct {
	MaxCustomers      int    `json:"max_customers,omitempty"`       // per-agent capacity limit (default 2)
	DebounceWindowMS  int    `json:"debounce_window_ms,omitempty"`  // re-scan coalescing window (default 3000)
	RetryMaxAttempts  int    `json:"retry_max_attempts,omitempty"`  // candidate lookup attempts per room (default 3)
	RetryBaseDelay    string `json:"retry_base_delay,omitempty"`    // backoff base, Go duration (default "1s")
	ScanTimeout       string `json:"scan_timeout,omitempty"`        // bound for one re-scan pass (default "2m")
	SweepSchedule     string `json:"sweep_schedule,omitempty"`      // cron expression (default "* * * * *", "" same, "off" disables)
	GuardRetryBase    string `json:"guard_retry_base,omitempty"`    // guard acquisition backoff base (default "100ms")
	GuardMaxAttempts  int    `json:"guard_max_attempts,omitempty"`  // guard acquisition attempts (default 3)
}

// ToEngineOptions converts AllocationConfig to allocator.Options with
// defaults applied.
func (ac AllocationConfig) ToEngineOptions() allocator.Options {
	opts := allocator.DefaultOptions()
	if ac.MaxCustomers > 0 {
		opts.CapacityLimit = ac.MaxCustomers
	}
	if ac.DebounceWindowMS > 0 {
		opts.DebounceWindow = time.Duration(ac.DebounceWindowMS) * time.Millisecond
	}
	if ac.RetryMaxAttempts > 0 {
		opts.CandidateRetry.MaxAttempts = ac.RetryMaxAttempts
	}
	if ac.RetryBaseDelay != "" {
		if d, err := time.ParseDuration(ac.RetryBaseDelay); err == nil && d > 0 {
			opts.CandidateRetry.Delay = allocator.LinearBackoff(d)
		}
	}
	if ac.ScanTimeout != "" {
		if d, err := time.ParseDuration(ac.ScanTimeout); err == nil && d > 0 {
			opts.ScanTimeout = d
		}
	}
	if ac.GuardMaxAttempts > 0 {
		opts.GuardRetry.MaxAttempts = ac.GuardMaxAttempts
	}
	if ac.GuardRetryBase != "" {
		if d, err := time.ParseDuration(ac.GuardRetryBase); err == nil && d > 0 {
			opts.GuardRetry.Delay = allocator.LinearBackoff(d)
		}
	}
	return opts
}

// TelemetryConfig configures OpenTelemetry export for traces. When
// enabled, spans are exported to an OTLP-compatible backend.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "chatalloc"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens)
}
