package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         18890,
			RateLimitRPM: 60,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "chatalloc.db",
		},
		Directory: DirectoryConfig{
			BaseURL:    "https://omnichannel.qiscus.com/api",
			TimeoutSec: 10,
		},
		Allocation: AllocationConfig{
			MaxCustomers:     2,
			DebounceWindowMS: 3000,
			RetryMaxAttempts: 3,
			RetryBaseDelay:   "1s",
			SweepSchedule:    "* * * * *",
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; secrets only ever come from here.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CHATALLOC_HOST", &c.Server.Host)
	if v := os.Getenv("CHATALLOC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	envStr("CHATALLOC_SERVER_TOKEN", &c.Server.Token)

	envStr("CHATALLOC_MODE", &c.Database.Mode)
	envStr("CHATALLOC_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CHATALLOC_SQLITE_PATH", &c.Database.SQLitePath)

	envStr("CHATALLOC_DIRECTORY_URL", &c.Directory.BaseURL)
	envStr("CHATALLOC_DIRECTORY_APP_ID", &c.Directory.AppID)
	envStr("CHATALLOC_DIRECTORY_SECRET_KEY", &c.Directory.SecretKey)
	if v := os.Getenv("CHATALLOC_DIRECTORY_DIVISION_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Directory.DivisionID = id
		}
	}

	if v := os.Getenv("CHATALLOC_MAX_CUSTOMERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Allocation.MaxCustomers = n
		}
	}

	envStr("CHATALLOC_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CHATALLOC_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CHATALLOC_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CHATALLOC_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CHATALLOC_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file. Secret fields are tagged
// `json:"-"` and never persist.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
