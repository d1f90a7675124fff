// Kiln is an agent-operated control plane for heterogeneous 3D-printer fleets.
// Copyright (C) 2026  Kiln Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// CoreConfig holds the environment-driven knobs the core consumes.
// Everything else (credentials, feature flags) arrives through the
// collaborator interfaces.
type CoreConfig struct {
	// IdleHeaterTimeout is how long an idle printer may keep heaters hot
	// before the watchdog cools them. Zero disables the watchdog.
	IdleHeaterTimeout time.Duration

	// RetryBase is the scheduler's exponential backoff base.
	RetryBase time.Duration

	// WebhookWorkers is the size of the webhook delivery worker pool.
	WebhookWorkers int

	// WebhookMaxRedirects caps redirect hops during webhook delivery.
	// Zero disallows redirects entirely.
	WebhookMaxRedirects int

	// DBPath is the SQLite database file path (daemon binary only).
	DBPath string

	// ListenAddr serves /metrics and /healthz (daemon binary only).
	ListenAddr string

	// LogLevel selects the slog level ("debug", "info", "warn", "error").
	LogLevel string
}

// Default returns the default core configuration.
func Default() CoreConfig {
	return CoreConfig{
		IdleHeaterTimeout:   30 * time.Minute,
		RetryBase:           30 * time.Second,
		WebhookWorkers:      4,
		WebhookMaxRedirects: 0,
		DBPath:              "kiln.db",
		ListenAddr:          ":8080",
		LogLevel:            "info",
	}
}

// LoadFromEnv loads core configuration from environment variables.
func LoadFromEnv() (CoreConfig, error) {
	cfg := Default()

	// KILN_IDLE_HEATER_TIMEOUT_MIN
	if val := os.Getenv("KILN_IDLE_HEATER_TIMEOUT_MIN"); val != "" {
		mins, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid KILN_IDLE_HEATER_TIMEOUT_MIN: %w", err)
		}
		if mins < 0 {
			return cfg, fmt.Errorf("KILN_IDLE_HEATER_TIMEOUT_MIN must be >= 0")
		}
		cfg.IdleHeaterTimeout = time.Duration(mins) * time.Minute
	}

	// KILN_RETRY_BASE_SEC
	if val := os.Getenv("KILN_RETRY_BASE_SEC"); val != "" {
		secs, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid KILN_RETRY_BASE_SEC: %w", err)
		}
		if secs < 1 {
			return cfg, fmt.Errorf("KILN_RETRY_BASE_SEC must be at least 1")
		}
		cfg.RetryBase = time.Duration(secs) * time.Second
	}

	// KILN_WEBHOOK_WORKERS
	if val := os.Getenv("KILN_WEBHOOK_WORKERS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid KILN_WEBHOOK_WORKERS: %w", err)
		}
		if n < 1 || n > 64 {
			return cfg, fmt.Errorf("KILN_WEBHOOK_WORKERS must be between 1 and 64")
		}
		cfg.WebhookWorkers = n
	}

	// KILN_WEBHOOK_MAX_REDIRECTS
	if val := os.Getenv("KILN_WEBHOOK_MAX_REDIRECTS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid KILN_WEBHOOK_MAX_REDIRECTS: %w", err)
		}
		if n < 0 || n > 3 {
			return cfg, fmt.Errorf("KILN_WEBHOOK_MAX_REDIRECTS must be between 0 and 3")
		}
		cfg.WebhookMaxRedirects = n
	}

	// KILN_DB_PATH
	if val := os.Getenv("KILN_DB_PATH"); val != "" {
		cfg.DBPath = val
	}

	// KILN_LISTEN_ADDR
	if val := os.Getenv("KILN_LISTEN_ADDR"); val != "" {
		cfg.ListenAddr = val
	}

	// KILN_LOG_LEVEL
	if val := os.Getenv("KILN_LOG_LEVEL"); val != "" {
		switch val {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = val
		default:
			return cfg, fmt.Errorf("invalid KILN_LOG_LEVEL: must be 'debug', 'info', 'warn', or 'error', got %q", val)
		}
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *CoreConfig) Validate() error {
	if c.RetryBase < time.Second {
		return fmt.Errorf("retry base must be at least 1s")
	}
	if c.WebhookWorkers < 1 {
		return fmt.Errorf("webhook worker count must be at least 1")
	}
	if c.WebhookMaxRedirects < 0 || c.WebhookMaxRedirects > 3 {
		return fmt.Errorf("webhook max redirects must be between 0 and 3")
	}
	if c.DBPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	return nil
}
