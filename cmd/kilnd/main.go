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

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kiln/internal/config"
	"kiln/internal/core"
	"kiln/internal/logging"
	"kiln/internal/metrics"
	"kiln/internal/store"
)

func main() {
	var (
		dbPath     = flag.String("db", "", "SQLite database path (overrides KILN_DB_PATH)")
		listenAddr = flag.String("listen", "", "metrics/health listen address (overrides KILN_LISTEN_ADDR)")
		logLevel   = flag.String("log-level", "", "log level: debug, info, warn, error (overrides KILN_LOG_LEVEL)")
		fileRoot   = flag.String("file-root", "", "read-only directory of sliced print files (uses KILN_FILE_ROOT if not set)")
	)
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	auditKey := os.Getenv("KILN_AUDIT_KEY")
	if auditKey == "" {
		slog.Error("KILN_AUDIT_KEY is required; the audit chain cannot be sealed without it")
		os.Exit(1)
	}

	// Webhook secrets are encrypted at rest when a key is present.
	encryptionKey := os.Getenv("KILN_ENCRYPTION_KEY")
	if encryptionKey == "" {
		slog.Warn("No encryption key provided. Webhook secrets will be stored in plaintext. Set KILN_ENCRYPTION_KEY.")
	}

	root := *fileRoot
	if root == "" {
		root = os.Getenv("KILN_FILE_ROOT")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenWithEncryption(ctx, cfg.DBPath, encryptionKey)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}

	c, err := core.New(ctx, cfg, core.Deps{
		Store:    st,
		Logger:   logger,
		FileRoot: root,
		AuditKey: []byte(auditKey),
	})
	if err != nil {
		slog.Error("Failed to assemble core", "error", err)
		_ = st.Close()
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Starting Kiln control plane", "listen", cfg.ListenAddr, "db", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Run blocks on the scheduler loop until a signal cancels ctx.
	c.Run(ctx)

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	slog.Info("Kiln exited")
}
