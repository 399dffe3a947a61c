// Package app wires the server components together and owns their
// lifecycle: store, sync gateway, REST API, retention runner, HTTP server.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/joho/godotenv"

	"chatsync/internal/retention"
	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/store"
	syncgw "chatsync/pkg/sync"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg     *config.Config
	addr    string
	dbPath  string
	version string
	sources string

	gw  *syncgw.Gateway
	srv *http.Server
}

// New initializes resources that do not require a running context (DB,
// gateway). It does not start the HTTP server; call Run to start it and
// block until shutdown.
func New(cfg *config.Config, addr, dbPath, sources, version string) (*App, error) {
	_ = godotenv.Load(".env")

	if dbPath == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := store.Open(dbPath); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dbPath, err)
	}

	return &App{
		cfg:     cfg,
		addr:    addr,
		dbPath:  dbPath,
		version: version,
		sources: sources,
		gw:      syncgw.New(cfg.Sync),
	}, nil
}

// Run starts the HTTP server and the retention runner, and blocks until
// ctx is canceled or a fatal server error occurs. The store is closed on
// the way out.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store_close_failed", "error", err)
		}
	}()

	a.printBanner()

	if a.cfg.Retention.Enabled {
		runner, err := retention.NewRunner(a.cfg.Retention)
		if err != nil {
			return fmt.Errorf("invalid retention config: %w", err)
		}
		go runner.Run(ctx)
	}

	errCh := a.startHTTP()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(shutCtx); err != nil {
			logger.Warn("http_shutdown_incomplete", "error", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
