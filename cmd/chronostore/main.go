// Package main is the entry point for the chronostore server.
//
// Usage:
//
//	chronostore serve           — start the HTTP API
//	chronostore status          — check server health
//	chronostore version         — print version
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/chronostore/chronostore/internal/api"
	"github.com/chronostore/chronostore/internal/engine"
	"github.com/chronostore/chronostore/internal/observability"
	"github.com/chronostore/chronostore/internal/service"
	"github.com/chronostore/chronostore/internal/storage"
)

const (
	version = "0.1.0"
	appName = "chronostore"
)

var cli struct {
	Serve   serveCmd   `cmd:"" help:"Start the object store HTTP server."`
	Status  statusCmd  `cmd:"" help:"Check server health."`
	Version versionCmd `cmd:"" help:"Print version."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name(appName),
		kong.Description("Versioned key-value object store."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}

type serveCmd struct {
	Addr        string `help:"API listen address." env:"CHRONOSTORE_ADDR" default:"127.0.0.1:8080"`
	DataDir     string `help:"Data directory for the SQLite database." env:"CHRONOSTORE_DATA" default:""`
	PostgresDSN string `help:"PostgreSQL DSN; when set, Postgres backs the store instead of SQLite." env:"CHRONOSTORE_POSTGRES" default:""`
}

func (c *serveCmd) Run() error {
	log := observability.NewLogger(appName, nil)

	store, err := c.openStore(log)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := observability.NewMetricsCollector(0)
	eng := engine.New(store)
	svc := service.New(eng, log.With("layer", "service"), metrics)
	handler := api.NewHandler(svc, log.With("layer", "api"))

	srv := &http.Server{
		Addr:              c.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", c.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("shutdown complete")
	return nil
}

// openStore picks the record store backend: Postgres when a DSN is set,
// a SQLite file under the data directory otherwise.
func (c *serveCmd) openStore(log *observability.Logger) (storage.Store, error) {
	if c.PostgresDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store, err := storage.NewPostgresStore(ctx, c.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		log.Info("store ready", "backend", "postgres")
		return store, nil
	}

	dataDir := c.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		dataDir = filepath.Join(home, "."+appName)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, appName+".db")
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: %w", err)
	}
	log.Info("store ready", "backend", "sqlite", "path", dbPath)
	return store, nil
}

type statusCmd struct {
	Addr string `help:"API address to probe." env:"CHRONOSTORE_ADDR" default:"127.0.0.1:8080"`
}

func (c *statusCmd) Run() error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/health", c.Addr))
	if err != nil {
		return fmt.Errorf("server is NOT running at %s: %w", c.Addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	fmt.Printf("server is running at %s\n", c.Addr)
	return nil
}

type versionCmd struct{}

func (c *versionCmd) Run() error {
	fmt.Printf("%s v%s\n", appName, version)
	return nil
}
