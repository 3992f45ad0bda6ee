// errly server: watches platform deployment logs for errors, groups them,
// and serves the dashboard API with live push updates.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/errlyhq/errly/pkg/api"
	"github.com/errlyhq/errly/pkg/config"
	"github.com/errlyhq/errly/pkg/database"
	"github.com/errlyhq/errly/pkg/grouper"
	"github.com/errlyhq/errly/pkg/models"
	"github.com/errlyhq/errly/pkg/platform"
	"github.com/errlyhq/errly/pkg/push"
	"github.com/errlyhq/errly/pkg/retention"
	"github.com/errlyhq/errly/pkg/store"
	"github.com/errlyhq/errly/pkg/version"
	"github.com/errlyhq/errly/pkg/watcher"
	"github.com/errlyhq/errly/pkg/webhook"
)

const shutdownTimeout = 8 * time.Second

func main() {
	// .env seeds local development; deployments inject the real environment.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	slog.Info("Starting errly",
		"version", version.Full(),
		"port", cfg.Port,
		"db_path", cfg.DBPath,
		"auto_capture", cfg.Railway.AutoCaptureEnabled())

	ctx := context.Background()

	// 1. Database (embedded migrations run on open)
	dbClient, err := database.NewClient(ctx, database.Config{Path: cfg.DBPath})
	if err != nil {
		slog.Error("Failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()

	// 2. Stores and the processing pipeline
	groups := store.NewGroupStore(dbClient.DB())
	sessions := store.NewSessionStore(dbClient.DB())
	settings := store.NewSettingsStore(dbClient.DB())

	hub := push.NewHub(cfg.MaxSSEClients, sessions)
	hub.Start(ctx)

	processor := grouper.New(groups, settings, webhook.NewNotifier())

	// 3. Platform log capture (runs only with credentials configured)
	var (
		platformClient *platform.Client
		logWatcher     *watcher.Watcher
	)
	if cfg.Railway.AutoCaptureEnabled() {
		platformClient = platform.NewClient(platform.Config{Token: cfg.Railway.APIToken})
		connector := platform.NewConnector(platformClient)

		sink := watcher.SinkFunc(func(ctx context.Context, ev *models.ErrorEvent) {
			result, err := processor.Process(ctx, ev)
			if err != nil {
				slog.Error("Failed to process captured error",
					"service", ev.Service, "error", err)
				return
			}
			if result.IsNew {
				hub.Broadcast(models.NewErrorEvent(result.Group.Summary()))
			} else {
				hub.Broadcast(models.ErrorUpdatedEvent(result.Group.Summary()))
			}
		})

		logWatcher = watcher.New(watcher.Config{
			ProjectID:        cfg.Railway.ProjectID,
			EnvironmentName:  cfg.Railway.EnvironmentName,
			SelfServiceID:    cfg.Railway.ServiceID,
			MaxSubscriptions: cfg.MaxSubscriptions,
		}, platformClient, watcher.NewConnectorSource(connector), sink)
		logWatcher.Start(ctx)
	} else {
		slog.Info("Auto-capture disabled; set RAILWAY_API_TOKEN and RAILWAY_PROJECT_ID to enable")
	}

	// 4. Retention sweeps
	retentionSvc := retention.NewService(groups, sessions, settings, hub)
	retentionSvc.Start(ctx)

	// 5. HTTP API
	deps := api.Deps{
		DB:       dbClient,
		Groups:   groups,
		Sessions: sessions,
		Settings: settings,
		Grouper:  processor,
		Hub:      hub,
	}
	// Assign only when capture runs; a typed nil in the interface fields
	// would read as enabled.
	if logWatcher != nil {
		deps.Watcher = logWatcher
		deps.Platform = platformClient
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewServer(deps).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 6. Wait for a shutdown signal or a server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server failed", "error", err)
	}

	// 7. Graceful shutdown: drain HTTP, then stop the background services.
	// The deferred close takes the database down last.
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	stopped := make(chan struct{})
	go func() {
		if logWatcher != nil {
			logWatcher.Stop()
		}
		retentionSvc.Stop()
		hub.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("Shutdown complete")
	case <-shutdownCtx.Done():
		slog.Error("Shutdown timeout exceeded; forcing exit with services still stopping")
		os.Exit(1)
	}
}
