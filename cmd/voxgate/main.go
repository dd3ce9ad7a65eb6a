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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voxgate/voxgate/internal/agent"
	"github.com/voxgate/voxgate/internal/api"
	"github.com/voxgate/voxgate/internal/campaign"
	"github.com/voxgate/voxgate/internal/carrier"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/database"
	"github.com/voxgate/voxgate/internal/eventstore"
	"github.com/voxgate/voxgate/internal/media"
	"github.com/voxgate/voxgate/internal/metrics"
	sipserver "github.com/voxgate/voxgate/internal/sip"
)

// eventRetention is how long ended calls stay visible in the console's
// live view.
const eventRetention = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voxgate",
		"sip_port", cfg.SIPPort,
		"http_port", cfg.HTTPPort,
		"agent_project", cfg.AgentProject,
		"data_dir", cfg.DataDir,
	)

	// Validate the agent service account once at startup. The media
	// server's agent module reads the same file per turn.
	creds, err := agent.LoadCredentials(cfg.AgentCredentials)
	if err != nil {
		slog.Error("failed to load agent credentials", "error", err)
		os.Exit(1)
	}
	if creds.ProjectID != cfg.AgentProject {
		slog.Warn("agent credentials are for a different project",
			"credentials_project", creds.ProjectID,
			"configured_project", cfg.AgentProject,
		)
	}

	// Open the call record database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	calls := database.NewCallRepository(db)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// In-memory event store backing the console's live view.
	events := eventstore.New(logger, eventRetention)
	go events.RunPurge(appCtx)

	// Media server control connection, maintained with retry.
	mediaClient := media.NewClient(logger, cfg.MediaAddr, cfg.MediaSecret)
	go func() {
		if err := mediaClient.Run(appCtx); err != nil && appCtx.Err() == nil {
			slog.Error("media server connection lost", "error", err)
		}
	}()

	// SIP server and the per-call gateway glue.
	sipSrv, err := sipserver.NewServer(cfg, logger)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}

	gw := &gateway{
		cfg:    cfg,
		logger: logger,
		media:  mediaClient,
		sip:    sipSrv,
		events: events,
		calls:  calls,
		lookup: carrier.NewLookupClient(cfg, logger),
		sms:    carrier.NewSMSClient(cfg, logger),
	}
	sipSrv.SetCallHandler(gw.handleCall)

	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	// Prometheus registry feeding /metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(events, sipSrv.Dialogs(), mediaClient, calls, time.Now()))

	// Console HTTP server.
	handler := api.NewServer(cfg, calls, events, registry, logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Spreadsheet-driven outbound campaign.
	if cfg.CampaignEnabled() {
		sheet, err := campaign.NewSheet(appCtx, cfg.SpreadsheetID, cfg.SheetCredentials, logger)
		if err != nil {
			slog.Error("failed to connect to campaign spreadsheet", "error", err)
			os.Exit(1)
		}
		camp := campaign.New(cfg, sheet, gw.placeCampaignCall, logger)
		go camp.Run(appCtx)
	}

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	sipSrv.Stop()
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("voxgate stopped")
}
