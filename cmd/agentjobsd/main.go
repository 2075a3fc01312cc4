// Package main is the agentjobsd daemon: it wires the Job Store,
// Workspace Manager, Skill Registry, Queue & Worker Pool, Executor, and
// the HTTP façade together and serves them until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jobforge/agentjobs/internal/agentclient"
	"github.com/jobforge/agentjobs/internal/appconfig"
	"github.com/jobforge/agentjobs/internal/applog"
	"github.com/jobforge/agentjobs/internal/executor"
	"github.com/jobforge/agentjobs/internal/httpapi"
	"github.com/jobforge/agentjobs/internal/orchestrator"
	"github.com/jobforge/agentjobs/internal/queue"
	"github.com/jobforge/agentjobs/internal/retention"
	"github.com/jobforge/agentjobs/internal/safego"
	"github.com/jobforge/agentjobs/internal/skills"
	"github.com/jobforge/agentjobs/internal/store"
	"github.com/jobforge/agentjobs/internal/workspace"
)

var configPath = flag.String("config", "", "path to agentjobs.toml (defaults baked in if omitted)")

func main() {
	flag.Parse()

	cfg, err := appconfig.LoadFromFile(*configPath)
	if err != nil {
		tmp := applog.Get()
		tmp.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	logger := applog.Setup(cfg)
	defer applog.Stop()

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Msg("starting agentjobsd")

	db, err := store.Open(logger, cfg.Store)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer db.Close()
	st := store.New(db, logger)

	ws, err := workspace.New(cfg.Workspace.DataRoot, cfg.Workspace.MaxUploadBytes, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize workspace manager")
	}

	registry := skills.NewDefaultRegistry()
	router := skills.NewRouter(registry, cfg.Skills.FallbackThreshold)

	queueMgr, err := queue.NewManager(db.SQL(), cfg.Queue.Name, cfg.Queue.MaxReceive)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize queue")
	}

	agentCfg := agentclient.Config{
		BaseURL:        cfg.Agent.BaseURL,
		Username:       cfg.Agent.Username,
		Password:       cfg.Agent.Password,
		RequestTimeout: appconfig.Duration(cfg.Agent.RequestTimeout, 30*time.Second),
	}

	orch := orchestrator.New(st, ws, router, queueMgr, agentCfg, logger)

	timeouts := executor.Timeouts{
		Soft:     appconfig.Duration(cfg.Timeouts.Soft, 900*time.Second),
		Hard:     appconfig.Duration(cfg.Timeouts.Hard, 1200*time.Second),
		PermWait: appconfig.Duration(cfg.Timeouts.PermWait, 120*time.Second),
		Poll:     appconfig.Duration(cfg.Timeouts.Poll, 2*time.Second),
	}
	exec := executor.New(st, ws, registry, agentCfg, timeouts, logger)

	// Any job left "running" (or its downstream non-terminal statuses) when
	// the daemon last exited did not shut down gracefully; requeue it so a
	// worker picks it back up instead of leaving it stuck.
	if n, err := st.MarkRunningJobsAsPending(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("failed to requeue in-flight jobs on startup")
	} else if n > 0 {
		logger.Info().Int("count", n).Msg("requeued in-flight jobs from previous run")
	}

	pool := queue.NewWorkerPool(context.Background(), queueMgr, st, exec.RunJob,
		cfg.Queue.Concurrency, appconfig.Duration(cfg.Queue.PollInterval, 2*time.Second), logger)
	pool.Start()
	defer pool.Stop()

	var retentionSvc *retention.Service
	if cfg.Retention.Enabled {
		retentionSvc = retention.New(st, ws, cfg.Retention.StaleJobMinutes,
			appconfig.Duration(cfg.Retention.TerminalMaxAge, 168*time.Hour), logger)
		if err := retentionSvc.Start(cfg.Retention.Schedule); err != nil {
			logger.Warn().Err(err).Msg("failed to start retention sweep")
			retentionSvc = nil
		} else {
			defer retentionSvc.Stop()
		}
	}

	api := httpapi.New(orch, st, ws, registry, logger, cfg.Server.DefaultTenantID, cfg.Server.DefaultActor)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}

	shutdownChan := make(chan struct{})

	safego.Go(logger, "http-server", func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
			close(shutdownChan)
		}
	})

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Msg("agentjobsd ready - press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("interrupt signal received")
	case <-shutdownChan:
		logger.Info().Msg("HTTP server exited unexpectedly")
	}

	logger.Info().Msg("shutting down agentjobsd")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	logger.Info().Msg("agentjobsd stopped")
}
