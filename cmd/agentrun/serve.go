package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/basket/agentrun/internal/brain"
	"github.com/basket/agentrun/internal/bus"
	"github.com/basket/agentrun/internal/config"
	"github.com/basket/agentrun/internal/cron"
	"github.com/basket/agentrun/internal/engine"
	"github.com/basket/agentrun/internal/gate"
	"github.com/basket/agentrun/internal/gateway"
	"github.com/basket/agentrun/internal/otel"
	"github.com/basket/agentrun/internal/persistence"
	"github.com/basket/agentrun/internal/sandbox"
	"github.com/basket/agentrun/internal/tasks"
	"github.com/basket/agentrun/internal/telemetry"
	"github.com/basket/agentrun/internal/toolcall"
)

const (
	shutdownTimeout   = 5 * time.Second
	limiterSweepEvery = time.Minute
	limiterMaxIdle    = 10 * time.Minute
)

func runServe(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	bind := fs.String("bind", "", "listen address, overrides bind_addr")
	quiet := fs.Bool("quiet", false, "log to the log file only")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *bind != "" {
		cfg.BindAddr = *bind
	}

	logging, err := telemetry.NewLogger(telemetry.Options{
		HomeDir: cfg.HomeDir,
		Level:   cfg.LogLevel,
		Quiet:   *quiet,
	})
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logging.Close()
	logger := logging.Logger
	slog.SetDefault(logger)

	logger.Info("startup phase", "phase", "config_loaded",
		"home", cfg.HomeDir, "source", cfg.Source, "fingerprint", cfg.Fingerprint(), "version", Version)

	eventBus := bus.New()
	logging.FollowLevel(ctx, eventBus)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		watcher.PublishReloads(eventBus, cfg)
	}

	otelProvider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		return fatalStartup(logger.Error, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatalStartup(logger.Error, "E_OTEL_METRICS", err)
	}
	logger.Info("startup phase", "phase", "telemetry_ready", "otel", cfg.OTel.Enabled)

	brainCfg := brain.Config{
		Provider:   cfg.LLM.Provider,
		Model:      cfg.LLM.Model,
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		MaxRetries: cfg.LLM.MaxRetries,
	}
	genkitPlanner, err := brain.NewGenkitPlanner(ctx, brainCfg, logger)
	if err != nil {
		return fatalStartup(logger.Error, "E_PLANNER_INIT", err)
	}
	planner := brain.Instrument(genkitPlanner, otelProvider.Tracer, metrics.PlannerDuration, brainCfg.ModelName())

	var provider sandbox.Provider
	if cfg.Sandbox.Docker {
		docker, err := sandbox.NewDockerSandbox(sandbox.DockerConfig{
			Image:       cfg.Sandbox.Image,
			MemoryMB:    cfg.Sandbox.MemoryMB,
			NetworkMode: cfg.Sandbox.Network,
			Workspace:   cfg.Sandbox.WorkDir,
		})
		if err != nil {
			return fatalStartup(logger.Error, "E_SANDBOX_INIT", err)
		}
		defer docker.Close()
		provider = docker
	} else {
		provider = &sandbox.HostProvider{WorkDir: cfg.Sandbox.WorkDir}
	}
	logger.Info("startup phase", "phase", "sandbox_ready", "docker", cfg.Sandbox.Docker)

	kinds := toolcall.NewKinds(toolcall.KindsConfig{
		Planner:           planner,
		Sandbox:           provider,
		DiagBinary:        cfg.Sandbox.DiagBinary,
		RetrievalEndpoint: cfg.Retrieval.Endpoint,
		RetrievalTopK:     cfg.Retrieval.TopK,
		HTTPClient:        &http.Client{Timeout: time.Duration(cfg.Retrieval.TimeoutSeconds) * time.Second},
	})

	registry := tasks.NewRegistry(tasks.Config{
		HistorySize: cfg.HistorySize,
		Bus:         eventBus,
		Logger:      logger,
	})
	stepGate := gate.New(registry, gate.Config{
		Bus:          eventBus,
		PollInterval: cfg.PollInterval(),
		Logger:       logger,
	})
	runner := engine.NewRunner(engine.Config{
		Registry:           registry,
		Gate:               stepGate,
		Builder:            kinds,
		Logger:             logger,
		DefaultKind:        cfg.Agent.DefaultKind,
		MaxSteps:           cfg.Agent.MaxSteps,
		DuplicateThreshold: cfg.Agent.DuplicateThreshold,
		GatedTools:         cfg.Gate.GatedTools,
		Tracer:             otelProvider.Tracer,
		Metrics:            metrics,
	})
	// Tasks outlive the signal context; Drain decides when they stop.
	runner.Start(context.WithoutCancel(ctx))
	logger.Info("startup phase", "phase", "runner_started", "kinds", kinds.Names())

	if cfg.Archive.Enabled {
		stopArchive, err := startArchive(ctx, cfg, eventBus, logger)
		if err != nil {
			return fatalStartup(logger.Error, "E_ARCHIVE_OPEN", err)
		}
		defer stopArchive()
	}

	gw, err := gateway.New(gateway.Config{
		Registry:     registry,
		Runner:       runner,
		Gate:         stepGate,
		Logger:       logger,
		Tracer:       otelProvider.Tracer,
		Metrics:      metrics,
		Heartbeat:    cfg.HeartbeatInterval(),
		MaxBodyBytes: cfg.MaxBodyBytes,
		CORS:         cfg.CORS,
		RateLimit:    cfg.RateLimit,
	})
	if err != nil {
		return fatalStartup(logger.Error, "E_GATEWAY_INIT", err)
	}
	gw.Limiter().StartEviction(ctx, limiterSweepEvery, limiterMaxIdle)

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			return fatalStartup(logger.Error, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		return fatalStartup(logger.Error, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serverErr:
		logger.Error("gateway failed", "error", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	runner.Drain(cfg.DrainTimeout())
	logger.Info("shutdown complete", "last_error", runner.Status().LastError)
	return code
}

// startArchive opens the sqlite ledger, records finished tasks into it and
// schedules retention pruning. The returned func stops both.
func startArchive(ctx context.Context, cfg config.Config, b *bus.Bus, logger *slog.Logger) (func(), error) {
	store, err := persistence.Open(cfg.ArchivePath())
	if err != nil {
		return nil, err
	}
	// The recorder keeps running through Drain so late completions land.
	followCtx, stopFollow := context.WithCancel(context.WithoutCancel(ctx))
	followed := make(chan struct{})
	go func() {
		defer close(followed)
		store.Follow(followCtx, b, logger)
	}()

	sched, err := cron.NewScheduler(cron.Config{
		Pruner:    store,
		Schedule:  cfg.Archive.PruneSchedule,
		Retention: time.Duration(cfg.Archive.RetentionDays) * 24 * time.Hour,
		Logger:    logger,
	})
	if err != nil {
		stopFollow()
		<-followed
		_ = store.Close()
		return nil, err
	}
	sched.Start(ctx)
	logger.Info("startup phase", "phase", "archive_ready", "path", cfg.ArchivePath(), "next_prune", sched.NextRun())

	return func() {
		sched.Stop()
		stopFollow()
		<-followed
		if err := store.Close(); err != nil {
			logger.Warn("archive close", "error", err)
		}
	}, nil
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}

var execCommandFunc = exec.Command
