// Command fleetd runs the multi-agent orchestration core as a long-lived
// process: it loads configuration, wires the Session Engine, Context
// Manager, Coordination Bus, Persistence Layer, and Orchestrator together,
// and blocks until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fleetkit/agentfleet/internal/common/config"
	"github.com/fleetkit/agentfleet/internal/common/logger"
	"github.com/fleetkit/agentfleet/internal/coordination"
	"github.com/fleetkit/agentfleet/internal/events"
	"github.com/fleetkit/agentfleet/internal/httpapi"
	"github.com/fleetkit/agentfleet/internal/orchestrator"
	"github.com/fleetkit/agentfleet/internal/orchestrator/dispatcher"
	"github.com/fleetkit/agentfleet/internal/orchestrator/scheduler"
	"github.com/fleetkit/agentfleet/internal/persistence"
	"github.com/fleetkit/agentfleet/internal/session"
	"github.com/fleetkit/agentfleet/internal/tracing"
	v1 "github.com/fleetkit/agentfleet/pkg/api/v1"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fleetd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	dbConn, closeDB, err := persistence.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("provide persistence database: %w", err)
	}
	defer closeDB()

	root := cfg.Persistence.Root
	if root == "" {
		root = "./.fleetctl/sessions"
	}
	store, err := persistence.NewStore(root, cfg.Persistence.Compress, dbConn, cfg.Persistence.Driver, log)
	if err != nil {
		return fmt.Errorf("open persistence store: %w", err)
	}

	eventBus, closeEvents, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("provide event bus: %w", err)
	}
	defer closeEvents()

	bus := coordination.New(log)

	var natsMirror *coordination.NATSMirror
	var stopMirror func()
	if cfg.NATS.URL != "" {
		natsMirror, err = coordination.NewNATSMirror(cfg.NATS, log)
		if err != nil {
			log.Warn("coordination NATS mirror disabled", zap.Error(err))
		} else {
			stopMirror, err = natsMirror.Attach(bus)
			if err != nil {
				log.Warn("failed to attach coordination NATS mirror", zap.Error(err))
				natsMirror.Close()
				natsMirror = nil
			}
		}
	}

	engine := session.NewEngine(log, nil)
	engine.SetStore(store)

	sessionCfgFunc := defaultSessionConfigFunc(cfg)

	orc := orchestrator.New(engine, log, orchestrator.Config{
		DefaultRole:  v1.AgentRole(cfg.Orchestrator.DefaultRole),
		QueueMaxSize: 0,
		SchedulerConfig: scheduler.SchedulerConfig{
			MaxConcurrent:   cfg.Orchestrator.MaxConcurrent,
			ProcessInterval: cfg.Orchestrator.ProcessInterval,
			RetryLimit:      cfg.Orchestrator.RetryLimit,
			RetryDelay:      cfg.Orchestrator.RetryDelay,
		},
		DispatcherConfig: dispatcher.Config{
			MaxConcurrent: cfg.Orchestrator.MaxConcurrent,
			TurnTimeout:   10 * time.Minute,
		},
		SessionConfigFunc: sessionCfgFunc,
		Bus:               bus,
		EventBus:          eventBus.Bus,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := orc.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	log.Info("fleetd started", zap.String("default_role", cfg.Orchestrator.DefaultRole))

	api := httpapi.NewServer(engine, orc, cfg.Server, log)
	httpSrv := &http.Server{
		Addr:         api.Addr(),
		Handler:      api.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("httpapi listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("httpapi server exited", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("fleetd shutting down")

	shutdownAPICtx, shutdownAPICancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownAPICancel()
	if err := httpSrv.Shutdown(shutdownAPICtx); err != nil {
		log.Warn("httpapi shutdown returned an error", zap.Error(err))
	}

	if err := orc.Stop(); err != nil {
		log.Warn("orchestrator stop returned an error", zap.Error(err))
	}
	if stopMirror != nil {
		stopMirror()
	}
	if natsMirror != nil {
		natsMirror.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown returned an error", zap.Error(err))
	}

	return nil
}

// defaultSessionConfigFunc maps an agent's registration to the session
// command it should run. Every role runs the shell configured under
// session.shell (falling back to $SHELL, then /bin/sh), since provider-
// specific CLI flags are an external collaborator's concern.
func defaultSessionConfigFunc(cfg *config.Config) dispatcher.SessionConfigFunc {
	shell := cfg.Session.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	return func(agent v1.AgentRegistration) session.Config {
		return session.Config{
			WorkingDirectory:     ".",
			Command:              []string{shell},
			PtySize:              session.PtySize{Rows: cfg.Session.PtyRows, Cols: cfg.Session.PtyCols},
			OutputBufferBytes:    cfg.Session.OutputBufferBytes,
			IdleTimeout:          time.Duration(cfg.Session.IdleTimeout) * time.Second,
			EnableAIFeatures:     true,
			ContextMaxTokens:     cfg.Session.MaxTokens,
			CompressionThreshold: cfg.Session.CompressionRatio,
		}
	}
}
