package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/catface996/aiops-executor/internal/adapter/llm"
	"github.com/catface996/aiops-executor/internal/config"
	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/eventlog"
	"github.com/catface996/aiops-executor/internal/executor"
	"github.com/catface996/aiops-executor/internal/log"
	"github.com/catface996/aiops-executor/internal/policy"
	"github.com/catface996/aiops-executor/internal/repository"
	"github.com/catface996/aiops-executor/internal/scheduler"
	"github.com/catface996/aiops-executor/internal/service"
	"github.com/catface996/aiops-executor/internal/stream"
	"github.com/catface996/aiops-executor/internal/teams"
	httpserver "github.com/catface996/aiops-executor/internal/transport/http"
	"github.com/catface996/aiops-executor/internal/transport/rpc"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and JSON-RPC servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// app holds the wired components of a running executor.
type app struct {
	store     repository.Store
	scheduler *scheduler.Scheduler
	service   *service.Service
	http      *echo.Echo
	rpc       *rpc.Server
	watcher   *teams.Watcher
}

// newApp wires every component from configuration. Nothing is listening yet.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := log.GetLogger()

	store, err := repository.Open(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	events := eventlog.New(store, eventlog.WithGranularity(cfg.EventLog.Granularity))
	publisher := stream.New(events,
		stream.WithPollInterval(cfg.Stream.PollInterval),
		stream.WithMaxDuration(cfg.Stream.MaxDuration),
	)

	clients := llm.NewFactory(llm.FactoryConfig{
		Mode:            cfg.Mode,
		DefaultProvider: cfg.LLM.DefaultProvider,
		AnthropicAPIKey: cfg.LLM.AnthropicAPIKey,
		OpenAIAPIKey:    cfg.LLM.OpenAIAPIKey,
	})

	engine, err := policy.LoadEngine(ctx, cfg.PolicyFile)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	agents := executor.NewAgentExecutor(clients)
	router := executor.NewRouter(executor.NewSubTeamExecutor(agents, 0)).
		Handle(domain.NodeKindAgent, agents)

	sched := scheduler.New(store, events, executor.WithPolicy(router, engine, clients), scheduler.Config{
		MaxParallel: cfg.Scheduler.MaxParallelNodes,
		NodeTimeout: cfg.Scheduler.NodeTimeout,
	})
	svc := service.New(store, events, sched, publisher)

	a := &app{
		store:     store,
		scheduler: sched,
		service:   svc,
		http:      httpserver.NewServer(svc),
	}

	if cfg.RPCPort > 0 {
		a.rpc, err = rpc.NewServer(svc)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	if cfg.TeamsDir != "" {
		a.watcher, err = teams.NewWatcher(cfg.TeamsDir, svc)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	logger.WithField("mock", cfg.MockMode()).Info("Executor components initialized")
	return a, nil
}

// prepare recovers orphaned executions and loads team files.
func (a *app) prepare(ctx context.Context) error {
	logger := log.GetLogger()

	recovered, err := a.service.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover orphaned executions: %w", err)
	}
	if recovered > 0 {
		logger.Warnf("Marked %d execution(s) from a previous process as failed", recovered)
	}

	if a.watcher != nil {
		loaded, err := a.watcher.Sync(ctx)
		if err != nil {
			return fmt.Errorf("failed to load team files: %w", err)
		}
		logger.Infof("Loaded %d team(s) from disk", loaded)
		if err := a.watcher.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// shutdown stops servers first so no new executions start, then drains the
// scheduler.
func (a *app) shutdown(ctx context.Context) {
	logger := log.GetLogger()

	if err := a.http.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Failed to shutdown HTTP server gracefully")
	}
	if a.rpc != nil {
		if err := a.rpc.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("Failed to shutdown RPC server gracefully")
		}
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if err := a.scheduler.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Executions still running at shutdown")
	}
	if err := a.store.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close store")
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.GetLogger()
	logger.Info("Starting executor...")

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.prepare(ctx); err != nil {
		a.shutdown(context.Background())
		return err
	}

	errc := make(chan error, 2)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := a.http.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()
	logger.Infof("HTTP API started on port %d", cfg.HTTPPort)

	if a.rpc != nil {
		if err := a.rpc.Listen(fmt.Sprintf(":%d", cfg.RPCPort)); err != nil {
			a.shutdown(context.Background())
			return fmt.Errorf("rpc server: %w", err)
		}
		go func() {
			if err := a.rpc.Start(""); err != nil {
				errc <- fmt.Errorf("rpc server: %w", err)
			}
		}()
		logger.Infof("JSON-RPC started on port %d", cfg.RPCPort)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down executor...")
	case runErr = <-errc:
		logger.WithError(runErr).Error("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.shutdown(shutdownCtx)

	logger.Info("Executor stopped")
	return runErr
}
