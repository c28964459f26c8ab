// Package main is the unified entry point for openclaw.
// One binary runs the HTTP API, the message dispatcher, the merge worker,
// and the human-request expiry poller on shared infrastructure.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openclaw/openclaw/internal/api"
	"github.com/openclaw/openclaw/internal/common/config"
	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/db"
	"github.com/openclaw/openclaw/internal/db/dialect"
	"github.com/openclaw/openclaw/internal/dispatcher"
	"github.com/openclaw/openclaw/internal/events"
	"github.com/openclaw/openclaw/internal/events/bus"
	"github.com/openclaw/openclaw/internal/humanloop"
	"github.com/openclaw/openclaw/internal/merge"
	"github.com/openclaw/openclaw/internal/message"
	"github.com/openclaw/openclaw/internal/review"
	"github.com/openclaw/openclaw/internal/session"
	"github.com/openclaw/openclaw/internal/store"
	"github.com/openclaw/openclaw/internal/task"
	"github.com/openclaw/openclaw/internal/team"
	"github.com/openclaw/openclaw/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("Server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting openclaw",
		zap.String("driver", cfg.Database.Driver),
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)))

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer busCleanup()
	eventBus := providedBus.Bus

	// On Postgres the store emits NOTIFY on commit; bridge those into the
	// event bus so dispatcher and poller wakeups survive multi-process
	// deployments. SQLite deployments are single-process and the local bus
	// publications cover them.
	if cfg.Database.Driver == config.DriverPostgres {
		listener := bus.NewNotifyListener(cfg.Database.DSN(), eventBus, log)
		if err := listener.Start(ctx); err != nil {
			return fmt.Errorf("failed to start notify listener: %w", err)
		}
		defer listener.Stop(context.Background())
		for _, channel := range []string{
			events.ChannelNewMessage,
			events.ChannelHumanRequestResolved,
			events.ChannelTaskStatusChanged,
		} {
			if err := listener.Subscribe(ctx, channel); err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
			}
		}
	}

	teamSvc := team.NewService(st, eventBus, log)
	taskSvc := task.NewService(st, eventBus, log, cfg.Branching)
	messageSvc := message.NewService(st, eventBus, log)
	sessionSvc := session.NewService(st, eventBus, log, cfg.Prices, cfg.Budgets)
	humanLoopSvc := humanloop.NewService(st, eventBus, log)
	reviewSvc := review.NewService(st, eventBus, log)
	mergeSvc := merge.NewService(st, eventBus, log)
	webhookSvc := webhook.NewService(st, log)

	disp := dispatcher.New(st, eventBus, log, dispatcher.NewHTTPRunner(log), cfg.Dispatcher)
	worker := merge.NewWorker(st, eventBus, log, merge.NewCLIGit(log), cfg.Merge)
	poller := humanloop.NewPoller(humanLoopSvc, cfg.HumanLoop.ExpiryPollInterval(), log)

	router := api.NewRouter(api.Services{
		Team:      teamSvc,
		Task:      taskSvc,
		Message:   messageSvc,
		Session:   sessionSvc,
		HumanLoop: humanLoopSvc,
		Review:    reviewSvc,
		Merge:     mergeSvc,
		Webhook:   webhookSvc,
		Store:     st,
	}, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error {
		log.Info("HTTP API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Shutdown complete")
	return nil
}

// openStore opens the configured database and wraps it in the store layer.
// SQLite gets a single-connection writer plus a read-only pool; Postgres
// shares one pgx pool for both roles.
func openStore(cfg *config.Config) (*store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		sqlxDB := sqlx.NewDb(conn, dialect.PGX)
		return store.New(db.NewPool(sqlxDB, sqlxDB), dialect.PGX)
	default:
		writer, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite writer: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			writer.Close()
			return nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		return store.New(db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3)), dialect.SQLite3)
	}
}
