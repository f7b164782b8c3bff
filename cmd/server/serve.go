package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"therapy-booking/internal/config"
	"therapy-booking/internal/core"
	"therapy-booking/internal/db"
	httpserver "therapy-booking/internal/http"
	"therapy-booking/internal/llm"
	"therapy-booking/internal/logging"
	"therapy-booking/internal/notify"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logging.New(cfg.Log.Level, cfg.Log.Format))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (environment variables override it)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	sqlDB, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := db.Migrate(ctx, sqlDB); err != nil {
		return err
	}
	repo := db.NewRepository(sqlDB)

	store, closeStore, err := openNotificationStore(ctx, cfg, sqlDB)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		notifier   *db.Notifier
		notifyOpts []notify.Option
	)
	if cfg.UsesPostgres() {
		notifier = db.NewNotifier(sqlDB, cfg.Database.NotifyChannel, logger)
		notifyOpts = append(notifyOpts, notify.WithSignaler(notifier))
	}
	notifications := notify.NewService(store, notify.NewHub(0), logger, notifyOpts...)

	responder, drafter := buildIntake(cfg)
	scheduler := core.NewScheduler(repo, notifications, logger)
	server := httpserver.NewServer(httpserver.Dependencies{
		Repo:          repo,
		Chat:          core.NewAppointmentChat(repo, notifications, logger, core.WithTranscript(repo)),
		Intake:        core.NewIntakeChat(responder, scheduler, logger, core.WithHistoryLimit(cfg.Intake.HistoryLimit)),
		Scheduler:     scheduler,
		Drafter:       drafter,
		Notifications: notifications,
	}, httpserver.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PollInterval:   cfg.Notifications.PollInterval,
		OutboundQueue:  cfg.Server.OutboundQueue,
		EnqueueTimeout: cfg.Server.EnqueueTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		PingInterval:   cfg.Server.PingInterval,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(server.Drain)

	var ids <-chan string
	if notifier != nil {
		if ids, err = notifier.Listen(ctx, cfg.Database.DSN); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("db", cfg.Database.Driver).Str("notifications", cfg.Notifications.Backend).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if ids != nil {
		g.Go(func() error { return notifications.Relay(gctx, ids) })
	}
	return g.Wait()
}

// openNotificationStore selects the notification backend.  The returned
// close func is always non-nil.
func openNotificationStore(ctx context.Context, cfg *config.Config, sqlDB *sql.DB) (notify.Store, func(), error) {
	noop := func() {}
	switch cfg.Notifications.Backend {
	case "sql":
		return db.NewNotificationStore(sqlDB), noop, nil
	case "memory":
		return notify.NewMemoryStore(), noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Notifications.RedisAddr,
			DB:   cfg.Notifications.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, errors.Wrapf(err, "connect to redis at %s", cfg.Notifications.RedisAddr)
		}
		store, err := notify.NewRedisStore(client, notify.WithKeyPrefix(cfg.Notifications.RedisPrefix))
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, noop, errors.Wrapf(notify.ErrInvalidStoreType, "backend %q", cfg.Notifications.Backend)
	}
}

// buildIntake picks the intake responder.  Note drafting needs a model and
// is left disabled without an API key.
func buildIntake(cfg *config.Config) (core.Responder, *core.NoteDrafter) {
	if cfg.Intake.APIKey == "" {
		return core.RuleResponder{}, nil
	}
	client := llm.NewOpenAIClient(llm.Options{
		APIKey:       cfg.Intake.APIKey,
		ChatModel:    cfg.Intake.ChatModel,
		SummaryModel: cfg.Intake.SummaryModel,
	})
	drafter := core.NewNoteDrafter(client)
	if cfg.Intake.Responder == "openai" {
		return core.NewLLMResponder(client), drafter
	}
	return core.RuleResponder{}, drafter
}
