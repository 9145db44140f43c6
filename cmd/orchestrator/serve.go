package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/answer"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel/adapters/discord"
	maxbot "github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel/adapters/max"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel/adapters/telegram"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel/adapters/vk"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/config"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/db"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/documents"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/healthcheck"
	channelchecker "github.com/rtfdeamon/sitellm-vertebro-sub001/internal/healthcheck/checkers/channel"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/logger"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/projects"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/schedule"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/server"
)

// transportFactories maps each supported platform to its transport constructor.
var transportFactories = map[channel.ChannelType]channel.TransportFactory{
	telegram.Type: telegram.New,
	vk.Type:       vk.New,
	maxbot.Type:   maxbot.New,
	discord.Type:  discord.New,
}

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the polling hubs until interrupted",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app := fx.New(
				fx.Supply(cfg),
				fx.Provide(
					provideLogger,
					provideProjectStore,
					provideAnswerBackend,
					provideDocumentStore,
					provideChannelRegistry,
					provideRefresher,
					provideServer,
				),
				fx.Invoke(
					startHubs,
					startServer,
				),
				fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
					return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
				}),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideProjectStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (channel.ProjectStore, error) {
	if cfg.Projects.Source != config.ProjectsSourcePostgres {
		return projects.NewFileStore(log, cfg.Projects.Path), nil
	}
	conn, err := openPostgres(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return projects.NewPostgresStore(log, conn), nil
}

func openPostgres(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.Postgres.DSN()); err != nil {
		return nil, err
	}
	conn, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	return conn, nil
}

func provideAnswerBackend(log *slog.Logger, cfg config.Config) (channel.AnswerBackend, error) {
	return answer.NewClient(log, answer.Options{
		BaseURL: cfg.Answer.BaseURL,
		Token:   cfg.Answer.Token,
		Timeout: cfg.Answer.Timeout(),
	}, nil)
}

func provideDocumentStore(cfg config.Config) (channel.DocumentStore, error) {
	return documents.New(cfg.Documents.Root, cfg.Documents.MaxDownloadBytes)
}

func hubOptions(cfg config.Config) (channel.HubOptions, error) {
	idle, failure, authFailure, _, err := cfg.Runner.Durations()
	if err != nil {
		return channel.HubOptions{}, err
	}
	return channel.HubOptions{
		Delays: channel.Delays{Idle: idle, Failure: failure, AuthFailure: authFailure},
		Prompts: channel.Prompts{
			OfferHeader:    cfg.Prompts.OfferHeader,
			OfferQuestion:  cfg.Prompts.OfferQuestion,
			Declined:       cfg.Prompts.Declined,
			FallbackHeader: cfg.Prompts.FallbackHeader,
		},
		DisableConfirmation: cfg.Runner.DisableConfirmation,
		MaxDownloadBytes:    cfg.Documents.MaxDownloadBytes,
	}, nil
}

func provideChannelRegistry(log *slog.Logger, cfg config.Config, store channel.ProjectStore, answers channel.AnswerBackend, docs channel.DocumentStore) (*channel.Registry, error) {
	opts, err := hubOptions(cfg)
	if err != nil {
		return nil, err
	}
	registry := channel.NewRegistry()
	for _, name := range cfg.Channels.Enabled {
		ct := channel.ParseChannelType(name)
		factory, ok := transportFactories[ct]
		if !ok {
			return nil, fmt.Errorf("%w: %s", channel.ErrUnsupportedChannel, name)
		}
		if err := registry.Register(channel.NewHub(log, ct, factory, store, answers, docs, opts)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func provideRefresher(log *slog.Logger, cfg config.Config, registry *channel.Registry) (*schedule.Refresher, error) {
	return schedule.NewRefresher(log, registry, cfg.Refresh.Schedule, time.Minute)
}

func provideServer(log *slog.Logger, cfg config.Config, registry *channel.Registry) *server.Server {
	checker := healthcheck.NewCombined(channelchecker.NewChecker(log, registry))
	return server.NewServer(log, cfg.Server.Addr, registry, checker)
}

func startHubs(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, registry *channel.Registry, refresher *schedule.Refresher) {
	_, _, _, stopTimeout, _ := cfg.Runner.Durations()
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// A failed first listing is retried by the schedule.
			if err := refresher.RunNow(ctx); err != nil {
				log.Warn("initial refresh failed", slog.Any("error", err))
			}
			refresher.Start(context.Background())
			log.Info("hubs started", slog.Any("platforms", registry.Types()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := refresher.Stop(ctx); err != nil {
				log.Warn("refresh schedule stop", slog.Any("error", err))
			}
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
			defer cancel()
			return registry.StopAll(stopCtx)
		},
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, srv *server.Server, shutdowner fx.Shutdowner) {
	if cfg.Server.Addr == "" {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
