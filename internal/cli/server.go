package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ctfbot/internal/app"
	"ctfbot/internal/bot"
	"ctfbot/internal/config"
	"ctfbot/internal/domain"
	"ctfbot/internal/infra/memory"
	pgcatalog "ctfbot/internal/infra/postgres"
	redisstore "ctfbot/internal/infra/redis"
	"ctfbot/internal/logging"
	transport "ctfbot/internal/transport/http"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the chat gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = newRedisClient(cfg)
		defer redisClient.Close()
	}

	loader, closeLoader, err := catalogLoader(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLoader()

	catalogTTL := config.Duration(cfg.Catalog.TTL, 10*time.Minute)
	var (
		catalog      app.Catalog
		instances    app.InstanceStore
		participants app.ParticipantStore
	)
	if redisClient != nil {
		catalog = redisstore.NewCatalog(redisClient, loader, catalogTTL)
		instances = redisstore.NewInstanceStore(redisClient)
		participants = redisstore.NewParticipantStore(redisClient)
	} else {
		logger.Warn("redis not configured, contest state lives in memory only")
		catalog = memory.NewCatalog(loader, catalogTTL)
		instances = memory.NewInstanceStore()
		participants = memory.NewParticipantStore()
	}

	service := app.NewContestService(instances, participants, catalog, app.Options{
		StoreTimeout:  config.Duration(cfg.Engine.StoreTimeout, 3*time.Second),
		CommitRetries: cfg.Engine.CommitRetries,
		Logger:        logger,
	})
	wsHandler := transport.NewWSHandler(bot.NewDispatcher(service, logger), transport.NewHub(), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting ctf bot gateway", "port", finalPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// catalogLoader picks the template source: Postgres when configured, then the
// YAML seed file, then the built-in demo contest.
func catalogLoader(ctx context.Context, cfg config.Config) (memory.CatalogLoader, func(), error) {
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, err
		}
		return pgcatalog.NewCatalogLoader(pool), pool.Close, nil
	}
	if cfg.Catalog.SeedFile != "" {
		loader, err := memory.LoadCatalogFile(cfg.Catalog.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		return loader, func() {}, nil
	}
	return sampleCatalog(), func() {}, nil
}

// sampleCatalog provides a minimal contest for local runs without any store.
func sampleCatalog() *memory.StaticCatalogLoader {
	return memory.NewStaticCatalogLoader(
		[]domain.ContestTemplate{{
			Name:         "demo",
			Rules:        "One flag per challenge. First correct /flag wins the point.",
			ChallengeIDs: []string{"demo-0", "demo-1"},
		}},
		[]domain.ChallengeTemplate{
			{ID: "demo-0", Name: "Hello", Description: "The flag is flag{hello}.", Flag: "flag{hello}"},
			{ID: "demo-1", Name: "Reverse", Description: "Reverse }hello{galf.", Flag: "flag{olleh}"},
		},
	)
}

func newLogger(cfg config.Config) *slog.Logger {
	return logging.New(os.Stderr, cfg.Log.Level)
}
