package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellofed/internal/cache"
	"github.com/dropDatabas3/hellofed/internal/config"
	"github.com/dropDatabas3/hellofed/internal/federation/activity"
	"github.com/dropDatabas3/hellofed/internal/federation/delivery"
	"github.com/dropDatabas3/hellofed/internal/federation/httpsig"
	"github.com/dropDatabas3/hellofed/internal/federation/keys"
	"github.com/dropDatabas3/hellofed/internal/federation/resolver"
	httpserver "github.com/dropDatabas3/hellofed/internal/http"
	"github.com/dropDatabas3/hellofed/internal/http/controllers/accounts"
	"github.com/dropDatabas3/hellofed/internal/http/controllers/actors"
	"github.com/dropDatabas3/hellofed/internal/http/controllers/admin"
	"github.com/dropDatabas3/hellofed/internal/http/controllers/health"
	"github.com/dropDatabas3/hellofed/internal/http/controllers/inbox"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/store/core"
	"github.com/dropDatabas3/hellofed/internal/store/memory"
	"github.com/dropDatabas3/hellofed/internal/store/pg"
	migrations "github.com/dropDatabas3/hellofed/migrations/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load(".env")

	var (
		flagConfig  = flag.String("config", "", "ruta del archivo de configuración YAML")
		flagMigrate = flag.Bool("migrate", false, "aplicar migraciones al arrancar (solo driver pg)")
	)
	flag.Parse()

	var cfg *config.Config
	var err error
	if *flagConfig != "" {
		cfg, err = config.Load(*flagConfig)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
	} else {
		cfg = config.Default()
	}
	if *flagMigrate {
		cfg.Flags.Migrate = true
	}

	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level, ServiceName: "hellofed"})
	defer func() { _ = logger.Sync() }()
	log := logger.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	var repo core.Repository
	var pgClose func()
	switch cfg.Storage.Driver {
	case "pg":
		store, err := pg.New(ctx, cfg.Storage.DSN, pg.Config{
			MaxConns:        cfg.Storage.Postgres.MaxConns,
			MinConns:        cfg.Storage.Postgres.MinConns,
			ConnMaxLifetime: config.ParseDuration(cfg.Storage.Postgres.ConnMaxLifetime, time.Hour),
		})
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		pgClose = store.Close
		if cfg.Flags.Migrate {
			n, err := pg.RunMigrations(ctx, store.Pool(), migrations.FS)
			if err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			log.Info("migrations applied", zap.Int("count", n))
		}
		repo = store
	case "memory":
		repo = memory.New()
		log.Warn("using in-memory store, data will not survive restarts")
	default:
		return fmt.Errorf("storage driver desconocido: %q", cfg.Storage.Driver)
	}
	if pgClose != nil {
		defer pgClose()
	}

	// Cache de claves públicas remotas
	cacheClient, err := cache.New(cache.Config{
		Driver:   cfg.Cache.Kind,
		Addr:     cfg.Cache.Redis.Addr,
		Password: cfg.Cache.Redis.Password,
		DB:       cfg.Cache.Redis.DB,
		Prefix:   cfg.Cache.Redis.Prefix,
	})
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer func() { _ = cacheClient.Close() }()

	// Capa de federación
	httpTimeout := config.ParseDuration(cfg.Federation.HTTPTimeout, 10*time.Second)
	outbound := &nethttp.Client{Timeout: httpTimeout}

	keyStore := keys.New(repo)
	signer := httpsig.NewSigner(keyStore)
	res := resolver.New(cfg.Server.BaseURL, keyStore, cacheClient, outbound,
		config.ParseDuration(cfg.Federation.KeyCacheTTL, time.Hour))
	verifier := httpsig.NewVerifier(res, keys.ParsePublicKeyPEM)

	queue := delivery.New(repo, signer, outbound, delivery.Config{
		Workers:      cfg.Federation.Delivery.Workers,
		MaxAttempts:  cfg.Federation.Delivery.MaxAttempts,
		BaseBackoff:  config.ParseDuration(cfg.Federation.Delivery.BaseBackoff, 30*time.Second),
		MaxBackoff:   config.ParseDuration(cfg.Federation.Delivery.MaxBackoff, 4*time.Hour),
		ScanInterval: config.ParseDuration(cfg.Federation.Delivery.ScanInterval, time.Second),
		BatchSize:    cfg.Federation.Delivery.BatchSize,
	})

	// HTTP
	metricsHandler, err := httpserver.RegisterMetrics(nil)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Actors:         actors.New(repo, keyStore),
		Webfinger:      actors.NewWebfinger(repo, cfg.Domain()),
		Inbox:          inbox.New(repo, verifier, activity.NewSink()),
		Accounts:       accounts.New(repo, cfg.Server.BaseURL, cfg.Domain()),
		Admin:          admin.New(repo, keyStore, queue, cfg.Federation.RotateGraceSeconds),
		Health:         health.New(map[string]health.Pinger{"store": repo, "cache": cacheClient}),
		MetricsHandler: metricsHandler,
		AdminAPIKey:    cfg.Admin.APIKey,
	})
	srv := httpserver.NewServer(cfg.Server.Addr, router)

	// Cola de delivery en background
	queueDone := make(chan error, 1)
	go func() { queueDone <- queue.Run(ctx) }()

	serverDone := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("base_url", cfg.Server.BaseURL))
		serverDone <- srv.ListenAndServe()
	}()

	queueStopped := false
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverDone:
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case err := <-queueDone:
		queueStopped = true
		if err != nil {
			return fmt.Errorf("delivery queue: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	stop()
	if !queueStopped {
		<-queueDone
	}
	log.Info("bye")
	return nil
}
