package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freedom13/abuseguard/internal/captcha"
	"github.com/freedom13/abuseguard/internal/config"
	"github.com/freedom13/abuseguard/internal/httpapi"
	"github.com/freedom13/abuseguard/internal/metrics"
	"github.com/freedom13/abuseguard/internal/moderation"
	"github.com/freedom13/abuseguard/internal/policy"
	"github.com/freedom13/abuseguard/internal/ratelimit"
	"github.com/freedom13/abuseguard/internal/store"
)

var version = "dev"

// stores are opened once and survive config reloads.
type stores struct {
	sql     *store.SQLStore
	fast    store.FastStore
	counter store.Counter
	cache   store.Cache
	bans    store.BanRegistry
}

func (s *stores) Close() {
	if s.fast != nil {
		if err := s.fast.Close(); err != nil {
			slog.Error("Failed to close cache backend", "error", err)
		}
	}
	if err := s.sql.Close(); err != nil {
		slog.Error("Failed to close database", "error", err)
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	sqlStore, err := store.OpenSQL(ctx, &cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &stores{sql: sqlStore}

	switch cfg.Cache.Backend {
	case config.CacheRedis:
		s.fast, err = store.NewRedisStore(ctx, &cfg.Cache.Redis)
	case config.CacheBadger:
		s.fast, err = store.NewBadgerStore(&cfg.Cache.Badger)
	case config.CacheMemory:
		s.fast = store.NewMemoryStore(cfg.Cache.Memory.Size, cfg.Cache.Memory.MaxTTL, nil)
	}
	if err != nil {
		_ = sqlStore.Close()
		return nil, fmt.Errorf("failed to open %s cache: %w", cfg.Cache.Backend, err)
	}

	if s.fast != nil {
		s.counter = store.NewFallbackCounter(s.fast, sqlStore)
		s.cache = s.fast
	} else {
		// Without a cache backend, counters live in SQL and short-lived
		// values in process memory.
		s.counter = sqlStore
		s.cache = store.NewMemoryStore(cfg.Cache.Memory.Size, cfg.Cache.Memory.MaxTTL, nil)
	}
	s.bans = store.NewCachedBanRegistry(sqlStore, 0, 0, nil)

	slog.Info("Stores ready", "database", cfg.DB.Driver, "cache", cfg.Cache.Backend)
	return s, nil
}

func buildEngine(cfg *config.Config, s *stores, collector *metrics.Collector, dryRun bool) (*httpapi.Engine, error) {
	captchas := captcha.New(s.cache, &cfg.Captcha)

	deps := policy.Deps{
		Bans:     s.bans,
		Counter:  s.counter,
		Cache:    s.cache,
		History:  s.sql,
		SpamLogs: s.sql,
		ModLogs:  s.sql,
		Captchas: captchas,
		Now:      time.Now,
	}
	if collector != nil {
		deps.Metrics = collector
	}

	pipeline, err := policy.Build(cfg, deps, dryRun)
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}

	return &httpapi.Engine{
		Pipeline: pipeline,
		Router:   moderation.NewRouter(s.sql, ratelimit.NewCooldown(s.cache, &cfg.Cooldown), time.Now),
		Captchas: captchas,
	}, nil
}

func main() {
	showVersion := flag.Bool("version", false, "Show version and exit")
	configPath := flag.String("config", "./config.toml", "Path to the configuration file.")
	useDefaults := flag.Bool("use-defaults", false, "Run with internal defaults if the config file is missing.")
	validateConfig := flag.Bool("validate", false, "Validate the configuration file and exit.")
	dryRun := flag.Bool("dry-run", false, "Log what would be rejected without actually rejecting it.")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if *validateConfig {
		if err := validateConfiguration(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration is INVALID: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration is VALID.")
		return
	}
	if err := runApp(*configPath, *useDefaults, *dryRun); err != nil {
		fmt.Fprintf(os.Stderr, "Application run failed: %v\n", err)
		os.Exit(1)
	}
}

func runApp(configPath string, useDefaults bool, dryRun bool) error {
	cfg, defaultsUsed, err := config.Load(configPath, useDefaults)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.Level.ToSlogLevel()}))
	slog.SetDefault(logger)
	if dryRun {
		slog.Warn("Running in DRY-RUN mode: nothing will be rejected, banned or logged as spam.")
	}
	slog.Info("abuseguard starting up", "version", version, "config_path", configPath, "using_defaults", defaultsUsed)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	collector := metrics.New()
	engine, err := buildEngine(cfg, s, collector, dryRun)
	if err != nil {
		return err
	}

	server := httpapi.NewServer(engine, httpapi.Options{
		AdminToken:        cfg.Server.AdminToken,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		Admin:             s.sql,
		Bans:              s.bans,
		Burst: ratelimit.NewBurstLimiter(cfg.Server.GlobalRate, cfg.Server.GlobalBurst,
			cfg.Server.LimiterCacheSize, cfg.Server.LimiterTTL),
		BurstReporter: collector,
		Metrics:       collector.Handler(),
	})
	if cfg.Server.AdminToken == "" {
		slog.Warn("server.admin_token is empty, the admin API is disabled")
	}

	onReload := func(newCfg *config.Config) {
		slog.Info("Reloading pipeline with new configuration...")
		next, err := buildEngine(newCfg, s, collector, dryRun)
		if err != nil {
			slog.Error("Failed to build new pipeline on config reload, keeping old one", "error", err)
			return
		}
		old := server.Swap(next)
		if old != nil {
			go func() {
				if err := old.Pipeline.Close(); err != nil {
					slog.Error("Failed to close previous pipeline", "error", err)
				}
			}()
		}
		slog.Info("Pipeline reloaded successfully.", "path", configPath, "gates", next.Pipeline.GateNames())
	}
	if !defaultsUsed {
		go config.StartWatcher(ctx, configPath, onReload, 0)
	}
	go s.sql.RunSweeper(ctx, cfg.Housekeeping.Interval, cfg.Housekeeping.SpamLogRetention)

	httpServer := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		slog.Info("Received shutdown signal, shutting down gracefully...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown did not complete", "error", err)
	}
	if err := server.Swap(nil).Pipeline.Close(); err != nil {
		slog.Error("Failed to close pipeline", "error", err)
	}
	slog.Info("Shutdown complete")
	return nil
}

func validateConfiguration(configPath string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	fmt.Printf("Validating configuration file: %s\n", configPath)
	cfg, _, err := config.Load(configPath, false)
	if err != nil {
		return err
	}

	// Build against throwaway stores so validation never touches live data.
	mem := store.NewMemoryStore(0, 0, nil)
	s := &stores{counter: mem, cache: mem}
	if s.sql, err = store.OpenSQL(context.Background(), &config.DBConfig{Driver: config.DriverSQLite, DSN: ":memory:"}); err != nil {
		return fmt.Errorf("failed to open validation database: %w", err)
	}
	defer s.sql.Close()
	s.bans = s.sql

	engine, err := buildEngine(cfg, s, nil, false)
	if err != nil {
		return err
	}
	return engine.Pipeline.Close()
}
