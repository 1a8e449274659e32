package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"orderdash/internal/config"
	"orderdash/internal/control"
	"orderdash/internal/engine"
	"orderdash/internal/monitor"
	"orderdash/internal/server"
	"orderdash/internal/store"
)

func main() {
	// a local .env may carry ORDERDASH_* overrides; it is optional
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("ORDERDASH_CONFIG", "/orderdash.yaml"), "path to orderdash.yaml")
	flag.Parse()

	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		boot.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config.")
	}
	logger, err := newLogger(&cfg, os.Stderr)
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to configure logging.")
	}

	if err := run(&cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("orderdash stopped.")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	notifier := engine.NewNotifier(logger)
	defer notifier.Close()

	eng := engine.New(st, engine.NewOriginFetcher(cfg.Server.Origin, nil), notifier, engine.NewMetrics(reg), engine.OptionsFromConfig(cfg), logger)
	if _, err := eng.Install(ctx); err != nil {
		return fmt.Errorf("install cache: %w", err)
	}
	if _, err := eng.Activate(ctx); err != nil {
		return fmt.Errorf("activate cache: %w", err)
	}

	mon := monitor.New(
		monitor.NewHTTPProber(cfg.Monitor.ProbeURL, nil),
		monitor.Options{Interval: cfg.Monitor.IntervalDur, Timeout: cfg.Monitor.TimeoutDur},
		reg, logger,
	)
	mon.Start()
	defer mon.Close()

	srv := server.New(server.Deps{
		Notifier:   notifier,
		Control:    control.New(eng, st, logger),
		Monitor:    mon,
		Partitions: st,
		Stats:      eng,
		Gatherer:   reg,
	}, logger)
	eng.Attach(srv)
	srv.StartStats(cfg.Logging.StatsEveryDur)
	defer srv.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Shutdown waits for active handlers; event streams only end once srv closes
	httpSrv.RegisterOnShutdown(srv.Close)

	serveErr := make(chan error, 1)
	go func() {
		static, api := eng.PartitionNames()
		logger.Info().Str("addr", addr).Str("origin", cfg.Server.Origin).Str("static", static).Str("api", api).Msg("orderdash listening.")
		err := httpSrv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	mon.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Graceful shutdown incomplete.")
	}
	logger.Info().Msg("orderdash stopped.")
	return nil
}

func newLogger(cfg *config.Config, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("logging.level: %w", err)
	}
	if cfg.Logging.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store.Store, error) {
	switch cfg.Storage.Backend {
	case "redis":
		r := cfg.Storage.Redis
		return store.OpenRedis(ctx, store.RedisConfig{
			Addr:      r.Addr,
			Password:  r.Password,
			DB:        r.DB,
			KeyPrefix: r.KeyPrefix,
		}, logger)
	default:
		return store.OpenLevelDB(cfg.Storage.Path, store.LevelDBOptions{
			WriteBuffer: cfg.Storage.WriteBufferBytes,
			BlockCache:  cfg.Storage.BlockCacheBytes,
		}, logger)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
