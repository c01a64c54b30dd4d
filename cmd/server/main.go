/*
main.go - Operations server entry point

PURPOSE:
  Starts the lot engine's operations HTTP server: health, metrics, read
  model, master data and maintenance endpoints, plus the periodic verify
  scheduler. Handles configuration, dependency injection and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Load FIFO_* environment configuration (flags override)
  2. Build logger and tracer
  3. Open the store (memory, sqlite or postgres) and optional Redis
  4. Build the engine, router and scheduler
  5. Serve until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -addr    HTTP listen address (overrides FIFO_HTTP_ADDR)
  -store   memory, sqlite or postgres (overrides FIFO_STORE)
  -db      SQLite database path (overrides FIFO_SQLITE_PATH)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the verify scheduler
  2. Stop accepting connections and drain requests (30s timeout)
  3. Flush traces
  4. Close store and Redis

EXAMPLES:
  FIFO_STORE=postgres FIFO_PG_DSN=postgres://... ./server
  ./server -store=sqlite -db=./data/lots.db -addr=:9090

SEE ALSO:
  - config/config.go: Environment variables
  - app/app.go: Store and engine assembly
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/lot-engine/api"
	"github.com/warp/lot-engine/app"
	"github.com/warp/lot-engine/config"
	"github.com/warp/lot-engine/logging"
	"github.com/warp/lot-engine/telemetry"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	storeKind := flag.String("store", "", "store backend: memory, sqlite or postgres")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		l := logging.New(logging.Config{Service: "lot-engine"})
		l.Fatal().Err(err).Msg("server.config")
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *storeKind != "" {
		cfg.Store = *storeKind
	}
	if *dbPath != "" {
		cfg.SQLitePath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		l := logging.New(logging.Config{Service: "lot-engine"})
		l.Fatal().Err(err).Msg("server.config")
	}

	logger := logging.New(logging.Config{Service: "lot-engine", Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracer(ctx, telemetry.Config{
		ServiceName: "lot-engine",
		Version:     version,
		Endpoint:    cfg.JaegerEndpoint,
		SampleRatio: cfg.TraceSample,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("server.tracer")
	}

	a, err := app.Build(ctx, cfg, logger, app.Options{WithMetrics: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("server.build")
	}

	scheduler := api.NewVerifyScheduler(a.Engine, cfg.VerifyInterval, logger)
	handler := api.NewHandler(a.Engine, logger)
	handler.Scheduler = scheduler
	handler.Ready = a.Ready

	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(handler, api.RouterConfig{
			CORSOrigins:    cfg.CORSOrigins,
			RequestTimeout: cfg.RequestTimeout,
			Metrics:        a.Metrics,
			Logger:         logger,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.Store).Str("version", version).Msg("server.start")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server.listen")
			stop()
		}
	}()
	scheduler.Start()

	<-ctx.Done()
	logger.Info().Msg("server.shutdown")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exitCode := 0
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server.forced_shutdown")
		exitCode = 1
	}
	if err := telemetry.Shutdown(shutdownCtx, tp); err != nil {
		logger.Warn().Err(err).Msg("server.tracer_shutdown")
	}
	if err := a.Close(); err != nil {
		logger.Warn().Err(err).Msg("server.close")
	}

	logger.Info().Msg("server.stopped")
	os.Exit(exitCode)
}
