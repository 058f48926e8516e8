package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/cargo-dispatch/internal/booking"
	"github.com/example/cargo-dispatch/internal/config"
	"github.com/example/cargo-dispatch/internal/dispatch"
	"github.com/example/cargo-dispatch/internal/fare"
	"github.com/example/cargo-dispatch/internal/geo"
	httpapi "github.com/example/cargo-dispatch/internal/http"
	"github.com/example/cargo-dispatch/internal/ingest"
	"github.com/example/cargo-dispatch/internal/logging"
	"github.com/example/cargo-dispatch/internal/notify"
	"github.com/example/cargo-dispatch/internal/payments"
	"github.com/example/cargo-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// persistence: Mongo, then Postgres, then in-memory for local runs
	var store storage.Store
	switch {
	case cfg.MongoURI != "":
		ms, err := storage.NewMongoStore(cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			logger.Error("mongo connect failed", "error", err)
			os.Exit(1)
		}
		store = ms
		logger.Info("using mongo store", "db", cfg.MongoDB)
	case cfg.PGDSN != "":
		if cfg.RunMigrations {
			runMigrations(logger, cfg.PGDSN)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		store = ps
		logger.Info("using postgres store")
	default:
		store = storage.NewMemoryStore()
		logger.Warn("no MONGO_URI or PG_DSN set, using in-memory store")
	}

	var ggeo geo.Geo
	if cfg.RedisAddr != "" {
		ggeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		logger.Info("using redis geo index", "addr", cfg.RedisAddr)
	} else {
		ggeo = geo.NewIndex()
		logger.Warn("no REDIS_ADDR set, using in-memory geo index")
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.PushEndpoint != "" {
		notifier = notify.NewHTTPNotifier(cfg.PushEndpoint, cfg.PushKey)
	}

	var gateway payments.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey)
	} else {
		logger.Warn("no STRIPE_API_KEY set, payments run without a gateway")
	}

	fares := fare.NewEngine(nil, cfg.Currency, cfg.MaxSurge)
	bookings := booking.NewService(store, fares, cfg.SpeedKmph)
	ledger := payments.NewLedger(store, gateway, "stripe", cfg.PlatformFeePct, 0, logger)
	wsreg := dispatch.NewWSRegistry()
	coord := dispatch.NewCoordinator(ggeo, bookings, store, ledger, wsreg, notifier, logger, dispatch.Config{
		OfferTimeout:   cfg.OfferTimeout,
		RadiusMeters:   cfg.DispatchRadiusM,
		CandidateLimit: cfg.CandidateLimit,
		RetryBudget:    cfg.RetryBudget,
	})

	api := httpapi.NewServer(cfg, logger, ggeo, bookings, coord, ledger, kp, wsreg)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("cargo-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func runMigrations(logger *slog.Logger, dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer db.Close()
	path := filepath.Join("migrations", "001_create_bookings.sql")
	b, err := os.ReadFile(path)
	if err != nil {
		logger.Error("migration read failed", "path", path, "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "path", path, "error", err)
		return
	}
	logger.Info("migration applied", "path", path)
}
