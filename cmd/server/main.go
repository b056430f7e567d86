package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"tessera/internal/audit"
	"tessera/internal/platform/config"
	"tessera/internal/platform/httpserver"
	"tessera/internal/platform/logger"
	platformredis "tessera/internal/platform/redis"
	"tessera/internal/subscription/handler"
	"tessera/internal/subscription/metrics"
	"tessera/internal/subscription/service"
	profilestore "tessera/internal/subscription/store/profile"
	seenstore "tessera/internal/subscription/store/seen"
	substore "tessera/internal/subscription/store/subscription"
	"tessera/internal/subscription/sweeper"
	"tessera/internal/verify/apple"
	"tessera/internal/verify/google"
)

// main wires dependencies, mounts the HTTP surface, and owns the process
// lifecycle. Business logic lives in the internal service packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(logger.ParseLevel(cfg.LogLevel))

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	m := metrics.New()

	// Stores. An empty DATABASE_URL selects the in-memory stores, which is
	// only suitable for local development.
	var (
		subs     service.SubscriptionStore
		profiles service.ProfileStore
		scans    sweeper.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return err
		}

		store := substore.NewPostgres(db)
		subs, scans = store, store
		profiles = profilestore.NewPostgres(db)
		log.Info("using postgres stores")
	} else {
		store := substore.NewInMemory()
		subs, scans = store, store
		profiles = profilestore.NewInMemory()
		log.Warn("DATABASE_URL not set, using in-memory stores")
	}

	// Duplicate suppression degrades to in-process memory without Redis;
	// transitions stay idempotent either way.
	var seen service.SeenStore = seenstore.NewInMemory()
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		seen = seenstore.NewRedis(redisClient)
		log.Info("using redis notification guard")
	}

	var publisher audit.Publisher = audit.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher, err := audit.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic, log)
		if err != nil {
			return err
		}
		publisher = kafkaPublisher
		log.Info("audit events publishing to kafka", "topic", cfg.Kafka.AuditTopic)
	}
	defer publisher.Close()

	svc, err := service.New(subs, profiles,
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithAuditPublisher(publisher),
		service.WithSeenStore(seen, cfg.DedupTTL),
	)
	if err != nil {
		return err
	}

	// Verifiers stay nil interfaces when the vendor credentials are absent;
	// the handler answers 503 on their endpoints.
	var appleVerifier handler.AppleVerifier
	if cfg.Apple.SharedSecret != "" {
		client, err := apple.New(cfg.Apple, apple.WithLogger(log))
		if err != nil {
			return err
		}
		appleVerifier = client
	} else {
		log.Warn("APPLE_SHARED_SECRET not set, iOS receipt verification disabled")
	}

	var googleVerifier handler.GoogleVerifier
	if cfg.Google.ServiceAccountKey != "" {
		client, err := google.New(cfg.Google, google.WithLogger(log))
		if err != nil {
			return err
		}
		googleVerifier = client
	} else {
		log.Warn("GOOGLE_SERVICE_ACCOUNT_KEY not set, Android verification disabled")
	}

	sweep, err := sweeper.New(scans, svc,
		sweeper.WithLogger(log),
		sweeper.WithMetrics(m),
		sweeper.WithAuditPublisher(publisher),
		sweeper.WithWindows(cfg.Sweep.GracePeriod, cfg.Sweep.Lookahead),
		sweeper.WithConcurrency(cfg.Sweep.Concurrency),
	)
	if err != nil {
		return err
	}

	if cfg.Sweep.Schedule != "" {
		scheduler := cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
		))
		_, err := scheduler.AddFunc(cfg.Sweep.Schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if _, err := sweep.Sweep(ctx, time.Now().UTC()); err != nil {
				log.Error("scheduled sweep failed", "error", err.Error())
			}
		})
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
		log.Info("expiry sweep scheduled", "schedule", cfg.Sweep.Schedule)
	}

	h := handler.New(svc, appleVerifier, googleVerifier, sweep, log, m)

	router := chi.NewRouter()
	h.Register(router)
	router.Get("/healthz", handleHealthz)
	router.Handle("/metrics", promhttp.Handler())

	srv := httpserver.New(cfg.Addr, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting tessera", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
