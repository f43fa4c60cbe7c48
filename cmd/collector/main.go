package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/telemetry/internal/api"
	"example.com/telemetry/internal/auth"
	"example.com/telemetry/internal/config"
	"example.com/telemetry/internal/domain"
	"example.com/telemetry/internal/persistence/postgres"
	"example.com/telemetry/internal/schedule"
	"example.com/telemetry/internal/sink"
	"example.com/telemetry/internal/syncer"
	"example.com/telemetry/internal/tracker"
	httptransport "example.com/telemetry/internal/transport/http"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	store := postgres.NewStore(pool)

	if last, err := store.LastDelivery(ctx); err != nil {
		log.Printf("failed to read delivery log: %v", err)
	} else if last != nil {
		log.Printf("last batch delivered %s (%d events)", last.DeliveredAt.Format(time.RFC3339), last.EventCount)
	}
	if cp, err := store.Checkpoint(ctx, "remote-state"); err != nil {
		log.Printf("failed to read sync checkpoint: %v", err)
	} else if cp != nil {
		log.Printf("resuming with remote state version %s (fetched %s)", cp.Version, cp.FetchedAt.Format(time.RFC3339))
	}

	send, closeSink := buildSink(cfg)
	defer closeSink()

	trk, err := tracker.New(tracker.Config{
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		TTL:          cfg.EventTTL,
		AutoCleanup:  cfg.AutoCleanup,
	}, send,
		tracker.WithBatchSent(func(batch domain.Batch) {
			record := postgres.Delivery{
				BatchID:     uuid.NewString(),
				EventCount:  len(batch),
				DeliveredAt: time.Now().UTC(),
			}
			if err := store.RecordDelivery(context.Background(), record); err != nil {
				log.Printf("failed to record delivery: %v", err)
			}
		}),
		tracker.WithErrorHandler(func(err error) {
			log.Printf("batch delivery error: %v", err)
		}),
	)
	if err != nil {
		log.Fatalf("failed to build tracker: %v", err)
	}

	stateSync, err := syncer.New("remote-state", cfg.SyncEndpoint, store)
	if err != nil {
		log.Fatalf("failed to build syncer: %v", err)
	}

	bus := schedule.NewBus()
	poller, err := schedule.New(schedule.Config{
		DefaultInterval: cfg.DefaultInterval,
		ActiveInterval:  cfg.ActiveInterval,
		IdleInterval:    cfg.IdleInterval,
		IdleTimeout:     cfg.IdleTimeout,
	}, stateSync.Sync, bus)
	if err != nil {
		log.Fatalf("failed to build poller: %v", err)
	}

	trk.Start(ctx)
	poller.Start(ctx)

	handler := api.NewHandler(trk, poller, bus, store)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// Simple CORS middleware for local dev
	cors := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost:5173")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	// Basic request logger
	logger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
	})

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address: cfg.HTTPAddress,
	}, authMiddleware.Wrap(logger(cors(mux))))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("collector listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	log.Println("collector shutdown requested")

	poller.Stop()
	trk.Stop()

	// Best-effort final flush before teardown so buffered events survive a
	// clean shutdown.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := trk.Flush(flushCtx); err != nil {
		log.Printf("final flush failed: %v", err)
	}
	flushCancel()

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// buildSink selects the batch transport from configuration.
func buildSink(cfg config.Config) (tracker.SendFunc, func()) {
	switch cfg.Sink {
	case "http":
		s := sink.NewHTTPSink(cfg.UpstreamURL, nil, cfg.SinkMaxElapsed)
		return s.Send, func() {}
	default:
		s := sink.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		return s.Send, func() {
			if err := s.Close(); err != nil {
				log.Printf("failed to close kafka sink: %v", err)
			}
		}
	}
}
