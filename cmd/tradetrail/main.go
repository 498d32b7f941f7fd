package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"TradeTrail/internal/anchor"
	"TradeTrail/internal/config"
	"TradeTrail/internal/corroborate"
	"TradeTrail/internal/event"
	"TradeTrail/internal/ingest"
	"TradeTrail/internal/observability"
	"TradeTrail/internal/projection"
	"TradeTrail/internal/query"
	"TradeTrail/internal/server"
	"TradeTrail/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: TradeTrail starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("FATAL: invalid config: %v", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("FATAL: log level: %v", err)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	// --- Migrations ---
	applied, err := store.NewMigrator(db, cfg.MigrationsDir).Up(ctx)
	if err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Printf("INFO: migrations current (%d applied)", applied)

	// --- Keys and policies ---
	keys, err := anchor.NewKeyring(cfg.MasterKey)
	if err != nil {
		log.Fatalf("FATAL: keyring: %v", err)
	}

	policy, err := corroborate.LoadPolicy(cfg.CorroborationPolicyPath)
	if err != nil {
		log.Fatalf("FATAL: corroboration policy: %v", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Accepted-event feeds ---
	// Both are non-blocking on the ingest side; consumers that fall
	// behind catch up from the event log.
	published := make(chan *event.Envelope, cfg.PublishBuffer)
	projected := make(chan *event.Envelope, cfg.ProjectionBuffer)

	// --- Ingestion pipeline ---
	pg := store.NewPostgres(db)
	orch := ingest.New(ingest.Config{
		Store:       pg,
		Keys:        keys,
		Checkpoints: anchor.CheckpointPolicy{Interval: cfg.CheckpointInterval},
		Commitments: anchor.CommitmentPolicy{Interval: cfg.CommitmentInterval},
		Timestamps: ingest.TimestampPolicy{
			MaxForwardSkew:    cfg.MaxForwardSkew,
			RetentionWindow:   cfg.RetentionWindow,
			BackdateTolerance: cfg.BackdateTolerance,
		},
		Published: published,
		Projected: projected,
		Logger:    observability.NewLoggerWithLevel("ingest", level),
		Metrics:   metrics,
	})

	validator, err := ingest.NewEnvelopeValidator()
	if err != nil {
		log.Fatalf("FATAL: envelope schema: %v", err)
	}
	limiter := ingest.NewInstanceLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// --- NATS ---
	nc, js, err := ingest.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	if err := ingest.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure NATS streams: %v", err)
	}

	subscriber := ingest.NewSubscriber(js, validator, orch)
	if err := subscriber.Subscribe(ctx); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}

	publisher := ingest.NewPublisher(js, published)

	// --- Query services ---
	svc := query.NewService(db)
	verifier := query.NewVerifier(svc, anchor.NewBuilder(anchor.NewSigner(keys)))

	// --- HTTP API ---
	httpServer := server.NewHTTPServer(cfg.HTTPAddr, &server.Deps{
		Ingestor:  orch,
		Validator: validator,
		Limiter:   limiter,
		Reader:    svc,
		Verifier:  verifier,
		Runs:      pg,
		Policy:    policy,
		Health:    health,
		Metrics:   metrics,
		DB:        db,
	})

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	// 1. Projection worker
	projWorker := projection.NewWorker(db, projected, metrics)
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	// 2. Outbound publisher
	go func() {
		errChan <- publisher.Run(ctx)
	}()

	// 3. HTTP API server
	go func() {
		errChan <- httpServer.Start(ctx)
	}()

	// 4. Prometheus metrics server
	go func() {
		errChan <- runMetricsServer(ctx, cfg.MetricsAddr)
	}()

	// 5. Channel depth gauges
	go watchChannels(ctx, metrics, published, projected)

	health.SetReady(true)
	log.Printf("INFO: TradeTrail ready (http=%s, metrics=%s, nats=%s)",
		cfg.HTTPAddr, cfg.MetricsAddr, cfg.NATSURL)

	// --- Wait for shutdown signal ---
	running := 4
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		running--
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	health.SetReady(false)
	cancel()
	subscriber.Stop()

	// Wait for the workers to observe cancellation. Feed entries still
	// buffered at this point are recovered from the event log on the
	// next projection rebuild, so nothing is lost by the cutoff.
	deadline := time.After(30 * time.Second)
	for running > 0 {
		select {
		case <-errChan:
			running--
		case <-deadline:
			log.Println("WARN: shutdown timed out waiting for workers")
			running = 0
		}
	}

	log.Println("INFO: TradeTrail shutdown complete")
}

// runMetricsServer serves /metrics until the context is cancelled.
func runMetricsServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("INFO: metrics server listening on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// watchChannels samples feed depths for the channel utilization gauges.
func watchChannels(ctx context.Context, m *observability.Metrics, published, projected chan *event.Envelope) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetChannelMetrics("published", len(published), cap(published))
			m.SetChannelMetrics("projected", len(projected), cap(projected))
		}
	}
}
