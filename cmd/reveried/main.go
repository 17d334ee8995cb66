// Reveried is the reflection-generation daemon for the reverie journaling
// assistant.
//
// It runs the full asynchronous pipeline in one process: the periodic
// scheduler that enumerates due (user, period) pairs, the NATS JetStream
// job queue, a pool of workers executing the claim/aggregate/generate/
// persist protocol, and a read-only HTTP status server.
//
// Configuration is loaded from an optional YAML file plus environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults and an embedded broker
//	BROKER_EMBED=true CRYPTO_KEY=$(head -c32 /dev/urandom | base64) reveried
//
//	# Point at an external broker and generation service
//	BROKER_URL=nats://queue:4222 GENERATION_BASE_URL=http://llm:8000/v1 reveried
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reverie/internal/config"
	"github.com/fyrsmithlabs/reverie/internal/crypto"
	"github.com/fyrsmithlabs/reverie/internal/generate"
	"github.com/fyrsmithlabs/reverie/internal/logging"
	"github.com/fyrsmithlabs/reverie/internal/monitor"
	"github.com/fyrsmithlabs/reverie/internal/queue"
	"github.com/fyrsmithlabs/reverie/internal/scheduler"
	"github.com/fyrsmithlabs/reverie/internal/server"
	"github.com/fyrsmithlabs/reverie/internal/store"
	"github.com/fyrsmithlabs/reverie/internal/worker"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("reveried by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("reveried: %v", err)
	}
	log.Println("Shutdown complete")
}

// run initializes all dependencies, starts the pipeline, and blocks until
// ctx is cancelled. Workers finish their in-flight claim/ack cycle before
// the process exits.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Fields: map[string]string{"service": "reveried"},
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("starting reveried",
		zap.String("version", version),
		zap.Int("workers", cfg.Worker.Count),
		zap.Duration("tick_interval", cfg.Scheduler.TickInterval),
		zap.Int("port", cfg.Server.Port))

	// Crypto gate: key supplied by the external key-management service.
	key, err := crypto.ParseKey(cfg.Crypto.Key)
	if err != nil {
		return err
	}
	keeper, err := crypto.NewKeeper(key)
	if err != nil {
		return err
	}
	keyring := crypto.NewStaticKeyring(keeper)

	// Entry store + idempotency ledger.
	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	// Broker: external or embedded.
	brokerURL := cfg.Broker.URL
	if cfg.Broker.Embed {
		embedded, err := queue.StartEmbedded(cfg.Broker.EmbedDir)
		if err != nil {
			return err
		}
		defer func() {
			embedded.Shutdown()
			embedded.WaitForShutdown()
		}()
		brokerURL = embedded.ClientURL()
		logger.Info("embedded broker started", zap.String("url", brokerURL))
	}

	nc, err := nats.Connect(brokerURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connecting to broker at %s: %w", brokerURL, err)
	}
	defer nc.Close()

	q, err := queue.NewJetStream(nc, queue.Config{
		Stream:            cfg.Broker.Stream,
		Subject:           cfg.Broker.Subject,
		Durable:           cfg.Broker.Durable,
		VisibilityTimeout: cfg.Broker.VisibilityTimeout,
		// Headroom over worker attempts: exhaustion is decided by the
		// worker; the broker bound only catches runaway redelivery.
		MaxDeliver: cfg.Worker.MaxAttempts + 2,
	})
	if err != nil {
		return err
	}

	gen, err := generate.New(generate.Config{
		BaseURL: cfg.Generation.BaseURL,
		Model:   cfg.Generation.Model,
		APIKey:  cfg.Generation.APIKey,
		Timeout: cfg.Generation.Timeout,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	mon := monitor.New(registry)

	sched := scheduler.New(st, q, mon, logger.Named("scheduler"),
		cfg.Scheduler.TickInterval, cfg.Scheduler.ClaimLease)

	pool := worker.NewPool(cfg.Worker.Count, st, q, gen, keyring, mon, logger.Named("worker"), worker.Config{
		MaxAttempts: cfg.Worker.MaxAttempts,
		BackoffBase: cfg.Worker.BackoffBase,
		ClaimLease:  cfg.Scheduler.ClaimLease,
	})

	srv := server.New(server.Config{
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, mon, q, registry)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduler stopped", zap.Error(err))
		}
	}()

	go func() {
		defer wg.Done()
		if err := srv.Start(ctx); err != nil {
			logger.Error("status server stopped", zap.Error(err))
		}
	}()

	logger.Info("pipeline running",
		zap.String("stream", cfg.Broker.Stream),
		zap.String("status_endpoint", fmt.Sprintf("http://localhost:%d/statusz", cfg.Server.Port)))

	// Blocks until ctx cancels and every worker has drained.
	pool.Run(ctx)
	wg.Wait()

	if err := q.Drain(); err != nil {
		logger.Warn("draining consumer", zap.Error(err))
	}

	return nil
}
