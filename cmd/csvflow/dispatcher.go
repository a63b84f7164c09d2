package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/csvflow/csvflow/pkg/blob"
	"github.com/csvflow/csvflow/pkg/cache"
	"github.com/csvflow/csvflow/pkg/config"
	"github.com/csvflow/csvflow/pkg/database"
	"github.com/csvflow/csvflow/pkg/dispatch"
	"github.com/csvflow/csvflow/pkg/queue"
	"github.com/csvflow/csvflow/pkg/server"
)

var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Run the submission endpoint and results consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDispatcher()
	},
}

func runDispatcher() error {
	log.Println("=== Dispatcher Starting ===")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Printf("Config:\n")
	log.Printf("  RabbitMQ URL: %s\n", cfg.RabbitMQ.URL)
	log.Printf("  Task Queue: %s\n", cfg.RabbitMQ.TaskQueue)
	log.Printf("  Result Queue: %s\n", cfg.RabbitMQ.ResultQueue)
	log.Printf("  Listen Addr: %s\n", cfg.Dispatcher.ListenAddr)
	log.Printf("  Dedup Capacity: %d\n", cfg.Dispatcher.DedupCapacity)

	ctx := context.Background()

	var db *database.DB
	if cfg.Postgres.Enabled {
		db, err = database.NewPostgresDB(database.Config{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			DBName:   cfg.Postgres.DBName,
			MaxPool:  cfg.Postgres.MaxPool,
		})
		if err != nil {
			log.Fatalf("Failed to initialize PostgreSQL: %s", err)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to ensure schema: %s", err)
		}
		log.Println("✓ PostgreSQL connected")
	}

	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = cache.NewRedisClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password)
		if err != nil {
			log.Fatalf("Failed to initialize Redis: %s", err)
		}
		defer redisCache.Close()
		log.Println("✓ Redis connected")
	}

	var blobs *blob.MinioStore
	if cfg.Minio.Enabled {
		blobs, err = blob.NewMinioStore(ctx, cfg.Minio.Endpoint, cfg.Minio.AccessKey,
			cfg.Minio.SecretKey, cfg.Minio.Bucket, cfg.Minio.UseSSL)
		if err != nil {
			log.Fatalf("Failed to initialize MinIO: %s", err)
		}
		log.Println("✓ MinIO connected")
	}

	producer, err := queue.NewProducer(cfg.RabbitMQ.URL, cfg.RabbitMQ.TaskQueue)
	if err != nil {
		log.Fatalf("Failed to create producer: %s", err)
	}
	defer producer.Close()

	resultsConsumer, err := queue.NewConsumer(cfg.RabbitMQ.URL, cfg.RabbitMQ.ResultQueue)
	if err != nil {
		log.Fatalf("Failed to create results consumer: %s", err)
	}
	defer resultsConsumer.Close()

	opts := dispatch.Options{
		Publisher:      producer,
		DedupCapacity:  cfg.Dispatcher.DedupCapacity,
		InlineMaxBytes: cfg.Dispatcher.InlineMaxBytes,
	}
	if db != nil {
		opts.Ledger = db
	}
	if redisCache != nil {
		opts.Statuses = redisCache
	}
	if blobs != nil {
		opts.Blobs = blobs
	}
	dispatcher := dispatch.New(opts)

	var ledger server.Ledger
	if db != nil {
		ledger = db
	}
	var results server.ResultStore
	if redisCache != nil {
		results = redisCache
	}
	hub := server.NewHub(cfg.Dispatcher.ResultDedupCapacity, ledger, results)

	go func() {
		// Nil only after Close; otherwise the broker stayed unreachable
		// past the redial budget and the process must not keep
		// accepting uploads.
		if err := resultsConsumer.Consume(hub.HandleResult); err != nil {
			log.Fatalf("Results consumer failed: %s", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.Dispatcher.ListenAddr,
		Handler: server.New(dispatcher, hub).Handler(),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("\n[!] Shutdown signal received, closing...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		resultsConsumer.Close()
		producer.Close()
	}()

	log.Println("\n=== Dispatcher Ready ===")
	log.Printf("[*] Listening on %s\n", cfg.Dispatcher.ListenAddr)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
