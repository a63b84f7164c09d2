package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/csvflow/csvflow/pkg/blob"
	"github.com/csvflow/csvflow/pkg/cache"
	"github.com/csvflow/csvflow/pkg/config"
	"github.com/csvflow/csvflow/pkg/csvproc"
	"github.com/csvflow/csvflow/pkg/notify"
	"github.com/csvflow/csvflow/pkg/queue"
	"github.com/csvflow/csvflow/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a task-processing worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func runWorker() error {
	log.Println("=== Worker Starting ===")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	log.Printf("Config:\n")
	log.Printf("  Worker ID: %s\n", workerID)
	log.Printf("  RabbitMQ URL: %s\n", cfg.RabbitMQ.URL)
	log.Printf("  Task Queue: %s\n", cfg.RabbitMQ.TaskQueue)
	log.Printf("  Result Queue: %s\n", cfg.RabbitMQ.ResultQueue)
	log.Printf("  Dedup Capacity: %d\n", cfg.Worker.DedupCapacity)
	log.Printf("  Max Retries: %d\n", cfg.Worker.MaxRetries)

	ctx := context.Background()

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

	resultProducer, err := queue.NewProducer(cfg.RabbitMQ.URL, cfg.RabbitMQ.ResultQueue)
	if err != nil {
		log.Fatalf("Failed to create result producer: %s", err)
	}
	defer resultProducer.Close()

	consumer, err := queue.NewConsumer(cfg.RabbitMQ.URL, cfg.RabbitMQ.TaskQueue)
	if err != nil {
		log.Fatalf("Failed to create consumer: %s", err)
	}
	defer consumer.Close()

	transformer := csvproc.New(cfg.Worker.RequiredColumns)

	opts := worker.Options{
		WorkerID:      workerID,
		DedupCapacity: cfg.Worker.DedupCapacity,
		MaxRetries:    cfg.Worker.MaxRetries,
		Process:       transformer.Process,
		Notifier:      notify.NewQueueNotifier(resultProducer),
	}
	if blobs != nil {
		opts.Blobs = blobs
	}
	if redisCache != nil {
		opts.Statuses = redisCache
	}
	processor := worker.New(opts)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Printf("\n[!] Worker %s stopping, letting in-flight task finish...\n", workerID)
		consumer.Close()
	}()

	log.Printf("\n=== Worker %s Ready ===\n", workerID)

	return consumer.Consume(processor.Handle)
}
