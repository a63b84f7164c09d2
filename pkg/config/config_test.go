package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	t.Run("defaults apply without file or env", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.RabbitMQ.TaskQueue != "csv_tasks" {
			t.Errorf("unexpected default task queue: %q", cfg.RabbitMQ.TaskQueue)
		}
		if cfg.Worker.MaxRetries != 3 {
			t.Errorf("unexpected default max retries: %d", cfg.Worker.MaxRetries)
		}
		if cfg.Redis.Enabled || cfg.Postgres.Enabled || cfg.Minio.Enabled {
			t.Error("expected optional collaborators disabled by default")
		}
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := `
rabbitmq:
  task_queue: custom_tasks
worker:
  max_retries: 5
  required_columns: [id, amount]
redis:
  enabled: true
  host: redis.internal
`
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.RabbitMQ.TaskQueue != "custom_tasks" {
			t.Errorf("expected file value, got %q", cfg.RabbitMQ.TaskQueue)
		}
		if cfg.Worker.MaxRetries != 5 {
			t.Errorf("expected file value, got %d", cfg.Worker.MaxRetries)
		}
		if len(cfg.Worker.RequiredColumns) != 2 || cfg.Worker.RequiredColumns[0] != "id" {
			t.Errorf("unexpected required columns: %v", cfg.Worker.RequiredColumns)
		}
		if !cfg.Redis.Enabled || cfg.Redis.Host != "redis.internal" {
			t.Errorf("unexpected redis config: %+v", cfg.Redis)
		}
		// Untouched sections keep their defaults.
		if cfg.Dispatcher.ListenAddr != ":5001" {
			t.Errorf("expected default listen addr, got %q", cfg.Dispatcher.ListenAddr)
		}
	})

	t.Run("env overrides file and defaults", func(t *testing.T) {
		t.Setenv("TASK_QUEUE", "env_tasks")
		t.Setenv("MAX_RETRIES", "7")
		t.Setenv("POSTGRES_ENABLED", "true")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.RabbitMQ.TaskQueue != "env_tasks" {
			t.Errorf("expected env value, got %q", cfg.RabbitMQ.TaskQueue)
		}
		if cfg.Worker.MaxRetries != 7 {
			t.Errorf("expected env value, got %d", cfg.Worker.MaxRetries)
		}
		if !cfg.Postgres.Enabled {
			t.Error("expected postgres enabled via env")
		}
	})

	t.Run("explicit missing file is an error", func(t *testing.T) {
		if _, err := Load("/nonexistent/config.yaml"); err == nil {
			t.Error("expected an error for a missing explicit config file")
		}
	})
}
