// Package database keeps the audit ledger of submissions in PostgreSQL.
// Every admission is recorded under its composite identity key, so
// re-submissions of identical content stay visible as history even
// though the dedup caches collapse them. The ledger is never consulted
// for correctness.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/csvflow/csvflow/pkg/types"
)

type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	MaxPool  int
}

type DB struct {
	*sql.DB
}

// NewPostgresDB creates a new PostgreSQL connection pool.
func NewPostgresDB(cfg Config) (*DB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Connection pool settings
	db.SetMaxOpenConns(cfg.MaxPool)
	db.SetMaxIdleConns(cfg.MaxPool / 2)
	db.SetConnMaxLifetime(time.Hour)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

// EnsureSchema creates the submissions table if it does not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS submissions (
			identity_key     TEXT PRIMARY KEY,
			content_digest   TEXT NOT NULL,
			submission_epoch BIGINT NOT NULL,
			filename         TEXT,
			status           TEXT NOT NULL DEFAULT 'queued',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at     TIMESTAMPTZ,
			error_message    TEXT
		)
	`

	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	return nil
}

// Submission is one ledger row.
type Submission struct {
	IdentityKey     string
	ContentDigest   string
	SubmissionEpoch int64
	Filename        string
	Status          string
	CreatedAt       time.Time
	CompletedAt     *time.Time
	ErrorMessage    *string
}

// RecordSubmission inserts a ledger row for an admitted task. Replays
// of the same composite key are ignored.
func (db *DB) RecordSubmission(ctx context.Context, id types.TaskIdentity, filename string) error {
	query := `
		INSERT INTO submissions (identity_key, content_digest, submission_epoch, filename, status)
		VALUES ($1, $2, $3, $4, 'queued')
		ON CONFLICT (identity_key) DO NOTHING
	`

	_, err := db.ExecContext(ctx, query, id.CompositeKey(), id.ContentDigest, id.SubmissionEpoch, filename)
	if err != nil {
		return fmt.Errorf("failed to record submission: %w", err)
	}

	return nil
}

// MarkCompleted marks every submission of a digest completed.
func (db *DB) MarkCompleted(ctx context.Context, contentDigest string) error {
	query := `
		UPDATE submissions
		SET status = 'completed',
		    completed_at = COALESCE(completed_at, NOW())
		WHERE content_digest = $1
	`

	if _, err := db.ExecContext(ctx, query, contentDigest); err != nil {
		return fmt.Errorf("failed to mark submission completed: %w", err)
	}

	return nil
}

// MarkFailed marks every submission of a digest failed with the error.
func (db *DB) MarkFailed(ctx context.Context, contentDigest, errorMessage string) error {
	query := `
		UPDATE submissions
		SET status = 'failed',
		    completed_at = COALESCE(completed_at, NOW()),
		    error_message = $2
		WHERE content_digest = $1
	`

	if _, err := db.ExecContext(ctx, query, contentDigest, errorMessage); err != nil {
		return fmt.Errorf("failed to mark submission failed: %w", err)
	}

	return nil
}

// GetSubmission retrieves one ledger row by composite identity key.
func (db *DB) GetSubmission(ctx context.Context, identityKey string) (*Submission, error) {
	sub := &Submission{}

	query := `
		SELECT identity_key, content_digest, submission_epoch, filename,
		       status, created_at, completed_at, error_message
		FROM submissions
		WHERE identity_key = $1
	`

	err := db.QueryRowContext(ctx, query, identityKey).Scan(
		&sub.IdentityKey,
		&sub.ContentDigest,
		&sub.SubmissionEpoch,
		&sub.Filename,
		&sub.Status,
		&sub.CreatedAt,
		&sub.CompletedAt,
		&sub.ErrorMessage,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}

	return sub, nil
}

// RecentSubmissions lists the newest ledger rows, most recent first.
func (db *DB) RecentSubmissions(ctx context.Context, limit int) ([]*Submission, error) {
	query := `
		SELECT identity_key, content_digest, submission_epoch, filename,
		       status, created_at, completed_at, error_message
		FROM submissions
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	var subs []*Submission
	for rows.Next() {
		sub := &Submission{}
		err := rows.Scan(
			&sub.IdentityKey,
			&sub.ContentDigest,
			&sub.SubmissionEpoch,
			&sub.Filename,
			&sub.Status,
			&sub.CreatedAt,
			&sub.CompletedAt,
			&sub.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		subs = append(subs, sub)
	}

	return subs, nil
}
