package types

import (
	"fmt"
	"time"
)

// DeliveryMode controls whether a task survives a broker restart.
type DeliveryMode uint8

const (
	// Transient tasks are kept in memory only.
	Transient DeliveryMode = iota
	// Persistent tasks are written to disk by the broker.
	Persistent
)

// TaskIdentity names one unit of submitted work. Two identities with equal
// ContentDigest were computed from byte-identical input.
type TaskIdentity struct {
	ContentDigest   string `json:"content_digest"`
	SubmissionEpoch int64  `json:"submission_epoch"`
}

// Key is the identity key used for deduplication everywhere identity is
// checked: the content digest alone, so re-submissions of identical bytes
// collapse onto one task.
func (id TaskIdentity) Key() string {
	return id.ContentDigest
}

// CompositeKey combines digest and submission epoch. It distinguishes
// re-submissions of the same content and is recorded for audit history,
// never used as a dedup key.
func (id TaskIdentity) CompositeKey() string {
	return fmt.Sprintf("%s:%d", id.ContentDigest, id.SubmissionEpoch)
}

// Task is the unit of work placed on the queue. Immutable once published.
// Payload holds the raw CSV bytes inline (base64 on the wire); for large
// files PayloadRef names an object in the blob store instead and Payload
// is empty.
type Task struct {
	Identity     TaskIdentity `json:"identity"`
	Filename     string       `json:"filename,omitempty"`
	Payload      []byte       `json:"payload,omitempty"`
	PayloadRef   string       `json:"payload_ref,omitempty"`
	DeliveryMode DeliveryMode `json:"delivery_mode"`
}

// Result statuses pushed to the notification channel.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Result is the outcome of processing one task, published to the results
// queue by a worker and consumed by the dispatcher process.
type Result struct {
	Identity       TaskIdentity        `json:"identity"`
	WorkerID       string              `json:"worker_id"`
	Status         string              `json:"status"`
	RowCount       int                 `json:"row_count,omitempty"`
	Rows           []map[string]string `json:"rows,omitempty"`
	Error          string              `json:"error,omitempty"`
	ProcessedAt    time.Time           `json:"processed_at"`
	ProcessingTime float64             `json:"processing_time"`
}

// ResultData is what the processing collaborator produces for a task.
type ResultData struct {
	RowCount int
	Rows     []map[string]string
}
