// Package checkpoint provides the durable, append-only checkpoint log
// used to resume research jobs after crash, restart, or HIL suspension.
//
// Supported backends:
// - Memory: for development and testing (default)
// - GORM:   sqlite for single-node deployments, postgres for shared ones
// - Redis:  for distributed deployments
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/BaSui01/researchflow/types"
)

// Common errors
var (
	// ErrNotFound is returned by Latest when a job has no checkpoints.
	ErrNotFound = errors.New("checkpoint not found")

	errStoreClosed = errors.New("store is closed")
)

// RecordStatus marks a checkpoint row as a completed stage or a stage
// that was entered but never finished (crash mid-stage).
type RecordStatus string

const (
	StatusSuccess    RecordStatus = "success"
	StatusInProgress RecordStatus = "in_progress"
)

// Record is one entry of a job's append-only checkpoint log. The State
// blob is stage-specific and opaque to the orchestrator; only stage
// name, sequence, and status are load-bearing for resumption.
type Record struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	Stage     types.Stage     `json:"stage"`
	Sequence  int             `json:"sequence"`
	Status    RecordStatus    `json:"status"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the checkpoint persistence contract. Append must be atomic:
// either the record is fully durable or the call fails with a
// STORE_UNAVAILABLE error and the caller re-executes the whole stage.
type Store interface {
	// Append writes the next checkpoint for a job. The sequence number
	// is assigned by the store and is strictly increasing per job.
	Append(ctx context.Context, jobID string, stage types.Stage, status RecordStatus, state json.RawMessage) (*Record, error)

	// Latest returns the most recent checkpoint for a job, or
	// ErrNotFound when the job has none.
	Latest(ctx context.Context, jobID string) (*Record, error)

	// History returns all checkpoints for a job in sequence order.
	History(ctx context.Context, jobID string) ([]*Record, error)

	// DeleteJob removes every checkpoint of a job (GC after soft
	// delete). Returns the number of records removed.
	DeleteJob(ctx context.Context, jobID string) (int, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// StoreType selects the storage backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeGorm   StoreType = "gorm"
	StoreTypeRedis  StoreType = "redis"
)

// StoreConfig configures a checkpoint store backend.
type StoreConfig struct {
	Type StoreType `yaml:"type" json:"type"`

	// GORM backend. Driver is "sqlite" or "postgres"; DSN follows the
	// driver's conventions (":memory:" works for sqlite tests).
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`

	// Redis backend.
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// DefaultStoreConfig returns the development default (in-memory).
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:   StoreTypeMemory,
		Driver: "sqlite",
		DSN:    "researchflow.db",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "researchflow:",
		},
	}
}

// unavailable wraps a backend failure as the retryable
// STORE_UNAVAILABLE error the workflow machine's policy expects.
func unavailable(op string, cause error) error {
	return types.NewError(types.ErrStoreUnavailable, "checkpoint store "+op+" failed").
		WithCause(cause).
		WithRetryable(true)
}

// corrupt wraps a malformed record as the fatal CHECKPOINT_CORRUPT
// error; the job requires operator intervention.
func corrupt(detail string, cause error) error {
	return types.NewError(types.ErrCheckpointCorrupt, detail).WithCause(cause)
}
