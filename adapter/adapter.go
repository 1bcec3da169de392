// Package adapter defines the storage capability contract that the
// scheduler core consumes. Concrete back-ends (in-memory, Redis,
// Postgres) live in their own sub-packages and never get imported by
// the core; the core only ever sees this interface.
package adapter

import (
	"context"
	"time"
)

// TaskRecord is the persisted shape of one scheduled task.
type TaskRecord struct {
	UID        string
	Delay      time.Duration
	ExecuteAt  time.Time
	IsInterval bool
	IsDeleted  bool
}

// PingResult reports adapter liveness.
type PingResult struct {
	Status string
	Code   int
}

// ExecuteFunc is the callback an Adapter invokes once per task matched
// during Iterate. Implementations MUST call it exactly once per
// matched record, after the record's ExecuteAt has already been
// advanced to rescheduleTo.
type ExecuteFunc func(ctx context.Context, task *TaskRecord)

// Adapter is the narrow set of operations the scheduler core needs
// from a storage back-end. See §4.5 of the design for the contract
// each method must honor.
type Adapter interface {
	// Ping probes the back-end. A failed probe returns the probe's
	// error together with a PingResult whose Status is "error";
	// Scheduler.Ping folds both into a PingStatus and never fails.
	Ping(ctx context.Context) (PingResult, error)

	// AcquireLock returns true only if no other caller fleet-wide
	// currently holds the lock for scope.
	AcquireLock(ctx context.Context, scope string, expireAt time.Time) (bool, error)

	// ReleaseLock is idempotent; safe to call on an already-expired lock.
	ReleaseLock(ctx context.Context, scope string) error

	// Add inserts a record for key if none exists, or updates its
	// delay/executeAt per §4.2 if one does.
	Add(ctx context.Context, key string, isInterval bool, delay time.Duration) (bool, error)

	// Remove deletes the record for key. removed is true only if a
	// live record existed and was deleted.
	Remove(ctx context.Context, key string) (bool, error)

	// Update sets ExecuteAt on the record for key.
	Update(ctx context.Context, key string, nextExecuteAt time.Time) (bool, error)

	// Iterate finds every record with ExecuteAt <= dueBefore, atomically
	// advances its ExecuteAt to rescheduleTo, and invokes exec for it.
	// Each matched record must be processed exactly once per call.
	Iterate(ctx context.Context, dueBefore time.Time, rescheduleTo time.Time, exec ExecuteFunc) error
}
