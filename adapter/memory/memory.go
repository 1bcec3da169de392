// Package memory provides an in-process reference implementation of
// adapter.Adapter, useful for tests and single-instance demos. It is
// not fleet-coordinating by itself — two Schedulers only coordinate
// through it if they share the same *Adapter value.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/driftcron/driftcron/adapter"
)

type record struct {
	task adapter.TaskRecord
}

var _ adapter.Adapter = (*Adapter)(nil)

// Adapter is a mutex-guarded map implementation of adapter.Adapter.
type Adapter struct {
	mu    sync.Mutex
	tasks map[string]*record
	locks map[string]time.Time // scope -> expiry
}

// New returns a ready-to-use in-memory Adapter.
func New() *Adapter {
	return &Adapter{
		tasks: make(map[string]*record),
		locks: make(map[string]time.Time),
	}
}

func (a *Adapter) Ping(ctx context.Context) (adapter.PingResult, error) {
	return adapter.PingResult{Status: "ok", Code: 200}, nil
}

// AcquireLock grants scope to the caller if unheld or expired.
func (a *Adapter) AcquireLock(ctx context.Context, scope string, expireAt time.Time) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if held, ok := a.locks[scope]; ok && held.After(now) {
		return false, nil
	}
	a.locks[scope] = expireAt
	return true, nil
}

func (a *Adapter) ReleaseLock(ctx context.Context, scope string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.locks, scope)
	return nil
}

func (a *Adapter) Add(ctx context.Context, key string, isInterval bool, delay time.Duration) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.tasks[key]; ok && !existing.task.IsDeleted {
		existing.task.Delay = delay
		existing.task.IsInterval = isInterval
		existing.task.ExecuteAt = time.Now().Add(delay)
		return false, nil
	}
	a.tasks[key] = &record{task: adapter.TaskRecord{
		UID:        key,
		Delay:      delay,
		ExecuteAt:  time.Now().Add(delay),
		IsInterval: isInterval,
	}}
	return true, nil
}

func (a *Adapter) Remove(ctx context.Context, key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, ok := a.tasks[key]
	if !ok || existing.task.IsDeleted {
		return false, nil
	}
	delete(a.tasks, key)
	return true, nil
}

func (a *Adapter) Update(ctx context.Context, key string, nextExecuteAt time.Time) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, ok := a.tasks[key]
	if !ok || existing.task.IsDeleted {
		return false, nil
	}
	existing.task.ExecuteAt = nextExecuteAt
	return true, nil
}

func (a *Adapter) Iterate(ctx context.Context, dueBefore time.Time, rescheduleTo time.Time, exec adapter.ExecuteFunc) error {
	a.mu.Lock()
	var due []adapter.TaskRecord
	for _, rec := range a.tasks {
		if rec.task.IsDeleted {
			continue
		}
		if rec.task.ExecuteAt.After(dueBefore) {
			continue
		}
		rec.task.ExecuteAt = rescheduleTo
		due = append(due, rec.task)
	}
	a.mu.Unlock()

	for i := range due {
		taskCopy := due[i]
		exec(ctx, &taskCopy)
	}
	return nil
}

// Len reports how many live (non-deleted) records the adapter holds.
// Test-only convenience, not part of the Adapter contract.
func (a *Adapter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, rec := range a.tasks {
		if !rec.task.IsDeleted {
			n++
		}
	}
	return n
}
