// Package driftcron is a distributed task scheduler that mirrors the
// familiar semantics of setTimeout/setInterval/setImmediate, but
// coordinates execution across an arbitrary number of application
// instances through an external shared storage adapter. Each scheduled
// task fires at most once per scheduled instant across the fleet.
package driftcron

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/driftcron/driftcron/adapter"
)

// Default tunables, per §6.
const (
	DefaultZombieTime        = 15 * time.Minute
	DefaultMinRevolvingDelay = 128 * time.Millisecond
	DefaultMaxRevolvingDelay = 768 * time.Millisecond
	DefaultMaxConcurrency    = 64
	defaultErrorHookRate     = 2.0 // events/sec per error kind before suppression kicks in
	defaultErrorHookBurst    = 5
)

// Options configures a Scheduler. Adapter is the only required field.
type Options struct {
	Adapter adapter.Adapter

	// Prefix identifies this scheduler's scope: the fleet-wide
	// namespace for the lock record and (by convention) the adapter's
	// own task-key namespacing. Schedulers sharing one adapter and
	// Prefix belong to the same fleet.
	Prefix string

	Debug bool

	// OnError is invoked for hook-surfaced conditions: storage
	// errors, body errors, missing-task notices, destroyed-use, and
	// over-specified resolutions. Calls are rate-limited per ErrorKind
	// (defaultErrorHookRate, defaultErrorHookBurst); suppressed
	// occurrences are not passed to OnError but still reach EventSink.
	// May be nil.
	OnError func(ErrorDetail)

	// OnExecuted is invoked after every normal completion. May be nil.
	OnExecuted func(ExecutedDetail)

	// AutoClear, if true, makes the missing-task path remove the
	// orphaned record instead of only reporting it.
	AutoClear bool

	ZombieTime        time.Duration
	MinRevolvingDelay time.Duration
	MaxRevolvingDelay time.Duration

	// MaxConcurrency bounds how many task bodies may run at once on
	// this instance (worker-pool size). Zero means DefaultMaxConcurrency.
	MaxConcurrency int

	// Metrics and EventSink are optional observation hooks; both
	// default to no-ops.
	Metrics   Metrics
	EventSink EventSink
}

func (o *Options) applyDefaults() {
	if o.ZombieTime <= 0 {
		o.ZombieTime = DefaultZombieTime
	}
	if o.MinRevolvingDelay <= 0 {
		o.MinRevolvingDelay = DefaultMinRevolvingDelay
	}
	if o.MaxRevolvingDelay <= 0 {
		o.MaxRevolvingDelay = DefaultMaxRevolvingDelay
	}
	if o.MaxRevolvingDelay < o.MinRevolvingDelay {
		o.MaxRevolvingDelay = o.MinRevolvingDelay
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.EventSink == nil {
		o.EventSink = NoopEventSink{}
	}
}

// Scheduler owns one revolution timer, one in-memory task registry,
// and one adapter handle. Instances never share in-memory state;
// multiple instances on one process must use distinct Prefixes.
type Scheduler struct {
	opts     Options
	adapter  adapter.Adapter
	registry *registry

	sem        chan struct{}
	errLimiter *errorRateLimiter

	mu     sync.Mutex
	state  SchedulerState
	cancel context.CancelFunc
}

// New constructs a Scheduler and immediately starts its revolution
// loop (there is no separate Start call in the public surface — the
// not-started state is held only inside New, which returns a Scheduler
// already in StateRunning).
func New(opts Options) (*Scheduler, error) {
	if opts.Adapter == nil {
		return nil, newValidationErr("adapter is required", ErrNilAdapter)
	}
	opts.applyDefaults()

	s := &Scheduler{
		opts:       opts,
		adapter:    opts.Adapter,
		registry:   newRegistry(),
		sem:        make(chan struct{}, opts.MaxConcurrency),
		errLimiter: newErrorRateLimiter(defaultErrorHookRate, defaultErrorHookBurst),
		state:      StateNotStarted,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = StateRunning
	go s.loop(ctx)

	return s, nil
}

// Destroy stops the revolution timer and makes subsequent scheduling
// calls inert. It does not wait for in-flight task bodies and does not
// delete any persisted records.
func (s *Scheduler) Destroy() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return false, nil
	}
	s.state = StateDestroyed
	s.cancel()
	return true, nil
}

func (s *Scheduler) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateDestroyed
}

// Ping reports adapter liveness. It never returns an error for
// transport reasons; a failed probe is reflected in PingStatus.
func (s *Scheduler) Ping(ctx context.Context) PingStatus {
	res, err := s.adapter.Ping(ctx)
	if err != nil {
		return PingStatus{Status: "error", Code: res.Code, Err: err}
	}
	return PingStatus{Status: res.Status, Code: res.Code}
}

// --- Scheduling primitives (§4.2) ---

// ScheduleInterval registers body to run every delay, identified by
// uid, and returns the internal key used for cancellation.
func (s *Scheduler) ScheduleInterval(body Body, delay time.Duration, uid string) (string, error) {
	return s.schedule(body, delay, uid, suffixInterval, true)
}

// ScheduleTimeout registers body to run once after delay.
func (s *Scheduler) ScheduleTimeout(body Body, delay time.Duration, uid string) (string, error) {
	return s.schedule(body, delay, uid, suffixTimeout, false)
}

// ScheduleImmediate registers body to run on the next revolution.
func (s *Scheduler) ScheduleImmediate(body Body, uid string) (string, error) {
	return s.schedule(body, 0, uid, suffixImmediate, false)
}

func (s *Scheduler) schedule(body Body, delay time.Duration, uid, suffix string, isInterval bool) (string, error) {
	if delay < 0 {
		return "", newValidationErr("negative delay", ErrNegativeDelay)
	}
	if uid == "" {
		return "", newValidationErr("empty uid", ErrEmptyUID)
	}
	if body == nil {
		return "", newValidationErr("nil body", ErrNilBody)
	}

	if s.isDestroyed() {
		s.reportError(ErrorDetail{
			Description: "schedule called on a destroyed scheduler",
			Err:         ErrSchedulerClosed,
			Kind:        KindDestroyedUse,
		})
		return "", ErrSchedulerClosed
	}

	key := uid + suffix
	s.registry.set(key, body)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.adapter.Add(ctx, key, isInterval, delay); err != nil {
		s.reportError(ErrorDetail{
			Description: "adapter.Add failed",
			Err:         err,
			Kind:        KindStorage,
			UID:         key,
		})
		return "", err
	}
	return key, nil
}

// Cancel removes the persisted record for key and, if the adapter
// confirms removal, the local registry entry too. CancelInterval and
// CancelTimeout are the same operation under readable aliases.
func (s *Scheduler) Cancel(key string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	removed, err := s.adapter.Remove(ctx, key)
	if err != nil {
		s.reportError(ErrorDetail{
			Description: "adapter.Remove failed",
			Err:         err,
			Kind:        KindStorage,
			UID:         key,
		})
		return false, err
	}
	if removed {
		s.registry.delete(key)
	}
	return removed, nil
}

// CancelInterval cancels a key returned by ScheduleInterval.
func (s *Scheduler) CancelInterval(key string) (bool, error) { return s.Cancel(key) }

// CancelTimeout cancels a key returned by ScheduleTimeout or ScheduleImmediate.
func (s *Scheduler) CancelTimeout(key string) (bool, error) { return s.Cancel(key) }

// --- Revolution loop (§4.1) ---

func (s *Scheduler) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.revolve(ctx)

		delay := s.nextRevolvingDelay()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) nextRevolvingDelay() time.Duration {
	lo, hi := s.opts.MinRevolvingDelay, s.opts.MaxRevolvingDelay
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

func (s *Scheduler) revolve(ctx context.Context) {
	s.opts.Metrics.RevolutionAttempted()
	start := time.Now()
	defer func() { s.opts.Metrics.RevolutionDuration(time.Since(start)) }()

	now := time.Now()
	rescheduleTo := now.Add(s.opts.ZombieTime)

	acquired, err := s.adapter.AcquireLock(ctx, s.opts.Prefix, rescheduleTo)
	if err != nil {
		s.opts.Metrics.LockAcquireFailed()
		s.reportError(ErrorDetail{Description: "adapter.AcquireLock failed", Err: err, Kind: KindStorage})
		return
	}
	if !acquired {
		return
	}
	s.opts.Metrics.RevolutionWon()

	if err := s.adapter.Iterate(ctx, now, rescheduleTo, s.dispatch); err != nil {
		s.reportError(ErrorDetail{Description: "adapter.Iterate failed", Err: err, Kind: KindStorage})
	}

	if err := s.adapter.ReleaseLock(ctx, s.opts.Prefix); err != nil {
		s.reportError(ErrorDetail{Description: "adapter.ReleaseLock failed", Err: err, Kind: KindStorage})
	}

	s.opts.Metrics.RegistrySize(s.registry.len())
}

// dispatch is the adapter's execution callback: it is invoked once per
// claimed task, synchronously, from within Iterate. It acquires a
// worker-pool slot (bounding this instance's concurrency) and hands
// the task to a fresh goroutine so a slow body does not stall the
// revolution or other tasks claimed in the same batch. When all
// MaxConcurrency slots are busy, dispatch waits for one to free up,
// and the revolution waits with it.
func (s *Scheduler) dispatch(ctx context.Context, task *adapter.TaskRecord) {
	s.opts.Metrics.TaskClaimed()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	go func() {
		defer func() { <-s.sem }()
		s.execute(ctx, task)
	}()
}

func (s *Scheduler) reportError(detail ErrorDetail) {
	s.opts.EventSink.Error(detail)
	if !s.errLimiter.allow(detail.Kind) {
		return
	}
	if s.opts.OnError != nil {
		s.opts.OnError(detail)
	}
}

func (s *Scheduler) reportExecuted(detail ExecutedDetail) {
	s.opts.EventSink.Executed(detail)
	if s.opts.OnExecuted != nil {
		s.opts.OnExecuted(detail)
	}
}
