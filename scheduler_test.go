package driftcron

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	memoryadapter "github.com/driftcron/driftcron/adapter/memory"
)

func newTestScheduler(t *testing.T, opts Options) *Scheduler {
	t.Helper()
	if opts.Adapter == nil {
		opts.Adapter = memoryadapter.New()
	}
	if opts.ZombieTime == 0 {
		opts.ZombieTime = 5 * time.Second
	}
	if opts.MinRevolvingDelay == 0 {
		opts.MinRevolvingDelay = 10 * time.Millisecond
	}
	if opts.MaxRevolvingDelay == 0 {
		opts.MaxRevolvingDelay = 25 * time.Millisecond
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Destroy() })
	return s
}

func TestNewRejectsNilAdapter(t *testing.T) {
	_, err := New(Options{})
	if err == nil {
		t.Fatal("expected error for nil adapter")
	}
}

func TestScheduleTimeoutRejectsNegativeDelay(t *testing.T) {
	s := newTestScheduler(t, Options{})
	_, err := s.ScheduleTimeout(Plain(func(done Done) { done() }), -time.Second, "u1")
	if !errors.Is(err, ErrNegativeDelay) {
		t.Fatalf("expected ErrNegativeDelay, got %v", err)
	}
}

func TestScheduleRejectsEmptyUID(t *testing.T) {
	s := newTestScheduler(t, Options{})
	_, err := s.ScheduleTimeout(Plain(func(done Done) { done() }), time.Second, "")
	if !errors.Is(err, ErrEmptyUID) {
		t.Fatalf("expected ErrEmptyUID, got %v", err)
	}
}

func TestScheduleAfterDestroyFailsAndFiresErrorOnce(t *testing.T) {
	var errCount int32
	s := newTestScheduler(t, Options{
		OnError: func(ErrorDetail) { atomic.AddInt32(&errCount, 1) },
	})

	s.Destroy()

	key, err := s.ScheduleTimeout(Plain(func(done Done) { done() }), time.Second, "gone")
	if key != "" {
		t.Fatalf("expected empty key, got %q", key)
	}
	if err != ErrSchedulerClosed {
		t.Fatalf("expected ErrSchedulerClosed, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&errCount) != 1 {
		t.Fatalf("expected exactly one error hook firing, got %d", errCount)
	}
}

func TestOneShotExactness(t *testing.T) {
	adp := memoryadapter.New()
	var calls int32
	s := newTestScheduler(t, Options{Adapter: adp})

	key, err := s.ScheduleTimeout(Plain(func(done Done) {
		atomic.AddInt32(&calls, 1)
		done()
	}), 50*time.Millisecond, "o1")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if key == "" {
		t.Fatal("expected non-empty key")
	}

	time.Sleep(400 * time.Millisecond)

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 call, got %d", got)
	}
	if adp.Len() != 0 {
		t.Fatalf("expected no surviving storage record, got %d", adp.Len())
	}
}

func TestCancelDuringWaitPreventsExecution(t *testing.T) {
	adp := memoryadapter.New()
	s := newTestScheduler(t, Options{Adapter: adp})
	var called int32

	key, err := s.ScheduleTimeout(Plain(func(done Done) {
		atomic.AddInt32(&called, 1)
		done()
	}), 300*time.Millisecond, "c1")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	removed, err := s.Cancel(key)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !removed {
		t.Fatal("expected cancel to report removal")
	}

	time.Sleep(400 * time.Millisecond)
	if atomic.LoadInt32(&called) != 0 {
		t.Fatal("expected body to never be called after cancel")
	}
	if adp.Len() != 0 {
		t.Fatalf("expected no surviving storage record, got %d", adp.Len())
	}
}

func TestSoloIntervalFiresRepeatedlyAtApproximatelyDelay(t *testing.T) {
	s := newTestScheduler(t, Options{})
	var mu sync.Mutex
	var fireTimes []time.Time

	_, err := s.ScheduleInterval(Plain(func(done Done) {
		mu.Lock()
		fireTimes = append(fireTimes, time.Now())
		mu.Unlock()
		done()
	}), 150*time.Millisecond, "t1")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	time.Sleep(900 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fireTimes) < 3 {
		t.Fatalf("expected at least 3 firings in 900ms at 150ms interval, got %d", len(fireTimes))
	}
	for i := 1; i < len(fireTimes); i++ {
		gap := fireTimes[i].Sub(fireTimes[i-1])
		if gap < 50*time.Millisecond {
			t.Fatalf("firings too close together: %v", gap)
		}
	}
}

func TestNextRunOverrideChangesCadence(t *testing.T) {
	s := newTestScheduler(t, Options{})
	var mu sync.Mutex
	var fireTimes []time.Time

	_, err := s.ScheduleInterval(Plain(func(done Done) {
		mu.Lock()
		fireTimes = append(fireTimes, time.Now())
		mu.Unlock()
		done(time.Now().Add(300 * time.Millisecond))
	}), 50*time.Millisecond, "cron1")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	time.Sleep(700 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fireTimes) < 2 {
		t.Fatalf("expected at least 2 firings, got %d", len(fireTimes))
	}
	gap := fireTimes[1].Sub(fireTimes[0])
	if gap < 200*time.Millisecond {
		t.Fatalf("expected override cadence (~300ms) to win over base delay (50ms), got gap %v", gap)
	}
}

func TestZombieRecoveryRetriggersAfterZombieTime(t *testing.T) {
	adp := memoryadapter.New()
	s := newTestScheduler(t, Options{
		Adapter:    adp,
		ZombieTime: 250 * time.Millisecond,
	})

	var mu sync.Mutex
	var entries []time.Time
	var first sync.Once
	block := make(chan struct{})

	_, err := s.ScheduleInterval(Plain(func(done Done) {
		mu.Lock()
		entries = append(entries, time.Now())
		mu.Unlock()
		first.Do(func() {
			<-block // never signal completion on the first entry
		})
		done()
	}), 50*time.Millisecond, "z1")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	time.Sleep(600 * time.Millisecond)
	close(block)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(entries) < 2 {
		t.Fatalf("expected zombie reclaim to produce a second entry, got %d", len(entries))
	}
	gap := entries[1].Sub(entries[0])
	if gap < 200*time.Millisecond {
		t.Fatalf("expected second entry roughly zombieTime after the first, got %v", gap)
	}
}

func TestCrossInstanceDeduplication(t *testing.T) {
	adp := memoryadapter.New()
	var total int32

	onExec := func(ExecutedDetail) { atomic.AddInt32(&total, 1) }

	s1 := newTestScheduler(t, Options{Adapter: adp, OnExecuted: onExec})
	s2 := newTestScheduler(t, Options{Adapter: adp, OnExecuted: onExec})

	body := Plain(func(done Done) { done() })
	if _, err := s1.ScheduleInterval(body, 200*time.Millisecond, "shared"); err != nil {
		t.Fatalf("schedule on s1: %v", err)
	}
	if _, err := s2.ScheduleInterval(body, 200*time.Millisecond, "shared"); err != nil {
		t.Fatalf("schedule on s2: %v", err)
	}

	time.Sleep(1 * time.Second)

	if got := atomic.LoadInt32(&total); got < 3 || got > 7 {
		t.Fatalf("expected combined execution count roughly in line with a single schedule's cadence, got %d", got)
	}
}

func TestMissingBodyReportsOnceAndAutoClearRemovesRecord(t *testing.T) {
	adp := memoryadapter.New()
	var mu sync.Mutex
	var missingCount int

	s, err := New(Options{
		Adapter:           adp,
		ZombieTime:        time.Second,
		MinRevolvingDelay: 10 * time.Millisecond,
		MaxRevolvingDelay: 20 * time.Millisecond,
		AutoClear:         true,
		OnError: func(d ErrorDetail) {
			if d.Kind == KindMissingTask {
				mu.Lock()
				missingCount++
				mu.Unlock()
			}
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Destroy() })

	// Insert a record directly into the adapter with no corresponding
	// in-memory registry entry, simulating a task scheduled by a
	// process that never registered (or has since restarted).
	adp.Add(nil, "orphansetTimeout", false, 0)

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if missingCount != 1 {
		t.Fatalf("expected exactly one missing-task warning, got %d", missingCount)
	}
	if adp.Len() != 0 {
		t.Fatalf("expected autoClear to remove the orphaned record, got %d", adp.Len())
	}
}
