package driftcron

import "time"

// Metrics is the small capability façade the core reports into. The
// zero value (NoopMetrics) is used when Options.Metrics is nil, so the
// scheduler never requires Prometheus (or any metrics backend) to
// compile or run. See package observability for a promauto-backed
// implementation.
type Metrics interface {
	RevolutionAttempted()
	RevolutionWon()
	LockAcquireFailed()
	TaskClaimed()
	TaskExecuted(outcome string) // "success", "error", "missing", "over_specified"
	ZombieReclaim()              // not called by the Scheduler itself
	RevolutionDuration(d time.Duration)
	RegistrySize(n int)
}

// NoopMetrics discards everything. It is the default Metrics.
type NoopMetrics struct{}

func (NoopMetrics) RevolutionAttempted()               {}
func (NoopMetrics) RevolutionWon()                      {}
func (NoopMetrics) LockAcquireFailed()                  {}
func (NoopMetrics) TaskClaimed()                        {}
func (NoopMetrics) TaskExecuted(outcome string)         {}
func (NoopMetrics) ZombieReclaim()                      {}
func (NoopMetrics) RevolutionDuration(d time.Duration)  {}
func (NoopMetrics) RegistrySize(n int)                  {}

// EventSink receives a copy of every hook invocation, for building
// dashboards or live streams on top of the scheduler. It never
// influences scheduling decisions. See package eventhub for a
// WebSocket-backed implementation.
type EventSink interface {
	Executed(ExecutedDetail)
	Error(ErrorDetail)
}

// NoopEventSink discards everything. It is the default EventSink.
type NoopEventSink struct{}

func (NoopEventSink) Executed(ExecutedDetail) {}
func (NoopEventSink) Error(ErrorDetail)       {}
