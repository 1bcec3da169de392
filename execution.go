package driftcron

import (
	"context"
	"fmt"
	"time"

	"github.com/driftcron/driftcron/adapter"
)

// execute runs the body registered for task, or applies the
// missing-body policy if this instance never registered one. It is
// always called from its own goroutine, already inside a worker-pool
// slot; task.ExecuteAt has already been advanced to rescheduleTo by
// the adapter before this runs, so a crash here simply leaves the
// record to be reclaimed as a zombie on a later revolution.
func (s *Scheduler) execute(ctx context.Context, task *adapter.TaskRecord) {
	uid := stripSuffix(task.UID)

	body, ok := s.registry.get(task.UID)
	if !ok {
		s.handleMissing(ctx, task, uid)
		return
	}

	if !task.IsInterval {
		// One-shot order: consume the record before invoking the body.
		// If removal fails to confirm (already gone — another
		// instance, a concurrent cancel, or a prior crash after
		// removal but before completion) the body must not run again.
		removed, err := s.adapter.Remove(ctx, task.UID)
		if err != nil {
			s.opts.Metrics.TaskExecuted("error")
			s.reportError(ErrorDetail{
				Description: "adapter.Remove failed before one-shot execution",
				Err:         err,
				Kind:        KindStorage,
				UID:         uid,
			})
			return
		}
		if !removed {
			return
		}
	}

	next, bodyErr := s.runBody(body, task, uid)

	if task.IsInterval {
		if next != nil && !next.After(time.Now()) {
			s.reportError(ErrorDetail{
				Description: "done() was given a non-future next instant; using now+delay instead",
				Err:         nil,
				Kind:        KindValidation,
				UID:         uid,
			})
		}
		nextExecuteAt := computeNextInterval(next, task.Delay)
		if _, err := s.adapter.Update(ctx, task.UID, nextExecuteAt); err != nil {
			s.reportError(ErrorDetail{
				Description: "adapter.Update failed after interval execution",
				Err:         err,
				Kind:        KindStorage,
				UID:         uid,
			})
		}
	}

	if bodyErr != nil {
		s.opts.Metrics.TaskExecuted("error")
		s.reportError(ErrorDetail{
			Description: "task body returned an error",
			Err:         bodyErr,
			Kind:        KindBody,
			UID:         uid,
		})
		return
	}

	s.opts.Metrics.TaskExecuted("success")
	s.reportExecuted(ExecutedDetail{
		UID:       uid,
		Date:      time.Now(),
		Delay:     task.Delay,
		Timestamp: time.Now().UnixMilli(),
	})
}

// runBody dispatches body through a resolver, recovering from panics
// the same way a bad body's synchronous error is handled, and waits
// for the first (and only the first) of a done() call or a settled
// future channel.
func (s *Scheduler) runBody(body Body, task *adapter.TaskRecord, uid string) (*time.Time, error) {
	res := newResolver(func() {
		s.opts.Metrics.TaskExecuted("over_specified")
		s.reportError(ErrorDetail{
			Description: "task body resolved more than once",
			Err:         nil,
			Kind:        KindOverSpecified,
			UID:         uid,
		})
	})

	go func() {
		defer func() {
			if p := recover(); p != nil {
				res.resolve(nil, fmt.Errorf("task body panicked: %v", p))
			}
		}()
		future := body.dispatch(res.done())
		if future == nil {
			return
		}
		err, chanOpen := <-future
		if !chanOpen {
			res.resolve(nil, nil)
			return
		}
		res.resolve(nil, err)
	}()

	result := <-res.ch
	return result.next, result.err
}

// computeNextInterval applies the §9 decision on explicit next-instant
// overrides: a past or non-future instant is a malformed override, so
// it is discarded in favor of the ordinary now+delay schedule (the
// scheduler still notes the occurrence via the validation error kind
// at the call site, if the caller wants to observe it).
func computeNextInterval(explicit *time.Time, delay time.Duration) time.Time {
	fallback := time.Now().Add(delay)
	if explicit == nil {
		return fallback
	}
	if explicit.After(time.Now()) {
		return *explicit
	}
	return fallback
}

// handleMissing applies the missing-body policy: this instance holds
// no registered body for task.UID, most likely because it was
// scheduled by a different process in the fleet that hasn't
// registered it here, or because the registering process restarted
// without ever re-scheduling. The record stays claimed (ExecuteAt
// already advanced) so another revolution — on this instance or
// another — gets a chance to run it; AutoClear instead drops it.
func (s *Scheduler) handleMissing(ctx context.Context, task *adapter.TaskRecord, uid string) {
	s.opts.Metrics.TaskExecuted("missing")

	if s.opts.AutoClear {
		if _, err := s.adapter.Remove(ctx, task.UID); err != nil {
			s.reportError(ErrorDetail{
				Description: "adapter.Remove failed while auto-clearing missing task",
				Err:         err,
				Kind:        KindStorage,
				UID:         uid,
			})
		}
	}

	if !s.registry.markMissing(task.UID) {
		return
	}
	s.reportError(ErrorDetail{
		Description: "no registered body for claimed task",
		Err:         nil,
		Kind:        KindMissingTask,
		UID:         uid,
	})
}
