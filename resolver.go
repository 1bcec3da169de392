package driftcron

import (
	"sync"
	"time"
)

// resolution carries whatever the body told us about completion.
type resolution struct {
	next *time.Time // explicit next-run override, nil if not given
	err  error
}

// resolver implements the three-state completion machine from §9:
// pending -> resolved -> over-resolved. Both paths (done invocation,
// future settlement) call resolve(); the first call wins and is
// delivered on ch, a second call is reported as over-specified and
// otherwise discarded.
type resolver struct {
	mu              sync.Mutex
	settled         bool
	ch              chan resolution
	onOverSpecified func()
}

func newResolver(onOverSpecified func()) *resolver {
	return &resolver{
		ch:              make(chan resolution, 1),
		onOverSpecified: onOverSpecified,
	}
}

func (r *resolver) resolve(next *time.Time, err error) {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		if r.onOverSpecified != nil {
			r.onOverSpecified()
		}
		return
	}
	r.settled = true
	r.mu.Unlock()
	r.ch <- resolution{next: next, err: err}
}

// done returns the Done callback bound to this resolver.
func (r *resolver) done() Done {
	return func(nextInstant ...time.Time) {
		var next *time.Time
		if len(nextInstant) > 0 {
			t := nextInstant[0]
			next = &t
		}
		r.resolve(next, nil)
	}
}
