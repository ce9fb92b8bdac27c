// Package lifecycle holds process state shared by the relay handler and the
// readiness probe.
package lifecycle

import (
	"sync/atomic"
	"time"
)

type Lifecycle struct {
	draining atomic.Bool
	since    atomic.Int64 // unix nanos; 0 when not draining
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
	if draining {
		l.since.CompareAndSwap(0, time.Now().UnixNano())
	} else {
		l.since.Store(0)
	}
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince is the zero time unless the relay is draining.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	n := l.since.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
