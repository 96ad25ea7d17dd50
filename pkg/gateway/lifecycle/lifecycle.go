package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is the process state shared by the readiness probe and the relay handler. Once
// draining, new realtime sessions are refused while live pairs finish.
type Lifecycle struct {
	draining atomic.Bool
	since    atomic.Int64
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if l.draining.Swap(draining) != draining {
		l.since.Store(time.Now().UnixNano())
	}
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince is zero unless the process is draining.
func (l *Lifecycle) DrainingSince() time.Time {
	if !l.IsDraining() {
		return time.Time{}
	}
	return time.Unix(0, l.since.Load())
}
