package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Slots is the broker-wide concurrency gate. Admission reads it for the
// capacity check; the dispatcher acquires a slot per execution and the
// release closure is safe to call from both the dispatcher and the
// watchdog.
type Slots struct {
	max   int64
	cur   atomic.Int64
	gauge prometheus.Gauge
}

// NewSlots builds a pool of max slots. gauge may be nil.
func NewSlots(max int, gauge prometheus.Gauge) *Slots {
	if max <= 0 {
		max = 1
	}
	return &Slots{max: int64(max), gauge: gauge}
}

// TryAcquire takes one slot. The returned release is idempotent.
func (s *Slots) TryAcquire() (release func(), ok bool) {
	for {
		cur := s.cur.Load()
		if cur >= s.max {
			return nil, false
		}
		if s.cur.CompareAndSwap(cur, cur+1) {
			if s.gauge != nil {
				s.gauge.Set(float64(cur + 1))
			}
			var once sync.Once
			return func() {
				once.Do(func() {
					n := s.cur.Add(-1)
					if s.gauge != nil {
						s.gauge.Set(float64(n))
					}
				})
			}, true
		}
	}
}

// InFlight reports current and maximum occupancy.
func (s *Slots) InFlight() (int, int) {
	return int(s.cur.Load()), int(s.max)
}
