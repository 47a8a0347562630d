package forwarder

import (
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Stats tracks delivery outcomes and latency percentiles.
type Stats struct {
	mu      sync.Mutex
	success int64
	failure int64
	sketch  *ddsketch.DDSketch
}

// StatsSnapshot is a point-in-time copy of forwarder statistics.
// Latency quantiles are in milliseconds.
type StatsSnapshot struct {
	Success    int64
	Failure    int64
	LatencyP50 float64
	LatencyP90 float64
	LatencyP99 float64
}

func newStats() *Stats {
	s := &Stats{}
	// Default relative accuracy of 1%
	if sketch, err := ddsketch.NewDefaultDDSketch(0.01); err == nil {
		s.sketch = sketch
	}
	return s
}

func (s *Stats) record(d time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.success++
	} else {
		s.failure++
	}
	if s.sketch != nil {
		s.sketch.Add(float64(d.Milliseconds()))
	}
}

// Snapshot returns current counters and latency percentiles.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{Success: s.success, Failure: s.failure}
	if s.sketch != nil && s.sketch.GetCount() > 0 {
		if v, err := s.sketch.GetValueAtQuantile(0.50); err == nil {
			snap.LatencyP50 = v
		}
		if v, err := s.sketch.GetValueAtQuantile(0.90); err == nil {
			snap.LatencyP90 = v
		}
		if v, err := s.sketch.GetValueAtQuantile(0.99); err == nil {
			snap.LatencyP99 = v
		}
	}
	return snap
}
