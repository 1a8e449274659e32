package engine

import (
	"math"
	"sync/atomic"
)

// statsCollector tracks response sizes and how often each source answered.
type statsCollector struct {
	responses atomic.Uint64
	bytes     atomic.Uint64
	minBytes  atomic.Uint64
	maxBytes  atomic.Uint64

	fromNetwork atomic.Uint64
	fromCache   atomic.Uint64
	degraded    atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) observe(resp *Response) {
	if resp == nil {
		return
	}
	switch resp.Source {
	case SourceNetwork:
		s.fromNetwork.Add(1)
	case SourceCache:
		s.fromCache.Add(1)
	default:
		s.degraded.Add(1)
	}

	n := uint64(len(resp.Body))
	s.responses.Add(1)
	s.bytes.Add(n)
	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

// StatsSnapshot is a point-in-time copy of the engine counters.
type StatsSnapshot struct {
	Responses   uint64
	FromNetwork uint64
	FromCache   uint64
	Degraded    uint64
	MinBytes    uint64
	MaxBytes    uint64
	AvgBytes    uint64
}

func (s *statsCollector) snapshot() StatsSnapshot {
	count := s.responses.Load()
	if count == 0 {
		return StatsSnapshot{}
	}
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return StatsSnapshot{
		Responses:   count,
		FromNetwork: s.fromNetwork.Load(),
		FromCache:   s.fromCache.Load(),
		Degraded:    s.degraded.Load(),
		MinBytes:    minv,
		MaxBytes:    s.maxBytes.Load(),
		AvgBytes:    s.bytes.Load() / count,
	}
}
