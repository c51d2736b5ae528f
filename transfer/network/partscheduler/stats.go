package partscheduler

import (
	"sync"
	"time"
)

// throughputWindow is the sliding measurement window for the advisory
// bytes/sec estimate.
const throughputWindow = 10 * time.Second

// Stats tracks upload progress. Completed counts are exact; the throughput
// estimate is advisory only and must never gate scheduling decisions.
type Stats struct {
	mu             sync.Mutex
	completedParts int
	completedBytes int64
	samples        []sample
}

type sample struct {
	at    time.Time
	bytes int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) update(plainBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedParts++
	s.completedBytes += plainBytes
	s.samples = append(s.samples, sample{at: time.Now(), bytes: plainBytes})
	s.trim(time.Now())
}

// CompletedParts returns the number of parts uploaded so far.
func (s *Stats) CompletedParts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedParts
}

// CompletedBytes returns the number of plaintext bytes whose parts completed.
func (s *Stats) CompletedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedBytes
}

// Throughput returns the bytes/sec estimate over the sliding window,
// or 0 when no part completed inside the window.
func (s *Stats) Throughput() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.trim(now)
	if len(s.samples) == 0 {
		return 0
	}

	var windowBytes int64
	for _, smp := range s.samples {
		windowBytes += smp.bytes
	}
	elapsed := now.Sub(s.samples[0].at)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	return float64(windowBytes) / elapsed.Seconds()
}

// trim drops samples that fell out of the window. Callers must hold mu.
func (s *Stats) trim(now time.Time) {
	cutoff := now.Add(-throughputWindow)
	keep := 0
	for keep < len(s.samples) && s.samples[keep].at.Before(cutoff) {
		keep++
	}
	s.samples = s.samples[keep:]
}
