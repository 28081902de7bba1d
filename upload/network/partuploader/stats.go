package partuploader

import (
	"sync"
	"time"
)

// Stats tracks part upload durations and transferred bytes for reporting.
type Stats struct {
	sum           time.Duration
	bytes         int64
	finishedParts int64
	mu            sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful part upload.
func (s *Stats) Update(d time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.bytes += size
	s.finishedParts++
}

// Average returns the average upload duration of finished parts.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedParts == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedParts)
}

// FinishedCount returns the number of uploaded parts.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedParts
}

// UploadedBytes returns the number of bytes in uploaded parts.
func (s *Stats) UploadedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// BytesPerSecond is the per-lane throughput: uploaded bytes over summed part durations.
func (s *Stats) BytesPerSecond() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sum <= 0 {
		return 0
	}
	return float64(s.bytes) / s.sum.Seconds()
}
