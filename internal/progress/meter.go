// Package progress measures and reports the byte progress of a transfer.
package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of a transfer's progress.
type Stats struct {
	BytesDone int64
	Total     int64
	RateBps   float64
	PeakBps   float64
	ETA       time.Duration
	Percent   float64
	Elapsed   time.Duration
}

// AvgBps is the mean rate since the meter started.
func (s Stats) AvgBps() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.BytesDone) / s.Elapsed.Seconds()
}

// Meter counts transferred bytes and keeps an exponentially smoothed rate.
// Parallel workers may call Add concurrently.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	peakBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a meter for a transfer of totalBytes.
func NewMeter(totalBytes int64) *Meter {
	return NewMeterWithNow(totalBytes, time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(totalBytes int64, now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	start := now()
	return &Meter{total: totalBytes, startedAt: start, lastAt: start, alpha: 0.2, now: now}
}

// Add records n more bytes.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done += int64(n)
	now := m.now()
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(m.done-m.lastDone) / dt
	if m.rateBps == 0 {
		m.rateBps = inst
	} else {
		m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
	}
	m.peakBps = max(m.peakBps, inst)
	m.lastAt = now
	m.lastDone = m.done
}

// Snapshot returns the current progress.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone: m.done,
		Total:     m.total,
		RateBps:   m.rateBps,
		PeakBps:   m.peakBps,
		Elapsed:   m.now().Sub(m.startedAt),
	}
	if m.total > 0 {
		// Retried attempts count their bytes again.
		stats.Percent = min(100, float64(m.done)/float64(m.total)*100)
	}
	if m.rateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}
