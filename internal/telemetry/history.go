package telemetry

import (
	"sync"
	"time"
)

// History bounds.
const (
	// HistoryHorizon is how far back points are retained.
	HistoryHorizon = time.Hour
	// HistoryMaxPoints caps the series length regardless of sampling rate.
	HistoryMaxPoints = 60
)

// HistoryPoint is one hashrate sample.
type HistoryPoint struct {
	Timestamp  int64   `json:"timestamp"`
	HashrateHS float64 `json:"hashrate"`
}

// History is a bounded, time-windowed hashrate series. Updates drop points
// beyond the retention horizon, then make room, then append, so the newest
// point is never the one evicted.
type History struct {
	mu        sync.Mutex
	points    []HistoryPoint
	horizon   time.Duration
	maxPoints int
}

// NewHistory creates a history with the default bounds, pre-seeded with
// the given points (typically loaded from disk).
func NewHistory(points []HistoryPoint) *History {
	return &History{
		points:    points,
		horizon:   HistoryHorizon,
		maxPoints: HistoryMaxPoints,
	}
}

// Append adds a sample taken at t.
func (h *History) Append(t time.Time, hashrateHS float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := t.Add(-h.horizon).Unix()
	kept := h.points[:0]
	for _, p := range h.points {
		if p.Timestamp >= cutoff {
			kept = append(kept, p)
		}
	}
	h.points = kept

	if len(h.points) >= h.maxPoints {
		h.points = h.points[len(h.points)-(h.maxPoints-1):]
	}

	h.points = append(h.points, HistoryPoint{Timestamp: t.Unix(), HashrateHS: hashrateHS})
}

// Points returns a copy of the series, oldest first.
func (h *History) Points() []HistoryPoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]HistoryPoint, len(h.points))
	copy(out, h.points)
	return out
}
