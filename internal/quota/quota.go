// Package quota estimates storage usage against a configured budget. The
// estimate is advisory: it influences telemetry and warnings but never
// blocks a write, since the database is the authority on running out of
// space.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Level classifies usage against the budget.
type Level string

const (
	LevelOK       Level = "ok"
	LevelLow      Level = "low"      // above 80% of budget
	LevelCritical Level = "critical" // above 90% of budget
)

const (
	lowThreshold      = 0.80
	criticalThreshold = 0.90

	// cacheTTL bounds how often the size query runs. Estimates within the
	// window are served from the last measurement.
	cacheTTL = 30 * time.Second
)

// Estimate is one usage measurement.
type Estimate struct {
	UsedBytes   int64
	BudgetBytes int64
	Fraction    float64
	Level       Level
	MeasuredAt  time.Time
}

// Persistent reports whether the estimate is backed by a durable store. It
// is always true here; callers that surface the estimate keep the field so
// a future non-durable backend stays representable.
func (e Estimate) Persistent() bool { return true }

// Querier is the single-row query surface the monitor needs. *pgxpool.Pool
// satisfies it via a thin adapter in the db package.
type Querier interface {
	SizeBytes(ctx context.Context) (int64, error)
}

// Monitor caches usage estimates over a Querier.
type Monitor struct {
	querier Querier
	budget  int64
	now     func() time.Time

	mu     sync.Mutex
	cached *Estimate
}

func NewMonitor(q Querier, budgetBytes int64) *Monitor {
	return &Monitor{querier: q, budget: budgetBytes, now: time.Now}
}

// Estimate returns the current usage estimate, serving a cached measurement
// when it is fresh enough. Errors from the underlying query are returned
// as-is; callers treat them as "estimate unavailable", never as fatal.
func (m *Monitor) Estimate(ctx context.Context) (Estimate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.cached != nil && now.Sub(m.cached.MeasuredAt) < cacheTTL {
		return *m.cached, nil
	}

	used, err := m.querier.SizeBytes(ctx)
	if err != nil {
		return Estimate{}, fmt.Errorf("quota: measure usage: %w", err)
	}

	e := Estimate{
		UsedBytes:   used,
		BudgetBytes: m.budget,
		MeasuredAt:  now,
	}
	if m.budget > 0 {
		e.Fraction = float64(used) / float64(m.budget)
	}
	e.Level = classify(e.Fraction)
	m.cached = &e
	return e, nil
}

// Invalidate drops the cached measurement so the next Estimate re-queries.
func (m *Monitor) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

func classify(fraction float64) Level {
	switch {
	case fraction > criticalThreshold:
		return LevelCritical
	case fraction > lowThreshold:
		return LevelLow
	default:
		return LevelOK
	}
}
