package progress

import (
	"sync"
	"time"
)

// Report is an aggregate progress snapshot. Completed never decreases
// within a run and finishes equal to Total.
type Report struct {
	Completed      int     `json:"completed"`
	Total          int     `json:"total"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
	ETASeconds     float64 `json:"etaSeconds"`
}

// Tracker accumulates completed units and derives an ETA from the
// running average time per completed unit times the remaining count.
type Tracker struct {
	mu        sync.Mutex
	total     int
	completed int
	startedAt time.Time
}

// NewTracker starts tracking a run of total units.
func NewTracker(total int) *Tracker {
	return &Tracker{total: total, startedAt: time.Now()}
}

// Complete records one finished unit and returns the updated report.
func (t *Tracker) Complete() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed < t.total {
		t.completed++
	}
	return t.report(time.Now())
}

// Snapshot returns the current report without recording progress.
func (t *Tracker) Snapshot() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report(time.Now())
}

// Done reports whether every unit has completed.
func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed >= t.total
}

func (t *Tracker) report(now time.Time) Report {
	elapsed := now.Sub(t.startedAt).Seconds()
	r := Report{
		Completed:      t.completed,
		Total:          t.total,
		ElapsedSeconds: elapsed,
	}
	if t.completed > 0 && t.completed < t.total {
		perUnit := elapsed / float64(t.completed)
		r.ETASeconds = perUnit * float64(t.total-t.completed)
	}
	return r
}
