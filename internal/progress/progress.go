// Package progress provides lock-free progress counters for long-running phases.
package progress

import (
	"sync/atomic"
)

// Phase names a pipeline stage that reports progress.
type Phase string

const (
	PhaseDiscovery Phase = "discovery"
	PhaseScan      Phase = "scan"
	PhaseIdentify  Phase = "identify"
	PhasePathScan  Phase = "pathscan"
	PhaseVerify    Phase = "verify"
)

// Phases lists every phase in execution order.
var Phases = []Phase{PhaseDiscovery, PhaseScan, PhaseIdentify, PhasePathScan, PhaseVerify}

// Reporter is implemented by anything that can be polled for progress.
type Reporter interface {
	Progress() int
	IsComplete() bool
	Count() int
	Total() int
}

// Tracker counts completed units of work against a total. All methods are
// safe for concurrent use.
type Tracker struct {
	count    atomic.Int64
	total    atomic.Int64
	finished atomic.Bool
}

// Reset starts a new run with the given total.
func (t *Tracker) Reset(total int) {
	t.finished.Store(false)
	t.count.Store(0)
	t.total.Store(int64(total))
}

// AddTotal grows the expected total.
func (t *Tracker) AddTotal(n int) {
	t.total.Add(int64(n))
}

// Inc records one completed unit.
func (t *Tracker) Inc() {
	t.count.Add(1)
}

// Finish marks the run complete regardless of the counters.
func (t *Tracker) Finish() {
	t.finished.Store(true)
}

// Count returns the completed units.
func (t *Tracker) Count() int {
	return int(t.count.Load())
}

// Total returns the expected units.
func (t *Tracker) Total() int {
	return int(t.total.Load())
}

// IsComplete reports whether the run finished or every unit completed.
func (t *Tracker) IsComplete() bool {
	if t.finished.Load() {
		return true
	}
	total := t.total.Load()
	return total > 0 && t.count.Load() >= total
}

// Progress returns the completion percentage in the range 0..100.
func (t *Tracker) Progress() int {
	total := t.total.Load()
	if total <= 0 {
		if t.finished.Load() {
			return 100
		}
		return 0
	}
	pct := int(t.count.Load() * 100 / total)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Snapshot is a point-in-time view of a Reporter.
type Snapshot struct {
	Progress int  `json:"progress"`
	Complete bool `json:"complete"`
	Count    int  `json:"count"`
	Total    int  `json:"total"`
}

// Take reads r into a Snapshot.
func Take(r Reporter) Snapshot {
	return Snapshot{
		Progress: r.Progress(),
		Complete: r.IsComplete(),
		Count:    r.Count(),
		Total:    r.Total(),
	}
}
