// Package usage tracks per-skill execution statistics over a sliding
// window, feeding preload decisions and memory cleanup.
package usage

import (
	"sort"
	"sync"
	"time"
)

// DefaultWindow is the retention for usage records.
const DefaultWindow = 24 * time.Hour

// Record holds the rolling counters for one skill. Averages are maintained
// incrementally; records expire once lastExecutedAt falls out of the window.
type Record struct {
	SkillName            string        `json:"skillName"`
	ExecutionCount       int64         `json:"executionCount"`
	FirstExecutedAt      time.Time     `json:"firstExecutedAt"`
	LastExecutedAt       time.Time     `json:"lastExecutedAt"`
	AverageConfidence    float64       `json:"averageConfidence"`
	TotalExecutionTime   time.Duration `json:"totalExecutionTime"`
	AverageExecutionTime time.Duration `json:"averageExecutionTime"`
	CacheHits            int64         `json:"cacheHits"`
	CacheHitRate         float64       `json:"cacheHitRate"`
	RequiresResources    bool          `json:"requiresResources"`
	ExecutionType        string        `json:"executionType"`
}

// Sample is one execution outcome reported to the tracker.
type Sample struct {
	SkillName         string
	Confidence        float64
	Duration          time.Duration
	CacheHit          bool
	RequiresResources bool
	ExecutionType     string
	Success           bool
}

// Tracker aggregates samples per skill. Updates for the same skill are
// serialized by a per-skill lock; different skills never contend.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*entry
	window  time.Duration
	now     func() time.Time

	// sink receives every sample for optional persistence.
	sink Sink
}

type entry struct {
	mu  sync.Mutex
	rec Record
}

// Sink receives raw samples, e.g. for an execution history store. It must
// be safe for concurrent use.
type Sink interface {
	Append(sample Sample, at time.Time) error
}

// NewTracker creates a tracker with the given retention window.
// window <= 0 means DefaultWindow.
func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		records: make(map[string]*entry),
		window:  window,
		now:     time.Now,
	}
}

// SetSink attaches a persistence sink. Append failures are ignored by the
// tracker; the sink does its own logging.
func (t *Tracker) SetSink(s Sink) { t.sink = s }

// SetWindow changes the retention window. The cleaner tightens it under
// memory pressure.
func (t *Tracker) SetWindow(window time.Duration) {
	if window <= 0 {
		return
	}
	t.mu.Lock()
	t.window = window
	t.mu.Unlock()
}

// SetClock overrides the time source. Tests only.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// RecordExecution folds one sample into the skill's rolling record.
func (t *Tracker) RecordExecution(s Sample) {
	if s.SkillName == "" {
		return
	}
	now := t.now()

	t.mu.Lock()
	e, ok := t.records[s.SkillName]
	if !ok {
		e = &entry{rec: Record{SkillName: s.SkillName, FirstExecutedAt: now}}
		t.records[s.SkillName] = e
	}
	t.mu.Unlock()

	e.mu.Lock()
	r := &e.rec
	r.ExecutionCount++
	n := float64(r.ExecutionCount)
	r.AverageConfidence += (s.Confidence - r.AverageConfidence) / n
	r.TotalExecutionTime += s.Duration
	r.AverageExecutionTime = time.Duration(int64(r.TotalExecutionTime) / r.ExecutionCount)
	if s.CacheHit {
		r.CacheHits++
	}
	r.CacheHitRate = float64(r.CacheHits) / n
	r.LastExecutedAt = now
	r.RequiresResources = r.RequiresResources || s.RequiresResources
	if s.ExecutionType != "" {
		r.ExecutionType = s.ExecutionType
	}
	e.mu.Unlock()

	if t.sink != nil {
		_ = t.sink.Append(s, now)
	}
}

// Get returns a copy of the skill's record, pruning it first if expired.
func (t *Tracker) Get(skillName string) (Record, bool) {
	t.pruneExpired()
	t.mu.RLock()
	e, ok := t.records[skillName]
	t.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()
	return rec, true
}

// All returns copies of every live record, sorted by skill name. Expired
// records are pruned on the way.
func (t *Tracker) All() []Record {
	t.pruneExpired()
	t.mu.RLock()
	out := make([]Record, 0, len(t.records))
	for _, e := range t.records {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SkillName < out[j].SkillName })
	return out
}

// ClearExpired drops records older than the window and returns how many
// were removed.
func (t *Tracker) ClearExpired() int {
	return t.pruneExpired()
}

// Len returns the number of live records without pruning.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

func (t *Tracker) pruneExpired() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := now.Add(-t.window)
	removed := 0
	for name, e := range t.records {
		e.mu.Lock()
		last := e.rec.LastExecutedAt
		e.mu.Unlock()
		if last.Before(cutoff) {
			delete(t.records, name)
			removed++
		}
	}
	return removed
}
