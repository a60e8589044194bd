// Package memwatch watches heap pressure and reacts to it: a monitor
// classifies pressure into levels, a cleaner evicts cache tiers and usage
// records, and a preload manager warms frequently used skills while
// pressure allows.
package memwatch

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/skillhost/skillhost/internal/observability"
)

// Level classifies current memory pressure.
type Level int

const (
	LevelNone Level = iota
	LevelNormal
	LevelModerate
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelNormal:
		return "normal"
	case LevelModerate:
		return "moderate"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Thresholds are the pressure ratios at which each level begins.
type Thresholds struct {
	Normal   float64
	Moderate float64
	High     float64
	Critical float64
}

// DefaultThresholds match the cleanup tiers of the cleaner.
var DefaultThresholds = Thresholds{
	Normal:   0.50,
	Moderate: 0.70,
	High:     0.85,
	Critical: 0.95,
}

// DefaultInterval is how often the monitor samples the heap.
const DefaultInterval = 30 * time.Second

// MemorySample is one point-in-time heap reading.
type MemorySample struct {
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
}

// Ratio is used/total pressure, 0 when total is unknown.
func (s MemorySample) Ratio() float64 {
	if s.HeapTotal == 0 {
		return 0
	}
	return float64(s.HeapUsed) / float64(s.HeapTotal)
}

// Sampler produces memory samples. The runtime sampler reads the Go heap;
// tests substitute fixed ratios.
type Sampler interface {
	Sample() MemorySample
}

// RuntimeSampler reads runtime.MemStats. Budget, when non-zero, replaces
// HeapSys as the denominator so operators can cap the process below what
// the runtime has reserved.
type RuntimeSampler struct {
	Budget uint64
}

func (r RuntimeSampler) Sample() MemorySample {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	total := m.HeapSys
	if r.Budget > 0 {
		total = r.Budget
	}
	return MemorySample{HeapUsed: m.HeapAlloc, HeapTotal: total}
}

// Monitor samples memory pressure on an interval and invokes registered
// callbacks whenever the level changes.
type Monitor struct {
	sampler    Sampler
	interval   time.Duration
	thresholds Thresholds
	logger     *slog.Logger

	mu       sync.Mutex
	level    Level
	ratio    float64
	onChange []func(level Level, ratio float64)
}

// MonitorOption customizes a Monitor.
type MonitorOption func(*Monitor)

// WithInterval overrides the sampling interval.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithThresholds overrides the level boundaries.
func WithThresholds(t Thresholds) MonitorOption {
	return func(m *Monitor) { m.thresholds = t }
}

// NewMonitor creates a monitor over the given sampler. A nil sampler falls
// back to the runtime heap.
func NewMonitor(sampler Sampler, opts ...MonitorOption) *Monitor {
	if sampler == nil {
		sampler = RuntimeSampler{}
	}
	m := &Monitor{
		sampler:    sampler,
		interval:   DefaultInterval,
		thresholds: DefaultThresholds,
		logger:     slog.Default().With("component", "memwatch.monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnChange registers a callback invoked (from the monitor goroutine) every
// time the pressure level changes. Register before Run.
func (m *Monitor) OnChange(fn func(level Level, ratio float64)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Run samples until ctx is cancelled. An initial sample is taken
// immediately so callers observe a level before the first tick.
func (m *Monitor) Run(ctx context.Context) {
	m.Check()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check takes one sample, updates the level, and fires callbacks on a
// transition. It returns the new level.
func (m *Monitor) Check() Level {
	sample := m.sampler.Sample()
	ratio := sample.Ratio()
	level := m.classify(ratio)

	m.mu.Lock()
	prev := m.level
	m.level = level
	m.ratio = ratio
	callbacks := m.onChange
	m.mu.Unlock()

	observability.MemoryPressureLevel.Set(float64(level))
	if level != prev {
		m.logger.Info("memory pressure changed",
			"from", prev.String(), "to", level.String(),
			"ratio", ratio, "heapUsed", sample.HeapUsed, "heapTotal", sample.HeapTotal)
		for _, fn := range callbacks {
			fn(level, ratio)
		}
	}
	return level
}

// Level returns the most recently observed pressure level.
func (m *Monitor) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Ratio returns the most recently observed pressure ratio.
func (m *Monitor) Ratio() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ratio
}

func (m *Monitor) classify(ratio float64) Level {
	t := m.thresholds
	switch {
	case ratio >= t.Critical:
		return LevelCritical
	case ratio >= t.High:
		return LevelHigh
	case ratio >= t.Moderate:
		return LevelModerate
	case ratio >= t.Normal:
		return LevelNormal
	default:
		return LevelNone
	}
}
