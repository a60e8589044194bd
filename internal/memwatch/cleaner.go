package memwatch

import (
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/skillhost/skillhost/internal/cache"
	"github.com/skillhost/skillhost/internal/observability"
)

// UsageStore is the slice of the usage tracker the cleaner needs.
type UsageStore interface {
	ClearExpired() int
	SetWindow(time.Duration)
}

// CleanupReport summarizes one cleanup pass.
type CleanupReport struct {
	Level       Level         `json:"level"`
	Cleaned     int           `json:"cleaned"`
	FreedMemory uint64        `json:"freedMemory"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
	Skipped     bool          `json:"skipped"`
}

// Cleaner evicts cache entries and usage records in proportion to memory
// pressure. Passes never overlap; a pass requested while one is running is
// skipped rather than queued.
type Cleaner struct {
	tiers  *cache.Tiers
	usage  UsageStore
	logger *slog.Logger
	busy   atomic.Bool
}

// NewCleaner creates a cleaner over the loader's cache tiers and the usage
// tracker. usage may be nil.
func NewCleaner(tiers *cache.Tiers, usage UsageStore) *Cleaner {
	return &Cleaner{
		tiers:  tiers,
		usage:  usage,
		logger: slog.Default().With("component", "memwatch.cleaner"),
	}
}

// Attach registers the cleaner on a monitor so cleanup runs on every level
// transition at or above normal pressure.
func (c *Cleaner) Attach(m *Monitor) {
	m.OnChange(func(level Level, _ float64) {
		if level >= LevelNormal {
			c.Cleanup(level)
		}
	})
}

// Cleanup runs one eviction pass for the given pressure level. Each level
// includes the actions of the levels below it.
func (c *Cleaner) Cleanup(level Level) CleanupReport {
	start := time.Now()
	if !c.busy.CompareAndSwap(false, true) {
		return CleanupReport{Level: level, Timestamp: start, Skipped: true}
	}
	defer c.busy.Store(false)

	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	cleaned := 0
	if c.usage != nil {
		cleaned += c.usage.ClearExpired()
	}

	switch {
	case level >= LevelCritical:
		cleaned += c.tiers.Metadata.EvictFraction(0.8)
		cleaned += c.tiers.Content.EvictFraction(0.8)
		cleaned += c.tiers.Resources.EvictFraction(0.8)
		if c.usage != nil {
			c.usage.SetWindow(12 * time.Hour)
		}
		runtime.GC()
	case level >= LevelHigh:
		cleaned += c.tiers.Content.EvictFraction(0.5)
		cleaned += c.tiers.Resources.EvictFraction(0.8)
		if c.usage != nil {
			c.usage.SetWindow(24 * time.Hour)
		}
	case level >= LevelModerate:
		cleaned += c.tiers.Content.EvictFraction(0.5)
		cleaned += c.tiers.Resources.EvictFraction(0.3)
	}

	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	var freed uint64
	if before.HeapAlloc > after.HeapAlloc {
		freed = before.HeapAlloc - after.HeapAlloc
	}

	observability.CleanupEvictions.Add(float64(cleaned))
	report := CleanupReport{
		Level:       level,
		Cleaned:     cleaned,
		FreedMemory: freed,
		Duration:    time.Since(start),
		Timestamp:   start,
	}
	c.logger.Info("cleanup pass complete",
		"level", level.String(), "cleaned", cleaned,
		"freedMemory", freed, "duration", report.Duration)
	return report
}
