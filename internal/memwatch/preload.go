package memwatch

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/skillhost/skillhost/internal/observability"
	"github.com/skillhost/skillhost/internal/usage"
)

// Warmer warms skill caches. Implemented by the skills loader.
type Warmer interface {
	Preload(name string) error
	IsCached(name string) bool
}

// UsageSource supplies the usage records preload priorities are derived
// from. Implemented by the usage tracker.
type UsageSource interface {
	All() []usage.Record
}

// Preload tuning. Priority blends how often a skill runs, how confidently
// it was matched, and how recently it was last used. Recency decays with a
// one hour half-life.
const (
	DefaultTopK     = 5
	RecencyHalfLife = time.Hour

	weightFrequency  = 0.5
	weightConfidence = 0.3
	weightRecency    = 0.2
)

// Candidate is one skill considered for preloading.
type Candidate struct {
	SkillName string  `json:"skillName"`
	Priority  float64 `json:"priority"`
}

// PreloadStats reports preload effectiveness.
type PreloadStats struct {
	Preloaded int     `json:"preloaded"`
	Requests  int64   `json:"requests"`
	Hits      int64   `json:"hits"`
	HitRate   float64 `json:"hitRate"`
}

// PreloadManager keeps the top-K most valuable skills warm. It backs off
// entirely once pressure rises above moderate.
type PreloadManager struct {
	source   UsageSource
	warmer   Warmer
	pressure func() Level
	topK     int
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	preloaded map[string]bool
	requests  int64
	hits      int64
}

// NewPreloadManager creates a manager. pressure may be nil, in which case
// preloading is never gated.
func NewPreloadManager(source UsageSource, warmer Warmer, pressure func() Level) *PreloadManager {
	return &PreloadManager{
		source:    source,
		warmer:    warmer,
		pressure:  pressure,
		topK:      DefaultTopK,
		logger:    slog.Default().With("component", "memwatch.preload"),
		now:       time.Now,
		preloaded: make(map[string]bool),
	}
}

// SetTopK changes how many skills are kept warm.
func (p *PreloadManager) SetTopK(k int) {
	if k > 0 {
		p.topK = k
	}
}

// SetClock overrides the time source. Tests only.
func (p *PreloadManager) SetClock(now func() time.Time) { p.now = now }

// Candidates returns every tracked skill scored and sorted by descending
// priority. Ties break by name for stable output.
func (p *PreloadManager) Candidates() []Candidate {
	records := p.source.All()
	if len(records) == 0 {
		return nil
	}

	var maxCount int64 = 1
	for _, r := range records {
		if r.ExecutionCount > maxCount {
			maxCount = r.ExecutionCount
		}
	}

	now := p.now()
	out := make([]Candidate, 0, len(records))
	for _, r := range records {
		freq := float64(r.ExecutionCount) / float64(maxCount)
		age := now.Sub(r.LastExecutedAt)
		if age < 0 {
			age = 0
		}
		recency := math.Exp2(-age.Hours() / RecencyHalfLife.Hours())
		priority := weightFrequency*freq + weightConfidence*r.AverageConfidence + weightRecency*recency
		out = append(out, Candidate{SkillName: r.SkillName, Priority: priority})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].SkillName < out[j].SkillName
	})
	return out
}

// RunOnce preloads the current top-K candidates and returns how many were
// warmed. It is a no-op when pressure is above moderate.
func (p *PreloadManager) RunOnce(ctx context.Context) int {
	if p.pressure != nil && p.pressure() > LevelModerate {
		p.logger.Debug("preload skipped under memory pressure")
		observability.PreloadOperations.WithLabelValues("skipped").Inc()
		return 0
	}

	candidates := p.Candidates()
	if len(candidates) > p.topK {
		candidates = candidates[:p.topK]
	}

	warmed := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		if p.warmer.IsCached(c.SkillName) {
			p.markPreloaded(c.SkillName)
			continue
		}
		if err := p.warmer.Preload(c.SkillName); err != nil {
			p.logger.Warn("preload failed", "skill", c.SkillName, "error", err)
			observability.PreloadOperations.WithLabelValues("failed").Inc()
			continue
		}
		p.markPreloaded(c.SkillName)
		observability.PreloadOperations.WithLabelValues("warmed").Inc()
		warmed++
	}
	return warmed
}

// Run preloads on an interval until ctx is cancelled.
func (p *PreloadManager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	p.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// NoteRequest records that a skill load was requested and reports whether
// the preloader had already warmed it.
func (p *PreloadManager) NoteRequest(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	if p.preloaded[name] && p.warmer.IsCached(name) {
		p.hits++
		return true
	}
	return false
}

// Stats reports preload counts and the observed hit rate.
func (p *PreloadManager) Stats() PreloadStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PreloadStats{
		Preloaded: len(p.preloaded),
		Requests:  p.requests,
		Hits:      p.hits,
	}
	if s.Requests > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Requests)
	}
	return s
}

func (p *PreloadManager) markPreloaded(name string) {
	p.mu.Lock()
	p.preloaded[name] = true
	p.mu.Unlock()
}
