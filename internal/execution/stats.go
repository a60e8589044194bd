package execution

import (
	"sort"
	"sync"
	"time"
)

// Stats aggregates execution counters and per-phase timing profiles for
// the stats surface and the CLI.
type Stats struct {
	mu         sync.Mutex
	total      int64
	succeeded  int64
	failed     int64
	byCode     map[string]int64
	bySkill    map[string]*skillStats
	phaseTotal map[string]time.Duration
	phaseCount map[string]int64
}

type skillStats struct {
	count     int64
	succeeded int64
	total     time.Duration
}

// Summary is a point-in-time snapshot of the counters.
type Summary struct {
	Total          int64            `json:"total"`
	Succeeded      int64            `json:"succeeded"`
	Failed         int64            `json:"failed"`
	FailuresByCode map[string]int64 `json:"failuresByCode,omitempty"`
	Skills         []SkillSummary   `json:"skills,omitempty"`
	Phases         []PhaseSummary   `json:"phases,omitempty"`
}

// SkillSummary reports one skill's aggregate outcome.
type SkillSummary struct {
	SkillName       string        `json:"skillName"`
	Count           int64         `json:"count"`
	Succeeded       int64         `json:"succeeded"`
	AverageDuration time.Duration `json:"averageDuration"`
}

// PhaseSummary reports the mean duration of one execution phase.
type PhaseSummary struct {
	Phase           string        `json:"phase"`
	Count           int64         `json:"count"`
	AverageDuration time.Duration `json:"averageDuration"`
}

// NewStats creates an empty aggregate.
func NewStats() *Stats {
	return &Stats{
		byCode:     make(map[string]int64),
		bySkill:    make(map[string]*skillStats),
		phaseTotal: make(map[string]time.Duration),
		phaseCount: make(map[string]int64),
	}
}

// RecordFailure counts a coded failure.
func (s *Stats) RecordFailure(code string) {
	s.mu.Lock()
	s.byCode[code]++
	s.mu.Unlock()
}

// Summary snapshots the counters, sorted for stable output.
func (s *Stats) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Summary{
		Total:     s.total,
		Succeeded: s.succeeded,
		Failed:    s.failed,
	}
	if len(s.byCode) > 0 {
		out.FailuresByCode = make(map[string]int64, len(s.byCode))
		for code, n := range s.byCode {
			out.FailuresByCode[code] = n
		}
	}
	for name, ss := range s.bySkill {
		avg := time.Duration(0)
		if ss.count > 0 {
			avg = ss.total / time.Duration(ss.count)
		}
		out.Skills = append(out.Skills, SkillSummary{
			SkillName:       name,
			Count:           ss.count,
			Succeeded:       ss.succeeded,
			AverageDuration: avg,
		})
	}
	sort.Slice(out.Skills, func(i, j int) bool { return out.Skills[i].SkillName < out.Skills[j].SkillName })
	for phase, total := range s.phaseTotal {
		n := s.phaseCount[phase]
		if n == 0 {
			continue
		}
		out.Phases = append(out.Phases, PhaseSummary{
			Phase:           phase,
			Count:           n,
			AverageDuration: total / time.Duration(n),
		})
	}
	sort.Slice(out.Phases, func(i, j int) bool { return out.Phases[i].Phase < out.Phases[j].Phase })
	return out
}

// Profile measures the phases of one execution. Mark records the time
// since the previous mark under the given phase name.
type Profile struct {
	stats     *Stats
	skillName string
	started   time.Time
	last      time.Time
}

// StartProfile begins timing one execution.
func (s *Stats) StartProfile(skillName string) *Profile {
	now := time.Now()
	return &Profile{stats: s, skillName: skillName, started: now, last: now}
}

// Mark closes the current phase.
func (p *Profile) Mark(phase string) {
	now := time.Now()
	p.stats.mu.Lock()
	p.stats.phaseTotal[phase] += now.Sub(p.last)
	p.stats.phaseCount[phase]++
	p.stats.mu.Unlock()
	p.last = now
}

// Finish folds the whole execution into the aggregate.
func (p *Profile) Finish(success bool) {
	total := time.Since(p.started)
	p.stats.mu.Lock()
	defer p.stats.mu.Unlock()

	p.stats.total++
	if success {
		p.stats.succeeded++
	} else {
		p.stats.failed++
	}
	ss, ok := p.stats.bySkill[p.skillName]
	if !ok {
		ss = &skillStats{}
		p.stats.bySkill[p.skillName] = ss
	}
	ss.count++
	if success {
		ss.succeeded++
	}
	ss.total += total
}
