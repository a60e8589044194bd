package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the skill runtime. All are registered on the
// default registry at init so any package can record without wiring.
var (
	// SkillExecutions counts executions by skill and outcome. The status
	// label is "ok" or a stable error code.
	SkillExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skillhost_skill_executions_total",
		Help: "Skill executions by skill name and status.",
	}, []string{"skill", "status"})

	// SkillExecutionDuration measures end-to-end execution latency.
	SkillExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skillhost_skill_execution_duration_seconds",
		Help:    "Skill execution latency in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"skill"})

	// CacheOperations counts cache lookups by tier and outcome (hit|miss).
	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skillhost_cache_operations_total",
		Help: "Cache lookups by tier and outcome.",
	}, []string{"tier", "outcome"})

	// ParseFallbacks counts model outputs whose tool calls could not be
	// recovered and fell back to plain text.
	ParseFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skillhost_parse_fallbacks_total",
		Help: "Tool call parses that fell back to plain text.",
	})

	// MemoryPressureLevel exposes the current pressure level (0=none
	// through 4=critical).
	MemoryPressureLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skillhost_memory_pressure_level",
		Help: "Current memory pressure level, 0 (none) to 4 (critical).",
	})

	// CleanupEvictions counts entries removed by cleanup passes.
	CleanupEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skillhost_cleanup_evictions_total",
		Help: "Cache entries and usage records evicted by cleanup passes.",
	})

	// PreloadOperations counts preload attempts by outcome
	// (warmed|hit|miss|failed).
	PreloadOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skillhost_preload_operations_total",
		Help: "Preload activity by outcome.",
	}, []string{"outcome"})

	// SkillsIndexed is the number of skills currently in the index.
	SkillsIndexed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skillhost_skills_indexed",
		Help: "Number of skills in the index after the last scan.",
	})

	// VariableExpansions counts placeholder expansions by namespace and
	// outcome (resolved|unresolved).
	VariableExpansions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skillhost_variable_expansions_total",
		Help: "Placeholder expansions by namespace and outcome.",
	}, []string{"namespace", "outcome"})
)
