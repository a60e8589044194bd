package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSkillExecutionCounters(t *testing.T) {
	SkillExecutions.WithLabelValues("metrics-test-skill", "ok").Inc()
	SkillExecutions.WithLabelValues("metrics-test-skill", "ok").Inc()
	SkillExecutions.WithLabelValues("metrics-test-skill", "timeout").Inc()

	ok := testutil.ToFloat64(SkillExecutions.WithLabelValues("metrics-test-skill", "ok"))
	if ok != 2 {
		t.Errorf("ok count = %v, want 2", ok)
	}
	timedOut := testutil.ToFloat64(SkillExecutions.WithLabelValues("metrics-test-skill", "timeout"))
	if timedOut != 1 {
		t.Errorf("timeout count = %v, want 1", timedOut)
	}
}

func TestMemoryPressureGauge(t *testing.T) {
	MemoryPressureLevel.Set(3)
	if got := testutil.ToFloat64(MemoryPressureLevel); got != 3 {
		t.Errorf("gauge = %v, want 3", got)
	}
	MemoryPressureLevel.Set(0)
}

func TestCacheOperationLabels(t *testing.T) {
	CacheOperations.WithLabelValues("metadata", "hit").Inc()
	CacheOperations.WithLabelValues("metadata", "miss").Inc()

	hit := testutil.ToFloat64(CacheOperations.WithLabelValues("metadata", "hit"))
	if hit < 1 {
		t.Errorf("hit count = %v", hit)
	}
}
