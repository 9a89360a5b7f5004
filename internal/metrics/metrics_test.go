package metrics

import (
	"testing"
	"time"
)

func TestCollect_AppendsToHistoryAndCaps(t *testing.T) {
	c := NewCollector()
	for i := 0; i < historySize+10; i++ {
		c.Collect()
	}
	if len(c.history) != historySize {
		t.Fatalf("expected history capped at %d, got %d", historySize, len(c.history))
	}
}

func TestIsUnderLoad_EmptyHistory(t *testing.T) {
	c := NewCollector()
	if c.IsUnderLoad() {
		t.Fatal("expected false with no samples yet")
	}
}

func TestIsUnderLoad_ThresholdsTrigger(t *testing.T) {
	c := NewCollector()
	c.history = append(c.history, Snapshot{CPUPercent: 95})
	if !c.IsUnderLoad() {
		t.Fatal("expected under load at CPU 95%")
	}
}

func TestShouldEnableEcoMode_RequiresThreeSamples(t *testing.T) {
	c := NewCollector()
	c.history = append(c.history, Snapshot{CPUPercent: 90}, Snapshot{CPUPercent: 90})
	if c.ShouldEnableEcoMode() {
		t.Fatal("expected false with fewer than 3 samples")
	}
	c.history = append(c.history, Snapshot{CPUPercent: 90})
	if !c.ShouldEnableEcoMode() {
		t.Fatal("expected eco mode recommended at sustained high CPU")
	}
}

func TestPerformanceScore_NoHistoryReturnsOne(t *testing.T) {
	c := NewCollector()
	if score := c.PerformanceScore(); score != 1.0 {
		t.Fatalf("expected 1.0 with no samples, got %v", score)
	}
}

func TestPerformanceScore_DegradesWithLoad(t *testing.T) {
	c := NewCollector()
	c.history = append(c.history, Snapshot{CPUPercent: 90, MemoryPercent: 90})
	if score := c.PerformanceScore(); score >= 0.5 {
		t.Fatalf("expected degraded score under heavy load, got %v", score)
	}
}

func TestSessionMetrics_RecordsAndExports(t *testing.T) {
	sm := NewSessionMetrics("sess-1")
	sm.RecordStepTiming(10 * time.Millisecond)
	sm.RecordStepTiming(30 * time.Millisecond)
	sm.RecordToolUsage("count_files")
	sm.RecordToolUsage("count_files")
	sm.RecordError("timeout")
	sm.RecordLLMCall(120)
	sm.RecordConfidence(0.8)

	snap := sm.ToDict()
	if snap.StepsCompleted != 2 {
		t.Fatalf("expected 2 steps, got %d", snap.StepsCompleted)
	}
	if snap.ToolUsage["count_files"] != 2 {
		t.Fatalf("expected tool usage count 2, got %d", snap.ToolUsage["count_files"])
	}
	if snap.ErrorCounts["timeout"] != 1 {
		t.Fatalf("expected one timeout error, got %d", snap.ErrorCounts["timeout"])
	}
	if snap.LLMCalls != 1 || snap.TokenUsage != 120 {
		t.Fatalf("expected llm_calls=1 token_usage=120, got %+v", snap)
	}
	if snap.AverageStepTime != 20*time.Millisecond {
		t.Fatalf("expected average step time 20ms, got %v", snap.AverageStepTime)
	}
}

func TestSessionMetrics_ConfidenceTrendCapsAtTen(t *testing.T) {
	sm := NewSessionMetrics("sess-1")
	for i := 0; i < 15; i++ {
		sm.RecordConfidence(float64(i) / 15)
	}
	if len(sm.ConfidenceTrend()) != 10 {
		t.Fatalf("expected confidence trend capped at 10, got %d", len(sm.ConfidenceTrend()))
	}
}

func TestManager_SessionIsPerIDSingleton(t *testing.T) {
	m := NewManager()
	s1 := m.Session("a")
	s2 := m.Session("a")
	if s1 != s2 {
		t.Fatal("expected same session metrics instance for repeated lookups")
	}
	m.CleanupSession("a")
	s3 := m.Session("a")
	if s3 == s1 {
		t.Fatal("expected a fresh session metrics instance after cleanup")
	}
}
