package session

import (
	"strings"
	"testing"
)

func TestCanonicalizeArgs_StableAcrossKeyOrder(t *testing.T) {
	a := CanonicalizeArgs("list_files", map[string]any{"dir": "/tmp", "limit": 10})
	b := CanonicalizeArgs("list_files", map[string]any{"limit": 10, "dir": "/tmp"})
	if a != b {
		t.Fatalf("expected stable key ordering, got %q vs %q", a, b)
	}
}

func TestCanonicalizeArgs_DiffersByAction(t *testing.T) {
	a := CanonicalizeArgs("list_files", map[string]any{"dir": "/tmp"})
	b := CanonicalizeArgs("count_files", map[string]any{"dir": "/tmp"})
	if a == b {
		t.Fatal("expected different actions to produce different keys")
	}
}

func TestIsDuplicateAttempt_MarksAndChecks(t *testing.T) {
	s := New("sess-1")
	args := map[string]any{"dir": "/tmp"}

	if s.IsDuplicateAttempt("list_files", args) {
		t.Fatal("should not be a duplicate before first attempt")
	}

	s.MarkAttempt("list_files", args, false)
	if !s.IsDuplicateAttempt("list_files", args) {
		t.Fatal("expected duplicate after a failed attempt")
	}

	s.MarkAttempt("list_files", args, true)
	if s.IsDuplicateAttempt("list_files", args) {
		t.Fatal("expected success to clear the duplicate-attempt marker")
	}
}

func TestAddObservation_CapsAtEight(t *testing.T) {
	s := New("sess-1")
	for i := 0; i < 12; i++ {
		s.AddObservation("obs")
	}
	if len(s.LastObs) != maxLastObs {
		t.Fatalf("expected %d observations retained, got %d", maxLastObs, len(s.LastObs))
	}
}

func TestAddFact_DedupesAndCaps(t *testing.T) {
	s := New("sess-1")
	s.AddFact("fact one")
	s.AddFact("fact one")
	if len(s.Facts) != 1 {
		t.Fatalf("expected dedup to keep a single fact, got %d", len(s.Facts))
	}

	for i := 0; i < 60; i++ {
		s.AddFact(HashArgsKey("x", map[string]any{"i": i}))
	}
	if len(s.Facts) != maxFacts {
		t.Fatalf("expected facts capped at %d, got %d", maxFacts, len(s.Facts))
	}
}

func TestUpdateConfidence_CapsAtTen(t *testing.T) {
	s := New("sess-1")
	for i := 0; i < 15; i++ {
		s.UpdateConfidence(float64(i) / 15)
	}
	if len(s.ConfidenceTrend) != maxConfidenceTrend {
		t.Fatalf("expected confidence trend capped at %d, got %d", maxConfidenceTrend, len(s.ConfidenceTrend))
	}
}

func TestRetryBudget_DefaultsAndDecrements(t *testing.T) {
	s := New("sess-1")
	if budget := s.GetRetryBudget("count_files"); budget != defaultRetryBudget {
		t.Fatalf("expected default retry budget %d, got %d", defaultRetryBudget, budget)
	}
	s.DecrementRetryBudget("count_files")
	if budget := s.GetRetryBudget("count_files"); budget != 0 {
		t.Fatalf("expected retry budget decremented to 0, got %d", budget)
	}
	s.DecrementRetryBudget("count_files")
	if budget := s.GetRetryBudget("count_files"); budget != 0 {
		t.Fatalf("expected retry budget floored at 0, got %d", budget)
	}
}

func TestShouldSwitchStrategy_ThresholdThree(t *testing.T) {
	s := New("sess-1")
	for i := 0; i < 2; i++ {
		s.AddLedgerEntry(LedgerEntry{Action: "count_files", Status: StatusNoProgress})
	}
	if s.ShouldSwitchStrategy() {
		t.Fatal("should not switch strategy before threshold reached")
	}
	s.AddLedgerEntry(LedgerEntry{Action: "count_files", Status: StatusNoProgress})
	if !s.ShouldSwitchStrategy() {
		t.Fatal("expected strategy switch at threshold")
	}

	s.ResetNoProgress()
	if s.ShouldSwitchStrategy() {
		t.Fatal("expected no_progress_count reset after ResetNoProgress")
	}
	if s.StrategySwitches != 1 {
		t.Fatalf("expected one recorded strategy switch, got %d", s.StrategySwitches)
	}
}

func TestAddLedgerEntry_OKResetsNoProgress(t *testing.T) {
	s := New("sess-1")
	s.AddLedgerEntry(LedgerEntry{Action: "a", Status: StatusNoProgress})
	s.AddLedgerEntry(LedgerEntry{Action: "a", Status: StatusNoProgress})
	s.AddLedgerEntry(LedgerEntry{Action: "a", Status: StatusOK})
	if s.NoProgressCount != 0 {
		t.Fatalf("expected ok status to reset no_progress_count, got %d", s.NoProgressCount)
	}
	if s.TotalSteps != 3 {
		t.Fatalf("expected total_steps=3, got %d", s.TotalSteps)
	}
}

func TestGetContextSummary_ClipsToMaxChars(t *testing.T) {
	s := New("sess-1")
	for i := 0; i < 5; i++ {
		s.AddObservation("a reasonably long observation describing some tool result")
	}
	summary := s.GetContextSummary(40)
	if !strings.HasSuffix(summary, "... [context clipped]") || len(summary) != 40+len("... [context clipped]") {
		t.Fatalf("expected summary clipped to 40 chars plus the clip marker, got %q", summary)
	}
	if summary == "" {
		t.Fatal("expected non-empty summary")
	}
}

func TestManager_GetOrCreateAndCleanup(t *testing.T) {
	m := NewManager()
	s1 := m.GetOrCreate("a")
	s2 := m.GetOrCreate("a")
	if s1 != s2 {
		t.Fatal("expected the same session state to be returned for the same id")
	}

	s1.AddFact("hello")
	snap, ok := m.Export("a")
	if !ok || len(snap.Facts) != 1 {
		t.Fatalf("expected exported snapshot to include the fact, got %+v", snap)
	}

	m.Cleanup("a")
	if _, ok := m.Export("a"); ok {
		t.Fatal("expected session to be gone after cleanup")
	}
}

func TestSignature_DistinguishesShapes(t *testing.T) {
	if Signature(nil) != "null" {
		t.Fatal("expected null signature for nil")
	}
	if got := Signature("task failed: timeout"); got != "str[len=20,error=true]" {
		t.Fatalf("expected error-flagged string signature, got %q", got)
	}
	listSig := Signature([]any{map[string]any{"a": 1}, map[string]any{"a": 2}})
	if listSig == "" {
		t.Fatal("expected non-empty list signature")
	}
}
