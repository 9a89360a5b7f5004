package agentloop

import (
	"context"
	"strings"
	"testing"

	"github.com/agentgateway/agentgateway/internal/domain/service"
	"github.com/agentgateway/agentgateway/internal/eventstream"
	"github.com/agentgateway/agentgateway/internal/session"
)

func TestLoop_CompactIfOverBudgetCollapsesLastObsOnHardThreshold(t *testing.T) {
	guard := service.NewContextGuard(10, 0.5, 0.6, nil)
	l := New(Deps{
		LLM:          &fakeLLM{},
		Registry:     newRegistryWith(),
		ContextGuard: guard,
	})

	sess := session.New("ctx1")
	sess.AddObservation(strings.Repeat("observation text that is reasonably long ", 5))
	sess.AddObservation(strings.Repeat("another chunky observation to push tokens up ", 5))
	stream := eventstream.New("ctx1", 16, nil)
	defer stream.Close()

	before := len(sess.LastObs)
	l.compactIfOverBudget(context.Background(), sess, stream)

	if before != 2 {
		t.Fatalf("expected 2 observations before compaction, got %d", before)
	}
	if len(sess.LastObs) != 1 {
		t.Fatalf("expected compaction to collapse to a single entry, got %d", len(sess.LastObs))
	}
	if !strings.Contains(sess.LastObs[0], "compacted") {
		t.Fatalf("expected the compacted entry to be marked as such, got %q", sess.LastObs[0])
	}
}

func TestLoop_CompactIfOverBudgetNoopWhenGuardNil(t *testing.T) {
	l := New(Deps{LLM: &fakeLLM{}, Registry: newRegistryWith()})
	sess := session.New("ctx2")
	sess.AddObservation("one observation")
	stream := eventstream.New("ctx2", 16, nil)
	defer stream.Close()

	l.compactIfOverBudget(context.Background(), sess, stream)

	if len(sess.LastObs) != 1 {
		t.Fatalf("expected no compaction without a guard, got %d entries", len(sess.LastObs))
	}
}

func TestLoop_CompactIfOverBudgetNoopBelowThreshold(t *testing.T) {
	guard := service.NewContextGuard(1_000_000, 0.7, 0.85, nil)
	l := New(Deps{LLM: &fakeLLM{}, Registry: newRegistryWith(), ContextGuard: guard})
	sess := session.New("ctx3")
	sess.AddObservation("small observation")
	stream := eventstream.New("ctx3", 16, nil)
	defer stream.Close()

	l.compactIfOverBudget(context.Background(), sess, stream)

	if len(sess.LastObs) != 1 || sess.LastObs[0] != "small observation" {
		t.Fatalf("expected the single observation untouched, got %+v", sess.LastObs)
	}
}

func TestSession_CompactObservationsReplacesWindowWithSummary(t *testing.T) {
	sess := session.New("s")
	sess.AddObservation("a")
	sess.AddObservation("b")
	sess.AddObservation("c")

	sess.CompactObservations("summary of a, b, c")

	if len(sess.LastObs) != 1 || sess.LastObs[0] != "summary of a, b, c" {
		t.Fatalf("expected LastObs collapsed to the summary, got %+v", sess.LastObs)
	}
}

func TestSession_CompactObservationsIgnoresEmptySummary(t *testing.T) {
	sess := session.New("s")
	sess.AddObservation("a")

	sess.CompactObservations("")

	if len(sess.LastObs) != 1 || sess.LastObs[0] != "a" {
		t.Fatalf("expected CompactObservations to no-op on an empty summary, got %+v", sess.LastObs)
	}
}
