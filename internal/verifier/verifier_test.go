package verifier

import (
	"context"
	"errors"
	"testing"

	"github.com/agentgateway/agentgateway/internal/domain/service"
)

func TestFastHeuristic_StringWithSuccessMarker(t *testing.T) {
	v, ok := FastHeuristic("found 3 files successfully")
	if !ok || !v.Finish || v.Confidence != 0.9 {
		t.Fatalf("expected fast-path finish, got %+v ok=%v", v, ok)
	}
}

func TestFastHeuristic_StringWithError(t *testing.T) {
	_, ok := FastHeuristic("error: operation failed")
	if ok {
		t.Fatal("expected heuristic to be inconclusive for an error string")
	}
}

func TestFastHeuristic_MapWithCountKey(t *testing.T) {
	v, ok := FastHeuristic(map[string]any{"count": 5})
	if !ok || !v.Finish {
		t.Fatalf("expected finish on count key, got %+v", v)
	}
}

func TestFastHeuristic_EmptyStringInconclusive(t *testing.T) {
	if _, ok := FastHeuristic(""); ok {
		t.Fatal("expected empty observation to be inconclusive")
	}
}

type scriptedLLM struct {
	content string
	err     error
}

func (s *scriptedLLM) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &service.LLMResponse{Content: s.content}, nil
}

func (s *scriptedLLM) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	close(deltaCh)
	return s.Generate(ctx, req)
}

func TestLLMFallback_ParsesStructuredVerdict(t *testing.T) {
	llm := &scriptedLLM{content: `{"finish": true, "result": "done", "confidence": 0.95, "reasoning": "looks good"}`}
	v := LLMFallback(context.Background(), llm, "count files", []string{"some inconclusive observation text"})
	if !v.Finish || v.Result != "done" || v.Confidence != 0.95 {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestLLMFallback_DegradesToRuleBasedOnError(t *testing.T) {
	llm := &scriptedLLM{err: errors.New("network down")}
	v := LLMFallback(context.Background(), llm, "count files please", []string{`result: {"count": 12}`})
	if !v.Finish || v.Result != "I found 12 files." {
		t.Fatalf("expected rule-based count extraction, got %+v", v)
	}
}

func TestVerify_ShortObservationNotYetFinished(t *testing.T) {
	v := Verify(context.Background(), nil, "count files", []string{"short"}, true)
	if v.Finish {
		t.Fatal("expected short observation to not finish")
	}
}

func TestVerify_UnsuccessfulStepNotFinished(t *testing.T) {
	v := Verify(context.Background(), nil, "count files", []string{"a reasonably long observation"}, false)
	if v.Finish {
		t.Fatal("expected unsuccessful step to not finish")
	}
}

func TestVerifyConversational_ConfidenceByLength(t *testing.T) {
	short := VerifyConversational("ok")
	if short.Confidence >= 0.9 {
		t.Fatalf("expected lower confidence for short answer, got %v", short.Confidence)
	}
	long := VerifyConversational("This is a much longer conversational answer.")
	if long.Confidence < 0.9 {
		t.Fatalf("expected high confidence for long answer, got %v", long.Confidence)
	}
}
