// Package eventstream is the ordered, per-session event channel (spec
// component G): one writer (the agent loop) emits typed events that a
// single HTTP handler drains as SSE. Event vocabulary and per-field
// shapes are grounded on original_source's api/utils/sse.py
// (SSEManager, SSEEvent, emit_* family); the non-blocking-send idiom on
// a bounded channel follows teacher's domain/service.emitEvent and
// infrastructure/eventbus.InMemoryBus.
package eventstream

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// EventType is the closed set of SSE event names, in their emission
// priority order within a step.
type EventType string

const (
	EventStatus    EventType = "status"
	EventPlan      EventType = "plan"
	EventCritic    EventType = "critic"
	EventExec      EventType = "exec"
	EventObs       EventType = "obs"
	EventHyp       EventType = "hyp"
	EventBB        EventType = "bb"
	EventMet       EventType = "met"
	EventFinal     EventType = "final"
	EventError     EventType = "error"
	EventCancel    EventType = "cancel"
	EventThinking  EventType = "thinking"
	EventReasoning EventType = "reasoning"
	EventKeepalive EventType = "keepalive"
)

// terminal events end the stream once observed by the reader.
var terminal = map[EventType]bool{
	EventFinal:  true,
	EventCancel: true,
	EventError:  true,
}

// Event is one emitted SSE event, enveloped with session/step metadata.
type Event struct {
	Type      EventType `json:"event"`
	SessionID string    `json:"-"`
	Step      int       `json:"-"`
	Data      map[string]any
}

// MarshalData renders Data plus the standard session_id/step/timestamp
// envelope fields as a single JSON object, mirroring SSEManager.emit's
// merged event_data['data'].
func (e Event) MarshalData() ([]byte, error) {
	merged := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		merged[k] = v
	}
	merged["session_id"] = e.SessionID
	merged["step"] = e.Step
	merged["timestamp"] = time.Now().Unix()
	return json.Marshal(merged)
}

// FormatSSE renders event as a standard "event: ...\ndata: ...\n\n" frame.
func FormatSSE(event EventType, data []byte) string {
	return "event: " + string(event) + "\ndata: " + string(data) + "\n\n"
}

// Stream is a single-writer, single-reader ordered event channel for one
// agent session.
type Stream struct {
	sessionID string
	step      int
	cancelled bool
	ch        chan Event
	logger    *zap.Logger
	closed    bool
}

// New creates a Stream for sessionID with the given channel buffer size.
func New(sessionID string, bufferSize int, logger *zap.Logger) *Stream {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Stream{
		sessionID: sessionID,
		ch:        make(chan Event, bufferSize),
		logger:    logger,
	}
}

// SetStep advances the current step number attached to subsequent
// emissions.
func (s *Stream) SetStep(step int) {
	s.step = step
}

// Cancel marks the stream cancelled and emits a terminal cancel event.
// Subsequent Emit calls for non-cancel event types are dropped, mirroring
// SSEManager.cancel/emit's cancelled-flag check.
func (s *Stream) Cancel() {
	s.cancelled = true
	s.emit(Event{Type: EventCancel, SessionID: s.sessionID, Step: s.step, Data: map[string]any{"cancelled": true}})
}

// Cancelled reports whether Cancel has been called.
func (s *Stream) Cancelled() bool {
	return s.cancelled
}

// Emit sends an event, dropping it silently if the stream is cancelled
// (except cancel events themselves) or if the channel is full — a slow
// or absent reader must never block the agent loop.
func (s *Stream) Emit(eventType EventType, data map[string]any) {
	if s.cancelled && eventType != EventCancel {
		return
	}
	s.emit(Event{Type: eventType, SessionID: s.sessionID, Step: s.step, Data: data})
}

func (s *Stream) emit(event Event) {
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		if s.logger != nil {
			s.logger.Warn("eventstream channel full, dropping event",
				zap.String("session_id", s.sessionID),
				zap.String("event", string(event.Type)),
			)
		}
	}
}

// Events returns the receive side of the stream's channel for draining.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Close closes the underlying channel. Safe to call once the writer
// (agent loop) has finished emitting for this session.
func (s *Stream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// IsTerminal reports whether eventType ends the stream once observed.
func IsTerminal(eventType EventType) bool {
	return terminal[eventType]
}

// KeepaliveInterval is the idle duration after which a keepalive event
// should be synthesized by the stream reader (the HTTP handler), per
// spec.md §4.G / sse.py's asyncio.wait_for(..., timeout=30.0).
const KeepaliveInterval = 30 * time.Second

// EmitStatus emits a status event.
func (s *Stream) EmitStatus(status string, details map[string]any) {
	data := map[string]any{"status": status}
	for k, v := range details {
		data[k] = v
	}
	s.Emit(EventStatus, data)
}

// EmitPlan emits a plan event from a planner.Plan-shaped map.
func (s *Stream) EmitPlan(plan map[string]any) {
	s.Emit(EventPlan, map[string]any{
		"subgoals":             plan["subgoals"],
		"success_criteria":     plan["success_criteria"],
		"next_action":          plan["next_action"],
		"args":                 plan["args"],
		"expected_observation": plan["expected_observation"],
		"rationale":            plan["rationale"],
	})
}

// EmitCritic emits a critic event.
func (s *Stream) EmitCritic(approved bool, changes []string, reasoning string) {
	s.Emit(EventCritic, map[string]any{
		"approved":  approved,
		"changes":   changes,
		"reasoning": reasoning,
	})
}

// EmitExec emits a tool-invocation-started event. batchIdx is omitted
// from Data (left as nil) for single-task invocations.
func (s *Stream) EmitExec(toolName string, args map[string]any, batchIdx *int) {
	data := map[string]any{"tool": toolName, "args": args, "started_at": time.Now().Unix()}
	if batchIdx != nil {
		data["batch_idx"] = *batchIdx
	}
	s.Emit(EventExec, data)
}

const obsClipChars = 4000

// EmitObs emits a single observation event, clipping overlong text to
// 4000 chars as sse.py's emit_obs does.
func (s *Stream) EmitObs(observation, signature, errorClass string) {
	clipped := false
	text := observation
	if len(text) > obsClipChars {
		text = text[:obsClipChars] + "... [clipped]"
		clipped = true
	}
	s.Emit(EventObs, map[string]any{
		"observation": text,
		"signature":   signature,
		"error_class": errorClass,
		"clipped":     clipped,
	})
}

const batchObsClipChars = 1000

// BatchObsEntry is one task's observation within a batch-obs event.
type BatchObsEntry struct {
	Idx        int
	Observation string
	Signature   string
	ErrorClass  string
}

// EmitObsBatch emits a single batched observation event covering every
// task in a batch, each individually clipped to 1000 chars — a tighter
// budget than the single-task path since several appear in one event.
func (s *Stream) EmitObsBatch(entries []BatchObsEntry) {
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		text := e.Observation
		clipped := false
		if len(text) > batchObsClipChars {
			text = text[:batchObsClipChars] + "... [clipped]"
			clipped = true
		}
		items = append(items, map[string]any{
			"idx":         e.Idx,
			"observation": text,
			"signature":   e.Signature,
			"error_class": e.ErrorClass,
			"clipped":     clipped,
		})
	}
	s.Emit(EventObs, map[string]any{"batch": true, "observations": items})
}

// EmitHyp emits a hypothesis-match event.
func (s *Stream) EmitHyp(expectedMatch bool, actualSig, expectedSig, notes string) {
	s.Emit(EventHyp, map[string]any{
		"expected_match":     expectedMatch,
		"actual_signature":   actualSig,
		"expected_signature": expectedSig,
		"notes":              notes,
	})
}

// EmitBlackboard emits a blackboard-summary event.
func (s *Stream) EmitBlackboard(facts []string, lastObsCount, stepCount int) {
	recent := facts
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	s.Emit(EventBB, map[string]any{
		"facts_count":    len(facts),
		"recent_facts":   recent,
		"last_obs_count": lastObsCount,
		"step_count":     stepCount,
	})
}

// EmitMetrics emits a metrics-sample event.
func (s *Stream) EmitMetrics(cpuPercent, memPercent float64, confidenceTrend []float64, noProgressCount int, latencyMs int64, tokensUsed int) {
	s.Emit(EventMet, map[string]any{
		"cpu_percent":       cpuPercent,
		"memory_percent":    memPercent,
		"confidence_trend":  confidenceTrend,
		"no_progress_count": noProgressCount,
		"latency_ms":        latencyMs,
		"tokens_used":       tokensUsed,
	})
}

// EmitFinal emits the terminal final-result event.
func (s *Stream) EmitFinal(result string, success bool, confidence float64, nextSteps []string) {
	s.Emit(EventFinal, map[string]any{
		"result":       result,
		"success":      success,
		"confidence":   confidence,
		"next_steps":   nextSteps,
		"completed_at": time.Now().Unix(),
	})
}

// EmitThinking emits a human-readable thinking step.
func (s *Stream) EmitThinking(thought, stepType string) {
	if stepType == "" {
		stepType = "general"
	}
	s.Emit(EventThinking, map[string]any{"thought": thought, "step_type": stepType})
}

// EmitReasoning emits a human-readable reasoning step.
func (s *Stream) EmitReasoning(step, reasoning string, details map[string]any) {
	data := map[string]any{"step": step, "reasoning": reasoning}
	if details != nil {
		data["details"] = details
	}
	s.Emit(EventReasoning, data)
}

// EmitError emits a terminal error event.
func (s *Stream) EmitError(err error) {
	s.Emit(EventError, map[string]any{"error": err.Error()})
}
