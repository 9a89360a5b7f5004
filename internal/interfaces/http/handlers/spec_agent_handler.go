package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway/internal/agentloop"
	domaintool "github.com/agentgateway/agentgateway/internal/domain/tool"
	"github.com/agentgateway/agentgateway/internal/eventstream"
	"github.com/agentgateway/agentgateway/internal/metrics"
	"github.com/agentgateway/agentgateway/internal/session"
)

// maxGoalLength bounds the ?goal= query per spec.md §6 ("400 on empty or
// over-long goal"); spec.md leaves the exact bound unstated, so this
// mirrors the 1000-char clip spec.md §4 applies to observation text
// elsewhere in the pipeline.
const maxGoalLength = 1000

// OutcomeSink receives a terminal Outcome for telemetry append. Kept as
// a narrow interface so the handler doesn't import the concrete
// telemetry.Writer and stays independently testable.
type OutcomeSink interface {
	Append(outcome agentloop.Outcome) error
}

// activeRun is what the handler tracks per in-flight /auto/stream call,
// enough to serve DELETE /sessions/{id} and GET /sessions/{id}/export
// without threading a session.Manager through agentloop.Loop.Run itself.
type activeRun struct {
	state  *session.State
	stream *eventstream.Stream
}

// SpecAgentHandler implements spec.md §6's HTTP surface: /auto/stream,
// /health, /tools, /metrics, /sessions/{id} (DELETE + export), /confirm.
// Grounded on teacher's AgentHandler (SSE framing, gin.Context.Writer
// flushing) generalized from its single /agent POST+history shape to
// the spec's goal-driven GET streaming endpoint and session lifecycle.
type SpecAgentHandler struct {
	loop      *agentloop.Loop
	registry  domaintool.Registry
	collector *metrics.Collector
	telemetry OutcomeSink
	logger    *zap.Logger
	startedAt time.Time

	mu     sync.Mutex
	active map[string]*activeRun
}

// NewSpecAgentHandler builds a handler over an already-wired Loop.
// telemetry may be nil, in which case outcomes are dropped (useful for
// tests); collector may be nil, in which case /metrics reports zeros.
func NewSpecAgentHandler(loop *agentloop.Loop, registry domaintool.Registry, collector *metrics.Collector, telemetry OutcomeSink, logger *zap.Logger) *SpecAgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpecAgentHandler{
		loop:      loop,
		registry:  registry,
		collector: collector,
		telemetry: telemetry,
		logger:    logger.With(zap.String("handler", "spec-agent")),
		startedAt: time.Now(),
		active:    make(map[string]*activeRun),
	}
}

// Stream handles GET /auto/stream?goal=&max_steps=&destructive=&session_id=
func (h *SpecAgentHandler) Stream(c *gin.Context) {
	goal := c.Query("goal")
	if goal == "" || len(goal) > maxGoalLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "goal must be non-empty and at most 1000 characters"})
		return
	}

	sessionID := c.Query("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	maxSteps, _ := strconv.Atoi(c.Query("max_steps"))
	destructive := c.Query("destructive") == "true"

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	ctx := c.Request.Context()
	sess, stream, outcomeCh := h.loop.Run(ctx, agentloop.RunRequest{
		SessionID:   sessionID,
		Goal:        goal,
		MaxSteps:    maxSteps,
		Destructive: destructive,
	})

	h.register(sessionID, sess, stream)
	defer h.unregister(sessionID)

	flusher, _ := c.Writer.(http.Flusher)
	idle := time.NewTicker(eventstream.KeepaliveInterval)
	defer idle.Stop()

	events := stream.Events()
	done := ctx.Done()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				h.drainOutcome(sessionID, outcomeCh)
				return
			}
			data, err := event.MarshalData()
			if err != nil {
				continue
			}
			fmt.Fprint(c.Writer, eventstream.FormatSSE(event.Type, data))
			if flusher != nil {
				flusher.Flush()
			}
			idle.Reset(eventstream.KeepaliveInterval)
		case <-idle.C:
			fmt.Fprint(c.Writer, eventstream.FormatSSE(eventstream.EventKeepalive, []byte(`{}`)))
			if flusher != nil {
				flusher.Flush()
			}
		case <-done:
			stream.Cancel()
			done = nil // one-shot: avoid re-triggering Cancel on every loop iteration
		}
	}
}

func (h *SpecAgentHandler) drainOutcome(sessionID string, outcomeCh <-chan agentloop.Outcome) {
	outcome, ok := <-outcomeCh
	if !ok {
		return
	}
	if h.telemetry == nil {
		return
	}
	if err := h.telemetry.Append(outcome); err != nil {
		h.logger.Warn("telemetry append failed", zap.String("session", sessionID), zap.Error(err))
	}
}

func (h *SpecAgentHandler) register(sessionID string, sess *session.State, stream *eventstream.Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[sessionID] = &activeRun{state: sess, stream: stream}
}

func (h *SpecAgentHandler) unregister(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, sessionID)
}

func (h *SpecAgentHandler) lookup(sessionID string) (*activeRun, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	run, ok := h.active[sessionID]
	return run, ok
}

// Health handles GET /health.
func (h *SpecAgentHandler) Health(c *gin.Context) {
	h.mu.Lock()
	activeSessions := len(h.active)
	h.mu.Unlock()

	toolsLoaded := 0
	if h.registry != nil {
		toolsLoaded = len(h.registry.List())
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"timestamp":       time.Now().Unix(),
		"tools_loaded":    toolsLoaded,
		"active_sessions": activeSessions,
	})
}

// Tools handles GET /tools — the tool catalog from the registry.
func (h *SpecAgentHandler) Tools(c *gin.Context) {
	if h.registry == nil {
		c.JSON(http.StatusOK, gin.H{"tools": []domaintool.Definition{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tools": h.registry.List()})
}

// Metrics handles GET /metrics — one host snapshot.
func (h *SpecAgentHandler) Metrics(c *gin.Context) {
	if h.collector == nil {
		c.JSON(http.StatusOK, metrics.Snapshot{Timestamp: time.Now()})
		return
	}
	c.JSON(http.StatusOK, h.collector.Collect())
}

// CancelSession handles DELETE /sessions/{id}.
func (h *SpecAgentHandler) CancelSession(c *gin.Context) {
	id := c.Param("id")
	run, ok := h.lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	run.stream.Cancel()
	c.JSON(http.StatusOK, gin.H{"cancelled": id})
}

// ExportSession handles GET /sessions/{id}/export — ledger + metrics dump.
func (h *SpecAgentHandler) ExportSession(c *gin.Context) {
	id := c.Param("id")
	run, ok := h.lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	c.JSON(http.StatusOK, run.state.Export())
}

// Confirm handles POST /confirm/{id} — human-in-the-loop confirmation
// stub per spec.md §6 ("stub for human-in-the-loop confirmation"): no
// destructive call currently blocks on it, so this just acknowledges.
func (h *SpecAgentHandler) Confirm(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{"confirmed": id})
}
