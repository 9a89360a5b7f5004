// Package metrics collects host resource snapshots and per-session agent
// counters, grounded on original_source's api/utils/metrics.py
// (MetricsCollector, SessionMetrics, MetricsManager). Host sampling uses
// github.com/shirou/gopsutil/v3 in place of the original's psutil.
package metrics

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const historySize = 50

// Snapshot is a single host resource sample.
type Snapshot struct {
	CPUPercent         float64
	MemoryPercent      float64
	GPUTemp            float64
	AvailableMemoryGB  float64
	Timestamp          time.Time
}

// Collector samples host resource usage on demand and retains a bounded
// history, mirroring MetricsCollector.
type Collector struct {
	mu      sync.Mutex
	history []Snapshot
}

// NewCollector creates an empty host metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Collect samples current CPU/memory usage, appends it to the bounded
// history (cap 50, FIFO eviction), and returns the snapshot.
func (c *Collector) Collect() Snapshot {
	percents, err := cpu.Percent(0, false)
	cpuPercent := 0.0
	if err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}

	memPercent := 0.0
	availableGB := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
		availableGB = float64(vm.Available) / (1024 * 1024 * 1024)
	}

	snapshot := Snapshot{
		CPUPercent:        cpuPercent,
		MemoryPercent:     memPercent,
		GPUTemp:           gpuTemperature(),
		AvailableMemoryGB: availableGB,
		Timestamp:         time.Now(),
	}

	c.mu.Lock()
	c.history = append(c.history, snapshot)
	if len(c.history) > historySize {
		c.history = c.history[len(c.history)-historySize:]
	}
	c.mu.Unlock()

	return snapshot
}

// gpuTemperature is a placeholder: the reference implementation reads
// Apple Silicon thermal state via system_profiler and was never wired up
// to a real sensor read either (it returns a constant). No pack library
// exposes GPU temperature on a cross-platform basis, so this mirrors
// that placeholder rather than shelling out.
func gpuTemperature() float64 {
	return 0.0
}

// Trend returns up to the last window samples of a single metric, or nil
// while fewer than two samples have been collected.
func (c *Collector) Trend(metric string, window int) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.history) < 2 {
		return nil
	}
	recent := c.history
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}

	out := make([]float64, len(recent))
	for i, s := range recent {
		switch metric {
		case "cpu_percent":
			out[i] = s.CPUPercent
		case "memory_percent":
			out[i] = s.MemoryPercent
		case "gpu_temp":
			out[i] = s.GPUTemp
		case "available_memory_gb":
			out[i] = s.AvailableMemoryGB
		}
	}
	return out
}

// IsUnderLoad reports whether the latest sample exceeds the load
// thresholds (CPU>80, memory>85, GPU temp>80).
func (c *Collector) IsUnderLoad() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return false
	}
	latest := c.history[len(c.history)-1]
	return latest.CPUPercent > 80 || latest.MemoryPercent > 85 || latest.GPUTemp > 80
}

// ShouldEnableEcoMode reports whether the 3-sample trailing average
// exceeds the eco-mode thresholds (avg CPU>70 or avg memory>80).
func (c *Collector) ShouldEnableEcoMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) < 3 {
		return false
	}
	recent := c.history[len(c.history)-3:]

	var cpuSum, memSum float64
	for _, s := range recent {
		cpuSum += s.CPUPercent
		memSum += s.MemoryPercent
	}
	avgCPU := cpuSum / float64(len(recent))
	avgMem := memSum / float64(len(recent))
	return avgCPU > 70 || avgMem > 80
}

// PerformanceScore blends CPU, memory, and temperature into a 0..1
// health score from the latest sample, mirroring get_performance_score.
func (c *Collector) PerformanceScore() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return 1.0
	}
	latest := c.history[len(c.history)-1]

	cpuScore := maxFloat(0, 1.0-latest.CPUPercent/100)
	memScore := maxFloat(0, 1.0-latest.MemoryPercent/100)

	tempScore := 1.0
	if latest.GPUTemp > 0 {
		tempScore = maxFloat(0, 1.0-maxFloat(0, latest.GPUTemp-50)/50)
	}

	return (cpuScore + memScore + tempScore) / 3
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// SessionMetrics tracks per-agent-session counters, mirroring
// SessionMetrics.
type SessionMetrics struct {
	mu sync.Mutex

	SessionID        string
	StartTime        time.Time
	StepTimings      []time.Duration
	ToolUsage        map[string]int
	ErrorCounts      map[string]int
	TokenUsage       int
	LLMCalls         int
	ConfidenceHist   []float64
}

// NewSessionMetrics creates an empty session metrics tracker.
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		SessionID:   sessionID,
		StartTime:   time.Now(),
		ToolUsage:   make(map[string]int),
		ErrorCounts: make(map[string]int),
	}
}

func (s *SessionMetrics) RecordStepTiming(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StepTimings = append(s.StepTimings, d)
}

func (s *SessionMetrics) RecordToolUsage(toolName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToolUsage[toolName]++
}

func (s *SessionMetrics) RecordError(errorClass string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorCounts[errorClass]++
}

func (s *SessionMetrics) RecordLLMCall(tokensUsed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LLMCalls++
	s.TokenUsage += tokensUsed
}

func (s *SessionMetrics) RecordConfidence(confidence float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConfidenceHist = append(s.ConfidenceHist, confidence)
}

func (s *SessionMetrics) AverageStepTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.StepTimings) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.StepTimings {
		total += d
	}
	return total / time.Duration(len(s.StepTimings))
}

func (s *SessionMetrics) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.StartTime)
}

func (s *SessionMetrics) ConfidenceTrend() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ConfidenceHist) <= 10 {
		return append([]float64(nil), s.ConfidenceHist...)
	}
	return append([]float64(nil), s.ConfidenceHist[len(s.ConfidenceHist)-10:]...)
}

// SessionSnapshot is the exported dict form of SessionMetrics, mirroring
// to_dict.
type SessionSnapshot struct {
	SessionID        string         `json:"session_id"`
	Duration         time.Duration  `json:"duration"`
	StepsCompleted   int            `json:"steps_completed"`
	AverageStepTime  time.Duration  `json:"average_step_time"`
	ToolUsage        map[string]int `json:"tool_usage"`
	ErrorCounts      map[string]int `json:"error_counts"`
	LLMCalls         int            `json:"llm_calls"`
	TokenUsage       int            `json:"token_usage"`
	ConfidenceTrend  []float64      `json:"confidence_trend"`
}

func (s *SessionMetrics) ToDict() SessionSnapshot {
	s.mu.Lock()
	steps := len(s.StepTimings)
	toolUsage := make(map[string]int, len(s.ToolUsage))
	for k, v := range s.ToolUsage {
		toolUsage[k] = v
	}
	errorCounts := make(map[string]int, len(s.ErrorCounts))
	for k, v := range s.ErrorCounts {
		errorCounts[k] = v
	}
	llmCalls := s.LLMCalls
	tokenUsage := s.TokenUsage
	s.mu.Unlock()

	return SessionSnapshot{
		SessionID:       s.SessionID,
		Duration:        s.Duration(),
		StepsCompleted:  steps,
		AverageStepTime: s.AverageStepTime(),
		ToolUsage:       toolUsage,
		ErrorCounts:     errorCounts,
		LLMCalls:        llmCalls,
		TokenUsage:      tokenUsage,
		ConfidenceTrend: s.ConfidenceTrend(),
	}
}

// Manager owns the host collector plus a registry of per-session
// metrics trackers, mirroring MetricsManager.
type Manager struct {
	mu       sync.Mutex
	System   *Collector
	sessions map[string]*SessionMetrics
}

// NewManager creates a metrics manager with an empty host collector and
// session registry.
func NewManager() *Manager {
	return &Manager{
		System:   NewCollector(),
		sessions: make(map[string]*SessionMetrics),
	}
}

// Session returns (creating if absent) the metrics tracker for sessionID.
func (m *Manager) Session(sessionID string) *SessionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s
	}
	s := NewSessionMetrics(sessionID)
	m.sessions[sessionID] = s
	return s
}

// CombinedSnapshot is the joint system+session snapshot returned by
// CollectAll, mirroring collect_all_metrics.
type CombinedSnapshot struct {
	System struct {
		CPUPercent          float64 `json:"cpu_percent"`
		MemoryPercent       float64 `json:"memory_percent"`
		GPUTemp             float64 `json:"gpu_temp"`
		AvailableMemoryGB   float64 `json:"available_memory_gb"`
		PerformanceScore    float64 `json:"performance_score"`
		UnderLoad           bool    `json:"under_load"`
		EcoModeRecommended  bool    `json:"eco_mode_recommended"`
	} `json:"system"`
	Session SessionSnapshot `json:"session"`
}

// CollectAll samples the host and returns the joint system+session
// snapshot for sessionID.
func (m *Manager) CollectAll(sessionID string) CombinedSnapshot {
	snap := m.System.Collect()
	sess := m.Session(sessionID)

	var out CombinedSnapshot
	out.System.CPUPercent = snap.CPUPercent
	out.System.MemoryPercent = snap.MemoryPercent
	out.System.GPUTemp = snap.GPUTemp
	out.System.AvailableMemoryGB = snap.AvailableMemoryGB
	out.System.PerformanceScore = m.System.PerformanceScore()
	out.System.UnderLoad = m.System.IsUnderLoad()
	out.System.EcoModeRecommended = m.System.ShouldEnableEcoMode()
	out.Session = sess.ToDict()
	return out
}

// CleanupSession removes sessionID's metrics tracker.
func (m *Manager) CleanupSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}
