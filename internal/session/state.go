// Package session manages per-request agent session state: the ledger,
// blackboard, duplicate-attempt set, retry budgets, and confidence trend,
// grounded on original_source's api/utils/state.py (SessionState,
// LedgerEntry, canonicalize_args, create_observation_signature).
package session

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentgateway/agentgateway/internal/errorclass"
)

const (
	maxFacts            = 50
	maxLastObs          = 8
	maxConfidenceTrend  = 10
	defaultRetryBudget  = 1
	noProgressThreshold = 3
)

// LedgerStatus is the closed set of ledger entry statuses from spec §3.
type LedgerStatus string

const (
	StatusOK               LedgerStatus = "ok"
	StatusError            LedgerStatus = "error"
	StatusMismatch         LedgerStatus = "mismatch"
	StatusNoProgress       LedgerStatus = "no_progress"
	StatusDuplicateBlocked LedgerStatus = "duplicate_blocked"
)

// LedgerEntry is a single append-only step record within a session.
type LedgerEntry struct {
	Step            int
	Action          string
	Args            map[string]any
	ArgsKey         string
	Expected        string
	Status          LedgerStatus
	ObsSignature    string
	ErrorClass      errorclass.Class
	Notes           string
	Timestamp       time.Time
}

// State manages state for a single agent session. All mutating methods
// assume serial access from the owning session's task only, matching the
// spec's "no session may observe another's state" resource policy.
type State struct {
	mu sync.Mutex

	SessionID string
	maxFacts  int
	maxObs    int

	Facts       []string
	LastObs     []string
	StepLedger  []LedgerEntry
	AttemptSet  map[string]struct{}
	ResultCache map[string]string

	ConfidenceTrend  []float64
	NoProgressCount  int
	StrategySwitches int
	TotalSteps       int
	StartTime        time.Time

	RetryBudgets map[string]int
}

// New creates a session state for sessionID with the spec's default caps.
func New(sessionID string) *State {
	return &State{
		SessionID:    sessionID,
		maxFacts:     maxFacts,
		maxObs:       maxLastObs,
		AttemptSet:   make(map[string]struct{}),
		ResultCache:  make(map[string]string),
		RetryBudgets: make(map[string]int),
		StartTime:    time.Now(),
	}
}

// CanonicalizeArgs builds a stable args_key for (action, args): path-valued
// arguments under keys dir/path/file are resolved to an absolute form
// before the args are sorted and SHA-1 hashed, matching
// SessionState.canonicalize_args exactly (digest truncated to 8 hex
// chars, joined as "<action>_<digest>").
func CanonicalizeArgs(action string, args map[string]any) string {
	canonical := make(map[string]any, len(args))
	for k, v := range args {
		if (k == "dir" || k == "path" || k == "file") {
			if s, ok := v.(string); ok {
				canonical[k] = expandAndAbs(s)
				continue
			}
		}
		canonical[k] = v
	}

	sortedJSON := marshalSorted(canonical)
	sum := sha1.Sum([]byte(sortedJSON))
	digest := hex.EncodeToString(sum[:])[:8]
	return fmt.Sprintf("%s_%s", action, digest)
}

func expandAndAbs(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// marshalSorted serializes a map with keys in sorted order so the digest
// is stable regardless of map iteration order, mirroring
// json.dumps(..., sort_keys=True).
func marshalSorted(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		keyJSON, _ := json.Marshal(k)
		valJSON, _ := json.Marshal(m[k])
		b.Write(keyJSON)
		b.WriteByte(':')
		b.Write(valJSON)
	}
	b.WriteByte('}')
	return b.String()
}

// IsDuplicateAttempt reports whether (action, args)'s canonical key is
// already in the failed-attempt set.
func (s *State) IsDuplicateAttempt(action string, args map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, found := s.AttemptSet[CanonicalizeArgs(action, args)]
	return found
}

// MarkAttempt records an attempt's outcome: failures are added to the
// duplicate-attempt set, successes are removed from it (permitting a
// re-attempt after a prior transient success is later re-checked).
func (s *State) MarkAttempt(action string, args map[string]any, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := CanonicalizeArgs(action, args)
	if success {
		delete(s.AttemptSet, key)
	} else {
		s.AttemptSet[key] = struct{}{}
	}
}

// AddLedgerEntry appends an entry, updates total_steps, and resets or
// increments no_progress_count per entry status.
func (s *State) AddLedgerEntry(entry LedgerEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	s.StepLedger = append(s.StepLedger, entry)
	s.TotalSteps++

	switch entry.Status {
	case StatusNoProgress:
		s.NoProgressCount++
	case StatusOK:
		s.NoProgressCount = 0
	}
}

// AddObservation appends to the bounded last-observations window (cap 8,
// FIFO eviction).
func (s *State) AddObservation(obs string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastObs = append(s.LastObs, obs)
	if len(s.LastObs) > s.boundOr(s.maxObs, maxLastObs) {
		s.LastObs = s.LastObs[len(s.LastObs)-s.boundOr(s.maxObs, maxLastObs):]
	}
}

// AddFact appends a deduplicated fact to the blackboard (cap 50, FIFO
// eviction).
func (s *State) AddFact(fact string) {
	if fact == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.Facts {
		if f == fact {
			return
		}
	}
	s.Facts = append(s.Facts, fact)
	limit := s.boundOr(s.maxFacts, maxFacts)
	if len(s.Facts) > limit {
		s.Facts = s.Facts[len(s.Facts)-limit:]
	}
}

// CompactObservations replaces the entire last-observations window with a
// single summary entry. Unlike AddObservation's cap-8 FIFO eviction (which
// silently drops the oldest entry one at a time as new ones arrive), this
// is an explicit, all-at-once compaction triggered by a context/token
// budget guard crossing its hard threshold — the guard decides *when*,
// this decides *how*.
func (s *State) CompactObservations(summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if summary == "" {
		return
	}
	s.LastObs = []string{summary}
}

func (s *State) boundOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// UpdateConfidence appends to the bounded confidence trend (cap 10).
func (s *State) UpdateConfidence(confidence float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConfidenceTrend = append(s.ConfidenceTrend, confidence)
	if len(s.ConfidenceTrend) > maxConfidenceTrend {
		s.ConfidenceTrend = s.ConfidenceTrend[len(s.ConfidenceTrend)-maxConfidenceTrend:]
	}
}

// GetRetryBudget returns the remaining retry budget for action, defaulting
// to 1 on first access.
func (s *State) GetRetryBudget(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.RetryBudgets[action]; !ok {
		s.RetryBudgets[action] = defaultRetryBudget
	}
	return s.RetryBudgets[action]
}

// DecrementRetryBudget lowers action's retry budget by one, floored at 0.
func (s *State) DecrementRetryBudget(action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if budget, ok := s.RetryBudgets[action]; ok && budget > 0 {
		s.RetryBudgets[action] = budget - 1
	}
}

// ShouldSwitchStrategy reports whether no_progress_count has reached the
// strategy-switch threshold of 3.
func (s *State) ShouldSwitchStrategy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.NoProgressCount >= noProgressThreshold
}

// ResetNoProgress clears the no-progress counter and records a strategy
// switch, called once the loop injects its analysis step.
func (s *State) ResetNoProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NoProgressCount = 0
	s.StrategySwitches++
}

// GetContextSummary renders recent observations (last 3), recent facts
// (last 5), and recent failed/duplicate-blocked attempts (last 5 ledger
// entries) clipped to maxChars.
func (s *State) GetContextSummary(maxChars int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parts []string

	if len(s.LastObs) > 0 {
		recent := lastN(s.LastObs, 3)
		var b strings.Builder
		b.WriteString("Recent observations:\n")
		for _, obs := range recent {
			fmt.Fprintf(&b, "- %s\n", obs)
		}
		parts = append(parts, strings.TrimRight(b.String(), "\n"))
	}

	if len(s.Facts) > 0 {
		recent := lastN(s.Facts, 5)
		var b strings.Builder
		b.WriteString("Key facts:\n")
		for _, f := range recent {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		parts = append(parts, strings.TrimRight(b.String(), "\n"))
	}

	var failed []LedgerEntry
	for _, entry := range lastNEntries(s.StepLedger, 5) {
		if entry.Status == StatusError || entry.Status == StatusDuplicateBlocked {
			failed = append(failed, entry)
		}
	}
	if len(failed) > 0 {
		var b strings.Builder
		b.WriteString("Recent failures:\n")
		for _, entry := range failed {
			reason := string(entry.ErrorClass)
			if reason == "" {
				reason = string(entry.Status)
			}
			fmt.Fprintf(&b, "- %s(%s): %s\n", entry.Action, entry.ArgsKey, reason)
		}
		parts = append(parts, strings.TrimRight(b.String(), "\n"))
	}

	full := strings.Join(parts, "\n\n")
	if maxChars > 0 && len(full) > maxChars {
		return full[:maxChars] + "... [context clipped]"
	}
	return full
}

func lastN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func lastNEntries(s []LedgerEntry, n int) []LedgerEntry {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Snapshot is the exported form of State for session dump ("export")
// requests, mirroring SessionState.to_dict.
type Snapshot struct {
	SessionID        string        `json:"session_id"`
	Facts            []string      `json:"facts"`
	LastObs          []string      `json:"last_obs"`
	StepLedger       []LedgerEntry `json:"step_ledger"`
	ConfidenceTrend  []float64     `json:"confidence_trend"`
	NoProgressCount  int           `json:"no_progress_count"`
	StrategySwitches int           `json:"strategy_switches"`
	TotalSteps       int           `json:"total_steps"`
	RetryBudgets     map[string]int `json:"retry_budgets"`
	Duration         time.Duration `json:"duration"`
}

// Export returns a snapshot of the session state for external dump.
func (s *State) Export() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:        s.SessionID,
		Facts:            append([]string(nil), s.Facts...),
		LastObs:          append([]string(nil), s.LastObs...),
		StepLedger:       append([]LedgerEntry(nil), s.StepLedger...),
		ConfidenceTrend:  append([]float64(nil), s.ConfidenceTrend...),
		NoProgressCount:  s.NoProgressCount,
		StrategySwitches: s.StrategySwitches,
		TotalSteps:       s.TotalSteps,
		RetryBudgets:     s.RetryBudgets,
		Duration:         time.Since(s.StartTime),
	}
}

// Signature builds a compact type/shape descriptor of an observation for
// hypothesis matching, mirroring create_observation_signature.
func Signature(observation any) string {
	switch v := observation.(type) {
	case nil:
		return "null"
	case []any:
		return fmt.Sprintf("list[len=%d,keys=%s]", len(v), listKeys(v))
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 5 {
			keys = keys[:5]
		}
		return fmt.Sprintf("dict[keys=%s]", strings.Join(keys, ","))
	case string:
		lower := strings.ToLower(v)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
			return fmt.Sprintf("str[len=%d,error=true]", len(v))
		}
		return fmt.Sprintf("str[len=%d]", len(v))
	case int, int64, float64:
		return fmt.Sprintf("%T[value=%v]", v, v)
	default:
		s := fmt.Sprintf("%v", v)
		if len(s) > 50 {
			s = s[:50]
		}
		return fmt.Sprintf("%T[%s]", v, s)
	}
}

func listKeys(list []any) string {
	if len(list) == 0 {
		return "empty"
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return "mixed"
	}
	common := make(map[string]struct{}, len(first))
	for k := range first {
		common[k] = struct{}{}
	}

	limit := len(list)
	if limit > 5 {
		limit = 5
	}
	for _, item := range list[1:limit] {
		m, ok := item.(map[string]any)
		if !ok {
			return "mixed"
		}
		for k := range common {
			if _, present := m[k]; !present {
				delete(common, k)
			}
		}
	}

	if len(common) == 0 {
		return "mixed"
	}
	keys := make([]string, 0, len(common))
	for k := range common {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, "|")
}

// HashArgsKey generates a consistent hash key for an action+args combo
// without path canonicalization, mirroring hash_args_key.
func HashArgsKey(action string, args map[string]any) string {
	payload := map[string]any{"action": action, "args": args}
	sum := sha1.Sum([]byte(marshalSorted(payload)))
	return hex.EncodeToString(sum[:])[:12]
}

// Manager tracks multiple concurrent agent sessions, mirroring
// StateManager.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*State
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*State)}
}

// GetOrCreate returns the session for sessionID, creating it if absent.
func (m *Manager) GetOrCreate(sessionID string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s
	}
	s := New(sessionID)
	m.sessions[sessionID] = s
	return s
}

// Cleanup removes a session's state.
func (m *Manager) Cleanup(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Export returns the snapshot for sessionID, or false if unknown.
func (m *Manager) Export(sessionID string) (Snapshot, bool) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return s.Export(), true
}
