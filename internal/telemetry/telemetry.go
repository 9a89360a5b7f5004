// Package telemetry appends one JSON line per terminated session to a
// flat file, the only persisted artifact spec.md §6 names ("an
// append-only line-delimited record of SessionOutcome objects for
// post-hoc analysis"). Grounded on the teacher's zap.Config file-output
// idiom (see internal/config.NewLogger), but a plain os.File append since
// the records are hand-shaped JSON lines rather than log entries.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/agentgateway/agentgateway/internal/agentloop"
)

// Writer appends agentloop.Outcome records as newline-delimited JSON.
type Writer struct {
	mu   sync.Mutex
	file *os.File
}

// Open opens (creating if absent) the append-only outcome log at path.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open telemetry file %s: %w", path, err)
	}
	return &Writer{file: f}, nil
}

// Append writes one outcome as a single JSON line.
func (w *Writer) Append(outcome agentloop.Outcome) error {
	line, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.file.Write(line)
	return err
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
