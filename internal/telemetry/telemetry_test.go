package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentgateway/agentgateway/internal/agentloop"
)

func TestWriter_AppendWritesOneJSONLinePerOutcome(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.jsonl")

	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	outcomes := []agentloop.Outcome{
		{SessionID: "a", Goal: "first goal", Success: true, TotalSteps: 3, StartedAt: time.Unix(0, 0), EndedAt: time.Unix(1, 0)},
		{SessionID: "b", Goal: "second goal", Success: false, TotalSteps: 1, StartedAt: time.Unix(2, 0), EndedAt: time.Unix(3, 0)},
	}
	for _, o := range outcomes {
		if err := w.Append(o); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var first agentloop.Outcome
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first.SessionID != "a" || first.Goal != "first goal" || !first.Success {
		t.Fatalf("unexpected first outcome: %+v", first)
	}

	var second agentloop.Outcome
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal second line: %v", err)
	}
	if second.SessionID != "b" || second.Success {
		t.Fatalf("unexpected second outcome: %+v", second)
	}
}

func TestWriter_AppendIsAdditiveAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.jsonl")

	w1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w1.Append(agentloop.Outcome{SessionID: "first"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	if err := w2.Append(agentloop.Outcome{SessionID: "second"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	count := 0
	for _, b := range data {
		if b == '\n' {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected file to contain 2 lines across reopens, got %d", count)
	}
}
