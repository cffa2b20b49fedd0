package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cmorris/tradeforge/internal/observ"
)

// AuditEvent is one immutable line of the append-only trail.
type AuditEvent struct {
	Timestamp string         `json:"ts"`
	EventID   string         `json:"event_id"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// AuditSink is what components append through. The orchestrator, risk
// manager and approval gate all write here; nothing crosses the engine
// boundary unlogged.
type AuditSink interface {
	Append(event string, payload map[string]any) error
}

// Auditor appends JSONL events to a single file. A writer mutex serializes
// appends so event ordering matches call ordering.
type Auditor struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func NewAuditor(path string) (*Auditor, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Auditor{path: path, f: f}, nil
}

func (a *Auditor) Append(event string, payload map[string]any) error {
	e := AuditEvent{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventID:   uuid.NewString(),
		Event:     event,
		Payload:   payload,
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}

	observ.IncCounter("audit_events_total", map[string]string{"event": event})
	return nil
}

// Flush fsyncs the trail. Registered as a kill-switch callback.
func (a *Auditor) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f.Sync()
}

func (a *Auditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f.Close()
}

// ReadEvents loads an audit trail for replay. Malformed lines are skipped
// with a counter rather than aborting the replay.
func ReadEvents(path string) ([]AuditEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e AuditEvent
		if err := json.Unmarshal(line, &e); err != nil {
			observ.IncCounter("audit_malformed_lines_total", nil)
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}
