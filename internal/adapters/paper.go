package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cmorris/tradeforge/internal/observ"
)

// journalEntry is one line of the paper trading journal.
type journalEntry struct {
	Timestamp      time.Time         `json:"ts"`
	Action         string            `json:"action"`
	Params         map[string]string `json:"params,omitempty"`
	TxID           string            `json:"tx_id"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// PaperBackend simulates execution without touching the chain. Every
// submission lands in a JSONL journal, and submissions carrying an
// idempotency key within the dedupe window return the original tx id
// instead of re-executing. Accounting upstream is identical to live
// mode; only the submission is simulated.
type PaperBackend struct {
	mu           sync.Mutex
	path         string
	dedupeWindow time.Duration
}

func NewPaperBackend(path string, dedupeWindow time.Duration) (*PaperBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &PaperBackend{path: path, dedupeWindow: dedupeWindow}, nil
}

func (b *PaperBackend) Submit(ctx context.Context, action string, params map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := params["idempotency_key"]
	if key != "" {
		if txID, ok, err := b.recentSubmission(key); err != nil {
			return "", err
		} else if ok {
			observ.IncCounter("paper_submissions_deduped_total", nil)
			return txID, nil
		}
	}

	entry := journalEntry{
		Timestamp:      time.Now().UTC(),
		Action:         action,
		Params:         params,
		TxID:           "paper-" + uuid.NewString(),
		IdempotencyKey: key,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("open paper journal: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(string(data) + "\n"); err != nil {
		return "", fmt.Errorf("append paper journal: %w", err)
	}

	observ.IncCounter("paper_submissions_total", map[string]string{"action": action})
	return entry.TxID, nil
}

// recentSubmission scans the journal for an entry with the same
// idempotency key inside the dedupe window.
func (b *PaperBackend) recentSubmission(key string) (string, bool, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}

	cutoff := time.Now().UTC().Add(-b.dedupeWindow)
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.IdempotencyKey == key && entry.Timestamp.After(cutoff) {
			return entry.TxID, true, nil
		}
	}
	return "", false, nil
}
