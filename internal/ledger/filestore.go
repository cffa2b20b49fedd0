package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileState is the on-disk snapshot. Version is a monotonic counter bumped
// on every save so partial reads are detectable.
type fileState struct {
	Version   int64               `json:"version"`
	UpdatedAt string              `json:"updated_at"`
	Positions map[string]Position `json:"positions"`
}

// FileStore persists positions as a JSON snapshot with atomic
// temp-file-then-rename writes.
type FileStore struct {
	mu       sync.RWMutex
	filePath string
	state    fileState
}

func NewFileStore(filePath string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, err
	}

	s := &FileStore{
		filePath: filePath,
		state:    fileState{Positions: make(map[string]Position)},
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read position store: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("unmarshal position store: %w", err)
	}
	if s.state.Positions == nil {
		s.state.Positions = make(map[string]Position)
	}
	return s, nil
}

func (s *FileStore) RecordEntry(ctx context.Context, p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.state.Positions[p.ID]; ok && existing.Status == StatusOpen {
		p = mergeEntry(existing, p)
	}
	s.state.Positions[p.ID] = p
	return s.saveUnsafe()
}

func (s *FileStore) ClosePosition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.Positions[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = StatusClosed
	p.UpdatedAt = time.Now().UTC()
	s.state.Positions[id] = p
	return s.saveUnsafe()
}

func (s *FileStore) Get(ctx context.Context, id string) (Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.Positions[id]
	if !ok {
		return Position{}, ErrNotFound
	}
	return p, nil
}

func (s *FileStore) GetOpen(ctx context.Context) ([]Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := make([]Position, 0, len(s.state.Positions))
	for _, p := range s.state.Positions {
		if p.Status == StatusOpen {
			open = append(open, p)
		}
	}
	return open, nil
}

func (s *FileStore) Close() error { return nil }

// saveUnsafe writes without acquiring the lock (callers hold it).
func (s *FileStore) saveUnsafe() error {
	s.state.Version++
	s.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal position store: %w", err)
	}

	tempPath := s.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp position store: %w", err)
	}
	if err := os.Rename(tempPath, s.filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename position store: %w", err)
	}
	return nil
}
