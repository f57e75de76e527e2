package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore persists the record as a small JSON file, the server-side
// analogue of the browser's durable local storage. Writes go through a
// temp file and rename so a crashed write cannot leave a half-written
// record behind.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("registry file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Read(_ context.Context) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read registry file: %w", err)
	}

	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		// Unparseable state is reported as a corrupted record, not an
		// error: the cleanup sweep knows how to handle corruption.
		return Record{LastSessionID: "unknown"}, true, nil
	}
	return r, true, nil
}

func (s *FileStore) Write(_ context.Context, sessionID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(Record{LastSessionID: sessionID, LastSessionTimestamp: ts})
	if err != nil {
		return fmt.Errorf("marshal registry record: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write registry file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace registry file: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear registry file: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
