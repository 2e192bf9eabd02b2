package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// maxLocalFileBytes triggers rotation (spec §12 supplemented feature: local
// mode has no database, so an unbounded append-only file would eventually
// exhaust disk; 10MB keeps a single file's Read cost manageable while still
// giving RecentTurns useful history without an index).
const maxLocalFileBytes = 10 * 1024 * 1024

// LocalStore is the append-only JSONL backend used in local/CLI mode, when
// neither MongoURI nor PostgresDSN is configured (spec §6, §12).
type LocalStore struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewLocalStore opens (creating if needed) the JSONL file at path.
func NewLocalStore(path string) (*LocalStore, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open local file: %w", err)
	}
	return &LocalStore{path: path, file: f}, nil
}

func (s *LocalStore) SaveTurn(ctx context.Context, turn TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeededLocked(); err != nil {
		return err
	}

	line, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("store: marshal turn: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("store: append turn: %w", err)
	}
	return nil
}

// rotateIfNeededLocked renames the current file to a .1 suffix and starts a
// fresh one once it crosses maxLocalFileBytes. Only one rotation generation
// is kept: the previous .1 file, if any, is overwritten.
func (s *LocalStore) rotateIfNeededLocked() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("store: stat local file: %w", err)
	}
	if info.Size() < maxLocalFileBytes {
		return nil
	}

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("store: close before rotate: %w", err)
	}
	rotated := s.path + ".1"
	if err := os.Rename(s.path, rotated); err != nil {
		return fmt.Errorf("store: rotate local file: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: reopen after rotate: %w", err)
	}
	s.file = f
	return nil
}

// RecentTurns scans the current file (and the rotated .1 file, if present)
// for turns matching sessionID, returning up to limit, most recent first.
// This is a linear scan: local mode favors simplicity over query
// performance, since it targets single-user CLI usage, not a service with
// concurrent multi-session load (spec §12).
func (s *LocalStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []TurnRecord
	for _, p := range []string{s.path + ".1", s.path} {
		turns, err := readTurnsFromFile(p, sessionID)
		if err != nil {
			return nil, err
		}
		all = append(all, turns...)
	}

	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	// Most recent first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

func readTurnsFromFile(path, sessionID string) ([]TurnRecord, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()

	var out []TurnRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var t TurnRecord
		if err := json.Unmarshal(scanner.Bytes(), &t); err != nil {
			continue // tolerate a torn final line from a crash mid-write
		}
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, scanner.Err()
}

func (s *LocalStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
