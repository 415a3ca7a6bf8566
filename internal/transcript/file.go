package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore archives entries as JSON lines, one file per session, named
// <session_id>.jsonl under the configured directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the directory if needed and returns a file-backed
// [Store].
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("transcript: file store directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transcript: create %q: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Append implements [Store]. Each entry becomes one JSON line appended to the
// session's file.
func (s *FileStore) Append(_ context.Context, e Entry) error {
	if e.SessionID == "" {
		return errors.New("transcript: entry has no session id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("transcript: marshal entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.sessionPath(e.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("transcript: open session file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("transcript: write entry: %w", err)
	}
	return nil
}

// Recent implements [Store]. It returns the last limit entries of the
// session file, oldest first.
func (s *FileStore) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readSession(sessionID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Search implements [Store] with a case-insensitive substring scan. With
// opts.SessionID set only that session's file is read, otherwise every
// session file in the directory.
func (s *FileStore) Search(_ context.Context, query string, opts SearchOpts) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessions []string
	if opts.SessionID != "" {
		sessions = []string{opts.SessionID}
	} else {
		names, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
		if err != nil {
			return nil, fmt.Errorf("transcript: list session files: %w", err)
		}
		for _, n := range names {
			sessions = append(sessions, strings.TrimSuffix(filepath.Base(n), ".jsonl"))
		}
	}

	needle := strings.ToLower(query)
	var matches []Entry
	for _, id := range sessions {
		entries, err := s.readSession(id)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if needle != "" && !strings.Contains(strings.ToLower(e.Text), needle) {
				continue
			}
			if !opts.After.IsZero() && !e.Timestamp.After(opts.After) {
				continue
			}
			if !opts.Before.IsZero() && !e.Timestamp.Before(opts.Before) {
				continue
			}
			matches = append(matches, e)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Timestamp.Before(matches[j].Timestamp)
	})
	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

// Ping implements [Store]. It verifies the directory still exists.
func (s *FileStore) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("transcript: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("transcript: %q is not a directory", s.dir)
	}
	return nil
}

// Close implements [Store]. The file store holds no open handles.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) sessionPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

// readSession parses a session file into entries. A missing file yields an
// empty slice. Must be called with s.mu held.
func (s *FileStore) readSession(sessionID string) ([]Entry, error) {
	f, err := os.Open(s.sessionPath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transcript: open session file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("transcript: parse session %s: %w", sessionID, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("transcript: read session %s: %w", sessionID, err)
	}
	return entries, nil
}
