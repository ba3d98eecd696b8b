package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fruitsalade/livedrive/internal/metrics"
)

// JSONStore keeps the whole state in one JSON document that is rewritten
// atomically (temp file + rename) on every mutation.
type JSONStore struct {
	mu   sync.Mutex
	path string
	snap *Snapshot
}

var _ Store = (*JSONStore)(nil)

// OpenJSON opens or creates the JSON database at path.
func OpenJSON(path string) (*JSONStore, error) {
	s := &JSONStore{path: path, snap: NewSnapshot()}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		if err := s.write(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read db %s: %w", path, err)
	case len(data) > 0:
		if err := json.Unmarshal(data, s.snap); err != nil {
			return nil, fmt.Errorf("parse db %s: %w", path, err)
		}
		fill(s.snap)
	}
	return s, nil
}

func fill(snap *Snapshot) {
	if snap.Users == nil {
		snap.Users = make(map[string]User)
	}
	if snap.Sessions == nil {
		snap.Sessions = make(map[string]Session)
	}
	if snap.Shortlinks == nil {
		snap.Shortlinks = make(map[string]string)
	}
	for name, u := range snap.Users {
		u.Name = name
		snap.Users[name] = u
	}
	for token, sess := range snap.Sessions {
		sess.Token = token
		snap.Sessions[token] = sess
	}
}

// Load returns a copy of the current state.
func (s *JSONStore) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := NewSnapshot()
	for k, v := range s.snap.Users {
		out.Users[k] = v
	}
	for k, v := range s.snap.Sessions {
		out.Sessions[k] = v
	}
	for k, v := range s.snap.Shortlinks {
		out.Shortlinks[k] = v
	}
	return out, nil
}

func (s *JSONStore) PutUser(ctx context.Context, u User) error {
	return s.update("put_user", func(snap *Snapshot) { snap.Users[u.Name] = u })
}

func (s *JSONStore) DeleteUser(ctx context.Context, name string) error {
	return s.update("delete_user", func(snap *Snapshot) { delete(snap.Users, name) })
}

func (s *JSONStore) PutSessions(ctx context.Context, sessions ...Session) error {
	return s.update("put_sessions", func(snap *Snapshot) {
		for _, sess := range sessions {
			snap.Sessions[sess.Token] = sess
		}
	})
}

func (s *JSONStore) DeleteSessions(ctx context.Context, tokens ...string) error {
	return s.update("delete_sessions", func(snap *Snapshot) {
		for _, t := range tokens {
			delete(snap.Sessions, t)
		}
	})
}

func (s *JSONStore) PutShortlink(ctx context.Context, token, path string) error {
	return s.update("put_shortlink", func(snap *Snapshot) { snap.Shortlinks[token] = path })
}

func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) update(op string, fn func(*Snapshot)) error {
	start := time.Now()
	defer func() { metrics.RecordStoreOp("json", op, time.Since(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.snap)
	return s.write()
}

// write must be called with s.mu held.
func (s *JSONStore) write() error {
	data, err := json.MarshalIndent(s.snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode db: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".livedrive-db-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp db: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp db: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp db: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp db: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp db: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename db: %w", err)
	}
	return nil
}
