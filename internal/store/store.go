// Package store persists users, sessions and shortlinks.
//
// Every backend loads the full state once at startup and writes each
// mutation through before returning.
package store

import (
	"context"
	"fmt"
	"time"
)

// User is a stored account. Hash has the form "hash$salt".
type User struct {
	Name       string `json:"-"`
	Hash       string `json:"hash"`
	Privileged bool   `json:"privileged"`
}

// Session is a stored login session. Username is empty for anonymous sessions.
type Session struct {
	Token      string    `json:"-"`
	Username   string    `json:"username,omitempty"`
	Privileged bool      `json:"privileged"`
	LastSeen   time.Time `json:"lastSeen"`
}

// Snapshot is the full persisted state.
type Snapshot struct {
	Users      map[string]User    `json:"users"`
	Sessions   map[string]Session `json:"sessions"`
	Shortlinks map[string]string  `json:"shortlinks"` // token -> absolute path
}

// NewSnapshot returns an empty snapshot with initialized maps.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Users:      make(map[string]User),
		Sessions:   make(map[string]Session),
		Shortlinks: make(map[string]string),
	}
}

// Store is implemented by every persistence backend.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	PutUser(ctx context.Context, u User) error
	DeleteUser(ctx context.Context, name string) error
	PutSessions(ctx context.Context, sessions ...Session) error
	DeleteSessions(ctx context.Context, tokens ...string) error
	PutShortlink(ctx context.Context, token, path string) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend     string // json, bolt, sqlite, postgres
	Path        string
	DatabaseURL string
}

// Open creates the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "json", "":
		return OpenJSON(cfg.Path)
	case "bolt":
		return OpenBolt(cfg.Path)
	case "sqlite":
		return OpenSQL(ctx, "sqlite", cfg.Path)
	case "postgres":
		return OpenSQL(ctx, "postgres", cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}
