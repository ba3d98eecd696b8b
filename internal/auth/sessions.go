// Package auth provides password authentication, cookie sessions and the
// user records they are checked against.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/livedrive/internal/apperr"
	"github.com/fruitsalade/livedrive/internal/logging"
	"github.com/fruitsalade/livedrive/internal/metrics"
	"github.com/fruitsalade/livedrive/internal/store"
)

// Session is a logged-in (or anonymous) client.
type Session struct {
	Token      string
	Username   string // empty when anonymous
	Privileged bool

	lastSeen atomic.Int64 // unix ms, 0 = never
}

// LastSeen returns when the session was last resolved.
func (s *Session) LastSeen() time.Time {
	ms := s.lastSeen.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Anonymous reports whether the session belongs to no user.
func (s *Session) Anonymous() bool {
	return s.Username == ""
}

func (s *Session) record() store.Session {
	return store.Session{
		Token:      s.Token,
		Username:   s.Username,
		Privileged: s.Privileged,
		LastSeen:   s.LastSeen(),
	}
}

// Options configures a Store.
type Options struct {
	TTL        time.Duration // idle lifetime of a session
	BcryptCost int
	Now        func() time.Time
}

// Store authenticates users and owns all sessions.
type Store struct {
	persist store.Store
	ttl     time.Duration
	cost    int
	now     func() time.Time

	// usersMu serializes password-store mutations including their writes.
	usersMu sync.RWMutex
	users   map[string]store.User

	sessionsMu sync.RWMutex
	sessions   map[string]*Session
}

// NewStore builds a Store from a loaded snapshot.
func NewStore(persist store.Store, snap *store.Snapshot, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 30 * 24 * time.Hour
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		persist:  persist,
		ttl:      opts.TTL,
		cost:     opts.BcryptCost,
		now:      opts.Now,
		users:    make(map[string]store.User, len(snap.Users)),
		sessions: make(map[string]*Session, len(snap.Sessions)),
	}
	for name, u := range snap.Users {
		s.users[name] = u
	}
	for token, rec := range snap.Sessions {
		sess := &Session{Token: token, Username: rec.Username, Privileged: rec.Privileged}
		if !rec.LastSeen.IsZero() {
			sess.lastSeen.Store(rec.LastSeen.UnixMilli())
		}
		s.sessions[token] = sess
	}
	metrics.SetActiveSessions(len(s.sessions))
	return s
}

// CheckCredentials verifies a password without opening a session. It
// returns the user's privilege flag.
func (s *Store) CheckCredentials(username, password string) (bool, error) {
	s.usersMu.RLock()
	u, ok := s.users[username]
	s.usersMu.RUnlock()

	if !ok || !verifyPassword(u.Hash, password, username) {
		metrics.RecordAuthAttempt(false)
		logging.Warn("login failed", zap.String("user", username), zap.Bool("known", ok))
		return false, apperr.ErrInvalidCredentials
	}
	return u.Privileged, nil
}

// Authenticate checks a password and opens a session for the user.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*Session, error) {
	privileged, err := s.CheckCredentials(username, password)
	if err != nil {
		return nil, err
	}

	sess, err := s.CreateSession(ctx, username, privileged)
	if err != nil {
		return nil, err
	}
	metrics.RecordAuthAttempt(true)
	logging.Info("login successful", zap.String("user", username))
	return sess, nil
}

// CreateSession stores a new session. An empty username creates an
// anonymous session.
func (s *Store) CreateSession(ctx context.Context, username string, privileged bool) (*Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	sess := &Session{Token: token, Username: username, Privileged: privileged}
	sess.lastSeen.Store(s.now().UnixMilli())

	s.sessionsMu.Lock()
	if err := s.persist.PutSessions(ctx, sess.record()); err != nil {
		s.sessionsMu.Unlock()
		return nil, fmt.Errorf("store session: %w", err)
	}
	s.sessions[token] = sess
	n := len(s.sessions)
	s.sessionsMu.Unlock()

	metrics.SetActiveSessions(n)
	return sess, nil
}

// Resolve looks up a session and refreshes its last-seen time.
func (s *Store) Resolve(token string) (*Session, error) {
	s.sessionsMu.RLock()
	sess, ok := s.sessions[token]
	s.sessionsMu.RUnlock()
	if !ok {
		return nil, apperr.ErrNotFound
	}

	now := s.now()
	if s.expired(sess, now) {
		return nil, apperr.ErrNotFound
	}
	sess.lastSeen.Store(now.UnixMilli())
	return sess, nil
}

// Invalidate removes a session. Unknown tokens are ignored.
func (s *Store) Invalidate(ctx context.Context, token string) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	if _, ok := s.sessions[token]; !ok {
		return nil
	}
	delete(s.sessions, token)
	metrics.SetActiveSessions(len(s.sessions))
	return s.persist.DeleteSessions(ctx, token)
}

func (s *Store) expired(sess *Session, now time.Time) bool {
	last := sess.lastSeen.Load()
	return last == 0 || now.Sub(time.UnixMilli(last)) >= s.ttl
}

// Sweep removes idle sessions and persists the last-seen time of the rest.
// It returns the number of sessions removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	var dead []string
	var live []store.Session

	// Writes happen under the lock so a concurrent Invalidate cannot be
	// undone by re-persisting a session it just removed.
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	for token, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, token)
			dead = append(dead, token)
			continue
		}
		live = append(live, sess.record())
	}
	metrics.SetActiveSessions(len(s.sessions))
	if len(dead) > 0 {
		if err := s.persist.DeleteSessions(ctx, dead...); err != nil {
			return len(dead), fmt.Errorf("delete expired sessions: %w", err)
		}
	}
	if len(live) > 0 {
		if err := s.persist.PutSessions(ctx, live...); err != nil {
			return len(dead), fmt.Errorf("persist sessions: %w", err)
		}
	}
	return len(dead), nil
}

// AddOrUpdateUser sets a user's password and privilege. It reports whether
// the user was new.
func (s *Store) AddOrUpdateUser(ctx context.Context, name, password string, privileged bool) (bool, error) {
	if name == "" || password == "" {
		return false, apperr.New(apperr.ErrValidation, "username and password required")
	}
	hash, err := hashPassword(password, name, s.cost)
	if err != nil {
		return false, err
	}

	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	_, exists := s.users[name]
	u := store.User{Name: name, Hash: hash, Privileged: privileged}
	if err := s.persist.PutUser(ctx, u); err != nil {
		return false, fmt.Errorf("store user %s: %w", name, err)
	}
	s.users[name] = u
	return !exists, nil
}

// DeleteUser removes a user and every session that belongs to them.
func (s *Store) DeleteUser(ctx context.Context, name string) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	if _, ok := s.users[name]; !ok {
		return apperr.New(apperr.ErrNotFound, fmt.Sprintf("user %s not found", name))
	}
	if err := s.persist.DeleteUser(ctx, name); err != nil {
		return fmt.Errorf("delete user %s: %w", name, err)
	}
	delete(s.users, name)

	var tokens []string
	s.sessionsMu.Lock()
	for token, sess := range s.sessions {
		if sess.Username == name {
			delete(s.sessions, token)
			tokens = append(tokens, token)
		}
	}
	n := len(s.sessions)
	s.sessionsMu.Unlock()

	metrics.SetActiveSessions(n)
	if len(tokens) > 0 {
		return s.persist.DeleteSessions(ctx, tokens...)
	}
	return nil
}

// Users returns every user name mapped to its privilege flag.
func (s *Store) Users() map[string]bool {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()

	out := make(map[string]bool, len(s.users))
	for name, u := range s.users {
		out[name] = u.Privileged
	}
	return out
}

// UserNames returns the sorted user names.
func (s *Store) UserNames() []string {
	users := s.Users()
	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FirstRun reports whether no user exists yet.
func (s *Store) FirstRun() bool {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	return len(s.users) == 0
}

// Count returns the number of stored sessions.
func (s *Store) Count() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
