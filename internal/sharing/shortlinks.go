// Package sharing manages shortlinks: short random tokens that grant a
// download of exactly one file or folder without a session.
package sharing

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"github.com/fruitsalade/livedrive/internal/apperr"
	"github.com/fruitsalade/livedrive/internal/metrics"
	"github.com/fruitsalade/livedrive/internal/store"
)

// Alphabet omits l, 1, i, o and 0 so links survive being read aloud.
const Alphabet = "abcdefghjkmnpqrstuvwxyz23456789"

// maxAttempts bounds collision retries before giving up on a length.
const maxAttempts = 100

// LinkStore maps tokens to absolute paths.
type LinkStore struct {
	mu      sync.Mutex
	persist store.Store
	length  int
	links   map[string]string // token -> path
	byPath  map[string]string // path -> token
	gen     func(n int) (string, error)
}

// NewLinkStore builds a LinkStore from a loaded snapshot.
func NewLinkStore(persist store.Store, snap *store.Snapshot, length int) *LinkStore {
	s := &LinkStore{
		persist: persist,
		length:  length,
		links:   make(map[string]string, len(snap.Shortlinks)),
		byPath:  make(map[string]string, len(snap.Shortlinks)),
		gen:     generateToken,
	}
	for token, path := range snap.Shortlinks {
		s.links[token] = path
		s.byPath[path] = token
	}
	metrics.SetShortlinks(len(s.links))
	return s
}

// Get returns the token for path, creating and persisting one if none
// exists yet.
func (s *LinkStore) Get(ctx context.Context, path string) (token string, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token, ok := s.byPath[path]; ok {
		return token, false, nil
	}

	for i := 0; ; i++ {
		if i == maxAttempts {
			return "", false, fmt.Errorf("no free shortlink of length %d after %d attempts", s.length, maxAttempts)
		}
		token, err = s.gen(s.length)
		if err != nil {
			return "", false, err
		}
		if _, taken := s.links[token]; !taken {
			break
		}
	}

	if err := s.persist.PutShortlink(ctx, token, path); err != nil {
		return "", false, fmt.Errorf("store shortlink: %w", err)
	}
	s.links[token] = path
	s.byPath[path] = token
	metrics.SetShortlinks(len(s.links))
	return token, true, nil
}

// Lookup returns the path for token. Tokens issued under an earlier link
// length keep working.
func (s *LinkStore) Lookup(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.links[token]
	if !ok {
		return "", apperr.ErrNotFound
	}
	return path, nil
}

func generateToken(n int) (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		b[i] = Alphabet[idx.Int64()]
	}
	return string(b), nil
}
