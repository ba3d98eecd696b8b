package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fruitsalade/livedrive/internal/metrics"
)

var (
	usersBucket      = []byte("users")
	sessionsBucket   = []byte("sessions")
	shortlinksBucket = []byte("shortlinks")
)

// BoltStore keeps one bucket per record kind. Each mutation is a single
// bolt transaction.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens or creates the bolt database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{usersBucket, sessionsBucket, shortlinksBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()
	err := s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(usersBucket).ForEach(func(k, v []byte) error {
			var u User
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("decode user %s: %w", k, err)
			}
			u.Name = string(k)
			snap.Users[u.Name] = u
			return nil
		})
		if err != nil {
			return err
		}
		err = tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
			sess.Token = string(k)
			snap.Sessions[sess.Token] = sess
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(shortlinksBucket).ForEach(func(k, v []byte) error {
			snap.Shortlinks[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *BoltStore) PutUser(ctx context.Context, u User) error {
	v, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	return s.update("put_user", func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).Put([]byte(u.Name), v)
	})
}

func (s *BoltStore) DeleteUser(ctx context.Context, name string) error {
	return s.update("delete_user", func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).Delete([]byte(name))
	})
}

func (s *BoltStore) PutSessions(ctx context.Context, sessions ...Session) error {
	return s.update("put_sessions", func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		for _, sess := range sessions {
			v, err := json.Marshal(sess)
			if err != nil {
				return fmt.Errorf("encode session: %w", err)
			}
			if err := b.Put([]byte(sess.Token), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) DeleteSessions(ctx context.Context, tokens ...string) error {
	return s.update("delete_sessions", func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		for _, t := range tokens {
			if err := b.Delete([]byte(t)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) PutShortlink(ctx context.Context, token, path string) error {
	return s.update("put_shortlink", func(tx *bolt.Tx) error {
		return tx.Bucket(shortlinksBucket).Put([]byte(token), []byte(path))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) update(op string, fn func(*bolt.Tx) error) error {
	start := time.Now()
	defer func() { metrics.RecordStoreOp("bolt", op, time.Since(start)) }()
	return s.db.Update(fn)
}
