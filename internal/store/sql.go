package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/fruitsalade/livedrive/internal/logging"
	"github.com/fruitsalade/livedrive/internal/metrics"
	"go.uber.org/zap"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		name       TEXT PRIMARY KEY,
		hash       TEXT NOT NULL,
		privileged BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		token      TEXT PRIMARY KEY,
		username   TEXT NOT NULL DEFAULT '',
		privileged BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen  BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS shortlinks (
		token TEXT PRIMARY KEY,
		path  TEXT NOT NULL
	)`,
}

// SQLStore persists state in SQLite (modernc, pure Go) or PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

// OpenSQL connects to the database and creates missing tables. driver is
// "sqlite" (dsn is a file path) or "postgres" (dsn is a connection URL).
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver == "sqlite" && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == "sqlite" {
		// SQLite allows one writer; serializing here avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	logging.Debug("store schema ready", zap.String("driver", s.driver))
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()

	rows, err := s.db.QueryContext(ctx, `SELECT name, hash, privileged FROM users`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Name, &u.Hash, &u.Privileged); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan user: %w", err)
		}
		snap.Users[u.Name] = u
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT token, username, privileged, last_seen FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	for rows.Next() {
		var sess Session
		var lastSeen int64
		if err := rows.Scan(&sess.Token, &sess.Username, &sess.Privileged, &lastSeen); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if lastSeen > 0 {
			sess.LastSeen = time.UnixMilli(lastSeen)
		}
		snap.Sessions[sess.Token] = sess
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT token, path FROM shortlinks`)
	if err != nil {
		return nil, fmt.Errorf("query shortlinks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var token, path string
		if err := rows.Scan(&token, &path); err != nil {
			return nil, fmt.Errorf("scan shortlink: %w", err)
		}
		snap.Shortlinks[token] = path
	}
	return snap, rows.Err()
}

func (s *SQLStore) PutUser(ctx context.Context, u User) error {
	return s.exec(ctx, "put_user", `
		INSERT INTO users (name, hash, privileged) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET hash = excluded.hash, privileged = excluded.privileged`,
		u.Name, u.Hash, u.Privileged)
}

func (s *SQLStore) DeleteUser(ctx context.Context, name string) error {
	return s.exec(ctx, "delete_user", `DELETE FROM users WHERE name = ?`, name)
}

func (s *SQLStore) PutSessions(ctx context.Context, sessions ...Session) error {
	return s.tx(ctx, "put_sessions", func(tx *sql.Tx) error {
		stmt := s.rebind(`
			INSERT INTO sessions (token, username, privileged, last_seen) VALUES (?, ?, ?, ?)
			ON CONFLICT (token) DO UPDATE SET last_seen = excluded.last_seen`)
		for _, sess := range sessions {
			var lastSeen int64
			if !sess.LastSeen.IsZero() {
				lastSeen = sess.LastSeen.UnixMilli()
			}
			if _, err := tx.ExecContext(ctx, stmt, sess.Token, sess.Username, sess.Privileged, lastSeen); err != nil {
				return fmt.Errorf("put session: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) DeleteSessions(ctx context.Context, tokens ...string) error {
	return s.tx(ctx, "delete_sessions", func(tx *sql.Tx) error {
		stmt := s.rebind(`DELETE FROM sessions WHERE token = ?`)
		for _, t := range tokens {
			if _, err := tx.ExecContext(ctx, stmt, t); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) PutShortlink(ctx context.Context, token, path string) error {
	return s.exec(ctx, "put_shortlink", `
		INSERT INTO shortlinks (token, path) VALUES (?, ?)
		ON CONFLICT (token) DO UPDATE SET path = excluded.path`,
		token, path)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...any) error {
	start := time.Now()
	defer func() { metrics.RecordStoreOp(s.driver, op, time.Since(start)) }()

	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *SQLStore) tx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	start := time.Now()
	defer func() { metrics.RecordStoreOp(s.driver, op, time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}
