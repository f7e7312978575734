package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gabriielgouvea/AssinaGym/model"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS pending_sessions (
	token      TEXT PRIMARY KEY,
	record     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS pending_sessions_created_at ON pending_sessions (created_at);
`

// SQLiteSessionStore keeps pending sessions in a SQLite database so
// links survive a restart.
type SQLiteSessionStore struct {
	pool        *sqlitex.Pool
	path        string
	maxSessions int
	ttl         time.Duration
	now         func() time.Time
}

// OpenSQLiteSessionStore opens (creating if needed) the database at path.
func OpenSQLiteSessionStore(path string, maxSessions int, ttl time.Duration) (*SQLiteSessionStore, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: 4,
		PrepareConn: func(conn *sqlite.Conn) error {
			if err := sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout = 5000", nil); err != nil {
				return fmt.Errorf("set busy_timeout: %w", err)
			}
			return sqlitex.ExecuteScript(conn, sessionSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open session database %s: %w", path, err)
	}

	slog.Info("session store initialized",
		"backend", "sqlite",
		"path", path,
		"max_sessions", maxSessions,
		"ttl", ttl.String(),
	)

	return &SQLiteSessionStore{
		pool:        pool,
		path:        path,
		maxSessions: maxSessions,
		ttl:         ttl,
		now:         time.Now,
	}, nil
}

// Close closes every pooled connection.
func (s *SQLiteSessionStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("close session database %s: %w", s.path, err)
	}
	return nil
}

func (s *SQLiteSessionStore) Put(ctx context.Context, session *model.PendingSession) (err error) {
	record, err := json.Marshal(session.Record)
	if err != nil {
		return fmt.Errorf("encode client record: %w", err)
	}
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session store: put: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("session store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO pending_sessions (token, record, created_at) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{session.Token, string(record), createdAt.UnixNano()}})
	if err != nil {
		return fmt.Errorf("session store: insert: %w", err)
	}

	if s.ttl > 0 {
		err = sqlitex.Execute(conn,
			`DELETE FROM pending_sessions WHERE created_at < ?`,
			&sqlitex.ExecOptions{Args: []any{s.cutoff()}})
		if err != nil {
			return fmt.Errorf("session store: sweep expired: %w", err)
		}
	}

	if s.maxSessions > 0 {
		err = sqlitex.Execute(conn,
			`DELETE FROM pending_sessions WHERE token != ? AND token NOT IN (
				SELECT token FROM pending_sessions WHERE token != ? ORDER BY created_at DESC LIMIT ?)`,
			&sqlitex.ExecOptions{Args: []any{session.Token, session.Token, s.maxSessions - 1}})
		if err != nil {
			return fmt.Errorf("session store: evict oldest: %w", err)
		}
	}

	return nil
}

func (s *SQLiteSessionStore) Get(ctx context.Context, token string) (*model.PendingSession, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session store: get: %w", err)
	}
	defer s.pool.Put(conn)

	return s.lookup(conn, token)
}

func (s *SQLiteSessionStore) Take(ctx context.Context, token string) (session *model.PendingSession, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session store: take: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("session store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	session, err = s.lookup(conn, token)
	if err != nil {
		return nil, err
	}

	err = sqlitex.Execute(conn,
		`DELETE FROM pending_sessions WHERE token = ?`,
		&sqlitex.ExecOptions{Args: []any{token}})
	if err != nil {
		return nil, fmt.Errorf("session store: delete: %w", err)
	}
	return session, nil
}

func (s *SQLiteSessionStore) Remove(ctx context.Context, token string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session store: remove: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`DELETE FROM pending_sessions WHERE token = ?`,
		&sqlitex.ExecOptions{Args: []any{token}})
}

func (s *SQLiteSessionStore) Count(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("session store: count: %w", err)
	}
	defer s.pool.Put(conn)

	var count int
	err = sqlitex.Execute(conn,
		`SELECT COUNT(*) FROM pending_sessions WHERE created_at >= ?`,
		&sqlitex.ExecOptions{
			Args: []any{s.cutoff()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("session store: count: %w", err)
	}
	return count, nil
}

// lookup reads a live session on an already borrowed connection.
func (s *SQLiteSessionStore) lookup(conn *sqlite.Conn, token string) (*model.PendingSession, error) {
	var (
		found     bool
		recordRaw string
		createdAt int64
	)
	err := sqlitex.Execute(conn,
		`SELECT record, created_at FROM pending_sessions WHERE token = ?`,
		&sqlitex.ExecOptions{
			Args: []any{token},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				recordRaw = stmt.ColumnText(0)
				createdAt = stmt.ColumnInt64(1)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session store: select: %w", err)
	}
	if !found || createdAt < s.cutoff() {
		return nil, ErrSessionNotFound
	}

	session := &model.PendingSession{
		Token:     token,
		CreatedAt: time.Unix(0, createdAt),
	}
	if err := json.Unmarshal([]byte(recordRaw), &session.Record); err != nil {
		return nil, fmt.Errorf("session store: decode client record: %w", err)
	}
	return session, nil
}

// cutoff is the oldest creation time, in unix nanoseconds, that is still
// live. Without a TTL every session is live.
func (s *SQLiteSessionStore) cutoff() int64 {
	if s.ttl <= 0 {
		return 0
	}
	return s.now().Add(-s.ttl).UnixNano()
}
