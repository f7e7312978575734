package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gabriielgouvea/AssinaGym/model"
)

// ErrSessionNotFound is returned for tokens that were never issued,
// have already been consumed, or have expired.
var ErrSessionNotFound = errors.New("signing session not found")

// SessionStore keeps pending signing sessions keyed by token.
// Implementations must be safe for concurrent use.
type SessionStore interface {
	// Put stores the session unconditionally, replacing any previous one.
	Put(ctx context.Context, session *model.PendingSession) error
	Get(ctx context.Context, token string) (*model.PendingSession, error)
	// Take removes and returns the session in one step. Of several
	// concurrent callers for the same token, only one succeeds.
	Take(ctx context.Context, token string) (*model.PendingSession, error)
	Remove(ctx context.Context, token string) error
	Count(ctx context.Context) (int, error)
}

// MemorySessionStore is an in-memory SessionStore. Sessions are lost on
// restart.
type MemorySessionStore struct {
	sessions    map[string]*model.PendingSession
	mu          sync.RWMutex
	maxSessions int           // Maximum sessions to keep, 0 = unlimited
	ttl         time.Duration // 0 = sessions never expire
	now         func() time.Time
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore(maxSessions int, ttl time.Duration) *MemorySessionStore {
	if maxSessions < 0 {
		maxSessions = 0
	}
	slog.Info("session store initialized",
		"backend", "memory",
		"max_sessions", maxSessions,
		"ttl", ttl.String(),
	)
	return &MemorySessionStore{
		sessions:    make(map[string]*model.PendingSession),
		maxSessions: maxSessions,
		ttl:         ttl,
		now:         time.Now,
	}
}

func (s *MemorySessionStore) Put(_ context.Context, session *model.PendingSession) error {
	stored := *session
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[stored.Token] = &stored

	s.sweepExpired()
	s.cleanupIfNeeded(stored.Token)
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, token string) (*model.PendingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[token]
	if !ok || s.expired(session) {
		return nil, ErrSessionNotFound
	}
	found := *session
	return &found, nil
}

func (s *MemorySessionStore) Take(_ context.Context, token string) (*model.PendingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	delete(s.sessions, token)
	if s.expired(session) {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *MemorySessionStore) Remove(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}

// Count returns the number of live sessions in the store
func (s *MemorySessionStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, session := range s.sessions {
		if !s.expired(session) {
			n++
		}
	}
	return n, nil
}

func (s *MemorySessionStore) expired(session *model.PendingSession) bool {
	return s.ttl > 0 && s.now().Sub(session.CreatedAt) > s.ttl
}

// sweepExpired drops expired sessions.
// Must be called with lock held
func (s *MemorySessionStore) sweepExpired() {
	if s.ttl <= 0 {
		return
	}
	for token, session := range s.sessions {
		if s.expired(session) {
			delete(s.sessions, token)
		}
	}
}

// cleanupIfNeeded removes oldest sessions if store exceeds maxSessions,
// never the one just written: a restored session keeps its old CreatedAt.
// Must be called with lock held
func (s *MemorySessionStore) cleanupIfNeeded(keep string) {
	if s.maxSessions <= 0 {
		return // Unlimited
	}

	if len(s.sessions) <= s.maxSessions {
		return
	}

	sessions := make([]*model.PendingSession, 0, len(s.sessions))
	for token, session := range s.sessions {
		if token != keep {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	removeCount := len(s.sessions) - s.maxSessions
	for i := 0; i < removeCount; i++ {
		slog.Info("evicting oldest signing session",
			"created_at", sessions[i].CreatedAt,
		)
		delete(s.sessions, sessions[i].Token)
	}
}
