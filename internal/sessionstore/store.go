// Package sessionstore is the Session Registry: storage-backed
// player-session and server-grant records (spec §3, §5). The core only
// requires atomic put/delete and a read that may be stale by up to one
// write; this package defines that contract as an interface so a
// deployment can swap in any key/value store without the core noticing.
// Two implementations ship: NewMemoryStore (the default, lost on restart)
// and NewFileStore (single-node durability across restarts via a
// write-temp-then-rename JSON snapshot).
package sessionstore

import (
	"context"
	"sync"
	"time"
)

// SessionRecord is a player's session, created by NewSession, renewed by
// RefreshSession, and removed by DeleteSession.
type SessionRecord struct {
	PlayerID       string
	SessionTokenID string
	Issuer         string
	CreatedAt      time.Time
	Audience       string // set once a session becomes server-scoped
}

// GrantRecord is a server-scoped authorization grant, created by Authorize.
type GrantRecord struct {
	PlayerID     string
	GrantTokenID string
	Audience     string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Store is the Session Registry's storage contract. Implementations must
// make Put/Delete atomic per key and may return a Get that's stale by at
// most one concurrent write — the core tolerates that (spec §5).
type Store interface {
	PutSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, sessionTokenID string) (SessionRecord, bool, error)
	DeleteSession(ctx context.Context, sessionTokenID string) error

	PutGrant(ctx context.Context, rec GrantRecord) error
	GetGrant(ctx context.Context, grantTokenID string) (GrantRecord, bool, error)
	DeleteGrant(ctx context.Context, grantTokenID string) error
}

// memoryStore is the default in-process Store: two maps behind one mutex.
// It satisfies the staleness contract trivially (there is no staleness),
// which is a stricter guarantee than the interface requires, not a
// violation of it.
type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	grants   map[string]GrantRecord
}

// NewMemoryStore returns a Store backed by an in-process map. It is the
// default when no external store is configured; all state is lost on
// restart.
func NewMemoryStore() Store {
	return &memoryStore{
		sessions: make(map[string]SessionRecord),
		grants:   make(map[string]GrantRecord),
	}
}

func (s *memoryStore) PutSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.SessionTokenID] = rec
	return nil
}

func (s *memoryStore) GetSession(_ context.Context, sessionTokenID string) (SessionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionTokenID]
	return rec, ok, nil
}

func (s *memoryStore) DeleteSession(_ context.Context, sessionTokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionTokenID)
	return nil
}

func (s *memoryStore) PutGrant(_ context.Context, rec GrantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[rec.GrantTokenID] = rec
	return nil
}

func (s *memoryStore) GetGrant(_ context.Context, grantTokenID string) (GrantRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.grants[grantTokenID]
	return rec, ok, nil
}

func (s *memoryStore) DeleteGrant(_ context.Context, grantTokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, grantTokenID)
	return nil
}
