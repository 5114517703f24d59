package credstore

import (
	"context"
	"sync"
	"time"

	"github.com/StricklySoft/nest-gateway/pkg/auth"
	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

// MemoryStore is a process-local [Store]. It honours TTLs and lock leases
// against its clock.
type MemoryStore struct {
	opts options

	mu      sync.Mutex
	records map[auth.SessionRef]memoryEntry
	locks   map[auth.SessionRef]*Lock
}

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore. WithKeyPrefix is ignored.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:    applyOptions(opts),
		records: make(map[auth.SessionRef]memoryEntry),
		locks:   make(map[auth.SessionRef]*Lock),
	}
}

// live returns the entry for ref, evicting it if expired. Callers hold mu.
func (s *MemoryStore) live(ref auth.SessionRef) (memoryEntry, bool) {
	e, ok := s.records[ref]
	if !ok {
		return memoryEntry{}, false
	}
	if !s.opts.now().Before(e.expiresAt) {
		delete(s.records, ref)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Get(_ context.Context, ref auth.SessionRef) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(ref)
	if !ok {
		return nil, sessionNotFound(ref)
	}
	rec := e.rec
	return &rec, nil
}

func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(rec.Ref); ok {
		return sserr.New(sserr.CodeConflictAlreadyExists, "credstore: session already exists")
	}
	now := s.opts.now()
	rec.Revision = 1
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.Ref] = memoryEntry{rec: *rec, expiresAt: now.Add(s.opts.ttl)}
	return nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, rec *Record, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(rec.Ref)
	if !ok || e.rec.Revision != expected {
		return revisionConflict(rec.Ref, expected)
	}
	now := s.opts.now()
	rec.Revision = expected + 1
	rec.UpdatedAt = now
	s.records[rec.Ref] = memoryEntry{rec: *rec, expiresAt: now.Add(s.opts.ttl)}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, ref auth.SessionRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, ref)
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, ref auth.SessionRef, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(ref)
	if !ok {
		return nil
	}
	e.expiresAt = s.opts.now().Add(ttl)
	s.records[ref] = e
	return nil
}

func (s *MemoryStore) TryLock(_ context.Context, ref auth.SessionRef, lease time.Duration) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.now()
	if held, ok := s.locks[ref]; ok && now.Before(held.ExpiresAt) {
		return nil, nil
	}
	l := newLock(ref, now, lease)
	s.locks[ref] = l
	return l, nil
}

func (s *MemoryStore) Unlock(_ context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[l.Ref]; ok && held.Owner == l.Owner {
		delete(s.locks, l.Ref)
	}
	return nil
}
