package store

import (
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/yairfalse/curfew/internal/ledger"
)

// MemoryStore keeps the ledger in process memory. Records are ordered by
// instance id so List is stable. Used for dry runs and tests.
type MemoryStore struct {
	mu         sync.Mutex
	warnings   *btree.BTreeG[ledger.WarningRecord]
	identities map[string]ledger.IdentityRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		warnings: btree.NewG[ledger.WarningRecord](32, func(a, b ledger.WarningRecord) bool {
			return a.ResourceID < b.ResourceID
		}),
		identities: make(map[string]ledger.IdentityRecord),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Get returns the record for id.
func (s *MemoryStore) Get(_ context.Context, id string) (ledger.WarningRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found := s.warnings.Get(ledger.WarningRecord{ResourceID: id})
	if !found {
		return ledger.WarningRecord{}, ledger.ErrNotFound
	}
	return rec.Clone(), nil
}

// List returns all records ordered by instance id.
func (s *MemoryStore) List(_ context.Context) ([]ledger.WarningRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]ledger.WarningRecord, 0, s.warnings.Len())
	s.warnings.Ascend(func(rec ledger.WarningRecord) bool {
		records = append(records, rec.Clone())
		return true
	})
	return records, nil
}

// Mutate runs fn under the store lock.
func (s *MemoryStore) Mutate(_ context.Context, id string, fn ledger.MutateFunc) (ledger.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *ledger.WarningRecord
	if rec, found := s.warnings.Get(ledger.WarningRecord{ResourceID: id}); found {
		c := rec.Clone()
		current = &c
	}

	m, err := fn(current)
	if err != nil {
		return ledger.Mutation{}, err
	}
	m, err = ledger.Finalize(id, current, m)
	if err != nil {
		return ledger.Mutation{}, err
	}

	switch m.Op {
	case ledger.OpPut:
		s.warnings.ReplaceOrInsert(m.Record.Clone())
	case ledger.OpDelete:
		s.warnings.Delete(ledger.WarningRecord{ResourceID: id})
	}
	return m, nil
}

// GetIdentity returns the cached identity for email.
func (s *MemoryStore) GetIdentity(_ context.Context, email string) (ledger.IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.identities[email]
	if !ok {
		return ledger.IdentityRecord{}, ledger.ErrNotFound
	}
	return rec, nil
}

// PutIdentity stores rec, evicting any other email holding the same user id.
func (s *MemoryStore) PutIdentity(_ context.Context, rec ledger.IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for email, other := range s.identities {
		if email != rec.Email && other.UserID == rec.UserID {
			delete(s.identities, email)
		}
	}
	s.identities[rec.Email] = rec
	return nil
}

// DeleteIdentity removes the identity for email.
func (s *MemoryStore) DeleteIdentity(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.identities, email)
	return nil
}
