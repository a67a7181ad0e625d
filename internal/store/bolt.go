package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/curfew/internal/ledger"
)

// Bucket names in bbolt
var (
	bucketWarnings   = []byte("warnings")
	bucketIdentities = []byte("users")
	bucketUserIndex  = []byte("users_by_slack_id")
)

// BoltStore persists the ledger in a single bbolt file. bbolt allows one
// writer at a time, so every Mutate is serialized with every other write.
type BoltStore struct {
	db   *bbolt.DB
	path string
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketWarnings, bucketIdentities, bucketUserIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, path: path}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Get returns the record for id.
func (s *BoltStore) Get(_ context.Context, id string) (ledger.WarningRecord, error) {
	var rec ledger.WarningRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketWarnings).Get([]byte(id))
		if raw == nil {
			return ledger.ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

// List returns all records ordered by instance id.
func (s *BoltStore) List(_ context.Context) ([]ledger.WarningRecord, error) {
	var records []ledger.WarningRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWarnings).ForEach(func(_, v []byte) error {
			var rec ledger.WarningRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list warnings: %w", err)
	}
	return records, nil
}

// Mutate runs fn inside a bbolt write transaction.
func (s *BoltStore) Mutate(_ context.Context, id string, fn ledger.MutateFunc) (ledger.Mutation, error) {
	var result ledger.Mutation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWarnings)
		key := []byte(id)

		var current *ledger.WarningRecord
		if raw := bucket.Get(key); raw != nil {
			var rec ledger.WarningRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode warning %s: %w", id, err)
			}
			current = &rec
		}

		m, err := fn(current)
		if err != nil {
			return err
		}
		m, err = ledger.Finalize(id, current, m)
		if err != nil {
			return err
		}

		switch m.Op {
		case ledger.OpPut:
			value, err := json.Marshal(m.Record)
			if err != nil {
				return err
			}
			if err := bucket.Put(key, value); err != nil {
				return err
			}
		case ledger.OpDelete:
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		result = m
		return nil
	})
	if err != nil {
		return ledger.Mutation{}, err
	}
	return result, nil
}

// GetIdentity returns the cached identity for email.
func (s *BoltStore) GetIdentity(_ context.Context, email string) (ledger.IdentityRecord, error) {
	var rec ledger.IdentityRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketIdentities).Get([]byte(email))
		if raw == nil {
			return ledger.ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

// PutIdentity stores rec and keeps the user id index unique.
func (s *BoltStore) PutIdentity(_ context.Context, rec ledger.IdentityRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketIdentities)
		index := tx.Bucket(bucketUserIndex)

		// Drop the old index entry if this email changed user id.
		if raw := users.Get([]byte(rec.Email)); raw != nil {
			var prev ledger.IdentityRecord
			if err := json.Unmarshal(raw, &prev); err == nil && prev.UserID != rec.UserID {
				if err := index.Delete([]byte(prev.UserID)); err != nil {
					return err
				}
			}
		}

		// Evict another email that still claims this user id.
		if owner := index.Get([]byte(rec.UserID)); owner != nil && string(owner) != rec.Email {
			if err := users.Delete(owner); err != nil {
				return err
			}
		}

		if err := index.Put([]byte(rec.UserID), []byte(rec.Email)); err != nil {
			return err
		}
		return users.Put([]byte(rec.Email), value)
	})
}

// DeleteIdentity removes the identity for email.
func (s *BoltStore) DeleteIdentity(_ context.Context, email string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketIdentities)
		raw := users.Get([]byte(email))
		if raw == nil {
			return nil
		}
		var rec ledger.IdentityRecord
		if err := json.Unmarshal(raw, &rec); err == nil {
			if err := tx.Bucket(bucketUserIndex).Delete([]byte(rec.UserID)); err != nil {
				return err
			}
		}
		return users.Delete([]byte(email))
	})
}
