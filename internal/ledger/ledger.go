package ledger

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a concurrent writer won a compare-and-set.
	ErrConflict = errors.New("concurrent modification")
)

// Op is the write a MutateFunc asks for.
type Op int

const (
	// OpKeep leaves the ledger untouched.
	OpKeep Op = iota
	// OpPut creates or replaces the record.
	OpPut
	// OpDelete removes the record.
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpKeep:
		return "keep"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Mutation is the outcome of a MutateFunc. After Mutate commits, Record
// holds the stored record for OpPut and the prior record otherwise.
type Mutation struct {
	Op     Op
	Record WarningRecord
}

// Keep leaves the record as is.
func Keep() Mutation { return Mutation{Op: OpKeep} }

// Put stores r.
func Put(r WarningRecord) Mutation { return Mutation{Op: OpPut, Record: r} }

// Delete removes the record.
func Delete() Mutation { return Mutation{Op: OpDelete} }

// MutateFunc decides what to do with the current record (nil when absent).
// Optimistic backends may call it more than once, so it must be free of
// side effects.
type MutateFunc func(current *WarningRecord) (Mutation, error)

// Ledger is the durable per-instance warning store. Mutate is atomic per
// record: no other writer can change the record between the read handed to
// fn and the write fn asked for.
type Ledger interface {
	Get(ctx context.Context, id string) (WarningRecord, error)
	List(ctx context.Context) ([]WarningRecord, error)
	Mutate(ctx context.Context, id string, fn MutateFunc) (Mutation, error)
}

// IdentityStore caches owner identities keyed by email.
type IdentityStore interface {
	GetIdentity(ctx context.Context, email string) (IdentityRecord, error)
	PutIdentity(ctx context.Context, rec IdentityRecord) error
	DeleteIdentity(ctx context.Context, email string) error
}

// Finalize settles a mutation against the record it was computed from:
// puts get the next version, keeps and deletes carry the prior record, and
// a delete of nothing becomes a keep. Backends call it before writing.
func Finalize(id string, current *WarningRecord, m Mutation) (Mutation, error) {
	switch m.Op {
	case OpPut:
		if m.Record.ResourceID != id {
			return Mutation{}, fmt.Errorf("put record %q under key %q", m.Record.ResourceID, id)
		}
		m.Record = m.Record.Clone()
		m.Record.Version = 1
		if current != nil {
			m.Record.Version = current.Version + 1
		}
	case OpDelete:
		if current == nil {
			return Keep(), nil
		}
		m.Record = current.Clone()
	case OpKeep:
		m.Record = WarningRecord{}
		if current != nil {
			m.Record = current.Clone()
		}
	default:
		return Mutation{}, fmt.Errorf("unknown op %s", m.Op)
	}
	return m, nil
}
