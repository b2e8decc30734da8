package ytdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/JetBrains/youtrackdb-sub019/internal/engine"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/index"
	"github.com/JetBrains/youtrackdb-sub019/internal/record"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
	"github.com/JetBrains/youtrackdb-sub019/internal/tx"
)

var (
	ErrTxActive = errors.New("a transaction is already active")
	ErrNoTx     = errors.New("no active transaction")
)

// Session is the explicit context of one unit of work. Record changes made
// between Begin and Commit are applied atomically together with the index
// changes they imply; reads through the session see them before commit.
type Session struct {
	ID string
	db *Database

	t *tx.Tx
	// tracked are the entities saved or deleted in the current transaction
	tracked []*record.Entity
	byRID   map[rid.RID]*record.Entity
}

func newSession(db *Database) *Session {
	return &Session{ID: uuid.NewString(), db: db}
}

// Begin starts a transaction.
func (s *Session) Begin() error {
	if s.t != nil {
		return ErrTxActive
	}
	s.t = tx.New()
	s.byRID = make(map[rid.RID]*record.Entity)
	s.tracked = nil
	return nil
}

// Active reports whether a transaction is open.
func (s *Session) Active() bool {
	return s.t != nil
}

// Tx returns the open transaction, or nil.
func (s *Session) Tx() *tx.Tx {
	return s.t
}

func (s *Session) track(e *record.Entity) {
	if _, ok := s.byRID[e.RID]; !ok {
		s.tracked = append(s.tracked, e)
	}
	s.byRID[e.RID] = e
}

// autocommit runs fn in a transaction of its own unless one is open.
func (s *Session) autocommit(ctx context.Context, fn func() error) error {
	if s.t != nil {
		return fn()
	}
	if err := s.Begin(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		s.Rollback()
		return err
	}
	if _, err := s.Commit(ctx); err != nil {
		s.Rollback()
		return err
	}
	return nil
}

// Save records the creation or update of e. New entities get a temporary
// RID that becomes persistent at commit. Outside a transaction the change is
// committed at once.
func (s *Session) Save(ctx context.Context, e *record.Entity) error {
	err := s.autocommit(ctx, func() error { return s.save(e) })
	return storeerr.Wrap(s.db.Name(), "save", err)
}

func (s *Session) save(e *record.Entity) error {
	if e.Class == "" {
		return fmt.Errorf("%w: entity has no class", storeerr.ErrConfiguration)
	}
	if e.IsNew() && s.t.Op(e.RID) == nil {
		r := s.t.Create(e.Class, -1, record.TypeDocument, nil)
		s.t.Op(r).Encode = e.MarshalResolved
		if err := s.db.translator.Created(s.t, e, r); err != nil {
			return err
		}
		// The change state is folded into the transaction; later saves
		// translate only what changed since.
		e.Committed(r, 0)
		s.track(e)
		return nil
	}

	if s.t.Op(e.RID) == nil {
		s.t.Update(e.RID, e.Version, record.TypeDocument, nil)
		s.t.Op(e.RID).Encode = e.MarshalResolved
	}
	// A record created in this transaction and saved again is translated as
	// an update of the keys its create enqueued.
	if err := s.db.translator.Updated(s.t, e); err != nil {
		return err
	}
	e.Committed(e.RID, e.Version)
	s.track(e)
	return nil
}

// Delete records the deletion of e.
func (s *Session) Delete(ctx context.Context, e *record.Entity) error {
	err := s.autocommit(ctx, func() error {
		if err := s.db.translator.Deleted(s.t, e); err != nil {
			return err
		}
		s.t.Delete(e.RID, e.Version)
		s.track(e)
		return nil
	})
	return storeerr.Wrap(s.db.Name(), "delete", err)
}

// Load reads a record. Entities saved in the open transaction are returned
// as saved.
func (s *Session) Load(ctx context.Context, r rid.RID) (*record.Entity, error) {
	if s.t != nil {
		if e, ok := s.byRID[r]; ok {
			if op := s.t.Op(r); op != nil && op.Type == tx.Deleted {
				return nil, fmt.Errorf("%w: %s", storeerr.ErrRecordNotFound, r)
			}
			return e, nil
		}
	}
	rec, err := s.db.engine.ReadRecord(ctx, r)
	if err != nil {
		return nil, err
	}
	return record.Load(r, rec.Version, rec.Payload)
}

// Index returns a reader of an index that sees the open transaction's
// pending changes.
func (s *Session) Index(name string) (*index.Reader, error) {
	idx, err := s.db.indexes.Index(name)
	if err != nil {
		return nil, err
	}
	return idx.Reader(s.t), nil
}

// Commit applies the open transaction. Saved entities receive their final
// RIDs and versions. A failed commit leaves the transaction open so it can
// be retried or rolled back.
func (s *Session) Commit(ctx context.Context) ([]engine.Result, error) {
	if s.t == nil {
		return nil, ErrNoTx
	}
	results, err := s.db.engine.Commit(ctx, s.t)
	if err != nil {
		return nil, err
	}

	versions := make(map[rid.RID]int32, len(results))
	for _, res := range results {
		versions[res.RID] = res.Version
	}
	for _, e := range s.tracked {
		final := s.t.Resolve(e.RID)
		if v, ok := versions[final]; ok {
			e.Committed(final, v)
		}
	}
	s.t, s.tracked, s.byRID = nil, nil, nil
	return results, nil
}

// Rollback discards the open transaction. Entities saved in it keep their
// in-memory state and must be reloaded.
func (s *Session) Rollback() {
	if s.t != nil {
		s.t.Status = tx.StatusRolledBack
	}
	s.t, s.tracked, s.byRID = nil, nil, nil
}
