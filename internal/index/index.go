// Package index implements logical indexes over the B-tree engines of a
// storage: key definitions, the persisted index configuration, reads that
// merge committed entries with a transaction's pending changes, and the
// registry that creates, loads, drops and rebuilds indexes.
package index

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JetBrains/youtrackdb-sub019/internal/btree"
	"github.com/JetBrains/youtrackdb-sub019/internal/collection"
	"github.com/JetBrains/youtrackdb-sub019/internal/engine"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
	"github.com/JetBrains/youtrackdb-sub019/internal/tx"
)

// Storage is the part of the storage engine the index layer uses.
// *engine.Engine implements it.
type Storage interface {
	Name() string

	AddIndexEngine(ctx context.Context, name string, kind btree.Kind) (engine.Handle, error)
	DeleteIndexEngine(ctx context.Context, name string) error
	LoadIndexEngine(name string) (engine.Handle, error)
	IndexGet(h engine.Handle, key []byte) ([]rid.RID, error)
	IndexRange(h engine.Handle, from, to *btree.Bound, ascending bool, fn func(btree.Entry) bool) error
	IndexKeys(h engine.Handle, ascending bool, fn func(key []byte) bool) error
	IndexSize(h engine.Handle) (uint64, error)

	PutCatalogRecord(ctx context.Context, kind, name string, data []byte) error
	DeleteCatalogRecord(ctx context.Context, kind, name string) error
	CatalogRecords(kind string) (map[string][]byte, error)

	CollectionID(name string) (int32, error)
	Count(ctx context.Context, id int32) (uint64, error)
	Browse(ctx context.Context, id int32, from int64, limit int) ([]collection.Record, int64, error)
	Commit(ctx context.Context, t *tx.Tx) ([]engine.Result, error)
	RecordEvent(ctx context.Context, kind, detail string, d time.Duration)
}

// Kind is the uniqueness variant of an index.
type Kind uint8

const (
	Unique Kind = iota + 1
	NotUnique
)

func (k Kind) String() string {
	switch k {
	case Unique:
		return "UNIQUE"
	case NotUnique:
		return "NOTUNIQUE"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind resolves an index type name.
func ParseKind(name string) (Kind, error) {
	switch strings.ToUpper(name) {
	case "UNIQUE":
		return Unique, nil
	case "NOTUNIQUE", "NOT_UNIQUE":
		return NotUnique, nil
	}
	return 0, fmt.Errorf("%w: unknown index type %q", storeerr.ErrConfiguration, name)
}

// variant is what differs between unique and non-unique indexes.
type variant interface {
	policy() tx.Policy
	engineKind() btree.Kind
}

type uniqueVariant struct{}

func (uniqueVariant) policy() tx.Policy      { return tx.Unique }
func (uniqueVariant) engineKind() btree.Kind { return btree.SingleValue }

type multiVariant struct{}

func (multiVariant) policy() tx.Policy      { return tx.NonUnique }
func (multiVariant) engineKind() btree.Kind { return btree.MultiValue }

func (k Kind) variant() (variant, error) {
	switch k {
	case Unique:
		return uniqueVariant{}, nil
	case NotUnique:
		return multiVariant{}, nil
	}
	return nil, fmt.Errorf("%w: index type %d", storeerr.ErrConfiguration, uint8(k))
}

// Index is a logical index: a key definition over the records of a class,
// backed by one B-tree engine of the storage. The engine is referenced by
// name and handle only; a stale handle is reloaded transparently.
type Index struct {
	name  string
	kind  Kind
	v     variant
	def   *Definition
	st    Storage
	retry int

	mu         sync.RWMutex
	handle     engine.Handle
	cfg        Config
	rebuilding atomic.Bool
}

func newIndex(st Storage, cfg *Config, def *Definition, retry int) (*Index, error) {
	kind, err := ParseKind(cfg.Type)
	if err != nil {
		return nil, err
	}
	v, err := kind.variant()
	if err != nil {
		return nil, err
	}
	return &Index{name: cfg.Name, kind: kind, v: v, def: def, st: st, retry: retry, cfg: *cfg}, nil
}

func (idx *Index) Name() string {
	return idx.name
}

func (idx *Index) Kind() Kind {
	return idx.kind
}

func (idx *Index) Definition() *Definition {
	return idx.def
}

// Unique reports whether a key maps to at most one record.
func (idx *Index) Unique() bool {
	return idx.kind == Unique
}

// Automatic reports whether record changes maintain the index.
func (idx *Index) Automatic() bool {
	return !idx.def.Manual
}

// Config returns a copy of the persisted configuration.
func (idx *Index) Config() Config {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	c := idx.cfg
	c.Collections = append([]string(nil), idx.cfg.Collections...)
	return c
}

// Collections returns the names of the tracked collections.
func (idx *Index) Collections() []string {
	return idx.Config().Collections
}

// Tracks reports whether records of the collection are indexed.
func (idx *Index) Tracks(collection string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, c := range idx.cfg.Collections {
		if c == collection {
			return true
		}
	}
	return false
}

func (idx *Index) currentHandle() engine.Handle {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.handle
}

func (idx *Index) setHandle(h engine.Handle) {
	idx.mu.Lock()
	idx.handle = h
	idx.cfg.EngineID = h.ID
	idx.mu.Unlock()
}

// reload refreshes the engine handle by name.
func (idx *Index) reload() error {
	h, err := idx.st.LoadIndexEngine(idx.name)
	if err != nil {
		return err
	}
	idx.setHandle(h)
	return nil
}

// physical runs one engine call, reloading a stale handle in between tries.
func physical[T any](idx *Index, call func(h engine.Handle) (T, error)) (T, error) {
	return storeerr.RetryStale(idx.retry, idx.reload, func() (T, error) {
		return call(idx.currentHandle())
	})
}

func (idx *Index) changes(t *tx.Tx) *tx.IndexChanges {
	return t.Changes(idx.name, idx.currentHandle().ID, idx.v.policy())
}

// keyFor converts and encodes a key for a put or remove. skip is set for
// null keys of a definition that ignores nulls.
func (idx *Index) keyFor(key any) (k any, enc []byte, skip bool, err error) {
	if key == nil && idx.def.IgnoreNulls {
		return nil, nil, true, nil
	}
	k, err = idx.def.FullKey(key)
	if err != nil {
		return nil, nil, false, fmt.Errorf("index %s: %w", idx.name, err)
	}
	enc, err = encodeKey(k)
	if err != nil {
		return nil, nil, false, fmt.Errorf("index %s: %w", idx.name, err)
	}
	return k, enc, false, nil
}

// Put maps key to r in the transaction. The change becomes durable at
// commit; a unique index fails the commit if the key maps to another record.
func (idx *Index) Put(t *tx.Tx, key any, r rid.RID) error {
	k, enc, skip, err := idx.keyFor(key)
	if err != nil || skip {
		return err
	}
	t.Put(idx.changes(t), k, enc, r)
	return nil
}

// Remove drops the mapping of key to r in the transaction.
func (idx *Index) Remove(t *tx.Tx, key any, r rid.RID) error {
	k, enc, skip, err := idx.keyFor(key)
	if err != nil || skip {
		return err
	}
	t.Remove(idx.changes(t), k, enc, r)
	return nil
}

// RemoveKey drops every record mapped to key in the transaction.
func (idx *Index) RemoveKey(t *tx.Tx, key any) error {
	k, enc, skip, err := idx.keyFor(key)
	if err != nil || skip {
		return err
	}
	t.RemoveKey(idx.changes(t), k, enc)
	return nil
}

// Clear drops every entry of the index in the transaction.
func (idx *Index) Clear(t *tx.Tx) {
	t.ClearIndex(idx.changes(t))
}

// Reader returns a view of the index as seen by t. t may be nil to read
// committed state only.
func (idx *Index) Reader(t *tx.Tx) *Reader {
	return &Reader{idx: idx, t: t}
}

func (idx *Index) String() string {
	return fmt.Sprintf("%s %s on %s(%s)", idx.kind, idx.name, idx.def.Class, strings.Join(idx.def.Properties(), ","))
}
