package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/JetBrains/youtrackdb-sub019/internal/atomicop"
	"github.com/JetBrains/youtrackdb-sub019/internal/btree"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
	"github.com/JetBrains/youtrackdb-sub019/internal/storage"
)

// Handle identifies a loaded index engine. A handle goes stale when the
// engine is deleted or replaced; calls with a stale handle fail with
// ErrInvalidEngineHandle and the caller reloads it by name.
type Handle struct {
	ID  int
	Gen uint64
}

type indexEngine struct {
	id   int
	name string
	tree *btree.Tree
	gen  uint64
	mu   sync.RWMutex
	// dropped is set under mu by the operation that deletes the engine
	dropped atomic.Bool
}

// IndexEngineInfo describes a registered index engine.
type IndexEngineInfo struct {
	ID   int
	Name string
	Kind btree.Kind
	File storage.FileID
}

func (e *Engine) nextEngineID() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	next := 1
	for id := range e.enginesByID {
		if id >= next {
			next = id + 1
		}
	}
	return next
}

// AddIndexEngine creates an empty B-tree engine of the given kind.
func (e *Engine) AddIndexEngine(ctx context.Context, name string, kind btree.Kind) (Handle, error) {
	leave, err := e.enter()
	if err != nil {
		return Handle{}, e.wrap("add index engine", err)
	}
	defer leave()
	if err := checkName("index", name); err != nil {
		return Handle{}, e.wrap("add index engine", err)
	}
	if kind != btree.SingleValue && kind != btree.MultiValue {
		return Handle{}, e.wrap("add index engine", fmt.Errorf("%w: engine kind %d", storeerr.ErrUnknownAlgorithm, kind))
	}

	e.ddl.Lock()
	defer e.ddl.Unlock()
	e.mu.RLock()
	_, exists := e.engines[name]
	e.mu.RUnlock()
	if exists {
		return Handle{}, e.wrap("add index engine", fmt.Errorf("%w: %s", storeerr.ErrIndexExists, name))
	}

	id := e.nextEngineID()
	var item *catalogItem
	err = e.execute(ctx, "add index engine", func(op *atomicop.Operation) error {
		fileID, err := op.CreateUniqueFile(name, ".ybt")
		if err != nil {
			return err
		}
		if err := btree.New(fileID, kind).Create(op); err != nil {
			return err
		}
		item, err = e.catalogPut(op, catalogEntry{Kind: kindEngine, Name: name, ID: int64(id), File: fileID, Btree: kind})
		return err
	})
	if err != nil {
		return Handle{}, err
	}

	e.mu.Lock()
	err = e.register(item)
	ie := e.engines[name]
	e.mu.Unlock()
	if err != nil {
		return Handle{}, e.wrap("add index engine", e.fail(err))
	}
	if err := e.persistState(false); err != nil {
		return Handle{}, e.wrap("add index engine", e.fail(err))
	}
	e.logger.Info("index engine created", "index", name, "id", id, "kind", kind)
	return Handle{ID: ie.id, Gen: ie.gen}, nil
}

// DeleteIndexEngine removes an index engine and its file. Outstanding handles
// go stale.
func (e *Engine) DeleteIndexEngine(ctx context.Context, name string) error {
	leave, err := e.enter()
	if err != nil {
		return e.wrap("delete index engine", err)
	}
	defer leave()

	e.ddl.Lock()
	defer e.ddl.Unlock()
	e.mu.RLock()
	ie, ok := e.engines[name]
	e.mu.RUnlock()
	if !ok {
		return e.wrap("delete index engine", fmt.Errorf("%w: %s", storeerr.ErrIndexNotFound, name))
	}

	err = e.execute(ctx, "delete index engine", func(op *atomicop.Operation) error {
		op.LockTillComplete(&ie.mu)
		if err := e.catalogDelete(op, kindEngine, name); err != nil {
			return err
		}
		op.DeleteFile(ie.tree.File)
		ie.dropped.Store(true)
		return nil
	})
	if err != nil {
		ie.dropped.Store(false)
		return err
	}

	e.mu.Lock()
	e.unregister(kindEngine, name)
	e.mu.Unlock()
	if err := e.persistState(false); err != nil {
		return e.wrap("delete index engine", e.fail(err))
	}
	e.logger.Info("index engine deleted", "index", name)
	return nil
}

// ClearIndexEngine removes every entry of an index engine.
func (e *Engine) ClearIndexEngine(ctx context.Context, name string) error {
	leave, err := e.enter()
	if err != nil {
		return e.wrap("clear index engine", err)
	}
	defer leave()
	e.mu.RLock()
	ie, ok := e.engines[name]
	e.mu.RUnlock()
	if !ok {
		return e.wrap("clear index engine", fmt.Errorf("%w: %s", storeerr.ErrIndexNotFound, name))
	}
	return e.execute(ctx, "clear index engine", func(op *atomicop.Operation) error {
		op.LockTillComplete(&ie.mu)
		return ie.tree.Clear(op)
	})
}

// LoadIndexEngine returns a handle to the engine registered under name.
func (e *Engine) LoadIndexEngine(name string) (Handle, error) {
	leave, err := e.enter()
	if err != nil {
		return Handle{}, e.wrap("load index engine", err)
	}
	defer leave()
	e.mu.RLock()
	defer e.mu.RUnlock()
	ie, ok := e.engines[name]
	if !ok {
		return Handle{}, e.wrap("load index engine", fmt.Errorf("%w: %s", storeerr.ErrIndexNotFound, name))
	}
	return Handle{ID: ie.id, Gen: ie.gen}, nil
}

// IndexEngines lists every registered index engine in id order.
func (e *Engine) IndexEngines() []IndexEngineInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]IndexEngineInfo, 0, len(e.engines))
	for _, ie := range e.engines {
		out = append(out, IndexEngineInfo{ID: ie.id, Name: ie.name, Kind: ie.tree.Kind, File: ie.tree.File})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) engineByHandle(h Handle) (*indexEngine, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ie, ok := e.enginesByID[h.ID]
	if !ok || ie.gen != h.Gen {
		return nil, fmt.Errorf("%w: %d/%d", storeerr.ErrInvalidEngineHandle, h.ID, h.Gen)
	}
	return ie, nil
}

// withEngine runs fn on the committed state of the engine behind h under its
// read lock. Stale handle errors are returned unwrapped by the classifier so
// callers can retry.
func (e *Engine) withEngine(op string, h Handle, fn func(ie *indexEngine) error) error {
	leave, err := e.enter()
	if err != nil {
		return e.wrap(op, err)
	}
	defer leave()
	ie, err := e.engineByHandle(h)
	if err != nil {
		return err
	}
	ie.mu.RLock()
	defer ie.mu.RUnlock()
	return e.wrap(op, fn(ie))
}

// IndexGet returns the committed RIDs of an encoded key.
func (e *Engine) IndexGet(h Handle, key []byte) ([]rid.RID, error) {
	var out []rid.RID
	err := e.withEngine("index get", h, func(ie *indexEngine) error {
		var err error
		out, err = ie.tree.Get(e.ro, key)
		return err
	})
	return out, err
}

// IndexRange streams committed entries between two bounds.
func (e *Engine) IndexRange(h Handle, from, to *btree.Bound, ascending bool, fn func(btree.Entry) bool) error {
	return e.withEngine("index range", h, func(ie *indexEngine) error {
		return ie.tree.Range(e.ro, from, to, ascending, fn)
	})
}

// IndexKeys streams the distinct committed keys.
func (e *Engine) IndexKeys(h Handle, ascending bool, fn func(key []byte) bool) error {
	return e.withEngine("index keys", h, func(ie *indexEngine) error {
		return ie.tree.Keys(e.ro, ascending, fn)
	})
}

// IndexSize returns the number of committed entries.
func (e *Engine) IndexSize(h Handle) (uint64, error) {
	var n uint64
	err := e.withEngine("index size", h, func(ie *indexEngine) error {
		var err error
		n, err = ie.tree.Size(e.ro)
		return err
	})
	return n, err
}

// VerifyIndexEngine checks the structure of an index engine.
func (e *Engine) VerifyIndexEngine(h Handle) (btree.Stats, error) {
	var st btree.Stats
	err := e.withEngine("verify index engine", h, func(ie *indexEngine) error {
		var err error
		st, err = ie.tree.Verify(e.ro)
		return err
	})
	return st, err
}
