package engine

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/JetBrains/youtrackdb-sub019/internal/atomicop"
	"github.com/JetBrains/youtrackdb-sub019/internal/collection"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
	"github.com/JetBrains/youtrackdb-sub019/internal/storage"
)

// Names of collections and index engines double as file names.
var validName = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]*$`)

func checkName(what, name string) error {
	if !validName.MatchString(name) || len(name) > 128 {
		return fmt.Errorf("%w: invalid %s name %q", storeerr.ErrConfiguration, what, name)
	}
	return nil
}

// CollectionInfo describes a registered collection.
type CollectionInfo struct {
	ID   int32
	Name string
	File storage.FileID
}

// execute runs body in an atomic operation. Failures that are not expected
// outcomes of a well-formed request break the engine.
func (e *Engine) execute(ctx context.Context, op string, body func(op *atomicop.Operation) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = e.wrap(op, e.fail(fmt.Errorf("panic: %v", r)))
		}
	}()
	err = e.ops.Execute(ctx, body)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && storeerr.Is(err, ctx.Err()) {
		return e.wrap(op, err)
	}
	if !e.classifier.IsDomain(err) {
		err = e.fail(err)
	}
	return e.wrap(op, err)
}

func (e *Engine) nextCollectionID() int32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	next := catalogCollectionID + 1
	for id := range e.collections {
		if id >= next {
			next = id + 1
		}
	}
	return next
}

// CreateCollection creates an empty collection and returns its id.
func (e *Engine) CreateCollection(ctx context.Context, name string) (int32, error) {
	leave, err := e.enter()
	if err != nil {
		return 0, e.wrap("create collection", err)
	}
	defer leave()
	if err := checkName("collection", name); err != nil {
		return 0, e.wrap("create collection", err)
	}

	e.ddl.Lock()
	defer e.ddl.Unlock()
	if _, err := e.collectionByName(name); err == nil {
		return 0, e.wrap("create collection", fmt.Errorf("%w: %s", storeerr.ErrCollectionExists, name))
	}

	id := e.nextCollectionID()
	var item *catalogItem
	err = e.execute(ctx, "create collection", func(op *atomicop.Operation) error {
		fileID, err := op.CreateUniqueFile(name, ".ycl")
		if err != nil {
			return err
		}
		if err := collection.New(id, name, fileID, 0).Init(op); err != nil {
			return err
		}
		item, err = e.catalogPut(op, catalogEntry{Kind: kindCollection, Name: name, ID: int64(id), File: fileID})
		return err
	})
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	err = e.register(item)
	e.mu.Unlock()
	if err != nil {
		return 0, e.wrap("create collection", e.fail(err))
	}
	if err := e.persistState(false); err != nil {
		return 0, e.wrap("create collection", e.fail(err))
	}
	e.logger.Info("collection created", "collection", name, "id", id)
	return id, nil
}

// DropCollection removes a collection and its file. A collection holding
// records is only dropped when force is set.
func (e *Engine) DropCollection(ctx context.Context, name string, force bool) error {
	leave, err := e.enter()
	if err != nil {
		return e.wrap("drop collection", err)
	}
	defer leave()

	e.ddl.Lock()
	defer e.ddl.Unlock()
	ce, err := e.collectionByName(name)
	if err != nil {
		return e.wrap("drop collection", err)
	}

	err = e.execute(ctx, "drop collection", func(op *atomicop.Operation) error {
		op.LockTillComplete(&ce.mu)
		count, err := ce.coll.Count(op)
		if err != nil {
			return err
		}
		if count > 0 && !force {
			return fmt.Errorf("%w: %s holds %d records", storeerr.ErrCollectionNotEmpty, name, count)
		}
		if err := e.catalogDelete(op, kindCollection, name); err != nil {
			return err
		}
		op.DeleteFile(ce.coll.File)
		ce.dropped.Store(true)
		return nil
	})
	if err != nil {
		ce.dropped.Store(false)
		return err
	}

	e.mu.Lock()
	e.unregister(kindCollection, name)
	e.mu.Unlock()
	if err := e.persistState(false); err != nil {
		return e.wrap("drop collection", e.fail(err))
	}
	e.logger.Info("collection dropped", "collection", name)
	return nil
}

func (e *Engine) collectionByName(name string) (*collectionEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.collByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storeerr.ErrCollectionNotFound, name)
	}
	return e.collections[id], nil
}

func (e *Engine) collectionByID(id int32) (*collectionEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ce, ok := e.collections[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", storeerr.ErrCollectionNotFound, id)
	}
	return ce, nil
}

// CollectionID resolves a collection name.
func (e *Engine) CollectionID(name string) (int32, error) {
	ce, err := e.collectionByName(name)
	if err != nil {
		return 0, e.wrap("collection", err)
	}
	return ce.coll.ID, nil
}

// Collection describes a collection by id.
func (e *Engine) Collection(id int32) (CollectionInfo, error) {
	ce, err := e.collectionByID(id)
	if err != nil {
		return CollectionInfo{}, e.wrap("collection", err)
	}
	return CollectionInfo{ID: ce.coll.ID, Name: ce.coll.Name, File: ce.coll.File}, nil
}

// Collections lists every user collection in id order.
func (e *Engine) Collections() []CollectionInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]CollectionInfo, 0, len(e.collections))
	for _, ce := range e.collections {
		out = append(out, CollectionInfo{ID: ce.coll.ID, Name: ce.coll.Name, File: ce.coll.File})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReadRecord returns the committed record r.
func (e *Engine) ReadRecord(ctx context.Context, r rid.RID) (collection.Record, error) {
	leave, err := e.enter()
	if err != nil {
		return collection.Record{}, e.wrap("read record", err)
	}
	defer leave()
	if !r.IsPersistent() {
		return collection.Record{}, e.wrap("read record", fmt.Errorf("%w: %s is not persistent", storeerr.ErrRecordNotFound, r))
	}
	ce, err := e.collectionByID(r.Collection)
	if err != nil {
		return collection.Record{}, e.wrap("read record", err)
	}

	ce.mu.RLock()
	defer ce.mu.RUnlock()
	rec, err := ce.coll.ReadCached(e.ro, r.Position)
	return rec, e.wrap("read record", err)
}

// Browse returns up to limit committed records of a collection starting at
// position from. next is -1 once the end was reached.
func (e *Engine) Browse(ctx context.Context, id int32, from int64, limit int) ([]collection.Record, int64, error) {
	leave, err := e.enter()
	if err != nil {
		return nil, -1, e.wrap("browse", err)
	}
	defer leave()
	ce, err := e.collectionByID(id)
	if err != nil {
		return nil, -1, e.wrap("browse", err)
	}

	ce.mu.RLock()
	defer ce.mu.RUnlock()
	records, next, err := ce.coll.Browse(e.ro, from, limit)
	return records, next, e.wrap("browse", err)
}

// Count returns the number of live records of a collection.
func (e *Engine) Count(ctx context.Context, id int32) (uint64, error) {
	leave, err := e.enter()
	if err != nil {
		return 0, e.wrap("count", err)
	}
	defer leave()
	ce, err := e.collectionByID(id)
	if err != nil {
		return 0, e.wrap("count", err)
	}

	ce.mu.RLock()
	defer ce.mu.RUnlock()
	n, err := ce.coll.Count(e.ro)
	return n, e.wrap("count", err)
}

// AllocatePosition reserves a position in a collection for a record that will
// be created later by a transaction marked Allocated.
func (e *Engine) AllocatePosition(ctx context.Context, id int32, recordType byte) (rid.RID, error) {
	leave, err := e.enter()
	if err != nil {
		return rid.Empty, e.wrap("allocate position", err)
	}
	defer leave()
	ce, err := e.collectionByID(id)
	if err != nil {
		return rid.Empty, e.wrap("allocate position", err)
	}

	var pos int64
	err = e.execute(ctx, "allocate position", func(op *atomicop.Operation) error {
		op.LockTillComplete(&ce.mu)
		var err error
		pos, err = ce.coll.AllocatePosition(op, recordType)
		return err
	})
	if err != nil {
		return rid.Empty, err
	}
	return rid.New(id, pos), nil
}
