package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JetBrains/youtrackdb-sub019/internal/atomicop"
	"github.com/JetBrains/youtrackdb-sub019/internal/btree"
	"github.com/JetBrains/youtrackdb-sub019/internal/collection"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/storage"
)

const (
	catalogCollectionID int32 = 0
	catalogName               = "$catalog"
	catalogFileName           = "catalog.ycl"

	// catalogRecordType is the record type byte of catalog entries
	catalogRecordType byte = 'c'

	kindCollection = "collection"
	kindEngine     = "engine"
)

// catalogEntry is the payload of a catalog record. Collections and index
// engines are registered in the same atomic operation that creates their
// file, so recovery restores files and registrations together.
type catalogEntry struct {
	Kind  string          `json:"kind"`
	Name  string          `json:"name"`
	ID    int64           `json:"id,omitempty"`
	File  storage.FileID  `json:"file,omitempty"`
	Btree btree.Kind      `json:"btree,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type catalogKey struct {
	kind string
	name string
}

type catalogItem struct {
	pos     int64
	version int32
	entry   catalogEntry
}

// loadCatalog rebuilds the in-memory registry from the catalog collection.
func (e *Engine) loadCatalog() error {
	fileID, ok := e.files.Lookup(catalogFileName)
	if !ok {
		return fmt.Errorf("%w: catalog file is missing", storeerr.ErrFileNotFound)
	}
	e.catalog = &collectionEntry{coll: collection.New(catalogCollectionID, catalogName, fileID, 0)}

	for from := int64(0); from >= 0; {
		records, next, err := e.catalog.coll.Browse(e.ro, from, 256)
		if err != nil {
			return fmt.Errorf("failed to read catalog: %w", err)
		}
		for _, rec := range records {
			var entry catalogEntry
			if err := json.Unmarshal(rec.Payload, &entry); err != nil {
				return fmt.Errorf("%w: catalog record %d: %v", storeerr.ErrCorruptRecord, rec.Position, err)
			}
			item := &catalogItem{pos: rec.Position, version: rec.Version, entry: entry}
			if err := e.register(item); err != nil {
				return err
			}
		}
		from = next
	}
	return nil
}

// register installs a catalog item in the in-memory maps. Callers hold e.mu
// or have exclusive access.
func (e *Engine) register(item *catalogItem) error {
	entry := item.entry
	switch entry.Kind {
	case kindCollection:
		if _, err := e.files.Get(entry.File); err != nil {
			return fmt.Errorf("collection %s: %w", entry.Name, err)
		}
		id := int32(entry.ID)
		e.collections[id] = &collectionEntry{coll: collection.New(id, entry.Name, entry.File, e.cfg.Cache.RecordCacheSize)}
		e.collByName[entry.Name] = id
	case kindEngine:
		if _, err := e.files.Get(entry.File); err != nil {
			return fmt.Errorf("index engine %s: %w", entry.Name, err)
		}
		ie := &indexEngine{
			id:   int(entry.ID),
			name: entry.Name,
			tree: btree.New(entry.File, entry.Btree),
			gen:  e.gen.Add(1),
		}
		e.engines[entry.Name] = ie
		e.enginesByID[ie.id] = ie
	}
	e.catalogRecs[catalogKey{entry.Kind, entry.Name}] = item
	return nil
}

func (e *Engine) unregister(kind, name string) {
	switch kind {
	case kindCollection:
		if id, ok := e.collByName[name]; ok {
			delete(e.collections, id)
			delete(e.collByName, name)
		}
	case kindEngine:
		if ie, ok := e.engines[name]; ok {
			delete(e.engines, name)
			delete(e.enginesByID, ie.id)
		}
	}
	delete(e.catalogRecs, catalogKey{kind, name})
}

// catalogPut writes an entry inside op and returns the item to register once
// the operation committed.
func (e *Engine) catalogPut(op *atomicop.Operation, entry catalogEntry) (*catalogItem, error) {
	op.LockTillComplete(&e.catalog.mu)
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	existing := e.catalogRecs[catalogKey{entry.Kind, entry.Name}]
	e.mu.RUnlock()

	if existing != nil {
		pp, err := e.catalog.coll.Update(op, existing.pos, existing.version, payload, catalogRecordType)
		if err != nil {
			return nil, err
		}
		return &catalogItem{pos: pp.Position, version: pp.Version, entry: entry}, nil
	}
	pp, err := e.catalog.coll.Create(op, payload, catalogRecordType, -1)
	if err != nil {
		return nil, err
	}
	return &catalogItem{pos: pp.Position, version: pp.Version, entry: entry}, nil
}

func (e *Engine) catalogDelete(op *atomicop.Operation, kind, name string) error {
	op.LockTillComplete(&e.catalog.mu)
	e.mu.RLock()
	existing := e.catalogRecs[catalogKey{kind, name}]
	e.mu.RUnlock()
	if existing == nil {
		return nil
	}
	return e.catalog.coll.Delete(op, existing.pos, existing.version)
}

func reservedKind(kind string) bool {
	return kind == kindCollection || kind == kindEngine || kind == ""
}

// PutCatalogRecord stores an opaque record under (kind, name), replacing any
// previous one. The index registry keeps its configurations here.
func (e *Engine) PutCatalogRecord(ctx context.Context, kind, name string, data []byte) error {
	leave, err := e.enter()
	if err != nil {
		return e.wrap("put catalog record", err)
	}
	defer leave()
	if reservedKind(kind) {
		return e.wrap("put catalog record", fmt.Errorf("%w: reserved catalog kind %q", storeerr.ErrConfiguration, kind))
	}
	if !json.Valid(data) {
		return e.wrap("put catalog record", fmt.Errorf("%w: catalog data must be JSON", storeerr.ErrConfiguration))
	}

	e.ddl.Lock()
	defer e.ddl.Unlock()

	var item *catalogItem
	err = e.execute(ctx, "put catalog record", func(op *atomicop.Operation) error {
		var err error
		item, err = e.catalogPut(op, catalogEntry{Kind: kind, Name: name, Data: data})
		return err
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.catalogRecs[catalogKey{kind, name}] = item
	e.mu.Unlock()
	return nil
}

// DeleteCatalogRecord removes the record stored under (kind, name), if any.
func (e *Engine) DeleteCatalogRecord(ctx context.Context, kind, name string) error {
	leave, err := e.enter()
	if err != nil {
		return e.wrap("delete catalog record", err)
	}
	defer leave()
	if reservedKind(kind) {
		return e.wrap("delete catalog record", fmt.Errorf("%w: reserved catalog kind %q", storeerr.ErrConfiguration, kind))
	}

	e.ddl.Lock()
	defer e.ddl.Unlock()

	err = e.execute(ctx, "delete catalog record", func(op *atomicop.Operation) error {
		return e.catalogDelete(op, kind, name)
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.catalogRecs, catalogKey{kind, name})
	e.mu.Unlock()
	return nil
}

// CatalogRecords returns every record of a kind by name.
func (e *Engine) CatalogRecords(kind string) (map[string][]byte, error) {
	leave, err := e.enter()
	if err != nil {
		return nil, e.wrap("catalog records", err)
	}
	defer leave()

	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string][]byte)
	for key, item := range e.catalogRecs {
		if key.kind == kind {
			out[key.name] = append([]byte(nil), item.entry.Data...)
		}
	}
	return out, nil
}
