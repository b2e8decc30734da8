package ytdb

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/JetBrains/youtrackdb-sub019/internal/engine"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
)

const classCatalogKind = "class"

// Class is a named record type. New records of a class go to its first
// collection; its indexes track all of them.
type Class struct {
	Name        string   `json:"name"`
	Collections []string `json:"collections"`
}

// classRegistry is the minimal schema: class names and their collections,
// persisted as catalog records.
type classRegistry struct {
	e *engine.Engine

	mu      sync.RWMutex
	classes map[string]*Class
}

func newClassRegistry(e *engine.Engine) *classRegistry {
	return &classRegistry{e: e, classes: make(map[string]*Class)}
}

func (r *classRegistry) load() error {
	records, err := r.e.CatalogRecords(classCatalogKind)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, data := range records {
		var c Class
		if err := json.Unmarshal(data, &c); err != nil {
			return storeerr.Wrap(r.e.Name(), "load class", fmt.Errorf("%w: class %s: %v", storeerr.ErrConfiguration, name, err))
		}
		r.classes[c.Name] = &c
	}
	return nil
}

func (r *classRegistry) get(name string) (Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	if !ok {
		return Class{}, false
	}
	return Class{Name: c.Name, Collections: slices.Clone(c.Collections)}, true
}

func (r *classRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.classes))
	for name := range r.classes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *classRegistry) put(ctx context.Context, c *Class) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode class %s: %w", c.Name, err)
	}
	if err := r.e.PutCatalogRecord(ctx, classCatalogKind, c.Name, data); err != nil {
		return err
	}
	r.mu.Lock()
	r.classes[c.Name] = c
	r.mu.Unlock()
	return nil
}

// defaultCollection routes new records of a class.
func (r *classRegistry) defaultCollection(class string) (int32, error) {
	c, ok := r.get(class)
	if !ok || len(c.Collections) == 0 {
		return 0, fmt.Errorf("%w: no collection for class %q", storeerr.ErrCollectionNotFound, class)
	}
	return r.e.CollectionID(c.Collections[0])
}

// ensureCollection returns the id of a collection, creating it if needed.
func (db *Database) ensureCollection(ctx context.Context, name string) error {
	_, err := db.engine.CollectionID(name)
	if storeerr.Is(err, storeerr.ErrCollectionNotFound) {
		_, err = db.engine.CreateCollection(ctx, name)
	}
	return err
}

// CreateClass registers a class whose records go to a collection named after
// it in lower case.
func (db *Database) CreateClass(ctx context.Context, name string) (Class, error) {
	if name == "" {
		return Class{}, storeerr.Wrap(db.Name(), "create class", fmt.Errorf("%w: class name is required", storeerr.ErrConfiguration))
	}
	if _, ok := db.classes.get(name); ok {
		return Class{}, storeerr.Wrap(db.Name(), "create class", fmt.Errorf("%w: class %s already exists", storeerr.ErrConfiguration, name))
	}
	coll := strings.ToLower(name)
	if err := db.ensureCollection(ctx, coll); err != nil {
		return Class{}, err
	}
	c := &Class{Name: name, Collections: []string{coll}}
	if err := db.classes.put(ctx, c); err != nil {
		return Class{}, err
	}
	db.logger.Info("class created", "class", name, "collection", coll)
	return *c, nil
}

// Class returns a registered class.
func (db *Database) Class(name string) (Class, error) {
	c, ok := db.classes.get(name)
	if !ok {
		return Class{}, storeerr.Wrap(db.Name(), "class", fmt.Errorf("%w: class %q", storeerr.ErrConfiguration, name))
	}
	return c, nil
}

// Classes returns the registered class names, sorted.
func (db *Database) Classes() []string {
	return db.classes.names()
}

// AddClassCollection adds a collection to a class and to every index of the
// class. The records it already holds are indexed.
func (db *Database) AddClassCollection(ctx context.Context, class, coll string) error {
	c, err := db.Class(class)
	if err != nil {
		return err
	}
	if slices.Contains(c.Collections, coll) {
		return nil
	}
	if err := db.ensureCollection(ctx, coll); err != nil {
		return err
	}
	c.Collections = append(c.Collections, coll)
	if err := db.classes.put(ctx, &c); err != nil {
		return err
	}
	for _, idx := range db.indexes.ClassIndexes(class) {
		if err := db.indexes.AddCollection(ctx, idx.Name(), coll, false); err != nil {
			return err
		}
	}
	return nil
}
