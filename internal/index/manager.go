package index

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/JetBrains/youtrackdb-sub019/internal/config"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/logger"
	"github.com/JetBrains/youtrackdb-sub019/internal/tx"
)

// CreateOptions are the optional settings of CreateIndex.
type CreateOptions struct {
	// Algorithm defaults to BTREE, the only one supported.
	Algorithm string
	// Collections are the tracked collections; their records are indexed
	// when the index is created.
	Collections []string
	Metadata    map[string]any
}

// Manager is the registry of the logical indexes of one storage. Indexes
// live in an arena addressed by slot; name and class lookups hold slots.
type Manager struct {
	st      Storage
	cfg     config.IndexConfig
	logger  *slog.Logger
	filters *FilterCompiler

	// ddl serializes create, drop, rebuild and collection changes
	ddl sync.Mutex

	mu      sync.RWMutex
	arena   []*Index
	byName  map[string]int
	byClass map[string][]int
}

// NewManager creates an empty registry over st. Call Load to register the
// indexes stored in the catalog.
func NewManager(st Storage, cfg config.IndexConfig, log *slog.Logger) (*Manager, error) {
	defaults := config.DefaultConfig().Index
	if cfg.RebuildBatchSize <= 0 {
		cfg.RebuildBatchSize = defaults.RebuildBatchSize
	}
	if cfg.RebuildWorkers <= 0 {
		cfg.RebuildWorkers = defaults.RebuildWorkers
	}
	if cfg.StaleRetryLimit <= 0 {
		cfg.StaleRetryLimit = defaults.StaleRetryLimit
	}
	if log == nil {
		log = logger.Component("index")
	}
	filters, err := NewFilterCompiler(DefaultFilterCacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		st:      st,
		cfg:     cfg,
		logger:  log.With("storage", st.Name()),
		filters: filters,
		byName:  make(map[string]int),
		byClass: make(map[string][]int),
	}, nil
}

// Close releases the filter cache.
func (m *Manager) Close() {
	m.filters.Close()
}

func (m *Manager) wrap(op string, err error) error {
	return storeerr.Wrap(m.st.Name(), op, err)
}

// Filter compiles a CEL predicate for Reader.Where.
func (m *Manager) Filter(expr string) (Predicate, error) {
	p, err := m.filters.Compile(expr)
	return p, m.wrap("compile filter", err)
}

func (m *Manager) register(idx *Index) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := len(m.arena)
	m.arena = append(m.arena, idx)
	m.byName[idx.name] = slot
	m.byClass[idx.def.Class] = append(m.byClass[idx.def.Class], slot)
}

func (m *Manager) unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.byName[name]
	if !ok {
		return
	}
	idx := m.arena[slot]
	m.arena[slot] = nil
	delete(m.byName, name)
	class := idx.def.Class
	m.byClass[class] = slices.DeleteFunc(m.byClass[class], func(s int) bool { return s == slot })
	if len(m.byClass[class]) == 0 {
		delete(m.byClass, class)
	}
}

// Index returns the index registered under name.
func (m *Manager) Index(name string) (*Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slot, ok := m.byName[name]
	if !ok {
		return nil, m.wrap("index", fmt.Errorf("%w: %s", storeerr.ErrIndexNotFound, name))
	}
	return m.arena[slot], nil
}

// Indexes returns every index sorted by name.
func (m *Manager) Indexes() []*Index {
	m.mu.RLock()
	out := make([]*Index, 0, len(m.byName))
	for _, slot := range m.byName {
		out = append(out, m.arena[slot])
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// ClassIndexes returns the indexes declared on a class sorted by name.
func (m *Manager) ClassIndexes(class string) []*Index {
	m.mu.RLock()
	slots := m.byClass[class]
	out := make([]*Index, 0, len(slots))
	for _, slot := range slots {
		out = append(out, m.arena[slot])
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Load registers every index stored in the catalog. An index whose engine is
// missing, because a crash hit between dropping and re-creating it, is
// rebuilt from its tracked collections.
func (m *Manager) Load(ctx context.Context) error {
	m.ddl.Lock()
	defer m.ddl.Unlock()

	records, err := m.st.CatalogRecords(catalogKind)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	sort.Strings(names)

	var missing []*Index
	for _, name := range names {
		cfg, err := ParseConfig(records[name])
		if err != nil {
			return m.wrap("load index", fmt.Errorf("index %s: %w", name, err))
		}
		def, err := cfg.Definition()
		if err != nil {
			return m.wrap("load index", fmt.Errorf("index %s: %w", name, err))
		}
		idx, err := newIndex(m.st, cfg, def, m.cfg.StaleRetryLimit)
		if err != nil {
			return m.wrap("load index", err)
		}
		h, err := m.st.LoadIndexEngine(name)
		if storeerr.Is(err, storeerr.ErrIndexNotFound) {
			missing = append(missing, idx)
			continue
		}
		if err != nil {
			return err
		}
		idx.setHandle(h)
		m.register(idx)
	}

	for _, idx := range missing {
		m.logger.Warn("index engine is missing, rebuilding", "index", idx.name)
		if _, err := m.recreate(ctx, idx, nil); err != nil {
			return err
		}
		m.register(idx)
	}
	m.logger.Info("indexes loaded", "count", len(names), "rebuilt", len(missing))
	return nil
}

// CreateIndex creates an index and indexes the records of its tracked
// collections. Every setting is validated before anything is written.
func (m *Manager) CreateIndex(ctx context.Context, name string, kind Kind, def *Definition, opts CreateOptions) (*Index, error) {
	m.ddl.Lock()
	defer m.ddl.Unlock()

	if name == "" {
		return nil, m.wrap("create index", fmt.Errorf("%w: index name is required", storeerr.ErrConfiguration))
	}
	m.mu.RLock()
	_, exists := m.byName[name]
	m.mu.RUnlock()
	if exists {
		return nil, m.wrap("create index", fmt.Errorf("%w: %s", storeerr.ErrIndexExists, name))
	}
	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmBTree
	}
	if !strings.EqualFold(algorithm, AlgorithmBTree) {
		return nil, m.wrap("create index", fmt.Errorf("%w: %s", storeerr.ErrUnknownAlgorithm, algorithm))
	}
	v, err := kind.variant()
	if err != nil {
		return nil, m.wrap("create index", err)
	}
	if def == nil {
		return nil, m.wrap("create index", fmt.Errorf("%w: index definition is required", storeerr.ErrConfiguration))
	}
	if err := def.Validate(); err != nil {
		return nil, m.wrap("create index", err)
	}
	var collections []string
	for _, c := range opts.Collections {
		if _, err := m.st.CollectionID(c); err != nil {
			return nil, err
		}
		if !slices.Contains(collections, c) {
			collections = append(collections, c)
		}
	}

	cfg := &Config{
		Type:            kind.String(),
		Algorithm:       AlgorithmBTree,
		Name:            name,
		Version:         ConfigVersion,
		IndexDefinition: definitionConfig(def),
		Collections:     collections,
		Metadata:        opts.Metadata,
	}
	if _, err := cfg.Marshal(); err != nil {
		return nil, m.wrap("create index", err)
	}
	idx, err := newIndex(m.st, cfg, def, m.cfg.StaleRetryLimit)
	if err != nil {
		return nil, m.wrap("create index", err)
	}

	h, err := m.st.AddIndexEngine(ctx, name, v.engineKind())
	if err != nil {
		return nil, err
	}
	idx.setHandle(h)
	if err := m.persist(ctx, idx); err != nil {
		m.discard(ctx, idx)
		return nil, err
	}
	if len(collections) > 0 {
		if _, err := m.fill(ctx, idx, collections, nil); err != nil {
			m.discard(ctx, idx)
			return nil, err
		}
	}
	m.register(idx)
	m.logger.Info("index created", "index", name, "type", kind, "class", def.Class, "properties", def.Properties())
	return idx, nil
}

// persist writes the configuration of idx to the catalog.
func (m *Manager) persist(ctx context.Context, idx *Index) error {
	cfg := idx.Config()
	data, err := cfg.Marshal()
	if err != nil {
		return m.wrap("persist index", err)
	}
	return m.st.PutCatalogRecord(ctx, catalogKind, idx.name, data)
}

// discard removes what a failed create left behind.
func (m *Manager) discard(ctx context.Context, idx *Index) {
	if err := m.st.DeleteCatalogRecord(ctx, catalogKind, idx.name); err != nil {
		m.logger.Warn("failed to remove index config", "index", idx.name, "error", err)
	}
	if err := m.st.DeleteIndexEngine(ctx, idx.name); err != nil {
		m.logger.Warn("failed to remove index engine", "index", idx.name, "error", err)
	}
}

// DropIndex removes an index and its engine.
func (m *Manager) DropIndex(ctx context.Context, name string) error {
	m.ddl.Lock()
	defer m.ddl.Unlock()

	idx, err := m.Index(name)
	if err != nil {
		return err
	}
	if err := m.st.DeleteCatalogRecord(ctx, catalogKind, name); err != nil {
		return err
	}
	if err := m.st.DeleteIndexEngine(ctx, name); err != nil && !storeerr.Is(err, storeerr.ErrIndexNotFound) {
		return err
	}
	m.unregister(name)
	m.logger.Info("index dropped", "index", idx.name)
	return nil
}

// AddCollection starts tracking a collection and indexes its records. With
// requireEmpty the collection must not hold records yet.
func (m *Manager) AddCollection(ctx context.Context, name, coll string, requireEmpty bool) error {
	m.ddl.Lock()
	defer m.ddl.Unlock()

	idx, err := m.Index(name)
	if err != nil {
		return err
	}
	if idx.Tracks(coll) {
		return nil
	}
	id, err := m.st.CollectionID(coll)
	if err != nil {
		return err
	}
	n, err := m.st.Count(ctx, id)
	if err != nil {
		return err
	}
	if requireEmpty && n > 0 {
		return m.wrap("add collection to index", fmt.Errorf("%w: %s holds %d records", storeerr.ErrCollectionNotEmpty, coll, n))
	}

	idx.mu.Lock()
	idx.cfg.Collections = append(slices.Clone(idx.cfg.Collections), coll)
	idx.mu.Unlock()
	if err := m.persist(ctx, idx); err != nil {
		idx.mu.Lock()
		idx.cfg.Collections = slices.DeleteFunc(slices.Clone(idx.cfg.Collections), func(c string) bool { return c == coll })
		idx.mu.Unlock()
		return err
	}
	if n > 0 {
		if _, err := m.fill(ctx, idx, []string{coll}, nil); err != nil {
			return err
		}
	}
	return nil
}

// RemoveCollection stops tracking a collection and removes the entries of
// its records.
func (m *Manager) RemoveCollection(ctx context.Context, name, coll string) error {
	m.ddl.Lock()
	defer m.ddl.Unlock()

	idx, err := m.Index(name)
	if err != nil {
		return err
	}
	if !idx.Tracks(coll) {
		return nil
	}
	idx.mu.Lock()
	idx.cfg.Collections = slices.DeleteFunc(slices.Clone(idx.cfg.Collections), func(c string) bool { return c == coll })
	idx.mu.Unlock()
	if err := m.persist(ctx, idx); err != nil {
		return err
	}

	id, err := m.st.CollectionID(coll)
	if err != nil {
		// A dropped collection leaves nothing to purge
		return nil
	}
	var stale []Entry
	err = idx.Reader(nil).Ascending(func(e Entry) bool {
		if e.RID.Collection == id {
			stale = append(stale, e)
		}
		return true
	})
	if err != nil {
		return err
	}
	for batch := range slices.Chunk(stale, m.cfg.RebuildBatchSize) {
		t := tx.New()
		for _, e := range batch {
			if err := idx.Remove(t, e.Key, e.RID); err != nil {
				return err
			}
		}
		if _, err := m.st.Commit(ctx, t); err != nil {
			return err
		}
	}
	m.logger.Info("collection removed from index", "index", name, "collection", coll, "entries", len(stale))
	return nil
}
