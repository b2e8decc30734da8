// Package engine implements the storage engine: it owns the WAL, the page
// cache, the paged files, every record collection and index engine of one
// storage, and applies transactions atomically through the atomic operation
// manager.
//
// Lifecycle:
//  1. **Create/Open**: Opens the WAL and the registered files, runs crash
//     recovery when the storage was not closed cleanly and loads the catalog.
//  2. **Operate**: Commits, reads and structural changes run under the read
//     side of the lifecycle lock.
//  3. **Close**: Takes a full checkpoint and marks the storage clean.
//
// Any failure while writing durably moves the engine into a terminal error
// state; every later call fails with ErrStorageBroken until the storage is
// reopened and recovered.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/JetBrains/youtrackdb-sub019/internal/atomicop"
	"github.com/JetBrains/youtrackdb-sub019/internal/collection"
	"github.com/JetBrains/youtrackdb-sub019/internal/config"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/logger"
	"github.com/JetBrains/youtrackdb-sub019/internal/metrics"
	"github.com/JetBrains/youtrackdb-sub019/internal/storage"
	"github.com/JetBrains/youtrackdb-sub019/internal/wal"
)

// MemoryPrefix selects the in-memory storage type when used as path prefix.
const MemoryPrefix = "memory:"

// Options configures Create and Open.
type Options struct {
	// Path is the storage directory, or "memory:<name>" for an in-memory storage.
	Path string
	// Name defaults to the last element of Path.
	Name string
	// Fs overrides the file system. Engines opened on the same MemMapFs see
	// each other's files, which is how tests simulate a process restart.
	Fs     afero.Fs
	Config *config.Config
	Logger *slog.Logger
}

type status int

const (
	statusClosed status = iota
	statusOpen
)

type brokenState struct {
	err error
}

// ClassResolver maps a class name to the collection its new records go to.
type ClassResolver func(class string) (int32, error)

// Engine is one open storage.
type Engine struct {
	name   string
	dir    string
	memory bool
	fs     afero.Fs
	cfg    *config.Config
	logger *slog.Logger

	// stateLock is the lifecycle lock: Close and Halt take the write side,
	// every other call the read side.
	stateLock sync.RWMutex
	status    status
	broken    atomic.Pointer[brokenState]

	state *stateFile
	log   *wal.WAL
	files *storage.Files
	pool  *storage.BufferPool
	ops   *atomicop.Manager
	ro    *storage.ReadOnly

	classifier *storeerr.Classifier
	tracker    *storeerr.ErrorTracker
	history    *History

	// ddl serializes structural changes (collections, index engines, catalog records)
	ddl sync.Mutex

	mu          sync.RWMutex
	collections map[int32]*collectionEntry
	collByName  map[string]int32
	engines     map[string]*indexEngine
	enginesByID map[int]*indexEngine
	catalog     *collectionEntry
	catalogRecs map[catalogKey]*catalogItem
	resolver    ClassResolver

	gen          atomic.Uint64
	lastMetadata atomic.Pointer[[]byte]
	recovery     *atomicop.RecoveryResult

	cpMu            sync.Mutex
	walAtCheckpoint atomic.Int64
	stop            chan struct{}
	wg              sync.WaitGroup
	onClose         func(*Engine)
}

type collectionEntry struct {
	coll *collection.Collection
	mu   sync.RWMutex
	// dropped is set under mu by the operation that drops the collection
	dropped atomic.Bool
}

func resolveOptions(opts Options) (Options, string, bool, error) {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if err := opts.Config.Validate(); err != nil {
		return opts, "", false, err
	}
	memory := opts.Config.Storage.Type == config.StorageMemory
	path := opts.Path
	if path == "" {
		path = opts.Config.Storage.Path
	}
	if strings.HasPrefix(path, MemoryPrefix) {
		memory = true
		path = strings.TrimPrefix(path, MemoryPrefix)
	}
	if path == "" {
		return opts, "", false, fmt.Errorf("%w: storage path is required", storeerr.ErrConfiguration)
	}

	dir := filepath.Clean(path)
	if memory {
		dir = filepath.Join("/", dir)
		if opts.Fs == nil {
			opts.Fs = afero.NewMemMapFs()
		}
	} else if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Name == "" {
		opts.Name = filepath.Base(dir)
	}
	if opts.Logger == nil {
		opts.Logger = logger.Component("engine")
	}
	opts.Logger = opts.Logger.With("storage", opts.Name)
	return opts, dir, memory, nil
}

func newEngine(opts Options, dir string, memory bool) *Engine {
	return &Engine{
		name:        opts.Name,
		dir:         dir,
		memory:      memory,
		fs:          opts.Fs,
		cfg:         opts.Config,
		logger:      opts.Logger,
		classifier:  storeerr.NewClassifier(),
		tracker:     storeerr.NewErrorTracker(),
		collections: make(map[int32]*collectionEntry),
		collByName:  make(map[string]int32),
		engines:     make(map[string]*indexEngine),
		enginesByID: make(map[int]*indexEngine),
		catalogRecs: make(map[catalogKey]*catalogItem),
		stop:        make(chan struct{}),
	}
}

// Create creates a new storage. It fails with ErrStorageExists if one is
// already present at the path.
func Create(ctx context.Context, opts Options) (*Engine, error) {
	opts, dir, memory, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if stateExists(opts.Fs, dir) {
		return nil, storeerr.Wrap(opts.Name, "create", storeerr.ErrStorageExists)
	}
	if err := opts.Fs.MkdirAll(dir, 0755); err != nil {
		return nil, storeerr.Wrap(opts.Name, "create", err)
	}

	e := newEngine(opts, dir, memory)
	start := time.Now()
	if err := e.openComponents(nil, 0); err != nil {
		return nil, storeerr.Wrap(e.name, "create", err)
	}

	err = e.ops.Execute(ctx, func(op *atomicop.Operation) error {
		fileID, err := op.CreateFile(catalogFileName)
		if err != nil {
			return err
		}
		coll := collection.New(catalogCollectionID, catalogName, fileID, 0)
		if err := coll.Init(op); err != nil {
			return err
		}
		e.catalog = &collectionEntry{coll: coll}
		return nil
	})
	if err != nil {
		e.abandon()
		return nil, storeerr.Wrap(e.name, "create", err)
	}

	e.state = newState(e.fs, e.dir, storageState{
		ID:            uuid.NewString(),
		Name:          e.name,
		CheckpointLSN: e.log.FirstLSN(),
	})
	if err := e.persistState(false); err != nil {
		e.abandon()
		return nil, storeerr.Wrap(e.name, "create", err)
	}

	e.start()
	e.journal(ctx, EventCreated, "storage "+e.state.get().ID, time.Since(start))
	e.logger.Info("storage created", "dir", e.dir, "memory", e.memory)
	return e, nil
}

// Open opens an existing storage and recovers it if it was not closed cleanly.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	opts, dir, memory, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if !stateExists(opts.Fs, dir) {
		return nil, storeerr.Wrap(opts.Name, "open", fmt.Errorf("%w: %s", storeerr.ErrStorageNotFound, dir))
	}

	e := newEngine(opts, dir, memory)
	start := time.Now()
	if e.state, err = loadState(e.fs, e.dir); err != nil {
		return nil, storeerr.Wrap(e.name, "open", err)
	}
	st := e.state.get()
	if st.LastMetadata != nil {
		meta := st.LastMetadata
		e.lastMetadata.Store(&meta)
	}
	if err := e.openComponents(st.Files, st.CheckpointLSN); err != nil {
		return nil, storeerr.Wrap(e.name, "open", err)
	}
	e.files.SetNextID(st.NextFileID)

	if !st.Clean {
		if err := e.recover(ctx, st.CheckpointLSN); err != nil {
			e.abandon()
			return nil, storeerr.Wrap(e.name, "recover", err)
		}
	}

	if err := e.loadCatalog(); err != nil {
		e.abandon()
		return nil, storeerr.Wrap(e.name, "open", err)
	}
	if e.recovery != nil {
		// Drop the replayed log so the next crash does not replay it again
		if err := e.fullCheckpoint(ctx); err != nil {
			e.abandon()
			return nil, storeerr.Wrap(e.name, "recover", err)
		}
	}
	if err := e.persistState(false); err != nil {
		e.abandon()
		return nil, storeerr.Wrap(e.name, "open", err)
	}

	e.start()
	e.journal(ctx, EventOpened, fmt.Sprintf("clean=%v", st.Clean), time.Since(start))
	e.logger.Info("storage opened",
		"dir", e.dir,
		"collections", len(e.collections),
		"index_engines", len(e.engines),
		"recovered", e.recovery != nil)
	return e, nil
}

func (e *Engine) openComponents(entries []storage.FileEntry, minLSN wal.LSN) error {
	log, err := wal.Open(wal.Options{
		Fs:          e.fs,
		Dir:         filepath.Join(e.dir, "wal"),
		SegmentSize: int64(e.cfg.WAL.SegmentSizeMB) << 20,
		MinLSN:      minLSN,
	})
	if err != nil {
		return err
	}
	files, err := storage.OpenFiles(e.fs, e.dir, entries)
	if err != nil {
		log.Close()
		return err
	}

	e.log = log
	e.files = files
	e.pool = storage.NewBufferPool(e.cfg.Cache.Pages, files, log)
	e.ro = storage.NewReadOnly(e.pool, files)
	e.ops = atomicop.NewManager(atomicop.Options{
		Name:         e.name,
		WAL:          log,
		Pool:         e.pool,
		Files:        files,
		SyncOnCommit: e.cfg.WAL.SyncOnCommit,
		OnFatal:      func(err error) { e.fail(err) },
		Logger:       e.logger.With("component", "atomicop"),
	})

	if e.cfg.History.Enabled {
		// SQLite writes through the OS, so storages on other file systems keep
		// their journal in memory
		path := ":memory:"
		if _, onDisk := e.fs.(*afero.OsFs); onDisk && !e.memory {
			path = filepath.Join(e.dir, e.cfg.History.File)
		}
		h, err := OpenHistory(path, e.name)
		if err != nil {
			e.logger.Warn("maintenance history disabled", "error", err)
		} else {
			e.history = h
		}
	}
	return nil
}

func (e *Engine) recover(ctx context.Context, from wal.LSN) error {
	e.logger.Warn("storage was not closed cleanly, starting recovery", "from_lsn", from)
	res, err := atomicop.Recover(ctx, e.log, e.pool, e.files, from, e.logger.With("component", "recovery"))
	if err != nil {
		return err
	}
	if err := e.pool.FlushAllPages(ctx); err != nil {
		return err
	}
	if res.Metadata != nil {
		meta := res.Metadata
		e.lastMetadata.Store(&meta)
	}
	e.recovery = res
	metrics.RecoveredRecordsTotal.WithLabelValues(e.name).Add(float64(res.Records))
	e.journal(ctx, EventRecovered, fmt.Sprintf("records=%d committed=%d discarded=%d", res.Records, res.Committed, res.Discarded), res.Duration)
	return nil
}

func (e *Engine) start() {
	e.status = statusOpen
	e.walAtCheckpoint.Store(e.log.Size())
	if e.cfg.Checkpoint.Auto && e.cfg.Checkpoint.PollInterval > 0 {
		e.wg.Add(1)
		go e.checkpointer()
	}
}

// Name returns the storage name.
func (e *Engine) Name() string {
	return e.name
}

// ID returns the storage instance id.
func (e *Engine) ID() string {
	return e.state.get().ID
}

func (e *Engine) Dir() string {
	return e.dir
}

// IsMemory reports whether the storage lives in memory only.
func (e *Engine) IsMemory() bool {
	return e.memory
}

func (e *Engine) Config() *config.Config {
	return e.cfg
}

// SetClassResolver installs the lookup used to route new records without a collection.
func (e *Engine) SetClassResolver(r ClassResolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolver = r
}

// LastMetadata returns the metadata blob of the last committed transaction that had one.
func (e *Engine) LastMetadata() []byte {
	if p := e.lastMetadata.Load(); p != nil {
		return *p
	}
	return nil
}

// History returns the maintenance journal, or nil when it is disabled.
func (e *Engine) History() *History {
	return e.history
}

// enter takes the read side of the lifecycle lock for one call.
func (e *Engine) enter() (func(), error) {
	e.stateLock.RLock()
	if e.status != statusOpen {
		e.stateLock.RUnlock()
		return nil, storeerr.ErrStorageClosed
	}
	if b := e.broken.Load(); b != nil {
		e.stateLock.RUnlock()
		return nil, b.err
	}
	return e.stateLock.RUnlock, nil
}

// Broken returns the error that moved the engine into the terminal error state, or nil.
func (e *Engine) Broken() error {
	if b := e.broken.Load(); b != nil {
		return b.err
	}
	return nil
}

// fail moves the engine into the terminal error state and returns err wrapped
// in ErrStorageBroken.
func (e *Engine) fail(err error) error {
	if !storeerr.Is(err, storeerr.ErrStorageBroken) {
		err = fmt.Errorf("%w: %w", storeerr.ErrStorageBroken, err)
	}
	if e.broken.CompareAndSwap(nil, &brokenState{err: err}) {
		e.logger.Error("storage entered error state, restart is required", "error", err)
		e.tracker.RecordError(err, storeerr.ErrorFatal)
		metrics.ErrorsTotal.WithLabelValues(e.name, storeerr.ErrorFatal.String()).Inc()
		e.journal(context.Background(), EventBroken, err.Error(), 0)
	}
	return e.broken.Load().err
}

// wrap classifies and counts err and tags it with the storage name.
func (e *Engine) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	category := e.classifier.Classify(err)
	e.tracker.RecordError(err, category)
	metrics.ErrorsTotal.WithLabelValues(e.name, category.String()).Inc()
	return storeerr.Wrap(e.name, op, err)
}

func (e *Engine) journal(ctx context.Context, kind, detail string, d time.Duration) {
	if e.history == nil {
		return
	}
	if err := e.history.Record(ctx, kind, detail, d); err != nil {
		e.logger.Warn("failed to record history event", "kind", kind, "error", err)
	}
}

// RecordEvent adds an entry to the maintenance journal, if it is enabled.
func (e *Engine) RecordEvent(ctx context.Context, kind, detail string, d time.Duration) {
	e.journal(ctx, kind, detail, d)
}

// persistState writes storage.json with the current file registry.
func (e *Engine) persistState(clean bool) error {
	return e.state.update(func(st *storageState) {
		st.Clean = clean
		st.Files = e.files.Entries()
		st.NextFileID = e.files.NextID()
		st.LastLSN = e.log.LastLSN()
		st.LastMetadata = e.LastMetadata()
	})
}

func (e *Engine) stopCheckpointer() {
	select {
	case <-e.stop:
		return
	default:
		close(e.stop)
	}
	e.wg.Wait()
}

// Close takes a full checkpoint, marks the storage clean and releases every file.
// A broken engine is closed without marking it clean so the next open recovers.
func (e *Engine) Close(ctx context.Context) error {
	e.stopCheckpointer()

	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if e.status != statusOpen {
		return nil
	}
	e.status = statusClosed
	defer e.closed()

	if e.Broken() != nil {
		e.logger.Warn("closing broken storage without checkpoint")
		e.log.Close()
		e.files.Abandon()
		return nil
	}

	start := time.Now()
	if err := e.fullCheckpoint(ctx); err != nil {
		e.abandon()
		return storeerr.Wrap(e.name, "close", err)
	}
	if err := e.persistState(true); err != nil {
		e.abandon()
		return storeerr.Wrap(e.name, "close", err)
	}
	if err := e.log.Close(); err != nil {
		e.files.Abandon()
		return storeerr.Wrap(e.name, "close", err)
	}
	if err := e.files.CloseAll(); err != nil {
		return storeerr.Wrap(e.name, "close", err)
	}
	e.journal(ctx, EventClosed, "clean", time.Since(start))
	e.logger.Info("storage closed")
	return nil
}

// Halt stops the engine the way a process crash would: nothing is flushed and
// the storage is left marked unclean.
func (e *Engine) Halt() {
	e.stopCheckpointer()

	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if e.status != statusOpen {
		return
	}
	e.status = statusClosed
	e.abandon()
	e.closed()
}

func (e *Engine) abandon() {
	e.log.Abandon()
	e.files.Abandon()
}

func (e *Engine) closed() {
	if e.history != nil {
		e.history.Close()
		e.history = nil
	}
	if e.onClose != nil {
		e.onClose(e)
	}
}

// Freeze blocks new atomic operations and waits for running ones. Calls nest.
func (e *Engine) Freeze(ctx context.Context) error {
	leave, err := e.enter()
	if err != nil {
		return e.wrap("freeze", err)
	}
	defer leave()
	return e.wrap("freeze", e.ops.Freeze(ctx))
}

// Release undoes one Freeze.
func (e *Engine) Release() {
	e.ops.Release()
}

// Operations exposes the atomic operation manager to tests and tools that
// need its hooks.
func (e *Engine) Operations() *atomicop.Manager {
	return e.ops
}
