package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
)

// registryEntry is an engine being opened or already open.
type registryEntry struct {
	engine   *Engine
	initDone chan struct{} // closed once the engine is opened or failed
	initErr  error
}

// Registry tracks the engines open in this process, keyed by storage path.
// Concurrent opens of the same path share one engine.
type Registry struct {
	engines sync.Map // key (string) -> *registryEntry
	closed  atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// registryKey normalizes a storage path so "memory:x" and "memory:/x" match.
func registryKey(path string) string {
	if rest, ok := strings.CutPrefix(path, MemoryPrefix); ok {
		return MemoryPrefix + filepath.Join("/", rest)
	}
	return filepath.Clean(path)
}

// Open returns the engine at opts.Path, opening it or creating it when no
// storage exists there yet.
func (r *Registry) Open(ctx context.Context, opts Options) (*Engine, error) {
	if r.closed.Load() {
		return nil, fmt.Errorf("registry is closed: %w", storeerr.ErrStorageClosed)
	}
	path := opts.Path
	if path == "" && opts.Config != nil {
		path = opts.Config.Storage.Path
	}
	if path == "" {
		return nil, fmt.Errorf("%w: storage path is required", storeerr.ErrConfiguration)
	}
	key := registryKey(path)

	for {
		fresh := &registryEntry{initDone: make(chan struct{})}
		val, loaded := r.engines.LoadOrStore(key, fresh)
		entry := val.(*registryEntry)
		if loaded {
			select {
			case <-entry.initDone:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if entry.initErr != nil {
				return nil, entry.initErr
			}
			if entry.engine.isClosed() {
				// Closing engines remove themselves; retry with a fresh entry
				r.engines.CompareAndDelete(key, entry)
				continue
			}
			return entry.engine, nil
		}

		e, err := openOrCreate(ctx, opts)
		if err != nil {
			fresh.initErr = err
			r.engines.CompareAndDelete(key, fresh)
			close(fresh.initDone)
			return nil, err
		}
		e.onClose = func(*Engine) { r.engines.CompareAndDelete(key, fresh) }
		fresh.engine = e
		close(fresh.initDone)
		return e, nil
	}
}

func openOrCreate(ctx context.Context, opts Options) (*Engine, error) {
	e, err := Open(ctx, opts)
	if storeerr.Is(err, storeerr.ErrStorageNotFound) {
		return Create(ctx, opts)
	}
	return e, err
}

// Get returns the open engine at path.
func (r *Registry) Get(path string) (*Engine, bool) {
	val, ok := r.engines.Load(registryKey(path))
	if !ok {
		return nil, false
	}
	entry := val.(*registryEntry)
	select {
	case <-entry.initDone:
	default:
		return nil, false
	}
	if entry.initErr != nil {
		return nil, false
	}
	return entry.engine, true
}

// Close closes the engine at path, if open.
func (r *Registry) Close(ctx context.Context, path string) error {
	e, ok := r.Get(path)
	if !ok {
		return nil
	}
	return e.Close(ctx)
}

// CloseAll closes every engine and refuses further opens.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.closed.Store(true)
	var firstErr error
	for _, key := range r.Names() {
		if err := r.Close(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Names lists the keys of the open engines, sorted.
func (r *Registry) Names() []string {
	var out []string
	r.engines.Range(func(k, v any) bool {
		entry := v.(*registryEntry)
		select {
		case <-entry.initDone:
			if entry.initErr == nil {
				out = append(out, k.(string))
			}
		default:
		}
		return true
	})
	sort.Strings(out)
	return out
}

func (e *Engine) isClosed() bool {
	e.stateLock.RLock()
	defer e.stateLock.RUnlock()
	return e.status != statusOpen
}
