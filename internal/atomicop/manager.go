// Package atomicop brackets physical changes into WAL-backed atomic operations.
//
// An Operation keeps private copies of every page it changes. On commit the
// changes are logged as page deltas followed by a unit-end record, and only then
// are the pages installed into the shared cache. Uncommitted data therefore never
// reaches the cache or the data files, and recovery only has to redo units whose
// unit-end record made it to the log.
package atomicop

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/logger"
	"github.com/JetBrains/youtrackdb-sub019/internal/metrics"
	"github.com/JetBrains/youtrackdb-sub019/internal/storage"
	"github.com/JetBrains/youtrackdb-sub019/internal/wal"
)

// Options configures a Manager.
type Options struct {
	Name         string // storage name, used in logs and metrics
	WAL          *wal.WAL
	Pool         *storage.BufferPool
	Files        *storage.Files
	SyncOnCommit bool
	// OnFatal is called once when a durable write fails.
	OnFatal func(error)
	Logger  *slog.Logger
}

// Hooks lets tests interrupt a commit at fixed points.
type Hooks struct {
	// BeforeUnitEnd runs after the page deltas were logged. A non-nil error
	// abandons the commit as if the process died at that point.
	BeforeUnitEnd func(unitID uint64) error
	// AfterUnitEnd runs after the unit-end record was logged and synced.
	AfterUnitEnd func(unitID uint64) error
}

// Manager hands out atomic operations and coordinates freeze/release.
type Manager struct {
	opts     Options
	logger   *slog.Logger
	nextUnit atomic.Uint64

	mu          sync.Mutex
	active      map[uint64]wal.LSN // unit id -> unit-start LSN
	idle        chan struct{}      // closed while no unit is active
	thaw        chan struct{}      // closed while not frozen
	freezeCount int
	hooks       Hooks
	fatalOnce   sync.Once
}

// NewManager creates a new atomic operation manager
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.Component("atomicop")
	}
	idle := make(chan struct{})
	close(idle)
	thaw := make(chan struct{})
	close(thaw)
	m := &Manager{
		opts:   opts,
		logger: opts.Logger,
		active: make(map[uint64]wal.LSN),
		idle:   idle,
		thaw:   thaw,
	}
	// Every unit consumes at least one LSN, so seeding with the last LSN keeps
	// unit ids unique across restarts.
	m.nextUnit.Store(uint64(opts.WAL.LastLSN()))
	return m
}

// SetHooks installs test hooks.
func (m *Manager) SetHooks(h Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = h
}

// Start opens a new atomic operation. It waits while operations are frozen.
func (m *Manager) Start(ctx context.Context) (*Operation, error) {
	m.mu.Lock()
	for m.freezeCount > 0 {
		thaw := m.thaw
		m.mu.Unlock()
		select {
		case <-thaw:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.Lock()
	}

	unitID := m.nextUnit.Add(1)
	lsn, err := m.opts.WAL.Append(&wal.Record{UnitID: unitID, Type: wal.RecordTypeUnitStart})
	if err != nil {
		m.mu.Unlock()
		return nil, m.fail(fmt.Errorf("failed to log unit start: %w", err))
	}
	if len(m.active) == 0 {
		m.idle = make(chan struct{})
	}
	m.active[unitID] = lsn
	hooks := m.hooks
	m.mu.Unlock()

	metrics.ActiveOperations.WithLabelValues(m.opts.Name).Inc()
	return &Operation{
		m:          m,
		unitID:     unitID,
		startLSN:   lsn,
		hooks:      hooks,
		shadows:    make(map[storage.PageKey]*shadowPage),
		allocStart: make(map[storage.FileID]storage.PageID),
	}, nil
}

// Execute runs body inside a new atomic operation. The operation commits when
// body returns nil and rolls back otherwise; the body's error is returned as is.
func (m *Manager) Execute(ctx context.Context, body func(op *Operation) error) (err error) {
	op, err := m.Start(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			op.Rollback()
			panic(r)
		}
	}()

	if err := body(op); err != nil {
		if rbErr := op.Rollback(); rbErr != nil {
			m.logger.Error("rollback failed", "unit", op.unitID, "error", rbErr)
		}
		return err
	}
	return op.Commit()
}

// end removes a finished unit from the active set.
func (m *Manager) end(unitID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[unitID]; !ok {
		return
	}
	delete(m.active, unitID)
	if len(m.active) == 0 {
		close(m.idle)
	}
	metrics.ActiveOperations.WithLabelValues(m.opts.Name).Dec()
}

// Freeze blocks new operations and waits for in-flight ones to finish.
// Freeze is reentrant; every successful call must be paired with Release.
func (m *Manager) Freeze(ctx context.Context) error {
	m.mu.Lock()
	m.freezeCount++
	if m.freezeCount == 1 {
		m.thaw = make(chan struct{})
	}
	idle := m.idle
	m.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		m.Release()
		return ctx.Err()
	}
}

// Release undoes one Freeze.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freezeCount == 0 {
		return
	}
	m.freezeCount--
	if m.freezeCount == 0 {
		close(m.thaw)
	}
}

// Frozen reports whether new operations are blocked.
func (m *Manager) Frozen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freezeCount > 0
}

// ActiveCount returns the number of operations in flight.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// OldestActiveLSN returns the unit-start LSN of the oldest operation in flight.
func (m *Manager) OldestActiveLSN() (wal.LSN, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active) == 0 {
		return 0, false
	}
	lsns := make([]wal.LSN, 0, len(m.active))
	for _, lsn := range m.active {
		lsns = append(lsns, lsn)
	}
	sort.Slice(lsns, func(i, j int) bool { return lsns[i] < lsns[j] })
	return lsns[0], true
}

// LogNonTxOperation records that files were changed outside any atomic operation.
func (m *Manager) LogNonTxOperation(note string) error {
	if _, err := m.opts.WAL.Append(&wal.Record{Type: wal.RecordTypeNonTxOperation, After: []byte(note)}); err != nil {
		return m.fail(fmt.Errorf("failed to log non-transactional operation: %w", err))
	}
	return nil
}

// fail reports a durable-write failure. The returned error wraps ErrStorageBroken.
func (m *Manager) fail(err error) error {
	m.fatalOnce.Do(func() {
		m.logger.Error("atomic operation failed while writing durably", "storage", m.opts.Name, "error", err)
		if m.opts.OnFatal != nil {
			m.opts.OnFatal(err)
		}
	})
	return fmt.Errorf("%w: %w", storeerr.ErrStorageBroken, err)
}
