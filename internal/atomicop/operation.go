package atomicop

import (
	"fmt"
	"sort"
	"sync"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/storage"
	"github.com/JetBrains/youtrackdb-sub019/internal/wal"
)

type shadowPage struct {
	page  *storage.Page
	orig  [storage.PageSize]byte
	isNew bool
}

type createdFile struct {
	id   storage.FileID
	name string
}

// Operation is one atomic unit of physical change. It implements storage.PageIO.
// An Operation is used by one goroutine.
type Operation struct {
	m        *Manager
	unitID   uint64
	startLSN wal.LSN
	hooks    Hooks

	shadows    map[storage.PageKey]*shadowPage
	allocStart map[storage.FileID]storage.PageID
	created    []createdFile
	deleted    []storage.FileID
	metadata   []byte
	locks      []sync.Locker
	done       bool
}

var _ storage.PageIO = (*Operation)(nil)

// UnitID returns the operation-unit id
func (op *Operation) UnitID() uint64 {
	return op.unitID
}

// StartLSN returns the LSN of the unit-start record
func (op *Operation) StartLSN() wal.LSN {
	return op.startLSN
}

// Load returns the operation's own copy of a page if it has one, the committed page otherwise.
func (op *Operation) Load(file storage.FileID, page storage.PageID) (*storage.Page, error) {
	if err := op.checkOpen(); err != nil {
		return nil, err
	}
	if sp, ok := op.shadows[storage.PageKey{File: file, Page: page}]; ok {
		return sp.page, nil
	}
	return op.m.opts.Pool.FetchPage(storage.PageKey{File: file, Page: page})
}

// LoadForWrite returns a private copy of a page that the operation may modify.
func (op *Operation) LoadForWrite(file storage.FileID, page storage.PageID) (*storage.Page, error) {
	if err := op.checkOpen(); err != nil {
		return nil, err
	}
	key := storage.PageKey{File: file, Page: page}
	if sp, ok := op.shadows[key]; ok {
		return sp.page, nil
	}

	committed, err := op.m.opts.Pool.FetchPage(key)
	if err != nil {
		return nil, err
	}
	shadow := committed.ShadowCopy()
	op.m.opts.Pool.Unpin(committed)

	sp := &shadowPage{page: shadow}
	sp.orig = shadow.Data
	op.shadows[key] = sp
	return shadow, nil
}

// Allocate reserves a new page at the end of a file.
func (op *Operation) Allocate(file storage.FileID, pageType byte) (*storage.Page, error) {
	if err := op.checkOpen(); err != nil {
		return nil, err
	}
	files := op.m.opts.Files
	id, err := files.Reserve(file)
	if err != nil {
		return nil, err
	}
	if _, ok := op.allocStart[file]; !ok {
		op.allocStart[file] = id
	}

	page := storage.NewShadowPage(file, id, pageType)
	op.shadows[page.Key()] = &shadowPage{page: page, isNew: true}
	return page, nil
}

// Release hands back a page returned by Load.
func (op *Operation) Release(page *storage.Page) {
	if page == nil || page.IsShadow() {
		return
	}
	op.m.opts.Pool.Unpin(page)
}

// PageCount returns the page count of a file including pages reserved by this operation.
func (op *Operation) PageCount(file storage.FileID) storage.PageID {
	return op.m.opts.Files.PageCount(file)
}

// CreateFile creates and registers a file. It is removed again on rollback.
func (op *Operation) CreateFile(name string) (storage.FileID, error) {
	return op.createFile(func(files *storage.Files) (*storage.File, error) {
		return files.Create(name)
	})
}

// CreateUniqueFile is CreateFile with a name derived from the new file id.
func (op *Operation) CreateUniqueFile(stem, ext string) (storage.FileID, error) {
	return op.createFile(func(files *storage.Files) (*storage.File, error) {
		return files.CreateUnique(stem, ext)
	})
}

func (op *Operation) createFile(create func(*storage.Files) (*storage.File, error)) (storage.FileID, error) {
	if err := op.checkOpen(); err != nil {
		return 0, err
	}
	file, err := create(op.m.opts.Files)
	if err != nil {
		return 0, err
	}
	op.created = append(op.created, createdFile{id: file.ID, name: file.Name})
	return file.ID, nil
}

// DeleteFile schedules a file for deletion when the operation commits.
func (op *Operation) DeleteFile(id storage.FileID) {
	op.deleted = append(op.deleted, id)
}

// SetMetadata attaches a metadata blob that is logged with the unit.
func (op *Operation) SetMetadata(b []byte) {
	op.metadata = append([]byte(nil), b...)
}

// LockTillComplete acquires l and keeps it until the operation commits or rolls back.
func (op *Operation) LockTillComplete(l sync.Locker) {
	l.Lock()
	op.locks = append(op.locks, l)
}

// Touched returns the number of pages changed so far.
func (op *Operation) Touched() int {
	return len(op.shadows)
}

func (op *Operation) checkOpen() error {
	if op.done {
		return storeerr.ErrOperationClosed
	}
	return nil
}

// Commit logs the unit and installs its pages into the cache.
func (op *Operation) Commit() error {
	if err := op.checkOpen(); err != nil {
		return err
	}
	defer op.finish()

	m := op.m
	log := m.opts.WAL
	unit := op.unitID

	for _, f := range op.created {
		rec := &wal.Record{UnitID: unit, Type: wal.RecordTypeFileCreated, FileID: uint32(f.id), After: []byte(f.name)}
		if _, err := log.Append(rec); err != nil {
			return m.fail(fmt.Errorf("failed to log file creation: %w", err))
		}
	}

	deleted := make(map[storage.FileID]bool, len(op.deleted))
	for _, id := range op.deleted {
		deleted[id] = true
	}

	keys := make([]storage.PageKey, 0, len(op.shadows))
	for key := range op.shadows {
		if !deleted[key.File] {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].File != keys[j].File {
			return keys[i].File < keys[j].File
		}
		return keys[i].Page < keys[j].Page
	})

	lsns := make(map[storage.PageKey]wal.LSN, len(keys))
	for _, key := range keys {
		sp := op.shadows[key]
		offset, before, after, changed := storage.Delta(&sp.orig, &sp.page.Data)
		if !changed {
			continue
		}
		lsn, err := log.Append(&wal.Record{
			UnitID: unit,
			Type:   wal.RecordTypePageUpdate,
			FileID: uint32(key.File),
			PageID: uint64(key.Page),
			Offset: uint32(offset),
			Before: before,
			After:  after,
		})
		if err != nil {
			return m.fail(fmt.Errorf("failed to log page update: %w", err))
		}
		lsns[key] = lsn
	}

	if op.metadata != nil {
		if _, err := log.Append(&wal.Record{UnitID: unit, Type: wal.RecordTypeMetadata, After: op.metadata}); err != nil {
			return m.fail(fmt.Errorf("failed to log metadata: %w", err))
		}
	}
	for _, id := range op.deleted {
		if _, err := log.Append(&wal.Record{UnitID: unit, Type: wal.RecordTypeFileDeleted, FileID: uint32(id)}); err != nil {
			return m.fail(fmt.Errorf("failed to log file deletion: %w", err))
		}
	}

	if op.hooks.BeforeUnitEnd != nil {
		if err := op.hooks.BeforeUnitEnd(unit); err != nil {
			return m.fail(err)
		}
	}

	if _, err := log.Append(&wal.Record{UnitID: unit, Type: wal.RecordTypeUnitEnd}); err != nil {
		return m.fail(fmt.Errorf("failed to log unit end: %w", err))
	}
	if m.opts.SyncOnCommit {
		if err := log.Sync(); err != nil {
			return m.fail(fmt.Errorf("failed to sync WAL: %w", err))
		}
	}

	if op.hooks.AfterUnitEnd != nil {
		if err := op.hooks.AfterUnitEnd(unit); err != nil {
			return m.fail(err)
		}
	}

	pool := m.opts.Pool
	for _, key := range keys {
		lsn, ok := lsns[key]
		if !ok {
			continue
		}
		if err := pool.Install(key, &op.shadows[key].page.Data, uint64(lsn)); err != nil {
			return m.fail(fmt.Errorf("failed to install page %s: %w", key, err))
		}
	}

	for _, id := range op.deleted {
		pool.DropFile(id)
		if err := m.opts.Files.Delete(id); err != nil {
			// The deletion is logged; recovery or the next open removes the file
			m.logger.Warn("failed to remove deleted file", "file", id, "error", err)
		}
	}
	return nil
}

// Rollback discards every change of the operation.
func (op *Operation) Rollback() error {
	if op.done {
		return nil
	}
	defer op.finish()

	m := op.m
	for file, start := range op.allocStart {
		m.opts.Files.ResetReservation(file, start)
	}
	op.shadows = nil

	for _, f := range op.created {
		m.opts.Pool.DropFile(f.id)
		if err := m.opts.Files.Delete(f.id); err != nil {
			m.logger.Warn("failed to remove file created by rolled back unit", "file", f.name, "error", err)
		}
	}

	rec := &wal.Record{UnitID: op.unitID, Type: wal.RecordTypeUnitEnd, Flags: wal.FlagRollback}
	if _, err := m.opts.WAL.Append(rec); err != nil {
		return m.fail(fmt.Errorf("failed to log rollback: %w", err))
	}
	return nil
}

func (op *Operation) finish() {
	op.done = true
	op.m.end(op.unitID)
	for i := len(op.locks) - 1; i >= 0; i-- {
		op.locks[i].Unlock()
	}
	op.locks = nil
}
