package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
)

// FileID identifies a paged file of the storage.
type FileID uint32

// PageKey identifies a page across files.
type PageKey struct {
	File FileID
	Page PageID
}

func (k PageKey) String() string {
	return fmt.Sprintf("%d:%d", k.File, k.Page)
}

// FileEntry is the persisted form of a registered file.
type FileEntry struct {
	ID   FileID `json:"id"`
	Name string `json:"name"`
}

// File is a registered paged file.
type File struct {
	ID    FileID
	Name  string
	pager *Pager

	mu   sync.Mutex
	next PageID // logical page count, including installed pages not yet flushed
}

// Files is the registry of paged files in the storage directory.
type Files struct {
	fs     afero.Fs
	dir    string
	mu     sync.RWMutex
	byID   map[FileID]*File
	byName map[string]FileID
	nextID FileID
}

// OpenFiles opens every registered file.
func OpenFiles(fs afero.Fs, dir string, entries []FileEntry) (*Files, error) {
	f := &Files{
		fs:     fs,
		dir:    dir,
		byID:   make(map[FileID]*File),
		byName: make(map[string]FileID),
		nextID: 1,
	}
	for _, e := range entries {
		if _, err := f.CreateWithID(e.ID, e.Name); err != nil {
			f.CloseAll()
			return nil, err
		}
	}
	return f, nil
}

// Create registers and creates a new file under a fresh id.
func (f *Files) Create(name string) (*File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createLocked(f.nextID, name)
}

// CreateUnique creates a new file named stem.<id>ext. Ids are never reused,
// so a component dropped and created again under the same name gets a file
// name the log has not seen before.
func (f *Files) CreateUnique(stem, ext string) (*File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createLocked(f.nextID, fmt.Sprintf("%s.%d%s", stem, f.nextID, ext))
}

// CreateWithID registers a file under an explicit id. Registering an existing
// (id, name) pair returns the existing file.
func (f *Files) CreateWithID(id FileID, name string) (*File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createLocked(id, name)
}

func (f *Files) createLocked(id FileID, name string) (*File, error) {
	if existing, ok := f.byID[id]; ok {
		if existing.Name == name {
			return existing, nil
		}
		return nil, fmt.Errorf("file id %d already used by %s", id, existing.Name)
	}
	if _, ok := f.byName[name]; ok {
		return nil, fmt.Errorf("file %s already exists", name)
	}

	pager, err := OpenPager(f.fs, filepath.Join(f.dir, name))
	if err != nil {
		return nil, err
	}

	file := &File{ID: id, Name: name, pager: pager, next: pager.GetNextPageID()}
	f.byID[id] = file
	f.byName[name] = id
	if id >= f.nextID {
		f.nextID = id + 1
	}
	return file, nil
}

// Delete closes, unregisters and removes a file.
func (f *Files) Delete(id FileID) error {
	f.mu.Lock()
	file, ok := f.byID[id]
	if ok {
		delete(f.byID, id)
		delete(f.byName, file.Name)
	}
	f.mu.Unlock()

	if !ok {
		return nil
	}
	file.pager.abandon()
	if err := f.fs.Remove(file.pager.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", storeerr.ErrDiskWriteFailed, err)
	}
	return nil
}

// Get returns a registered file.
func (f *Files) Get(id FileID) (*File, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	file, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", storeerr.ErrFileNotFound, id)
	}
	return file, nil
}

// Lookup resolves a file name.
func (f *Files) Lookup(name string) (FileID, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	id, ok := f.byName[name]
	return id, ok
}

// Exists reports whether a file with the given name exists on disk, registered or not.
func (f *Files) Exists(name string) bool {
	ok, _ := afero.Exists(f.fs, filepath.Join(f.dir, name))
	return ok
}

// RemoveUnregistered deletes a file left on disk without a registration.
func (f *Files) RemoveUnregistered(name string) error {
	if _, ok := f.Lookup(name); ok {
		return nil
	}
	if err := f.fs.Remove(filepath.Join(f.dir, name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Entries returns the registry in id order for persisting.
func (f *Files) Entries() []FileEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]FileEntry, 0, len(f.byID))
	for id, file := range f.byID {
		out = append(out, FileEntry{ID: id, Name: file.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PageCount returns the logical number of pages of a file.
func (f *Files) PageCount(id FileID) PageID {
	file, err := f.Get(id)
	if err != nil {
		return 0
	}
	file.mu.Lock()
	defer file.mu.Unlock()
	return file.next
}

// Reserve hands out the next page id of a file.
func (f *Files) Reserve(id FileID) (PageID, error) {
	file, err := f.Get(id)
	if err != nil {
		return 0, err
	}
	file.mu.Lock()
	defer file.mu.Unlock()
	pageID := file.next
	file.next++
	return pageID, nil
}

// ResetReservation rolls the page counter of a file back to next.
func (f *Files) ResetReservation(id FileID, next PageID) {
	file, err := f.Get(id)
	if err != nil {
		return
	}
	file.mu.Lock()
	defer file.mu.Unlock()
	if next < file.next {
		file.next = next
	}
}

// ensurePages raises the logical page count after redo or install.
func (file *File) ensurePages(n PageID) {
	file.mu.Lock()
	defer file.mu.Unlock()
	if n > file.next {
		file.next = n
	}
}

// SyncAll fsyncs every file in parallel.
func (f *Files) SyncAll(ctx context.Context) error {
	f.mu.RLock()
	files := make([]*File, 0, len(f.byID))
	for _, file := range f.byID {
		files = append(files, file)
	}
	f.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, file := range files {
		g.Go(func() error {
			return file.pager.Sync()
		})
	}
	return g.Wait()
}

// CloseAll syncs and closes every file.
func (f *Files) CloseAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for _, file := range f.byID {
		if err := file.pager.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Abandon closes every file without syncing.
func (f *Files) Abandon() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, file := range f.byID {
		file.pager.abandon()
	}
}

// TotalSize returns the physical size of all files in bytes.
func (f *Files) TotalSize() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var total int64
	for _, file := range f.byID {
		total += int64(file.pager.GetNextPageID()) * PageSize
	}
	return total
}

// NextID returns the id the next created file will get.
func (f *Files) NextID() FileID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nextID
}

// SetNextID raises the next file id so deleted ids are never handed out again.
func (f *Files) SetNextID(id FileID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id > f.nextID {
		f.nextID = id
	}
}
