// Package storage implements the paged file layer of the engine.
//
// It is responsible for:
// 1. Pager: file I/O for one paged file split into 8KB pages.
// 2. Files: the registry mapping file ids to names and pagers.
// 3. BufferPool: the shared SLRU page cache holding committed page images.
// 4. PageIO: the page access contract used by collections and B-trees.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
)

// Pager manages disk I/O for fixed-size pages of one file.
type Pager struct {
	fs         afero.Fs
	path       string
	file       afero.File
	mu         sync.RWMutex
	nextPageID PageID // pages physically present in the file
}

// OpenPager opens or creates a paged file.
func OpenPager(fs afero.Fs, path string) (*Pager, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	file, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storeerr.ErrDiskWriteFailed, err)
	}

	// Get file size to determine next page ID
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", storeerr.ErrDiskReadFailed, err)
	}

	return &Pager{
		fs:         fs,
		path:       path,
		file:       file,
		nextPageID: PageID(info.Size() / PageSize),
	}, nil
}

// Extend grows the file so that it holds at least n pages.
func (p *Pager) Extend(n PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n <= p.nextPageID {
		return nil
	}
	if err := p.file.Truncate(int64(n) * PageSize); err != nil {
		return fmt.Errorf("%w: %v", storeerr.ErrDiskWriteFailed, err)
	}
	p.nextPageID = n
	return nil
}

// ReadPage reads the page data from disk into memory.
func (p *Pager) ReadPage(pageID PageID) (*Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if pageID >= p.nextPageID {
		return nil, storeerr.ErrInvalidPageID
	}

	page := &Page{ID: pageID} // Data is zeroed [PageSize]
	n, err := p.file.ReadAt(page.Data[:], int64(pageID)*PageSize)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("%w: %v", storeerr.ErrDiskReadFailed, err)
	}
	return page, nil
}

// WritePage writes a page to disk, extending the file when the page lies past its end.
func (p *Pager) WritePage(page *Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	page.mu.RLock()
	data := page.Data
	page.mu.RUnlock()

	if _, err := p.file.WriteAt(data[:], int64(page.ID)*PageSize); err != nil {
		return fmt.Errorf("%w: %v", storeerr.ErrDiskWriteFailed, err)
	}
	if page.ID >= p.nextPageID {
		p.nextPageID = page.ID + 1
	}
	return nil
}

// Sync flushes all pending writes to disk
func (p *Pager) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.file == nil {
		return nil
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", storeerr.ErrDiskWriteFailed, err)
	}
	return nil
}

// Close closes the pager
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file != nil {
		if err := p.file.Sync(); err != nil {
			return fmt.Errorf("%w: %v", storeerr.ErrDiskWriteFailed, err)
		}
		err := p.file.Close()
		p.file = nil
		return err
	}
	return nil
}

// abandon closes the file without syncing.
func (p *Pager) abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file != nil {
		p.file.Close()
		p.file = nil
	}
}

// GetNextPageID returns the number of pages present in the file
func (p *Pager) GetNextPageID() PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextPageID
}

// Path returns the file path
func (p *Pager) Path() string {
	return p.path
}
