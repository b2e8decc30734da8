package storage

import (
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
)

// PageIO is the page access contract of collections and index engines.
// Pages returned by Load must not be modified; LoadForWrite and Allocate return
// pages that may be. Every returned page is handed back through Release.
type PageIO interface {
	Load(file FileID, page PageID) (*Page, error)
	LoadForWrite(file FileID, page PageID) (*Page, error)
	Allocate(file FileID, pageType byte) (*Page, error)
	Release(page *Page)
	PageCount(file FileID) PageID
}

// ReadOnly serves committed pages straight from the buffer pool.
type ReadOnly struct {
	Pool  *BufferPool
	Files *Files
}

// NewReadOnly creates a read-only PageIO over the cache
func NewReadOnly(pool *BufferPool, files *Files) *ReadOnly {
	return &ReadOnly{Pool: pool, Files: files}
}

func (r *ReadOnly) Load(file FileID, page PageID) (*Page, error) {
	return r.Pool.FetchPage(PageKey{File: file, Page: page})
}

func (r *ReadOnly) LoadForWrite(FileID, PageID) (*Page, error) {
	return nil, storeerr.ErrReadOnly
}

func (r *ReadOnly) Allocate(FileID, byte) (*Page, error) {
	return nil, storeerr.ErrReadOnly
}

func (r *ReadOnly) Release(page *Page) {
	if page != nil {
		r.Pool.Unpin(page)
	}
}

func (r *ReadOnly) PageCount(file FileID) PageID {
	return r.Files.PageCount(file)
}
