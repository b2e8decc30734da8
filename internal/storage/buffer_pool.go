package storage

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/metrics"
	"github.com/JetBrains/youtrackdb-sub019/internal/wal"
)

// LogFlusher is the part of the WAL the pool needs to honor write-ahead ordering.
type LogFlusher interface {
	FlushedLSN() wal.LSN
	Sync() error
}

// BufferPool manages in-memory pages using Segmented LRU (SLRU) eviction policy.
// It holds committed page images only; atomic operations install their pages
// after the WAL records describing them were appended.
//
// SLRU Mechanism:
// - **Probation Segment**: New pages start here. If accessed again, they move to Protected.
// - **Protected Segment**: Hot pages reside here. If full, pages are demoted back to Probation.
// - **Eviction**: Always happens from the tail of the Probation segment.
//
// A dirty page is written only after the WAL is durable up to the page LSN.
type BufferPool struct {
	capacity     int
	protectedCap int // Capacity of protected segment (80%)
	pages        map[PageKey]*bufferEntry
	protected    *list.List // Protected segment (hot pages)
	probation    *list.List // Probation segment (new/cold pages)
	files        *Files
	log          LogFlusher
	mu           sync.RWMutex
}

// bufferEntry represents an entry in the buffer pool
type bufferEntry struct {
	page        *Page
	element     *list.Element
	isProtected bool // Tracks which list the element is in
}

// NewBufferPool creates a new buffer pool with the given capacity
func NewBufferPool(capacity int, files *Files, log LogFlusher) *BufferPool {
	protectedCap := int(float64(capacity) * 0.8)
	if protectedCap < 1 {
		protectedCap = 1
	}

	return &BufferPool{
		capacity:     capacity,
		protectedCap: protectedCap,
		pages:        make(map[PageKey]*bufferEntry),
		protected:    list.New(),
		probation:    list.New(),
		files:        files,
		log:          log,
	}
}

// FetchPage retrieves a page. If it's in the cache, it's pinned and promoted (SLRU logic).
// If not, it's loaded from disk via the file's Pager.
func (bp *BufferPool) FetchPage(key PageKey) (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.fetchLocked(key, false)
}

// FetchForRedo is FetchPage for recovery: pages past the end of the file are created.
func (bp *BufferPool) FetchForRedo(key PageKey) (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.fetchLocked(key, true)
}

func (bp *BufferPool) fetchLocked(key PageKey, extend bool) (*Page, error) {
	if entry, exists := bp.pages[key]; exists {
		metrics.CacheHit("page", true)
		entry.page.Pin()
		bp.touchLocked(entry)
		return entry.page, nil
	}
	metrics.CacheHit("page", false)

	file, err := bp.files.Get(key.File)
	if err != nil {
		return nil, err
	}
	if extend && key.Page >= file.pager.GetNextPageID() {
		if err := file.pager.Extend(key.Page + 1); err != nil {
			return nil, err
		}
		file.ensurePages(key.Page + 1)
	}

	page, err := file.pager.ReadPage(key.Page)
	if err != nil {
		return nil, err
	}
	page.File = key.File

	if err := bp.addLocked(key, page); err != nil {
		return nil, err
	}
	page.Pin()
	return page, nil
}

// touchLocked applies SLRU promotion for a cache hit.
func (bp *BufferPool) touchLocked(entry *bufferEntry) {
	if entry.isProtected {
		// Already protected: Just MRU update
		bp.protected.MoveToFront(entry.element)
		return
	}

	// In probation: Upgrade to protected (Second Chance)
	key := entry.element.Value.(PageKey)
	bp.probation.Remove(entry.element)
	entry.element = bp.protected.PushFront(key)
	entry.isProtected = true

	// Enforce protected capacity: Demote LRU of protected to probation
	if bp.protected.Len() > bp.protectedCap {
		if demoteElem := bp.protected.Back(); demoteElem != nil {
			demoteKey := demoteElem.Value.(PageKey)
			demoteEntry := bp.pages[demoteKey]

			bp.protected.Remove(demoteElem)
			demoteEntry.element = bp.probation.PushFront(demoteKey)
			demoteEntry.isProtected = false
		}
	}
}

// addLocked inserts a page into the probation segment, evicting if necessary.
func (bp *BufferPool) addLocked(key PageKey, page *Page) error {
	if len(bp.pages) >= bp.capacity {
		if err := bp.evictPage(); err != nil {
			return err
		}
	}
	element := bp.probation.PushFront(key)
	bp.pages[key] = &bufferEntry{page: page, element: element}
	return nil
}

// Unpin releases a page obtained from FetchPage
func (bp *BufferPool) Unpin(page *Page) {
	page.Unpin()
}

// Install copies a committed page image into the cache and stamps it with lsn.
func (bp *BufferPool) Install(key PageKey, data *[PageSize]byte, lsn uint64) error {
	file, err := bp.files.Get(key.File)
	if err != nil {
		return err
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	entry, exists := bp.pages[key]
	if !exists {
		page := &Page{ID: key.Page, File: key.File}
		if err := bp.addLocked(key, page); err != nil {
			return err
		}
		entry = bp.pages[key]
	}

	page := entry.page
	page.mu.Lock()
	page.Data = *data
	page.SetLSN(lsn)
	if !page.IsDirty {
		page.IsDirty = true
		page.recLSN = lsn
	}
	page.mu.Unlock()

	file.ensurePages(key.Page + 1)
	return nil
}

// RedoPage applies a logged page delta during recovery. The delta is skipped when
// the page already carries the record's LSN or a later one.
func (bp *BufferPool) RedoPage(key PageKey, offset int, after []byte, lsn uint64) (bool, error) {
	if offset < 0 || offset+len(after) > PageSize {
		return false, fmt.Errorf("%w: delta [%d:%d] outside page %s", storeerr.ErrCorruptRecord, offset, offset+len(after), key)
	}
	page, err := bp.FetchForRedo(key)
	if err != nil {
		return false, err
	}
	defer page.Unpin()

	page.mu.Lock()
	defer page.mu.Unlock()
	if page.GetLSN() >= lsn {
		return false, nil
	}
	copy(page.Data[offset:], after)
	page.SetLSN(lsn)
	if !page.IsDirty {
		page.IsDirty = true
		page.recLSN = lsn
	}
	return true, nil
}

// writePage flushes a page honoring the WAL rule.
func (bp *BufferPool) writePage(page *Page) error {
	page.mu.RLock()
	dirty := page.IsDirty
	lsn := page.GetLSN()
	page.mu.RUnlock()
	if !dirty {
		return nil
	}

	if bp.log != nil && wal.LSN(lsn) > bp.log.FlushedLSN() {
		if err := bp.log.Sync(); err != nil {
			return err
		}
	}

	file, err := bp.files.Get(page.File)
	if err != nil {
		return err
	}
	if err := file.pager.WritePage(page); err != nil {
		return err
	}

	// Mark as clean unless it was changed while being written
	page.mu.Lock()
	if page.GetLSN() == lsn {
		page.IsDirty = false
		page.recLSN = 0
	}
	page.mu.Unlock()
	return nil
}

// FlushPage writes a page to disk if it's dirty
func (bp *BufferPool) FlushPage(key PageKey) error {
	bp.mu.RLock()
	entry, exists := bp.pages[key]
	bp.mu.RUnlock()

	if !exists {
		return storeerr.ErrPageNotFound
	}
	return bp.writePage(entry.page)
}

// FlushAllPages writes all dirty pages to disk and syncs the files
func (bp *BufferPool) FlushAllPages(ctx context.Context) error {
	for _, page := range bp.dirtyPages(func(PageKey) bool { return true }) {
		if err := bp.writePage(page); err != nil {
			return err
		}
	}
	return bp.files.SyncAll(ctx)
}

// FlushFile writes the dirty pages of one file.
func (bp *BufferPool) FlushFile(id FileID) error {
	for _, page := range bp.dirtyPages(func(k PageKey) bool { return k.File == id }) {
		if err := bp.writePage(page); err != nil {
			return err
		}
	}
	return nil
}

func (bp *BufferPool) dirtyPages(match func(PageKey) bool) []*Page {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	var out []*Page
	for key, entry := range bp.pages {
		if !match(key) {
			continue
		}
		entry.page.mu.RLock()
		dirty := entry.page.IsDirty
		entry.page.mu.RUnlock()
		if dirty {
			out = append(out, entry.page)
		}
	}
	return out
}

// MinDirtyLSN returns the smallest recLSN among dirty pages.
func (bp *BufferPool) MinDirtyLSN() (uint64, bool) {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	var lowest uint64
	found := false
	for _, entry := range bp.pages {
		entry.page.mu.RLock()
		if entry.page.IsDirty && (!found || entry.page.recLSN < lowest) {
			lowest = entry.page.recLSN
			found = true
		}
		entry.page.mu.RUnlock()
	}
	return lowest, found
}

// DropFile forgets every cached page of a file without writing it.
func (bp *BufferPool) DropFile(id FileID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for key, entry := range bp.pages {
		if key.File != id {
			continue
		}
		if entry.isProtected {
			bp.protected.Remove(entry.element)
		} else {
			bp.probation.Remove(entry.element)
		}
		delete(bp.pages, key)
	}
}

// evictPage evicts the least recently used unpinned page
// Caller must hold bp.mu
func (bp *BufferPool) evictPage() error {
	// Helper to try evicting from a list (LRU order = Back)
	evictFromList := func(l *list.List) (bool, error) {
		for element := l.Back(); element != nil; element = element.Prev() {
			key := element.Value.(PageKey)
			entry := bp.pages[key]

			// Skip pinned pages
			if entry.page.IsPinned() {
				continue
			}

			if err := bp.writePage(entry.page); err != nil {
				return false, err
			}

			// Remove from buffer pool
			l.Remove(element)
			delete(bp.pages, key)

			return true, nil
		}
		return false, nil // No unpinned pages found in this list
	}

	// 1. Try evicting from Probation (Scan/New pages)
	evicted, err := evictFromList(bp.probation)
	if err != nil {
		return err
	}
	if evicted {
		return nil
	}

	// 2. Try evicting from Protected (Hot pages that became cold)
	evicted, err = evictFromList(bp.protected)
	if err != nil {
		return err
	}
	if evicted {
		return nil
	}

	// All pages are pinned - cannot evict
	return storeerr.ErrPageFull
}

// Size returns the current number of pages in the buffer pool
func (bp *BufferPool) Size() int {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return len(bp.pages)
}

// DirtyCount returns the number of dirty pages in the buffer pool
func (bp *BufferPool) DirtyCount() int {
	return len(bp.dirtyPages(func(PageKey) bool { return true }))
}
