package storage

import (
	"encoding/binary"
	"sync"
)

// PageID uniquely identifies a page within a file
type PageID uint64

// InvalidPage marks an absent page link.
const InvalidPage = PageID(0)

// PageSize is the size of each page in bytes (8KB default)
const PageSize = 8192

// Page types
const (
	PageTypeInvalid = iota
	PageTypeMeta    // File metadata
	PageTypeFree    // Unused page
	PageTypeIndex   // B+ tree internal page
	PageTypeLeaf    // B+ tree leaf page
	PageTypeMap     // Collection position map page
	PageTypeData    // Collection data page
)

// Page header layout:
// - PageType (1 byte)
// - Flags (1 byte)
// - KeyCount (2 bytes) - number of keys or slots in this page
// - FreeSpace (2 bytes) - offset to free space
// - LSN (8 bytes) - LSN of the WAL record that last changed the page
// - NextPage (8 bytes) - for linked pages
// - PrevPage (8 bytes) - for linked pages
// Total: 30 bytes
const PageHeaderSize = 30

const (
	lsnOffset = 6
	lsnEnd    = 14
)

// Page represents a single page of a paged file
type Page struct {
	ID       PageID
	File     FileID
	Data     [PageSize]byte
	IsDirty  bool
	PinCount int32
	recLSN   uint64 // LSN that first dirtied the page since its last flush
	shadow   bool   // private copy owned by an atomic operation
	mu       sync.RWMutex
}

// NewPage creates a new page with the given ID and type
func NewPage(id PageID, pageType byte) *Page {
	p := &Page{
		ID: id,
	}
	p.SetPageType(pageType)
	p.SetKeyCount(0)
	p.SetFreeSpace(PageHeaderSize)
	return p
}

// Key returns the cache key of the page
func (p *Page) Key() PageKey {
	return PageKey{File: p.File, Page: p.ID}
}

// Pin increments the pin count (page is in use)
func (p *Page) Pin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PinCount++
}

// Unpin decrements the pin count (page is no longer in use)
func (p *Page) Unpin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PinCount > 0 {
		p.PinCount--
	}
}

// IsPinned returns true if the page is currently pinned
func (p *Page) IsPinned() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.PinCount > 0
}

// IsShadow reports whether the page is an atomic operation's private copy.
func (p *Page) IsShadow() bool {
	return p.shadow
}

// GetPageType returns the page type
func (p *Page) GetPageType() byte {
	return p.Data[0]
}

// SetPageType sets the page type
func (p *Page) SetPageType(pageType byte) {
	p.Data[0] = pageType
}

// GetKeyCount returns the number of keys in the page
func (p *Page) GetKeyCount() uint16 {
	return binary.LittleEndian.Uint16(p.Data[2:4])
}

// SetKeyCount sets the number of keys in the page
func (p *Page) SetKeyCount(count uint16) {
	binary.LittleEndian.PutUint16(p.Data[2:4], count)
}

// GetFreeSpace returns the offset to free space in the page
func (p *Page) GetFreeSpace() uint16 {
	return binary.LittleEndian.Uint16(p.Data[4:6])
}

// SetFreeSpace sets the offset to free space in the page
func (p *Page) SetFreeSpace(offset uint16) {
	binary.LittleEndian.PutUint16(p.Data[4:6], offset)
}

// GetLSN returns the Log Sequence Number
func (p *Page) GetLSN() uint64 {
	return binary.LittleEndian.Uint64(p.Data[lsnOffset:lsnEnd])
}

// SetLSN sets the Log Sequence Number
func (p *Page) SetLSN(lsn uint64) {
	binary.LittleEndian.PutUint64(p.Data[lsnOffset:lsnEnd], lsn)
}

// GetNextPage returns the next page ID (for linked pages)
func (p *Page) GetNextPage() PageID {
	return PageID(binary.LittleEndian.Uint64(p.Data[14:22]))
}

// SetNextPage sets the next page ID
func (p *Page) SetNextPage(pageID PageID) {
	binary.LittleEndian.PutUint64(p.Data[14:22], uint64(pageID))
}

// GetPrevPage returns the previous page ID (for linked pages)
func (p *Page) GetPrevPage() PageID {
	return PageID(binary.LittleEndian.Uint64(p.Data[22:30]))
}

// SetPrevPage sets the previous page ID
func (p *Page) SetPrevPage(pageID PageID) {
	binary.LittleEndian.PutUint64(p.Data[22:30], uint64(pageID))
}

// RemainingSpace returns the available space in the page
func (p *Page) RemainingSpace() int {
	return PageSize - int(p.GetFreeSpace())
}

// Copy creates a deep copy of the page data
func (p *Page) Copy() *Page {
	p.mu.RLock()
	defer p.mu.RUnlock()

	newPage := &Page{
		ID:   p.ID,
		File: p.File,
	}
	copy(newPage.Data[:], p.Data[:])
	return newPage
}

// Delta returns the smallest byte range in which cur differs from orig, ignoring
// the LSN field. ok is false when the pages are identical.
func Delta(orig, cur *[PageSize]byte) (offset int, before, after []byte, ok bool) {
	start, end := -1, -1
	for i := 0; i < PageSize; i++ {
		if i >= lsnOffset && i < lsnEnd {
			continue
		}
		if orig[i] != cur[i] {
			if start < 0 {
				start = i
			}
			end = i + 1
		}
	}
	if start < 0 {
		return 0, nil, nil, false
	}
	before = append([]byte(nil), orig[start:end]...)
	after = append([]byte(nil), cur[start:end]...)
	return start, before, after, true
}

// ShadowCopy returns a private, writable copy of a committed page.
func (p *Page) ShadowCopy() *Page {
	c := p.Copy()
	c.shadow = true
	return c
}

// NewShadowPage creates a fresh writable page that does not exist in the cache yet.
func NewShadowPage(file FileID, id PageID, pageType byte) *Page {
	p := NewPage(id, pageType)
	p.File = file
	p.shadow = true
	return p
}
