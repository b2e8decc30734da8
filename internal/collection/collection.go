// Package collection implements the positional record store.
//
// A collection lives in one paged file. Page 0 holds the header, position map
// pages translate a record position into its status, version and first chunk,
// and slotted data pages hold the record payload split into chunks.
package collection

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/storage"
)

// PhysicalPosition describes a stored record.
type PhysicalPosition struct {
	Position   int64
	Version    int32
	RecordType byte
	Size       int
}

// Record is a stored record with its payload.
type Record struct {
	PhysicalPosition
	Payload []byte
}

// Collection is a positional store of opaque byte records.
type Collection struct {
	ID   int32
	Name string
	File storage.FileID

	cache *lru.Cache[int64, Record]
}

// New binds a collection to its file. cacheSize 0 disables the record cache.
func New(id int32, name string, file storage.FileID, cacheSize int) *Collection {
	c := &Collection{ID: id, Name: name, File: file}
	if cacheSize > 0 {
		cache, err := lru.New[int64, Record](cacheSize)
		if err == nil {
			c.cache = cache
		}
	}
	return c
}

// Init writes the header page of a new, empty collection file.
func (c *Collection) Init(io storage.PageIO) error {
	if io.PageCount(c.File) != 0 {
		return fmt.Errorf("collection %s: file is not empty", c.Name)
	}
	p, err := io.Allocate(c.File, storage.PageTypeMeta)
	if err != nil {
		return err
	}
	defer io.Release(p)
	(&header{}).write(p)
	return nil
}

func (c *Collection) loadHeader(io storage.PageIO) (*header, error) {
	p, err := io.Load(c.File, 0)
	if err != nil {
		return nil, fmt.Errorf("collection %s: failed to load header: %w", c.Name, err)
	}
	defer io.Release(p)
	return readHeader(p), nil
}

func (c *Collection) saveHeader(io storage.PageIO, h *header) error {
	p, err := io.LoadForWrite(c.File, 0)
	if err != nil {
		return err
	}
	defer io.Release(p)
	h.write(p)
	return nil
}

// mapPage returns the id of the position map page covering index.
func (c *Collection) mapPage(io storage.PageIO, h *header, index int) (storage.PageID, error) {
	if index < len(h.mapPages) {
		return h.mapPages[index], nil
	}
	// Beyond the directory in the header: follow the chain
	id := h.mapPages[len(h.mapPages)-1]
	for i := len(h.mapPages) - 1; i < index; i++ {
		p, err := io.Load(c.File, id)
		if err != nil {
			return 0, err
		}
		next := p.GetNextPage()
		io.Release(p)
		if next == storage.InvalidPage {
			return 0, fmt.Errorf("%w: collection %s map page %d missing", storeerr.ErrCorruptPage, c.Name, index)
		}
		id = next
	}
	return id, nil
}

func (c *Collection) readEntry(io storage.PageIO, h *header, pos int64) (mapEntry, error) {
	if pos < 0 || pos >= h.nextPosition {
		return mapEntry{}, nil
	}
	id, err := c.mapPage(io, h, int(pos/entriesPerPage))
	if err != nil {
		return mapEntry{}, err
	}
	p, err := io.Load(c.File, id)
	if err != nil {
		return mapEntry{}, err
	}
	defer io.Release(p)
	return readEntry(p, int(pos%entriesPerPage)), nil
}

func (c *Collection) writeEntry(io storage.PageIO, h *header, pos int64, e mapEntry) error {
	id, err := c.mapPage(io, h, int(pos/entriesPerPage))
	if err != nil {
		return err
	}
	p, err := io.LoadForWrite(c.File, id)
	if err != nil {
		return err
	}
	defer io.Release(p)
	writeEntry(p, int(pos%entriesPerPage), e)
	return nil
}

// growMap extends the position space to hold positions below n.
func (c *Collection) growMap(io storage.PageIO, h *header, n int64) error {
	for int64(h.mapCount)*entriesPerPage < n {
		p, err := io.Allocate(c.File, storage.PageTypeMap)
		if err != nil {
			return err
		}
		id := p.ID
		io.Release(p)

		if h.lastMap != storage.InvalidPage {
			prev, err := io.LoadForWrite(c.File, h.lastMap)
			if err != nil {
				return err
			}
			prev.SetNextPage(id)
			io.Release(prev)
		} else {
			h.firstMap = id
		}
		h.lastMap = id
		if len(h.mapPages) < maxDirectMapPages {
			h.mapPages = append(h.mapPages, id)
		}
		h.mapCount++
	}
	h.nextPosition = max(h.nextPosition, n)
	return nil
}
