package collection

import (
	"fmt"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/metrics"
	"github.com/JetBrains/youtrackdb-sub019/internal/storage"
)

// AnyVersion skips the optimistic version check.
const AnyVersion int32 = -1

// MaxRecordSize bounds a single record payload.
const MaxRecordSize = 64 * 1024 * 1024

func (c *Collection) rid(pos int64) string {
	return fmt.Sprintf("#%d:%d", c.ID, pos)
}

func (c *Collection) notFound(pos int64) error {
	return fmt.Errorf("%w: %s", storeerr.ErrRecordNotFound, c.rid(pos))
}

// Create stores a new record. A negative target appends at the next position;
// otherwise target must be pre-allocated, never used, or past the end.
func (c *Collection) Create(io storage.PageIO, payload []byte, recordType byte, target int64) (PhysicalPosition, error) {
	if len(payload) > MaxRecordSize {
		return PhysicalPosition{}, storeerr.ErrRecordTooLarge
	}
	h, err := c.loadHeader(io)
	if err != nil {
		return PhysicalPosition{}, err
	}

	pos := h.nextPosition
	if target >= 0 {
		pos = target
		if target < h.nextPosition {
			e, err := c.readEntry(io, h, target)
			if err != nil {
				return PhysicalPosition{}, err
			}
			if e.status != statusNever && e.status != statusAllocated {
				return PhysicalPosition{}, fmt.Errorf("%w: %s", storeerr.ErrPositionInUse, c.rid(target))
			}
		}
	}
	if err := c.growMap(io, h, pos+1); err != nil {
		return PhysicalPosition{}, err
	}

	first, err := c.writePayload(io, h, payload)
	if err != nil {
		return PhysicalPosition{}, err
	}
	e := mapEntry{status: statusLive, recordType: recordType, version: 1, first: first}
	if err := c.writeEntry(io, h, pos, e); err != nil {
		return PhysicalPosition{}, err
	}

	h.entryCount++
	h.payloadSize += uint64(len(payload))
	if err := c.saveHeader(io, h); err != nil {
		return PhysicalPosition{}, err
	}
	c.invalidate(pos)
	return PhysicalPosition{Position: pos, Version: 1, RecordType: recordType, Size: len(payload)}, nil
}

// AllocatePosition reserves the next position without storing a record.
func (c *Collection) AllocatePosition(io storage.PageIO, recordType byte) (int64, error) {
	h, err := c.loadHeader(io)
	if err != nil {
		return 0, err
	}
	pos := h.nextPosition
	if err := c.growMap(io, h, pos+1); err != nil {
		return 0, err
	}
	if err := c.writeEntry(io, h, pos, mapEntry{status: statusAllocated, recordType: recordType}); err != nil {
		return 0, err
	}
	if err := c.saveHeader(io, h); err != nil {
		return 0, err
	}
	return pos, nil
}

// Read returns a live record.
func (c *Collection) Read(io storage.PageIO, pos int64) (Record, error) {
	h, err := c.loadHeader(io)
	if err != nil {
		return Record{}, err
	}
	e, err := c.readEntry(io, h, pos)
	if err != nil {
		return Record{}, err
	}
	if e.status != statusLive {
		return Record{}, c.notFound(pos)
	}
	payload, err := c.readPayload(io, e.first)
	if err != nil {
		return Record{}, err
	}
	return Record{
		PhysicalPosition: PhysicalPosition{Position: pos, Version: e.version, RecordType: e.recordType, Size: len(payload)},
		Payload:          payload,
	}, nil
}

// ReadCached is Read for committed state; results go through the record cache.
// It must not be used with an atomic operation's page view.
func (c *Collection) ReadCached(io storage.PageIO, pos int64) (Record, error) {
	if c.cache != nil {
		if r, ok := c.cache.Get(pos); ok {
			metrics.CacheHit("record", true)
			return r, nil
		}
		metrics.CacheHit("record", false)
	}
	r, err := c.Read(io, pos)
	if err != nil {
		return Record{}, err
	}
	if c.cache != nil {
		c.cache.Add(pos, r)
	}
	return r, nil
}

// Exists reports whether a live record is stored at pos.
func (c *Collection) Exists(io storage.PageIO, pos int64) (bool, error) {
	h, err := c.loadHeader(io)
	if err != nil {
		return false, err
	}
	e, err := c.readEntry(io, h, pos)
	if err != nil {
		return false, err
	}
	return e.status == statusLive, nil
}

// Update replaces the payload of a live record whose version is expectedVersion.
func (c *Collection) Update(io storage.PageIO, pos int64, expectedVersion int32, payload []byte, recordType byte) (PhysicalPosition, error) {
	if len(payload) > MaxRecordSize {
		return PhysicalPosition{}, storeerr.ErrRecordTooLarge
	}
	h, e, err := c.liveEntry(io, pos, expectedVersion)
	if err != nil {
		return PhysicalPosition{}, err
	}

	freed, err := c.freePayload(io, e.first)
	if err != nil {
		return PhysicalPosition{}, err
	}
	first, err := c.writePayload(io, h, payload)
	if err != nil {
		return PhysicalPosition{}, err
	}

	e.first = first
	e.version++
	e.recordType = recordType
	if err := c.writeEntry(io, h, pos, e); err != nil {
		return PhysicalPosition{}, err
	}
	h.payloadSize = h.payloadSize - uint64(freed) + uint64(len(payload))
	if err := c.saveHeader(io, h); err != nil {
		return PhysicalPosition{}, err
	}
	c.invalidate(pos)
	return PhysicalPosition{Position: pos, Version: e.version, RecordType: recordType, Size: len(payload)}, nil
}

// Delete tombstones a live record whose version is expectedVersion.
func (c *Collection) Delete(io storage.PageIO, pos int64, expectedVersion int32) error {
	h, e, err := c.liveEntry(io, pos, expectedVersion)
	if err != nil {
		return err
	}
	freed, err := c.freePayload(io, e.first)
	if err != nil {
		return err
	}
	e.status = statusTombstone
	e.first = 0
	if err := c.writeEntry(io, h, pos, e); err != nil {
		return err
	}
	h.entryCount--
	h.payloadSize -= uint64(freed)
	if err := c.saveHeader(io, h); err != nil {
		return err
	}
	c.invalidate(pos)
	return nil
}

func (c *Collection) liveEntry(io storage.PageIO, pos int64, expectedVersion int32) (*header, mapEntry, error) {
	h, err := c.loadHeader(io)
	if err != nil {
		return nil, mapEntry{}, err
	}
	e, err := c.readEntry(io, h, pos)
	if err != nil {
		return nil, mapEntry{}, err
	}
	if e.status != statusLive {
		return nil, mapEntry{}, c.notFound(pos)
	}
	if expectedVersion != AnyVersion && e.version != expectedVersion {
		return nil, mapEntry{}, &storeerr.VersionError{RID: c.rid(pos), Expected: expectedVersion, Actual: e.version}
	}
	return h, e, nil
}

// Browse returns up to limit live records starting at position from, skipping
// tombstones and unused positions. next is the position to continue from, or
// -1 when the end was reached.
func (c *Collection) Browse(io storage.PageIO, from int64, limit int) (records []Record, next int64, err error) {
	h, err := c.loadHeader(io)
	if err != nil {
		return nil, -1, err
	}
	if from < 0 {
		from = 0
	}

	pos := from
	for pos < h.nextPosition && (limit <= 0 || len(records) < limit) {
		index := int(pos / entriesPerPage)
		id, err := c.mapPage(io, h, index)
		if err != nil {
			return nil, -1, err
		}
		p, err := io.Load(c.File, id)
		if err != nil {
			return nil, -1, err
		}
		pageEnd := min(int64(index+1)*entriesPerPage, h.nextPosition)
		var live []mapEntry
		var positions []int64
		for ; pos < pageEnd && (limit <= 0 || len(records)+len(live) < limit); pos++ {
			e := readEntry(p, int(pos%entriesPerPage))
			if e.status == statusLive {
				live = append(live, e)
				positions = append(positions, pos)
			}
		}
		io.Release(p)

		for i, e := range live {
			payload, err := c.readPayload(io, e.first)
			if err != nil {
				return nil, -1, err
			}
			records = append(records, Record{
				PhysicalPosition: PhysicalPosition{Position: positions[i], Version: e.version, RecordType: e.recordType, Size: len(payload)},
				Payload:          payload,
			})
		}
	}

	if pos >= h.nextPosition {
		return records, -1, nil
	}
	return records, pos, nil
}

// Count returns the number of live records.
func (c *Collection) Count(io storage.PageIO) (uint64, error) {
	h, err := c.loadHeader(io)
	if err != nil {
		return 0, err
	}
	return h.entryCount, nil
}

// Size returns the number of payload bytes of live records.
func (c *Collection) Size(io storage.PageIO) (uint64, error) {
	h, err := c.loadHeader(io)
	if err != nil {
		return 0, err
	}
	return h.payloadSize, nil
}

// NextPosition returns the first position that was never handed out.
func (c *Collection) NextPosition(io storage.PageIO) (int64, error) {
	h, err := c.loadHeader(io)
	if err != nil {
		return 0, err
	}
	return h.nextPosition, nil
}

func (c *Collection) invalidate(pos int64) {
	if c.cache != nil {
		c.cache.Remove(pos)
	}
}

// Purge drops every cached record.
func (c *Collection) Purge() {
	if c.cache != nil {
		c.cache.Purge()
	}
}

// writePayload stores payload as a chain of chunks and returns the first chunk.
func (c *Collection) writePayload(io storage.PageIO, h *header, payload []byte) (chunkPtr, error) {
	var chunks [][]byte
	for len(payload) > maxChunkPayload {
		chunks = append(chunks, payload[:maxChunkPayload])
		payload = payload[maxChunkPayload:]
	}
	chunks = append(chunks, payload)

	// Written back to front so every chunk knows its successor
	var next chunkPtr
	for i := len(chunks) - 1; i >= 0; i-- {
		ptr, err := c.putChunk(io, h, next, chunks[i])
		if err != nil {
			return 0, err
		}
		next = ptr
	}
	return next, nil
}

func (c *Collection) putChunk(io storage.PageIO, h *header, next chunkPtr, data []byte) (chunkPtr, error) {
	if h.lastData != storage.InvalidPage {
		p, err := io.LoadForWrite(c.File, h.lastData)
		if err != nil {
			return 0, err
		}
		slot := putChunk(p, next, data)
		io.Release(p)
		if slot >= 0 {
			return makePtr(h.lastData, slot), nil
		}
	}

	p, err := io.Allocate(c.File, storage.PageTypeData)
	if err != nil {
		return 0, err
	}
	defer io.Release(p)
	initDataPage(p)
	slot := putChunk(p, next, data)
	if slot < 0 {
		return 0, fmt.Errorf("%w: chunk of %d bytes", storeerr.ErrPageFull, len(data))
	}
	h.lastData = p.ID
	return makePtr(p.ID, slot), nil
}

func (c *Collection) readPayload(io storage.PageIO, first chunkPtr) ([]byte, error) {
	var out []byte
	for ptr := first; ptr != 0; {
		p, err := io.Load(c.File, ptr.page())
		if err != nil {
			return nil, err
		}
		next, data, ok := readChunk(p, ptr.slot())
		if ok {
			out = append(out, data...)
		}
		io.Release(p)
		if !ok {
			return nil, fmt.Errorf("%w: collection %s chunk %d:%d", storeerr.ErrCorruptPage, c.Name, ptr.page(), ptr.slot())
		}
		ptr = next
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// freePayload releases a chunk chain and returns the payload bytes it held.
func (c *Collection) freePayload(io storage.PageIO, first chunkPtr) (int, error) {
	freed := 0
	for ptr := first; ptr != 0; {
		p, err := io.LoadForWrite(c.File, ptr.page())
		if err != nil {
			return 0, err
		}
		next, data, ok := readChunk(p, ptr.slot())
		if !ok {
			io.Release(p)
			return 0, fmt.Errorf("%w: collection %s chunk %d:%d", storeerr.ErrCorruptPage, c.Name, ptr.page(), ptr.slot())
		}
		freed += len(data)
		freeChunk(p, ptr.slot())
		io.Release(p)
		ptr = next
	}
	return freed, nil
}
