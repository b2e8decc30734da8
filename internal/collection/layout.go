package collection

import (
	"encoding/binary"

	"github.com/JetBrains/youtrackdb-sub019/internal/storage"
)

// Header page (page 0) layout after the page header:
// - EntryCount (8 bytes) - live records
// - NextPosition (8 bytes) - positions below this exist in the map
// - FirstMapPage (8 bytes)
// - LastMapPage (8 bytes)
// - LastDataPage (8 bytes)
// - PayloadSize (8 bytes) - bytes of live payload
// - MapPageCount (4 bytes) - total map pages
// - MapPages (8 bytes each, the first maxDirectMapPages map pages)
const (
	hdrEntryCount   = storage.PageHeaderSize
	hdrNextPosition = hdrEntryCount + 8
	hdrFirstMap     = hdrNextPosition + 8
	hdrLastMap      = hdrFirstMap + 8
	hdrLastData     = hdrLastMap + 8
	hdrPayloadSize  = hdrLastData + 8
	hdrMapCount     = hdrPayloadSize + 8
	hdrMapPages     = hdrMapCount + 4

	maxDirectMapPages = (storage.PageSize - hdrMapPages) / 8
)

// Position map entry layout (16 bytes):
// - Status (1 byte)
// - RecordType (1 byte)
// - reserved (2 bytes)
// - Version (4 bytes)
// - FirstChunk (8 bytes) - page<<16 | slot
const (
	mapEntrySize   = 16
	entriesPerPage = (storage.PageSize - storage.PageHeaderSize) / mapEntrySize
)

// Position status values
const (
	statusNever     byte = iota // never allocated
	statusAllocated             // reserved, no record yet
	statusLive
	statusTombstone
)

// Data page slot directory entries are 4 bytes: offset (2) + length (2).
// Chunks are stored as next chunk pointer (8 bytes) + payload.
const (
	slotSize        = 4
	chunkHeaderSize = 8
	maxChunkPayload = storage.PageSize - storage.PageHeaderSize - slotSize - chunkHeaderSize
)

type header struct {
	entryCount   uint64
	nextPosition int64
	firstMap     storage.PageID
	lastMap      storage.PageID
	lastData     storage.PageID
	payloadSize  uint64
	mapCount     int
	mapPages     []storage.PageID
}

func readHeader(p *storage.Page) *header {
	le := binary.LittleEndian
	h := &header{
		entryCount:   le.Uint64(p.Data[hdrEntryCount:]),
		nextPosition: int64(le.Uint64(p.Data[hdrNextPosition:])),
		firstMap:     storage.PageID(le.Uint64(p.Data[hdrFirstMap:])),
		lastMap:      storage.PageID(le.Uint64(p.Data[hdrLastMap:])),
		lastData:     storage.PageID(le.Uint64(p.Data[hdrLastData:])),
		payloadSize:  le.Uint64(p.Data[hdrPayloadSize:]),
	}
	h.mapCount = int(le.Uint32(p.Data[hdrMapCount:]))
	n := min(h.mapCount, maxDirectMapPages)
	h.mapPages = make([]storage.PageID, n)
	for i := 0; i < n; i++ {
		h.mapPages[i] = storage.PageID(le.Uint64(p.Data[hdrMapPages+8*i:]))
	}
	return h
}

func (h *header) write(p *storage.Page) {
	le := binary.LittleEndian
	le.PutUint64(p.Data[hdrEntryCount:], h.entryCount)
	le.PutUint64(p.Data[hdrNextPosition:], uint64(h.nextPosition))
	le.PutUint64(p.Data[hdrFirstMap:], uint64(h.firstMap))
	le.PutUint64(p.Data[hdrLastMap:], uint64(h.lastMap))
	le.PutUint64(p.Data[hdrLastData:], uint64(h.lastData))
	le.PutUint64(p.Data[hdrPayloadSize:], h.payloadSize)
	le.PutUint32(p.Data[hdrMapCount:], uint32(h.mapCount))
	for i, id := range h.mapPages {
		le.PutUint64(p.Data[hdrMapPages+8*i:], uint64(id))
	}
}

type mapEntry struct {
	status     byte
	recordType byte
	version    int32
	first      chunkPtr
}

func readEntry(p *storage.Page, slot int) mapEntry {
	off := storage.PageHeaderSize + slot*mapEntrySize
	return mapEntry{
		status:     p.Data[off],
		recordType: p.Data[off+1],
		version:    int32(binary.LittleEndian.Uint32(p.Data[off+4:])),
		first:      chunkPtr(binary.LittleEndian.Uint64(p.Data[off+8:])),
	}
}

func writeEntry(p *storage.Page, slot int, e mapEntry) {
	off := storage.PageHeaderSize + slot*mapEntrySize
	p.Data[off] = e.status
	p.Data[off+1] = e.recordType
	binary.LittleEndian.PutUint32(p.Data[off+4:], uint32(e.version))
	binary.LittleEndian.PutUint64(p.Data[off+8:], uint64(e.first))
}

// chunkPtr addresses a chunk as page<<16 | slot. Zero means none; page 0 is
// the header page and never holds data.
type chunkPtr uint64

func makePtr(page storage.PageID, slot int) chunkPtr {
	return chunkPtr(uint64(page)<<16 | uint64(slot))
}

func (c chunkPtr) page() storage.PageID { return storage.PageID(uint64(c) >> 16) }
func (c chunkPtr) slot() int            { return int(uint64(c) & 0xffff) }

// Slotted data page helpers. KeyCount holds the number of slots and FreeSpace
// the start of the data area, which grows down from the end of the page.

func initDataPage(p *storage.Page) {
	p.SetKeyCount(0)
	p.SetFreeSpace(storage.PageSize)
}

func slotAt(p *storage.Page, i int) (off, length int) {
	base := storage.PageHeaderSize + i*slotSize
	return int(binary.LittleEndian.Uint16(p.Data[base:])), int(binary.LittleEndian.Uint16(p.Data[base+2:]))
}

func setSlot(p *storage.Page, i, off, length int) {
	base := storage.PageHeaderSize + i*slotSize
	binary.LittleEndian.PutUint16(p.Data[base:], uint16(off))
	binary.LittleEndian.PutUint16(p.Data[base+2:], uint16(length))
}

// dataStart returns the start of the data area; a fresh page stores PageSize,
// which does not fit in 16 bits and is kept as 0.
func dataStart(p *storage.Page) int {
	v := int(p.GetFreeSpace())
	if v == 0 {
		return storage.PageSize
	}
	return v
}

func setDataStart(p *storage.Page, v int) {
	if v >= storage.PageSize {
		p.SetFreeSpace(0)
		return
	}
	p.SetFreeSpace(uint16(v))
}

// freeSlot returns a reusable slot index or -1.
func freeSlot(p *storage.Page) int {
	for i := 0; i < int(p.GetKeyCount()); i++ {
		if _, l := slotAt(p, i); l == 0 {
			return i
		}
	}
	return -1
}

// usableSpace returns the bytes a new chunk can use, after compaction if needed.
func usableSpace(p *storage.Page) int {
	live := 0
	for i := 0; i < int(p.GetKeyCount()); i++ {
		_, l := slotAt(p, i)
		live += l
	}
	dir := storage.PageHeaderSize + int(p.GetKeyCount())*slotSize
	if freeSlot(p) < 0 {
		dir += slotSize
	}
	return storage.PageSize - dir - live
}

// contiguous returns the gap between the slot directory and the data area.
func contiguous(p *storage.Page, newSlot bool) int {
	dir := storage.PageHeaderSize + int(p.GetKeyCount())*slotSize
	if newSlot {
		dir += slotSize
	}
	return dataStart(p) - dir
}

// compact moves live chunks to the end of the page.
func compact(p *storage.Page) {
	var buf [storage.PageSize]byte
	end := storage.PageSize
	n := int(p.GetKeyCount())
	for i := 0; i < n; i++ {
		off, l := slotAt(p, i)
		if l == 0 {
			continue
		}
		end -= l
		copy(buf[end:], p.Data[off:off+l])
		setSlot(p, i, end, l)
	}
	copy(p.Data[end:], buf[end:])
	setDataStart(p, end)
}

// putChunk stores a chunk and returns its slot, or -1 when it does not fit.
func putChunk(p *storage.Page, next chunkPtr, payload []byte) int {
	need := chunkHeaderSize + len(payload)
	slot := freeSlot(p)
	newSlot := slot < 0
	if usableSpace(p) < need {
		return -1
	}
	if contiguous(p, newSlot) < need {
		compact(p)
	}
	if newSlot {
		slot = int(p.GetKeyCount())
		p.SetKeyCount(uint16(slot + 1))
	}
	off := dataStart(p) - need
	binary.LittleEndian.PutUint64(p.Data[off:], uint64(next))
	copy(p.Data[off+chunkHeaderSize:], payload)
	setSlot(p, slot, off, need)
	setDataStart(p, off)
	return slot
}

func readChunk(p *storage.Page, slot int) (next chunkPtr, payload []byte, ok bool) {
	if slot >= int(p.GetKeyCount()) {
		return 0, nil, false
	}
	off, l := slotAt(p, slot)
	if l < chunkHeaderSize {
		return 0, nil, false
	}
	next = chunkPtr(binary.LittleEndian.Uint64(p.Data[off:]))
	return next, p.Data[off+chunkHeaderSize : off+l], true
}

func freeChunk(p *storage.Page, slot int) {
	setSlot(p, slot, 0, 0)
	// Trailing free slots are dropped from the directory
	n := int(p.GetKeyCount())
	for n > 0 {
		if _, l := slotAt(p, n-1); l != 0 {
			break
		}
		n--
	}
	p.SetKeyCount(uint16(n))
}
