package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/storage"
)

// Leaf Node Layout:
// Header (30 bytes), NextPage/PrevPage link the leaves in key order
// Entries (KeyLen u16, Key, ValLen u16, Val), sorted by key
//
// Internal Node Layout:
// Header (30 bytes)
// LeftPtr (8 bytes) - P0
// Entries (Key, Value=PageID)

const internalHeaderSize = storage.PageHeaderSize + 8

// splitThreshold leaves a safety margin below the page size.
const splitThreshold = storage.PageSize - 16

type entry struct {
	key   []byte
	value []byte
}

func entrySize(e entry) int {
	return 2 + len(e.key) + 2 + len(e.value)
}

func entriesSize(base int, entries []entry) int {
	size := base
	for _, e := range entries {
		size += entrySize(e)
	}
	return size
}

// readEntries decodes the entries of a node starting at offset.
func readEntries(page *storage.Page, offset int) ([]entry, error) {
	count := int(page.GetKeyCount())
	entries := make([]entry, 0, count)
	for i := 0; i < count; i++ {
		if offset+2 > storage.PageSize {
			return nil, corrupt(page, "key length")
		}
		keyLen := int(binary.LittleEndian.Uint16(page.Data[offset : offset+2]))
		offset += 2
		if offset+keyLen+2 > storage.PageSize {
			return nil, corrupt(page, "key")
		}
		key := make([]byte, keyLen)
		copy(key, page.Data[offset:offset+keyLen])
		offset += keyLen

		valLen := int(binary.LittleEndian.Uint16(page.Data[offset : offset+2]))
		offset += 2
		if offset+valLen > storage.PageSize {
			return nil, corrupt(page, "value")
		}
		value := make([]byte, valLen)
		copy(value, page.Data[offset:offset+valLen])
		offset += valLen

		entries = append(entries, entry{key: key, value: value})
	}
	return entries, nil
}

// writeEntries encodes entries starting at offset and clears the rest of the page.
func writeEntries(page *storage.Page, offset int, entries []entry) error {
	for i, e := range entries {
		if offset+entrySize(e) > storage.PageSize {
			return fmt.Errorf("%w: cannot fit entry %d in page %d", storeerr.ErrPageFull, i, page.ID)
		}
		binary.LittleEndian.PutUint16(page.Data[offset:offset+2], uint16(len(e.key)))
		offset += 2
		copy(page.Data[offset:], e.key)
		offset += len(e.key)
		binary.LittleEndian.PutUint16(page.Data[offset:offset+2], uint16(len(e.value)))
		offset += 2
		copy(page.Data[offset:], e.value)
		offset += len(e.value)
	}
	clear(page.Data[offset:])
	page.SetKeyCount(uint16(len(entries)))
	page.SetFreeSpace(uint16(offset))
	return nil
}

func leafEntries(page *storage.Page) ([]entry, error) {
	return readEntries(page, storage.PageHeaderSize)
}

func writeLeaf(page *storage.Page, entries []entry) error {
	return writeEntries(page, storage.PageHeaderSize, entries)
}

func leftPtr(page *storage.Page) storage.PageID {
	return storage.PageID(binary.LittleEndian.Uint64(page.Data[storage.PageHeaderSize:internalHeaderSize]))
}

func internalEntries(page *storage.Page) ([]entry, error) {
	return readEntries(page, internalHeaderSize)
}

func writeInternal(page *storage.Page, left storage.PageID, entries []entry) error {
	binary.LittleEndian.PutUint64(page.Data[storage.PageHeaderSize:internalHeaderSize], uint64(left))
	return writeEntries(page, internalHeaderSize, entries)
}

func childValue(id storage.PageID) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(id))
	return b
}

func childID(e entry) (storage.PageID, error) {
	if len(e.value) != 8 {
		return 0, fmt.Errorf("%w: invalid internal node value length %d", storeerr.ErrCorruptPage, len(e.value))
	}
	return storage.PageID(binary.LittleEndian.Uint64(e.value)), nil
}

// searchInternal finds the child page that might contain key.
// if key < K1: P0; if key < K2: P1; ... else Pn
func searchInternal(page *storage.Page, key []byte) (storage.PageID, error) {
	entries, err := internalEntries(page)
	if err != nil {
		return 0, err
	}
	curr := leftPtr(page)
	for _, e := range entries {
		if bytes.Compare(key, e.key) < 0 {
			return curr, nil
		}
		if curr, err = childID(e); err != nil {
			return 0, err
		}
	}
	return curr, nil
}

// rightmostChild returns Pn.
func rightmostChild(page *storage.Page) (storage.PageID, error) {
	entries, err := internalEntries(page)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return leftPtr(page), nil
	}
	return childID(entries[len(entries)-1])
}

// search returns the index of the first entry whose key is >= key.
func search(entries []entry, key []byte) (int, bool) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if bytes.Compare(entries[mid].key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(entries) && bytes.Equal(entries[lo].key, key)
}

func insertAt(entries []entry, i int, e entry) []entry {
	entries = append(entries, entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

// splitPoint picks the entry index that divides the node roughly in half by bytes.
func splitPoint(entries []entry) int {
	total := entriesSize(0, entries)
	acc := 0
	for i, e := range entries {
		acc += entrySize(e)
		if acc*2 >= total {
			return max(1, min(i+1, len(entries)-1))
		}
	}
	return len(entries) / 2
}

func corrupt(page *storage.Page, what string) error {
	return fmt.Errorf("%w: btree page %d: bad %s", storeerr.ErrCorruptPage, page.ID, what)
}
