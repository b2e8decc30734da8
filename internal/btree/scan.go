package btree

import (
	"bytes"
	"fmt"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
	"github.com/JetBrains/youtrackdb-sub019/internal/storage"
)

// Bound is one end of a range. A nil *Bound leaves that end open.
type Bound struct {
	Key       []byte
	Inclusive bool
}

// Entry is one (key, RID) pair returned by a scan. Key is the encoded key.
type Entry struct {
	Key []byte
	RID rid.RID
}

func (b *Bound) below(key []byte) bool {
	if b == nil {
		return false
	}
	c := bytes.Compare(key, b.Key)
	return c < 0 || (c == 0 && !b.Inclusive)
}

func (b *Bound) above(key []byte) bool {
	if b == nil {
		return false
	}
	c := bytes.Compare(key, b.Key)
	return c > 0 || (c == 0 && !b.Inclusive)
}

// Range calls fn for every entry between from and to in ascending or
// descending key order until fn returns false. Within a key, RIDs of a
// multi-value tree come in the same direction as the keys.
//
// Logic:
// 1. **Find Start**: Traverses to the leaf holding the first bound.
// 2. **Link Traversal**: Iterates leaf pages through NextPage or PrevPage.
// 3. **Filter**: Stops at the first key past the other bound.
func (t *Tree) Range(io storage.PageIO, from, to *Bound, ascending bool, fn func(Entry) bool) error {
	m, err := t.loadMeta(io)
	if err != nil {
		return err
	}

	var leafID storage.PageID
	switch {
	case ascending && from != nil:
		leafID, err = t.findLeaf(io, m, from.Key, false)
	case ascending:
		leafID, err = t.findLeaf(io, m, nil, false)
	case to != nil:
		// Past every RID suffix of the bound key
		seek := append(bytes.Clone(to.Key), bytes.Repeat([]byte{0xFF}, rid.Size+1)...)
		leafID, err = t.findLeaf(io, m, seek, false)
	default:
		leafID, err = t.findLeaf(io, m, nil, true)
	}
	if err != nil {
		return err
	}

	for hops := storage.PageID(0); leafID != storage.InvalidPage; hops++ {
		if hops > io.PageCount(t.File) {
			return fmt.Errorf("%w: btree file %d has a leaf cycle", storeerr.ErrCorruptPage, t.File)
		}
		page, err := io.Load(t.File, leafID)
		if err != nil {
			return err
		}
		entries, err := leafEntries(page)
		next, prev := page.GetNextPage(), page.GetPrevPage()
		io.Release(page)
		if err != nil {
			return err
		}

		if ascending {
			for _, e := range entries {
				kp := t.keyPart(e.key)
				if from.below(kp) {
					continue
				}
				if to.above(kp) {
					return nil
				}
				r, err := t.entryRID(e)
				if err != nil {
					return err
				}
				if !fn(Entry{Key: kp, RID: r}) {
					return nil
				}
			}
			leafID = next
			continue
		}

		for i := len(entries) - 1; i >= 0; i-- {
			kp := t.keyPart(entries[i].key)
			if to.above(kp) {
				continue
			}
			if from.below(kp) {
				return nil
			}
			r, err := t.entryRID(entries[i])
			if err != nil {
				return err
			}
			if !fn(Entry{Key: kp, RID: r}) {
				return nil
			}
		}
		leafID = prev
	}
	return nil
}

// Keys calls fn once per distinct key in the requested order.
func (t *Tree) Keys(io storage.PageIO, ascending bool, fn func(key []byte) bool) error {
	var last []byte
	return t.Range(io, nil, nil, ascending, func(e Entry) bool {
		if last != nil && bytes.Equal(last, e.Key) {
			return true
		}
		last = e.Key
		return fn(e.Key)
	})
}

// Stats describes the physical shape of a tree.
type Stats struct {
	Entries       uint64
	Height        int
	LeafPages     int
	InternalPages int
	FreePages     int
}

// Verify walks the whole tree and checks key order, leaf links and the entry count.
func (t *Tree) Verify(io storage.PageIO) (Stats, error) {
	var st Stats
	m, err := t.loadMeta(io)
	if err != nil {
		return st, err
	}

	// Height and internal pages
	level := []storage.PageID{m.root}
	for len(level) > 0 {
		st.Height++
		var below []storage.PageID
		for _, id := range level {
			page, err := io.Load(t.File, id)
			if err != nil {
				return st, err
			}
			if page.GetPageType() == storage.PageTypeIndex {
				st.InternalPages++
				entries, err := internalEntries(page)
				if err == nil {
					below = append(below, leftPtr(page))
					for _, e := range entries {
						var c storage.PageID
						if c, err = childID(e); err != nil {
							break
						}
						below = append(below, c)
					}
				}
				if err != nil {
					io.Release(page)
					return st, err
				}
			}
			io.Release(page)
		}
		level = below
	}

	leafID, err := t.findLeaf(io, m, nil, false)
	if err != nil {
		return st, err
	}
	var last []byte
	prevID := storage.InvalidPage
	for leafID != storage.InvalidPage {
		page, err := io.Load(t.File, leafID)
		if err != nil {
			return st, err
		}
		entries, err := leafEntries(page)
		next, prev := page.GetNextPage(), page.GetPrevPage()
		io.Release(page)
		if err != nil {
			return st, err
		}
		if prev != prevID {
			return st, fmt.Errorf("%w: leaf %d links back to %d, expected %d", storeerr.ErrCorruptPage, leafID, prev, prevID)
		}
		st.LeafPages++
		for _, e := range entries {
			if last != nil && bytes.Compare(last, e.key) >= 0 {
				return st, fmt.Errorf("%w: keys out of order in leaf %d", storeerr.ErrCorruptPage, leafID)
			}
			last = e.key
			st.Entries++
		}
		if st.LeafPages > int(io.PageCount(t.File)) {
			return st, fmt.Errorf("%w: btree file %d has a leaf cycle", storeerr.ErrCorruptPage, t.File)
		}
		prevID, leafID = leafID, next
	}
	if st.Entries != m.count {
		return st, fmt.Errorf("%w: btree file %d holds %d entries, meta says %d", storeerr.ErrCorruptPage, t.File, st.Entries, m.count)
	}

	for id := m.freeHead; id != storage.InvalidPage; {
		page, err := io.Load(t.File, id)
		if err != nil {
			return st, err
		}
		id = page.GetNextPage()
		io.Release(page)
		st.FreePages++
		if st.FreePages > int(io.PageCount(t.File)) {
			return st, fmt.Errorf("%w: btree file %d free list has a cycle", storeerr.ErrCorruptPage, t.File)
		}
	}
	return st, nil
}
