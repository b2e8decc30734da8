// Package btree implements the page-based B+tree used by index engines.
//
// A Tree owns one paged file. Page 0 is the meta page holding the root page id,
// the entry count and the head of the free page list. Keys are opaque byte
// strings compared with bytes.Compare; callers supply order-preserving
// encodings (see package keys). Every call goes through a storage.PageIO, so
// writes are only possible inside an atomic operation and reads outside of one
// see committed state only. The Tree itself is stateless: callers serialize
// writers and readers with their own locks.
package btree

import (
	"encoding/binary"
	"fmt"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
	"github.com/JetBrains/youtrackdb-sub019/internal/storage"
)

// Kind selects how values are stored.
type Kind uint8

const (
	// SingleValue maps every key to exactly one RID.
	SingleValue Kind = iota + 1
	// MultiValue stores (key, RID) pairs; a key may map to many RIDs.
	MultiValue
)

func (k Kind) String() string {
	switch k {
	case SingleValue:
		return "single"
	case MultiValue:
		return "multi"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// DefaultOrder is the maximum number of entries per node.
const DefaultOrder = 64

// MaxKeySize bounds an encoded key so that every node holds several entries.
const MaxKeySize = 1024

const metaPage = storage.PageID(0)

var metaMagic = [4]byte{'Y', 'T', 'B', 'T'}

// Meta page layout (after the page header):
// Magic (4) Kind (1) Root (8) Count (8) FreeHead (8)
const (
	metaMagicOff = storage.PageHeaderSize
	metaKindOff  = metaMagicOff + 4
	metaRootOff  = metaKindOff + 1
	metaCountOff = metaRootOff + 8
	metaFreeOff  = metaCountOff + 8
)

type meta struct {
	kind     Kind
	root     storage.PageID
	count    uint64
	freeHead storage.PageID
}

// Tree is a B+tree stored in one file.
type Tree struct {
	File  storage.FileID
	Kind  Kind
	order int
}

// New returns a handle to the tree stored in file.
func New(file storage.FileID, kind Kind) *Tree {
	return &Tree{File: file, Kind: kind, order: DefaultOrder}
}

// Create initializes an empty tree in a freshly created file.
func (t *Tree) Create(io storage.PageIO) error {
	mp, err := io.Allocate(t.File, storage.PageTypeMeta)
	if err != nil {
		return err
	}
	defer io.Release(mp)
	if mp.ID != metaPage {
		return fmt.Errorf("%w: btree file %d is not empty", storeerr.ErrCorruptPage, t.File)
	}

	root, err := io.Allocate(t.File, storage.PageTypeLeaf)
	if err != nil {
		return err
	}
	io.Release(root)

	writeMeta(mp, &meta{kind: t.Kind, root: root.ID})
	return nil
}

func (t *Tree) loadMeta(io storage.PageIO) (*meta, error) {
	p, err := io.Load(t.File, metaPage)
	if err != nil {
		return nil, err
	}
	defer io.Release(p)
	return t.decodeMeta(p)
}

func (t *Tree) decodeMeta(p *storage.Page) (*meta, error) {
	if [4]byte(p.Data[metaMagicOff:metaKindOff]) != metaMagic {
		return nil, fmt.Errorf("%w: btree file %d has no meta page", storeerr.ErrCorruptPage, t.File)
	}
	m := &meta{
		kind:     Kind(p.Data[metaKindOff]),
		root:     storage.PageID(binary.LittleEndian.Uint64(p.Data[metaRootOff:])),
		count:    binary.LittleEndian.Uint64(p.Data[metaCountOff:]),
		freeHead: storage.PageID(binary.LittleEndian.Uint64(p.Data[metaFreeOff:])),
	}
	if m.kind != t.Kind {
		return nil, fmt.Errorf("%w: btree file %d stores %s values, opened as %s", storeerr.ErrCorruptPage, t.File, m.kind, t.Kind)
	}
	return m, nil
}

func (t *Tree) saveMeta(io storage.PageIO, m *meta) error {
	p, err := io.LoadForWrite(t.File, metaPage)
	if err != nil {
		return err
	}
	defer io.Release(p)
	writeMeta(p, m)
	return nil
}

func writeMeta(p *storage.Page, m *meta) {
	copy(p.Data[metaMagicOff:], metaMagic[:])
	p.Data[metaKindOff] = byte(m.kind)
	binary.LittleEndian.PutUint64(p.Data[metaRootOff:], uint64(m.root))
	binary.LittleEndian.PutUint64(p.Data[metaCountOff:], m.count)
	binary.LittleEndian.PutUint64(p.Data[metaFreeOff:], uint64(m.freeHead))
}

// allocPage takes a page from the free list, or extends the file.
func (t *Tree) allocPage(io storage.PageIO, m *meta, pageType byte) (*storage.Page, error) {
	if m.freeHead == storage.InvalidPage {
		return io.Allocate(t.File, pageType)
	}
	p, err := io.LoadForWrite(t.File, m.freeHead)
	if err != nil {
		return nil, err
	}
	m.freeHead = p.GetNextPage()
	clear(p.Data[:])
	p.SetPageType(pageType)
	p.SetFreeSpace(storage.PageHeaderSize)
	return p, nil
}

func (t *Tree) freePage(io storage.PageIO, m *meta, id storage.PageID) error {
	p, err := io.LoadForWrite(t.File, id)
	if err != nil {
		return err
	}
	defer io.Release(p)
	clear(p.Data[:])
	p.SetPageType(storage.PageTypeFree)
	p.SetNextPage(m.freeHead)
	m.freeHead = id
	return nil
}

// treeKey is the key stored in the tree for a (key, RID) pair.
func (t *Tree) treeKey(key []byte, r rid.RID) []byte {
	if t.Kind == SingleValue {
		return key
	}
	out := make([]byte, len(key)+rid.Size)
	copy(out, key)
	r.Put(out[len(key):])
	return out
}

// keyPart strips the RID suffix of multi-value tree keys.
func (t *Tree) keyPart(treeKey []byte) []byte {
	if t.Kind == SingleValue {
		return treeKey
	}
	return treeKey[:len(treeKey)-rid.Size]
}

func (t *Tree) entryRID(e entry) (rid.RID, error) {
	if t.Kind == SingleValue {
		return rid.FromBytes(e.value)
	}
	return rid.FromBytes(e.key[len(e.key)-rid.Size:])
}

func checkKey(key []byte) error {
	if len(key) > MaxKeySize {
		return fmt.Errorf("%w: %d bytes", storeerr.ErrKeyTooLarge, len(key))
	}
	return nil
}

// Put maps key to r. A single-value tree replaces the previous RID of key; a
// multi-value tree adds the pair if it is not present yet. Put reports whether
// the entry count grew.
func (t *Tree) Put(io storage.PageIO, key []byte, r rid.RID) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	m, err := t.loadMeta(io)
	if err != nil {
		return false, err
	}

	e := entry{key: t.treeKey(key, r), value: []byte{}}
	if t.Kind == SingleValue {
		e.value = r.Bytes()
	}

	added, splitKey, splitID, err := t.insertRecursive(io, m, m.root, e)
	if err != nil {
		return false, err
	}

	// Root split: P0=OldRoot, K1=SplitKey, P1=SplitNode
	if splitID != storage.InvalidPage {
		root, err := t.allocPage(io, m, storage.PageTypeIndex)
		if err != nil {
			return false, err
		}
		err = writeInternal(root, m.root, []entry{{key: splitKey, value: childValue(splitID)}})
		io.Release(root)
		if err != nil {
			return false, err
		}
		m.root = root.ID
	}
	if added {
		m.count++
	}
	if added || splitID != storage.InvalidPage {
		return added, t.saveMeta(io, m)
	}
	return added, nil
}

// insertRecursive descends the tree, inserts e, and handles splits on the way up.
// Returns the promoted key and the new sibling if the node split.
func (t *Tree) insertRecursive(io storage.PageIO, m *meta, pageID storage.PageID, e entry) (bool, []byte, storage.PageID, error) {
	page, err := io.Load(t.File, pageID)
	if err != nil {
		return false, nil, 0, err
	}
	pageType := page.GetPageType()
	var child storage.PageID
	if pageType == storage.PageTypeIndex {
		child, err = searchInternal(page, e.key)
	}
	io.Release(page)
	if err != nil {
		return false, nil, 0, err
	}

	switch pageType {
	case storage.PageTypeLeaf:
		return t.insertIntoLeaf(io, m, pageID, e)
	case storage.PageTypeIndex:
		added, promoteKey, splitChild, err := t.insertRecursive(io, m, child, e)
		if err != nil || splitChild == storage.InvalidPage {
			return added, nil, 0, err
		}
		promoted, sibling, err := t.insertIntoInternal(io, m, pageID, promoteKey, splitChild)
		return added, promoted, sibling, err
	}
	return false, nil, 0, fmt.Errorf("%w: invalid page type %d in btree file %d", storeerr.ErrCorruptPage, pageType, t.File)
}

func (t *Tree) insertIntoLeaf(io storage.PageIO, m *meta, pageID storage.PageID, e entry) (bool, []byte, storage.PageID, error) {
	page, err := io.LoadForWrite(t.File, pageID)
	if err != nil {
		return false, nil, 0, err
	}
	defer io.Release(page)

	entries, err := leafEntries(page)
	if err != nil {
		return false, nil, 0, err
	}

	i, found := search(entries, e.key)
	if found {
		entries[i].value = e.value
		return false, nil, 0, writeLeaf(page, entries)
	}
	entries = insertAt(entries, i, e)

	if len(entries) <= t.order && entriesSize(storage.PageHeaderSize, entries) <= splitThreshold {
		return true, nil, 0, writeLeaf(page, entries)
	}

	// Leaf split
	mid := splitPoint(entries)
	left, right := entries[:mid], entries[mid:]

	sibling, err := t.allocPage(io, m, storage.PageTypeLeaf)
	if err != nil {
		return false, nil, 0, err
	}
	defer io.Release(sibling)

	// Link leafs
	oldNext := page.GetNextPage()
	page.SetNextPage(sibling.ID)
	sibling.SetNextPage(oldNext)
	sibling.SetPrevPage(page.ID)
	if oldNext != storage.InvalidPage {
		next, err := io.LoadForWrite(t.File, oldNext)
		if err != nil {
			return false, nil, 0, err
		}
		next.SetPrevPage(sibling.ID)
		io.Release(next)
	}

	if err := writeLeaf(page, left); err != nil {
		return false, nil, 0, err
	}
	if err := writeLeaf(sibling, right); err != nil {
		return false, nil, 0, err
	}

	// Promote key (copy up): first key of the right node
	return true, right[0].key, sibling.ID, nil
}

func (t *Tree) insertIntoInternal(io storage.PageIO, m *meta, pageID storage.PageID, key []byte, child storage.PageID) ([]byte, storage.PageID, error) {
	page, err := io.LoadForWrite(t.File, pageID)
	if err != nil {
		return nil, 0, err
	}
	defer io.Release(page)

	entries, err := internalEntries(page)
	if err != nil {
		return nil, 0, err
	}
	left := leftPtr(page)

	i, _ := search(entries, key)
	entries = insertAt(entries, i, entry{key: key, value: childValue(child)})

	if len(entries) <= t.order && entriesSize(internalHeaderSize, entries) <= splitThreshold {
		return nil, 0, writeInternal(page, left, entries)
	}

	// Internal split:
	// Old: P0 K1 P1 ... Kmid Pmid ... Kn Pn
	// Left keeps P0 .. Pmid-1, Kmid is promoted, Pmid becomes LeftPtr of the right node.
	mid := splitPoint(entries)
	promote := entries[mid]
	rightLeft, err := childID(promote)
	if err != nil {
		return nil, 0, err
	}

	sibling, err := t.allocPage(io, m, storage.PageTypeIndex)
	if err != nil {
		return nil, 0, err
	}
	defer io.Release(sibling)

	if err := writeInternal(page, left, entries[:mid]); err != nil {
		return nil, 0, err
	}
	if err := writeInternal(sibling, rightLeft, entries[mid+1:]); err != nil {
		return nil, 0, err
	}
	return promote.key, sibling.ID, nil
}

// Remove deletes every entry of key. Pages are not merged on underflow; empty
// leaves stay linked and are skipped by scans.
func (t *Tree) Remove(io storage.PageIO, key []byte) (int, error) {
	if t.Kind == SingleValue {
		return t.removeWhere(io, key, func(entry) bool { return true })
	}
	var removed int
	for {
		rids, err := t.Get(io, key)
		if err != nil || len(rids) == 0 {
			return removed, err
		}
		for _, r := range rids {
			n, err := t.RemoveValue(io, key, r)
			if err != nil {
				return removed, err
			}
			removed += n
		}
	}
}

// RemoveValue deletes the pair (key, r). A single-value tree only removes the
// key if it currently maps to r.
func (t *Tree) RemoveValue(io storage.PageIO, key []byte, r rid.RID) (int, error) {
	return t.removeWhere(io, t.treeKey(key, r), func(e entry) bool {
		got, err := t.entryRID(e)
		return err == nil && got == r
	})
}

func (t *Tree) removeWhere(io storage.PageIO, treeKey []byte, match func(entry) bool) (int, error) {
	if err := checkKey(t.keyPart(treeKey)); err != nil {
		return 0, err
	}
	m, err := t.loadMeta(io)
	if err != nil {
		return 0, err
	}
	leafID, err := t.findLeaf(io, m, treeKey, false)
	if err != nil {
		return 0, err
	}

	page, err := io.Load(t.File, leafID)
	if err != nil {
		return 0, err
	}
	entries, err := leafEntries(page)
	io.Release(page)
	if err != nil {
		return 0, err
	}
	i, found := search(entries, treeKey)
	if !found || !match(entries[i]) {
		return 0, nil
	}

	page, err = io.LoadForWrite(t.File, leafID)
	if err != nil {
		return 0, err
	}
	entries = append(entries[:i], entries[i+1:]...)
	err = writeLeaf(page, entries)
	io.Release(page)
	if err != nil {
		return 0, err
	}

	m.count--
	return 1, t.saveMeta(io, m)
}

// Get returns the RIDs stored under key in ascending RID order.
func (t *Tree) Get(io storage.PageIO, key []byte) ([]rid.RID, error) {
	if t.Kind == SingleValue {
		m, err := t.loadMeta(io)
		if err != nil {
			return nil, err
		}
		leafID, err := t.findLeaf(io, m, key, false)
		if err != nil {
			return nil, err
		}
		page, err := io.Load(t.File, leafID)
		if err != nil {
			return nil, err
		}
		entries, err := leafEntries(page)
		io.Release(page)
		if err != nil {
			return nil, err
		}
		i, found := search(entries, key)
		if !found {
			return nil, nil
		}
		r, err := t.entryRID(entries[i])
		if err != nil {
			return nil, err
		}
		return []rid.RID{r}, nil
	}

	var out []rid.RID
	bound := &Bound{Key: key, Inclusive: true}
	err := t.Range(io, bound, bound, true, func(e Entry) bool {
		out = append(out, e.RID)
		return true
	})
	return out, err
}

// Size returns the number of entries.
func (t *Tree) Size(io storage.PageIO) (uint64, error) {
	m, err := t.loadMeta(io)
	if err != nil {
		return 0, err
	}
	return m.count, nil
}

// Clear removes every entry. All pages except the root go to the free list.
func (t *Tree) Clear(io storage.PageIO) error {
	m, err := t.loadMeta(io)
	if err != nil {
		return err
	}

	var pages []storage.PageID
	queue := []storage.PageID{m.root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id != m.root {
			pages = append(pages, id)
		}
		page, err := io.Load(t.File, id)
		if err != nil {
			return err
		}
		if page.GetPageType() == storage.PageTypeIndex {
			entries, err := internalEntries(page)
			if err != nil {
				io.Release(page)
				return err
			}
			queue = append(queue, leftPtr(page))
			for _, e := range entries {
				c, err := childID(e)
				if err != nil {
					io.Release(page)
					return err
				}
				queue = append(queue, c)
			}
		}
		io.Release(page)
	}

	for _, id := range pages {
		if err := t.freePage(io, m, id); err != nil {
			return err
		}
	}

	root, err := io.LoadForWrite(t.File, m.root)
	if err != nil {
		return err
	}
	clear(root.Data[:])
	root.SetPageType(storage.PageTypeLeaf)
	root.SetFreeSpace(storage.PageHeaderSize)
	io.Release(root)

	m.count = 0
	return t.saveMeta(io, m)
}

// findLeaf descends from the root towards key, or to the rightmost leaf.
func (t *Tree) findLeaf(io storage.PageIO, m *meta, key []byte, rightmost bool) (storage.PageID, error) {
	id := m.root
	for depth := 0; ; depth++ {
		if depth > 64 {
			return 0, fmt.Errorf("%w: btree file %d has a cycle", storeerr.ErrCorruptPage, t.File)
		}
		page, err := io.Load(t.File, id)
		if err != nil {
			return 0, err
		}
		switch page.GetPageType() {
		case storage.PageTypeLeaf:
			io.Release(page)
			return id, nil
		case storage.PageTypeIndex:
			var next storage.PageID
			if rightmost {
				next, err = rightmostChild(page)
			} else {
				next, err = searchInternal(page, key)
			}
			io.Release(page)
			if err != nil {
				return 0, err
			}
			id = next
		default:
			io.Release(page)
			return 0, fmt.Errorf("%w: invalid page type %d in btree file %d", storeerr.ErrCorruptPage, page.GetPageType(), t.File)
		}
	}
}
