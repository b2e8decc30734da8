package index

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/JetBrains/youtrackdb-sub019/internal/btree"
	"github.com/JetBrains/youtrackdb-sub019/internal/engine"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
	"github.com/JetBrains/youtrackdb-sub019/internal/tx"
)

// scanBatch is the number of keys read from the engine per call. The engine
// lock is not held while callers consume a batch.
const scanBatch = 256

// Entry is one (key, record) pair of an index.
type Entry struct {
	Key any
	RID rid.RID
}

// Predicate decides whether a committed entry is visible, for example to
// apply record-level security. Entries pending in the reading transaction
// are always visible to it.
type Predicate func(Entry) (bool, error)

// Reader reads an index as seen by one transaction: committed entries merged
// with the transaction's pending changes.
type Reader struct {
	idx    *Index
	t      *tx.Tx
	filter Predicate
}

// Where returns a reader that hides committed entries rejected by p.
func (r *Reader) Where(p Predicate) *Reader {
	c := *r
	c.filter = p
	return &c
}

func (r *Reader) pending() *tx.IndexChanges {
	if r.t == nil {
		return nil
	}
	return r.t.IndexChanges(r.idx.name)
}

func (r *Reader) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("index %s: %w", r.idx.name, err)
}

// visible applies the predicate to committed RIDs of a key.
func (r *Reader) visible(key any, rids []rid.RID) ([]rid.RID, error) {
	if r.filter == nil || len(rids) == 0 {
		return rids, nil
	}
	out := make([]rid.RID, 0, len(rids))
	for _, id := range rids {
		ok, err := r.filter(Entry{Key: key, RID: id})
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// resolve applies the pending log of a key to its committed RIDs. The result
// follows the scan direction.
func (r *Reader) resolve(kc *tx.KeyChanges, durable []rid.RID, ascending bool) []rid.RID {
	if kc == nil || len(kc.Ops) == 0 {
		return durable
	}
	out := slices.Clone(r.idx.v.policy().Resolve(kc, durable))
	slices.SortFunc(out, rid.RID.Compare)
	if !ascending {
		slices.Reverse(out)
	}
	return out
}

// committed returns the visible committed RIDs of an encoded key.
func (r *Reader) committed(key any, enc []byte) ([]rid.RID, error) {
	durable, err := physical(r.idx, func(h engine.Handle) ([]rid.RID, error) {
		return r.idx.st.IndexGet(h, enc)
	})
	if err != nil {
		return nil, err
	}
	return r.visible(key, durable)
}

// Get returns the records mapped to key. A prefix of a composite key returns
// the records of every key sharing it.
func (r *Reader) Get(key any) ([]rid.RID, error) {
	k, parts, err := r.idx.def.Key(key)
	if err != nil {
		return nil, r.wrapErr(err)
	}
	if parts < len(r.idx.def.Fields) {
		var out []rid.RID
		err := r.Between(k, true, k, true, true, func(e Entry) bool {
			out = append(out, e.RID)
			return true
		})
		return out, err
	}
	return r.get(k)
}

func (r *Reader) get(k any) ([]rid.RID, error) {
	enc, err := encodeKey(k)
	if err != nil {
		return nil, r.wrapErr(err)
	}
	ic := r.pending()
	var durable []rid.RID
	if ic == nil || !ic.Cleared {
		if durable, err = r.committed(k, enc); err != nil {
			return nil, r.wrapErr(err)
		}
	}
	var kc *tx.KeyChanges
	if ic != nil {
		kc = ic.Key(enc)
	}
	return r.resolve(kc, durable, true), nil
}

// Count returns the number of records mapped to key.
func (r *Reader) Count(key any) (int, error) {
	rids, err := r.Get(key)
	return len(rids), err
}

// GetEntries streams the entries of several keys in key order.
func (r *Reader) GetEntries(keyList []any, ascending bool, fn func(Entry) bool) error {
	type lookup struct {
		key     any
		enc     []byte
		partial bool
	}
	var lookups []lookup
	for _, key := range keyList {
		k, parts, err := r.idx.def.Key(key)
		if err != nil {
			return r.wrapErr(err)
		}
		enc, err := encodeKey(k)
		if err != nil {
			return r.wrapErr(err)
		}
		if slices.ContainsFunc(lookups, func(l lookup) bool { return bytes.Equal(l.enc, enc) }) {
			continue
		}
		lookups = append(lookups, lookup{key: k, enc: enc, partial: parts < len(r.idx.def.Fields)})
	}
	slices.SortFunc(lookups, func(a, b lookup) int {
		if ascending {
			return bytes.Compare(a.enc, b.enc)
		}
		return bytes.Compare(b.enc, a.enc)
	})

	for _, l := range lookups {
		if l.partial {
			stopped := false
			err := r.Between(l.key, true, l.key, true, ascending, func(e Entry) bool {
				if !fn(e) {
					stopped = true
					return false
				}
				return true
			})
			if err != nil || stopped {
				return err
			}
			continue
		}
		rids, err := r.get(l.key)
		if err != nil {
			return err
		}
		if !ascending {
			slices.Reverse(rids)
		}
		for _, id := range rids {
			if !fn(Entry{Key: l.key, RID: id}) {
				return nil
			}
		}
	}
	return nil
}

// Between streams the entries between two keys. Either end may be inclusive
// or exclusive; partial composite keys cover every key sharing the prefix.
func (r *Reader) Between(from any, fromInclusive bool, to any, toInclusive bool, ascending bool, fn func(Entry) bool) error {
	lo, err := r.idx.def.bound(from, fromInclusive, true)
	if err != nil {
		return r.wrapErr(err)
	}
	hi, err := r.idx.def.bound(to, toInclusive, false)
	if err != nil {
		return r.wrapErr(err)
	}
	return r.scan(lo, hi, ascending, fn)
}

// Major streams the entries with keys above from.
func (r *Reader) Major(from any, inclusive, ascending bool, fn func(Entry) bool) error {
	lo, err := r.idx.def.bound(from, inclusive, true)
	if err != nil {
		return r.wrapErr(err)
	}
	return r.scan(lo, nil, ascending, fn)
}

// Minor streams the entries with keys below to.
func (r *Reader) Minor(to any, inclusive, ascending bool, fn func(Entry) bool) error {
	hi, err := r.idx.def.bound(to, inclusive, false)
	if err != nil {
		return r.wrapErr(err)
	}
	return r.scan(nil, hi, ascending, fn)
}

// Ascending streams every entry in ascending key order.
func (r *Reader) Ascending(fn func(Entry) bool) error {
	return r.scan(nil, nil, true, fn)
}

// Descending streams every entry in descending key order.
func (r *Reader) Descending(fn func(Entry) bool) error {
	return r.scan(nil, nil, false, fn)
}

// Keys streams the distinct keys that map to at least one record, ascending.
func (r *Reader) Keys(fn func(key any) bool) error {
	if r.pending() == nil && r.filter == nil {
		return r.committedKeys(fn)
	}
	return r.wrapErr(r.scanGroups(nil, nil, true, func(key any, _ []rid.RID) bool {
		return fn(key)
	}))
}

func (r *Reader) committedKeys(fn func(key any) bool) error {
	var encoded [][]byte
	_, err := physical(r.idx, func(h engine.Handle) (struct{}, error) {
		encoded = encoded[:0]
		return struct{}{}, r.idx.st.IndexKeys(h, true, func(key []byte) bool {
			encoded = append(encoded, bytes.Clone(key))
			return true
		})
	})
	if err != nil {
		return r.wrapErr(err)
	}
	for _, enc := range encoded {
		key, err := r.idx.def.decodeKey(enc)
		if err != nil {
			return r.wrapErr(err)
		}
		if !fn(key) {
			return nil
		}
	}
	return nil
}

// Size returns the number of entries.
func (r *Reader) Size() (uint64, error) {
	if r.filter != nil {
		var n uint64
		err := r.scanGroups(nil, nil, true, func(_ any, rids []rid.RID) bool {
			n += uint64(len(rids))
			return true
		})
		return n, r.wrapErr(err)
	}

	ic := r.pending()
	var total int64
	if ic == nil || !ic.Cleared {
		n, err := physical(r.idx, func(h engine.Handle) (uint64, error) {
			return r.idx.st.IndexSize(h)
		})
		if err != nil {
			return 0, r.wrapErr(err)
		}
		total = int64(n)
	}
	if ic != nil {
		for _, kc := range ic.Keys() {
			var durable []rid.RID
			if !ic.Cleared {
				var err error
				if durable, err = r.committed(kc.Key, kc.Enc); err != nil {
					return 0, r.wrapErr(err)
				}
			}
			total += int64(len(r.resolve(kc, durable, true)) - len(durable))
		}
	}
	return uint64(max(total, 0)), nil
}

func (r *Reader) scan(from, to *btree.Bound, ascending bool, fn func(Entry) bool) error {
	return r.wrapErr(r.scanGroups(from, to, ascending, func(key any, rids []rid.RID) bool {
		for _, id := range rids {
			if !fn(Entry{Key: key, RID: id}) {
				return false
			}
		}
		return true
	}))
}

// scanGroups merges two ordered sources: committed keys from the engine and
// keys with pending changes. A key present in both is resolved against its
// pending log; keys left without records are skipped.
func (r *Reader) scanGroups(from, to *btree.Bound, ascending bool, fn func(key any, rids []rid.RID) bool) error {
	ic := r.pending()
	var pending []*tx.KeyChanges
	if ic != nil {
		for _, kc := range ic.Keys() {
			if inRange(kc.Enc, from, to) {
				pending = append(pending, kc)
			}
		}
		if !ascending {
			slices.Reverse(pending)
		}
	}

	next := 0
	// emitPending emits pending-only keys ordered before enc, or all when enc is nil
	emitPending := func(enc []byte) bool {
		for next < len(pending) {
			kc := pending[next]
			if enc != nil {
				c := bytes.Compare(kc.Enc, enc)
				if !ascending {
					c = -c
				}
				if c >= 0 {
					break
				}
			}
			next++
			if rids := r.resolve(kc, nil, ascending); len(rids) > 0 && !fn(kc.Key, rids) {
				return false
			}
		}
		return true
	}

	if ic == nil || !ic.Cleared {
		var cbErr error
		stopped := false
		err := r.idx.forEachGroup(from, to, ascending, func(enc []byte, rids []rid.RID) bool {
			if !emitPending(enc) {
				stopped = true
				return false
			}
			key, err := r.idx.def.decodeKey(enc)
			if err != nil {
				cbErr = err
				return false
			}
			if rids, err = r.visible(key, rids); err != nil {
				cbErr = err
				return false
			}
			var kc *tx.KeyChanges
			if next < len(pending) && bytes.Equal(pending[next].Enc, enc) {
				kc = pending[next]
				next++
			}
			if rids = r.resolve(kc, rids, ascending); len(rids) > 0 && !fn(key, rids) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		if cbErr != nil || stopped {
			return cbErr
		}
	}
	emitPending(nil)
	return nil
}

type keyGroup struct {
	enc  []byte
	rids []rid.RID
}

// forEachGroup reads committed entries between two bounds grouped by key, in
// batches of whole keys.
func (idx *Index) forEachGroup(from, to *btree.Bound, ascending bool, fn func(enc []byte, rids []rid.RID) bool) error {
	for {
		var groups []keyGroup
		truncated := false
		_, err := physical(idx, func(h engine.Handle) (struct{}, error) {
			groups, truncated = groups[:0], false
			return struct{}{}, idx.st.IndexRange(h, from, to, ascending, func(e btree.Entry) bool {
				if n := len(groups); n > 0 && bytes.Equal(groups[n-1].enc, e.Key) {
					groups[n-1].rids = append(groups[n-1].rids, e.RID)
					return true
				}
				if len(groups) >= scanBatch {
					truncated = true
					return false
				}
				groups = append(groups, keyGroup{enc: bytes.Clone(e.Key), rids: []rid.RID{e.RID}})
				return true
			})
		})
		if err != nil {
			return err
		}
		for _, g := range groups {
			if !fn(g.enc, g.rids) {
				return nil
			}
		}
		if !truncated {
			return nil
		}
		last := groups[len(groups)-1].enc
		if ascending {
			from = &btree.Bound{Key: last}
		} else {
			to = &btree.Bound{Key: last}
		}
	}
}

func inRange(enc []byte, from, to *btree.Bound) bool {
	if from != nil {
		c := bytes.Compare(enc, from.Key)
		if c < 0 || (c == 0 && !from.Inclusive) {
			return false
		}
	}
	if to != nil {
		c := bytes.Compare(enc, to.Key)
		if c > 0 || (c == 0 && !to.Inclusive) {
			return false
		}
	}
	return true
}
