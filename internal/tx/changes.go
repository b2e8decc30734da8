package tx

import (
	"bytes"
	"slices"
	"sort"

	"github.com/JetBrains/youtrackdb-sub019/internal/keys"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
)

// Op is the kind of a pending index operation.
type Op uint8

const (
	OpPut Op = iota + 1
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "PUT"
	case OpRemove:
		return "REMOVE"
	}
	return "UNKNOWN"
}

// KeyOp is one pending operation on a key. A REMOVE without RID clears the key.
type KeyOp struct {
	Op     Op
	RID    rid.RID
	HasRID bool
}

// KeyChanges is the ordered pending log of one key.
type KeyChanges struct {
	Key any
	Enc []byte
	Ops []KeyOp
}

// Policy decides how a key's pending log is folded into durable state.
type Policy uint8

const (
	// Unique collapses the log: the key ends mapped to the last RID that was put
	// and not removed afterwards.
	Unique Policy = iota + 1
	// NonUnique replays the log in order against the multiset of durable RIDs.
	NonUnique
)

func (p Policy) String() string {
	switch p {
	case Unique:
		return "unique"
	case NonUnique:
		return "non-unique"
	}
	return "unknown"
}

// Resolve returns the RIDs the key maps to once the pending log is applied to
// durable. The result is sorted and duplicate free.
func (p Policy) Resolve(kc *KeyChanges, durable []rid.RID) []rid.RID {
	if kc == nil || len(kc.Ops) == 0 {
		return durable
	}
	if p == Unique {
		return kc.Collapse().Apply(durable)
	}
	return kc.Replay(durable)
}

// Collapsed is the net effect of a unique key's pending log.
type Collapsed struct {
	// ClearAll removes whatever the key durably maps to.
	ClearAll bool
	// Removes lists RIDs whose durable mapping must go.
	Removes []rid.RID
	// Put is the RID the key ends mapped to, if any.
	Put    rid.RID
	HasPut bool
}

// Collapse folds the log: the last RID put and not removed afterwards wins.
// Putting and then removing the same RID leaves nothing behind.
func (kc *KeyChanges) Collapse() Collapsed {
	var c Collapsed
	var candidates []rid.RID
	for _, op := range kc.Ops {
		switch {
		case op.Op == OpPut:
			candidates = slices.DeleteFunc(candidates, func(r rid.RID) bool { return r == op.RID })
			candidates = append(candidates, op.RID)
		case op.HasRID:
			candidates = slices.DeleteFunc(candidates, func(r rid.RID) bool { return r == op.RID })
			if !slices.Contains(c.Removes, op.RID) {
				c.Removes = append(c.Removes, op.RID)
			}
		default:
			candidates = nil
			c.Removes = nil
			c.ClearAll = true
		}
	}
	if n := len(candidates); n > 0 {
		c.Put, c.HasPut = candidates[n-1], true
		c.Removes = slices.DeleteFunc(c.Removes, func(r rid.RID) bool { return r == c.Put })
	}
	return c
}

// Apply returns the RIDs a key maps to after the collapsed log is applied.
func (c Collapsed) Apply(durable []rid.RID) []rid.RID {
	if c.HasPut {
		return []rid.RID{c.Put}
	}
	if c.ClearAll {
		return nil
	}
	var out []rid.RID
	for _, r := range durable {
		if !slices.Contains(c.Removes, r) {
			out = append(out, r)
		}
	}
	return out
}

// Replay applies the log to the multiset seeded with durable: PUT adds an
// occurrence, REMOVE(rid) drops one, REMOVE() drops all.
func (kc *KeyChanges) Replay(durable []rid.RID) []rid.RID {
	counts := make(map[rid.RID]int, len(durable)+len(kc.Ops))
	for _, r := range durable {
		counts[r] = 1
	}
	for _, op := range kc.Ops {
		switch {
		case op.Op == OpPut:
			counts[op.RID]++
		case op.HasRID:
			if counts[op.RID] > 0 {
				counts[op.RID]--
			}
		default:
			clear(counts)
		}
	}
	out := make([]rid.RID, 0, len(counts))
	for r, n := range counts {
		if n > 0 {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, rid.RID.Compare)
	return out
}

// Diff splits the change from durable to final into removals and additions.
func Diff(durable, final []rid.RID) (removes, puts []rid.RID) {
	for _, r := range durable {
		if !slices.Contains(final, r) {
			removes = append(removes, r)
		}
	}
	for _, r := range final {
		if !slices.Contains(durable, r) {
			puts = append(puts, r)
		}
	}
	return removes, puts
}

// IndexChanges is the pending change log of one index inside a transaction.
type IndexChanges struct {
	Name     string
	EngineID int
	Policy   Policy
	// Cleared is set when the whole index was cleared; durable entries are
	// invisible to the transaction and dropped at commit.
	Cleared bool

	keys   map[string]*KeyChanges
	sorted []*KeyChanges
}

func newIndexChanges(name string, engineID int, policy Policy) *IndexChanges {
	return &IndexChanges{Name: name, EngineID: engineID, Policy: policy, keys: make(map[string]*KeyChanges)}
}

func (ic *IndexChanges) add(key any, enc []byte, op KeyOp) {
	kc, ok := ic.keys[string(enc)]
	if !ok {
		kc = &KeyChanges{Key: key, Enc: bytes.Clone(enc)}
		ic.keys[string(enc)] = kc
		ic.sorted = nil
	}
	kc.Ops = append(kc.Ops, op)
}

func (ic *IndexChanges) clearAll() {
	ic.Cleared = true
	clear(ic.keys)
	ic.sorted = nil
}

// Key returns the pending log of an encoded key, or nil.
func (ic *IndexChanges) Key(enc []byte) *KeyChanges {
	return ic.keys[string(enc)]
}

// Keys returns every key with pending operations in ascending encoded order.
func (ic *IndexChanges) Keys() []*KeyChanges {
	if ic.sorted == nil {
		ic.sorted = make([]*KeyChanges, 0, len(ic.keys))
		for _, kc := range ic.keys {
			ic.sorted = append(ic.sorted, kc)
		}
		sort.Slice(ic.sorted, func(i, j int) bool {
			return bytes.Compare(ic.sorted[i].Enc, ic.sorted[j].Enc) < 0
		})
	}
	return ic.sorted
}

// Len returns the number of keys with pending operations.
func (ic *IndexChanges) Len() int {
	return len(ic.keys)
}

// remap rewrites every occurrence of a temporary RID, in values and in link keys.
func (ic *IndexChanges) remap(old, final rid.RID) {
	rekey := make(map[string]*KeyChanges)
	for enc, kc := range ic.keys {
		for i := range kc.Ops {
			if kc.Ops[i].HasRID && kc.Ops[i].RID == old {
				kc.Ops[i].RID = final
			}
		}
		if key, changed := replaceLink(kc.Key, old, final); changed {
			if b, err := keys.Encode(key); err == nil {
				delete(ic.keys, enc)
				kc.Key, kc.Enc = key, b
				rekey[string(b)] = kc
			}
		}
	}
	for enc, kc := range rekey {
		if prev, ok := ic.keys[enc]; ok {
			prev.Ops = append(prev.Ops, kc.Ops...)
			continue
		}
		ic.keys[enc] = kc
	}
	if len(rekey) > 0 {
		ic.sorted = nil
	}
}

func replaceLink(key any, old, final rid.RID) (any, bool) {
	switch k := key.(type) {
	case rid.RID:
		if k == old {
			return final, true
		}
	case keys.Composite:
		var out keys.Composite
		for i, part := range k {
			if r, ok := part.(rid.RID); ok && r == old {
				if out == nil {
					out = slices.Clone(k)
				}
				out[i] = final
			}
		}
		if out != nil {
			return out, true
		}
	}
	return key, false
}
