// Package tx holds the state of one transaction: its ordered record operations
// and the pending change log of every index it touched. Nothing here is visible
// to other transactions; the storage engine applies it at commit.
package tx

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
)

// RecordOpType is the kind of a record operation.
type RecordOpType uint8

const (
	Created RecordOpType = iota + 1
	Updated
	Deleted
)

func (t RecordOpType) String() string {
	switch t {
	case Created:
		return "CREATE"
	case Updated:
		return "UPDATE"
	case Deleted:
		return "DELETE"
	}
	return "UNKNOWN"
}

// RecordOp is a pending record mutation.
type RecordOp struct {
	Type RecordOpType
	RID  rid.RID
	// Class routes a new record to its class's default collection when
	// Collection is negative.
	Class      string
	Collection int32
	// Version is the expected record version of updates and deletes.
	Version    int32
	RecordType byte
	Payload    []byte
	// Encode, when set, produces the payload at commit once temporary RIDs
	// have been given their final values.
	Encode func(resolve func(rid.RID) rid.RID) ([]byte, error)
}

// Bytes returns the payload to store.
func (op *RecordOp) Bytes(resolve func(rid.RID) rid.RID) ([]byte, error) {
	if op.Encode != nil {
		return op.Encode(resolve)
	}
	return op.Payload, nil
}

// Status is the lifecycle state of a transaction.
type Status uint8

const (
	StatusActive Status = iota
	StatusCommitted
	StatusRolledBack
)

// Tx is a transaction. It is used by one goroutine at a time.
type Tx struct {
	ID string
	// Allocated marks transactions whose new records already carry persistent
	// positions chosen upstream.
	Allocated bool
	Metadata  []byte
	Status    Status

	ops      []*RecordOp
	byRID    map[rid.RID]*RecordOp
	tempSeq  int64
	indexes  map[string]*IndexChanges
	resolved map[rid.RID]rid.RID
}

// New starts an empty transaction.
func New() *Tx {
	return &Tx{
		ID:       uuid.NewString(),
		byRID:    make(map[rid.RID]*RecordOp),
		indexes:  make(map[string]*IndexChanges),
		resolved: make(map[rid.RID]rid.RID),
	}
}

func (t *Tx) String() string {
	return fmt.Sprintf("tx %s (%d record ops, %d indexes)", t.ID, len(t.ops), len(t.indexes))
}

// Create records a new record and returns its temporary RID. collection may be
// negative to route through class.
func (t *Tx) Create(class string, collection int32, recordType byte, payload []byte) rid.RID {
	t.tempSeq++
	r := rid.Temporary(t.tempSeq)
	op := &RecordOp{Type: Created, RID: r, Class: class, Collection: collection, RecordType: recordType, Payload: payload}
	t.ops = append(t.ops, op)
	t.byRID[r] = op
	return r
}

// CreateAt records a new record at a position that was allocated upstream.
func (t *Tx) CreateAt(r rid.RID, class string, recordType byte, payload []byte) {
	op := &RecordOp{Type: Created, RID: r, Class: class, Collection: r.Collection, RecordType: recordType, Payload: payload}
	t.ops = append(t.ops, op)
	t.byRID[r] = op
}

// Update records a new payload for r. Updating a record created in this
// transaction only replaces the payload of the create.
func (t *Tx) Update(r rid.RID, version int32, recordType byte, payload []byte) {
	if op, ok := t.byRID[r]; ok && op.Type != Deleted {
		op.Payload = payload
		op.RecordType = recordType
		op.Encode = nil
		return
	}
	op := &RecordOp{Type: Updated, RID: r, Collection: r.Collection, Version: version, RecordType: recordType, Payload: payload}
	t.ops = append(t.ops, op)
	t.byRID[r] = op
}

// Delete records the deletion of r. Deleting a record created in this
// transaction drops the create.
func (t *Tx) Delete(r rid.RID, version int32) {
	if op, ok := t.byRID[r]; ok {
		switch op.Type {
		case Created:
			t.dropOp(op)
			return
		case Updated:
			op.Type = Deleted
			op.Payload = nil
			op.Encode = nil
			return
		case Deleted:
			return
		}
	}
	op := &RecordOp{Type: Deleted, RID: r, Collection: r.Collection, Version: version}
	t.ops = append(t.ops, op)
	t.byRID[r] = op
}

func (t *Tx) dropOp(op *RecordOp) {
	delete(t.byRID, op.RID)
	for i, o := range t.ops {
		if o == op {
			t.ops = append(t.ops[:i], t.ops[i+1:]...)
			return
		}
	}
}

// Op returns the pending operation on r, or nil.
func (t *Tx) Op(r rid.RID) *RecordOp {
	return t.byRID[r]
}

// Ops returns the record operations in the order they were first recorded.
func (t *Tx) Ops() []*RecordOp {
	return t.ops
}

// Empty reports whether the transaction changes nothing.
func (t *Tx) Empty() bool {
	return len(t.ops) == 0 && len(t.indexes) == 0
}

// Changes returns the pending log of an index, creating it on first use.
func (t *Tx) Changes(name string, engineID int, policy Policy) *IndexChanges {
	ic, ok := t.indexes[name]
	if !ok {
		ic = newIndexChanges(name, engineID, policy)
		t.indexes[name] = ic
	}
	return ic
}

// IndexChanges returns the pending log of an index, or nil if it has none.
func (t *Tx) IndexChanges(name string) *IndexChanges {
	return t.indexes[name]
}

// Put enqueues PUT(key, r) on an index.
func (t *Tx) Put(ic *IndexChanges, key any, enc []byte, r rid.RID) {
	ic.add(key, enc, KeyOp{Op: OpPut, RID: r, HasRID: true})
}

// Remove enqueues REMOVE(key, r) on an index.
func (t *Tx) Remove(ic *IndexChanges, key any, enc []byte, r rid.RID) {
	ic.add(key, enc, KeyOp{Op: OpRemove, RID: r, HasRID: true})
}

// RemoveKey enqueues REMOVE(key) which drops every RID of the key.
func (t *Tx) RemoveKey(ic *IndexChanges, key any, enc []byte) {
	ic.add(key, enc, KeyOp{Op: OpRemove})
}

// ClearIndex drops all pending operations of the index and hides its durable entries.
func (t *Tx) ClearIndex(ic *IndexChanges) {
	ic.clearAll()
}

// Indexes returns every touched index in ascending engine id order.
func (t *Tx) Indexes() []*IndexChanges {
	out := make([]*IndexChanges, 0, len(t.indexes))
	for _, ic := range t.indexes {
		out = append(out, ic)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EngineID != out[j].EngineID {
			return out[i].EngineID < out[j].EngineID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Remap replaces a temporary RID with the persistent RID assigned at commit,
// in record operations and in pending index changes.
func (t *Tx) Remap(old, final rid.RID) {
	t.remap(old, final)
	t.resolved[old] = final
}

// UndoRemaps restores the temporary RIDs after a failed commit.
func (t *Tx) UndoRemaps() {
	for old, final := range t.resolved {
		t.remap(final, old)
	}
	clear(t.resolved)
}

func (t *Tx) remap(old, final rid.RID) {
	if op, ok := t.byRID[old]; ok {
		delete(t.byRID, old)
		op.RID = final
		if final.IsPersistent() {
			op.Collection = final.Collection
		}
		t.byRID[final] = op
	}
	for _, ic := range t.indexes {
		ic.remap(old, final)
	}
}

// Resolve maps a temporary RID to the RID it was given at commit.
func (t *Tx) Resolve(r rid.RID) rid.RID {
	if final, ok := t.resolved[r]; ok {
		return final
	}
	return r
}
