package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JetBrains/youtrackdb-sub019/internal/atomicop"
	"github.com/JetBrains/youtrackdb-sub019/internal/collection"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/metrics"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
	"github.com/JetBrains/youtrackdb-sub019/internal/tx"
)

// Result is the committed state of one record operation.
type Result struct {
	RID     rid.RID
	Version int32
	Type    tx.RecordOpType
}

// commitPlan is everything Commit resolves before the atomic operation starts.
type commitPlan struct {
	targets     map[*tx.RecordOp]*collectionEntry
	collections []*collectionEntry
	engines     []*indexEngine
	changes     map[*indexEngine]*tx.IndexChanges
}

// Commit applies the record operations and pending index changes of t in one
// atomic operation. Either everything becomes durable or nothing does.
func (e *Engine) Commit(ctx context.Context, t *tx.Tx) (results []Result, err error) {
	leave, err := e.enter()
	if err != nil {
		return nil, e.wrap("commit", err)
	}
	defer leave()
	if t.Status != tx.StatusActive {
		return nil, e.wrap("commit", fmt.Errorf("%w: transaction %s is not active", storeerr.ErrConfiguration, t.ID))
	}
	if t.Empty() {
		t.Status = tx.StatusCommitted
		return nil, nil
	}

	start := time.Now()
	defer func() { metrics.ObserveCommit(e.name, start, err) }()

	plan, err := e.plan(t)
	if err != nil {
		return nil, e.wrap("commit", err)
	}

	err = e.execute(ctx, "commit", func(op *atomicop.Operation) error {
		for _, ce := range plan.collections {
			op.LockTillComplete(&ce.mu)
		}
		for _, ie := range plan.engines {
			op.LockTillComplete(&ie.mu)
		}
		if err := plan.check(); err != nil {
			return err
		}

		if err := e.allocate(op, t, plan); err != nil {
			return err
		}
		var err error
		if results, err = e.applyRecords(op, t, plan); err != nil {
			return err
		}
		for _, ie := range plan.engines {
			if err := e.applyIndex(op, ie, plan.changes[ie]); err != nil {
				return err
			}
		}
		if t.Metadata != nil {
			op.SetMetadata(t.Metadata)
		}
		return nil
	})
	if err != nil {
		t.UndoRemaps()
		return nil, err
	}

	if t.Metadata != nil {
		meta := append([]byte(nil), t.Metadata...)
		e.lastMetadata.Store(&meta)
	}
	t.Status = tx.StatusCommitted
	e.logger.Debug("transaction committed", "tx", t.ID, "records", len(results), "indexes", len(plan.engines))
	return results, nil
}

// plan resolves target collections and index engines, each sorted by id so
// that concurrent commits take their locks in the same order.
func (e *Engine) plan(t *tx.Tx) (*commitPlan, error) {
	e.mu.RLock()
	resolver := e.resolver
	e.mu.RUnlock()

	// The resolver may call back into the engine, so it runs unlocked
	routed := make(map[*tx.RecordOp]int32)
	for _, op := range t.Ops() {
		if op.Type != tx.Created || op.Collection >= 0 {
			continue
		}
		if resolver == nil {
			return nil, fmt.Errorf("%w: no collection for new record of class %q", storeerr.ErrCollectionNotFound, op.Class)
		}
		id, err := resolver(op.Class)
		if err != nil {
			return nil, err
		}
		routed[op] = id
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	p := &commitPlan{
		targets: make(map[*tx.RecordOp]*collectionEntry),
		changes: make(map[*indexEngine]*tx.IndexChanges),
	}
	seen := make(map[int32]bool)
	for _, op := range t.Ops() {
		id, ok := routed[op]
		if !ok {
			id = op.Collection
		}
		ce, ok := e.collections[id]
		if !ok {
			return nil, fmt.Errorf("%w: id %d", storeerr.ErrCollectionNotFound, id)
		}
		p.targets[op] = ce
		if !seen[id] {
			seen[id] = true
			p.collections = append(p.collections, ce)
		}
	}
	sort.Slice(p.collections, func(i, j int) bool { return p.collections[i].coll.ID < p.collections[j].coll.ID })

	for _, ic := range t.Indexes() {
		ie, ok := e.engines[ic.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", storeerr.ErrIndexNotFound, ic.Name)
		}
		p.engines = append(p.engines, ie)
		p.changes[ie] = ic
	}
	sort.Slice(p.engines, func(i, j int) bool { return p.engines[i].id < p.engines[j].id })
	return p, nil
}

// check fails when a planned collection or index engine was dropped while
// the commit waited for its locks.
func (p *commitPlan) check() error {
	for _, ce := range p.collections {
		if ce.dropped.Load() {
			return fmt.Errorf("%w: %s was dropped", storeerr.ErrCollectionNotFound, ce.coll.Name)
		}
	}
	for _, ie := range p.engines {
		if ie.dropped.Load() {
			return fmt.Errorf("%w: %s was dropped", storeerr.ErrIndexNotFound, ie.name)
		}
	}
	return nil
}

// allocate gives every new record its final position and remaps the
// temporary RIDs before any payload is encoded.
func (e *Engine) allocate(op *atomicop.Operation, t *tx.Tx, p *commitPlan) error {
	if t.Allocated {
		return nil
	}
	for _, rop := range t.Ops() {
		if rop.Type != tx.Created || rop.RID.IsPersistent() {
			continue
		}
		ce := p.targets[rop]
		pos, err := ce.coll.AllocatePosition(op, rop.RecordType)
		if err != nil {
			return err
		}
		t.Remap(rop.RID, rid.New(ce.coll.ID, pos))
	}
	return nil
}

func (e *Engine) applyRecords(op *atomicop.Operation, t *tx.Tx, p *commitPlan) ([]Result, error) {
	results := make([]Result, 0, len(t.Ops()))
	for _, rop := range t.Ops() {
		ce := p.targets[rop]
		switch rop.Type {
		case tx.Created:
			if !rop.RID.IsPersistent() || rop.RID.Collection != ce.coll.ID {
				return nil, fmt.Errorf("%w: new record %s has no position in collection %d", storeerr.ErrRecordNotFound, rop.RID, ce.coll.ID)
			}
			payload, err := rop.Bytes(t.Resolve)
			if err != nil {
				return nil, err
			}
			pp, err := ce.coll.Create(op, payload, rop.RecordType, rop.RID.Position)
			if err != nil {
				return nil, err
			}
			results = append(results, Result{RID: rop.RID, Version: pp.Version, Type: tx.Created})
		case tx.Updated:
			payload, err := rop.Bytes(t.Resolve)
			if err != nil {
				return nil, err
			}
			pp, err := ce.coll.Update(op, rop.RID.Position, rop.Version, payload, rop.RecordType)
			if err != nil {
				return nil, err
			}
			results = append(results, Result{RID: rop.RID, Version: pp.Version, Type: tx.Updated})
		case tx.Deleted:
			if err := ce.coll.Delete(op, rop.RID.Position, rop.Version); err != nil {
				return nil, err
			}
			results = append(results, Result{RID: rop.RID, Type: tx.Deleted})
		}
	}
	return results, nil
}

// applyIndex folds the pending log of one index into its engine.
func (e *Engine) applyIndex(op *atomicop.Operation, ie *indexEngine, ic *tx.IndexChanges) error {
	if ic.Cleared {
		if err := ie.tree.Clear(op); err != nil {
			return err
		}
	}
	for _, kc := range ic.Keys() {
		kc = dropUnassigned(kc)
		var err error
		if ic.Policy == tx.Unique {
			err = e.applyUnique(op, ie, ic, kc)
		} else {
			err = e.applyNonUnique(op, ie, kc)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// dropUnassigned removes operations on RIDs that stayed temporary: records
// created and deleted again inside the transaction never exist.
func dropUnassigned(kc *tx.KeyChanges) *tx.KeyChanges {
	keep := kc.Ops[:0:0]
	for _, kop := range kc.Ops {
		if kop.HasRID && !kop.RID.IsPersistent() {
			continue
		}
		keep = append(keep, kop)
	}
	if len(keep) == len(kc.Ops) {
		return kc
	}
	return &tx.KeyChanges{Key: kc.Key, Enc: kc.Enc, Ops: keep}
}

func (e *Engine) applyUnique(op *atomicop.Operation, ie *indexEngine, ic *tx.IndexChanges, kc *tx.KeyChanges) error {
	c := kc.Collapse()
	if c.ClearAll {
		if _, err := ie.tree.Remove(op, kc.Enc); err != nil {
			return err
		}
	}
	for _, r := range c.Removes {
		if _, err := ie.tree.RemoveValue(op, kc.Enc, r); err != nil {
			return err
		}
	}
	if !c.HasPut {
		return nil
	}
	existing, err := ie.tree.Get(op, kc.Enc)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r != c.Put {
			return &storeerr.DuplicateKeyError{
				Index:    ic.Name,
				Key:      kc.Key,
				Existing: r.String(),
				Rejected: c.Put.String(),
			}
		}
	}
	_, err = ie.tree.Put(op, kc.Enc, c.Put)
	return err
}

func (e *Engine) applyNonUnique(op *atomicop.Operation, ie *indexEngine, kc *tx.KeyChanges) error {
	durable, err := ie.tree.Get(op, kc.Enc)
	if err != nil {
		return err
	}
	removes, puts := tx.Diff(durable, kc.Replay(durable))
	for _, r := range removes {
		if _, err := ie.tree.RemoveValue(op, kc.Enc, r); err != nil {
			return err
		}
	}
	for _, r := range puts {
		if _, err := ie.tree.Put(op, kc.Enc, r); err != nil {
			return err
		}
	}
	return nil
}

// ReadRecords returns the committed records behind rids, skipping deleted ones.
func (e *Engine) ReadRecords(ctx context.Context, rids []rid.RID) ([]collection.Record, error) {
	out := make([]collection.Record, 0, len(rids))
	for _, r := range rids {
		rec, err := e.ReadRecord(ctx, r)
		if storeerr.Is(err, storeerr.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
