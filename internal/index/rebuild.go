package index

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"github.com/JetBrains/youtrackdb-sub019/internal/engine"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/metrics"
	"github.com/JetBrains/youtrackdb-sub019/internal/record"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
	"github.com/JetBrains/youtrackdb-sub019/internal/tx"
)

// Progress reports how far a fill has come.
type Progress struct {
	Index      string
	Collection string
	Processed  uint64
	Total      uint64
	Entries    uint64
}

// RebuildResult summarizes a rebuild or an initial fill.
type RebuildResult struct {
	Index    string
	Records  uint64
	Entries  uint64
	Duration time.Duration
}

// Rebuild drops the engine of an index, creates an empty one and indexes
// every record of the tracked collections again. It must not run
// concurrently with transactions writing to the tracked collections.
func (m *Manager) Rebuild(ctx context.Context, name string, progress func(Progress)) (RebuildResult, error) {
	m.ddl.Lock()
	defer m.ddl.Unlock()

	idx, err := m.Index(name)
	if err != nil {
		return RebuildResult{}, err
	}
	return m.recreate(ctx, idx, progress)
}

func (m *Manager) recreate(ctx context.Context, idx *Index, progress func(Progress)) (RebuildResult, error) {
	if !idx.rebuilding.CompareAndSwap(false, true) {
		return RebuildResult{}, m.wrap("rebuild index", fmt.Errorf("%w: index %s is already rebuilding", storeerr.ErrConfiguration, idx.name))
	}
	defer idx.rebuilding.Store(false)

	start := time.Now()
	if err := m.st.DeleteIndexEngine(ctx, idx.name); err != nil && !storeerr.Is(err, storeerr.ErrIndexNotFound) {
		return RebuildResult{}, err
	}
	h, err := m.st.AddIndexEngine(ctx, idx.name, idx.v.engineKind())
	if err != nil {
		return RebuildResult{}, err
	}
	idx.setHandle(h)
	if err := m.persist(ctx, idx); err != nil {
		return RebuildResult{}, err
	}

	res, err := m.fill(ctx, idx, idx.Collections(), progress)
	if err != nil {
		m.logger.Error("index rebuild failed", "index", idx.name, "error", err)
		return res, err
	}
	res.Duration = time.Since(start)
	m.st.RecordEvent(ctx, engine.EventRebuild,
		fmt.Sprintf("index=%s records=%d entries=%d", idx.name, res.Records, res.Entries), res.Duration)
	m.logger.Info("index rebuilt", "index", idx.name, "records", res.Records, "entries", res.Entries, "duration", res.Duration)
	return res, nil
}

// extracted holds the keys of one browsed record.
type extracted struct {
	rid  rid.RID
	keys []any
	err  error
}

// fill indexes the records of colls in batches, one transaction per batch.
// Key extraction runs on a worker pool; puts and commits stay on the caller.
func (m *Manager) fill(ctx context.Context, idx *Index, colls []string, progress func(Progress)) (RebuildResult, error) {
	res := RebuildResult{Index: idx.name}
	start := time.Now()

	pool, err := ants.NewPool(m.cfg.RebuildWorkers, ants.WithPanicHandler(func(v any) {
		m.logger.Error("key extraction panic", "index", idx.name, "panic", v)
	}))
	if err != nil {
		return res, fmt.Errorf("failed to create rebuild pool: %w", err)
	}
	defer pool.Release()

	logProgress := rate.Sometimes{Interval: 5 * time.Second}
	entries := metrics.RebuildEntriesTotal.WithLabelValues(idx.name)

	for _, coll := range colls {
		id, err := m.st.CollectionID(coll)
		if err != nil {
			return res, err
		}
		total, err := m.st.Count(ctx, id)
		if err != nil {
			return res, err
		}
		p := Progress{Index: idx.name, Collection: coll, Total: total}

		for from := int64(0); from >= 0; {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			recs, next, err := m.st.Browse(ctx, id, from, m.cfg.RebuildBatchSize)
			if err != nil {
				return res, err
			}
			from = next
			if len(recs) == 0 {
				continue
			}

			out := make([]extracted, len(recs))
			var wg sync.WaitGroup
			for i := range recs {
				out[i].rid = rid.New(id, recs[i].Position)
				if recs[i].RecordType != record.TypeDocument {
					continue
				}
				wg.Add(1)
				task := func() {
					defer wg.Done()
					_, props, err := record.Unmarshal(recs[i].Payload)
					if err != nil {
						out[i].err = fmt.Errorf("record %s: %w", out[i].rid, err)
						return
					}
					out[i].keys, out[i].err = idx.def.RecordKeys(props)
				}
				if err := pool.Submit(task); err != nil {
					wg.Done()
					out[i].err = err
				}
			}
			wg.Wait()

			n, err := m.indexBatch(ctx, idx, out)
			if err != nil {
				return res, err
			}
			entries.Add(float64(n))
			res.Records += uint64(len(recs))
			res.Entries += n
			p.Processed += uint64(len(recs))
			p.Entries = res.Entries
			if progress != nil {
				progress(p)
			}
			logProgress.Do(func() {
				m.logger.Info("indexing records", "index", idx.name, "collection", coll,
					"processed", p.Processed, "total", p.Total, "entries", p.Entries)
			})
		}
	}
	res.Duration = time.Since(start)
	return res, nil
}

// indexBatch puts the extracted keys of one batch and commits them. A unique
// index rejects a key shared by two records of the batch; the commit rejects
// keys already mapped to records of earlier batches.
func (m *Manager) indexBatch(ctx context.Context, idx *Index, batch []extracted) (uint64, error) {
	t := tx.New()
	var seen map[string]rid.RID
	if idx.Unique() {
		seen = make(map[string]rid.RID)
	}
	var n uint64
	for _, e := range batch {
		if e.err != nil {
			return 0, m.wrap("rebuild index", fmt.Errorf("index %s: %w", idx.name, e.err))
		}
		for _, key := range e.keys {
			k, enc, skip, err := idx.keyFor(key)
			if err != nil {
				return 0, m.wrap("rebuild index", err)
			}
			if skip {
				continue
			}
			if seen != nil {
				if prev, ok := seen[string(enc)]; ok && prev != e.rid {
					return 0, m.wrap("rebuild index", &storeerr.DuplicateKeyError{
						Index: idx.name, Key: k, Existing: prev.String(), Rejected: e.rid.String(),
					})
				}
				seen[string(enc)] = e.rid
			}
			t.Put(idx.changes(t), k, enc, e.rid)
			n++
		}
	}
	if t.Empty() {
		return 0, nil
	}
	if _, err := m.st.Commit(ctx, t); err != nil {
		return 0, err
	}
	return n, nil
}
