package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/JetBrains/youtrackdb-sub019/internal/metrics"
	"github.com/JetBrains/youtrackdb-sub019/internal/wal"
)

// CheckpointResult describes one checkpoint.
type CheckpointResult struct {
	Kind            string
	CutLSN          wal.LSN
	SegmentsRemoved int
	Duration        time.Duration
}

// FuzzyCheckpoint flushes dirty pages and drops the WAL segments that recovery
// no longer needs, without blocking commits.
func (e *Engine) FuzzyCheckpoint(ctx context.Context) (CheckpointResult, error) {
	leave, err := e.enter()
	if err != nil {
		return CheckpointResult{}, e.wrap("fuzzy checkpoint", err)
	}
	defer leave()

	e.cpMu.Lock()
	defer e.cpMu.Unlock()
	start := time.Now()

	// Units that end after this point either are in the active set or start
	// past end; everything that ended before is installed and gets flushed below.
	end := e.log.LastLSN() + 1
	cut := end
	if lsn, ok := e.ops.OldestActiveLSN(); ok && lsn < cut {
		cut = lsn
	}

	if err := e.pool.FlushAllPages(ctx); err != nil {
		return CheckpointResult{}, e.wrap("fuzzy checkpoint", e.fail(fmt.Errorf("flush pages: %w", err)))
	}
	if lsn, ok := e.pool.MinDirtyLSN(); ok && wal.LSN(lsn) < cut {
		cut = wal.LSN(lsn)
	}

	if err := e.updateCheckpointState(cut); err != nil {
		return CheckpointResult{}, e.wrap("fuzzy checkpoint", e.fail(err))
	}
	if _, err := e.log.Append(&wal.Record{Type: wal.RecordTypeFuzzyCheckpoint, After: lsnBytes(cut)}); err != nil {
		return CheckpointResult{}, e.wrap("fuzzy checkpoint", e.fail(err))
	}
	if err := e.log.Sync(); err != nil {
		return CheckpointResult{}, e.wrap("fuzzy checkpoint", e.fail(err))
	}
	removed, err := e.log.TruncateBefore(cut)
	if err != nil {
		// The state already points past the removed segments
		e.logger.Warn("failed to remove old WAL segments", "error", err)
	}

	res := CheckpointResult{Kind: "fuzzy", CutLSN: cut, SegmentsRemoved: removed, Duration: time.Since(start)}
	e.checkpointed(ctx, res)
	return res, nil
}

// FullCheckpoint waits until no atomic operation is in flight, flushes
// everything and starts a fresh WAL segment.
func (e *Engine) FullCheckpoint(ctx context.Context) (CheckpointResult, error) {
	leave, err := e.enter()
	if err != nil {
		return CheckpointResult{}, e.wrap("full checkpoint", err)
	}
	defer leave()
	return e.fullCheckpointResult(ctx)
}

func (e *Engine) fullCheckpoint(ctx context.Context) error {
	_, err := e.fullCheckpointResult(ctx)
	return err
}

func (e *Engine) fullCheckpointResult(ctx context.Context) (CheckpointResult, error) {
	e.cpMu.Lock()
	defer e.cpMu.Unlock()
	start := time.Now()

	if err := e.ops.Freeze(ctx); err != nil {
		return CheckpointResult{}, e.wrap("full checkpoint", err)
	}
	defer e.ops.Release()

	if err := e.pool.FlushAllPages(ctx); err != nil {
		return CheckpointResult{}, e.wrap("full checkpoint", e.fail(fmt.Errorf("flush pages: %w", err)))
	}
	if _, err := e.log.Append(&wal.Record{Type: wal.RecordTypeFullCheckpoint}); err != nil {
		return CheckpointResult{}, e.wrap("full checkpoint", e.fail(err))
	}
	if err := e.log.Rotate(); err != nil {
		return CheckpointResult{}, e.wrap("full checkpoint", e.fail(err))
	}
	cut := e.log.LastLSN() + 1
	if err := e.updateCheckpointState(cut); err != nil {
		return CheckpointResult{}, e.wrap("full checkpoint", e.fail(err))
	}
	removed, err := e.log.TruncateBefore(cut)
	if err != nil {
		e.logger.Warn("failed to remove old WAL segments", "error", err)
	}

	res := CheckpointResult{Kind: "full", CutLSN: cut, SegmentsRemoved: removed, Duration: time.Since(start)}
	e.checkpointed(ctx, res)
	return res, nil
}

// updateCheckpointState records the replay start point. The clean flag is left
// as it is.
func (e *Engine) updateCheckpointState(cut wal.LSN) error {
	return e.state.update(func(st *storageState) {
		st.CheckpointLSN = cut
		st.Files = e.files.Entries()
		st.NextFileID = e.files.NextID()
		st.LastLSN = e.log.LastLSN()
		st.LastMetadata = e.LastMetadata()
	})
}

func (e *Engine) checkpointed(ctx context.Context, res CheckpointResult) {
	e.walAtCheckpoint.Store(e.log.Size())
	metrics.CheckpointsTotal.WithLabelValues(e.name, res.Kind).Inc()
	e.journal(ctx, EventCheckpoint, fmt.Sprintf("%s cut=%d removed=%d", res.Kind, res.CutLSN, res.SegmentsRemoved), res.Duration)
	e.logger.Info("checkpoint finished",
		"kind", res.Kind,
		"cut_lsn", res.CutLSN,
		"segments_removed", res.SegmentsRemoved,
		"duration", res.Duration)
}

// checkpointer runs a fuzzy checkpoint whenever the WAL grew by more than the
// configured interval since the last one.
func (e *Engine) checkpointer() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Checkpoint.PollInterval)
	defer ticker.Stop()
	threshold := int64(e.cfg.Checkpoint.IntervalMB) << 20

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if e.log.Size()-e.walAtCheckpoint.Load() < threshold {
				continue
			}
			if _, err := e.FuzzyCheckpoint(context.Background()); err != nil {
				e.logger.Error("background checkpoint failed", "error", err)
				if e.Broken() != nil {
					return
				}
			}
		}
	}
}

func lsnBytes(lsn wal.LSN) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(lsn))
}
