package atomicop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/JetBrains/youtrackdb-sub019/internal/logger"
	"github.com/JetBrains/youtrackdb-sub019/internal/storage"
	"github.com/JetBrains/youtrackdb-sub019/internal/wal"
)

// RecoveryResult summarizes a WAL replay.
type RecoveryResult struct {
	Records      int     // records scanned
	Units        int     // units seen
	Committed    int     // units redone
	Discarded    int     // units without unit-end or rolled back
	PagesRedone  int     // page deltas applied
	PagesSkipped int     // page deltas already on disk
	NonTxOps     int     // changes made outside atomic operations
	Metadata     []byte  // last committed metadata blob, nil if none
	LastLSN      wal.LSN // last LSN in the log
	RemovedFiles []string
	Duration     time.Duration
}

type unitState struct {
	ended      bool
	rolledBack bool
	created    []createdFile
}

// Recover replays the log from the given LSN into the page cache. Only units
// with a unit-end record that is not a rollback are applied; files created by
// other units are removed. The caller flushes the cache afterwards.
func Recover(ctx context.Context, log *wal.WAL, pool *storage.BufferPool, files *storage.Files, from wal.LSN, lg *slog.Logger) (*RecoveryResult, error) {
	if lg == nil {
		lg = logger.Component("recovery")
	}
	start := time.Now()
	res := &RecoveryResult{}

	// First pass: identify committed units
	units := make(map[uint64]*unitState)
	unit := func(id uint64) *unitState {
		u, ok := units[id]
		if !ok {
			u = &unitState{}
			units[id] = u
		}
		return u
	}

	err := log.Replay(from, func(r *wal.Record) error {
		res.Records++
		res.LastLSN = r.LSN
		switch r.Type {
		case wal.RecordTypeUnitStart:
			unit(r.UnitID)
		case wal.RecordTypeUnitEnd:
			u := unit(r.UnitID)
			u.ended = true
			u.rolledBack = r.IsRollback()
		case wal.RecordTypeFileCreated:
			u := unit(r.UnitID)
			u.created = append(u.created, createdFile{id: storage.FileID(r.FileID), name: string(r.After)})
		case wal.RecordTypeNonTxOperation:
			res.NonTxOps++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recovery failed: %w", err)
	}
	res.Units = len(units)

	if res.NonTxOps > 0 {
		lg.Warn("storage was changed outside of atomic operations, data may be inconsistent", "count", res.NonTxOps)
	}

	// Second pass: redo committed units in LSN order
	progress := rate.Sometimes{Interval: 2 * time.Second}
	seen := 0
	err = log.Replay(from, func(r *wal.Record) error {
		seen++
		progress.Do(func() {
			lg.Info("recovery in progress", "records", seen, "of", res.Records, "lsn", r.LSN)
		})
		if err := ctx.Err(); err != nil {
			return err
		}

		u, ok := units[r.UnitID]
		if !ok || !u.ended || u.rolledBack {
			return nil
		}

		switch r.Type {
		case wal.RecordTypeFileCreated:
			if _, err := files.CreateWithID(storage.FileID(r.FileID), string(r.After)); err != nil {
				return fmt.Errorf("failed to re-create file %s: %w", r.After, err)
			}
		case wal.RecordTypeFileDeleted:
			id := storage.FileID(r.FileID)
			pool.DropFile(id)
			if err := files.Delete(id); err != nil {
				return err
			}
		case wal.RecordTypePageUpdate:
			key := storage.PageKey{File: storage.FileID(r.FileID), Page: storage.PageID(r.PageID)}
			if _, err := files.Get(key.File); err != nil {
				// The file was deleted later in the log
				res.PagesSkipped++
				return nil
			}
			applied, err := pool.RedoPage(key, int(r.Offset), r.After, uint64(r.LSN))
			if err != nil {
				return fmt.Errorf("failed to redo %s: %w", r, err)
			}
			if applied {
				res.PagesRedone++
			} else {
				res.PagesSkipped++
			}
		case wal.RecordTypeMetadata:
			res.Metadata = r.After
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recovery failed: %w", err)
	}

	// Remove files created by units that never committed
	for _, u := range units {
		if u.ended && !u.rolledBack {
			res.Committed++
			continue
		}
		res.Discarded++
		for _, f := range u.created {
			if err := removeCreated(files, pool, f); err != nil {
				return nil, err
			}
			res.RemovedFiles = append(res.RemovedFiles, f.name)
		}
	}

	res.Duration = time.Since(start)
	lg.Info("recovery finished",
		"records", res.Records,
		"committed", res.Committed,
		"discarded", res.Discarded,
		"pages_redone", res.PagesRedone,
		"pages_skipped", res.PagesSkipped,
		"duration", res.Duration)
	return res, nil
}

func removeCreated(files *storage.Files, pool *storage.BufferPool, f createdFile) error {
	if id, ok := files.Lookup(f.name); ok && id == f.id {
		pool.DropFile(id)
		return files.Delete(id)
	}
	if err := files.RemoveUnregistered(f.name); err != nil {
		return fmt.Errorf("failed to remove file %s: %w", f.name, err)
	}
	return nil
}
