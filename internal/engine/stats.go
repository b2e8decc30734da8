package engine

import (
	"context"

	"github.com/JetBrains/youtrackdb-sub019/internal/atomicop"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/wal"
)

// CollectionStats describes one collection.
type CollectionStats struct {
	ID      int32
	Name    string
	Records uint64
	Bytes   uint64
}

// IndexEngineStats describes one index engine.
type IndexEngineStats struct {
	ID      int
	Name    string
	Kind    string
	Entries uint64
}

// Stats is a snapshot of a storage.
type Stats struct {
	Name          string
	ID            string
	Memory        bool
	Collections   []CollectionStats
	IndexEngines  []IndexEngineStats
	WALSize       int64
	WALSegments   int
	FirstLSN      wal.LSN
	LastLSN       wal.LSN
	FlushedLSN    wal.LSN
	CheckpointLSN wal.LSN
	CachedPages   int
	DirtyPages    int
	FileBytes     int64
	ActiveOps     int
	// Recovered is set when the storage was recovered on open.
	Recovered         bool
	RecoveredUnits    int
	IndexErrors       uint64
	ConcurrencyErrors uint64
	FatalErrors       uint64
}

// Stats collects sizes and counters of every collection and index engine.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	leave, err := e.enter()
	if err != nil {
		return Stats{}, e.wrap("stats", err)
	}
	defer leave()

	st := e.state.get()
	s := Stats{
		Name:              e.name,
		ID:                st.ID,
		Memory:            e.memory,
		WALSize:           e.log.Size(),
		WALSegments:       e.log.SegmentCount(),
		FirstLSN:          e.log.FirstLSN(),
		LastLSN:           e.log.LastLSN(),
		FlushedLSN:        e.log.FlushedLSN(),
		CheckpointLSN:     st.CheckpointLSN,
		CachedPages:       e.pool.Size(),
		DirtyPages:        e.pool.DirtyCount(),
		FileBytes:         e.files.TotalSize(),
		ActiveOps:         e.ops.ActiveCount(),
		IndexErrors:       e.tracker.GetErrorCount(storeerr.ErrorIndex),
		ConcurrencyErrors: e.tracker.GetErrorCount(storeerr.ErrorConcurrency),
		FatalErrors:       e.tracker.GetErrorCount(storeerr.ErrorFatal),
	}
	if e.recovery != nil {
		s.Recovered = true
		s.RecoveredUnits = e.recovery.Committed
	}

	for _, info := range e.Collections() {
		ce, err := e.collectionByID(info.ID)
		if err != nil {
			continue
		}
		ce.mu.RLock()
		count, err := ce.coll.Count(e.ro)
		var size uint64
		if err == nil {
			size, err = ce.coll.Size(e.ro)
		}
		ce.mu.RUnlock()
		if err != nil {
			return Stats{}, e.wrap("stats", err)
		}
		s.Collections = append(s.Collections, CollectionStats{ID: info.ID, Name: info.Name, Records: count, Bytes: size})
	}

	for _, info := range e.IndexEngines() {
		e.mu.RLock()
		ie, ok := e.enginesByID[info.ID]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		ie.mu.RLock()
		n, err := ie.tree.Size(e.ro)
		ie.mu.RUnlock()
		if err != nil {
			return Stats{}, e.wrap("stats", err)
		}
		s.IndexEngines = append(s.IndexEngines, IndexEngineStats{ID: info.ID, Name: info.Name, Kind: info.Kind.String(), Entries: n})
	}
	return s, nil
}

// Recovery returns the result of the recovery run on open, or nil.
func (e *Engine) Recovery() *atomicop.RecoveryResult {
	return e.recovery
}
