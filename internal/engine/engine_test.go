package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/JetBrains/youtrackdb-sub019/internal/atomicop"
	"github.com/JetBrains/youtrackdb-sub019/internal/btree"
	"github.com/JetBrains/youtrackdb-sub019/internal/config"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/keys"
	"github.com/JetBrains/youtrackdb-sub019/internal/logger"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
	"github.com/JetBrains/youtrackdb-sub019/internal/tx"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Checkpoint.Auto = false
	cfg.Cache.Pages = 256
	cfg.Cache.RecordCacheSize = 64
	return cfg
}

func testOptions(fs afero.Fs) Options {
	return Options{Path: "/db", Fs: fs, Config: testConfig(), Logger: logger.Discard()}
}

func createEngine(t *testing.T, fs afero.Fs) *Engine {
	t.Helper()
	e, err := Create(context.Background(), testOptions(fs))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return e
}

func openEngine(t *testing.T, fs afero.Fs) *Engine {
	t.Helper()
	e, err := Open(context.Background(), testOptions(fs))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return e
}

func mustCollection(t *testing.T, e *Engine, name string) int32 {
	t.Helper()
	id, err := e.CreateCollection(context.Background(), name)
	if err != nil {
		t.Fatalf("CreateCollection(%s) failed: %v", name, err)
	}
	return id
}

func mustEngine(t *testing.T, e *Engine, name string, kind btree.Kind) Handle {
	t.Helper()
	h, err := e.AddIndexEngine(context.Background(), name, kind)
	if err != nil {
		t.Fatalf("AddIndexEngine(%s) failed: %v", name, err)
	}
	return h
}

// insert commits one record and, when index is set, maps key to it.
func insert(e *Engine, coll int32, payload string, index string, h Handle, policy tx.Policy, key any) (rid.RID, error) {
	t := tx.New()
	r := t.Create("", coll, 'd', []byte(payload))
	if index != "" {
		ic := t.Changes(index, h.ID, policy)
		t.Put(ic, key, keys.MustEncode(key), r)
	}
	results, err := e.Commit(context.Background(), t)
	if err != nil {
		return rid.Empty, err
	}
	return results[0].RID, nil
}

func TestCreateOpenRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()
	e := createEngine(t, fs)
	coll := mustCollection(t, e, "people")

	r, err := insert(e, coll, "alice", "", Handle{}, 0, nil)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if r != rid.New(coll, 0) {
		t.Errorf("expected %v, got %v", rid.New(coll, 0), r)
	}
	if _, err := Create(ctx, testOptions(fs)); !errors.Is(err, storeerr.ErrStorageExists) {
		t.Errorf("expected ErrStorageExists, got %v", err)
	}
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := e.ReadRecord(ctx, r); !errors.Is(err, storeerr.ErrStorageClosed) {
		t.Errorf("expected ErrStorageClosed after close, got %v", err)
	}

	e = openEngine(t, fs)
	defer e.Close(ctx)
	if e.Recovery() != nil {
		t.Error("clean storage should not be recovered")
	}
	id, err := e.CollectionID("people")
	if err != nil || id != coll {
		t.Fatalf("CollectionID = %d, %v", id, err)
	}
	rec, err := e.ReadRecord(ctx, r)
	if err != nil {
		t.Fatalf("ReadRecord failed: %v", err)
	}
	if string(rec.Payload) != "alice" || rec.Version != 1 {
		t.Errorf("unexpected record %q version %d", rec.Payload, rec.Version)
	}
}

func TestOpenMissingStorage(t *testing.T) {
	_, err := Open(context.Background(), testOptions(afero.NewMemMapFs()))
	if !errors.Is(err, storeerr.ErrStorageNotFound) {
		t.Errorf("expected ErrStorageNotFound, got %v", err)
	}
}

func TestCommitUpdateDelete(t *testing.T) {
	ctx := context.Background()
	e := createEngine(t, afero.NewMemMapFs())
	defer e.Close(ctx)
	coll := mustCollection(t, e, "items")

	r, err := insert(e, coll, "v1", "", Handle{}, 0, nil)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	upd := tx.New()
	upd.Update(r, 1, 'd', []byte("v2"))
	results, err := e.Commit(ctx, upd)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if results[0].Version != 2 {
		t.Errorf("expected version 2, got %d", results[0].Version)
	}

	stale := tx.New()
	stale.Update(r, 1, 'd', []byte("lost"))
	if _, err := e.Commit(ctx, stale); !errors.Is(err, storeerr.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if e.Broken() != nil {
		t.Fatalf("version conflict broke the engine: %v", e.Broken())
	}

	del := tx.New()
	del.Delete(r, 2)
	if _, err := e.Commit(ctx, del); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := e.ReadRecord(ctx, r); !errors.Is(err, storeerr.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
	if n, _ := e.Count(ctx, coll); n != 0 {
		t.Errorf("expected 0 records, got %d", n)
	}
}

func TestLinksResolvedAtCommit(t *testing.T) {
	ctx := context.Background()
	e := createEngine(t, afero.NewMemMapFs())
	defer e.Close(ctx)
	coll := mustCollection(t, e, "nodes")

	txn := tx.New()
	a := txn.Create("", coll, 'd', nil)
	b := txn.Create("", coll, 'd', []byte("b"))
	txn.Op(a).Encode = func(resolve func(rid.RID) rid.RID) ([]byte, error) {
		return []byte("next=" + resolve(b).String()), nil
	}
	results, err := e.Commit(ctx, txn)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	rec, err := e.ReadRecord(ctx, results[0].RID)
	if err != nil {
		t.Fatalf("ReadRecord failed: %v", err)
	}
	if want := "next=" + results[1].RID.String(); string(rec.Payload) != want {
		t.Errorf("expected %q, got %q", want, rec.Payload)
	}
}

func TestUniqueDuplicateRollsBack(t *testing.T) {
	ctx := context.Background()
	e := createEngine(t, afero.NewMemMapFs())
	defer e.Close(ctx)
	coll := mustCollection(t, e, "people")
	h := mustEngine(t, e, "people_name", btree.SingleValue)

	first, err := insert(e, coll, "a", "people_name", h, tx.Unique, "alice")
	if err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	dup := tx.New()
	temp := dup.Create("", coll, 'd', []byte("b"))
	ic := dup.Changes("people_name", h.ID, tx.Unique)
	dup.Put(ic, "alice", keys.MustEncode("alice"), temp)
	_, err = e.Commit(ctx, dup)
	var dke *storeerr.DuplicateKeyError
	if !errors.As(err, &dke) {
		t.Fatalf("expected DuplicateKeyError, got %v", err)
	}
	if dke.Existing != first.String() {
		t.Errorf("expected existing %s, got %s", first, dke.Existing)
	}
	if e.Broken() != nil {
		t.Fatalf("duplicate key broke the engine: %v", e.Broken())
	}
	if dup.Status != tx.StatusActive || !dup.Ops()[0].RID.IsNew() {
		t.Error("failed commit should leave the transaction with its temporary RIDs")
	}
	if n, _ := e.Count(ctx, coll); n != 1 {
		t.Errorf("expected 1 record after rollback, got %d", n)
	}

	// The rolled back allocation left the position free
	next, err := insert(e, coll, "c", "people_name", h, tx.Unique, "carol")
	if err != nil {
		t.Fatalf("insert after rollback failed: %v", err)
	}
	if next.Position != 1 {
		t.Errorf("expected position 1, got %d", next.Position)
	}
	got, _ := e.IndexGet(h, keys.MustEncode("alice"))
	if len(got) != 1 || got[0] != first {
		t.Errorf("alice maps to %v", got)
	}
}

func TestUniqueInsertDeleteInOneTx(t *testing.T) {
	ctx := context.Background()
	e := createEngine(t, afero.NewMemMapFs())
	defer e.Close(ctx)
	coll := mustCollection(t, e, "people")
	h := mustEngine(t, e, "people_name", btree.SingleValue)

	txn := tx.New()
	r := txn.Create("", coll, 'd', []byte("x"))
	ic := txn.Changes("people_name", h.ID, tx.Unique)
	enc := keys.MustEncode("bob")
	txn.Put(ic, "bob", enc, r)
	txn.Remove(ic, "bob", enc, r)
	if _, err := e.Commit(ctx, txn); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if got, _ := e.IndexGet(h, enc); len(got) != 0 {
		t.Errorf("expected key to be absent, got %v", got)
	}
}

func TestNonUniqueCommit(t *testing.T) {
	ctx := context.Background()
	e := createEngine(t, afero.NewMemMapFs())
	defer e.Close(ctx)
	coll := mustCollection(t, e, "people")
	h := mustEngine(t, e, "people_city", btree.MultiValue)

	var rids []rid.RID
	for i := 0; i < 3; i++ {
		r, err := insert(e, coll, fmt.Sprint(i), "people_city", h, tx.NonUnique, "rome")
		if err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
		rids = append(rids, r)
	}
	enc := keys.MustEncode("rome")
	got, err := e.IndexGet(h, enc)
	if err != nil || len(got) != 3 {
		t.Fatalf("IndexGet = %v, %v", got, err)
	}
	for i := range got {
		if got[i] != rids[i] {
			t.Errorf("entry %d: expected %v, got %v", i, rids[i], got[i])
		}
	}

	txn := tx.New()
	ic := txn.Changes("people_city", h.ID, tx.NonUnique)
	txn.Remove(ic, "rome", enc, rids[1])
	if _, err := e.Commit(ctx, txn); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if n, _ := e.IndexSize(h); n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}

	clearTx := tx.New()
	clearTx.ClearIndex(clearTx.Changes("people_city", h.ID, tx.NonUnique))
	if _, err := e.Commit(ctx, clearTx); err != nil {
		t.Fatalf("clear commit failed: %v", err)
	}
	if n, _ := e.IndexSize(h); n != 0 {
		t.Errorf("expected empty index after clear, got %d", n)
	}
}

func TestUnknownIndexFailsBeforeMutation(t *testing.T) {
	ctx := context.Background()
	e := createEngine(t, afero.NewMemMapFs())
	defer e.Close(ctx)
	coll := mustCollection(t, e, "people")

	_, err := insert(e, coll, "x", "missing", Handle{ID: 42}, tx.Unique, "k")
	if !errors.Is(err, storeerr.ErrIndexNotFound) {
		t.Fatalf("expected ErrIndexNotFound, got %v", err)
	}
	if n, _ := e.Count(ctx, coll); n != 0 {
		t.Errorf("expected no records, got %d", n)
	}
}

func TestStaleHandle(t *testing.T) {
	ctx := context.Background()
	e := createEngine(t, afero.NewMemMapFs())
	defer e.Close(ctx)
	h := mustEngine(t, e, "idx", btree.SingleValue)

	if err := e.DeleteIndexEngine(ctx, "idx"); err != nil {
		t.Fatalf("DeleteIndexEngine failed: %v", err)
	}
	if _, err := e.IndexGet(h, keys.MustEncode(int64(1))); !errors.Is(err, storeerr.ErrInvalidEngineHandle) {
		t.Errorf("expected ErrInvalidEngineHandle, got %v", err)
	}
	if _, err := e.LoadIndexEngine("idx"); !errors.Is(err, storeerr.ErrIndexNotFound) {
		t.Errorf("expected ErrIndexNotFound, got %v", err)
	}

	again := mustEngine(t, e, "idx", btree.SingleValue)
	if again.Gen == h.Gen {
		t.Error("re-created engine reused the old generation")
	}
	loaded, err := e.LoadIndexEngine("idx")
	if err != nil || loaded != again {
		t.Errorf("LoadIndexEngine = %v, %v; want %v", loaded, err, again)
	}
}

func TestRecreatedEngineSurvivesCrash(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()
	e := createEngine(t, fs)
	coll := mustCollection(t, e, "people")
	mustEngine(t, e, "idx", btree.SingleValue)
	if err := e.DeleteIndexEngine(ctx, "idx"); err != nil {
		t.Fatalf("DeleteIndexEngine failed: %v", err)
	}
	h := mustEngine(t, e, "idx", btree.SingleValue)
	if _, err := insert(e, coll, "x", "idx", h, tx.Unique, int64(7)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	e.Halt()

	e = openEngine(t, fs)
	defer e.Close(ctx)
	h, err := e.LoadIndexEngine("idx")
	if err != nil {
		t.Fatalf("LoadIndexEngine failed: %v", err)
	}
	if n, _ := e.IndexSize(h); n != 1 {
		t.Errorf("expected 1 entry after recovery, got %d", n)
	}
	if files, _ := afero.Glob(fs, "/db/idx.*.ybt"); len(files) != 1 {
		t.Errorf("expected one index file, got %v", files)
	}
}

func TestCommitAfterConcurrentDrop(t *testing.T) {
	ctx := context.Background()
	e := createEngine(t, afero.NewMemMapFs())
	defer e.Close(ctx)
	coll := mustCollection(t, e, "people")
	h := mustEngine(t, e, "idx", btree.SingleValue)

	// Hold the collection lock as another commit would
	ce, err := e.collectionByID(coll)
	if err != nil {
		t.Fatalf("collectionByID failed: %v", err)
	}
	ce.mu.Lock()
	done := make(chan error, 1)
	go func() {
		_, err := insert(e, coll, "x", "idx", h, tx.Unique, int64(1))
		done <- err
	}()
	for e.Operations().ActiveCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := e.DeleteIndexEngine(ctx, "idx"); err != nil {
		ce.mu.Unlock()
		t.Fatalf("DeleteIndexEngine failed: %v", err)
	}
	ce.mu.Unlock()

	if err := <-done; !errors.Is(err, storeerr.ErrIndexNotFound) {
		t.Fatalf("expected ErrIndexNotFound, got %v", err)
	}
	if err := e.Broken(); err != nil {
		t.Fatalf("engine broken after concurrent drop: %v", err)
	}
	if n, _ := e.Count(ctx, coll); n != 0 {
		t.Errorf("expected no records, got %d", n)
	}
	if _, err := insert(e, coll, "y", "", Handle{}, 0, nil); err != nil {
		t.Errorf("insert after drop failed: %v", err)
	}
}

func TestDropCollection(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()
	e := createEngine(t, fs)
	coll := mustCollection(t, e, "tmp")
	if _, err := insert(e, coll, "x", "", Handle{}, 0, nil); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := e.DropCollection(ctx, "tmp", false); !errors.Is(err, storeerr.ErrCollectionNotEmpty) {
		t.Fatalf("expected ErrCollectionNotEmpty, got %v", err)
	}
	if err := e.DropCollection(ctx, "tmp", true); err != nil {
		t.Fatalf("forced drop failed: %v", err)
	}
	if _, err := e.CollectionID("tmp"); !errors.Is(err, storeerr.ErrCollectionNotFound) {
		t.Errorf("expected ErrCollectionNotFound, got %v", err)
	}
	e.Close(ctx)

	e = openEngine(t, fs)
	defer e.Close(ctx)
	if len(e.Collections()) != 0 {
		t.Errorf("dropped collection came back: %v", e.Collections())
	}
	if left, _ := afero.Glob(fs, "/db/tmp.*.ycl"); len(left) != 0 {
		t.Errorf("collection files still exist: %v", left)
	}
}

func TestCrashRecovery(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()
	e := createEngine(t, fs)
	coll := mustCollection(t, e, "people")
	h := mustEngine(t, e, "people_name", btree.SingleValue)

	const n = 50
	for i := 0; i < n; i++ {
		txn := tx.New()
		r := txn.Create("", coll, 'd', []byte(fmt.Sprint(i)))
		ic := txn.Changes("people_name", h.ID, tx.Unique)
		txn.Put(ic, i, keys.MustEncode(int64(i)), r)
		txn.Metadata = []byte(fmt.Sprintf("tx-%d", i))
		if _, err := e.Commit(ctx, txn); err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
	}
	e.Halt()

	e = openEngine(t, fs)
	defer e.Close(ctx)
	if e.Recovery() == nil {
		t.Fatal("expected recovery after halt")
	}
	if count, _ := e.Count(ctx, coll); count != n {
		t.Errorf("expected %d records, got %d", n, count)
	}
	h, err := e.LoadIndexEngine("people_name")
	if err != nil {
		t.Fatalf("LoadIndexEngine failed: %v", err)
	}
	if size, _ := e.IndexSize(h); size != n {
		t.Errorf("expected %d index entries, got %d", n, size)
	}
	if got := string(e.LastMetadata()); got != fmt.Sprintf("tx-%d", n-1) {
		t.Errorf("expected last metadata tx-%d, got %q", n-1, got)
	}
	if _, err := e.VerifyIndexEngine(h); err != nil {
		t.Errorf("index verification failed: %v", err)
	}
}

func TestFailureBeforeUnitEndBreaksEngine(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()
	e := createEngine(t, fs)
	coll := mustCollection(t, e, "people")
	kept, err := insert(e, coll, "kept", "", Handle{}, 0, nil)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	e.Operations().SetHooks(atomicop.Hooks{
		BeforeUnitEnd: func(uint64) error { return errors.New("disk unplugged") },
	})
	if _, err := insert(e, coll, "lost", "", Handle{}, 0, nil); !errors.Is(err, storeerr.ErrStorageBroken) {
		t.Fatalf("expected ErrStorageBroken, got %v", err)
	}
	if _, err := e.ReadRecord(ctx, kept); !errors.Is(err, storeerr.ErrStorageBroken) {
		t.Errorf("reads must fail once broken, got %v", err)
	}
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close of broken engine failed: %v", err)
	}

	e = openEngine(t, fs)
	defer e.Close(ctx)
	if e.Recovery() == nil {
		t.Fatal("broken storage must be recovered on open")
	}
	if n, _ := e.Count(ctx, coll); n != 1 {
		t.Errorf("expected only the committed record, got %d", n)
	}
	if _, err := e.ReadRecord(ctx, rid.New(coll, 1)); !errors.Is(err, storeerr.ErrRecordNotFound) {
		t.Errorf("unlogged record survived: %v", err)
	}
}

func TestFailureAfterUnitEndIsRedone(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()
	e := createEngine(t, fs)
	coll := mustCollection(t, e, "people")

	e.Operations().SetHooks(atomicop.Hooks{
		AfterUnitEnd: func(uint64) error { return errors.New("crash before install") },
	})
	if _, err := insert(e, coll, "durable", "", Handle{}, 0, nil); !errors.Is(err, storeerr.ErrStorageBroken) {
		t.Fatalf("expected ErrStorageBroken, got %v", err)
	}
	e.Halt()

	e = openEngine(t, fs)
	defer e.Close(ctx)
	rec, err := e.ReadRecord(ctx, rid.New(coll, 0))
	if err != nil {
		t.Fatalf("logged record was not redone: %v", err)
	}
	if string(rec.Payload) != "durable" {
		t.Errorf("unexpected payload %q", rec.Payload)
	}
}

func TestCheckpoints(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()
	e := createEngine(t, fs)
	coll := mustCollection(t, e, "people")

	for i := 0; i < 20; i++ {
		if _, err := insert(e, coll, fmt.Sprint(i), "", Handle{}, 0, nil); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	fuzzy, err := e.FuzzyCheckpoint(ctx)
	if err != nil {
		t.Fatalf("FuzzyCheckpoint failed: %v", err)
	}
	if fuzzy.CutLSN <= 1 {
		t.Errorf("fuzzy checkpoint did not advance the cut: %d", fuzzy.CutLSN)
	}

	for i := 20; i < 30; i++ {
		if _, err := insert(e, coll, fmt.Sprint(i), "", Handle{}, 0, nil); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	full, err := e.FullCheckpoint(ctx)
	if err != nil {
		t.Fatalf("FullCheckpoint failed: %v", err)
	}
	if full.CutLSN < fuzzy.CutLSN {
		t.Errorf("full checkpoint cut %d before fuzzy cut %d", full.CutLSN, fuzzy.CutLSN)
	}
	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.WALSegments != 1 {
		t.Errorf("expected 1 WAL segment after full checkpoint, got %d", stats.WALSegments)
	}
	if stats.DirtyPages != 0 {
		t.Errorf("expected no dirty pages, got %d", stats.DirtyPages)
	}

	if _, err := insert(e, coll, "after", "", Handle{}, 0, nil); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	e.Halt()

	e = openEngine(t, fs)
	defer e.Close(ctx)
	if n, _ := e.Count(ctx, coll); n != 31 {
		t.Errorf("expected 31 records after recovery, got %d", n)
	}
}

func TestConcurrentCommitsAcrossCollections(t *testing.T) {
	ctx := context.Background()
	e := createEngine(t, afero.NewMemMapFs())
	defer e.Close(ctx)
	a := mustCollection(t, e, "a")
	b := mustCollection(t, e, "b")

	const workers, perWorker = 4, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				// Alternate the order the collections are touched in
				first, second := a, b
				if w%2 == 1 {
					first, second = b, a
				}
				txn := tx.New()
				txn.Create("", first, 'd', []byte("x"))
				txn.Create("", second, 'd', []byte("y"))
				if _, err := e.Commit(ctx, txn); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent commit failed: %v", err)
	}
	for _, id := range []int32{a, b} {
		if n, _ := e.Count(ctx, id); n != workers*perWorker {
			t.Errorf("collection %d: expected %d records, got %d", id, workers*perWorker, n)
		}
	}
}

func TestClassResolver(t *testing.T) {
	ctx := context.Background()
	e := createEngine(t, afero.NewMemMapFs())
	defer e.Close(ctx)
	coll := mustCollection(t, e, "person")

	txn := tx.New()
	txn.Create("Person", -1, 'd', []byte("x"))
	if _, err := e.Commit(ctx, txn); !errors.Is(err, storeerr.ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound without resolver, got %v", err)
	}

	e.SetClassResolver(func(class string) (int32, error) {
		if class == "Person" {
			return coll, nil
		}
		return 0, storeerr.ErrCollectionNotFound
	})
	results, err := e.Commit(ctx, txn)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if results[0].RID.Collection != coll {
		t.Errorf("record routed to %d, expected %d", results[0].RID.Collection, coll)
	}
}

func TestCatalogRecords(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()
	e := createEngine(t, fs)

	if err := e.PutCatalogRecord(ctx, "index", "idx1", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("PutCatalogRecord failed: %v", err)
	}
	if err := e.PutCatalogRecord(ctx, "index", "idx1", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("PutCatalogRecord update failed: %v", err)
	}
	if err := e.PutCatalogRecord(ctx, "index", "idx2", []byte(`not json`)); !errors.Is(err, storeerr.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for invalid JSON, got %v", err)
	}
	if err := e.PutCatalogRecord(ctx, kindEngine, "x", []byte(`{}`)); !errors.Is(err, storeerr.ErrConfiguration) {
		t.Errorf("expected reserved kind to be rejected, got %v", err)
	}
	e.Halt()

	e = openEngine(t, fs)
	recs, err := e.CatalogRecords("index")
	if err != nil {
		t.Fatalf("CatalogRecords failed: %v", err)
	}
	if len(recs) != 1 || string(recs["idx1"]) != `{"v":2}` {
		t.Errorf("unexpected catalog records %v", recs)
	}
	if err := e.DeleteCatalogRecord(ctx, "index", "idx1"); err != nil {
		t.Fatalf("DeleteCatalogRecord failed: %v", err)
	}
	e.Close(ctx)

	e = openEngine(t, fs)
	defer e.Close(ctx)
	if recs, _ := e.CatalogRecords("index"); len(recs) != 0 {
		t.Errorf("deleted record came back: %v", recs)
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	opts := Options{Path: "memory:reg", Config: testConfig(), Logger: logger.Discard()}

	first, err := reg.Open(ctx, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !first.IsMemory() {
		t.Error("expected an in-memory storage")
	}
	second, err := reg.Open(ctx, Options{Path: "memory:/reg", Config: testConfig(), Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	if first != second {
		t.Error("same path opened two engines")
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "memory:/reg" {
		t.Errorf("unexpected names %v", names)
	}

	if err := reg.Close(ctx, "memory:reg"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := reg.Get("memory:reg"); ok {
		t.Error("closed engine still registered")
	}
	if err := reg.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll failed: %v", err)
	}
	if _, err := reg.Open(ctx, opts); !errors.Is(err, storeerr.ErrStorageClosed) {
		t.Errorf("expected ErrStorageClosed from a closed registry, got %v", err)
	}
}

func TestHistoryJournal(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.History.Enabled = true
	e, err := Create(ctx, Options{Path: "memory:hist", Config: cfg, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer e.Close(ctx)

	if _, err := e.FullCheckpoint(ctx); err != nil {
		t.Fatalf("FullCheckpoint failed: %v", err)
	}
	h := e.History()
	if h == nil {
		t.Fatal("history is disabled")
	}
	if n, _ := h.Count(ctx, EventCreated); n != 1 {
		t.Errorf("expected 1 created event, got %d", n)
	}
	events, err := h.Recent(ctx, EventCheckpoint, 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("Recent = %v, %v", events, err)
	}
	if events[0].Storage != "hist" {
		t.Errorf("unexpected storage %q", events[0].Storage)
	}
}
