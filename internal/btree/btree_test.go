package btree

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/afero"

	"github.com/JetBrains/youtrackdb-sub019/internal/atomicop"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/keys"
	"github.com/JetBrains/youtrackdb-sub019/internal/logger"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
	"github.com/JetBrains/youtrackdb-sub019/internal/storage"
	"github.com/JetBrains/youtrackdb-sub019/internal/wal"
)

type env struct {
	mgr  *atomicop.Manager
	ro   *storage.ReadOnly
	tree *Tree
}

func newEnv(t *testing.T, kind Kind, order int) *env {
	t.Helper()
	fs := afero.NewMemMapFs()
	log, err := wal.Open(wal.Options{Fs: fs, Dir: "/db/wal"})
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	files, err := storage.OpenFiles(fs, "/db", nil)
	if err != nil {
		t.Fatalf("Failed to open files: %v", err)
	}
	t.Cleanup(func() {
		files.CloseAll()
		log.Close()
	})
	pool := storage.NewBufferPool(1024, files, log)
	mgr := atomicop.NewManager(atomicop.Options{Name: "test", WAL: log, Pool: pool, Files: files, Logger: logger.Discard()})

	e := &env{mgr: mgr, ro: storage.NewReadOnly(pool, files)}
	err = mgr.Execute(context.Background(), func(op *atomicop.Operation) error {
		id, err := op.CreateFile("idx.ybt")
		if err != nil {
			return err
		}
		e.tree = New(id, kind)
		e.tree.order = order
		return e.tree.Create(op)
	})
	if err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}
	return e
}

func (e *env) exec(t *testing.T, fn func(op *atomicop.Operation) error) {
	t.Helper()
	if err := e.mgr.Execute(context.Background(), fn); err != nil {
		t.Fatalf("operation failed: %v", err)
	}
}

func ikey(i int) []byte {
	return keys.MustEncode(int64(i))
}

func collect(t *testing.T, tree *Tree, io storage.PageIO, from, to *Bound, asc bool) []Entry {
	t.Helper()
	var out []Entry
	if err := tree.Range(io, from, to, asc, func(e Entry) bool {
		out = append(out, e)
		return true
	}); err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	return out
}

func TestSingleValueBasicOperations(t *testing.T) {
	e := newEnv(t, SingleValue, DefaultOrder)

	testData := map[string]rid.RID{
		"apple":  rid.New(1, 1),
		"banana": rid.New(1, 2),
		"cherry": rid.New(1, 3),
		"date":   rid.New(1, 4),
	}
	e.exec(t, func(op *atomicop.Operation) error {
		for k, r := range testData {
			if _, err := e.tree.Put(op, keys.MustEncode(k), r); err != nil {
				return err
			}
		}
		return nil
	})

	for k, want := range testData {
		got, err := e.tree.Get(e.ro, keys.MustEncode(k))
		if err != nil {
			t.Fatalf("Failed to find key %s: %v", k, err)
		}
		if len(got) != 1 || got[0] != want {
			t.Errorf("For key %s, expected %v, got %v", k, want, got)
		}
	}
	if got, _ := e.tree.Get(e.ro, keys.MustEncode("elderberry")); len(got) != 0 {
		t.Errorf("Expected no value for missing key, got %v", got)
	}

	// Update replaces the value without growing the tree
	e.exec(t, func(op *atomicop.Operation) error {
		added, err := e.tree.Put(op, keys.MustEncode("apple"), rid.New(2, 9))
		if added {
			t.Error("update reported a new entry")
		}
		return err
	})
	if got, _ := e.tree.Get(e.ro, keys.MustEncode("apple")); len(got) != 1 || got[0] != rid.New(2, 9) {
		t.Errorf("expected updated RID, got %v", got)
	}
	if n, _ := e.tree.Size(e.ro); n != 4 {
		t.Errorf("expected 4 entries, got %d", n)
	}

	// RemoveValue with a foreign RID keeps the key
	e.exec(t, func(op *atomicop.Operation) error {
		n, err := e.tree.RemoveValue(op, keys.MustEncode("banana"), rid.New(7, 7))
		if n != 0 {
			t.Errorf("removed %d entries for a foreign RID", n)
		}
		return err
	})
	e.exec(t, func(op *atomicop.Operation) error {
		_, err := e.tree.Remove(op, keys.MustEncode("banana"))
		return err
	})
	if got, _ := e.tree.Get(e.ro, keys.MustEncode("banana")); len(got) != 0 {
		t.Errorf("removed key still present: %v", got)
	}
	if n, _ := e.tree.Size(e.ro); n != 3 {
		t.Errorf("expected 3 entries, got %d", n)
	}
}

func TestSplitsAndRanges(t *testing.T) {
	e := newEnv(t, SingleValue, 8)
	const n = 1000

	e.exec(t, func(op *atomicop.Operation) error {
		// Interleaved insertion order exercises splits in the middle of nodes
		for i := 0; i < n; i += 2 {
			if _, err := e.tree.Put(op, ikey(i), rid.New(1, int64(i))); err != nil {
				return err
			}
		}
		for i := n - 1; i > 0; i -= 2 {
			if _, err := e.tree.Put(op, ikey(i), rid.New(1, int64(i))); err != nil {
				return err
			}
		}
		return nil
	})

	st, err := e.tree.Verify(e.ro)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if st.Entries != n || st.Height < 3 {
		t.Errorf("unexpected stats %+v", st)
	}

	tests := []struct {
		name     string
		from, to *Bound
		asc      bool
		first    int64
		last     int64
		count    int
	}{
		{"closed asc", &Bound{ikey(100), true}, &Bound{ikey(200), true}, true, 100, 200, 101},
		{"open ends asc", &Bound{ikey(100), false}, &Bound{ikey(200), false}, true, 101, 199, 99},
		{"closed desc", &Bound{ikey(100), true}, &Bound{ikey(200), true}, false, 200, 100, 101},
		{"open ends desc", &Bound{ikey(100), false}, &Bound{ikey(200), false}, false, 199, 101, 99},
		{"major", &Bound{ikey(990), true}, nil, true, 990, 999, 10},
		{"minor desc", nil, &Bound{ikey(9), false}, false, 8, 0, 9},
		{"everything desc", nil, nil, false, 999, 0, n},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collect(t, e.tree, e.ro, tt.from, tt.to, tt.asc)
			if len(got) != tt.count {
				t.Fatalf("expected %d entries, got %d", tt.count, len(got))
			}
			if got[0].RID.Position != tt.first || got[len(got)-1].RID.Position != tt.last {
				t.Errorf("expected %d..%d, got %d..%d", tt.first, tt.last, got[0].RID.Position, got[len(got)-1].RID.Position)
			}
			for i := 1; i < len(got); i++ {
				step := got[i].RID.Position - got[i-1].RID.Position
				if (tt.asc && step != 1) || (!tt.asc && step != -1) {
					t.Fatalf("entries out of order at %d", i)
				}
			}
		})
	}

	// Early stop
	var seen int
	e.tree.Range(e.ro, nil, nil, true, func(Entry) bool {
		seen++
		return seen < 5
	})
	if seen != 5 {
		t.Errorf("expected scan to stop after 5 entries, got %d", seen)
	}
}

func TestMultiValue(t *testing.T) {
	e := newEnv(t, MultiValue, 8)

	e.exec(t, func(op *atomicop.Operation) error {
		for i := 0; i < 300; i++ {
			if _, err := e.tree.Put(op, keys.MustEncode(fmt.Sprintf("k%d", i%3)), rid.New(1, int64(i))); err != nil {
				return err
			}
		}
		// Same pair twice is stored once
		added, err := e.tree.Put(op, keys.MustEncode("k0"), rid.New(1, 0))
		if added {
			t.Error("duplicate pair was added")
		}
		return err
	})

	got, err := e.tree.Get(e.ro, keys.MustEncode("k1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 RIDs, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Compare(got[i]) >= 0 {
			t.Fatal("RIDs of a key are not sorted")
		}
	}

	var distinct []string
	e.tree.Keys(e.ro, false, func(k []byte) bool {
		v, _ := keys.Decode(k)
		distinct = append(distinct, v.(string))
		return true
	})
	if fmt.Sprint(distinct) != "[k2 k1 k0]" {
		t.Errorf("unexpected distinct keys %v", distinct)
	}

	e.exec(t, func(op *atomicop.Operation) error {
		if n, err := e.tree.RemoveValue(op, keys.MustEncode("k1"), rid.New(1, 1)); err != nil || n != 1 {
			return fmt.Errorf("RemoveValue removed %d: %v", n, err)
		}
		n, err := e.tree.Remove(op, keys.MustEncode("k2"))
		if n != 100 {
			t.Errorf("expected 100 removed, got %d", n)
		}
		return err
	})

	if got, _ := e.tree.Get(e.ro, keys.MustEncode("k1")); len(got) != 99 {
		t.Errorf("expected 99 RIDs, got %d", len(got))
	}
	if got, _ := e.tree.Get(e.ro, keys.MustEncode("k2")); len(got) != 0 {
		t.Errorf("expected k2 to be gone, got %d", len(got))
	}
	if _, err := e.tree.Verify(e.ro); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestClearReusesPages(t *testing.T) {
	e := newEnv(t, SingleValue, 8)
	fill := func() {
		e.exec(t, func(op *atomicop.Operation) error {
			for i := 0; i < 200; i++ {
				if _, err := e.tree.Put(op, ikey(i), rid.New(1, int64(i))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	fill()
	pages := e.ro.PageCount(e.tree.File)

	e.exec(t, func(op *atomicop.Operation) error { return e.tree.Clear(op) })
	st, err := e.tree.Verify(e.ro)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if st.Entries != 0 || st.FreePages == 0 {
		t.Errorf("unexpected stats after clear %+v", st)
	}

	fill()
	if after := e.ro.PageCount(e.tree.File); after != pages {
		t.Errorf("refill grew the file from %d to %d pages", pages, after)
	}
	if n, _ := e.tree.Size(e.ro); n != 200 {
		t.Errorf("expected 200 entries, got %d", n)
	}
}

func TestRollbackKeepsTree(t *testing.T) {
	e := newEnv(t, SingleValue, 8)
	boom := errors.New("boom")
	err := e.mgr.Execute(context.Background(), func(op *atomicop.Operation) error {
		for i := 0; i < 100; i++ {
			if _, err := e.tree.Put(op, ikey(i), rid.New(1, int64(i))); err != nil {
				return err
			}
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n, _ := e.tree.Size(e.ro); n != 0 {
		t.Errorf("rolled back entries are visible: %d", n)
	}
	if got := collect(t, e.tree, e.ro, nil, nil, true); len(got) != 0 {
		t.Errorf("rolled back entries are scanned: %d", len(got))
	}
}

func TestKeyTooLarge(t *testing.T) {
	e := newEnv(t, SingleValue, DefaultOrder)
	err := e.mgr.Execute(context.Background(), func(op *atomicop.Operation) error {
		_, err := e.tree.Put(op, make([]byte, MaxKeySize+1), rid.New(1, 1))
		return err
	})
	if !errors.Is(err, storeerr.ErrKeyTooLarge) {
		t.Errorf("expected ErrKeyTooLarge, got %v", err)
	}
}
