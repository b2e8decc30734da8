package index

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/spf13/afero"

	"github.com/JetBrains/youtrackdb-sub019/internal/config"
	"github.com/JetBrains/youtrackdb-sub019/internal/engine"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/keys"
	"github.com/JetBrains/youtrackdb-sub019/internal/logger"
	"github.com/JetBrains/youtrackdb-sub019/internal/record"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
	"github.com/JetBrains/youtrackdb-sub019/internal/tx"
)

func testOptions(fs afero.Fs) engine.Options {
	cfg := config.DefaultConfig()
	cfg.Checkpoint.Auto = false
	return engine.Options{Path: "/db", Fs: fs, Config: cfg, Logger: logger.Discard()}
}

type fixture struct {
	fs   afero.Fs
	e    *engine.Engine
	m    *Manager
	coll int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	e, err := engine.Create(ctx, testOptions(fs))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	coll, err := e.CreateCollection(ctx, "person")
	if err != nil {
		t.Fatalf("CreateCollection failed: %v", err)
	}
	m, err := NewManager(e, config.IndexConfig{RebuildBatchSize: 2, RebuildWorkers: 2}, logger.Discard())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	f := &fixture{fs: fs, e: e, m: m, coll: coll}
	t.Cleanup(func() {
		m.Close()
		f.e.Close(ctx)
	})
	return f
}

// insert commits one person record and returns its RID.
func (f *fixture) insert(t *testing.T, props map[string]any) rid.RID {
	t.Helper()
	payload, err := record.Marshal("Person", props)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	tr := tx.New()
	tr.Create("Person", f.coll, record.TypeDocument, payload)
	results, err := f.e.Commit(context.Background(), tr)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return results[0].RID
}

func (f *fixture) commit(t *testing.T, tr *tx.Tx) {
	t.Helper()
	if _, err := f.e.Commit(context.Background(), tr); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func (f *fixture) create(t *testing.T, name string, kind Kind, def *Definition, colls ...string) *Index {
	t.Helper()
	idx, err := f.m.CreateIndex(context.Background(), name, kind, def, CreateOptions{Collections: colls})
	if err != nil {
		t.Fatalf("CreateIndex(%s) failed: %v", name, err)
	}
	return idx
}

func mustGet(t *testing.T, r *Reader, key any) []rid.RID {
	t.Helper()
	rids, err := r.Get(key)
	if err != nil {
		t.Fatalf("Get(%v) failed: %v", key, err)
	}
	return rids
}

func TestUniqueIndex(t *testing.T) {
	f := newFixture(t)
	idx := f.create(t, "Person.name", Unique, Property("Person", "name", keys.TypeString))
	r1 := f.insert(t, map[string]any{"name": "alice"})
	r2 := f.insert(t, map[string]any{"name": "bob"})

	tr := tx.New()
	if err := idx.Put(tr, "alice", r1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	f.commit(t, tr)
	if got := mustGet(t, idx.Reader(nil), "alice"); !slices.Equal(got, []rid.RID{r1}) {
		t.Errorf("Get(alice) = %v, want [%v]", got, r1)
	}

	tr = tx.New()
	idx.Put(tr, "alice", r2)
	_, err := f.e.Commit(context.Background(), tr)
	var dup *storeerr.DuplicateKeyError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateKeyError, got %v", err)
	}
	if dup.Index != "Person.name" {
		t.Errorf("duplicate reported on %q", dup.Index)
	}

	// Moving a key inside one transaction is not a duplicate
	tr = tx.New()
	idx.Remove(tr, "alice", r1)
	idx.Put(tr, "alice", r2)
	f.commit(t, tr)
	if got := mustGet(t, idx.Reader(nil), "alice"); !slices.Equal(got, []rid.RID{r2}) {
		t.Errorf("Get(alice) = %v, want [%v]", got, r2)
	}

	// The last put wins inside a transaction
	tr = tx.New()
	idx.Put(tr, "carol", r1)
	idx.Put(tr, "carol", r2)
	if got := mustGet(t, idx.Reader(tr), "carol"); !slices.Equal(got, []rid.RID{r2}) {
		t.Errorf("pending Get(carol) = %v, want [%v]", got, r2)
	}
}

func TestNonUniqueIndex(t *testing.T) {
	f := newFixture(t)
	idx := f.create(t, "Person.city", NotUnique, Property("Person", "city", keys.TypeString))
	r1 := f.insert(t, map[string]any{"city": "Berlin"})
	r2 := f.insert(t, map[string]any{"city": "Berlin"})
	r3 := f.insert(t, map[string]any{"city": "Paris"})

	tr := tx.New()
	idx.Put(tr, "Berlin", r1)
	idx.Put(tr, "Berlin", r2)
	idx.Put(tr, "Paris", r3)
	f.commit(t, tr)

	r := idx.Reader(nil)
	if got := mustGet(t, r, "Berlin"); !slices.Equal(got, []rid.RID{r1, r2}) {
		t.Errorf("Get(Berlin) = %v", got)
	}
	if n, err := r.Size(); err != nil || n != 3 {
		t.Errorf("Size = %d, %v; want 3", n, err)
	}

	tr = tx.New()
	idx.Remove(tr, "Berlin", r1)
	idx.Put(tr, "Paris", r1)
	pending := idx.Reader(tr)
	if got := mustGet(t, pending, "Berlin"); !slices.Equal(got, []rid.RID{r2}) {
		t.Errorf("pending Get(Berlin) = %v", got)
	}
	if got := mustGet(t, pending, "Paris"); !slices.Equal(got, []rid.RID{r1, r3}) {
		t.Errorf("pending Get(Paris) = %v", got)
	}
	if got := mustGet(t, r, "Berlin"); len(got) != 2 {
		t.Errorf("committed view changed before commit: %v", got)
	}
	f.commit(t, tr)
	if got := mustGet(t, r, "Paris"); !slices.Equal(got, []rid.RID{r1, r3}) {
		t.Errorf("Get(Paris) after commit = %v", got)
	}

	tr = tx.New()
	idx.RemoveKey(tr, "Paris")
	if n, err := idx.Reader(tr).Count("Paris"); err != nil || n != 0 {
		t.Errorf("Count(Paris) after RemoveKey = %d, %v", n, err)
	}
	if n, err := idx.Reader(tr).Size(); err != nil || n != 1 {
		t.Errorf("pending Size = %d, %v; want 1", n, err)
	}
}

func TestReaderMergesPendingChanges(t *testing.T) {
	f := newFixture(t)
	idx := f.create(t, "Person.age", NotUnique, Property("Person", "age", keys.TypeInteger))
	var rids []rid.RID
	tr := tx.New()
	for i := range 5 {
		r := f.insert(t, map[string]any{"age": i * 10})
		rids = append(rids, r)
		idx.Put(tr, i*10, r)
	}
	f.commit(t, tr)

	tr = tx.New()
	idx.Put(tr, 25, rids[0])
	idx.Remove(tr, 30, rids[3])
	idx.Put(tr, 100, rids[1])

	collect := func(t *testing.T, scan func(fn func(Entry) bool) error) []any {
		t.Helper()
		var out []any
		if err := scan(func(e Entry) bool {
			out = append(out, e.Key)
			return true
		}); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		return out
	}

	r := idx.Reader(tr)
	asc := collect(t, r.Ascending)
	want := []any{int64(0), int64(10), int64(20), int64(25), int64(40), int64(100)}
	if !slices.Equal(asc, want) {
		t.Errorf("Ascending = %v, want %v", asc, want)
	}
	desc := collect(t, r.Descending)
	slices.Reverse(want)
	if !slices.Equal(desc, want) {
		t.Errorf("Descending = %v, want %v", desc, want)
	}

	tests := []struct {
		name string
		scan func(fn func(Entry) bool) error
		want []any
	}{
		{"between inclusive", func(fn func(Entry) bool) error { return r.Between(10, true, 40, true, true, fn) },
			[]any{int64(10), int64(20), int64(25), int64(40)}},
		{"between exclusive", func(fn func(Entry) bool) error { return r.Between(10, false, 40, false, true, fn) },
			[]any{int64(20), int64(25)}},
		{"major", func(fn func(Entry) bool) error { return r.Major(25, false, true, fn) },
			[]any{int64(40), int64(100)}},
		{"minor descending", func(fn func(Entry) bool) error { return r.Minor(20, true, false, fn) },
			[]any{int64(20), int64(10), int64(0)}},
		{"entries", func(fn func(Entry) bool) error { return r.GetEntries([]any{100, 0, 30, 0}, true, fn) },
			[]any{int64(0), int64(100)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := collect(t, tt.scan); !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	var keyList []any
	if err := r.Keys(func(k any) bool { keyList = append(keyList, k); return len(keyList) < 3 }); err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if !slices.Equal(keyList, []any{int64(0), int64(10), int64(20)}) {
		t.Errorf("Keys = %v", keyList)
	}

	idx.Clear(tr)
	if n, err := idx.Reader(tr).Size(); err != nil || n != 0 {
		t.Errorf("Size after Clear = %d, %v", n, err)
	}
	idx.Put(tr, 7, rids[4])
	if got := collect(t, idx.Reader(tr).Ascending); !slices.Equal(got, []any{int64(7)}) {
		t.Errorf("Ascending after Clear = %v", got)
	}
	if n, err := idx.Reader(nil).Size(); err != nil || n != 5 {
		t.Errorf("committed Size = %d, %v; want 5", n, err)
	}
}

func TestScanAcrossBatches(t *testing.T) {
	f := newFixture(t)
	idx := f.create(t, "Person.n", NotUnique, Property("Person", "n", keys.TypeInteger))
	r := f.insert(t, map[string]any{"n": 1})
	total := scanBatch*2 + 17
	tr := tx.New()
	for i := range total {
		idx.Put(tr, i, r)
	}
	f.commit(t, tr)

	count, last := 0, int64(-1)
	err := idx.Reader(nil).Ascending(func(e Entry) bool {
		if k := e.Key.(int64); k <= last {
			t.Fatalf("key %d after %d", k, last)
		}
		last = e.Key.(int64)
		count++
		return true
	})
	if err != nil {
		t.Fatalf("Ascending failed: %v", err)
	}
	if count != total {
		t.Errorf("scanned %d entries, want %d", count, total)
	}
}

func TestCompositeIndex(t *testing.T) {
	f := newFixture(t)
	def := &Definition{Class: "Person", Fields: []Field{
		{Name: "last", Type: keys.TypeString},
		{Name: "age", Type: keys.TypeInteger},
	}}
	idx := f.create(t, "Person.last_age", NotUnique, def)
	r1 := f.insert(t, map[string]any{"last": "smith", "age": 30})
	r2 := f.insert(t, map[string]any{"last": "smith", "age": 40})
	r3 := f.insert(t, map[string]any{"last": "jones", "age": 20})

	tr := tx.New()
	idx.Put(tr, []any{"smith", 30}, r1)
	idx.Put(tr, []any{"smith", 40}, r2)
	idx.Put(tr, keys.Composite{"jones", 20}, r3)
	f.commit(t, tr)

	r := idx.Reader(nil)
	if got := mustGet(t, r, "smith"); !slices.Equal(got, []rid.RID{r1, r2}) {
		t.Errorf("Get(smith) = %v", got)
	}
	if got := mustGet(t, r, []any{"smith", 40}); !slices.Equal(got, []rid.RID{r2}) {
		t.Errorf("Get(smith, 40) = %v", got)
	}

	var got []rid.RID
	err := r.Between([]any{"smith", 35}, true, "smith", true, true, func(e Entry) bool {
		got = append(got, e.RID)
		if _, ok := e.Key.(keys.Composite); !ok {
			t.Errorf("composite index returned key %T", e.Key)
		}
		return true
	})
	if err != nil || !slices.Equal(got, []rid.RID{r2}) {
		t.Errorf("Between = %v, %v", got, err)
	}

	got = got[:0]
	err = r.Major("jones", false, true, func(e Entry) bool {
		got = append(got, e.RID)
		return true
	})
	if err != nil || !slices.Equal(got, []rid.RID{r1, r2}) {
		t.Errorf("Major(jones, exclusive) = %v, %v", got, err)
	}

	if err := idx.Put(tx.New(), "smith", r1); err == nil {
		t.Error("expected a partial key to be rejected by Put")
	}
}

func TestDefinitionKeys(t *testing.T) {
	tests := []struct {
		name   string
		def    *Definition
		values []any
		want   []any
	}{
		{"scalar", Property("P", "a", keys.TypeInteger), []any{int32(5)}, []any{int64(5)}},
		{"null", Property("P", "a", keys.TypeInteger), []any{nil}, []any{nil}},
		{"ignored null", &Definition{Class: "P", Fields: []Field{{Name: "a", Type: keys.TypeInteger}}, IgnoreNulls: true},
			[]any{nil}, nil},
		{"collection", &Definition{Class: "P", Fields: []Field{{Name: "tags", Type: keys.TypeString, Multi: true}}},
			[]any{[]any{"x", "y", "x"}}, []any{"x", "y"}},
		{"case insensitive", &Definition{Class: "P", Fields: []Field{{Name: "a", Type: keys.TypeString}}, Collation: keys.CollateCaseInsensitive},
			[]any{"MiXeD"}, []any{"mixed"}},
		{"composite", &Definition{Class: "P", Fields: []Field{{Name: "a", Type: keys.TypeString}, {Name: "b", Type: keys.TypeInteger}}},
			[]any{"k", 1}, []any{keys.Composite{"k", int64(1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.def.Keys(tt.values)
			if err != nil {
				t.Fatalf("Keys failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Keys = %v, want %v", got, tt.want)
			}
			for i := range got {
				if !keys.Equal(got[i], tt.want[i]) {
					t.Errorf("key %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name string
		def  *Definition
	}{
		{"no class", &Definition{Fields: []Field{{Name: "a", Type: keys.TypeString}}}},
		{"no fields", &Definition{Class: "P"}},
		{"duplicate field", &Definition{Class: "P", Fields: []Field{{Name: "a", Type: keys.TypeString}, {Name: "a", Type: keys.TypeString}}}},
		{"bad type", &Definition{Class: "P", Fields: []Field{{Name: "a"}}}},
		{"two collections", &Definition{Class: "P", Fields: []Field{
			{Name: "a", Type: keys.TypeString, Multi: true},
			{Name: "b", Type: keys.TypeString, Multi: true},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.def.Validate(); !errors.Is(err, storeerr.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestConfigValidation(t *testing.T) {
	valid := &Config{
		Type:      "UNIQUE",
		Algorithm: AlgorithmBTree,
		Name:      "Person.name",
		Version:   ConfigVersion,
		IndexDefinition: DefinitionConfig{
			ClassName:  "Person",
			Properties: []PropertyConfig{{Name: "name", Type: "STRING"}},
			Automatic:  true,
		},
	}
	data, err := valid.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	parsed, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	def, err := parsed.Definition()
	if err != nil {
		t.Fatalf("Definition failed: %v", err)
	}
	if def.Class != "Person" || def.Manual || def.Fields[0].Type != keys.TypeString {
		t.Errorf("unexpected definition %+v", def)
	}

	invalid := []string{
		`{"type":"HASHED","algorithm":"BTREE","name":"x","version":1,"indexDefinition":{"className":"P","properties":[{"name":"a","type":"STRING"}]},"collections":[]}`,
		`{"type":"UNIQUE","algorithm":"BTREE","name":"x","version":0,"indexDefinition":{"className":"P","properties":[{"name":"a","type":"STRING"}]},"collections":[]}`,
		`{"type":"UNIQUE","algorithm":"BTREE","version":1,"indexDefinition":{"className":"P","properties":[]},"collections":[]}`,
		`not json`,
	}
	for _, doc := range invalid {
		if _, err := ParseConfig([]byte(doc)); !errors.Is(err, storeerr.ErrConfiguration) {
			t.Errorf("ParseConfig(%s) = %v, want ErrConfiguration", doc, err)
		}
	}
}

func TestCreateIndexValidatesBeforeMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := Property("Person", "name", keys.TypeString)

	_, err := f.m.CreateIndex(ctx, "bad", Unique, def, CreateOptions{Algorithm: "HASH"})
	if !errors.Is(err, storeerr.ErrUnknownAlgorithm) {
		t.Errorf("expected ErrUnknownAlgorithm, got %v", err)
	}
	_, err = f.m.CreateIndex(ctx, "bad", Unique, def, CreateOptions{Collections: []string{"missing"}})
	if !errors.Is(err, storeerr.ErrCollectionNotFound) {
		t.Errorf("expected ErrCollectionNotFound, got %v", err)
	}
	_, err = f.m.CreateIndex(ctx, "bad", Kind(9), def, CreateOptions{})
	if !errors.Is(err, storeerr.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
	if _, err := f.e.LoadIndexEngine("bad"); !errors.Is(err, storeerr.ErrIndexNotFound) {
		t.Errorf("failed create left an engine behind: %v", err)
	}

	f.create(t, "good", Unique, def)
	_, err = f.m.CreateIndex(ctx, "good", Unique, def, CreateOptions{})
	if !errors.Is(err, storeerr.ErrIndexExists) {
		t.Errorf("expected ErrIndexExists, got %v", err)
	}
}

func TestCreateIndexFillsCollections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.insert(t, map[string]any{"name": "alice"})
	f.insert(t, map[string]any{"name": "bob"})
	f.insert(t, map[string]any{"name": "carol"})
	f.insert(t, map[string]any{})

	idx := f.create(t, "Person.name", Unique, Property("Person", "name", keys.TypeString), "person")
	if got := mustGet(t, idx.Reader(nil), "alice"); !slices.Equal(got, []rid.RID{r1}) {
		t.Errorf("Get(alice) = %v", got)
	}
	if got := mustGet(t, idx.Reader(nil), nil); len(got) != 1 {
		t.Errorf("record without name should be indexed under null, got %v", got)
	}

	var reports []Progress
	res, err := f.m.Rebuild(ctx, "Person.name", func(p Progress) { reports = append(reports, p) })
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if res.Records != 4 || res.Entries != 4 {
		t.Errorf("Rebuild = %+v, want 4 records and 4 entries", res)
	}
	if len(reports) != 2 || reports[1].Processed != 4 || reports[1].Total != 4 {
		t.Errorf("unexpected progress reports %+v", reports)
	}
	if got := mustGet(t, idx.Reader(nil), "bob"); len(got) != 1 {
		t.Errorf("Get(bob) after rebuild = %v", got)
	}
}

func TestCreateIndexRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insert(t, map[string]any{"name": "alice"})
	f.insert(t, map[string]any{"name": "alice"})

	_, err := f.m.CreateIndex(ctx, "Person.name", Unique, Property("Person", "name", keys.TypeString),
		CreateOptions{Collections: []string{"person"}})
	if !errors.Is(err, storeerr.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if _, err := f.m.Index("Person.name"); !errors.Is(err, storeerr.ErrIndexNotFound) {
		t.Errorf("failed index is still registered: %v", err)
	}
	if _, err := f.e.LoadIndexEngine("Person.name"); !errors.Is(err, storeerr.ErrIndexNotFound) {
		t.Errorf("failed index left its engine: %v", err)
	}
	records, err := f.e.CatalogRecords(catalogKind)
	if err != nil || len(records) != 0 {
		t.Errorf("failed index left its config: %v, %v", records, err)
	}
}

func TestTrackedCollections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := f.e.CreateCollection(ctx, "person_eu")
	if err != nil {
		t.Fatalf("CreateCollection failed: %v", err)
	}
	f.insert(t, map[string]any{"city": "Rome"})
	idx := f.create(t, "Person.city", NotUnique, Property("Person", "city", keys.TypeString), "person")

	payload, _ := record.Marshal("Person", map[string]any{"city": "Rome"})
	tr := tx.New()
	tr.Create("Person", other, record.TypeDocument, payload)
	f.commit(t, tr)

	if err := f.m.AddCollection(ctx, "Person.city", "person_eu", true); !errors.Is(err, storeerr.ErrCollectionNotEmpty) {
		t.Errorf("expected ErrCollectionNotEmpty, got %v", err)
	}
	if err := f.m.AddCollection(ctx, "Person.city", "person_eu", false); err != nil {
		t.Fatalf("AddCollection failed: %v", err)
	}
	if n, _ := idx.Reader(nil).Count("Rome"); n != 2 {
		t.Errorf("Count(Rome) = %d, want 2", n)
	}
	if !idx.Tracks("person_eu") {
		t.Error("collection not tracked")
	}

	if err := f.m.RemoveCollection(ctx, "Person.city", "person_eu"); err != nil {
		t.Fatalf("RemoveCollection failed: %v", err)
	}
	rids := mustGet(t, idx.Reader(nil), "Rome")
	if len(rids) != 1 || rids[0].Collection != f.coll {
		t.Errorf("Get(Rome) after RemoveCollection = %v", rids)
	}
	if slices.Contains(idx.Collections(), "person_eu") {
		t.Error("collection still tracked")
	}
}

func TestFilter(t *testing.T) {
	f := newFixture(t)
	idx := f.create(t, "Person.name", NotUnique, Property("Person", "name", keys.TypeString))
	r1 := f.insert(t, map[string]any{"name": "anna"})
	r2 := f.insert(t, map[string]any{"name": "anton"})
	r3 := f.insert(t, map[string]any{"name": "bert"})
	tr := tx.New()
	idx.Put(tr, "anna", r1)
	idx.Put(tr, "anton", r2)
	idx.Put(tr, "bert", r3)
	f.commit(t, tr)

	p, err := f.m.Filter(`key.startsWith("an") && position > 0`)
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
	r := idx.Reader(nil).Where(p)
	if n, err := r.Size(); err != nil || n != 1 {
		t.Errorf("filtered Size = %d, %v; want 1", n, err)
	}
	if got := mustGet(t, r, "anna"); len(got) != 0 {
		t.Errorf("filtered Get(anna) = %v", got)
	}

	if _, err := f.m.Filter(`key +`); !errors.Is(err, storeerr.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
	notBool, err := f.m.Filter(`position`)
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
	if _, err := idx.Reader(nil).Where(notBool).Get("anna"); err == nil {
		t.Error("expected a non-boolean filter to fail the read")
	}
}

func TestStaleHandleIsReloaded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idx := f.create(t, "Person.name", Unique, Property("Person", "name", keys.TypeString))
	before := idx.currentHandle()

	if err := f.e.DeleteIndexEngine(ctx, "Person.name"); err != nil {
		t.Fatalf("DeleteIndexEngine failed: %v", err)
	}
	h, err := f.e.AddIndexEngine(ctx, "Person.name", idx.v.engineKind())
	if err != nil {
		t.Fatalf("AddIndexEngine failed: %v", err)
	}
	if _, err := idx.Reader(nil).Get("x"); err != nil {
		t.Fatalf("Get with stale handle failed: %v", err)
	}
	if got := idx.currentHandle(); got != h || got == before {
		t.Errorf("handle = %v, want %v", got, h)
	}

	if err := f.e.DeleteIndexEngine(ctx, "Person.name"); err != nil {
		t.Fatalf("DeleteIndexEngine failed: %v", err)
	}
	if _, err := idx.Reader(nil).Get("x"); !errors.Is(err, storeerr.ErrIndexNotFound) {
		t.Errorf("expected ErrIndexNotFound, got %v", err)
	}
}

func TestLoadAfterReopen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.insert(t, map[string]any{"name": "alice"})
	f.create(t, "Person.name", Unique, Property("Person", "name", keys.TypeString), "person")
	f.create(t, "Person.age", NotUnique, Property("Person", "age", keys.TypeInteger))
	if err := f.m.DropIndex(ctx, "Person.age"); err != nil {
		t.Fatalf("DropIndex failed: %v", err)
	}
	if err := f.e.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	e, err := engine.Open(ctx, testOptions(f.fs))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	f.e = e
	m, err := NewManager(e, config.IndexConfig{}, logger.Discard())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()
	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := m.Indexes(); len(got) != 1 || got[0].Name() != "Person.name" {
		t.Fatalf("Indexes = %v", got)
	}
	idx, err := m.Index("Person.name")
	if err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	if got := mustGet(t, idx.Reader(nil), "alice"); !slices.Equal(got, []rid.RID{r1}) {
		t.Errorf("Get(alice) = %v", got)
	}
	if got := m.ClassIndexes("Person"); len(got) != 1 || !got[0].Unique() {
		t.Errorf("ClassIndexes = %v", got)
	}

	// An engine lost between drop and re-create is rebuilt on load
	if err := e.DeleteIndexEngine(ctx, "Person.name"); err != nil {
		t.Fatalf("DeleteIndexEngine failed: %v", err)
	}
	m2, err := NewManager(e, config.IndexConfig{}, logger.Discard())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m2.Close()
	if err := m2.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	idx, _ = m2.Index("Person.name")
	if got := mustGet(t, idx.Reader(nil), "alice"); !slices.Equal(got, []rid.RID{r1}) {
		t.Errorf("Get(alice) after rebuild on load = %v", got)
	}
}
