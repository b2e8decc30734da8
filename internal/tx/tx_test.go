package tx

import (
	"fmt"
	"testing"

	"github.com/JetBrains/youtrackdb-sub019/internal/keys"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
)

var (
	r1 = rid.New(1, 1)
	r2 = rid.New(1, 2)
	r3 = rid.New(1, 3)
)

func put(r rid.RID) KeyOp    { return KeyOp{Op: OpPut, RID: r, HasRID: true} }
func remove(r rid.RID) KeyOp { return KeyOp{Op: OpRemove, RID: r, HasRID: true} }
func removeAll() KeyOp       { return KeyOp{Op: OpRemove} }

func TestUniqueResolve(t *testing.T) {
	tests := []struct {
		name    string
		durable []rid.RID
		ops     []KeyOp
		want    string
	}{
		{"no ops", []rid.RID{r1}, nil, "[#1:1]"},
		{"put on empty", nil, []KeyOp{put(r1)}, "[#1:1]"},
		{"last put wins", nil, []KeyOp{put(r1), put(r2)}, "[#1:2]"},
		{"put then remove", nil, []KeyOp{put(r1), remove(r1)}, "[]"},
		{"twice put then remove", nil, []KeyOp{put(r1), remove(r1), put(r1), remove(r1)}, "[]"},
		{"remove durable", []rid.RID{r1}, []KeyOp{remove(r1)}, "[]"},
		{"remove other keeps durable", []rid.RID{r1}, []KeyOp{remove(r2)}, "[#1:1]"},
		{"unqualified remove", []rid.RID{r1}, []KeyOp{put(r2), removeAll()}, "[]"},
		{"remove latest falls back", nil, []KeyOp{put(r1), put(r2), remove(r2)}, "[#1:1]"},
		{"clear then put", []rid.RID{r1}, []KeyOp{removeAll(), put(r3)}, "[#1:3]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kc := &KeyChanges{Ops: tt.ops}
			got := fmt.Sprint(Unique.Resolve(kc, tt.durable))
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCollapseOrdersRemovesBeforePut(t *testing.T) {
	kc := &KeyChanges{Ops: []KeyOp{remove(r1), put(r2), remove(r3), put(r3), remove(r3)}}
	c := kc.Collapse()
	if !c.HasPut || c.Put != r2 {
		t.Fatalf("expected put of %v, got %+v", r2, c)
	}
	if fmt.Sprint(c.Removes) != "[#1:1 #1:3]" {
		t.Errorf("unexpected removes %v", c.Removes)
	}
	if c.ClearAll {
		t.Error("unexpected ClearAll")
	}
}

func TestNonUniqueReplay(t *testing.T) {
	tests := []struct {
		name    string
		durable []rid.RID
		ops     []KeyOp
		want    string
	}{
		{"add", []rid.RID{r1}, []KeyOp{put(r2)}, "[#1:1 #1:2]"},
		{"remove one occurrence", []rid.RID{r1}, []KeyOp{put(r1), remove(r1)}, "[#1:1]"},
		{"remove durable", []rid.RID{r1, r2}, []KeyOp{remove(r1)}, "[#1:2]"},
		{"clear set", []rid.RID{r1, r2}, []KeyOp{removeAll(), put(r3)}, "[#1:3]"},
		{"remove missing", nil, []KeyOp{remove(r1), put(r1)}, "[#1:1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kc := &KeyChanges{Ops: tt.ops}
			got := fmt.Sprint(NonUnique.Resolve(kc, tt.durable))
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}

	removes, puts := Diff([]rid.RID{r1, r2}, []rid.RID{r2, r3})
	if fmt.Sprint(removes) != "[#1:1]" || fmt.Sprint(puts) != "[#1:3]" {
		t.Errorf("unexpected diff %v %v", removes, puts)
	}
}

func TestRecordOpFolding(t *testing.T) {
	x := New()
	a := x.Create("Person", -1, 'd', []byte("a"))
	b := x.Create("Person", -1, 'd', []byte("b"))
	if a == b || !a.IsNew() {
		t.Fatalf("expected distinct temporary RIDs, got %v %v", a, b)
	}

	x.Update(a, 0, 'd', []byte("a2"))
	if op := x.Op(a); op.Type != Created || string(op.Payload) != "a2" {
		t.Errorf("update of a new record must stay a create, got %+v", op)
	}

	x.Delete(b, 0)
	if len(x.Ops()) != 1 {
		t.Errorf("delete of a new record must drop it, got %d ops", len(x.Ops()))
	}

	x.Update(r1, 3, 'd', []byte("u"))
	x.Delete(r1, 3)
	if op := x.Op(r1); op.Type != Deleted || op.Version != 3 {
		t.Errorf("expected delete with version 3, got %+v", op)
	}
	if len(x.Ops()) != 2 {
		t.Errorf("expected 2 ops, got %d", len(x.Ops()))
	}
}

func TestRemapRewritesPendingChanges(t *testing.T) {
	x := New()
	temp := x.Create("Person", -1, 'd', nil)

	byName := x.Changes("Person.name", 2, Unique)
	x.Put(byName, "alice", keys.MustEncode("alice"), temp)

	byLink := x.Changes("Person.friend", 1, NonUnique)
	x.Put(byLink, temp, keys.MustEncode(temp), r1)

	final := rid.New(4, 0)
	x.Remap(temp, final)

	if op := x.Op(final); op == nil || op.Collection != 4 {
		t.Fatalf("record op not remapped: %+v", op)
	}
	kc := byName.Key(keys.MustEncode("alice"))
	if kc.Ops[0].RID != final {
		t.Errorf("index value not remapped: %v", kc.Ops[0].RID)
	}
	if byLink.Key(keys.MustEncode(final)) == nil || byLink.Key(keys.MustEncode(temp)) != nil {
		t.Error("link key not re-encoded")
	}
	if x.Resolve(temp) != final {
		t.Errorf("Resolve returned %v", x.Resolve(temp))
	}

	idx := x.Indexes()
	if idx[0].Name != "Person.friend" || idx[1].Name != "Person.name" {
		t.Errorf("indexes not ordered by engine id: %s, %s", idx[0].Name, idx[1].Name)
	}

	x.UndoRemaps()
	if x.Op(temp) == nil || byName.Key(keys.MustEncode("alice")).Ops[0].RID != temp {
		t.Error("UndoRemaps did not restore the temporary RID")
	}
}

func TestClearIndexDropsPendingKeys(t *testing.T) {
	x := New()
	ic := x.Changes("idx", 1, NonUnique)
	x.Put(ic, int64(2), keys.MustEncode(int64(2)), r1)
	x.Put(ic, int64(1), keys.MustEncode(int64(1)), r2)
	if got := ic.Keys(); len(got) != 2 || got[0].Key != int64(1) {
		t.Fatalf("keys not sorted: %v", got)
	}

	x.ClearIndex(ic)
	x.Put(ic, int64(3), keys.MustEncode(int64(3)), r3)
	if !ic.Cleared || ic.Len() != 1 {
		t.Errorf("expected cleared log with one key, got cleared=%v len=%d", ic.Cleared, ic.Len())
	}
}
