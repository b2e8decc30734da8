package rid

import (
	"bytes"
	"sort"
	"testing"
)

func TestParseString(t *testing.T) {
	r := New(12, 345)
	if r.String() != "#12:345" {
		t.Errorf("unexpected string %q", r.String())
	}
	parsed, err := Parse("#12:345")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed != r {
		t.Errorf("expected %v, got %v", r, parsed)
	}
	if _, err := Parse("12-345"); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestTemporary(t *testing.T) {
	tmp := Temporary(1)
	if !tmp.IsNew() {
		t.Error("temporary id must be new")
	}
	if Temporary(1) == Temporary(2) {
		t.Error("temporary ids must be distinct")
	}
	if New(0, 0).IsNew() {
		t.Error("#0:0 is persistent")
	}
}

func TestEncodingOrder(t *testing.T) {
	ids := []RID{New(3, 1), New(-1, -5), New(0, 10), New(0, 2), New(3, 0), New(1, -1)}

	byCompare := append([]RID(nil), ids...)
	sort.Slice(byCompare, func(i, j int) bool { return byCompare[i].Compare(byCompare[j]) < 0 })

	byBytes := append([]RID(nil), ids...)
	sort.Slice(byBytes, func(i, j int) bool { return bytes.Compare(byBytes[i].Bytes(), byBytes[j].Bytes()) < 0 })

	for i := range byCompare {
		if byCompare[i] != byBytes[i] {
			t.Fatalf("order mismatch at %d: %v vs %v", i, byCompare[i], byBytes[i])
		}
	}

	for _, id := range ids {
		back, err := FromBytes(id.Bytes())
		if err != nil {
			t.Fatalf("FromBytes failed: %v", err)
		}
		if back != id {
			t.Errorf("expected %v, got %v", id, back)
		}
	}
}
