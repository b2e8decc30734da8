package record

import (
	"fmt"
	"testing"
	"time"

	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
)

func TestMarshalRoundTripKeepsTypes(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	values := map[string]any{
		"name":    "alice",
		"age":     int64(42),
		"score":   1.5,
		"active":  true,
		"born":    ts,
		"avatar":  []byte{1, 2, 3},
		"friend":  rid.New(3, 7),
		"tags":    []any{"a", int64(1)},
		"ignored": nil,
	}
	b, err := Marshal("Person", values)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	class, got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if class != "Person" {
		t.Errorf("expected class Person, got %s", class)
	}
	if _, ok := got["ignored"]; ok {
		t.Error("nil value must be omitted")
	}
	if got["age"] != int64(42) || got["score"] != 1.5 || got["active"] != true {
		t.Errorf("scalar mismatch: %v", got)
	}
	if !got["born"].(time.Time).Equal(ts) {
		t.Errorf("time mismatch: %v", got["born"])
	}
	if got["friend"] != rid.New(3, 7) {
		t.Errorf("link mismatch: %v", got["friend"])
	}
	if fmt.Sprint(got["tags"]) != "[a 1]" || fmt.Sprint(got["avatar"]) != "[1 2 3]" {
		t.Errorf("list or bytes mismatch: %v %v", got["tags"], got["avatar"])
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, _, err := Unmarshal([]byte("not json")); err == nil {
		t.Fatal("expected error")
	}
	if _, _, err := Unmarshal([]byte(`{"@class":"X","fields":{"a":{"t":"?","v":"1"}}}`)); err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestDirtyTracking(t *testing.T) {
	payload, _ := Marshal("Person", map[string]any{"name": "A", "age": int64(1)})
	e, err := Load(rid.New(1, 0), 1, payload)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if e.IsNew() || len(e.Dirty()) != 0 {
		t.Fatalf("fresh entity must be clean and persistent")
	}

	e.Set("name", "B")
	e.Set("name", "C")
	e.Set("age", 2)
	if fmt.Sprint(e.Dirty()) != "[name age]" {
		t.Errorf("unexpected dirty set %v", e.Dirty())
	}
	if e.Original("name") != "A" || e.Get("name") != "C" {
		t.Errorf("expected original A and current C, got %v %v", e.Original("name"), e.Get("name"))
	}
	if e.Get("age") != int64(2) {
		t.Errorf("int not normalized: %T", e.Get("age"))
	}
	if e.Original("missing") != nil {
		t.Error("unset property must have nil original")
	}

	e.Committed(rid.New(1, 0), 2)
	if len(e.Dirty()) != 0 || e.Original("name") != "C" || e.Version != 2 {
		t.Errorf("Committed did not reset change state")
	}
}

func TestTrackedListEvents(t *testing.T) {
	payload, _ := Marshal("Person", map[string]any{"tags": []any{"x", "y"}})
	e, _ := Load(rid.New(1, 0), 1, payload)

	l, err := e.List("tags")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	l.Add("z")
	if !l.Remove("x") {
		t.Fatal("Remove did not find x")
	}
	l.Set(0, "w")

	if fmt.Sprint(e.Original("tags")) != "[x y]" {
		t.Errorf("original snapshot altered: %v", e.Original("tags"))
	}
	if fmt.Sprint(e.Get("tags")) != "[w z]" {
		t.Errorf("unexpected items %v", e.Get("tags"))
	}
	events := e.ListEvents("tags")
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind.String()
	}
	if fmt.Sprint(kinds) != "[ADD REMOVE UPDATE]" {
		t.Errorf("unexpected events %v", kinds)
	}
	if events[2].Old != "y" || events[2].New != "w" {
		t.Errorf("update event mismatch: %+v", events[2])
	}

	e.Set("tags", []any{"only"})
	if e.ListEvents("tags") != nil {
		t.Error("replacing the list must drop its events")
	}

	e.Set("name", "scalar")
	if _, err := e.List("name"); err == nil {
		t.Error("expected error for scalar property")
	}
}
