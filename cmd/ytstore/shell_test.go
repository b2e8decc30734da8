package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"

	ytdb "github.com/JetBrains/youtrackdb-sub019"
	"github.com/JetBrains/youtrackdb-sub019/internal/config"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/logger"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	ctx := context.Background()
	c := config.DefaultConfig()
	c.Checkpoint.Auto = false
	db, err := ytdb.Open(ctx, ytdb.Options{Path: "/shell", Fs: afero.NewMemMapFs(), Config: c, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close(ctx) })
	var out bytes.Buffer
	return newShell(db, &out), &out
}

func run(t *testing.T, sh *shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	if _, err := sh.execute(context.Background(), line); err != nil {
		t.Fatalf("%s: %v", line, err)
	}
	return out.String()
}

func TestShellSession(t *testing.T) {
	sh, out := newTestShell(t)
	ctx := context.Background()

	run(t, sh, out, ".class Person")
	if got := run(t, sh, out, ".index Person.name UNIQUE Person name"); !strings.Contains(got, "created with 0 entries") {
		t.Errorf(".index output = %q", got)
	}
	if got := run(t, sh, out, `.insert Person {"name": "ann", "age": 30}`); !strings.HasPrefix(got, "saved #") {
		t.Errorf(".insert output = %q", got)
	}
	if got := run(t, sh, out, ".get Person.name ann"); !strings.HasPrefix(got, "#") {
		t.Errorf(".get output = %q", got)
	}
	if got := run(t, sh, out, `.get Person.name "missing"`); got != "(no entries)\n" {
		t.Errorf(".get missing output = %q", got)
	}

	_, err := sh.execute(ctx, `.insert Person {"name": "ann"}`)
	if !errors.Is(err, storeerr.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	run(t, sh, out, ".begin")
	run(t, sh, out, `.insert Person {"name": "bob"}`)
	if got := run(t, sh, out, ".size Person.name"); got != "2\n" {
		t.Errorf("size inside transaction = %q", got)
	}
	run(t, sh, out, ".rollback")
	if got := run(t, sh, out, ".size Person.name"); got != "1\n" {
		t.Errorf("size after rollback = %q", got)
	}

	if got := run(t, sh, out, ".range Person.name a z"); !strings.HasPrefix(got, `"ann" -> #`) {
		t.Errorf(".range output = %q", got)
	}

	if _, err := sh.execute(ctx, ".frobnicate"); err == nil {
		t.Error("unknown command accepted")
	}
	exit, err := sh.execute(ctx, ".exit")
	if err != nil || !exit {
		t.Errorf(".exit = %v, %v", exit, err)
	}
}

func TestShellUpdateAndDelete(t *testing.T) {
	sh, out := newTestShell(t)
	run(t, sh, out, ".class Item")
	run(t, sh, out, ".index Item.qty NOTUNIQUE Item qty:INTEGER")
	saved := run(t, sh, out, `.insert Item {"qty": 5}`)
	id := strings.Fields(saved)[1]

	if got := run(t, sh, out, ".set "+id+` {"qty": 7}`); !strings.Contains(got, "v2") {
		t.Errorf(".set output = %q", got)
	}
	if got := run(t, sh, out, ".get Item.qty 5"); got != "(no entries)\n" {
		t.Errorf("old key still indexed: %q", got)
	}
	if got := run(t, sh, out, ".load "+id); !strings.Contains(got, "qty: 7") {
		t.Errorf(".load output = %q", got)
	}
	run(t, sh, out, ".delete "+id)
	if _, err := sh.execute(context.Background(), ".load "+id); !errors.Is(err, storeerr.ErrRecordNotFound) {
		t.Errorf("load after delete: %v", err)
	}
}

func TestParseLiteral(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"42", int64(42)},
		{"-1.5", -1.5},
		{"true", true},
		{`"42"`, "42"},
		{"'x y'", "x y"},
		{"null", nil},
		{"#3:7", rid.RID{Collection: 3, Position: 7}},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := parseLiteral(tt.in); got != tt.want {
			t.Errorf("parseLiteral(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestParseObject(t *testing.T) {
	got, err := parseObject(`{"n": 3, "f": 2.5, "link": "#1:2", "tags": ["a", 1]}`)
	if err != nil {
		t.Fatalf("parseObject failed: %v", err)
	}
	if got["n"] != int64(3) || got["f"] != 2.5 {
		t.Errorf("numbers = %#v %#v", got["n"], got["f"])
	}
	if got["link"] != (rid.RID{Collection: 1, Position: 2}) {
		t.Errorf("link = %#v", got["link"])
	}
	tags, ok := got["tags"].([]any)
	if !ok || len(tags) != 2 || tags[1] != int64(1) {
		t.Errorf("tags = %#v", got["tags"])
	}

	if _, err := parseObject(`{"nested": {"a": 1}}`); err == nil {
		t.Error("embedded object accepted")
	}
	if _, err := parseObject(`not json`); err == nil {
		t.Error("invalid JSON accepted")
	}
}
