package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	ytdb "github.com/JetBrains/youtrackdb-sub019"
	"github.com/JetBrains/youtrackdb-sub019/internal/index"
	"github.com/JetBrains/youtrackdb-sub019/internal/keys"
	"github.com/JetBrains/youtrackdb-sub019/internal/record"
	"github.com/JetBrains/youtrackdb-sub019/internal/rid"
)

const (
	prompt      = "ytstore> "
	scanLimit   = 100
	historyFile = ".ytstore_history"
)

var commands = []string{
	".help", ".class", ".indexes", ".index", ".insert", ".set", ".load", ".delete",
	".get", ".range", ".size", ".begin", ".commit", ".rollback", ".exit",
}

const helpText = `Commands:
  .class <name>                           create a class
  .indexes                                list indexes
  .index <name> <UNIQUE|NOTUNIQUE> <class> <prop[:type]>...
                                          create an index
  .insert <class> <json object>           save a new record
  .set <rid> <json object>                update properties of a record
  .load <rid>                             print a record
  .delete <rid>                           delete a record
  .get <index> <key>...                   look up a key
  .range <index> <from> <to>              entries with from <= key <= to
  .size <index>                           number of entries
  .begin | .commit | .rollback            transaction control
  .exit                                   leave the shell
Keys are parsed as integers, floats or booleans when possible; quote them to force a string.`

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell over a storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDatabase(ctx, true)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			sh := newShell(db, cmd.OutOrStdout())
			return sh.run(ctx)
		},
	}
}

type shell struct {
	db  *ytdb.Database
	s   *ytdb.Session
	out io.Writer
}

func newShell(db *ytdb.Database, out io.Writer) *shell {
	return &shell{db: db, s: db.Session(), out: out}
}

func (sh *shell) run(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) []string {
		var out []string
		for _, c := range commands {
			if strings.HasPrefix(c, input) {
				out = append(out, c)
			}
		}
		return out
	})

	histPath := ""
	if home, err := os.UserHomeDir(); err == nil {
		histPath = filepath.Join(home, historyFile)
		if f, err := os.Open(histPath); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}
	defer func() {
		if histPath == "" {
			return
		}
		if f, err := os.Create(histPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Fprintf(sh.out, "Connected to %s. Type '.help' for commands.\n", sh.db.Name())
	for {
		input, err := line.Prompt(prompt)
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		exit, err := sh.execute(ctx, input)
		if err != nil {
			fmt.Fprintln(sh.out, "ERROR:", err)
		}
		if exit {
			break
		}
	}
	if sh.s.Active() {
		fmt.Fprintln(sh.out, "rolling back open transaction")
		sh.s.Rollback()
	}
	return nil
}

// execute runs one command line. It reports whether the shell should exit.
func (sh *shell) execute(ctx context.Context, line string) (bool, error) {
	name, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch name {
	case ".help":
		fmt.Fprintln(sh.out, helpText)
	case ".exit", ".quit":
		return true, nil
	case ".class":
		if len(args) != 1 {
			return false, usage(".class <name>")
		}
		c, err := sh.db.CreateClass(ctx, args[0])
		if err != nil {
			return false, err
		}
		fmt.Fprintf(sh.out, "class %s created (collections %v)\n", c.Name, c.Collections)
	case ".indexes":
		for _, idx := range sh.db.Indexes().Indexes() {
			fmt.Fprintf(sh.out, "%s %s %s%v\n", idx.Name(), idx.Kind(), idx.Definition().Class, idx.Definition().Properties())
		}
	case ".index":
		return false, sh.createIndex(ctx, args)
	case ".insert":
		class, body, _ := strings.Cut(rest, " ")
		if class == "" {
			return false, usage(".insert <class> <json object>")
		}
		return false, sh.save(ctx, record.New(class), body)
	case ".set":
		id, body, _ := strings.Cut(rest, " ")
		e, err := sh.load(ctx, id)
		if err != nil {
			return false, err
		}
		return false, sh.save(ctx, e, body)
	case ".load":
		if len(args) != 1 {
			return false, usage(".load <rid>")
		}
		e, err := sh.load(ctx, args[0])
		if err != nil {
			return false, err
		}
		sh.printEntity(e)
	case ".delete":
		if len(args) != 1 {
			return false, usage(".delete <rid>")
		}
		e, err := sh.load(ctx, args[0])
		if err != nil {
			return false, err
		}
		if err := sh.s.Delete(ctx, e); err != nil {
			return false, err
		}
		fmt.Fprintf(sh.out, "deleted %s\n", args[0])
	case ".get":
		if len(args) < 2 {
			return false, usage(".get <index> <key>...")
		}
		return false, sh.get(args[0], args[1:])
	case ".range":
		if len(args) != 3 {
			return false, usage(".range <index> <from> <to>")
		}
		return false, sh.rangeScan(args[0], parseLiteral(args[1]), parseLiteral(args[2]))
	case ".size":
		if len(args) != 1 {
			return false, usage(".size <index>")
		}
		r, err := sh.s.Index(args[0])
		if err != nil {
			return false, err
		}
		n, err := r.Size()
		if err != nil {
			return false, err
		}
		fmt.Fprintln(sh.out, n)
	case ".begin":
		if err := sh.s.Begin(); err != nil {
			return false, err
		}
		fmt.Fprintln(sh.out, "transaction started")
	case ".commit":
		results, err := sh.s.Commit(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(sh.out, "committed %d records\n", len(results))
	case ".rollback":
		if !sh.s.Active() {
			return false, ytdb.ErrNoTx
		}
		sh.s.Rollback()
		fmt.Fprintln(sh.out, "rolled back")
	default:
		return false, fmt.Errorf("unknown command %q, type .help", name)
	}
	return false, nil
}

func usage(s string) error {
	return fmt.Errorf("usage: %s", s)
}

// createIndex handles ".index <name> <kind> <class> <prop[:type]>...". The
// property type defaults to STRING.
func (sh *shell) createIndex(ctx context.Context, args []string) error {
	if len(args) < 4 {
		return usage(".index <name> <UNIQUE|NOTUNIQUE> <class> <prop[:type]>...")
	}
	kind, err := index.ParseKind(args[1])
	if err != nil {
		return err
	}
	def := &index.Definition{Class: args[2]}
	for _, p := range args[3:] {
		name, typ, ok := strings.Cut(p, ":")
		t := keys.TypeString
		if ok {
			if t, err = keys.ParseType(typ); err != nil {
				return err
			}
		}
		def.Fields = append(def.Fields, index.Field{Name: name, Type: t})
	}
	idx, err := sh.db.CreateIndex(ctx, args[0], kind, def)
	if err != nil {
		return err
	}
	r := idx.Reader(nil)
	n, err := r.Size()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "index %s created with %d entries\n", idx.Name(), n)
	return nil
}

// save applies a JSON object to e and saves it. Null values unset properties.
func (sh *shell) save(ctx context.Context, e *record.Entity, body string) error {
	props, err := parseObject(body)
	if err != nil {
		return err
	}
	for name, v := range props {
		if v == nil {
			e.Unset(name)
			continue
		}
		if err := e.Set(name, v); err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}
	}
	if err := sh.s.Save(ctx, e); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "saved %s v%d\n", e.RID, e.Version)
	return nil
}

func (sh *shell) load(ctx context.Context, id string) (*record.Entity, error) {
	r, err := rid.Parse(id)
	if err != nil {
		return nil, err
	}
	return sh.s.Load(ctx, r)
}

func (sh *shell) printEntity(e *record.Entity) {
	names := e.Names()
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", n, formatValue(e.Get(n))))
	}
	fmt.Fprintf(sh.out, "%s v%d %s {%s}\n", e.RID, e.Version, e.Class, strings.Join(parts, ", "))
}

func (sh *shell) get(name string, args []string) error {
	r, err := sh.s.Index(name)
	if err != nil {
		return err
	}
	var key any
	if len(args) == 1 {
		key = parseLiteral(args[0])
	} else {
		c := make(keys.Composite, len(args))
		for i, a := range args {
			c[i] = parseLiteral(a)
		}
		key = c
	}
	rids, err := r.Get(key)
	if err != nil {
		return err
	}
	if len(rids) == 0 {
		fmt.Fprintln(sh.out, "(no entries)")
		return nil
	}
	for _, id := range rids {
		fmt.Fprintln(sh.out, id)
	}
	return nil
}

func (sh *shell) rangeScan(name string, from, to any) error {
	r, err := sh.s.Index(name)
	if err != nil {
		return err
	}
	n := 0
	err = r.Between(from, true, to, true, true, func(e index.Entry) bool {
		if n == scanLimit {
			fmt.Fprintf(sh.out, "... (first %d entries)\n", scanLimit)
			return false
		}
		fmt.Fprintf(sh.out, "%s -> %s\n", formatValue(e.Key), e.RID)
		n++
		return true
	})
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(sh.out, "(no entries)")
	}
	return nil
}

// parseLiteral reads a key argument. Quoted text is always a string.
func parseLiteral(s string) any {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	if s == "null" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if r, err := rid.Parse(s); err == nil && strings.HasPrefix(s, "#") {
		return r
	}
	return s
}

// parseObject decodes a JSON object into property values. Integral numbers
// become int64 and strings of the form #c:p become links.
func parseObject(body string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		conv, err := fromJSON(v)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", k, err)
		}
		out[k] = conv
	}
	return out, nil
}

func fromJSON(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		return x.Float64()
	case string:
		if strings.HasPrefix(x, "#") {
			if r, err := rid.Parse(x); err == nil {
				return r, nil
			}
		}
		return x, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			conv, err := fromJSON(item)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	case map[string]any:
		return nil, errors.New("embedded objects are not supported")
	}
	return v, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case []any:
		return "[" + formatList(x) + "]"
	case keys.Composite:
		return "(" + formatList(x) + ")"
	case nil:
		return "null"
	}
	return fmt.Sprint(v)
}

func formatList(items []any) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = formatValue(item)
	}
	return strings.Join(parts, ", ")
}
