package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	ytdb "github.com/JetBrains/youtrackdb-sub019"
	"github.com/JetBrains/youtrackdb-sub019/internal/engine"
	"github.com/JetBrains/youtrackdb-sub019/internal/index"
)

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print collections, index engines and WAL state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDatabase(ctx, false)
			if err != nil {
				return err
			}
			defer db.Close(ctx)
			return printInfo(cmd, db)
		},
	}
}

func printInfo(cmd *cobra.Command, db *ytdb.Database) error {
	st, err := db.Engine().Stats(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Storage:     %s (%s)\n", st.Name, st.ID)
	fmt.Fprintf(out, "In memory:   %v\n", st.Memory)
	fmt.Fprintf(out, "WAL:         %d segments, %d bytes, LSN %v..%v (flushed %v)\n",
		st.WALSegments, st.WALSize, st.FirstLSN, st.LastLSN, st.FlushedLSN)
	fmt.Fprintf(out, "Checkpoint:  %v\n", st.CheckpointLSN)
	fmt.Fprintf(out, "Pages:       %d cached, %d dirty, %d bytes on disk\n", st.CachedPages, st.DirtyPages, st.FileBytes)
	if st.Recovered {
		fmt.Fprintf(out, "Recovered:   %d units on open\n", st.RecoveredUnits)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COLLECTION\tID\tRECORDS\tBYTES")
	for _, c := range st.Collections {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", c.Name, c.ID, c.Records, c.Bytes)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "INDEX\tTYPE\tCLASS\tPROPERTIES\tCOLLECTIONS")
	for _, idx := range db.Indexes().Indexes() {
		def := idx.Definition()
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%v\n", idx.Name(), idx.Kind(), def.Class, def.Properties(), idx.Collections())
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "ENGINE\tID\tKIND\tENTRIES")
	for _, ie := range st.IndexEngines {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\n", ie.Name, ie.ID, ie.Kind, ie.Entries)
	}
	return w.Flush()
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Open the storage, run recovery if needed and verify every index engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDatabase(ctx, false)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			out := cmd.OutOrStdout()
			if rec := db.Engine().Recovery(); rec != nil {
				fmt.Fprintf(out, "recovery: %d records, %d units redone, %d discarded, %d pages redone, %d skipped\n",
					rec.Records, rec.Committed, rec.Discarded, rec.PagesRedone, rec.PagesSkipped)
			} else {
				fmt.Fprintln(out, "storage was closed cleanly")
			}
			return verifyIndexes(out, db)
		},
	}
}

func verifyIndexes(out io.Writer, db *ytdb.Database) error {
	e := db.Engine()
	failed := 0
	for _, idx := range db.Indexes().Indexes() {
		h, err := e.LoadIndexEngine(idx.Name())
		if err != nil {
			fmt.Fprintf(out, "%-30s FAILED: %v\n", idx.Name(), err)
			failed++
			continue
		}
		st, err := e.VerifyIndexEngine(h)
		if err != nil {
			fmt.Fprintf(out, "%-30s FAILED: %v\n", idx.Name(), err)
			failed++
			continue
		}
		fmt.Fprintf(out, "%-30s ok: %d entries, height %d, %d leaf pages\n", idx.Name(), st.Entries, st.Height, st.LeafPages)
	}
	if failed > 0 {
		return fmt.Errorf("%d index engines failed verification", failed)
	}
	return nil
}

func checkpointCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Flush dirty pages and truncate the WAL",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDatabase(ctx, false)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			var res engine.CheckpointResult
			if full {
				res, err = db.Engine().FullCheckpoint(ctx)
			} else {
				res, err = db.Engine().FuzzyCheckpoint(ctx)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s checkpoint at %v: %d segments removed in %s\n",
				res.Kind, res.CutLSN, res.SegmentsRemoved, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "take a full checkpoint instead of a fuzzy one")
	return cmd
}

func rebuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index <name>...",
		Short: "Drop and rebuild index engines from their collections",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDatabase(ctx, false)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			out := cmd.OutOrStdout()
			for _, name := range args {
				res, err := db.Indexes().Rebuild(ctx, name, func(p index.Progress) {
					fmt.Fprintf(out, "\r%s: %s %d/%d records", p.Index, p.Collection, p.Processed, p.Total)
				})
				fmt.Fprintln(out)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %d records, %d entries in %s\n",
					res.Index, res.Records, res.Entries, res.Duration.Round(time.Millisecond))
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var (
		kind  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent maintenance events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDatabase(ctx, false)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			h := db.Engine().History()
			if h == nil {
				return fmt.Errorf("maintenance history is disabled (history.enabled=false)")
			}
			events, err := h.Recent(ctx, kind, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tDURATION\tDETAIL")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ev.At.Format(time.RFC3339), ev.Kind, ev.Duration, ev.Detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only events of this kind")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events")
	return cmd
}
