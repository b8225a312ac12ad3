package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/randomizedcoder/go-autorun/internal/history"
	"github.com/randomizedcoder/go-autorun/internal/stats"
)

// runHistory prints recent runs from a history database:
//
//	go-autorun history -history runs.db [-n 20] [task-key]
func runHistory(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("go-autorun history", flag.ContinueOnError)
	fs.SetOutput(out)
	path := fs.String("history", "", "SQLite run history database")
	limit := fs.Int("n", 20, "Number of runs to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *path == "" {
		fmt.Fprintln(out, "history: -history is required")
		return 2
	}

	store, err := history.Open(*path)
	if err != nil {
		fmt.Fprintf(out, "history: %v\n", err)
		return 1
	}
	defer store.Close()

	key := fs.Arg(0)
	entries, err := store.Recent(context.Background(), key, *limit)
	if err != nil {
		fmt.Fprintf(out, "history: %v\n", err)
		return 1
	}
	printHistory(out, entries, time.Now())
	return 0
}

func printHistory(out io.Writer, entries []history.Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return
	}
	fmt.Fprintf(out, "%-20s %-10s %-16s %-10s %s\n", "TASK", "STATUS", "STARTED", "RUNTIME", "ERROR")
	for _, e := range entries {
		runtime := "-"
		if !e.End.IsZero() {
			runtime = stats.FormatDuration(e.RunTime)
		}
		fmt.Fprintf(out, "%-20s %-10s %-16s %-10s %s\n",
			e.Key,
			e.Status,
			humanize.RelTime(e.Start, now, "ago", "from now"),
			runtime,
			e.Error,
		)
	}
}
