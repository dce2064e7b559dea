package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/basket/agentrun/internal/config"
	"github.com/basket/agentrun/internal/persistence"
)

func runArchiveCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	limit := fs.Int("n", 20, "number of tasks to list")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	taskID := fs.String("task", "", "show one task with its confirmation history")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	path := cfg.ArchivePath()
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "archive: no database at %s\n", path)
		return 1
	}
	store, err := persistence.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archive: %v\n", err)
		return 1
	}
	defer store.Close()

	if *taskID != "" {
		return showArchivedTask(ctx, store, *taskID)
	}

	recent, err := store.ListRecent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archive: %v\n", err)
		return 1
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(recent); err != nil {
			fmt.Fprintf(os.Stderr, "archive: %v\n", err)
			return 1
		}
		return 0
	}
	printArchive(os.Stdout, recent)
	return 0
}

func printArchive(w io.Writer, recent []persistence.ArchivedTask) {
	if len(recent) == 0 {
		fmt.Fprintln(w, "no archived tasks")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tSTEPS\tFINISHED\tPROMPT")
	for _, a := range recent {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			a.Task.ID, a.Task.Kind, a.Task.Status, len(a.Task.Steps), a.Task.MaxStep,
			a.FinishedAt.Local().Format(time.DateTime), truncate(a.Task.Prompt, 48))
	}
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func showArchivedTask(ctx context.Context, store *persistence.Store, id string) int {
	task, err := store.GetTask(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archive: %v\n", err)
		return 1
	}
	confirmations, err := store.ListConfirmations(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archive: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(struct {
		persistence.ArchivedTask
		Confirmations []persistence.Confirmation `json:"confirmations"`
	}{task, confirmations}); err != nil {
		fmt.Fprintf(os.Stderr, "archive: %v\n", err)
		return 1
	}
	return 0
}
