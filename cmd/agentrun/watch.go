package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/agentrun/internal/config"
	"github.com/basket/agentrun/internal/tui"
)

func newClient(server string) (*tui.Client, error) {
	if server != "" {
		return &tui.Client{BaseURL: strings.TrimRight(server, "/"), HTTP: http.DefaultClient}, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	return &tui.Client{BaseURL: serverURL(cfg), HTTP: http.DefaultClient}, nil
}

func runSubmitCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	kind := fs.String("kind", "", "task kind (diag or rag)")
	server := fs.String("server", "", "server base URL")
	watch := fs.Bool("watch", false, "follow the task after creating it")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "usage: agentrun submit [-kind K] [-watch] PROMPT")
		return 2
	}
	client, err := newClient(*server)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	id, err := client.Submit(ctx, prompt, *kind)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(id)
	if *watch {
		return watchTask(ctx, client, id, false)
	}
	return 0
}

func runWatchCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	server := fs.String("server", "", "server base URL")
	plain := fs.Bool("plain", false, "print frames as lines even on a terminal")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: agentrun watch [-plain] TASK_ID")
		return 2
	}
	client, err := newClient(*server)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return watchTask(ctx, client, fs.Arg(0), *plain)
}

func watchTask(ctx context.Context, client *tui.Client, taskID string, plain bool) int {
	interactive := !plain && isatty.IsTerminal(os.Stdout.Fd()) && isatty.IsTerminal(os.Stdin.Fd())
	if interactive {
		if err := tui.Run(ctx, tui.WatchConfig{Client: client, TaskID: taskID}); err != nil {
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
			return 1
		}
		return 0
	}

	p := &framePrinter{out: os.Stdout}
	err := client.Stream(ctx, taskID, p.print)
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	if p.failed {
		return 1
	}
	return 0
}

// framePrinter renders stream frames as log-style lines for pipes.
type framePrinter struct {
	out    io.Writer
	failed bool
}

func (p *framePrinter) print(f tui.Frame) error {
	switch f.Event {
	case "status":
		var st struct {
			Status  string `json:"status"`
			MaxStep int    `json:"max_step"`
			Steps   []struct {
				Step                 int  `json:"step"`
				ConfirmationRequired bool `json:"confirmation_required"`
			} `json:"steps"`
		}
		if err := json.Unmarshal(f.Data, &st); err != nil {
			return fmt.Errorf("decode status frame: %w", err)
		}
		fmt.Fprintf(p.out, "status  %s (%d/%d)\n", st.Status, len(st.Steps), st.MaxStep)
		if n := len(st.Steps); n > 0 && st.Steps[n-1].ConfirmationRequired {
			fmt.Fprintf(p.out, "confirm step %d awaits confirmation\n", st.Steps[n-1].Step)
		}
	case "error":
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(f.Data, &e)
		fmt.Fprintf(p.out, "error   %s\n", e.Message)
		p.failed = true
	case "complete":
		fmt.Fprintln(p.out, "complete")
	default:
		var s struct {
			Step   int    `json:"step"`
			Result string `json:"result"`
		}
		if err := json.Unmarshal(f.Data, &s); err != nil {
			return fmt.Errorf("decode %s frame: %w", f.Event, err)
		}
		fmt.Fprintf(p.out, "%-7s %d: %s\n", f.Event, s.Step, s.Result)
	}
	return nil
}
