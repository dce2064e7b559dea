package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/basket/agentrun/internal/config"
)

type healthReport struct {
	Healthy      bool   `json:"healthy"`
	LiveTasks    int    `json:"live_tasks"`
	HistoryTasks int    `json:"history_tasks"`
	ActiveTasks  int32  `json:"active_tasks"`
	LastError    string `json:"last_error,omitempty"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	raw := fs.Bool("json", false, "print the /healthz body as is")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: agentrun status [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	base := serverURL(cfg)

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %s unreachable: %v\n", base, err)
		return 1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: read body: %v\n", err)
		return 1
	}
	if *raw {
		fmt.Println(string(body))
	} else {
		var report healthReport
		if err := json.Unmarshal(body, &report); err != nil {
			fmt.Fprintf(os.Stderr, "status: %s returned %s: %s\n", base, resp.Status, body)
			return 1
		}
		printHealth(os.Stdout, base, report)
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func printHealth(w io.Writer, base string, r healthReport) {
	state := "healthy"
	if !r.Healthy {
		state = "unhealthy"
	}
	fmt.Fprintf(w, "%s %s\n", base, state)
	fmt.Fprintf(w, "  live tasks:    %d (%d running)\n", r.LiveTasks, r.ActiveTasks)
	fmt.Fprintf(w, "  history tasks: %d\n", r.HistoryTasks)
	if r.LastError != "" {
		fmt.Fprintf(w, "  last error:    %s\n", r.LastError)
	}
}
