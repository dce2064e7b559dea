package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/agentrun/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

  %[1]s [serve] [-bind ADDR] [-quiet]  Start the task server (default)
  %[1]s submit [-kind K] [-watch] PROMPT Create a task and print its id
  %[1]s watch [-plain] TASK_ID          Follow a task; press y to confirm gated steps
  %[1]s archive [-n N] [-task ID]       List finished tasks from the archive
  %[1]s status [-json]                  Show server health (/healthz)
  %[1]s version                         Print the version

ENVIRONMENT VARIABLES:
  AGENTRUN_HOME           Data directory (default: ~/.agentrun)
  AGENTRUN_BIND_ADDR      Listen address (default: 127.0.0.1:8000)
  AGENTRUN_LOG_LEVEL      debug, info, warn or error
  AGENTRUN_LLM_API_KEY    API key of the configured LLM provider
`, os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	var code int
	switch cmd {
	case "serve":
		code = runServe(ctx, args)
	case "submit":
		code = runSubmitCommand(ctx, args)
	case "watch":
		code = runWatchCommand(ctx, args)
	case "archive":
		code = runArchiveCommand(ctx, args)
	case "status":
		code = runStatusCommand(ctx, args)
	case "version":
		fmt.Println(Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		code = 2
	}
	stop()
	os.Exit(code)
}

// serverURL turns the configured bind address into a base URL for clients.
func serverURL(cfg config.Config) string {
	addr := strings.TrimSpace(cfg.BindAddr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1:" + strings.TrimPrefix(addr, "0.0.0.0:")
	} else if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func fatalStartup(logf func(msg string, args ...any), reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logf != nil {
		logf("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return 1
}
