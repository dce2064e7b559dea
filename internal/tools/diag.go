package tools

import (
	"context"
	"fmt"
	"strings"
)

// DefaultDiagBinary is the diagnostics CLI the diag tool wraps.
const DefaultDiagBinary = "obdiag"

// diagSubcommands are the first arguments the diag tool accepts.
var diagSubcommands = map[string]struct{}{
	"gather":    {},
	"rca":       {},
	"analyze":   {},
	"check":     {},
	"display":   {},
	"--help":    {},
	"help":      {},
	"--version": {},
}

// Diag runs the database diagnostics CLI. Runs of this tool are gated by a
// human confirmation before they execute.
type Diag struct {
	Bash   *Bash
	Binary string
}

func (d *Diag) Name() string { return "diag" }

func (d *Diag) Description() string {
	return "Run the obdiag diagnostics CLI to gather logs or run root cause analysis. Input is the argument list, e.g. `gather scene run --scene=observer.base` or `rca run --scene=ddl_failure`."
}

// Execute runs "<binary> <args>" after checking the subcommand.
func (d *Diag) Execute(ctx context.Context, args string) (string, error) {
	args = strings.TrimSpace(args)
	bin := d.Binary
	if bin == "" {
		bin = DefaultDiagBinary
	}
	args = strings.TrimSpace(strings.TrimPrefix(args, bin))
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return "", fmt.Errorf("%s: missing subcommand", bin)
	}
	if _, ok := diagSubcommands[fields[0]]; !ok {
		return "", fmt.Errorf("%s: unsupported subcommand %q", bin, fields[0])
	}
	return d.Bash.Execute(ctx, bin+" "+args)
}
