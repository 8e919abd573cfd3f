// Command evidence-gate runs the project's configured gates in order, records
// each one in the evidence ledger and stops at the first failing gate.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lattice-substrate/proofkit/config"
	"github.com/lattice-substrate/proofkit/evidence"
	"github.com/lattice-substrate/proofkit/evidenceerr"
	"github.com/lattice-substrate/proofkit/runtime/executil"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, executil.OSRunner{}, os.Getenv))
}

//nolint:gocyclo,cyclop // gate orchestration stays explicit and linear.
func run(args []string, stdout, stderr io.Writer, runner executil.CommandRunner, getenv func(string) string) int {
	opts, err := parseArgs(args)
	if err != nil {
		if writeErr := writef(stderr, "error: %v\n", err); writeErr != nil {
			return 1
		}
		if err := writeUsage(stderr); err != nil {
			return 1
		}
		return evidenceerr.CLIUsage.ExitCode()
	}
	if opts.help {
		if err := writeUsage(stdout); err != nil {
			return 1
		}
		return 0
	}

	root := opts.root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fail(stderr, evidenceerr.Wrap(evidenceerr.Configuration, "evidence-gate", "working directory", err))
		}
		if root, err = config.FindRoot(wd); err != nil {
			return fail(stderr, err)
		}
	}
	cfg, err := config.Load(config.LoadOptions{RepoRoot: root, Path: opts.config, Getenv: getenv})
	if err != nil {
		return fail(stderr, err)
	}
	gates := cfg.Gates
	if len(opts.only) > 0 {
		if gates, err = selectGates(cfg.Gates, opts.only); err != nil {
			return fail(stderr, err)
		}
	}
	if len(gates) == 0 {
		return fail(stderr, evidenceerr.New(evidenceerr.Configuration, "evidence-gate", "no gates configured in "+config.FileName))
	}

	rec := evidence.NewRecorder(cfg)
	ctx := context.Background()
	for i, g := range gates {
		if err := writef(stdout, "[%d/%d] %s\n", i+1, len(gates), g.ID); err != nil {
			return 1
		}
		r, _, err := rec.Gate(ctx, runner, evidence.GateRun{
			ID:        g.ID,
			Argv:      g.Command,
			Dir:       g.Dir,
			Artifacts: g.Artifacts,
		})
		if err != nil {
			return fail(stderr, err)
		}
		if r.ExitCode != 0 {
			reason := fmt.Sprintf("exit %d", r.ExitCode)
			if r.TimedOut {
				reason = "timed out"
			}
			if err := writef(stderr, "gate failed: %s: %s\n", g.ID, reason); err != nil {
				return 1
			}
			return evidenceerr.ExecutionFailure.ExitCode()
		}
	}

	if err := writeLine(stdout, "all gates passed; evidence: "+cfg.LedgerPath); err != nil {
		return 1
	}
	return 0
}

type options struct {
	help   bool
	root   string
	config string
	only   []string
}

func parseArgs(args []string) (options, error) {
	var o options
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch a {
		case "--help", "-h":
			o.help = true
			continue
		case "--root", "--config", "--only":
		default:
			return o, fmt.Errorf("unknown argument %q", a)
		}
		if i+1 >= len(args) || strings.HasPrefix(args[i+1], "--") {
			return o, fmt.Errorf("%s requires a value", a)
		}
		i++
		switch a {
		case "--root":
			o.root = args[i]
		case "--config":
			o.config = args[i]
		case "--only":
			o.only = append(o.only, strings.Split(args[i], ",")...)
		}
	}
	return o, nil
}

func selectGates(all []config.Gate, ids []string) ([]config.Gate, error) {
	byID := make(map[string]config.Gate, len(all))
	for _, g := range all {
		byID[g.ID] = g
	}
	out := make([]config.Gate, 0, len(ids))
	for _, id := range ids {
		g, ok := byID[strings.TrimSpace(id)]
		if !ok {
			return nil, evidenceerr.Newf(evidenceerr.Configuration, "evidence-gate", "unknown gate %q", id)
		}
		out = append(out, g)
	}
	return out, nil
}

func fail(stderr io.Writer, err error) int {
	_ = writef(stderr, "error: %v\n", err)
	return evidenceerr.ClassOf(err).ExitCode()
}

func writeUsage(w io.Writer) error {
	if err := writeLine(w, "usage: evidence-gate [--root DIR] [--config FILE] [--only ID[,ID...]] [--help]"); err != nil {
		return err
	}
	if err := writeLine(w, "runs the gates listed in "+config.FileName+" in order, appending one evidence record per gate"); err != nil {
		return err
	}
	return writeLine(w, "stops at the first gate that exits non-zero or times out")
}

func writeLine(w io.Writer, msg string) error {
	return writef(w, "%s\n", msg)
}

func writef(w io.Writer, format string, args ...any) error {
	if _, err := fmt.Fprintf(w, format, args...); err != nil {
		return fmt.Errorf("write stream: %w", err)
	}
	return nil
}
