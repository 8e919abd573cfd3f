// Command proofkit records gate evidence, fingerprints the source tree,
// verifies replay determinism, drives the governance cycle, writes witness
// attestations and derives offline proofs.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/lattice-substrate/proofkit/evidenceerr"
	"github.com/lattice-substrate/proofkit/runtime/executil"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, executil.OSRunner{}, os.Getenv))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer, runner executil.CommandRunner, getenv func(string) string) int {
	app := &app{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		runner: runner,
		getenv: getenv,
	}
	root := newRootCmd(app)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return 0
	}
	if !app.started {
		err = evidenceerr.Wrap(evidenceerr.CLIUsage, "proofkit", "usage", err)
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	var f *failure
	if errors.As(err, &f) {
		for _, r := range f.reasons {
			fmt.Fprintf(stderr, "  - %s\n", r)
		}
	}
	return evidenceerr.ClassOf(err).ExitCode()
}

// failure carries a fail-reason list alongside the classified error.
type failure struct {
	err     error
	reasons []string
}

func (f *failure) Error() string { return f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func withReasons(err error, reasons []string) error {
	if err == nil {
		return nil
	}
	return &failure{err: err, reasons: reasons}
}
