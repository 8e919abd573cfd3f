package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lattice-substrate/proofkit/canon"
	"github.com/lattice-substrate/proofkit/config"
	"github.com/lattice-substrate/proofkit/evidenceerr"
	"github.com/lattice-substrate/proofkit/runtime/executil"
)

// app is the state shared by every subcommand of one invocation.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	runner executil.CommandRunner
	getenv func(string) string

	rootDir   string
	cfgFile   string
	verbose   bool
	logFormat string

	// started is set once flag parsing succeeded and a command began.
	started bool
	cfg     *config.Config
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "proofkit",
		Short: "Deterministic evidence, replay and attestation for CI gates",
		Long: `proofkit proves to an auditor that gates actually ran and that
selection algorithms are reproducible.

Core Commands:
  gate       Run a command and append its evidence record
  checksums  Build or check the tree checksum manifest
  replay     Verify determinism of a selection program
  cycle      Drive the FAIL, FIX, PROVE, CHECKPOINT loop
  witness    Re-run gates and write a signed witness report
  proof      Re-validate every artifact in the evidence ledger
  canon      Print the canonical JSON form of a document

Exit codes: 0 ok, 1 execution failure, 2 configuration or usage,
3 integrity or determinism violation, 10 internal error.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.started = true
			a.setupLogging()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.rootDir, "root", "", "Project root (default: nearest directory with proofkit.yaml or .git)")
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "Config file (default: <root>/proofkit.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "text", "Log format on stderr (text, json)")

	root.AddCommand(
		newGateCmd(a),
		newChecksumsCmd(a),
		newReplayCmd(a),
		newCycleCmd(a),
		newWitnessCmd(a),
		newProofCmd(a),
		newCanonCmd(a),
	)
	return root
}

func (a *app) setupLogging() {
	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(a.logFormat, "json") {
		h = slog.NewJSONHandler(a.stderr, opts)
	} else {
		h = slog.NewTextHandler(a.stderr, opts)
	}
	slog.SetDefault(slog.New(h).With("service", "proofkit"))
}

// config loads and caches the resolved configuration.
func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	root := a.rootDir
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, evidenceerr.Wrap(evidenceerr.Configuration, "proofkit", "working directory", err)
		}
		if root, err = config.FindRoot(wd); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(config.LoadOptions{RepoRoot: root, Path: a.cfgFile, Getenv: a.getenv})
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

// printJSON writes v to stdout as an indented canonical document.
func (a *app) printJSON(v any) error {
	b, err := canon.Indent(v)
	if err != nil {
		return evidenceerr.Wrap(evidenceerr.InternalError, "proofkit", "encode output", err)
	}
	_, err = a.stdout.Write(b)
	return err
}

// anchored resolves a flag path against the project root unless absolute.
func anchored(cfg *config.Config, p, def string) string {
	if p == "" {
		p = def
	}
	return cfg.Anchor(p)
}

// requireFlags reports unset mandatory flags as a usage error. Cobra's own
// required-flag check runs after the persistent pre-run and would surface as
// an internal error.
func requireFlags(cmd *cobra.Command, names ...string) error {
	var missing []string
	for _, n := range names {
		if !cmd.Flags().Changed(n) {
			missing = append(missing, "--"+n)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return evidenceerr.Newf(evidenceerr.CLIUsage, cmd.Name(), "required flag(s) %s not set", strings.Join(missing, ", "))
}
