package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lattice-substrate/proofkit/config"
	"github.com/lattice-substrate/proofkit/evidence"
	"github.com/lattice-substrate/proofkit/evidenceerr"
)

func newGateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Run gate commands under evidence",
	}
	cmd.AddCommand(newGateRunCmd(a), newGateLogCmd(a))
	return cmd
}

func newGateRunCmd(a *app) *cobra.Command {
	var (
		id        string
		dir       string
		timeout   time.Duration
		artifacts []string
	)
	cmd := &cobra.Command{
		Use:   "run --id ID [flags] [-- argv...]",
		Short: "Run one command and append its evidence record",
		Long: `Run one command and append its evidence record to the ledger.

The command after -- is executed as an argv list, never through a shell.
Without an argv the gate with the same id in proofkit.yaml is used.
A non-zero exit is recorded and then reported with exit code 1.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "id"); err != nil {
				return err
			}
			cfg, err := a.config()
			if err != nil {
				return err
			}
			run := evidence.GateRun{ID: id, Argv: args, Dir: dir, Timeout: timeout, Artifacts: artifacts}
			if len(run.Argv) == 0 {
				g, ok := findGate(cfg.Gates, id)
				if !ok {
					return evidenceerr.Newf(evidenceerr.Configuration, "gate", "no command given and gate %q is not configured", id)
				}
				run.Argv = g.Command
				if run.Dir == "" {
					run.Dir = g.Dir
				}
				if len(run.Artifacts) == 0 {
					run.Artifacts = g.Artifacts
				}
			}
			rec, _, err := evidence.NewRecorder(cfg).Gate(cmd.Context(), a.runner, run)
			if err != nil {
				return err
			}
			if err := a.printJSON(rec); err != nil {
				return err
			}
			if rec.ExitCode != 0 {
				reason := fmt.Sprintf("exit code %d", rec.ExitCode)
				if rec.TimedOut {
					reason = "timed out"
				}
				return withReasons(evidenceerr.Newf(evidenceerr.ExecutionFailure, "gate", "gate %s failed", id), []string{reason})
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Gate identifier")
	cmd.Flags().StringVar(&dir, "dir", "", "Working directory relative to the project root")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Command timeout (default: command_timeout from config)")
	cmd.Flags().StringArrayVar(&artifacts, "artifact", nil, "Expected output file (repeatable)")
	return cmd
}

func newGateLogCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "Print the parsed evidence ledger",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			l, err := evidence.ReadLedger(cfg.LedgerPath)
			if err != nil {
				return err
			}
			records := make([]evidence.Record, 0, len(l.Entries))
			for _, e := range l.Entries {
				records = append(records, e.Record)
			}
			issues := l.Issues
			if issues == nil {
				issues = []evidence.Issue{}
			}
			return a.printJSON(map[string]any{
				"ledger":        cfg.LedgerPath,
				"records":       records,
				"issues":        issues,
				"dangling_tail": l.DanglingTail,
			})
		},
	}
}

func findGate(gates []config.Gate, id string) (config.Gate, bool) {
	for _, g := range gates {
		if g.ID == id {
			return g, true
		}
	}
	return config.Gate{}, false
}
