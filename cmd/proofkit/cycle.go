package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lattice-substrate/proofkit/evidenceerr"
	"github.com/lattice-substrate/proofkit/governance"
)

func newCycleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Drive the fail-closed governance loop",
	}
	cmd.AddCommand(newCycleInitCmd(a), newCycleStepCmd(a), newCycleShowCmd(a))
	return cmd
}

func newCycleInitCmd(a *app) *cobra.Command {
	var failOpen, force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Start a new session in FAIL",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.SessionPath); err == nil && !force {
				return evidenceerr.Newf(evidenceerr.Configuration, "cycle", "session already exists at %s (use --force)", cfg.SessionPath)
			}
			s := governance.NewSession(!failOpen)
			if err := governance.Save(cfg.SessionPath, s); err != nil {
				return err
			}
			return a.printJSON(s)
		},
	}
	cmd.Flags().BoolVar(&failOpen, "no-fail-closed", false, "Advance past a failed PROVE under protest instead of halting")
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing session")
	return cmd
}

func newCycleStepCmd(a *app) *cobra.Command {
	var evidencePath string
	cmd := &cobra.Command{
		Use:   "step [--evidence FILE|-]",
		Short: "Advance the session by one transition",
		Long: `Advance the session by one transition.

Evidence is a JSON object with optional logs, hash_anchor and oracle_pass
fields; it is consulted only when leaving PROVE. At PROVE an unreadable or
invalid evidence document counts as no evidence. Any violation exits 3 after
the step has been recorded.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			s, err := governance.Load(cfg.SessionPath)
			if err != nil {
				return err
			}
			var reasons []string
			ev, err := a.readEvidence(cfg.Anchor(evidencePath), evidencePath)
			if err != nil {
				if s.State != governance.StateProve {
					return err
				}
				// Unusable evidence at PROVE is missing evidence.
				reasons = append(reasons, "evidence rejected: "+err.Error())
				ev = governance.Evidence{}
			}
			violations := s.Step(ev)
			if err := governance.Save(cfg.SessionPath, s); err != nil {
				return err
			}
			if err := a.printJSON(map[string]any{"state": s.State, "violations": violations}); err != nil {
				return err
			}
			if len(violations) == 0 {
				return nil
			}
			for _, v := range violations {
				reasons = append(reasons, fmt.Sprintf("%s [%s]: %s", v.Name, v.Severity, v.Rule))
			}
			msg := "step advanced under protest"
			if s.Halted() {
				msg = "session halted"
			}
			return withReasons(evidenceerr.New(evidenceerr.IntegrityViolation, "cycle", msg), reasons)
		},
	}
	cmd.Flags().StringVar(&evidencePath, "evidence", "", "Evidence JSON file, or - for stdin (default: no evidence)")
	return cmd
}

func (a *app) readEvidence(abs, raw string) (governance.Evidence, error) {
	switch raw {
	case "":
		return governance.Evidence{}, nil
	case "-":
		return governance.DecodeEvidence(a.stdin)
	}
	f, err := os.Open(abs)
	if err != nil {
		return governance.Evidence{}, evidenceerr.Wrap(evidenceerr.Configuration, "cycle", "open evidence", err)
	}
	defer f.Close()
	return governance.DecodeEvidence(f)
}

func newCycleShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current session",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			s, err := governance.Load(cfg.SessionPath)
			if err != nil {
				return err
			}
			return a.printJSON(s)
		},
	}
}
