package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lattice-substrate/proofkit/evidenceerr"
	"github.com/lattice-substrate/proofkit/replay"
)

func newReplayCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Verify determinism of a selection program",
	}
	cmd.AddCommand(newReplayRunCmd(a), newReplayVerifyCmd(a))
	return cmd
}

func newReplayRunCmd(a *app) *cobra.Command {
	var (
		candidatesPath string
		rulesPath      string
		n              int
	)
	cmd := &cobra.Command{
		Use:   "run --candidates FILE --rules FILE [--n N] [-- chooser argv...]",
		Short: "Invoke the chooser N times on frozen inputs",
		Long: `Invoke the chooser N times on frozen inputs and write
environment_fingerprint.json and replay_report.json to the artifacts dir.

The chooser reads {"candidates": [...], "rules": ...} on stdin and prints
the chosen item as JSON. Without an argv, replay.chooser from the config is
used. Exit code 3 means at least one replay disagreed with the first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "candidates", "rules"); err != nil {
				return err
			}
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("n") {
				n = cfg.Replay.N
			}
			argv := args
			if len(argv) == 0 {
				argv = cfg.Replay.Chooser
			}
			if len(argv) == 0 {
				return evidenceerr.New(evidenceerr.Configuration, "replay", "no chooser command given or configured")
			}
			cands := cfg.Anchor(candidatesPath)
			rules := cfg.Anchor(rulesPath)
			in, err := replay.LoadInputs(cands, rules)
			if err != nil {
				return err
			}
			chooser := &replay.CommandChooser{
				Runner:         a.runner,
				Argv:           argv,
				Dir:            cfg.RepoRoot,
				Timeout:        cfg.Timeout(),
				CandidatesPath: cands,
				RulesPath:      rules,
			}
			fp, report, err := replay.Replay(cmd.Context(), in, n, chooser, replay.Options{})
			if err != nil {
				return err
			}
			if _, _, err := replay.WriteArtifacts(cfg.ArtifactsDir, fp, report); err != nil {
				return err
			}
			if err := a.printJSON(report); err != nil {
				return err
			}
			return withReasons(replay.MismatchError(report), mismatchReasons(report))
		},
	}
	cmd.Flags().StringVar(&candidatesPath, "candidates", "", "Candidates JSON array")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "Rules JSON document")
	cmd.Flags().IntVar(&n, "n", 0, "Number of invocations (default: replay.n from config)")
	return cmd
}

func newReplayVerifyCmd(a *app) *cobra.Command {
	var candidatesPath, rulesPath string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-check written replay artifacts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			var in *replay.Inputs
			if candidatesPath != "" || rulesPath != "" {
				if candidatesPath == "" || rulesPath == "" {
					return evidenceerr.New(evidenceerr.CLIUsage, "replay", "--candidates and --rules must be given together")
				}
				if in, err = replay.LoadInputs(cfg.Anchor(candidatesPath), cfg.Anchor(rulesPath)); err != nil {
					return err
				}
			}
			_, report, err := replay.VerifyArtifacts(cfg.ArtifactsDir, in)
			if err != nil && evidenceerr.ClassOf(err) == evidenceerr.DeterminismViolation {
				return withReasons(err, mismatchReasons(report))
			}
			if err != nil {
				return err
			}
			return a.printJSON(report)
		},
	}
	cmd.Flags().StringVar(&candidatesPath, "candidates", "", "Candidates JSON array to check against the fingerprint")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "Rules JSON document to check against the fingerprint")
	return cmd
}

func mismatchReasons(r replay.Report) []string {
	if r.Mismatches == 0 {
		return nil
	}
	return []string{fmt.Sprintf("%d of %d replays chose a different item than the first (expected %s)", r.Mismatches, r.N-1, r.ExpectedChosenHash)}
}
