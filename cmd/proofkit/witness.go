package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lattice-substrate/proofkit/evidenceerr"
	"github.com/lattice-substrate/proofkit/witness"
)

func newWitnessCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "witness",
		Short: "Write or verify a witness attestation",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Re-run the witness gates and write witness.json and witness.sig",
			Long: `Re-run every witness gate live, hash the watched files and sign the
canonical {hashes, replay} payload. The key is read from the variable named
by witness.key_env; without it the report is a declared-unsigned digest.
Exit code 1 means at least one gate failed.`,
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := a.config()
				if err != nil {
					return err
				}
				if len(cfg.Witness.Gates) == 0 {
					return evidenceerr.New(evidenceerr.Configuration, "witness", "witness.gates is empty")
				}
				r, err := witness.Witness(cmd.Context(), witness.OptionsFor(cfg, a.runner))
				if err != nil {
					return err
				}
				if _, _, err := witness.WriteArtifacts(cfg.ArtifactsDir, r); err != nil {
					return err
				}
				if err := a.printJSON(r); err != nil {
					return err
				}
				if r.Pass {
					return nil
				}
				var reasons []string
				for _, g := range r.Replay {
					if g.Exit != 0 {
						reasons = append(reasons, fmt.Sprintf("%v exited %d", g.Cmd, g.Exit))
					}
				}
				return withReasons(evidenceerr.New(evidenceerr.ExecutionFailure, "witness", "witness did not pass"), reasons)
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Check witness.json against witness.sig and its payload",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := a.config()
				if err != nil {
					return err
				}
				r, sig, err := witness.LoadArtifacts(cfg.ArtifactsDir)
				if err != nil {
					return err
				}
				if err := witness.Verify(r, sig, cfg.Witness.Key); err != nil {
					return err
				}
				return a.printJSON(map[string]any{
					"signature_algorithm": r.SignatureAlgorithm,
					"unsigned_witness":    r.UnsignedWitness,
					"pass":                r.Pass,
					"verified":            true,
				})
			},
		},
	)
	return cmd
}
