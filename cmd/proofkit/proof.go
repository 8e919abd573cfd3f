package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lattice-substrate/proofkit/proof"
)

func newProofCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proof",
		Short: "Offline re-validation of the evidence ledger",
	}
	var out string
	derive := &cobra.Command{
		Use:   "derive",
		Short: "Re-hash every ledger artifact and write the proof bundle",
		Long: `Re-hash every artifact declared in the evidence ledger and compare it
with the hash recorded at evidence time. Exit code 3 means drift or a
corrupt ledger line.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			outPath := anchored(cfg, out, filepath.Join(cfg.ArtifactsDir, proof.DefaultFile))
			b, err := proof.Derive(cfg.LedgerPath, proof.Options{Root: cfg.RepoRoot, SelfPath: outPath})
			if err != nil {
				return err
			}
			if err := proof.Write(outPath, b); err != nil {
				return err
			}
			if err := a.printJSON(map[string]any{
				"status":    b.Status,
				"records":   b.Records,
				"artifacts": len(b.Artifacts),
				"bundle":    outPath,
			}); err != nil {
				return err
			}
			return withReasons(proof.FailureError(b), b.Reasons())
		},
	}
	derive.Flags().StringVar(&out, "out", "", "Bundle path (default: <artifacts_dir>/proof_bundle.json)")
	cmd.AddCommand(derive)
	return cmd
}
