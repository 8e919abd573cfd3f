package main

import (
	"bytes"
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lattice-substrate/proofkit/canon"
	"github.com/lattice-substrate/proofkit/checksum"
	"github.com/lattice-substrate/proofkit/config"
	"github.com/lattice-substrate/proofkit/evidenceerr"
)

func newChecksumsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checksums",
		Short: "Build, check and export the tree checksum manifest",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "build",
			Short: "Rebuild the manifest in place",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, m, err := a.buildManifest(cmd)
				if err != nil {
					return err
				}
				if err := checksum.Write(cfg.ManifestPath, m); err != nil {
					return err
				}
				_, err = a.stdout.Write([]byte("wrote " + cfg.ManifestPath + "\n"))
				return err
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Compare the tree with the manifest; exit 3 on drift",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, current, err := a.buildManifest(cmd)
				if err != nil {
					return err
				}
				recorded, err := checksum.Load(cfg.ManifestPath)
				if err != nil {
					return err
				}
				d := checksum.Compare(recorded, current)
				if err := a.printJSON(d); err != nil {
					return err
				}
				return withReasons(checksum.DriftError(d), d.Reasons())
			},
		},
		newSumsCmd(a),
		newVerifySumsCmd(a),
	)
	return cmd
}

func (a *app) buildManifest(cmd *cobra.Command) (*config.Config, *checksum.Manifest, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, nil, err
	}
	files, src, err := checksum.TrackedFiles(cmd.Context(), a.runner, cfg.RepoRoot)
	if err != nil {
		return nil, nil, err
	}
	slog.Default().With("component", "checksum").Info("tracked files listed", "source", src, "count", len(files))
	m, err := checksum.Build(cfg.RepoRoot, files, checksum.ExclusionsFor(cfg))
	if err != nil {
		return nil, nil, err
	}
	return cfg, m, nil
}

func newSumsCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "sums",
		Short: "Write the manifest as a sha256sum listing",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			m, err := checksum.Load(cfg.ManifestPath)
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := checksum.WriteSums(&buf, m); err != nil {
				return evidenceerr.Wrap(evidenceerr.InternalError, "checksums", "render sums", err)
			}
			if out == "" {
				_, err = a.stdout.Write(buf.Bytes())
				return err
			}
			if err := canon.WriteAtomic(cfg.Anchor(out), buf.Bytes()); err != nil {
				return evidenceerr.Wrap(evidenceerr.InternalIO, "checksums", "write sums", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Output file relative to the project root (default: stdout)")
	return cmd
}

func newVerifySumsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-sums FILE",
		Short: "Verify a sha256sum listing against the project tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(cfg.Anchor(args[0]))
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return evidenceerr.Wrap(evidenceerr.Configuration, "checksums", "sums file not found", err)
				}
				return evidenceerr.Wrap(evidenceerr.InternalIO, "checksums", "read sums", err)
			}
			d, verr := checksum.VerifySums(cfg.RepoRoot, data)
			if verr != nil && evidenceerr.ClassOf(verr) != evidenceerr.IntegrityViolation {
				return verr
			}
			if err := a.printJSON(d); err != nil {
				return err
			}
			return withReasons(verr, d.Reasons())
		},
	}
}
