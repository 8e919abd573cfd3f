package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
	"github.com/spf13/cobra"

	"github.com/lattice-substrate/proofkit/canon"
	"github.com/lattice-substrate/proofkit/evidenceerr"
)

func newCanonCmd(a *app) *cobra.Command {
	var hash bool
	cmd := &cobra.Command{
		Use:   "canon FILE|-",
		Short: "Print the canonical JSON form (or its SHA-256) of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(a.stdin)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return evidenceerr.Wrap(evidenceerr.Configuration, "canon", "input not found", err)
				}
				return evidenceerr.Wrap(evidenceerr.InternalIO, "canon", "read input", err)
			}
			if !json.Valid(bytes.TrimSpace(data)) {
				return evidenceerr.New(evidenceerr.Input, "canon", "input is not a single JSON document")
			}
			out, err := jsoncanonicalizer.Transform(data)
			if err != nil {
				return evidenceerr.Wrap(evidenceerr.Input, "canon", "canonicalize", err)
			}
			if hash {
				out = []byte(canon.SHA256Hex(out))
			}
			_, err = a.stdout.Write(canon.Envelope(out))
			return err
		},
	}
	cmd.Flags().BoolVar(&hash, "hash", false, "Print the SHA-256 of the canonical form instead")
	return cmd
}
