package witness

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/lattice-substrate/proofkit/canon"
	"github.com/lattice-substrate/proofkit/evidenceerr"
)

// Artifact file names.
const (
	ReportFile    = "witness.json"
	SignatureFile = "witness.sig"
)

// WriteArtifacts writes the report and its detached signature into dir. The
// signature file holds exactly the report's signature string.
func WriteArtifacts(dir string, r *Report) (string, string, error) {
	reportPath := filepath.Join(dir, ReportFile)
	sigPath := filepath.Join(dir, SignatureFile)
	if err := canon.WriteJSON(reportPath, r); err != nil {
		return "", "", evidenceerr.Wrap(evidenceerr.InternalIO, "witness", "write report", err)
	}
	if err := canon.WriteAtomic(sigPath, []byte(r.Signature)); err != nil {
		return "", "", evidenceerr.Wrap(evidenceerr.InternalIO, "witness", "write signature", err)
	}
	return reportPath, sigPath, nil
}

// LoadArtifacts reads the report and raw signature file from dir.
func LoadArtifacts(dir string) (*Report, []byte, error) {
	data, err := readArtifact(filepath.Join(dir, ReportFile))
	if err != nil {
		return nil, nil, err
	}
	var r Report
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return nil, nil, evidenceerr.Wrap(evidenceerr.Input, "witness", "decode report", err)
	}
	sig, err := readArtifact(filepath.Join(dir, SignatureFile))
	if err != nil {
		return nil, nil, err
	}
	return &r, sig, nil
}

func readArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, evidenceerr.Wrap(evidenceerr.Configuration, "witness", filepath.Base(path)+" not found", err)
		}
		return nil, evidenceerr.Wrap(evidenceerr.InternalIO, "witness", "read "+filepath.Base(path), err)
	}
	return data, nil
}
