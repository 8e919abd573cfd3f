package replay

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

// Artifact file names written under the artifacts directory.
const (
	FingerprintFile = "environment_fingerprint.json"
	ReportFile      = "replay_report.json"
)

// WriteArtifacts writes the fingerprint and the report into dir.
func WriteArtifacts(dir string, fp Fingerprint, r Report) (string, string, error) {
	fpPath := filepath.Join(dir, FingerprintFile)
	reportPath := filepath.Join(dir, ReportFile)
	if err := canon.WriteJSON(fpPath, fp); err != nil {
		return "", "", evidenceerr.Wrap(evidenceerr.InternalIO, "replay", "write fingerprint", err)
	}
	if err := canon.WriteJSON(reportPath, r); err != nil {
		return "", "", evidenceerr.Wrap(evidenceerr.InternalIO, "replay", "write report", err)
	}
	return fpPath, reportPath, nil
}

// LoadArtifacts reads both replay artifacts from dir.
func LoadArtifacts(dir string) (Fingerprint, Report, error) {
	var fp Fingerprint
	if err := loadStrict(filepath.Join(dir, FingerprintFile), &fp); err != nil {
		return Fingerprint{}, Report{}, err
	}
	var r Report
	if err := loadStrict(filepath.Join(dir, ReportFile), &r); err != nil {
		return Fingerprint{}, Report{}, err
	}
	return fp, r, nil
}

func loadStrict(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return evidenceerr.Wrap(evidenceerr.Configuration, "replay", filepath.Base(path)+" not found", err)
		}
		return evidenceerr.Wrap(evidenceerr.InternalIO, "replay", "read "+filepath.Base(path), err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return evidenceerr.Wrap(evidenceerr.Input, "replay", "decode "+filepath.Base(path), err)
	}
	if err := ensureSingleJSONDocument(dec); err != nil {
		return evidenceerr.Wrap(evidenceerr.Input, "replay", "decode "+filepath.Base(path), err)
	}
	return nil
}

// VerifyArtifacts re-checks written replay artifacts. The fingerprint must
// hash to its embedded fingerprint_hash, the report must reference it, and
// when in is non-nil its input hashes must match. A sound pair with
// mismatches > 0 is a determinism violation.
func VerifyArtifacts(dir string, in *Inputs) (Fingerprint, Report, error) {
	fp, r, err := LoadArtifacts(dir)
	if err != nil {
		return fp, r, err
	}
	got, err := fp.ComputeHash()
	if err != nil {
		return fp, r, err
	}
	if got != fp.FingerprintHash {
		return fp, r, evidenceerr.Newf(evidenceerr.IntegrityViolation, "replay", "fingerprint_hash mismatch: recorded %s, computed %s", fp.FingerprintHash, got)
	}
	if r.FingerprintHash != fp.FingerprintHash {
		return fp, r, evidenceerr.New(evidenceerr.IntegrityViolation, "replay", "report is not bound to the fingerprint")
	}
	if r.N < 1 || r.Mismatches < 0 || r.Mismatches > r.N {
		return fp, r, evidenceerr.Newf(evidenceerr.IntegrityViolation, "replay", "implausible report n=%d mismatches=%d", r.N, r.Mismatches)
	}
	if in != nil {
		for name, sum := range in.Hashes() {
			if fp.Inputs[name] != sum {
				return fp, r, evidenceerr.Newf(evidenceerr.IntegrityViolation, "replay", "%s input hash differs from fingerprint", name)
			}
		}
	}
	return fp, r, MismatchError(r)
}
