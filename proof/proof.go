// Package proof re-validates the evidence ledger offline by re-hashing every
// declared artifact and comparing it with the hash recorded at evidence time.
package proof

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lattice-substrate/proofkit/canon"
	"github.com/lattice-substrate/proofkit/evidence"
	"github.com/lattice-substrate/proofkit/evidenceerr"
)

// Bundle status values.
const (
	StatusPass = "pass"
	StatusFail = "fail"
)

// DefaultFile is the proof bundle name under the artifacts directory.
const DefaultFile = "proof_bundle.json"

// ArtifactCheck is the re-validation of one declared artifact.
type ArtifactCheck struct {
	Line           int    `json:"line"`
	GateID         string `json:"gate_id"`
	Path           string `json:"path"`
	ExpectedSHA256 string `json:"expected_sha256,omitempty"`
	ActualSHA256   string `json:"actual_sha256,omitempty"`
	Valid          bool   `json:"valid"`
	Reason         string `json:"reason"`
}

// Bundle is the proof derivation result.
type Bundle struct {
	Status       string           `json:"status"`
	Ledger       string           `json:"ledger"`
	Records      int              `json:"records"`
	Artifacts    []ArtifactCheck  `json:"artifacts"`
	LedgerIssues []evidence.Issue `json:"ledger_issues"`
	DanglingTail bool             `json:"dangling_tail"`
}

// Reasons lists one line per failed check.
func (b *Bundle) Reasons() []string {
	var out []string
	for _, i := range b.LedgerIssues {
		out = append(out, fmt.Sprintf("ledger line %d: %s", i.Line, i.Reason))
	}
	for _, a := range b.Artifacts {
		if !a.Valid {
			out = append(out, fmt.Sprintf("%s (gate %s, line %d): %s", a.Path, a.GateID, a.Line, a.Reason))
		}
	}
	return out
}

// Options tune Derive.
type Options struct {
	// Root resolves relative artifact paths.
	Root string
	// SelfPath is the bundle's own output file; it is always valid.
	SelfPath string
	Logger   *slog.Logger
}

// Check reasons.
const (
	reasonMatch    = "hash matches"
	reasonNoClaim  = "no recorded hash"
	reasonSelf     = "proof bundle output"
	reasonMissing  = "declared artifact missing"
	reasonMismatch = "hash mismatch"
)

// Derive reads the ledger at ledgerPath and re-hashes every artifact it
// declares. A missing ledger is a configuration error. A truncated final line
// is reported and ignored; malformed complete lines fail the bundle.
func Derive(ledgerPath string, opts Options) (*Bundle, error) {
	if !filepath.IsAbs(opts.Root) {
		return nil, evidenceerr.Newf(evidenceerr.Configuration, "proof", "root must be absolute, got %q", opts.Root)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "proof")
	}
	if _, err := os.Stat(ledgerPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, evidenceerr.Wrap(evidenceerr.Configuration, "proof", "evidence ledger not found", err)
		}
		return nil, evidenceerr.Wrap(evidenceerr.InternalIO, "proof", "stat ledger", err)
	}
	ledger, err := evidence.ReadLedger(ledgerPath)
	if err != nil {
		return nil, err
	}

	self := ""
	if opts.SelfPath != "" {
		self = filepath.Clean(evidence.ResolvePath(opts.Root, opts.SelfPath))
	}

	b := &Bundle{
		Status:       StatusPass,
		Ledger:       ledgerPath,
		Records:      len(ledger.Entries),
		Artifacts:    []ArtifactCheck{},
		LedgerIssues: []evidence.Issue{},
		DanglingTail: ledger.DanglingTail,
	}
	b.LedgerIssues = append(b.LedgerIssues, ledger.Issues...)
	if ledger.DanglingTail {
		logger.Warn("ignoring truncated final ledger line", "ledger", ledgerPath)
	}

	for _, e := range ledger.Entries {
		for _, a := range e.Record.Artifacts {
			c, err := check(opts.Root, self, e, a)
			if err != nil {
				return nil, err
			}
			b.Artifacts = append(b.Artifacts, c)
		}
	}

	if len(b.LedgerIssues) > 0 {
		b.Status = StatusFail
	}
	for _, c := range b.Artifacts {
		if !c.Valid {
			b.Status = StatusFail
		}
	}
	logger.Info("proof derived", "status", b.Status, "records", b.Records, "artifacts", len(b.Artifacts))
	return b, nil
}

func check(root, self string, e evidence.Entry, a evidence.Artifact) (ArtifactCheck, error) {
	c := ArtifactCheck{
		Line:           e.Line,
		GateID:         e.Record.GateID,
		Path:           a.Path,
		ExpectedSHA256: a.SHA256,
	}
	abs := filepath.Clean(evidence.ResolvePath(root, a.Path))
	if self != "" && abs == self {
		c.Valid, c.Reason = true, reasonSelf
		return c, nil
	}
	if a.SHA256 == "" {
		c.Valid, c.Reason = true, reasonNoClaim
		return c, nil
	}
	sum, err := canon.FileSHA256(abs)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		c.Reason = reasonMissing
		return c, nil
	default:
		return ArtifactCheck{}, evidenceerr.Wrap(evidenceerr.InternalIO, "proof", "hash "+a.Path, err)
	}
	c.ActualSHA256 = sum
	if sum != a.SHA256 {
		c.Reason = reasonMismatch
		return c, nil
	}
	c.Valid, c.Reason = true, reasonMatch
	return c, nil
}

// Write stores the bundle at path.
func Write(path string, b *Bundle) error {
	if err := canon.WriteJSON(path, b); err != nil {
		return evidenceerr.Wrap(evidenceerr.InternalIO, "proof", "write bundle", err)
	}
	return nil
}

// FailureError returns an integrity violation for a failed bundle, or nil.
func FailureError(b *Bundle) error {
	if b.Status == StatusPass {
		return nil
	}
	return evidenceerr.Newf(evidenceerr.IntegrityViolation, "proof", "%d check(s) failed", len(b.Reasons()))
}
