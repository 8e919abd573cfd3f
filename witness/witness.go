// Package witness re-executes a fixed gate set, hashes watched report files
// and commits to both with a signature over their canonical JSON.
//
// A configured key yields an HMAC-SHA512 signature. Without a key the report
// carries a plain SHA-256 digest and declares unsigned_witness=true. The pass
// verdict depends only on the replayed exit codes, never on the signature.
package witness

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-substrate/proofkit/canon"
	"github.com/lattice-substrate/proofkit/config"
	"github.com/lattice-substrate/proofkit/evidence"
	"github.com/lattice-substrate/proofkit/evidenceerr"
	"github.com/lattice-substrate/proofkit/runtime/executil"
)

// Signature algorithm names.
const (
	AlgorithmHMACSHA512 = "hmac-sha512"
	AlgorithmSHA256     = "sha256"
)

// GateReplay is the observed outcome of one re-executed gate.
type GateReplay struct {
	Cmd      []string `json:"cmd"`
	Exit     int      `json:"exit"`
	TailHash string   `json:"tail_hash"`
}

// Report is the witness artifact.
type Report struct {
	WitnessID          string            `json:"witness_id"`
	Hashes             map[string]string `json:"hashes"`
	Replay             []GateReplay      `json:"replay"`
	SignatureAlgorithm string            `json:"signature_algorithm"`
	Signature          string            `json:"signature"`
	UnsignedWitness    bool              `json:"unsigned_witness"`
	Pass               bool              `json:"pass"`
}

// signedPayload is the exact structure the signature commits to.
type signedPayload struct {
	Hashes map[string]string `json:"hashes"`
	Replay []GateReplay      `json:"replay"`
}

// Payload returns the canonical bytes covered by the signature.
func (r *Report) Payload() ([]byte, error) {
	p := signedPayload{Hashes: r.Hashes, Replay: r.Replay}
	if p.Hashes == nil {
		p.Hashes = map[string]string{}
	}
	if p.Replay == nil {
		p.Replay = []GateReplay{}
	}
	b, err := canon.Marshal(p)
	if err != nil {
		return nil, evidenceerr.Wrap(evidenceerr.InternalError, "witness", "canonicalize payload", err)
	}
	return b, nil
}

// Options configure one witness run.
type Options struct {
	// Root anchors watched paths and is the working directory of every gate.
	Root    string
	Watched []string
	Gates   [][]string
	// Key enables HMAC signing when non-empty.
	Key       []byte
	Runner    executil.CommandRunner
	Timeout   time.Duration
	TailLines int
	Logger    *slog.Logger
}

// OptionsFor derives witness options from cfg.
func OptionsFor(cfg *config.Config, runner executil.CommandRunner) Options {
	return Options{
		Root:      cfg.RepoRoot,
		Watched:   cfg.Witness.Watched,
		Gates:     cfg.Witness.Gates,
		Key:       cfg.Witness.Key,
		Runner:    runner,
		Timeout:   cfg.Timeout(),
		TailLines: cfg.TailLines,
	}
}

// Witness re-runs every gate live, hashes the watched files that exist and
// signs the result. Gate failures are reported through Pass, not as errors.
func Witness(ctx context.Context, opts Options) (*Report, error) {
	if !filepath.IsAbs(opts.Root) {
		return nil, evidenceerr.Newf(evidenceerr.Configuration, "witness", "root must be absolute, got %q", opts.Root)
	}
	runner := opts.Runner
	if runner == nil {
		runner = executil.OSRunner{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "witness")
	}
	tail := opts.TailLines
	if tail < 1 {
		tail = config.DefaultTailLines
	}

	report := &Report{
		WitnessID: uuid.NewString(),
		Hashes:    make(map[string]string, len(opts.Watched)),
		Replay:    make([]GateReplay, 0, len(opts.Gates)),
		Pass:      true,
	}
	for _, argv := range opts.Gates {
		if len(argv) == 0 {
			return nil, evidenceerr.New(evidenceerr.Configuration, "witness", "empty gate command")
		}
		res, err := runner.Run(ctx, executil.Command{Argv: argv, Dir: opts.Root, Timeout: opts.Timeout})
		if err != nil {
			return nil, fmt.Errorf("witness gate %q: %w", argv, err)
		}
		out := make([]byte, 0, len(res.Stdout)+len(res.Stderr))
		out = append(out, res.Stdout...)
		out = append(out, res.Stderr...)
		report.Replay = append(report.Replay, GateReplay{
			Cmd:      append([]string(nil), argv...),
			Exit:     res.ExitCode,
			TailHash: evidence.TailHash(out, tail),
		})
		if res.ExitCode != 0 {
			report.Pass = false
		}
		logger.InfoContext(ctx, "witness gate replayed", "argv0", argv[0], "exit_code", res.ExitCode)
	}

	for _, p := range opts.Watched {
		abs := evidence.ResolvePath(opts.Root, p)
		sum, err := canon.FileSHA256(abs)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				logger.DebugContext(ctx, "watched file absent", "path", p)
				continue
			}
			return nil, evidenceerr.Wrap(evidenceerr.InternalIO, "witness", "hash "+p, err)
		}
		report.Hashes[filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))] = sum
	}

	if err := report.Sign(opts.Key); err != nil {
		return nil, err
	}
	return report, nil
}

// Sign fills the signature fields from the current hashes and replay.
func (r *Report) Sign(key []byte) error {
	payload, err := r.Payload()
	if err != nil {
		return err
	}
	r.SignatureAlgorithm, r.Signature, r.UnsignedWitness = sign(payload, key)
	return nil
}

func sign(payload, key []byte) (alg, sig string, unsigned bool) {
	if len(key) == 0 {
		return AlgorithmSHA256, canon.SHA256Hex(payload), true
	}
	mac := hmac.New(sha512.New, key)
	mac.Write(payload)
	return AlgorithmHMACSHA512, hex.EncodeToString(mac.Sum(nil)), false
}

// Verify recomputes the signature of r and checks it against both the
// report field and the detached signature file content. A signed report
// cannot be verified without its key.
func Verify(r *Report, sigFile []byte, key []byte) error {
	if !bytes.Equal(sigFile, []byte(r.Signature)) {
		return evidenceerr.New(evidenceerr.IntegrityViolation, "witness", "signature file differs from report signature")
	}
	payload, err := r.Payload()
	if err != nil {
		return err
	}
	switch r.SignatureAlgorithm {
	case AlgorithmSHA256:
		if !r.UnsignedWitness {
			return evidenceerr.New(evidenceerr.IntegrityViolation, "witness", "sha256 digest not declared as unsigned_witness")
		}
		key = nil
	case AlgorithmHMACSHA512:
		if r.UnsignedWitness {
			return evidenceerr.New(evidenceerr.IntegrityViolation, "witness", "hmac signature declared as unsigned_witness")
		}
		if len(key) == 0 {
			return evidenceerr.New(evidenceerr.Configuration, "witness", "signing key required to verify hmac-sha512 witness")
		}
	default:
		return evidenceerr.Newf(evidenceerr.IntegrityViolation, "witness", "unknown signature_algorithm %q", r.SignatureAlgorithm)
	}
	_, want, _ := sign(payload, key)
	if !hmac.Equal([]byte(want), []byte(r.Signature)) {
		return evidenceerr.New(evidenceerr.IntegrityViolation, "witness", "signature does not match payload")
	}
	pass := true
	for _, g := range r.Replay {
		if g.Exit != 0 {
			pass = false
		}
	}
	if pass != r.Pass {
		return evidenceerr.Newf(evidenceerr.IntegrityViolation, "witness", "pass=%t disagrees with replayed exit codes", r.Pass)
	}
	return nil
}
