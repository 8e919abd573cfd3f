// Package replay verifies that a selection algorithm is deterministic by
// re-invoking it against frozen inputs and comparing the hash of each chosen
// item with the first.
//
// The environment fingerprint binding a report to its inputs is computed
// before the first invocation. A mismatch is a counted outcome in the
// report, never an error.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lattice-substrate/proofkit/canon"
	"github.com/lattice-substrate/proofkit/evidenceerr"
)

const tracerName = "github.com/lattice-substrate/proofkit/replay"

// Chooser is the selection function under test. It is treated as a black
// box.
type Chooser interface {
	Choose(ctx context.Context, candidates []any, rules any) (any, error)
}

// ChooserFunc adapts a function to Chooser.
type ChooserFunc func(ctx context.Context, candidates []any, rules any) (any, error)

// Choose calls f.
func (f ChooserFunc) Choose(ctx context.Context, candidates []any, rules any) (any, error) {
	return f(ctx, candidates, rules)
}

// RuntimeFacts identify the process that ran a replay session.
type RuntimeFacts struct {
	GoVersion        string `json:"go_version"`
	OS               string `json:"os"`
	Arch             string `json:"arch"`
	PID              int    `json:"pid"`
	WorkingDirectory string `json:"working_directory"`
}

// CurrentFacts describes the running process.
func CurrentFacts() RuntimeFacts {
	wd, err := os.Getwd()
	if err != nil {
		wd = ""
	}
	return RuntimeFacts{
		GoVersion:        runtime.Version(),
		OS:               runtime.GOOS,
		Arch:             runtime.GOARCH,
		PID:              os.Getpid(),
		WorkingDirectory: wd,
	}
}

// Fingerprint binds a replay session to its runtime and inputs.
type Fingerprint struct {
	Runtime         RuntimeFacts      `json:"runtime"`
	Inputs          map[string]string `json:"inputs"`
	FingerprintHash string            `json:"fingerprint_hash,omitempty"`
}

// NewFingerprint builds the fingerprint and seals it with its own hash.
func NewFingerprint(facts RuntimeFacts, in *Inputs) (Fingerprint, error) {
	fp := Fingerprint{Runtime: facts, Inputs: in.Hashes()}
	h, err := fp.ComputeHash()
	if err != nil {
		return Fingerprint{}, err
	}
	fp.FingerprintHash = h
	return fp, nil
}

// ComputeHash returns the SHA-256 of the canonical fingerprint with the
// fingerprint_hash field removed.
func (f Fingerprint) ComputeHash() (string, error) {
	f.FingerprintHash = ""
	h, err := canon.Hash(f)
	if err != nil {
		return "", evidenceerr.Wrap(evidenceerr.InternalError, "replay", "hash fingerprint", err)
	}
	return h, nil
}

// Report is the outcome of one replay session.
type Report struct {
	N                  int    `json:"n"`
	Mismatches         int    `json:"mismatches"`
	ExpectedChosenHash string `json:"expected_chosen_hash"`
	FingerprintHash    string `json:"fingerprint_hash"`
}

// Deterministic reports whether every invocation agreed with the first.
func (r Report) Deterministic() bool { return r.Mismatches == 0 }

// Options tune a replay session.
type Options struct {
	// Facts overrides the runtime facts; nil means CurrentFacts.
	Facts  *RuntimeFacts
	Tracer trace.Tracer
	Logger *slog.Logger
}

// Replay calls chooser n times on in and counts disagreements with the first
// call. n below one is a configuration error. A chooser error aborts the
// session; it is not counted as a mismatch.
func Replay(ctx context.Context, in *Inputs, n int, chooser Chooser, opts Options) (Fingerprint, Report, error) {
	if n < 1 {
		return Fingerprint{}, Report{}, evidenceerr.Newf(evidenceerr.Configuration, "replay", "n must be >= 1, got %d", n)
	}
	if in == nil || in.Len() == 0 {
		return Fingerprint{}, Report{}, evidenceerr.New(evidenceerr.Input, "replay", "candidates must not be empty")
	}
	if chooser == nil {
		return Fingerprint{}, Report{}, evidenceerr.New(evidenceerr.Configuration, "replay", "chooser is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "replay")
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	facts := CurrentFacts()
	if opts.Facts != nil {
		facts = *opts.Facts
	}
	fp, err := NewFingerprint(facts, in)
	if err != nil {
		return Fingerprint{}, Report{}, err
	}

	ctx, span := tracer.Start(ctx, "replay.Replay", trace.WithAttributes(
		attribute.Int("proofkit.replay.n", n),
		attribute.String("proofkit.replay.fingerprint", fp.FingerprintHash),
	))
	defer span.End()

	report := Report{N: n, FingerprintHash: fp.FingerprintHash}
	for i := 1; i <= n; i++ {
		candidates, rules, err := in.thaw()
		if err != nil {
			return fp, Report{}, evidenceerr.Wrap(evidenceerr.InternalError, "replay", "decode frozen inputs", err)
		}
		chosen, err := chooser.Choose(ctx, candidates, rules)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "chooser failed")
			return fp, Report{}, evidenceerr.Wrap(evidenceerr.ExecutionFailure, "replay", fmt.Sprintf("replay %d", i), err)
		}
		h, err := canon.Hash(chosen)
		if err != nil {
			return fp, Report{}, evidenceerr.Wrap(evidenceerr.Input, "replay", fmt.Sprintf("replay %d: chosen item is not JSON", i), err)
		}
		if i == 1 {
			report.ExpectedChosenHash = h
			continue
		}
		if h != report.ExpectedChosenHash {
			report.Mismatches++
			logger.WarnContext(ctx, "replay mismatch", "replay", i, "expected", report.ExpectedChosenHash, "got", h)
		}
	}

	span.SetAttributes(attribute.Int("proofkit.replay.mismatches", report.Mismatches))
	if report.Mismatches > 0 {
		span.SetStatus(codes.Error, "nondeterministic")
	}
	logger.InfoContext(ctx, "replay finished", "n", n, "mismatches", report.Mismatches)
	return fp, report, nil
}

// MismatchError reports a nondeterministic session as a determinism
// violation, or nil.
func MismatchError(r Report) error {
	if r.Mismatches == 0 {
		return nil
	}
	return evidenceerr.Newf(evidenceerr.DeterminismViolation, "replay", "%d of %d replays disagreed with the first", r.Mismatches, r.N-1)
}
