// Package evidence records gate executions into the append-only evidence
// ledger and reads them back.
//
// The ledger is newline-delimited canonical JSON, one Record per line. A
// record is appended with a single write of one LF-terminated line on a
// descriptor opened with O_APPEND, so concurrent writers from different
// processes never interleave inside a line. Nothing here rewrites, reorders or
// deletes an existing line.
package evidence

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lattice-substrate/proofkit/canon"
	"github.com/lattice-substrate/proofkit/config"
	"github.com/lattice-substrate/proofkit/evidenceerr"
	"github.com/lattice-substrate/proofkit/runtime/executil"
)

// SchemaVersion is written into every record.
const SchemaVersion = "1.0.0"

// Record is one gate invocation.
type Record struct {
	SchemaVersion    string     `json:"schema_version"`
	GateID           string     `json:"gate_id"`
	Command          []string   `json:"command"`
	WorkingDirectory string     `json:"working_directory"`
	StartTime        string     `json:"start_time"`
	EndTime          string     `json:"end_time"`
	DurationSeconds  float64    `json:"duration_seconds"`
	ExitCode         int        `json:"exit_code"`
	TimedOut         bool       `json:"timed_out"`
	StdoutTailHash   string     `json:"stdout_tail_hash"`
	StderrTailHash   string     `json:"stderr_tail_hash"`
	Artifacts        []Artifact `json:"artifacts"`
}

// Artifact is an expected output declared by the caller.
type Artifact struct {
	Path    string `json:"path"`
	Existed bool   `json:"existed"`
	SHA256  string `json:"sha256,omitempty"`
}

// Recorder turns command results into ledger records. Its ledger path and
// root are fixed at construction and never depend on the process cwd.
type Recorder struct {
	Root       string
	LedgerPath string
	TailLines  int
	Timeout    time.Duration
	Logger     *slog.Logger
}

// NewRecorder builds a Recorder anchored to the resolved config.
func NewRecorder(cfg *config.Config) *Recorder {
	return &Recorder{
		Root:       cfg.RepoRoot,
		LedgerPath: cfg.LedgerPath,
		TailLines:  cfg.TailLines,
		Timeout:    cfg.Timeout(),
		Logger:     slog.Default().With("component", "evidence"),
	}
}

func (r *Recorder) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default().With("component", "evidence")
	}
	return r.Logger
}

func (r *Recorder) validate() error {
	if !filepath.IsAbs(r.Root) {
		return evidenceerr.Newf(evidenceerr.Configuration, "evidence", "recorder root must be absolute, got %q", r.Root)
	}
	if !filepath.IsAbs(r.LedgerPath) {
		return evidenceerr.Newf(evidenceerr.Configuration, "evidence", "ledger path must be absolute, got %q", r.LedgerPath)
	}
	return nil
}

// Record builds the immutable record for one finished invocation. Declared
// artifacts are resolved against the recorder root and hashed now.
func (r *Recorder) Record(gateID string, argv []string, cwd string, res executil.Result, expected []string) (Record, error) {
	if err := r.validate(); err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(gateID) == "" {
		return Record{}, evidenceerr.New(evidenceerr.Input, "evidence", "gate id is required")
	}
	if len(argv) == 0 {
		return Record{}, evidenceerr.New(evidenceerr.Input, "evidence", "command is required")
	}
	if cwd == "" {
		cwd = r.Root
	}
	if !filepath.IsAbs(cwd) {
		cwd = filepath.Join(r.Root, cwd)
	}

	tail := r.TailLines
	if tail < 1 {
		tail = config.DefaultTailLines
	}
	rec := Record{
		SchemaVersion:    SchemaVersion,
		GateID:           gateID,
		Command:          append([]string(nil), argv...),
		WorkingDirectory: filepath.Clean(cwd),
		StartTime:        formatTime(res.StartedAt),
		EndTime:          formatTime(res.EndedAt),
		DurationSeconds:  roundMillis(res.EndedAt.Sub(res.StartedAt)),
		ExitCode:         res.ExitCode,
		TimedOut:         res.TimedOut,
		StdoutTailHash:   TailHash(res.Stdout, tail),
		StderrTailHash:   TailHash(res.Stderr, tail),
		Artifacts:        make([]Artifact, 0, len(expected)),
	}
	for _, p := range expected {
		a, err := r.describeArtifact(p)
		if err != nil {
			return Record{}, err
		}
		rec.Artifacts = append(rec.Artifacts, a)
	}
	return rec, nil
}

func (r *Recorder) describeArtifact(p string) (Artifact, error) {
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.Root, filepath.FromSlash(p))
	}
	a := Artifact{Path: displayPath(r.Root, abs)}
	sum, err := canon.FileSHA256(abs)
	switch {
	case err == nil:
		a.Existed = true
		a.SHA256 = sum
	case os.IsNotExist(err):
	default:
		return Artifact{}, evidenceerr.Wrap(evidenceerr.InternalIO, "evidence", "hash artifact "+p, err)
	}
	return a, nil
}

// Append writes rec as one line to the recorder's ledger.
func (r *Recorder) Append(rec Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	line, err := canon.Marshal(rec)
	if err != nil {
		return evidenceerr.Wrap(evidenceerr.InternalError, "evidence", "encode record", err)
	}
	if bytes.IndexByte(line, '\n') >= 0 {
		return evidenceerr.New(evidenceerr.InternalError, "evidence", "encoded record spans lines")
	}
	if err := appendLine(r.LedgerPath, line); err != nil {
		return err
	}
	r.logger().Info("evidence appended", "gate_id", rec.GateID, "exit_code", rec.ExitCode, "ledger", r.LedgerPath)
	return nil
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return evidenceerr.Wrap(evidenceerr.InternalIO, "evidence", "create ledger dir", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return evidenceerr.Wrap(evidenceerr.InternalIO, "evidence", "open ledger", err)
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return evidenceerr.Wrap(evidenceerr.InternalIO, "evidence", "append ledger line", err)
	}
	if err := f.Close(); err != nil {
		return evidenceerr.Wrap(evidenceerr.InternalIO, "evidence", "close ledger", err)
	}
	return nil
}

// GateRun describes one gate executed under evidence.
type GateRun struct {
	ID        string
	Argv      []string
	Dir       string
	Env       map[string]string
	Timeout   time.Duration
	Artifacts []string
}

// Gate executes g with runner, records the result and appends it. A
// non-zero exit is returned in the record, never as an error.
func (r *Recorder) Gate(ctx context.Context, runner executil.CommandRunner, g GateRun) (Record, executil.Result, error) {
	if err := r.validate(); err != nil {
		return Record{}, executil.Result{}, err
	}
	dir := g.Dir
	if dir == "" {
		dir = r.Root
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(r.Root, filepath.FromSlash(dir))
	}
	timeout := g.Timeout
	if timeout == 0 {
		timeout = r.Timeout
	}
	res, err := runner.Run(ctx, executil.Command{Argv: g.Argv, Dir: dir, Env: g.Env, Timeout: timeout})
	if err != nil {
		return Record{}, res, fmt.Errorf("gate %s: %w", g.ID, err)
	}
	rec, err := r.Record(g.ID, g.Argv, dir, res, g.Artifacts)
	if err != nil {
		return Record{}, res, err
	}
	if err := r.Append(rec); err != nil {
		return rec, res, err
	}
	return rec, res, nil
}

// TailHash hashes at most the last n lines of out. The raw text never
// leaves this function.
func TailHash(out []byte, n int) string {
	text := strings.TrimSuffix(string(out), "\n")
	if text == "" {
		return canon.SHA256Hex(nil)
	}
	lines := strings.Split(text, "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return canon.SHA256Hex([]byte(strings.Join(lines, "\n")))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func roundMillis(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return math.Round(d.Seconds()*1000) / 1000
}

// displayPath renders abs as a root-relative POSIX path when it lies under
// root, otherwise as the absolute path.
func displayPath(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Clean(abs)
	}
	return filepath.ToSlash(rel)
}

// ResolvePath is the inverse of the path rendering used for artifacts.
func ResolvePath(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, filepath.FromSlash(p))
}
