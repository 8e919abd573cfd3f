package evidence

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lattice-substrate/proofkit/canon"
	"github.com/lattice-substrate/proofkit/config"
	"github.com/lattice-substrate/proofkit/evidenceerr"
	"github.com/lattice-substrate/proofkit/runtime/executil"
)

type fakeRunner struct {
	calls  []executil.Command
	result executil.Result
	err    error
}

func (f *fakeRunner) Run(_ context.Context, cmd executil.Command) (executil.Result, error) {
	f.calls = append(f.calls, cmd)
	return f.result, f.err
}

func newRecorder(t *testing.T, root string) *Recorder {
	t.Helper()
	cfg, err := config.Load(config.LoadOptions{RepoRoot: root})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return NewRecorder(cfg)
}

func mustWrite(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func sampleResult() executil.Result {
	start := time.Date(2026, 3, 1, 12, 0, 0, 250_000_000, time.UTC)
	return executil.Result{
		ExitCode:  0,
		Stdout:    []byte("ok\n"),
		Stderr:    nil,
		StartedAt: start,
		EndedAt:   start.Add(1500 * time.Millisecond),
	}
}

func TestRecordFields(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "reports", "lint.json"), []byte(`{"ok":true}`))
	r := newRecorder(t, root)

	rec, err := r.Record("lint", []string{"ruff", "check"}, "", sampleResult(), []string{"reports/lint.json", "reports/missing.json"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.SchemaVersion != SchemaVersion || rec.GateID != "lint" {
		t.Fatalf("unexpected header: %+v", rec)
	}
	if rec.WorkingDirectory != root {
		t.Fatalf("working_directory = %q, want %q", rec.WorkingDirectory, root)
	}
	if rec.StartTime != "2026-03-01T12:00:00Z" || rec.EndTime != "2026-03-01T12:00:01Z" {
		t.Fatalf("times not second precision UTC: %s %s", rec.StartTime, rec.EndTime)
	}
	if rec.DurationSeconds != 1.5 {
		t.Fatalf("duration = %v", rec.DurationSeconds)
	}
	if rec.StdoutTailHash != canon.SHA256Hex([]byte("ok")) {
		t.Fatalf("stdout tail hash mismatch")
	}
	if rec.StderrTailHash != canon.SHA256Hex(nil) {
		t.Fatalf("empty stderr must hash to sha256 of empty input")
	}
	if len(rec.Artifacts) != 2 {
		t.Fatalf("artifacts = %d", len(rec.Artifacts))
	}
	if got := rec.Artifacts[0]; !got.Existed || got.Path != "reports/lint.json" || got.SHA256 != canon.SHA256Hex([]byte(`{"ok":true}`)) {
		t.Fatalf("existing artifact: %+v", got)
	}
	if got := rec.Artifacts[1]; got.Existed || got.SHA256 != "" {
		t.Fatalf("missing artifact: %+v", got)
	}
}

func TestRecordRejectsMissingInputs(t *testing.T) {
	r := newRecorder(t, t.TempDir())
	if _, err := r.Record("", []string{"true"}, "", sampleResult(), nil); evidenceerr.ClassOf(err) != evidenceerr.Input {
		t.Fatalf("expected input error, got %v", err)
	}
	if _, err := r.Record("x", nil, "", sampleResult(), nil); evidenceerr.ClassOf(err) != evidenceerr.Input {
		t.Fatalf("expected input error, got %v", err)
	}
	rel := &Recorder{Root: "relative", LedgerPath: "/tmp/x"}
	if _, err := rel.Record("x", []string{"true"}, "", sampleResult(), nil); evidenceerr.ClassOf(err) != evidenceerr.Configuration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestTailHashKeepsLastLines(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("line\n")
	}
	b.WriteString("last\n")
	full := []byte(b.String())

	want := canon.SHA256Hex([]byte("line\nline\nlast"))
	if got := TailHash(full, 3); got != want {
		t.Fatalf("tail hash = %s, want %s", got, want)
	}
	if TailHash([]byte("a\nb"), 40) != TailHash([]byte("a\nb\n"), 40) {
		t.Fatalf("trailing newline must not change the tail hash")
	}
}

func TestAppendFromDifferentWorkingDirectories(t *testing.T) {
	root := t.TempDir()
	cwdA := t.TempDir()
	cwdB := t.TempDir()

	for i, cwd := range []string{cwdA, cwdB} {
		chdir(t, cwd)
		r := newRecorder(t, root)
		rec, err := r.Record("unit", []string{"go", "test"}, cwd, sampleResult(), nil)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if err := r.Append(rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	ledgerPath := filepath.Join(root, filepath.FromSlash(config.DefaultLedgerPath))
	l, err := ReadLedger(ledgerPath)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if len(l.Entries) != 2 || len(l.Issues) != 0 || l.DanglingTail {
		t.Fatalf("unexpected ledger: entries=%d issues=%v dangling=%v", len(l.Entries), l.Issues, l.DanglingTail)
	}
	if l.Entries[0].Record.WorkingDirectory != cwdA || l.Entries[1].Record.WorkingDirectory != cwdB {
		t.Fatalf("records out of order: %+v", l.Entries)
	}
	for _, cwd := range []string{cwdA, cwdB} {
		stray := filepath.Join(cwd, filepath.FromSlash(config.DefaultLedgerPath))
		if _, err := os.Stat(stray); !os.IsNotExist(err) {
			t.Fatalf("stray ledger created under %s", cwd)
		}
	}
}

func TestAppendNeverRewritesEarlierLines(t *testing.T) {
	root := t.TempDir()
	r := newRecorder(t, root)
	rec, err := r.Record("a", []string{"true"}, "", sampleResult(), nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := r.Append(rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	first, err := os.ReadFile(r.LedgerPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	rec.GateID = "b"
	if err := r.Append(rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := os.ReadFile(r.LedgerPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(string(second), string(first)) {
		t.Fatalf("existing ledger content changed")
	}
	if strings.Count(string(second), "\n") != 2 {
		t.Fatalf("expected two LF-terminated lines, got %q", second)
	}
}

func TestReadLedgerToleratesTruncatedTail(t *testing.T) {
	root := t.TempDir()
	r := newRecorder(t, root)
	rec, err := r.Record("a", []string{"true"}, "", sampleResult(), nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := r.Append(rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	f, err := os.OpenFile(r.LedgerPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"schema_version":"1.0.0","gate_id":"b","comm`); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()

	l, err := ReadLedger(r.LedgerPath)
	if err != nil {
		t.Fatalf("truncated tail must not be fatal: %v", err)
	}
	if !l.DanglingTail || len(l.Entries) != 1 || len(l.Issues) != 0 {
		t.Fatalf("unexpected ledger: %+v", l)
	}
}

func TestReadLedgerReportsMalformedMiddleLine(t *testing.T) {
	root := t.TempDir()
	r := newRecorder(t, root)
	rec, err := r.Record("a", []string{"true"}, "", sampleResult(), nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := r.Append(rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	f, err := os.OpenFile(r.LedgerPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString("not json\n")
	_ = f.Close()
	if err := r.Append(rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	l, err := ReadLedger(r.LedgerPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(l.Entries) != 2 || len(l.Issues) != 1 || l.Issues[0].Line != 2 {
		t.Fatalf("unexpected ledger: entries=%d issues=%+v", len(l.Entries), l.Issues)
	}
}

func TestReadLedgerMissingFileIsEmpty(t *testing.T) {
	l, err := ReadLedger(filepath.Join(t.TempDir(), "none.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(l.Entries) != 0 {
		t.Fatalf("expected empty ledger")
	}
}

func TestParseLineRejectsBadRecords(t *testing.T) {
	r := newRecorder(t, t.TempDir())
	rec, err := r.Record("a", []string{"true"}, "", sampleResult(), nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	good, err := canon.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := ParseLine(good); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Record)
	}{
		{"major version", func(r *Record) { r.SchemaVersion = "2.0.0" }},
		{"not semver", func(r *Record) { r.SchemaVersion = "one" }},
		{"bad hash", func(r *Record) { r.StdoutTailHash = "abc" }},
		{"empty command", func(r *Record) { r.Command = []string{} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bad := rec
			tc.mutate(&bad)
			line, err := canon.Marshal(bad)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if _, err := ParseLine(line); evidenceerr.ClassOf(err) != evidenceerr.IntegrityViolation {
				t.Fatalf("expected integrity violation, got %v", err)
			}
		})
	}

	trimmed := bytes.TrimSuffix(good, []byte("}"))
	noArtifacts := bytes.Replace(good, []byte(`{"artifacts":[],`), []byte(`{`), 1)
	for name, line := range map[string][]byte{
		"duplicate member": bytes.Join([][]byte{trimmed, []byte(`,"gate_id":"b"}`)}, nil),
		"reordered":        bytes.Join([][]byte{bytes.TrimSuffix(noArtifacts, []byte("}")), []byte(`,"artifacts":[]}`)}, nil),
		"spaced":           bytes.Replace(good, []byte(`":`), []byte(`": `), 1),
	} {
		if _, err := ParseLine(line); evidenceerr.ClassOf(err) != evidenceerr.IntegrityViolation {
			t.Fatalf("%s: expected integrity violation, got %v", name, err)
		}
	}

	if err := ValidateLine([]byte(`{"gate_id":"x","extra":1}`)); err == nil {
		t.Fatalf("expected schema failure")
	}
}

func TestGateRecordsNonZeroExitAsData(t *testing.T) {
	root := t.TempDir()
	r := newRecorder(t, root)
	res := sampleResult()
	res.ExitCode = 2
	runner := &fakeRunner{result: res}

	rec, got, err := r.Gate(context.Background(), runner, GateRun{ID: "schema", Argv: []string{"check-schema"}, Dir: "sub"})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if rec.ExitCode != 2 || got.ExitCode != 2 {
		t.Fatalf("exit code lost: rec=%d res=%d", rec.ExitCode, got.ExitCode)
	}
	if len(runner.calls) != 1 || runner.calls[0].Dir != filepath.Join(root, "sub") {
		t.Fatalf("unexpected call: %+v", runner.calls)
	}
	if runner.calls[0].Timeout != config.DefaultCommandTimeout {
		t.Fatalf("timeout = %v", runner.calls[0].Timeout)
	}
	l, err := ReadLedger(r.LedgerPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(l.Entries) != 1 || l.Entries[0].Record.GateID != "schema" {
		t.Fatalf("gate not appended: %+v", l.Entries)
	}
}

func TestGateRunnerErrorAppendsNothing(t *testing.T) {
	root := t.TempDir()
	r := newRecorder(t, root)
	runner := &fakeRunner{err: context.Canceled}
	if _, _, err := r.Gate(context.Background(), runner, GateRun{ID: "x", Argv: []string{"true"}}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := os.Stat(r.LedgerPath); !os.IsNotExist(err) {
		t.Fatalf("ledger must not be created on runner error")
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent to testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
