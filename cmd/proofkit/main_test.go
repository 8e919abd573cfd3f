package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lattice-substrate/proofkit/config"
	"github.com/lattice-substrate/proofkit/evidence"
	"github.com/lattice-substrate/proofkit/governance"
	"github.com/lattice-substrate/proofkit/proof"
	"github.com/lattice-substrate/proofkit/replay"
	"github.com/lattice-substrate/proofkit/runtime/executil"
	"github.com/lattice-substrate/proofkit/witness"
)

// fakeRunner answers git with "not a repository" so the checksum listing
// falls back to a walk, and serves chooser output from choose.
type fakeRunner struct {
	calls  [][]string
	exit   int
	choose func(call int) string
	chosen int
}

func (f *fakeRunner) Run(_ context.Context, cmd executil.Command) (executil.Result, error) {
	f.calls = append(f.calls, append([]string(nil), cmd.Argv...))
	switch {
	case cmd.Argv[0] == "git":
		return executil.Result{ExitCode: 128, Stderr: []byte("fatal: not a git repository\n")}, nil
	case f.choose != nil && len(cmd.Stdin) > 0:
		f.chosen++
		return executil.Result{Stdout: []byte(f.choose(f.chosen))}, nil
	}
	return executil.Result{ExitCode: f.exit, Stdout: []byte("ok\n")}, nil
}

func noEnv(string) string { return "" }

type result struct {
	code   int
	stdout string
	stderr string
}

func invoke(t *testing.T, fr *fakeRunner, stdin string, getenv func(string) string, args ...string) result {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(args, strings.NewReader(stdin), &out, &errOut, fr, getenv)
	return result{code: code, stdout: out.String(), stderr: errOut.String()}
}

func projectRoot(t *testing.T, yml string) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, config.FileName), yml)
	writeFile(t, filepath.Join(root, "src", "main.py"), "print('hi')\n")
	return root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func artifactsDir(root string) string {
	return filepath.Join(root, filepath.FromSlash(config.DefaultArtifactsDir))
}

func TestHelpExitsZero(t *testing.T) {
	r := invoke(t, &fakeRunner{}, "", noEnv, "--help")
	if r.code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%q", r.code, r.stderr)
	}
	if !strings.Contains(r.stdout, "Exit codes") {
		t.Fatalf("help text missing exit code table: %q", r.stdout)
	}
}

func TestUsageErrorsExitTwo(t *testing.T) {
	root := projectRoot(t, "")
	cases := [][]string{
		{"bogus"},
		{"--root", root, "gate", "run", "--no-such-flag"},
		{"--root", root, "gate", "run", "--", "true"},
		{"--root", root, "replay", "run", "--rules", "r.json"},
		{"canon"},
	}
	for _, args := range cases {
		r := invoke(t, &fakeRunner{}, "", noEnv, args...)
		if r.code != 2 {
			t.Fatalf("%v: expected exit 2, got %d stderr=%q", args, r.code, r.stderr)
		}
	}
}

func TestCanonPrintsCanonicalForm(t *testing.T) {
	r := invoke(t, &fakeRunner{}, `{"b": 1.50, "a": [true, null]}`, noEnv, "canon", "-")
	if r.code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%q", r.code, r.stderr)
	}
	if r.stdout != "{\"a\":[true,null],\"b\":1.5}\n" {
		t.Fatalf("unexpected canonical output %q", r.stdout)
	}

	h := invoke(t, &fakeRunner{}, `{"a":[true,null],"b":1.5}`, noEnv, "canon", "--hash", "-")
	if h.code != 0 || len(strings.TrimSpace(h.stdout)) != 64 {
		t.Fatalf("expected a hex digest, got code=%d out=%q", h.code, h.stdout)
	}

	bad := invoke(t, &fakeRunner{}, `{"a":1} {"b":2}`, noEnv, "canon", "-")
	if bad.code != 2 {
		t.Fatalf("expected exit 2 for two documents, got %d", bad.code)
	}
}

func TestGateRunRecordsEvidence(t *testing.T) {
	root := projectRoot(t, `gates:
  - id: tests
    command: ["pytest", "-q"]
    artifacts: ["src/main.py"]
`)
	r := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "gate", "run", "--id", "tests")
	if r.code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%q", r.code, r.stderr)
	}

	failing := invoke(t, &fakeRunner{exit: 4}, "", noEnv, "--root", root, "gate", "run", "--id", "lint", "--", "ruff", "check", ".")
	if failing.code != 1 {
		t.Fatalf("expected exit 1 for a failing gate, got %d", failing.code)
	}
	if !strings.Contains(failing.stderr, "exit code 4") {
		t.Fatalf("expected fail reason on stderr, got %q", failing.stderr)
	}

	l, err := evidence.ReadLedger(filepath.Join(root, filepath.FromSlash(config.DefaultLedgerPath)))
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if len(l.Entries) != 2 {
		t.Fatalf("expected 2 ledger records, got %d", len(l.Entries))
	}
	first := l.Entries[0].Record
	if first.GateID != "tests" || len(first.Artifacts) != 1 || !first.Artifacts[0].Existed {
		t.Fatalf("unexpected first record %+v", first)
	}
	if l.Entries[1].Record.ExitCode != 4 {
		t.Fatalf("expected exit code 4 recorded, got %d", l.Entries[1].Record.ExitCode)
	}

	unknown := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "gate", "run", "--id", "missing")
	if unknown.code != 2 {
		t.Fatalf("expected exit 2 for an unconfigured gate, got %d", unknown.code)
	}
}

func TestChecksumsBuildThenDetectDrift(t *testing.T) {
	root := projectRoot(t, "")
	if r := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "checksums", "build"); r.code != 0 {
		t.Fatalf("build: exit %d stderr=%q", r.code, r.stderr)
	}
	if r := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "checksums", "check"); r.code != 0 {
		t.Fatalf("clean check: exit %d stderr=%q", r.code, r.stderr)
	}

	writeFile(t, filepath.Join(root, "src", "main.py"), "print('bye')\n")
	writeFile(t, filepath.Join(root, "src", "new.py"), "x = 1\n")
	r := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "checksums", "check")
	if r.code != 3 {
		t.Fatalf("expected exit 3 on drift, got %d", r.code)
	}
	for _, want := range []string{"src/main.py", "src/new.py"} {
		if !strings.Contains(r.stderr, want) {
			t.Fatalf("expected %s in drift reasons, got %q", want, r.stderr)
		}
	}
}

func TestChecksumsSumsRoundTrip(t *testing.T) {
	root := projectRoot(t, "")
	if r := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "checksums", "build"); r.code != 0 {
		t.Fatalf("build: exit %d", r.code)
	}
	if r := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "checksums", "sums", "--out", "artifacts/SHA256SUMS"); r.code != 0 {
		t.Fatalf("sums: exit %d stderr=%q", r.code, r.stderr)
	}
	if r := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "checksums", "verify-sums", "artifacts/SHA256SUMS"); r.code != 0 {
		t.Fatalf("verify-sums: exit %d stderr=%q", r.code, r.stderr)
	}
	writeFile(t, filepath.Join(root, "src", "main.py"), "tampered\n")
	if r := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "checksums", "verify-sums", "artifacts/SHA256SUMS"); r.code != 3 {
		t.Fatalf("expected exit 3 after tamper, got %d", r.code)
	}
}

func TestReplayRunAndVerify(t *testing.T) {
	root := projectRoot(t, "replay:\n  n: 4\n")
	writeFile(t, filepath.Join(root, "candidates.json"), `[{"id":1},{"id":2}]`)
	writeFile(t, filepath.Join(root, "rules.json"), `{"prefer":"lowest"}`)

	stable := &fakeRunner{choose: func(int) string { return `{"id":1}` }}
	r := invoke(t, stable, "", noEnv, "--root", root, "replay", "run",
		"--candidates", "candidates.json", "--rules", "rules.json", "--", "chooser")
	if r.code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%q", r.code, r.stderr)
	}
	if stable.chosen != 4 {
		t.Fatalf("expected 4 chooser invocations, got %d", stable.chosen)
	}
	var report replay.Report
	if err := json.Unmarshal([]byte(r.stdout), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.N != 4 || report.Mismatches != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	for _, name := range []string{replay.FingerprintFile, replay.ReportFile} {
		if _, err := os.Stat(filepath.Join(artifactsDir(root), name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	v := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "replay", "verify",
		"--candidates", "candidates.json", "--rules", "rules.json")
	if v.code != 0 {
		t.Fatalf("verify: exit %d stderr=%q", v.code, v.stderr)
	}

	flaky := &fakeRunner{choose: func(call int) string {
		if call%2 == 0 {
			return `{"id":2}`
		}
		return `{"id":1}`
	}}
	m := invoke(t, flaky, "", noEnv, "--root", root, "replay", "run", "--n", "3",
		"--candidates", "candidates.json", "--rules", "rules.json", "--", "chooser")
	if m.code != 3 {
		t.Fatalf("expected exit 3 on mismatch, got %d", m.code)
	}
	if v := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "replay", "verify"); v.code != 3 {
		t.Fatalf("expected verify exit 3 for a nondeterministic report, got %d", v.code)
	}
}

func TestCycleFailClosedHalts(t *testing.T) {
	root := projectRoot(t, "")
	steps := []struct {
		evidence string
		code     int
		state    governance.State
	}{
		{"", 0, governance.StateFix},
		{"", 0, governance.StateProve},
		{`{"logs":{"pytest":"ok"},"hash_anchor":"abc","oracle_pass":true}`, 0, governance.StateCheckpoint},
		{"", 0, governance.StateFail},
		{"", 0, governance.StateFix},
		{"", 0, governance.StateProve},
		{`{"oracle_pass":false}`, 3, governance.StateHalt},
		{"", 3, governance.StateHalt},
	}
	if r := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "cycle", "init"); r.code != 0 {
		t.Fatalf("init: exit %d stderr=%q", r.code, r.stderr)
	}
	if r := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "cycle", "init"); r.code != 2 {
		t.Fatalf("expected exit 2 for a second init, got %d", r.code)
	}
	for i, s := range steps {
		args := []string{"--root", root, "cycle", "step"}
		if s.evidence != "" {
			args = append(args, "--evidence", "-")
		}
		r := invoke(t, &fakeRunner{}, s.evidence, noEnv, args...)
		if r.code != s.code {
			t.Fatalf("step %d: expected exit %d, got %d stderr=%q", i, s.code, r.code, r.stderr)
		}
		var out struct {
			State governance.State `json:"state"`
		}
		if err := json.Unmarshal([]byte(r.stdout), &out); err != nil {
			t.Fatalf("step %d: decode: %v", i, err)
		}
		if out.State != s.state {
			t.Fatalf("step %d: expected %s, got %s", i, s.state, out.State)
		}
	}
	sess, err := governance.Load(filepath.Join(root, filepath.FromSlash(config.DefaultSessionPath)))
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if len(sess.History) != len(steps) {
		t.Fatalf("expected %d history entries, got %d", len(steps), len(sess.History))
	}
}

func TestCycleUnusableEvidenceAtProveHalts(t *testing.T) {
	cases := []struct {
		name  string
		stdin string
		args  []string
	}{
		{"missing file", "", []string{"--evidence", "does-not-exist.json"}},
		{"invalid json", "{not json", []string{"--evidence", "-"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := projectRoot(t, "")
			base := []string{"--root", root, "cycle"}
			if r := invoke(t, &fakeRunner{}, "", noEnv, append(base, "init")...); r.code != 0 {
				t.Fatalf("init: exit %d", r.code)
			}
			if r := invoke(t, &fakeRunner{}, "", noEnv, append(base, "step", "--evidence", "does-not-exist.json")...); r.code != 2 {
				t.Fatalf("unreadable evidence outside PROVE must stay a configuration error, got %d", r.code)
			}
			for i := 0; i < 2; i++ {
				if r := invoke(t, &fakeRunner{}, "", noEnv, append(base, "step")...); r.code != 0 {
					t.Fatalf("step %d: exit %d", i, r.code)
				}
			}
			r := invoke(t, &fakeRunner{}, tc.stdin, noEnv, append(append(base, "step"), tc.args...)...)
			if r.code != 3 {
				t.Fatalf("expected exit 3, got %d stderr=%q", r.code, r.stderr)
			}
			if !strings.Contains(r.stderr, "evidence rejected") {
				t.Fatalf("expected the evidence error among the reasons, got %q", r.stderr)
			}
			sess, err := governance.Load(filepath.Join(root, filepath.FromSlash(config.DefaultSessionPath)))
			if err != nil {
				t.Fatalf("load session: %v", err)
			}
			if sess.State != governance.StateHalt || len(sess.History) != 3 {
				t.Fatalf("expected HALT after 3 recorded steps, got %s with %d", sess.State, len(sess.History))
			}
		})
	}
}

func TestWitnessCreateAndVerify(t *testing.T) {
	root := projectRoot(t, `witness:
  watched: ["src/main.py"]
  gates:
    - ["pytest", "-q"]
    - ["ruff", "check", "."]
`)
	keyed := func(k string) string {
		if k == config.DefaultWitnessKeyEnv {
			return "s3cret"
		}
		return ""
	}
	r := invoke(t, &fakeRunner{}, "", keyed, "--root", root, "witness", "create")
	if r.code != 0 {
		t.Fatalf("create: exit %d stderr=%q", r.code, r.stderr)
	}
	var rep witness.Report
	if err := json.Unmarshal([]byte(r.stdout), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.SignatureAlgorithm != witness.AlgorithmHMACSHA512 || rep.UnsignedWitness || !rep.Pass {
		t.Fatalf("unexpected report %+v", rep)
	}
	if v := invoke(t, &fakeRunner{}, "", keyed, "--root", root, "witness", "verify"); v.code != 0 {
		t.Fatalf("verify: exit %d stderr=%q", v.code, v.stderr)
	}
	if v := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "witness", "verify"); v.code != 2 {
		t.Fatalf("expected exit 2 verifying a signed report without a key, got %d", v.code)
	}
	wrong := func(k string) string {
		if k == config.DefaultWitnessKeyEnv {
			return "other"
		}
		return ""
	}
	if v := invoke(t, &fakeRunner{}, "", wrong, "--root", root, "witness", "verify"); v.code != 3 {
		t.Fatalf("expected exit 3 with the wrong key, got %d", v.code)
	}

	u := invoke(t, &fakeRunner{exit: 1}, "", noEnv, "--root", root, "witness", "create")
	if u.code != 1 {
		t.Fatalf("expected exit 1 for a failing witness gate, got %d", u.code)
	}
	var unsigned witness.Report
	if err := json.Unmarshal([]byte(u.stdout), &unsigned); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if unsigned.SignatureAlgorithm != witness.AlgorithmSHA256 || !unsigned.UnsignedWitness || unsigned.Pass {
		t.Fatalf("unexpected unsigned report %+v", unsigned)
	}
}

func TestProofDeriveDetectsMutation(t *testing.T) {
	root := projectRoot(t, `gates:
  - id: tests
    command: ["pytest", "-q"]
    artifacts: ["src/main.py"]
`)
	if r := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "gate", "run", "--id", "tests"); r.code != 0 {
		t.Fatalf("gate: exit %d stderr=%q", r.code, r.stderr)
	}
	ok := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "proof", "derive")
	if ok.code != 0 {
		t.Fatalf("derive: exit %d stderr=%q", ok.code, ok.stderr)
	}
	if _, err := os.Stat(filepath.Join(artifactsDir(root), proof.DefaultFile)); err != nil {
		t.Fatalf("expected bundle: %v", err)
	}

	writeFile(t, filepath.Join(root, "src", "main.py"), "print('hj')\n")
	bad := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "proof", "derive")
	if bad.code != 3 {
		t.Fatalf("expected exit 3 after mutation, got %d", bad.code)
	}
	if !strings.Contains(bad.stderr, "src/main.py") {
		t.Fatalf("expected mutated path in reasons, got %q", bad.stderr)
	}
}

func TestProofDeriveWithoutLedger(t *testing.T) {
	root := projectRoot(t, "")
	r := invoke(t, &fakeRunner{}, "", noEnv, "--root", root, "proof", "derive")
	if r.code != 2 {
		t.Fatalf("expected exit 2 without a ledger, got %d", r.code)
	}
}
