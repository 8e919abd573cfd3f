package governance

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-substrate/proofkit/evidenceerr"
)

func ptr[T any](v T) *T { return &v }

func validEvidence() Evidence {
	return Evidence{
		Logs:       map[string]any{"pytest": "12 passed"},
		HashAnchor: ptr("0f3c9a"),
		OraclePass: ptr(true),
	}
}

func fixedClock(s *Session) {
	s.now = func() time.Time { return time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC) }
}

func TestFullLoopReturnsToFail(t *testing.T) {
	s := NewSession(true)
	fixedClock(s)
	require.Equal(t, StateFail, s.State)

	want := []State{StateFix, StateProve, StateCheckpoint, StateFail}
	for i, st := range want {
		ev := Evidence{}
		if i == 2 {
			ev = validEvidence()
		}
		v := s.Step(ev)
		assert.Empty(t, v, "step %d", i+1)
		assert.Equal(t, st, s.State, "step %d", i+1)
	}
	assert.Len(t, s.History, 4)
	assert.Equal(t, 1, s.Loops())
	assert.Equal(t, "2026-05-01T09:30:00Z", s.History[0].At)
	assert.True(t, s.History[2].Evidence.Logs)
	assert.True(t, s.History[2].Evidence.HashAnchor)
}

func TestMissingLogsHaltsAndStaysHalted(t *testing.T) {
	s := NewSession(true)
	s.Step(Evidence{})
	s.Step(Evidence{})

	ev := validEvidence()
	ev.Logs = nil
	v := s.Step(ev)
	require.Equal(t, StateHalt, s.State)
	require.Len(t, v, 1)
	assert.Equal(t, "logs_missing", v[0].Name)
	assert.Equal(t, SeverityHalt, v[0].Severity)

	v = s.Step(validEvidence())
	assert.Equal(t, StateHalt, s.State)
	require.Len(t, v, 1)
	assert.Equal(t, "session_halted", v[0].Name)
	assert.Len(t, s.History, 4, "halted steps are still recorded")
	assert.True(t, s.Halted())
}

func TestProveViolations(t *testing.T) {
	tests := []struct {
		name string
		ev   Evidence
		want []string
	}{
		{"valid", validEvidence(), nil},
		{"oracle unknown is acceptable", Evidence{Logs: map[string]any{}, HashAnchor: ptr("x")}, nil},
		{"empty anchor", Evidence{Logs: map[string]any{}, HashAnchor: ptr("  ")}, []string{"hash_anchor_missing"}},
		{"oracle false", Evidence{Logs: map[string]any{}, HashAnchor: ptr("x"), OraclePass: ptr(false)}, []string{"oracle_failed"}},
		{"nothing", Evidence{}, []string{"logs_missing", "hash_anchor_missing"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var names []string
			for _, v := range proveViolations(tc.ev, true) {
				names = append(names, v.Name)
			}
			assert.Equal(t, tc.want, names)
		})
	}
}

func TestAdvanceUnderProtestWhenNotFailClosed(t *testing.T) {
	s := NewSession(false)
	s.Step(Evidence{})
	s.Step(Evidence{})
	v := s.Step(Evidence{HashAnchor: ptr("abc")})

	assert.Equal(t, StateCheckpoint, s.State)
	require.NotEmpty(t, v)
	assert.Equal(t, SeverityFix, v[0].Severity)
	assert.True(t, s.History[2].Protest)
}

func TestEvidenceOnlyConsultedAtProve(t *testing.T) {
	s := NewSession(true)
	assert.Empty(t, s.Step(Evidence{}))
	assert.Empty(t, s.Step(Evidence{OraclePass: ptr(false)}))
	assert.Equal(t, StateProve, s.State)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	s := NewSession(true)
	s.Step(Evidence{})
	s.Step(Evidence{})
	s.Step(validEvidence())
	require.NoError(t, Save(path, s))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s.ID, loaded.ID)
	assert.Equal(t, StateCheckpoint, loaded.State)
	assert.Len(t, loaded.History, 3)

	loaded.Step(Evidence{})
	assert.Equal(t, StateFail, loaded.State)
}

func TestLoadRejectsTamperedSession(t *testing.T) {
	dir := t.TempDir()
	s := NewSession(true)
	s.Step(Evidence{})
	s.Step(Evidence{})
	s.Step(Evidence{})
	require.Equal(t, StateHalt, s.State)

	path := filepath.Join(dir, "session.json")
	require.NoError(t, Save(path, s))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	escaped := strings.Replace(string(data), `"state": "HALT"`, `"state": "CHECKPOINT"`, 1)
	require.NotEqual(t, string(data), escaped)
	require.NoError(t, os.WriteFile(path, []byte(escaped), 0o600))

	_, err = Load(path)
	require.Error(t, err)
	assert.Equal(t, evidenceerr.IntegrityViolation, evidenceerr.ClassOf(err))

	_, err = Load(filepath.Join(dir, "absent.json"))
	assert.Equal(t, evidenceerr.Configuration, evidenceerr.ClassOf(err))
}

func TestDecodeEvidence(t *testing.T) {
	ev, err := DecodeEvidence(strings.NewReader(`{"logs":{"a":1},"hash_anchor":"h","oracle_pass":false}`))
	require.NoError(t, err)
	assert.NotNil(t, ev.Logs)
	require.NotNil(t, ev.OraclePass)
	assert.False(t, *ev.OraclePass)

	ev, err = DecodeEvidence(strings.NewReader(`{"logs":null}`))
	require.NoError(t, err)
	assert.Nil(t, ev.Logs)

	_, err = DecodeEvidence(strings.NewReader(`{"extra":true}`))
	assert.Equal(t, evidenceerr.Input, evidenceerr.ClassOf(err))
}
