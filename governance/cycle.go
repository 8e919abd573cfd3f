// Package governance implements the fail-closed FAIL, FIX, PROVE, CHECKPOINT
// loop. Evidence is consulted only when leaving PROVE; HALT is terminal.
package governance

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is a governance cycle state.
type State string

const (
	StateFail       State = "FAIL"
	StateFix        State = "FIX"
	StateProve      State = "PROVE"
	StateCheckpoint State = "CHECKPOINT"
	StateHalt       State = "HALT"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateFail, StateFix, StateProve, StateCheckpoint, StateHalt:
		return true
	}
	return false
}

// Evidence is what a caller supplies at each step. Only the three known
// fields exist; a nil pointer means the field was not supplied.
type Evidence struct {
	Logs       map[string]any `json:"logs,omitempty"`
	HashAnchor *string        `json:"hash_anchor,omitempty"`
	OraclePass *bool          `json:"oracle_pass,omitempty"`
}

// Presence is the audit snapshot of an Evidence value.
type Presence struct {
	Logs       bool  `json:"logs"`
	HashAnchor bool  `json:"hash_anchor"`
	OraclePass *bool `json:"oracle_pass"`
}

// Snapshot reduces ev to presence flags.
func (ev Evidence) Snapshot() Presence {
	p := Presence{
		Logs:       ev.Logs != nil,
		HashAnchor: ev.HashAnchor != nil && strings.TrimSpace(*ev.HashAnchor) != "",
	}
	if ev.OraclePass != nil {
		v := *ev.OraclePass
		p.OraclePass = &v
	}
	return p
}

// Severity distinguishes a required fix from a hard stop.
type Severity string

const (
	SeverityFix  Severity = "fix"
	SeverityHalt Severity = "halt"
)

// Violation is one broken rule.
type Violation struct {
	Name     string   `json:"name"`
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
}

// HistoryEntry is appended by every Step.
type HistoryEntry struct {
	Step       int         `json:"step"`
	From       State       `json:"from"`
	State      State       `json:"state"`
	Evidence   Presence    `json:"evidence"`
	Violations []Violation `json:"violations"`
	// Protest marks a PROVE that advanced despite violations because the
	// session is not fail-closed. It never means the proof passed.
	Protest bool   `json:"protest"`
	At      string `json:"at"`
}

// Session is one governance loop.
type Session struct {
	ID         string         `json:"id"`
	State      State          `json:"state"`
	FailClosed bool           `json:"fail_closed"`
	History    []HistoryEntry `json:"history"`

	now func() time.Time
}

// NewSession starts a session in FAIL.
func NewSession(failClosed bool) *Session {
	return &Session{
		ID:         uuid.NewString(),
		State:      StateFail,
		FailClosed: failClosed,
		History:    []HistoryEntry{},
	}
}

// Halted reports whether the session reached its terminal state.
func (s *Session) Halted() bool { return s.State == StateHalt }

// Step advances the session by one transition and records it. The returned
// violations are empty when the transition was clean.
func (s *Session) Step(ev Evidence) []Violation {
	from := s.State
	violations := []Violation{}
	protest := false
	next := from

	switch from {
	case StateFail:
		next = StateFix
	case StateFix:
		next = StateProve
	case StateProve:
		violations = proveViolations(ev, s.FailClosed)
		switch {
		case len(violations) == 0:
			next = StateCheckpoint
		case s.FailClosed:
			next = StateHalt
		default:
			next = StateCheckpoint
			protest = true
		}
	case StateCheckpoint:
		next = StateFail
	case StateHalt:
		violations = append(violations, Violation{Name: "session_halted", Rule: "HALT is terminal", Severity: SeverityHalt})
	}

	s.State = next
	s.History = append(s.History, HistoryEntry{
		Step:       len(s.History) + 1,
		From:       from,
		State:      next,
		Evidence:   ev.Snapshot(),
		Violations: violations,
		Protest:    protest,
		At:         s.clock().UTC().Format(time.RFC3339),
	})
	return violations
}

func proveViolations(ev Evidence, failClosed bool) []Violation {
	sev := SeverityFix
	if failClosed {
		sev = SeverityHalt
	}
	p := ev.Snapshot()
	var out []Violation
	if !p.Logs {
		out = append(out, Violation{Name: "logs_missing", Rule: "logs != null", Severity: sev})
	}
	if !p.HashAnchor {
		out = append(out, Violation{Name: "hash_anchor_missing", Rule: "hash_anchor non-empty", Severity: sev})
	}
	if p.OraclePass != nil && !*p.OraclePass {
		out = append(out, Violation{Name: "oracle_failed", Rule: "oracle_pass != false", Severity: sev})
	}
	if out == nil {
		return []Violation{}
	}
	return out
}

func (s *Session) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Loops counts completed CHECKPOINT to FAIL transitions.
func (s *Session) Loops() int {
	n := 0
	for _, h := range s.History {
		if h.From == StateCheckpoint && h.State == StateFail {
			n++
		}
	}
	return n
}
