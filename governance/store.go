package governance

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/lattice-substrate/proofkit/canon"
	"github.com/lattice-substrate/proofkit/evidenceerr"
)

// Save writes the session to path atomically.
func Save(path string, s *Session) error {
	if err := canon.WriteJSON(path, s); err != nil {
		return evidenceerr.Wrap(evidenceerr.InternalIO, "governance", "write session", err)
	}
	return nil
}

// Load reads a session and checks that its history is consistent with its
// state. A missing file is a configuration error.
func Load(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, evidenceerr.Wrap(evidenceerr.Configuration, "governance", "session not found, run cycle init", err)
		}
		return nil, evidenceerr.Wrap(evidenceerr.InternalIO, "governance", "read session", err)
	}
	var s Session
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, evidenceerr.Wrap(evidenceerr.Input, "governance", "decode session", err)
	}
	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the structural invariants of a session.
func Validate(s *Session) error {
	if s.ID == "" {
		return evidenceerr.New(evidenceerr.IntegrityViolation, "governance", "session id is empty")
	}
	if !s.State.Valid() {
		return evidenceerr.Newf(evidenceerr.IntegrityViolation, "governance", "unknown state %q", s.State)
	}
	prev := StateFail
	halted := false
	for i, h := range s.History {
		if h.Step != i+1 {
			return evidenceerr.Newf(evidenceerr.IntegrityViolation, "governance", "history entry %d has step %d", i+1, h.Step)
		}
		if h.From != prev {
			return evidenceerr.Newf(evidenceerr.IntegrityViolation, "governance", "history entry %d starts from %s, previous state was %s", h.Step, h.From, prev)
		}
		if halted && h.State != StateHalt {
			return evidenceerr.Newf(evidenceerr.IntegrityViolation, "governance", "history entry %d leaves HALT", h.Step)
		}
		if !legal(h.From, h.State) {
			return evidenceerr.Newf(evidenceerr.IntegrityViolation, "governance", "history entry %d: illegal transition %s -> %s", h.Step, h.From, h.State)
		}
		halted = halted || h.State == StateHalt
		prev = h.State
	}
	if prev != s.State {
		return evidenceerr.Newf(evidenceerr.IntegrityViolation, "governance", "state %s disagrees with history (%s)", s.State, prev)
	}
	return nil
}

func legal(from, to State) bool {
	switch from {
	case StateFail:
		return to == StateFix
	case StateFix:
		return to == StateProve
	case StateProve:
		return to == StateCheckpoint || to == StateHalt
	case StateCheckpoint:
		return to == StateFail
	case StateHalt:
		return to == StateHalt
	}
	return false
}

// DecodeEvidence parses a step evidence document. Only logs, hash_anchor and
// oracle_pass are accepted.
func DecodeEvidence(r io.Reader) (Evidence, error) {
	var ev Evidence
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		if errors.Is(err, io.EOF) {
			return Evidence{}, nil
		}
		return Evidence{}, evidenceerr.Wrap(evidenceerr.Input, "governance", "decode evidence", err)
	}
	return ev, nil
}
