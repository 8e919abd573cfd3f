package replay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/lattice-substrate/proofkit/canon"
	"github.com/lattice-substrate/proofkit/evidenceerr"
)

// Inputs are the frozen candidate and rule documents of one replay session.
// They are held as canonical bytes; every replay call decodes a fresh copy so
// a chooser that mutates its arguments cannot influence later calls.
type Inputs struct {
	candidates []byte
	rules      []byte
	count      int
}

// NewInputs freezes candidates and rules.
func NewInputs(candidates []any, rules any) (*Inputs, error) {
	if len(candidates) == 0 {
		return nil, evidenceerr.New(evidenceerr.Input, "replay", "candidates must not be empty")
	}
	c, err := canon.Marshal(candidates)
	if err != nil {
		return nil, evidenceerr.Wrap(evidenceerr.Input, "replay", "canonicalize candidates", err)
	}
	r, err := canon.Marshal(rules)
	if err != nil {
		return nil, evidenceerr.Wrap(evidenceerr.Input, "replay", "canonicalize rules", err)
	}
	return &Inputs{candidates: c, rules: r, count: len(candidates)}, nil
}

// LoadInputs reads a candidates JSON array and a rules JSON document. A
// missing file is a configuration error; malformed content is an input
// error.
func LoadInputs(candidatesPath, rulesPath string) (*Inputs, error) {
	var candidates []any
	if err := loadJSON(candidatesPath, "candidates", &candidates); err != nil {
		return nil, err
	}
	var rules any
	if err := loadJSON(rulesPath, "rules", &rules); err != nil {
		return nil, err
	}
	return NewInputs(candidates, rules)
}

//nolint:gosec // input paths are explicit operator arguments.
func loadJSON(path, name string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return evidenceerr.Wrap(evidenceerr.Configuration, "replay", name+" file not found", err)
		}
		return evidenceerr.Wrap(evidenceerr.InternalIO, "replay", "read "+name, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return evidenceerr.Wrap(evidenceerr.Input, "replay", "decode "+name+" json", err)
	}
	if err := ensureSingleJSONDocument(dec); err != nil {
		return evidenceerr.Wrap(evidenceerr.Input, "replay", "decode "+name+" json", err)
	}
	return nil
}

func ensureSingleJSONDocument(dec *json.Decoder) error {
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("unexpected trailing json content")
		}
		return fmt.Errorf("decode trailing json token: %w", err)
	}
	return nil
}

// Len is the number of candidates.
func (in *Inputs) Len() int { return in.count }

// CandidatesJSON returns the canonical candidates document.
func (in *Inputs) CandidatesJSON() []byte { return append([]byte(nil), in.candidates...) }

// RulesJSON returns the canonical rules document.
func (in *Inputs) RulesJSON() []byte { return append([]byte(nil), in.rules...) }

// Hashes returns the SHA-256 of each canonical input document.
func (in *Inputs) Hashes() map[string]string {
	return map[string]string{
		"candidates": canon.SHA256Hex(in.candidates),
		"rules":      canon.SHA256Hex(in.rules),
	}
}

func (in *Inputs) thaw() ([]any, any, error) {
	var c []any
	if err := json.Unmarshal(in.candidates, &c); err != nil {
		return nil, nil, err
	}
	var r any
	if err := json.Unmarshal(in.rules, &r); err != nil {
		return nil, nil, err
	}
	return c, r, nil
}
