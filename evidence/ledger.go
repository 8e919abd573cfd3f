package evidence

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lattice-substrate/proofkit/canon"
	"github.com/lattice-substrate/proofkit/evidenceerr"
)

// supportedSchema is the range of record schema versions this reader accepts.
const supportedSchema = "^1"

// Entry is one parsed ledger line.
type Entry struct {
	Line   int
	Record Record
}

// Issue is a ledger line that could not be accepted.
type Issue struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// Ledger is the parsed content of an evidence ledger file.
type Ledger struct {
	Path    string
	Entries []Entry
	// Issues lists malformed complete lines. They are integrity findings, not
	// parse errors: every other line is still returned.
	Issues []Issue
	// DanglingTail is set when the final line lacks its terminating LF, the
	// signature of an interrupted append. That line is ignored.
	DanglingTail bool
}

// ReadLedger parses the ledger at path. A missing file yields an empty
// ledger; any other read failure is an error.
func ReadLedger(path string) (*Ledger, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Ledger{Path: path}, nil
		}
		return nil, evidenceerr.Wrap(evidenceerr.InternalIO, "evidence", "open ledger", err)
	}
	defer f.Close()
	l, err := parseLedger(f)
	if err != nil {
		return nil, err
	}
	l.Path = path
	return l, nil
}

func parseLedger(r io.Reader) (*Ledger, error) {
	br := bufio.NewReader(r)
	l := &Ledger{}
	for n := 1; ; n++ {
		raw, err := br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, evidenceerr.Wrap(evidenceerr.InternalIO, "evidence", "read ledger", err)
		}
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(raw)) != 0 {
				l.DanglingTail = true
			}
			return l, nil
		}
		line := bytes.TrimSuffix(raw, []byte("\n"))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rec, perr := ParseLine(line)
		if perr != nil {
			l.Issues = append(l.Issues, Issue{Line: n, Reason: perr.Error()})
			continue
		}
		l.Entries = append(l.Entries, Entry{Line: n, Record: rec})
	}
}

// ParseLine validates one ledger line and decodes it. The line must be the
// exact canonical encoding of the decoded record: encoding/json keeps the
// last of duplicate keys, so a line carrying a second "artifacts" member
// would otherwise decode to a record the writer never produced.
func ParseLine(line []byte) (Record, error) {
	if err := ValidateLine(line); err != nil {
		return Record{}, err
	}
	var rec Record
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return Record{}, evidenceerr.Wrap(evidenceerr.IntegrityViolation, "evidence", "decode record", err)
	}
	if err := checkSchemaVersion(rec.SchemaVersion); err != nil {
		return Record{}, err
	}
	want, err := canon.Marshal(rec)
	if err != nil {
		return Record{}, evidenceerr.Wrap(evidenceerr.InternalError, "evidence", "re-encode record", err)
	}
	if !bytes.Equal(want, line) {
		return Record{}, evidenceerr.New(evidenceerr.IntegrityViolation, "evidence", "line is not the canonical encoding of its record (duplicate, reordered or re-spaced members)")
	}
	return rec, nil
}

func checkSchemaVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return evidenceerr.Wrap(evidenceerr.IntegrityViolation, "evidence", fmt.Sprintf("schema_version %q", v), err)
	}
	c, err := semver.NewConstraint(supportedSchema)
	if err != nil {
		return evidenceerr.Wrap(evidenceerr.InternalError, "evidence", "schema constraint", err)
	}
	if !c.Check(ver) {
		return evidenceerr.Newf(evidenceerr.IntegrityViolation, "evidence", "schema_version %s outside %s", v, supportedSchema)
	}
	return nil
}

const recordSchemaURL = "https://proofkit.local/schema/evidence-record.json"

const recordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": [
    "schema_version", "gate_id", "command", "working_directory",
    "start_time", "end_time", "duration_seconds", "exit_code", "timed_out",
    "stdout_tail_hash", "stderr_tail_hash", "artifacts"
  ],
  "properties": {
    "schema_version": {"type": "string"},
    "gate_id": {"type": "string", "minLength": 1},
    "command": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "working_directory": {"type": "string", "minLength": 1},
    "start_time": {"type": "string"},
    "end_time": {"type": "string"},
    "duration_seconds": {"type": "number", "minimum": 0},
    "exit_code": {"type": "integer"},
    "timed_out": {"type": "boolean"},
    "stdout_tail_hash": {"$ref": "#/$defs/hex64"},
    "stderr_tail_hash": {"$ref": "#/$defs/hex64"},
    "artifacts": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["path", "existed"],
        "properties": {
          "path": {"type": "string", "minLength": 1},
          "existed": {"type": "boolean"},
          "sha256": {"$ref": "#/$defs/hex64"}
        }
      }
    }
  },
  "$defs": {
    "hex64": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func recordValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(recordSchemaURL, strings.NewReader(recordSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile(recordSchemaURL)
	})
	return compiledSchema, schemaErr
}

// ValidateLine checks one raw ledger line against the record schema.
func ValidateLine(line []byte) error {
	s, err := recordValidator()
	if err != nil {
		return evidenceerr.Wrap(evidenceerr.InternalError, "evidence", "compile record schema", err)
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return evidenceerr.Wrap(evidenceerr.IntegrityViolation, "evidence", "invalid JSON", err)
	}
	if dec.More() {
		return evidenceerr.New(evidenceerr.IntegrityViolation, "evidence", "multiple JSON values on one line")
	}
	if err := s.Validate(doc); err != nil {
		return evidenceerr.Wrap(evidenceerr.IntegrityViolation, "evidence", "record schema", err)
	}
	return nil
}
