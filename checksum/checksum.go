// Package checksum builds the content-addressed map of a source tree and
// compares it against a previously written manifest.
//
// Building the same unchanged tree twice yields byte-identical manifest files:
// paths are NFC-normalized root-relative POSIX strings and the manifest is
// written as canonical JSON. "Sorted" means the RFC 8785 member order, which
// compares UTF-16 code units; it differs from byte order only for paths that
// mix characters above U+FFFF with characters in U+E000..U+FFFF.
//
// A tracked symlink is hashed as its target string, the content git stores
// for it, so retargeting a link is drift.
package checksum

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/lattice-substrate/proofkit/canon"
	"github.com/lattice-substrate/proofkit/config"
	"github.com/lattice-substrate/proofkit/evidenceerr"
)

// Entry is the recorded digest of one file.
type Entry struct {
	SHA256 string `json:"sha256"`
}

// Manifest is the on-disk checksum ledger.
type Manifest struct {
	Checksums map[string]Entry `json:"checksums"`
}

// Paths returns the manifest paths in the order they appear in the manifest
// file.
func (m *Manifest) Paths() []string {
	paths := make([]string, 0, len(m.Checksums))
	for p := range m.Checksums {
		paths = append(paths, p)
	}
	sortPaths(paths)
	return paths
}

func sortPaths(paths []string) {
	sort.Slice(paths, func(i, j int) bool { return lessUTF16(paths[i], paths[j]) })
}

// lessUTF16 orders strings by UTF-16 code units, the RFC 8785 key order.
func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

// Exclusions filter the tracked-file list before hashing.
type Exclusions struct {
	// Dirs match any directory component of a path.
	Dirs []string
	// Prefixes match the start of the root-relative path.
	Prefixes []string
	// Files match a root-relative path exactly.
	Files []string
}

// ExclusionsFor derives the exclusions of cfg. The manifest file itself and
// the evidence ledger are always excluded when they lie under the root.
func ExclusionsFor(cfg *config.Config) Exclusions {
	ex := Exclusions{
		Dirs:     append([]string(nil), cfg.Exclusions.Dirs...),
		Prefixes: append([]string(nil), cfg.Exclusions.Prefixes...),
	}
	for _, p := range []string{cfg.ManifestPath, cfg.LedgerPath} {
		if rel := cfg.Rel(p); rel != "" {
			ex.Files = append(ex.Files, rel)
		}
	}
	return ex
}

// Excluded reports whether rel is filtered out.
func (e Exclusions) Excluded(rel string) bool {
	for _, f := range e.Files {
		if rel == f {
			return true
		}
	}
	for _, p := range e.Prefixes {
		if strings.HasPrefix(rel, p) {
			return true
		}
	}
	if len(e.Dirs) == 0 {
		return false
	}
	parts := strings.Split(rel, "/")
	for _, part := range parts[:len(parts)-1] {
		for _, d := range e.Dirs {
			if part == d {
				return true
			}
		}
	}
	return false
}

// Build hashes every non-excluded file in files. Listed files missing from
// the working tree and directories (submodule gitlinks) are skipped; a
// symlink is hashed as its target.
func Build(root string, files []string, ex Exclusions) (*Manifest, error) {
	logger := slog.Default().With("component", "checksum")
	m := &Manifest{Checksums: make(map[string]Entry, len(files))}

	keys := make([]string, 0, len(files))
	byKey := make(map[string]string, len(files))
	for _, f := range files {
		rel := norm.NFC.String(filepath.ToSlash(filepath.Clean(filepath.FromSlash(f))))
		if rel == "." || strings.HasPrefix(rel, "../") || ex.Excluded(rel) {
			continue
		}
		if _, dup := byKey[rel]; dup {
			continue
		}
		byKey[rel] = f
		keys = append(keys, rel)
	}
	sortPaths(keys)

	for _, rel := range keys {
		abs := filepath.Join(root, filepath.FromSlash(byKey[rel]))
		info, err := os.Lstat(abs)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				logger.Debug("tracked file missing from tree", "path", rel)
				continue
			}
			return nil, evidenceerr.Wrap(evidenceerr.InternalIO, "checksum", "stat "+rel, err)
		}
		var sum string
		switch mode := info.Mode(); {
		case mode.IsDir():
			logger.Debug("tracked directory skipped", "path", rel)
			continue
		case mode&fs.ModeSymlink != 0:
			target, err := os.Readlink(abs)
			if err != nil {
				return nil, evidenceerr.Wrap(evidenceerr.InternalIO, "checksum", "readlink "+rel, err)
			}
			sum = canon.SHA256Hex([]byte(filepath.ToSlash(target)))
		case mode.IsRegular():
			if sum, err = canon.FileSHA256(abs); err != nil {
				return nil, evidenceerr.Wrap(evidenceerr.InternalIO, "checksum", "hash "+rel, err)
			}
		default:
			return nil, evidenceerr.Newf(evidenceerr.InternalIO, "checksum", "%s: unsupported file type %s", rel, mode.Type())
		}
		m.Checksums[rel] = Entry{SHA256: sum}
	}
	return m, nil
}

// Encode returns the manifest file bytes.
func Encode(m *Manifest) ([]byte, error) {
	if m.Checksums == nil {
		m = &Manifest{Checksums: map[string]Entry{}}
	}
	return canon.Indent(m)
}

// Write replaces the manifest at path atomically.
func Write(path string, m *Manifest) error {
	data, err := Encode(m)
	if err != nil {
		return evidenceerr.Wrap(evidenceerr.InternalError, "checksum", "encode manifest", err)
	}
	if err := canon.WriteAtomic(path, data); err != nil {
		return evidenceerr.Wrap(evidenceerr.InternalIO, "checksum", "write manifest", err)
	}
	return nil
}

// Load reads and validates the manifest at path. A missing manifest is a
// configuration error.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, evidenceerr.Wrap(evidenceerr.Configuration, "checksum", "manifest not found", err)
		}
		return nil, evidenceerr.Wrap(evidenceerr.InternalIO, "checksum", "read manifest", err)
	}
	return Decode(data)
}

// Decode parses manifest bytes after schema validation.
func Decode(data []byte) (*Manifest, error) {
	if err := ValidateManifest(data); err != nil {
		return nil, err
	}
	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, evidenceerr.Wrap(evidenceerr.Input, "checksum", "decode manifest", err)
	}
	if m.Checksums == nil {
		m.Checksums = map[string]Entry{}
	}
	return &m, nil
}

const manifestSchemaURL = "https://proofkit.local/schema/manifest.json"

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["checksums"],
  "properties": {
    "checksums": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "required": ["sha256"],
        "properties": {
          "sha256": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// ValidateManifest checks raw manifest bytes against the manifest schema.
func ValidateManifest(data []byte) error {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(manifestSchemaURL)
	})
	if schemaErr != nil {
		return evidenceerr.Wrap(evidenceerr.InternalError, "checksum", "compile manifest schema", schemaErr)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return evidenceerr.Wrap(evidenceerr.Input, "checksum", "manifest is not JSON", err)
	}
	if dec.More() {
		return evidenceerr.New(evidenceerr.Input, "checksum", "manifest contains multiple JSON values")
	}
	if err := schema.Validate(doc); err != nil {
		return evidenceerr.Wrap(evidenceerr.Input, "checksum", "manifest schema", err)
	}
	return nil
}

// Drift is the difference between a recorded and a rebuilt manifest.
type Drift struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// Clean reports whether nothing drifted.
func (d Drift) Clean() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Reasons renders one line per drifted path.
func (d Drift) Reasons() []string {
	var out []string
	for _, p := range d.Added {
		out = append(out, "untracked in manifest: "+p)
	}
	for _, p := range d.Removed {
		out = append(out, "missing from tree: "+p)
	}
	for _, p := range d.Changed {
		out = append(out, "checksum mismatch: "+p)
	}
	return out
}

// Compare reports how current differs from recorded.
func Compare(recorded, current *Manifest) Drift {
	d := Drift{Added: []string{}, Removed: []string{}, Changed: []string{}}
	for _, p := range current.Paths() {
		want, ok := recorded.Checksums[p]
		switch {
		case !ok:
			d.Added = append(d.Added, p)
		case want.SHA256 != current.Checksums[p].SHA256:
			d.Changed = append(d.Changed, p)
		}
	}
	for _, p := range recorded.Paths() {
		if _, ok := current.Checksums[p]; !ok {
			d.Removed = append(d.Removed, p)
		}
	}
	return d
}

// DriftError wraps a non-clean drift as an integrity violation.
func DriftError(d Drift) error {
	if d.Clean() {
		return nil
	}
	return evidenceerr.New(evidenceerr.IntegrityViolation, "checksum",
		fmt.Sprintf("manifest drift: %d added, %d removed, %d changed", len(d.Added), len(d.Removed), len(d.Changed)))
}
