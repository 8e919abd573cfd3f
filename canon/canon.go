// Package canon produces the byte-stable JSON forms that proofkit hashes and
// signs.
//
// Canonical JSON here is RFC 8785: object keys sorted, no insignificant
// whitespace, ECMAScript number formatting, no HTML escaping. Every hash or
// signature computed over structured data goes through Marshal.
//
// Artifact files are written as the canonical value re-indented with two
// spaces and terminated by exactly one LF, via temp file + rename so readers
// never observe a partially written artifact.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// Marshal returns the canonical JSON encoding of v. No trailing LF.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canon: encode: %w", err)
	}
	out, err := jsoncanonicalizer.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("canon: transform: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileSHA256 hashes the exact bytes of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Envelope appends the single trailing LF required of artifact files.
func Envelope(body []byte) []byte {
	result := make([]byte, len(body)+1)
	copy(result, body)
	result[len(body)] = '\n'
	return result
}

// Indent returns the canonical encoding of v re-indented with two spaces and
// enveloped. Key order is the canonical order.
func Indent(v any) ([]byte, error) {
	body, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return nil, fmt.Errorf("canon: indent: %w", err)
	}
	return Envelope(out.Bytes()), nil
}

// WriteJSON writes v as an indented canonical artifact file at path.
func WriteJSON(path string, v any) error {
	data, err := Indent(v)
	if err != nil {
		return err
	}
	return WriteAtomic(path, data)
}

// WriteAtomic writes data to path via a temp file in the same directory
// followed by rename. The parent directory is created if missing.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("canon: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".proofkit-*.tmp")
	if err != nil {
		return fmt.Errorf("canon: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("canon: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("canon: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("canon: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("canon: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("canon: rename temp to final: %w", err)
	}
	success = true

	syncDir(dir)
	return nil
}

// syncDir fsyncs the directory so the rename survives a crash. Errors are
// ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
