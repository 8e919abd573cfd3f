package checksum

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/lattice-substrate/proofkit/evidenceerr"
)

// WriteSums renders m in the sha256sum format: "<hex64>  <path>\n" per file,
// sorted by path.
func WriteSums(w io.Writer, m *Manifest) error {
	bw := bufio.NewWriter(w)
	for _, p := range m.Paths() {
		if _, err := fmt.Fprintf(bw, "%s  %s\n", m.Checksums[p].SHA256, p); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ParseSums reads a sha256sum-format listing back into a manifest.
func ParseSums(data []byte) (*Manifest, error) {
	m := &Manifest{Checksums: map[string]Entry{}}
	sc := bufio.NewScanner(bytes.NewReader(data))
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()
		if line == "" {
			continue
		}
		sum, path, ok := strings.Cut(line, "  ")
		if !ok || path == "" {
			return nil, evidenceerr.Newf(evidenceerr.Input, "checksum", "sums line %d: invalid format", n)
		}
		if len(sum) != 64 {
			return nil, evidenceerr.Newf(evidenceerr.Input, "checksum", "sums line %d: invalid digest length %d", n, len(sum))
		}
		if _, err := hex.DecodeString(sum); err != nil || strings.ToLower(sum) != sum {
			return nil, evidenceerr.Newf(evidenceerr.Input, "checksum", "sums line %d: invalid hex digest", n)
		}
		if _, dup := m.Checksums[path]; dup {
			return nil, evidenceerr.Newf(evidenceerr.Input, "checksum", "sums line %d: duplicate path %s", n, path)
		}
		m.Checksums[path] = Entry{SHA256: sum}
	}
	if err := sc.Err(); err != nil {
		return nil, evidenceerr.Wrap(evidenceerr.InternalIO, "checksum", "read sums", err)
	}
	return m, nil
}

// VerifySums checks a sha256sum-format listing against the files under
// root. Every listed file must exist with the listed digest.
func VerifySums(root string, data []byte) (Drift, error) {
	recorded, err := ParseSums(data)
	if err != nil {
		return Drift{}, err
	}
	current, err := Build(root, recorded.Paths(), Exclusions{})
	if err != nil {
		return Drift{}, err
	}
	d := Compare(recorded, current)
	return d, DriftError(d)
}
