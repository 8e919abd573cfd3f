package checksum

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

// FuzzParseSums: any accepted listing re-renders to a listing that parses
// back to the same manifest and renders identically.
func FuzzParseSums(f *testing.F) {
	hex := strings.Repeat("ab", 32)
	seeds := []string{
		"",
		hex + "  a.txt\n",
		hex + "  a.txt\n" + hex + "  dir/b c.txt\n",
		hex + "   leading-space\r\n",
		hex + " single-space\n",
		strings.ToUpper(hex) + "  upper\n",
		hex + "  dup\n" + hex + "  dup\n",
	}
	for _, seed := range seeds {
		f.Add([]byte(seed))
	}

	f.Fuzz(func(t *testing.T, in []byte) {
		if len(in) > 1<<12 {
			return
		}
		m, err := ParseSums(in)
		if err != nil {
			return
		}
		var out1 bytes.Buffer
		if err := WriteSums(&out1, m); err != nil {
			t.Fatalf("render parsed listing: %v", err)
		}
		m2, err := ParseSums(out1.Bytes())
		if err != nil {
			t.Fatalf("reparse rendered listing %q: %v", out1.Bytes(), err)
		}
		if !reflect.DeepEqual(m.Checksums, m2.Checksums) {
			t.Fatalf("round trip changed the manifest: %v vs %v", m.Checksums, m2.Checksums)
		}
		var out2 bytes.Buffer
		if err := WriteSums(&out2, m2); err != nil {
			t.Fatalf("re-render: %v", err)
		}
		if !bytes.Equal(out1.Bytes(), out2.Bytes()) {
			t.Fatalf("non-deterministic listing: %q vs %q", out1.Bytes(), out2.Bytes())
		}
	})
}
