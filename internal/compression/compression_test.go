package compression

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("averaged-frame-"), 512)
	for _, alg := range []string{None, Zstd, S2, "ZSTD "} {
		encoded, err := Compress(payload, alg)
		if err != nil {
			t.Fatalf("%s compress: %v", alg, err)
		}
		decoded, err := Decompress(encoded, alg)
		if err != nil {
			t.Fatalf("%s decompress: %v", alg, err)
		}
		if !bytes.Equal(decoded, payload) {
			t.Fatalf("%s round trip mismatch", alg)
		}
	}
}

func TestUnsupported(t *testing.T) {
	if _, err := Compress([]byte{1}, "lzf"); err == nil {
		t.Fatalf("expected error for lzf")
	}
	for _, alg := range []string{"bslz4", "bs-lz4", "lz4"} {
		if _, err := Decompress([]byte{1}, alg); err == nil {
			t.Fatalf("expected error for %s", alg)
		}
	}
}
