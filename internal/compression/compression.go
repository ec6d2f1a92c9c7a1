// Package compression implements the chunk codecs used by stack files.
package compression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

const (
	None = "none"
	Zstd = "zstd"
	S2   = "s2"
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Compress encodes data with the named algorithm.
func Compress(data []byte, algorithm string) ([]byte, error) {
	switch normalize(algorithm) {
	case None, "":
		return append([]byte(nil), data...), nil
	case Zstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case S2:
		return s2.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algorithm)
	}
}

// Decompress reverses Compress.
func Decompress(encoded []byte, algorithm string) ([]byte, error) {
	switch normalize(algorithm) {
	case None, "":
		return append([]byte(nil), encoded...), nil
	case Zstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(encoded, nil)
	case S2:
		return s2.Decode(nil, encoded)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algorithm)
	}
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
