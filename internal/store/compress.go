package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm a chunk payload was stored
// with. The value is persisted as the first byte of every chunk file
// and in the record table, so these are format constants.
type Compression uint8

const (
	// CompressionNone stores chunk bytes as-is. Right choice for
	// already-compressed content (media, archives).
	CompressionNone Compression = 0

	// CompressionLZ4 is LZ4 block compression: modest ratios, very
	// cheap decode.
	CompressionLZ4 Compression = 1

	// CompressionZstd is zstd at the default level: better ratios for
	// text-like content. The default.
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name from config or flags.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q (want none, lz4, or zstd)", name)
	}
}

// codec holds the reusable zstd state. The zstd encoder/decoder are
// safe for concurrent EncodeAll/DecodeAll use; LZ4 block functions are
// stateless.
type codec struct {
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &codec{zstdEnc: enc, zstdDec: dec}, nil
}

// compress encodes data with the preferred algorithm and returns the
// payload plus the tag actually used — incompressible input falls back
// to CompressionNone rather than growing on disk.
func (c *codec) compress(data []byte, comp Compression) ([]byte, Compression, error) {
	switch comp {
	case CompressionNone:
		return data, CompressionNone, nil

	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		dst := make([]byte, bound)
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			// CompressBlock reports incompressible input as length 0.
			return data, CompressionNone, nil
		}
		return dst[:n], CompressionLZ4, nil

	case CompressionZstd:
		out := c.zstdEnc.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return data, CompressionNone, nil
		}
		return out, CompressionZstd, nil

	default:
		return nil, 0, fmt.Errorf("unsupported compression: %d", comp)
	}
}

// decompress inflates a stored payload. size is the recorded
// uncompressed length; the result must match it exactly.
func (c *codec) decompress(payload []byte, comp Compression, size int) ([]byte, error) {
	switch comp {
	case CompressionNone:
		if len(payload) != size {
			return nil, fmt.Errorf("uncompressed payload is %d bytes, want %d", len(payload), size)
		}
		return payload, nil

	case CompressionLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 payload inflated to %d bytes, want %d", n, size)
		}
		return dst, nil

	case CompressionZstd:
		out, err := c.zstdDec.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd payload inflated to %d bytes, want %d", len(out), size)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported compression: %d", comp)
	}
}
