// Package chunker splits file byte streams into content-defined chunks
// using a GearHash rolling hash. Identical byte content always yields
// the identical boundary sequence regardless of surrounding files or
// runs, which is what makes cross-file and cross-run deduplication
// possible.
package chunker

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"math/bits"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Hash is the 32-byte BLAKE3 digest of a chunk's exact bytes. Chunk
// identity is purely content-based: equal hash means bit-identical
// bytes.
type Hash [32]byte

// Sum computes the content hash of data.
func Sum(data []byte) Hash {
	return blake3.Sum256(data)
}

// String returns the canonical hex form used in the store layout,
// logs, and manifests.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalCBOR implements cbor.Marshaler. Encodes as a CBOR byte string
// containing the raw 32 bytes, 33 bytes on the wire versus 66 for the
// hex text form.
func (h Hash) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(h[:])
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (h *Hash) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid chunk hash CBOR: %w", err)
	}
	if len(raw) != len(h) {
		return fmt.Errorf("chunk hash is %d bytes, want %d", len(raw), len(h))
	}
	copy(h[:], raw)
	return nil
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse chunk hash: %w", err)
	}
	if len(decoded) != len(h) {
		return h, fmt.Errorf("chunk hash is %d bytes, want %d", len(decoded), len(h))
	}
	copy(h[:], decoded)
	return h, nil
}

// gearWindow is the effective window of the GearHash function: each
// input byte influences the next 64 hash values (hash is shifted left
// one bit per byte).
const gearWindow = 64

// Params bounds chunk sizes. Min prevents pathological tiny chunks
// from repetitive input; Max bounds the worst case and therefore
// per-worker memory.
type Params struct {
	Min int
	Max int
}

// DefaultParams matches the advertised defaults: 64 KiB minimum,
// 1 MiB maximum, ~256 KiB expected chunk size.
var DefaultParams = Params{Min: 64 * 1024, Max: 1024 * 1024}

// Validate checks that the parameters are usable.
func (p Params) Validate() error {
	if p.Min < gearWindow+2 {
		return fmt.Errorf("chunker: min chunk size %d below minimum %d", p.Min, gearWindow+2)
	}
	if p.Max < p.Min {
		return fmt.Errorf("chunker: max chunk size %d below min %d", p.Max, p.Min)
	}
	return nil
}

// boundaryMask returns the GearHash boundary condition for these
// parameters. A boundary is declared when (hash & mask) == 0. The mask
// carries one high bit per doubling of the target chunk size, so the
// per-byte boundary probability is ~1/target. The target is 4× Min,
// capped at Max.
func (p Params) boundaryMask() uint64 {
	target := p.Min * 4
	if target > p.Max {
		target = p.Max
	}
	n := bits.Len64(uint64(target)) - 1
	return ^uint64(0) << (64 - n)
}

// Chunk is one content-defined span of the input.
type Chunk struct {
	// Data is valid only until the next call to Next — the chunker
	// reuses its internal buffer.
	Data []byte
	// Hash is the BLAKE3 digest of Data.
	Hash Hash
}

// Chunker produces content-defined chunks from a byte stream. Create
// one per file with New and call Next until io.EOF.
type Chunker struct {
	r      io.Reader
	params Params
	mask   uint64
	skip   int
	buf    []byte
	n      int
	// pending is the length of the previously returned chunk, still
	// occupying the front of buf until the next call slides it out.
	pending int
	eof     bool
}

// New creates a chunker over r. Params must have been validated.
func New(r io.Reader, params Params) *Chunker {
	// The first skip bytes of a chunk cannot contain a boundary: no
	// boundary may occur before Min, and a byte only influences the
	// hash for the following gearWindow positions, so hashing can
	// start late without changing any boundary decision.
	skip := params.Min - gearWindow - 1
	if skip < 0 {
		skip = 0
	}
	return &Chunker{
		r:      r,
		params: params,
		mask:   params.boundaryMask(),
		skip:   skip,
		buf:    make([]byte, params.Max),
	}
}

// Next returns the next chunk, or io.EOF when the input is exhausted.
// A zero-length input yields io.EOF immediately (zero-length files
// produce zero chunks).
func (c *Chunker) Next() (Chunk, error) {
	// Slide out the previous chunk now rather than when it was
	// returned: its Data slice stays intact until this call.
	if c.pending > 0 {
		copy(c.buf, c.buf[c.pending:c.n])
		c.n -= c.pending
		c.pending = 0
	}

	if err := c.fill(); err != nil {
		return Chunk{}, err
	}
	if c.n == 0 {
		return Chunk{}, io.EOF
	}

	end := c.findBoundary(c.buf[:c.n])
	c.pending = end
	data := c.buf[:end]
	return Chunk{Data: data, Hash: Sum(data)}, nil
}

// fill tops the buffer up to Max bytes or EOF.
func (c *Chunker) fill() error {
	for c.n < len(c.buf) && !c.eof {
		read, err := c.r.Read(c.buf[c.n:])
		c.n += read
		if err == io.EOF {
			c.eof = true
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// findBoundary scans data and returns the length of the next chunk.
// If no boundary fires before Max bytes or the end of data, the chunk
// is cut at that limit.
func (c *Chunker) findBoundary(data []byte) int {
	if len(data) <= c.params.Min {
		return len(data)
	}

	var hash uint64
	pos := c.skip
	for pos < len(data) {
		hash = (hash << 1) + gearTable[data[pos]]
		pos++
		if pos >= c.params.Min && hash&c.mask == 0 {
			return pos
		}
	}
	return len(data)
}

// Split chunks an in-memory byte slice in one call. Each returned
// chunk owns its bytes. Intended for tests and small inputs; large
// files should stream through New/Next.
func Split(data []byte, params Params) ([]Chunk, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	c := New(bytes.NewReader(data), params)
	var chunks []Chunk
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		owned := make([]byte, len(chunk.Data))
		copy(owned, chunk.Data)
		chunks = append(chunks, Chunk{Data: owned, Hash: chunk.Hash})
	}
}
