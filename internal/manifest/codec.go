package manifest

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/WKHAllen/hoard/internal/chunker"
	"github.com/WKHAllen/hoard/internal/filter"
)

// encMode encodes with Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. The same manifest always produces identical bytes, so a
// snapshot's encoded form is stable across runs and machines.
var encMode cbor.EncMode

// decMode accepts standard CBOR. Unknown fields are ignored so older
// binaries can read snapshots written by newer ones.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("manifest: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("manifest: CBOR decoder initialization failed: " + err.Error())
	}
}

// Timestamps travel as integer nanoseconds since the Unix epoch. CBOR
// time encodings are either whole seconds or floating point, both of
// which lose filesystem mtime precision.

type fileEntryWire struct {
	Path   string           `cbor:"path"`
	Type   filter.EntryType `cbor:"type"`
	Size   int64            `cbor:"size"`
	MTime  int64            `cbor:"mtime"`
	Link   string           `cbor:"link,omitempty"`
	Chunks []chunker.Hash   `cbor:"chunks,omitempty"`
}

// MarshalCBOR implements cbor.Marshaler.
func (e FileEntry) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(fileEntryWire{
		Path:   e.Path,
		Type:   e.Type,
		Size:   e.Size,
		MTime:  e.ModTime.UnixNano(),
		Link:   e.LinkTarget,
		Chunks: e.Chunks,
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (e *FileEntry) UnmarshalCBOR(data []byte) error {
	var w fileEntryWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = FileEntry{
		Path:       w.Path,
		Type:       w.Type,
		Size:       w.Size,
		ModTime:    time.Unix(0, w.MTime).UTC(),
		LinkTarget: w.Link,
		Chunks:     w.Chunks,
	}
	return nil
}

type manifestWire struct {
	ID        string      `cbor:"id"`
	CreatedAt int64       `cbor:"created_at"`
	Source    Source      `cbor:"source"`
	Entries   []FileEntry `cbor:"entries"`
}

// MarshalCBOR implements cbor.Marshaler.
func (m Manifest) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(manifestWire{
		ID:        m.ID,
		CreatedAt: m.CreatedAt.UnixNano(),
		Source:    m.Source,
		Entries:   m.Entries,
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (m *Manifest) UnmarshalCBOR(data []byte) error {
	var w manifestWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Manifest{
		ID:        w.ID,
		CreatedAt: time.Unix(0, w.CreatedAt).UTC(),
		Source:    w.Source,
		Entries:   w.Entries,
	}
	return nil
}

// Encode serializes a manifest to deterministic CBOR.
func Encode(m *Manifest) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	out, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest %s: %w", m.ID, err)
	}
	return out, nil
}

// Decode deserializes an encoded manifest.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
