package manifest_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WKHAllen/hoard/internal/chunker"
	"github.com/WKHAllen/hoard/internal/filter"
	"github.com/WKHAllen/hoard/internal/manifest"
)

func sampleManifest() *manifest.Manifest {
	// Full nanosecond precision must survive encoding.
	mtime := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	return &manifest.Manifest{
		ID:        "run-abc",
		CreatedAt: mtime.Add(time.Minute),
		Source: manifest.Source{
			Roots:    []string{"/data"},
			Excludes: []string{"*.tmp"},
		},
		Entries: []manifest.FileEntry{
			{Path: "data", Type: filter.Dir, ModTime: mtime},
			{
				Path:    "data/a.txt",
				Type:    filter.Regular,
				Size:    12,
				ModTime: mtime,
				Chunks:  []chunker.Hash{chunker.Sum([]byte("hello chunks"))},
			},
			{
				Path:       "data/link",
				Type:       filter.Symlink,
				ModTime:    mtime,
				LinkTarget: "a.txt",
			},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := sampleManifest()

	encoded, err := manifest.Encode(m)
	require.NoError(t, err)

	decoded, err := manifest.Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, m.ID, decoded.ID)
	assert.Equal(t, m.Source, decoded.Source)
	require.Len(t, decoded.Entries, 3)
	assert.Equal(t, m.Entries[1].Chunks, decoded.Entries[1].Chunks)
	assert.Equal(t, "a.txt", decoded.Entries[2].LinkTarget)
	assert.True(t, m.Entries[1].ModTime.Equal(decoded.Entries[1].ModTime))
	assert.True(t, m.CreatedAt.Equal(decoded.CreatedAt))
}

func TestEncodeIsDeterministic(t *testing.T) {
	a, err := manifest.Encode(sampleManifest())
	require.NoError(t, err)
	b, err := manifest.Encode(sampleManifest())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBuilderRestoresTraversalOrder(t *testing.T) {
	b := manifest.NewBuilder()

	// Workers finish out of order; sequence numbers carry the walk order.
	b.Add(2, manifest.FileEntry{Path: "data/b.txt", Type: filter.Regular})
	b.Add(0, manifest.FileEntry{Path: "data", Type: filter.Dir})
	b.Add(1, manifest.FileEntry{Path: "data/a.txt", Type: filter.Regular})

	m := b.Build("run-1", time.Now(), manifest.Source{Roots: []string{"/data"}})
	require.Len(t, m.Entries, 3)
	assert.Equal(t, "data", m.Entries[0].Path)
	assert.Equal(t, "data/a.txt", m.Entries[1].Path)
	assert.Equal(t, "data/b.txt", m.Entries[2].Path)
}

func TestManifestTotals(t *testing.T) {
	m := sampleManifest()
	assert.Equal(t, int64(1), m.FileCount())
	assert.Equal(t, int64(12), m.TotalBytes())
}

func TestValidateRejectsDuplicatePaths(t *testing.T) {
	m := &manifest.Manifest{
		ID: "run-1",
		Entries: []manifest.FileEntry{
			{Path: "data/a.txt", Type: filter.Regular},
			{Path: "data/a.txt", Type: filter.Regular},
		},
	}
	assert.Error(t, m.Validate())
}

func TestValidateRejectsChunksOnNonFiles(t *testing.T) {
	m := &manifest.Manifest{
		ID: "run-1",
		Entries: []manifest.FileEntry{
			{Path: "data", Type: filter.Dir, Chunks: []chunker.Hash{chunker.Sum([]byte("x"))}},
		},
	}
	assert.Error(t, m.Validate())
}
