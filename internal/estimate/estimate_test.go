package estimate_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WKHAllen/hoard/internal/chunker"
	"github.com/WKHAllen/hoard/internal/estimate"
	"github.com/WKHAllen/hoard/internal/filter"
)

func TestPredictModel(t *testing.T) {
	cfg := estimate.Config{
		Workers:     4,
		ChunkParams: chunker.Params{Min: 64 * 1024, Max: 1024 * 1024},
		FileCount:   10,
		TotalBytes:  100 * 1024 * 1024,
	}
	e := estimate.Predict(cfg)

	// 1 MiB max chunk, 2*4+5 = 13 in-flight buffers.
	assert.Equal(t, int64(13*1024*1024), e.Buffers)

	avg := int64((64*1024 + 1024*1024) / 2)
	wantChunks := cfg.TotalBytes / avg
	assert.Equal(t, wantChunks, e.UniqueChunks)
	assert.Equal(t, e.Buffers+e.Index, e.Total)
}

func TestPredictFloorsAtFileCount(t *testing.T) {
	e := estimate.Predict(estimate.Config{
		Workers:     2,
		ChunkParams: chunker.DefaultParams,
		FileCount:   500,
		TotalBytes:  0,
	})
	assert.Equal(t, int64(500), e.UniqueChunks)
}

func TestPredictIsPure(t *testing.T) {
	cfg := estimate.Config{Workers: 8, ChunkParams: chunker.DefaultParams, TotalBytes: 1 << 30}
	assert.Equal(t, estimate.Predict(cfg), estimate.Predict(cfg))
}

func TestAdvisoryLimit(t *testing.T) {
	small := estimate.Predict(estimate.Config{Workers: 1, ChunkParams: chunker.DefaultParams})
	assert.False(t, small.ExceedsAdvisoryLimit())

	big := estimate.Predict(estimate.Config{
		Workers:     4,
		ChunkParams: chunker.DefaultParams,
		TotalBytes:  10 << 40,
	})
	assert.True(t, big.ExceedsAdvisoryLimit())
}

func TestPreScanCountsMetadataOnly(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), make([]byte, 1000), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), make([]byte, 500), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "skip.tmp"), make([]byte, 9999), 0o644))

	sel, err := filter.NewSelection([]string{root}, []string{"*.tmp"}, filter.Options{})
	require.NoError(t, err)

	result, err := estimate.PreScan(context.Background(), sel)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.FileCount)
	assert.Equal(t, int64(2), result.DirCount)
	assert.Equal(t, int64(1500), result.TotalBytes)
}

func TestFreeSpace(t *testing.T) {
	free, err := estimate.FreeSpace(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, free)
}
