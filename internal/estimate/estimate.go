// Package estimate predicts peak resident memory for a prospective
// backup run from its configuration, before the user commits to it.
// The prediction is advisory display only; nothing enforces it.
package estimate

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/WKHAllen/hoard/internal/chunker"
	"github.com/WKHAllen/hoard/internal/filter"
)

// indexEntrySize approximates the resident cost of one chunk record:
// hash, lengths, refcount, and map/allocator overhead.
const indexEntrySize = 120

// AdvisoryLimit is the estimate above which the CLI warns before
// starting a run.
const AdvisoryLimit = 1 << 30 // 1 GiB

// Config is the input to the memory model.
type Config struct {
	Workers     int
	ChunkParams chunker.Params

	// FileCount and TotalBytes come from a PreScan of the selection.
	FileCount  int64
	TotalBytes int64
}

// Estimate is the predicted peak resident memory, broken down by
// contributor.
type Estimate struct {
	// Buffers is worker chunk buffers plus queued in-flight chunks.
	Buffers int64
	// Index is the chunk record table for the expected unique chunks.
	Index int64
	// Total = Buffers + Index.
	Total int64
	// UniqueChunks is the expected unique chunk count the Index term
	// was computed from.
	UniqueChunks int64
}

// ExceedsAdvisoryLimit reports whether the run should carry a warning.
func (e Estimate) ExceedsAdvisoryLimit() bool {
	return e.Total > AdvisoryLimit
}

// Predict is a pure function from configuration to a peak memory
// figure. Each worker holds a read buffer and a chunk in flight (2n),
// plus a fixed allowance for queued results and codec state (5 chunk
// sizes). The index term assumes every chunk is unique, the worst case
// for an index that stores one record per distinct hash.
func Predict(cfg Config) Estimate {
	maxChunk := int64(cfg.ChunkParams.Max)
	workers := int64(cfg.Workers)
	if workers < 1 {
		workers = 1
	}

	avgChunk := int64(cfg.ChunkParams.Min+cfg.ChunkParams.Max) / 2
	var uniqueChunks int64
	if avgChunk > 0 {
		uniqueChunks = cfg.TotalBytes / avgChunk
	}
	// Even an empty file costs one entry's worth of bookkeeping.
	if uniqueChunks < cfg.FileCount {
		uniqueChunks = cfg.FileCount
	}

	e := Estimate{
		Buffers:      maxChunk * (2*workers + 5),
		Index:        indexEntrySize * uniqueChunks,
		UniqueChunks: uniqueChunks,
	}
	e.Total = e.Buffers + e.Index
	return e
}

// ScanResult is what PreScan learns about a selection.
type ScanResult struct {
	FileCount  int64
	DirCount   int64
	TotalBytes int64
	Skipped    int64
}

// PreScan walks the selection collecting metadata only: counts and
// sizes, no file contents. Per-entry errors are counted as skipped, the
// same policy the real run applies.
func PreScan(ctx context.Context, sel *filter.Selection) (ScanResult, error) {
	var result ScanResult
	err := sel.Walk(ctx,
		func(entry filter.Entry) error {
			switch entry.Type {
			case filter.Dir:
				result.DirCount++
			case filter.Regular:
				result.FileCount++
				result.TotalBytes += entry.Size
			}
			return nil
		},
		func(string, error) {
			result.Skipped++
		},
	)
	return result, err
}

// FreeSpace returns the free bytes on the filesystem holding path.
func FreeSpace(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
