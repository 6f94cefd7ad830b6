package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/WKHAllen/hoard/internal/chunker"
)

// tmpMaxAge is how old an in-flight temp file must be before Compact
// treats it as an abandoned write from a crashed process.
const tmpMaxAge = time.Hour

// CompactResult reports what a compaction pass reclaimed.
type CompactResult struct {
	ChunksRemoved int64
	BytesRemoved  int64
	TmpRemoved    int64
}

// Compact physically deletes chunks whose reference count has reached
// zero and sweeps abandoned temp files. This is a maintenance
// operation, run out-of-band — never on the backup/extract hot path.
func (s *Store) Compact(ctx context.Context) (CompactResult, error) {
	var result CompactResult

	rows, err := s.db.Query("SELECT hash, length FROM chunks WHERE refcount = 0")
	if err != nil {
		return result, fmt.Errorf("compact: %w", err)
	}

	type victim struct {
		hash   chunker.Hash
		length int64
	}
	var victims []victim
	for rows.Next() {
		var hexHash string
		var length int64
		if err := rows.Scan(&hexHash, &length); err != nil {
			rows.Close()
			return result, fmt.Errorf("compact: %w", err)
		}
		h, err := chunker.ParseHash(hexHash)
		if err != nil {
			rows.Close()
			return result, fmt.Errorf("compact: bad record hash %q: %w", hexHash, err)
		}
		victims = append(victims, victim{hash: h, length: length})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return result, fmt.Errorf("compact: %w", err)
	}

	for _, v := range victims {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		// Delete the record first: a chunk that lost its row but still
		// has a payload is an orphan file (harmless, swept next pass),
		// whereas a row without a payload reads as corruption.
		lock := &s.locks[v.hash[0]%lockStripes]
		lock.Lock()
		res, err := s.db.Exec("DELETE FROM chunks WHERE hash = ? AND refcount = 0", v.hash.String())
		if err != nil {
			lock.Unlock()
			return result, fmt.Errorf("compact: delete record %s: %w", v.hash, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Re-referenced since the scan; leave it alone.
			lock.Unlock()
			continue
		}
		if err := os.Remove(s.chunkPath(v.hash)); err != nil && !os.IsNotExist(err) {
			lock.Unlock()
			return result, fmt.Errorf("compact: remove payload %s: %w", v.hash, err)
		}
		lock.Unlock()

		result.ChunksRemoved++
		result.BytesRemoved += v.length
	}

	swept, err := s.sweepTmp()
	if err != nil {
		return result, err
	}
	result.TmpRemoved = swept
	return result, nil
}

// sweepTmp removes temp files old enough to be abandoned writes.
func (s *Store) sweepTmp() (int64, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "tmp"))
	if err != nil {
		return 0, fmt.Errorf("compact: read tmp: %w", err)
	}

	var removed int64
	cutoff := time.Now().Add(-tmpMaxAge)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, "tmp", entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
