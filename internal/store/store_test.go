package store_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WKHAllen/hoard/internal/chunker"
	"github.com/WKHAllen/hoard/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.Options{Compression: store.CompressionZstd})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openStore(t)
	data := []byte("some chunk content that should round-trip exactly")

	h, deduped, err := s.Put(data)
	require.NoError(t, err)
	assert.False(t, deduped)
	assert.Equal(t, chunker.Sum(data), h)

	got, err := s.Get(h)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPutIsIdempotent(t *testing.T) {
	s := openStore(t)
	data := []byte("identical bytes stored twice")

	h1, deduped, err := s.Put(data)
	require.NoError(t, err)
	assert.False(t, deduped)

	h2, deduped, err := s.Put(data)
	require.NoError(t, err)
	assert.True(t, deduped)
	assert.Equal(t, h1, h2)

	count, err := s.RefCount(h1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Chunks)
	assert.Equal(t, int64(len(data)), st.Bytes)
}

func TestConcurrentPutSameBytes(t *testing.T) {
	s := openStore(t)
	data := []byte("contended chunk written from many goroutines at once")

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = s.Put(data)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}

	// Exactly one physical chunk with a refcount of N.
	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Chunks)

	count, err := s.RefCount(chunker.Sum(data))
	require.NoError(t, err)
	assert.Equal(t, int64(workers), count)
}

func TestConcurrentPutDistinctBytes(t *testing.T) {
	// Distinct hashes land on different lock stripes, so these writers
	// hit the index concurrently; the busy timeout must absorb the
	// contention rather than surfacing SQLITE_BUSY.
	s := openStore(t)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data := []byte(fmt.Sprintf("distinct chunk payload %d", i))
			_, _, errs[i] = s.Put(data)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(workers), st.Chunks)
}

func TestGetNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.Get(chunker.Sum([]byte("never stored")))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetDetectsCorruption(t *testing.T) {
	root := t.TempDir()
	// CompressionNone makes the payload byte-addressable for flipping.
	s, err := store.Open(root, store.Options{Compression: store.CompressionNone})
	require.NoError(t, err)
	defer s.Close()

	data := []byte("bytes that will be tampered with on disk")
	h, _, err := s.Put(data)
	require.NoError(t, err)

	// Flip one byte in the stored payload (offset 1 skips the tag).
	path := filepath.Join(root, "chunks", h.String()[:2], h.String())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = s.Get(h)
	assert.ErrorIs(t, err, store.ErrCorrupt)
}

func TestRetainRelease(t *testing.T) {
	s := openStore(t)
	h, _, err := s.Put([]byte("refcounted"))
	require.NoError(t, err)

	require.NoError(t, s.Retain(h))
	count, err := s.RefCount(h)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, s.Release(h))
	require.NoError(t, s.Release(h))
	count, err = s.RefCount(h)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	// Below zero is an invariant violation.
	assert.Error(t, s.Release(h))

	// Unknown hashes error too.
	assert.ErrorIs(t, s.Retain(chunker.Sum([]byte("missing"))), store.ErrNotFound)
}

func TestCompactReclaimsZeroRefChunks(t *testing.T) {
	s := openStore(t)

	kept, _, err := s.Put([]byte("chunk that stays referenced"))
	require.NoError(t, err)
	dead, _, err := s.Put([]byte("chunk that gets released"))
	require.NoError(t, err)
	require.NoError(t, s.Release(dead))

	result, err := s.Compact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.ChunksRemoved)

	_, err = s.Get(dead)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.Get(kept)
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk that stays referenced"), got)
}

func TestGetDuringCompactNeverReportsCorrupt(t *testing.T) {
	// A chunk removed by Compact mid-read must surface as ErrNotFound,
	// never as corruption.
	s := openStore(t)

	const chunks = 32
	hashes := make([]chunker.Hash, chunks)
	for i := range chunks {
		h, _, err := s.Put([]byte(fmt.Sprintf("soon to be reclaimed %d", i)))
		require.NoError(t, err)
		hashes[i] = h
	}
	require.NoError(t, s.ReleaseAll(hashes))

	var wg sync.WaitGroup
	readErrs := make([]error, chunks)
	for i := range chunks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, err := s.Get(hashes[i]); err != nil {
					readErrs[i] = err
					return
				}
			}
		}()
	}

	_, err := s.Compact(context.Background())
	require.NoError(t, err)
	wg.Wait()

	for i, err := range readErrs {
		assert.ErrorIs(t, err, store.ErrNotFound, "chunk %d", i)
		assert.NotErrorIs(t, err, store.ErrCorrupt, "chunk %d", i)
	}
}

func TestReleaseAll(t *testing.T) {
	s := openStore(t)

	h1, _, err := s.Put([]byte("first"))
	require.NoError(t, err)
	h2, _, err := s.Put([]byte("second"))
	require.NoError(t, err)

	require.NoError(t, s.ReleaseAll([]chunker.Hash{h1, h2}))
	for _, h := range []chunker.Hash{h1, h2} {
		count, err := s.RefCount(h)
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	}
}

func TestSnapshotIndex(t *testing.T) {
	s := openStore(t)

	encoded := []byte("pretend this is a CBOR manifest with some repetitive content content content")
	info := store.SnapshotInfo{
		ID:         "run-1",
		CreatedAt:  time.Now(),
		FileCount:  3,
		TotalBytes: 1234,
	}
	require.NoError(t, s.CommitSnapshot(info, encoded))

	got, err := s.LoadSnapshot("run-1")
	require.NoError(t, err)
	assert.Equal(t, encoded, got)

	list, err := s.Snapshots()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "run-1", list[0].ID)
	assert.Equal(t, int64(3), list[0].FileCount)

	_, err = s.LoadSnapshot("nope")
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)

	require.NoError(t, s.DeleteSnapshot("run-1"))
	_, err = s.LoadSnapshot("run-1")
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)
}

func TestStoreSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	s, err := store.Open(root, store.Options{Compression: store.CompressionZstd})
	require.NoError(t, err)

	data := []byte("persisted across process restarts")
	h, _, err := s.Put(data)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := store.Open(root, store.Options{Compression: store.CompressionZstd})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(h)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
