// Package store is the content-addressed, deduplicating chunk store.
//
// On-disk layout under the store root:
//
//	index.db                  SQLite chunk records and snapshot index
//	chunks/<hh>/<64-hex>      one file per chunk: 1-byte compression
//	                          tag followed by the (possibly compressed)
//	                          payload; <hh> is the first hash byte for
//	                          directory fan-out
//	snapshots/<id>.snapshot   committed snapshot manifests
//	tmp/                      in-flight writes, renamed into place
//
// All writes go through a temp file and an atomic rename, and the
// record row is inserted only after the rename, so an unclean shutdown
// leaves at most orphaned temp files and unreferenced chunks — never a
// half-written referenced chunk.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/WKHAllen/hoard/internal/chunker"
)

// ErrNotFound is returned by Get when no record exists for the hash.
var ErrNotFound = errors.New("chunk not found")

// ErrCorrupt is the sentinel matched by errors.Is for any on-disk
// integrity failure. Corruption is a data-loss event and is never
// silently repaired.
var ErrCorrupt = errors.New("chunk corrupt")

// CorruptError reports a chunk whose stored bytes no longer hash to
// their address.
type CorruptError struct {
	Hash   chunker.Hash
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("chunk %s corrupt: %s", e.Hash, e.Reason)
}

func (e *CorruptError) Unwrap() error { return ErrCorrupt }

// lockStripes guards concurrent Put calls for the same hash. 64
// stripes keeps contention negligible for typical worker counts.
const lockStripes = 64

// Options configures a store at open time.
type Options struct {
	// Compression is the preferred algorithm for new chunks. Existing
	// chunks keep whatever tag they were written with.
	Compression Compression
}

// Store is a content-addressed chunk store with reference counting.
// Safe for concurrent use by multiple workers.
type Store struct {
	root  string
	db    *sql.DB
	codec *codec
	comp  Compression
	locks [lockStripes]sync.Mutex
}

// Open opens (or initializes) the store at root.
func Open(root string, opts Options) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, "chunks"), filepath.Join(root, "snapshots"), filepath.Join(root, "tmp")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	// modernc.org/sqlite takes pragmas in _pragma=name(value) form;
	// the busy timeout is what keeps concurrent worker Puts from
	// surfacing SQLITE_BUSY.
	db, err := sql.Open("sqlite", filepath.Join(root, "index.db")+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store index: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			hash        TEXT PRIMARY KEY,
			length      INTEGER NOT NULL,
			compression INTEGER NOT NULL,
			refcount    INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS snapshots (
			id          TEXT PRIMARY KEY,
			created_at  INTEGER NOT NULL,
			file_count  INTEGER NOT NULL,
			total_bytes INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init store index: %w", err)
	}

	codec, err := newCodec()
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{root: root, db: db, codec: codec, comp: opts.Compression}, nil
}

// Close releases the index database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// chunkPath returns the sharded payload path for a hash.
func (s *Store) chunkPath(h chunker.Hash) string {
	hex := h.String()
	return filepath.Join(s.root, "chunks", hex[:2], hex)
}

// Put stores data under its content hash and increments the hash's
// reference count. Idempotent: when a record already exists the bytes
// are not rewritten (the recorded length is checked against the input
// as a cheap integrity guard). The returned bool reports whether the
// chunk was already present — a deduplicated write.
//
// Safe under concurrent calls with the same hash: at most one physical
// write happens per hash and the reference count stays consistent.
func (s *Store) Put(data []byte) (chunker.Hash, bool, error) {
	h := chunker.Sum(data)

	lock := &s.locks[h[0]%lockStripes]
	lock.Lock()
	defer lock.Unlock()

	var length int64
	err := s.db.QueryRow("SELECT length FROM chunks WHERE hash = ?", h.String()).Scan(&length)
	switch {
	case err == nil:
		if length != int64(len(data)) {
			return h, false, &CorruptError{
				Hash:   h,
				Reason: fmt.Sprintf("record length %d does not match put of %d bytes", length, len(data)),
			}
		}
		if _, err := s.db.Exec("UPDATE chunks SET refcount = refcount + 1 WHERE hash = ?", h.String()); err != nil {
			return h, false, fmt.Errorf("bump refcount %s: %w", h, err)
		}
		return h, true, nil

	case errors.Is(err, sql.ErrNoRows):
		// New chunk, written below.

	default:
		return h, false, fmt.Errorf("lookup chunk %s: %w", h, err)
	}

	payload, used, err := s.codec.compress(data, s.comp)
	if err != nil {
		return h, false, err
	}

	path := s.chunkPath(h)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return h, false, fmt.Errorf("create chunk shard: %w", err)
	}
	if err := s.writeAtomic(path, byte(used), payload); err != nil {
		return h, false, fmt.Errorf("write chunk %s: %w", h, err)
	}

	if _, err := s.db.Exec(
		"INSERT INTO chunks (hash, length, compression, refcount) VALUES (?, ?, ?, 1)",
		h.String(), len(data), used,
	); err != nil {
		return h, false, fmt.Errorf("record chunk %s: %w", h, err)
	}
	return h, false, nil
}

// writeAtomic writes tag+payload to a temp file and renames it into
// place.
func (s *Store) writeAtomic(path string, tag byte, payload []byte) error {
	tmp := filepath.Join(s.root, "tmp", uuid.New().String())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer os.Remove(tmp) // no-op once the rename lands

	if _, err := f.Write([]byte{tag}); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get returns the chunk bytes for h. The payload's hash is recomputed
// on every read; a mismatch returns a CorruptError (matching
// ErrCorrupt), never silently repaired data.
func (s *Store) Get(h chunker.Hash) ([]byte, error) {
	// The stripe lock keeps the record read and payload read atomic
	// with respect to Compact: a chunk deleted in between would
	// otherwise read as corruption instead of ErrNotFound.
	lock := &s.locks[h[0]%lockStripes]
	lock.Lock()
	defer lock.Unlock()

	var length int64
	var comp Compression
	err := s.db.QueryRow("SELECT length, compression FROM chunks WHERE hash = ?", h.String()).
		Scan(&length, &comp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", h, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup chunk %s: %w", h, err)
	}

	raw, err := os.ReadFile(s.chunkPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			// A record without its payload is data loss, not a miss.
			return nil, &CorruptError{Hash: h, Reason: "payload file missing"}
		}
		return nil, fmt.Errorf("read chunk %s: %w", h, err)
	}
	if len(raw) < 1 {
		return nil, &CorruptError{Hash: h, Reason: "payload file empty"}
	}
	if Compression(raw[0]) != comp {
		return nil, &CorruptError{
			Hash:   h,
			Reason: fmt.Sprintf("compression tag %d does not match record %d", raw[0], comp),
		}
	}

	data, err := s.codec.decompress(raw[1:], comp, int(length))
	if err != nil {
		return nil, &CorruptError{Hash: h, Reason: err.Error()}
	}
	if got := chunker.Sum(data); got != h {
		return nil, &CorruptError{Hash: h, Reason: "content hash mismatch: " + got.String()}
	}
	return data, nil
}

// Retain increments the reference count for h.
func (s *Store) Retain(h chunker.Hash) error {
	res, err := s.db.Exec("UPDATE chunks SET refcount = refcount + 1 WHERE hash = ?", h.String())
	if err != nil {
		return fmt.Errorf("retain chunk %s: %w", h, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("retain chunk %s: %w", h, ErrNotFound)
	}
	return nil
}

// Release decrements the reference count for h. A count of zero marks
// the chunk reclaimable by Compact; the payload is not deleted here.
// Driving a count below zero is an invariant violation and an error.
func (s *Store) Release(h chunker.Hash) error {
	res, err := s.db.Exec(
		"UPDATE chunks SET refcount = refcount - 1 WHERE hash = ? AND refcount > 0", h.String())
	if err != nil {
		return fmt.Errorf("release chunk %s: %w", h, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("release chunk %s: refcount already zero or %w", h, ErrNotFound)
	}
	return nil
}

// ReleaseAll releases every hash in hashes inside one transaction.
// Used to roll back the references a cancelled or failed run took.
func (s *Store) ReleaseAll(hashes []chunker.Hash) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("release chunks: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("UPDATE chunks SET refcount = refcount - 1 WHERE hash = ? AND refcount > 0")
	if err != nil {
		return fmt.Errorf("release chunks: %w", err)
	}
	defer stmt.Close()

	for _, h := range hashes {
		if _, err := stmt.Exec(h.String()); err != nil {
			return fmt.Errorf("release chunk %s: %w", h, err)
		}
	}
	return tx.Commit()
}

// RefCount returns the current reference count for h, or ErrNotFound.
func (s *Store) RefCount(h chunker.Hash) (int64, error) {
	var count int64
	err := s.db.QueryRow("SELECT refcount FROM chunks WHERE hash = ?", h.String()).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("chunk %s: %w", h, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Stats summarizes store contents.
type Stats struct {
	Chunks      int64 // unique chunks
	Bytes       int64 // total uncompressed bytes of unique chunks
	Reclaimable int64 // chunks with refcount zero
	Snapshots   int64
}

// Stats reads summary counts from the index.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(length), 0), COALESCE(SUM(refcount = 0), 0) FROM chunks").
		Scan(&st.Chunks, &st.Bytes, &st.Reclaimable)
	if err != nil {
		return Stats{}, fmt.Errorf("store stats: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&st.Snapshots); err != nil {
		return Stats{}, fmt.Errorf("store stats: %w", err)
	}
	return st, nil
}
