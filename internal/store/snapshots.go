package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrSnapshotNotFound is returned for snapshot IDs with no index row.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotInfo is one row of the snapshot index.
type SnapshotInfo struct {
	ID         string
	CreatedAt  time.Time
	FileCount  int64
	TotalBytes int64
}

func (s *Store) snapshotPath(id string) string {
	return filepath.Join(s.root, "snapshots", id+".snapshot")
}

// CommitSnapshot durably stores an encoded snapshot manifest and
// registers it in the index. The payload is zstd-compressed, written
// to a temp file, and renamed into place before the index row is
// inserted — a crash mid-commit leaves no visible half-written
// snapshot.
func (s *Store) CommitSnapshot(info SnapshotInfo, encoded []byte) error {
	payload, used, err := s.codec.compress(encoded, CompressionZstd)
	if err != nil {
		return fmt.Errorf("compress snapshot %s: %w", info.ID, err)
	}
	if err := s.writeAtomic(s.snapshotPath(info.ID), byte(used), payload); err != nil {
		return fmt.Errorf("write snapshot %s: %w", info.ID, err)
	}

	_, err = s.db.Exec(
		"INSERT INTO snapshots (id, created_at, file_count, total_bytes) VALUES (?, ?, ?, ?)",
		info.ID, info.CreatedAt.UnixNano(), info.FileCount, info.TotalBytes,
	)
	if err != nil {
		return fmt.Errorf("register snapshot %s: %w", info.ID, err)
	}
	return nil
}

// LoadSnapshot returns the encoded manifest for id.
func (s *Store) LoadSnapshot(id string) ([]byte, error) {
	var exists int
	err := s.db.QueryRow("SELECT 1 FROM snapshots WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup snapshot %s: %w", id, err)
	}

	raw, err := os.ReadFile(s.snapshotPath(id))
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	if len(raw) < 1 {
		return nil, fmt.Errorf("snapshot %s: empty file", id)
	}

	if Compression(raw[0]) == CompressionNone {
		return raw[1:], nil
	}
	// Snapshot payloads don't record their inflated size in the index;
	// zstd frames carry it.
	out, err := s.codec.zstdDec.DecodeAll(raw[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot %s: %w", id, err)
	}
	return out, nil
}

// Snapshots lists committed snapshots, oldest first.
func (s *Store) Snapshots() ([]SnapshotInfo, error) {
	rows, err := s.db.Query(
		"SELECT id, created_at, file_count, total_bytes FROM snapshots ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var createdNano int64
		if err := rows.Scan(&info.ID, &createdNano, &info.FileCount, &info.TotalBytes); err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		info.CreatedAt = time.Unix(0, createdNano)
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes a snapshot's index row and manifest file.
// The caller is responsible for releasing the chunk references the
// snapshot held before deleting it.
func (s *Store) DeleteSnapshot(id string) error {
	res, err := s.db.Exec("DELETE FROM snapshots WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("snapshot %s: %w", id, ErrSnapshotNotFound)
	}
	if err := os.Remove(s.snapshotPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot %s: %w", id, err)
	}
	return nil
}
