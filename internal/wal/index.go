package wal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Pure-Go SQLite driver; the embed import carries the wasm build.
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/parquedb/parquedb/internal/types"
)

// Index is the local SQLite table set backing the event log and the
// pending-row-group registry.
type Index struct {
	db *sql.DB
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS wal_batches (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ns         TEXT    NOT NULL,
	first_seq  INTEGER NOT NULL,
	last_seq   INTEGER NOT NULL,
	events     BLOB    NOT NULL,
	created_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wal_batches_ns_seq ON wal_batches(ns, first_seq);

CREATE TABLE IF NOT EXISTS pending_groups (
	batch_id   TEXT PRIMARY KEY,
	ns         TEXT    NOT NULL,
	path       TEXT    NOT NULL,
	row_count  INTEGER NOT NULL,
	first_seq  INTEGER NOT NULL,
	last_seq   INTEGER NOT NULL,
	created_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_groups_ns ON pending_groups(ns, first_seq);
`

// OpenIndex opens (and migrates) the index database at path. Use
// ":memory:" for tests.
func OpenIndex(path string) (*Index, error) {
	dsn := "file:" + path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open wal index: %w", err)
	}
	// Single writer; SQLite serializes for us beyond that.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate wal index: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database handle.
func (ix *Index) Close() error { return ix.db.Close() }

// AppendBatch durably records one compressed event batch.
func (ix *Index) AppendBatch(ctx context.Context, ns string, firstSeq, lastSeq uint64, blob []byte) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO wal_batches (ns, first_seq, last_seq, events, created_at) VALUES (?, ?, ?, ?, ?)`,
		ns, int64(firstSeq), int64(lastSeq), blob, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: append wal batch: %v", types.ErrUnavailable, err)
	}
	return nil
}

// Batches streams the stored batches of ns whose range reaches fromSeq,
// in sequence order.
func (ix *Index) Batches(ctx context.Context, ns string, fromSeq uint64) ([][]byte, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT events FROM wal_batches WHERE ns = ? AND last_seq >= ? ORDER BY first_seq`,
		ns, int64(fromSeq))
	if err != nil {
		return nil, fmt.Errorf("%w: read wal batches: %v", types.ErrUnavailable, err)
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("%w: scan wal batch: %v", types.ErrUnavailable, err)
		}
		out = append(out, blob)
	}
	return out, rows.Err()
}

// HighWater returns the highest flushed sequence for ns (0 when empty).
func (ix *Index) HighWater(ctx context.Context, ns string) (uint64, error) {
	var seq sql.NullInt64
	err := ix.db.QueryRowContext(ctx,
		`SELECT MAX(last_seq) FROM wal_batches WHERE ns = ?`, ns).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("%w: wal high water: %v", types.ErrUnavailable, err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// Namespaces lists every namespace with stored batches.
func (ix *Index) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT DISTINCT ns FROM wal_batches ORDER BY ns`)
	if err != nil {
		return nil, fmt.Errorf("%w: wal namespaces: %v", types.ErrUnavailable, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// PendingGroup is one staged row-group file awaiting merge.
type PendingGroup struct {
	BatchID   string
	Ns        string
	Path      string
	RowCount  int64
	FirstSeq  uint64
	LastSeq   uint64
	CreatedAt time.Time
}

// AddPendingGroup registers a staged pending file.
func (ix *Index) AddPendingGroup(ctx context.Context, g PendingGroup) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO pending_groups (batch_id, ns, path, row_count, first_seq, last_seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.BatchID, g.Ns, g.Path, g.RowCount, int64(g.FirstSeq), int64(g.LastSeq),
		g.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: add pending group: %v", types.ErrUnavailable, err)
	}
	return nil
}

// PendingGroups returns the staged files for ns ordered by first_seq.
func (ix *Index) PendingGroups(ctx context.Context, ns string) ([]PendingGroup, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT batch_id, ns, path, row_count, first_seq, last_seq, created_at
		 FROM pending_groups WHERE ns = ? ORDER BY first_seq`, ns)
	if err != nil {
		return nil, fmt.Errorf("%w: read pending groups: %v", types.ErrUnavailable, err)
	}
	defer rows.Close()
	var out []PendingGroup
	for rows.Next() {
		var g PendingGroup
		var first, last int64
		var created string
		if err := rows.Scan(&g.BatchID, &g.Ns, &g.Path, &g.RowCount, &first, &last, &created); err != nil {
			return nil, fmt.Errorf("%w: scan pending group: %v", types.ErrUnavailable, err)
		}
		g.FirstSeq = uint64(first)
		g.LastSeq = uint64(last)
		g.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, g)
	}
	return out, rows.Err()
}

// RemovePendingGroups deletes index entries for ns up to lastSeq
// inclusive. Idempotent.
func (ix *Index) RemovePendingGroups(ctx context.Context, ns string, lastSeq uint64) error {
	_, err := ix.db.ExecContext(ctx,
		`DELETE FROM pending_groups WHERE ns = ? AND last_seq <= ?`, ns, int64(lastSeq))
	if err != nil {
		return fmt.Errorf("%w: remove pending groups: %v", types.ErrUnavailable, err)
	}
	return nil
}

func unmarshalEvents(raw []byte, events *[]types.Event) error {
	return json.Unmarshal(raw, events)
}
