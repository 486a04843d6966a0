package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/devblac/event-relay/internal/model"
)

// SQLiteStore is the default Store, backed by a single SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	mode model.KeyMode
}

var _ Store = (*SQLiteStore)(nil)

// Open initializes a SQLite database and applies the schema.
func Open(path string, mode model.KeyMode) (*SQLiteStore, error) {
	if mode == "" {
		mode = model.KeyModeFull
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, mode: mode}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// Connection pragmas go in the DSN so every pooled connection gets them.
var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(5000)",
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var fk int
	if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys;").Scan(&fk); err != nil {
		return fmt.Errorf("read pragma foreign_keys: %w", err)
	}
	if fk != 1 {
		return errors.New("sqlite foreign keys are disabled")
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS namespaces (
  project     TEXT NOT NULL,
  contract    TEXT NOT NULL,
  created_at  INTEGER NOT NULL,
  PRIMARY KEY(project, contract)
);

CREATE TABLE IF NOT EXISTS records (
  project       TEXT NOT NULL,
  contract      TEXT NOT NULL,
  dedup_key     TEXT NOT NULL,
  event_id      TEXT NOT NULL,
  name          TEXT NOT NULL,
  block_number  INTEGER NOT NULL,
  block_hash    TEXT NOT NULL DEFAULT '',
  tx_hash       TEXT NOT NULL,
  log_index     INTEGER NOT NULL,
  fields_json   TEXT NOT NULL,
  created_at    INTEGER NOT NULL,
  PRIMARY KEY(project, contract, dedup_key),
  FOREIGN KEY(project, contract) REFERENCES namespaces(project, contract) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS records_by_block ON records(project, contract, block_number, log_index);

CREATE TABLE IF NOT EXISTS cursors (
  event_id    TEXT PRIMARY KEY,
  block       INTEGER NOT NULL,
  updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS deliveries (
  project        TEXT NOT NULL,
  contract       TEXT NOT NULL,
  dedup_key      TEXT NOT NULL,
  url            TEXT NOT NULL,
  event_id       TEXT NOT NULL,
  status         TEXT NOT NULL,
  attempts       INTEGER NOT NULL,
  response_code  INTEGER,
  error          TEXT,
  payload_json   TEXT,
  updated_at     INTEGER NOT NULL,
  PRIMARY KEY(project, contract, dedup_key, url)
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// EnsureNamespace registers ns; it is a no-op when ns already exists.
func (s *SQLiteStore) EnsureNamespace(ctx context.Context, ns model.Namespace) error {
	if ns.Project == "" || ns.Contract == "" {
		return ErrNamespaceRequired
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO namespaces (project, contract, created_at)
VALUES (?, ?, ?)
ON CONFLICT(project, contract) DO NOTHING;
`, ns.Project, ns.Contract, unixMillis(time.Time{}))
	if err != nil {
		return fmt.Errorf("ensure namespace %s: %w", ns, err)
	}
	return nil
}

// DropNamespace deletes ns together with its records and delivery log.
func (s *SQLiteStore) DropNamespace(ctx context.Context, ns model.Namespace) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM deliveries WHERE project = ? AND contract = ?;`, ns.Project, ns.Contract); err != nil {
			return fmt.Errorf("drop deliveries %s: %w", ns, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE project = ? AND contract = ?;`, ns.Project, ns.Contract); err != nil {
			return fmt.Errorf("drop records %s: %w", ns, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM namespaces WHERE project = ? AND contract = ?;`, ns.Project, ns.Contract); err != nil {
			return fmt.Errorf("drop namespace %s: %w", ns, err)
		}
		return nil
	})
}

// Namespaces lists registered namespaces ordered by project and contract.
func (s *SQLiteStore) Namespaces(ctx context.Context) ([]model.Namespace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project, contract FROM namespaces ORDER BY project, contract;`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	var out []model.Namespace
	for rows.Next() {
		var ns model.Namespace
		if err := rows.Scan(&ns.Project, &ns.Contract); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// Exists reports whether a record with key is stored in ns.
func (s *SQLiteStore) Exists(ctx context.Context, ns model.Namespace, key model.RecordKey) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM records WHERE project = ? AND contract = ? AND dedup_key = ?;
`, ns.Project, ns.Contract, s.mode.Key(key)).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("check record: %w", err)
	}
}

// Put stores rec; the primary key makes concurrent inserts of the same key collapse into one row.
func (s *SQLiteStore) Put(ctx context.Context, rec model.Record) (bool, error) {
	if err := ValidateRecord(rec); err != nil {
		return false, err
	}
	fields, err := EncodeFields(rec.Fields)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO records (project, contract, dedup_key, event_id, name, block_number, block_hash, tx_hash, log_index, fields_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(project, contract, dedup_key) DO NOTHING;
`, rec.Namespace.Project, rec.Namespace.Contract, s.mode.Key(rec.Key()), rec.EventID, rec.Name,
		rec.BlockNumber, rec.BlockHash, strings.ToLower(rec.TxHash), rec.LogIndex, fields, unixMillis(rec.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert record: %w", err)
	}
	return n == 1, nil
}

// Records returns stored records of ns ordered by block number and log index.
func (s *SQLiteStore) Records(ctx context.Context, ns model.Namespace, q RecordQuery) ([]model.Record, error) {
	query := `
SELECT event_id, name, block_number, block_hash, tx_hash, log_index, fields_json, created_at
FROM records WHERE project = ? AND contract = ?`
	args := []any{ns.Project, ns.Contract}
	if q.EventID != "" {
		query += ` AND event_id = ?`
		args = append(args, q.EventID)
	}
	if q.FromBlock > 0 {
		query += ` AND block_number >= ?`
		args = append(args, q.FromBlock)
	}
	if q.ToBlock > 0 {
		query += ` AND block_number <= ?`
		args = append(args, q.ToBlock)
	}
	query += ` ORDER BY block_number, log_index`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var (
			rec       model.Record
			rawFields string
			created   int64
		)
		if err := rows.Scan(&rec.EventID, &rec.Name, &rec.BlockNumber, &rec.BlockHash, &rec.TxHash, &rec.LogIndex, &rawFields, &created); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if rec.Fields, err = DecodeFields(rawFields); err != nil {
			return nil, err
		}
		rec.Namespace = ns
		rec.CreatedAt = fromMillis(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetCursor retrieves the cursor for an event.
func (s *SQLiteStore) GetCursor(ctx context.Context, eventID string) (uint64, bool, error) {
	var block uint64
	err := s.db.QueryRowContext(ctx, `SELECT block FROM cursors WHERE event_id = ?;`, eventID).Scan(&block)
	switch {
	case err == nil:
		return block, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("get cursor: %w", err)
	}
}

// AdvanceCursor upserts the cursor, keeping the larger block when one is already stored.
func (s *SQLiteStore) AdvanceCursor(ctx context.Context, eventID string, block uint64) error {
	if eventID == "" {
		return errors.New("event id required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cursors (event_id, block, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(event_id) DO UPDATE SET
  block = MAX(cursors.block, excluded.block),
  updated_at = excluded.updated_at;
`, eventID, block, unixMillis(time.Time{}))
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// DeleteCursor forgets an event's progress.
func (s *SQLiteStore) DeleteCursor(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cursors WHERE event_id = ?;`, eventID); err != nil {
		return fmt.Errorf("delete cursor: %w", err)
	}
	return nil
}

// Cursors lists all cursors ordered by event id.
func (s *SQLiteStore) Cursors(ctx context.Context) ([]Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, block, updated_at FROM cursors ORDER BY event_id;`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var (
			c       Cursor
			updated int64
		)
		if err := rows.Scan(&c.EventID, &c.Block, &updated); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		c.UpdatedAt = fromMillis(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordDelivery upserts the latest delivery outcome for a record and url.
func (s *SQLiteStore) RecordDelivery(ctx context.Context, d Delivery) error {
	if err := d.Validate(); err != nil {
		return err
	}
	payload, err := EncodeFields(d.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO deliveries (project, contract, dedup_key, url, event_id, status, attempts, response_code, error, payload_json, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(project, contract, dedup_key, url) DO UPDATE SET
  status = excluded.status,
  attempts = excluded.attempts,
  response_code = excluded.response_code,
  error = excluded.error,
  payload_json = excluded.payload_json,
  updated_at = excluded.updated_at;
`, d.Namespace.Project, d.Namespace.Contract, s.mode.Key(d.RecordKey), d.URL, d.EventID, string(d.Status),
		d.Attempts, d.ResponseCode, d.Error, payload, unixMillis(time.Time{}))
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// DeliveryStats counts deliveries per status.
func (s *SQLiteStore) DeliveryStats(ctx context.Context) (map[DeliveryStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM deliveries GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("delivery stats: %w", err)
	}
	defer rows.Close()

	out := map[DeliveryStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan delivery stats: %w", err)
		}
		out[DeliveryStatus(status)] = n
	}
	return out, rows.Err()
}

// WithTx executes a callback inside a transaction for callers needing atomicity.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
