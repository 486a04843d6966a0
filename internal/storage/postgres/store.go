package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devblac/event-relay/internal/model"
	"github.com/devblac/event-relay/internal/storage"
)

// Store provides Postgres persistence for records, cursors and deliveries.
type Store struct {
	pool *pgxpool.Pool
	mode model.KeyMode
}

var _ storage.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS namespaces (
	project     TEXT NOT NULL,
	contract    TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project, contract)
);

CREATE TABLE IF NOT EXISTS records (
	project       TEXT NOT NULL,
	contract      TEXT NOT NULL,
	dedup_key     TEXT NOT NULL,
	event_id      TEXT NOT NULL,
	name          TEXT NOT NULL,
	block_number  BIGINT NOT NULL,
	block_hash    TEXT NOT NULL DEFAULT '',
	tx_hash       TEXT NOT NULL,
	log_index     BIGINT NOT NULL,
	fields        JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project, contract, dedup_key),
	FOREIGN KEY (project, contract) REFERENCES namespaces (project, contract) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS records_by_block ON records (project, contract, block_number, log_index);

CREATE TABLE IF NOT EXISTS cursors (
	event_id    TEXT PRIMARY KEY,
	block       BIGINT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
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
	payload        JSONB,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project, contract, dedup_key, url)
);
`

// NewStore connects to dsn and applies the schema.
func NewStore(ctx context.Context, dsn string, mode model.KeyMode) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	if mode == "" {
		mode = model.KeyModeFull
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, mode: mode}, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("store not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *Store) EnsureNamespace(ctx context.Context, ns model.Namespace) error {
	if ns.Project == "" || ns.Contract == "" {
		return storage.ErrNamespaceRequired
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO namespaces (project, contract) VALUES ($1, $2)
		ON CONFLICT (project, contract) DO NOTHING
	`, ns.Project, ns.Contract)
	if err != nil {
		return fmt.Errorf("ensure namespace %s: %w", ns, err)
	}
	return nil
}

// DropNamespace removes ns; records follow through the cascade.
func (s *Store) DropNamespace(ctx context.Context, ns model.Namespace) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM deliveries WHERE project = $1 AND contract = $2`, ns.Project, ns.Contract); err != nil {
			return fmt.Errorf("drop deliveries %s: %w", ns, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM namespaces WHERE project = $1 AND contract = $2`, ns.Project, ns.Contract); err != nil {
			return fmt.Errorf("drop namespace %s: %w", ns, err)
		}
		return nil
	})
}

func (s *Store) Namespaces(ctx context.Context) ([]model.Namespace, error) {
	rows, err := s.pool.Query(ctx, `SELECT project, contract FROM namespaces ORDER BY project, contract`)
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

func (s *Store) Exists(ctx context.Context, ns model.Namespace, key model.RecordKey) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM records WHERE project = $1 AND contract = $2 AND dedup_key = $3)
	`, ns.Project, ns.Contract, s.mode.Key(key)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check record: %w", err)
	}
	return exists, nil
}

func (s *Store) Put(ctx context.Context, rec model.Record) (bool, error) {
	if err := storage.ValidateRecord(rec); err != nil {
		return false, err
	}
	fields, err := storage.EncodeFields(rec.Fields)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO records (
			project, contract, dedup_key, event_id, name, block_number, block_hash, tx_hash, log_index, fields
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
		ON CONFLICT (project, contract, dedup_key) DO NOTHING
	`,
		rec.Namespace.Project,
		rec.Namespace.Contract,
		s.mode.Key(rec.Key()),
		rec.EventID,
		rec.Name,
		int64(rec.BlockNumber),
		rec.BlockHash,
		strings.ToLower(rec.TxHash),
		int64(rec.LogIndex),
		fields,
	)
	if err != nil {
		return false, fmt.Errorf("insert record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Records(ctx context.Context, ns model.Namespace, q storage.RecordQuery) ([]model.Record, error) {
	query := `
		SELECT event_id, name, block_number, block_hash, tx_hash, log_index, fields::text, created_at
		FROM records WHERE project = $1 AND contract = $2`
	args := []any{ns.Project, ns.Contract}
	if q.EventID != "" {
		args = append(args, q.EventID)
		query += fmt.Sprintf(" AND event_id = $%d", len(args))
	}
	if q.FromBlock > 0 {
		args = append(args, int64(q.FromBlock))
		query += fmt.Sprintf(" AND block_number >= $%d", len(args))
	}
	if q.ToBlock > 0 {
		args = append(args, int64(q.ToBlock))
		query += fmt.Sprintf(" AND block_number <= $%d", len(args))
	}
	query += " ORDER BY block_number, log_index"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var (
			rec       model.Record
			block     int64
			logIndex  int64
			rawFields string
		)
		if err := rows.Scan(&rec.EventID, &rec.Name, &block, &rec.BlockHash, &rec.TxHash, &logIndex, &rawFields, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if rec.Fields, err = storage.DecodeFields(rawFields); err != nil {
			return nil, err
		}
		rec.Namespace = ns
		rec.BlockNumber = uint64(block)
		rec.LogIndex = uint(logIndex)
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetCursor(ctx context.Context, eventID string) (uint64, bool, error) {
	var block int64
	err := s.pool.QueryRow(ctx, `SELECT block FROM cursors WHERE event_id = $1`, eventID).Scan(&block)
	switch {
	case err == nil:
		return uint64(block), true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("get cursor: %w", err)
	}
}

func (s *Store) AdvanceCursor(ctx context.Context, eventID string, block uint64) error {
	if eventID == "" {
		return errors.New("event id required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cursors (event_id, block, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (event_id)
		DO UPDATE SET
			block = GREATEST(cursors.block, EXCLUDED.block),
			updated_at = now()
	`, eventID, int64(block))
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

func (s *Store) DeleteCursor(ctx context.Context, eventID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM cursors WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("delete cursor: %w", err)
	}
	return nil
}

func (s *Store) Cursors(ctx context.Context) ([]storage.Cursor, error) {
	rows, err := s.pool.Query(ctx, `SELECT event_id, block, updated_at FROM cursors ORDER BY event_id`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var out []storage.Cursor
	for rows.Next() {
		var (
			c     storage.Cursor
			block int64
		)
		if err := rows.Scan(&c.EventID, &block, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		c.Block = uint64(block)
		c.UpdatedAt = c.UpdatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) RecordDelivery(ctx context.Context, d storage.Delivery) error {
	if err := d.Validate(); err != nil {
		return err
	}
	payload, err := storage.EncodeFields(d.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO deliveries (
			project, contract, dedup_key, url, event_id, status, attempts, response_code, error, payload, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, now())
		ON CONFLICT (project, contract, dedup_key, url)
		DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			response_code = EXCLUDED.response_code,
			error = EXCLUDED.error,
			payload = EXCLUDED.payload,
			updated_at = now()
	`,
		d.Namespace.Project,
		d.Namespace.Contract,
		s.mode.Key(d.RecordKey),
		d.URL,
		d.EventID,
		string(d.Status),
		d.Attempts,
		d.ResponseCode,
		d.Error,
		payload,
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

func (s *Store) DeliveryStats(ctx context.Context) (map[storage.DeliveryStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM deliveries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("delivery stats: %w", err)
	}
	defer rows.Close()

	out := map[storage.DeliveryStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan delivery stats: %w", err)
		}
		out[storage.DeliveryStatus(status)] = int(n)
	}
	return out, rows.Err()
}

// Truncate empties every table. Tests use it to start from a clean database.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE deliveries, records, cursors, namespaces`)
	return err
}
