// Package postgres is the pgx-backed storage backend. Entity payloads
// live in a JSONB column next to the sync metadata columns the engine
// queries; pagination uses a tuple comparison over the stream index.
package postgres

import (
	"context"
	_ "embed"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/masroof-app/masroof-api/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements storage.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New wraps a connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// EnsureSchema creates the sync tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.q.Exec(ctx, schemaSQL)
	return err
}

const rowColumns = `entity_type, entity_id, client_id, wallet_id, payload,
	doc_version, server_modified, is_deleted, deleted_at, created_at`

func scanRow(row pgx.Row) (*storage.Row, error) {
	var r storage.Row
	err := row.Scan(&r.EntityType, &r.EntityID, &r.ClientID, &r.WalletID, &r.Payload,
		&r.DocVersion, &r.ServerModified, &r.IsDeleted, &r.DeletedAt, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func collectRows(rows pgx.Rows) ([]*storage.Row, error) {
	defer rows.Close()
	out := make([]*storage.Row, 0)
	for rows.Next() {
		var r storage.Row
		if err := rows.Scan(&r.EntityType, &r.EntityID, &r.ClientID, &r.WalletID, &r.Payload,
			&r.DocVersion, &r.ServerModified, &r.IsDeleted, &r.DeletedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) GetRow(ctx context.Context, entityType, entityID string) (*storage.Row, error) {
	return scanRow(s.q.QueryRow(ctx, `
		SELECT `+rowColumns+`
		FROM sync_row
		WHERE entity_type = $1 AND entity_id = $2
	`, entityType, entityID))
}

func (s *Store) ListByType(ctx context.Context, walletID, entityType string) ([]*storage.Row, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+rowColumns+`
		FROM sync_row
		WHERE wallet_id = $1 AND entity_type = $2
		ORDER BY server_modified, entity_type, entity_id
	`, walletID, entityType)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

func (s *Store) ScanWallet(ctx context.Context, walletID string, after storage.Position, limit int, types []string) ([]*storage.Row, error) {
	if len(types) == 0 {
		rows, err := s.q.Query(ctx, `
			SELECT `+rowColumns+`
			FROM sync_row
			WHERE wallet_id = $1
			  AND (server_modified, entity_type, entity_id) > ($2, $3, $4)
			ORDER BY server_modified, entity_type, entity_id
			LIMIT $5
		`, walletID, after.ServerModified, after.EntityType, after.EntityID, limit)
		if err != nil {
			return nil, err
		}
		return collectRows(rows)
	}

	rows, err := s.q.Query(ctx, `
		SELECT `+rowColumns+`
		FROM sync_row
		WHERE wallet_id = $1
		  AND entity_type = ANY($2)
		  AND (server_modified, entity_type, entity_id) > ($3, $4, $5)
		ORDER BY server_modified, entity_type, entity_id
		LIMIT $6
	`, walletID, types, after.ServerModified, after.EntityType, after.EntityID, limit)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

func (s *Store) FindByPayload(ctx context.Context, entityType, field, value string) ([]*storage.Row, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+rowColumns+`
		FROM sync_row
		WHERE entity_type = $1 AND payload->>$2 = $3
		ORDER BY server_modified, entity_type, entity_id
	`, entityType, field, value)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

func (s *Store) PutRow(ctx context.Context, r *storage.Row) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO sync_row (`+rowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			client_id       = EXCLUDED.client_id,
			wallet_id       = EXCLUDED.wallet_id,
			payload         = EXCLUDED.payload,
			doc_version     = EXCLUDED.doc_version,
			server_modified = EXCLUDED.server_modified,
			is_deleted      = EXCLUDED.is_deleted,
			deleted_at      = EXCLUDED.deleted_at
	`, r.EntityType, r.EntityID, r.ClientID, r.WalletID, r.Payload,
		r.DocVersion, r.ServerModified, r.IsDeleted, r.DeletedAt, r.CreatedAt)
	return err
}

func (s *Store) DeleteRow(ctx context.Context, entityType, entityID string) error {
	_, err := s.q.Exec(ctx, `
		DELETE FROM sync_row WHERE entity_type = $1 AND entity_id = $2
	`, entityType, entityID)
	return err
}

func (s *Store) GetOp(ctx context.Context, userID, deviceID, opKey string) (*storage.OpRecord, error) {
	var rec storage.OpRecord
	err := s.q.QueryRow(ctx, `
		SELECT user_id, device_id, op_key, entity_type, entity_id, operation, status, result, created_at
		FROM sync_op
		WHERE user_id = $1 AND device_id = $2 AND op_key = $3
	`, userID, deviceID, opKey).Scan(&rec.UserID, &rec.DeviceID, &rec.OpKey,
		&rec.EntityType, &rec.EntityID, &rec.Operation, &rec.Status, &rec.Result, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PutOp(ctx context.Context, rec *storage.OpRecord) error {
	result := rec.Result
	if result == nil {
		result = map[string]any{}
	}
	tag, err := s.q.Exec(ctx, `
		INSERT INTO sync_op (user_id, device_id, op_key, entity_type, entity_id, operation, status, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (user_id, device_id, op_key) DO NOTHING
	`, rec.UserID, rec.DeviceID, rec.OpKey, rec.EntityType, rec.EntityID, rec.Operation, rec.Status, result)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrOpExists
	}
	return nil
}

// Atomic runs fn inside one pgx transaction.
func (s *Store) Atomic(ctx context.Context, fn func(tx storage.Tx) error) error {
	if s.pool == nil {
		return errors.New("postgres: nested transactions are not supported")
	}
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgtx.Rollback(ctx)

	if err := fn(&Store{q: pgtx}); err != nil {
		return err
	}
	return pgtx.Commit(ctx)
}
