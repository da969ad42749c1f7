// Package storage defines the persistence contract for the sync
// engine: entity rows addressed by (entity_type, entity_id), the
// operation ledger keyed by (user, device, op_key), and a
// cursor-ordered wallet scan.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row or ledger record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrOpExists is returned by PutOp when the (user, device, op_key)
	// slot is already taken; the caller re-reads the stored record.
	ErrOpExists = errors.New("storage: operation already recorded")
)

// Row is one syncable entity row. EntityID equals the payload's
// client_id for every row that round-trips to clients.
type Row struct {
	EntityType     string
	EntityID       string
	ClientID       string
	WalletID       string
	Payload        map[string]any
	DocVersion     int64
	ServerModified time.Time
	IsDeleted      bool
	DeletedAt      *time.Time
	CreatedAt      time.Time
}

// OpRecord is one ledger entry: the result returned the first time an
// operation was applied. OpKey is "{wallet_id}:{op_id}" so the same
// op_id may be reused across wallets without colliding.
type OpRecord struct {
	UserID     string
	DeviceID   string
	OpKey      string
	EntityType string
	EntityID   string
	Operation  string
	Status     string
	Result     map[string]any
	CreatedAt  time.Time
}

// Position is a point in a wallet's change stream, matching the
// pagination key (server_modified, entity_type, entity_id).
type Position struct {
	ServerModified time.Time
	EntityType     string
	EntityID       string
}

// Before reports whether p sorts strictly before q in stream order.
func (p Position) Before(q Position) bool {
	if !p.ServerModified.Equal(q.ServerModified) {
		return p.ServerModified.Before(q.ServerModified)
	}
	if p.EntityType != q.EntityType {
		return p.EntityType < q.EntityType
	}
	return p.EntityID < q.EntityID
}

// RowPosition is the stream position of a row.
func RowPosition(r *Row) Position {
	return Position{ServerModified: r.ServerModified, EntityType: r.EntityType, EntityID: r.EntityID}
}

// Reader is the read side shared by the store and transactions.
type Reader interface {
	// GetRow loads one row; ErrNotFound when absent.
	GetRow(ctx context.Context, entityType, entityID string) (*Row, error)

	// ListByType returns every row of one type in a wallet, deleted
	// rows included. Callers filter.
	ListByType(ctx context.Context, walletID, entityType string) ([]*Row, error)

	// ScanWallet returns up to limit rows of the given types strictly
	// after the position, ordered by (server_modified, entity_type,
	// entity_id) ascending.
	ScanWallet(ctx context.Context, walletID string, after Position, limit int, types []string) ([]*Row, error)

	// FindByPayload returns rows of one type, across wallets, whose
	// payload field equals value. Used for user-scoped lookups such as
	// wallet memberships.
	FindByPayload(ctx context.Context, entityType, field, value string) ([]*Row, error)
}

// Writer is the write side shared by the store and transactions.
type Writer interface {
	// PutRow upserts a row by (entity_type, entity_id).
	PutRow(ctx context.Context, r *Row) error

	// DeleteRow removes a row permanently (hard delete).
	DeleteRow(ctx context.Context, entityType, entityID string) error
}

// Ledger is the idempotency record store.
type Ledger interface {
	// GetOp loads a ledger record; ErrNotFound when absent.
	GetOp(ctx context.Context, userID, deviceID, opKey string) (*OpRecord, error)

	// PutOp inserts a ledger record; ErrOpExists when the key is taken.
	PutOp(ctx context.Context, rec *OpRecord) error
}

// Tx is the operation set available inside Atomic.
type Tx interface {
	Reader
	Writer
	Ledger
}

// Store is the full persistence interface. Atomic runs fn in a single
// transaction: all writes commit together or roll back together, and
// reads inside fn observe earlier writes of the same fn.
type Store interface {
	Reader
	Writer
	Ledger
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}
