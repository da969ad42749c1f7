// Package memory is the in-process storage backend: mutex-guarded maps
// with an undo log for transactional rollback. It backs local
// development (no DATABASE_URL) and the unit test suites.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/masroof-app/masroof-api/internal/storage"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

// Store keeps all rows and ledger records in memory.
type Store struct {
	mu   sync.RWMutex
	rows map[string]*storage.Row
	ops  map[string]*storage.OpRecord
}

// New returns an empty store.
func New() *Store {
	return &Store{
		rows: make(map[string]*storage.Row),
		ops:  make(map[string]*storage.OpRecord),
	}
}

func rowKey(entityType, entityID string) string {
	return entityType + "\x00" + entityID
}

func opKey(userID, deviceID, key string) string {
	return userID + "\x00" + deviceID + "\x00" + key
}

func cloneRow(r *storage.Row) *storage.Row {
	cp := *r
	cp.Payload = syncx.CloneMap(r.Payload)
	if r.DeletedAt != nil {
		dt := *r.DeletedAt
		cp.DeletedAt = &dt
	}
	return &cp
}

func cloneOp(rec *storage.OpRecord) *storage.OpRecord {
	cp := *rec
	cp.Result = syncx.CloneMap(rec.Result)
	return &cp
}

// ---- locked primitives (callers hold the appropriate lock) ----

func (s *Store) getRowLocked(entityType, entityID string) (*storage.Row, error) {
	r, ok := s.rows[rowKey(entityType, entityID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneRow(r), nil
}

func (s *Store) listByTypeLocked(walletID, entityType string) []*storage.Row {
	prefix := entityType + "\x00"
	out := make([]*storage.Row, 0)
	for k, r := range s.rows {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if r.WalletID != walletID {
			continue
		}
		out = append(out, cloneRow(r))
	}
	sort.Slice(out, func(i, j int) bool {
		return storage.RowPosition(out[i]).Before(storage.RowPosition(out[j]))
	})
	return out
}

func (s *Store) findByPayloadLocked(entityType, field, value string) []*storage.Row {
	prefix := entityType + "\x00"
	out := make([]*storage.Row, 0)
	for k, r := range s.rows {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if syncx.GetString(r.Payload, field) != value {
			continue
		}
		out = append(out, cloneRow(r))
	}
	sort.Slice(out, func(i, j int) bool {
		return storage.RowPosition(out[i]).Before(storage.RowPosition(out[j]))
	})
	return out
}

func (s *Store) scanWalletLocked(walletID string, after storage.Position, limit int, types []string) []*storage.Row {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	out := make([]*storage.Row, 0)
	for _, r := range s.rows {
		if r.WalletID != walletID {
			continue
		}
		if len(typeSet) > 0 && !typeSet[r.EntityType] {
			continue
		}
		if !after.Before(storage.RowPosition(r)) {
			continue
		}
		out = append(out, cloneRow(r))
	}
	sort.Slice(out, func(i, j int) bool {
		return storage.RowPosition(out[i]).Before(storage.RowPosition(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ---- Store interface ----

func (s *Store) GetRow(ctx context.Context, entityType, entityID string) (*storage.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRowLocked(entityType, entityID)
}

func (s *Store) ListByType(ctx context.Context, walletID, entityType string) ([]*storage.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listByTypeLocked(walletID, entityType), nil
}

func (s *Store) ScanWallet(ctx context.Context, walletID string, after storage.Position, limit int, types []string) ([]*storage.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanWalletLocked(walletID, after, limit, types), nil
}

func (s *Store) FindByPayload(ctx context.Context, entityType, field, value string) ([]*storage.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findByPayloadLocked(entityType, field, value), nil
}

func (s *Store) PutRow(ctx context.Context, r *storage.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rowKey(r.EntityType, r.EntityID)] = cloneRow(r)
	return nil
}

func (s *Store) DeleteRow(ctx context.Context, entityType, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, rowKey(entityType, entityID))
	return nil
}

func (s *Store) GetOp(ctx context.Context, userID, deviceID, key string) (*storage.OpRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.ops[opKey(userID, deviceID, key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneOp(rec), nil
}

func (s *Store) PutOp(ctx context.Context, rec *storage.OpRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := opKey(rec.UserID, rec.DeviceID, rec.OpKey)
	if _, exists := s.ops[k]; exists {
		return storage.ErrOpExists
	}
	s.ops[k] = cloneOp(rec)
	return nil
}

// Atomic holds the write lock for the duration of fn. Writes are
// applied immediately (so fn reads its own writes) and journaled; on
// error the journal restores the prior state.
func (s *Store) Atomic(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// memTx applies writes directly under the store lock, recording undo
// entries in reverse order.
type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

func (t *memTx) journalRow(k string) {
	prev, existed := t.s.rows[k]
	t.undo = append(t.undo, func() {
		if existed {
			t.s.rows[k] = prev
		} else {
			delete(t.s.rows, k)
		}
	})
}

func (t *memTx) GetRow(ctx context.Context, entityType, entityID string) (*storage.Row, error) {
	return t.s.getRowLocked(entityType, entityID)
}

func (t *memTx) ListByType(ctx context.Context, walletID, entityType string) ([]*storage.Row, error) {
	return t.s.listByTypeLocked(walletID, entityType), nil
}

func (t *memTx) ScanWallet(ctx context.Context, walletID string, after storage.Position, limit int, types []string) ([]*storage.Row, error) {
	return t.s.scanWalletLocked(walletID, after, limit, types), nil
}

func (t *memTx) FindByPayload(ctx context.Context, entityType, field, value string) ([]*storage.Row, error) {
	return t.s.findByPayloadLocked(entityType, field, value), nil
}

func (t *memTx) PutRow(ctx context.Context, r *storage.Row) error {
	k := rowKey(r.EntityType, r.EntityID)
	t.journalRow(k)
	t.s.rows[k] = cloneRow(r)
	return nil
}

func (t *memTx) DeleteRow(ctx context.Context, entityType, entityID string) error {
	k := rowKey(entityType, entityID)
	t.journalRow(k)
	delete(t.s.rows, k)
	return nil
}

func (t *memTx) GetOp(ctx context.Context, userID, deviceID, key string) (*storage.OpRecord, error) {
	rec, ok := t.s.ops[opKey(userID, deviceID, key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneOp(rec), nil
}

func (t *memTx) PutOp(ctx context.Context, rec *storage.OpRecord) error {
	k := opKey(rec.UserID, rec.DeviceID, rec.OpKey)
	if _, exists := t.s.ops[k]; exists {
		return storage.ErrOpExists
	}
	prevNil := func() { delete(t.s.ops, k) }
	t.undo = append(t.undo, prevNil)
	t.s.ops[k] = cloneOp(rec)
	return nil
}
