// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/SpiralCBR/services/spiral/datatypes"
)

const (
	casePrefix   = "case/"
	hashPrefix   = "hash/"
	statusPrefix = "status/"

	// conflictRetries bounds optimistic-transaction retries before a write
	// is reported as deferred.
	conflictRetries = 3
)

// BadgerStore is the production CaseStore over an embedded Badger database.
//
// Layout: records under case/<id>, a hash index under hash/<hash>, and a
// status index under status/<status>/<id>. Each mutation touches a single
// record plus its index keys inside one transaction; conflicting writers
// are retried a bounded number of times.
//
// # Thread Safety
//
// Safe for concurrent use; Badger transactions provide the isolation.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an already-opened database. The caller owns the
// database lifetime.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// OpenBadgerStore opens (or creates) a database at path. An empty path
// opens an in-memory database, used by tests.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening case store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func caseKey(id string) []byte { return []byte(casePrefix + id) }
func hashKey(h string) []byte  { return []byte(hashPrefix + h) }
func statusKey(status datatypes.CaseStatus, id string) []byte {
	return []byte(statusPrefix + string(status) + "/" + id)
}

// Get implements CaseStore.
func (s *BadgerStore) Get(ctx context.Context, id string) (*datatypes.CaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *datatypes.CaseRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetByHash implements CaseStore.
func (s *BadgerStore) GetByHash(ctx context.Context, hash string) (*datatypes.CaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *datatypes.CaseRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(hashKey(hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = readRecord(txn, string(val))
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Insert implements CaseStore.
func (s *BadgerStore) Insert(ctx context.Context, rec *datatypes.CaseRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if !rec.Status.Valid() {
		rec.Status = datatypes.StatusQuarantine
	}

	err := s.update(ctx, func(txn *badger.Txn) error {
		if err := writeRecord(txn, rec); err != nil {
			return err
		}
		if err := txn.Set(hashKey(rec.ContentHash), []byte(rec.ID)); err != nil {
			return err
		}
		return txn.Set(statusKey(rec.Status, rec.ID), nil)
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// UpdateStatus implements CaseStore.
func (s *BadgerStore) UpdateStatus(ctx context.Context, id string, status datatypes.CaseStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid case status %q", status)
	}

	return s.update(ctx, func(txn *badger.Txn) error {
		rec, err := readRecord(txn, id)
		if err != nil {
			return err
		}
		if rec.Status == status {
			return nil
		}
		if err := txn.Delete(statusKey(rec.Status, id)); err != nil {
			return err
		}
		rec.Status = status
		if err := writeRecord(txn, rec); err != nil {
			return err
		}
		return txn.Set(statusKey(status, id), nil)
	})
}

// IncrementCounters implements CaseStore.
func (s *BadgerStore) IncrementCounters(ctx context.Context, id string, delta CounterDelta) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		rec, err := readRecord(txn, id)
		if err != nil {
			return err
		}
		rec.HitCount += delta.Hit
		rec.PositiveFeedback += delta.Positive
		rec.NegativeFeedback += delta.Negative
		return writeRecord(txn, rec)
	})
}

// Touch implements CaseStore.
func (s *BadgerStore) Touch(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		rec, err := readRecord(txn, id)
		if err != nil {
			return err
		}
		rec.LastHitAt = at.UTC()
		return writeRecord(txn, rec)
	})
}

// ListByStatus implements CaseStore.
func (s *BadgerStore) ListByStatus(ctx context.Context, status datatypes.CaseStatus) ([]*datatypes.CaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []*datatypes.CaseRecord
	prefix := []byte(statusPrefix + string(status) + "/")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			rec, err := readRecord(txn, id)
			if errors.Is(err, ErrNotFound) {
				// Stale index entry; skip rather than fail the scan.
				slog.Warn("Dangling status index entry", "id", id, "status", status)
				continue
			}
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// update runs fn in a read-write transaction, retrying bounded times on
// optimistic conflicts before declaring the write deferred.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		slog.Debug("Case store write conflict, retrying", "attempt", attempt+1)
	}
	return fmt.Errorf("%w: %v", ErrWritebackDeferred, err)
}

func readRecord(txn *badger.Txn, id string) (*datatypes.CaseRecord, error) {
	item, err := txn.Get(caseKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec datatypes.CaseRecord
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("decoding case record %s: %w", id, err)
	}
	return &rec, nil
}

func writeRecord(txn *badger.Txn, rec *datatypes.CaseRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding case record %s: %w", rec.ID, err)
	}
	return txn.Set(caseKey(rec.ID), data)
}

var _ CaseStore = (*BadgerStore)(nil)
