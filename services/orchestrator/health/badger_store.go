// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// keyPrefix namespaces health entries inside a shared BadgerDB.
const keyPrefix = "model_health/"

// BadgerStore persists health entries in an embedded BadgerDB.
//
// Thread Safety: Safe for concurrent use; BadgerDB transactions provide
// isolation.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// BadgerStoreConfig configures the store.
type BadgerStoreConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory.
	Path string

	// InMemory disables disk persistence. Useful for testing.
	InMemory bool

	// Logger for store operations. Nil disables BadgerDB internal logging.
	Logger *slog.Logger
}

// OpenBadgerStore opens (or creates) the store.
func OpenBadgerStore(cfg BadgerStoreConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)
	if cfg.InMemory {
		opts.Dir = ""
		opts.ValueDir = ""
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("health: failed to open badger store: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// List implements Store.
func (s *BadgerStore) List(ctx context.Context, modelIDs []string) (map[string]Entry, error) {
	out := make(map[string]Entry, len(modelIDs))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range modelIDs {
			if err := ctx.Err(); err != nil {
				return err
			}
			item, err := txn.Get([]byte(keyPrefix + id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var entry Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				// A corrupt entry is skipped, not fatal: the tracker falls
				// back to the default score for that model.
				s.logger.Warn("skipping corrupt health entry", "model", id, "error", err)
				continue
			}
			out[id] = entry
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("health: badger list failed: %w", err)
	}
	return out, nil
}

// Upsert implements Store.
func (s *BadgerStore) Upsert(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("health: failed to marshal entry: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+entry.ModelID), val)
	})
	if err != nil {
		return fmt.Errorf("health: badger upsert failed: %w", err)
	}
	return nil
}

// Clear implements Store.
func (s *BadgerStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("health: badger clear failed: %w", err)
	}
	return nil
}
