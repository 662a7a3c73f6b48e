// go-hci
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-hci.
//
// go-hci is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-hci is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-hci; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

// Package badger persists engine snapshots in a BadgerDB key-value store.
//
// Snapshots are stored as JSON under "snap:<name>", so several engines can
// share one database.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/pion/logging"

	hci "github.com/ZaparooProject/go-hci"
)

const prefixSnapshot = "snap:"

// DefaultName is the snapshot key used when no name is configured.
const DefaultName = "default"

// Config holds the store settings
type Config struct {
	LoggerFactory logging.LoggerFactory
	Name          string
	Path          string
	InMemory      bool
}

// Option configures the store
type Option func(*Config)

// WithName sets the snapshot key
func WithName(name string) Option {
	return func(c *Config) {
		c.Name = name
	}
}

// WithInMemory keeps the database in memory; Path is ignored
func WithInMemory() Option {
	return func(c *Config) {
		c.InMemory = true
	}
}

// WithLoggerFactory sets the logger factory
func WithLoggerFactory(factory logging.LoggerFactory) Option {
	return func(c *Config) {
		c.LoggerFactory = factory
	}
}

// Store implements hci.Store on BadgerDB
type Store struct {
	db   *badgerdb.DB
	log  logging.LeveledLogger
	key  []byte
	owns bool
}

var _ hci.Store = (*Store)(nil)

// Open opens or creates the database at path
func Open(path string, opts ...Option) (*Store, error) {
	cfg := Config{Path: path, Name: DefaultName}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: empty snapshot name", hci.ErrInvalidParameter)
	}
	if cfg.Path == "" && !cfg.InMemory {
		return nil, fmt.Errorf("%w: empty database path", hci.ErrInvalidParameter)
	}

	log := cfg.LoggerFactory.NewLogger("hci-store-badger")
	dbOpts := badgerdb.DefaultOptions(cfg.Path).WithLogger(badgerLogger{log})
	if cfg.InMemory {
		dbOpts = dbOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	s := New(db, cfg.Name, cfg.LoggerFactory)
	s.owns = true
	return s, nil
}

// New wraps an open database. Close does not close db.
func New(db *badgerdb.DB, name string, factory logging.LoggerFactory) *Store {
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	return &Store{
		db:  db,
		log: factory.NewLogger("hci-store-badger"),
		key: keySnapshot(name),
	}
}

func keySnapshot(name string) []byte {
	return []byte(prefixSnapshot + name)
}

// Load returns the stored snapshot, or nil when none was saved
func (s *Store) Load(ctx context.Context) (*hci.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var snap *hci.Snapshot
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(s.key)
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			snap = &hci.Snapshot{}
			if err := json.Unmarshal(val, snap); err != nil {
				return fmt.Errorf("failed to decode snapshot: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", s.key, err)
	}
	if snap != nil {
		s.log.Debugf("loaded snapshot %s: %d apps, %d gates, %d pipes",
			s.key, len(snap.Apps), len(snap.Gates), len(snap.Pipes))
	}
	return snap, nil
}

// Save replaces the stored snapshot
func (s *Store) Save(ctx context.Context, snap *hci.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", hci.ErrInvalidParameter)
	}

	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(s.key, val); err != nil {
			return fmt.Errorf("failed to store snapshot %s: %w", s.key, err)
		}
		return nil
	})
}

// Delete removes the stored snapshot
func (s *Store) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Delete(s.key); err != nil && !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("failed to delete snapshot %s: %w", s.key, err)
		}
		return nil
	})
}

// Close closes the database if Open created it
func (s *Store) Close() error {
	if !s.owns {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}
	return nil
}

// badgerLogger routes badger's logging through a pion logger.
type badgerLogger struct {
	log logging.LeveledLogger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Errorf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warnf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debugf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Tracef(format, args...)
}
