// Copyright 2024-2026 Aiku AI

// Package store persists correlation records and the mesh node directory in
// SQLite through go.mau.fi/util/dbutil.
package store

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/meshtastic-matrix-bridge/pkg/store/upgrades"
)

// Store is the SQLite-backed record store and node directory.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// Open opens (creating if needed) the database at path and applies pending
// schema upgrades. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(sqliteURI(path), "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: gets its own database.
		db.RawDB.SetMaxOpenConns(1)
	}
	db.Owner = "meshtastic-matrix-bridge"
	db.UpgradeTable = upgrades.Table
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger())

	if err = db.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade database: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func sqliteURI(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return "file:" + path + "?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
