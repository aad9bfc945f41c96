// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlite is the durable storage layer: signing keys, user core and
// PII partitions, passkey credentials, and consent grants. Short-lived
// protocol state lives in pkg/storage; everything here must survive process
// restart.
package sqlite

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // database/sql driver
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB wraps the sqlite handle and exposes the typed stores.
type DB struct {
	db *sql.DB

	Keys     *KeyStore
	Users    *UserStore
	Passkeys *PasskeyStore
	Consents *ConsentStore
}

// Open opens (creating if needed) the database at path and runs pending
// migrations. Use ":memory:" for tests.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// modernc sqlite serializes writes internally; a single connection
	// avoids SQLITE_BUSY on concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configuring sqlite: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &DB{
		db:       db,
		Keys:     &KeyStore{db: db},
		Users:    &UserStore{db: db},
		Passkeys: &PasskeyStore{db: db},
		Consents: &ConsentStore{db: db},
	}, nil
}

// Ping reports database health.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}
