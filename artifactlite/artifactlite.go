// Copyright (c) 2020 Siemens AG
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
//
// Author(s): Jonas Plum

// Package artifactlite stores heterogeneous forensic tool output as rows in a
// SQLite database. Tables are created on first ingest and widened with new
// nullable columns whenever a record carries an unseen key; the schema
// registry tracks the resulting column sets and inferred types.
package artifactlite

import (
	"database/sql"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3" // Import sqlite3 driver
	"github.com/pkg/errors"
	"github.com/qri-io/jsonschema"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/forensicanalysis/artifactquery/gorecord"
)

const (
	Integer  = gorecord.Integer
	Numeric  = gorecord.Numeric
	Text     = gorecord.Text
	Datetime = gorecord.Datetime
)

// DB is a SQLite backed table store for ingested records.
type DB struct {
	fs       afero.Fs
	url      string
	cursor   *sql.DB
	sqlMutex sync.RWMutex
	registry *registry
	schemas  *schemaMap
	log      *zap.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger, zap.NewNop() is used otherwise.
func WithLogger(logger *zap.Logger) Option {
	return func(db *DB) { db.log = logger }
}

// WithFS sets the filesystem used for store folder bookkeeping.
func WithFS(fs afero.Fs) Option {
	return func(db *DB) { db.fs = fs }
}

// New creates or opens a store. The url is a file path or ":memory:". An
// existing store has its schema registry rebuilt from the database, so table
// shapes survive restarts.
func New(url string, options ...Option) (*DB, error) {
	db := &DB{
		url:      strings.TrimRight(url, "/"),
		fs:       afero.NewOsFs(),
		registry: newRegistry(),
		schemas:  newSchemaMap(),
		log:      zap.NewNop(),
	}
	for _, option := range options {
		option(db)
	}

	if db.url != ":memory:" {
		exists, err := afero.Exists(db.fs, db.url)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := db.fs.MkdirAll(filepath.Dir(db.url), 0750); err != nil {
				return nil, err
			}
			db.log.Info("creating store", zap.String("url", db.url))
			file, err := db.fs.Create(db.url)
			if err != nil {
				return nil, err
			}
			if err := file.Close(); err != nil {
				return nil, err
			}
		}
	}

	var err error
	db.cursor, err = sql.Open("sqlite3", db.url)
	if err != nil {
		return nil, errors.Wrap(err, "could not open store")
	}
	if db.url == ":memory:" {
		// every pool connection would otherwise open its own empty database
		db.cursor.SetMaxOpenConns(1)
	}

	if err := db.loadTables(); err != nil {
		return nil, errors.Wrap(err, "could not load table schemas")
	}
	return db, nil
}

// Close closes the underlying database.
func (db *DB) Close() error {
	return db.cursor.Close()
}

// SetSchema registers a validation schema for a table. Records ingested into
// the table must validate against it afterwards.
func (db *DB) SetSchema(table string, schema *jsonschema.RootSchema) {
	db.schemas.store(sanitizeName(table), schema)
}

// loadTables rebuilds the schema registry from sqlite_master and
// PRAGMA table_info, so reopened stores need no re-inference.
func (db *DB) loadTables() error {
	rows, err := db.cursor.Query("SELECT name FROM sqlite_master WHERE type='table'")
	if err != nil {
		return err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		name := ""
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if isTableName(name) {
			names = append(names, name)
		}
	}
	if rows.Err() != nil {
		return rows.Err()
	}

	for _, name := range names {
		if err := db.loadTable(name); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) loadTable(name string) error {
	db.registry.loadOrCreate(name)

	columnRows, err := db.cursor.Query("PRAGMA table_info (" + quote(name) + ")")
	if err != nil {
		return err
	}
	defer columnRows.Close()
	for columnRows.Next() {
		var cid, notnull, pk int
		var columnName, columnType string
		var dflt interface{}
		if err := columnRows.Scan(&cid, &columnName, &columnType, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if columnType == "" {
			columnType = Text
		}
		db.registry.addColumn(name, Column{Name: columnName, Type: columnType})
	}
	if columnRows.Err() != nil {
		return columnRows.Err()
	}

	count := int64(0)
	row := db.cursor.QueryRow("SELECT COUNT(*) FROM " + quote(name)) // #nosec
	if err := row.Scan(&count); err != nil {
		return err
	}
	db.registry.addRows(name, count)
	return nil
}

func isTableName(name string) bool {
	return !strings.HasPrefix(name, "sqlite") && !strings.HasPrefix(name, "_")
}

// sanitizeName makes an adapter-chosen table or column name safe to use as a
// SQL identifier. Case is preserved, anything outside [A-Za-z0-9_.] becomes
// an underscore, so "netscan-plugin" is stored and queried as
// "netscan_plugin". Dots survive because flattened nested keys use them.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
