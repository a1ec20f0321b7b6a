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

package artifactlite

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/qri-io/jsonschema"
	"go.uber.org/zap"

	"github.com/forensicanalysis/artifactquery/gorecord"
)

// Augmenting columns appended to every ingested table for cross source
// correlation. This is a fixed convention, not configurable per call.
const (
	sourceColumn = "source"
	hostColumn   = "host"
	uidColumn    = "uid"
)

// IngestionError reports a batch that could not be committed. Index is the
// offending record, or -1 when the batch failed as a whole.
type IngestionError struct {
	Table string
	Index int
	Err   error
}

func (e *IngestionError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("could not ingest batch into table '%s': %v", e.Table, e.Err)
	}
	return fmt.Sprintf("could not ingest record %d into table '%s': %v", e.Index, e.Table, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// Ingest normalizes a batch of records into rows of the named table, creating
// or widening the table schema as needed. The whole batch is inserted in one
// transaction: either every record is committed or none is.
func (db *DB) Ingest(table string, records []map[string]interface{}, source, host string) (int, error) { // nolint:gocyclo
	if table == "" {
		return 0, errors.New("missing table name")
	}
	name := sanitizeName(table)
	if len(records) == 0 {
		return 0, nil
	}

	flat := make([]map[string]interface{}, len(records))
	types := map[string]string{}
	for i, record := range records {
		flatRecord, recordTypes, err := gorecord.Normalize(record)
		if err != nil {
			return 0, &IngestionError{Table: name, Index: i, Err: err}
		}
		if err := db.validateRecord(name, flatRecord); err != nil {
			return 0, &IngestionError{Table: name, Index: i, Err: err}
		}

		for key, sqlType := range recordTypes {
			sanitized := sanitizeName(key)
			if sanitized != key {
				flatRecord[sanitized] = flatRecord[key]
				delete(flatRecord, key)
			}
			if existing, ok := types[sanitized]; ok && existing != sqlType {
				types[sanitized] = Text
			} else if !ok || types[sanitized] != Text {
				types[sanitized] = sqlType
			}
		}

		flatRecord[uidColumn] = name + "--" + uuid.New().String()
		flatRecord[sourceColumn] = source
		flatRecord[hostColumn] = host
		flat[i] = flatRecord
	}
	types[sourceColumn] = Text
	types[hostColumn] = Text

	if err := db.ensureTable(name, types); err != nil {
		return 0, errors.Wrap(err, "could not ensure table")
	}

	if err := db.insertBatch(name, flat); err != nil {
		return 0, err
	}
	db.registry.addRows(name, int64(len(flat)))
	db.log.Info("ingested batch",
		zap.String("table", name), zap.Int("records", len(flat)),
		zap.String("source", source), zap.String("host", host))
	return len(flat), nil
}

func (db *DB) validateRecord(name string, record map[string]interface{}) error {
	schema, ok := db.schemas.load(name)
	if !ok {
		return nil
	}
	var data map[string]interface{} = record
	var valErrs []jsonschema.ValError
	schema.Validate("/", data, &valErrs)
	if len(valErrs) > 0 {
		var flaws []string
		for _, valErr := range valErrs {
			flaws = append(flaws, valErr.Error())
		}
		return fmt.Errorf("record could not be validated [%s]", strings.Join(flaws, ","))
	}
	return nil
}

// ensureTable creates the table on first ingest or widens it with the missing
// columns. Widening runs under the per-table lock and is committed before any
// insert that needs the new columns, so readers see either the pre- or the
// post-widening schema.
func (db *DB) ensureTable(name string, types map[string]string) error {
	entry, existed := db.registry.loadOrCreate(name)
	entry.widen.Lock()
	defer entry.widen.Unlock()

	if !existed {
		return db.createTable(name, types)
	}

	var missing []string
	conflicts := map[string]bool{}
	for column, sqlType := range types {
		if !db.registry.hasColumn(name, column) {
			missing = append(missing, column)
			continue
		}
		if existing, _ := db.registry.columnType(name, column); existing != sqlType && existing != Text {
			conflicts[column] = true
		}
	}
	for column := range conflicts {
		db.registry.addColumn(name, Column{Name: column, Type: types[column]}) // widens to TEXT
	}
	if len(missing) > 0 {
		if err := db.addMissingColumns(name, types, missing); err != nil {
			return errors.Wrap(err, fmt.Sprintf("adding missing columns failed %v", missing))
		}
	}
	return nil
}

func (db *DB) createTable(name string, types map[string]string) error {
	var keys []string
	for column := range types {
		if column != uidColumn && column != sourceColumn && column != hostColumn {
			keys = append(keys, column)
		}
	}
	sort.Strings(keys)

	ordered := append([]string{uidColumn}, keys...)
	ordered = append(ordered, sourceColumn, hostColumn)

	columns := []string{quote(uidColumn) + " " + Text + " PRIMARY KEY"}
	db.registry.addColumn(name, Column{Name: uidColumn, Type: Text})
	for _, column := range ordered[1:] {
		sqlType := types[column]
		db.registry.addColumn(name, Column{Name: column, Type: sqlType})
		columns = append(columns, quote(column)+" "+sqlType)
	}

	db.sqlMutex.Lock()
	defer db.sqlMutex.Unlock()
	db.log.Info("creating table", zap.String("table", name), zap.Int("columns", len(ordered)))
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(name), strings.Join(columns, ", ")) // #nosec
	_, err := db.cursor.Exec(query)
	return err
}

func (db *DB) addMissingColumns(name string, types map[string]string, missing []string) error {
	sort.Strings(missing)
	db.sqlMutex.Lock()
	defer db.sqlMutex.Unlock()
	for _, column := range missing {
		sqlType := types[column]
		db.log.Info("widening table", zap.String("table", name), zap.String("column", column), zap.String("type", sqlType))
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quote(name), quote(column), sqlType) // #nosec
		if _, err := db.cursor.Exec(query); err != nil {
			return err
		}
		db.registry.addColumn(name, Column{Name: column, Type: sqlType})
	}
	return nil
}

func (db *DB) insertBatch(name string, flat []map[string]interface{}) error {
	db.sqlMutex.Lock()
	defer db.sqlMutex.Unlock()

	tx, err := db.cursor.Begin()
	if err != nil {
		return &IngestionError{Table: name, Index: -1, Err: err}
	}

	columns, _ := db.registry.columns(name)
	for i, record := range flat {
		var names []string
		var placeholders []string
		var values []interface{}
		for _, column := range columns {
			value, ok := record[column.Name]
			if !ok {
				continue
			}
			if column.Type == Text {
				value = gorecord.CoerceText(value)
			}
			names = append(names, quote(column.Name))
			placeholders = append(placeholders, "?")
			values = append(values, value)
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", // #nosec
			quote(name), strings.Join(names, ", "), strings.Join(placeholders, ", "))
		if _, err := tx.Exec(query, values...); err != nil {
			_ = tx.Rollback()
			return &IngestionError{Table: name, Index: i, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &IngestionError{Table: name, Index: -1, Err: err}
	}
	return nil
}
