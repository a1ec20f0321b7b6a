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
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/forensicanalysis/artifactquery/gorecord"
)

// ExecutionError reports that the underlying store rejected a statement or
// hit a runtime fault.
type ExecutionError struct {
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ResultSet is the ordered, typed tabular output of a query. Rows hold
// positional values matching the Columns descriptors; nil stands in for NULL.
type ResultSet struct {
	Columns []Column
	Rows    [][]interface{}
}

// Records renders the rows as one key/value object per row, with nil for
// absent values.
func (r *ResultSet) Records() []map[string]interface{} {
	records := make([]map[string]interface{}, len(r.Rows))
	for i, row := range r.Rows {
		record := make(map[string]interface{}, len(r.Columns))
		for j, column := range r.Columns {
			record[column.Name] = row[j]
		}
		records[i] = record
	}
	return records
}

// Nested renders the rows as key/value objects with dotted column names
// unflattened back into nested maps.
func (r *ResultSet) Nested() ([]map[string]interface{}, error) {
	records := r.Records()
	nested := make([]map[string]interface{}, len(records))
	for i, record := range records {
		n, err := gorecord.Unflatten(record)
		if err != nil {
			return nil, err
		}
		nested[i] = n
	}
	return nested, nil
}

// Execute runs a single SQL statement against the store and materializes the
// result. Column descriptors are taken from the compiled query when given,
// so results keep the inferred types of the schema registry. Queries run
// concurrently with each other; ingests exclude them.
func (db *DB) Execute(ctx context.Context, sqlText string, params []interface{}, columns []Column) (*ResultSet, error) {
	db.sqlMutex.RLock()
	defer db.sqlMutex.RUnlock()

	rows, err := db.cursor.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, &ExecutionError{Message: "could not execute statement", Err: err}
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, &ExecutionError{Message: "could not read result columns", Err: err}
	}

	result := &ResultSet{Rows: [][]interface{}{}}
	if len(columns) == len(names) {
		result.Columns = columns
	} else {
		for _, name := range names {
			result.Columns = append(result.Columns, Column{Name: name, Type: Text})
		}
	}

	for rows.Next() {
		values := make([]interface{}, len(names))
		pointers := make([]interface{}, len(names))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, &ExecutionError{Message: "could not scan row", Err: err}
		}
		for i, value := range values {
			if raw, ok := value.([]byte); ok {
				values[i] = string(raw)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if rows.Err() != nil {
		return nil, &ExecutionError{Message: "could not read rows", Err: rows.Err()}
	}
	return result, nil
}

// Tables lists the names of all tables ever ingested.
func (db *DB) Tables() []string {
	return db.registry.names()
}

// TableColumns returns the ordered columns of a table.
func (db *DB) TableColumns(name string) ([]Column, bool) {
	return db.registry.columns(sanitizeName(name))
}

// TableRowCount returns the current number of rows of a table.
func (db *DB) TableRowCount(name string) (int64, bool) {
	return db.registry.rowCount(sanitizeName(name))
}

// ClearAllData drops all table contents but keeps the schema registry's
// knowledge of prior shapes, so future ingests of the same record shape need
// no re-inference.
func (db *DB) ClearAllData(ctx context.Context) error {
	db.sqlMutex.Lock()
	defer db.sqlMutex.Unlock()

	tx, err := db.cursor.BeginTx(ctx, nil)
	if err != nil {
		return &ExecutionError{Message: "could not clear data", Err: err}
	}
	for _, name := range db.registry.names() {
		if _, err := tx.Exec("DELETE FROM " + quote(name)); err != nil { // #nosec
			_ = tx.Rollback()
			return &ExecutionError{Message: fmt.Sprintf("could not clear table '%s'", name), Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &ExecutionError{Message: "could not clear data", Err: err}
	}
	db.registry.resetRows()
	db.log.Info("cleared all data", zap.Int("tables", len(db.registry.names())))
	return nil
}
