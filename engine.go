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

package artifactquery

import (
	"context"

	"github.com/fatih/structs"
	"github.com/pkg/errors"
	"github.com/qri-io/jsonschema"
	"github.com/spf13/afero"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/forensicanalysis/artifactquery/artifactlite"
	"github.com/forensicanalysis/artifactquery/pipeql"
)

// Column is a named, typed column of a table or result set.
type Column = artifactlite.Column

// ResultSet is the tabular output of a query.
type ResultSet = artifactlite.ResultSet

// Engine ties the query compiler to the record store. All methods are safe
// for concurrent use.
type Engine struct {
	db  *artifactlite.DB
	log *zap.Logger
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	log *zap.Logger
	fs  afero.Fs
}

// WithLogger sets the logger, zap.NewNop() is used otherwise.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.log = logger }
}

// WithFS sets the filesystem used for store file bookkeeping.
func WithFS(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// New creates or opens an engine backed by a SQLite store at url, which is a
// file path or ":memory:". Reopening an existing store restores the table
// schemas discovered by earlier ingests.
func New(url string, opts ...Option) (*Engine, error) {
	o := &options{log: zap.NewNop(), fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(o)
	}
	db, err := artifactlite.New(url, artifactlite.WithLogger(o.log), artifactlite.WithFS(o.fs))
	if err != nil {
		return nil, err
	}
	return &Engine{db: db, log: o.log}, nil
}

// Close closes the underlying store.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Ingest stores a batch of records in the named table, tagged with the
// source adapter and host they came from. It returns the number of rows
// inserted; on error no row of the batch is inserted.
func (e *Engine) Ingest(table string, records []map[string]interface{}, source, host string) (int, error) {
	return e.db.Ingest(table, records, source, host)
}

// IngestJSON ingests a JSON array of objects.
func (e *Engine) IngestJSON(table string, data []byte, source, host string) (int, error) {
	if !gjson.ValidBytes(data) {
		return 0, errors.New("invalid json")
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		return 0, errors.New("expected a json array of objects")
	}
	var records []map[string]interface{}
	for _, element := range parsed.Array() {
		record, ok := element.Value().(map[string]interface{})
		if !ok {
			return 0, errors.Errorf("expected a json object, got %s", element.Type)
		}
		records = append(records, record)
	}
	return e.db.Ingest(table, records, source, host)
}

// IngestStructs ingests a batch of structs, using the exported field names
// (or their structs tags) as columns.
func (e *Engine) IngestStructs(table string, batch []interface{}, source, host string) (int, error) {
	records := make([]map[string]interface{}, len(batch))
	for i, element := range batch {
		records[i] = structs.Map(element)
	}
	return e.db.Ingest(table, records, source, host)
}

// SetSchema registers a validation schema for a table. Later ingests into
// the table fail for records that do not validate.
func (e *Engine) SetSchema(table string, schema *jsonschema.RootSchema) {
	e.db.SetSchema(table, schema)
}

// Translate compiles a query into a parameterized SQL statement without
// running it.
func (e *Engine) Translate(query string) (string, []interface{}, error) {
	compiled, err := pipeql.Compile(query, e.schema())
	if err != nil {
		return "", nil, err
	}
	return compiled.SQL, compiled.Params, nil
}

// Execute compiles and runs a query against the store.
func (e *Engine) Execute(ctx context.Context, query string) (*ResultSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	compiled, err := pipeql.Compile(query, e.schema())
	if err != nil {
		return nil, err
	}

	columns := make([]Column, len(compiled.Columns))
	for i, column := range compiled.Columns {
		columns[i] = Column{Name: column.Name, Type: column.Type}
	}
	e.log.Debug("executing query", zap.String("query", query), zap.String("sql", compiled.SQL))
	return e.db.Execute(ctx, compiled.SQL, compiled.Params, columns)
}

// ListTables lists the names of all ingested tables.
func (e *Engine) ListTables() []string {
	return e.db.Tables()
}

// TableColumns returns the ordered columns of a table.
func (e *Engine) TableColumns(table string) ([]Column, bool) {
	return e.db.TableColumns(table)
}

// TableRowCount returns the current number of rows of a table.
func (e *Engine) TableRowCount(table string) (int64, bool) {
	return e.db.TableRowCount(table)
}

// ClearAllData removes all rows from all tables but keeps the discovered
// table schemas.
func (e *Engine) ClearAllData(ctx context.Context) error {
	return e.db.ClearAllData(ctx)
}

func (e *Engine) schema() pipeql.Schema {
	return &schemaView{db: e.db}
}

// schemaView adapts the store's schema registry to the compiler's read-only
// schema interface.
type schemaView struct {
	db *artifactlite.DB
}

func (v *schemaView) Table(name string) ([]pipeql.Column, bool) {
	columns, ok := v.db.TableColumns(name)
	if !ok {
		return nil, false
	}
	out := make([]pipeql.Column, len(columns))
	for i, column := range columns {
		out[i] = pipeql.Column{Name: column.Name, Type: column.Type}
	}
	return out, true
}
