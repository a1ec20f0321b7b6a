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
	"sort"
	"sync"
)

// Column is a single column of an ingested table.
type Column struct {
	Name string
	Type string
}

// tableEntry tracks the known columns of one table in first-observed order.
// The widen mutex serializes schema changing ingests of the same table so
// concurrent novel shapes cannot race on ALTER TABLE.
type tableEntry struct {
	widen   sync.Mutex
	columns []Column
	index   map[string]int
	rows    int64
}

// registry is the schema registry: the concurrency safe record of which
// columns and inferred types exist per table. Entries are created implicitly
// on first ingest, widened by later ingests and never shrink.
type registry struct {
	sync.RWMutex
	tables map[string]*tableEntry
}

func newRegistry() *registry {
	return &registry{tables: map[string]*tableEntry{}}
}

func (r *registry) load(name string) (*tableEntry, bool) {
	r.RLock()
	entry, ok := r.tables[name]
	r.RUnlock()
	return entry, ok
}

// loadOrCreate returns the entry for a table, creating an empty one if the
// table was never seen. The second return reports whether the entry existed.
func (r *registry) loadOrCreate(name string) (*tableEntry, bool) {
	r.Lock()
	defer r.Unlock()
	if entry, ok := r.tables[name]; ok {
		return entry, true
	}
	entry := &tableEntry{index: map[string]int{}}
	r.tables[name] = entry
	return entry, false
}

func (r *registry) names() []string {
	r.RLock()
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	r.RUnlock()
	sort.Strings(names)
	return names
}

func (r *registry) columns(name string) ([]Column, bool) {
	r.RLock()
	defer r.RUnlock()
	entry, ok := r.tables[name]
	if !ok {
		return nil, false
	}
	columns := make([]Column, len(entry.columns))
	copy(columns, entry.columns)
	return columns, true
}

func (r *registry) hasColumn(name, column string) bool {
	r.RLock()
	defer r.RUnlock()
	entry, ok := r.tables[name]
	if !ok {
		return false
	}
	_, ok = entry.index[column]
	return ok
}

// addColumn records a new column, or widens the type of an existing one to
// TEXT when a conflicting type is observed. Columns are never removed.
func (r *registry) addColumn(name string, column Column) {
	r.Lock()
	defer r.Unlock()
	entry, ok := r.tables[name]
	if !ok {
		return
	}
	if i, ok := entry.index[column.Name]; ok {
		if entry.columns[i].Type != column.Type {
			entry.columns[i].Type = Text
		}
		return
	}
	entry.index[column.Name] = len(entry.columns)
	entry.columns = append(entry.columns, column)
}

func (r *registry) columnType(name, column string) (string, bool) {
	r.RLock()
	defer r.RUnlock()
	entry, ok := r.tables[name]
	if !ok {
		return "", false
	}
	i, ok := entry.index[column]
	if !ok {
		return "", false
	}
	return entry.columns[i].Type, true
}

func (r *registry) rowCount(name string) (int64, bool) {
	r.RLock()
	defer r.RUnlock()
	entry, ok := r.tables[name]
	if !ok {
		return 0, false
	}
	return entry.rows, true
}

func (r *registry) addRows(name string, n int64) {
	r.Lock()
	if entry, ok := r.tables[name]; ok {
		entry.rows += n
	}
	r.Unlock()
}

func (r *registry) resetRows() {
	r.Lock()
	for _, entry := range r.tables {
		entry.rows = 0
	}
	r.Unlock()
}
