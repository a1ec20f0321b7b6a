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

// Package pipeql compiles pipe based analytics queries like
//
//	processes | where pid > 4 and name contains "host" | project name | take 10
//
// into single parameterized SQL statements. The compiler runs in three
// passes: Tokenize and Parse build the pipeline AST, Resolve binds all table,
// column and function references against a schema registry, and Generate
// lowers the resolved pipeline into nested SELECT layers, one per stage.
// Lex, parse and schema errors are all reported before any SQL is generated.
package pipeql

// Compiled is a fully translated query.
type Compiled struct {
	SQL     string
	Params  []interface{}
	Columns []Column // column descriptors of the result set
}

// Compile translates query text against the given schema.
func Compile(src string, schema Schema) (*Compiled, error) {
	pipeline, err := ParseQuery(src)
	if err != nil {
		return nil, err
	}
	resolved, err := Resolve(pipeline, schema)
	if err != nil {
		return nil, err
	}
	sql, params, err := Generate(resolved)
	if err != nil {
		return nil, err
	}
	return &Compiled{SQL: sql, Params: params, Columns: resolved.Columns}, nil
}
