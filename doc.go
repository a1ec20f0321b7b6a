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

// Package artifactquery ingests heterogeneous forensic tool output (process
// lists, network snapshots, scan results) into a SQLite backed store and
// answers questions about it in a small pipe query language.
//
// Ingestion
//
// Records are arbitrary key/value maps. Nested maps are flattened into
// dotted column names, tables are created on first ingest and widened with
// new nullable columns whenever a record carries an unseen key. Every row is
// augmented with the source and host it came from:
//     engine, _ := artifactquery.New(":memory:")
//     engine.Ingest("processes", records, "pslist-plugin", "workstation-7")
//
// Querying
//
// Queries name a table and pipe it through filter and shaping stages:
//     processes | where PID > 4 and Name contains "svc" | project Name, PID | take 10
//     netstat | summarize count() by State
// The compiler translates a query into a single parameterized SQLite
// statement. Values never appear in the generated SQL text, they are bound
// as parameters.
package artifactquery
