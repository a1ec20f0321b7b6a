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

package pipeql

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compile(t *testing.T, src string) (string, []interface{}) {
	t.Helper()
	compiled, err := Compile(src, testSchema)
	require.NoError(t, err)
	return compiled.SQL, compiled.Params
}

func TestGenerate(t *testing.T) {
	type args struct {
		src string
	}
	tests := []struct {
		name       string
		args       args
		wantSQL    string
		wantParams []interface{}
	}{
		{
			"bare table",
			args{`procs`},
			`SELECT * FROM "procs"`,
			nil,
		},
		{
			"where",
			args{`procs | where PID > 4`},
			`SELECT * FROM (SELECT * FROM "procs") AS s0 WHERE ("PID" > ?)`,
			[]interface{}{int64(4)},
		},
		{
			"where and project",
			args{`procs | where PID > 4 | project Name`},
			`SELECT "Name" FROM (SELECT * FROM (SELECT * FROM "procs") AS s0 WHERE ("PID" > ?)) AS s1`,
			[]interface{}{int64(4)},
		},
		{
			"computed projection params precede inner params",
			args{`procs | where PID > 4 | project Doubled = PID * 2`},
			`SELECT ("PID" * ?) AS "Doubled" FROM (SELECT * FROM (SELECT * FROM "procs") AS s0 WHERE ("PID" > ?)) AS s1`,
			[]interface{}{int64(2), int64(4)},
		},
		{
			"take",
			args{`procs | take 5`},
			`SELECT * FROM (SELECT * FROM "procs") AS s0 LIMIT ?`,
			[]interface{}{int64(5)},
		},
		{
			"boolean precedence",
			args{`procs | where PID == 1 and Name == "a" or PID == 3`},
			`SELECT * FROM (SELECT * FROM "procs") AS s0 WHERE ((("PID" = ?) AND ("Name" = ?)) OR ("PID" = ?))`,
			[]interface{}{int64(1), "a", int64(3)},
		},
		{
			"contains",
			args{`procs | where Name contains "svc"`},
			`SELECT * FROM (SELECT * FROM "procs") AS s0 WHERE (INSTR("Name", ?) > 0)`,
			[]interface{}{"svc"},
		},
		{
			"has_any",
			args{`procs | where Name has_any ("mimikatz", "procdump")`},
			`SELECT * FROM (SELECT * FROM "procs") AS s0 WHERE (INSTR("Name", ?) > 0 OR INSTR("Name", ?) > 0)`,
			[]interface{}{"mimikatz", "procdump"},
		},
		{
			"summarize",
			args{`procs | summarize count(), sum(PID) by Name`},
			`SELECT "Name" AS "Name", COUNT(*) AS "count_", SUM("PID") AS "sum_PID" FROM (SELECT * FROM "procs") AS s0 GROUP BY "Name"`,
			nil,
		},
		{
			"dcount",
			args{`procs | summarize dcount(Name)`},
			`SELECT COUNT(DISTINCT "Name") AS "dcount_Name" FROM (SELECT * FROM "procs") AS s0`,
			nil,
		},
		{
			"order by",
			args{`procs | sort by Created desc, Name`},
			`SELECT * FROM (SELECT * FROM "procs") AS s0 ORDER BY "Created" DESC, "Name" ASC`,
			nil,
		},
		{
			"distinct",
			args{`procs | distinct Name`},
			`SELECT DISTINCT "Name" FROM (SELECT * FROM "procs") AS s0`,
			nil,
		},
		{
			"cast",
			args{`procs | project PID = tolong(PID)`},
			`SELECT CAST("PID" AS INTEGER) AS "PID" FROM (SELECT * FROM "procs") AS s0`,
			nil,
		},
		{
			"numeric bin",
			args{`procs | summarize count() by Bucket = bin(PID, 100)`},
			`SELECT (CAST("PID" / ? AS INTEGER) * ?) AS "Bucket", COUNT(*) AS "count_" FROM (SELECT * FROM "procs") AS s0 GROUP BY "Bucket"`,
			[]interface{}{int64(100), int64(100)},
		},
		{
			"flattened dotted columns",
			args{`flows | where laddr.port > 1024 | project laddr.ip`},
			`SELECT "laddr.ip" FROM (SELECT * FROM (SELECT * FROM "flows") AS s0 WHERE ("laddr.port" > ?)) AS s1`,
			[]interface{}{int64(1024)},
		},
		{
			"extend appends",
			args{`procs | extend Label = tostring(PID)`},
			`SELECT *, CAST("PID" AS TEXT) AS "Label" FROM (SELECT * FROM "procs") AS s0`,
			nil,
		},
		{
			"extend redefines in place",
			args{`procs | extend PID = tostring(PID)`},
			`SELECT "uid", "Name", CAST("PID" AS TEXT) AS "PID", "Created", "source", "host" FROM (SELECT * FROM "procs") AS s0`,
			nil,
		},
		{
			"join",
			args{`procs | project PID, Name | join conns on PID`},
			`SELECT l."PID", l."Name", r."uid", r."PID" AS "right_PID", r."State", r."source", r."host" FROM (SELECT "PID", "Name" FROM (SELECT * FROM "procs") AS s0) AS l INNER JOIN "conns" AS r ON l."PID" = r."PID"`,
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params := compile(t, tt.args.src)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantParams, params)
		})
	}
}

func TestGenerateAgo(t *testing.T) {
	sql, params := compile(t, `procs | where Created > ago(1h)`)
	assert.Equal(t, `SELECT * FROM (SELECT * FROM "procs") AS s0 WHERE ("Created" > ?)`, sql)
	require.Len(t, params, 1)

	cutoff, err := time.Parse(timeLayout, params[0].(string))
	require.NoError(t, err)
	age := time.Since(cutoff)
	assert.InDelta(t, time.Hour.Seconds(), age.Seconds(), 60)
}

func TestGenerateDurationBin(t *testing.T) {
	sql, params := compile(t, `procs | summarize count() by bin(Created, 1h)`)
	assert.Contains(t, sql, "strftime('%s'")
	assert.Equal(t, []interface{}{int64(3600), int64(3600)}, params)
}

func TestGenerateErrors(t *testing.T) {
	t.Run("duration literal outside ago or bin", func(t *testing.T) {
		_, err := Compile(`procs | where Created > 1h`, testSchema)
		require.Error(t, err)
		translationErr, ok := err.(*TranslationError)
		require.True(t, ok, "expected a *TranslationError, got %T", err)
		assert.Equal(t, 24, translationErr.Position)
	})
}

func TestGenerateNeverInlinesValues(t *testing.T) {
	sql, _ := compile(t, `procs | where Name == "mimikatz" and PID > 1337 | take 5`)
	assert.NotContains(t, sql, "mimikatz")
	assert.False(t, strings.Contains(sql, "1337"), "literals must be bound as parameters")
}
