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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forensicanalysis/artifactquery/pipeql"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	_, err = engine.Ingest("processes", []map[string]interface{}{
		{"Name": "System", "PID": 4},
		{"Name": "smss", "PID": 2},
		{"Name": "lsass", "PID": 708},
	}, "pslist-plugin", "workstation-7")
	require.NoError(t, err)

	_, err = engine.Ingest("netstat", []map[string]interface{}{
		{"PID": 708, "State": "LISTEN", "Port": 443},
		{"PID": 708, "State": "ESTABLISHED", "Port": 49233},
		{"PID": 4, "State": "LISTEN", "Port": 445},
	}, "netscan-plugin", "workstation-7")
	require.NoError(t, err)
	return engine
}

func TestExecuteWhereProject(t *testing.T) {
	engine := testEngine(t)

	result, err := engine.Execute(context.Background(), `processes | where PID > 4 | project Name`)
	require.NoError(t, err)
	require.Len(t, result.Columns, 1)
	assert.Equal(t, "Name", result.Columns[0].Name)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "lsass", result.Rows[0][0])
}

func TestExecuteProjectColumnOrder(t *testing.T) {
	engine := testEngine(t)

	result, err := engine.Execute(context.Background(), `processes | project PID, Name, host`)
	require.NoError(t, err)
	require.Len(t, result.Columns, 3)
	assert.Equal(t, "PID", result.Columns[0].Name)
	assert.Equal(t, "Name", result.Columns[1].Name)
	assert.Equal(t, "host", result.Columns[2].Name)
	assert.Equal(t, "INTEGER", result.Columns[0].Type)
}

func TestExecuteTake(t *testing.T) {
	engine := testEngine(t)

	result, err := engine.Execute(context.Background(), `netstat | where State == "LISTEN" | take 1`)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 1)

	result, err = engine.Execute(context.Background(), `netstat | take 100`)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 3)
}

func TestExecuteSummarize(t *testing.T) {
	engine := testEngine(t)

	result, err := engine.Execute(context.Background(), `netstat | summarize connections = count(), ports = sum(Port) by State | sort by State`)
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)

	records := result.Records()
	assert.Equal(t, "ESTABLISHED", records[0]["State"])
	assert.Equal(t, int64(1), records[0]["connections"])
	assert.Equal(t, "LISTEN", records[1]["State"])
	assert.Equal(t, int64(2), records[1]["connections"])
	assert.Equal(t, int64(888), records[1]["ports"])
}

func TestExecuteBooleanPrecedence(t *testing.T) {
	engine := testEngine(t)

	// and binds tighter: (LISTEN and 443) or PID == 4 matches two rows
	result, err := engine.Execute(context.Background(),
		`netstat | where State == "LISTEN" and Port == 443 or PID == 4`)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
}

func TestExecuteContains(t *testing.T) {
	engine := testEngine(t)

	result, err := engine.Execute(context.Background(), `processes | where Name contains "sass" | project Name`)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "lsass", result.Rows[0][0])
}

func TestExecuteHasAny(t *testing.T) {
	engine := testEngine(t)

	result, err := engine.Execute(context.Background(), `processes | where Name has_any ("lsass", "smss") | sort by PID`)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
}

func TestExecuteJoin(t *testing.T) {
	engine := testEngine(t)

	result, err := engine.Execute(context.Background(),
		`processes | join netstat on PID | where State == "LISTEN" | project Name, Port | sort by Port`)
	require.NoError(t, err)
	records := result.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "lsass", records[0]["Name"])
	assert.Equal(t, int64(443), records[0]["Port"])
	assert.Equal(t, "System", records[1]["Name"])
}

func TestExecuteExtend(t *testing.T) {
	engine := testEngine(t)

	result, err := engine.Execute(context.Background(),
		`processes | extend Label = tostring(PID) | where Label == "708" | project Name`)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "lsass", result.Rows[0][0])
}

func TestExecuteFlattenedColumns(t *testing.T) {
	engine, err := New(":memory:")
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.Ingest("sockets", []map[string]interface{}{
		{"Name": "nginx", "laddr": map[string]interface{}{"ip": "10.0.0.5", "port": 8443}},
		{"Name": "dns", "laddr": map[string]interface{}{"ip": "127.0.0.1", "port": 53}},
	}, "netscan", "h")
	require.NoError(t, err)

	result, err := engine.Execute(context.Background(), `sockets | where laddr.port > 1024 | project laddr.ip`)
	require.NoError(t, err)
	require.Len(t, result.Columns, 1)
	assert.Equal(t, "laddr.ip", result.Columns[0].Name)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "10.0.0.5", result.Rows[0][0])

	result, err = engine.Execute(context.Background(), `sockets | summarize count() by laddr.ip`)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
}

func TestExecuteExtendRedefines(t *testing.T) {
	engine := testEngine(t)

	result, err := engine.Execute(context.Background(),
		`processes | extend PID = tostring(PID) | where PID == "708" | project Name, PID`)
	require.NoError(t, err)
	require.Len(t, result.Columns, 2)
	assert.Equal(t, "Name", result.Columns[0].Name)
	assert.Equal(t, "PID", result.Columns[1].Name)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "lsass", result.Rows[0][0])
	assert.Equal(t, "708", result.Rows[0][1])
}

func TestExecuteDistinct(t *testing.T) {
	engine := testEngine(t)

	result, err := engine.Execute(context.Background(), `netstat | distinct State`)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
}

func TestExecuteAgo(t *testing.T) {
	engine, err := New(":memory:")
	require.NoError(t, err)
	defer engine.Close()

	now := time.Now().UTC()
	_, err = engine.Ingest("events", []map[string]interface{}{
		{"Action": "logon", "Created": now.Add(-10 * time.Minute)},
		{"Action": "logoff", "Created": now.Add(-3 * time.Hour)},
	}, "eventlog", "h")
	require.NoError(t, err)

	result, err := engine.Execute(context.Background(), `events | where Created > ago(1h) | project Action`)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "logon", result.Rows[0][0])
}

func TestExecuteCanceledContext(t *testing.T) {
	engine := testEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.Execute(ctx, `processes`)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTranslateParameterizes(t *testing.T) {
	engine := testEngine(t)

	sql, params, err := engine.Translate(`processes | where Name == "mimikatz" and PID > 1337 | take 5`)
	require.NoError(t, err)
	assert.NotContains(t, sql, "mimikatz")
	assert.NotContains(t, sql, "1337")
	assert.Equal(t, []interface{}{"mimikatz", int64(1337), int64(5)}, params)
}

func TestQueryErrors(t *testing.T) {
	engine := testEngine(t)

	t.Run("unknown table", func(t *testing.T) {
		_, err := engine.Execute(context.Background(), `persistence | take 1`)
		require.Error(t, err)
		var schemaErr *pipeql.SchemaError
		require.ErrorAs(t, err, &schemaErr)
		assert.Equal(t, pipeql.UnknownTable, schemaErr.Kind)
		assert.Equal(t, "persistence", schemaErr.Name)
	})

	t.Run("unknown column", func(t *testing.T) {
		_, err := engine.Execute(context.Background(), `processes | where Missing == 1`)
		var schemaErr *pipeql.SchemaError
		require.ErrorAs(t, err, &schemaErr)
		assert.Equal(t, pipeql.UnknownColumn, schemaErr.Kind)
	})

	t.Run("incomplete query reports the position", func(t *testing.T) {
		_, err := engine.Execute(context.Background(), `bad_table | where`)
		var parseErr *pipeql.ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Equal(t, 17, parseErr.Position)
	})
}

func TestIngestJSON(t *testing.T) {
	engine, err := New(":memory:")
	require.NoError(t, err)
	defer engine.Close()

	n, err := engine.IngestJSON("processes", []byte(`[{"Name":"System","PID":4},{"Name":"lsass","PID":708}]`), "pslist", "h")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	result, err := engine.Execute(context.Background(), `processes | summarize count()`)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Rows[0][0])

	_, err = engine.IngestJSON("processes", []byte(`{"Name":"x"}`), "pslist", "h")
	assert.Error(t, err)
	_, err = engine.IngestJSON("processes", []byte(`not json`), "pslist", "h")
	assert.Error(t, err)
}

func TestIngestStructs(t *testing.T) {
	engine, err := New(":memory:")
	require.NoError(t, err)
	defer engine.Close()

	type process struct {
		Name string
		PID  int
	}
	n, err := engine.IngestStructs("processes", []interface{}{
		process{Name: "System", PID: 4},
		process{Name: "lsass", PID: 708},
	}, "pslist", "h")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	result, err := engine.Execute(context.Background(), `processes | where PID > 4 | project Name`)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "lsass", result.Rows[0][0])
}

func TestListTablesAndClear(t *testing.T) {
	engine := testEngine(t)

	assert.Equal(t, []string{"netstat", "processes"}, engine.ListTables())

	require.NoError(t, engine.ClearAllData(context.Background()))
	assert.Equal(t, []string{"netstat", "processes"}, engine.ListTables())
	for _, table := range engine.ListTables() {
		count, ok := engine.TableRowCount(table)
		require.True(t, ok)
		assert.Equal(t, int64(0), count)
	}

	result, err := engine.Execute(context.Background(), `processes`)
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
}
