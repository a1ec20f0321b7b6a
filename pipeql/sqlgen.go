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
	"fmt"
	"strings"
	"time"
)

// timeLayout matches the format ingested timestamps are normalized to, so
// generated datetime parameters compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000Z"

// TranslationError reports a resolved construct that has no SQL lowering.
type TranslationError struct {
	Construct string
	Position  int
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("no SQL translation for %s at offset %d", e.Construct, e.Position)
}

type generator struct {
	resolved *Resolved
	now      time.Time
}

// Generate lowers a resolved pipeline into a single SQL statement. Every
// stage becomes one nested SELECT layer wrapping the previous layer, so stage
// order maps directly to nesting depth. All literals are emitted as `?`
// placeholders with the returned parameter list.
func Generate(resolved *Resolved) (string, []interface{}, error) {
	g := &generator{resolved: resolved, now: time.Now().UTC()}

	sql := "SELECT * FROM " + quoteIdent(resolved.Pipeline.Table)
	var params []interface{}
	for i, stage := range resolved.Pipeline.Stages {
		var err error
		sql, params, err = g.wrapStage(i, stage, sql, params)
		if err != nil {
			return "", nil, err
		}
	}
	return sql, params, nil
}

func (g *generator) wrapStage(i int, stage Stage, inner string, innerParams []interface{}) (string, []interface{}, error) { // nolint:gocyclo
	alias := fmt.Sprintf("s%d", i)
	switch s := stage.(type) {
	case *WhereStage:
		predicate, predicateParams, err := g.genExpr(s.Predicate)
		if err != nil {
			return "", nil, err
		}
		sql := fmt.Sprintf("SELECT * FROM (%s) AS %s WHERE %s", inner, alias, predicate)
		return sql, appendParams(innerParams, predicateParams), nil

	case *ExtendStage:
		if plan, ok := g.resolved.extends[s]; ok {
			return g.wrapExtendRedefine(plan, alias, inner, innerParams)
		}
		list, listParams, err := g.genAssignments(s.Columns, false)
		if err != nil {
			return "", nil, err
		}
		sql := fmt.Sprintf("SELECT *, %s FROM (%s) AS %s", list, inner, alias)
		return sql, appendParams(listParams, innerParams), nil

	case *ProjectStage:
		list, listParams, err := g.genAssignments(s.Columns, true)
		if err != nil {
			return "", nil, err
		}
		sql := fmt.Sprintf("SELECT %s FROM (%s) AS %s", list, inner, alias)
		return sql, appendParams(listParams, innerParams), nil

	case *SummarizeStage:
		return g.wrapSummarize(s, alias, inner, innerParams)

	case *JoinStage:
		return g.wrapJoin(s, inner, innerParams)

	case *OrderByStage:
		var keys []string
		for _, key := range s.Keys {
			direction := " ASC"
			if key.Desc {
				direction = " DESC"
			}
			keys = append(keys, quoteIdent(key.Column.Name)+direction)
		}
		sql := fmt.Sprintf("SELECT * FROM (%s) AS %s ORDER BY %s", inner, alias, strings.Join(keys, ", "))
		return sql, innerParams, nil

	case *TakeStage:
		sql := fmt.Sprintf("SELECT * FROM (%s) AS %s LIMIT ?", inner, alias)
		return sql, appendParams(innerParams, []interface{}{int64(s.Count)}), nil

	case *DistinctStage:
		if len(s.Columns) == 0 {
			return fmt.Sprintf("SELECT DISTINCT * FROM (%s) AS %s", inner, alias), innerParams, nil
		}
		var names []string
		for _, column := range s.Columns {
			names = append(names, quoteIdent(column.Name))
		}
		sql := fmt.Sprintf("SELECT DISTINCT %s FROM (%s) AS %s", strings.Join(names, ", "), inner, alias)
		return sql, innerParams, nil
	}
	return "", nil, &TranslationError{Construct: fmt.Sprintf("stage %T", stage)}
}

func (g *generator) wrapSummarize(stage *SummarizeStage, alias, inner string, innerParams []interface{}) (string, []interface{}, error) {
	var list []string
	var listParams []interface{}
	var groupBy []string
	for _, key := range stage.GroupBy {
		expr, exprParams, err := g.genExpr(key.Expr)
		if err != nil {
			return "", nil, err
		}
		list = append(list, expr+" AS "+quoteIdent(key.Name))
		listParams = appendParams(listParams, exprParams)
		groupBy = append(groupBy, quoteIdent(key.Name))
	}
	for _, aggregate := range stage.Aggregates {
		expr, exprParams, err := g.genExpr(aggregate.Expr)
		if err != nil {
			return "", nil, err
		}
		list = append(list, expr+" AS "+quoteIdent(aggregate.Name))
		listParams = appendParams(listParams, exprParams)
	}
	sql := fmt.Sprintf("SELECT %s FROM (%s) AS %s", strings.Join(list, ", "), inner, alias)
	if len(groupBy) > 0 {
		sql += " GROUP BY " + strings.Join(groupBy, ", ")
	}
	return sql, appendParams(listParams, innerParams), nil
}

// wrapExtendRedefine lowers an extend that redefines existing columns: the
// select list is spelled out so the redefined column appears once, in place,
// instead of twice as `SELECT *, expr` would produce.
func (g *generator) wrapExtendRedefine(plan *extendPlan, alias, inner string, innerParams []interface{}) (string, []interface{}, error) {
	var list []string
	var listParams []interface{}
	for _, column := range plan.output {
		if column.expr == nil {
			list = append(list, quoteIdent(column.name))
			continue
		}
		expr, exprParams, err := g.genExpr(column.expr)
		if err != nil {
			return "", nil, err
		}
		list = append(list, expr+" AS "+quoteIdent(column.name))
		listParams = appendParams(listParams, exprParams)
	}
	sql := fmt.Sprintf("SELECT %s FROM (%s) AS %s", strings.Join(list, ", "), inner, alias)
	return sql, appendParams(listParams, innerParams), nil
}

func (g *generator) wrapJoin(stage *JoinStage, inner string, innerParams []interface{}) (string, []interface{}, error) {
	plan, ok := g.resolved.joins[stage]
	if !ok {
		return "", nil, &TranslationError{Construct: "join", Position: stage.TablePos}
	}
	var list []string
	for _, column := range plan.output {
		side := "l."
		if column.right {
			side = "r."
		}
		item := side + quoteIdent(column.src)
		if column.name != column.src {
			item += " AS " + quoteIdent(column.name)
		}
		list = append(list, item)
	}
	join := "INNER JOIN"
	if stage.Kind == "leftouter" {
		join = "LEFT JOIN"
	}
	sql := fmt.Sprintf("SELECT %s FROM (%s) AS l %s %s AS r ON l.%s = r.%s",
		strings.Join(list, ", "), inner, join, quoteIdent(stage.Table),
		quoteIdent(stage.LeftKey.Name), quoteIdent(stage.RightKey.Name))
	return sql, innerParams, nil
}

func (g *generator) genAssignments(assignments []Assignment, bareColumns bool) (string, []interface{}, error) {
	var list []string
	var params []interface{}
	for _, assignment := range assignments {
		if bareColumns {
			if ref, ok := assignment.Expr.(*ColumnRef); ok && ref.Name == assignment.Name {
				list = append(list, quoteIdent(ref.Name))
				continue
			}
		}
		expr, exprParams, err := g.genExpr(assignment.Expr)
		if err != nil {
			return "", nil, err
		}
		list = append(list, expr+" AS "+quoteIdent(assignment.Name))
		params = appendParams(params, exprParams)
	}
	return strings.Join(list, ", "), params, nil
}

func (g *generator) genExpr(expr Expr) (string, []interface{}, error) { // nolint:gocyclo
	switch e := expr.(type) {
	case *ColumnRef:
		return quoteIdent(e.Name), nil, nil

	case *Literal:
		switch value := e.Value.(type) {
		case int64, float64, string:
			return "?", []interface{}{value}, nil
		case bool:
			n := int64(0)
			if value {
				n = 1
			}
			return "?", []interface{}{n}, nil
		case time.Duration:
			return "", nil, &TranslationError{Construct: "duration literal outside ago or bin", Position: e.Pos}
		}
		return "", nil, &TranslationError{Construct: "literal", Position: e.Pos}

	case *BinaryExpr:
		left, leftParams, err := g.genExpr(e.Left)
		if err != nil {
			return "", nil, err
		}
		right, rightParams, err := g.genExpr(e.Right)
		if err != nil {
			return "", nil, err
		}
		op, ok := sqlOperators[e.Op]
		if !ok {
			return "", nil, &TranslationError{Construct: fmt.Sprintf("operator '%s'", e.Op), Position: e.Pos}
		}
		return "(" + left + " " + op + " " + right + ")", appendParams(leftParams, rightParams), nil

	case *CallExpr:
		return g.genCall(e)
	}
	return "", nil, &TranslationError{Construct: "expression"}
}

var sqlOperators = map[string]string{
	"or": "OR", "and": "AND",
	"==": "=", "!=": "<>",
	"<": "<", "<=": "<=", ">": ">", ">=": ">=",
	"+": "+", "-": "-", "*": "*", "/": "/",
}

// Domain functions are mapped here, at generation time: has_any becomes a
// disjunction of substring predicates, ago becomes a timestamp parameter
// computed now, bin becomes a truncation expression.
func (g *generator) genCall(call *CallExpr) (string, []interface{}, error) { // nolint:gocyclo
	switch call.Func {
	case "tostring", "tolong", "toreal":
		expr, params, err := g.genExpr(call.Args[0])
		if err != nil {
			return "", nil, err
		}
		target := map[string]string{"tostring": "TEXT", "tolong": "INTEGER", "toreal": "REAL"}[call.Func]
		return "CAST(" + expr + " AS " + target + ")", params, nil

	case "ago":
		duration, err := durationArg(call.Args[0])
		if err != nil {
			return "", nil, err
		}
		return "?", []interface{}{g.now.Add(-duration).Format(timeLayout)}, nil

	case "bin":
		return g.genBin(call)

	case "contains":
		left, leftParams, err := g.genExpr(call.Args[0])
		if err != nil {
			return "", nil, err
		}
		right, rightParams, err := g.genExpr(call.Args[1])
		if err != nil {
			return "", nil, err
		}
		return "(INSTR(" + left + ", " + right + ") > 0)", appendParams(leftParams, rightParams), nil

	case "has_any":
		column, columnParams, err := g.genExpr(call.Args[0])
		if err != nil {
			return "", nil, err
		}
		var terms []string
		var params []interface{}
		for _, arg := range call.Args[1:] {
			needle, needleParams, err := g.genExpr(arg)
			if err != nil {
				return "", nil, err
			}
			terms = append(terms, "INSTR("+column+", "+needle+") > 0")
			params = appendParams(appendParams(params, columnParams), needleParams)
		}
		return "(" + strings.Join(terms, " OR ") + ")", params, nil

	case "count":
		return "COUNT(*)", nil, nil

	case "dcount":
		expr, params, err := g.genExpr(call.Args[0])
		if err != nil {
			return "", nil, err
		}
		return "COUNT(DISTINCT " + expr + ")", params, nil

	case "sum", "avg", "min", "max":
		expr, params, err := g.genExpr(call.Args[0])
		if err != nil {
			return "", nil, err
		}
		return strings.ToUpper(call.Func) + "(" + expr + ")", params, nil
	}
	return "", nil, &TranslationError{Construct: fmt.Sprintf("function '%s'", call.Func), Position: call.Pos}
}

func (g *generator) genBin(call *CallExpr) (string, []interface{}, error) {
	expr, params, err := g.genExpr(call.Args[0])
	if err != nil {
		return "", nil, err
	}
	interval, ok := call.Args[1].(*Literal)
	if !ok {
		return "", nil, &TranslationError{Construct: "bin interval", Position: call.Args[1].Position()}
	}
	switch value := interval.Value.(type) {
	case time.Duration:
		seconds := int64(value / time.Second)
		sql := "datetime((CAST(strftime('%s', " + expr + ") AS INTEGER) / ?) * ?, 'unixepoch')"
		return sql, appendParams(params, []interface{}{seconds, seconds}), nil
	case int64:
		return "(CAST(" + expr + " / ? AS INTEGER) * ?)", appendParams(params, []interface{}{value, value}), nil
	case float64:
		return "(CAST(" + expr + " / ? AS INTEGER) * ?)", appendParams(params, []interface{}{value, value}), nil
	}
	return "", nil, &TranslationError{Construct: "bin interval", Position: interval.Pos}
}

func durationArg(arg Expr) (time.Duration, error) {
	literal, ok := arg.(*Literal)
	if !ok {
		return 0, &TranslationError{Construct: "ago argument", Position: arg.Position()}
	}
	switch value := literal.Value.(type) {
	case time.Duration:
		return value, nil
	case int64:
		return time.Duration(value) * time.Second, nil
	case float64:
		return time.Duration(value * float64(time.Second)), nil
	}
	return 0, &TranslationError{Construct: "ago argument", Position: literal.Pos}
}

func appendParams(params, more []interface{}) []interface{} {
	return append(params, more...)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
