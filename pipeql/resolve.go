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
)

// Column describes a single visible column.
type Column struct {
	Name string
	Type string
}

// Schema is the read-only view of the schema registry the resolver binds
// column references against.
type Schema interface {
	// Table returns the ordered columns of a table, or false if the table
	// was never ingested.
	Table(name string) ([]Column, bool)
}

// SchemaErrorKind classifies semantic resolution failures.
type SchemaErrorKind int

const (
	UnknownTable SchemaErrorKind = iota
	UnknownColumn
	UnknownFunction
	AmbiguousColumn
	ArityMismatch
)

func (k SchemaErrorKind) String() string {
	switch k {
	case UnknownTable:
		return "unknown table"
	case UnknownColumn:
		return "unknown column"
	case UnknownFunction:
		return "unknown function"
	case AmbiguousColumn:
		return "ambiguous column"
	case ArityMismatch:
		return "arity mismatch"
	default:
		return "schema error"
	}
}

// SchemaError reports a reference that does not bind against the schema
// registry.
type SchemaError struct {
	Kind   SchemaErrorKind
	Name   string
	Detail string
}

func (e *SchemaError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s '%s': %s", e.Kind, e.Name, e.Detail)
	}
	return fmt.Sprintf("%s '%s'", e.Kind, e.Name)
}

type functionSpec struct {
	minArgs   int
	maxArgs   int // < 0 means variadic
	aggregate bool
	result    string // result type, empty means same as first argument
}

var functions = map[string]functionSpec{
	"count":    {0, 0, true, "INTEGER"},
	"dcount":   {1, 1, true, "INTEGER"},
	"sum":      {1, 1, true, "NUMERIC"},
	"avg":      {1, 1, true, "NUMERIC"},
	"min":      {1, 1, true, ""},
	"max":      {1, 1, true, ""},
	"tostring": {1, 1, false, "TEXT"},
	"tolong":   {1, 1, false, "INTEGER"},
	"toreal":   {1, 1, false, "NUMERIC"},
	"ago":      {1, 1, false, "DATETIME"},
	"bin":      {2, 2, false, ""},
	"contains": {2, 2, false, "INTEGER"},
	"has_any":  {2, -1, false, "INTEGER"},
}

// Resolved is a pipeline whose table, column and function references were
// checked against the schema registry. Columns holds the column set produced
// by the final stage.
type Resolved struct {
	Pipeline *Pipeline
	Columns  []Column

	joins   map[*JoinStage]*joinPlan
	extends map[*ExtendStage]*extendPlan
}

type joinPlan struct {
	output []joinColumn
}

type joinColumn struct {
	right bool
	src   string
	name  string
}

// extendPlan is recorded when an extend redefines an existing column: the
// generator then emits an explicit select list instead of `*, expr` so the
// redefined column appears exactly once, at its original position.
type extendPlan struct {
	output []extendColumn
}

type extendColumn struct {
	name string
	expr Expr // nil passes the column through
}

type columnSet struct {
	columns []Column
	index   map[string]int
}

func newColumnSet(columns []Column) *columnSet {
	set := &columnSet{index: map[string]int{}}
	for _, column := range columns {
		set.add(column)
	}
	return set
}

func (s *columnSet) add(column Column) {
	if i, ok := s.index[column.Name]; ok {
		s.columns[i] = column
		return
	}
	s.index[column.Name] = len(s.columns)
	s.columns = append(s.columns, column)
}

func (s *columnSet) lookup(name string) (Column, bool) {
	if i, ok := s.index[name]; ok {
		return s.columns[i], true
	}
	return Column{}, false
}

// Resolve binds a pipeline against the schema registry. It threads the
// visible column set through the stage list and never mutates the registry.
func Resolve(pipeline *Pipeline, schema Schema) (*Resolved, error) { // nolint:gocyclo
	base, ok := schema.Table(pipeline.Table)
	if !ok {
		return nil, &SchemaError{Kind: UnknownTable, Name: pipeline.Table}
	}
	resolved := &Resolved{
		Pipeline: pipeline,
		joins:    map[*JoinStage]*joinPlan{},
		extends:  map[*ExtendStage]*extendPlan{},
	}

	visible := newColumnSet(base)
	var err error
	for _, stage := range pipeline.Stages {
		switch s := stage.(type) {
		case *WhereStage:
			err = resolveExpr(s.Predicate, visible, false)
		case *ExtendStage:
			visible, err = resolved.resolveExtend(s, visible)
		case *ProjectStage:
			visible, err = resolveProject(s, visible)
		case *SummarizeStage:
			visible, err = resolveSummarize(s, visible)
		case *JoinStage:
			visible, err = resolved.resolveJoin(s, visible, schema)
		case *OrderByStage:
			for _, key := range s.Keys {
				if err = resolveExpr(key.Column, visible, false); err != nil {
					break
				}
			}
		case *TakeStage:
		case *DistinctStage:
			visible, err = resolveDistinct(s, visible)
		}
		if err != nil {
			return nil, err
		}
	}
	resolved.Columns = visible.columns
	return resolved, nil
}

func (r *Resolved) resolveExtend(stage *ExtendStage, visible *columnSet) (*columnSet, error) {
	next := newColumnSet(visible.columns)
	redefines := false
	exprs := map[string]Expr{}
	for _, assignment := range stage.Columns {
		if err := resolveExpr(assignment.Expr, visible, false); err != nil {
			return nil, err
		}
		if _, ok := visible.lookup(assignment.Name); ok {
			redefines = true
		}
		exprs[assignment.Name] = assignment.Expr
		next.add(Column{Name: assignment.Name, Type: exprType(assignment.Expr, visible)})
	}
	if redefines {
		plan := &extendPlan{}
		for _, column := range next.columns {
			plan.output = append(plan.output, extendColumn{name: column.Name, expr: exprs[column.Name]})
		}
		r.extends[stage] = plan
	}
	return next, nil
}

func resolveProject(stage *ProjectStage, visible *columnSet) (*columnSet, error) {
	next := newColumnSet(nil)
	for _, assignment := range stage.Columns {
		if err := resolveExpr(assignment.Expr, visible, false); err != nil {
			return nil, err
		}
		if _, ok := next.lookup(assignment.Name); ok {
			return nil, &SchemaError{Kind: AmbiguousColumn, Name: assignment.Name, Detail: "projected twice"}
		}
		next.add(Column{Name: assignment.Name, Type: exprType(assignment.Expr, visible)})
	}
	return next, nil
}

func resolveSummarize(stage *SummarizeStage, visible *columnSet) (*columnSet, error) { // nolint:gocyclo
	next := newColumnSet(nil)
	for i := range stage.GroupBy {
		key := &stage.GroupBy[i]
		if err := resolveExpr(key.Expr, visible, false); err != nil {
			return nil, err
		}
		if key.Name == "" {
			key.Name = deriveName(key.Expr)
		}
		if _, ok := next.lookup(key.Name); ok {
			return nil, &SchemaError{Kind: AmbiguousColumn, Name: key.Name, Detail: "duplicate group key"}
		}
		next.add(Column{Name: key.Name, Type: exprType(key.Expr, visible)})
	}
	for i := range stage.Aggregates {
		aggregate := &stage.Aggregates[i]
		call := aggregate.Expr.(*CallExpr)
		spec, ok := functions[call.Func]
		if !ok {
			return nil, &SchemaError{Kind: UnknownFunction, Name: call.Func}
		}
		if !spec.aggregate {
			return nil, &SchemaError{Kind: UnknownFunction, Name: call.Func, Detail: "not an aggregation function"}
		}
		if err := checkArity(call, spec); err != nil {
			return nil, err
		}
		for _, arg := range call.Args {
			if err := resolveExpr(arg, visible, false); err != nil {
				return nil, err
			}
		}
		if aggregate.Name == "" {
			aggregate.Name = deriveName(call)
		}
		if _, ok := next.lookup(aggregate.Name); ok {
			return nil, &SchemaError{Kind: AmbiguousColumn, Name: aggregate.Name, Detail: "duplicate aggregation name"}
		}
		next.add(Column{Name: aggregate.Name, Type: exprType(call, visible)})
	}
	return next, nil
}

// deriveName assigns the conventional default name to an unnamed aggregation
// or group key: count_ for count(), sum_Price for sum(Price), the column name
// for bin(Created, 1h).
func deriveName(expr Expr) string {
	switch e := expr.(type) {
	case *ColumnRef:
		return e.Name
	case *CallExpr:
		if e.Func == "bin" && len(e.Args) > 0 {
			if ref, ok := e.Args[0].(*ColumnRef); ok {
				return ref.Name
			}
		}
		name := e.Func + "_"
		if len(e.Args) > 0 {
			if ref, ok := e.Args[0].(*ColumnRef); ok {
				name += ref.Name
			}
		}
		return name
	}
	return "column_"
}

func (r *Resolved) resolveJoin(stage *JoinStage, visible *columnSet, schema Schema) (*columnSet, error) {
	rightColumns, ok := schema.Table(stage.Table)
	if !ok {
		return nil, &SchemaError{Kind: UnknownTable, Name: stage.Table}
	}
	right := newColumnSet(rightColumns)

	if _, ok := visible.lookup(stage.LeftKey.Name); !ok {
		return nil, &SchemaError{Kind: UnknownColumn, Name: stage.LeftKey.Name, Detail: "not visible on the left join side"}
	}
	if _, ok := right.lookup(stage.RightKey.Name); !ok {
		return nil, &SchemaError{Kind: UnknownColumn, Name: stage.RightKey.Name, Detail: fmt.Sprintf("not a column of table '%s'", stage.Table)}
	}

	plan := &joinPlan{}
	next := newColumnSet(nil)
	for _, column := range visible.columns {
		next.add(column)
		plan.output = append(plan.output, joinColumn{src: column.Name, name: column.Name})
	}
	for _, column := range right.columns {
		name := column.Name
		if _, taken := next.lookup(name); taken {
			name = "right_" + name
			if _, taken := next.lookup(name); taken {
				return nil, &SchemaError{Kind: AmbiguousColumn, Name: column.Name, Detail: fmt.Sprintf("'%s' is taken on both join sides", name)}
			}
		}
		next.add(Column{Name: name, Type: column.Type})
		plan.output = append(plan.output, joinColumn{right: true, src: column.Name, name: name})
	}
	r.joins[stage] = plan
	return next, nil
}

func resolveDistinct(stage *DistinctStage, visible *columnSet) (*columnSet, error) {
	if len(stage.Columns) == 0 {
		return visible, nil
	}
	next := newColumnSet(nil)
	for _, column := range stage.Columns {
		if err := resolveExpr(column, visible, false); err != nil {
			return nil, err
		}
		resolved, _ := visible.lookup(column.Name)
		next.add(resolved)
	}
	return next, nil
}

func resolveExpr(expr Expr, visible *columnSet, allowAggregate bool) error {
	switch e := expr.(type) {
	case *Literal:
		return nil
	case *ColumnRef:
		if e.Qualifier != "" {
			// a dotted reference names a flattened column when one exists,
			// the left./right. qualifier reading is reserved for join keys
			dotted := e.Qualifier + "." + e.Name
			if _, ok := visible.lookup(dotted); ok {
				e.Qualifier, e.Name = "", dotted
				return nil
			}
			return &SchemaError{Kind: UnknownColumn, Name: e.String(), Detail: "qualified references are only valid in join keys"}
		}
		if _, ok := visible.lookup(e.Name); !ok {
			return &SchemaError{Kind: UnknownColumn, Name: e.Name}
		}
		return nil
	case *BinaryExpr:
		if err := resolveExpr(e.Left, visible, allowAggregate); err != nil {
			return err
		}
		return resolveExpr(e.Right, visible, allowAggregate)
	case *CallExpr:
		spec, ok := functions[e.Func]
		if !ok {
			return &SchemaError{Kind: UnknownFunction, Name: e.Func}
		}
		if spec.aggregate && !allowAggregate {
			return &SchemaError{Kind: UnknownFunction, Name: e.Func, Detail: "aggregation functions are only valid in summarize"}
		}
		if err := checkArity(e, spec); err != nil {
			return err
		}
		for _, arg := range e.Args {
			if err := resolveExpr(arg, visible, false); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

func checkArity(call *CallExpr, spec functionSpec) error {
	got := len(call.Args)
	if got < spec.minArgs {
		return &SchemaError{Kind: ArityMismatch, Name: call.Func, Detail: fmt.Sprintf("takes at least %d arguments, got %d", spec.minArgs, got)}
	}
	if spec.maxArgs >= 0 && got > spec.maxArgs {
		return &SchemaError{Kind: ArityMismatch, Name: call.Func, Detail: fmt.Sprintf("takes at most %d arguments, got %d", spec.maxArgs, got)}
	}
	return nil
}

func exprType(expr Expr, visible *columnSet) string {
	switch e := expr.(type) {
	case *Literal:
		switch e.Kind {
		case LiteralString:
			return "TEXT"
		case LiteralBool:
			return "INTEGER"
		case LiteralDuration:
			return "TEXT"
		default:
			if _, ok := e.Value.(int64); ok {
				return "INTEGER"
			}
			return "NUMERIC"
		}
	case *ColumnRef:
		if column, ok := visible.lookup(e.Name); ok {
			return column.Type
		}
		return "TEXT"
	case *BinaryExpr:
		switch e.Op {
		case "+", "-", "*", "/":
			return "NUMERIC"
		default:
			return "INTEGER"
		}
	case *CallExpr:
		if spec, ok := functions[e.Func]; ok {
			if spec.result != "" {
				return spec.result
			}
			if len(e.Args) > 0 {
				return exprType(e.Args[0], visible)
			}
		}
		return "TEXT"
	}
	return "TEXT"
}
