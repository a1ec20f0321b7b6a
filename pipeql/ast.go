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

// Pipeline is the parsed form of a query: a base table followed by an ordered
// list of stages. Stage order matches the left-to-right order of the pipe
// segments in the source text.
type Pipeline struct {
	Table    string
	TablePos int
	Stages   []Stage
}

// Stage is one pipe-delimited segment of a pipeline.
type Stage interface {
	stageNode()
}

type WhereStage struct {
	Predicate Expr
}

type ExtendStage struct {
	Columns []Assignment
}

type ProjectStage struct {
	Columns []Assignment
}

type SummarizeStage struct {
	Aggregates []Assignment // each Expr is a CallExpr of an aggregate function
	GroupBy    []Assignment
}

type JoinStage struct {
	Kind     string // "inner" or "leftouter"
	Table    string
	TablePos int
	LeftKey  *ColumnRef
	RightKey *ColumnRef
}

type OrderByStage struct {
	Keys []SortKey
}

type TakeStage struct {
	Count int
}

type DistinctStage struct {
	Columns []*ColumnRef // empty selects all visible columns
}

func (*WhereStage) stageNode()     {}
func (*ExtendStage) stageNode()    {}
func (*ProjectStage) stageNode()   {}
func (*SummarizeStage) stageNode() {}
func (*JoinStage) stageNode()      {}
func (*OrderByStage) stageNode()   {}
func (*TakeStage) stageNode()      {}
func (*DistinctStage) stageNode()  {}

// Assignment is a `name = expr` element of a comma separated stage list. For
// bare columns in project or group-by lists the Name equals the column name.
// Aggregates and group keys without an explicit name get one assigned during
// resolution.
type Assignment struct {
	Name    string
	NamePos int
	Expr    Expr
}

type SortKey struct {
	Column *ColumnRef
	Desc   bool
}

// Expr is a node of the expression tree owned by a stage.
type Expr interface {
	exprNode()
	Position() int
}

// ColumnRef references a column visible at the stage it appears in. A dotted
// reference is parsed with the leading segment as Qualifier; resolution folds
// it back into the flattened column name when such a column exists, and
// otherwise reads it as the left./right. join key form.
type ColumnRef struct {
	Qualifier string
	Name      string
	Pos       int
}

type LiteralKind int

const (
	LiteralNumber LiteralKind = iota
	LiteralString
	LiteralBool
	LiteralDuration
)

type Literal struct {
	Kind  LiteralKind
	Value interface{} // int64, float64, string, bool or time.Duration
	Pos   int
}

type BinaryExpr struct {
	Op    string // or, and, ==, !=, <, <=, >, >=, +, -, *, /
	Left  Expr
	Right Expr
	Pos   int
}

type CallExpr struct {
	Func string
	Args []Expr
	Pos  int
}

func (*ColumnRef) exprNode()  {}
func (*Literal) exprNode()    {}
func (*BinaryExpr) exprNode() {}
func (*CallExpr) exprNode()   {}

func (e *ColumnRef) Position() int  { return e.Pos }
func (e *Literal) Position() int    { return e.Pos }
func (e *BinaryExpr) Position() int { return e.Pos }
func (e *CallExpr) Position() int   { return e.Pos }

func (e *ColumnRef) String() string {
	if e.Qualifier != "" {
		return e.Qualifier + "." + e.Name
	}
	return e.Name
}
