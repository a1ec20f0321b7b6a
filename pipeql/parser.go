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
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"
)

// ParseError reports a token that does not fit the stage grammar.
type ParseError struct {
	Position int
	Expected string
	Found    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("expected %s at offset %d, found %s", e.Expected, e.Position, e.Found)
}

type parser struct {
	tokens []Token
	pos    int
}

// Parse consumes a token stream and produces the pipeline AST. The grammar is
// recursive-descent with one token of lookahead.
func Parse(tokens []Token) (*Pipeline, error) {
	p := &parser{tokens: tokens}

	table, err := p.expect(TokenIdent, "a table name")
	if err != nil {
		return nil, err
	}
	pipeline := &Pipeline{Table: table.Text, TablePos: table.Pos}

	for p.cur().Kind == TokenPipe {
		p.advance()
		stage, err := p.parseStage()
		if err != nil {
			return nil, err
		}
		pipeline.Stages = append(pipeline.Stages, stage)
	}
	if p.cur().Kind != TokenEOF {
		return nil, p.fail("'|' or end of input")
	}
	return pipeline, nil
}

// ParseQuery tokenizes and parses query text in one step.
func ParseQuery(src string) (*Pipeline, error) {
	tokens, err := Tokenize(src)
	if err != nil {
		return nil, err
	}
	return Parse(tokens)
}

func (p *parser) cur() Token {
	return p.tokens[p.pos]
}

func (p *parser) peek() Token {
	if p.pos+1 >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.pos+1]
}

func (p *parser) advance() Token {
	tok := p.tokens[p.pos]
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	return tok
}

func (p *parser) fail(expected string) error {
	return &ParseError{Position: p.cur().Pos, Expected: expected, Found: p.cur().describe()}
}

func (p *parser) expect(kind TokenKind, expected string) (Token, error) {
	if p.cur().Kind != kind {
		return Token{}, p.fail(expected)
	}
	return p.advance(), nil
}

func (p *parser) atKeyword(word string) bool {
	return p.cur().Kind == TokenIdent && p.cur().Text == word
}

func (p *parser) parseStage() (Stage, error) { // nolint:gocyclo
	if p.cur().Kind != TokenIdent {
		return nil, p.fail("a stage keyword")
	}
	keyword := p.advance()
	switch keyword.Text {
	case "where":
		predicate, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &WhereStage{Predicate: predicate}, nil
	case "extend":
		return p.parseExtend()
	case "project":
		return p.parseProject()
	case "summarize":
		return p.parseSummarize()
	case "join":
		return p.parseJoin()
	case "order", "sort":
		if _, err := p.expectKeyword("by"); err != nil {
			return nil, err
		}
		return p.parseOrderBy()
	case "take", "limit":
		return p.parseTake()
	case "distinct":
		return p.parseDistinct()
	}
	return nil, &ParseError{Position: keyword.Pos, Expected: "a stage keyword", Found: keyword.describe()}
}

func (p *parser) expectKeyword(word string) (Token, error) {
	if !p.atKeyword(word) {
		return Token{}, p.fail(fmt.Sprintf("'%s'", word))
	}
	return p.advance(), nil
}

func (p *parser) parseExtend() (Stage, error) {
	var columns []Assignment
	for {
		assignment, err := p.parseAssignment(true)
		if err != nil {
			return nil, err
		}
		columns = append(columns, assignment)
		if p.cur().Kind != TokenComma {
			return &ExtendStage{Columns: columns}, nil
		}
		p.advance()
	}
}

func (p *parser) parseProject() (Stage, error) {
	var columns []Assignment
	for {
		assignment, err := p.parseAssignment(false)
		if err != nil {
			return nil, err
		}
		columns = append(columns, assignment)
		if p.cur().Kind != TokenComma {
			return &ProjectStage{Columns: columns}, nil
		}
		p.advance()
	}
}

// parseAssignment parses `name = expr`, or a bare column reference when
// require is false.
func (p *parser) parseAssignment(require bool) (Assignment, error) {
	if p.cur().Kind == TokenIdent && p.peek().Kind == TokenAssign {
		name := p.advance()
		p.advance() // =
		expr, err := p.parseExpr()
		if err != nil {
			return Assignment{}, err
		}
		return Assignment{Name: name.Text, NamePos: name.Pos, Expr: expr}, nil
	}
	if require {
		return Assignment{}, p.fail("an assignment of the form name = expression")
	}
	expr, err := p.parseExpr()
	if err != nil {
		return Assignment{}, err
	}
	ref, ok := expr.(*ColumnRef)
	if !ok {
		return Assignment{}, &ParseError{
			Position: expr.Position(),
			Expected: "a column name or an assignment of the form name = expression",
			Found:    "expression",
		}
	}
	return Assignment{Name: ref.String(), NamePos: ref.Pos, Expr: ref}, nil
}

func (p *parser) parseSummarize() (Stage, error) {
	stage := &SummarizeStage{}
	for {
		assignment, err := p.parseAggregate()
		if err != nil {
			return nil, err
		}
		stage.Aggregates = append(stage.Aggregates, assignment)
		if p.cur().Kind != TokenComma {
			break
		}
		p.advance()
	}
	if !p.atKeyword("by") {
		return stage, nil
	}
	p.advance()
	for {
		key, err := p.parseGroupKey()
		if err != nil {
			return nil, err
		}
		stage.GroupBy = append(stage.GroupBy, key)
		if p.cur().Kind != TokenComma {
			return stage, nil
		}
		p.advance()
	}
}

func (p *parser) parseAggregate() (Assignment, error) {
	var name Token
	if p.cur().Kind == TokenIdent && p.peek().Kind == TokenAssign {
		name = p.advance()
		p.advance() // =
	}
	expr, err := p.parseExpr()
	if err != nil {
		return Assignment{}, err
	}
	if _, ok := expr.(*CallExpr); !ok {
		return Assignment{}, &ParseError{
			Position: expr.Position(),
			Expected: "an aggregation function call",
			Found:    "expression",
		}
	}
	return Assignment{Name: name.Text, NamePos: name.Pos, Expr: expr}, nil
}

// parseGroupKey parses a group key: a column, a named expression or a call
// like bin(ts, 1h) whose name is derived during resolution.
func (p *parser) parseGroupKey() (Assignment, error) {
	if p.cur().Kind == TokenIdent && p.peek().Kind == TokenAssign {
		name := p.advance()
		p.advance() // =
		expr, err := p.parseExpr()
		if err != nil {
			return Assignment{}, err
		}
		return Assignment{Name: name.Text, NamePos: name.Pos, Expr: expr}, nil
	}
	expr, err := p.parseExpr()
	if err != nil {
		return Assignment{}, err
	}
	switch expr.(type) {
	case *ColumnRef, *CallExpr:
		return Assignment{Expr: expr}, nil
	}
	return Assignment{}, &ParseError{
		Position: expr.Position(),
		Expected: "a column, a function call or a named expression",
		Found:    "expression",
	}
}

func (p *parser) parseJoin() (Stage, error) { // nolint:gocyclo
	stage := &JoinStage{Kind: "inner"}
	if p.atKeyword("kind") {
		p.advance()
		if _, err := p.expect(TokenAssign, "'='"); err != nil {
			return nil, err
		}
		kind, err := p.expect(TokenIdent, "a join kind")
		if err != nil {
			return nil, err
		}
		switch kind.Text {
		case "inner", "leftouter":
			stage.Kind = kind.Text
		default:
			return nil, &ParseError{Position: kind.Pos, Expected: "join kind 'inner' or 'leftouter'", Found: kind.describe()}
		}
	}
	table, err := p.expect(TokenIdent, "a table name")
	if err != nil {
		return nil, err
	}
	stage.Table = table.Text
	stage.TablePos = table.Pos
	if _, err := p.expectKeyword("on"); err != nil {
		return nil, err
	}

	left, err := p.parseColumnRef()
	if err != nil {
		return nil, err
	}
	foldDotted(left)
	right := &ColumnRef{Name: left.Name, Pos: left.Pos}
	if p.cur().Kind == TokenOperator && p.cur().Text == "==" {
		p.advance()
		right, err = p.parseColumnRef()
		if err != nil {
			return nil, err
		}
		foldDotted(right)
	}
	if left.Qualifier == "right" || right.Qualifier == "left" {
		left, right = right, left
	}
	if left.Qualifier == right.Qualifier && left.Qualifier != "" {
		return nil, &ParseError{Position: right.Pos, Expected: "keys from both join sides", Found: "'" + right.String() + "'"}
	}
	left.Qualifier, right.Qualifier = "", ""
	stage.LeftKey, stage.RightKey = left, right
	return stage, nil
}

func (p *parser) parseOrderBy() (Stage, error) {
	var keys []SortKey
	for {
		column, err := p.parseColumnRef()
		if err != nil {
			return nil, err
		}
		key := SortKey{Column: column}
		if p.atKeyword("asc") || p.atKeyword("desc") {
			key.Desc = p.advance().Text == "desc"
		}
		keys = append(keys, key)
		if p.cur().Kind != TokenComma {
			return &OrderByStage{Keys: keys}, nil
		}
		p.advance()
	}
}

func (p *parser) parseTake() (Stage, error) {
	count, err := p.expect(TokenNumber, "a non-negative integer")
	if err != nil {
		return nil, err
	}
	if strings.Contains(count.Text, ".") {
		return nil, &ParseError{Position: count.Pos, Expected: "a non-negative integer", Found: count.describe()}
	}
	n, err := strconv.Atoi(count.Text)
	if err != nil || n < 0 {
		return nil, &ParseError{Position: count.Pos, Expected: "a non-negative integer", Found: count.describe()}
	}
	return &TakeStage{Count: n}, nil
}

func (p *parser) parseDistinct() (Stage, error) {
	stage := &DistinctStage{}
	if p.cur().Kind != TokenIdent {
		return stage, nil
	}
	for {
		column, err := p.parseColumnRef()
		if err != nil {
			return nil, err
		}
		stage.Columns = append(stage.Columns, column)
		if p.cur().Kind != TokenComma {
			return stage, nil
		}
		p.advance()
	}
}

func (p *parser) parseColumnRef() (*ColumnRef, error) {
	name, err := p.expect(TokenIdent, "a column name")
	if err != nil {
		return nil, err
	}
	ref := &ColumnRef{Name: name.Text, Pos: name.Pos}
	var parts []string
	for p.cur().Kind == TokenDot {
		p.advance()
		inner, err := p.expect(TokenIdent, "a column name")
		if err != nil {
			return nil, err
		}
		parts = append(parts, inner.Text)
	}
	if len(parts) > 0 {
		ref.Qualifier = name.Text
		ref.Name = strings.Join(parts, ".")
	}
	return ref, nil
}

// foldDotted rejoins a qualifier that is not a join side into the flattened
// column name it spells, so join keys can name columns like laddr.ip.
func foldDotted(ref *ColumnRef) {
	if ref.Qualifier != "" && ref.Qualifier != "left" && ref.Qualifier != "right" {
		ref.Name = ref.Qualifier + "." + ref.Name
		ref.Qualifier = ""
	}
}

/* ################################
#   Expressions
################################ */

// Precedence, lowest first: or, and, comparison, additive, multiplicative,
// unary and atoms. The word operators contains and has_any bind like
// comparisons and are normalized to function calls.
func (p *parser) parseExpr() (Expr, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("or") {
		pos := p.advance().Pos
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "or", Left: left, Right: right, Pos: pos}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("and") {
		pos := p.advance().Pos
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "and", Left: left, Right: right, Pos: pos}
	}
	return left, nil
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if p.cur().Kind == TokenOperator && isComparison(p.cur().Text) {
		op := p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Op: op.Text, Left: left, Right: right, Pos: op.Pos}, nil
	}
	if p.atKeyword("contains") {
		pos := p.advance().Pos
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &CallExpr{Func: "contains", Args: []Expr{left, right}, Pos: pos}, nil
	}
	if p.atKeyword("has_any") {
		pos := p.advance().Pos
		if _, err := p.expect(TokenLParen, "'('"); err != nil {
			return nil, err
		}
		args := []Expr{left}
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.cur().Kind != TokenComma {
				break
			}
			p.advance()
		}
		if _, err := p.expect(TokenRParen, "')'"); err != nil {
			return nil, err
		}
		return &CallExpr{Func: "has_any", Args: args, Pos: pos}, nil
	}
	return left, nil
}

func isComparison(op string) bool {
	switch op {
	case "==", "!=", "<", "<=", ">", ">=":
		return true
	}
	return false
}

func (p *parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur().Kind == TokenOperator && (p.cur().Text == "+" || p.cur().Text == "-") {
		op := p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op.Text, Left: left, Right: right, Pos: op.Pos}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur().Kind == TokenOperator && (p.cur().Text == "*" || p.cur().Text == "/") {
		op := p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op.Text, Left: left, Right: right, Pos: op.Pos}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.cur().Kind == TokenOperator && p.cur().Text == "-" {
		op := p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if literal, ok := operand.(*Literal); ok && literal.Kind == LiteralNumber {
			switch v := literal.Value.(type) {
			case int64:
				literal.Value = -v
			case float64:
				literal.Value = -v
			}
			literal.Pos = op.Pos
			return literal, nil
		}
		zero := &Literal{Kind: LiteralNumber, Value: int64(0), Pos: op.Pos}
		return &BinaryExpr{Op: "-", Left: zero, Right: operand, Pos: op.Pos}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) { // nolint:gocyclo
	switch tok := p.cur(); tok.Kind {
	case TokenNumber:
		p.advance()
		if strings.Contains(tok.Text, ".") {
			f, err := strconv.ParseFloat(tok.Text, 64)
			if err != nil {
				return nil, &ParseError{Position: tok.Pos, Expected: "a number", Found: tok.describe()}
			}
			return &Literal{Kind: LiteralNumber, Value: f, Pos: tok.Pos}, nil
		}
		n, err := strconv.ParseInt(tok.Text, 10, 64)
		if err != nil {
			return nil, &ParseError{Position: tok.Pos, Expected: "a number", Found: tok.describe()}
		}
		return &Literal{Kind: LiteralNumber, Value: n, Pos: tok.Pos}, nil
	case TokenDuration:
		p.advance()
		d, err := model.ParseDuration(tok.Text)
		if err != nil {
			return nil, &ParseError{Position: tok.Pos, Expected: "a duration like 90s, 15m, 2h or 7d", Found: tok.describe()}
		}
		return &Literal{Kind: LiteralDuration, Value: time.Duration(d), Pos: tok.Pos}, nil
	case TokenString:
		p.advance()
		return &Literal{Kind: LiteralString, Value: tok.Text, Pos: tok.Pos}, nil
	case TokenLParen:
		p.advance()
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen, "')'"); err != nil {
			return nil, err
		}
		return expr, nil
	case TokenIdent:
		if tok.Text == "true" || tok.Text == "false" {
			p.advance()
			return &Literal{Kind: LiteralBool, Value: tok.Text == "true", Pos: tok.Pos}, nil
		}
		if p.peek().Kind == TokenLParen {
			return p.parseCall()
		}
		return p.parseColumnRef()
	}
	return nil, p.fail("an expression")
}

func (p *parser) parseCall() (Expr, error) {
	name := p.advance()
	p.advance() // (
	call := &CallExpr{Func: name.Text, Pos: name.Pos}
	if p.cur().Kind == TokenRParen {
		p.advance()
		return call, nil
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		if p.cur().Kind != TokenComma {
			break
		}
		p.advance()
	}
	if _, err := p.expect(TokenRParen, "')'"); err != nil {
		return nil, err
	}
	return call, nil
}
