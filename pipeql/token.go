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

import "fmt"

// TokenKind enumerates the lexical classes of the pipe query language.
type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenIdent
	TokenNumber
	TokenDuration
	TokenString
	TokenOperator // == != < <= > >= + - * /
	TokenAssign   // =
	TokenPipe
	TokenComma
	TokenLParen
	TokenRParen
	TokenDot
)

func (k TokenKind) String() string {
	switch k {
	case TokenEOF:
		return "end of input"
	case TokenIdent:
		return "identifier"
	case TokenNumber:
		return "number"
	case TokenDuration:
		return "duration"
	case TokenString:
		return "string"
	case TokenOperator:
		return "operator"
	case TokenAssign:
		return "'='"
	case TokenPipe:
		return "'|'"
	case TokenComma:
		return "','"
	case TokenLParen:
		return "'('"
	case TokenRParen:
		return "')'"
	case TokenDot:
		return "'.'"
	default:
		return "unknown"
	}
}

// Token is a single lexeme with its byte offset in the query text. For
// TokenString the Text holds the unquoted value.
type Token struct {
	Kind TokenKind
	Text string
	Pos  int
}

func (t Token) describe() string {
	if t.Kind == TokenEOF {
		return "end of input"
	}
	return fmt.Sprintf("'%s'", t.Text)
}

// LexError reports a character that does not start any token.
type LexError struct {
	Position int
	Char     rune
}

func (e *LexError) Error() string {
	return fmt.Sprintf("unexpected character %q at offset %d", e.Char, e.Position)
}
