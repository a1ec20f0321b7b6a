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
	"unicode"
	"unicode/utf8"
)

type lexer struct {
	src string
	pos int
}

// Tokenize converts query text into a token stream ending in a TokenEOF.
// Whitespace and // comments are skipped. A pipe character is always a stage
// separator unless it appears inside a quoted string.
func Tokenize(src string) ([]Token, error) {
	lx := &lexer{src: src}
	var tokens []Token
	for {
		tok, err := lx.scan()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.Kind == TokenEOF {
			return tokens, nil
		}
	}
}

func (lx *lexer) peek() rune {
	if lx.pos >= len(lx.src) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(lx.src[lx.pos:])
	return r
}

func (lx *lexer) peekAt(offset int) rune {
	if lx.pos+offset >= len(lx.src) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(lx.src[lx.pos+offset:])
	return r
}

func (lx *lexer) next() rune {
	if lx.pos >= len(lx.src) {
		return 0
	}
	r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
	lx.pos += size
	return r
}

func (lx *lexer) skipSpace() {
	for {
		r := lx.peek()
		if unicode.IsSpace(r) {
			lx.next()
			continue
		}
		if r == '/' && lx.peekAt(1) == '/' {
			for r != 0 && r != '\n' {
				r = lx.next()
			}
			continue
		}
		return
	}
}

func (lx *lexer) scan() (Token, error) { // nolint:gocyclo
	lx.skipSpace()
	start := lx.pos
	r := lx.peek()

	switch {
	case r == 0:
		return Token{Kind: TokenEOF, Pos: start}, nil
	case isIdentStart(r):
		return lx.scanIdent(start), nil
	case unicode.IsDigit(r):
		return lx.scanNumber(start), nil
	case r == '"' || r == '\'':
		return lx.scanString(start)
	}

	lx.next()
	switch r {
	case '|':
		return Token{Kind: TokenPipe, Text: "|", Pos: start}, nil
	case ',':
		return Token{Kind: TokenComma, Text: ",", Pos: start}, nil
	case '(':
		return Token{Kind: TokenLParen, Text: "(", Pos: start}, nil
	case ')':
		return Token{Kind: TokenRParen, Text: ")", Pos: start}, nil
	case '.':
		return Token{Kind: TokenDot, Text: ".", Pos: start}, nil
	case '=':
		if lx.peek() == '=' {
			lx.next()
			return Token{Kind: TokenOperator, Text: "==", Pos: start}, nil
		}
		return Token{Kind: TokenAssign, Text: "=", Pos: start}, nil
	case '!':
		if lx.peek() == '=' {
			lx.next()
			return Token{Kind: TokenOperator, Text: "!=", Pos: start}, nil
		}
		return Token{}, &LexError{Position: start, Char: r}
	case '<', '>':
		if lx.peek() == '=' {
			lx.next()
			return Token{Kind: TokenOperator, Text: string(r) + "=", Pos: start}, nil
		}
		return Token{Kind: TokenOperator, Text: string(r), Pos: start}, nil
	case '+', '-', '*', '/':
		return Token{Kind: TokenOperator, Text: string(r), Pos: start}, nil
	}

	return Token{}, &LexError{Position: start, Char: r}
}

func (lx *lexer) scanIdent(start int) Token {
	for isIdentPart(lx.peek()) {
		lx.next()
	}
	return Token{Kind: TokenIdent, Text: lx.src[start:lx.pos], Pos: start}
}

// scanNumber reads an integer or float literal. Digits directly followed by
// letters form a duration literal like 90s, 15m, 2h or 7d.
func (lx *lexer) scanNumber(start int) Token {
	for unicode.IsDigit(lx.peek()) {
		lx.next()
	}
	if lx.peek() == '.' && unicode.IsDigit(lx.peekAt(1)) {
		lx.next()
		for unicode.IsDigit(lx.peek()) {
			lx.next()
		}
	}
	if unicode.IsLetter(lx.peek()) {
		for unicode.IsLetter(lx.peek()) {
			lx.next()
		}
		return Token{Kind: TokenDuration, Text: lx.src[start:lx.pos], Pos: start}
	}
	return Token{Kind: TokenNumber, Text: lx.src[start:lx.pos], Pos: start}
}

func (lx *lexer) scanString(start int) (Token, error) {
	quote := lx.next()
	var b strings.Builder
	for {
		r := lx.next()
		switch r {
		case 0:
			return Token{}, &LexError{Position: start, Char: quote}
		case quote:
			return Token{Kind: TokenString, Text: b.String(), Pos: start}, nil
		case '\\':
			switch e := lx.next(); e {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			case 'r':
				b.WriteRune('\r')
			case 0:
				return Token{}, &LexError{Position: start, Char: quote}
			default:
				b.WriteRune(e)
			}
		default:
			b.WriteRune(r)
		}
	}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
