package config

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokLBrace
	tokRBrace
	tokComment
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "EOF"
	case tokIdent:
		return "identifier"
	case tokString:
		return "string"
	case tokLBrace:
		return "'{'"
	case tokRBrace:
		return "'}'"
	case tokComment:
		return "comment"
	}
	return "token"
}

type token struct {
	kind tokenKind
	text string
	pos  position
}

type position struct {
	line int
	col  int
}

func (p position) String() string {
	return fmt.Sprintf("%d:%d", p.line, p.col)
}

// Placeholders are lexed as a single identifier so that `{env.X}` is never
// mistaken for a block opener.
var placeholderPrefixes = []string{"{$", "{env.", "{file."}

type lexer struct {
	src  string
	i    int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

func (l *lexer) pos() position { return position{line: l.line, col: l.col} }

func (l *lexer) errorf(format string, args ...any) error {
	return fmt.Errorf("%s at %s", fmt.Sprintf(format, args...), l.pos())
}

// peekRune decodes the rune at the cursor without consuming it.
func (l *lexer) peekRune() (rune, int, error) {
	r, size := utf8.DecodeRuneInString(l.src[l.i:])
	if r == utf8.RuneError && size == 1 {
		return 0, 0, l.errorf("invalid utf-8")
	}
	return r, size, nil
}

func (l *lexer) nextToken() (token, error) {
	for l.i < len(l.src) {
		r, size, err := l.peekRune()
		if err != nil {
			return token{}, err
		}
		if isSpace(r) {
			l.advance(r, size)
			continue
		}

		pos := l.pos()
		switch r {
		case '{':
			if n := l.placeholderLen(); n > 0 {
				text := l.src[l.i : l.i+n]
				l.skip(n)
				return token{kind: tokIdent, text: text, pos: pos}, nil
			}
			l.advance(r, size)
			return token{kind: tokLBrace, text: "{", pos: pos}, nil
		case '}':
			l.advance(r, size)
			return token{kind: tokRBrace, text: "}", pos: pos}, nil
		case '#':
			start := l.i
			end := strings.IndexByte(l.src[start:], '\n')
			if end < 0 {
				end = len(l.src) - start
			}
			l.skip(end)
			return token{kind: tokComment, text: l.src[start : start+end], pos: pos}, nil
		case '"':
			s, err := l.readString()
			if err != nil {
				return token{}, err
			}
			return token{kind: tokString, text: s, pos: pos}, nil
		default:
			return token{kind: tokIdent, text: l.readIdent(), pos: pos}, nil
		}
	}
	return token{kind: tokEOF, pos: l.pos()}, nil
}

// placeholderLen returns the byte length of a placeholder starting at the
// cursor, or 0 when the brace opens a block.
func (l *lexer) placeholderLen() int {
	rest := l.src[l.i:]
	known := false
	for _, prefix := range placeholderPrefixes {
		if strings.HasPrefix(rest, prefix) {
			known = true
			break
		}
	}
	if !known {
		return 0
	}
	for j, r := range rest[1:] {
		switch {
		case r == '}':
			return j + 2
		case r == '{' || isSpace(r) || r == utf8.RuneError:
			return 0
		}
	}
	return 0
}

func (l *lexer) readIdent() string {
	start := l.i
	for l.i < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		if isSpace(r) || r == '{' || r == '}' || r == '"' || r == '#' {
			break
		}
		l.advance(r, size)
	}
	return l.src[start:l.i]
}

func (l *lexer) readString() (string, error) {
	l.advance('"', 1)

	var out strings.Builder
	for {
		if l.i >= len(l.src) {
			return "", l.errorf("unterminated string")
		}
		r, size, err := l.peekRune()
		if err != nil {
			return "", err
		}
		switch r {
		case '\n':
			return "", l.errorf("unterminated string")
		case '"':
			l.advance(r, size)
			return out.String(), nil
		case '\\':
			l.advance(r, size)
			if l.i >= len(l.src) {
				return "", l.errorf("unterminated escape")
			}
			er, esize, err := l.peekRune()
			if err != nil {
				return "", err
			}
			l.advance(er, esize)
			out.WriteRune(unescape(er))
		default:
			l.advance(r, size)
			out.WriteRune(r)
		}
	}
}

func unescape(r rune) rune {
	switch r {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	}
	return r
}

// skip consumes n bytes that are known not to contain a newline.
func (l *lexer) skip(n int) {
	end := l.i + n
	for l.i < end {
		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		l.advance(r, size)
	}
}

func (l *lexer) advance(r rune, size int) {
	l.i += size
	if r == '\n' {
		l.line++
		l.col = 1
		return
	}
	l.col++
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}
