package nested

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

type tokenKind uint8

const (
	tokenEOF tokenKind = iota
	tokenLBrace
	tokenRBrace
	tokenLBracket
	tokenRBracket
	tokenColon
	tokenComma
	tokenString
	tokenNumber
	tokenWord
)

func (k tokenKind) String() string {
	switch k {
	case tokenEOF:
		return "end of input"
	case tokenLBrace:
		return "'{'"
	case tokenRBrace:
		return "'}'"
	case tokenLBracket:
		return "'['"
	case tokenRBracket:
		return "']'"
	case tokenColon:
		return "':'"
	case tokenComma:
		return "','"
	case tokenString:
		return "string"
	case tokenNumber:
		return "number"
	default:
		return "word"
	}
}

type token struct {
	kind tokenKind
	text string
	pos  int
}

var numberPattern = regexp.MustCompile(`^-?\d+(\.\d+)?([eE][+-]?\d+)?$`)

// SyntaxError reports malformed input at a byte offset of the parsed text.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Pos, e.Msg)
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{kind: tokenEOF, pos: l.pos}, nil
	}
	start := l.pos
	c := l.src[l.pos]
	switch c {
	case '{':
		l.pos++
		return token{kind: tokenLBrace, pos: start}, nil
	case '}':
		l.pos++
		return token{kind: tokenRBrace, pos: start}, nil
	case '[':
		l.pos++
		return token{kind: tokenLBracket, pos: start}, nil
	case ']':
		l.pos++
		return token{kind: tokenRBracket, pos: start}, nil
	case ':':
		l.pos++
		return token{kind: tokenColon, pos: start}, nil
	case ',':
		l.pos++
		return token{kind: tokenComma, pos: start}, nil
	case '"', '\'':
		text, err := l.quoted(c)
		if err != nil {
			return token{}, err
		}
		return token{kind: tokenString, text: text, pos: start}, nil
	}

	for l.pos < len(l.src) && !isDelimiter(l.src[l.pos]) {
		l.pos++
	}
	text := l.src[start:l.pos]
	if numberPattern.MatchString(text) {
		return token{kind: tokenNumber, text: text, pos: start}, nil
	}
	return token{kind: tokenWord, text: text, pos: start}, nil
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
		l.pos++
	}
}

func (l *lexer) quoted(quote byte) (string, error) {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == quote:
			l.pos++
			return b.String(), nil
		case c == '\\':
			if l.pos+1 >= len(l.src) {
				return "", &SyntaxError{Pos: l.pos, Msg: "dangling escape"}
			}
			esc := l.src[l.pos+1]
			l.pos += 2
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case 'u':
				if l.pos+4 > len(l.src) {
					return "", &SyntaxError{Pos: l.pos, Msg: "short unicode escape"}
				}
				code, err := strconv.ParseUint(l.src[l.pos:l.pos+4], 16, 32)
				if err != nil {
					return "", &SyntaxError{Pos: l.pos, Msg: "invalid unicode escape"}
				}
				b.WriteRune(rune(code))
				l.pos += 4
			default:
				b.WriteByte(esc)
			}
		default:
			r, size := utf8.DecodeRuneInString(l.src[l.pos:])
			b.WriteRune(r)
			l.pos += size
		}
	}
	return "", &SyntaxError{Pos: start, Msg: "unterminated string"}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isDelimiter(c byte) bool {
	switch c {
	case '{', '}', '[', ']', ':', ',', '"', '\'':
		return true
	}
	return isSpace(c)
}
