package expr

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokBool
	tokNull
	tokIdent
	tokDot      // .
	tokLBracket // [
	tokRBracket // ]
	tokLParen   // (
	tokRParen   // )
	tokComma    // ,
	tokEq       // ==
	tokNeq      // !=
	tokGt       // >
	tokGte      // >=
	tokLt       // <
	tokLte      // <=
	tokAnd      // &&
	tokOr       // ||
	tokNot      // ! or not
	tokAssign   // = (script statements only)
	tokPlus     // +
	tokMinus    // -
	tokStar     // *
	tokSlash    // /
	tokPercent  // %
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lex tokenizes a raw (unwrapped) expression. Keywords true/false/null/not
// are recognized case-sensitively, matching the authored form.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case c == '"' || c == '\'':
			quote := c
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(src) {
				if src[i] == '\\' && i+1 < len(src) {
					sb.WriteByte(src[i+1])
					i += 2
					continue
				}
				if src[i] == quote {
					closed = true
					i++
					break
				}
				sb.WriteByte(src[i])
				i++
			}
			if !closed {
				return nil, &SyntaxError{Message: "unterminated string", Pos: start}
			}
			toks = append(toks, token{tokString, sb.String(), start})
		case isIdentStart(rune(c)):
			start := i
			for i < len(src) && isIdentPart(rune(src[i])) {
				i++
			}
			word := src[start:i]
			switch word {
			case "true", "false":
				toks = append(toks, token{tokBool, word, start})
			case "null":
				toks = append(toks, token{tokNull, word, start})
			case "not":
				toks = append(toks, token{tokNot, word, start})
			default:
				toks = append(toks, token{tokIdent, word, start})
			}
		default:
			start := i
			two := ""
			if i+1 < len(src) {
				two = src[i : i+2]
			}
			switch {
			case two == "==":
				toks = append(toks, token{tokEq, two, start})
				i += 2
			case two == "!=":
				toks = append(toks, token{tokNeq, two, start})
				i += 2
			case two == ">=":
				toks = append(toks, token{tokGte, two, start})
				i += 2
			case two == "<=":
				toks = append(toks, token{tokLte, two, start})
				i += 2
			case two == "&&":
				toks = append(toks, token{tokAnd, two, start})
				i += 2
			case two == "||":
				toks = append(toks, token{tokOr, two, start})
				i += 2
			case c == '>':
				toks = append(toks, token{tokGt, ">", start})
				i++
			case c == '<':
				toks = append(toks, token{tokLt, "<", start})
				i++
			case c == '!':
				toks = append(toks, token{tokNot, "!", start})
				i++
			case c == '.':
				toks = append(toks, token{tokDot, ".", start})
				i++
			case c == '[':
				toks = append(toks, token{tokLBracket, "[", start})
				i++
			case c == ']':
				toks = append(toks, token{tokRBracket, "]", start})
				i++
			case c == '(':
				toks = append(toks, token{tokLParen, "(", start})
				i++
			case c == ')':
				toks = append(toks, token{tokRParen, ")", start})
				i++
			case c == ',':
				toks = append(toks, token{tokComma, ",", start})
				i++
			case c == '+':
				toks = append(toks, token{tokPlus, "+", start})
				i++
			case c == '-':
				toks = append(toks, token{tokMinus, "-", start})
				i++
			case c == '*':
				toks = append(toks, token{tokStar, "*", start})
				i++
			case c == '/':
				toks = append(toks, token{tokSlash, "/", start})
				i++
			case c == '%':
				toks = append(toks, token{tokPercent, "%", start})
				i++
			case c == '=':
				toks = append(toks, token{tokAssign, "=", start})
				i++
			default:
				return nil, &SyntaxError{Message: "unexpected character " + string(c), Pos: start}
			}
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
