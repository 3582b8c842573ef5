package expr

import (
	"strconv"
	"strings"
	"time"
)

// AST node variants. The tree is evaluated directly; there is no compile
// step because gateway conditions are short and parsed graphs are cached.
type astNode interface{}

type litNode struct{ val any }

type identNode struct{ name string }

type propNode struct {
	base astNode
	name string
}

type indexNode struct {
	base  astNode
	index astNode
}

type callNode struct {
	name string
	args []astNode
}

type notNode struct{ operand astNode }

type binNode struct {
	op    tokenKind
	left  astNode
	right astNode
}

type parser struct {
	toks []token
	pos  int
}

// Unwrap strips the ${ ... } framing from an expression. Unwrapped input is
// returned unchanged so completion conditions authored without framing
// still parse.
func Unwrap(src string) string {
	s := strings.TrimSpace(src)
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return strings.TrimSpace(s[2 : len(s)-1])
	}
	return s
}

// parse builds the AST for a raw (unwrapped) expression.
func parse(src string) (astNode, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokEOF {
		return nil, &SyntaxError{Message: "unexpected token " + p.cur().text, Pos: p.cur().pos}
	}
	return n, nil
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	if p.cur().kind != kind {
		return token{}, &SyntaxError{Message: "expected " + what, Pos: p.cur().pos}
	}
	return p.next(), nil
}

// Precedence levels, loosest first: or, and, comparison, additive,
// multiplicative, unary, postfix, primary.

func (p *parser) parseOr() (astNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: tokOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (astNode, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokAnd {
		p.next()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: tokAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (astNode, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	switch p.cur().kind {
	case tokEq, tokNeq, tokGt, tokGte, tokLt, tokLte:
		op := p.next().kind
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &binNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (astNode, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokPlus || p.cur().kind == tokMinus {
		op := p.next().kind
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (astNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokStar || p.cur().kind == tokSlash || p.cur().kind == tokPercent {
		op := p.next().kind
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (astNode, error) {
	switch p.cur().kind {
	case tokNot:
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	case tokMinus:
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &binNode{op: tokMinus, left: &litNode{val: float64(0)}, right: operand}, nil
	}
	return p.parsePostfix()
}

// parsePostfix parses a primary followed by a property/index chain.
func (p *parser) parsePostfix() (astNode, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur().kind {
		case tokDot:
			p.next()
			name, err := p.expect(tokIdent, "property name after '.'")
			if err != nil {
				return nil, err
			}
			base = &propNode{base: base, name: name.text}
		case tokLBracket:
			p.next()
			idx, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
			base = &indexNode{base: base, index: idx}
		default:
			return base, nil
		}
	}
}

func (p *parser) parsePrimary() (astNode, error) {
	t := p.cur()
	switch t.kind {
	case tokNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &SyntaxError{Message: "malformed number " + t.text, Pos: t.pos}
		}
		return &litNode{val: f}, nil
	case tokString:
		p.next()
		// Quoted ISO-8601 instants and dates become date values so
		// comparisons order chronologically.
		if ts, ok := parseDate(t.text); ok {
			return &litNode{val: ts}, nil
		}
		return &litNode{val: t.text}, nil
	case tokBool:
		p.next()
		return &litNode{val: t.text == "true"}, nil
	case tokNull:
		p.next()
		return &litNode{val: nil}, nil
	case tokIdent:
		p.next()
		// A '(' directly after a bare identifier is a builtin call; calls
		// are not permitted anywhere else.
		if p.cur().kind == tokLParen {
			p.next()
			var args []astNode
			if p.cur().kind != tokRParen {
				for {
					arg, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.cur().kind != tokComma {
						break
					}
					p.next()
				}
			}
			if _, err := p.expect(tokRParen, "')'"); err != nil {
				return nil, err
			}
			return &callNode{name: t.text, args: args}, nil
		}
		return &identNode{name: t.text}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	return nil, &SyntaxError{Message: "unexpected token " + t.text, Pos: t.pos}
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
