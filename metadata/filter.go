package metadata

import (
	"fmt"
	"strconv"
	"strings"
)

// Op is a comparison operator inside a filter expression.
type Op uint8

const (
	OpEqual Op = iota
	OpNotEqual
	OpLess
	OpLessEqual
	OpGreater
	OpGreaterEqual
	OpContains
	OpPrefix
)

func (o Op) String() string {
	switch o {
	case OpEqual:
		return "=="
	case OpNotEqual:
		return "!="
	case OpLess:
		return "<"
	case OpLessEqual:
		return "<="
	case OpGreater:
		return ">"
	case OpGreaterEqual:
		return ">="
	case OpContains:
		return "CONTAINS"
	case OpPrefix:
		return "PREFIX"
	default:
		return "?"
	}
}

// Filter is a compiled boolean expression over metadata. Grammar, loosest to
// tightest binding:
//
//	expr    := andExpr (OR andExpr)*
//	andExpr := notExpr (AND notExpr)*
//	notExpr := NOT notExpr | primary
//	primary := '(' expr ')' | key op value
//
// Keywords are case-insensitive. Values are quoted strings (single or double
// quotes) or numeric literals; a numeric literal compares numerically, and a
// stored value that fails to parse as a number never matches.
type Filter struct {
	root filterNode
}

// CompileFilter parses expr into a reusable filter.
func CompileFilter(expr string) (*Filter, error) {
	p := &filterParser{lex: newFilterLexer(expr)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("filter: unexpected %q", p.cur.text)
	}
	return &Filter{root: root}, nil
}

// Matches evaluates the filter against a metadata map. A missing key never
// matches a comparison.
func (f *Filter) Matches(m Metadata) bool {
	return f.root.eval(m)
}

type filterNode interface {
	eval(m Metadata) bool
}

type andNode struct{ left, right filterNode }

func (n *andNode) eval(m Metadata) bool { return n.left.eval(m) && n.right.eval(m) }

type orNode struct{ left, right filterNode }

func (n *orNode) eval(m Metadata) bool { return n.left.eval(m) || n.right.eval(m) }

type notNode struct{ inner filterNode }

func (n *notNode) eval(m Metadata) bool { return !n.inner.eval(m) }

type cmpNode struct {
	key     string
	op      Op
	value   string
	numeric bool
	num     float64
}

func (n *cmpNode) eval(m Metadata) bool {
	stored, ok := m[n.key]
	if !ok {
		return false
	}

	// CONTAINS and PREFIX are always textual, even for numeric literals.
	if n.numeric && n.op != OpContains && n.op != OpPrefix {
		sv, err := strconv.ParseFloat(stored, 64)
		if err != nil {
			return false
		}
		switch n.op {
		case OpEqual:
			return sv == n.num
		case OpNotEqual:
			return sv != n.num
		case OpLess:
			return sv < n.num
		case OpLessEqual:
			return sv <= n.num
		case OpGreater:
			return sv > n.num
		case OpGreaterEqual:
			return sv >= n.num
		default:
			return false
		}
	}

	switch n.op {
	case OpEqual:
		return stored == n.value
	case OpNotEqual:
		return stored != n.value
	case OpLess:
		return stored < n.value
	case OpLessEqual:
		return stored <= n.value
	case OpGreater:
		return stored > n.value
	case OpGreaterEqual:
		return stored >= n.value
	case OpContains:
		return strings.Contains(stored, n.value)
	case OpPrefix:
		return strings.HasPrefix(stored, n.value)
	default:
		return false
	}
}

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokNot
	tokContains
	tokPrefix
)

type token struct {
	kind tokenKind
	text string
}

type filterLexer struct {
	src string
	pos int
}

func newFilterLexer(src string) *filterLexer {
	return &filterLexer{src: src}
}

func (l *filterLexer) next() (token, error) {
	for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF}, nil
	}

	c := l.src[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "("}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")"}, nil
	case c == '\'' || c == '"':
		return l.lexString(c)
	case c == '=' || c == '!' || c == '<' || c == '>':
		return l.lexOp()
	case c == '-' || c == '.' || (c >= '0' && c <= '9'):
		return l.lexNumber()
	default:
		return l.lexWord()
	}
}

func (l *filterLexer) lexString(quote byte) (token, error) {
	start := l.pos + 1
	for i := start; i < len(l.src); i++ {
		if l.src[i] == quote {
			tok := token{kind: tokString, text: l.src[start:i]}
			l.pos = i + 1
			return tok, nil
		}
	}
	return token{}, fmt.Errorf("filter: unterminated string at offset %d", l.pos)
}

func (l *filterLexer) lexOp() (token, error) {
	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "==", "!=", "<=", ">=":
		l.pos += 2
		return token{kind: tokOp, text: two}, nil
	}
	switch l.src[l.pos] {
	case '<', '>':
		op := l.src[l.pos : l.pos+1]
		l.pos++
		return token{kind: tokOp, text: op}, nil
	case '=':
		// Single '=' is accepted as equality.
		l.pos++
		return token{kind: tokOp, text: "=="}, nil
	}
	return token{}, fmt.Errorf("filter: bad operator at offset %d", l.pos)
}

func (l *filterLexer) lexNumber() (token, error) {
	start := l.pos
	i := l.pos
	if i < len(l.src) && l.src[i] == '-' {
		i++
	}
	for i < len(l.src) && (l.src[i] == '.' || (l.src[i] >= '0' && l.src[i] <= '9') ||
		l.src[i] == 'e' || l.src[i] == 'E' || l.src[i] == '+') {
		i++
	}
	text := l.src[start:i]
	if _, err := strconv.ParseFloat(text, 64); err != nil {
		return token{}, fmt.Errorf("filter: bad number %q", text)
	}
	l.pos = i
	return token{kind: tokNumber, text: text}, nil
}

func (l *filterLexer) lexWord() (token, error) {
	start := l.pos
	i := l.pos
	for i < len(l.src) && isWordChar(l.src[i]) {
		i++
	}
	if i == start {
		return token{}, fmt.Errorf("filter: unexpected character %q", l.src[start])
	}
	word := l.src[start:i]
	l.pos = i

	switch strings.ToUpper(word) {
	case "AND":
		return token{kind: tokAnd, text: word}, nil
	case "OR":
		return token{kind: tokOr, text: word}, nil
	case "NOT":
		return token{kind: tokNot, text: word}, nil
	case "CONTAINS":
		return token{kind: tokContains, text: word}, nil
	case "PREFIX":
		return token{kind: tokPrefix, text: word}, nil
	}
	return token{kind: tokIdent, text: word}, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isWordChar(c byte) bool {
	return c == '_' || c == '-' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

type filterParser struct {
	lex *filterLexer
	cur token
}

func (p *filterParser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *filterParser) parseOr() (filterNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left: left, right: right}
	}
	return left, nil
}

func (p *filterParser) parseAnd() (filterNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &andNode{left: left, right: right}
	}
	return left, nil
}

func (p *filterParser) parseNot() (filterNode, error) {
	if p.cur.kind == tokNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *filterParser) parsePrimary() (filterNode, error) {
	if p.cur.kind == tokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, fmt.Errorf("filter: expected ')', got %q", p.cur.text)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil
	}

	if p.cur.kind != tokIdent && p.cur.kind != tokString {
		return nil, fmt.Errorf("filter: expected key, got %q", p.cur.text)
	}
	key := p.cur.text
	if err := p.advance(); err != nil {
		return nil, err
	}

	var op Op
	switch p.cur.kind {
	case tokOp:
		switch p.cur.text {
		case "==":
			op = OpEqual
		case "!=":
			op = OpNotEqual
		case "<":
			op = OpLess
		case "<=":
			op = OpLessEqual
		case ">":
			op = OpGreater
		case ">=":
			op = OpGreaterEqual
		}
	case tokContains:
		op = OpContains
	case tokPrefix:
		op = OpPrefix
	default:
		return nil, fmt.Errorf("filter: expected operator after %q, got %q", key, p.cur.text)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	node := &cmpNode{key: key, op: op}
	switch p.cur.kind {
	case tokString, tokIdent:
		node.value = p.cur.text
	case tokNumber:
		node.value = p.cur.text
		node.num, _ = strconv.ParseFloat(p.cur.text, 64)
		node.numeric = true
	default:
		return nil, fmt.Errorf("filter: expected value after %q %s", key, op)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return node, nil
}
