// Package ranking compiles scoring expressions that blend the vector
// similarity score with per-document signals such as timestamps, popularity
// counts or prices.
//
// An expression references the built-in variable _score and any named
// signal, for example:
//
//	0.7 * _score + 0.3 * decay_exp(timestamp, 1700000000, 86400)
//
// Grammar:
//
//	expr   := term (('+' | '-') term)*
//	term   := factor (('*' | '/') factor)*
//	factor := NUMBER | IDENT | func '(' expr (',' expr)* ')'
//	        | '(' expr ')' | '-' factor
//	func   := min | max | pow | log | clamp | linear
//	        | decay_exp | decay_gauss | decay_linear
package ranking

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ScoreVar is the built-in variable bound to the vector score.
const ScoreVar = "_score"

// Signals carries the per-document signal values for one evaluation.
// Unknown signals evaluate to zero.
type Signals map[string]float64

type nodeOp uint8

const (
	opConst nodeOp = iota
	opSignal
	opAdd
	opSub
	opMul
	opDiv
	opNeg
	opMin
	opMax
	opPow
	opLog
	opClamp
	opLinear
	opDecayExp
	opDecayGauss
	opDecayLinear
)

type node struct {
	op       nodeOp
	constant float64
	signal   string
	args     []*node
}

// Expr is a compiled ranking expression.
type Expr struct {
	root *node
	src  string
}

// String returns the source text the expression was compiled from.
func (e *Expr) String() string { return e.src }

// Parse compiles an expression string.
func Parse(expression string) (*Expr, error) {
	p := &parser{src: expression}
	p.next()
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("ranking: unexpected %q at offset %d", p.tok.text, p.tok.pos)
	}
	return &Expr{root: root, src: expression}, nil
}

// WeightedSum builds the expression w0*name0 + w1*name1 + ... without going
// through the parser.
func WeightedSum(weights map[string]float64) *Expr {
	var root *node
	parts := make([]string, 0, len(weights))
	for name, w := range weights {
		term := &node{op: opMul, args: []*node{
			{op: opConst, constant: w},
			{op: opSignal, signal: name},
		}}
		if root == nil {
			root = term
		} else {
			root = &node{op: opAdd, args: []*node{root, term}}
		}
		parts = append(parts, fmt.Sprintf("%g*%s", w, name))
	}
	if root == nil {
		root = &node{op: opConst}
	}
	return &Expr{root: root, src: strings.Join(parts, " + ")}
}

// Eval computes the expression value for one document. score binds to
// _score; missing signals read as zero.
func (e *Expr) Eval(score float64, signals Signals) float64 {
	return e.root.eval(score, signals)
}

func (n *node) eval(score float64, signals Signals) float64 {
	switch n.op {
	case opConst:
		return n.constant
	case opSignal:
		if n.signal == ScoreVar {
			return score
		}
		return signals[n.signal]
	case opAdd:
		return n.args[0].eval(score, signals) + n.args[1].eval(score, signals)
	case opSub:
		return n.args[0].eval(score, signals) - n.args[1].eval(score, signals)
	case opMul:
		return n.args[0].eval(score, signals) * n.args[1].eval(score, signals)
	case opDiv:
		return n.args[0].eval(score, signals) / n.args[1].eval(score, signals)
	case opNeg:
		return -n.args[0].eval(score, signals)
	case opMin:
		return math.Min(n.args[0].eval(score, signals), n.args[1].eval(score, signals))
	case opMax:
		return math.Max(n.args[0].eval(score, signals), n.args[1].eval(score, signals))
	case opPow:
		return math.Pow(n.args[0].eval(score, signals), n.args[1].eval(score, signals))
	case opLog:
		v := n.args[0].eval(score, signals)
		if v <= 0 {
			return 0
		}
		return math.Log(v)
	case opClamp:
		v := n.args[0].eval(score, signals)
		lo := n.args[1].eval(score, signals)
		hi := n.args[2].eval(score, signals)
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	case opLinear:
		v := n.args[0].eval(score, signals)
		a := n.args[1].eval(score, signals)
		b := n.args[2].eval(score, signals)
		return a*v + b
	case opDecayExp:
		v, origin, scale := n.decayArgs(score, signals)
		if scale <= 0 {
			return 0
		}
		return math.Exp(-math.Abs(v-origin) / scale)
	case opDecayGauss:
		v, origin, scale := n.decayArgs(score, signals)
		if scale <= 0 {
			return 0
		}
		z := (v - origin) / scale
		return math.Exp(-0.5 * z * z)
	case opDecayLinear:
		v, origin, scale := n.decayArgs(score, signals)
		if scale <= 0 {
			return 0
		}
		d := math.Abs(v-origin) / scale
		if d >= 1 {
			return 0
		}
		return 1 - d
	default:
		return 0
	}
}

func (n *node) decayArgs(score float64, signals Signals) (v, origin, scale float64) {
	return n.args[0].eval(score, signals), n.args[1].eval(score, signals), n.args[2].eval(score, signals)
}

// funcArity maps function names to their operation and argument count.
var funcArity = map[string]struct {
	op    nodeOp
	arity int
}{
	"min":          {opMin, 2},
	"max":          {opMax, 2},
	"pow":          {opPow, 2},
	"log":          {opLog, 1},
	"clamp":        {opClamp, 3},
	"linear":       {opLinear, 3},
	"decay_exp":    {opDecayExp, 3},
	"decay_gauss":  {opDecayGauss, 3},
	"decay_linear": {opDecayLinear, 3},
}

type tokKind uint8

const (
	tokEOF tokKind = iota
	tokError
	tokNumber
	tokIdent
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokKind
	text string
	num  float64
	pos  int
}

type parser struct {
	src string
	pos int
	tok token
}

func (p *parser) next() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t' || p.src[p.pos] == '\n' || p.src[p.pos] == '\r') {
		p.pos++
	}
	start := p.pos
	if p.pos >= len(p.src) {
		p.tok = token{kind: tokEOF, pos: start}
		return
	}

	c := p.src[p.pos]
	switch c {
	case '+':
		p.pos++
		p.tok = token{kind: tokPlus, text: "+", pos: start}
		return
	case '-':
		p.pos++
		p.tok = token{kind: tokMinus, text: "-", pos: start}
		return
	case '*':
		p.pos++
		p.tok = token{kind: tokStar, text: "*", pos: start}
		return
	case '/':
		p.pos++
		p.tok = token{kind: tokSlash, text: "/", pos: start}
		return
	case '(':
		p.pos++
		p.tok = token{kind: tokLParen, text: "(", pos: start}
		return
	case ')':
		p.pos++
		p.tok = token{kind: tokRParen, text: ")", pos: start}
		return
	case ',':
		p.pos++
		p.tok = token{kind: tokComma, text: ",", pos: start}
		return
	}

	if c >= '0' && c <= '9' || c == '.' {
		for p.pos < len(p.src) {
			c := p.src[p.pos]
			if c >= '0' && c <= '9' || c == '.' || c == 'e' || c == 'E' {
				p.pos++
				continue
			}
			// Exponent sign.
			if (c == '+' || c == '-') && p.pos > start && (p.src[p.pos-1] == 'e' || p.src[p.pos-1] == 'E') {
				p.pos++
				continue
			}
			break
		}
		text := p.src[start:p.pos]
		num, err := strconv.ParseFloat(text, 64)
		if err != nil {
			p.tok = token{kind: tokError, text: text, pos: start}
			return
		}
		p.tok = token{kind: tokNumber, text: text, num: num, pos: start}
		return
	}

	if unicode.IsLetter(rune(c)) || c == '_' {
		for p.pos < len(p.src) {
			c := rune(p.src[p.pos])
			if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' {
				p.pos++
				continue
			}
			break
		}
		p.tok = token{kind: tokIdent, text: p.src[start:p.pos], pos: start}
		return
	}

	p.tok = token{kind: tokError, text: string(c), pos: start}
	p.pos = len(p.src)
}

func (p *parser) parseExpr() (*node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokPlus || p.tok.kind == tokMinus {
		op := opAdd
		if p.tok.kind == tokMinus {
			op = opSub
		}
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &node{op: op, args: []*node{left, right}}
	}
	return left, nil
}

func (p *parser) parseTerm() (*node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokStar || p.tok.kind == tokSlash {
		op := opMul
		if p.tok.kind == tokSlash {
			op = opDiv
		}
		p.next()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &node{op: op, args: []*node{left, right}}
	}
	return left, nil
}

func (p *parser) parseFactor() (*node, error) {
	switch p.tok.kind {
	case tokNumber:
		n := &node{op: opConst, constant: p.tok.num}
		p.next()
		return n, nil

	case tokMinus:
		p.next()
		child, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return &node{op: opNeg, args: []*node{child}}, nil

	case tokLParen:
		p.next()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tokIdent:
		name := p.tok.text
		p.next()
		if p.tok.kind != tokLParen {
			return &node{op: opSignal, signal: name}, nil
		}
		fn, ok := funcArity[name]
		if !ok {
			return nil, fmt.Errorf("ranking: unknown function %q", name)
		}
		p.next()
		args := make([]*node, 0, fn.arity)
		for i := 0; i < fn.arity; i++ {
			if i > 0 {
				if err := p.expect(tokComma); err != nil {
					return nil, err
				}
			}
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
		}
		if err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return &node{op: fn.op, args: args}, nil

	default:
		return nil, fmt.Errorf("ranking: unexpected %q at offset %d", p.tok.text, p.tok.pos)
	}
}

func (p *parser) expect(kind tokKind) error {
	if p.tok.kind != kind {
		return fmt.Errorf("ranking: unexpected %q at offset %d", p.tok.text, p.tok.pos)
	}
	p.next()
	return nil
}
