package formula

import (
	"fmt"
	"math"
	"strconv"
)

// Grammar:
//
//	expr    = term { ("+" | "-") term }
//	term    = unary { ("*" | "/") unary }
//	unary   = [ "-" ] primary
//	primary = number | ref | ident | ident "(" [ expr { "," expr } ] ")" | "(" expr ")"
//
// A bare identifier that is not a call is a token lookup, never a code path.
type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseExpr() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokPlus, tokMinus:
			op := p.next()
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: op.kind, left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokStar, tokSlash:
			op := p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: op.kind, left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokMinus {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &negateNode{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, errSyntax("malformed number %q", t.text)
		}
		return &numberNode{value: v}, nil
	case tokRef:
		return &refNode{token: t.text}, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(t.text)
		}
		return &refNode{token: t.text}, nil
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, errSyntax("missing closing parenthesis")
		}
		return inner, nil
	case tokEOF:
		return nil, errSyntax("unexpected end of expression")
	default:
		return nil, errSyntax("unexpected %q at position %d", t.text, t.pos)
	}
}

func (p *parser) parseCall(name string) (node, error) {
	p.next() // consume "("
	var args []node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if p.next().kind != tokRParen {
		return nil, errSyntax("missing closing parenthesis in call to %s", name)
	}

	arity, ok := functionArity[name]
	if !ok {
		return nil, &Error{Kind: KindUnknownFunction, Msg: fmt.Sprintf("unknown function %q", name)}
	}
	if len(args) != arity {
		return nil, errSyntax("function %s expects %d argument(s), got %d", name, arity, len(args))
	}
	return &callNode{name: name, args: args}, nil
}

// functionArity is the whitelist of callable functions.
var functionArity = map[string]int{
	"today": 0,
	"abs":   1,
	"round": 1,
	"min":   2,
	"max":   2,
}

type node interface {
	eval(env *evalEnv) (float64, error)
}

type numberNode struct {
	value float64
}

func (n *numberNode) eval(env *evalEnv) (float64, error) {
	return n.value, nil
}

type refNode struct {
	token string
}

func (n *refNode) eval(env *evalEnv) (float64, error) {
	return env.lookup(n.token)
}

type negateNode struct {
	operand node
}

func (n *negateNode) eval(env *evalEnv) (float64, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return 0, err
	}
	return -v, nil
}

type binaryNode struct {
	op          tokenKind
	left, right node
}

func (n *binaryNode) eval(env *evalEnv) (float64, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return 0, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case tokPlus:
		return l + r, nil
	case tokMinus:
		return l - r, nil
	case tokStar:
		return l * r, nil
	case tokSlash:
		if r == 0 {
			return 0, &Error{Kind: KindDivisionByZero, Msg: "division by zero"}
		}
		return l / r, nil
	}
	return 0, errSyntax("unknown operator")
}

type callNode struct {
	name string
	args []node
}

func (n *callNode) eval(env *evalEnv) (float64, error) {
	vals := make([]float64, len(n.args))
	for i, arg := range n.args {
		v, err := arg.eval(env)
		if err != nil {
			return 0, err
		}
		vals[i] = v
	}
	switch n.name {
	case "today":
		// Date ordinal: whole days since the Unix epoch, for age formulas.
		return float64(env.now().UTC().Unix() / 86400), nil
	case "abs":
		return math.Abs(vals[0]), nil
	case "round":
		return math.Round(vals[0]), nil
	case "min":
		return math.Min(vals[0], vals[1]), nil
	case "max":
		return math.Max(vals[0], vals[1]), nil
	}
	return 0, &Error{Kind: KindUnknownFunction, Msg: fmt.Sprintf("unknown function %q", n.name)}
}
