// Package formula parses and evaluates arithmetic expressions for calculated
// measures. Expressions reference values through {token} placeholders, support
// + - * / with parentheses, and a small whitelisted function set. Everything
// compiles to an AST evaluated directly; there is no eval-style mechanism and
// no code path an expression can reach beyond arithmetic.
package formula

import (
	"fmt"
	"math"
	"time"
)

// ErrorKind classifies evaluation failures.
type ErrorKind int

const (
	KindSyntax ErrorKind = iota
	KindMissingValue
	KindUnknownFunction
	KindDivisionByZero
	KindNonFinite
)

// String returns the error kind name
func (k ErrorKind) String() string {
	switch k {
	case KindSyntax:
		return "syntax"
	case KindMissingValue:
		return "missing_value"
	case KindUnknownFunction:
		return "unknown_function"
	case KindDivisionByZero:
		return "division_by_zero"
	case KindNonFinite:
		return "non_finite"
	}
	return "unknown"
}

// Error is a typed evaluation failure with a human-readable reason.
type Error struct {
	Kind ErrorKind
	Msg  string
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("formula %s error: %s", e.Kind, e.Msg)
}

func errSyntax(format string, args ...interface{}) *Error {
	return &Error{Kind: KindSyntax, Msg: fmt.Sprintf(format, args...)}
}

// Evaluator evaluates parsed expressions. The zero value is ready to use and
// safe for concurrent callers; Clock only exists so tests can pin today().
type Evaluator struct {
	Clock func() time.Time
}

func (ev Evaluator) now() time.Time {
	if ev.Clock != nil {
		return ev.Clock()
	}
	return time.Now()
}

// Eval parses and evaluates expr against the given value map, rounding the
// result to decimalPlaces. A nil map entry or an absent key fails with
// KindMissingValue; callers rely on this to skip calculation until every
// dependency exists.
func (ev Evaluator) Eval(expr string, values map[string]*float64, decimalPlaces int) (float64, error) {
	parsed, err := Parse(expr)
	if err != nil {
		return 0, err
	}
	return parsed.EvalWith(ev, values, decimalPlaces)
}

// Eval evaluates expr with the default wall clock.
func Eval(expr string, values map[string]*float64, decimalPlaces int) (float64, error) {
	return Evaluator{}.Eval(expr, values, decimalPlaces)
}

// Expr is a parsed, reusable expression.
type Expr struct {
	root node
	text string
}

// Parse compiles an expression string into an Expr.
func Parse(expr string) (*Expr, error) {
	tokens, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, errSyntax("unexpected %q at end of expression", p.peek().text)
	}
	return &Expr{root: root, text: expr}, nil
}

// String returns the original expression text
func (x *Expr) String() string {
	return x.text
}

// Eval evaluates the expression with the default wall clock.
func (x *Expr) Eval(values map[string]*float64, decimalPlaces int) (float64, error) {
	return x.EvalWith(Evaluator{}, values, decimalPlaces)
}

// EvalWith evaluates the expression using the given Evaluator's clock.
func (x *Expr) EvalWith(ev Evaluator, values map[string]*float64, decimalPlaces int) (float64, error) {
	if decimalPlaces < 0 {
		return 0, errSyntax("decimal places must be non-negative, got %d", decimalPlaces)
	}
	env := &evalEnv{values: values, now: ev.now}
	result, err := x.root.eval(env)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, &Error{Kind: KindNonFinite, Msg: fmt.Sprintf("expression produced non-finite value %v", result)}
	}
	return roundHalfUp(result, decimalPlaces), nil
}

// roundHalfUp rounds half away from zero to the given number of places.
func roundHalfUp(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}

type evalEnv struct {
	values map[string]*float64
	now    func() time.Time
}

func (env *evalEnv) lookup(token string) (float64, error) {
	v, ok := env.values[token]
	if !ok || v == nil {
		return 0, &Error{Kind: KindMissingValue, Msg: fmt.Sprintf("no value for token %q", token)}
	}
	return *v, nil
}
