package expr

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength is the default bound on expression length, in characters.
const DefaultMaxLength = 500

// Evaluator evaluates restricted expressions against a variable namespace.
// An Evaluator holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	maxLength int
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithMaxLength sets the maximum accepted expression length in characters.
// Values <= 0 are ignored.
func WithMaxLength(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxLength = n
		}
	}
}

// New creates a new Evaluator with the given options.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{maxLength: DefaultMaxLength}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxLength returns the configured length bound.
func (e *Evaluator) MaxLength() int {
	return e.maxLength
}

// Program is a parsed and validated expression, reusable across evaluations.
type Program struct {
	source string
	root   node
}

// Source returns the expression text the program was compiled from.
func (p *Program) Source() string {
	return p.source
}

// Compile checks the length bound, parses the expression and rejects any
// construct outside the grammar. Nothing is evaluated.
func (e *Evaluator) Compile(expression string) (*Program, error) {
	if n := utf8.RuneCountInString(expression); n > e.maxLength {
		return nil, &UnsafeExpressionError{
			Expr:   expression,
			Reason: fmt.Sprintf("expression too long (%d > %d characters)", n, e.maxLength),
			cause:  ErrExpressionTooLong,
		}
	}
	root, err := parse(strings.TrimSpace(expression))
	if err != nil {
		var unsafe *UnsafeExpressionError
		if errors.As(err, &unsafe) {
			unsafe.Expr = expression
		}
		var syntax *SyntaxError
		if errors.As(err, &syntax) {
			syntax.Expr = expression
		}
		return nil, err
	}
	return &Program{source: expression, root: root}, nil
}

// Evaluate compiles and runs an expression.
func (e *Evaluator) Evaluate(expression string, vars map[string]any) (any, error) {
	p, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	return p.Run(vars)
}

// EvaluateCondition is Evaluate with the additional requirement that the
// result is a bool. Anything else yields a TypeCondError.
func (e *Evaluator) EvaluateCondition(expression string, vars map[string]any) (bool, error) {
	p, err := e.Compile(expression)
	if err != nil {
		return false, err
	}
	return p.RunCondition(vars)
}

// Run evaluates the program. Variables are normalized with Normalize
// before use; the caller's map is not modified.
func (p *Program) Run(vars map[string]any) (any, error) {
	scope := make(map[string]any, len(vars))
	for k, v := range vars {
		scope[k] = Normalize(v)
	}
	v, err := p.root.eval(scope)
	if err != nil {
		var op *opError
		if errors.As(err, &op) {
			return nil, &EvalError{Expr: p.source, Msg: op.msg}
		}
		return nil, err
	}
	return v, nil
}

// RunCondition evaluates the program and requires a bool result.
func (p *Program) RunCondition(vars map[string]any) (bool, error) {
	v, err := p.Run(vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &TypeCondError{Expr: p.source, Value: v}
	}
	return b, nil
}

var defaultEvaluator = New()

// Evaluate evaluates an expression with the default length bound.
func Evaluate(expression string, vars map[string]any) (any, error) {
	return defaultEvaluator.Evaluate(expression, vars)
}

// EvaluateCondition evaluates a boolean condition with the default length bound.
func EvaluateCondition(expression string, vars map[string]any) (bool, error) {
	return defaultEvaluator.EvaluateCondition(expression, vars)
}

// Compile compiles an expression with the default length bound.
func Compile(expression string) (*Program, error) {
	return defaultEvaluator.Compile(expression)
}
