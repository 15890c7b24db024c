/*
Package expr provides a restricted expression evaluator for loop conditions.

# Overview

expr parses a small, side-effect-free subset of Python expression syntax
and evaluates it against a variable namespace. Nothing in the grammar can
call a function, import a module or reach an object's internals, so
conditions read from untrusted workflow documents are safe to run.

# Grammar

	<expr>    := <or> [',' <or>]*                 // bare tuple
	<or>      := <and> ('or' <and>)*
	<and>     := <not> ('and' <not>)*
	<not>     := 'not' <not> | <compare>
	<compare> := <arith> (<cmp-op> <arith>)*      // chained: a < b < c
	<cmp-op>  := '<' | '<=' | '>' | '>=' | '==' | '!=' | 'in' | 'not in' | 'is' | 'is not'
	<arith>   := <term> (('+' | '-') <term>)*
	<term>    := <unary> (('*' | '/' | '//' | '%') <unary>)*
	<unary>   := ('+' | '-') <unary> | <power>
	<power>   := <primary> ['**' <unary>]
	<primary> := <atom> ('[' <subscript> ']' | '.' name)*
	<atom>    := number | string | True | False | None | name
	           | '(' <expr> ')' | '[' ... ']' | '{' key ':' value, ... '}'

Dotted access reads a key from a mapping: with vars {"ctx": {"n": 3}},
"ctx.n < 8" is true.

# Safety

The following raise UnsafeExpressionError (errors.Is ErrUnsafeExpression):

  - function or method calls: print(1)
  - names or attributes starting with a double underscore: __import__
  - import, lambda, comprehensions, conditional expressions, assignments
  - bitwise operators, set literals, f-strings
  - expressions longer than the configured bound (default 500 characters),
    rejected before parsing

Malformed text is a SyntaxError. Runtime failures such as an unknown name,
a bad operand type or division by zero are EvalErrors.

# Values

Variables are normalized into: nil, bool, int64, float64, string, []any
(list), Tuple and map[string]any (dict). Arithmetic follows Python:
"/" always yields a float, "//" floors, "%" takes the sign of the
divisor and "**" stays integral for non-negative integer exponents.
Integer overflow is reported as an EvalError rather than wrapping.

"and" and "or" return the deciding operand, as in Python. Use
EvaluateCondition when a strict bool is required:

	ok, err := expr.EvaluateCondition("m < n", map[string]any{"m": 0, "n": 5})

A condition producing a non-bool yields a TypeCondError; truthiness is never
used to coerce a condition.

# Reuse

Compile validates once and returns a Program that can be run repeatedly:

	prog, err := expr.Compile("ctx.n < 8")
	for {
	    ok, err := prog.RunCondition(vars)
	    ...
	}
*/
package expr
