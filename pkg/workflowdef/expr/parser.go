package expr

import (
	"fmt"
	"strings"
)

// forbiddenKeywords are statements and expression forms outside the grammar.
// Seeing one is a safety violation, not a syntax error.
var forbiddenKeywords = map[string]string{
	"import":   "import statements are not allowed",
	"from":     "import statements are not allowed",
	"lambda":   "lambda expressions are not allowed",
	"if":       "conditional expressions are not allowed",
	"else":     "conditional expressions are not allowed",
	"for":      "comprehensions are not allowed",
	"async":    "comprehensions are not allowed",
	"await":    "await expressions are not allowed",
	"yield":    "yield expressions are not allowed",
	"del":      "statements are not allowed",
	"global":   "statements are not allowed",
	"nonlocal": "statements are not allowed",
	"assert":   "statements are not allowed",
	"raise":    "statements are not allowed",
	"return":   "statements are not allowed",
	"pass":     "statements are not allowed",
	"with":     "statements are not allowed",
	"while":    "statements are not allowed",
	"def":      "statements are not allowed",
	"class":    "statements are not allowed",
	"try":      "statements are not allowed",
	"except":   "statements are not allowed",
	"finally":  "statements are not allowed",
	"as":       "statements are not allowed",
}

// forbiddenOperators are lexed operators outside the grammar.
var forbiddenOperators = map[string]string{
	"&":  "bitwise operators are not allowed",
	"|":  "bitwise operators are not allowed",
	"^":  "bitwise operators are not allowed",
	"~":  "bitwise operators are not allowed",
	"<<": "bitwise operators are not allowed",
	">>": "bitwise operators are not allowed",
	"@":  "matrix multiplication is not allowed",
	":=": "assignment expressions are not allowed",
}

type parser struct {
	src    string
	tokens []token
	pos    int
}

func parse(src string) (node, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, tokens: tokens}
	if p.peek().kind == tokEOF {
		return nil, p.syntaxf("empty expression")
	}
	n, err := p.parseExprList()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.unexpected(tok)
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) isOp(text string) bool {
	tok := p.peek()
	return tok.kind == tokOp && tok.text == text
}

func (p *parser) isKeyword(word string) bool {
	tok := p.peek()
	return tok.kind == tokName && tok.text == word
}

func (p *parser) expectOp(text string) error {
	if !p.isOp(text) {
		return p.unexpected(p.peek())
	}
	p.advance()
	return nil
}

func (p *parser) syntaxf(format string, args ...any) error {
	return &SyntaxError{Expr: p.src, Pos: p.peek().pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) unsafe(reason string) error {
	return &UnsafeExpressionError{Expr: p.src, Reason: reason}
}

// unexpected classifies a token the grammar cannot accept at this point.
func (p *parser) unexpected(tok token) error {
	switch tok.kind {
	case tokEOF:
		return &SyntaxError{Expr: p.src, Pos: tok.pos, Msg: "unexpected end of expression"}
	case tokOp:
		if reason, ok := forbiddenOperators[tok.text]; ok {
			return p.unsafe(reason)
		}
		if tok.text == "=" || strings.HasSuffix(tok.text, "=") && len(tok.text) > 1 && !isComparison(tok.text) {
			return p.unsafe("assignments are not allowed")
		}
	case tokName:
		if reason, ok := forbiddenKeywords[tok.text]; ok {
			return p.unsafe(reason)
		}
	}
	return &SyntaxError{Expr: p.src, Pos: tok.pos, Msg: fmt.Sprintf("unexpected token %q", tok.text)}
}

func isComparison(op string) bool {
	switch op {
	case "<", "<=", ">", ">=", "==", "!=":
		return true
	}
	return false
}

// parseExprList parses "a" or an unparenthesized tuple "a, b".
func (p *parser) parseExprList() (node, error) {
	first, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.isOp(",") {
		return first, nil
	}
	elems := []node{first}
	for p.isOp(",") {
		p.advance()
		if p.atExprEnd() {
			break
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	return &tupleNode{elems: elems}, nil
}

func (p *parser) atExprEnd() bool {
	tok := p.peek()
	if tok.kind == tokEOF {
		return true
	}
	return tok.kind == tokOp && (tok.text == ")" || tok.text == "]" || tok.text == "}")
}

func (p *parser) parseExpr() (node, error) {
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.isKeyword("if") {
		return nil, p.unsafe(forbiddenKeywords["if"])
	}
	if p.isKeyword("for") || p.isKeyword("async") {
		return nil, p.unsafe(forbiddenKeywords["for"])
	}
	if p.isOp(":=") {
		return nil, p.unsafe(forbiddenOperators[":="])
	}
	return n, nil
}

func (p *parser) parseOr() (node, error) {
	return p.parseBoolChain("or", p.parseAnd)
}

func (p *parser) parseAnd() (node, error) {
	return p.parseBoolChain("and", p.parseNot)
}

func (p *parser) parseBoolChain(op string, operand func() (node, error)) (node, error) {
	first, err := operand()
	if err != nil {
		return nil, err
	}
	if !p.isKeyword(op) {
		return first, nil
	}
	operands := []node{first}
	for p.isKeyword(op) {
		p.advance()
		next, err := operand()
		if err != nil {
			return nil, err
		}
		operands = append(operands, next)
	}
	return &boolNode{op: op, operands: operands}, nil
}

func (p *parser) parseNot() (node, error) {
	if p.isKeyword("not") {
		p.advance()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "not", operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	first, err := p.parseArith()
	if err != nil {
		return nil, err
	}
	var ops []string
	var operands []node
	for {
		op, ok := p.comparisonOp()
		if !ok {
			break
		}
		right, err := p.parseArith()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		operands = append(operands, right)
	}
	if len(ops) == 0 {
		return first, nil
	}
	return &compareNode{first: first, ops: ops, operands: operands}, nil
}

// comparisonOp consumes a comparison operator, including the two-word
// forms "not in" and "is not".
func (p *parser) comparisonOp() (string, bool) {
	tok := p.peek()
	switch {
	case tok.kind == tokOp && isComparison(tok.text):
		p.advance()
		return tok.text, true
	case tok.kind == tokName && tok.text == "in":
		p.advance()
		return "in", true
	case tok.kind == tokName && tok.text == "is":
		p.advance()
		if p.isKeyword("not") {
			p.advance()
			return "is not", true
		}
		return "is", true
	case tok.kind == tokName && tok.text == "not":
		next := p.tokens[p.pos+1]
		if next.kind == tokName && next.text == "in" {
			p.advance()
			p.advance()
			return "not in", true
		}
	}
	return "", false
}

func (p *parser) parseArith() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.isOp("+") || p.isOp("-") {
		op := p.advance().text
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	if err := p.rejectForbiddenOp(); err != nil {
		return nil, err
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*") || p.isOp("/") || p.isOp("//") || p.isOp("%") {
		op := p.advance().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

// rejectForbiddenOp reports bitwise and matrix operators sitting where a
// binary operator would be accepted.
func (p *parser) rejectForbiddenOp() error {
	tok := p.peek()
	if tok.kind != tokOp {
		return nil
	}
	if reason, ok := forbiddenOperators[tok.text]; ok {
		return p.unsafe(reason)
	}
	return nil
}

func (p *parser) parseUnary() (node, error) {
	if p.isOp("-") || p.isOp("+") {
		op := p.advance().text
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, operand: operand}, nil
	}
	if p.isOp("~") {
		return nil, p.unsafe(forbiddenOperators["~"])
	}
	return p.parsePower()
}

// parsePower binds tighter than a unary minus on its left and looser on
// its right: -2 ** 2 == -4, 2 ** -1 == 0.5.
func (p *parser) parsePower() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if !p.isOp("**") {
		return base, nil
	}
	p.advance()
	exp, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &binaryNode{op: "**", left: base, right: exp}, nil
}

func (p *parser) parsePrimary() (node, error) {
	n, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.isOp("["):
			p.advance()
			index, err := p.parseSubscript()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp("]"); err != nil {
				return nil, err
			}
			n = &subscriptNode{target: n, index: index}
		case p.isOp("."):
			p.advance()
			tok := p.peek()
			if tok.kind != tokName {
				return nil, p.unexpected(tok)
			}
			p.advance()
			if strings.HasPrefix(tok.text, "__") {
				return nil, p.unsafe(fmt.Sprintf("access to dunder attribute '%s' is not allowed", tok.text))
			}
			n = &attrNode{target: n, name: tok.text}
		case p.isOp("("):
			return nil, p.unsafe("function calls are not allowed")
		default:
			return n, nil
		}
	}
}

func (p *parser) parseSubscript() (node, error) {
	var lower node
	if !p.isOp(":") {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if !p.isOp(":") {
			if p.isOp(",") {
				return p.parseTupleTail(e, "]")
			}
			return e, nil
		}
		lower = e
	}

	s := &sliceNode{lower: lower}
	p.advance()
	if !p.isOp(":") && !p.isOp("]") {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		s.upper = e
	}
	if p.isOp(":") {
		p.advance()
		if !p.isOp("]") {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			s.step = e
		}
	}
	return s, nil
}

// parseTupleTail continues a comma-separated sequence after its first
// element up to (not including) the closing delimiter.
func (p *parser) parseTupleTail(first node, closing string) (node, error) {
	elems := []node{first}
	for p.isOp(",") {
		p.advance()
		if p.isOp(closing) {
			break
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	return &tupleNode{elems: elems}, nil
}

func (p *parser) parseAtom() (node, error) {
	tok := p.peek()
	switch tok.kind {
	case tokInt:
		p.advance()
		return &constNode{value: tok.ival}, nil
	case tokFloat:
		p.advance()
		return &constNode{value: tok.fval}, nil
	case tokString:
		var b strings.Builder
		for p.peek().kind == tokString {
			b.WriteString(p.advance().text)
		}
		return &constNode{value: b.String()}, nil
	case tokName:
		return p.parseName()
	case tokOp:
		switch tok.text {
		case "(":
			return p.parseParen()
		case "[":
			return p.parseList()
		case "{":
			return p.parseDict()
		}
	}
	return nil, p.unexpected(tok)
}

func (p *parser) parseName() (node, error) {
	tok := p.advance()
	switch tok.text {
	case "True":
		return &constNode{value: true}, nil
	case "False":
		return &constNode{value: false}, nil
	case "None":
		return &constNode{value: nil}, nil
	case "and", "or", "not", "in", "is":
		return nil, &SyntaxError{Expr: p.src, Pos: tok.pos, Msg: fmt.Sprintf("unexpected keyword %q", tok.text)}
	}
	if reason, ok := forbiddenKeywords[tok.text]; ok {
		return nil, p.unsafe(reason)
	}
	if strings.HasPrefix(tok.text, "__") {
		return nil, p.unsafe(fmt.Sprintf("access to dunder name '%s' is not allowed", tok.text))
	}
	return &nameNode{name: tok.text}, nil
}

func (p *parser) parseParen() (node, error) {
	p.advance()
	if p.isOp(")") {
		p.advance()
		return &tupleNode{}, nil
	}
	if p.isKeyword("yield") {
		return nil, p.unsafe(forbiddenKeywords["yield"])
	}
	first, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	var n node = first
	if p.isOp(",") {
		if n, err = p.parseTupleTail(first, ")"); err != nil {
			return nil, err
		}
	}
	if err := p.expectOp(")"); err != nil {
		return nil, err
	}
	return n, nil
}

func (p *parser) parseList() (node, error) {
	p.advance()
	var elems []node
	for !p.isOp("]") {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
		if !p.isOp(",") {
			break
		}
		p.advance()
	}
	if err := p.expectOp("]"); err != nil {
		return nil, err
	}
	return &listNode{elems: elems}, nil
}

func (p *parser) parseDict() (node, error) {
	p.advance()
	d := &dictNode{}
	for !p.isOp("}") {
		if p.isOp("**") {
			return nil, p.unsafe("dict unpacking is not allowed")
		}
		k, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if !p.isOp(":") {
			if p.isOp(",") || p.isOp("}") {
				return nil, p.unsafe("set literals are not allowed")
			}
			return nil, p.unexpected(p.peek())
		}
		p.advance()
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		d.keys = append(d.keys, k)
		d.values = append(d.values, v)
		if !p.isOp(",") {
			break
		}
		p.advance()
	}
	if err := p.expectOp("}"); err != nil {
		return nil, err
	}
	return d, nil
}
