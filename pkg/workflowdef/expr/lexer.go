package expr

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokName
	tokInt
	tokFloat
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string // operator or name text, decoded string contents
	ival int64
	fval float64
	pos  int
}

// operators lists every punctuation token the lexer recognizes, longest
// first. Tokens outside the grammar are still lexed so the parser can
// reject them as unsafe rather than as malformed.
var operators = []string{
	"**=", "//=", ">>=", "<<=",
	"**", "//", "<=", ">=", "==", "!=", "<<", ">>", ":=", "->",
	"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "@=",
	"+", "-", "*", "/", "%", "<", ">", "(", ")", "[", "]", "{", "}",
	",", ":", ".", "~", "&", "|", "^", "@", "=", ";",
}

type lexer struct {
	src    string
	pos    int
	tokens []token
}

func tokenize(src string) ([]token, error) {
	lx := &lexer{src: src}
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		lx.tokens = append(lx.tokens, tok)
		if tok.kind == tokEOF {
			return lx.tokens, nil
		}
	}
}

func (lx *lexer) syntaxf(pos int, msg string) error {
	return &SyntaxError{Expr: lx.src, Pos: pos, Msg: msg}
}

func (lx *lexer) next() (token, error) {
	for lx.pos < len(lx.src) {
		r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
		if r == '\\' && strings.HasPrefix(lx.src[lx.pos+1:], "\n") {
			lx.pos += 2
			continue
		}
		if !unicode.IsSpace(r) {
			break
		}
		lx.pos += size
	}
	if lx.pos >= len(lx.src) {
		return token{kind: tokEOF, pos: lx.pos}, nil
	}

	start := lx.pos
	r, _ := utf8.DecodeRuneInString(lx.src[lx.pos:])

	switch {
	case r == '\'' || r == '"':
		s, err := lx.readString(false)
		if err != nil {
			return token{}, err
		}
		return token{kind: tokString, text: s, pos: start}, nil
	case isDigit(r) || (r == '.' && lx.pos+1 < len(lx.src) && isDigit(rune(lx.src[lx.pos+1]))):
		return lx.readNumber()
	case r == '_' || unicode.IsLetter(r):
		name := lx.readName()
		if lx.pos < len(lx.src) && (lx.src[lx.pos] == '\'' || lx.src[lx.pos] == '"') {
			return lx.readPrefixedString(name, start)
		}
		return token{kind: tokName, text: name, pos: start}, nil
	case r == '#':
		return token{}, lx.syntaxf(start, "comments are not allowed")
	}

	for _, op := range operators {
		if strings.HasPrefix(lx.src[lx.pos:], op) {
			lx.pos += len(op)
			return token{kind: tokOp, text: op, pos: start}, nil
		}
	}
	return token{}, lx.syntaxf(start, "invalid character "+strconv.QuoteRune(r))
}

func (lx *lexer) readName() string {
	start := lx.pos
	for lx.pos < len(lx.src) {
		r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		lx.pos += size
	}
	return lx.src[start:lx.pos]
}

func (lx *lexer) readPrefixedString(prefix string, start int) (token, error) {
	switch strings.ToLower(prefix) {
	case "r":
		s, err := lx.readString(true)
		if err != nil {
			return token{}, err
		}
		return token{kind: tokString, text: s, pos: start}, nil
	case "u":
		s, err := lx.readString(false)
		if err != nil {
			return token{}, err
		}
		return token{kind: tokString, text: s, pos: start}, nil
	case "f", "rf", "fr":
		return token{}, &UnsafeExpressionError{Expr: lx.src, Reason: "formatted string literals are not allowed"}
	case "b", "rb", "br":
		return token{}, lx.syntaxf(start, "bytes literals are not supported")
	}
	return token{}, lx.syntaxf(lx.pos, "unexpected string after name "+strconv.Quote(prefix))
}

func (lx *lexer) readString(raw bool) (string, error) {
	start := lx.pos
	quote := lx.src[lx.pos]
	if strings.HasPrefix(lx.src[lx.pos:], strings.Repeat(string(quote), 3)) {
		return lx.readTripleString(raw)
	}
	lx.pos++

	var b strings.Builder
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == quote:
			lx.pos++
			return b.String(), nil
		case c == '\n':
			return "", lx.syntaxf(start, "unterminated string literal")
		case c == '\\' && !raw:
			if err := lx.readEscape(&b); err != nil {
				return "", err
			}
		case c == '\\' && raw && lx.pos+1 < len(lx.src):
			b.WriteByte(c)
			b.WriteByte(lx.src[lx.pos+1])
			lx.pos += 2
		default:
			b.WriteByte(c)
			lx.pos++
		}
	}
	return "", lx.syntaxf(start, "unterminated string literal")
}

func (lx *lexer) readTripleString(raw bool) (string, error) {
	start := lx.pos
	delim := lx.src[lx.pos : lx.pos+3]
	lx.pos += 3

	var b strings.Builder
	for lx.pos < len(lx.src) {
		if strings.HasPrefix(lx.src[lx.pos:], delim) {
			lx.pos += 3
			return b.String(), nil
		}
		c := lx.src[lx.pos]
		if c == '\\' && !raw {
			if err := lx.readEscape(&b); err != nil {
				return "", err
			}
			continue
		}
		b.WriteByte(c)
		lx.pos++
	}
	return "", lx.syntaxf(start, "unterminated triple-quoted string literal")
}

func (lx *lexer) readEscape(b *strings.Builder) error {
	start := lx.pos
	lx.pos++
	if lx.pos >= len(lx.src) {
		return lx.syntaxf(start, "unterminated escape sequence")
	}
	c := lx.src[lx.pos]
	lx.pos++
	switch c {
	case '\n':
	case '\\', '\'', '"':
		b.WriteByte(c)
	case 'n':
		b.WriteByte('\n')
	case 't':
		b.WriteByte('\t')
	case 'r':
		b.WriteByte('\r')
	case '0':
		b.WriteByte(0)
	case 'a':
		b.WriteByte('\a')
	case 'b':
		b.WriteByte('\b')
	case 'f':
		b.WriteByte('\f')
	case 'v':
		b.WriteByte('\v')
	case 'x', 'u', 'U':
		width := map[byte]int{'x': 2, 'u': 4, 'U': 8}[c]
		if lx.pos+width > len(lx.src) {
			return lx.syntaxf(start, "truncated escape sequence")
		}
		code, err := strconv.ParseUint(lx.src[lx.pos:lx.pos+width], 16, 32)
		if err != nil || !utf8.ValidRune(rune(code)) {
			return lx.syntaxf(start, "invalid escape sequence")
		}
		b.WriteRune(rune(code))
		lx.pos += width
	default:
		b.WriteByte('\\')
		b.WriteByte(c)
	}
	return nil
}

func (lx *lexer) readNumber() (token, error) {
	start := lx.pos
	isFloat := false

	if strings.HasPrefix(lx.src[lx.pos:], "0x") || strings.HasPrefix(lx.src[lx.pos:], "0X") ||
		strings.HasPrefix(lx.src[lx.pos:], "0o") || strings.HasPrefix(lx.src[lx.pos:], "0O") ||
		strings.HasPrefix(lx.src[lx.pos:], "0b") || strings.HasPrefix(lx.src[lx.pos:], "0B") {
		lx.pos += 2
		for lx.pos < len(lx.src) && (isHexDigit(lx.src[lx.pos]) || lx.src[lx.pos] == '_') {
			lx.pos++
		}
	} else {
		lx.skipDigits()
		if lx.pos < len(lx.src) && lx.src[lx.pos] == '.' {
			isFloat = true
			lx.pos++
			lx.skipDigits()
		}
		if lx.pos < len(lx.src) && (lx.src[lx.pos] == 'e' || lx.src[lx.pos] == 'E') {
			isFloat = true
			lx.pos++
			if lx.pos < len(lx.src) && (lx.src[lx.pos] == '+' || lx.src[lx.pos] == '-') {
				lx.pos++
			}
			expStart := lx.pos
			lx.skipDigits()
			if lx.pos == expStart {
				return token{}, lx.syntaxf(start, "invalid float literal")
			}
		}
	}

	text := lx.src[start:lx.pos]
	if lx.pos < len(lx.src) {
		if c := lx.src[lx.pos]; c == 'j' || c == 'J' {
			return token{}, lx.syntaxf(start, "complex literals are not supported")
		}
		if r, _ := utf8.DecodeRuneInString(lx.src[lx.pos:]); r == '_' || unicode.IsLetter(r) {
			return token{}, lx.syntaxf(start, "invalid numeric literal")
		}
	}

	if isFloat {
		f, err := strconv.ParseFloat(strings.ReplaceAll(text, "_", ""), 64)
		if err != nil {
			return token{}, lx.syntaxf(start, "invalid float literal "+strconv.Quote(text))
		}
		return token{kind: tokFloat, text: text, fval: f, pos: start}, nil
	}

	if len(text) > 1 && text[0] == '0' && strings.Trim(text, "0_") != "" && isDigit(rune(text[1])) {
		return token{}, lx.syntaxf(start, "leading zeros in decimal integer literals are not permitted")
	}
	i, err := strconv.ParseInt(text, 0, 64)
	if err != nil {
		return token{}, lx.syntaxf(start, "invalid integer literal "+strconv.Quote(text))
	}
	return token{kind: tokInt, text: text, ival: i, pos: start}, nil
}

func (lx *lexer) skipDigits() {
	for lx.pos < len(lx.src) && (isDigit(rune(lx.src[lx.pos])) || lx.src[lx.pos] == '_') {
		lx.pos++
	}
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isHexDigit(c byte) bool {
	return isDigit(rune(c)) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
