package expr

import (
	"github.com/lemonberrylabs/cellexpr/pkg/types"
)

// Tokenizer produces tokens on demand from an expression string. Peek
// classifies the next token without consuming it; Advance moves past it.
// Between calls the offset always sits on the first non-whitespace character
// of the next token, or at the end of the input.
type Tokenizer struct {
	input  string
	pos    int
	peeked *Token
}

// NewTokenizer creates a tokenizer positioned at the first token of input.
func NewTokenizer(input string) *Tokenizer {
	t := &Tokenizer{input: input}
	t.skipWhitespace()
	return t
}

// Peek returns the next token without consuming it.
func (t *Tokenizer) Peek() (Token, error) {
	if t.peeked != nil {
		return *t.peeked, nil
	}
	tok, err := t.scan()
	if err != nil {
		return Token{}, err
	}
	t.peeked = &tok
	return tok, nil
}

// Advance consumes the token returned by Peek. Advancing at end of stream is
// a no-op.
func (t *Tokenizer) Advance() error {
	tok, err := t.Peek()
	if err != nil {
		return err
	}
	t.pos += len(tok.Text)
	t.peeked = nil
	t.skipWhitespace()
	return nil
}

// Pos returns the current scan offset.
func (t *Tokenizer) Pos() int {
	return t.pos
}

func (t *Tokenizer) scan() (Token, error) {
	if t.pos >= len(t.input) {
		return Token{Type: TokenEOS, Pos: t.pos}, nil
	}

	ch := t.input[t.pos]
	switch ch {
	case '(':
		return t.single(TokenLParen), nil
	case ')':
		return t.single(TokenRParen), nil
	case '+':
		return t.single(TokenPlus), nil
	case '-':
		return t.single(TokenMinus), nil
	case '*':
		return t.single(TokenStar), nil
	case '/':
		return t.single(TokenSlash), nil
	case '%':
		return t.single(TokenPercent), nil
	}

	if isDigit(ch) || ch == '.' {
		return t.scanNumber()
	}
	if isSymbolChar(ch) {
		return t.scanSymbol(), nil
	}

	// Left for the parser to report.
	return t.single(TokenNone), nil
}

func (t *Tokenizer) single(tt TokenType) Token {
	return Token{Type: tt, Text: t.input[t.pos : t.pos+1], Pos: t.pos}
}

// scanNumber reads an Int or Fractional literal starting at a digit or '.'.
//
//	int        := digit+
//	fractional := digit* '.' digit* exponent?
//	            | digit+ exponent
//	exponent   := ('e' | 'E') ('+' | '-')? digit+
func (t *Tokenizer) scanNumber() (Token, error) {
	start := t.pos
	i := t.digits(start)
	intDigits := i - start
	fractional := false

	if i < len(t.input) && t.input[i] == '.' {
		fractional = true
		i = t.digits(i + 1)
		if t.isExponent(i) {
			var err error
			if i, err = t.exponent(start, i); err != nil {
				return Token{}, err
			}
		}
	} else if t.isExponent(i) {
		fractional = true
		var err error
		if i, err = t.exponent(start, i); err != nil {
			return Token{}, err
		}
	}

	text := t.input[start:i]
	if !fractional {
		return Token{Type: TokenInt, Text: text, Pos: start}, nil
	}

	// The exponent always ends in a digit, so the only legal non-digit ending
	// is the trailing point of "23.". A bare "." has no digits at all.
	if !isDigit(text[len(text)-1]) && intDigits == 0 {
		return Token{}, types.NewTokenizeError(start, "malformed numeric literal %q: no digits", text)
	}
	return Token{Type: TokenFractional, Text: text, Pos: start}, nil
}

// exponent consumes 'e', an optional sign and a mandatory digit run starting
// at i and returns the offset just past it.
func (t *Tokenizer) exponent(start, i int) (int, error) {
	i++
	if i < len(t.input) && (t.input[i] == '+' || t.input[i] == '-') {
		i++
	}
	j := t.digits(i)
	if j == i {
		return 0, types.NewTokenizeError(start, "malformed numeric literal %q: exponent has no digits", t.input[start:i])
	}
	if t.isExponent(j) {
		return 0, types.NewTokenizeError(start, "malformed numeric literal %q: second exponent", t.input[start:j+1])
	}
	return j, nil
}

func (t *Tokenizer) isExponent(i int) bool {
	return i < len(t.input) && (t.input[i] == 'e' || t.input[i] == 'E')
}

// digits returns the offset of the first non-digit at or after i.
func (t *Tokenizer) digits(i int) int {
	for i < len(t.input) && isDigit(t.input[i]) {
		i++
	}
	return i
}

func (t *Tokenizer) scanSymbol() Token {
	start := t.pos
	i := start
	for i < len(t.input) && isSymbolChar(t.input[i]) {
		i++
	}
	return Token{Type: TokenSymbol, Text: t.input[start:i], Pos: start}
}

func (t *Tokenizer) skipWhitespace() {
	for t.pos < len(t.input) {
		switch t.input[t.pos] {
		case ' ', '\t', '\n', '\r':
			t.pos++
		default:
			return
		}
	}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isSymbolChar(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_' || isDigit(ch)
}

// IsSymbol reports whether name would tokenize as a single symbol, i.e.
// whether an expression can reference it.
func IsSymbol(name string) bool {
	if name == "" || isDigit(name[0]) {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isSymbolChar(name[i]) {
			return false
		}
	}
	return true
}
