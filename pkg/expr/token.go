// Package expr implements the cell computation expression engine: a
// tokenizer and recursive descent parser for arithmetic over array attribute
// names, verification of the names against a schema, and a columnar
// interpreter that materializes one result value per cell.
package expr

// TokenType represents the type of a lexical token.
type TokenType int

const (
	TokenNone       TokenType = iota // unrecognized character
	TokenEOS                         // end of stream
	TokenInt                         // integer literal
	TokenFractional                  // fractional literal (decimal point and/or exponent)
	TokenLParen                      // (
	TokenRParen                      // )
	TokenPlus                        // +
	TokenMinus                       // -
	TokenStar                        // *
	TokenSlash                       // /
	TokenPercent                     // %
	TokenSymbol                      // attribute name
)

// Token is a classified piece of source text. Text is exactly the matched
// substring; its length is what the tokenizer advances by.
type Token struct {
	Type TokenType
	Text string
	Pos  int // offset of Text in the source
}

// String returns a debug-friendly representation of the token type.
func (t TokenType) String() string {
	switch t {
	case TokenNone:
		return "NONE"
	case TokenEOS:
		return "EOS"
	case TokenInt:
		return "INT"
	case TokenFractional:
		return "FRACTIONAL"
	case TokenLParen:
		return "LPAREN"
	case TokenRParen:
		return "RPAREN"
	case TokenPlus:
		return "PLUS"
	case TokenMinus:
		return "MINUS"
	case TokenStar:
		return "STAR"
	case TokenSlash:
		return "SLASH"
	case TokenPercent:
		return "PERCENT"
	case TokenSymbol:
		return "SYMBOL"
	default:
		return "UNKNOWN"
	}
}
