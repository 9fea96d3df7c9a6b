package expr

import (
	"errors"
	"strconv"

	"github.com/lemonberrylabs/cellexpr/pkg/types"
)

// Parser is a recursive descent parser over a Tokenizer.
//
//	expr     := addsub
//	addsub   := muldiv ( ('+' | '-') addsub )?
//	muldiv   := unop   ( ('*' | '/' | '%') muldiv )?
//	unop     := ('+' | '-') unop | fragment
//	fragment := '(' expr ')' | atom ['(' ... ')']
//	atom     := number | symbol
//
// addsub and muldiv recurse on the right, so a chain of equal-precedence
// operators nests to the right: "10 - 3 - 2" is (- 10 (- 3 2)).
type Parser struct {
	tok *Tokenizer
}

// Parse parses a complete expression. Trailing input is an error.
func Parse(input string) (Node, error) {
	p := &Parser{tok: NewTokenizer(input)}
	node, err := p.parseExpression()
	if err != nil {
		return nil, err
	}

	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	if tok.Type != TokenEOS {
		return nil, types.NewParseError(tok.Pos, "unexpected token %s (%q) after expression", tok.Type, tok.Text)
	}
	return node, nil
}

func (p *Parser) peek() (Token, error) {
	return p.tok.Peek()
}

func (p *Parser) advance() error {
	return p.tok.Advance()
}

// expect consumes a token of the expected type or returns an error naming
// the production being parsed.
func (p *Parser) expect(tt TokenType, production string) error {
	tok, err := p.peek()
	if err != nil {
		return err
	}
	if tok.Type != tt {
		return types.NewParseError(tok.Pos, "expected %s in %s, got %s (%q)", tt, production, tok.Type, tok.Text)
	}
	return p.advance()
}

func (p *Parser) parseExpression() (Node, error) {
	return p.parseAddSub()
}

func (p *Parser) parseAddSub() (Node, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return nil, err
	}

	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	var op BinaryOperator
	switch tok.Type {
	case TokenPlus:
		op = OpAdd
	case TokenMinus:
		op = OpSub
	default:
		return left, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	right, err := p.parseAddSub()
	if err != nil {
		return nil, err
	}
	return &BinaryOp{Op: op, Left: left, Right: right}, nil
}

func (p *Parser) parseMulDiv() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	var op BinaryOperator
	switch tok.Type {
	case TokenStar:
		op = OpMul
	case TokenSlash:
		op = OpDiv
	case TokenPercent:
		op = OpMod
	default:
		return left, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	right, err := p.parseMulDiv()
	if err != nil {
		return nil, err
	}
	return &BinaryOp{Op: op, Left: left, Right: right}, nil
}

func (p *Parser) parseUnary() (Node, error) {
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}

	var op UnaryOperator
	switch tok.Type {
	case TokenPlus:
		op = UnaryAdd
	case TokenMinus:
		op = UnarySub
	default:
		return p.parseFragment()
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	operand, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &UnaryOp{Op: op, Operand: operand}, nil
}

func (p *Parser) parseFragment() (Node, error) {
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}

	if tok.Type == TokenLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(TokenRParen, "parenthesized expression"); err != nil {
			return nil, err
		}
		return inner, nil
	}

	atom, err := p.parseAtom()
	if err != nil {
		return nil, err
	}

	next, err := p.peek()
	if err != nil {
		return nil, err
	}
	if next.Type == TokenLParen {
		return nil, types.NewParseError(next.Pos, "unimplemented: function call")
	}
	return atom, nil
}

func (p *Parser) parseAtom() (Node, error) {
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}

	var node Node
	switch tok.Type {
	case TokenInt:
		v, err := strconv.ParseInt(tok.Text, 10, 64)
		if err != nil {
			return nil, types.NewParseError(tok.Pos, "invalid integer literal %q: %v", tok.Text, numError(err))
		}
		node = &IntLiteral{Value: v}
	case TokenFractional:
		v, err := strconv.ParseFloat(tok.Text, 64)
		if err != nil {
			return nil, types.NewParseError(tok.Pos, "invalid fractional literal %q: %v", tok.Text, numError(err))
		}
		node = &FloatLiteral{Value: v}
	case TokenSymbol:
		node = &NameRef{Name: tok.Text}
	case TokenEOS:
		return nil, types.NewParseError(tok.Pos, "unexpected end of expression in atom")
	default:
		return nil, types.NewParseError(tok.Pos, "unexpected token %s (%q) in atom", tok.Type, tok.Text)
	}

	if err := p.advance(); err != nil {
		return nil, err
	}
	return node, nil
}

// numError strips the strconv wrapper, which repeats the literal.
func numError(err error) error {
	var ne *strconv.NumError
	if errors.As(err, &ne) {
		return ne.Err
	}
	return err
}
