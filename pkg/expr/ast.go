package expr

import (
	"strconv"
)

// Node is the interface for all expression AST nodes. The set of
// implementations is closed: IntLiteral, FloatLiteral, NameRef, UnaryOp and
// BinaryOp.
type Node interface {
	nodeType() string

	// String renders the node as an S-expression, e.g. "(- 10 (- 3 2))".
	String() string
}

// UnaryOperator is the operator of a UnaryOp.
type UnaryOperator int

const (
	UnaryAdd UnaryOperator = iota
	UnarySub
)

func (o UnaryOperator) String() string {
	if o == UnarySub {
		return "-"
	}
	return "+"
}

// BinaryOperator is the operator of a BinaryOp.
type BinaryOperator int

const (
	OpAdd BinaryOperator = iota
	OpSub
	OpMul
	OpDiv
	OpMod
)

func (o BinaryOperator) String() string {
	switch o {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpMod:
		return "%"
	default:
		return "?"
	}
}

// IntLiteral is an integer constant.
type IntLiteral struct {
	Value int64
}

func (n *IntLiteral) nodeType() string { return "IntLiteral" }

func (n *IntLiteral) String() string { return strconv.FormatInt(n.Value, 10) }

// FloatLiteral is a fractional constant.
type FloatLiteral struct {
	Value float64
}

func (n *FloatLiteral) nodeType() string { return "FloatLiteral" }

func (n *FloatLiteral) String() string { return strconv.FormatFloat(n.Value, 'g', -1, 64) }

// NameRef references an attribute by name.
type NameRef struct {
	Name string
}

func (n *NameRef) nodeType() string { return "NameRef" }

func (n *NameRef) String() string { return n.Name }

// UnaryOp applies a sign to its operand.
type UnaryOp struct {
	Op      UnaryOperator
	Operand Node
}

func (n *UnaryOp) nodeType() string { return "UnaryOp" }

func (n *UnaryOp) String() string {
	return "(" + n.Op.String() + " " + n.Operand.String() + ")"
}

// BinaryOp is an arithmetic operation on two operands.
type BinaryOp struct {
	Op    BinaryOperator
	Left  Node
	Right Node
}

func (n *BinaryOp) nodeType() string { return "BinaryOp" }

func (n *BinaryOp) String() string {
	return "(" + n.Op.String() + " " + n.Left.String() + " " + n.Right.String() + ")"
}

// Walk calls fn for node and every node beneath it, parents before children
// and left operands before right ones.
func Walk(node Node, fn func(Node)) {
	fn(node)
	switch n := node.(type) {
	case *UnaryOp:
		Walk(n.Operand, fn)
	case *BinaryOp:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	}
}
