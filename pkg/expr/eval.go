package expr

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/lemonberrylabs/cellexpr/pkg/types"
)

// typedBuffer is the value of one AST node: exactly NumCells elements of
// dtype.
type typedBuffer struct {
	dtype types.Datatype
	data  []byte
}

// Evaluate computes root over env and writes the result to env's output
// binding. Nothing is written when evaluation fails.
//
// Integer division or remainder by zero panics with a runtime.Error, as Go
// integer division does; callers that evaluate untrusted data should recover.
func Evaluate(root Node, env *Environment) error {
	out, ok := env.Output()
	if !ok {
		return types.NewEvalError("no output buffer bound")
	}

	result, err := eval(root, env)
	if err != nil {
		return err
	}
	if err := writeOutput(out, result.data); err != nil {
		return err
	}
	env.result = result.dtype
	return nil
}

func eval(node Node, env *Environment) (typedBuffer, error) {
	switch n := node.(type) {
	case *IntLiteral:
		return evalIntLiteral(n, env), nil
	case *NameRef:
		return evalNameRef(n, env)
	case *BinaryOp:
		return evalBinary(n, env)
	case *FloatLiteral, *UnaryOp:
		// Parsed but not evaluable yet.
		return typedBuffer{}, types.NewEvalError("unsupported expression node: %s", node.nodeType())
	default:
		return typedBuffer{}, types.NewEvalError("unsupported expression node: %T", node)
	}
}

func evalIntLiteral(n *IntLiteral, env *Environment) typedBuffer {
	v := truncateLiteral(n.Value)
	data := make([]byte, env.numCells*types.ElementWidth(types.Int32))
	cells := arrow.Int32Traits.CastFromBytes(data)
	for i := range cells {
		cells[i] = v
	}
	return typedBuffer{dtype: types.Int32, data: data}
}

// truncateLiteral narrows an integer literal to Int32. Out-of-range values
// wrap silently.
func truncateLiteral(v int64) int32 {
	return int32(v)
}

func evalNameRef(n *NameRef, env *Environment) (typedBuffer, error) {
	b, ok := env.bindings[n.Name]
	if !ok || n.Name == OutputName {
		return typedBuffer{}, types.NewEvalError("unknown reference to `%s`", n.Name)
	}

	size := env.numCells * types.ElementWidth(b.dtype)
	src := b.view.Bytes()
	if uint64(len(src)) < size {
		// An owned input may have shrunk since it was bound.
		return typedBuffer{}, types.NewEvalError("buffer bound to `%s` holds %d bytes, need %d", n.Name, len(src), size)
	}

	data := make([]byte, size)
	copy(data, src[:size])
	return typedBuffer{dtype: b.dtype, data: data}, nil
}

func evalBinary(n *BinaryOp, env *Environment) (typedBuffer, error) {
	left, err := eval(n.Left, env)
	if err != nil {
		return typedBuffer{}, err
	}
	right, err := eval(n.Right, env)
	if err != nil {
		return typedBuffer{}, err
	}

	if left.dtype != types.Int32 || right.dtype != types.Int32 {
		return typedBuffer{}, types.NewEvalError("arithmetic only implemented on Int32 attributes")
	}

	apply, err := int32Arithmetic(n.Op)
	if err != nil {
		return typedBuffer{}, err
	}

	data := make([]byte, env.numCells*types.ElementWidth(types.Int32))
	l := arrow.Int32Traits.CastFromBytes(left.data)
	r := arrow.Int32Traits.CastFromBytes(right.data)
	out := arrow.Int32Traits.CastFromBytes(data)
	for i := range out {
		out[i] = apply(l[i], r[i])
	}
	return typedBuffer{dtype: types.Int32, data: data}, nil
}

func int32Arithmetic(op BinaryOperator) (func(a, b int32) int32, error) {
	switch op {
	case OpAdd:
		return func(a, b int32) int32 { return a + b }, nil
	case OpSub:
		return func(a, b int32) int32 { return a - b }, nil
	case OpMul:
		return func(a, b int32) int32 { return a * b }, nil
	case OpDiv:
		return divide, nil
	case OpMod:
		return remainder, nil
	default:
		return nil, types.NewEvalError("unsupported binary operator %s", op)
	}
}

// divide is truncating Go integer division. A zero divisor panics.
func divide(a, b int32) int32 {
	return a / b
}

// remainder is the Go integer remainder. A zero divisor panics.
func remainder(a, b int32) int32 {
	return a % b
}

func writeOutput(view BufferView, data []byte) error {
	switch v := view.(type) {
	case *OwnedBuffer:
		v.reset()
		v.grow(len(data))
		copy(v.Bytes(), data)
	case *BorrowedView:
		if len(data) > v.Capacity() {
			return types.NewEvalError("output buffer not large enough for result")
		}
		copy(v.buf, data)
		v.written = len(data)
	default:
		return types.NewEvalError("unsupported output buffer %T", view)
	}
	return nil
}
