package expr

import (
	"github.com/lemonberrylabs/cellexpr/pkg/types"
)

// OutputName is the reserved binding that receives an evaluation result. It
// is not a valid symbol, so no expression can reference it.
const OutputName = "$output"

type binding struct {
	dtype types.Datatype
	view  BufferView
}

// Environment binds attribute names to typed buffers for one evaluation.
// The cell count is fixed at construction. An Environment is not safe for
// concurrent use.
type Environment struct {
	numCells uint64
	bindings map[string]binding
	result   types.Datatype
}

// NewEnvironment creates an empty environment over numCells cells.
func NewEnvironment(numCells uint64) *Environment {
	return &Environment{
		numCells: numCells,
		bindings: make(map[string]binding),
		result:   types.Any,
	}
}

// NumCells returns the number of cells every evaluation produces.
func (e *Environment) NumCells() uint64 {
	return e.numCells
}

// Bind associates name with a typed buffer. Binding a name twice fails.
// Input buffers must hold at least NumCells elements of dt.
func (e *Environment) Bind(name string, dt types.Datatype, view BufferView) error {
	if name == "" {
		return types.NewBindError("cannot bind an empty name")
	}
	if view == nil {
		return types.NewBindError("cannot bind `%s` to a nil buffer", name)
	}
	if _, exists := e.bindings[name]; exists {
		return types.NewBindError("name `%s` is already bound", name)
	}

	if name != OutputName {
		width := types.ElementWidth(dt)
		if width == 0 {
			return types.NewBindError("cannot bind `%s` with invalid datatype %s", name, dt)
		}
		if err := checkInputSize(name, dt, view, e.numCells*width); err != nil {
			return err
		}
	}

	e.bindings[name] = binding{dtype: dt, view: view}
	return nil
}

// checkInputSize rejects input buffers that cannot hold every cell. Reading
// past a short buffer would otherwise be undefined.
func checkInputSize(name string, dt types.Datatype, view BufferView, need uint64) error {
	if have := uint64(len(view.Bytes())); have < need {
		return types.NewBindError("buffer bound to `%s` holds %d bytes, need %d for %s cells", name, have, need, dt)
	}
	return nil
}

// BindOutput binds the reserved output name.
func (e *Environment) BindOutput(view BufferView) error {
	return e.Bind(OutputName, types.Any, view)
}

// Lookup returns the binding for name.
func (e *Environment) Lookup(name string) (types.Datatype, BufferView, bool) {
	b, ok := e.bindings[name]
	return b.dtype, b.view, ok
}

// Output returns the buffer bound to OutputName.
func (e *Environment) Output() (BufferView, bool) {
	b, ok := e.bindings[OutputName]
	return b.view, ok
}

// ResultType returns the datatype written to the output by the last
// successful evaluation, or types.Any if there was none.
func (e *Environment) ResultType() types.Datatype {
	return e.result
}

// Result returns the bytes written to the output by the last successful
// evaluation.
func (e *Environment) Result() []byte {
	view, ok := e.Output()
	if !ok {
		return nil
	}
	switch v := view.(type) {
	case *BorrowedView:
		return v.Result()
	case *OwnedBuffer:
		return v.Bytes()
	}
	return nil
}
