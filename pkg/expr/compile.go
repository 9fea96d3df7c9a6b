package expr

import (
	"sort"

	"github.com/lemonberrylabs/cellexpr/pkg/types"
)

// Schema is the attribute lookup an expression is verified against.
type Schema interface {
	HasAttribute(name string) bool
}

// SchemaFunc adapts a function to the Schema interface.
type SchemaFunc func(name string) bool

// HasAttribute calls f(name).
func (f SchemaFunc) HasAttribute(name string) bool {
	return f(name)
}

// CompiledExpression is a parsed expression verified against a schema. It
// is immutable and may be evaluated concurrently against distinct
// Environments.
type CompiledExpression struct {
	source   string
	root     Node
	required map[string]struct{}
}

// Compile parses source and checks that every name it references is an
// attribute of schema.
func Compile(source string, schema Schema) (*CompiledExpression, error) {
	root, err := Parse(source)
	if err != nil {
		return nil, err
	}

	required := make(map[string]struct{})
	if err := collectAttributes(root, schema, required); err != nil {
		return nil, err
	}

	return &CompiledExpression{
		source:   source,
		root:     root,
		required: required,
	}, nil
}

// collectAttributes checks every NameRef beneath node, in source order.
func collectAttributes(node Node, schema Schema, into map[string]struct{}) error {
	var unknown string
	Walk(node, func(n Node) {
		ref, ok := n.(*NameRef)
		if !ok || unknown != "" {
			return
		}
		if schema == nil || !schema.HasAttribute(ref.Name) {
			unknown = ref.Name
			return
		}
		into[ref.Name] = struct{}{}
	})
	if unknown != "" {
		return types.NewSchemaVerificationError("expression references unknown attribute `%s`", unknown)
	}
	return nil
}

// Source returns the expression text.
func (c *CompiledExpression) Source() string {
	return c.source
}

// Root returns the AST. It must not be modified.
func (c *CompiledExpression) Root() Node {
	return c.root
}

// RequiredAttributes returns the distinct attribute names the expression
// references, sorted.
func (c *CompiledExpression) RequiredAttributes() []string {
	names := make([]string, 0, len(c.required))
	for name := range c.required {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Requires reports whether the expression references attribute name.
func (c *CompiledExpression) Requires(name string) bool {
	_, ok := c.required[name]
	return ok
}

// Evaluate runs the expression over env. The output and every required
// attribute must be bound.
func (c *CompiledExpression) Evaluate(env *Environment) error {
	if c == nil || c.root == nil {
		return types.NewEvalError("expression was not compiled")
	}
	if env == nil {
		return types.NewEvalError("no environment")
	}
	if _, ok := env.Output(); !ok {
		return types.NewEvalError("no output buffer bound")
	}
	for _, name := range c.RequiredAttributes() {
		if _, _, ok := env.Lookup(name); !ok {
			return types.NewEvalError("required attribute `%s` is not bound", name)
		}
	}
	return Evaluate(c.root, env)
}
