// Package schema describes dense one-dimensional arrays: a named integer
// dimension with an inclusive domain and a list of typed attributes.
package schema

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/lemonberrylabs/cellexpr/pkg/expr"
	"github.com/lemonberrylabs/cellexpr/pkg/types"
)

// MaxSourceSize is the maximum schema document size in bytes (64 KB).
const MaxSourceSize = 64 * 1024

// MaxAttributes is the maximum number of attributes per array.
const MaxAttributes = 256

// MaxCells is the maximum number of cells in a dimension domain. Arrays are
// dense, so every cell of every attribute is held in memory.
const MaxCells = 1 << 24

// ArraySchema is the definition of one array.
type ArraySchema struct {
	Name       string      `yaml:"name" json:"name"`
	Dimension  Dimension   `yaml:"dimension" json:"dimension"`
	Attributes []Attribute `yaml:"attributes" json:"attributes"`
}

// Dimension is the single integer axis of an array. Domain is inclusive on
// both ends.
type Dimension struct {
	Name   string   `yaml:"name" json:"name"`
	Domain [2]int64 `yaml:"domain" json:"domain"`
}

// Attribute is one typed column of an array.
type Attribute struct {
	Name string         `yaml:"name" json:"name"`
	Type types.Datatype `yaml:"type" json:"type"`
}

// Parse decodes a YAML or JSON schema document and validates it.
func Parse(source []byte) (*ArraySchema, error) {
	return ParseNamed(source, "")
}

// ParseNamed is Parse with a fallback array name, used when the document
// does not set one.
func ParseNamed(source []byte, name string) (*ArraySchema, error) {
	if len(source) > MaxSourceSize {
		return nil, types.NewInvalidArgumentError("schema size %d exceeds maximum %d bytes", len(source), MaxSourceSize)
	}

	dec := yaml.NewDecoder(bytes.NewReader(source))
	dec.KnownFields(true)

	var s ArraySchema
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, types.NewInvalidArgumentError("empty schema definition")
		}
		return nil, types.NewInvalidArgumentError("invalid schema: %v", err)
	}

	if s.Name == "" {
		s.Name = name
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that the schema describes a usable array whose attributes
// can all be referenced from an expression.
func (s *ArraySchema) Validate() error {
	if s.Name == "" {
		return types.NewInvalidArgumentError("array name is required")
	}
	if !validName(s.Name) {
		return types.NewInvalidArgumentError("array name %q may only contain letters, digits, '_', '-' and '.'", s.Name)
	}
	loc := fmt.Sprintf("array '%s'", s.Name)

	if !expr.IsSymbol(s.Dimension.Name) {
		return types.NewInvalidArgumentError("%s: dimension name %q is not a valid symbol", loc, s.Dimension.Name)
	}
	if s.Dimension.Domain[0] > s.Dimension.Domain[1] {
		return types.NewInvalidArgumentError("%s: dimension domain [%d, %d] is empty",
			loc, s.Dimension.Domain[0], s.Dimension.Domain[1])
	}
	if n := s.CellCount(); n == 0 || n > MaxCells {
		return types.NewInvalidArgumentError("%s: dimension domain [%d, %d] exceeds %d cells",
			loc, s.Dimension.Domain[0], s.Dimension.Domain[1], MaxCells)
	}

	if len(s.Attributes) == 0 {
		return types.NewInvalidArgumentError("%s: at least one attribute is required", loc)
	}
	if len(s.Attributes) > MaxAttributes {
		return types.NewInvalidArgumentError("%s: %d attributes exceeds maximum %d", loc, len(s.Attributes), MaxAttributes)
	}

	seen := make(map[string]bool, len(s.Attributes))
	for _, a := range s.Attributes {
		if !expr.IsSymbol(a.Name) {
			return types.NewInvalidArgumentError("%s: attribute name %q is not a valid symbol", loc, a.Name)
		}
		if a.Name == s.Dimension.Name {
			return types.NewInvalidArgumentError("%s: attribute '%s' has the same name as the dimension", loc, a.Name)
		}
		if seen[a.Name] {
			return types.NewInvalidArgumentError("%s: duplicate attribute '%s'", loc, a.Name)
		}
		seen[a.Name] = true
		if !a.Type.Valid() || a.Type == types.Any {
			return types.NewInvalidArgumentError("%s: attribute '%s' needs a concrete type", loc, a.Name)
		}
	}
	return nil
}

func validName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}

// HasAttribute reports whether name is an attribute of the array. It makes
// *ArraySchema an expr.Schema.
func (s *ArraySchema) HasAttribute(name string) bool {
	_, ok := s.Attribute(name)
	return ok
}

// Attribute returns the attribute called name.
func (s *ArraySchema) Attribute(name string) (Attribute, bool) {
	for _, a := range s.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// CellCount returns the number of cells in the dimension domain. It is zero
// for an empty domain or one whose size does not fit a uint64.
func (s *ArraySchema) CellCount() uint64 {
	lo, hi := s.Dimension.Domain[0], s.Dimension.Domain[1]
	if lo > hi {
		return 0
	}
	return uint64(hi-lo) + 1
}

// Contains reports whether [lo, hi] is a non-empty range inside the domain.
func (s *ArraySchema) Contains(lo, hi int64) bool {
	return lo <= hi && lo >= s.Dimension.Domain[0] && hi <= s.Dimension.Domain[1]
}

// Offset returns the zero-based cell index of coordinate c.
func (s *ArraySchema) Offset(c int64) uint64 {
	return uint64(c - s.Dimension.Domain[0])
}

// Fingerprint is a stable textual form of the schema, used to key caches
// on the exact attribute layout.
func (s *ArraySchema) Fingerprint() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s|%s[%d,%d]", s.Name, s.Dimension.Name, s.Dimension.Domain[0], s.Dimension.Domain[1])
	for _, a := range s.Attributes {
		fmt.Fprintf(&b, "|%s:%s", a.Name, a.Type)
	}
	return b.String()
}
