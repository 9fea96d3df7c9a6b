// Package types defines the cell datatypes shared by the expression engine,
// the array schema and the store, together with the error taxonomy used
// throughout cellexpr.
package types

import (
	"fmt"
	"strings"
)

// Datatype tags the element type of a column buffer.
type Datatype int

const (
	Any Datatype = iota // untyped; one byte per element
	Int8
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Float32
	Float64
)

var datatypeNames = [...]string{
	Any:     "ANY",
	Int8:    "INT8",
	Uint8:   "UINT8",
	Int16:   "INT16",
	Uint16:  "UINT16",
	Int32:   "INT32",
	Uint32:  "UINT32",
	Int64:   "INT64",
	Uint64:  "UINT64",
	Float32: "FLOAT32",
	Float64: "FLOAT64",
}

// String returns the canonical upper-case name, e.g. "INT32".
func (d Datatype) String() string {
	if d < 0 || int(d) >= len(datatypeNames) {
		return fmt.Sprintf("Datatype(%d)", int(d))
	}
	return datatypeNames[d]
}

// Valid reports whether d is one of the known datatypes.
func (d Datatype) Valid() bool {
	return d >= 0 && int(d) < len(datatypeNames)
}

// ParseDatatype resolves a datatype name. Matching is case-insensitive.
func ParseDatatype(name string) (Datatype, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range datatypeNames {
		if n == upper {
			return Datatype(i), nil
		}
	}
	return Any, fmt.Errorf("unknown datatype %q", name)
}

// MarshalText implements encoding.TextMarshaler. It is used by both the JSON
// and YAML encodings of schemas.
func (d Datatype) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid datatype %d", int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Datatype) UnmarshalText(text []byte) error {
	dt, err := ParseDatatype(string(text))
	if err != nil {
		return err
	}
	*d = dt
	return nil
}

// ElementWidth returns the size in bytes of one element of dt.
func ElementWidth(dt Datatype) uint64 {
	switch dt {
	case Any, Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

// IsInteger reports whether dt is a signed or unsigned integer type.
func (d Datatype) IsInteger() bool {
	switch d {
	case Int8, Uint8, Int16, Uint16, Int32, Uint32, Int64, Uint64:
		return true
	}
	return false
}
