package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// Column is a typed, densely packed run of cell values.
type Column struct {
	Type Datatype `json:"type"`
	Data []byte   `json:"data"`
}

// Len returns the number of elements held by the column.
func (c Column) Len() int {
	w := ElementWidth(c.Type)
	if w == 0 {
		return 0
	}
	return len(c.Data) / int(w)
}

// Values decodes the column into Go numbers (int64, uint64 or float64).
func (c Column) Values() ([]any, error) {
	return Decode(c.Type, c.Data)
}

// Decode interprets data as packed elements of dt.
func Decode(dt Datatype, data []byte) ([]any, error) {
	w := ElementWidth(dt)
	if w == 0 {
		return nil, fmt.Errorf("cannot decode datatype %s", dt)
	}
	if uint64(len(data))%w != 0 {
		return nil, fmt.Errorf("buffer of %d bytes is not a whole number of %s elements", len(data), dt)
	}

	switch dt {
	case Any, Uint8:
		return widen(arrow.Uint8Traits.CastFromBytes(data), func(v uint8) any { return uint64(v) }), nil
	case Int8:
		return widen(arrow.Int8Traits.CastFromBytes(data), func(v int8) any { return int64(v) }), nil
	case Int16:
		return widen(arrow.Int16Traits.CastFromBytes(data), func(v int16) any { return int64(v) }), nil
	case Uint16:
		return widen(arrow.Uint16Traits.CastFromBytes(data), func(v uint16) any { return uint64(v) }), nil
	case Int32:
		return widen(arrow.Int32Traits.CastFromBytes(data), func(v int32) any { return int64(v) }), nil
	case Uint32:
		return widen(arrow.Uint32Traits.CastFromBytes(data), func(v uint32) any { return uint64(v) }), nil
	case Int64:
		return widen(arrow.Int64Traits.CastFromBytes(data), func(v int64) any { return v }), nil
	case Uint64:
		return widen(arrow.Uint64Traits.CastFromBytes(data), func(v uint64) any { return v }), nil
	case Float32:
		return widen(arrow.Float32Traits.CastFromBytes(data), func(v float32) any { return float64(v) }), nil
	case Float64:
		return widen(arrow.Float64Traits.CastFromBytes(data), func(v float64) any { return v }), nil
	}
	return nil, fmt.Errorf("cannot decode datatype %s", dt)
}

func widen[T any](in []T, conv func(T) any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = conv(v)
	}
	return out
}

// EncodeText converts textual numbers into packed elements of dt. Values that
// do not fit dt are rejected rather than truncated.
func EncodeText(dt Datatype, values []string) ([]byte, error) {
	switch dt {
	case Int8:
		return encode(values, signed[int8](8), arrow.Int8Traits.CastToBytes)
	case Any, Uint8:
		return encode(values, unsigned[uint8](8), arrow.Uint8Traits.CastToBytes)
	case Int16:
		return encode(values, signed[int16](16), arrow.Int16Traits.CastToBytes)
	case Uint16:
		return encode(values, unsigned[uint16](16), arrow.Uint16Traits.CastToBytes)
	case Int32:
		return encode(values, signed[int32](32), arrow.Int32Traits.CastToBytes)
	case Uint32:
		return encode(values, unsigned[uint32](32), arrow.Uint32Traits.CastToBytes)
	case Int64:
		return encode(values, signed[int64](64), arrow.Int64Traits.CastToBytes)
	case Uint64:
		return encode(values, unsigned[uint64](64), arrow.Uint64Traits.CastToBytes)
	case Float32:
		return encode(values, func(s string) (float32, error) {
			f, err := strconv.ParseFloat(s, 32)
			return float32(f), err
		}, arrow.Float32Traits.CastToBytes)
	case Float64:
		return encode(values, func(s string) (float64, error) {
			return strconv.ParseFloat(s, 64)
		}, arrow.Float64Traits.CastToBytes)
	}
	return nil, fmt.Errorf("cannot encode datatype %s", dt)
}

func encode[T any](values []string, parse func(string) (T, error), toBytes func([]T) []byte) ([]byte, error) {
	typed := make([]T, len(values))
	for i, s := range values {
		v, err := parse(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		typed[i] = v
	}
	out := make([]byte, 0)
	return append(out, toBytes(typed)...), nil
}

func signed[T int8 | int16 | int32 | int64](bits int) func(string) (T, error) {
	return func(s string) (T, error) {
		v, err := strconv.ParseInt(s, 10, bits)
		return T(v), err
	}
}

func unsigned[T uint8 | uint16 | uint32 | uint64](bits int) func(string) (T, error) {
	return func(s string) (T, error) {
		v, err := strconv.ParseUint(s, 10, bits)
		return T(v), err
	}
}
