package types

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestElementWidth(t *testing.T) {
	tests := []struct {
		dt   Datatype
		want uint64
	}{
		{Any, 1},
		{Int8, 1},
		{Uint8, 1},
		{Int16, 2},
		{Uint16, 2},
		{Int32, 4},
		{Uint32, 4},
		{Float32, 4},
		{Int64, 8},
		{Uint64, 8},
		{Float64, 8},
		{Datatype(99), 0},
	}

	for _, tt := range tests {
		t.Run(tt.dt.String(), func(t *testing.T) {
			if got := ElementWidth(tt.dt); got != tt.want {
				t.Errorf("ElementWidth(%s) = %d, want %d", tt.dt, got, tt.want)
			}
		})
	}
}

func TestParseDatatype(t *testing.T) {
	for _, name := range []string{"int32", "INT32", " Int32 "} {
		dt, err := ParseDatatype(name)
		if err != nil {
			t.Fatalf("ParseDatatype(%q): %v", name, err)
		}
		if dt != Int32 {
			t.Errorf("ParseDatatype(%q) = %s, want INT32", name, dt)
		}
	}
	if _, err := ParseDatatype("STRING_UTF8"); err == nil {
		t.Error("expected error for unknown datatype")
	}
}

func TestDatatypeText(t *testing.T) {
	var dt Datatype
	if err := dt.UnmarshalText([]byte("float64")); err != nil {
		t.Fatal(err)
	}
	text, err := dt.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(text) != "FLOAT64" {
		t.Errorf("got %q, want FLOAT64", text)
	}
}

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		dt   Datatype
		in   []string
		want []any
	}{
		{Int32, []string{"10", "-20", "30"}, []any{int64(10), int64(-20), int64(30)}},
		{Uint8, []string{"0", "255"}, []any{uint64(0), uint64(255)}},
		{Int64, []string{"-9223372036854775808"}, []any{int64(-9223372036854775808)}},
		{Float64, []string{"1.5", "-2.25"}, []any{1.5, -2.25}},
		{Float32, []string{"0.5"}, []any{0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.dt.String(), func(t *testing.T) {
			data, err := EncodeText(tt.dt, tt.in)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if uint64(len(data)) != ElementWidth(tt.dt)*uint64(len(tt.in)) {
				t.Fatalf("encoded %d bytes for %d values", len(data), len(tt.in))
			}
			got, err := Decode(tt.dt, data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("values mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeOutOfRange(t *testing.T) {
	tests := []struct {
		dt Datatype
		in string
	}{
		{Int8, "128"},
		{Uint8, "-1"},
		{Int32, "2147483648"},
		{Int32, "1.5"},
		{Int64, "abc"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.dt, tt.in), func(t *testing.T) {
			if _, err := EncodeText(tt.dt, []string{tt.in}); err == nil {
				t.Errorf("expected error encoding %q as %s", tt.in, tt.dt)
			}
		})
	}
}

func TestDecodeRagged(t *testing.T) {
	if _, err := Decode(Int32, []byte{1, 2, 3}); err == nil {
		t.Error("expected error for a partial element")
	}
}

func TestExprErrorTags(t *testing.T) {
	err := fmt.Errorf("compile: %w", NewSchemaVerificationError("expression references unknown attribute `%s`", "b"))
	if !HasTag(err, TagSchemaVerificationError) {
		t.Errorf("expected SchemaVerificationError tag in %v", err)
	}
	if HasTag(err, TagEvalError) {
		t.Error("unexpected EvalError tag")
	}
	if HasTag(fmt.Errorf("plain"), TagEvalError) {
		t.Error("plain errors carry no tags")
	}

	pe := NewParseError(7, "unexpected token %s", "RPAREN")
	m := pe.ToMap()
	if m["position"] != 7 {
		t.Errorf("position = %v, want 7", m["position"])
	}
}
