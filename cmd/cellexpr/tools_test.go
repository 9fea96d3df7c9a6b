package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/google/go-cmp/cmp"

	"github.com/lemonberrylabs/cellexpr/pkg/schema"
	"github.com/lemonberrylabs/cellexpr/pkg/types"
)

func TestParseCells(t *testing.T) {
	cells, err := parseCells([]string{"b=1,2", "a=3,4"}, []string{"b=INT64"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cells) != 2 || cells[0].name != "a" || cells[1].name != "b" {
		t.Fatalf("expected cells sorted by name, got %+v", cells)
	}
	if cells[0].dt != types.Int32 || cells[1].dt != types.Int64 {
		t.Errorf("unexpected types %v, %v", cells[0].dt, cells[1].dt)
	}

	tests := []struct {
		name  string
		cells []string
		types []string
	}{
		{"missing equals", []string{"a"}, nil},
		{"duplicate", []string{"a=1", "a=2"}, nil},
		{"length mismatch", []string{"a=1,2", "b=1"}, nil},
		{"bad type flag", []string{"a=1"}, []string{"a"}},
		{"unknown type", []string{"a=1"}, []string{"a=INT128"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseCells(tt.cells, tt.types, nil); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestParseCellsWithSchema(t *testing.T) {
	sch, err := schema.Parse([]byte(`
name: s
dimension: {name: d, domain: [0, 3]}
attributes:
  - {name: a, type: FLOAT64}
`))
	if err != nil {
		t.Fatal(err)
	}

	cells, err := parseCells([]string{"a=1.5"}, []string{"a=INT32"}, sch)
	if err != nil {
		t.Fatal(err)
	}
	if cells[0].dt != types.Float64 {
		t.Errorf("schema type should win, got %v", cells[0].dt)
	}

	if _, err := parseCells([]string{"b=1"}, nil, sch); err == nil {
		t.Error("expected an error for an attribute missing from the schema")
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		source string
		cells  []string
		want   []any
	}{
		{"a + b", []string{"a=1,2,3", "b=10,20,30"}, []any{int64(11), int64(22), int64(33)}},
		{"a * 2 - 1", []string{"a=5,-5"}, []any{int64(9), int64(-11)}},
		{"a % 4", []string{"a=10,11"}, []any{int64(2), int64(3)}},
		{"10 - 3 - 2", nil, []any{int64(9)}},
		{"7 * (2 + 1)", nil, []any{int64(21)}},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			cells, err := parseCells(tt.cells, nil, nil)
			if err != nil {
				t.Fatal(err)
			}
			got, dt, err := evaluate(tt.source, cells, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if dt != types.Int32 {
				t.Errorf("unexpected result type %v", dt)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("values mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	cells, err := parseCells([]string{"a=1,0"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		source string
		tag    string
	}{
		{"a +", types.TagParseError},
		{"b", types.TagSchemaVerificationError},
		{"a / a", types.TagEvalError},
		{"-a", types.TagEvalError},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			_, _, err := evaluate(tt.source, cells, nil)
			if !types.HasTag(err, tt.tag) {
				t.Errorf("expected %s, got %v", tt.tag, err)
			}
		})
	}
}

func TestParseAndCheckCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	src := "name: s\ndimension: {name: d, domain: [0, 3]}\nattributes:\n  - {name: a, type: INT32}\n  - {name: b, type: INT32}\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	parseCmd.SetOut(&out)
	if err := parseCmd.RunE(parseCmd, []string{"a - b - 1"}); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != "(- a (- b 1))" {
		t.Errorf("unexpected parse output %q", got)
	}

	out.Reset()
	checkCmd.SetOut(&out)
	if err := checkCmd.Flags().Set("schema", path); err != nil {
		t.Fatal(err)
	}
	if err := checkCmd.RunE(checkCmd, []string{"b * 2"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "b INT32") || strings.Contains(out.String(), "a INT32") {
		t.Errorf("unexpected check output:\n%s", out.String())
	}
}

func TestPrintError(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	printError(&buf, types.NewParseError(3, "unexpected end of expression in atom"))
	if got := buf.String(); got != "ParseError: unexpected end of expression in atom at position 3\n" {
		t.Errorf("unexpected output %q", got)
	}

	buf.Reset()
	printError(&buf, errors.New("boom"))
	if got := buf.String(); got != "error: boom\n" {
		t.Errorf("unexpected output %q", got)
	}
}
