package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lemonberrylabs/cellexpr/pkg/expr"
	"github.com/lemonberrylabs/cellexpr/pkg/schema"
	"github.com/lemonberrylabs/cellexpr/pkg/types"
)

var parseCmd = &cobra.Command{
	Use:   "parse EXPR",
	Short: "Print the syntax tree of an expression",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := expr.Parse(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), root)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check --schema FILE EXPR",
	Short: "Compile an expression against an array schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

var evalCmd = &cobra.Command{
	Use:   "eval [--schema FILE] --cell NAME=V1,V2,... [--type NAME=TYPE] EXPR",
	Short: "Evaluate an expression over cell values given on the command line",
	Args:  cobra.ExactArgs(1),
	RunE:  runEval,
}

func init() {
	checkCmd.Flags().String("schema", "", "Array schema file (YAML or JSON)")
	_ = checkCmd.MarkFlagRequired("schema")

	evalCmd.Flags().String("schema", "", "Array schema file declaring attribute types")
	evalCmd.Flags().StringArray("cell", nil, "Attribute values as NAME=V1,V2,... (repeatable)")
	evalCmd.Flags().StringArray("type", nil, "Attribute type as NAME=TYPE, default INT32 (repeatable)")
}

func runCheck(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("schema")
	sch, err := readSchema(path)
	if err != nil {
		return err
	}

	compiled, err := expr.Compile(args[0], sch)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	bold := color.New(color.Bold)
	bold.Fprintln(out, "Expression:")
	fmt.Fprintf(out, "\t%s\n", compiled.Root())
	bold.Fprintln(out, "Required attributes:")
	for _, name := range compiled.RequiredAttributes() {
		a, _ := sch.Attribute(name)
		fmt.Fprintf(out, "\t%s %s\n", name, a.Type)
	}
	return nil
}

func readSchema(path string) (*schema.ArraySchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return schema.Parse(data)
}

// cellInput is one attribute given on the command line.
type cellInput struct {
	name   string
	dt     types.Datatype
	values []string
}

func runEval(cmd *cobra.Command, args []string) error {
	cellFlags, _ := cmd.Flags().GetStringArray("cell")
	typeFlags, _ := cmd.Flags().GetStringArray("type")
	schemaPath, _ := cmd.Flags().GetString("schema")

	var sch *schema.ArraySchema
	if schemaPath != "" {
		var err error
		if sch, err = readSchema(schemaPath); err != nil {
			return err
		}
	}

	cells, err := parseCells(cellFlags, typeFlags, sch)
	if err != nil {
		return err
	}

	values, dt, err := evaluate(args[0], cells, sch)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	color.New(color.Bold).Fprintf(out, "%s ", dt)
	for i, v := range values {
		if i > 0 {
			fmt.Fprint(out, " ")
		}
		fmt.Fprint(out, v)
	}
	fmt.Fprintln(out)
	return nil
}

// parseCells reads --cell and --type flags. Types come from sch when it is
// given and default to INT32 otherwise. Every attribute needs the same number
// of values.
func parseCells(cellFlags, typeFlags []string, sch *schema.ArraySchema) ([]cellInput, error) {
	typesByName := map[string]types.Datatype{}
	for _, f := range typeFlags {
		name, typeName, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("--type %q: expected NAME=TYPE", f)
		}
		dt, err := types.ParseDatatype(typeName)
		if err != nil {
			return nil, fmt.Errorf("--type %q: %w", f, err)
		}
		typesByName[name] = dt
	}

	var cells []cellInput
	seen := map[string]bool{}
	for _, f := range cellFlags {
		name, list, ok := strings.Cut(f, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--cell %q: expected NAME=V1,V2,...", f)
		}
		if seen[name] {
			return nil, fmt.Errorf("--cell %q: attribute %s given twice", f, name)
		}
		seen[name] = true

		c := cellInput{name: name, dt: types.Int32}
		if list != "" {
			c.values = strings.Split(list, ",")
		}
		if dt, ok := typesByName[name]; ok {
			c.dt = dt
		}
		if sch != nil {
			a, ok := sch.Attribute(name)
			if !ok {
				return nil, fmt.Errorf("--cell %q: schema %s has no attribute %s", f, sch.Name, name)
			}
			c.dt = a.Type
		}
		if len(cells) > 0 && len(c.values) != len(cells[0].values) {
			return nil, fmt.Errorf("--cell %s has %d values, %s has %d", name, len(c.values), cells[0].name, len(cells[0].values))
		}
		cells = append(cells, c)
	}

	sort.Slice(cells, func(i, j int) bool { return cells[i].name < cells[j].name })
	return cells, nil
}

// evaluate compiles source against sch, or against the given cell names when
// sch is nil, and evaluates it over the cells into a growable output buffer.
// With no cells it evaluates over a single cell.
func evaluate(source string, cells []cellInput, sch *schema.ArraySchema) (values []any, dt types.Datatype, err error) {
	var verifier expr.Schema = sch
	if sch == nil {
		verifier = expr.SchemaFunc(func(name string) bool {
			for _, c := range cells {
				if c.name == name {
					return true
				}
			}
			return false
		})
	}

	compiled, err := expr.Compile(source, verifier)
	if err != nil {
		return nil, 0, err
	}

	// Without cells an expression of literals still yields one value.
	numCells := uint64(1)
	if len(cells) > 0 {
		numCells = uint64(len(cells[0].values))
	}
	env := expr.NewEnvironment(numCells)
	for _, c := range cells {
		data, err := types.EncodeText(c.dt, c.values)
		if err != nil {
			return nil, 0, fmt.Errorf("attribute %s: %w", c.name, err)
		}
		if err := env.Bind(c.name, c.dt, expr.NewBorrowedView(data)); err != nil {
			return nil, 0, err
		}
	}

	output := expr.NewOwnedBuffer(memory.NewGoAllocator())
	defer output.Release()
	if err := env.BindOutput(output); err != nil {
		return nil, 0, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = types.NewEvalError("evaluation aborted: %v", r)
		}
	}()
	if err := compiled.Evaluate(env); err != nil {
		return nil, 0, err
	}

	values, err = types.Decode(env.ResultType(), env.Result())
	return values, env.ResultType(), err
}

// printError writes err to w, highlighting the error kind and the position
// of syntax errors.
func printError(w io.Writer, err error) {
	red := color.New(color.FgRed, color.Bold)

	var ee *types.ExprError
	if !errors.As(err, &ee) {
		red.Fprint(w, "error: ")
		fmt.Fprintln(w, err)
		return
	}

	red.Fprintf(w, "%s: ", strings.Join(ee.Tags, ", "))
	fmt.Fprint(w, ee.Message)
	if ee.Pos >= 0 {
		fmt.Fprint(w, " at position ", color.YellowString("%d", ee.Pos))
	}
	fmt.Fprintln(w)
}
