package operation_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
	"github.com/shpitdev/tablemorph/pkg/pipeline/operation"
)

func mustFrame(t *testing.T, columns []string, records ...[]string) *frame.Frame {
	t.Helper()
	f, err := frame.New(columns, records)
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	return f
}

func mustApply(t *testing.T, p operation.Params, f *frame.Frame) *frame.Frame {
	t.Helper()
	op, err := operation.Build(p)
	if err != nil {
		t.Fatalf("build %v: %v", p, err)
	}
	op, err = operation.Bind(op, f.Schema())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	out, err := op.Apply(f)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return out
}

func values(t *testing.T, f *frame.Frame, name string) []string {
	t.Helper()
	c, ok := f.Column(name)
	if !ok {
		t.Fatalf("missing column %q", name)
	}
	return c.Values
}

func TestBuildUnknownKind(t *testing.T) {
	for _, p := range []operation.Params{
		{},
		{"op_type": ""},
		{"op_type": "sql"},
		{"op_type": "pivot", "column": "a"},
	} {
		_, err := operation.Build(p)
		if !errors.Is(err, core.ErrUnknownOperationKind) {
			t.Fatalf("Build(%v) err=%v want unknown operation kind", p, err)
		}
	}
}

func TestBuildAcceptsKindAliases(t *testing.T) {
	tests := map[string]operation.Kind{
		"regex":               operation.KindPatternReplace,
		"Pattern-Replace":     operation.KindPatternReplace,
		"math":                operation.KindArithmetic,
		"arithmetic":          operation.KindArithmetic,
		"conditional_replace": operation.KindConditionalReplace,
		"string":              operation.KindTextCase,
		"text-case":           operation.KindTextCase,
	}
	for raw, want := range tests {
		got, ok := operation.ParseKind(raw)
		if !ok || got != want {
			t.Fatalf("ParseKind(%q)=%q,%t want %q", raw, got, ok, want)
		}
	}
}

func TestPatternReplace(t *testing.T) {
	f := mustFrame(t, []string{"code"}, []string{"a1"}, []string{"b22"}, []string{"c"})
	out := mustApply(t, operation.Params{
		"op_type":     "regex",
		"column":      "code",
		"pattern":     `\d+`,
		"replacement": "N",
	}, f)
	if diff := cmp.Diff([]string{"aN", "bN", "c"}, values(t, out, "code")); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestPatternReplaceIsLiteral(t *testing.T) {
	f := mustFrame(t, []string{"email"}, []string{"ann@example.com"})
	out := mustApply(t, operation.Params{
		"op_type":     "regex",
		"column":      "email",
		"pattern":     `(\w+)@`,
		"replacement": "$1 at ",
	}, f)
	if got := values(t, out, "email")[0]; got != "$1 at example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestPatternReplaceNumericColumn(t *testing.T) {
	f := mustFrame(t, []string{"n"}, []string{"10"}, []string{"205"})
	out := mustApply(t, operation.Params{"op_type": "regex", "column": "n", "pattern": "0", "replacement": "x"}, f)
	if diff := cmp.Diff([]string{"1x", "2x5"}, values(t, out, "n")); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	if c, _ := out.Column("n"); c.Kind != frame.KindText {
		t.Fatalf("kind=%s want text", c.Kind)
	}
}

func TestPatternReplaceInvalidPattern(t *testing.T) {
	_, err := operation.Build(operation.Params{"op_type": "regex", "column": "a", "pattern": "(", "replacement": ""})
	if !errors.Is(err, core.ErrSyntaxError) {
		t.Fatalf("err=%v want syntax error", err)
	}
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		p    operation.Params
		want []string
	}{
		{name: "add", in: []string{"1", "2.5"}, p: operation.Params{"operation": "add", "value": "10"}, want: []string{"11.0", "12.5"}},
		{name: "subtract", in: []string{"1"}, p: operation.Params{"operation": "subtract", "value": "0.5"}, want: []string{"0.5"}},
		{name: "multiply", in: []string{"3", ""}, p: operation.Params{"operation": "Multiply", "value": "2"}, want: []string{"6.0", ""}},
		{name: "divide", in: []string{"9"}, p: operation.Params{"operation": "divide", "value": "4"}, want: []string{"2.25"}},
		{name: "power", in: []string{"3"}, p: operation.Params{"operation": "power", "value": "2"}, want: []string{"9.0"}},
		{name: "modulo follows divisor sign", in: []string{"-7", "7"}, p: operation.Params{"operation": "modulo", "value": "3"}, want: []string{"2.0", "1.0"}},
		{name: "abs", in: []string{"-4.5", "2"}, p: operation.Params{"operation": "abs"}, want: []string{"4.5", "2.0"}},
		{name: "round to int", in: []string{"1.005", "2.345"}, p: operation.Params{"operation": "round", "precision": "0"}, want: []string{"1", "2"}},
		{name: "round half even", in: []string{"0.5", "1.5", "2.5"}, p: operation.Params{"operation": "round", "precision": "0"}, want: []string{"0", "2", "2"}},
		{name: "round to int keeps empty", in: []string{"1.6", ""}, p: operation.Params{"operation": "round", "precision": "0"}, want: []string{"2", ""}},
		{name: "round keeps float", in: []string{"2.345", "1"}, p: operation.Params{"operation": "round", "precision": "1"}, want: []string{"2.3", "1.0"}},
		{name: "divide by zero", in: []string{"10.0", "-1", "0"}, p: operation.Params{"operation": "divide", "value": "0"}, want: []string{"inf", "-inf", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := make([][]string, len(tt.in))
			for i, v := range tt.in {
				recs[i] = []string{v}
			}
			f := mustFrame(t, []string{"x"}, recs...)
			tt.p["op_type"] = "math"
			tt.p["column"] = "x"
			out := mustApply(t, tt.p, f)
			if diff := cmp.Diff(tt.want, values(t, out, "x")); diff != "" {
				t.Fatalf("values mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestArithmeticRoundNarrowsToInteger(t *testing.T) {
	f := mustFrame(t, []string{"x"}, []string{"1.005"}, []string{"2.345"})
	out := mustApply(t, operation.Params{"op_type": "math", "column": "x", "operation": "round", "precision": "0"}, f)
	c, _ := out.Column("x")
	if c.Kind != frame.KindInteger {
		t.Fatalf("kind=%s want integer", c.Kind)
	}
	if frame.InferKind(c.Values) != frame.KindInteger {
		t.Fatalf("values %q are not integer-valued", c.Values)
	}
}

func TestArithmeticDivideByZeroIsInfinite(t *testing.T) {
	f := mustFrame(t, []string{"x"}, []string{"10.0"})
	out := mustApply(t, operation.Params{"op_type": "math", "column": "x", "operation": "divide", "value": "0"}, f)
	v, ok := frame.ParseFloat(values(t, out, "x")[0])
	if !ok || !math.IsInf(v, 1) {
		t.Fatalf("got %q want +inf", values(t, out, "x")[0])
	}
}

func TestArithmeticErrors(t *testing.T) {
	tests := []struct {
		name string
		p    operation.Params
		want error
	}{
		{name: "missing value", p: operation.Params{"operation": "add"}, want: core.ErrMissingParameter},
		{name: "missing precision", p: operation.Params{"operation": "round"}, want: core.ErrMissingParameter},
		{name: "missing operation", p: operation.Params{}, want: core.ErrMissingParameter},
		{name: "unknown operation", p: operation.Params{"operation": "sqrt"}, want: core.ErrUnsupportedOperation},
		{name: "bad value", p: operation.Params{"operation": "add", "value": "ten"}, want: core.ErrTypeMismatch},
		{name: "bad precision", p: operation.Params{"operation": "round", "precision": "1.5"}, want: core.ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.p["op_type"] = "math"
			tt.p["column"] = "x"
			_, err := operation.Build(tt.p)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err=%v want %v", err, tt.want)
			}
		})
	}
}

func TestArithmeticNonNumericCell(t *testing.T) {
	f := mustFrame(t, []string{"x"}, []string{"1"}, []string{"abc"})
	op, err := operation.Build(operation.Params{"op_type": "math", "column": "x", "operation": "add", "value": "1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := op.Apply(f); !errors.Is(err, core.ErrTypeMismatch) {
		t.Fatalf("err=%v want type mismatch", err)
	}
}

func TestConditionalReplaceComparison(t *testing.T) {
	f := mustFrame(t, []string{"Status"}, []string{"Unpaid"}, []string{"Paid"})
	out := mustApply(t, operation.Params{
		"op_type":   "conditional_replace",
		"column":    "Status",
		"condition": `== "Unpaid"`,
		"new_value": "Critical",
	}, f)
	if diff := cmp.Diff([]string{"Critical", "Paid"}, values(t, out, "Status")); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestConditionalReplaceCrossColumn(t *testing.T) {
	f := mustFrame(t, []string{"Email", "Age"},
		[]string{"a@x.io", "30"},
		[]string{"b@x.io", "10"},
		[]string{"c@x.io", "9"},
		[]string{"d@x.io", "11"},
	)
	out := mustApply(t, operation.Params{
		"op_type":          "conditional_replace",
		"column":           "Email",
		"condition_column": "Age",
		"condition":        "> 10",
		"new_value":        "REDACTED",
	}, f)
	want := []string{"REDACTED", "b@x.io", "c@x.io", "REDACTED"}
	if diff := cmp.Diff(want, values(t, out, "Email")); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"30", "10", "9", "11"}, values(t, out, "Age")); diff != "" {
		t.Fatalf("condition column changed (-want +got):\n%s", diff)
	}
}

func TestConditionalReplaceSkipsMissingConditionValues(t *testing.T) {
	f := mustFrame(t, []string{"Email", "Age"},
		[]string{"a@x", "5"},
		[]string{"b@x", ""},
		[]string{"c@x", "30"},
	)
	out := mustApply(t, operation.Params{
		"op_type":          "conditional_replace",
		"column":           "Email",
		"condition_column": "Age",
		"condition":        "< 18",
		"new_value":        "REDACTED",
	}, f)
	if diff := cmp.Diff([]string{"REDACTED", "b@x", "c@x"}, values(t, out, "Email")); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestConditionalReplaceRegexColumn(t *testing.T) {
	f := mustFrame(t, []string{"Status", "Type"},
		[]string{"open", "Unpaid"},
		[]string{"open", "Paid"},
	)
	out := mustApply(t, operation.Params{
		"op_type":       "conditional_replace",
		"column":        "Status",
		"regex_pattern": "^Unpaid$",
		"regex_column":  "Type",
		"new_value":     "Critical",
	}, f)
	if diff := cmp.Diff([]string{"Critical", "open"}, values(t, out, "Status")); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestConditionalReplaceNumericTarget(t *testing.T) {
	t.Run("integer column narrows", func(t *testing.T) {
		f := mustFrame(t, []string{"Qty"}, []string{"5"}, []string{"50"})
		out := mustApply(t, operation.Params{"op_type": "conditional_replace", "column": "Qty", "condition": "> 10", "new_value": "10.9"}, f)
		if diff := cmp.Diff([]string{"5", "10"}, values(t, out, "Qty")); diff != "" {
			t.Fatalf("values mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("float column keeps float", func(t *testing.T) {
		f := mustFrame(t, []string{"Price"}, []string{"5.5"}, []string{"50"})
		out := mustApply(t, operation.Params{"op_type": "conditional_replace", "column": "Price", "condition": "> 10", "new_value": "10"}, f)
		if diff := cmp.Diff([]string{"5.5", "10.0"}, values(t, out, "Price")); diff != "" {
			t.Fatalf("values mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("non-numeric value fails", func(t *testing.T) {
		f := mustFrame(t, []string{"Qty"}, []string{"5"})
		op, err := operation.Build(operation.Params{"op_type": "conditional_replace", "column": "Qty", "condition": "> 100", "new_value": "many"})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		op, err = operation.Bind(op, f.Schema())
		if err != nil {
			t.Fatalf("bind: %v", err)
		}
		if _, err := op.Apply(f); !errors.Is(err, core.ErrTypeMismatch) {
			t.Fatalf("err=%v want type mismatch", err)
		}
	})
}

func TestConditionalReplaceWidensTextColumn(t *testing.T) {
	f := mustFrame(t, []string{"Flag", "Score"}, []string{"true", "1"}, []string{"false", "20"})
	out := mustApply(t, operation.Params{
		"op_type":          "conditional_replace",
		"column":           "Flag",
		"condition_column": "Score",
		"condition":        ">= 20",
		"new_value":        "review",
	}, f)
	c, _ := out.Column("Flag")
	if c.Kind != frame.KindText {
		t.Fatalf("kind=%s want text", c.Kind)
	}
	if diff := cmp.Diff([]string{"true", "review"}, c.Values); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestConditionalReplaceBindFreezesTargetKind(t *testing.T) {
	sample := mustFrame(t, []string{"Qty"}, []string{"1"}, []string{"2"})
	op, err := operation.Build(operation.Params{"op_type": "conditional_replace", "column": "Qty", "condition": "== 2", "new_value": "7"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	bound, err := operation.Bind(op, sample.Schema())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	// A later chunk whose own inference would say float still gets integer output.
	later := mustFrame(t, []string{"Qty"}, []string{"2"}, []string{""})
	out, err := bound.Apply(later)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if diff := cmp.Diff([]string{"7", ""}, values(t, out, "Qty")); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestConditionalReplaceErrors(t *testing.T) {
	tests := []struct {
		name string
		p    operation.Params
		want error
	}{
		{name: "missing new_value", p: operation.Params{"condition": "== 1"}, want: core.ErrMissingParameter},
		{name: "missing condition", p: operation.Params{"new_value": "x"}, want: core.ErrMissingParameter},
		{name: "bad condition", p: operation.Params{"new_value": "x", "condition": "is 1"}, want: core.ErrSyntaxError},
		{name: "bad regex", p: operation.Params{"new_value": "x", "regex_pattern": "[a"}, want: core.ErrSyntaxError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.p["op_type"] = "conditional_replace"
			tt.p["column"] = "c"
			_, err := operation.Build(tt.p)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err=%v want %v", err, tt.want)
			}
		})
	}
}

func TestTextCase(t *testing.T) {
	tests := []struct {
		mode string
		in   []string
		want []string
	}{
		{mode: "uppercase", in: []string{"ny", "la"}, want: []string{"NY", "LA"}},
		{mode: "LOWERCASE", in: []string{"NY", "La"}, want: []string{"ny", "la"}},
		{mode: "titlecase", in: []string{"new york", "LOS ANGELES"}, want: []string{"New York", "Los Angeles"}},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			recs := make([][]string, len(tt.in))
			for i, v := range tt.in {
				recs[i] = []string{v}
			}
			out := mustApply(t, operation.Params{"op_type": "string", "column": "city", "mode": tt.mode}, mustFrame(t, []string{"city"}, recs...))
			if diff := cmp.Diff(tt.want, values(t, out, "city")); diff != "" {
				t.Fatalf("values mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTextCaseUnsupportedMode(t *testing.T) {
	_, err := operation.Build(operation.Params{"op_type": "string", "column": "city", "mode": "snake"})
	if !errors.Is(err, core.ErrUnsupportedMode) {
		t.Fatalf("err=%v want unsupported mode", err)
	}
}

func TestBindMissingColumn(t *testing.T) {
	f := mustFrame(t, []string{"Email"}, []string{"a@x.io"})
	op, err := operation.Build(operation.Params{
		"op_type":          "conditional_replace",
		"column":           "Email",
		"condition_column": "Age",
		"condition":        "> 10",
		"new_value":        "x",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := operation.Bind(op, f.Schema()); !errors.Is(err, core.ErrMissingColumn) {
		t.Fatalf("bind err=%v want missing column", err)
	}
	if _, err := op.Apply(f); !errors.Is(err, core.ErrMissingColumn) {
		t.Fatalf("apply err=%v want missing column", err)
	}
}

func TestChunkedApplicationMatchesWholeTable(t *testing.T) {
	records := [][]string{
		{"a1", "Unpaid", "3.5", "ny", "12"},
		{"b22", "Paid", "-2", "la", "9"},
		{"c", "Unpaid", "", "sf", "11"},
		{"d4", "Late", "10", "", "10"},
		{"e", "Paid", "7.25", "bos", ""},
	}
	columns := []string{"code", "status", "amount", "city", "age"}
	ops := []operation.Params{
		{"op_type": "regex", "column": "code", "pattern": `\d+`, "replacement": "N"},
		{"op_type": "math", "column": "amount", "operation": "multiply", "value": "3"},
		{"op_type": "math", "column": "amount", "operation": "round", "precision": "1"},
		{"op_type": "conditional_replace", "column": "status", "condition": `== "Unpaid"`, "new_value": "Critical"},
		{"op_type": "conditional_replace", "column": "age", "condition_column": "status", "regex_pattern": "^Paid", "new_value": "0"},
		{"op_type": "string", "column": "city", "mode": "uppercase"},
	}
	for _, p := range ops {
		t.Run(strings.Join(p.Lines(), ";"), func(t *testing.T) {
			whole := mustFrame(t, columns, records...)
			op, err := operation.Build(p)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			op, err = operation.Bind(op, whole.Schema())
			if err != nil {
				t.Fatalf("bind: %v", err)
			}
			want, err := op.Apply(whole.Clone())
			if err != nil {
				t.Fatalf("apply whole: %v", err)
			}
			for size := 1; size <= len(records); size++ {
				var parts []*frame.Frame
				for i := 0; i < whole.Len(); i += size {
					got, err := op.Apply(whole.Slice(i, i+size))
					if err != nil {
						t.Fatalf("apply chunk: %v", err)
					}
					parts = append(parts, got)
				}
				joined, err := frame.Concat(parts...)
				if err != nil {
					t.Fatalf("concat: %v", err)
				}
				if diff := cmp.Diff(want.Records(), joined.Records()); diff != "" {
					t.Fatalf("chunk size %d mismatch (-whole +chunked):\n%s", size, diff)
				}
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	op, err := operation.Build(operation.Params{"op_type": "Math", "column": "x", "operation": "round", "precision": "2", "value": "ignored"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "op_type: math\ncolumn: x\noperation: round\nprecision: 2"
	if got := operation.Describe(op); got != want {
		t.Fatalf("Describe=%q want=%q", got, want)
	}
}
