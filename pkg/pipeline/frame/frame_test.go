package frame_test

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
)

func TestInferKind(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want frame.Kind
	}{
		{name: "integers", in: []string{"1", "-2", " 30 "}, want: frame.KindInteger},
		{name: "floats", in: []string{"1.5", "2", "1e3"}, want: frame.KindFloat},
		{name: "integers with missing", in: []string{"1", "", "3"}, want: frame.KindFloat},
		{name: "all missing", in: []string{"", ""}, want: frame.KindFloat},
		{name: "booleans", in: []string{"true", "False"}, want: frame.KindOther},
		{name: "booleans with missing", in: []string{"true", ""}, want: frame.KindText},
		{name: "text", in: []string{"Paid", "Unpaid"}, want: frame.KindText},
		{name: "mixed", in: []string{"1", "x"}, want: frame.KindText},
		{name: "empty column", in: nil, want: frame.KindFloat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := frame.InferKind(tt.in); got != tt.want {
				t.Fatalf("InferKind(%q)=%s want=%s", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{in: 11, want: "11.0"},
		{in: 2.345, want: "2.345"},
		{in: 1234567, want: "1234567.0"},
		{in: -0.5, want: "-0.5"},
		{in: 1e20, want: "1e+20"},
		{in: 0.00001, want: "1e-05"},
		{in: math.Inf(1), want: "inf"},
		{in: math.Inf(-1), want: "-inf"},
		{in: math.NaN(), want: ""},
	}
	for _, tt := range tests {
		if got := frame.FormatFloat(tt.in); got != tt.want {
			t.Fatalf("FormatFloat(%v)=%q want=%q", tt.in, got, tt.want)
		}
	}
}

func TestNewRejectsBadHeaders(t *testing.T) {
	if _, err := frame.New([]string{"a", "a"}, nil); err == nil {
		t.Fatalf("expected duplicate column error")
	}
	if _, err := frame.New([]string{"a", " "}, nil); err == nil {
		t.Fatalf("expected empty column name error")
	}
	if _, err := frame.New([]string{"a"}, [][]string{{"1", "2"}}); err == nil {
		t.Fatalf("expected wide row error")
	}
}

func TestSliceAndConcatRoundTrip(t *testing.T) {
	f, err := frame.New([]string{"name", "age"}, [][]string{
		{"ann", "31"},
		{"bob", "7"},
		{"cy"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if f.Len() != 3 {
		t.Fatalf("Len=%d want 3", f.Len())
	}

	head := f.Head(2)
	if kind := head.Schema()["age"]; kind != frame.KindInteger {
		t.Fatalf("head age kind=%s want integer", kind)
	}
	if kind := f.Schema()["age"]; kind != frame.KindFloat {
		t.Fatalf("full age kind=%s want float", kind)
	}

	joined, err := frame.Concat(head, f.Slice(2, 10))
	if err != nil {
		t.Fatalf("concat: %v", err)
	}
	if !frame.Equal(joined, f) {
		t.Fatalf("concat mismatch:\n%s", cmp.Diff(f.Records(), joined.Records()))
	}
	want := [][]string{{"ann", "31"}, {"bob", "7"}, {"cy", ""}}
	if diff := cmp.Diff(want, joined.Records()); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestConcatRejectsDifferentColumns(t *testing.T) {
	a, _ := frame.New([]string{"x"}, nil)
	b, _ := frame.New([]string{"y"}, nil)
	if _, err := frame.Concat(a, b); err == nil {
		t.Fatalf("expected column mismatch error")
	}
}
