// Package condition evaluates the row predicates used by conditional replacement.
package condition

import (
	"math"
	"regexp"
	"strings"

	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
)

// Predicate selects cells.
type Predicate interface {
	Match(value string) bool
}

// Op is a comparison operator.
type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpGe Op = ">="
	OpLe Op = "<="
	OpGt Op = ">"
	OpLt Op = "<"
)

var comparisonRe = regexp.MustCompile(`^\s*(==|!=|>=|<=|>|<)\s*(.+)$`)

// Comparison is a parsed "<op> <literal>" condition.
type Comparison struct {
	Op      Op
	Literal string

	number   float64
	isNumber bool
}

// Parse parses a condition such as `> 10` or `== "Unpaid"`.
func Parse(expr string) (Comparison, error) {
	m := comparisonRe.FindStringSubmatch(expr)
	if m == nil {
		return Comparison{}, core.Errorf(core.CodeSyntaxError, "invalid condition %q", expr)
	}
	lit := strings.Trim(strings.Trim(strings.TrimSpace(m[2]), `"`), `'`)
	c := Comparison{Op: Op(m[1]), Literal: lit}
	c.number, c.isNumber = frame.ParseFloat(lit)
	return c, nil
}

// Match compares value against the literal, numerically when both sides are numbers and as
// case-sensitive text otherwise. Against a numeric literal an empty cell is a missing value and
// only satisfies !=.
func (c Comparison) Match(value string) bool {
	if c.isNumber {
		if strings.TrimSpace(value) == "" {
			return compare(c.Op, 0, true)
		}
		if v, ok := frame.ParseFloat(value); ok {
			return compare(c.Op, cmpFloat(v, c.number), math.IsNaN(v) || math.IsNaN(c.number))
		}
	}
	return compare(c.Op, strings.Compare(value, c.Literal), false)
}

func (c Comparison) String() string {
	return string(c.Op) + " " + c.Literal
}

// cmpFloat orders a and b; the NaN case is handled by compare's unordered flag.
func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compare applies op to an ordering result. Unordered operands (NaN) only satisfy !=.
func compare(op Op, order int, unordered bool) bool {
	if unordered {
		return op == OpNe
	}
	switch op {
	case OpEq:
		return order == 0
	case OpNe:
		return order != 0
	case OpGe:
		return order >= 0
	case OpLe:
		return order <= 0
	case OpGt:
		return order > 0
	case OpLt:
		return order < 0
	default:
		return false
	}
}

// Regex matches cells against a user pattern. No anchors are added.
type Regex struct {
	re *regexp.Regexp
}

// CompileRegex compiles a regex predicate.
func CompileRegex(pattern string) (*Regex, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, core.Errorf(core.CodeSyntaxError, "invalid regex %q: %w", pattern, err)
	}
	return &Regex{re: re}, nil
}

// Match reports whether the pattern matches anywhere in value.
func (r *Regex) Match(value string) bool {
	return r.re.MatchString(value)
}

func (r *Regex) String() string {
	return r.re.String()
}

// Mask evaluates p against every value.
func Mask(values []string, p Predicate) []bool {
	out := make([]bool, len(values))
	for i, v := range values {
		out[i] = p.Match(v)
	}
	return out
}
