package frame

import (
	"math"
	"strconv"
	"strings"
)

// Kind is the runtime type of a column, inferred from its cells.
type Kind int

const (
	KindText Kind = iota
	KindInteger
	KindFloat
	// KindOther covers boolean-looking columns.
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindOther:
		return "other"
	default:
		return "text"
	}
}

// Numeric reports whether values of this kind are numbers.
func (k Kind) Numeric() bool {
	return k == KindInteger || k == KindFloat
}

// Schema maps column names to kinds.
type Schema map[string]Kind

// InferKind classifies a column. Empty cells are missing values: they force integer columns to
// float and make boolean columns text. A column of only missing values is float.
func InferKind(values []string) Kind {
	allInt, allFloat, allBool := true, true, true
	missing := false
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			missing = true
			continue
		}
		if allInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				allInt = false
			}
		}
		if allFloat {
			if _, ok := ParseFloat(v); !ok {
				allFloat = false
			}
		}
		if allBool {
			if !strings.EqualFold(v, "true") && !strings.EqualFold(v, "false") {
				allBool = false
			}
		}
		if !allInt && !allFloat && !allBool {
			return KindText
		}
	}
	switch {
	case allInt && !missing && len(values) > 0:
		return KindInteger
	case allFloat:
		return KindFloat
	case allBool && !missing:
		return KindOther
	default:
		return KindText
	}
}

// ParseFloat parses a cell as a float. Surrounding whitespace is ignored, and "inf", "-inf" and
// "nan" are accepted in any case. Empty cells do not parse.
func ParseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// FormatFloat renders a computed float. Integral values keep a trailing ".0" so that float
// columns stay distinguishable from integer columns; NaN renders as an empty (missing) cell.
func FormatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return ""
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	format := byte('f')
	if abs := math.Abs(v); abs >= 1e16 || (abs != 0 && abs < 1e-4) {
		format = 'g'
	}
	s := strconv.FormatFloat(v, format, -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// FormatInt renders a computed integer.
func FormatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
