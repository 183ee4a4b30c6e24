package operation

import (
	"math"
	"strings"

	"github.com/shpitdev/tablemorph/pkg/pipeline/condition"
	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
)

// ConditionalReplace overwrites Column with NewValue on rows where a predicate over
// SourceColumn holds. The predicate is a regex when RegexPattern is set, otherwise a comparison.
type ConditionalReplace struct {
	Column       string
	NewValue     string
	SourceColumn string

	RegexPattern string
	Condition    string

	predicate condition.Predicate
	// targetKind is frozen by Bind; nil means the kind is read from each frame.
	targetKind *frame.Kind
}

func newConditionalReplace(p Params) (*ConditionalReplace, error) {
	col, err := p.requireNonEmpty(KindConditionalReplace, KeyColumn)
	if err != nil {
		return nil, err
	}
	newValue, err := p.require(KindConditionalReplace, KeyNewValue)
	if err != nil {
		return nil, err
	}
	o := &ConditionalReplace{Column: col, NewValue: newValue}

	if pat, ok := p[KeyRegexPattern]; ok {
		re, err := condition.CompileRegex(pat)
		if err != nil {
			return nil, err
		}
		o.RegexPattern = pat
		o.predicate = re
		o.SourceColumn = firstNonEmpty(p.optional(KeyRegexColumn), p.optional(KeyConditionColumn), col)
		return o, nil
	}

	expr, err := p.requireNonEmpty(KindConditionalReplace, KeyCondition)
	if err != nil {
		return nil, err
	}
	cmp, err := condition.Parse(expr)
	if err != nil {
		return nil, err
	}
	o.Condition = expr
	o.predicate = cmp
	o.SourceColumn = firstNonEmpty(p.optional(KeyConditionColumn), col)
	return o, nil
}

func (o *ConditionalReplace) Kind() Kind { return KindConditionalReplace }
func (o *ConditionalReplace) sealed()    {}

func (o *ConditionalReplace) Columns() []string {
	if o.SourceColumn == o.Column {
		return []string{o.Column}
	}
	return []string{o.Column, o.SourceColumn}
}

func (o *ConditionalReplace) Params() Params {
	p := Params{
		KeyOpType:          string(KindConditionalReplace),
		KeyColumn:          o.Column,
		KeyNewValue:        o.NewValue,
		KeyConditionColumn: o.SourceColumn,
	}
	if o.RegexPattern != "" {
		p[KeyRegexPattern] = o.RegexPattern
	} else {
		p[KeyCondition] = o.Condition
	}
	return p
}

func (o *ConditionalReplace) Apply(f *frame.Frame) (*frame.Frame, error) {
	target, err := column(f, o.Column)
	if err != nil {
		return nil, err
	}
	source, err := column(f, o.SourceColumn)
	if err != nil {
		return nil, err
	}

	kind := target.Kind
	if o.targetKind != nil {
		kind = *o.targetKind
	}
	value, err := o.coerce(kind)
	if err != nil {
		return nil, err
	}

	mask := condition.Mask(source.Values, o.predicate)
	for i, selected := range mask {
		if selected {
			target.Values[i] = value
		}
	}
	if kind.Numeric() {
		target.Kind = kind
	} else {
		target.Kind = frame.KindText
	}
	return f, nil
}

// coerce renders NewValue for a target column of the given kind.
func (o *ConditionalReplace) coerce(kind frame.Kind) (string, error) {
	if !kind.Numeric() {
		return o.NewValue, nil
	}
	num, ok := frame.ParseFloat(o.NewValue)
	if !ok {
		return "", core.Errorf(core.CodeTypeMismatch, "cannot assign non-numeric %q to numeric column %q", o.NewValue, o.Column)
	}
	if kind == frame.KindInteger {
		if math.IsNaN(num) || math.IsInf(num, 0) {
			return "", core.Errorf(core.CodeTypeMismatch, "cannot assign %q to integer column %q", o.NewValue, o.Column)
		}
		return frame.FormatInt(int64(math.Trunc(num))), nil
	}
	return frame.FormatFloat(num), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
