package operation

import (
	"regexp"

	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
)

// PatternReplace replaces every match of Pattern in a column with the literal Replacement.
type PatternReplace struct {
	Column      string
	Pattern     string
	Replacement string

	re *regexp.Regexp
}

func newPatternReplace(p Params) (*PatternReplace, error) {
	col, err := p.requireNonEmpty(KindPatternReplace, KeyColumn)
	if err != nil {
		return nil, err
	}
	pat, err := p.require(KindPatternReplace, KeyPattern)
	if err != nil {
		return nil, err
	}
	repl, err := p.require(KindPatternReplace, KeyReplacement)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, core.Errorf(core.CodeSyntaxError, "%s: invalid pattern %q: %w", KindPatternReplace, pat, err)
	}
	return &PatternReplace{Column: col, Pattern: pat, Replacement: repl, re: re}, nil
}

func (o *PatternReplace) Kind() Kind        { return KindPatternReplace }
func (o *PatternReplace) Columns() []string { return []string{o.Column} }
func (o *PatternReplace) sealed()           {}

func (o *PatternReplace) Params() Params {
	return Params{
		KeyOpType:      string(KindPatternReplace),
		KeyColumn:      o.Column,
		KeyPattern:     o.Pattern,
		KeyReplacement: o.Replacement,
	}
}

func (o *PatternReplace) Apply(f *frame.Frame) (*frame.Frame, error) {
	col, err := column(f, o.Column)
	if err != nil {
		return nil, err
	}
	for i, v := range col.Values {
		col.Values[i] = o.re.ReplaceAllLiteralString(v, o.Replacement)
	}
	col.Kind = frame.KindText
	return f, nil
}
