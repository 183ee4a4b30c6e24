package operation

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
)

// CaseMode selects a text case mapping.
type CaseMode string

const (
	ModeUpper CaseMode = "uppercase"
	ModeLower CaseMode = "lowercase"
	ModeTitle CaseMode = "titlecase"
)

var modeAliases = map[string]CaseMode{
	"uppercase":  ModeUpper,
	"upper":      ModeUpper,
	"lowercase":  ModeLower,
	"lower":      ModeLower,
	"titlecase":  ModeTitle,
	"title":      ModeTitle,
	"title_case": ModeTitle,
	"typecase":   ModeTitle,
}

// TextCase rewrites every cell of a column to one case.
type TextCase struct {
	Column string
	Mode   CaseMode
}

func newTextCase(p Params) (*TextCase, error) {
	col, err := p.requireNonEmpty(KindTextCase, KeyColumn)
	if err != nil {
		return nil, err
	}
	raw, err := p.requireNonEmpty(KindTextCase, KeyMode)
	if err != nil {
		return nil, err
	}
	mode, ok := modeAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return nil, core.Errorf(core.CodeUnsupportedMode, "unsupported string mode %q", raw)
	}
	return &TextCase{Column: col, Mode: mode}, nil
}

func (o *TextCase) Kind() Kind        { return KindTextCase }
func (o *TextCase) Columns() []string { return []string{o.Column} }
func (o *TextCase) sealed()           {}

func (o *TextCase) Params() Params {
	return Params{
		KeyOpType: string(KindTextCase),
		KeyColumn: o.Column,
		KeyMode:   string(o.Mode),
	}
}

func (o *TextCase) Apply(f *frame.Frame) (*frame.Frame, error) {
	col, err := column(f, o.Column)
	if err != nil {
		return nil, err
	}
	// Casers carry state between calls, so each Apply gets its own.
	var caser cases.Caser
	switch o.Mode {
	case ModeUpper:
		caser = cases.Upper(language.Und)
	case ModeLower:
		caser = cases.Lower(language.Und)
	case ModeTitle:
		caser = cases.Title(language.Und)
	default:
		return nil, core.Errorf(core.CodeUnsupportedMode, "unsupported string mode %q", o.Mode)
	}
	for i, v := range col.Values {
		col.Values[i] = caser.String(v)
	}
	col.Kind = frame.KindText
	return f, nil
}
