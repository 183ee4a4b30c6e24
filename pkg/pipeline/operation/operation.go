// Package operation defines the four transformation families a session can run and the
// factory that turns decoded parameters into a validated, immutable Operation.
//
// Operations are row-local: the output of a row depends only on that row and on the
// operation's own fields. Bind freezes the only piece of table-level state (the target column
// kind used by conditional replacement), so applying one bound operation to a table in one pass
// or chunk by chunk produces the same cells.
package operation

import (
	"strings"

	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
)

// Operation is a validated transformation. The set of implementations is closed:
// *PatternReplace, *Arithmetic, *ConditionalReplace and *TextCase.
type Operation interface {
	Kind() Kind
	// Columns lists every column the operation reads or writes.
	Columns() []string
	// Apply transforms f and returns the authoritative result. f may be modified in place.
	Apply(f *frame.Frame) (*frame.Frame, error)
	// Params renders the operation back to its canonical parameters.
	Params() Params

	sealed()
}

// Build validates params and constructs the operation they describe.
func Build(p Params) (Operation, error) {
	raw := strings.TrimSpace(p.Kind())
	if raw == "" {
		return nil, core.Errorf(core.CodeUnknownOperationKind, "missing %q", KeyOpType)
	}
	kind, ok := ParseKind(raw)
	if !ok {
		return nil, core.Errorf(core.CodeUnknownOperationKind, "unknown %s %q", KeyOpType, raw)
	}
	switch kind {
	case KindPatternReplace:
		return newPatternReplace(p)
	case KindArithmetic:
		return newArithmetic(p)
	case KindConditionalReplace:
		return newConditionalReplace(p)
	case KindTextCase:
		return newTextCase(p)
	}
	return nil, core.Errorf(core.CodeUnknownOperationKind, "unknown %s %q", KeyOpType, raw)
}

// Bind checks op against a table schema and freezes schema-dependent behavior.
// The returned operation is the one a session must reuse for every chunk.
func Bind(op Operation, schema frame.Schema) (Operation, error) {
	for _, col := range op.Columns() {
		if _, ok := schema[col]; !ok {
			return nil, missingColumn(col)
		}
	}
	if cr, ok := op.(*ConditionalReplace); ok {
		bound := *cr
		kind := schema[cr.Column]
		bound.targetKind = &kind
		return &bound, nil
	}
	return op, nil
}

// Describe renders op as "key: value" lines for logs and job results.
func Describe(op Operation) string {
	return strings.Join(op.Params().Lines(), "\n")
}

func column(f *frame.Frame, name string) (*frame.Column, error) {
	c, ok := f.Column(name)
	if !ok {
		return nil, missingColumn(name)
	}
	return c, nil
}

func missingColumn(name string) error {
	return core.Errorf(core.CodeMissingColumn, "column %q not found", name)
}
