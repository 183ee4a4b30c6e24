// Package compiler turns a natural-language instruction plus a small data sample into the
// parameters of exactly one operation.
package compiler

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"regexp"
	"strings"

	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
	"github.com/shpitdev/tablemorph/pkg/pipeline/operation"
)

// DefaultSampleRows is how many leading rows are shown to the inference collaborator.
const DefaultSampleRows = 10

// Inferrer completes a prompt with free-form text.
type Inferrer interface {
	Infer(ctx context.Context, prompt string) (string, error)
}

// Compiler compiles instructions with an Inferrer.
type Compiler struct {
	Inferrer   Inferrer
	SampleRows int
}

// Compile asks the inference collaborator for one operation and decodes its answer.
// It makes exactly one Infer call.
func (c *Compiler) Compile(ctx context.Context, instruction string, columns []string, sample *frame.Frame) (operation.Params, error) {
	if c == nil || c.Inferrer == nil {
		return nil, fmt.Errorf("compiler: inferrer is required")
	}
	n := c.SampleRows
	if n <= 0 {
		n = DefaultSampleRows
	}
	prompt, err := BuildPrompt(instruction, columns, sample.Head(n))
	if err != nil {
		return nil, err
	}
	text, err := c.Inferrer.Infer(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("compiler: infer: %w", err)
	}
	params, err := Decode(text)
	if err != nil {
		return nil, err
	}
	return Normalize(params), nil
}

const catalogue = `Return exactly one operation as plain key:value lines.
First line must be:
op_type: <regex|math|conditional_replace|string>
Prefer regex whenever a pattern can do the job. Use string only to change letter case (uppercase, lowercase or titlecase).
Then supply only the relevant keys for that type, for example:

# REGEX example
op_type: regex
column: Email
pattern: \b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,7}\b
replacement: REDACTED

# MATH example (operation: add, subtract, multiply, divide, power, modulo, abs, round)
op_type: math
column: Score
operation: round
precision: 0

# CONDITIONAL_REPLACE example (comparison)
op_type: conditional_replace
column: Status
condition: == "Unpaid"
new_value: Critical

# CONDITIONAL_REPLACE example (regex)
op_type: conditional_replace
column: Status
regex_pattern: ^Unpaid$
regex_column: Type
new_value: Critical

# CONDITIONAL_REPLACE example (cross-column)
op_type: conditional_replace
column: Email
condition_column: Age
condition: > 10
new_value: REDACTED

# STRING example
op_type: string
column: Name
mode: uppercase
`

// BuildPrompt renders the inference request for one instruction.
func BuildPrompt(instruction string, columns []string, sample *frame.Frame) (string, error) {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = `"` + c + `"`
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return "", fmt.Errorf("compiler: render sample: %w", err)
	}
	if sample != nil {
		if err := w.WriteAll(sample.Records()); err != nil {
			return "", fmt.Errorf("compiler: render sample: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("compiler: render sample: %w", err)
	}

	var b strings.Builder
	b.WriteString("You are a data-processing assistant.\n")
	fmt.Fprintf(&b, "Instruction: %q\n\n", instruction)
	fmt.Fprintf(&b, "Available columns: [%s]\n", strings.Join(quoted, ", "))
	b.WriteString("Data sample:\n")
	b.Write(buf.Bytes())
	b.WriteString("\n")
	b.WriteString(catalogue)
	return b.String(), nil
}

// Decode parses "key: value" lines. Lines without a colon are ignored and later duplicates win.
func Decode(text string) (operation.Params, error) {
	params := operation.Params{}
	for _, line := range strings.Split(text, "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		val = strings.Trim(strings.Trim(strings.TrimSpace(val), `"`), `'`)
		params[key] = val
	}
	if _, ok := params[operation.KeyOpType]; !ok {
		e := core.Errorf(core.CodeMissingOperationType, "no %s in inference response", operation.KeyOpType)
		e.Detail = strings.TrimSpace(text)
		return nil, e
	}
	return params, nil
}

// Normalize rewrites a pattern-replace pattern of the form `.*core.*` into the escaped literal core.
func Normalize(params operation.Params) operation.Params {
	if k, ok := operation.ParseKind(params.Kind()); !ok || k != operation.KindPatternReplace {
		return params
	}
	pat, ok := params[operation.KeyPattern]
	if !ok || len(pat) <= 4 || !strings.HasPrefix(pat, ".*") || !strings.HasSuffix(pat, ".*") {
		return params
	}
	params[operation.KeyPattern] = regexp.QuoteMeta(pat[2 : len(pat)-2])
	return params
}
