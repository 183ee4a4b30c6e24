package operation

import (
	"sort"
	"strconv"
	"strings"

	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
)

// Params is the flat key/value mapping decoded from an inference response.
type Params map[string]string

// Parameter keys understood by the factory.
const (
	KeyOpType          = "op_type"
	KeyColumn          = "column"
	KeyPattern         = "pattern"
	KeyReplacement     = "replacement"
	KeyOperation       = "operation"
	KeyValue           = "value"
	KeyPrecision       = "precision"
	KeyNewValue        = "new_value"
	KeyCondition       = "condition"
	KeyConditionColumn = "condition_column"
	KeyRegexPattern    = "regex_pattern"
	KeyRegexColumn     = "regex_column"
	KeyMode            = "mode"
)

// Kind tags one of the four operation families.
type Kind string

const (
	KindPatternReplace     Kind = "regex"
	KindArithmetic         Kind = "math"
	KindConditionalReplace Kind = "conditional_replace"
	KindTextCase           Kind = "string"
)

var kindAliases = map[string]Kind{
	"regex":               KindPatternReplace,
	"pattern_replace":     KindPatternReplace,
	"pattern-replace":     KindPatternReplace,
	"math":                KindArithmetic,
	"arithmetic":          KindArithmetic,
	"conditional_replace": KindConditionalReplace,
	"conditional-replace": KindConditionalReplace,
	"string":              KindTextCase,
	"text_case":           KindTextCase,
	"text-case":           KindTextCase,
}

// ParseKind resolves an op_type tag, case-insensitively.
func ParseKind(raw string) (Kind, bool) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(raw))]
	return k, ok
}

// Kind returns the op_type tag, or "" when absent.
func (p Params) Kind() string {
	return p[KeyOpType]
}

// Lines renders p as "key: value" lines, op_type first and the rest sorted.
func (p Params) Lines() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		if k != KeyOpType {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]string, 0, len(p))
	if v, ok := p[KeyOpType]; ok {
		out = append(out, KeyOpType+": "+v)
	}
	for _, k := range keys {
		out = append(out, k+": "+p[k])
	}
	return out
}

func (p Params) require(kind Kind, key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", core.Errorf(core.CodeMissingParameter, "%s: missing %q", kind, key)
	}
	return v, nil
}

// requireNonEmpty is require for keys whose value cannot meaningfully be blank.
func (p Params) requireNonEmpty(kind Kind, key string) (string, error) {
	v, err := p.require(kind, key)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(v) == "" {
		return "", core.Errorf(core.CodeMissingParameter, "%s: %q is empty", kind, key)
	}
	return v, nil
}

// optional returns the trimmed value of key, or "" when absent or blank.
func (p Params) optional(key string) string {
	return strings.TrimSpace(p[key])
}

func parseNumber(kind Kind, key, raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, core.Errorf(core.CodeTypeMismatch, "%s: %s=%q is not a number", kind, key, raw)
	}
	return v, nil
}

func parseInteger(kind Kind, key, raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int(f)) {
		return int(f), nil
	}
	return 0, core.Errorf(core.CodeTypeMismatch, "%s: %s=%q is not an integer", kind, key, raw)
}
