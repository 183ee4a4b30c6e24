package operation

import (
	"math"
	"strconv"
	"strings"

	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
	"github.com/shpitdev/tablemorph/pkg/pipeline/frame"
)

// ArithmeticOp names a numeric transform.
type ArithmeticOp string

const (
	OpAdd      ArithmeticOp = "add"
	OpSubtract ArithmeticOp = "subtract"
	OpMultiply ArithmeticOp = "multiply"
	OpDivide   ArithmeticOp = "divide"
	OpPower    ArithmeticOp = "power"
	OpModulo   ArithmeticOp = "modulo"
	OpAbs      ArithmeticOp = "abs"
	OpRound    ArithmeticOp = "round"
)

func (op ArithmeticOp) binary() bool {
	switch op {
	case OpAdd, OpSubtract, OpMultiply, OpDivide, OpPower, OpModulo:
		return true
	}
	return false
}

// Arithmetic applies one numeric transform to a float view of a column.
// Empty cells are missing values and stay empty.
type Arithmetic struct {
	Column    string
	Op        ArithmeticOp
	Value     float64
	Precision int
}

func newArithmetic(p Params) (*Arithmetic, error) {
	col, err := p.requireNonEmpty(KindArithmetic, KeyColumn)
	if err != nil {
		return nil, err
	}
	name, err := p.requireNonEmpty(KindArithmetic, KeyOperation)
	if err != nil {
		return nil, err
	}
	o := &Arithmetic{Column: col, Op: ArithmeticOp(strings.ToLower(strings.TrimSpace(name)))}

	switch {
	case o.Op.binary():
		raw, err := p.require(KindArithmetic, KeyValue)
		if err != nil {
			return nil, core.Errorf(core.CodeMissingParameter, "missing %q for %s operation", KeyValue, o.Op)
		}
		if o.Value, err = parseNumber(KindArithmetic, KeyValue, raw); err != nil {
			return nil, err
		}
	case o.Op == OpRound:
		raw, err := p.require(KindArithmetic, KeyPrecision)
		if err != nil {
			return nil, core.Errorf(core.CodeMissingParameter, "missing %q for %s operation", KeyPrecision, o.Op)
		}
		if o.Precision, err = parseInteger(KindArithmetic, KeyPrecision, raw); err != nil {
			return nil, err
		}
	case o.Op == OpAbs:
	default:
		return nil, core.Errorf(core.CodeUnsupportedOperation, "unsupported math operation %q", name)
	}
	return o, nil
}

func (o *Arithmetic) Kind() Kind        { return KindArithmetic }
func (o *Arithmetic) Columns() []string { return []string{o.Column} }
func (o *Arithmetic) sealed()           {}

func (o *Arithmetic) Params() Params {
	p := Params{
		KeyOpType:    string(KindArithmetic),
		KeyColumn:    o.Column,
		KeyOperation: string(o.Op),
	}
	switch {
	case o.Op.binary():
		p[KeyValue] = strconv.FormatFloat(o.Value, 'g', -1, 64)
	case o.Op == OpRound:
		p[KeyPrecision] = strconv.Itoa(o.Precision)
	}
	return p
}

func (o *Arithmetic) Apply(f *frame.Frame) (*frame.Frame, error) {
	col, err := column(f, o.Column)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(col.Values))
	for i, raw := range col.Values {
		v := math.NaN()
		if strings.TrimSpace(raw) != "" {
			parsed, ok := frame.ParseFloat(raw)
			if !ok {
				return nil, core.Errorf(core.CodeTypeMismatch, "column %q: %q is not numeric", o.Column, raw)
			}
			v = parsed
		}
		r := o.eval(v)
		if o.Op == OpRound && o.Precision == 0 {
			if math.IsNaN(v) {
				out[i] = ""
				continue
			}
			if math.IsNaN(r) || math.IsInf(r, 0) || r >= math.MaxInt64 || r < math.MinInt64 {
				return nil, core.Errorf(core.CodeTypeMismatch, "column %q: cannot narrow %q to an integer", o.Column, raw)
			}
			out[i] = frame.FormatInt(int64(r))
			continue
		}
		out[i] = frame.FormatFloat(r)
	}
	col.Values = out
	col.Kind = frame.KindFloat
	if o.Op == OpRound && o.Precision == 0 {
		col.Kind = frame.KindInteger
	}
	return f, nil
}

func (o *Arithmetic) eval(v float64) float64 {
	switch o.Op {
	case OpAdd:
		return v + o.Value
	case OpSubtract:
		return v - o.Value
	case OpMultiply:
		return v * o.Value
	case OpDivide:
		return v / o.Value
	case OpPower:
		return math.Pow(v, o.Value)
	case OpModulo:
		return floorMod(v, o.Value)
	case OpAbs:
		return math.Abs(v)
	case OpRound:
		return roundHalfEven(v, o.Precision)
	}
	return math.NaN()
}

// floorMod is the float remainder whose sign follows the divisor.
func floorMod(a, b float64) float64 {
	r := math.Mod(a, b)
	if r != 0 && (r < 0) != (b < 0) {
		r += b
	}
	return r
}

func roundHalfEven(v float64, precision int) float64 {
	if precision < 0 {
		scale := math.Pow(10, float64(-precision))
		return math.RoundToEven(v/scale) * scale
	}
	scale := math.Pow(10, float64(precision))
	return math.RoundToEven(v*scale) / scale
}
