package expr

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// Context supplies identifier bindings for evaluation. Values follow the
// JSON object model: nil, bool, float64 (all numbers), string, []any,
// map[string]any, plus time.Time for dates.
type Context map[string]any

// BuiltinFunc is a sandbox-safe function callable by name from an
// expression.
type BuiltinFunc func(args []any) (any, error)

// Evaluate parses and evaluates a ${ ... } expression against the context.
//
// Returns *SyntaxError for malformed input and *EvalError for runtime
// failures (undefined identifier, bad index). The dot operator is
// null-safe: a property access on null yields null rather than an error.
func Evaluate(src string, ctx Context) (any, error) {
	return evaluate(src, ctx, nil)
}

// EvaluateBool evaluates the expression and reduces the result to
// truthiness: null and zero values are false, non-empty collections and
// strings are true.
func EvaluateBool(src string, ctx Context) (bool, error) {
	v, err := Evaluate(src, ctx)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

func evaluate(src string, ctx Context, extra map[string]BuiltinFunc) (any, error) {
	node, err := parse(Unwrap(src))
	if err != nil {
		return nil, err
	}
	ev := &evaluator{ctx: ctx, extra: extra}
	return ev.eval(node)
}

type evaluator struct {
	ctx   Context
	extra map[string]BuiltinFunc
}

func (ev *evaluator) eval(n astNode) (any, error) {
	switch n := n.(type) {
	case *litNode:
		return n.val, nil
	case *identNode:
		if v, ok := ev.ctx[n.name]; ok {
			return v, nil
		}
		return nil, evalErrorf("undefined identifier %q", n.name)
	case *propNode:
		base, err := ev.eval(n.base)
		if err != nil {
			return nil, err
		}
		if base == nil {
			// Null-safe navigation.
			return nil, nil
		}
		if m, ok := base.(map[string]any); ok {
			return m[n.name], nil
		}
		return nil, evalErrorf("cannot access property %q on %T", n.name, base)
	case *indexNode:
		base, err := ev.eval(n.base)
		if err != nil {
			return nil, err
		}
		idxVal, err := ev.eval(n.index)
		if err != nil {
			return nil, err
		}
		return indexValue(base, idxVal)
	case *callNode:
		fn := builtins[n.name]
		if fn == nil && ev.extra != nil {
			fn = ev.extra[n.name]
		}
		if fn == nil {
			return nil, evalErrorf("unknown function %q", n.name)
		}
		args := make([]any, len(n.args))
		for i, a := range n.args {
			v, err := ev.eval(a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return fn(args)
	case *notNode:
		v, err := ev.eval(n.operand)
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	case *binNode:
		return ev.evalBinary(n)
	}
	return nil, evalErrorf("unexpected expression node %T", n)
}

func (ev *evaluator) evalBinary(n *binNode) (any, error) {
	// && and || short-circuit.
	switch n.op {
	case tokAnd:
		left, err := ev.eval(n.left)
		if err != nil {
			return nil, err
		}
		if !Truthy(left) {
			return false, nil
		}
		right, err := ev.eval(n.right)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case tokOr:
		left, err := ev.eval(n.left)
		if err != nil {
			return nil, err
		}
		if Truthy(left) {
			return true, nil
		}
		right, err := ev.eval(n.right)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	left, err := ev.eval(n.left)
	if err != nil {
		return nil, err
	}
	right, err := ev.eval(n.right)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokEq:
		return valuesEqual(left, right), nil
	case tokNeq:
		return !valuesEqual(left, right), nil
	case tokPlus, tokMinus, tokStar, tokSlash, tokPercent:
		return arithmetic(n.op, left, right)
	}

	// Ordering operators: null compares false against everything.
	if left == nil || right == nil {
		return false, nil
	}
	if lt, lok := left.(time.Time); lok {
		if rt, rok := right.(time.Time); rok {
			return orderResult(n.op, compareTimes(lt, rt)), nil
		}
	}
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		return orderResult(n.op, compareFloats(lf, rf)), nil
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		return orderResult(n.op, compareStrings(ls, rs)), nil
	}
	return nil, evalErrorf("cannot compare %T with %T", left, right)
}

// arithmetic applies + - * / % to numeric operands. + additionally
// concatenates when both operands are strings.
func arithmetic(op tokenKind, left, right any) (any, error) {
	if op == tokPlus {
		if ls, lok := left.(string); lok {
			if rs, rok := right.(string); rok {
				return ls + rs, nil
			}
		}
	}
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, evalErrorf("cannot apply arithmetic to %T and %T", left, right)
	}
	switch op {
	case tokPlus:
		return lf + rf, nil
	case tokMinus:
		return lf - rf, nil
	case tokStar:
		return lf * rf, nil
	case tokSlash:
		if rf == 0 {
			return nil, evalErrorf("division by zero")
		}
		return lf / rf, nil
	case tokPercent:
		if rf == 0 {
			return nil, evalErrorf("modulo by zero")
		}
		return math.Mod(lf, rf), nil
	}
	return nil, evalErrorf("unknown arithmetic operator")
}

func orderResult(op tokenKind, cmp int) bool {
	switch op {
	case tokGt:
		return cmp > 0
	case tokGte:
		return cmp >= 0
	case tokLt:
		return cmp < 0
	case tokLte:
		return cmp <= 0
	}
	return false
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

// valuesEqual implements == with null compared by identity and numeric
// values compared after coercion (an integer 5 equals "5" and 5.0).
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			return at.Equal(bt)
		}
	}
	return reflect.DeepEqual(a, b)
}

// toFloat coerces numeric values and parseable numeric strings. Booleans
// are not numbers.
func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func indexValue(base, idx any) (any, error) {
	list, ok := base.([]any)
	if !ok {
		if m, mok := base.(map[string]any); mok {
			if key, kok := idx.(string); kok {
				return m[key], nil
			}
		}
		return nil, evalErrorf("cannot index %T", base)
	}
	f, ok := toFloat(idx)
	if !ok || f != math.Trunc(f) {
		return nil, evalErrorf("index must be an integer, got %v", idx)
	}
	i := int(f)
	if i < 0 || i >= len(list) {
		return nil, evalErrorf("index %d out of bounds (len %d)", i, len(list))
	}
	return list[i], nil
}

// Truthy reduces a value to a boolean: null and zero values are false,
// non-empty strings and collections are true.
func Truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	case time.Time:
		return !v.IsZero()
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

// builtins is the injected safe set. No other functions are callable.
var builtins = map[string]BuiltinFunc{
	"len": func(args []any) (any, error) {
		if err := arity("len", args, 1); err != nil {
			return nil, err
		}
		switch v := args[0].(type) {
		case string:
			return float64(len(v)), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		case nil:
			return float64(0), nil
		}
		return nil, evalErrorf("len: unsupported operand %T", args[0])
	},
	"str": func(args []any) (any, error) {
		if err := arity("str", args, 1); err != nil {
			return nil, err
		}
		if f, ok := args[0].(float64); ok && f == math.Trunc(f) {
			return strconv.FormatInt(int64(f), 10), nil
		}
		return fmt.Sprintf("%v", args[0]), nil
	},
	"int": func(args []any) (any, error) {
		if err := arity("int", args, 1); err != nil {
			return nil, err
		}
		f, ok := toFloat(args[0])
		if !ok {
			return nil, evalErrorf("int: cannot convert %T", args[0])
		}
		return math.Trunc(f), nil
	},
	"float": func(args []any) (any, error) {
		if err := arity("float", args, 1); err != nil {
			return nil, err
		}
		f, ok := toFloat(args[0])
		if !ok {
			return nil, evalErrorf("float: cannot convert %T", args[0])
		}
		return f, nil
	},
	"bool": func(args []any) (any, error) {
		if err := arity("bool", args, 1); err != nil {
			return nil, err
		}
		return Truthy(args[0]), nil
	},
	"list": func(args []any) (any, error) {
		out := make([]any, len(args))
		copy(out, args)
		return out, nil
	},
	"dict": func(args []any) (any, error) {
		if len(args)%2 != 0 {
			return nil, evalErrorf("dict: requires key/value pairs")
		}
		out := map[string]any{}
		for i := 0; i < len(args); i += 2 {
			key, ok := args[i].(string)
			if !ok {
				return nil, evalErrorf("dict: key %v is not a string", args[i])
			}
			out[key] = args[i+1]
		}
		return out, nil
	},
	"sum": func(args []any) (any, error) {
		vals, err := numericArgs("sum", args)
		if err != nil {
			return nil, err
		}
		total := 0.0
		for _, v := range vals {
			total += v
		}
		return total, nil
	},
	"min": func(args []any) (any, error) {
		vals, err := numericArgs("min", args)
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			return nil, evalErrorf("min: empty input")
		}
		best := vals[0]
		for _, v := range vals[1:] {
			if v < best {
				best = v
			}
		}
		return best, nil
	},
	"max": func(args []any) (any, error) {
		vals, err := numericArgs("max", args)
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			return nil, evalErrorf("max: empty input")
		}
		best := vals[0]
		for _, v := range vals[1:] {
			if v > best {
				best = v
			}
		}
		return best, nil
	},
}

func arity(name string, args []any, want int) error {
	if len(args) != want {
		return evalErrorf("%s: expected %d argument(s), got %d", name, want, len(args))
	}
	return nil
}

// numericArgs flattens a single-list argument or a variadic argument list
// into floats, so both sum(items) and sum(a, b, c) work.
func numericArgs(name string, args []any) ([]float64, error) {
	items := args
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			items = list
		}
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, ok := toFloat(item)
		if !ok {
			return nil, evalErrorf("%s: %v is not numeric", name, item)
		}
		out = append(out, f)
	}
	return out, nil
}
