package backend

import (
	"cmp"
	"reflect"
	"slices"
	"strings"
	"time"
)

// Op is a filter operator.
type Op string

const (
	OpEq       Op = "eq"
	OpIn       Op = "in"
	OpContains Op = "contains" // JSON containment on an object column
	OpLt       Op = "lt"
	OpIs       Op = "is" // IS NULL / IS TRUE / IS FALSE
	OpOr       Op = "or"
)

// Filter is one predicate on a row. For OpOr, Any holds the disjuncts.
type Filter struct {
	Column string
	Op     Op
	Value  any
	Any    []Filter
}

func Eq(column string, v any) Filter { return Filter{Column: column, Op: OpEq, Value: v} }
func Lt(column string, v any) Filter { return Filter{Column: column, Op: OpLt, Value: v} }
func Is(column string, v any) Filter { return Filter{Column: column, Op: OpIs, Value: v} }

// In matches rows whose column equals any of vs.
func In[T any](column string, vs ...T) Filter {
	vals := make([]any, len(vs))
	for i, v := range vs {
		vals[i] = v
	}
	return Filter{Column: column, Op: OpIn, Value: vals}
}

// Contains matches rows whose object column contains every key of sub.
func Contains(column string, sub map[string]any) Filter {
	return Filter{Column: column, Op: OpContains, Value: sub}
}

// Or matches rows satisfying at least one of fs.
func Or(fs ...Filter) Filter { return Filter{Op: OpOr, Any: fs} }

// MatchAll reports whether row satisfies every filter.
func MatchAll(row Row, fs []Filter) bool {
	for _, f := range fs {
		if !f.Match(row) {
			return false
		}
	}
	return true
}

// Match evaluates the filter against a normalized row.
func (f Filter) Match(row Row) bool {
	switch f.Op {
	case OpOr:
		return slices.ContainsFunc(f.Any, func(g Filter) bool { return g.Match(row) })
	case OpEq:
		return equal(row[f.Column], f.Value)
	case OpIn:
		vals, _ := f.Value.([]any)
		return slices.ContainsFunc(vals, func(v any) bool { return equal(row[f.Column], v) })
	case OpIs:
		return equal(row[f.Column], f.Value)
	case OpLt:
		return less(row[f.Column], f.Value)
	case OpContains:
		obj, ok := row[f.Column].(map[string]any)
		if !ok {
			return false
		}
		sub, err := Normalize(f.Value)
		if err != nil {
			return false
		}
		subMap, _ := sub.(map[string]any)
		for k, v := range subMap {
			if !equal(obj[k], v) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func equal(a, b any) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func less(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	c, ok := Compare(a, b)
	return ok && c < 0
}

// Compare orders two column values: numbers numerically, RFC 3339
// timestamps chronologically, other strings lexically. ok is false when the
// values are not comparable. nil sorts before everything.
func Compare(a, b any) (c int, ok bool) {
	na, _ := Normalize(a)
	nb, _ := Normalize(b)
	switch {
	case na == nil && nb == nil:
		return 0, true
	case na == nil:
		return -1, true
	case nb == nil:
		return 1, true
	}
	switch x := na.(type) {
	case float64:
		y, ok := nb.(float64)
		if !ok {
			return 0, false
		}
		return cmp.Compare(x, y), true
	case string:
		y, ok := nb.(string)
		if !ok {
			return 0, false
		}
		tx, errx := time.Parse(time.RFC3339Nano, x)
		ty, erry := time.Parse(time.RFC3339Nano, y)
		if errx == nil && erry == nil {
			return tx.Compare(ty), true
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := nb.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	default:
		return 0, false
	}
}
