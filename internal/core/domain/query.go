package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpIn           Operator = "in"
	OpNotIn        Operator = "not-in"
)

func (o Operator) valid() bool {
	switch o {
	case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpIn, OpNotIn:
		return true
	}
	return false
}

type SortDirection string

const (
	Ascending  SortDirection = "asc"
	Descending SortDirection = "desc"
)

type Filter struct {
	Field string
	Op    Operator
	Value any
}

type Ordering struct {
	Field     string
	Direction SortDirection
}

// Query selects documents of one collection. Filters are combined with
// AND; orderings apply left to right and ties are broken by document
// key ascending. Limit 0 means unbounded.
type Query struct {
	Collection string
	Filters    []Filter
	Orderings  []Ordering
	Limit      int
}

func (q Query) Where(field string, op Operator, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) OrderBy(field string, dir SortDirection) Query {
	q.Orderings = append(append([]Ordering(nil), q.Orderings...), Ordering{Field: field, Direction: dir})
	return q
}

func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

func (q Query) Validate() error {
	if q.Collection == "" {
		return fmt.Errorf("%w: empty collection", ErrMalformedQuery)
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrMalformedQuery, q.Limit)
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return fmt.Errorf("%w: filter with empty field", ErrMalformedQuery)
		}
		if !f.Op.valid() {
			return fmt.Errorf("%w: unknown operator %q", ErrMalformedQuery, f.Op)
		}
		if f.Op == OpIn || f.Op == OpNotIn {
			if _, ok := f.Value.([]any); !ok {
				return fmt.Errorf("%w: %s on %q needs a list value", ErrMalformedQuery, f.Op, f.Field)
			}
		} else if _, err := NormalizeValue(f.Value); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedQuery, err)
		}
	}
	for _, o := range q.Orderings {
		if o.Field == "" {
			return fmt.Errorf("%w: ordering with empty field", ErrMalformedQuery)
		}
		if o.Direction != Ascending && o.Direction != Descending {
			return fmt.Errorf("%w: unknown direction %q", ErrMalformedQuery, o.Direction)
		}
	}
	return nil
}

// Key is the canonical identity of the query. Two queries with the same
// key select the same documents in the same order.
func (q Query) Key() string {
	var b strings.Builder
	b.WriteString(q.Collection)
	for _, f := range q.Filters {
		fmt.Fprintf(&b, "|w:%s%s%#v", f.Field, f.Op, keyValue(f.Value))
	}
	for _, o := range q.Orderings {
		fmt.Fprintf(&b, "|o:%s:%s", o.Field, o.Direction)
	}
	fmt.Fprintf(&b, "|l:%d", q.Limit)
	return b.String()
}

// keyValue normalizes v so equal filter values of different Go types
// (5 and int64(5)) format the same.
func keyValue(v any) any {
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = keyValue(item)
		}
		return out
	}
	if nv, err := NormalizeValue(v); err == nil {
		return nv
	}
	return v
}

// Matches reports whether doc satisfies every filter and carries every
// ordered field.
func (q Query) Matches(doc Document) bool {
	for _, f := range q.Filters {
		if !f.matches(doc.Fields) {
			return false
		}
	}
	for _, o := range q.Orderings {
		if _, ok := doc.Fields[o.Field]; !ok {
			return false
		}
	}
	return true
}

// Apply filters, sorts and limits docs. The input slice is not modified.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return q.less(out[i], out[j])
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (q Query) less(a, b Document) bool {
	for _, o := range q.Orderings {
		c := compareValues(a.Fields[o.Field], b.Fields[o.Field])
		if c == 0 {
			continue
		}
		if o.Direction == Descending {
			return c > 0
		}
		return c < 0
	}
	return a.Key < b.Key
}

func (f Filter) matches(fields Fields) bool {
	v, present := fields[f.Field]
	switch f.Op {
	case OpIn, OpNotIn:
		list, _ := f.Value.([]any)
		found := false
		for _, candidate := range list {
			if present && equalValues(v, candidate) {
				found = true
				break
			}
		}
		if f.Op == OpIn {
			return found
		}
		return present && !found
	}
	if !present {
		return false
	}
	want, err := NormalizeValue(f.Value)
	if err != nil {
		return false
	}
	if f.Op == OpEqual {
		return equalValues(v, want)
	}
	if f.Op == OpNotEqual {
		return !equalValues(v, want)
	}
	// Range operators only compare values of the same kind.
	if typeRank(v) != typeRank(want) {
		return false
	}
	c := compareValues(v, want)
	switch f.Op {
	case OpLess:
		return c < 0
	case OpLessEqual:
		return c <= 0
	case OpGreater:
		return c > 0
	case OpGreaterEqual:
		return c >= 0
	}
	return false
}

func equalValues(a, b any) bool {
	nb, err := NormalizeValue(b)
	if err != nil {
		return false
	}
	return typeRank(a) == typeRank(nb) && compareValues(a, nb) == 0
}

// typeRank orders kinds: null < bool < number < timestamp < string.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64, int:
		return 2
	case time.Time:
		return 3
	case string:
		return 4
	}
	return 5
}

func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case int64, float64, int:
		return compareNumbers(a, b)
	case time.Time:
		return x.Compare(b.(time.Time))
	case string:
		return strings.Compare(x, b.(string))
	}
	return 0
}

func compareNumbers(a, b any) int {
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	af, bf := toFloat(a), toFloat(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case int:
		return float64(x)
	case float64:
		return x
	}
	return 0
}
