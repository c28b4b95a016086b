package domain

import (
	"errors"
	"testing"
	"time"
)

func doc(key string, fields Fields) Document {
	return Document{Key: key, Fields: fields, Version: 1}
}

func keys(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Key
	}
	return out
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestApply_FilterOrderLimit(t *testing.T) {
	docs := []Document{
		doc("b", Fields{"name": "Anillo B", "category": "Anillos"}),
		doc("a", Fields{"name": "Anillo A", "category": "Anillos"}),
		doc("c", Fields{"name": "Cadena C", "category": "Cadenas"}),
	}

	q := Query{Collection: "items"}.
		Where("category", OpEqual, "Anillos").
		OrderBy("name", Ascending).
		WithLimit(2)

	got := q.Apply(docs)
	if want := []string{"a", "b"}; !equalKeys(keys(got), want) {
		t.Errorf("expected %v, got %v", want, keys(got))
	}
}

func TestApply_TiesBrokenByKey(t *testing.T) {
	docs := []Document{
		doc("p-3", Fields{"category": "x"}),
		doc("p-1", Fields{"category": "x"}),
		doc("p-2", Fields{"category": "x"}),
	}

	got := Query{Collection: "items"}.OrderBy("category", Descending).Apply(docs)
	if want := []string{"p-1", "p-2", "p-3"}; !equalKeys(keys(got), want) {
		t.Errorf("expected %v, got %v", want, keys(got))
	}
}

func TestApply_MissingOrderedFieldExcluded(t *testing.T) {
	docs := []Document{
		doc("a", Fields{"updatedAt": time.Unix(10, 0).UTC()}),
		doc("b", Fields{}),
		doc("c", Fields{"updatedAt": time.Unix(20, 0).UTC()}),
	}

	got := Query{Collection: "items"}.OrderBy("updatedAt", Descending).Apply(docs)
	if want := []string{"c", "a"}; !equalKeys(keys(got), want) {
		t.Errorf("expected %v, got %v", want, keys(got))
	}
}

func TestFilterOperators(t *testing.T) {
	d := doc("x", Fields{"quantity": int64(5), "category": "Anillos"})

	cases := []struct {
		filter Filter
		want   bool
	}{
		{Filter{"quantity", OpEqual, 5}, true},
		{Filter{"quantity", OpNotEqual, int64(5)}, false},
		{Filter{"quantity", OpLess, int64(6)}, true},
		{Filter{"quantity", OpLessEqual, int64(5)}, true},
		{Filter{"quantity", OpGreater, 5.5}, false},
		{Filter{"quantity", OpGreaterEqual, int64(5)}, true},
		{Filter{"quantity", OpGreater, "4"}, false},
		{Filter{"category", OpIn, []any{"Aretes", "Anillos"}}, true},
		{Filter{"category", OpNotIn, []any{"Anillos"}}, false},
		{Filter{"missing", OpNotIn, []any{"Anillos"}}, false},
		{Filter{"missing", OpEqual, "x"}, false},
	}

	for _, tc := range cases {
		q := Query{Collection: "items", Filters: []Filter{tc.filter}}
		if got := q.Matches(d); got != tc.want {
			t.Errorf("%s %s %v: expected %v, got %v", tc.filter.Field, tc.filter.Op, tc.filter.Value, tc.want, got)
		}
	}
}

func TestValidate(t *testing.T) {
	bad := []Query{
		{},
		{Collection: "items", Limit: -1},
		{Collection: "items", Filters: []Filter{{Field: "a", Op: "~", Value: 1}}},
		{Collection: "items", Filters: []Filter{{Field: "a", Op: OpIn, Value: "x"}}},
		{Collection: "items", Orderings: []Ordering{{Field: "a", Direction: "up"}}},
	}
	for i, q := range bad {
		if err := q.Validate(); !errors.Is(err, ErrMalformedQuery) {
			t.Errorf("case %d: expected ErrMalformedQuery, got %v", i, err)
		}
	}

	ok := Query{Collection: "items"}.Where("category", OpEqual, "Anillos").OrderBy("name", Ascending).WithLimit(2)
	if err := ok.Validate(); err != nil {
		t.Errorf("expected valid query, got %v", err)
	}
}

func TestKey_DistinguishesParameters(t *testing.T) {
	base := Query{Collection: "items"}.Where("category", OpEqual, "Anillos")

	if base.Key() != (Query{Collection: "items"}.Where("category", OpEqual, "Anillos")).Key() {
		t.Error("expected identical queries to share a key")
	}
	if base.Key() == base.Where("category", OpEqual, "Cadenas").Key() {
		t.Error("expected different filters to produce different keys")
	}
	if base.Key() == base.WithLimit(3).Key() {
		t.Error("expected different limits to produce different keys")
	}
}

func TestKey_NormalizesFilterValues(t *testing.T) {
	untyped := Query{Collection: "items"}.Where("quantity", OpEqual, 5)
	typed := Query{Collection: "items"}.Where("quantity", OpEqual, int64(5))
	if untyped.Key() != typed.Key() {
		t.Errorf("expected equal keys, got %q and %q", untyped.Key(), typed.Key())
	}

	listA := Query{Collection: "items"}.Where("quantity", OpIn, []any{1, int32(2)})
	listB := Query{Collection: "items"}.Where("quantity", OpIn, []any{int64(1), int64(2)})
	if listA.Key() != listB.Key() {
		t.Errorf("expected equal list keys, got %q and %q", listA.Key(), listB.Key())
	}
}

func TestFieldsMerge(t *testing.T) {
	base := Fields{"name": "Anillo", "quantity": int64(3)}

	merged := base.Merge(Fields{"quantity": int64(4)}, WriteMerge)
	if merged["name"] != "Anillo" || merged["quantity"] != int64(4) {
		t.Errorf("unexpected merge result %v", merged)
	}

	replaced := base.Merge(Fields{"quantity": int64(4)}, WriteReplace)
	if _, ok := replaced["name"]; ok {
		t.Errorf("expected replace to drop unnamed fields, got %v", replaced)
	}
	if base["quantity"] != int64(3) {
		t.Error("merge must not modify the receiver")
	}
}
