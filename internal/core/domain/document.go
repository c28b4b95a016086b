package domain

import (
	"fmt"
	"math"
	"time"
)

// Fields holds the attributes of a stored document. Values are
// normalized on write to string, int64, float64, bool, time.Time or nil.
type Fields map[string]any

type WriteMode int

const (
	// WriteMerge replaces only the named fields and keeps the rest.
	WriteMerge WriteMode = iota
	// WriteReplace overwrites the whole document.
	WriteReplace
)

func (m WriteMode) String() string {
	if m == WriteReplace {
		return "replace"
	}
	return "merge"
}

type Document struct {
	Key       string
	Fields    Fields
	Version   int64 // optimistic locking
	UpdatedAt time.Time
}

// Clone returns a deep copy; field values are immutable scalars so a
// shallow map copy is enough.
func (d Document) Clone() Document {
	d.Fields = d.Fields.Clone()
	return d
}

func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge applies patch on top of f according to mode and returns the
// resulting field set. f is not modified.
func (f Fields) Merge(patch Fields, mode WriteMode) Fields {
	var out Fields
	if mode == WriteReplace {
		out = make(Fields, len(patch))
	} else {
		out = f.Clone()
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func (f Fields) String(name string) string {
	if s, ok := f[name].(string); ok {
		return s
	}
	return ""
}

func (f Fields) Int64(name string) (int64, bool) {
	switch v := f[name].(type) {
	case int64:
		return v, true
	case float64:
		if v == math.Trunc(v) {
			return int64(v), true
		}
	}
	return 0, false
}

func (f Fields) Time(name string) time.Time {
	if t, ok := f[name].(time.Time); ok {
		return t
	}
	return time.Time{}
}

// NormalizeFields converts every value to its canonical stored type.
func NormalizeFields(in Fields) (Fields, error) {
	out := make(Fields, len(in))
	for k, v := range in {
		if k == "" {
			return nil, fmt.Errorf("%w: empty field name", ErrInvalidItem)
		}
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, int64, float64, bool:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case time.Time:
		return x.UTC(), nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		return nil, fmt.Errorf("unsupported field type %T", v)
	}
}
