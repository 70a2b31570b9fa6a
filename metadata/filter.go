package metadata

import (
	"fmt"
	"strings"
)

// Operator represents a comparison operator for filtering.
type Operator string

const (
	OpEqual        Operator = "eq"
	OpNotEqual     Operator = "ne"
	OpGreaterThan  Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLessThan     Operator = "lt"
	OpLessEqual    Operator = "lte"
	// OpIn matches when the field equals any element of an array value.
	OpIn Operator = "in"
	// OpContains matches a substring of a string field, or an element of an array field.
	OpContains Operator = "contains"
)

// Filter represents a single metadata filter condition.
type Filter struct {
	Key      string
	Operator Operator
	Value    Value
}

// Validate checks that the operator is known and the operand fits it.
func (f Filter) Validate() error {
	if f.Key == "" {
		return fmt.Errorf("filter: empty key")
	}
	switch f.Operator {
	case OpEqual, OpNotEqual:
	case OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual:
		if _, ok := f.Value.AsFloat64(); !ok {
			return fmt.Errorf("filter %q: operator %s requires a numeric value", f.Key, f.Operator)
		}
	case OpIn:
		if f.Value.Kind != KindArray {
			return fmt.Errorf("filter %q: operator in requires an array value", f.Key)
		}
	case OpContains:
	default:
		return fmt.Errorf("filter %q: unknown operator %q", f.Key, f.Operator)
	}
	return nil
}

// Matches checks if the provided document matches this filter.
// A missing field never matches, not even for OpNotEqual.
func (f *Filter) Matches(doc Document) bool {
	value, exists := doc[f.Key]
	if !exists {
		return false
	}

	switch f.Operator {
	case OpEqual:
		return compareEqual(value, f.Value)
	case OpNotEqual:
		return !compareEqual(value, f.Value)
	case OpGreaterThan:
		c, ok := compareNumbers(value, f.Value)
		return ok && c > 0
	case OpGreaterEqual:
		c, ok := compareNumbers(value, f.Value)
		return ok && c >= 0
	case OpLessThan:
		c, ok := compareNumbers(value, f.Value)
		return ok && c < 0
	case OpLessEqual:
		c, ok := compareNumbers(value, f.Value)
		return ok && c <= 0
	case OpIn:
		for _, item := range f.Value.A {
			if compareEqual(value, item) {
				return true
			}
		}
		return false
	case OpContains:
		return compareContains(value, f.Value)
	default:
		return false
	}
}

func (f Filter) String() string {
	return fmt.Sprintf("%s %s %s", f.Key, f.Operator, f.Value)
}

// FilterSet represents a set of filters that must all match (AND logic).
type FilterSet struct {
	Filters []Filter
}

// NewFilterSet creates a new filter set.
func NewFilterSet(filters ...Filter) *FilterSet {
	return &FilterSet{Filters: filters}
}

// Validate validates every filter in the set.
func (fs *FilterSet) Validate() error {
	if fs == nil {
		return nil
	}
	for _, f := range fs.Filters {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Matches checks if the provided document matches all filters in the set.
// A nil or empty set matches everything.
func (fs *FilterSet) Matches(doc Document) bool {
	if fs == nil {
		return true
	}
	for i := range fs.Filters {
		if !fs.Filters[i].Matches(doc) {
			return false
		}
	}
	return true
}

// IsEmpty reports whether the set has no conditions.
func (fs *FilterSet) IsEmpty() bool {
	return fs == nil || len(fs.Filters) == 0
}

func (fs *FilterSet) String() string {
	if fs.IsEmpty() {
		return ""
	}
	parts := make([]string, len(fs.Filters))
	for i, f := range fs.Filters {
		parts[i] = f.String()
	}
	return strings.Join(parts, " AND ")
}

func compareEqual(a, b Value) bool {
	if a.Kind == KindNull || b.Kind == KindNull {
		return a.Kind == b.Kind
	}
	if c, ok := compareNumbers(a, b); ok {
		return c == 0
	}
	if a.Kind != b.Kind {
		return false
	}
	return a.Equal(b)
}

func compareNumbers(a, b Value) (int, bool) {
	if a.Kind == KindInt && b.Kind == KindInt {
		switch {
		case a.I64 < b.I64:
			return -1, true
		case a.I64 > b.I64:
			return 1, true
		default:
			return 0, true
		}
	}
	af, aok := a.AsFloat64()
	bf, bok := b.AsFloat64()
	if !aok || !bok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	case af == bf:
		return 0, true
	default:
		return 0, false // NaN
	}
}

func compareContains(a, b Value) bool {
	switch a.Kind {
	case KindString:
		return b.Kind == KindString && strings.Contains(a.S, b.S)
	case KindArray:
		for _, item := range a.A {
			if compareEqual(item, b) {
				return true
			}
		}
	}
	return false
}
