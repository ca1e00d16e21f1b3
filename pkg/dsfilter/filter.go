// Package dsfilter implements the filter algebra used for datastore queries:
// boolean combinations of field comparisons over a single collection. A
// filter is a pure value; it can be translated to SQL for the backing store
// or evaluated in memory against overlay models, and both evaluators agree
// for non-null operands of the same type.
package dsfilter

import "fmt"

// Op is a comparison operator.
type Op string

const (
	OpEqual          Op = "="
	OpNotEqual       Op = "!="
	OpLessThan       Op = "<"
	OpGreaterThan    Op = ">"
	OpLessOrEqual    Op = "<="
	OpGreaterOrEqual Op = ">="
	// OpEqualIgnoreCase is case-insensitive string equality.
	OpEqualIgnoreCase Op = "~="
	// OpLike matches SQL LIKE patterns (% and _ wildcards).
	OpLike Op = "%="
)

// Filter is a boolean combination of field comparisons. The four
// implementations are Cmp, NotFilter, AndFilter and OrFilter.
type Filter interface {
	// Validate checks operator/operand compatibility.
	Validate() error

	sealed()
}

// Cmp compares one field against a constant value.
type Cmp struct {
	Field string
	Op    Op
	Value any
}

func (c Cmp) sealed() {}

// Validate checks the operator and rejects null with anything but = and !=.
func (c Cmp) Validate() error {
	switch c.Op {
	case OpEqual, OpNotEqual:
		return nil
	case OpLessThan, OpGreaterThan, OpLessOrEqual, OpGreaterOrEqual, OpEqualIgnoreCase, OpLike:
		if c.Value == nil {
			return fmt.Errorf("operator %s cannot compare against null", c.Op)
		}
		return nil
	}
	return fmt.Errorf("unknown filter operator %q", c.Op)
}

// NotFilter negates its inner filter.
type NotFilter struct {
	Inner Filter
}

func (f NotFilter) sealed() {}

// Validate validates the inner filter.
func (f NotFilter) Validate() error {
	return f.Inner.Validate()
}

// AndFilter is the conjunction of its parts.
type AndFilter struct {
	Parts []Filter
}

func (f AndFilter) sealed() {}

// Validate validates all parts.
func (f AndFilter) Validate() error {
	for _, p := range f.Parts {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// OrFilter is the disjunction of its parts.
type OrFilter struct {
	Parts []Filter
}

func (f OrFilter) sealed() {}

// Validate validates all parts.
func (f OrFilter) Validate() error {
	for _, p := range f.Parts {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// FieldOp builds a single comparison.
func FieldOp(field string, op Op, value any) Filter {
	return Cmp{Field: field, Op: op, Value: value}
}

// Eq builds an equality comparison.
func Eq(field string, value any) Filter { return Cmp{Field: field, Op: OpEqual, Value: value} }

// Ne builds an inequality comparison.
func Ne(field string, value any) Filter { return Cmp{Field: field, Op: OpNotEqual, Value: value} }

// Lt builds a less-than comparison.
func Lt(field string, value any) Filter { return Cmp{Field: field, Op: OpLessThan, Value: value} }

// Gt builds a greater-than comparison.
func Gt(field string, value any) Filter { return Cmp{Field: field, Op: OpGreaterThan, Value: value} }

// Not negates a filter.
func Not(inner Filter) Filter { return NotFilter{Inner: inner} }

// And combines filters conjunctively.
func And(parts ...Filter) Filter { return AndFilter{Parts: parts} }

// Or combines filters disjunctively.
func Or(parts ...Filter) Filter { return OrFilter{Parts: parts} }
