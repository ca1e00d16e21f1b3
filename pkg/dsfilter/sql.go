package dsfilter

import (
	"fmt"
	"regexp"
	"strings"
)

// Field names are interpolated into the jsonb accessor, so they are
// restricted to identifier characters.
var fieldNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// SQLBuilder translates filters into parameterized SQL conditions over the
// jsonb `data` column of the models table. Parameters are numbered from
// paramStart so the condition can be appended to a prepared statement.
type SQLBuilder struct {
	paramStart int
	args       []any
}

// NewSQLBuilder creates a builder whose first parameter is $paramStart.
func NewSQLBuilder(paramStart int) *SQLBuilder {
	return &SQLBuilder{paramStart: paramStart}
}

// Build translates the filter. It returns the SQL condition and the
// positional arguments it references.
func (b *SQLBuilder) Build(f Filter) (string, []any, error) {
	if err := f.Validate(); err != nil {
		return "", nil, err
	}
	sql, err := b.build(f)
	if err != nil {
		return "", nil, err
	}
	return sql, b.args, nil
}

func (b *SQLBuilder) build(f Filter) (string, error) {
	switch f := f.(type) {
	case Cmp:
		return b.buildCmp(f)
	case NotFilter:
		inner, err := b.build(f.Inner)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case AndFilter:
		return b.buildParts(f.Parts, "AND")
	case OrFilter:
		return b.buildParts(f.Parts, "OR")
	}
	return "", fmt.Errorf("unknown filter shape %T", f)
}

func (b *SQLBuilder) buildParts(parts []Filter, logic string) (string, error) {
	if len(parts) == 0 {
		// An empty conjunction is vacuously true, an empty disjunction false.
		if logic == "AND" {
			return "TRUE", nil
		}
		return "FALSE", nil
	}
	var rendered []string
	for _, p := range parts {
		sql, err := b.build(p)
		if err != nil {
			return "", err
		}
		rendered = append(rendered, "("+sql+")")
	}
	return strings.Join(rendered, " "+logic+" "), nil
}

func (b *SQLBuilder) buildCmp(c Cmp) (string, error) {
	if !fieldNamePattern.MatchString(c.Field) {
		return "", fmt.Errorf("invalid filter field name %q", c.Field)
	}
	text := fmt.Sprintf("data->>'%s'", c.Field)

	if c.Value == nil {
		switch c.Op {
		case OpEqual:
			return fmt.Sprintf("data->'%s' IS NULL OR data->'%s' = 'null'::jsonb", c.Field, c.Field), nil
		case OpNotEqual:
			return fmt.Sprintf("data->'%s' IS NOT NULL AND data->'%s' <> 'null'::jsonb", c.Field, c.Field), nil
		}
		return "", fmt.Errorf("operator %s cannot compare against null", c.Op)
	}

	switch c.Op {
	case OpEqualIgnoreCase:
		return fmt.Sprintf("lower(%s) = lower(%s)", text, b.param(c.Value)), nil
	case OpLike:
		return fmt.Sprintf("%s LIKE %s", text, b.param(c.Value)), nil
	}

	switch v := c.Value.(type) {
	case int, int64, float64:
		return fmt.Sprintf("(%s)::numeric %s %s", text, c.Op, b.param(v)), nil
	case bool:
		return fmt.Sprintf("(%s)::boolean %s %s", text, c.Op, b.param(v)), nil
	case string:
		return fmt.Sprintf("%s %s %s", text, c.Op, b.param(v)), nil
	}
	return "", fmt.Errorf("field %s: unsupported filter operand type %T", c.Field, c.Value)
}

func (b *SQLBuilder) param(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", b.paramStart+len(b.args)-1)
}
