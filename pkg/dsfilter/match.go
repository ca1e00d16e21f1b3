package dsfilter

import (
	"fmt"
	"regexp"
	"strings"
)

// Match evaluates the filter against an in-memory model. It mirrors the SQL
// translation: both return the same result for non-null operands of the same
// type.
func Match(f Filter, model map[string]any) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, err
	}
	return match(f, model)
}

func match(f Filter, model map[string]any) (bool, error) {
	switch f := f.(type) {
	case Cmp:
		return matchCmp(f, model)
	case NotFilter:
		inner, err := match(f.Inner, model)
		if err != nil {
			return false, err
		}
		return !inner, nil
	case AndFilter:
		for _, p := range f.Parts {
			ok, err := match(p, model)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OrFilter:
		for _, p := range f.Parts {
			ok, err := match(p, model)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown filter shape %T", f)
}

func matchCmp(c Cmp, model map[string]any) (bool, error) {
	got := model[c.Field]

	if c.Value == nil {
		switch c.Op {
		case OpEqual:
			return got == nil, nil
		case OpNotEqual:
			return got != nil, nil
		}
		return false, fmt.Errorf("operator %s cannot compare against null", c.Op)
	}
	if got == nil {
		// SQL comparisons against NULL are never true.
		return false, nil
	}

	switch c.Op {
	case OpEqual:
		return looseEqual(got, c.Value), nil
	case OpNotEqual:
		return !looseEqual(got, c.Value), nil
	case OpEqualIgnoreCase:
		a, aok := got.(string)
		b, bok := c.Value.(string)
		if !aok || !bok {
			return false, fmt.Errorf("operator ~= needs string operands")
		}
		return strings.EqualFold(a, b), nil
	case OpLike:
		a, aok := toText(got)
		b, bok := c.Value.(string)
		if !aok || !bok {
			return false, fmt.Errorf("operator %%= needs string operands")
		}
		return likeMatch(b, a), nil
	case OpLessThan, OpGreaterThan, OpLessOrEqual, OpGreaterOrEqual:
		cmp, ok := compare(got, c.Value)
		if !ok {
			return false, fmt.Errorf("field %s: cannot order %T against %T", c.Field, got, c.Value)
		}
		switch c.Op {
		case OpLessThan:
			return cmp < 0, nil
		case OpGreaterThan:
			return cmp > 0, nil
		case OpLessOrEqual:
			return cmp <= 0, nil
		default:
			return cmp >= 0, nil
		}
	}
	return false, fmt.Errorf("unknown filter operator %q", c.Op)
}

// looseEqual compares values the way jsonb text extraction does: numbers
// compare across int/float representations.
func looseEqual(a, b any) bool {
	if af, ok := toNumber(a); ok {
		if bf, ok := toNumber(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

// compare orders two values; returns false if they are not comparable.
func compare(a, b any) (int, bool) {
	if af, ok := toNumber(a); ok {
		if bf, ok := toNumber(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toNumber(v any) (float64, bool) {
	switch v := v.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func toText(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// likeMatch evaluates a SQL LIKE pattern: % matches any run, _ one rune.
func likeMatch(pattern, s string) bool {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
