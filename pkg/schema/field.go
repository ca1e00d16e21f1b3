package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Kind enumerates the field kinds a collection can declare.
type Kind int

const (
	KindUnknown Kind = iota
	KindInteger
	KindBoolean
	KindString
	KindText
	KindHTMLStrict
	KindHTMLPermissive
	KindJSON
	KindDecimal
	KindColor
	KindTimestamp
	KindFloat
	KindStringList
	KindIntegerList
	KindRelation
	KindRelationList
	KindGenericRelation
	KindGenericRelationList
	KindTemplate
)

var kindNames = map[string]Kind{
	"integer":               KindInteger,
	"boolean":               KindBoolean,
	"string":                KindString,
	"text":                  KindText,
	"html_strict":           KindHTMLStrict,
	"html_permissive":       KindHTMLPermissive,
	"json":                  KindJSON,
	"decimal":               KindDecimal,
	"color":                 KindColor,
	"timestamp":             KindTimestamp,
	"float":                 KindFloat,
	"string[]":              KindStringList,
	"number[]":              KindIntegerList,
	"relation":              KindRelation,
	"relation-list":         KindRelationList,
	"generic-relation":      KindGenericRelation,
	"generic-relation-list": KindGenericRelationList,
	"template":              KindTemplate,
}

// ParseKind maps a catalog type string to its Kind.
func ParseKind(s string) (Kind, error) {
	k, ok := kindNames[s]
	if !ok {
		return KindUnknown, fmt.Errorf("unknown field type %q", s)
	}
	return k, nil
}

// String returns the catalog name of the kind.
func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// IsRelation reports whether the kind references other models.
func (k Kind) IsRelation() bool {
	switch k {
	case KindRelation, KindRelationList, KindGenericRelation, KindGenericRelationList:
		return true
	}
	return false
}

// IsList reports whether values of the kind are JSON arrays.
func (k Kind) IsList() bool {
	switch k {
	case KindStringList, KindIntegerList, KindRelationList, KindGenericRelationList, KindTemplate:
		return true
	}
	return false
}

// OnDelete is the policy applied to a relation when the model holding it is
// deleted.
type OnDelete int

const (
	// OnDeleteSetNull clears the back reference on the other side.
	OnDeleteSetNull OnDelete = iota
	// OnDeleteCascade deletes the referenced models as well.
	OnDeleteCascade
	// OnDeleteProtect refuses the delete while references exist.
	OnDeleteProtect
)

// ParseOnDelete maps a catalog on_delete string to its policy.
// The empty string means SET_NULL.
func ParseOnDelete(s string) (OnDelete, error) {
	switch strings.ToUpper(s) {
	case "", "SET_NULL":
		return OnDeleteSetNull, nil
	case "CASCADE":
		return OnDeleteCascade, nil
	case "PROTECT":
		return OnDeleteProtect, nil
	}
	return OnDeleteSetNull, fmt.Errorf("unknown on_delete policy %q", s)
}

// String returns the catalog name of the policy.
func (o OnDelete) String() string {
	switch o {
	case OnDeleteCascade:
		return "CASCADE"
	case OnDeleteProtect:
		return "PROTECT"
	default:
		return "SET_NULL"
	}
}

// Relation describes the target side of a relation or relation-list field.
type Relation struct {
	// To is the target collection.
	To string
	// Back is the field on the target holding the back reference.
	Back string
	// OnDelete applies when the model holding this field is deleted.
	OnDelete OnDelete
}

// Generic describes a generic relation: the stored value is an fqid whose
// collection must be one of To. The back reference field has the same name
// on every allowed target.
type Generic struct {
	To       []string
	Back     string
	OnDelete OnDelete
}

// Allows reports whether collection is a permitted target.
func (g *Generic) Allows(collection string) bool {
	for _, c := range g.To {
		if c == collection {
			return true
		}
	}
	return false
}

// Template describes a template field. The field name contains exactly one
// `$` placeholder; the field itself stores the sorted list of replacements
// and each replacement materializes one structured field.
type Template struct {
	// ReplacementCollection is the collection replacements are ids of
	// (usually "meeting"), or empty for free-form replacements.
	ReplacementCollection string
	// Structured describes the materialized per-replacement field. All
	// kinds except template itself are allowed.
	Structured *Field
}

// Field is one field descriptor inside a collection. Exactly one of
// Relation, Generic and Template is set for the corresponding kinds.
type Field struct {
	Name      string
	Kind      Kind
	Required  bool
	MinLength int
	MaxLength int
	Enum      []string

	Relation *Relation
	Generic  *Generic
	Template *Template
}

var (
	decimalPattern = regexp.MustCompile(`^-?\d+\.\d{6}$`)
	colorPattern   = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
)

// ValidateValue checks a scalar value against the field's constraints.
// Relation integrity is not checked here; that is the resolver's job.
func (f *Field) ValidateValue(value any) error {
	if value == nil {
		if f.Required {
			return fmt.Errorf("field %s is required", f.Name)
		}
		return nil
	}
	switch f.Kind {
	case KindString, KindText:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %s: expected string", f.Name)
		}
		if f.MaxLength > 0 && len([]rune(s)) > f.MaxLength {
			return fmt.Errorf("field %s: longer than %d characters", f.Name, f.MaxLength)
		}
		if len([]rune(s)) < f.MinLength {
			return fmt.Errorf("field %s: shorter than %d characters", f.Name, f.MinLength)
		}
		if len(f.Enum) > 0 && !contains(f.Enum, s) {
			return fmt.Errorf("field %s: %q is not one of %v", f.Name, s, f.Enum)
		}
	case KindDecimal:
		s, ok := value.(string)
		if !ok || !decimalPattern.MatchString(s) {
			return fmt.Errorf("field %s: expected decimal string with 6 fractional digits", f.Name)
		}
	case KindColor:
		s, ok := value.(string)
		if !ok || !colorPattern.MatchString(s) {
			return fmt.Errorf("field %s: expected hex color", f.Name)
		}
	case KindHTMLStrict:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %s: expected string", f.Name)
		}
		if err := ValidateHTML(s, false); err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
	case KindHTMLPermissive:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %s: expected string", f.Name)
		}
		if err := ValidateHTML(s, true); err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	return nil
}

func contains(set []string, s string) bool {
	for _, e := range set {
		if e == s {
			return true
		}
	}
	return false
}

// StructuredName returns the physical field name for one replacement of a
// template field, e.g. "vote_delegated_$_to_id" with replacement "7" gives
// "vote_delegated_7_to_id". Callers never substitute the placeholder
// themselves.
func (f *Field) StructuredName(replacement string) string {
	return strings.Replace(f.Name, "$", replacement, 1)
}

// MatchStructured reports whether name is a structured instance of the
// template field and returns the replacement if so.
func (f *Field) MatchStructured(name string) (string, bool) {
	idx := strings.IndexByte(f.Name, '$')
	if idx < 0 {
		return "", false
	}
	prefix, suffix := f.Name[:idx], f.Name[idx+1:]
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return "", false
	}
	replacement := name[len(prefix) : len(name)-len(suffix)]
	if replacement == "" || strings.ContainsAny(replacement, "/$") {
		return "", false
	}
	return replacement, true
}

// SortedReplacements returns a sorted copy of the given replacement list.
// Numeric replacements sort numerically.
func SortedReplacements(replacements []string) []string {
	out := make([]string, len(replacements))
	copy(out, replacements)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if len(a) != len(b) && isDigits(a) && isDigits(b) {
			return len(a) < len(b)
		}
		return a < b
	})
	return out
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
