// Package schema holds the declarative catalog of collections and fields.
// The catalog is the single source of truth for relation and cascade
// behavior; it is loaded once at startup and read-only afterwards.
package schema

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/openassembly/backend/pkg/fqid"
)

//go:embed models.yaml
var defaultCatalog []byte

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry built from the compiled-in catalog.
func Default() *Registry {
	defaultOnce.Do(func() {
		r, err := Load(defaultCatalog)
		if err != nil {
			panic(fmt.Sprintf("embedded catalog invalid: %v", err))
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// Incoming identifies a relation field in another collection that points at
// the collection it is listed under.
type Incoming struct {
	Collection string
	Field      string
}

// Collection is the descriptor for one collection.
type Collection struct {
	Name   string
	fields map[string]*Field
	order  []string
}

// Field looks up a declared field by name.
func (c *Collection) Field(name string) (*Field, bool) {
	f, ok := c.fields[name]
	return f, ok
}

// Fields iterates the declared fields in catalog order.
func (c *Collection) Fields() []*Field {
	out := make([]*Field, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.fields[name])
	}
	return out
}

// TemplateFor resolves a structured field name like "group_7_ids" to its
// template field and replacement.
func (c *Collection) TemplateFor(structuredName string) (*Field, string, bool) {
	for _, name := range c.order {
		f := c.fields[name]
		if f.Kind != KindTemplate {
			continue
		}
		if replacement, ok := f.MatchStructured(structuredName); ok {
			return f, replacement, true
		}
	}
	return nil, "", false
}

// Registry is the loaded catalog: collections, their fields and the reverse
// relation index. It is immutable after Load.
type Registry struct {
	collections map[string]*Collection
	order       []string
	incoming    map[string][]Incoming
}

// Collections returns all collection names in catalog order.
func (r *Registry) Collections() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Collection looks up a collection descriptor by name.
func (r *Registry) Collection(name string) (*Collection, bool) {
	c, ok := r.collections[name]
	return c, ok
}

// Field looks up a field descriptor, resolving structured names to the
// structured descriptor of their template field. The second return value is
// the template replacement, empty for plain fields.
func (r *Registry) Field(collection, field string) (*Field, string, bool) {
	c, ok := r.collections[collection]
	if !ok {
		return nil, "", false
	}
	if f, ok := c.Field(field); ok {
		return f, "", true
	}
	if tmpl, replacement, ok := c.TemplateFor(field); ok {
		structured := *tmpl.Template.Structured
		structured.Name = field
		return &structured, replacement, true
	}
	return nil, "", false
}

// Incoming returns the relation fields in other collections that target the
// given collection. Computed once at load time.
func (r *Registry) Incoming(collection string) []Incoming {
	return r.incoming[collection]
}

type yamlTo struct {
	Collections []string `yaml:"collections"`
	Field       string   `yaml:"field"`
}

// yamlToSpec accepts both shapes of a `to` declaration: the plain
// "collection/field" string of a direct relation and the
// collections/field mapping of a generic relation.
type yamlToSpec struct {
	Plain   string
	Generic *yamlTo
}

func (t *yamlToSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&t.Plain)
	case yaml.MappingNode:
		t.Generic = &yamlTo{}
		return node.Decode(t.Generic)
	}
	return fmt.Errorf("to must be a string or a mapping")
}

type yamlField struct {
	Type                  string      `yaml:"type"`
	Required              bool        `yaml:"required"`
	MinLength             int         `yaml:"minLength"`
	MaxLength             int         `yaml:"maxLength"`
	Enum                  []string    `yaml:"enum"`
	To                    *yamlToSpec `yaml:"to"`
	OnDelete              string      `yaml:"on_delete"`
	ReplacementCollection string      `yaml:"replacement_collection"`
	Fields                *yamlField  `yaml:"fields"`
}

// Load parses a YAML catalog into a Registry and validates it: relation
// targets must exist, back references must be declared on the target, and
// template fields must carry a structured descriptor.
func Load(data []byte) (*Registry, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("empty catalog")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("catalog root must be a mapping")
	}

	r := &Registry{
		collections: make(map[string]*Collection),
		incoming:    make(map[string][]Incoming),
	}

	for i := 0; i < len(root.Content); i += 2 {
		name := root.Content[i].Value
		if !fqid.ValidCollection(name) {
			return nil, fmt.Errorf("invalid collection name %q", name)
		}
		coll, err := loadCollection(name, root.Content[i+1])
		if err != nil {
			return nil, err
		}
		r.collections[name] = coll
		r.order = append(r.order, name)
	}

	if err := r.link(); err != nil {
		return nil, err
	}
	return r, nil
}

func loadCollection(name string, node *yaml.Node) (*Collection, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("collection %s must be a mapping", name)
	}
	coll := &Collection{Name: name, fields: make(map[string]*Field)}

	// Every collection carries an implicit immutable id.
	coll.fields["id"] = &Field{Name: "id", Kind: KindInteger, Required: true}
	coll.order = append(coll.order, "id")

	for i := 0; i < len(node.Content); i += 2 {
		fieldName := node.Content[i].Value
		if fieldName == "id" {
			continue
		}
		if !fqid.ValidField(fieldName) {
			return nil, fmt.Errorf("collection %s: invalid field name %q", name, fieldName)
		}
		var spec yamlField
		if err := node.Content[i+1].Decode(&spec); err != nil {
			return nil, fmt.Errorf("collection %s field %s: %w", name, fieldName, err)
		}
		field, err := buildField(name, fieldName, &spec)
		if err != nil {
			return nil, err
		}
		if strings.Contains(fieldName, "$") && field.Kind != KindTemplate {
			return nil, fmt.Errorf("collection %s field %s: only template fields may contain $", name, fieldName)
		}
		coll.fields[fieldName] = field
		coll.order = append(coll.order, fieldName)
	}
	return coll, nil
}

func buildField(collection, name string, spec *yamlField) (*Field, error) {
	kind, err := ParseKind(spec.Type)
	if err != nil {
		return nil, fmt.Errorf("collection %s field %s: %w", collection, name, err)
	}
	f := &Field{
		Name:      name,
		Kind:      kind,
		Required:  spec.Required,
		MinLength: spec.MinLength,
		MaxLength: spec.MaxLength,
		Enum:      spec.Enum,
	}

	onDelete, err := ParseOnDelete(spec.OnDelete)
	if err != nil {
		return nil, fmt.Errorf("collection %s field %s: %w", collection, name, err)
	}

	switch kind {
	case KindRelation, KindRelationList:
		if spec.To == nil || spec.To.Plain == "" {
			return nil, fmt.Errorf("collection %s field %s: relation needs a to target", collection, name)
		}
		target, back, ok := strings.Cut(spec.To.Plain, "/")
		if !ok {
			return nil, fmt.Errorf("collection %s field %s: to must be \"collection/field\"", collection, name)
		}
		f.Relation = &Relation{To: target, Back: back, OnDelete: onDelete}
	case KindGenericRelation, KindGenericRelationList:
		if spec.To == nil || spec.To.Generic == nil || len(spec.To.Generic.Collections) == 0 || spec.To.Generic.Field == "" {
			return nil, fmt.Errorf("collection %s field %s: generic relation needs to.collections and to.field", collection, name)
		}
		f.Generic = &Generic{To: spec.To.Generic.Collections, Back: spec.To.Generic.Field, OnDelete: onDelete}
	case KindTemplate:
		if !strings.Contains(name, "$") {
			return nil, fmt.Errorf("collection %s field %s: template field name needs a $ placeholder", collection, name)
		}
		if spec.Fields == nil {
			return nil, fmt.Errorf("collection %s field %s: template field needs a structured descriptor", collection, name)
		}
		structured, err := buildField(collection, name, spec.Fields)
		if err != nil {
			return nil, err
		}
		if structured.Kind == KindTemplate {
			return nil, fmt.Errorf("collection %s field %s: nested template fields are not allowed", collection, name)
		}
		f.Template = &Template{
			ReplacementCollection: spec.ReplacementCollection,
			Structured:            structured,
		}
	}
	return f, nil
}

// link validates relation targets and builds the reverse index.
func (r *Registry) link() error {
	for _, name := range r.order {
		coll := r.collections[name]
		for _, field := range coll.Fields() {
			rel := relationDescriptor(field)
			if rel == nil {
				continue
			}
			if rel.Relation != nil {
				if err := r.checkTarget(name, field.Name, rel.Relation.To, rel.Relation.Back); err != nil {
					return err
				}
				r.incoming[rel.Relation.To] = append(r.incoming[rel.Relation.To], Incoming{Collection: name, Field: field.Name})
			}
			if rel.Generic != nil {
				for _, target := range rel.Generic.To {
					if err := r.checkTarget(name, field.Name, target, rel.Generic.Back); err != nil {
						return err
					}
					r.incoming[target] = append(r.incoming[target], Incoming{Collection: name, Field: field.Name})
				}
			}
		}
	}
	return nil
}

// relationDescriptor returns the field if it is relation-typed, following
// template fields into their structured descriptor.
func relationDescriptor(f *Field) *Field {
	if f.Kind == KindTemplate {
		f = f.Template.Structured
	}
	if f.Kind.IsRelation() {
		return f
	}
	return nil
}

func (r *Registry) checkTarget(collection, field, target, back string) error {
	tc, ok := r.collections[target]
	if !ok {
		return fmt.Errorf("collection %s field %s: unknown target collection %q", collection, field, target)
	}
	if _, ok := tc.Field(back); ok {
		return nil
	}
	return fmt.Errorf("collection %s field %s: back reference %s/%s is not declared", collection, field, target, back)
}
