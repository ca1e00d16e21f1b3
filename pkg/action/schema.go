package action

import (
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a compiled JSON schema for one action item. Action payloads are
// strict allow-lists: unknown fields are rejected.
type Schema struct {
	compiled *gojsonschema.Schema
}

// Payload builds the schema for an action item from its required and
// optional properties. Compilation failures panic; schemas are package
// literals evaluated at startup.
func Payload(required, optional map[string]any) *Schema {
	properties := map[string]any{}
	names := make([]string, 0, len(required))
	for name, spec := range required {
		properties[name] = spec
		names = append(names, name)
	}
	for name, spec := range optional {
		properties[name] = spec
	}
	sort.Strings(names)

	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(names) > 0 {
		doc["required"] = names
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		panic(fmt.Sprintf("invalid action schema: %v", err))
	}
	return &Schema{compiled: compiled}
}

// Validate checks one payload item.
func (s *Schema) Validate(actionName string, instance map[string]any) error {
	result, err := s.compiled.Validate(gojsonschema.NewGoLoader(instance))
	if err != nil {
		return &SchemaError{Action: actionName, Reasons: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	reasons := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		reasons = append(reasons, re.String())
	}
	return &SchemaError{Action: actionName, Reasons: reasons}
}

// Property specs used by the concrete actions.

func Integer() map[string]any { return map[string]any{"type": "integer"} }
func Boolean() map[string]any { return map[string]any{"type": "boolean"} }
func String() map[string]any  { return map[string]any{"type": "string"} }

// NonEmptyString is a string with at least one character.
func NonEmptyString() map[string]any {
	return map[string]any{"type": "string", "minLength": 1}
}

// ID is a positive integer reference.
func ID() map[string]any {
	return map[string]any{"type": "integer", "minimum": 1}
}

// IDList is a list of positive integer references.
func IDList() map[string]any {
	return map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "integer", "minimum": 1},
	}
}

// FqidString is a "collection/id" reference.
func FqidString() map[string]any {
	return map[string]any{"type": "string", "pattern": `^[a-z][a-z0-9_]*/[1-9][0-9]*$`}
}
