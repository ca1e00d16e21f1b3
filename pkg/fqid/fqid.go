// Package fqid provides the fully-qualified identifier value types used
// throughout the engine: an Fqid names one model (`collection/id`), an
// Fqfield names one field of one model (`collection/id/field`).
package fqid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	collectionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	fieldPattern      = regexp.MustCompile(`^[a-z][a-z0-9_]*(\$[a-z0-9_]*)?$`)
)

// Fqid is a fully-qualified model id of the form "collection/id".
type Fqid struct {
	Collection string
	ID         int
}

// New builds an Fqid from its parts.
func New(collection string, id int) Fqid {
	return Fqid{Collection: collection, ID: id}
}

// Parse parses "collection/id" into an Fqid.
func Parse(s string) (Fqid, error) {
	idx := strings.IndexByte(s, '/')
	if idx < 0 {
		return Fqid{}, fmt.Errorf("invalid fqid %q: missing separator", s)
	}
	collection := s[:idx]
	if !collectionPattern.MatchString(collection) {
		return Fqid{}, fmt.Errorf("invalid fqid %q: bad collection", s)
	}
	id, err := strconv.Atoi(s[idx+1:])
	if err != nil || id <= 0 {
		return Fqid{}, fmt.Errorf("invalid fqid %q: id must be a positive integer", s)
	}
	return Fqid{Collection: collection, ID: id}, nil
}

// MustParse parses s and panics on error. For tests and compiled-in values.
func MustParse(s string) Fqid {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

// String returns the canonical "collection/id" form.
func (f Fqid) String() string {
	return f.Collection + "/" + strconv.Itoa(f.ID)
}

// Field returns the fqfield for the given field name on this model.
func (f Fqid) Field(name string) Fqfield {
	return Fqfield{Collection: f.Collection, ID: f.ID, Field: name}
}

// Valid reports whether the fqid has a wellformed collection and positive id.
func (f Fqid) Valid() bool {
	return collectionPattern.MatchString(f.Collection) && f.ID > 0
}

// Fqfield is a fully-qualified field of the form "collection/id/field".
type Fqfield struct {
	Collection string
	ID         int
	Field      string
}

// ParseField parses "collection/id/field" into an Fqfield.
func ParseField(s string) (Fqfield, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Fqfield{}, fmt.Errorf("invalid fqfield %q", s)
	}
	if !collectionPattern.MatchString(parts[0]) {
		return Fqfield{}, fmt.Errorf("invalid fqfield %q: bad collection", s)
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil || id <= 0 {
		return Fqfield{}, fmt.Errorf("invalid fqfield %q: id must be a positive integer", s)
	}
	if !fieldPattern.MatchString(parts[2]) {
		return Fqfield{}, fmt.Errorf("invalid fqfield %q: bad field", s)
	}
	return Fqfield{Collection: parts[0], ID: id, Field: parts[2]}, nil
}

// String returns the canonical "collection/id/field" form.
func (f Fqfield) String() string {
	return f.Collection + "/" + strconv.Itoa(f.ID) + "/" + f.Field
}

// Fqid returns the model part of the fqfield.
func (f Fqfield) Fqid() Fqid {
	return Fqid{Collection: f.Collection, ID: f.ID}
}

// MarshalJSON encodes the fqid as its canonical string.
func (f Fqid) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(f.String())), nil
}

// UnmarshalJSON decodes an fqid from its canonical string.
func (f *Fqid) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("fqid must be a JSON string: %w", err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// MarshalJSON encodes the fqfield as its canonical string.
func (f Fqfield) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(f.String())), nil
}

// UnmarshalJSON decodes an fqfield from its canonical string.
func (f *Fqfield) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("fqfield must be a JSON string: %w", err)
	}
	parsed, err := ParseField(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ValidCollection reports whether name is a wellformed collection name.
func ValidCollection(name string) bool {
	return collectionPattern.MatchString(name)
}

// ValidField reports whether name is a wellformed field name.
func ValidField(name string) bool {
	return fieldPattern.MatchString(name)
}
