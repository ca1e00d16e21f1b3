// Package datastore contains the typed client for the versioned key-value
// datastore: point and filtered reads, aggregates, id reservation and the
// atomic multi-event write with position-based optimistic locking. The
// request-scoped Overlay in this package adds read-your-writes semantics on
// top of any backend.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openassembly/backend/pkg/dsfilter"
	"github.com/openassembly/backend/pkg/fqid"
)

// Meta fields attached to every model read from a backend.
const (
	MetaPosition = "meta_position"
	MetaDeleted  = "meta_deleted"
)

// GetManyRequest asks for several models of one collection at once.
type GetManyRequest struct {
	Collection string
	IDs        []int
	Fields     []string
}

// WriteRequest is the atomic write: all events apply together or not at
// all. Information carries per-fqid history entries; LockedFields carries
// the positions at which lock-flagged reads observed their keys. A key is
// either an fqfield "collection/id/field" or a collection field
// "collection/field".
type WriteRequest struct {
	Events       []Event             `json:"events"`
	Information  map[string][]string `json:"information,omitempty"`
	UserID       int                 `json:"user_id"`
	LockedFields map[string]int64    `json:"locked_fields,omitempty"`
}

// Datastore is the operation surface the engine needs from the backing
// store. Implementations: Postgres (production) and Memory (tests).
type Datastore interface {
	// Get returns one model or a DoesNotExistError. With fields set, only
	// those fields (plus meta fields) are returned.
	Get(ctx context.Context, id fqid.Fqid, fields ...string) (map[string]any, error)
	// GetMany batch-reads models grouped by collection and id. Missing
	// models are absent from the result, not an error.
	GetMany(ctx context.Context, requests []GetManyRequest) (map[string]map[int]map[string]any, error)
	// GetAll returns every non-deleted model of a collection.
	GetAll(ctx context.Context, collection string, fields ...string) (map[int]map[string]any, error)
	// Filter returns the non-deleted models of a collection matching the
	// filter.
	Filter(ctx context.Context, collection string, filter dsfilter.Filter, fields ...string) (map[int]map[string]any, error)
	// Exists reports whether any model matches the filter.
	Exists(ctx context.Context, collection string, filter dsfilter.Filter) (bool, error)
	// Count returns the number of matching models.
	Count(ctx context.Context, collection string, filter dsfilter.Filter) (int, error)
	// Min returns the smallest value of field over the matching models, or
	// nil if none has the field.
	Min(ctx context.Context, collection string, filter dsfilter.Filter, field string) (*float64, error)
	// Max is the counterpart of Min.
	Max(ctx context.Context, collection string, filter dsfilter.Filter, field string) (*float64, error)
	// ReserveIDs draws amount fresh ids for the collection. Reserved ids
	// are never handed out again.
	ReserveIDs(ctx context.Context, collection string, amount int) ([]int, error)
	// Write applies all events atomically. It fails with a LockedError if
	// any locked key advanced past its recorded position.
	Write(ctx context.Context, req WriteRequest) error
	// Position returns the position a locked key was last written at, zero
	// if never.
	Position(ctx context.Context, key string) (int64, error)
}

// DoesNotExistError reports a read of a missing or deleted model.
type DoesNotExistError struct {
	Fqid fqid.Fqid
}

func (e DoesNotExistError) Error() string {
	return fmt.Sprintf("model %s does not exist", e.Fqid)
}

// LockedError reports a write rejected because a locked key advanced.
type LockedError struct {
	Keys []string
}

func (e LockedError) Error() string {
	return fmt.Sprintf("locked fields changed: %s", strings.Join(e.Keys, ", "))
}

// ExistsError reports a create event for a model that already exists.
type ExistsError struct {
	Fqid fqid.Fqid
}

func (e ExistsError) Error() string {
	return fmt.Sprintf("model %s already exists", e.Fqid)
}

// IsNotFound reports whether err is a DoesNotExistError.
func IsNotFound(err error) bool {
	var dne DoesNotExistError
	return errors.As(err, &dne)
}

// IsLocked reports whether err is a LockedError.
func IsLocked(err error) bool {
	var locked LockedError
	return errors.As(err, &locked)
}

// CollectionField is the lock key covering a field across a whole
// collection, used by duplicate checks and max-weight computations.
func CollectionField(collection, field string) string {
	return collection + "/" + field
}
