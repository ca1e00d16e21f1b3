package datastore

import (
	"context"
	"sort"
	"sync"

	"github.com/openassembly/backend/pkg/dsfilter"
	"github.com/openassembly/backend/pkg/fqid"
)

// Memory is an in-memory Datastore used by tests and local development. It
// implements the same position and locking semantics as the Postgres
// backend.
type Memory struct {
	mu           sync.Mutex
	models       map[string]map[string]any
	deleted      map[string]bool
	position     int64
	keyPositions map[string]int64
	lastID       map[string]int
}

// NewMemory creates an empty in-memory datastore.
func NewMemory() *Memory {
	return &Memory{
		models:       make(map[string]map[string]any),
		deleted:      make(map[string]bool),
		keyPositions: make(map[string]int64),
		lastID:       make(map[string]int),
	}
}

// Seed loads models keyed by fqid string, bypassing events and positions.
// The highest seeded id per collection seeds the id sequence.
func (m *Memory) Seed(models map[string]map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, data := range models {
		id := fqid.MustParse(key)
		clone := make(map[string]any, len(data))
		for f, v := range data {
			clone[f] = Normalize(v)
		}
		clone["id"] = id.ID
		m.models[key] = clone
		if id.ID > m.lastID[id.Collection] {
			m.lastID[id.Collection] = id.ID
		}
	}
}

// Get implements Datastore.
func (m *Memory) Get(_ context.Context, id fqid.Fqid, fields ...string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := id.String()
	model, ok := m.models[key]
	if !ok || m.deleted[key] {
		return nil, DoesNotExistError{Fqid: id}
	}
	return m.project(key, model, fields), nil
}

// GetMany implements Datastore.
func (m *Memory) GetMany(_ context.Context, requests []GetManyRequest) (map[string]map[int]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[int]map[string]any)
	for _, req := range requests {
		if out[req.Collection] == nil {
			out[req.Collection] = make(map[int]map[string]any)
		}
		for _, id := range req.IDs {
			key := fqid.New(req.Collection, id).String()
			model, ok := m.models[key]
			if !ok || m.deleted[key] {
				continue
			}
			out[req.Collection][id] = m.project(key, model, req.Fields)
		}
	}
	return out, nil
}

// GetAll implements Datastore.
func (m *Memory) GetAll(_ context.Context, collection string, fields ...string) (map[int]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]map[string]any)
	for key, model := range m.models {
		id := fqid.MustParse(key)
		if id.Collection != collection || m.deleted[key] {
			continue
		}
		out[id.ID] = m.project(key, model, fields)
	}
	return out, nil
}

// Filter implements Datastore.
func (m *Memory) Filter(_ context.Context, collection string, filter dsfilter.Filter, fields ...string) (map[int]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]map[string]any)
	for key, model := range m.models {
		id := fqid.MustParse(key)
		if id.Collection != collection || m.deleted[key] {
			continue
		}
		ok, err := dsfilter.Match(filter, model)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id.ID] = m.project(key, model, fields)
		}
	}
	return out, nil
}

// Exists implements Datastore.
func (m *Memory) Exists(ctx context.Context, collection string, filter dsfilter.Filter) (bool, error) {
	models, err := m.Filter(ctx, collection, filter)
	if err != nil {
		return false, err
	}
	return len(models) > 0, nil
}

// Count implements Datastore.
func (m *Memory) Count(ctx context.Context, collection string, filter dsfilter.Filter) (int, error) {
	models, err := m.Filter(ctx, collection, filter)
	if err != nil {
		return 0, err
	}
	return len(models), nil
}

// Min implements Datastore.
func (m *Memory) Min(ctx context.Context, collection string, filter dsfilter.Filter, field string) (*float64, error) {
	return m.aggregate(ctx, collection, filter, field, false)
}

// Max implements Datastore.
func (m *Memory) Max(ctx context.Context, collection string, filter dsfilter.Filter, field string) (*float64, error) {
	return m.aggregate(ctx, collection, filter, field, true)
}

func (m *Memory) aggregate(ctx context.Context, collection string, filter dsfilter.Filter, field string, max bool) (*float64, error) {
	models, err := m.Filter(ctx, collection, filter, field)
	if err != nil {
		return nil, err
	}
	var values []float64
	for _, model := range models {
		if f, ok := asFloat(model[field]); ok {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return nil, nil
	}
	sort.Float64s(values)
	v := values[0]
	if max {
		v = values[len(values)-1]
	}
	return &v, nil
}

// ReserveIDs implements Datastore.
func (m *Memory) ReserveIDs(_ context.Context, collection string, amount int) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, amount)
	for i := 0; i < amount; i++ {
		m.lastID[collection]++
		ids = append(ids, m.lastID[collection])
	}
	return ids, nil
}

// Write implements Datastore.
func (m *Memory) Write(_ context.Context, req WriteRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var conflicts []string
	for key, pos := range req.LockedFields {
		if m.keyPositions[key] > pos {
			conflicts = append(conflicts, key)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return LockedError{Keys: conflicts}
	}

	for _, event := range req.Events {
		if err := event.Validate(); err != nil {
			return err
		}
	}

	m.position++
	for _, event := range req.Events {
		if err := m.apply(event); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) apply(event Event) error {
	key := event.Fqid.String()
	switch event.Type {
	case EventCreate:
		if _, ok := m.models[key]; ok {
			return ExistsError{Fqid: event.Fqid}
		}
		model := map[string]any{"id": event.Fqid.ID}
		event.ApplyToModel(model)
		m.models[key] = model
		m.bump(event.Fqid, model)
		if event.Fqid.ID > m.lastID[event.Fqid.Collection] {
			m.lastID[event.Fqid.Collection] = event.Fqid.ID
		}
	case EventUpdate, EventListUpdate:
		model, ok := m.models[key]
		if !ok || m.deleted[key] {
			return DoesNotExistError{Fqid: event.Fqid}
		}
		event.ApplyToModel(model)
		m.bumpEvent(event.Fqid, event)
	case EventDelete:
		model, ok := m.models[key]
		if !ok || m.deleted[key] {
			return DoesNotExistError{Fqid: event.Fqid}
		}
		m.deleted[key] = true
		m.bump(event.Fqid, model)
	}
	return nil
}

// bump advances the lock positions for every field of the model.
func (m *Memory) bump(id fqid.Fqid, model map[string]any) {
	for field := range model {
		m.bumpField(id, field)
	}
}

// bumpEvent advances the lock positions for the fields the event touches.
func (m *Memory) bumpEvent(id fqid.Fqid, event Event) {
	for field := range event.Fields {
		m.bumpField(id, field)
	}
	if event.ListFields != nil {
		for field := range event.ListFields.Add {
			m.bumpField(id, field)
		}
		for field := range event.ListFields.Remove {
			m.bumpField(id, field)
		}
	}
}

func (m *Memory) bumpField(id fqid.Fqid, field string) {
	m.keyPositions[id.Field(field).String()] = m.position
	m.keyPositions[CollectionField(id.Collection, field)] = m.position
}

// Position implements Datastore.
func (m *Memory) Position(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyPositions[key], nil
}

func (m *Memory) project(key string, model map[string]any, fields []string) map[string]any {
	out := make(map[string]any)
	if len(fields) == 0 {
		for f, v := range model {
			out[f] = cloneValue(v)
		}
	} else {
		for _, f := range fields {
			if v, ok := model[f]; ok {
				out[f] = cloneValue(v)
			}
		}
	}
	out[MetaPosition] = m.position
	out[MetaDeleted] = m.deleted[key]
	return out
}
