package datastore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openassembly/backend/pkg/dsfilter"
	"github.com/openassembly/backend/pkg/fqid"
)

// Postgres is the production Datastore. Models are stored as jsonb records
// keyed by fqid with a monotonically increasing position; lock keys carry
// the position of their last write.
type Postgres struct {
	pool *pgxpool.Pool
}

// Connect creates a Postgres datastore from a connection URL and ensures
// the schema exists.
func Connect(ctx context.Context, url string) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing pool and ensures the schema exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS models (
			fqid text PRIMARY KEY,
			collection text NOT NULL,
			id integer NOT NULL,
			data jsonb NOT NULL,
			position bigint NOT NULL,
			deleted boolean NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS models_collection_idx ON models (collection)`,
		`CREATE TABLE IF NOT EXISTS key_positions (
			key text PRIMARY KEY,
			position bigint NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS id_sequences (
			collection text PRIMARY KEY,
			last_id integer NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS write_log (
			position bigint PRIMARY KEY,
			user_id integer NOT NULL,
			information jsonb,
			created_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE SEQUENCE IF NOT EXISTS models_position_seq`,
	}
	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create datastore schema: %w", err)
		}
	}
	return nil
}

// Get implements Datastore.
func (p *Postgres) Get(ctx context.Context, id fqid.Fqid, fields ...string) (map[string]any, error) {
	var (
		raw      []byte
		position int64
		deleted  bool
	)
	err := p.pool.QueryRow(ctx,
		`SELECT data, position, deleted FROM models WHERE fqid = $1`, id.String(),
	).Scan(&raw, &position, &deleted)
	if err == pgx.ErrNoRows {
		return nil, DoesNotExistError{Fqid: id}
	}
	if err != nil {
		return nil, fmt.Errorf("query model %s: %w", id, err)
	}
	if deleted {
		return nil, DoesNotExistError{Fqid: id}
	}
	return decodeModel(raw, position, deleted, fields)
}

// GetMany implements Datastore.
func (p *Postgres) GetMany(ctx context.Context, requests []GetManyRequest) (map[string]map[int]map[string]any, error) {
	out := make(map[string]map[int]map[string]any)
	for _, req := range requests {
		if out[req.Collection] == nil {
			out[req.Collection] = make(map[int]map[string]any)
		}
		rows, err := p.pool.Query(ctx,
			`SELECT id, data, position FROM models
			 WHERE collection = $1 AND id = ANY($2) AND NOT deleted`,
			req.Collection, req.IDs)
		if err != nil {
			return nil, fmt.Errorf("query models of %s: %w", req.Collection, err)
		}
		if err := scanModels(rows, out[req.Collection], req.Fields); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetAll implements Datastore.
func (p *Postgres) GetAll(ctx context.Context, collection string, fields ...string) (map[int]map[string]any, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, data, position FROM models WHERE collection = $1 AND NOT deleted`,
		collection)
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", collection, err)
	}
	out := make(map[int]map[string]any)
	if err := scanModels(rows, out, fields); err != nil {
		return nil, err
	}
	return out, nil
}

// Filter implements Datastore. The filter is translated to SQL over the
// jsonb data column.
func (p *Postgres) Filter(ctx context.Context, collection string, filter dsfilter.Filter, fields ...string) (map[int]map[string]any, error) {
	cond, args, err := dsfilter.NewSQLBuilder(2).Build(filter)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		`SELECT id, data, position FROM models WHERE collection = $1 AND NOT deleted AND (%s)`, cond)
	rows, err := p.pool.Query(ctx, query, append([]any{collection}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", collection, err)
	}
	out := make(map[int]map[string]any)
	if err := scanModels(rows, out, fields); err != nil {
		return nil, err
	}
	return out, nil
}

// Exists implements Datastore.
func (p *Postgres) Exists(ctx context.Context, collection string, filter dsfilter.Filter) (bool, error) {
	cond, args, err := dsfilter.NewSQLBuilder(2).Build(filter)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM models WHERE collection = $1 AND NOT deleted AND (%s))`, cond)
	var exists bool
	if err := p.pool.QueryRow(ctx, query, append([]any{collection}, args...)...).Scan(&exists); err != nil {
		return false, fmt.Errorf("exists %s: %w", collection, err)
	}
	return exists, nil
}

// Count implements Datastore.
func (p *Postgres) Count(ctx context.Context, collection string, filter dsfilter.Filter) (int, error) {
	cond, args, err := dsfilter.NewSQLBuilder(2).Build(filter)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(
		`SELECT count(*) FROM models WHERE collection = $1 AND NOT deleted AND (%s)`, cond)
	var count int
	if err := p.pool.QueryRow(ctx, query, append([]any{collection}, args...)...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return count, nil
}

// Min implements Datastore.
func (p *Postgres) Min(ctx context.Context, collection string, filter dsfilter.Filter, field string) (*float64, error) {
	return p.aggregate(ctx, "MIN", collection, filter, field)
}

// Max implements Datastore.
func (p *Postgres) Max(ctx context.Context, collection string, filter dsfilter.Filter, field string) (*float64, error) {
	return p.aggregate(ctx, "MAX", collection, filter, field)
}

func (p *Postgres) aggregate(ctx context.Context, fn, collection string, filter dsfilter.Filter, field string) (*float64, error) {
	cond, args, err := dsfilter.NewSQLBuilder(2).Build(filter)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		`SELECT %s((data->>'%s')::numeric)::float8 FROM models
		 WHERE collection = $1 AND NOT deleted AND (%s)`, fn, field, cond)
	var value *float64
	if err := p.pool.QueryRow(ctx, query, append([]any{collection}, args...)...).Scan(&value); err != nil {
		return nil, fmt.Errorf("%s %s.%s: %w", fn, collection, field, err)
	}
	return value, nil
}

// ReserveIDs implements Datastore.
func (p *Postgres) ReserveIDs(ctx context.Context, collection string, amount int) ([]int, error) {
	var last int
	err := p.pool.QueryRow(ctx,
		`INSERT INTO id_sequences (collection, last_id) VALUES ($1, $2)
		 ON CONFLICT (collection) DO UPDATE SET last_id = id_sequences.last_id + $2
		 RETURNING last_id`,
		collection, amount,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("reserve %d ids for %s: %w", amount, collection, err)
	}
	ids := make([]int, amount)
	for i := range ids {
		ids[i] = last - amount + 1 + i
	}
	return ids, nil
}

// Position implements Datastore.
func (p *Postgres) Position(ctx context.Context, key string) (int64, error) {
	var position int64
	err := p.pool.QueryRow(ctx,
		`SELECT position FROM key_positions WHERE key = $1`, key).Scan(&position)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query position of %s: %w", key, err)
	}
	return position, nil
}

// Write implements Datastore. All events apply in one transaction at one
// new position; locked keys are verified inside the transaction.
func (p *Postgres) Write(ctx context.Context, req WriteRequest) error {
	for _, event := range req.Events {
		if err := event.Validate(); err != nil {
			return err
		}
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := checkLocks(ctx, tx, req.LockedFields); err != nil {
		return err
	}

	var position int64
	if err := tx.QueryRow(ctx, `SELECT nextval('models_position_seq')`).Scan(&position); err != nil {
		return fmt.Errorf("failed to draw position: %w", err)
	}

	touched := make(map[string]bool)
	for _, event := range req.Events {
		fields, err := applyEventTx(ctx, tx, event, position)
		if err != nil {
			return err
		}
		for _, field := range fields {
			touched[event.Fqid.Field(field).String()] = true
			touched[CollectionField(event.Fqid.Collection, field)] = true
		}
	}

	for key := range touched {
		if _, err := tx.Exec(ctx,
			`INSERT INTO key_positions (key, position) VALUES ($1, $2)
			 ON CONFLICT (key) DO UPDATE SET position = excluded.position`,
			key, position); err != nil {
			return fmt.Errorf("failed to bump position of %s: %w", key, err)
		}
	}

	information, err := json.Marshal(req.Information)
	if err != nil {
		return fmt.Errorf("failed to encode write information: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO write_log (position, user_id, information) VALUES ($1, $2, $3)`,
		position, req.UserID, information); err != nil {
		return fmt.Errorf("failed to append write log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit write: %w", err)
	}
	return nil
}

func checkLocks(ctx context.Context, tx pgx.Tx, locked map[string]int64) error {
	if len(locked) == 0 {
		return nil
	}
	keys := make([]string, 0, len(locked))
	for key := range locked {
		keys = append(keys, key)
	}
	rows, err := tx.Query(ctx,
		`SELECT key, position FROM key_positions WHERE key = ANY($1)`, keys)
	if err != nil {
		return fmt.Errorf("failed to check locked fields: %w", err)
	}
	defer rows.Close()

	var conflicts []string
	for rows.Next() {
		var key string
		var position int64
		if err := rows.Scan(&key, &position); err != nil {
			return fmt.Errorf("failed to scan lock row: %w", err)
		}
		if position > locked[key] {
			conflicts = append(conflicts, key)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to check locked fields: %w", err)
	}
	if len(conflicts) > 0 {
		return LockedError{Keys: conflicts}
	}
	return nil
}

// applyEventTx applies one event and returns the fields it touched.
func applyEventTx(ctx context.Context, tx pgx.Tx, event Event, position int64) ([]string, error) {
	key := event.Fqid.String()
	switch event.Type {
	case EventCreate:
		model := map[string]any{"id": event.Fqid.ID}
		event.ApplyToModel(model)
		raw, err := json.Marshal(model)
		if err != nil {
			return nil, fmt.Errorf("failed to encode model %s: %w", key, err)
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO models (fqid, collection, id, data, position) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (fqid) DO NOTHING`,
			key, event.Fqid.Collection, event.Fqid.ID, raw, position)
		if err != nil {
			return nil, fmt.Errorf("failed to create model %s: %w", key, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ExistsError{Fqid: event.Fqid}
		}
		return modelFields(model), nil

	case EventUpdate, EventListUpdate:
		var raw []byte
		var deleted bool
		err := tx.QueryRow(ctx,
			`SELECT data, deleted FROM models WHERE fqid = $1 FOR UPDATE`, key,
		).Scan(&raw, &deleted)
		if err == pgx.ErrNoRows || (err == nil && deleted) {
			return nil, DoesNotExistError{Fqid: event.Fqid}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load model %s: %w", key, err)
		}
		var model map[string]any
		if err := json.Unmarshal(raw, &model); err != nil {
			return nil, fmt.Errorf("failed to decode model %s: %w", key, err)
		}
		event.ApplyToModel(model)
		updated, err := json.Marshal(model)
		if err != nil {
			return nil, fmt.Errorf("failed to encode model %s: %w", key, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE models SET data = $2, position = $3 WHERE fqid = $1`,
			key, updated, position); err != nil {
			return nil, fmt.Errorf("failed to update model %s: %w", key, err)
		}
		return eventFields(event), nil

	case EventDelete:
		var raw []byte
		err := tx.QueryRow(ctx,
			`UPDATE models SET deleted = TRUE, position = $2
			 WHERE fqid = $1 AND NOT deleted RETURNING data`,
			key, position).Scan(&raw)
		if err == pgx.ErrNoRows {
			return nil, DoesNotExistError{Fqid: event.Fqid}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to delete model %s: %w", key, err)
		}
		var model map[string]any
		if err := json.Unmarshal(raw, &model); err != nil {
			return nil, fmt.Errorf("failed to decode model %s: %w", key, err)
		}
		return modelFields(model), nil
	}
	return nil, fmt.Errorf("unknown event type %q", event.Type)
}

func modelFields(model map[string]any) []string {
	fields := make([]string, 0, len(model))
	for f := range model {
		fields = append(fields, f)
	}
	return fields
}

func eventFields(event Event) []string {
	var fields []string
	for f := range event.Fields {
		fields = append(fields, f)
	}
	if event.ListFields != nil {
		for f := range event.ListFields.Add {
			fields = append(fields, f)
		}
		for f := range event.ListFields.Remove {
			fields = append(fields, f)
		}
	}
	return fields
}

func decodeModel(raw []byte, position int64, deleted bool, fields []string) (map[string]any, error) {
	var model map[string]any
	if err := json.Unmarshal(raw, &model); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	out := project(model, fields)
	if len(fields) > 0 {
		// project returns a fresh map only when fields are requested.
		model = out
	}
	model[MetaPosition] = position
	model[MetaDeleted] = deleted
	return model, nil
}

func scanModels(rows pgx.Rows, out map[int]map[string]any, fields []string) error {
	defer rows.Close()
	for rows.Next() {
		var (
			id       int
			raw      []byte
			position int64
		)
		if err := rows.Scan(&id, &raw, &position); err != nil {
			return fmt.Errorf("failed to scan model row: %w", err)
		}
		model, err := decodeModel(raw, position, false, fields)
		if err != nil {
			return err
		}
		out[id] = model
	}
	return rows.Err()
}
