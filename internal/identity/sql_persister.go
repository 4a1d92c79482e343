package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nuxie/growth-core/internal/dynval"
)

// Querier is the *sql.DB-shaped subset SQLPersister needs, the same
// split events.SQLStore uses between a pgx-backed *sql.DB in production
// and go-sqlmock in tests.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLPersister durably stores identity state in a single row, keyed by
// device id, surviving process restart.
type SQLPersister struct {
	db       Querier
	deviceID string
}

// NewSQLPersister builds a Persister scoped to one device id (there is
// exactly one Identity per running SDK instance, so one row suffices).
func NewSQLPersister(db Querier, deviceID string) *SQLPersister {
	return &SQLPersister{db: db, deviceID: deviceID}
}

// Schema is the DDL the host runs once at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS growth_identity (
	device_id    TEXT PRIMARY KEY,
	anonymous_id TEXT NOT NULL,
	distinct_id  TEXT NOT NULL DEFAULT '',
	properties   JSONB NOT NULL
);
`

func (p *SQLPersister) Load(ctx context.Context) (*State, error) {
	row := p.db.QueryRowContext(ctx, `SELECT anonymous_id, distinct_id, properties FROM growth_identity WHERE device_id = $1`, p.deviceID)

	var (
		anonID, distinctID string
		propsJSON          []byte
	)
	if err := row.Scan(&anonID, &distinctID, &propsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: load: %w", err)
	}

	raw := map[string]map[string]interface{}{}
	if len(propsJSON) > 0 {
		if err := json.Unmarshal(propsJSON, &raw); err != nil {
			return nil, fmt.Errorf("identity: unmarshal properties: %w", err)
		}
	}
	props := make(map[string]map[string]dynval.Value, len(raw))
	for id, bag := range raw {
		b := make(map[string]dynval.Value, len(bag))
		for k, v := range bag {
			b[k] = dynval.From(v)
		}
		props[id] = b
	}

	return &State{AnonymousID: anonID, DistinctID: distinctID, Properties: props}, nil
}

func (p *SQLPersister) Save(ctx context.Context, state *State) error {
	raw := make(map[string]map[string]interface{}, len(state.Properties))
	for id, bag := range state.Properties {
		b := make(map[string]interface{}, len(bag))
		for k, v := range bag {
			b[k] = jsonableValue(v)
		}
		raw[id] = b
	}
	propsJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("identity: marshal properties: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO growth_identity (device_id, anonymous_id, distinct_id, properties)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO UPDATE SET
			anonymous_id = EXCLUDED.anonymous_id,
			distinct_id = EXCLUDED.distinct_id,
			properties = EXCLUDED.properties`,
		p.deviceID, state.AnonymousID, state.DistinctID, propsJSON)
	if err != nil {
		return fmt.Errorf("identity: save: %w", err)
	}
	return nil
}

func jsonableValue(v dynval.Value) interface{} {
	switch v.Kind() {
	case dynval.KindNull:
		return nil
	case dynval.KindBool:
		return v.AsBool()
	case dynval.KindNumber:
		return v.AsNumber()
	case dynval.KindString:
		return v.AsString()
	case dynval.KindTimestamp:
		return v.AsTime()
	case dynval.KindDuration:
		return v.AsDuration().Seconds()
	case dynval.KindList:
		out := make([]interface{}, len(v.AsList()))
		for i, el := range v.AsList() {
			out[i] = jsonableValue(el)
		}
		return out
	case dynval.KindMap:
		out := map[string]interface{}{}
		for k, el := range v.AsMap() {
			out[k] = jsonableValue(el)
		}
		return out
	default:
		return nil
	}
}
