package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nuxie/growth-core/internal/dynval"
	"github.com/nuxie/growth-core/internal/logger"
)

// Querier is the subset of *sql.DB the SQL-backed store needs. Production
// wiring satisfies it with a *sql.DB obtained from a pgx pool via
// pgx/v5/stdlib (so the durable store still rides pgxpool's connection
// pooling); tests satisfy it with github.com/DATA-DOG/go-sqlmock.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLStore is the durable, process-restart-surviving Event Store backing
//.
type SQLStore struct {
	db  Querier
	log *logger.Logger
}

// NewSQLStore wraps an existing Querier (a *sql.DB bridged from a pgx pool
// in production).
func NewSQLStore(db Querier, log *logger.Logger) *SQLStore {
	if log == nil {
		log = logger.Nop()
	}
	return &SQLStore{db: db, log: log}
}

// Schema is the DDL the host application runs once at startup; kept as
// a constant since this core has no migration runner of its own.
const Schema = `
CREATE TABLE IF NOT EXISTS growth_events (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	distinct_id TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	session_id  TEXT NOT NULL,
	properties  JSONB NOT NULL,
	value       DOUBLE PRECISION,
	entity_id   TEXT
);
CREATE INDEX IF NOT EXISTS growth_events_distinct_id_idx ON growth_events (distinct_id, ts DESC);
CREATE INDEX IF NOT EXISTS growth_events_session_id_idx ON growth_events (session_id, ts DESC);
`

func (s *SQLStore) Append(ctx context.Context, e *Event) error {
	propsJSON, err := marshalProps(e.Properties)
	if err != nil {
		return fmt.Errorf("events: marshal properties: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO growth_events (id, name, distinct_id, ts, session_id, properties, value, entity_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Name, e.DistinctID, e.Timestamp, e.SessionID, propsJSON, e.Value, e.EntityID)
	if err != nil {
		s.log.Error("failed to append event", "event_id", e.ID, "error", err)
		return fmt.Errorf("events: append: %w", err)
	}
	return nil
}

func (s *SQLStore) ForDistinctID(ctx context.Context, distinctID string, limit int) ([]*Event, error) {
	return s.Query(ctx, distinctID, QueryOptions{Limit: limit})
}

func (s *SQLStore) ForSessionID(ctx context.Context, sessionID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, distinct_id, ts, session_id, properties, value, entity_id
		FROM growth_events WHERE session_id = $1 ORDER BY ts DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("events: query by session: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLStore) Query(ctx context.Context, distinctID string, opts QueryOptions) ([]*Event, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}

	query := `SELECT id, name, distinct_id, ts, session_id, properties, value, entity_id FROM growth_events WHERE distinct_id = $1`
	args := []interface{}{distinctID}
	n := 2

	if opts.Name != "" {
		query += fmt.Sprintf(" AND name = $%d", n)
		args = append(args, opts.Name)
		n++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND ts >= $%d", n)
		args = append(args, *opts.Since)
		n++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND ts < $%d", n)
		args = append(args, *opts.Until)
		n++
	}
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", n)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("events: query: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Reassign rewrites ownership transactionally: a single UPDATE statement
// is itself atomic at the row-set level in Postgres, matching invariant 6.
func (s *SQLStore) Reassign(ctx context.Context, oldDistinctID, newDistinctID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE growth_events SET distinct_id = $1 WHERE distinct_id = $2`, newDistinctID, oldDistinctID)
	if err != nil {
		s.log.Error("failed to reassign events", "old", oldDistinctID, "new", newDistinctID, "error", err)
		return fmt.Errorf("events: reassign: %w", err)
	}
	return nil
}

func (s *SQLStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM growth_events WHERE ts < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("events: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func marshalProps(props map[string]dynval.Value) ([]byte, error) {
	raw := make(map[string]interface{}, len(props))
	for k, v := range props {
		raw[k] = jsonableValue(v)
	}
	return json.Marshal(raw)
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
		return v.AsTime().Format(time.RFC3339Nano)
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

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		var (
			e         Event
			propsJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.DistinctID, &e.Timestamp, &e.SessionID, &propsJSON, &e.Value, &e.EntityID); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}

		var raw map[string]interface{}
		if len(propsJSON) > 0 {
			if err := json.Unmarshal(propsJSON, &raw); err != nil {
				return nil, fmt.Errorf("events: unmarshal properties: %w", err)
			}
		}
		e.Properties = make(map[string]dynval.Value, len(raw))
		for k, v := range raw {
			e.Properties[k] = dynval.From(v)
		}

		out = append(out, &e)
	}
	return out, rows.Err()
}
