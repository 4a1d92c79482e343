package journeystore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nuxie/growth-core/internal/logger"
)

// Querier mirrors events.Querier: a *sql.DB bridged from a pgx pool in
// production, github.com/DATA-DOG/go-sqlmock in tests.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLStore is the durable journey store backing.
type SQLStore struct {
	db  Querier
	log *logger.Logger
}

func NewSQLStore(db Querier, log *logger.Logger) *SQLStore {
	if log == nil {
		log = logger.Nop()
	}
	return &SQLStore{db: db, log: log}
}

const Schema = `
CREATE TABLE IF NOT EXISTS growth_journeys (
	id           TEXT PRIMARY KEY,
	campaign_id  TEXT NOT NULL,
	distinct_id  TEXT NOT NULL,
	status       TEXT NOT NULL,
	resume_at    TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	body         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS growth_journeys_distinct_id_idx ON growth_journeys (distinct_id, campaign_id);
CREATE INDEX IF NOT EXISTS growth_journeys_resume_idx ON growth_journeys (status, resume_at);
`

func (s *SQLStore) Save(ctx context.Context, j *Journey) error {
	body, err := marshalJourney(j)
	if err != nil {
		return fmt.Errorf("journeystore: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO growth_journeys (id, campaign_id, distinct_id, status, resume_at, updated_at, completed_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, resume_at = EXCLUDED.resume_at,
			updated_at = EXCLUDED.updated_at, completed_at = EXCLUDED.completed_at, body = EXCLUDED.body`,
		j.ID, j.CampaignID, j.DistinctID, j.Status, j.ResumeAt, j.UpdatedAt, j.CompletedAt, body)
	if err != nil {
		s.log.Error("failed to save journey", "journey_id", j.ID, "error", err)
		return fmt.Errorf("journeystore: save: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, journeyID string) (*Journey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM growth_journeys WHERE id = $1`, journeyID)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("journeystore: get: %w", err)
	}
	return unmarshalJourney(body)
}

func (s *SQLStore) ActiveForDistinctID(ctx context.Context, distinctID string) ([]*Journey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM growth_journeys WHERE distinct_id = $1 AND status NOT IN ('completed', 'cancelled')`, distinctID)
	if err != nil {
		return nil, fmt.Errorf("journeystore: active for distinct id: %w", err)
	}
	defer rows.Close()
	return scanJourneys(rows)
}

func (s *SQLStore) ActiveForCampaign(ctx context.Context, distinctID, campaignID string) ([]*Journey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM growth_journeys WHERE distinct_id = $1 AND campaign_id = $2 AND status NOT IN ('completed', 'cancelled')`, distinctID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("journeystore: active for campaign: %w", err)
	}
	defer rows.Close()
	return scanJourneys(rows)
}

func (s *SQLStore) DueForResume(ctx context.Context, before time.Time, limit int) ([]*Journey, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM growth_journeys WHERE status = 'paused' AND resume_at IS NOT NULL AND resume_at <= $1
		ORDER BY resume_at ASC LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("journeystore: due for resume: %w", err)
	}
	defer rows.Close()
	return scanJourneys(rows)
}

func (s *SQLStore) LastCompletion(ctx context.Context, distinctID, campaignID string) (*Journey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT body FROM growth_journeys WHERE distinct_id = $1 AND campaign_id = $2 AND status = 'completed'
		ORDER BY completed_at DESC LIMIT 1`, distinctID, campaignID)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("journeystore: last completion: %w", err)
	}
	return unmarshalJourney(body)
}

func (s *SQLStore) All(ctx context.Context) ([]*Journey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM growth_journeys`)
	if err != nil {
		return nil, fmt.Errorf("journeystore: all: %w", err)
	}
	defer rows.Close()
	return scanJourneys(rows)
}

func scanJourneys(rows *sql.Rows) ([]*Journey, error) {
	var out []*Journey
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("journeystore: scan: %w", err)
		}
		j, err := unmarshalJourney(body)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
