// Package journeystore persists live journey snapshots and a completion
// log, mirroring the Event Store's MemoryStore/SQLStore split
// in internal/events so journeys survive process restart the same way
// events do.
package journeystore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nuxie/growth-core/internal/campaign"
	"github.com/nuxie/growth-core/internal/dynval"
	"github.com/nuxie/growth-core/internal/executor"
)

// Status enumerates a journey's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending" // created, entry node not yet entered
	StatusActive    Status = "active"
	StatusPaused    Status = "paused" // async outcome pending (timer or reactive wait)
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsLive reports whether a journey in this status still occupies the
// live set: pending, active, and paused journeys are live; completed
// and cancelled ones only exist as completion-log records.
func (s Status) IsLive() bool {
	return s == StatusPending || s == StatusActive || s == StatusPaused
}

// PendingDelay is one armed after-delay timer, keyed by interaction id.
// A paused journey carries either pending delays or a wait state.
type PendingDelay struct {
	InteractionID string    `json:"interaction_id"`
	NodeID        string    `json:"node_id"`
	ResumeAt      time.Time `json:"resume_at"`
}

// Journey is a persisted journey instance: a campaign run for one
// distinct id, currently parked at CurrentNodeID.
type Journey struct {
	ID            string
	CampaignID    string
	CampaignVerID string
	DistinctID    string
	CurrentNodeID string
	Status        Status
	ResumeAt      *time.Time
	CompleteReason campaign.ExitReason
	Context       map[string]dynval.Value
	Wait          *executor.WaitDeadlines
	PendingAfterDelay []PendingDelay
	StartedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// Store is the durable journey persistence contract.
type Store interface {
	Save(ctx context.Context, j *Journey) error
	Get(ctx context.Context, journeyID string) (*Journey, error)
	ActiveForDistinctID(ctx context.Context, distinctID string) ([]*Journey, error)
	ActiveForCampaign(ctx context.Context, distinctID, campaignID string) ([]*Journey, error)
	DueForResume(ctx context.Context, before time.Time, limit int) ([]*Journey, error)
	LastCompletion(ctx context.Context, distinctID, campaignID string) (*Journey, error)
	All(ctx context.Context) ([]*Journey, error) // used by the supervisor/reload path
}

// MemoryStore is a mutex-guarded in-process Store, the default for an
// embedded mobile SDK and for unit tests, mirroring events.MemoryStore.
type MemoryStore struct {
	mu       sync.Mutex
	journeys map[string]*Journey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{journeys: make(map[string]*Journey)}
}

func (s *MemoryStore) Save(ctx context.Context, j *Journey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneJourney(j)
	s.journeys[j.ID] = cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, journeyID string) (*Journey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.journeys[journeyID]
	if !ok {
		return nil, nil
	}
	return cloneJourney(j), nil
}

func (s *MemoryStore) ActiveForDistinctID(ctx context.Context, distinctID string) ([]*Journey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Journey
	for _, j := range s.journeys {
		if j.DistinctID == distinctID && j.Status.IsLive() {
			out = append(out, cloneJourney(j))
		}
	}
	return out, nil
}

func (s *MemoryStore) ActiveForCampaign(ctx context.Context, distinctID, campaignID string) ([]*Journey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Journey
	for _, j := range s.journeys {
		if j.DistinctID == distinctID && j.CampaignID == campaignID && j.Status.IsLive() {
			out = append(out, cloneJourney(j))
		}
	}
	return out, nil
}

func (s *MemoryStore) DueForResume(ctx context.Context, before time.Time, limit int) ([]*Journey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Journey
	for _, j := range s.journeys {
		if j.Status == StatusPaused && j.ResumeAt != nil && !j.ResumeAt.After(before) {
			out = append(out, cloneJourney(j))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) LastCompletion(ctx context.Context, distinctID, campaignID string) (*Journey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Journey
	for _, j := range s.journeys {
		if j.DistinctID != distinctID || j.CampaignID != campaignID || j.Status != StatusCompleted {
			continue
		}
		if latest == nil || (j.CompletedAt != nil && latest.CompletedAt != nil && j.CompletedAt.After(*latest.CompletedAt)) {
			latest = j
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneJourney(latest), nil
}

func (s *MemoryStore) All(ctx context.Context) ([]*Journey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Journey, 0, len(s.journeys))
	for _, j := range s.journeys {
		out = append(out, cloneJourney(j))
	}
	return out, nil
}

func cloneJourney(j *Journey) *Journey {
	cp := *j
	cp.Context = make(map[string]dynval.Value, len(j.Context))
	for k, v := range j.Context {
		cp.Context[k] = v
	}
	if j.Wait != nil {
		w := *j.Wait
		w.Deadlines = make(map[string]*time.Time, len(j.Wait.Deadlines))
		for k, at := range j.Wait.Deadlines {
			if at == nil {
				w.Deadlines[k] = nil
				continue
			}
			cp2 := *at
			w.Deadlines[k] = &cp2
		}
		cp.Wait = &w
	}
	if j.ResumeAt != nil {
		t := *j.ResumeAt
		cp.ResumeAt = &t
	}
	if len(j.PendingAfterDelay) > 0 {
		cp.PendingAfterDelay = append([]PendingDelay(nil), j.PendingAfterDelay...)
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// --- journeyAdapter: adapts *Journey to executor.JourneyView ---

type journeyAdapter struct{ j *Journey }

// Adapt wraps a persisted Journey so the executor can read/write its
// context and wait state through executor.JourneyView, without the
// executor package importing journeystore.
func Adapt(j *Journey) executor.JourneyView { return &journeyAdapter{j: j} }

func (a *journeyAdapter) ID() string                     { return a.j.ID }
func (a *journeyAdapter) CampaignID() string             { return a.j.CampaignID }
func (a *journeyAdapter) DistinctID() string             { return a.j.DistinctID }
func (a *journeyAdapter) Context() map[string]dynval.Value { return a.j.Context }
func (a *journeyAdapter) SetContext(k string, v dynval.Value) {
	if a.j.Context == nil {
		a.j.Context = map[string]dynval.Value{}
	}
	a.j.Context[k] = v
}
func (a *journeyAdapter) WaitState() *executor.WaitDeadlines      { return a.j.Wait }
func (a *journeyAdapter) SetWaitState(w *executor.WaitDeadlines)  { a.j.Wait = w }

// --- JSON marshaling for the SQL-backed store ---

type jsonJourney struct {
	ID             string                     `json:"id"`
	CampaignID     string                     `json:"campaign_id"`
	CampaignVerID  string                     `json:"campaign_version_id"`
	DistinctID     string                     `json:"distinct_id"`
	CurrentNodeID  string                     `json:"current_node_id"`
	Status         Status                     `json:"status"`
	ResumeAt       *time.Time                 `json:"resume_at,omitempty"`
	CompleteReason campaign.ExitReason        `json:"complete_reason,omitempty"`
	Context        map[string]interface{}     `json:"context"`
	WaitStartedAt  *time.Time                 `json:"wait_started_at,omitempty"`
	WaitDeadlines  map[string]*time.Time      `json:"wait_deadlines,omitempty"`
	PendingAfterDelay []PendingDelay          `json:"pending_after_delay,omitempty"`
	StartedAt      time.Time                  `json:"started_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
	CompletedAt    *time.Time                 `json:"completed_at,omitempty"`
}

func marshalJourney(j *Journey) ([]byte, error) {
	jj := jsonJourney{
		ID: j.ID, CampaignID: j.CampaignID, CampaignVerID: j.CampaignVerID,
		DistinctID: j.DistinctID, CurrentNodeID: j.CurrentNodeID, Status: j.Status,
		ResumeAt: j.ResumeAt, CompleteReason: j.CompleteReason,
		StartedAt: j.StartedAt, UpdatedAt: j.UpdatedAt, CompletedAt: j.CompletedAt,
	}
	jj.Context = make(map[string]interface{}, len(j.Context))
	for k, v := range j.Context {
		jj.Context[k] = jsonableValue(v)
	}
	if j.Wait != nil {
		jj.WaitStartedAt = &j.Wait.StartedAt
		jj.WaitDeadlines = j.Wait.Deadlines
	}
	jj.PendingAfterDelay = j.PendingAfterDelay
	return json.Marshal(jj)
}

func unmarshalJourney(data []byte) (*Journey, error) {
	var jj jsonJourney
	if err := json.Unmarshal(data, &jj); err != nil {
		return nil, fmt.Errorf("journeystore: unmarshal: %w", err)
	}
	j := &Journey{
		ID: jj.ID, CampaignID: jj.CampaignID, CampaignVerID: jj.CampaignVerID,
		DistinctID: jj.DistinctID, CurrentNodeID: jj.CurrentNodeID, Status: jj.Status,
		ResumeAt: jj.ResumeAt, CompleteReason: jj.CompleteReason,
		StartedAt: jj.StartedAt, UpdatedAt: jj.UpdatedAt, CompletedAt: jj.CompletedAt,
	}
	j.Context = make(map[string]dynval.Value, len(jj.Context))
	for k, v := range jj.Context {
		j.Context[k] = dynval.From(v)
	}
	if jj.WaitStartedAt != nil {
		j.Wait = &executor.WaitDeadlines{StartedAt: *jj.WaitStartedAt, Deadlines: jj.WaitDeadlines}
	}
	j.PendingAfterDelay = jj.PendingAfterDelay
	return j, nil
}

func jsonableValue(v dynval.Value) interface{} {
	switch v.Kind() {
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
