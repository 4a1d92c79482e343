// Package journey implements the Journey Service orchestrator:
// event-driven enrollment with reentry gating, a runtime loop driving
// the pure Journey Executor, incoming-event and segment-change routing,
// and cancellation on identify/reset.
package journey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nuxie/growth-core/internal/broker"
	"github.com/nuxie/growth-core/internal/campaign"
	"github.com/nuxie/growth-core/internal/dynval"
	"github.com/nuxie/growth-core/internal/executor"
	"github.com/nuxie/growth-core/internal/ids"
	"github.com/nuxie/growth-core/internal/ir"
	"github.com/nuxie/growth-core/internal/journeystore"
	"github.com/nuxie/growth-core/internal/logger"
)

// SuppressionReason enumerates why an enrollment attempt was refused.
type SuppressionReason string

const (
	SuppressNone             SuppressionReason = ""
	SuppressNoFlow           SuppressionReason = "no_flow"
	SuppressAlreadyLive      SuppressionReason = "already_live"
	SuppressOneTimeCompleted SuppressionReason = "one_time_completed"
	SuppressWithinWindow     SuppressionReason = "within_window"
)

// CampaignSource resolves the currently cached set of campaigns, the
// orchestrator's view into the Profile Cache.
type CampaignSource interface {
	Campaigns(ctx context.Context, distinctID string) []*campaign.Campaign
}

// EventEmitter is the orchestrator's outbound event port, backed by
// the same track path regular SendEvent nodes use.
type EventEmitter interface {
	Track(ctx context.Context, distinctID, name string, props map[string]dynval.Value) error
}

// Service is the Journey Service orchestrator.
type Service struct {
	store     journeystore.Store
	campaigns CampaignSource
	evaluator *ir.Evaluator
	events    EventEmitter
	broker    BrokerPort
	log       *logger.Logger
	location  *time.Location

	mu     sync.Mutex
	timers map[string]*time.Timer // journeyID -> pending resume timer

	ports executor.Ports
}

// BrokerPort is the subset of the Trigger Broker the orchestrator needs:
// Bind correlates a ShowFlow node's presentation with the event that
// triggered it; Emit resolves the broker subscription a track() caller
// may be waiting on with the enrollment decision, the moment that
// decision is known, rather than leaving it to the subscription's
// timeout.
type BrokerPort interface {
	Bind(eventID, journeyID, flowID string)
	Emit(eventID string, update broker.Update)
}

// Option configures a Service.
type Option func(*Service)

func WithLocation(loc *time.Location) Option { return func(s *Service) { s.location = loc } }
func WithBroker(b BrokerPort) Option         { return func(s *Service) { s.broker = b } }
func WithLogger(l *logger.Logger) Option     { return func(s *Service) { s.log = l } }

// New constructs a Service. ports supplies the executor's side-effect
// bindings (ShowFlow presentation, UpdateCustomer, SendEvent, etc.).
func New(store journeystore.Store, campaigns CampaignSource, evaluator *ir.Evaluator, events EventEmitter, ports executor.Ports, opts ...Option) *Service {
	s := &Service{
		store: store, campaigns: campaigns, evaluator: evaluator, events: events,
		log: logger.Nop(), location: time.UTC, timers: make(map[string]*time.Timer), ports: ports,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ports.Evaluator == nil {
		s.ports.Evaluator = evaluator
	}
	if s.ports.IRContext == nil {
		s.ports.IRContext = s.irContext
	}
	return s
}

func (s *Service) irContext(ctx context.Context, j executor.JourneyView) *ir.Context {
	return &ir.Context{Clock: ir.RealClock{}, JourneyID: j.ID(), Location: s.location}
}

// HandleEvent is the incoming-event routing: enrollment for
// Event-triggered campaigns, then goal/exit evaluation and reactive
// dispatch for every live journey of that user.
func (s *Service) HandleEvent(ctx context.Context, distinctID string, event *ir.EventRecord) error {
	for _, c := range s.campaigns.Campaigns(ctx, distinctID) {
		if c.Trigger.Kind != campaign.TriggerEvent || c.Trigger.EventName != event.Name {
			continue
		}
		if c.Trigger.Condition != nil {
			ok, err := s.evaluator.EvaluatePredicate(ctx, &ir.Context{Clock: ir.RealClock{}, Event: event, Location: s.location}, *c.Trigger.Condition)
			if err != nil || !ok {
				continue
			}
		}
		if err := s.tryEnroll(ctx, distinctID, c, event); err != nil {
			s.log.Error("enrollment failed", "campaign_id", c.ID, "error", err)
		}
	}

	live, err := s.store.ActiveForDistinctID(ctx, distinctID)
	if err != nil {
		return fmt.Errorf("journey: load active journeys: %w", err)
	}
	for _, j := range live {
		if err := s.routeLiveJourney(ctx, j, executor.ResumeEvent, event); err != nil {
			s.log.Error("route event to journey failed", "journey_id", j.ID, "error", err)
		}
	}
	return nil
}

// HandleSegmentChange is the segment-change routing: enrollment
// for Segment-triggered campaigns whose condition now holds, then
// goal/exit re-evaluation for the user's live journeys.
func (s *Service) HandleSegmentChange(ctx context.Context, distinctID string) error {
	for _, c := range s.campaigns.Campaigns(ctx, distinctID) {
		if c.Trigger.Kind != campaign.TriggerSegment {
			continue
		}
		ok, err := s.evaluator.EvaluatePredicate(ctx, &ir.Context{Clock: ir.RealClock{}, Location: s.location}, *c.Trigger.SegmentCondition)
		if err != nil || !ok {
			continue
		}
		if err := s.tryEnroll(ctx, distinctID, c, nil); err != nil {
			s.log.Error("segment enrollment failed", "campaign_id", c.ID, "error", err)
		}
	}

	live, err := s.store.ActiveForDistinctID(ctx, distinctID)
	if err != nil {
		return fmt.Errorf("journey: load active journeys: %w", err)
	}
	for _, j := range live {
		if err := s.routeLiveJourney(ctx, j, executor.ResumeSegmentChange, nil); err != nil {
			s.log.Error("route segment change to journey failed", "journey_id", j.ID, "error", err)
		}
	}
	return nil
}

func (s *Service) routeLiveJourney(ctx context.Context, j *journeystore.Journey, reason executor.ResumeReason, event *ir.EventRecord) error {
	c, ok := s.findCampaign(ctx, j)
	if !ok {
		return nil
	}

	if exitReason, fires := s.evalExitPolicy(ctx, c, j, event); fires {
		return s.completeJourney(ctx, j, exitReason)
	}

	node := c.Workflow.Nodes[j.CurrentNodeID]
	if node == nil {
		return s.completeJourney(ctx, j, campaign.ExitErrorReason)
	}
	if node.Kind == campaign.NodeWaitUntil {
		return s.runLoop(ctx, c, j, node, reason, event)
	}
	// Non-waiting nodes ignore reactive events entirely; only goal/exit
	// evaluation above applies to them.
	return nil
}

func (s *Service) evalExitPolicy(ctx context.Context, c *campaign.Campaign, j *journeystore.Journey, event *ir.EventRecord) (campaign.ExitReason, bool) {
	ectx := &ir.Context{Clock: ir.RealClock{}, JourneyID: j.ID, Location: s.location, Event: event}

	if c.Goal != nil {
		if met, err := s.evaluator.EvaluatePredicate(ctx, ectx, *c.Goal); err == nil && met {
			if c.ExitPolicy == campaign.ExitOnGoal || c.ExitPolicy == campaign.ExitOnGoalOrStop {
				return campaign.ExitGoalMet, true
			}
		}
	}
	if c.ExitPolicy == campaign.ExitOnStopMatch || c.ExitPolicy == campaign.ExitOnGoalOrStop {
		if c.Trigger.Kind == campaign.TriggerSegment {
			if ok, err := s.evaluator.EvaluatePredicate(ctx, ectx, *c.Trigger.SegmentCondition); err == nil && !ok {
				return campaign.ExitTriggerUnmatched, true
			}
		}
	}
	return "", false
}

func (s *Service) findCampaign(ctx context.Context, j *journeystore.Journey) (*campaign.Campaign, bool) {
	for _, c := range s.campaigns.Campaigns(ctx, j.DistinctID) {
		if c.ID == j.CampaignID {
			return c, true
		}
	}
	return nil, false
}

// tryEnroll applies reentry gating and, if allowed,
// instantiates and runs a new journey from its entry node. event is the
// triggering event when enrollment was event-driven (nil for a
// segment-change enrollment), threaded through to runLoop so a ShowFlow
// entry node binds to the event that caused it, and used to resolve any
// broker subscription the caller may be waiting on with the enrollment
// decision as soon as it's known.
func (s *Service) tryEnroll(ctx context.Context, distinctID string, c *campaign.Campaign, event *ir.EventRecord) error {
	if reason := s.suppressionReason(ctx, distinctID, c); reason != SuppressNone {
		s.emitDecision(event, broker.DecisionDenied, map[string]interface{}{
			"campaignId": c.ID, "reason": string(reason),
		})
		return nil
	}

	now := time.Now()
	j := &journeystore.Journey{
		ID:            ids.New(),
		CampaignID:    c.ID,
		CampaignVerID: c.VersionID,
		DistinctID:    distinctID,
		CurrentNodeID: c.EntryNodeID,
		Status:        journeystore.StatusPending,
		Context:       map[string]dynval.Value{},
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Save(ctx, j); err != nil {
		return fmt.Errorf("journey: persist new journey: %w", err)
	}
	if s.events != nil {
		_ = s.events.Track(ctx, distinctID, "$journey_start", map[string]dynval.Value{
			"journeyId": dynval.String(j.ID), "campaignId": dynval.String(c.ID),
		})
	}
	s.emitDecision(event, broker.DecisionJourneyStarted, map[string]interface{}{
		"journeyId": j.ID, "campaignId": c.ID, "flowId": c.FlowID,
	})

	node := c.Workflow.Nodes[c.EntryNodeID]
	return s.runLoop(ctx, c, j, node, executor.ResumeStart, event)
}

// emitDecision resolves the broker subscription for the triggering
// event, if any, with an enrollment decision. A no-op when there is no
// triggering event (segment-driven enrollment) or no broker configured.
func (s *Service) emitDecision(event *ir.EventRecord, kind broker.UpdateKind, payload map[string]interface{}) {
	if event == nil || s.broker == nil {
		return
	}
	s.broker.Emit(event.ID, broker.Update{Kind: kind, Payload: payload})
}

func (s *Service) suppressionReason(ctx context.Context, distinctID string, c *campaign.Campaign) SuppressionReason {
	live, err := s.store.ActiveForCampaign(ctx, distinctID, c.ID)
	if err == nil && len(live) > 0 {
		return SuppressAlreadyLive
	}

	last, err := s.store.LastCompletion(ctx, distinctID, c.ID)
	if err != nil || last == nil {
		return SuppressNone
	}
	switch c.Reentry.Kind {
	case campaign.ReentryOneTime:
		return SuppressOneTimeCompleted
	case campaign.ReentryOncePerWindow:
		windowStart := time.Now().Add(-time.Duration(c.Reentry.Amount) * c.Reentry.Unit)
		if last.CompletedAt != nil && last.CompletedAt.After(windowStart) {
			return SuppressWithinWindow
		}
	}
	return SuppressNone
}

// runLoop drives the executor's runtime loop: continue
// advances synchronously, async persists and schedules a resume timer,
// complete persists a completion record and tears the journey down.
func (s *Service) runLoop(ctx context.Context, c *campaign.Campaign, j *journeystore.Journey, node *campaign.Node, reason executor.ResumeReason, event *ir.EventRecord) error {
	ports := s.ports
	ports.Location = s.location
	if event != nil {
		ports.TriggerEventID = event.ID
	}

	for {
		j.Status = journeystore.StatusActive
		j.PendingAfterDelay = nil

		view := journeystore.Adapt(j)
		result := executor.Execute(ctx, node, view, reason, event, ports)

		switch result.Kind {
		case executor.OutcomeContinue:
			if len(result.NextIDs) == 0 {
				return s.completeJourney(ctx, j, campaign.ExitErrorReason)
			}
			next := c.Workflow.Nodes[result.NextIDs[0]]
			if next == nil {
				return s.completeJourney(ctx, j, campaign.ExitErrorReason)
			}
			j.CurrentNodeID = next.ID
			j.UpdatedAt = time.Now()
			node = next
			reason = executor.ResumeStart
			event = nil
			continue

		case executor.OutcomeSkip:
			if result.NextID == "" {
				return s.completeJourney(ctx, j, campaign.ExitCompleted)
			}
			next := c.Workflow.Nodes[result.NextID]
			if next == nil {
				return s.completeJourney(ctx, j, campaign.ExitErrorReason)
			}
			j.CurrentNodeID = next.ID
			j.UpdatedAt = time.Now()
			node = next
			reason = executor.ResumeStart
			event = nil
			continue

		case executor.OutcomeAsync:
			j.Status = journeystore.StatusPaused
			j.ResumeAt = result.ResumeAt
			j.UpdatedAt = time.Now()
			if j.Wait == nil && result.ResumeAt != nil {
				j.PendingAfterDelay = []journeystore.PendingDelay{{
					InteractionID: ids.New(),
					NodeID:        j.CurrentNodeID,
					ResumeAt:      *result.ResumeAt,
				}}
			}
			if err := s.store.Save(ctx, j); err != nil {
				return fmt.Errorf("journey: persist async state: %w", err)
			}
			if result.ResumeAt != nil {
				s.scheduleResume(c, j)
			}
			return nil

		case executor.OutcomeComplete:
			return s.completeJourney(ctx, j, result.Reason)

		default:
			return s.completeJourney(ctx, j, campaign.ExitErrorReason)
		}
	}
}

func (s *Service) completeJourney(ctx context.Context, j *journeystore.Journey, reason campaign.ExitReason) error {
	now := time.Now()
	j.Status = journeystore.StatusCompleted
	if reason == campaign.ExitCancelled {
		j.Status = journeystore.StatusCancelled
	}
	j.CompleteReason = reason
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.PendingAfterDelay = nil
	s.cancelTimer(j.ID)
	if err := s.store.Save(ctx, j); err != nil {
		return fmt.Errorf("journey: persist completion: %w", err)
	}
	if s.events != nil {
		_ = s.events.Track(ctx, j.DistinctID, "$journey_completed", map[string]dynval.Value{
			"journeyId": dynval.String(j.ID), "campaignId": dynval.String(j.CampaignID),
			"reason": dynval.String(string(reason)),
		})
	}
	return nil
}

// scheduleResume arms a single resume timer for a paused journey,
// replacing any prior timer.
func (s *Service) scheduleResume(c *campaign.Campaign, j *journeystore.Journey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[j.ID]; ok {
		t.Stop()
	}
	delay := time.Until(*j.ResumeAt)
	if delay < 0 {
		delay = 0
	}
	s.timers[j.ID] = time.AfterFunc(delay, func() {
		ctx := context.Background()
		cur, err := s.store.Get(ctx, j.ID)
		if err != nil || cur == nil || cur.Status != journeystore.StatusPaused {
			return
		}
		node := c.Workflow.Nodes[cur.CurrentNodeID]
		if node == nil {
			return
		}
		if err := s.runLoop(ctx, c, cur, node, executor.ResumeTimer, nil); err != nil {
			s.log.Error("timer resume failed", "journey_id", j.ID, "error", err)
		}
	})
}

func (s *Service) cancelTimer(journeyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[journeyID]; ok {
		t.Stop()
		delete(s.timers, journeyID)
	}
}

// HandleUserChange implements cancellation on identify/reset:
// every live journey for the previous distinct id is cancelled, its
// timer stopped, and the caller is expected to rebuild the live set
// for newDistinctID via Reload.
func (s *Service) HandleUserChange(ctx context.Context, oldDistinctID string) error {
	live, err := s.store.ActiveForDistinctID(ctx, oldDistinctID)
	if err != nil {
		return fmt.Errorf("journey: load journeys for cancellation: %w", err)
	}
	for _, j := range live {
		if err := s.completeJourney(ctx, j, campaign.ExitCancelled); err != nil {
			s.log.Error("cancel journey on user change failed", "journey_id", j.ID, "error", err)
		}
	}
	return nil
}

// ResumeJourney re-enters a journey's current node with resumeReason
// = timer, the path a fired resume timer or the supervisor's hanging-
// journey sweep both take. Satisfies supervisor.Resumer.
func (s *Service) ResumeJourney(ctx context.Context, j *journeystore.Journey) error {
	c, ok := s.findCampaign(ctx, j)
	if !ok {
		return fmt.Errorf("journey: resume: campaign %s not found for journey %s", j.CampaignID, j.ID)
	}
	node := c.Workflow.Nodes[j.CurrentNodeID]
	if node == nil {
		return s.completeJourney(ctx, j, campaign.ExitErrorReason)
	}
	return s.runLoop(ctx, c, j, node, executor.ResumeTimer, nil)
}

// Reload is run once at process start: load every paused
// journey whose resume deadline has already passed, re-evaluate it
// immediately, and reschedule timers for everything still pending.
func (s *Service) Reload(ctx context.Context) error {
	all, err := s.store.All(ctx)
	if err != nil {
		return fmt.Errorf("journey: reload: %w", err)
	}
	now := time.Now()
	for _, j := range all {
		if j.Status != journeystore.StatusPaused {
			continue
		}
		c, ok := s.findCampaign(ctx, j)
		if !ok {
			continue
		}
		if j.ResumeAt != nil && !j.ResumeAt.After(now) {
			node := c.Workflow.Nodes[j.CurrentNodeID]
			if node == nil {
				continue
			}
			if err := s.runLoop(ctx, c, j, node, executor.ResumeTimer, nil); err != nil {
				s.log.Error("reload resume failed", "journey_id", j.ID, "error", err)
			}
			continue
		}
		if j.ResumeAt != nil {
			s.scheduleResume(c, j)
		}
	}
	return nil
}
