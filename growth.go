// Package growth is the embeddable SDK surface: the
// small set of calls a host mobile app makes — setup, track, identify,
// reset, queue control, and profile refresh — backed by the core in
// internal/bootstrap. The surface is exposed as methods on a Client
// handle rather than free functions on a global singleton.
package growth

import (
	"context"
	"fmt"
	"sync"

	"github.com/nuxie/growth-core/internal/bootstrap"
	"github.com/nuxie/growth-core/internal/broker"
	"github.com/nuxie/growth-core/internal/config"
	"github.com/nuxie/growth-core/internal/dynval"
	"github.com/nuxie/growth-core/internal/errs"
	"github.com/nuxie/growth-core/internal/events"
)

// OutcomeKind discriminates the five shapes a track() completion can
// take: no interaction, a started journey, a denied enrollment, a
// flow/decision outcome, or a failure.
type OutcomeKind string

const (
	// NoInteraction fires when nothing resolved the triggering event
	// within the configured immediate-outcome window.
	NoInteraction OutcomeKind = "no_interaction"
	// JourneyStarted fires the moment a campaign enrolls on this event,
	// carrying the new journey's identifiers.
	JourneyStarted OutcomeKind = "journey_started"
	// Denied fires when a matching campaign's trigger fired but
	// enrollment was suppressed (already live, one-time reentry, etc).
	Denied OutcomeKind = "denied"
	// FlowOutcome fires when a presented flow reaches a terminal user
	// action (purchase, dismissal, trial start, restore, or an error
	// presenting it).
	FlowOutcome OutcomeKind = "flow"
	// Failed fires when tracking itself could not be completed.
	Failed OutcomeKind = "failed"
)

// Outcome is delivered to a track() completion exactly once.
type Outcome struct {
	Kind       OutcomeKind
	JourneyID  string
	CampaignID string
	FlowID     string
	Reason     string
	Err        error
}

// CompletionFunc receives a track() call's resolved Outcome.
type CompletionFunc func(Outcome)

// Client is the SDK's embeddable entry point. The zero value is not
// usable; construct with New.
type Client struct {
	core *bootstrap.Components
}

// New builds and starts the SDK core: event store, identity, network
// queue, profile cache, trigger broker, and journey engine. The config
// is built from apiKey with defaults; use NewWithConfig to supply one.
func New(ctx context.Context, apiKey string, opts ...bootstrap.Option) (*Client, error) {
	cfg, err := config.New(apiKey)
	if err != nil {
		return nil, fmt.Errorf("growth: %w", err)
	}
	core, err := bootstrap.Setup(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{core: core}, nil
}

// NewWithConfig is New for a caller that already built a *config.Config
// (e.g. via config.LoadFromEnv, or with non-default options applied).
func NewWithConfig(ctx context.Context, cfg *config.Config, opts ...bootstrap.Option) (*Client, error) {
	core, err := bootstrap.Setup(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{core: core}, nil
}

// Close shuts the SDK core down: stops the network queue's flush loop
// and the hanging-journey supervisor.
func (cl *Client) Close(ctx context.Context) error {
	return cl.core.Shutdown(ctx)
}

// Track records an event, enrolling/advancing any matching campaigns.
// userProps and userPropsSetOnce (either may be nil) are applied to the
// current identity before the event is dispatched, matching the host
// SDK convention of bundling a property update with the triggering
// event. completion (may be nil) is invoked exactly once, resolved by
// the Trigger Broker within the configured immediate outcome window.
func (cl *Client) Track(ctx context.Context, name string, props, userProps, userPropsSetOnce map[string]dynval.Value, completion CompletionFunc) error {
	if completion != nil {
		var once sync.Once
		deliver := completion
		completion = func(o Outcome) { once.Do(func() { deliver(o) }) }
	}
	if err := cl.applyUserProps(ctx, userProps, userPropsSetOnce); err != nil {
		if completion != nil {
			completion(Outcome{Kind: Failed, Err: err})
		}
		return err
	}

	err := cl.core.TrackEvent(ctx, name, props, func(eventID string) {
		if completion == nil {
			return
		}
		cl.core.Broker.Subscribe(eventID, cl.core.Config.ImmediateOutcomeWindow, func(u broker.Update) {
			completion(toOutcome(u))
		})
	})
	if err != nil && completion != nil {
		completion(Outcome{Kind: Failed, Err: err})
	}
	return err
}

// applyUserProps sets userProps unconditionally and userPropsSetOnce
// only for keys the identity doesn't already carry a value for,
// mirroring the usual setOnce semantics of a user-property API.
func (cl *Client) applyUserProps(ctx context.Context, userProps, userPropsSetOnce map[string]dynval.Value) error {
	if len(userProps) > 0 {
		if err := cl.core.Identity.SetProperties(ctx, userProps); err != nil {
			return fmt.Errorf("growth: set user properties: %w", err)
		}
	}
	if len(userPropsSetOnce) == 0 {
		return nil
	}
	toSet := make(map[string]dynval.Value, len(userPropsSetOnce))
	for k, v := range userPropsSetOnce {
		if _, ok := cl.core.Identity.Property(ctx, k); !ok {
			toSet[k] = v
		}
	}
	if len(toSet) == 0 {
		return nil
	}
	if err := cl.core.Identity.SetProperties(ctx, toSet); err != nil {
		return fmt.Errorf("growth: set user properties (once): %w", err)
	}
	return nil
}

func toOutcome(u broker.Update) Outcome {
	o := Outcome{}
	if j, ok := u.Payload["journeyId"].(string); ok {
		o.JourneyID = j
	}
	if c, ok := u.Payload["campaignId"].(string); ok {
		o.CampaignID = c
	}
	if f, ok := u.Payload["flowId"].(string); ok {
		o.FlowID = f
	}
	if r, ok := u.Payload["reason"].(string); ok {
		o.Reason = r
	}

	switch u.Kind {
	case broker.NoInteraction:
		o.Kind = NoInteraction
	case broker.DecisionJourneyStarted:
		o.Kind = JourneyStarted
	case broker.DecisionDenied, broker.DecisionNoMatch:
		o.Kind = Denied
	case broker.FlowPurchased, broker.FlowDismissed, broker.FlowTrialStarted, broker.FlowRestored,
		broker.EntitlementAllowed, broker.EntitlementDenied, broker.DecisionAllowedImmediate, broker.FlowError:
		o.Kind = FlowOutcome
		o.Reason = string(u.Kind)
	default:
		o.Kind = NoInteraction
	}
	return o
}

// Identify sets the distinct id, migrating the anonymous property bag
// and (per the configured EventLinkingPolicy) past anonymous events
// onto it, and cancels any live journeys the prior identity owned.
func (cl *Client) Identify(ctx context.Context, distinctID string, userProps, userPropsSetOnce map[string]dynval.Value) error {
	old := cl.core.Identity.EffectiveDistinctID()
	if err := cl.applyUserProps(ctx, userProps, userPropsSetOnce); err != nil {
		return err
	}
	ev, err := cl.core.Identity.Identify(ctx, distinctID, nil)
	if err != nil {
		return fmt.Errorf("growth: identify: %w", err)
	}
	if ev != nil {
		// $identify must reach the backend before any event tracked
		// after it; flush synchronously, pause notwithstanding.
		cl.core.Queue.Enqueue(ev)
		cl.core.Queue.Flush(ctx)
	}
	if err := cl.core.JourneyService.HandleUserChange(ctx, old); err != nil {
		return fmt.Errorf("growth: cancel prior journeys: %w", err)
	}
	return cl.core.ProfileCache.Refresh(ctx, distinctID)
}

// Reset clears the distinct id and all property bags; if keepAnonymous
// is false a new anonymous id is minted. Live journeys are cancelled.
func (cl *Client) Reset(ctx context.Context, keepAnonymous bool) error {
	old := cl.core.Identity.EffectiveDistinctID()
	if err := cl.core.Identity.Reset(ctx, keepAnonymous); err != nil {
		return fmt.Errorf("growth: reset: %w", err)
	}
	if err := cl.core.JourneyService.HandleUserChange(ctx, old); err != nil {
		return err
	}
	return cl.core.ProfileCache.Refresh(ctx, cl.core.Identity.EffectiveDistinctID())
}

// FlowOutcomeKind enumerates the terminal results a host reports for a
// presented flow.
type FlowOutcomeKind string

const (
	FlowDismissed    FlowOutcomeKind = "dismissed"
	FlowTrialStarted FlowOutcomeKind = "trial_started"
	FlowRestored     FlowOutcomeKind = "restored"
	FlowFailed       FlowOutcomeKind = "error"
)

// ReportFlowOutcome resolves the tracked event that caused flowID to be
// presented with the user's terminal action on it (dismissal, trial
// start, restore, or a presentation error). Purchases go through
// ReportPurchaseOutcome instead, which verifies the transaction first.
func (cl *Client) ReportFlowOutcome(flowID string, kind FlowOutcomeKind, flowErr error) {
	payload := map[string]interface{}{"flowId": flowID}
	var bk broker.UpdateKind
	switch kind {
	case FlowDismissed:
		bk = broker.FlowDismissed
	case FlowTrialStarted:
		bk = broker.FlowTrialStarted
	case FlowRestored:
		bk = broker.FlowRestored
	default:
		bk = broker.FlowError
		if flowErr != nil {
			payload["error"] = flowErr.Error()
		}
	}
	cl.core.Broker.EmitForFlow(flowID, broker.Update{Kind: bk, Payload: payload})
}

// PurchaseOutcome is the result-typed return of the host's store
// transaction delegate.
type PurchaseOutcome string

const (
	PurchaseSucceeded     PurchaseOutcome = "succeeded"
	PurchaseCancelled     PurchaseOutcome = "cancelled"
	PurchasePending       PurchaseOutcome = "pending"
	PurchaseFailed        PurchaseOutcome = "failed"
	PurchaseNotConfigured PurchaseOutcome = "not_configured"
)

// ReportPurchaseOutcome maps a store transaction's result into the
// broker update bound to the flow that sold it: a cancellation resolves
// as flow.dismissed, other failures as flow.error. On success the
// transaction is verified with the backend, the profile cache refreshed
// so newly granted features are visible, flow.purchased emitted, and a
// purchase_completed event run through the regular track path so
// campaigns can react to it.
func (cl *Client) ReportPurchaseOutcome(ctx context.Context, flowID, transactionID string, outcome PurchaseOutcome, payload map[string]interface{}) error {
	flowPayload := map[string]interface{}{"flowId": flowID, "transactionId": transactionID}

	var skErr *errs.StoreKitError
	switch outcome {
	case PurchaseCancelled:
		skErr = &errs.StoreKitError{Kind: errs.StoreKitCancelled}
	case PurchasePending:
		skErr = &errs.StoreKitError{Kind: errs.StoreKitPending}
	case PurchaseFailed:
		skErr = &errs.StoreKitError{Kind: errs.StoreKitFailed}
	case PurchaseNotConfigured:
		skErr = &errs.StoreKitError{Kind: errs.StoreKitNotConfigured}
	}
	if skErr != nil {
		flowPayload["error"] = skErr.Error()
		kind := broker.FlowError
		if skErr.Kind == errs.StoreKitCancelled {
			kind = broker.FlowDismissed
		}
		cl.core.Broker.EmitForFlow(flowID, broker.Update{Kind: kind, Payload: flowPayload})
		return nil
	}

	distinctID := cl.core.Identity.EffectiveDistinctID()
	if err := cl.core.Backend.VerifyPurchase(ctx, distinctID, transactionID, payload); err != nil {
		skErr = &errs.StoreKitError{Kind: errs.StoreKitVerification, Err: err}
		flowPayload["error"] = skErr.Error()
		cl.core.Broker.EmitForFlow(flowID, broker.Update{Kind: broker.FlowError, Payload: flowPayload})
		return fmt.Errorf("growth: verify purchase: %w", skErr)
	}
	if err := cl.core.ProfileCache.Refresh(ctx, distinctID); err != nil {
		return fmt.Errorf("growth: refresh profile after purchase: %w", err)
	}
	cl.core.Broker.EmitForFlow(flowID, broker.Update{Kind: broker.FlowPurchased, Payload: flowPayload})
	return cl.core.Track(ctx, "purchase_completed", map[string]dynval.Value{
		"transactionId": dynval.String(transactionID),
	})
}

// FlushEvents forces an immediate queue flush, returning whether it
// succeeded.
func (cl *Client) FlushEvents(ctx context.Context) bool { return cl.core.Queue.Flush(ctx) }

// PauseEventQueue suspends the periodic flush timer; events still
// enqueue, and a full buffer still flushes.
func (cl *Client) PauseEventQueue() { cl.core.Queue.Pause() }

// ResumeEventQueue re-enables the periodic flush timer.
func (cl *Client) ResumeEventQueue() { cl.core.Queue.Resume() }

// QueuedEventCount reports how many events are waiting to be flushed.
func (cl *Client) QueuedEventCount() int { return cl.core.Queue.Len() }

// RefreshProfile forces a full profile cache refresh for the current
// identity.
func (cl *Client) RefreshProfile(ctx context.Context) error {
	return cl.core.ProfileCache.Refresh(ctx, cl.core.Identity.EffectiveDistinctID())
}

// DistinctID returns the effective distinct id (identified id if set,
// else the anonymous id).
func (cl *Client) DistinctID() string { return cl.core.Identity.EffectiveDistinctID() }

// AnonymousID returns the always-present anonymous id.
func (cl *Client) AnonymousID() string { return cl.core.Identity.AnonymousID() }

// IsIdentified reports whether identify() has been called since the
// last reset.
func (cl *Client) IsIdentified() bool { return cl.core.Identity.IsIdentified() }

// StartSession begins a new tracking session and returns its id
//. Subsequent tracked events carry this id.
func (cl *Client) StartSession() string { return cl.core.Sessions.Start() }

// SessionID returns the current session id, or "" when none is active.
// Tracking an event with no active session starts one implicitly.
func (cl *Client) SessionID() string { return cl.core.Sessions.Current() }

// SetSessionID replaces the session id with a host-supplied one, for
// apps that coordinate sessions with their own analytics. Passing ""
// ends the session.
func (cl *Client) SetSessionID(id string) { cl.core.Sessions.Set(id) }

// EndSession closes the current session. The next tracked event starts
// a fresh one.
func (cl *Client) EndSession() { cl.core.Sessions.End() }

// ResetSession ends the current session and immediately starts a new
// one, returning the new id.
func (cl *Client) ResetSession() string { return cl.core.Sessions.Reset() }

// GetEventsForUser returns up to limit of the most recent stored events
// for a distinct id, most-recent-first (a debugging/test helper over
// the Event Store's query surface).
func (cl *Client) GetEventsForUser(ctx context.Context, distinctID string, limit int) ([]*events.Event, error) {
	return cl.core.EventStore.ForDistinctID(ctx, distinctID, limit)
}
