// Package broker implements the Trigger Broker: a map from
// an emitted event's id to the one-shot subscriber waiting on its
// downstream outcome, with a per-subscription timeout fallback.
package broker

import (
	"sync"
	"time"

	"github.com/nuxie/growth-core/internal/logger"
)

// UpdateKind discriminates the terminal update families the broker
// recognizes as subscription-resolving.
type UpdateKind string

const (
	FlowPurchased      UpdateKind = "flow.purchased"
	FlowDismissed      UpdateKind = "flow.dismissed"
	FlowError          UpdateKind = "flow.error"
	FlowTrialStarted   UpdateKind = "flow.trialStarted"
	FlowRestored       UpdateKind = "flow.restored"
	DecisionNoMatch        UpdateKind = "decision.noMatch"
	DecisionAllowedImmediate UpdateKind = "decision.allowedImmediate"
	DecisionJourneyStarted UpdateKind = "decision.journeyStarted"
	DecisionDenied         UpdateKind = "decision.denied"
	EntitlementAllowed UpdateKind = "entitlement.allowed"
	EntitlementDenied  UpdateKind = "entitlement.denied"
	// NoInteraction is synthesized by the broker itself when a
	// subscription's window elapses without a terminal update.
	NoInteraction UpdateKind = "noInteraction"
)

// Update is what emit() delivers to a resolved subscriber.
type Update struct {
	Kind    UpdateKind
	Payload map[string]interface{}
}

// Callback is invoked exactly once per subscription, with the first
// terminal Update or a synthesized NoInteraction timeout.
type Callback func(Update)

// Binding correlates downstream journey work to an emitted event, set
// by bind() and consulted by whatever routes an emission back to a
// journey/flow pair.
type Binding struct {
	JourneyID string
	FlowID    string
}

type subscription struct {
	callback Callback
	timer    *time.Timer
	resolved bool
}

// Broker is the Trigger Broker. Safe for concurrent use.
type Broker struct {
	mu    sync.Mutex
	subs  map[string]*subscription
	binds map[string]Binding
	log   *logger.Logger
}

// New constructs an empty Broker.
func New(log *logger.Logger) *Broker {
	if log == nil {
		log = logger.Nop()
	}
	return &Broker{
		subs:  map[string]*subscription{},
		binds: map[string]Binding{},
		log:   log,
	}
}

// Subscribe registers a one-shot consumer for eventID. If no terminal
// update arrives within window, the callback fires with NoInteraction
// and the subscription is dropped.
func (b *Broker) Subscribe(eventID string, window time.Duration, cb Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{callback: cb}
	b.subs[eventID] = sub

	sub.timer = time.AfterFunc(window, func() {
		b.resolve(eventID, Update{Kind: NoInteraction})
	})
}

// Bind correlates eventID with the journey/flow that will consume its
// downstream outcome, independent of whether a Subscribe callback is
// also registered for it.
func (b *Broker) Bind(eventID, journeyID, flowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.binds[eventID] = Binding{JourneyID: journeyID, FlowID: flowID}
}

// Binding returns the journey/flow bound to eventID, if any.
func (b *Broker) Binding(eventID string) (Binding, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bind, ok := b.binds[eventID]
	return bind, ok
}

// Emit delivers update to eventID's subscriber if one is still
// unresolved. Once a subscription resolves, further emissions for that
// eventID are dropped.
func (b *Broker) Emit(eventID string, update Update) {
	b.resolve(eventID, update)
}

// EmitForFlow routes a flow-level outcome (purchase, dismissal, trial
// start, restore, presentation error) back to the event that caused the
// flow to be shown, via the Bind correlation. The host reporting a flow
// outcome knows the flow id, not the originating event id.
func (b *Broker) EmitForFlow(flowID string, update Update) {
	b.mu.Lock()
	var eventID string
	for id, bind := range b.binds {
		if bind.FlowID == flowID {
			eventID = id
			break
		}
	}
	b.mu.Unlock()
	if eventID == "" {
		b.log.Debug("flow outcome with no bound event, dropping", "flow_id", flowID, "kind", update.Kind)
		return
	}
	b.resolve(eventID, update)
}

func (b *Broker) resolve(eventID string, update Update) {
	b.mu.Lock()
	sub, ok := b.subs[eventID]
	if !ok || sub.resolved {
		b.mu.Unlock()
		return
	}
	sub.resolved = true
	if sub.timer != nil {
		sub.timer.Stop()
	}
	delete(b.subs, eventID)
	delete(b.binds, eventID)
	b.mu.Unlock()

	b.log.Debug("trigger broker resolved subscription", "event_id", eventID, "kind", update.Kind)
	sub.callback(update)
}

// Pending reports whether eventID still has an unresolved subscription
// (test/diagnostic helper).
func (b *Broker) Pending(eventID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[eventID]
	return ok && !sub.resolved
}
