// Package identity implements the Identity Store: the
// anonymous/distinct id pair, per-id property bags, and the
// identify/reset state machine that drives event reassignment and the
// `$identify` event.
package identity

import (
	"context"
	"sync"
	"time"

	"github.com/nuxie/growth-core/internal/dynval"
	"github.com/nuxie/growth-core/internal/events"
	"github.com/nuxie/growth-core/internal/ids"
	"github.com/nuxie/growth-core/internal/logger"
)

// EventLinkingPolicy controls whether identify migrates the anonymous
// id's past events onto the new distinct id.
type EventLinkingPolicy string

const (
	KeepSeparate      EventLinkingPolicy = "keep_separate"
	MigrateOnIdentify EventLinkingPolicy = "migrate_on_identify"
)

// State is the persisted identity blob: {anonymousId, distinctId?,
// propertyBagByDistinctId}.
type State struct {
	AnonymousID string
	DistinctID  string
	Properties  map[string]map[string]dynval.Value
}

func newState() *State {
	return &State{
		AnonymousID: ids.New(),
		Properties:  map[string]map[string]dynval.Value{},
	}
}

// Persister durably stores the identity State across process restarts.
// Mobile hosts back this with their on-device database; Load returning
// (nil, nil) means "no prior state", and a fresh one is minted.
type Persister interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
}

// MemoryPersister is the default Persister: process lifetime only, used
// by hosts that manage their own durability above this core, and by
// tests.
type MemoryPersister struct {
	mu    sync.Mutex
	state *State
}

func NewMemoryPersister() *MemoryPersister { return &MemoryPersister{} }

func (p *MemoryPersister) Load(ctx context.Context) (*State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return nil, nil
	}
	cp := *p.state
	cp.Properties = cloneProps(p.state.Properties)
	return &cp, nil
}

func (p *MemoryPersister) Save(ctx context.Context, state *State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *state
	cp.Properties = cloneProps(state.Properties)
	p.state = &cp
	return nil
}

func cloneProps(in map[string]map[string]dynval.Value) map[string]map[string]dynval.Value {
	out := make(map[string]map[string]dynval.Value, len(in))
	for id, bag := range in {
		b := make(map[string]dynval.Value, len(bag))
		for k, v := range bag {
			b[k] = v
		}
		out[id] = b
	}
	return out
}

// UserChangeHook is notified whenever the effective distinct id changes
// (identify or reset), so the Profile Cache and Journey Service can
// react.
type UserChangeHook func(ctx context.Context, oldDistinctID, newDistinctID string)

// Identity owns the anonymous/distinct id pair and property bags for
// the current device, and drives the event-reassignment side effect of
// identify.
type Identity struct {
	mu        sync.RWMutex
	state     *State
	persister Persister
	store     events.Store
	policy    EventLinkingPolicy
	log       *logger.Logger
	hooks     []UserChangeHook

	sessionID func() string
}

// Option configures an Identity at construction.
type Option func(*Identity)

func WithEventLinkingPolicy(p EventLinkingPolicy) Option {
	return func(i *Identity) { i.policy = p }
}

func WithUserChangeHook(h UserChangeHook) Option {
	return func(i *Identity) { i.hooks = append(i.hooks, h) }
}

func WithSessionIDFunc(f func() string) Option {
	return func(i *Identity) { i.sessionID = f }
}

// New loads (or mints) identity state and returns the ready Identity.
func New(ctx context.Context, persister Persister, store events.Store, log *logger.Logger, opts ...Option) (*Identity, error) {
	if log == nil {
		log = logger.Nop()
	}
	state, err := persister.Load(ctx)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = newState()
		if err := persister.Save(ctx, state); err != nil {
			return nil, err
		}
	}

	id := &Identity{
		state:     state,
		persister: persister,
		store:     store,
		policy:    MigrateOnIdentify,
		log:       log,
		sessionID: func() string { return "" },
	}
	for _, opt := range opts {
		opt(id)
	}
	return id, nil
}

// AnonymousID returns the always-present anonymous id.
func (i *Identity) AnonymousID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state.AnonymousID
}

// DistinctID returns the user-set distinct id, or "" if anonymous.
func (i *Identity) DistinctID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state.DistinctID
}

// EffectiveDistinctID is distinctId if identified, else anonymousId; it
// is never empty once Identity is initialized.
func (i *Identity) EffectiveDistinctID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.state.DistinctID != "" {
		return i.state.DistinctID
	}
	return i.state.AnonymousID
}

// IsIdentified reports whether a distinct id has been set.
func (i *Identity) IsIdentified() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state.DistinctID != ""
}

// Property reads a single user property for the effective distinct id,
// satisfying ir.UserAdapter's read path.
func (i *Identity) Property(ctx context.Context, key string) (dynval.Value, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	bag, ok := i.state.Properties[i.effectiveDistinctIDLocked()]
	if !ok {
		return dynval.Null(), false
	}
	v, ok := bag[key]
	return v, ok
}

func (i *Identity) effectiveDistinctIDLocked() string {
	if i.state.DistinctID != "" {
		return i.state.DistinctID
	}
	return i.state.AnonymousID
}

// SetProperties merges the given properties into the effective
// distinct id's bag (used by UpdateCustomer nodes and identify's
// props argument).
func (i *Identity) SetProperties(ctx context.Context, props map[string]dynval.Value) error {
	i.mu.Lock()
	id := i.effectiveDistinctIDLocked()
	bag, ok := i.state.Properties[id]
	if !ok {
		bag = map[string]dynval.Value{}
		i.state.Properties[id] = bag
	}
	for k, v := range props {
		bag[k] = v
	}
	state := i.state
	i.mu.Unlock()

	return i.persister.Save(ctx, state)
}

// Identify sets the distinct id, migrates the anonymous id's property
// bag onto it, optionally reassigns past events, emits `$identify` only
// on the anonymous→identified transition, and runs user-change hooks.
func (i *Identity) Identify(ctx context.Context, newDistinctID string, props map[string]dynval.Value) (*events.Event, error) {
	i.mu.Lock()

	wasAnonymous := i.state.DistinctID == "" || i.state.DistinctID == i.state.AnonymousID
	oldEffective := i.effectiveDistinctIDLocked()
	anonID := i.state.AnonymousID

	// Property bag migration always happens on identify; KeepSeparate
	// only gates event reassignment below, not properties.
	if bag, ok := i.state.Properties[anonID]; ok && newDistinctID != anonID {
		merged, exists := i.state.Properties[newDistinctID]
		if !exists {
			merged = map[string]dynval.Value{}
		}
		for k, v := range bag {
			merged[k] = v
		}
		i.state.Properties[newDistinctID] = merged
	}
	if props != nil {
		bag := i.state.Properties[newDistinctID]
		if bag == nil {
			bag = map[string]dynval.Value{}
		}
		for k, v := range props {
			bag[k] = v
		}
		i.state.Properties[newDistinctID] = bag
	}

	i.state.DistinctID = newDistinctID
	state := i.state
	hooks := append([]UserChangeHook(nil), i.hooks...)
	i.mu.Unlock()

	if err := i.persister.Save(ctx, state); err != nil {
		return nil, err
	}

	if i.policy == MigrateOnIdentify && i.store != nil && oldEffective != newDistinctID {
		if err := i.store.Reassign(ctx, oldEffective, newDistinctID); err != nil {
			i.log.Error("identify: failed to reassign events", "old", oldEffective, "new", newDistinctID, "error", err)
		}
	}

	for _, h := range hooks {
		h(ctx, oldEffective, newDistinctID)
	}

	if !wasAnonymous {
		return nil, nil
	}

	identifyProps := map[string]dynval.Value{
		"$anon_distinct_id": dynval.String(anonID),
	}
	e := events.New("$identify", newDistinctID, i.sessionID(), identifyProps, time.Now())
	if i.store != nil {
		if err := i.store.Append(ctx, e); err != nil {
			i.log.Error("identify: failed to append $identify event", "error", err)
		}
	}
	return e, nil
}

// Reset clears the distinct id and all property bags; if !keepAnonymous
// a new anonymous id is minted.
func (i *Identity) Reset(ctx context.Context, keepAnonymous bool) error {
	i.mu.Lock()
	oldEffective := i.effectiveDistinctIDLocked()

	i.state.DistinctID = ""
	i.state.Properties = map[string]map[string]dynval.Value{}
	if !keepAnonymous {
		i.state.AnonymousID = ids.New()
	}
	newEffective := i.effectiveDistinctIDLocked()
	state := i.state
	hooks := append([]UserChangeHook(nil), i.hooks...)
	i.mu.Unlock()

	if err := i.persister.Save(ctx, state); err != nil {
		return err
	}
	for _, h := range hooks {
		h(ctx, oldEffective, newEffective)
	}
	return nil
}
