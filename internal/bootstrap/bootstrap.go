// Package bootstrap wires every core package into one running instance:
// load config, build the logger, then build each component in
// dependency order, registering a cleanup func for anything that needs
// an orderly shutdown. There is no separate service process here; Setup
// returns the live core a host app embeds.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/nuxie/growth-core/internal/backendclient"
	"github.com/nuxie/growth-core/internal/broker"
	"github.com/nuxie/growth-core/internal/config"
	"github.com/nuxie/growth-core/internal/dynval"
	"github.com/nuxie/growth-core/internal/errs"
	"github.com/nuxie/growth-core/internal/events"
	"github.com/nuxie/growth-core/internal/executor"
	"github.com/nuxie/growth-core/internal/identity"
	"github.com/nuxie/growth-core/internal/ir"
	"github.com/nuxie/growth-core/internal/journey"
	"github.com/nuxie/growth-core/internal/journeystore"
	"github.com/nuxie/growth-core/internal/logger"
	"github.com/nuxie/growth-core/internal/patch"
	"github.com/nuxie/growth-core/internal/profile"
	"github.com/nuxie/growth-core/internal/queue"
	"github.com/nuxie/growth-core/internal/session"
	"github.com/nuxie/growth-core/internal/supervisor"
)

// Components bundles every live core component a host embedding
// application (or the demo backend's counterpart client) needs, plus
// the cleanup funcs Shutdown runs in reverse order.
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	Evaluator *ir.Evaluator

	EventStore   events.Store
	Identity     *identity.Identity
	Sessions     *session.Manager
	Queue        *queue.Queue
	Backend      *backendclient.Client
	ProfileCache *profile.Cache
	Broker       *broker.Broker

	JourneyStore   journeystore.Store
	JourneyService *journey.Service
	Supervisor     *supervisor.Supervisor
	PatchLoader    *patch.Loader

	location     *time.Location
	cleanupFuncs []func() error
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}

// Shutdown runs every registered cleanup func in reverse (LIFO)
// order, collecting (not short-circuiting on) individual failures.
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down core components")
	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("bootstrap: shutdown errors: %v", errs)
	}
	return nil
}

// Setup builds the whole core from a Config: event store, identity,
// network queue, profile cache, trigger broker, journey store/service,
// and the hanging-journey supervisor, then starts the queue's flush
// loop and (unless skipped) the supervisor's sweep loop.
func Setup(ctx context.Context, cfg *config.Config, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	if cfg == nil {
		var err error
		cfg, err = config.New(options.apiKey)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bootstrap: invalid config: %w", err)
	}

	loc := options.location
	if loc == nil {
		loc = time.UTC
	}

	c := &Components{
		Config:   cfg,
		location: loc,
	}

	if options.customLogger != nil {
		c.Logger = options.customLogger
	} else {
		c.Logger = logger.New(cfg.LogLevel, cfg.LogFormat)
	}
	c.Logger.Info("initializing growth core", "api_endpoint", cfg.APIEndpoint)

	// 1. Event store.
	if options.eventStore != nil {
		c.EventStore = options.eventStore
	} else {
		c.EventStore = events.NewMemoryStore()
	}

	// 2. Sessions and identity. Identity stamps the live session id
	// onto the $identify event it emits, same as any tracked event.
	c.Sessions = session.New()
	persister := options.identityPersister
	if persister == nil {
		persister = identity.NewMemoryPersister()
	}
	id, err := identity.New(ctx, persister, c.EventStore, c.Logger,
		identity.WithEventLinkingPolicy(identity.EventLinkingPolicy(cfg.EventLinkingPolicy)),
		identity.WithSessionIDFunc(c.Sessions.Current),
	)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: init identity: %w", err)
	}
	c.Identity = id

	// 3. Backend client (network queue's sender, profile fetcher).
	if options.backend != nil {
		c.Backend = options.backend
	} else {
		c.Backend = backendclient.New(cfg.APIEndpoint, cfg.APIKey)
	}

	// 4. Network queue.
	c.Queue = queue.New(queue.Config{
		FlushAt:        cfg.FlushAt,
		FlushInterval:  cfg.FlushInterval,
		MaxQueueSize:   cfg.MaxQueueSize,
		MaxBatchSize:   cfg.MaxBatchSize,
		MaxRetries:     cfg.MaxRetries,
		BaseRetryDelay: cfg.BaseRetryDelay,
	}, c.Backend, c.Logger)
	c.Queue.Start(ctx)
	c.addCleanup(func() error {
		c.Queue.Stop()
		return nil
	})

	// 5. Profile cache.
	c.ProfileCache = profile.New(c.Backend, c.Logger)

	// 6. Trigger broker.
	c.Broker = broker.New(c.Logger)

	// 7. IR evaluator.
	c.Evaluator = ir.NewEvaluator()

	// 8. Journey store.
	if options.journeyStore != nil {
		c.JourneyStore = options.journeyStore
	} else {
		c.JourneyStore = journeystore.NewMemoryStore()
	}

	// 9. Run patch loader, only meaningful when a patch Source is supplied
	// (the demo backend and any host with operator-pushed hot fixes).
	if options.patchSource != nil {
		c.PatchLoader = patch.New(options.patchSource, c.Logger)
	}

	// 10. Journey service, wired through the pure executor's Ports.
	emitter := &trackEmitter{c: c}
	c.JourneyService = journey.New(
		c.JourneyStore,
		c.ProfileCache,
		c.Evaluator,
		emitter,
		c.buildPorts(options),
		journey.WithLocation(loc),
		journey.WithBroker(c.Broker),
		journey.WithLogger(c.Logger),
	)

	// 11. Hanging-journey supervisor.
	if !options.skipSupervisor {
		c.Supervisor = supervisor.New(c.JourneyStore, c.JourneyService, supervisor.WithLogger(c.Logger))
		sctx, cancel := context.WithCancel(ctx)
		go func() {
			_ = c.Supervisor.Start(sctx)
		}()
		c.addCleanup(func() error {
			cancel()
			return nil
		})
	}

	if err := c.JourneyService.Reload(ctx); err != nil {
		c.Logger.Error("journey reload on startup failed", "error", err)
	}

	c.Logger.Info("growth core ready")
	return c, nil
}

// MustSetup is like Setup but panics on error.
func MustSetup(ctx context.Context, cfg *config.Config, opts ...Option) *Components {
	c, err := Setup(ctx, cfg, opts...)
	if err != nil {
		panic(fmt.Sprintf("bootstrap: setup failed: %v", err))
	}
	return c
}

// buildPorts assembles the executor.Ports every journey node executes
// against, binding each side-effecting hook to the component it belongs
// to.
func (c *Components) buildPorts(options *options) executor.Ports {
	showFlow := options.showFlow
	if showFlow == nil {
		showFlow = func(ctx context.Context, distinctID, flowID string) error {
			c.Logger.Info("show flow (no presenter configured)", "distinct_id", distinctID, "flow_id", flowID)
			return nil
		}
	}
	// A presentation failure resolves the originating event's
	// subscription as flow.error; the journey itself has already
	// advanced past the ShowFlow node.
	presenter := showFlow
	showFlow = func(ctx context.Context, distinctID, flowID string) error {
		err := presenter(ctx, distinctID, flowID)
		if err != nil {
			ferr := &errs.FlowError{Kind: errs.FlowNotFound, Err: err}
			c.Logger.Error("flow presentation failed", "flow_id", flowID, "error", ferr)
			c.Broker.EmitForFlow(flowID, broker.Update{Kind: broker.FlowError, Payload: map[string]interface{}{
				"flowId": flowID, "error": ferr.Error(),
			}})
		}
		return err
	}

	return executor.Ports{
		Evaluator: c.Evaluator,
		IRContext: c.buildIRContext,
		ShowFlow:  showFlow,
		BindEvent: c.Broker.Bind,
		UpdateCustomer: func(ctx context.Context, distinctID string, attrs map[string]dynval.Value) error {
			return c.Identity.SetProperties(ctx, attrs)
		},
		SendEvent: func(ctx context.Context, name string, props map[string]dynval.Value) error {
			return c.Track(ctx, name, props)
		},
		CallDelegate: func(message string, payload map[string]dynval.Value) {
			c.Logger.Info("journey delegate call", "message", message, "payload", payload)
		},
		ExperimentAssignment: func(ctx context.Context, distinctID, experimentID string) (string, bool) {
			snap := c.ProfileCache.Get(distinctID)
			if snap == nil {
				return "", false
			}
			v, ok := snap.Experiments[experimentID]
			return v, ok
		},
		Location: c.location,
	}
}

// buildIRContext constructs the per-evaluation ir.Context an executing
// node or trigger check evaluates predicates against: event history over
// the journey's distinct id, segment/feature adapters backed by the
// profile cache, and the current identity as the user property source.
func (c *Components) buildIRContext(ctx context.Context, j executor.JourneyView) *ir.Context {
	distinctID := j.DistinctID()
	ictx := &ir.Context{
		Clock:     ir.RealClock{},
		User:      c.Identity,
		Events:    events.NewHistoryAdapter(c.EventStore, distinctID, c.location),
		Location:  c.location,
		JourneyID: j.ID(),
	}
	ictx.Segments = profile.NewSegmentAdapter(c.ProfileCache, c.Evaluator, distinctID, func() *ir.Context { return ictx })
	ictx.Features = profile.NewFeatureAdapter(c.ProfileCache, distinctID)
	return ictx
}

// Track records an event for the current identity, enqueues it for
// network delivery, and routes it to the journey service
// (enrollment/resume). This is the single path every SendEvent node and
// every public track() call funnels through, so a journey-generated
// event and a host-app-generated event are indistinguishable once they
// reach the pipeline.
func (c *Components) Track(ctx context.Context, name string, props map[string]dynval.Value) error {
	return c.TrackEvent(ctx, name, props, nil)
}

// TrackEvent is Track with a hook invoked after the event id is minted
// but before it's dispatched to the journey service — the seam the
// public API's track(..., completion) uses to register a Trigger
// Broker subscription before anything can possibly resolve it.
func (c *Components) TrackEvent(ctx context.Context, name string, props map[string]dynval.Value, beforeDispatch func(eventID string)) error {
	distinctID := c.Identity.EffectiveDistinctID()
	ev := events.New(name, distinctID, c.Sessions.Touch(), props, time.Now())

	if beforeDispatch != nil {
		beforeDispatch(ev.ID)
	}

	if err := c.EventStore.Append(ctx, ev); err != nil {
		return fmt.Errorf("bootstrap: append event: %w", err)
	}
	c.Queue.Enqueue(ev)

	// A caller waiting on an outcome gets the server's immediate
	// decision for this event (gate allow/deny, entitlement verdict)
	// consulted in parallel with local journey evaluation; the broker
	// resolves on whichever terminal update lands first. The batch
	// pipeline still delivers the event; the idempotency key dedupes.
	if beforeDispatch != nil {
		go c.consultGate(context.Background(), ev)
	}

	rec := &ir.EventRecord{
		ID: ev.ID, Name: ev.Name, DistinctID: ev.DistinctID,
		Timestamp: ev.Timestamp, SessionID: ev.SessionID, Properties: ev.Properties,
	}

	if err := c.JourneyService.HandleEvent(ctx, distinctID, rec); err != nil {
		c.Logger.Error("journey event handling failed", "event", name, "error", err)
	}
	return nil
}

// consultGate posts the event to the single-event endpoint and emits
// the server's immediate decision into the broker. Transport or
// decoding failures are silent: the tracked event is already stored
// and batched, and the subscription's timeout covers a missing
// decision.
func (c *Components) consultGate(ctx context.Context, ev *events.Event) {
	resp, err := c.Backend.SendEvent(ctx, ev)
	if err != nil || resp == nil || resp.Payload == nil {
		if err != nil {
			c.Logger.Debug("single-event gate consult failed", "event", ev.Name, "error", err)
		}
		return
	}
	if gate := resp.Payload.Gate; gate != nil {
		switch gate.Decision {
		case "allow":
			c.Broker.Emit(ev.ID, broker.Update{Kind: broker.DecisionAllowedImmediate})
			return
		case "deny":
			c.Broker.Emit(ev.ID, broker.Update{Kind: broker.DecisionDenied, Payload: map[string]interface{}{
				"reason": "gate_denied",
			}})
			return
		}
	}
	if ent := resp.Payload.Entitlement; ent != nil {
		kind := broker.EntitlementDenied
		if ent.Allowed {
			kind = broker.EntitlementAllowed
		}
		c.Broker.Emit(ev.ID, broker.Update{Kind: kind, Payload: map[string]interface{}{
			"featureId": ent.FeatureID,
		}})
	}
}

// trackEmitter satisfies journey.EventEmitter by delegating to
// Components.Track, dropping the distinctID argument since Track always
// acts for the current identity (an embedded SDK serves one user at a
// time; distinctID is accepted for interface symmetry with the other
// Ports hooks).
type trackEmitter struct{ c *Components }

func (e *trackEmitter) Track(ctx context.Context, distinctID, name string, props map[string]dynval.Value) error {
	return e.c.Track(ctx, name, props)
}
