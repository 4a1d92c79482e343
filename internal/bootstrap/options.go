package bootstrap

import (
	"context"
	"time"

	"github.com/nuxie/growth-core/internal/backendclient"
	"github.com/nuxie/growth-core/internal/events"
	"github.com/nuxie/growth-core/internal/identity"
	"github.com/nuxie/growth-core/internal/journeystore"
	"github.com/nuxie/growth-core/internal/logger"
	"github.com/nuxie/growth-core/internal/patch"
)

// Option configures Setup (skip-flags plus custom-instance overrides).
type Option func(*options)

type options struct {
	apiKey string

	customLogger *logger.Logger

	eventStore        events.Store
	identityPersister identity.Persister
	journeyStore      journeystore.Store
	backend           *backendclient.Client
	patchSource       patch.Source

	location *time.Location
	showFlow func(ctx context.Context, distinctID, flowID string) error

	skipSupervisor bool
}

func defaultOptions() *options {
	return &options{}
}

// WithAPIKey supplies the API key used when Setup loads a default
// Config (ignored if a *config.Config is passed to Setup directly).
func WithAPIKey(key string) Option { return func(o *options) { o.apiKey = key } }

// WithLogger uses a pre-built logger instead of constructing one from
// the config's log level/format.
func WithLogger(l *logger.Logger) Option { return func(o *options) { o.customLogger = l } }

// WithEventStore overrides the default in-memory Event Store, e.g. with
// an events.SQLStore-backed instance for a host that persists history.
func WithEventStore(s events.Store) Option { return func(o *options) { o.eventStore = s } }

// WithIdentityPersister overrides the default in-memory identity
// persister, e.g. with an identity.SQLPersister-backed instance.
func WithIdentityPersister(p identity.Persister) Option {
	return func(o *options) { o.identityPersister = p }
}

// WithJourneyStore overrides the default in-memory Journey Store, e.g.
// with a journeystore.SQLStore-backed instance so in-flight journeys
// survive a process restart.
func WithJourneyStore(s journeystore.Store) Option {
	return func(o *options) { o.journeyStore = s }
}

// WithBackendClient supplies a pre-built backend client, e.g. one
// pointed at a local demo backend for integration tests.
func WithBackendClient(c *backendclient.Client) Option {
	return func(o *options) { o.backend = c }
}

// WithPatchSource enables the run-patch loader against the given
// Source, for hosts that support operator hot-fixes to live campaigns.
func WithPatchSource(s patch.Source) Option { return func(o *options) { o.patchSource = s } }

// WithLocation sets the timezone TimeWindow/calendar-day evaluation and
// the journey service use; defaults to UTC.
func WithLocation(loc *time.Location) Option { return func(o *options) { o.location = loc } }

// WithFlowPresenter supplies the host's ShowFlow hook (the mobile UI
// presentation layer), invoked whenever a ShowFlow node fires.
func WithFlowPresenter(fn func(ctx context.Context, distinctID, flowID string) error) Option {
	return func(o *options) { o.showFlow = fn }
}

// WithoutSupervisor disables the hanging-journey sweep loop, useful in
// short-lived tests that don't want a background goroutine outliving them.
func WithoutSupervisor() Option { return func(o *options) { o.skipSupervisor = true } }
