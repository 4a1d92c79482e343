// Package profile implements the Profile Cache: a per
// distinct-id mapping of cached campaigns, segments, features, and
// experiment assignments, refetched on setup/identify/reset/purchase
// and incrementally updated via JSON Patch when the backend pushes a
// delta instead of a full snapshot. Kept in-process: an
// embedded mobile SDK has no shared cache tier to consult.
package profile

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/nuxie/growth-core/internal/campaign"
	"github.com/nuxie/growth-core/internal/ir"
	"github.com/nuxie/growth-core/internal/logger"
)

// Snapshot is one distinct id's cached profile.
type Snapshot struct {
	Campaigns   []*campaign.Campaign
	Segments    []*ir.Segment
	Features    map[string]ir.Feature
	Experiments map[string]string // experimentId -> assigned variantId
	FetchedAt   time.Time
}

// Fetcher retrieves a fresh Snapshot from the backend for a distinct id.
type Fetcher interface {
	FetchProfile(ctx context.Context, distinctID string) (*Snapshot, error)
}

// wireSnapshot is the JSON shape Fetcher/patch documents exchange over
// the wire; Snapshot's ir.Segment/campaign.Campaign/ir.Feature trees
// round-trip through it so a JSON Patch can address any field by
// pointer path.
type wireSnapshot struct {
	Campaigns   json.RawMessage            `json:"campaigns"`
	Segments    json.RawMessage            `json:"segments"`
	Features    map[string]ir.Feature      `json:"features"`
	Experiments map[string]string          `json:"experiments"`
}

// Cache is the Profile Cache: stale-until-replaced per distinct-id
// snapshots, each independently fetchable and independently patchable.
type Cache struct {
	fetcher Fetcher
	log     *logger.Logger

	mu    sync.RWMutex
	byID  map[string]*Snapshot
	raw   map[string][]byte // last wire-form snapshot, for patch application
}

// New constructs an empty Cache backed by fetcher.
func New(fetcher Fetcher, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.Nop()
	}
	return &Cache{fetcher: fetcher, log: log, byID: map[string]*Snapshot{}, raw: map[string][]byte{}}
}

// Get returns the cached Snapshot for distinctID, or nil if none has
// ever been fetched. Stale data is returned until a Refresh replaces
// it.
func (c *Cache) Get(distinctID string) *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[distinctID]
}

// Campaigns satisfies journey.CampaignSource.
func (c *Cache) Campaigns(ctx context.Context, distinctID string) []*campaign.Campaign {
	snap := c.Get(distinctID)
	if snap == nil {
		return nil
	}
	return snap.Campaigns
}

// Refresh performs a full fetch and replaces the cached snapshot,
// the setup/identify/reset/purchase-completed refetch triggers.
func (c *Cache) Refresh(ctx context.Context, distinctID string) error {
	snap, err := c.fetcher.FetchProfile(ctx, distinctID)
	if err != nil {
		c.log.Error("profile refresh failed", "distinct_id", distinctID, "error", err)
		return err
	}
	snap.FetchedAt = time.Now()

	raw, err := marshalWire(snap)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.byID[distinctID] = snap
	c.raw[distinctID] = raw
	c.mu.Unlock()
	return nil
}

// RefreshWithTimeout is the "short-timeout variant for fast-path
// consults": a fetch bounded by timeout, falling
// back silently to the existing (possibly stale) snapshot on timeout.
func (c *Cache) RefreshWithTimeout(ctx context.Context, distinctID string, timeout time.Duration) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.Refresh(tctx, distinctID); err != nil {
		c.log.Error("fast-path profile refresh skipped", "distinct_id", distinctID, "error", err)
	}
}

// ApplyPatch merges a JSON Patch document (RFC 6902) the backend
// pushed in place of a full refetch.
func (c *Cache) ApplyPatch(distinctID string, patchDoc []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := c.raw[distinctID]
	if !ok {
		return errNoBaseline
	}
	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return err
	}
	patched, err := patch.Apply(raw)
	if err != nil {
		return err
	}

	snap, err := unmarshalWire(patched)
	if err != nil {
		return err
	}
	snap.FetchedAt = time.Now()
	c.byID[distinctID] = snap
	c.raw[distinctID] = patched
	return nil
}

var errNoBaseline = &cacheError{"profile: no baseline snapshot to patch, fetch first"}

type cacheError struct{ msg string }

func (e *cacheError) Error() string { return e.msg }

func marshalWire(snap *Snapshot) ([]byte, error) {
	campaignsJSON, err := json.Marshal(snap.Campaigns)
	if err != nil {
		return nil, err
	}
	segmentsJSON, err := json.Marshal(snap.Segments)
	if err != nil {
		return nil, err
	}
	w := wireSnapshot{
		Campaigns: campaignsJSON, Segments: segmentsJSON,
		Features: snap.Features, Experiments: snap.Experiments,
	}
	return json.Marshal(w)
}

func unmarshalWire(data []byte) (*Snapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	snap := &Snapshot{Features: w.Features, Experiments: w.Experiments}
	if len(w.Campaigns) > 0 {
		if err := json.Unmarshal(w.Campaigns, &snap.Campaigns); err != nil {
			return nil, err
		}
	}
	if len(w.Segments) > 0 {
		if err := json.Unmarshal(w.Segments, &snap.Segments); err != nil {
			return nil, err
		}
	}
	return snap, nil
}
