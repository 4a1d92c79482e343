// Package patch applies operator-pushed JSON Patch documents to a
// campaign's workflow and recompiles the result, so a hot-fix can reach
// journeys already in flight without a full redeploy. The base
// definition is fetched, every pushed patch applied cumulatively in
// order, and the result recompiled before use.
package patch

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/nuxie/growth-core/internal/campaign"
	"github.com/nuxie/growth-core/internal/logger"
)

// Source resolves a campaign's base (unpatched) definition and any
// patch documents an operator has pushed for it since.
type Source interface {
	BaseCampaign(ctx context.Context, campaignID string) (*campaign.Campaign, error)
	Patches(ctx context.Context, campaignID string) ([][]byte, error) // ordered, cumulative
}

// Loader materializes a campaign's current (possibly patched)
// definition: base workflow with every pushed patch applied in order,
// then recompiled and validated.
type Loader struct {
	source Source
	log    *logger.Logger
}

func New(source Source, log *logger.Logger) *Loader {
	if log == nil {
		log = logger.Nop()
	}
	return &Loader{source: source, log: log}
}

// Load returns the current materialized Campaign: base + every patch,
// cumulatively applied, then recompiled. A recompile failure leaves the
// campaign unusable (caller should keep serving the last-known-good
// version) rather than risk routing journeys into a broken graph.
func (l *Loader) Load(ctx context.Context, campaignID string) (*campaign.Campaign, error) {
	base, err := l.source.BaseCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("patch: load base campaign: %w", err)
	}

	patches, err := l.source.Patches(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("patch: load patches: %w", err)
	}
	if len(patches) == 0 {
		l.log.Debug("no run patches found, campaign unchanged", "campaign_id", campaignID)
		return base, nil
	}

	doc, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("patch: marshal base campaign: %w", err)
	}

	for i, p := range patches {
		patchDoc, err := jsonpatch.DecodePatch(p)
		if err != nil {
			return nil, fmt.Errorf("patch: decode patch %d: %w", i, err)
		}
		doc, err = patchDoc.Apply(doc)
		if err != nil {
			return nil, fmt.Errorf("patch: apply patch %d: %w", i, err)
		}
	}

	var patched campaign.Campaign
	if err := json.Unmarshal(doc, &patched); err != nil {
		return nil, fmt.Errorf("patch: unmarshal patched campaign: %w", err)
	}
	if err := campaign.Compile(&patched); err != nil {
		return nil, fmt.Errorf("patch: recompile patched campaign: %w", err)
	}

	l.log.Info("run patches applied and recompiled", "campaign_id", campaignID, "patch_count", len(patches))
	return &patched, nil
}
