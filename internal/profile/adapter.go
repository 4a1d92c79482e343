package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/nuxie/growth-core/internal/ir"
)

// segmentAdapter resolves Segment(...) membership against a cached
// snapshot's segment list by evaluating each segment's compiled
// condition through the same evaluator used for campaign logic, so a
// segment definition is just another predicate over the same Context.
type segmentAdapter struct {
	cache      *Cache
	evaluator  *ir.Evaluator
	distinctID string
	ctxFn      func() *ir.Context
}

// NewSegmentAdapter builds the ir.SegmentAdapter a journey/trigger
// evaluation uses for Segment(...) checks. ctxFn lazily supplies the
// Context to evaluate segment conditions against (the same Context the
// outer evaluation is already using, to avoid rebuilding adapters
// recursively for every nested Segment() call).
func NewSegmentAdapter(cache *Cache, evaluator *ir.Evaluator, distinctID string, ctxFn func() *ir.Context) ir.SegmentAdapter {
	return &segmentAdapter{cache: cache, evaluator: evaluator, distinctID: distinctID, ctxFn: ctxFn}
}

func (a *segmentAdapter) InSegment(ctx context.Context, segmentID string, within *time.Duration) (bool, error) {
	snap := a.cache.Get(a.distinctID)
	if snap == nil {
		return false, nil
	}
	for _, seg := range snap.Segments {
		if seg.ID != segmentID {
			continue
		}
		return a.evaluator.EvaluatePredicate(ctx, a.ctxFn(), seg.Condition)
	}
	return false, fmt.Errorf("profile: unknown segment %q", segmentID)
}

// featureAdapter resolves Feature(...) entitlement checks directly
// against the cached snapshot's feature map (no evaluation needed,
// unlike segments — features are resolved server-side and cached as a
// flat id->Feature map).
type featureAdapter struct {
	cache      *Cache
	distinctID string
}

// NewFeatureAdapter builds the ir.FeatureAdapter a journey/trigger
// evaluation uses for Feature(...) checks.
func NewFeatureAdapter(cache *Cache, distinctID string) ir.FeatureAdapter {
	return &featureAdapter{cache: cache, distinctID: distinctID}
}

func (a *featureAdapter) Check(ctx context.Context, featureID string) (ir.Feature, error) {
	snap := a.cache.Get(a.distinctID)
	if snap == nil {
		return ir.Feature{ID: featureID}, nil
	}
	if f, ok := snap.Features[featureID]; ok {
		return f, nil
	}
	return ir.Feature{ID: featureID}, nil
}
