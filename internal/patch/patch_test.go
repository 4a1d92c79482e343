package patch

import (
	"context"
	"testing"

	"github.com/nuxie/growth-core/internal/campaign"
)

type fakeSource struct {
	base     *campaign.Campaign
	patches  [][]byte
}

func (f *fakeSource) BaseCampaign(ctx context.Context, campaignID string) (*campaign.Campaign, error) {
	return f.base, nil
}

func (f *fakeSource) Patches(ctx context.Context, campaignID string) ([][]byte, error) {
	return f.patches, nil
}

func baseCampaign() *campaign.Campaign {
	return &campaign.Campaign{
		ID: "c1", EntryNodeID: "n1",
		Workflow: campaign.Workflow{Nodes: map[string]*campaign.Node{
			"n1": {ID: "n1", Kind: campaign.NodeTimeDelay, DurationSeconds: 60, Next: []string{"n2"}},
			"n2": {ID: "n2", Kind: campaign.NodeExit, ExitReason: campaign.ExitCompleted},
		}},
	}
}

func TestLoadReturnsBaseWhenNoPatches(t *testing.T) {
	l := New(&fakeSource{base: baseCampaign()}, nil)
	got, err := l.Load(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Workflow.Nodes["n1"].DurationSeconds != 60 {
		t.Fatalf("expected unpatched duration 60, got %v", got.Workflow.Nodes["n1"].DurationSeconds)
	}
}

func TestLoadAppliesPatchAndRecompiles(t *testing.T) {
	patchDoc := []byte(`[{"op": "replace", "path": "/Workflow/Nodes/n1/DurationSeconds", "value": 120}]`)
	l := New(&fakeSource{base: baseCampaign(), patches: [][]byte{patchDoc}}, nil)

	got, err := l.Load(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Workflow.Nodes["n1"].DurationSeconds != 120 {
		t.Fatalf("expected patched duration 120, got %v", got.Workflow.Nodes["n1"].DurationSeconds)
	}
}

func TestLoadRejectsPatchThatBreaksCompilation(t *testing.T) {
	patchDoc := []byte(`[{"op": "replace", "path": "/Workflow/Nodes/n1/Next", "value": ["does-not-exist"]}]`)
	l := New(&fakeSource{base: baseCampaign(), patches: [][]byte{patchDoc}}, nil)

	_, err := l.Load(context.Background(), "c1")
	if err == nil {
		t.Fatalf("expected recompile failure for a patch introducing a dangling reference")
	}
}
