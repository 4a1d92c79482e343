package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/nuxie/growth-core/internal/backendclient"
	"github.com/nuxie/growth-core/internal/campaign"
	"github.com/nuxie/growth-core/internal/config"
	"github.com/nuxie/growth-core/internal/journeystore"
)

// fakeDoer stands in for the network transport: GET /profile returns a
// single-campaign snapshot, every other call (event delivery) succeeds
// with an empty 200.
type fakeDoer struct{ profileBody []byte }

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodGet {
		return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(f.profileBody))}, nil
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader([]byte(`{}`)))}, nil
}

func oneCampaignProfileBody(t *testing.T) []byte {
	t.Helper()
	c := &campaign.Campaign{
		ID: "c1", EntryNodeID: "n1",
		Trigger: campaign.Trigger{Kind: campaign.TriggerEvent, EventName: "app_open"},
		Workflow: campaign.Workflow{Nodes: map[string]*campaign.Node{
			"n1": {ID: "n1", Kind: campaign.NodeUpdateCustomer, Next: []string{"n2"}},
			"n2": {ID: "n2", Kind: campaign.NodeExit, ExitReason: campaign.ExitCompleted},
		}},
	}
	campaignsJSON, err := json.Marshal([]*campaign.Campaign{c})
	if err != nil {
		t.Fatalf("marshal campaign: %v", err)
	}
	body, err := json.Marshal(map[string]json.RawMessage{"campaigns": campaignsJSON})
	if err != nil {
		t.Fatalf("marshal profile body: %v", err)
	}
	return body
}

func TestSetupWiresTrackThroughToJourneyCompletion(t *testing.T) {
	doer := &fakeDoer{profileBody: oneCampaignProfileBody(t)}
	backend := backendclient.New("http://backend.invalid", "test-key", backendclient.WithDoer(doer))

	cfg, err := config.New("test-key")
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}

	c, err := Setup(context.Background(), cfg,
		WithBackendClient(backend),
		WithoutSupervisor(),
	)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer c.Shutdown(context.Background())

	if err := c.ProfileCache.Refresh(context.Background(), c.Identity.EffectiveDistinctID()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if err := c.Track(context.Background(), "app_open", nil); err != nil {
		t.Fatalf("Track: %v", err)
	}

	all, err := c.JourneyStore.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one journey enrolled, got %d", len(all))
	}
	if all[0].Status != journeystore.StatusCompleted {
		t.Fatalf("expected journey to run to completion, got %v", all[0].Status)
	}
	if c.EventStore.(interface{ Len() int }).Len() != 3 {
		t.Fatalf("expected app_open + $journey_start + $journey_completed appended, got %d",
			c.EventStore.(interface{ Len() int }).Len())
	}
}

func TestSetupRequiresValidConfig(t *testing.T) {
	cfg, _ := config.New("")
	if _, err := Setup(context.Background(), cfg); err == nil {
		t.Fatalf("expected Setup to reject a config with an empty API key")
	}
}
