package growth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nuxie/growth-core/internal/backendclient"
	"github.com/nuxie/growth-core/internal/bootstrap"
	"github.com/nuxie/growth-core/internal/broker"
	"github.com/nuxie/growth-core/internal/campaign"
	"github.com/nuxie/growth-core/internal/dynval"
)

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
		Trigger: campaign.Trigger{Kind: campaign.TriggerEvent, EventName: "purchase"},
		Workflow: campaign.Workflow{Nodes: map[string]*campaign.Node{
			"n1": {ID: "n1", Kind: campaign.NodeExit, ExitReason: campaign.ExitCompleted},
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

func newTestClient(t *testing.T, profileBody []byte) *Client {
	t.Helper()
	doer := &fakeDoer{profileBody: profileBody}
	backend := backendclient.New("http://backend.invalid", "test-key", backendclient.WithDoer(doer))
	cl, err := New(context.Background(), "test-key",
		bootstrap.WithBackendClient(backend),
		bootstrap.WithoutSupervisor(),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = cl.Close(context.Background()) })
	return cl
}

func TestTrackEnrollsCampaignAndResolvesCompletion(t *testing.T) {
	cl := newTestClient(t, oneCampaignProfileBody(t))
	ctx := context.Background()

	if err := cl.RefreshProfile(ctx); err != nil {
		t.Fatalf("RefreshProfile: %v", err)
	}

	outcomes := make(chan Outcome, 1)
	err := cl.Track(ctx, "purchase", map[string]dynval.Value{"amount": dynval.Number(10)}, nil, nil,
		func(o Outcome) { outcomes <- o })
	if err != nil {
		t.Fatalf("Track: %v", err)
	}

	select {
	case o := <-outcomes:
		if o.Kind != JourneyStarted {
			t.Fatalf("expected JourneyStarted outcome, got %+v", o)
		}
		if o.CampaignID != "c1" {
			t.Fatalf("expected campaignId c1, got %q", o.CampaignID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for track completion")
	}
}

func TestTrackWithNoMatchingCampaignReportsNoInteraction(t *testing.T) {
	cl := newTestClient(t, oneCampaignProfileBody(t))
	ctx := context.Background()
	if err := cl.RefreshProfile(ctx); err != nil {
		t.Fatalf("RefreshProfile: %v", err)
	}

	outcomes := make(chan Outcome, 1)
	err := cl.Track(ctx, "unrelated_event", nil, nil, nil, func(o Outcome) { outcomes <- o })
	if err != nil {
		t.Fatalf("Track: %v", err)
	}

	select {
	case o := <-outcomes:
		if o.Kind != NoInteraction {
			t.Fatalf("expected NoInteraction outcome, got %+v", o)
		}
	case <-time.After(cl.core.Config.ImmediateOutcomeWindow + 2*time.Second):
		t.Fatal("timed out waiting for track completion")
	}
}

func TestUserPropsSetOnceDoesNotOverwriteExisting(t *testing.T) {
	cl := newTestClient(t, oneCampaignProfileBody(t))
	ctx := context.Background()

	if err := cl.Track(ctx, "app_open", nil, map[string]dynval.Value{"plan": dynval.String("pro")}, nil, nil); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := cl.Track(ctx, "app_open", nil, nil, map[string]dynval.Value{"plan": dynval.String("free")}, nil); err != nil {
		t.Fatalf("Track: %v", err)
	}

	distinctID := cl.DistinctID()
	v, ok := cl.core.Identity.Property(ctx, "plan")
	if !ok {
		t.Fatalf("expected plan property to be set for %s", distinctID)
	}
	if v.AsString() != "pro" {
		t.Fatalf("expected setOnce to preserve existing value pro, got %s", v.AsString())
	}
}

func TestIdentifyAndReset(t *testing.T) {
	cl := newTestClient(t, oneCampaignProfileBody(t))
	ctx := context.Background()

	anon := cl.AnonymousID()
	if cl.IsIdentified() {
		t.Fatal("expected fresh client to not be identified")
	}

	if err := cl.Identify(ctx, "user-42", nil, nil); err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if !cl.IsIdentified() || cl.DistinctID() != "user-42" {
		t.Fatalf("expected distinct id user-42 after Identify, got %q", cl.DistinctID())
	}

	if err := cl.Reset(ctx, true); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if cl.IsIdentified() {
		t.Fatal("expected Reset to clear identification")
	}
	if cl.AnonymousID() != anon {
		t.Fatalf("expected keepAnonymous=true to preserve anonymous id, got %q vs %q", cl.AnonymousID(), anon)
	}
}

func TestQueueControls(t *testing.T) {
	cl := newTestClient(t, oneCampaignProfileBody(t))
	ctx := context.Background()

	cl.PauseEventQueue()
	if err := cl.Track(ctx, "app_open", nil, nil, nil, nil); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if cl.QueuedEventCount() == 0 {
		t.Fatal("expected an event queued while paused")
	}
	cl.ResumeEventQueue()
	if !cl.FlushEvents(ctx) {
		t.Fatal("expected FlushEvents to succeed")
	}
}

// gateDoer answers the single-event consult with an allow-immediate
// gate decision, and everything else like fakeDoer.
type gateDoer struct{ profileBody []byte }

func (f *gateDoer) Do(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodGet {
		return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(f.profileBody))}, nil
	}
	if strings.HasSuffix(req.URL.Path, "/api/i/event") {
		body := `{"status":"ok","payload":{"gate":{"decision":"allow"}}}`
		return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body))}, nil
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader([]byte(`{}`)))}, nil
}

func TestTrackAllowImmediateGateResolvesWithoutJourney(t *testing.T) {
	doer := &gateDoer{profileBody: oneCampaignProfileBody(t)}
	backend := backendclient.New("http://backend.invalid", "test-key", backendclient.WithDoer(doer))
	cl, err := New(context.Background(), "test-key",
		bootstrap.WithBackendClient(backend),
		bootstrap.WithoutSupervisor(),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = cl.Close(context.Background()) })
	ctx := context.Background()
	if err := cl.RefreshProfile(ctx); err != nil {
		t.Fatalf("RefreshProfile: %v", err)
	}

	// "checkout" matches no cached campaign, so the server's gate
	// decision is the only terminal update for this event.
	outcomes := make(chan Outcome, 1)
	if err := cl.Track(ctx, "checkout", nil, nil, nil, func(o Outcome) { outcomes <- o }); err != nil {
		t.Fatalf("Track: %v", err)
	}

	select {
	case o := <-outcomes:
		if o.Kind != FlowOutcome || o.Reason != "decision.allowedImmediate" {
			t.Fatalf("expected allowedImmediate resolution, got %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gate decision")
	}

	live, err := cl.core.JourneyStore.ActiveForDistinctID(ctx, cl.DistinctID())
	if err != nil {
		t.Fatalf("ActiveForDistinctID: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("expected no journey for an allow-immediate event, got %+v", live)
	}
}

func TestReportPurchaseOutcomeMapsToFlowUpdates(t *testing.T) {
	cl := newTestClient(t, oneCampaignProfileBody(t))
	ctx := context.Background()

	got := make(chan broker.Update, 1)
	cl.core.Broker.Subscribe("evt-1", time.Second, func(u broker.Update) { got <- u })
	cl.core.Broker.Bind("evt-1", "j1", "flow-1")

	if err := cl.ReportPurchaseOutcome(ctx, "flow-1", "txn-1", PurchaseCancelled, nil); err != nil {
		t.Fatalf("ReportPurchaseOutcome: %v", err)
	}
	select {
	case u := <-got:
		if u.Kind != broker.FlowDismissed {
			t.Fatalf("expected cancellation to map to flow.dismissed, got %v", u.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for flow update")
	}
}
