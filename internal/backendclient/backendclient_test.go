package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/nuxie/growth-core/internal/dynval"
	"github.com/nuxie/growth-core/internal/errs"
	"github.com/nuxie/growth-core/internal/events"
)

type fakeDoer struct {
	status int
	body   string
	lastReq *http.Request
	lastBody []byte
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.lastReq = req
	if req.Body != nil {
		f.lastBody, _ = io.ReadAll(req.Body)
	}
	status := f.status
	if status == 0 {
		status = 200
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader([]byte(f.body)))}, nil
}

func TestSendBatchSerializesEvents(t *testing.T) {
	doer := &fakeDoer{}
	c := New("http://backend", "key", WithDoer(doer))

	batch := []*events.Event{
		{ID: "e1", Name: "app_open", DistinctID: "u1", Timestamp: time.Now(), Properties: map[string]dynval.Value{"n": dynval.Number(3)}},
	}
	if err := c.SendBatch(context.Background(), batch); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if doer.lastReq.Header.Get("Authorization") != "Bearer key" {
		t.Fatalf("expected auth header set")
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(doer.lastBody, &decoded); err != nil {
		t.Fatalf("unmarshal sent body: %v", err)
	}
	evs, ok := decoded["events"].([]interface{})
	if !ok || len(evs) != 1 {
		t.Fatalf("expected one event in batch body, got %+v", decoded)
	}
}

func TestSendBatchNonRetryableStatusReturnsNetworkError(t *testing.T) {
	doer := &fakeDoer{status: 400}
	c := New("http://backend", "key", WithDoer(doer))

	err := c.SendBatch(context.Background(), []*events.Event{{ID: "e1", Name: "x", DistinctID: "u1", Timestamp: time.Now()}})
	if err == nil {
		t.Fatalf("expected error for 400 response")
	}
	netErr, ok := err.(*errs.NetworkError)
	if !ok {
		t.Fatalf("expected *errs.NetworkError, got %T", err)
	}
	if netErr.Retryable() {
		t.Fatalf("expected 400 to be non-retryable")
	}
}

func TestSendBatch5xxIsRetryable(t *testing.T) {
	doer := &fakeDoer{status: 503}
	c := New("http://backend", "key", WithDoer(doer))

	err := c.SendBatch(context.Background(), []*events.Event{{ID: "e1", Name: "x", DistinctID: "u1", Timestamp: time.Now()}})
	netErr, ok := err.(*errs.NetworkError)
	if !ok || !netErr.Retryable() {
		t.Fatalf("expected retryable network error for 503, got %v", err)
	}
}

func TestFetchProfileDecodesSnapshot(t *testing.T) {
	doer := &fakeDoer{body: `{"campaigns": [], "segments": [], "features": {"pro": {"ID":"pro","Allowed":true,"Balance":0}}, "experiments": {"exp1": "b"}}`}
	c := New("http://backend", "key", WithDoer(doer))

	snap, err := c.FetchProfile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("FetchProfile: %v", err)
	}
	if !snap.Features["pro"].Allowed {
		t.Fatalf("expected feature 'pro' allowed")
	}
	if snap.Experiments["exp1"] != "b" {
		t.Fatalf("expected experiment assignment 'b'")
	}
}
