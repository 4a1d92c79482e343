// Package backendclient implements the outbound HTTP surface to the
// growth backend: single-event and batch ingestion,
// profile fetch, feature entitlement check, and purchase verification.
// Implements
// internal/queue.Sender so the Network Queue can flush batches directly
// through it.
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nuxie/growth-core/internal/dynval"
	"github.com/nuxie/growth-core/internal/errs"
	"github.com/nuxie/growth-core/internal/events"
	"github.com/nuxie/growth-core/internal/ir"
	"github.com/nuxie/growth-core/internal/logger"
	"github.com/nuxie/growth-core/internal/profile"
)

// Doer is the subset of *http.Client the client needs, so tests can
// substitute a fake round tripper without spinning up a real server.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the backend HTTP client.
type Client struct {
	baseURL string
	apiKey  string
	doer    Doer
	log     *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithDoer(d Doer) Option         { return func(c *Client) { c.doer = d } }
func WithLogger(l *logger.Logger) Option { return func(c *Client) { c.log = l } }

// New constructs a Client against baseURL, authenticated with apiKey.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL, apiKey: apiKey,
		doer: &http.Client{Timeout: 10 * time.Second},
		log:  logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &errs.NetworkError{Kind: errs.NetworkDecoding, Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &errs.NetworkError{Kind: errs.NetworkTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, &errs.NetworkError{Kind: errs.NetworkTransport, Err: err}
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, &errs.NetworkError{Kind: errs.NetworkHTTP, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return resp, nil
}

// eventWire is the over-the-wire event shape; Properties are converted
// to plain interface{} the same way the events package's marshalProps does,
// since the backend API is not Value-aware.
type eventWire struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	DistinctID     string                 `json:"distinct_id"`
	Timestamp      time.Time              `json:"timestamp"`
	SessionID      string                 `json:"sessionId,omitempty"`
	Properties     map[string]interface{} `json:"properties,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

func toWireEvent(e *events.Event) eventWire {
	props := make(map[string]interface{}, len(e.Properties))
	for k, v := range e.Properties {
		props[k] = wireValue(v)
	}
	return eventWire{
		ID: e.ID, Name: e.Name, DistinctID: e.DistinctID,
		Timestamp: e.Timestamp, SessionID: e.SessionID, Properties: props,
		// the event id doubles as the idempotency key so the backend can
		// dedupe the single-event consult against the batched delivery.
		IdempotencyKey: e.ID,
	}
}

func wireValue(v dynval.Value) interface{} {
	switch v.Kind() {
	case dynval.KindBool:
		return v.AsBool()
	case dynval.KindNumber:
		return v.AsNumber()
	case dynval.KindString:
		return v.AsString()
	case dynval.KindTimestamp:
		return v.AsTime().Format(time.RFC3339Nano)
	case dynval.KindDuration:
		return v.AsDuration().Seconds()
	case dynval.KindList:
		out := make([]interface{}, len(v.AsList()))
		for i, el := range v.AsList() {
			out[i] = wireValue(el)
		}
		return out
	case dynval.KindMap:
		out := map[string]interface{}{}
		for k, el := range v.AsMap() {
			out[k] = wireValue(el)
		}
		return out
	default:
		return nil
	}
}

// GateDecision is the server's immediate decision for a single tracked
// event: "allow" short-circuits any journey work for that event.
type GateDecision struct {
	Decision string `json:"decision"`
}

// EntitlementResult is an entitlement verdict the server may attach to
// a single-event response.
type EntitlementResult struct {
	FeatureID string `json:"featureId,omitempty"`
	Allowed   bool   `json:"allowed"`
}

// EventResponsePayload carries the decision-bearing part of an
// EventResponse.
type EventResponsePayload struct {
	Gate        *GateDecision      `json:"gate,omitempty"`
	Entitlement *EntitlementResult `json:"entitlement,omitempty"`
}

// EventResponse is the POST /api/i/event response shape.
type EventResponse struct {
	Status  string                `json:"status"`
	Payload *EventResponsePayload `json:"payload,omitempty"`
	Message string                `json:"message,omitempty"`
}

// SendEvent posts a single event to POST /api/i/event and returns the
// server's immediate decision payload, if any.
func (c *Client) SendEvent(ctx context.Context, e *events.Event) (*EventResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/i/event", toWireEvent(e))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out EventResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &errs.NetworkError{Kind: errs.NetworkDecoding, Err: err}
	}
	return &out, nil
}

// SendBatch posts a batch to POST /api/i/batch, satisfying
// internal/queue.Sender.
func (c *Client) SendBatch(ctx context.Context, batch []*events.Event) error {
	wire := make([]eventWire, len(batch))
	for i, e := range batch {
		wire[i] = toWireEvent(e)
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/i/batch", map[string]interface{}{"events": wire})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// profileResponse is the GET /profile wire shape; campaign/segment
// trees are opaque JSON here since profile.Snapshot's dynval.Value
// fields have their own MarshalJSON/UnmarshalJSON codec.
type profileResponse struct {
	Campaigns   json.RawMessage    `json:"campaigns"`
	Segments    json.RawMessage    `json:"segments"`
	Features    map[string]ir.Feature `json:"features"`
	Experiments map[string]string  `json:"experiments"`
}

// FetchProfile implements profile.Fetcher against GET /profile.
func (c *Client) FetchProfile(ctx context.Context, distinctID string) (*profile.Snapshot, error) {
	resp, err := c.do(ctx, http.MethodGet, "/profile?distinctId="+distinctID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var pr profileResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, &errs.NetworkError{Kind: errs.NetworkDecoding, Err: err}
	}

	snap := &profile.Snapshot{Experiments: pr.Experiments, Features: pr.Features}
	if len(pr.Campaigns) > 0 {
		if err := json.Unmarshal(pr.Campaigns, &snap.Campaigns); err != nil {
			return nil, &errs.NetworkError{Kind: errs.NetworkDecoding, Err: err}
		}
	}
	if len(pr.Segments) > 0 {
		if err := json.Unmarshal(pr.Segments, &snap.Segments); err != nil {
			return nil, &errs.NetworkError{Kind: errs.NetworkDecoding, Err: err}
		}
	}
	return snap, nil
}

// EntitlementCheck queries GET /entitled for a metered or boolean
// feature's current allowance.
func (c *Client) EntitlementCheck(ctx context.Context, distinctID, featureID string) (allowed bool, balance float64, err error) {
	resp, doErr := c.do(ctx, http.MethodGet, fmt.Sprintf("/entitled?distinctId=%s&featureId=%s", distinctID, featureID), nil)
	if doErr != nil {
		return false, 0, doErr
	}
	defer resp.Body.Close()

	var out struct {
		Allowed bool    `json:"allowed"`
		Balance float64 `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, 0, &errs.NetworkError{Kind: errs.NetworkDecoding, Err: err}
	}
	return out.Allowed, out.Balance, nil
}

// VerifyPurchase posts a StoreKit receipt/transaction to POST /purchase.
func (c *Client) VerifyPurchase(ctx context.Context, distinctID, transactionID string, payload map[string]interface{}) error {
	body := map[string]interface{}{"distinctId": distinctID, "transactionId": transactionID, "payload": payload}
	resp, err := c.do(ctx, http.MethodPost, "/purchase", body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
