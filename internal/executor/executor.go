// Package executor implements the Journey Executor: a pure function
// from (node, journey, resumeReason) to a NodeExecutionResult, with
// every side effect injected through Ports.
package executor

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nuxie/growth-core/internal/campaign"
	"github.com/nuxie/growth-core/internal/dynval"
	"github.com/nuxie/growth-core/internal/ir"
)

// ResumeReason enumerates why the executor is (re-)entering a node.
type ResumeReason string

const (
	ResumeStart         ResumeReason = "start"
	ResumeTimer         ResumeReason = "timer"
	ResumeEvent         ResumeReason = "event"
	ResumeSegmentChange ResumeReason = "segment_change"
)

// OutcomeKind discriminates NodeExecutionResult's tagged variant.
type OutcomeKind string

const (
	OutcomeContinue OutcomeKind = "continue"
	OutcomeSkip     OutcomeKind = "skip"
	OutcomeAsync    OutcomeKind = "async"
	OutcomeComplete OutcomeKind = "complete"
)

// NodeExecutionResult is the executor's pure-function return value.
type NodeExecutionResult struct {
	Kind      OutcomeKind
	NextIDs   []string               // OutcomeContinue
	NextID    string                 // OutcomeSkip (optional)
	ResumeAt  *time.Time             // OutcomeAsync (nil means "no timer, wait for reactive resume")
	Reason    campaign.ExitReason    // OutcomeComplete
}

func continueTo(ids ...string) NodeExecutionResult {
	return NodeExecutionResult{Kind: OutcomeContinue, NextIDs: ids}
}

func skipTo(id string) NodeExecutionResult {
	return NodeExecutionResult{Kind: OutcomeSkip, NextID: id}
}

func async(at *time.Time) NodeExecutionResult {
	return NodeExecutionResult{Kind: OutcomeAsync, ResumeAt: at}
}

func complete(reason campaign.ExitReason) NodeExecutionResult {
	return NodeExecutionResult{Kind: OutcomeComplete, Reason: reason}
}

// WaitDeadlines is the persisted WaitUntil wait state: {startedAt,
// pathId -> absolute deadline, nil means "no timeout for this path"}.
type WaitDeadlines struct {
	StartedAt time.Time
	Deadlines map[string]*time.Time
}

// JourneyView is the minimal read/write surface the executor needs
// from a live journey, kept here (rather than importing the journey
// package) so the executor stays a pure, dependency-light function —
// the journeystore/journey packages adapt their own Journey type to
// this interface.
type JourneyView interface {
	ID() string
	CampaignID() string
	DistinctID() string
	Context() map[string]dynval.Value
	SetContext(key string, v dynval.Value)
	WaitState() *WaitDeadlines
	SetWaitState(*WaitDeadlines)
}

// Ports bundles every side-effecting dependency a node may need,
// injected so the executor itself performs no I/O directly.
type Ports struct {
	Evaluator        *ir.Evaluator
	IRContext        func(ctx context.Context, j JourneyView) *ir.Context
	ShowFlow         func(ctx context.Context, distinctID, flowID string) error
	BindEvent        func(eventID, journeyID, flowID string)
	UpdateCustomer   func(ctx context.Context, distinctID string, attrs map[string]dynval.Value) error
	SendEvent        func(ctx context.Context, name string, props map[string]dynval.Value) error
	CallDelegate     func(message string, payload map[string]dynval.Value)
	ExperimentAssignment func(ctx context.Context, distinctID, experimentID string) (variantID string, ok bool)
	Telemetry        func(ctx context.Context, nodeID string, kind campaign.NodeKind, outcome NodeExecutionResult)
	Now              func() time.Time
	Location         *time.Location
	TriggerEventID   string // the originating event id, for ShowFlow's bind
}

// Execute runs one node and returns its outcome. It never panics or
// returns an error to the caller: internal failures are translated into
// a node-type-specific fallback.
func Execute(ctx context.Context, node *campaign.Node, journey JourneyView, reason ResumeReason, event *ir.EventRecord, ports Ports) NodeExecutionResult {
	now := time.Now
	if ports.Now != nil {
		now = ports.Now
	}

	result := execute(ctx, node, journey, reason, event, ports, now)
	if ports.Telemetry != nil {
		ports.Telemetry(ctx, node.ID, node.Kind, result)
	}
	return result
}

func execute(ctx context.Context, node *campaign.Node, journey JourneyView, reason ResumeReason, event *ir.EventRecord, ports Ports, now func() time.Time) NodeExecutionResult {
	switch node.Kind {
	case campaign.NodeShowFlow:
		return execShowFlow(ctx, node, journey, ports)
	case campaign.NodeTimeDelay:
		return execTimeDelay(node, now)
	case campaign.NodeBranch:
		return execBranch(ctx, node, journey, event, ports)
	case campaign.NodeMultiBranch:
		return execMultiBranch(ctx, node, journey, event, ports)
	case campaign.NodeUpdateCustomer:
		return execUpdateCustomer(ctx, node, journey, event, ports)
	case campaign.NodeSendEvent:
		return execSendEvent(ctx, node, journey, event, ports)
	case campaign.NodeTimeWindow:
		return execTimeWindow(node, ports, now)
	case campaign.NodeWaitUntil:
		return execWaitUntil(ctx, node, journey, reason, event, ports, now)
	case campaign.NodeRandomBranch:
		return execRandomBranch(node)
	case campaign.NodeCallDelegate:
		return execCallDelegate(ctx, node, journey, event, ports)
	case campaign.NodeExit:
		return complete(node.ExitReason)
	default:
		return skipTo(firstOrEmpty(node.Next))
	}
}

func firstOrEmpty(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// --- ShowFlow ---

func execShowFlow(ctx context.Context, node *campaign.Node, journey JourneyView, ports Ports) NodeExecutionResult {
	flowID := node.FlowID
	if node.Experiment != nil {
		variantID, flow, ok := resolveVariant(ctx, journey.DistinctID(), node.Experiment, ports)
		if !ok {
			return skipTo(firstOrEmpty(node.Next))
		}
		flowID = flow
		journey.SetContext("_experiment_variant_"+node.Experiment.ID, dynval.String(variantID))
	}

	if ports.BindEvent != nil && ports.TriggerEventID != "" {
		ports.BindEvent(ports.TriggerEventID, journey.ID(), flowID)
	}
	if ports.ShowFlow != nil {
		// Presentation is fire-and-forget; the journey advances past
		// ShowFlow whether or not the flow could be shown.
		go func() {
			_ = ports.ShowFlow(ctx, journey.DistinctID(), flowID)
		}()
	}
	return continueTo(node.Next...)
}

// resolveVariant prefers a server-assigned variant from the profile
// cache; otherwise computes the deterministic FNV1a bucket.
func resolveVariant(ctx context.Context, distinctID string, exp *campaign.Experiment, ports Ports) (variantID, flowID string, ok bool) {
	if ports.ExperimentAssignment != nil {
		if assigned, found := ports.ExperimentAssignment(ctx, distinctID, exp.ID); found {
			for _, v := range exp.Variants {
				if v.ID == assigned {
					return v.ID, v.FlowID, true
				}
			}
		}
	}
	if len(exp.Variants) == 0 {
		return "", "", false
	}

	bucket := FNV1aBucket(distinctID, exp.ID)
	var cumulative float64
	for _, v := range exp.Variants {
		cumulative += v.Percentage
		if float64(bucket) < cumulative {
			return v.ID, v.FlowID, true
		}
	}
	// rounding fallback: last variant wins
	last := exp.Variants[len(exp.Variants)-1]
	return last.ID, last.FlowID, true
}

// FNV1aBucket computes FNV1a("{distinctId}:{experimentId}") mod 100,
// the deterministic experiment-variant bucketing function used when no
// server assignment exists.
func FNV1aBucket(distinctID, experimentID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(distinctID + ":" + experimentID))
	return int(h.Sum32() % 100)
}

// XXHashBucket is an alternate bucketing function over xxhash64 for
// hosts that want one hash family across their whole experimentation
// stack. Not the default: server-published assignments assume the
// FNV1a buckets.
func XXHashBucket(distinctID, experimentID string) int {
	return int(xxhash.Sum64String(distinctID+":"+experimentID) % 100)
}

// --- TimeDelay ---

func execTimeDelay(node *campaign.Node, now func() time.Time) NodeExecutionResult {
	if node.DurationSeconds <= 0 {
		return continueTo(node.Next...)
	}
	at := now().Add(time.Duration(node.DurationSeconds * float64(time.Second)))
	return async(&at)
}

// --- Branch / MultiBranch ---

func execBranch(ctx context.Context, node *campaign.Node, journey JourneyView, event *ir.EventRecord, ports Ports) NodeExecutionResult {
	if len(node.Next) < 2 || node.Condition == nil {
		return complete(campaign.ExitErrorReason)
	}
	result, err := evalNodeCondition(ctx, journey, event, ports, *node.Condition)
	if err != nil {
		return skipTo(node.Next[1]) // false-path fallback on evaluation failure
	}
	if result {
		return continueTo(node.Next[0])
	}
	return continueTo(node.Next[1])
}

func execMultiBranch(ctx context.Context, node *campaign.Node, journey JourneyView, event *ir.EventRecord, ports Ports) NodeExecutionResult {
	for i, cond := range node.Conditions {
		ok, err := evalNodeCondition(ctx, journey, event, ports, cond)
		if err != nil {
			return defaultBranch(node)
		}
		if ok && i < len(node.Next) {
			return continueTo(node.Next[i])
		}
	}
	return defaultBranch(node)
}

func defaultBranch(node *campaign.Node) NodeExecutionResult {
	if len(node.Next) > len(node.Conditions) {
		return continueTo(node.Next[len(node.Next)-1])
	}
	return complete(campaign.ExitCompleted)
}

func evalNodeCondition(ctx context.Context, journey JourneyView, event *ir.EventRecord, ports Ports, envelope ir.Envelope) (bool, error) {
	if ports.Evaluator == nil || ports.IRContext == nil {
		return false, errNoEvaluator
	}
	ictx := ports.IRContext(ctx, journey)
	if event != nil {
		ictx.Event = event
	}
	return ports.Evaluator.EvaluatePredicate(ctx, ictx, envelope)
}

var errNoEvaluator = errors.New("executor: no evaluator configured")

// --- UpdateCustomer ---

func execUpdateCustomer(ctx context.Context, node *campaign.Node, journey JourneyView, event *ir.EventRecord, ports Ports) NodeExecutionResult {
	attrs := resolveLiteralMap(ctx, journey, event, ports, node.Attributes)
	if ports.UpdateCustomer != nil {
		if err := ports.UpdateCustomer(ctx, journey.DistinctID(), attrs); err != nil {
			return skipTo(firstOrEmpty(node.Next))
		}
	}
	return continueTo(node.Next...)
}

func resolveLiteralMap(ctx context.Context, journey JourneyView, event *ir.EventRecord, ports Ports, src map[string]ir.Node) map[string]dynval.Value {
	out := make(map[string]dynval.Value, len(src))
	for k, n := range src {
		out[k] = resolveNodeValue(ctx, journey, event, ports, n)
	}
	return out
}

func resolveNodeValue(ctx context.Context, journey JourneyView, event *ir.EventRecord, ports Ports, n ir.Node) dynval.Value {
	if ports.Evaluator == nil || ports.IRContext == nil {
		return n.Literal
	}
	ictx := ports.IRContext(ctx, journey)
	if event != nil {
		ictx.Event = event
	}
	v, err := ports.Evaluator.Evaluate(ctx, ictx, ir.Envelope{Expr: n})
	if err != nil {
		return dynval.Null()
	}
	return v
}

// --- SendEvent ---

func execSendEvent(ctx context.Context, node *campaign.Node, journey JourneyView, event *ir.EventRecord, ports Ports) NodeExecutionResult {
	props := resolveLiteralMap(ctx, journey, event, ports, node.EventProperties)
	props["journeyId"] = dynval.String(journey.ID())
	props["campaignId"] = dynval.String(journey.CampaignID())
	props["nodeId"] = dynval.String(node.ID)

	if ports.SendEvent != nil {
		if err := ports.SendEvent(ctx, node.EventName, props); err != nil {
			return skipTo(firstOrEmpty(node.Next))
		}
	}
	return continueTo(node.Next...)
}

// --- TimeWindow ---

// weekday returns t's day of week in loc as 1=Sun..7=Sat.
func weekday(t time.Time, loc *time.Location) int {
	return int(t.In(loc).Weekday()) + 1
}

func execTimeWindow(node *campaign.Node, ports Ports, now func() time.Time) NodeExecutionResult {
	loc := time.UTC
	if !node.UseUTC && ports.Location != nil {
		loc = ports.Location
	}
	cur := now().In(loc)

	if len(node.DaysOfWeek) > 0 && !node.DaysOfWeek[weekday(cur, loc)] {
		next := nextValidDayMidnight(cur, loc, node.DaysOfWeek)
		return async(&next)
	}

	curMinutes := cur.Hour()*60 + cur.Minute()
	inWindow := inTimeWindow(curMinutes, node.StartHM, node.EndHM)
	if inWindow {
		return continueTo(node.Next...)
	}

	next := nextWindowStart(cur, loc, node.StartHM, node.DaysOfWeek)
	return async(&next)
}

func inTimeWindow(cur, start, end int) bool {
	if start == end {
		return true
	}
	if start < end {
		return cur >= start && cur < end
	}
	// overnight window
	return cur >= start || cur < end
}

func nextValidDayMidnight(from time.Time, loc *time.Location, daysOfWeek map[int]bool) time.Time {
	for i := 1; i <= 7; i++ {
		candidate := from.AddDate(0, 0, i)
		midnight := time.Date(candidate.Year(), candidate.Month(), candidate.Day(), 0, 0, 0, 0, loc)
		if daysOfWeek[weekday(midnight, loc)] {
			return midnight
		}
	}
	return from.AddDate(0, 0, 1)
}

func nextWindowStart(from time.Time, loc *time.Location, startHM int, daysOfWeek map[int]bool) time.Time {
	startHour, startMin := startHM/60, startHM%60
	candidate := time.Date(from.Year(), from.Month(), from.Day(), startHour, startMin, 0, 0, loc)
	if !candidate.After(from) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	if len(daysOfWeek) == 0 {
		return candidate
	}
	for i := 0; i < 8; i++ {
		if daysOfWeek[weekday(candidate, loc)] {
			return candidate
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// --- WaitUntil ---

func execWaitUntil(ctx context.Context, node *campaign.Node, journey JourneyView, reason ResumeReason, event *ir.EventRecord, ports Ports, now func() time.Time) NodeExecutionResult {
	state := journey.WaitState()
	if state == nil {
		state = buildWaitState(node, now())
		journey.SetWaitState(state)
	}

	if reason == ResumeEvent || reason == ResumeSegmentChange {
		for _, path := range node.WaitPaths {
			ok, err := evalNodeCondition(ctx, journey, event, ports, path.Condition)
			if err != nil {
				continue
			}
			if ok {
				journey.SetWaitState(nil)
				return continueTo(path.Next)
			}
		}
		// no reactive match: reschedule without re-evaluating timeouts
		next := earliestDeadline(state)
		if next == nil {
			return async(nil)
		}
		clamped := *next
		if !clamped.After(now()) {
			clamped = now().Add(500 * time.Millisecond)
		}
		return async(&clamped)
	}

	// non-reactive resume (start|timer): evaluate matured deadlines,
	// earliest matured path wins.
	var earliestID string
	var earliestAt time.Time
	found := false
	for pathID, at := range state.Deadlines {
		if at == nil || at.After(now()) {
			continue
		}
		if !found || at.Before(earliestAt) {
			found = true
			earliestID = pathID
			earliestAt = *at
		}
	}
	if found {
		journey.SetWaitState(nil)
		for _, p := range node.WaitPaths {
			if p.ID == earliestID {
				return continueTo(p.Next)
			}
		}
		return complete(campaign.ExitErrorReason)
	}

	next := earliestDeadline(state)
	return async(next)
}

func buildWaitState(node *campaign.Node, startedAt time.Time) *WaitDeadlines {
	deadlines := make(map[string]*time.Time, len(node.WaitPaths))
	for _, p := range node.WaitPaths {
		if p.MaxTime == nil {
			deadlines[p.ID] = nil
			continue
		}
		at := startedAt.Add(*p.MaxTime)
		deadlines[p.ID] = &at
	}
	return &WaitDeadlines{StartedAt: startedAt, Deadlines: deadlines}
}

func earliestDeadline(state *WaitDeadlines) *time.Time {
	var earliest *time.Time
	for _, at := range state.Deadlines {
		if at == nil {
			continue
		}
		if earliest == nil || at.Before(*earliest) {
			earliest = at
		}
	}
	return earliest
}

// --- RandomBranch ---

func execRandomBranch(node *campaign.Node) NodeExecutionResult {
	u := rand.Float64() * 100
	var cumulative float64
	for i, b := range node.RandomBranches {
		cumulative += b.Percentage
		if u < cumulative && i < len(node.Next) {
			return continueTo(node.Next[i])
		}
	}
	return continueTo(node.Next...)
}

// --- CallDelegate ---

func execCallDelegate(ctx context.Context, node *campaign.Node, journey JourneyView, event *ir.EventRecord, ports Ports) NodeExecutionResult {
	if ports.CallDelegate != nil {
		ports.CallDelegate(node.DelegateMessage, resolveLiteralMap(ctx, journey, event, ports, node.DelegatePayload))
	}
	return continueTo(node.Next...)
}
