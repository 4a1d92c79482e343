// Package campaign defines the Campaign and workflow-node data model
// and a compiler/validator over the workflow graph: computing terminal
// nodes, validating entry nodes, and detecting cycles.
package campaign

import (
	"time"

	"github.com/nuxie/growth-core/internal/ir"
)

// ReentryPolicyKind enumerates a campaign's reentry gating mode.
type ReentryPolicyKind string

const (
	ReentryOneTime       ReentryPolicyKind = "one_time"
	ReentryEveryTime     ReentryPolicyKind = "every_time"
	ReentryOncePerWindow ReentryPolicyKind = "once_per_window"
)

// ReentryPolicy gates whether a new journey instance may start.
type ReentryPolicy struct {
	Kind   ReentryPolicyKind
	Amount int
	Unit   time.Duration // one unit of the window, multiplied by Amount
}

// ExitPolicyKind governs whether reaching the campaign goal, or no
// longer matching the trigger segment, ends a live journey early.
type ExitPolicyKind string

const (
	ExitNever       ExitPolicyKind = "never"
	ExitOnGoal      ExitPolicyKind = "on_goal"
	ExitOnStopMatch ExitPolicyKind = "on_stop_matching"
	ExitOnGoalOrStop ExitPolicyKind = "on_goal_or_stop"
)

// TriggerKind discriminates a campaign's trigger variant.
type TriggerKind string

const (
	TriggerEvent   TriggerKind = "event"
	TriggerSegment TriggerKind = "segment"
)

// Trigger is the tagged {Event | Segment} campaign trigger.
type Trigger struct {
	Kind TriggerKind

	// TriggerEvent
	EventName string
	Condition *ir.Envelope // optional

	// TriggerSegment
	SegmentCondition *ir.Envelope
}

// Campaign is the immutable campaign definition: trigger, workflow,
// and policies.
type Campaign struct {
	ID               string
	VersionID        string
	Trigger          Trigger
	EntryNodeID      string
	Workflow         Workflow
	FlowID           string
	Reentry          ReentryPolicy
	Goal             *ir.Envelope
	ExitPolicy       ExitPolicyKind
	ConversionAnchor string
}

// Workflow is the compiled node graph a campaign drives.
type Workflow struct {
	Nodes map[string]*Node
}

// NodeKind discriminates the workflow node tagged variant.
type NodeKind string

const (
	NodeShowFlow       NodeKind = "show_flow"
	NodeTimeDelay      NodeKind = "time_delay"
	NodeExit           NodeKind = "exit"
	NodeBranch         NodeKind = "branch"
	NodeMultiBranch    NodeKind = "multi_branch"
	NodeUpdateCustomer NodeKind = "update_customer"
	NodeSendEvent      NodeKind = "send_event"
	NodeTimeWindow     NodeKind = "time_window"
	NodeWaitUntil      NodeKind = "wait_until"
	NodeRandomBranch   NodeKind = "random_branch"
	NodeCallDelegate   NodeKind = "call_delegate"
)

// ExitReason enumerates an Exit node's terminal reason.
type ExitReason string

const (
	ExitCompleted        ExitReason = "completed"
	ExitGoalMet          ExitReason = "goal_met"
	ExitExpired          ExitReason = "expired"
	ExitErrorReason      ExitReason = "error"
	ExitCancelled        ExitReason = "cancelled"
	ExitTriggerUnmatched ExitReason = "trigger_unmatched"
)

// ExperimentVariant is one arm of a ShowFlow experiment.
type ExperimentVariant struct {
	ID         string
	Percentage float64
	FlowID     string
}

// Experiment is a ShowFlow node's optional A/B assignment.
type Experiment struct {
	ID       string
	Variants []ExperimentVariant
}

// WaitPath is one WaitUntil node's reactive-or-timeout path.
type WaitPath struct {
	ID        string
	Condition ir.Envelope
	MaxTime   *time.Duration
	Next      string
}

// RandomBranchArm is one RandomBranch node's weighted arm.
type RandomBranchArm struct {
	Percentage float64
	Name       string
}

// Node is the tagged-variant workflow node. Every node carries
// an ordered Next list used by branching semantics.
type Node struct {
	ID   string
	Kind NodeKind
	Next []string

	// NodeShowFlow
	FlowID     string // used when Experiment is nil
	Experiment *Experiment

	// NodeTimeDelay
	DurationSeconds float64

	// NodeExit
	ExitReason ExitReason

	// NodeBranch / NodeMultiBranch
	Condition  *ir.Envelope
	Conditions []ir.Envelope

	// NodeUpdateCustomer
	Attributes map[string]ir.Node // literal-valued IR nodes, evaluated at execution time

	// NodeSendEvent
	EventName       string
	EventProperties map[string]ir.Node

	// NodeTimeWindow
	StartHM     int // minutes since midnight
	EndHM       int
	DaysOfWeek  map[int]bool // 1=Sun.. 7=Sat
	UseUTC      bool

	// NodeWaitUntil
	WaitPaths []WaitPath

	// NodeRandomBranch
	RandomBranches []RandomBranchArm

	// NodeCallDelegate
	DelegateMessage string
	DelegatePayload map[string]ir.Node

	// IsTerminal is computed by Compile; a node is terminal when no
	// branch of its Next[] (or node-kind-specific outgoing edges)
	// leads anywhere.
	IsTerminal bool
}
