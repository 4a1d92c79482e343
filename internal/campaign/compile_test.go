package campaign

import "testing"

func linearCampaign() *Campaign {
	return &Campaign{
		ID:          "c1",
		EntryNodeID: "n1",
		Workflow: Workflow{Nodes: map[string]*Node{
			"n1": {ID: "n1", Kind: NodeUpdateCustomer, Next: []string{"n2"}},
			"n2": {ID: "n2", Kind: NodeSendEvent, Next: []string{"n3"}},
			"n3": {ID: "n3", Kind: NodeExit, ExitReason: ExitCompleted},
		}},
	}
}

func TestCompileLinearWorkflow(t *testing.T) {
	c := linearCampaign()
	if err := Compile(c); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !c.Workflow.Nodes["n3"].IsTerminal {
		t.Fatalf("expected exit node to be terminal")
	}
	if c.Workflow.Nodes["n1"].IsTerminal {
		t.Fatalf("expected entry node to not be terminal")
	}
}

func TestCompileRejectsMissingEntryNode(t *testing.T) {
	c := linearCampaign()
	c.EntryNodeID = "missing"
	if err := Compile(c); err == nil {
		t.Fatalf("expected error for missing entry node")
	}
}

func TestCompileRejectsDanglingNextReference(t *testing.T) {
	c := linearCampaign()
	c.Workflow.Nodes["n2"].Next = []string{"does-not-exist"}
	if err := Compile(c); err == nil {
		t.Fatalf("expected error for dangling next reference")
	}
}

func TestCompileRejectsNoTerminalNode(t *testing.T) {
	c := &Campaign{
		ID:          "c2",
		EntryNodeID: "n1",
		Workflow: Workflow{Nodes: map[string]*Node{
			"n1": {ID: "n1", Kind: NodeSendEvent, Next: []string{"n2"}},
			"n2": {ID: "n2", Kind: NodeSendEvent, Next: []string{"n1"}},
		}},
	}
	if err := Compile(c); err == nil {
		t.Fatalf("expected error: every node has an outgoing edge, none terminal")
	}
}

func TestCompileRejectsSynchronousCycle(t *testing.T) {
	c := &Campaign{
		ID:          "c3",
		EntryNodeID: "n1",
		Workflow: Workflow{Nodes: map[string]*Node{
			"n1": {ID: "n1", Kind: NodeUpdateCustomer, Next: []string{"n2"}},
			"n2": {ID: "n2", Kind: NodeSendEvent, Next: []string{"n1", "n3"}},
			"n3": {ID: "n3", Kind: NodeExit, ExitReason: ExitCompleted},
		}},
	}
	if err := Compile(c); err == nil {
		t.Fatalf("expected error: n1<->n2 is a purely synchronous cycle")
	}
}

func TestCompileAllowsCycleThroughAsyncNode(t *testing.T) {
	c := &Campaign{
		ID:          "c4",
		EntryNodeID: "n1",
		Workflow: Workflow{Nodes: map[string]*Node{
			"n1": {ID: "n1", Kind: NodeUpdateCustomer, Next: []string{"n2"}},
			"n2": {ID: "n2", Kind: NodeTimeDelay, DurationSeconds: 60, Next: []string{"n1", "n3"}},
			"n3": {ID: "n3", Kind: NodeExit, ExitReason: ExitCompleted},
		}},
	}
	if err := Compile(c); err != nil {
		t.Fatalf("expected cycle through an async TimeDelay node to be allowed, got %v", err)
	}
}

func TestCompileWaitUntilOutgoingFollowsPaths(t *testing.T) {
	c := &Campaign{
		ID:          "c5",
		EntryNodeID: "n1",
		Workflow: Workflow{Nodes: map[string]*Node{
			"n1": {ID: "n1", Kind: NodeWaitUntil, WaitPaths: []WaitPath{
				{ID: "p1", Next: "n2"},
			}},
			"n2": {ID: "n2", Kind: NodeExit, ExitReason: ExitCompleted},
		}},
	}
	if err := Compile(c); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if c.Workflow.Nodes["n1"].IsTerminal {
		t.Fatalf("expected wait-until node with a path to not be terminal")
	}
}
