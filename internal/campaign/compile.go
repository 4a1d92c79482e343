package campaign

import "fmt"

// Compile validates a Workflow's graph structure: every Next[] target
// exists, the entry node EntryNodeID exists, terminal nodes are computed
// and at least one exists, and the graph contains no cycle that
// isn't mediated by an async node (TimeDelay/TimeWindow/WaitUntil can
// legitimately revisit a node after a resume; a cycle of purely
// synchronous nodes would spin forever and is rejected).
func Compile(c *Campaign) error {
	wf := c.Workflow
	if wf.Nodes == nil || len(wf.Nodes) == 0 {
		return fmt.Errorf("campaign %s: workflow has no nodes", c.ID)
	}
	if _, ok := wf.Nodes[c.EntryNodeID]; !ok {
		return fmt.Errorf("campaign %s: entry node %q not found", c.ID, c.EntryNodeID)
	}

	for _, node := range wf.Nodes {
		for _, next := range outgoing(node) {
			if _, ok := wf.Nodes[next]; !ok {
				return fmt.Errorf("campaign %s: node %s references non-existent next node %q", c.ID, node.ID, next)
			}
		}
	}

	computeTerminalNodes(wf)

	terminalCount := 0
	for _, node := range wf.Nodes {
		if node.IsTerminal {
			terminalCount++
		}
	}
	if terminalCount == 0 {
		return fmt.Errorf("campaign %s: workflow has no terminal node (would never complete)", c.ID)
	}

	if err := detectSynchronousCycle(wf, c.EntryNodeID); err != nil {
		return fmt.Errorf("campaign %s: %w", c.ID, err)
	}

	return nil
}

// outgoing returns every node id a given node may advance to, across
// every node-kind-specific edge list.
func outgoing(n *Node) []string {
	switch n.Kind {
	case NodeWaitUntil:
		out := make([]string, 0, len(n.WaitPaths))
		for _, p := range n.WaitPaths {
			if p.Next != "" {
				out = append(out, p.Next)
			}
		}
		return out
	default:
		return n.Next
	}
}

// isAsync reports whether a node kind's executor outcome can be
// `async`, i.e. control may leave and later re-enter this node without
// that being an infinite synchronous spin.
func isAsync(kind NodeKind) bool {
	switch kind {
	case NodeTimeDelay, NodeTimeWindow, NodeWaitUntil:
		return true
	default:
		return false
	}
}

func computeTerminalNodes(wf Workflow) {
	for _, node := range wf.Nodes {
		node.IsTerminal = len(outgoing(node)) == 0
	}
}

// detectSynchronousCycle walks the graph from entryID and rejects a
// cycle made up entirely of synchronous nodes (Branch/MultiBranch/
// UpdateCustomer/SendEvent/ShowFlow/RandomBranch/CallDelegate): without
// an async boundary such a cycle would recurse forever within one
// executor pass.
func detectSynchronousCycle(wf Workflow, entryID string) error {
	visited := map[string]bool{}
	inStack := map[string]bool{}
	var path []string

	var walk func(id string) error
	walk = func(id string) error {
		visited[id] = true
		inStack[id] = true
		path = append(path, id)

		node := wf.Nodes[id]
		for _, next := range outgoing(node) {
			if inStack[next] {
				async := false
				for i := len(path) - 1; i >= 0; i-- {
					if isAsync(wf.Nodes[path[i]].Kind) {
						async = true
						break
					}
					if path[i] == next {
						break
					}
				}
				if !async {
					return fmt.Errorf("synchronous cycle detected at node %s -> %s", id, next)
				}
				continue
			}
			if !visited[next] {
				if err := walk(next); err != nil {
					return err
				}
			}
		}

		inStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	return walk(entryID)
}
