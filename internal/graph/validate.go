package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rendis/credflow/pkg/schema"
)

// GuardValidator statically checks the shape of a guard expression.
type GuardValidator interface {
	Validate(guard string) error
}

// singleExit lists node types that advance along exactly one unconditional edge.
var singleExit = map[schema.NodeType]bool{
	schema.NodeTypeStart:        true,
	schema.NodeTypeForm:         true,
	schema.NodeTypeNotification: true,
}

// Validate checks a definition's structure and returns every violation found.
// It accepts iff there is exactly one start node, every node is reachable from
// it, every edge endpoint exists, the graph is acyclic, every node config
// parses and every guard is well formed. guards may be nil to skip guard checks.
func Validate(def *schema.WorkflowDefinition, guards GuardValidator) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("", schema.IssueStructure, "workflow definition is nil")
		return result
	}
	if len(def.Nodes) == 0 {
		result.AddError("nodes", schema.IssueStructure, "definition has no nodes")
		return result
	}

	nodes := make(map[string]schema.WorkflowNode, len(def.Nodes))
	var starts []string
	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			result.AddError(path+".id", schema.IssueStructure, "node id is empty")
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			result.AddErrorf(path+".id", schema.IssueDuplicateID, "duplicate node id %q", n.ID)
			continue
		}
		nodes[n.ID] = n

		if !knownType(n.Type) {
			result.AddErrorf(path+".type", schema.IssueUnknownNodeType, "node %q has unknown type %q", n.ID, n.Type)
			continue
		}
		if n.Type == schema.NodeTypeStart {
			starts = append(starts, n.ID)
		}
		if _, err := schema.ParseNodeConfig(n); err != nil {
			result.AddError(path+".config", schema.IssueNodeConfig, errMessage(err))
		}
	}

	switch len(starts) {
	case 1:
	case 0:
		result.AddError("nodes", schema.IssueStartCount, "definition has no start node")
	default:
		result.AddErrorf("nodes", schema.IssueStartCount, "definition has %d start nodes %v, want exactly 1", len(starts), starts)
	}

	edgeIDs := make(map[string]bool, len(def.Edges))
	out := make(map[string][]string, len(nodes))
	in := make(map[string]int, len(nodes))
	exits := make(map[string][]schema.WorkflowEdge, len(nodes))
	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		switch {
		case e.ID == "":
			result.AddError(path+".id", schema.IssueStructure, "edge id is empty")
		case edgeIDs[e.ID]:
			result.AddErrorf(path+".id", schema.IssueDuplicateID, "duplicate edge id %q", e.ID)
		default:
			edgeIDs[e.ID] = true
		}

		_, srcOK := nodes[e.Source]
		_, dstOK := nodes[e.Target]
		if !srcOK {
			result.AddErrorf(path+".source", schema.IssueDanglingEdge, "edge %q source %q does not exist", e.ID, e.Source)
		}
		if !dstOK {
			result.AddErrorf(path+".target", schema.IssueDanglingEdge, "edge %q target %q does not exist", e.ID, e.Target)
		}
		if e.Guard != "" && guards != nil {
			if err := guards.Validate(e.Guard); err != nil {
				result.AddError(path+".guard", schema.IssueGuard, errMessage(err))
			}
		}
		if e.Priority != nil && *e.Priority < 0 {
			result.AddErrorf(path+".priority", schema.IssueEdgeShape, "edge %q priority must not be negative", e.ID)
		}
		if !srcOK || !dstOK {
			continue
		}
		out[e.Source] = append(out[e.Source], e.Target)
		in[e.Target]++
		exits[e.Source] = append(exits[e.Source], e)
	}

	checked := make(map[string]bool, len(nodes))
	for i, n := range def.Nodes {
		if n.ID == "" || checked[n.ID] {
			continue
		}
		checked[n.ID] = true
		path := fmt.Sprintf("nodes[%d]", i)
		es := exits[n.ID]
		switch {
		case n.Type == schema.NodeTypeStart && in[n.ID] > 0:
			result.AddErrorf(path, schema.IssueEdgeShape, "start node %q has incoming edges", n.ID)
		case n.Type == schema.NodeTypeEnd && len(es) > 0:
			result.AddErrorf(path, schema.IssueEdgeShape, "end node %q has outgoing edges", n.ID)
		}
		if singleExit[n.Type] {
			if len(es) > 1 {
				result.AddErrorf(path, schema.IssueEdgeShape, "%s node %q has %d outgoing edges, want at most 1", n.Type, n.ID, len(es))
			}
			for _, e := range es {
				if e.Guard != "" {
					result.AddErrorf(path, schema.IssueEdgeShape, "%s node %q has guarded edge %q", n.Type, n.ID, e.ID)
				}
			}
		}
	}

	if cyc := findCycle(nodes, out, in); len(cyc) > 0 {
		result.AddErrorf("edges", schema.IssueCycle, "definition contains a cycle through %v", cyc)
	} else if len(starts) == 1 {
		for _, id := range unreachable(starts[0], def.Nodes, out) {
			result.AddErrorf("nodes", schema.IssueUnreachable, "node %q is not reachable from start", id)
		}
	}

	return result
}

// findCycle runs Kahn's algorithm and returns the sorted ids left with a
// non-zero in-degree, which is empty for an acyclic graph.
func findCycle(nodes map[string]schema.WorkflowNode, out map[string][]string, in map[string]int) []string {
	inDegree := make(map[string]int, len(nodes))
	queue := make([]string, 0, len(nodes))
	for id := range nodes {
		inDegree[id] = in[id]
		if in[id] == 0 {
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range out[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	var left []string
	for id, deg := range inDegree {
		if deg > 0 {
			left = append(left, id)
		}
	}
	sort.Strings(left)
	return left
}

// unreachable returns, in declaration order, the nodes a BFS from start misses.
func unreachable(start string, declared []schema.WorkflowNode, out map[string][]string) []string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range out[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	var missed []string
	reported := make(map[string]bool)
	for _, n := range declared {
		if n.ID == "" || seen[n.ID] || reported[n.ID] {
			continue
		}
		reported[n.ID] = true
		missed = append(missed, n.ID)
	}
	return missed
}

func knownType(t schema.NodeType) bool {
	for _, k := range schema.NodeTypes {
		if k == t {
			return true
		}
	}
	return false
}

func errMessage(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}
