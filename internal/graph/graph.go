// Package graph is the in-memory form of a published workflow definition.
package graph

import (
	"sort"

	"github.com/rendis/credflow/pkg/schema"
)

// Node is a definition node with its parsed, type-specific config.
type Node struct {
	schema.WorkflowNode
	Config schema.NodeConfig

	// configErr is kept rather than returned from Compile so that a definition
	// mutated after publishing fails the execution that reaches the node,
	// not every execution of the definition.
	configErr error
}

// Graph is the immutable lookup structure built from a WorkflowDefinition.
// Safe for concurrent use once compiled.
type Graph struct {
	def      *schema.WorkflowDefinition
	nodes    map[string]*Node
	outgoing map[string][]schema.WorkflowEdge
	starts   []string
}

// Compile builds a Graph from def. It does not validate; a graph compiled from
// a malformed definition reports MALFORMED_DEFINITION from the accessor that
// meets the problem.
func Compile(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeMalformedDefinition, "workflow definition is nil")
	}

	g := &Graph{
		def:      def,
		nodes:    make(map[string]*Node, len(def.Nodes)),
		outgoing: make(map[string][]schema.WorkflowEdge, len(def.Nodes)),
	}

	for _, n := range def.Nodes {
		if _, exists := g.nodes[n.ID]; exists {
			continue
		}
		node := &Node{WorkflowNode: n}
		node.Config, node.configErr = schema.ParseNodeConfig(n)
		g.nodes[n.ID] = node
		if n.Type == schema.NodeTypeStart {
			g.starts = append(g.starts, n.ID)
		}
	}

	for _, e := range def.Edges {
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
	}
	for src := range g.outgoing {
		SortEdges(g.outgoing[src])
	}

	return g, nil
}

// Definition returns the definition the graph was compiled from.
func (g *Graph) Definition() *schema.WorkflowDefinition {
	return g.def
}

// Start returns the unique start node.
func (g *Graph) Start() (*Node, error) {
	if len(g.starts) != 1 {
		return nil, schema.NewErrorf(schema.ErrCodeMalformedDefinition,
			"definition %s@%d has %d start nodes, want exactly 1", g.def.ID, g.def.Version, len(g.starts))
	}
	return g.Node(g.starts[0])
}

// Node returns the node with the given id and its parsed config.
func (g *Graph) Node(id string) (*Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeMalformedDefinition,
			"node %q does not exist in definition %s@%d", id, g.def.ID, g.def.Version).
			WithDetails(map[string]any{"node_id": id})
	}
	if n.configErr != nil {
		return nil, n.configErr
	}
	return n, nil
}

// Outgoing returns the edges leaving nodeID in evaluation order.
// The returned slice must not be modified.
func (g *Graph) Outgoing(nodeID string) []schema.WorkflowEdge {
	return g.outgoing[nodeID]
}

// Len returns the number of distinct nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// SortEdges orders edges for guard evaluation: explicit priority ascending,
// then edges without a priority, ties broken by declaration order.
func SortEdges(edges []schema.WorkflowEdge) {
	sort.SliceStable(edges, func(i, j int) bool {
		pi, pj := edges[i].Priority, edges[j].Priority
		switch {
		case pi != nil && pj != nil:
			return *pi < *pj
		case pi != nil:
			return true
		default:
			return false
		}
	})
}
