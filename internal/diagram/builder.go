package diagram

import (
	"fmt"

	"github.com/rendis/credflow/internal/graph"
	"github.com/rendis/credflow/internal/store"
	"github.com/rendis/credflow/pkg/schema"
)

// Build constructs a DiagramModel from a definition. When exec is non-nil
// the model is overlaid with its steps: node status, visit counts and the
// edges the execution actually took.
func Build(def *schema.WorkflowDefinition, exec *store.Execution, steps []*store.StepExecution) (*DiagramModel, error) {
	g, err := graph.Compile(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	model := &DiagramModel{Title: titleFromDef(def)}
	seen := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		gn, err := g.Node(n.ID)
		if err != nil {
			gn = &graph.Node{WorkflowNode: n}
		}
		model.Nodes = append(model.Nodes, &Node{ID: n.ID, Label: nodeLabel(gn), Kind: kindOf(n.Type)})
	}

	for _, n := range model.Nodes {
		out := g.Outgoing(n.ID)
		for _, e := range out {
			label := e.Guard
			if label == "" && len(out) > 1 {
				label = "else"
			}
			model.Edges = append(model.Edges, Edge{From: e.Source, To: e.Target, Label: label})
		}
	}

	model.Levels = buildLevels(model)

	if exec != nil {
		overlay(model, exec, steps)
	}
	return model, nil
}

// nodeLabel is the node id followed by the most telling config field.
func nodeLabel(n *graph.Node) string {
	detail := ""
	switch c := n.Config.(type) {
	case schema.FormConfig:
		detail = "form: " + c.FormKey
	case schema.NotificationConfig:
		detail = "notify: " + c.Recipient
	case schema.ApprovalConfig:
		detail = "approval: " + c.Approvers
	case schema.SignatureConfig:
		detail = "signature: " + c.Document
	case schema.EndConfig:
		if c.Outcome != "" {
			detail = "outcome: " + c.Outcome
		}
	}
	if detail == "" {
		return n.ID
	}
	return n.ID + "\n(" + detail + ")"
}

// overlay applies runtime step state to the model.
func overlay(model *DiagramModel, exec *store.Execution, steps []*store.StepExecution) {
	path := make([]string, 0, len(steps)+1)
	for _, s := range steps {
		node := model.Node(s.NodeID)
		if node == nil {
			continue
		}
		if node.Status == nil {
			node.Status = &StatusOverlay{}
		}
		node.Status.Visits++
		node.Status.Status = string(s.Status)
		node.Status.Error = s.ErrorMessage
		node.Status.DurationMs = 0
		if s.CompletedAt != nil {
			node.Status.DurationMs = s.CompletedAt.Sub(s.StartedAt).Milliseconds()
		}
		path = append(path, s.NodeID)
	}

	if cur := model.Node(exec.CurrentNodeID); cur != nil {
		switch {
		case exec.Status == schema.ExecutionCompleted && cur.Kind == NodeKindEnd:
			cur.Status = &StatusOverlay{Status: string(schema.StepCompleted), Visits: 1}
			path = append(path, cur.ID)
		case !exec.Status.Terminal():
			if cur.Status == nil {
				cur.Status = &StatusOverlay{Status: string(schema.StepPending)}
			}
			cur.Status.Current = true
		}
	}

	for i := 1; i < len(path); i++ {
		for j := range model.Edges {
			e := &model.Edges[j]
			if e.From == path[i-1] && e.To == path[i] {
				e.Taken = true
				break
			}
		}
	}
}

// buildLevels assigns each node the length of the longest path from a node
// without incoming edges. Nodes caught in a cycle land on a final level.
func buildLevels(model *DiagramModel) [][]string {
	indeg := make(map[string]int, len(model.Nodes))
	out := make(map[string][]string, len(model.Nodes))
	for _, n := range model.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range model.Edges {
		if _, ok := indeg[e.To]; !ok {
			continue
		}
		indeg[e.To]++
		out[e.From] = append(out[e.From], e.To)
	}

	level := make(map[string]int, len(model.Nodes))
	var queue []string
	for _, n := range model.Nodes {
		if indeg[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	maxLevel := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range out[id] {
			if level[id]+1 > level[next] {
				level[next] = level[id] + 1
			}
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
		if level[id] > maxLevel {
			maxLevel = level[id]
		}
	}

	levels := make([][]string, maxLevel+1)
	var stuck []string
	for _, n := range model.Nodes {
		if indeg[n.ID] > 0 {
			stuck = append(stuck, n.ID)
			continue
		}
		levels[level[n.ID]] = append(levels[level[n.ID]], n.ID)
	}
	if len(stuck) > 0 {
		levels = append(levels, stuck)
	}
	return levels
}

// titleFromDef generates a diagram title from workflow metadata.
func titleFromDef(def *schema.WorkflowDefinition) string {
	name := def.Name
	if name == "" {
		name = def.ID
	}
	if def.Version > 0 {
		return fmt.Sprintf("%s v%d", name, def.Version)
	}
	return name
}
