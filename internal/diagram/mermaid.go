package diagram

import (
	"fmt"
	"strings"
)

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// RenderMermaid renders model as a top-down Mermaid flowchart. Overlay
// statuses become node classes and taken transitions get a link style.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, n := range model.Nodes {
		shape := shapeOf(n.Kind)
		fmt.Fprintf(&b, "    %s%s%q%s\n", mermaidID(n.ID), shape.open, mermaidLabel(n), shape.close)
	}

	var taken []int
	for i, e := range model.Edges {
		arrow := "-->"
		if e.Label != "" {
			arrow = fmt.Sprintf("-->|%q|", mermaidText(e.Label))
		}
		fmt.Fprintf(&b, "    %s %s %s\n", mermaidID(e.From), arrow, mermaidID(e.To))
		if e.Taken {
			taken = append(taken, i)
		}
	}

	b.WriteByte('\n')
	for _, s := range palette {
		fmt.Fprintf(&b, "    classDef %s fill:%s,stroke:%s,color:%s", s.class, s.fill, s.stroke, s.font)
		if s.dashed {
			b.WriteString(",stroke-dasharray:5 5")
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "    classDef current stroke:%s,stroke-width:4px\n", currentColor)

	for _, n := range model.Nodes {
		if n.Status == nil {
			continue
		}
		if s, ok := styleFor(n.Status.Status); ok {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidID(n.ID), s.class)
		}
		if n.Status.Current {
			fmt.Fprintf(&b, "    class %s current\n", mermaidID(n.ID))
		}
	}
	// linkStyle indexes count edges in emission order.
	for _, i := range taken {
		fmt.Fprintf(&b, "    linkStyle %d stroke:%s,stroke-width:3px\n", i, takenColor)
	}
	return b.String()
}

func mermaidLabel(n *Node) string {
	label := mermaidText(firstLine(n.Label))
	if n.Status != nil && n.Status.Visits > 1 {
		label += fmt.Sprintf(" x%d", n.Status.Visits)
	}
	return label
}

func mermaidID(id string) string { return mermaidIDReplacer.Replace(id) }

// mermaidText swaps double quotes, which would end a quoted label.
func mermaidText(s string) string { return strings.ReplaceAll(s, `"`, "'") }
