package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage lays model out with dot and returns it as a PNG.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	g, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer g.Close()

	g.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		g.SetLabel(model.Title)
	}

	byID := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, n := range model.Nodes {
		gn, err := g.CreateNodeByName(n.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: node %s: %w", n.ID, err)
		}
		gn.SetLabel(n.Label)
		gn.SetShape(shapeOf(n.Kind).gv)
		if n.Status != nil {
			paintNode(gn, n.Status)
		}
		byID[n.ID] = gn
	}

	for _, e := range model.Edges {
		from, to := byID[e.From], byID[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := g.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: edge %s->%s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
		}
		if e.Taken {
			ge.SetColor(takenColor)
			ge.SetPenWidth(2.5)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func paintNode(gn *cgraph.Node, overlay *StatusOverlay) {
	if s, ok := styleFor(overlay.Status); ok {
		gn.SetStyle(cgraph.FilledNodeStyle)
		if s.dashed {
			gn.SetStyle(cgraph.DashedNodeStyle)
		}
		gn.SetFillColor(s.fill)
		gn.SetFontColor(s.font)
	}
	if overlay.Current {
		gn.SetColor(currentColor)
		gn.SetPenWidth(3)
	}
}
