package diagram

import "github.com/goccy/go-graphviz/cgraph"

// statusStyle is how one step status is drawn by every renderer.
type statusStyle struct {
	status string
	class  string // mermaid class name
	tag    string // ascii marker
	fill   string
	stroke string
	font   string
	dashed bool
}

// palette lists the step statuses in the order their mermaid classes are
// declared.
var palette = []statusStyle{
	{status: "completed", class: "completed", tag: "[OK]", fill: "#2d6a2d", stroke: "#1a4a1a", font: "#ffffff"},
	{status: "failed", class: "failed", tag: "[FAIL]", fill: "#8b1a1a", stroke: "#5c0e0e", font: "#ffffff"},
	{status: "running", class: "running", tag: "[RUN]", fill: "#1a5276", stroke: "#0e3a52", font: "#ffffff"},
	{status: "waiting_external", class: "waiting", tag: "[WAIT]", fill: "#b7791a", stroke: "#8a5c14", font: "#ffffff"},
	{status: "pending", class: "pending", tag: "[PEND]", fill: "#6b6b6b", stroke: "#4a4a4a", font: "#ffffff"},
	{status: "skipped", class: "skipped", tag: "[SKIP]", fill: "#e8e8e8", stroke: "#333333", font: "#888888", dashed: true},
}

const (
	takenColor   = "#2d6a2d"
	currentColor = "#f5c518"
)

func styleFor(status string) (statusStyle, bool) {
	for _, s := range palette {
		if s.status == status {
			return s, true
		}
	}
	return statusStyle{}, false
}

// nodeShape pairs the mermaid bracket syntax with the graphviz shape of a
// node kind.
type nodeShape struct {
	open, close string
	gv          cgraph.Shape
}

var shapes = map[NodeKind]nodeShape{
	NodeKindStart:        {"((", "))", cgraph.CircleShape},
	NodeKindEnd:          {"((", "))", cgraph.CircleShape},
	NodeKindCondition:    {"{", "}", cgraph.DiamondShape},
	NodeKindApproval:     {"([", "])", cgraph.EllipseShape},
	NodeKindSignature:    {"([", "])", cgraph.EllipseShape},
	NodeKindNotification: {">", "]", cgraph.NoteShape},
	NodeKindForm:         {"[", "]", cgraph.BoxShape},
}

func shapeOf(kind NodeKind) nodeShape {
	if s, ok := shapes[kind]; ok {
		return s
	}
	return shapes[NodeKindForm]
}
