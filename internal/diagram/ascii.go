package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const asciiGap = "  "

// RenderASCII draws model level by level as rows of boxes joined by arrows,
// then lists every transition. Taken transitions are marked with "*".
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		var row [][]string
		for _, id := range level {
			if n := model.Node(id); n != nil {
				row = append(row, box(asciiLines(n)))
			}
		}
		if len(row) == 0 {
			continue
		}
		writeRow(&b, row)
		if i < len(model.Levels)-1 {
			b.WriteString("       │\n       ▼\n")
		}
	}

	if len(model.Edges) == 0 {
		return b.String()
	}
	b.WriteString("\n--- transitions ---\n")
	for _, e := range model.Edges {
		mark := ' '
		if e.Taken {
			mark = '*'
		}
		fmt.Fprintf(&b, "%c %s ─→ %s", mark, e.From, e.To)
		if e.Label != "" {
			fmt.Fprintf(&b, " [%s]", e.Label)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// asciiLines is the text inside a node's box.
func asciiLines(n *Node) []string {
	lines := []string{firstLine(n.Label)}
	st := n.Status
	if st == nil {
		return lines
	}
	tag := ""
	if s, ok := styleFor(st.Status); ok {
		tag = s.tag
	}
	if st.Current {
		tag = strings.TrimSpace(tag + " <")
	}
	if tag != "" {
		lines = append(lines, tag)
	}
	if st.DurationMs > 0 {
		lines = append(lines, fmt.Sprintf("%dms", st.DurationMs))
	}
	if st.Visits > 1 {
		lines = append(lines, fmt.Sprintf("x%d", st.Visits))
	}
	return lines
}

// box frames lines; every returned line has the same rune width.
func box(lines []string) []string {
	inner := 0
	for _, l := range lines {
		inner = max(inner, utf8.RuneCountInString(l))
	}
	rule := strings.Repeat("─", inner+2)
	out := make([]string, 0, len(lines)+2)
	out = append(out, "┌"+rule+"┐")
	for _, l := range lines {
		out = append(out, "│ "+l+strings.Repeat(" ", inner-utf8.RuneCountInString(l))+" │")
	}
	return append(out, "└"+rule+"┘")
}

// writeRow prints boxes side by side, padding shorter boxes with blanks.
func writeRow(b *strings.Builder, boxes [][]string) {
	height := 0
	for _, bx := range boxes {
		height = max(height, len(bx))
	}
	for r := 0; r < height; r++ {
		for i, bx := range boxes {
			if i > 0 {
				b.WriteString(asciiGap)
			}
			if r < len(bx) {
				b.WriteString(bx[r])
			} else {
				b.WriteString(strings.Repeat(" ", utf8.RuneCountInString(bx[0])))
			}
		}
		b.WriteByte('\n')
	}
}

func firstLine(s string) string {
	before, _, _ := strings.Cut(s, "\n")
	return before
}
