package chunker

import "strings"

// markdownStrategy splits before every level 1 or 2 heading outside fenced
// code. The heading leads its section. A section holding nothing but its
// heading is folded into the next one.
type markdownStrategy struct{}

func (markdownStrategy) split(text string) []span {
	var cuts []int
	inFence := false
	for off := 0; off < len(text); {
		nl := strings.IndexByte(text[off:], '\n')
		lineEnd := len(text)
		if nl >= 0 {
			lineEnd = off + nl
		}
		line := strings.TrimRight(text[off:lineEnd], "\r")
		trimmed := strings.TrimLeft(line, " ")

		switch {
		case strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~"):
			inFence = !inFence
		case !inFence && isSectionHeading(line):
			if off > 0 {
				cuts = append(cuts, off)
			}
		}
		off = lineEnd + 1
	}

	bounds := append([]int{0}, cuts...)
	bounds = append(bounds, len(text))

	var out []span
	pending := -1
	for i := 0; i < len(bounds)-1; i++ {
		start := bounds[i]
		if pending >= 0 {
			start = pending
			pending = -1
		}
		sp, ok := trim(text, start, bounds[i+1])
		if !ok {
			continue
		}
		if i < len(bounds)-2 && headingOnly(text[sp.start:sp.end]) {
			pending = sp.start
			continue
		}
		out = append(out, sp)
	}
	return out
}

func isSectionHeading(line string) bool {
	return strings.HasPrefix(line, "# ") || strings.HasPrefix(line, "## ") ||
		line == "#" || line == "##"
}

func headingOnly(s string) bool {
	return isSectionHeading(s) && !strings.Contains(s, "\n")
}
