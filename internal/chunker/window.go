package chunker

// windowStrategy emits fixed-size windows. Consecutive windows share overlap
// bytes so text crossing a boundary stays whole in at least one chunk.
type windowStrategy struct {
	size    int
	overlap int
}

func (w windowStrategy) split(text string) []span {
	var out []span
	start := 0
	for start < len(text) {
		end := start + w.size
		if end >= len(text) {
			end = len(text)
		} else {
			end = runeFloor(text, end)
			if end <= start {
				end = start + w.size
			}
		}
		if sp, ok := trim(text, start, end); ok {
			out = append(out, sp)
		}
		if end == len(text) {
			break
		}
		next := runeFloor(text, end-w.overlap)
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}
