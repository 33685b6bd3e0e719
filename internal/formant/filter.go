package formant

import "github.com/MrWong99/vocalis/pkg/types"

// DefaultWindow is the length of the trailing mode filter.
const DefaultWindow = 5

// modeFilter keeps the last n raw results and reports their most frequent
// label. Ties go to the most recent label.
type modeFilter struct {
	buf  []Result
	next int
	full bool
}

func newModeFilter(n int) *modeFilter {
	return &modeFilter{buf: make([]Result, n)}
}

func (m *modeFilter) push(r Result) {
	m.buf[m.next] = r
	m.next = (m.next + 1) % len(m.buf)
	if m.next == 0 {
		m.full = true
	}
}

func (m *modeFilter) size() int {
	if m.full {
		return len(m.buf)
	}
	return m.next
}

// result returns the mode label with the mean confidence of the entries
// carrying it. It must not be called on an empty filter.
func (m *modeFilter) result() Result {
	n := m.size()
	var counts [types.Mm + 1]int
	var sums [types.Mm + 1]float64
	var latest [types.Mm + 1]int
	for i := range n {
		// Oldest first.
		idx := (m.next - n + i + len(m.buf)) % len(m.buf)
		r := m.buf[idx]
		counts[r.Phoneme]++
		sums[r.Phoneme] += r.Confidence
		latest[r.Phoneme] = i
	}
	best := types.Silence
	bestCount := -1
	for _, p := range []types.Phoneme{types.Silence, types.Ah, types.Oo, types.Mm} {
		c := counts[p]
		if c == 0 {
			continue
		}
		if c > bestCount || (c == bestCount && latest[p] > latest[best]) {
			best, bestCount = p, c
		}
	}
	return Result{Phoneme: best, Confidence: sums[best] / float64(bestCount)}
}

func (m *modeFilter) reset() {
	clear(m.buf)
	m.next = 0
	m.full = false
}
