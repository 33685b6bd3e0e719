package cycle

import (
	"math"

	"github.com/MrWong99/vocalis/internal/dsp"
	"github.com/MrWong99/vocalis/pkg/types"
)

// LockThreshold is the overall score at which a cycle counts as locked.
const LockThreshold = 70

// Quality summarises one scored cycle. Scores are rounded to integers in
// [0, 100]; a phase without samples scores 0.
type Quality struct {
	AhScore      int  `json:"ah_score"`
	OoScore      int  `json:"oo_score"`
	MmScore      int  `json:"mm_score"`
	OverallScore int  `json:"overall_score"`
	IsLocked     bool `json:"is_locked"`

	Samples int `json:"samples"`
}

// accumulator collects coherence values per vocal phase during one cycle.
type accumulator struct {
	sums   [types.PhaseMm + 1]float64
	counts [types.PhaseMm + 1]int
}

func (a *accumulator) add(phase types.CyclePhase, coherence float64) {
	if !phase.IsVocal() || !dsp.Finite(coherence) {
		return
	}
	a.sums[phase] += dsp.Clamp(coherence, 0, 100)
	a.counts[phase]++
}

func (a *accumulator) reset() { *a = accumulator{} }

func (a *accumulator) quality() Quality {
	var (
		total float64
		n     int
	)
	mean := func(p types.CyclePhase) int {
		total += a.sums[p]
		n += a.counts[p]
		if a.counts[p] == 0 {
			return 0
		}
		return round(a.sums[p] / float64(a.counts[p]))
	}
	q := Quality{
		AhScore: mean(types.PhaseAh),
		OoScore: mean(types.PhaseOo),
		MmScore: mean(types.PhaseMm),
		Samples: n,
	}
	if n > 0 {
		q.OverallScore = round(total / float64(n))
	}
	q.IsLocked = q.OverallScore >= LockThreshold
	return q
}

// round rounds half away from zero, so a mean of 69.5 locks.
func round(v float64) int { return int(math.Round(v)) }

// Summary is the final report handed to [Listener.OnSessionComplete].
type Summary struct {
	Cycles       []Quality `json:"cycles"`
	LockedCycles int       `json:"locked_cycles"`

	// AverageScore is the mean OverallScore across scored cycles.
	AverageScore float64 `json:"average_score"`
}

func summarize(cycles []Quality) Summary {
	s := Summary{Cycles: append([]Quality(nil), cycles...)}
	var total int
	for _, q := range cycles {
		total += q.OverallScore
		if q.IsLocked {
			s.LockedCycles++
		}
	}
	if len(cycles) > 0 {
		s.AverageScore = float64(total) / float64(len(cycles))
	}
	return s
}
