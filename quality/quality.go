// Package quality scores decode passes so the session layer can rank
// revolutions, decide when statistical recovery is worth running, and
// surface media health to operators.
package quality

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Score bands. A degraded track decodes but should be re-read; a critical
// one is mostly guesswork and gets flagged on every result that leaves it.
const (
	DegradedThreshold = 140
	CriticalThreshold = 60
)

// Report summarizes the signal health of one decode pass.
type Report struct {
	LockMean   float64 // mean clock-recovery lock quality, 0-255
	LockMin    uint8   // worst lock quality seen
	Jitter     float64 // mean flux deviation from the cell grid, fraction of a cell
	ValidRatio float64 // checksum-clean sectors over sectors seen
	Score      uint8   // composite, 0-255
}

// Degraded reports whether the pass is below the re-read threshold.
func (r Report) Degraded() bool { return r.Score < DegradedThreshold }

// Critical reports whether the pass is below the trust threshold.
func (r Report) Critical() bool { return r.Score < CriticalThreshold }

// Assess builds a Report from the lock-quality trace of a pass, its flux
// intervals against the recovered cell period, and its sector tally.
func Assess(lockTrace []uint8, intervalsNs []uint64, cellNs float64, valid, total int) Report {
	var rep Report
	if len(lockTrace) == 0 && len(intervalsNs) == 0 && total == 0 {
		return rep
	}

	if len(lockTrace) > 0 {
		trace := make([]float64, len(lockTrace))
		rep.LockMin = lockTrace[0]
		for i, v := range lockTrace {
			trace[i] = float64(v)
			if v < rep.LockMin {
				rep.LockMin = v
			}
		}
		rep.LockMean = stat.Mean(trace, nil)
	}

	rep.Jitter = gridJitter(intervalsNs, cellNs)

	if total > 0 {
		rep.ValidRatio = float64(valid) / float64(total)
	}

	rep.Score = compose(rep)
	return rep
}

// gridJitter measures how far flux intervals sit from whole multiples of
// the cell period. Healthy media stays under a few percent; dropouts and
// weak magnetization smear it out.
func gridJitter(intervalsNs []uint64, cellNs float64) float64 {
	if len(intervalsNs) == 0 || cellNs <= 0 {
		return 0
	}
	residuals := make([]float64, 0, len(intervalsNs))
	for _, iv := range intervalsNs {
		cells := math.Round(float64(iv) / cellNs)
		if cells < 1 {
			cells = 1
		}
		residuals = append(residuals, math.Abs(float64(iv)-cells*cellNs)/cellNs)
	}
	mean, std := stat.MeanStdDev(residuals, nil)
	if math.IsNaN(std) {
		std = 0
	}
	// Spread counts as much as offset: a clean but mis-clocked read has a
	// large mean and no spread, a dying disk has both.
	return mean + std/2
}

func compose(r Report) uint8 {
	jitterTerm := 1 - r.Jitter*4
	if jitterTerm < 0 {
		jitterTerm = 0
	}
	score := 0.45*r.LockMean + 0.35*255*jitterTerm + 0.2*255*r.ValidRatio
	if score < 0 {
		score = 0
	}
	if score > 255 {
		score = 255
	}
	return uint8(score)
}
