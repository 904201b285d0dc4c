// Package pll recovers the bit clock from flux transition timing. The loop
// tracks an explicit {phase, frequency estimate, lock quality} record updated
// by a pure step per transition, so it stays unit-testable on synthetic
// interval streams.
package pll

// SCP-style PLL adjustment constants.
const (
	// CLOCK_MAX_ADJ is the +/- adjustment range (90%-110% of ideal)
	CLOCK_MAX_ADJ = 10
	// PERIOD_ADJ_PCT is the period adjustment percentage
	PERIOD_ADJ_PCT = 5
	// PHASE_ADJ_PCT is the phase adjustment percentage
	PHASE_ADJ_PCT = 60
)

// Lock tracking constants.
const (
	// LockMax is the top of the lock-quality scale.
	LockMax = 255
	// DropoutCells: a single interval spanning more ideal cells than this is
	// a dropout, not data.
	DropoutCells = 8
	// phaseBoundPct: transitions landing further than this percentage of the
	// period from the expected boundary count against the lock.
	phaseBoundPct = 30
	// unlockRun: consecutive out-of-bound transitions before declaring the
	// loop unlocked.
	unlockRun = 8
	// relockRun: consecutive in-bound transitions needed to reacquire.
	relockRun = 4
)

// FluxSource provides flux intervals for the PLL algorithm.
// Capture sources and recordings implement this in their own terms.
type FluxSource interface {
	// NextFlux returns the next flux interval in nanoseconds (time until next transition).
	// Returns 0 if no more transitions are available.
	NextFlux() uint64
}

// FluxIterator provides flux intervals from absolute transition times.
// It implements the FluxSource interface.
type FluxIterator struct {
	transitions []uint64 // Absolute transition times in nanoseconds
	index       int      // Current index into transitions
	lastTime    uint64   // Last transition time (for calculating intervals)
}

// NewFluxIterator creates a new FluxIterator from transition times.
func NewFluxIterator(transitions []uint64) *FluxIterator {
	return &FluxIterator{
		transitions: transitions,
		index:       0,
		lastTime:    0,
	}
}

// NextFlux returns the next flux interval in nanoseconds (time until next transition).
// Returns 0 if no more transitions are available.
// Implements the FluxSource interface.
func (fi *FluxIterator) NextFlux() uint64 {
	if fi.index >= len(fi.transitions) {
		return 0 // No more transitions
	}

	nextTime := fi.transitions[fi.index]
	interval := nextTime - fi.lastTime
	fi.lastTime = nextTime
	fi.index++
	return interval
}

// IsDone returns true if all transitions have been consumed.
func (fi *FluxIterator) IsDone() bool {
	return fi.index >= len(fi.transitions)
}

// State is the clock-recovery loop state.
type State struct {
	PeriodIdeal  float64 // Nominal cell period in nanoseconds
	Period       float64 // Current cell period estimate in nanoseconds
	Flux         float64 // Accumulated unconsumed flux time in nanoseconds
	Time         float64 // Total time elapsed in nanoseconds
	ClockedZeros int     // Count of consecutive cells without a transition
	MaxRun       int     // Longest legal zero run for the active encoding
	LockQuality  uint8   // 0 (no confidence) .. 255 (fully locked)
	Unlocked     bool    // True after unlockRun consecutive bad transitions

	badRun  int
	goodRun int
}

// Init initializes the state for a data rate in kbps, using the conventional
// half-bitcell period (a 500 kbps MFM stream has 1000 ns cells).
func Init(pll *State, bitRateKhz uint16) {
	InitPeriod(pll, 1e6/float64(bitRateKhz)/2)
}

// InitPeriod initializes the state for an explicit cell period in
// nanoseconds. Group-coded and NRZ streams use whole-bit cells and set the
// period directly.
func InitPeriod(pll *State, cellNs float64) {
	pll.PeriodIdeal = cellNs
	pll.Period = cellNs
	pll.Flux = 0
	pll.Time = 0
	pll.ClockedZeros = 0
	pll.MaxRun = 3
	pll.LockQuality = LockMax / 2
	pll.Unlocked = false
	pll.badRun = 0
	pll.goodRun = 0
}

// NextBit decodes and returns the next bit cell from the flux input stream.
// Returns false for a cell without a transition, true when a transition
// landed in the cell. Confidence for the emitted cell is the current
// LockQuality.
func NextBit(pll *State, source FluxSource) bool {
	// Accumulate flux until it exceeds period/2
	for pll.Flux < pll.Period/2 {
		fluxInterval := source.NextFlux()
		if fluxInterval == 0 {
			// No more transitions, return a clocked zero
			pll.ClockedZeros++
			return false
		}
		if float64(fluxInterval) > DropoutCells*pll.PeriodIdeal {
			pll.dropout()
		}
		pll.Flux += float64(fluxInterval)
	}

	// Advance time by one clock period
	pll.Time += pll.Period
	pll.Flux -= pll.Period

	// A cell without a transition: flux still reaches past the half-cell window
	if pll.Flux >= pll.Period/2 {
		pll.ClockedZeros++
		return false
	}

	pll.adjust()
	return true
}

// Step consumes exactly one transition interval and returns the number of
// elapsed cells (the final cell carries the transition). Returns 0 when the
// interval is too short to complete a cell; the residue stays accumulated.
// This is the pure per-transition form of the loop.
func Step(pll *State, intervalNs uint64) int {
	if float64(intervalNs) > DropoutCells*pll.PeriodIdeal {
		pll.dropout()
	}
	pll.Flux += float64(intervalNs)
	if pll.Flux < pll.Period/2 {
		return 0
	}

	cells := 0
	for {
		pll.Time += pll.Period
		pll.Flux -= pll.Period
		cells++
		if pll.Flux >= pll.Period/2 {
			pll.ClockedZeros++
			continue
		}
		break
	}
	pll.adjust()
	return cells
}

// adjust applies the period, phase and lock updates for a transition that
// landed with residual phase error pll.Flux (may be negative).
func (pll *State) adjust() {
	// PLL: Adjust clock period according to phase mismatch
	if pll.ClockedZeros <= pll.MaxRun {
		// In sync: adjust base clock by a fraction of phase mismatch
		pll.Period += pll.Flux * PERIOD_ADJ_PCT / 100
	} else {
		// Out of sync: adjust base clock towards centre
		pll.Period += (pll.PeriodIdeal - pll.Period) * PERIOD_ADJ_PCT / 100
	}

	// Clamp the period adjustment range
	pMin := (pll.PeriodIdeal * (100 - CLOCK_MAX_ADJ)) / 100
	if pll.Period < pMin {
		pll.Period = pMin
	}
	pMax := (pll.PeriodIdeal * (100 + CLOCK_MAX_ADJ)) / 100
	if pll.Period > pMax {
		pll.Period = pMax
	}

	pll.trackLock()

	// PLL: Adjust clock phase according to mismatch
	// PHASE_ADJ_PCT=100% -> timing window snaps to observed flux
	newFlux := pll.Flux * (100 - PHASE_ADJ_PCT) / 100
	pll.Time += pll.Flux - newFlux
	pll.Flux = newFlux

	pll.ClockedZeros = 0
}

// trackLock scores the transition's phase error against the lock.
func (pll *State) trackLock() {
	err := pll.Flux
	if err < 0 {
		err = -err
	}
	bound := pll.Period * phaseBoundPct / 100

	if err <= bound {
		pll.badRun = 0
		pll.goodRun++
		if pll.Unlocked && pll.goodRun >= relockRun {
			pll.Unlocked = false
		}
		if !pll.Unlocked {
			step := (LockMax - int(pll.LockQuality)) / 8
			if step < 1 {
				step = 1
			}
			if q := int(pll.LockQuality) + step; q > LockMax {
				pll.LockQuality = LockMax
			} else {
				pll.LockQuality = uint8(q)
			}
		}
		return
	}

	pll.goodRun = 0
	pll.badRun++
	pll.LockQuality /= 2
	if pll.badRun >= unlockRun {
		pll.Unlocked = true
		pll.LockQuality = 0
	}
}

// dropout handles an abnormally long transition-free interval: the bits in
// the gap are still clocked out, but the loop declares itself unlocked and
// their confidence drops to zero until reacquisition.
func (pll *State) dropout() {
	pll.Unlocked = true
	pll.LockQuality = 0
	pll.badRun = 0
	pll.goodRun = 0
	// Do not learn a frequency from the outlier.
	pll.Period = pll.PeriodIdeal
}
