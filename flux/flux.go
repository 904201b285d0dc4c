// Package flux holds the raw capture data model: timed magnetic transition
// samples, per-track recordings spanning one or more revolutions, and the
// bounded ingest ring that sits between a capture source and a decode pass.
package flux

// Sample is a single observed flux transition. Time is in nanoseconds,
// monotonic from the start of the capture. Index is set on the first
// transition after an index pulse, Hole on the first transition after a
// sector hole of a hard-sectored disk.
type Sample struct {
	Time  uint64
	Index bool
	Hole  bool
}

// Recording is the flux data for one read of one track: an ordered,
// append-only sample sequence covering one or more revolutions.
// Scores optionally carries a per-revolution quality score (0-255) when the
// capture file provides a precomputed one; it may be nil or shorter than the
// actual revolution count.
type Recording struct {
	Samples []Sample
	Scores  []uint8
}

// FromIntervals builds a Recording from successive transition intervals in
// nanoseconds, starting at time zero. Used by synthetic captures and tests.
func FromIntervals(intervals []uint64) *Recording {
	rec := &Recording{Samples: make([]Sample, 0, len(intervals))}
	t := uint64(0)
	for _, iv := range intervals {
		t += iv
		rec.Samples = append(rec.Samples, Sample{Time: t})
	}
	return rec
}

// Append adds a transition at the given absolute time.
func (r *Recording) Append(s Sample) {
	r.Samples = append(r.Samples, s)
}

// Duration returns the time of the last transition, or 0 for an empty
// recording.
func (r *Recording) Duration() uint64 {
	if len(r.Samples) == 0 {
		return 0
	}
	return r.Samples[len(r.Samples)-1].Time
}

// Revolutions splits the recording at index marks. The leading samples before
// the first index mark form the first slice only when no index mark exists at
// all (unindexed captures decode as a single revolution). Slices share the
// underlying array; callers must not mutate them.
func (r *Recording) Revolutions() [][]Sample {
	var revs [][]Sample
	start := -1
	for i, s := range r.Samples {
		if !s.Index {
			continue
		}
		if start >= 0 {
			revs = append(revs, r.Samples[start:i])
		}
		start = i
	}
	if start < 0 {
		// No index marks at all: treat the whole capture as one revolution.
		if len(r.Samples) == 0 {
			return nil
		}
		return [][]Sample{r.Samples}
	}
	if start < len(r.Samples) {
		revs = append(revs, r.Samples[start:])
	}
	return revs
}

// RevolutionScore returns the capture-provided quality score for revolution i
// and whether one was recorded.
func (r *Recording) RevolutionScore(i int) (uint8, bool) {
	if i < 0 || i >= len(r.Scores) {
		return 0, false
	}
	return r.Scores[i], true
}

// IntervalIterator yields successive transition intervals from a sample
// slice. It satisfies the clock-recovery flux source contract: NextFlux
// returns the nanoseconds to the next transition, 0 when exhausted.
type IntervalIterator struct {
	samples  []Sample
	index    int
	lastTime uint64
}

// NewIntervalIterator starts iterating samples. The first interval is
// measured from the first sample's own time origin, so a revolution slice
// taken out of a longer recording starts cleanly.
func NewIntervalIterator(samples []Sample) *IntervalIterator {
	it := &IntervalIterator{samples: samples}
	if len(samples) > 0 {
		it.lastTime = samples[0].Time
		it.index = 1
	}
	return it
}

// NextFlux returns the next flux interval in nanoseconds, or 0 when no more
// transitions are available.
func (it *IntervalIterator) NextFlux() uint64 {
	if it.index >= len(it.samples) {
		return 0
	}
	next := it.samples[it.index].Time
	interval := next - it.lastTime
	it.lastTime = next
	it.index++
	return interval
}

// Remaining reports how many transitions have not been consumed yet.
func (it *IntervalIterator) Remaining() int {
	return len(it.samples) - it.index
}

// Intervals converts a sample slice to plain interval values. Helper for the
// format selector and the quality monitor, which both work on intervals.
func Intervals(samples []Sample) []uint64 {
	if len(samples) < 2 {
		return nil
	}
	out := make([]uint64, 0, len(samples)-1)
	last := samples[0].Time
	for _, s := range samples[1:] {
		out = append(out, s.Time-last)
		last = s.Time
	}
	return out
}
