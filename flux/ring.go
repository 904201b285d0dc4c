package flux

import "errors"

// ErrOverflow reports that a bounded capture buffer dropped samples because
// the consumer fell behind the producer.
var ErrOverflow = errors.New("flux: capture buffer overflow")

// Ring is a fixed-capacity sample queue between a capture source and a
// decode pass. When full, Push drops the oldest sample and raises the
// overflow flag; ingest never blocks and never grows the buffer. The dropped
// region shows up downstream as an abnormally long interval, so clock
// recovery marks it low-confidence on its own; the flag lets the session
// flag the affected sectors as well.
type Ring struct {
	buf        []Sample
	head, tail int
	size       int
	overflowed bool
	dropped    int
}

// NewRing creates a ring holding at most capacity samples.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]Sample, capacity)}
}

// Push appends a sample, evicting the oldest one when full.
func (r *Ring) Push(s Sample) {
	if r.size == len(r.buf) {
		// Evict oldest; keep its index/hole annotation alive by folding it
		// into the next survivor so revolution boundaries are not lost.
		old := r.buf[r.head]
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		r.dropped++
		r.overflowed = true
		if old.Index && r.size > 0 {
			r.buf[r.head].Index = true
		}
		if old.Hole && r.size > 0 {
			r.buf[r.head].Hole = true
		}
	}
	r.buf[r.tail] = s
	r.tail = (r.tail + 1) % len(r.buf)
	r.size++
}

// Pop removes and returns the oldest sample.
func (r *Ring) Pop() (Sample, bool) {
	if r.size == 0 {
		return Sample{}, false
	}
	s := r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return s, true
}

// Len returns the number of buffered samples.
func (r *Ring) Len() int { return r.size }

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Overflowed reports whether any sample has been dropped since the last
// ClearOverflow.
func (r *Ring) Overflowed() bool { return r.overflowed }

// Dropped returns the total number of evicted samples.
func (r *Ring) Dropped() int { return r.dropped }

// ClearOverflow resets the overflow flag, keeping the drop counter.
func (r *Ring) ClearOverflow() { r.overflowed = false }

// Drain pops every buffered sample into a slice, oldest first.
func (r *Ring) Drain() []Sample {
	out := make([]Sample, 0, r.size)
	for {
		s, ok := r.Pop()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}
