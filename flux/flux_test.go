package flux

import (
	"testing"
)

func TestRevolutions(t *testing.T) {
	testCases := []struct {
		name         string
		samples      []Sample
		expectedRevs int
		expectedLens []int
	}{
		{
			name: "ThreeRevolutions",
			samples: []Sample{
				{Time: 100, Index: true},
				{Time: 200},
				{Time: 300},
				{Time: 400, Index: true},
				{Time: 500},
				{Time: 600, Index: true},
				{Time: 700},
			},
			expectedRevs: 3,
			expectedLens: []int{3, 2, 2},
		},
		{
			name: "NoIndexMarks",
			samples: []Sample{
				{Time: 100},
				{Time: 200},
				{Time: 300},
			},
			expectedRevs: 1,
			expectedLens: []int{3},
		},
		{
			name: "LeadingSamplesBeforeFirstIndex",
			samples: []Sample{
				{Time: 50},
				{Time: 100, Index: true},
				{Time: 200},
				{Time: 300, Index: true},
				{Time: 400},
			},
			expectedRevs: 2,
			expectedLens: []int{2, 2},
		},
		{
			name:         "Empty",
			samples:      nil,
			expectedRevs: 0,
			expectedLens: nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &Recording{Samples: tc.samples}
			revs := rec.Revolutions()
			if len(revs) != tc.expectedRevs {
				t.Fatalf("Revolutions() returned %d revolutions, expected %d", len(revs), tc.expectedRevs)
			}
			for i, rev := range revs {
				if len(rev) != tc.expectedLens[i] {
					t.Errorf("revolution %d has %d samples, expected %d", i, len(rev), tc.expectedLens[i])
				}
			}
		})
	}
}

func TestIntervalIterator(t *testing.T) {
	samples := []Sample{
		{Time: 1000},
		{Time: 3000},
		{Time: 4000},
		{Time: 8000},
	}

	it := NewIntervalIterator(samples)
	expected := []uint64{2000, 1000, 4000}

	for i, want := range expected {
		got := it.NextFlux()
		if got != want {
			t.Errorf("interval %d: got %d, expected %d", i, got, want)
		}
	}

	// Exhausted iterator returns 0
	if got := it.NextFlux(); got != 0 {
		t.Errorf("exhausted iterator returned %d, expected 0", got)
	}
	if it.Remaining() != 0 {
		t.Errorf("Remaining() = %d after exhaustion, expected 0", it.Remaining())
	}
}

func TestIntervalIteratorOffsetOrigin(t *testing.T) {
	// A revolution slice taken from the middle of a recording starts at a
	// non-zero time; the first interval must be measured within the slice.
	samples := []Sample{
		{Time: 200000, Index: true},
		{Time: 202000},
		{Time: 206000},
	}

	it := NewIntervalIterator(samples)
	if got := it.NextFlux(); got != 2000 {
		t.Errorf("first interval = %d, expected 2000", got)
	}
	if got := it.NextFlux(); got != 4000 {
		t.Errorf("second interval = %d, expected 4000", got)
	}
}

func TestFromIntervals(t *testing.T) {
	rec := FromIntervals([]uint64{2000, 2000, 3000})
	if len(rec.Samples) != 3 {
		t.Fatalf("FromIntervals produced %d samples, expected 3", len(rec.Samples))
	}
	expectedTimes := []uint64{2000, 4000, 7000}
	for i, want := range expectedTimes {
		if rec.Samples[i].Time != want {
			t.Errorf("sample %d time = %d, expected %d", i, rec.Samples[i].Time, want)
		}
	}
	if rec.Duration() != 7000 {
		t.Errorf("Duration() = %d, expected 7000", rec.Duration())
	}
}

func TestIntervals(t *testing.T) {
	samples := []Sample{{Time: 100}, {Time: 300}, {Time: 450}}
	got := Intervals(samples)
	want := []uint64{200, 150}
	if len(got) != len(want) {
		t.Fatalf("Intervals returned %d values, expected %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("interval %d = %d, expected %d", i, got[i], want[i])
		}
	}
	if Intervals(samples[:1]) != nil {
		t.Error("Intervals of a single sample should be nil")
	}
}
