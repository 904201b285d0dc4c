package quality

import (
	"math"
	"testing"
)

func repeat8(v uint8, n int) []uint8 {
	s := make([]uint8, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestAssessBands(t *testing.T) {
	tests := []struct {
		name      string
		lock      []uint8
		intervals []uint64
		cellNs    float64
		valid     int
		total     int
		score     uint8
		degraded  bool
		critical  bool
	}{
		{
			name:      "clean pass",
			lock:      repeat8(250, 100),
			intervals: []uint64{4000, 6000, 8000, 4000},
			cellNs:    2000,
			valid:     9,
			total:     9,
			// 0.45*250 + 0.35*255 + 0.2*255 = 252.75
			score:    252,
			degraded: false,
			critical: false,
		},
		{
			name:      "worn media",
			lock:      []uint8{100, 140, 100, 140},
			intervals: []uint64{4300, 6300, 8300},
			cellNs:    2000,
			valid:     4,
			total:     9,
			// lock 120, jitter 0.15, ratio 4/9: 54 + 35.7 + 22.67 = 112.37
			score:    112,
			degraded: true,
			critical: false,
		},
		{
			name:      "unreadable",
			lock:      repeat8(20, 50),
			intervals: []uint64{5000, 3000, 5000, 3000},
			cellNs:    2000,
			valid:     0,
			total:     6,
			// jitter 0.5 zeroes its term, no valid sectors: 0.45*20 = 9
			score:    9,
			degraded: true,
			critical: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rep := Assess(tc.lock, tc.intervals, tc.cellNs, tc.valid, tc.total)
			if rep.Score != tc.score {
				t.Errorf("Score = %d, want %d", rep.Score, tc.score)
			}
			if rep.Degraded() != tc.degraded {
				t.Errorf("Degraded() = %v, want %v", rep.Degraded(), tc.degraded)
			}
			if rep.Critical() != tc.critical {
				t.Errorf("Critical() = %v, want %v", rep.Critical(), tc.critical)
			}
		})
	}
}

func TestAssessFields(t *testing.T) {
	rep := Assess([]uint8{200, 180, 220}, []uint64{4000, 6000}, 2000, 3, 4)
	if got := rep.LockMean; math.Abs(got-200) > 1e-9 {
		t.Errorf("LockMean = %v, want 200", got)
	}
	if rep.LockMin != 180 {
		t.Errorf("LockMin = %d, want 180", rep.LockMin)
	}
	if rep.Jitter != 0 {
		t.Errorf("Jitter = %v, want 0", rep.Jitter)
	}
	if got := rep.ValidRatio; math.Abs(got-0.75) > 1e-9 {
		t.Errorf("ValidRatio = %v, want 0.75", got)
	}
}

func TestAssessEmpty(t *testing.T) {
	rep := Assess(nil, nil, 2000, 0, 0)
	if rep != (Report{}) {
		t.Errorf("empty assessment = %+v, want zero report", rep)
	}
}

func TestGridJitter(t *testing.T) {
	t.Run("spread adds to offset", func(t *testing.T) {
		// Residuals 0.1 and 0.3 of a cell: mean 0.2 plus half the
		// sample deviation sqrt(0.02).
		got := gridJitter([]uint64{4200, 4600}, 2000)
		want := 0.2 + math.Sqrt(0.02)/2
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("jitter = %v, want %v", got, want)
		}
	})
	t.Run("single interval", func(t *testing.T) {
		if got := gridJitter([]uint64{4200}, 2000); math.Abs(got-0.1) > 1e-9 {
			t.Errorf("jitter = %v, want 0.1", got)
		}
	})
	t.Run("short interval snaps to one cell", func(t *testing.T) {
		if got := gridJitter([]uint64{500}, 2000); math.Abs(got-0.75) > 1e-9 {
			t.Errorf("jitter = %v, want 0.75", got)
		}
	})
	t.Run("no cell period", func(t *testing.T) {
		if got := gridJitter([]uint64{4000}, 0); got != 0 {
			t.Errorf("jitter = %v, want 0", got)
		}
	})
}
