package codec

import "testing"

// synthIntervals builds a flux interval population from (interval ns,
// count) pairs.
func synthIntervals(pairs ...[2]int) []uint64 {
	var out []uint64
	for _, p := range pairs {
		for i := 0; i < p[1]; i++ {
			out = append(out, uint64(p[0]))
		}
	}
	return out
}

func TestDetectFamilies(t *testing.T) {
	tests := []struct {
		name      string
		intervals []uint64
		encoding  Encoding
		rateKbps  uint16
	}{
		{
			name:      "mfm dd",
			intervals: synthIntervals([2]int{4000, 500}, [2]int{6000, 300}, [2]int{8000, 200}),
			encoding:  EncodingMFM,
			rateKbps:  250,
		},
		{
			name:      "mfm hd",
			intervals: synthIntervals([2]int{2000, 500}, [2]int{3000, 300}, [2]int{4000, 200}),
			encoding:  EncodingMFM,
			rateKbps:  500,
		},
		{
			name:      "fm sd",
			intervals: synthIntervals([2]int{2000, 400}, [2]int{4000, 400}),
			encoding:  EncodingFM,
			rateKbps:  250,
		},
		{
			name:      "m2fm",
			intervals: synthIntervals([2]int{2000, 400}, [2]int{3000, 250}, [2]int{4000, 150}, [2]int{5000, 100}),
			encoding:  EncodingM2FM,
			rateKbps:  500,
		},
		{
			name:      "gcr",
			intervals: synthIntervals([2]int{4000, 500}, [2]int{8000, 250}, [2]int{12000, 100}),
			encoding:  EncodingGCR62,
			rateKbps:  250,
		},
		{
			name: "rll",
			intervals: synthIntervals([2]int{3000, 300}, [2]int{4000, 250}, [2]int{5000, 200},
				[2]int{6000, 150}, [2]int{7000, 100}, [2]int{8000, 80}),
			encoding: EncodingRLL27,
			rateKbps: 500,
		},
		{
			name:      "nrz",
			intervals: synthIntervals([2]int{1000, 500}, [2]int{2000, 250}, [2]int{3000, 120}, [2]int{4000, 60}),
			encoding:  EncodingNRZ,
			rateKbps:  1000,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			det, err := Detect(tc.intervals, 0, EncodingUnknown, nil)
			if err != nil {
				t.Fatal(err)
			}
			if det.Encoding != tc.encoding {
				t.Errorf("encoding = %v, want %v", det.Encoding, tc.encoding)
			}
			if det.RateKbps != tc.rateKbps {
				t.Errorf("rate = %d, want %d", det.RateKbps, tc.rateKbps)
			}
		})
	}
}

func TestDetectRPM(t *testing.T) {
	intervals := synthIntervals([2]int{4000, 500}, [2]int{6000, 300}, [2]int{8000, 200})
	tests := []struct {
		revNs uint64
		want  uint16
	}{
		{200e6, 300},       // 300 rpm exactly
		{199e6, 300},       // slightly fast
		{166666667, 360},   // 360 rpm
		{0, 0},             // no index information
	}
	for _, tc := range tests {
		det, err := Detect(intervals, tc.revNs, EncodingUnknown, nil)
		if err != nil {
			t.Fatal(err)
		}
		if det.RPM != tc.want {
			t.Errorf("rev %d ns: rpm = %d, want %d", tc.revNs, det.RPM, tc.want)
		}
	}
}

func TestDetectExclusionFallsThrough(t *testing.T) {
	intervals := synthIntervals([2]int{4000, 500}, [2]int{8000, 250}, [2]int{12000, 100})
	det, err := Detect(intervals, 0, EncodingUnknown, map[Encoding]bool{EncodingGCR62: true})
	if err != nil {
		t.Fatal(err)
	}
	if det.Encoding != EncodingGCR53 {
		t.Errorf("encoding = %v, want GCR53 after exclusion", det.Encoding)
	}

	_, err = Detect(intervals, 0, EncodingUnknown, map[Encoding]bool{
		EncodingGCR62: true, EncodingGCR53: true, EncodingNRZ: true,
	})
	if err != ErrUnknownFormat {
		t.Errorf("err = %v, want ErrUnknownFormat with all candidates excluded", err)
	}
}

func TestDetectHintBreaksTie(t *testing.T) {
	// A two-peak 1:2 histogram fits both FM and NRZ; the neighbor-track
	// hint decides.
	intervals := synthIntervals([2]int{2000, 400}, [2]int{4000, 400})
	det, err := Detect(intervals, 0, EncodingNRZ, nil)
	if err != nil {
		t.Fatal(err)
	}
	if det.Encoding != EncodingNRZ {
		t.Errorf("encoding = %v, want the hinted NRZ", det.Encoding)
	}
}

func TestDetectTooFewIntervals(t *testing.T) {
	if _, err := Detect(make([]uint64, 50), 0, EncodingUnknown, nil); err != ErrUnknownFormat {
		t.Errorf("err = %v, want ErrUnknownFormat", err)
	}
}
