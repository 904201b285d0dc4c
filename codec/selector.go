package codec

import (
	"errors"

	"gonum.org/v1/gonum/stat"
)

// ErrUnknownFormat reports that the probe could not classify the flux
// histogram, or that every candidate was excluded.
var ErrUnknownFormat = errors.New("codec: unrecognized encoding")

// Detection is the probe verdict for one revolution of flux.
type Detection struct {
	Encoding Encoding
	RateKbps uint16
	RPM      uint16
	CellNs   float64   // measured cell period, before rate snapping
	Peaks    []float64 // modal flux intervals in ns, ascending
}

const (
	probeBinNs    = 250
	probeBins     = 80 // up to 20us
	probeMinCount = 200
)

// Detect classifies flux intervals by the ratios of their modal peaks.
// Clocked encodings show the base cell and its half multiples, group codes
// show whole multiples, RLL shows a dense six-peak comb. hint is the
// encoding of a neighboring track and wins ties; exclude removes candidates
// that already failed to decode so a re-probe can try the next family.
func Detect(intervalsNs []uint64, revTimeNs uint64, hint Encoding, exclude map[Encoding]bool) (Detection, error) {
	if len(intervalsNs) < probeMinCount {
		return Detection{}, ErrUnknownFormat
	}

	var hist [probeBins]int
	for _, iv := range intervalsNs {
		if bin := int(iv / probeBinNs); bin < probeBins {
			hist[bin]++
		}
	}
	var smooth [probeBins]int
	for i := 1; i < probeBins-1; i++ {
		smooth[i] = (hist[i-1] + 2*hist[i] + hist[i+1]) / 4
	}

	peaks := findPeaks(hist[:], smooth[:], len(intervalsNs)/50)
	if len(peaks) == 0 {
		return Detection{}, ErrUnknownFormat
	}

	near := func(ratio float64) bool {
		for _, p := range peaks {
			r := p / peaks[0]
			if r > ratio*0.88 && r < ratio*1.12 {
				return true
			}
		}
		return false
	}

	var candidates []Encoding
	switch {
	case len(peaks) >= 5 && near(4.0/3):
		candidates = []Encoding{EncodingRLL27, EncodingNRZ}
	case len(peaks) >= 5:
		candidates = []Encoding{EncodingNRZ, EncodingRLL27}
	case near(1.5) && near(2.5):
		candidates = []Encoding{EncodingM2FM, EncodingMFM}
	case near(1.5):
		candidates = []Encoding{EncodingMFM, EncodingM2FM}
	case near(2) && near(3) && near(4):
		candidates = []Encoding{EncodingNRZ, EncodingGCR53, EncodingGCR62}
	case near(2) && near(3):
		candidates = []Encoding{EncodingGCR62, EncodingGCR53, EncodingNRZ}
	case near(2):
		candidates = []Encoding{EncodingFM, EncodingNRZ}
	}
	if hint != EncodingUnknown {
		for _, c := range candidates {
			if c == hint {
				candidates = append([]Encoding{hint}, candidates...)
				break
			}
		}
	}

	enc := EncodingUnknown
	for _, c := range candidates {
		if !exclude[c] {
			enc = c
			break
		}
	}
	if enc == EncodingUnknown {
		if hint != EncodingUnknown && !exclude[hint] {
			enc = hint
		} else {
			return Detection{}, ErrUnknownFormat
		}
	}

	cellNs, cellsPerBit := cellGeometry(enc, peaks[0])
	det := Detection{
		Encoding: enc,
		RateKbps: snapRate(1e6 / (cellNs * float64(cellsPerBit))),
		CellNs:   cellNs,
		Peaks:    peaks,
	}
	if revTimeNs > 0 {
		if rpm := 60e9 / float64(revTimeNs); rpm >= 330 {
			det.RPM = 360
		} else {
			det.RPM = 300
		}
	}
	return det, nil
}

// findPeaks returns the centers of local maxima in the smoothed histogram,
// refined by a weighted mean over the raw neighborhood.
func findPeaks(hist, smooth []int, minCount int) []float64 {
	if minCount < 1 {
		minCount = 1
	}
	var peaks []float64
	for i := 1; i < len(smooth)-1; i++ {
		if smooth[i] < minCount {
			continue
		}
		top := true
		for j := i - 2; j <= i+2; j++ {
			if j < 0 || j >= len(smooth) || j == i {
				continue
			}
			if smooth[j] > smooth[i] || (smooth[j] == smooth[i] && j < i) {
				top = false
				break
			}
		}
		if !top {
			continue
		}
		var centers, weights [3]float64
		for k := range centers {
			j := i - 1 + k
			centers[k] = (float64(j) + 0.5) * probeBinNs
			weights[k] = float64(hist[j])
		}
		if weights[0]+weights[1]+weights[2] > 0 {
			peaks = append(peaks, stat.Mean(centers[:], weights[:]))
		}
	}
	return peaks
}

// cellGeometry relates the smallest modal interval to the cell period and
// the number of cells per data bit for a family.
func cellGeometry(enc Encoding, firstPeakNs float64) (cellNs float64, cellsPerBit int) {
	switch enc {
	case EncodingFM:
		return firstPeakNs, 2
	case EncodingMFM, EncodingM2FM:
		return firstPeakNs / 2, 2
	case EncodingRLL27:
		return firstPeakNs / 3, 2
	default:
		return firstPeakNs, 1
	}
}

// snapRate pins a measured rate to the nearest nominal media rate.
func snapRate(rateKbps float64) uint16 {
	switch {
	case rateKbps < 375:
		return 250
	case rateKbps < 750:
		return 500
	default:
		return 1000
	}
}
