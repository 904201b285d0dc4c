// Package merge combines several decode passes over one track into a
// single best track. A sector with a checksum-valid copy in any pass is
// taken as-is; the rest are rebuilt by a weighted per-bit vote across
// passes and accepted only when the rebuilt payload passes its checksum
// again. Damage rarely lands on the same cells twice, so a handful of
// bad reads often vote out a clean sector none of them contained.
package merge

import (
	"github.com/jfabienke/FluxRipper-sub001/codec"
	"github.com/jfabienke/FluxRipper-sub001/track"
)

// Pass is one decoded revolution set with the clock-recovery lock quality
// it was read at. Quality weights its votes; zero still counts as one.
type Pass struct {
	Track   *track.Track
	Quality uint8
}

// Stats tallies how each merged sector was obtained.
type Stats struct {
	Clean     int // a pass had a checksum-valid copy
	Recovered int // rebuilt by voting, checksum valid again
	Salvaged  int // best effort, checksum still failing
	Lost      int // address seen but no data field in any pass
}

type key struct {
	cylinder, head, sector byte
}

type candidate struct {
	sec    track.Sector
	weight int
}

// Merge folds the passes into one track. Sectors come out in the order
// their address first appeared; every record of a sector across all passes
// and revolutions contributes one vote.
func Merge(c codec.Codec, passes []Pass) (*track.Track, Stats) {
	var order []key
	byKey := map[key][]candidate{}
	indexes := 0
	for _, p := range passes {
		if p.Track == nil {
			continue
		}
		if p.Track.Indexes > indexes {
			indexes = p.Track.Indexes
		}
		w := int(p.Quality)
		if w < 1 {
			w = 1
		}
		for _, s := range p.Track.Sectors {
			k := key{s.ID.Cylinder, s.ID.Head, s.ID.Sector}
			if _, seen := byKey[k]; !seen {
				order = append(order, k)
			}
			byKey[k] = append(byKey[k], candidate{sec: s, weight: w})
		}
	}

	out := &track.Track{Encoding: c.Encoding(), Indexes: indexes}
	var st Stats
	for _, k := range order {
		out.Sectors = append(out.Sectors, mergeSector(c, byKey[k], &st))
	}
	return out, st
}

func mergeSector(c codec.Codec, cands []candidate, st *Stats) track.Sector {
	id := bestID(cands)

	// A clean copy beats any vote; the heaviest pass that has one wins.
	var clean *candidate
	for i := range cands {
		cand := &cands[i]
		if cand.sec.HasData && cand.sec.Data.OK && (clean == nil || cand.weight > clean.weight) {
			clean = cand
		}
	}
	if clean != nil {
		st.Clean++
		return track.Sector{ID: id, Data: clean.sec.Data, HasData: true}
	}

	var withData []candidate
	for _, cand := range cands {
		if cand.sec.HasData {
			withData = append(withData, cand)
		}
	}
	if len(withData) == 0 {
		st.Lost++
		return track.Sector{ID: id}
	}

	data := voteData(c, withData)
	if data.OK {
		st.Recovered++
	} else {
		st.Salvaged++
	}
	return track.Sector{ID: id, Data: data, HasData: true}
}

// bestID prefers a checksum-valid address field, then the heaviest pass.
func bestID(cands []candidate) codec.IDField {
	best := cands[0]
	for _, cand := range cands[1:] {
		if cand.sec.ID.OK != best.sec.ID.OK {
			if cand.sec.ID.OK {
				best = cand
			}
			continue
		}
		if cand.weight > best.weight {
			best = cand
		}
	}
	return best.sec.ID
}

// voteData rebuilds a payload bit by bit from failing reads. Candidates
// whose field shape disagrees with the weighted majority are dropped
// first: a read that lost sync mid-field decodes the wrong length and
// would smear every vote after the slip.
func voteData(c codec.Codec, cands []candidate) codec.DataField {
	type shape struct {
		nData, nCheck int
	}
	weightOf := map[shape]int{}
	for _, cand := range cands {
		weightOf[shape{len(cand.sec.Data.Data), len(cand.sec.Data.Check)}] += cand.weight
	}
	var best shape
	bestW := -1
	for s, w := range weightOf {
		if w > bestW || (w == bestW && (s.nData > best.nData ||
			(s.nData == best.nData && s.nCheck > best.nCheck))) {
			best, bestW = s, w
		}
	}

	kept := cands[:0:0]
	heavy := -1
	var heaviest candidate
	deletedW, keptW := 0, 0
	for _, cand := range cands {
		if len(cand.sec.Data.Data) != best.nData || len(cand.sec.Data.Check) != best.nCheck {
			continue
		}
		kept = append(kept, cand)
		keptW += cand.weight
		if cand.sec.Data.Deleted {
			deletedW += cand.weight
		}
		if cand.weight > heavy {
			heavy = cand.weight
			heaviest = cand
		}
	}

	votedData := make([]byte, best.nData)
	votedCheck := make([]byte, best.nCheck)
	minMargin := 1.0
	voteBytes := func(out []byte, from func(candidate) []byte) {
		for i := range out {
			var b byte
			for bit := 7; bit >= 0; bit-- {
				w1 := 0
				for _, cand := range kept {
					if from(cand)[i]>>bit&1 == 1 {
						w1 += cand.weight
					}
				}
				w0 := keptW - w1
				var v byte
				switch {
				case w1 > w0:
					v = 1
				case w1 < w0:
					v = 0
				default:
					// Dead tie: the heaviest read decides.
					v = from(heaviest)[i] >> bit & 1
				}
				b = b<<1 | v
				if m := margin(w1, w0); m < minMargin {
					minMargin = m
				}
			}
			out[i] = b
		}
	}
	voteBytes(votedData, func(cand candidate) []byte { return cand.sec.Data.Data })
	voteBytes(votedCheck, func(cand candidate) []byte { return cand.sec.Data.Check })

	deleted := deletedW*2 > keptW
	if deletedW*2 == keptW {
		deleted = heaviest.sec.Data.Deleted
	}

	out := codec.DataField{
		Data:    votedData,
		Check:   votedCheck,
		Deleted: deleted,
	}
	if c.CheckData(votedData, votedCheck, deleted) {
		out.OK = true
		out.Confidence = codec.ConfidenceMax
	} else {
		// Cap below max so a salvaged sector never looks pristine.
		out.Confidence = uint8(minMargin * 254)
	}
	return out
}

// margin is the winning share of the vote, 0 for a dead tie.
func margin(w1, w0 int) float64 {
	if w1+w0 == 0 {
		return 0
	}
	d := w1 - w0
	if d < 0 {
		d = -d
	}
	return float64(d) / float64(w1+w0)
}
