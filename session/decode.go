package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jfabienke/FluxRipper-sub001/capture"
	"github.com/jfabienke/FluxRipper-sub001/codec"
	"github.com/jfabienke/FluxRipper-sub001/flux"
	"github.com/jfabienke/FluxRipper-sub001/merge"
	"github.com/jfabienke/FluxRipper-sub001/metrics"
	"github.com/jfabienke/FluxRipper-sub001/pll"
	"github.com/jfabienke/FluxRipper-sub001/quality"
	"github.com/jfabienke/FluxRipper-sub001/track"
)

// pass is one decoded revolution: its sector records, its quality report
// and the weight it carries into the vote.
type pass struct {
	trk      *track.Track
	rep      quality.Report
	weight   uint8
	overflow bool
}

// DecodeTrack captures and decodes one track. Retries re-capture until a
// pass comes back with every checksum intact or the retry budget runs
// out; after that, statistical recovery folds extra passes into the
// answer by weighted voting.
func (s *Session) DecodeTrack(ctx context.Context, cylinder, head int) (*Result, error) {
	start := time.Now()
	exclude := map[codec.Encoding]bool{}
	var (
		all     []pass
		c       codec.Codec
		rate    uint16
		cellNs  float64
		lastErr error
	)

	attempts := 1 + s.cfg.Retries
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			metrics.RetryPass()
			s.log.WithFields(log.Fields{
				"cyl": cylinder, "head": head, "attempt": attempt,
			}).Debug("retrying with a fresh capture")
		}

		rec, err := s.capture(ctx, cylinder, head, s.cfg.Revolutions)
		if err != nil {
			return nil, err
		}
		revs, dropped := s.ingest(rec)
		if len(revs) == 0 {
			lastErr = errors.New("empty capture")
			continue
		}

		if c == nil {
			c, rate, cellNs, err = s.resolve(revs, exclude)
			if err != nil {
				lastErr = err
				continue
			}
		}

		passes, err := s.decodeRevolutions(c, rec, revs, dropped, cellNs)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", c.Name(), err)
			if s.cfg.Encoding == codec.EncodingUnknown {
				// Wrong family guess. Rule it out and probe again.
				exclude[c.Encoding()] = true
				c = nil
			}
			continue
		}
		all = append(all, passes...)
		if hasComplete(passes) {
			return s.finish(cylinder, head, c, rate, all, start), nil
		}
		lastErr = errors.New("sector checksums failed")
	}

	if c == nil || len(all) == 0 {
		return nil, fmt.Errorf("decode cyl %d head %d: %w", cylinder, head, lastErr)
	}

	if s.cfg.Recovery > 0 {
		all = append(all, s.recoveryPasses(ctx, cylinder, head, c, cellNs)...)
	}
	return s.finish(cylinder, head, c, rate, all, start), nil
}

// DecodeRecording decodes a recording that was already captured,
// bypassing the source. Replay of archived flux goes through here.
func (s *Session) DecodeRecording(ctx context.Context, cylinder, head int, rec *flux.Recording) (*Result, error) {
	start := time.Now()
	revs, dropped := s.ingest(rec)
	if len(revs) == 0 {
		return nil, fmt.Errorf("decode cyl %d head %d: empty recording", cylinder, head)
	}
	exclude := map[codec.Encoding]bool{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, rate, cellNs, err := s.resolve(revs, exclude)
		if err != nil {
			return nil, fmt.Errorf("decode cyl %d head %d: %w", cylinder, head, err)
		}
		passes, err := s.decodeRevolutions(c, rec, revs, dropped, cellNs)
		if err != nil {
			if s.cfg.Encoding == codec.EncodingUnknown {
				exclude[c.Encoding()] = true
				continue
			}
			return nil, fmt.Errorf("decode cyl %d head %d: %s: %w", cylinder, head, c.Name(), err)
		}
		return s.finish(cylinder, head, c, rate, passes, start), nil
	}
}

// Probe captures one revolution and classifies its encoding, data rate
// and spindle speed without decoding sectors.
func (s *Session) Probe(ctx context.Context, cylinder, head int) (codec.Detection, error) {
	rec, err := s.capture(ctx, cylinder, head, 1)
	if err != nil {
		return codec.Detection{}, err
	}
	revs, _ := s.ingest(rec)
	best := longestRevolution(revs)
	if len(best) < 2 {
		return codec.Detection{}, fmt.Errorf("probe cyl %d head %d: empty recording", cylinder, head)
	}
	revTime := best[len(best)-1].Time - best[0].Time
	det, err := codec.Detect(flux.Intervals(best), revTime, s.hint, nil)
	if err != nil {
		return codec.Detection{}, fmt.Errorf("probe cyl %d head %d: %w", cylinder, head, err)
	}
	s.hint = det.Encoding
	return det, nil
}

func (s *Session) capture(ctx context.Context, cylinder, head, revolutions int) (*flux.Recording, error) {
	req := capture.TrackRequest{
		Cylinder:    byte(s.physical(cylinder)),
		Head:        byte(head),
		Revolutions: revolutions,
	}
	rec, err := s.src.ReadFlux(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("capture cyl %d head %d: %w", cylinder, head, err)
	}
	return rec, nil
}

// ingest pushes each revolution through the bounded ring. A revolution
// larger than the ring loses its oldest samples; the survivors still
// decode, and the loss is flagged so nothing from that revolution can
// pass as trustworthy.
func (s *Session) ingest(rec *flux.Recording) ([][]flux.Sample, []bool) {
	capacity := s.IngestCap
	if capacity <= 0 {
		capacity = defaultIngestCap
	}
	revs := rec.Revolutions()
	out := make([][]flux.Sample, 0, len(revs))
	dropped := make([]bool, 0, len(revs))
	for _, rev := range revs {
		ring := flux.NewRing(capacity)
		for _, sample := range rev {
			ring.Push(sample)
		}
		over := ring.Overflowed()
		if over {
			metrics.Overflow()
			s.log.WithField("dropped", ring.Dropped()).Warn("ingest ring overflow")
		}
		out = append(out, ring.Drain())
		dropped = append(dropped, over)
	}
	return out, dropped
}

// resolve picks the codec, data rate and cell width for the captured
// revolutions. Settings pinned in the session win; anything left open is
// probed from the interval histogram. exclude lists families that
// already failed on this track.
func (s *Session) resolve(revs [][]flux.Sample, exclude map[codec.Encoding]bool) (codec.Codec, uint16, float64, error) {
	pinned := s.cfg.Encoding
	rate := uint16(s.cfg.RateKbps)
	if pinned != codec.EncodingUnknown && rate != 0 {
		c, ok := codec.Get(pinned)
		if !ok {
			return nil, 0, 0, fmt.Errorf("no codec registered for %v", pinned)
		}
		return c, rate, c.CellNs(rate), nil
	}

	best := longestRevolution(revs)
	if len(best) < 2 {
		return nil, 0, 0, errors.New("not enough flux to probe")
	}
	revTime := best[len(best)-1].Time - best[0].Time
	hint := s.hint
	if pinned != codec.EncodingUnknown {
		// Only the rate is open. Steer the probe to the pinned family
		// so it reports that family's geometry.
		hint = pinned
		exclude = map[codec.Encoding]bool{}
		for _, c := range codec.All() {
			if c.Encoding() != pinned {
				exclude[c.Encoding()] = true
			}
		}
	}
	det, err := codec.Detect(flux.Intervals(best), revTime, hint, exclude)
	if err != nil {
		return nil, 0, 0, err
	}
	c, ok := codec.Get(det.Encoding)
	if !ok {
		return nil, 0, 0, fmt.Errorf("no codec registered for %v", det.Encoding)
	}
	if rate == 0 {
		rate = det.RateKbps
	}
	// The measured cell width tracks the actual spindle speed, which
	// matters more than the nominal rate on off-speed media.
	return c, rate, det.CellNs, nil
}

// decodeCells clocks one window's transitions into bit cells. Each cell
// carries the lock quality at the moment it was emitted.
func decodeCells(samples []flux.Sample, cellNs float64, maxRun int) (*codec.Bitstream, []uint8) {
	st := &pll.State{}
	pll.InitPeriod(st, cellNs)
	st.MaxRun = maxRun
	bits := codec.NewBitstream(len(samples) * 4)
	trace := make([]uint8, 0, len(samples))
	it := flux.NewIntervalIterator(samples)
	for {
		interval := it.NextFlux()
		if interval == 0 {
			break
		}
		cells := pll.Step(st, interval)
		for i := 1; i < cells; i++ {
			bits.Append(0, st.LockQuality)
		}
		if cells > 0 {
			bits.Append(1, st.LockQuality)
			trace = append(trace, st.LockQuality)
		}
	}
	return bits, trace
}

// decodeRevolutions turns every captured revolution into a decode pass.
// Revolutions that produce no marks are skipped; if none of them
// produces any, ErrNoMarks surfaces so the caller can re-probe.
func (s *Session) decodeRevolutions(c codec.Codec, rec *flux.Recording, revs [][]flux.Sample, dropped []bool, cellNs float64) ([]pass, error) {
	var out []pass
	for i := range revs {
		win := window(revs, i)
		if len(win) < 2 {
			continue
		}
		bits, trace := decodeCells(win, cellNs, c.MaxRun())
		trk, err := track.Decode(c, bits)
		if err != nil {
			continue
		}
		rep := quality.Assess(trace, flux.Intervals(win), cellNs, trk.Valid(), len(trk.Sectors))
		weight := uint8(rep.LockMean)
		if score, ok := rec.RevolutionScore(i); ok {
			weight = score
		}
		p := pass{trk: trk, rep: rep, weight: weight, overflow: dropped[i]}
		if p.overflow {
			degrade(&p)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, track.ErrNoMarks
	}
	return out, nil
}

// degrade caps everything an overflowed pass produced at the untrusted
// band, weight included.
func degrade(p *pass) {
	if p.weight > LowConfidence {
		p.weight = LowConfidence
	}
	for i := range p.trk.Sectors {
		sec := &p.trk.Sectors[i]
		if sec.ID.Confidence > LowConfidence {
			sec.ID.Confidence = LowConfidence
		}
		if sec.HasData && sec.Data.Confidence > LowConfidence {
			sec.Data.Confidence = LowConfidence
		}
	}
}

// recoveryPasses captures extra single-revolution passes for the vote.
// Sources that tolerate overlapping reads run them concurrently; the
// caller's merge is the barrier that waits for all of them.
func (s *Session) recoveryPasses(ctx context.Context, cylinder, head int, c codec.Codec, cellNs float64) []pass {
	n := s.cfg.Recovery
	if n <= 0 {
		return nil
	}
	results := make([][]pass, n)
	run := func(i int) {
		rec, err := s.capture(ctx, cylinder, head, 1)
		if err != nil {
			s.log.WithFields(log.Fields{"pass": i, "error": err}).Warn("recovery capture failed")
			return
		}
		revs, dropped := s.ingest(rec)
		passes, err := s.decodeRevolutions(c, rec, revs, dropped, cellNs)
		if err != nil {
			return
		}
		results[i] = passes
	}
	if capture.Overlaps(s.src) {
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				run(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := 0; i < n; i++ {
			if ctx.Err() != nil {
				break
			}
			run(i)
		}
	}
	var out []pass
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

// finish merges the accumulated passes, orders the records and reports
// the result. Merging also collapses the duplicate sightings a scan
// window picks up past the index hole.
func (s *Session) finish(cylinder, head int, c codec.Codec, rate uint16, passes []pass, start time.Time) *Result {
	mp := make([]merge.Pass, 0, len(passes))
	overflow := false
	for _, p := range passes {
		mp = append(mp, merge.Pass{Track: p.trk, Quality: p.weight})
		overflow = overflow || p.overflow
	}
	merged, stats := merge.Merge(c, mp)
	sort.SliceStable(merged.Sectors, func(i, j int) bool {
		return merged.Sectors[i].ID.Sector < merged.Sectors[j].ID.Sector
	})

	rep := bestReport(passes)
	res := &Result{
		Cylinder: cylinder,
		Head:     head,
		Encoding: c.Encoding(),
		RateKbps: rate,
		Track:    merged,
		Quality:  rep,
		Stats:    stats,
		Passes:   len(passes),
		Overflow: overflow,
	}
	s.hint = c.Encoding()

	metrics.TrackDecoded(c.Name(), rep.Score, time.Since(start).Seconds())
	metrics.Recovered(stats.Recovered)
	for i := range merged.Sectors {
		sec := &merged.Sectors[i]
		switch {
		case !sec.HasData || !sec.Data.OK:
			metrics.Sector(metrics.SectorBadCRC)
		case sec.Data.Deleted:
			metrics.Sector(metrics.SectorDeleted)
		case LowConfidenceSector(sec):
			metrics.Sector(metrics.SectorLowConfidence)
		default:
			metrics.Sector(metrics.SectorValid)
		}
	}
	s.log.WithFields(log.Fields{
		"cyl":     cylinder,
		"head":    head,
		"codec":   c.Name(),
		"rate":    rate,
		"sectors": len(merged.Sectors),
		"valid":   merged.Valid(),
		"score":   rep.Score,
		"passes":  len(passes),
	}).Info("track decoded")
	return res
}

func hasComplete(passes []pass) bool {
	for _, p := range passes {
		if complete(p.trk) {
			return true
		}
	}
	return false
}

// complete reports whether a single pass left nothing to retry for:
// every address it saw has at least one checksum-valid copy. A scan
// window that ran past the index hole may carry a trailing partial
// sighting of a sector it already read whole; that does not count
// against the pass.
func complete(trk *track.Track) bool {
	if trk == nil || len(trk.Sectors) == 0 {
		return false
	}
	type key struct{ cylinder, head, sector byte }
	good := map[key]bool{}
	for i := range trk.Sectors {
		sec := &trk.Sectors[i]
		k := key{sec.ID.Cylinder, sec.ID.Head, sec.ID.Sector}
		if sec.ID.OK && sec.HasData && sec.Data.OK {
			good[k] = true
		} else if _, seen := good[k]; !seen {
			good[k] = false
		}
	}
	for _, ok := range good {
		if !ok {
			return false
		}
	}
	return true
}

func bestReport(passes []pass) quality.Report {
	best := passes[0].rep
	for _, p := range passes[1:] {
		if p.rep.Score > best.Score {
			best = p.rep
		}
	}
	return best
}
