// Package session drives complete track operations against one capture
// source: acquire flux, recover the clock, pick a codec, assemble
// sectors, score the pass and fold repeated passes into one answer.
// The controller front end and the command line both sit on top of it.
package session

import (
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jfabienke/FluxRipper-sub001/capture"
	"github.com/jfabienke/FluxRipper-sub001/codec"
	"github.com/jfabienke/FluxRipper-sub001/config"
	"github.com/jfabienke/FluxRipper-sub001/flux"
	"github.com/jfabienke/FluxRipper-sub001/merge"
	"github.com/jfabienke/FluxRipper-sub001/quality"
	"github.com/jfabienke/FluxRipper-sub001/track"
)

// LowConfidence is the ceiling applied to sector fields recovered from
// degraded input. Anything decoded after an ingest overflow is capped
// here no matter how clean its checksum looked.
const LowConfidence uint8 = quality.CriticalThreshold

// defaultIngestCap bounds the per-revolution ingest ring in samples.
// Even 1000 kbps media at 300 rpm stays well under this.
const defaultIngestCap = 1 << 18

// Session runs track operations over one capture source. Methods on a
// session are not safe for concurrent use; open one session per worker.
type Session struct {
	src capture.Source
	cfg config.Session

	// IngestCap overrides the ingest ring capacity in samples.
	// Zero selects the default.
	IngestCap int

	// hint remembers the last encoding that produced sectors, so the
	// next probe on the same disk tries it first.
	hint codec.Encoding

	log *log.Entry
}

// New opens a session over src with the given settings.
func New(src capture.Source, cfg config.Session) *Session {
	if cfg.Revolutions < 1 {
		cfg.Revolutions = 1
	}
	return &Session{
		src:  src,
		cfg:  cfg,
		hint: cfg.Encoding,
		log: log.WithFields(log.Fields{
			"session": uuid.NewString()[:8],
			"source":  src.Describe(),
		}),
	}
}

// Result is the outcome of one track decode.
type Result struct {
	Cylinder int
	Head     int

	// Encoding and RateKbps are what the track actually decoded as,
	// whether pinned by the session settings or probed.
	Encoding codec.Encoding
	RateKbps uint16

	// Track holds the merged sector records in ascending sector order.
	Track *track.Track

	// Quality is the report of the best contributing pass.
	Quality quality.Report

	// Stats tallies how each sector was obtained across passes.
	Stats merge.Stats

	// Passes is the number of decoded revolutions that went into the
	// merge, across all captures.
	Passes int

	// Overflow reports that the ingest ring dropped samples on at
	// least one pass. Sectors from such passes carry capped confidence.
	Overflow bool
}

// Complete reports whether every sector record decoded with a valid
// address, a payload and a good checksum.
func (r *Result) Complete() bool {
	if r.Track == nil || len(r.Track.Sectors) == 0 {
		return false
	}
	for i := range r.Track.Sectors {
		sec := &r.Track.Sectors[i]
		if !sec.ID.OK || !sec.HasData || !sec.Data.OK {
			return false
		}
	}
	return true
}

// LowConfidenceSector reports whether a sector's weakest contributing
// cell falls in the untrusted band.
func LowConfidenceSector(sec *track.Sector) bool {
	if !sec.ID.OK || sec.ID.Confidence <= LowConfidence {
		return true
	}
	return sec.HasData && sec.Data.Confidence <= LowConfidence
}

// Settings returns the session configuration in effect.
func (s *Session) Settings() config.Session {
	return s.cfg
}

// physical maps a requested cylinder to the cylinder sent to the
// source. An 80-track drive reads 40-track media by stepping twice.
func (s *Session) physical(cylinder int) int {
	if s.cfg.DoubleStep {
		return cylinder * 2
	}
	return cylinder
}

// longestRevolution picks the revolution with the most transitions,
// the best histogram material for a probe.
func longestRevolution(revs [][]flux.Sample) []flux.Sample {
	var best []flux.Sample
	for _, rev := range revs {
		if len(rev) > len(best) {
			best = rev
		}
	}
	return best
}

// window assembles the scan window for revolution i: the revolution
// itself plus the head of the next one, so a sector written across the
// index hole still decodes whole. The extension is capped at a fifth of
// the revolution's own span.
func window(revs [][]flux.Sample, i int) []flux.Sample {
	rev := revs[i]
	if len(rev) == 0 {
		return nil
	}
	out := make([]flux.Sample, len(rev), len(rev)+len(rev)/4+1)
	copy(out, rev)
	if i+1 >= len(revs) {
		return out
	}
	span := rev[len(rev)-1].Time - rev[0].Time
	limit := rev[len(rev)-1].Time + span/5
	for _, sample := range revs[i+1] {
		if sample.Time > limit {
			break
		}
		// The borrowed samples belong to the next revolution; their
		// index mark must not count against this window.
		sample.Index = false
		out = append(out, sample)
	}
	return out
}
