package session

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/jfabienke/FluxRipper-sub001/capture"
	"github.com/jfabienke/FluxRipper-sub001/codec"
	"github.com/jfabienke/FluxRipper-sub001/flux"
)

// Writable reports whether the session's source accepts flux writes.
func (s *Session) Writable() bool {
	_, ok := s.src.(capture.FluxWriter)
	return ok
}

// EncodeTrack lays out a complete track for the session's pinned
// encoding and data rate and writes its flux image through the source.
// Probing is no help when writing, so both must be set.
func (s *Session) EncodeTrack(ctx context.Context, cylinder, head int, sectors []codec.SectorSpec) error {
	if s.cfg.Encoding == codec.EncodingUnknown || s.cfg.RateKbps == 0 {
		return errors.New("encoding and rate must be set to write")
	}
	return s.EncodeTrackAs(ctx, cylinder, head, s.cfg.Encoding, s.cfg.RateKbps, sectors)
}

// EncodeTrackAs writes a track in an explicit encoding and rate,
// regardless of the session settings. The controller uses it to write
// back a track in whatever format it just decoded. The track is filled
// with gap bytes to one revolution at the session's spindle speed.
func (s *Session) EncodeTrackAs(ctx context.Context, cylinder, head int, enc codec.Encoding, rateKbps int, sectors []codec.SectorSpec) error {
	w, ok := s.src.(capture.FluxWriter)
	if !ok {
		return fmt.Errorf("%s: source cannot write flux", s.src.Describe())
	}
	c, ok := codec.Get(enc)
	if !ok {
		return fmt.Errorf("no codec registered for %v", enc)
	}
	if rateKbps <= 0 {
		return fmt.Errorf("invalid data rate %d", rateKbps)
	}
	cellNs := c.CellNs(uint16(rateKbps))
	rpm := s.cfg.RPM
	if rpm <= 0 {
		rpm = 300
	}
	maxCells := int(60e9 / float64(rpm) / cellNs)

	cw := codec.NewWriter(maxCells)
	c.EncodeTrack(cw, sectors, uint16(rateKbps))
	rec := fluxImage(cw.Bits(), cellNs)

	req := capture.TrackRequest{
		Cylinder:    byte(s.physical(cylinder)),
		Head:        byte(head),
		Revolutions: 1,
	}
	if err := w.WriteFlux(ctx, req, rec); err != nil {
		return fmt.Errorf("write cyl %d head %d: %w", cylinder, head, err)
	}
	s.log.WithFields(log.Fields{
		"cyl":     cylinder,
		"head":    head,
		"codec":   c.Name(),
		"sectors": len(sectors),
		"cells":   cw.CellCount(),
	}).Info("track written")
	return nil
}

// fluxImage converts a cell stream into transition samples on the
// nominal cell grid, one transition per one-cell at the cell's center.
// The first transition carries the index mark.
func fluxImage(bits *codec.Bitstream, cellNs float64) *flux.Recording {
	rec := &flux.Recording{}
	for i := 0; i < bits.Len(); i++ {
		if bits.Cell(i) == 0 {
			continue
		}
		t := uint64(float64(i)*cellNs + cellNs/2)
		rec.Append(flux.Sample{Time: t, Index: len(rec.Samples) == 0})
	}
	return rec
}
