package fdc

import (
	"context"

	"github.com/jfabienke/FluxRipper-sub001/codec"
	"github.com/jfabienke/FluxRipper-sub001/config"
	"github.com/jfabienke/FluxRipper-sub001/session"
)

// TrackOps is the slice of session behavior the controller runs its
// commands through. A *session.Session satisfies it.
type TrackOps interface {
	DecodeTrack(ctx context.Context, cylinder, head int) (*session.Result, error)
	EncodeTrackAs(ctx context.Context, cylinder, head int, enc codec.Encoding, rateKbps int, sectors []codec.SectorSpec) error
	Writable() bool
	Settings() config.Session
}

// Positioner moves the head stack. Implementations report the cylinder
// the head actually landed on, which the controller checks against the
// one it asked for.
type Positioner interface {
	Seek(ctx context.Context, cylinder int) (int, error)
	Recalibrate(ctx context.Context) (int, error)
}

// FilePositioner is the Positioner for sources whose tracks are
// addressed directly, with no head to move. Every seek lands where
// asked and recalibrate lands on zero.
type FilePositioner struct{}

func (FilePositioner) Seek(_ context.Context, cylinder int) (int, error) { return cylinder, nil }

func (FilePositioner) Recalibrate(context.Context) (int, error) { return 0, nil }

// Drive binds one unit slot to a capture source and its head
// positioner.
type Drive struct {
	Ops TrackOps

	// Pos moves the heads. Nil behaves like FilePositioner, which
	// suits image-backed sources.
	Pos Positioner

	// WriteProtected forces read-only behavior even when the source
	// could write flux.
	WriteProtected bool

	// TwoSided is reported back in SENSE DRIVE STATUS.
	TwoSided bool
}

func (d *Drive) writable() bool {
	return d != nil && !d.WriteProtected && d.Ops != nil && d.Ops.Writable()
}

func (d *Drive) positioner() Positioner {
	if d.Pos == nil {
		return FilePositioner{}
	}
	return d.Pos
}
