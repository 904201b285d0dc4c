// Package capture acquires flux recordings from USB floppy adapters and
// replays them from capture files. Every source yields the same
// flux.Recording model, so a decode session never cares whether its
// transitions came from spinning media or from a file written years ago.
package capture

import (
	"context"
	"errors"

	"github.com/jfabienke/FluxRipper-sub001/flux"
)

// TrackRequest addresses a single track operation.
type TrackRequest struct {
	Cylinder byte
	Head     byte

	// Revolutions is the number of complete revolutions wanted.
	// Zero means the source default. Sources may return more than
	// requested but never less unless the media runs out.
	Revolutions int
}

// Source supplies flux recordings for tracks.
type Source interface {
	// ReadFlux captures the requested track. File sources replay stored
	// data; device sources position the head, spin the drive up and
	// sample it live.
	ReadFlux(ctx context.Context, req TrackRequest) (*flux.Recording, error)

	// Describe names the source for logs and status output.
	Describe() string

	// Close releases the underlying file handle or device.
	Close() error
}

// FluxWriter is the optional write side of a source: capture files being
// built, and drives whose adapter supports writing.
type FluxWriter interface {
	WriteFlux(ctx context.Context, req TrackRequest, rec *flux.Recording) error
}

var (
	// ErrNoTrack reports a track the source has no flux for.
	ErrNoTrack = errors.New("track not present in source")

	// ErrNoDevice reports that device discovery found no supported adapter.
	ErrNoDevice = errors.New("no supported capture device found")
)

type overlapper interface {
	Overlaps() bool
}

// Overlaps reports whether the source tolerates concurrent ReadFlux
// calls. File sources do; a drive has one head and one spindle.
func Overlaps(src Source) bool {
	o, ok := src.(overlapper)
	return ok && o.Overlaps()
}
