// Package codec contains the encode/decode algorithms for the supported
// magnetic encodings. Each codec is a pure translation between a raw bit-cell
// stream and byte-aligned fields, plus the ability to locate its sync marks
// after local corruption. Codecs are stateless and shared; all mutable state
// lives in the Reader/Writer passed in.
package codec

import (
	"errors"
	"fmt"
	"sort"
)

// Encoding identifies a codec family.
type Encoding uint8

const (
	EncodingUnknown Encoding = iota
	EncodingFM               // single density, clock pulse every cell
	EncodingMFM              // double density
	EncodingM2FM             // modified MFM, clock suppressed next to pulses
	EncodingGCR62            // group-coded 6-and-2
	EncodingGCR53            // group-coded 5-and-3
	EncodingRLL27            // run-length limited (2,7)
	EncodingNRZ              // plain NRZI, high rate
)

// String returns the conventional name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingFM:
		return "FM"
	case EncodingMFM:
		return "MFM"
	case EncodingM2FM:
		return "M2FM"
	case EncodingGCR62:
		return "GCR62"
	case EncodingGCR53:
		return "GCR53"
	case EncodingRLL27:
		return "RLL27"
	case EncodingNRZ:
		return "NRZ"
	default:
		return "Unknown"
	}
}

// ParseEncoding maps a configuration name to an Encoding.
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "fm", "FM":
		return EncodingFM, nil
	case "mfm", "MFM":
		return EncodingMFM, nil
	case "m2fm", "M2FM":
		return EncodingM2FM, nil
	case "gcr62", "GCR62", "gcr", "GCR":
		return EncodingGCR62, nil
	case "gcr53", "GCR53":
		return EncodingGCR53, nil
	case "rll27", "RLL27", "rll", "RLL":
		return EncodingRLL27, nil
	case "nrz", "NRZ":
		return EncodingNRZ, nil
	case "auto", "":
		return EncodingUnknown, nil
	default:
		return EncodingUnknown, fmt.Errorf("unknown encoding %q", name)
	}
}

// Mark identifies the sync token found by a scan.
type Mark uint8

const (
	MarkNone Mark = iota
	MarkIndex
	MarkID
	MarkData
	MarkDeletedData
)

// String names the mark kind.
func (m Mark) String() string {
	switch m {
	case MarkIndex:
		return "index"
	case MarkID:
		return "id"
	case MarkData:
		return "data"
	case MarkDeletedData:
		return "deleted-data"
	default:
		return "none"
	}
}

// ErrEndOfBits reports that a scan or field read ran off the end of the
// bit-cell stream.
var ErrEndOfBits = errors.New("codec: end of bitstream")

// IDField is a decoded sector address. Volume is only meaningful for the
// group-coded families, which address sectors by volume/track/sector.
type IDField struct {
	Cylinder   byte
	Head       byte
	Sector     byte
	Size       byte
	Volume     byte
	OK         bool  // address checksum validated
	Confidence uint8 // lowest cell confidence across the field
}

// SizeBytes converts the size code to a byte count (128 << size, capped at
// the conventional maximum of 16 KB).
func (f IDField) SizeBytes() int {
	size := f.Size
	if size > 7 {
		size = 7
	}
	return 128 << size
}

// DataField is a decoded sector payload. OK=false keeps the bytes: callers
// or the statistical recovery stage decide their fate. Check holds the
// stored check bytes as read, in the format CheckData expects.
type DataField struct {
	Data       []byte
	Check      []byte
	OK         bool
	Deleted    bool
	Confidence uint8
}

// SectorSpec describes one sector for track encoding.
type SectorSpec struct {
	ID      IDField
	Data    []byte
	Deleted bool
}

// Codec translates between raw bit cells and byte-aligned fields for one
// encoding family.
type Codec interface {
	Name() string
	Encoding() Encoding

	// CellNs returns the PLL cell period in nanoseconds at a data rate in
	// kbps.
	CellNs(rateKbps uint16) float64

	// MaxRun returns the longest legal run of transition-free cells; the
	// clock-recovery loop uses it to tell data from drift.
	MaxRun() int

	// FindMark scans forward to the next sync token, consuming it, and
	// reports its kind. Returns ErrEndOfBits when the stream is exhausted.
	FindMark(r *Reader) (Mark, error)

	// ReadID decodes the sector address following MarkID.
	ReadID(r *Reader) (IDField, error)

	// ReadData decodes the payload following MarkData or MarkDeletedData.
	// sizeBytes comes from the preceding ID field; families with a fixed
	// sector size ignore it.
	ReadData(r *Reader, sizeBytes int, deleted bool) (DataField, error)

	// CheckData reports whether a payload matches the stored check bytes
	// captured alongside it. Statistical recovery uses it to validate
	// payloads it has rewritten after the original reads failed.
	CheckData(data, check []byte, deleted bool) bool

	// WriteGap emits n filler bytes in the family's gap pattern.
	WriteGap(w *Writer, n int)

	// EncodeTrack lays out a complete track: lead-in, sector fields with
	// their checksums, inter-sector gaps per the family's tables.
	EncodeTrack(w *Writer, sectors []SectorSpec, rateKbps uint16)
}

var registry = map[Encoding]Codec{}

// Register adds a codec to the shared read-only bank. Called from init
// functions; not safe for use after startup.
func Register(c Codec) {
	registry[c.Encoding()] = c
}

// Get returns the codec for an encoding.
func Get(e Encoding) (Codec, bool) {
	c, ok := registry[e]
	return c, ok
}

// All returns the registered codecs in stable encoding order.
func All() []Codec {
	out := make([]Codec, 0, len(registry))
	for _, c := range registry {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Encoding() < out[j].Encoding() })
	return out
}
