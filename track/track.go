// Package track turns a decoded cell stream into sector records. The
// scanner walks sync marks in stream order and pairs each address field
// with the data field that follows it; everything else on the surface is
// gap, noise, or an orphan field and is passed over.
package track

import (
	"errors"

	"github.com/jfabienke/FluxRipper-sub001/codec"
)

// ErrNoMarks reports a stream with no recognizable sync marks at all:
// unformatted media, a wrong codec, or a dead head.
var ErrNoMarks = errors.New("track: no address marks found")

// maxPairCells is the furthest a data mark may trail its address field and
// still belong to it. The widest legal gap is under a thousand cells; past
// this the data mark is treated as an orphan from an overwritten sector.
const maxPairCells = 4096

// Sector is one address field and, when HasData is set, the payload that
// followed it. An ID with no payload is kept: the controller reports those
// differently from sectors that are missing outright. IDs that fail their
// own checksum never become records.
type Sector struct {
	ID      codec.IDField
	Data    codec.DataField
	HasData bool
}

// Track is the outcome of scanning one stretch of cells.
type Track struct {
	Encoding codec.Encoding
	Sectors  []Sector
	Indexes  int
}

// Decode scans the stream with the given codec and collects every sector it
// can. Records appear in surface order and may repeat when the stream spans
// more than one revolution. A failed data checksum is flagged on the record,
// not returned as an error; a failed address checksum discards the field.
func Decode(c codec.Codec, bits *codec.Bitstream) (*Track, error) {
	r := codec.NewReader(bits)
	trk := &Track{Encoding: c.Encoding()}

	var pending *codec.IDField
	pendingEnd := 0
	flush := func() {
		if pending != nil {
			trk.Sectors = append(trk.Sectors, Sector{ID: *pending})
			pending = nil
		}
	}

scan:
	for {
		mark, err := c.FindMark(r)
		if err != nil {
			break
		}
		switch mark {
		case codec.MarkIndex:
			trk.Indexes++
		case codec.MarkID:
			flush()
			id, err := c.ReadID(r)
			if err != nil {
				break scan
			}
			if !id.OK {
				// A corrupt address cannot anchor a payload. Drop
				// the field; the data mark that follows falls
				// through as an orphan.
				continue
			}
			pending = &id
			pendingEnd = r.Pos()
		case codec.MarkData, codec.MarkDeletedData:
			if pending == nil {
				// Orphan data field, usually the remains of a
				// reformat. Skip it.
				continue
			}
			if r.Pos()-pendingEnd > maxPairCells {
				flush()
				continue
			}
			data, err := c.ReadData(r, pending.SizeBytes(), mark == codec.MarkDeletedData)
			if err != nil {
				break scan
			}
			trk.Sectors = append(trk.Sectors, Sector{ID: *pending, Data: data, HasData: true})
			pending = nil
		}
	}
	flush()

	if len(trk.Sectors) == 0 && trk.Indexes == 0 {
		return nil, ErrNoMarks
	}
	return trk, nil
}

// Valid counts the sectors whose address and data checksums both passed.
func (t *Track) Valid() int {
	n := 0
	for _, s := range t.Sectors {
		if s.ID.OK && s.HasData && s.Data.OK {
			n++
		}
	}
	return n
}

// Find returns the first sector record matching the address, or nil. Used
// by read commands that address sectors by number.
func (t *Track) Find(cylinder, head, sector byte) *Sector {
	for i := range t.Sectors {
		s := &t.Sectors[i]
		if s.ID.Cylinder == cylinder && s.ID.Head == head && s.ID.Sector == sector {
			return s
		}
	}
	return nil
}
