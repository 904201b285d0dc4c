package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jfabienke/FluxRipper-sub001/flux"
)

// KryoFlux stream format. In-band blocks, selected by the first byte:
//   0x00-0x07  Flux2: value = byte<<8 | next    (2 bytes)
//   0x08       Nop1                             (1 byte)
//   0x09       Nop2                             (2 bytes)
//   0x0a       Nop3                             (3 bytes)
//   0x0b       Ovl16: add 0x10000 to next flux  (1 byte)
//   0x0c       Flux3: value = b1<<8 | b2        (3 bytes)
//   0x0d       OOB: {0x0d, type, size le16, payload}
//   0x0e-0xff  Flux1: value = byte              (1 byte)
// Flux values are sample-clock ticks since the previous transition.
const (
	kfOOBStreamInfo = 0x01
	kfOOBIndex      = 0x02
	kfOOBStreamEnd  = 0x03
	kfOOBInfo       = 0x04
	kfOOBEOF        = 0x0d

	// Master clock / 2 and / 16, the stream defaults when no info block
	// overrides them.
	kfDefaultSampleClock = 24027428.57142857
	kfDefaultIndexClock  = 3003428.5714285625
)

func init() {
	opener := func(path string) (Source, error) { return OpenKryoFluxSet(path) }
	RegisterFileFormat(".raw", opener)
	RegisterDirFormat(opener)
}

// decodeKryoFluxStream converts a raw KryoFlux stream into a recording.
// Index OOB blocks carry stream positions counted over in-band bytes only,
// so the walk keeps its own position counter that OOB blocks never advance.
func decodeKryoFluxStream(data []byte) (*flux.Recording, error) {
	// First pass validates the block structure and collects the index
	// positions and the sample clock, both needed before any flux value
	// can be timed.
	sck := kfDefaultSampleClock
	var indexPos []uint32

scan:
	for i := 0; i < len(data); {
		b := data[i]
		switch {
		case b <= 0x07 || b == 0x09:
			if i+2 > len(data) {
				return nil, fmt.Errorf("truncated block at %d", i)
			}
			i += 2
		case b == 0x08 || b == 0x0b:
			i++
		case b == 0x0a || b == 0x0c:
			if i+3 > len(data) {
				return nil, fmt.Errorf("truncated block at %d", i)
			}
			i += 3
		case b == 0x0d:
			if i+2 > len(data) {
				return nil, fmt.Errorf("truncated OOB header at %d", i)
			}
			if data[i+1] == kfOOBEOF {
				break scan
			}
			if i+4 > len(data) {
				return nil, fmt.Errorf("truncated OOB header at %d", i)
			}
			size := int(binary.LittleEndian.Uint16(data[i+2:]))
			if i+4+size > len(data) {
				return nil, fmt.Errorf("truncated OOB payload at %d", i)
			}
			switch data[i+1] {
			case kfOOBIndex:
				if size >= 12 {
					indexPos = append(indexPos, binary.LittleEndian.Uint32(data[i+4:]))
				}
			case kfOOBInfo:
				parseKFInfo(string(data[i+4:i+4+size]), &sck)
			}
			i += 4 + size
		default:
			i++
		}
	}

	rec := &flux.Recording{}
	tickNs := 1e9 / sck
	ticks := uint64(0)
	overflow := uint64(0)
	next := 0
	pos := uint32(0)
emit:
	for i := 0; i < len(data); {
		b := data[i]
		var value uint64
		width := uint32(1)
		switch {
		case b <= 0x07:
			value = uint64(b)<<8 | uint64(data[i+1])
			width = 2
		case b == 0x08:
			pos, i = pos+1, i+1
			continue
		case b == 0x09:
			pos, i = pos+2, i+2
			continue
		case b == 0x0a:
			pos, i = pos+3, i+3
			continue
		case b == 0x0b:
			overflow += 0x10000
			pos, i = pos+1, i+1
			continue
		case b == 0x0c:
			value = uint64(data[i+1])<<8 | uint64(data[i+2])
			width = 3
		case b == 0x0d:
			if data[i+1] == kfOOBEOF {
				break emit
			}
			i += 4 + int(binary.LittleEndian.Uint16(data[i+2:]))
			continue
		default:
			value = uint64(b)
		}
		ticks += overflow + value
		overflow = 0
		// The index block named the position of the first flux block
		// after the pulse; mark that transition.
		idx := false
		if next < len(indexPos) && pos >= indexPos[next] {
			idx = true
			next++
		}
		rec.Append(flux.Sample{Time: uint64(float64(ticks)*tickNs + 0.5), Index: idx})
		pos += width
		i += int(width)
	}
	return rec, nil
}

// parseKFInfo pulls the sample clock out of an info block, a text payload
// of comma-separated key=value pairs ("..., sck=24027428.57, ick=...").
func parseKFInfo(s string, sck *float64) {
	for _, field := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.Trim(v, "\x00 "), 64)
		if err != nil {
			continue
		}
		if k == "sck" && f > 0 {
			*sck = f
		}
	}
}

// KryoFluxSet replays KryoFlux stream files, one file per track, in the
// layout DTC produces: track03.1.raw is cylinder 3 head 1. A directory
// implies the standard pattern inside it; a single stream file serves
// whatever track is asked of it, since the file itself does not say which
// track it holds.
type KryoFluxSet struct {
	pattern string
	single  bool
}

// OpenKryoFluxSet accepts a printf-style pattern with cylinder and head
// verbs, a directory, or one stream file.
func OpenKryoFluxSet(spec string) (*KryoFluxSet, error) {
	if strings.Contains(spec, "%") {
		return &KryoFluxSet{pattern: spec}, nil
	}
	st, err := os.Stat(spec)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return &KryoFluxSet{pattern: filepath.Join(spec, "track%02d.%d.raw")}, nil
	}
	return &KryoFluxSet{pattern: spec, single: true}, nil
}

func (s *KryoFluxSet) ReadFlux(ctx context.Context, req TrackRequest) (*flux.Recording, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.pattern
	if !s.single {
		path = fmt.Sprintf(s.pattern, req.Cylinder, req.Head)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoTrack, path)
		}
		return nil, err
	}
	rec, err := decodeKryoFluxStream(data)
	if err != nil {
		return nil, fmt.Errorf("kryoflux %s: %w", path, err)
	}
	if len(rec.Samples) == 0 {
		return nil, fmt.Errorf("%w: %s has no flux", ErrNoTrack, path)
	}
	return rec, nil
}

func (s *KryoFluxSet) Describe() string { return "kryoflux:" + s.pattern }

func (s *KryoFluxSet) Close() error { return nil }

// Overlaps marks replayed stream sets safe for concurrent reads.
func (s *KryoFluxSet) Overlaps() bool { return true }
