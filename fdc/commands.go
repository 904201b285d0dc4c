package fdc

import (
	"bytes"
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/jfabienke/FluxRipper-sub001/capture"
	"github.com/jfabienke/FluxRipper-sub001/codec"
	"github.com/jfabienke/FluxRipper-sub001/session"
	"github.com/jfabienke/FluxRipper-sub001/track"
)

type opKind int

const (
	kindControl opKind = iota // settles under the lock, no media
	kindRead
	kindWrite
	kindFormat
	kindSeek
)

// command is one dispatch table entry. now settles control commands
// under the state lock; step runs the first detached media step; more
// continues a transfer past a sector boundary.
type command struct {
	name    string
	kind    opKind
	params  int
	flags   byte // modifier bits the command defines; others invalidate it
	deleted bool // the command addresses deleted-data marks
	now     func(*Controller, *operation)
	step    func(*operation, context.Context)
	more    func(*operation, context.Context)
}

var commands = map[byte]*command{
	0x02: {name: "read track", kind: kindRead, params: 8, flags: flagMF | flagSK,
		step: (*operation).stepReadTrack, more: (*operation).stageRecord},
	0x03: {name: "specify", kind: kindControl, params: 2, now: nowSpecify},
	0x04: {name: "sense drive status", kind: kindControl, params: 1, now: nowSenseDrive},
	0x05: {name: "write data", kind: kindWrite, params: 8, flags: flagMT | flagMF,
		step: (*operation).stepWrite, more: (*operation).moreWrite},
	0x06: {name: "read data", kind: kindRead, params: 8, flags: flagMT | flagMF | flagSK,
		step: (*operation).stepRead, more: (*operation).moreRead},
	0x07: {name: "recalibrate", kind: kindSeek, params: 1,
		step: (*operation).stepRecalibrate},
	0x08: {name: "sense interrupt status", kind: kindControl, params: 0, now: nowSenseInterrupt},
	0x09: {name: "write deleted data", kind: kindWrite, params: 8, flags: flagMT | flagMF, deleted: true,
		step: (*operation).stepWrite, more: (*operation).moreWrite},
	0x0A: {name: "read id", kind: kindRead, params: 1, flags: flagMF,
		step: (*operation).stepReadID},
	0x0C: {name: "read deleted data", kind: kindRead, params: 8, flags: flagMT | flagMF | flagSK, deleted: true,
		step: (*operation).stepRead, more: (*operation).moreRead},
	0x0D: {name: "format track", kind: kindFormat, params: 5, flags: flagMF,
		step: (*operation).stepFormat},
	0x0F: {name: "seek", kind: kindSeek, params: 2, step: (*operation).stepSeek},
}

// operation carries one command from its parameter bytes to its result
// bytes. Media steps run on it without the controller lock, so nothing
// here may reach back into the controller.
type operation struct {
	cmd    *command
	params []byte

	mt, mf, sk  bool
	wantDeleted bool

	unit  int
	head  int
	drive *Drive
	pcn   byte

	// Target address registers, advanced across sector boundaries.
	c, h, r, n byte
	eot, dtl   byte

	// Current sector transfer.
	buf        []byte
	off        int
	sectorDone bool
	terminal   bool // end the run once the current sector drains

	// Result composition.
	ic      byte // ST0 interrupt code
	st0ex   byte // extra ST0 bits: SE, EC, NR
	st1     byte
	st2     byte
	invalid bool
	sense   []byte // overrides the seven-byte result when set
	quiet   bool   // no result and no interrupt
	seeked  bool
	done    bool

	// Decoded sides of the current cylinder and, for writes, the
	// replacement payloads per head and sector number.
	tracks [2]*session.Result
	repl   [2]map[byte][]byte

	// Read-track streaming cursor.
	trackIdx int
	copied   int
	matched  bool

	// Format collection state.
	fmtN, fmtSC, fmtFill byte
	fmtRaw               [4]byte
	fmtOff               int
	fmtIDs               []codec.IDField

	log *log.Entry
}

func (op *operation) fail(st1, st2 byte) {
	op.ic = ST0Abnormal
	op.st1 |= st1
	op.st2 |= st2
	op.done = true
}

// ready fails the operation with a not-ready status when its unit slot
// has no usable drive.
func (op *operation) ready() bool {
	if op.drive == nil || op.drive.Ops == nil {
		op.st0ex |= ST0NotReady
		op.fail(0, 0)
		return false
	}
	return true
}

// classify maps a session error onto the status vocabulary.
func (op *operation) classify(err error) {
	switch {
	case errors.Is(err, track.ErrNoMarks),
		errors.Is(err, codec.ErrUnknownFormat),
		errors.Is(err, capture.ErrNoTrack):
		op.fail(ST1MissingAM, 0)
	case errors.Is(err, capture.ErrNoDevice):
		op.st0ex |= ST0NotReady
		op.fail(0, 0)
	default:
		op.st0ex |= ST0EquipFail
		op.fail(0, 0)
	}
	op.log.WithError(err).Debug("media step failed")
}

// sectorSize is the transfer length the size code commands. Size code
// zero hands control to the data-length parameter, capped at the FM
// ceiling.
func (op *operation) sectorSize() int {
	if op.n == 0 {
		n := int(op.dtl)
		if n < 1 {
			n = 1
		}
		if n > 128 {
			n = 128
		}
		return n
	}
	return 128 << (op.n & 7)
}

// advanceID steps the target address past a fully transferred sector,
// following the hardware's result-phase table. It reports false when
// the step runs off the end of the track.
func (op *operation) advanceID() bool {
	if op.r != op.eot {
		op.r++
		return true
	}
	op.r = 1
	if op.mt && op.head == 0 {
		op.head = 1
		op.h = 1
		return true
	}
	op.c++
	if op.mt {
		op.h = 0
	}
	return false
}

// loadTrack decodes the side the operation is positioned on, once per
// command.
func (op *operation) loadTrack(ctx context.Context, head int) bool {
	if op.tracks[head] != nil {
		return true
	}
	res, err := op.drive.Ops.DecodeTrack(ctx, int(op.pcn), head)
	if err != nil {
		op.classify(err)
		return false
	}
	// The density flag gates the mark scheme the way the hardware
	// would: double density accepts any clocked family, single
	// density only FM.
	if op.mf == (res.Encoding == codec.EncodingFM) {
		op.fail(ST1MissingAM, 0)
		return false
	}
	op.tracks[head] = res
	return true
}

// findSector matches the target address registers against the decoded
// records and translates a miss into status bits.
func (op *operation) findSector() *track.Sector {
	trk := op.tracks[op.head].Track
	for i := range trk.Sectors {
		sec := &trk.Sectors[i]
		if sec.ID.Sector != op.r {
			continue
		}
		if sec.ID.Cylinder != op.c {
			if sec.ID.Cylinder == 0xFF {
				op.fail(ST1NoData, ST2BadCyl)
			} else {
				op.fail(ST1NoData, ST2WrongCyl)
			}
			return nil
		}
		if sec.ID.Head != op.h {
			op.fail(ST1NoData, 0)
			return nil
		}
		if op.n != 0 && sec.ID.Size != op.n {
			op.fail(ST1NoData, 0)
			return nil
		}
		return sec
	}
	op.fail(ST1NoData, 0)
	return nil
}

// stageBytes readies a sector's payload for the host and folds its
// decode flags into the status registers. terminal selects whether a
// flag ends the run after this sector, which is what the search-style
// read commands do.
func (op *operation) stageBytes(sec *track.Sector, terminal bool) {
	buf := make([]byte, op.sectorSize())
	copy(buf, sec.Data.Data)
	op.buf = buf
	op.off = 0
	op.sectorDone = false
	op.copied++

	if !sec.Data.OK {
		op.st1 |= ST1DataError
		op.st2 |= ST2DataErrorData
		if terminal {
			op.ic = ST0Abnormal
			op.terminal = true
		}
	}
	if op.tracks[op.head].Overflow && sec.Data.OK && session.LowConfidenceSector(sec) {
		op.st1 |= ST1Overrun
		if terminal {
			op.ic = ST0Abnormal
			op.terminal = true
		}
	}
}

// stage searches out the addressed sector and readies its payload,
// applying the skip and control-mark rules for the command's target
// mark kind.
func (op *operation) stage(ctx context.Context) {
	for {
		if !op.loadTrack(ctx, op.head) {
			return
		}
		sec := op.findSector()
		if sec == nil {
			return
		}
		if !sec.HasData {
			op.fail(ST1MissingAM, ST2MissingAMData)
			return
		}
		if sec.Data.Deleted != op.wantDeleted {
			if op.sk {
				if !op.advanceID() {
					op.fail(ST1EndOfCyl, 0)
					return
				}
				continue
			}
			// Transferred anyway, flagged, and treated as the
			// last sector of the run.
			op.st2 |= ST2ControlMark
			op.terminal = true
		}
		op.stageBytes(sec, true)
		return
	}
}

func (op *operation) stepRead(ctx context.Context) {
	if !op.ready() {
		return
	}
	op.stage(ctx)
}

func (op *operation) moreRead(ctx context.Context) {
	if !op.advanceID() {
		op.fail(ST1EndOfCyl, 0)
		return
	}
	op.stage(ctx)
}

func (op *operation) stepReadID(ctx context.Context) {
	if !op.ready() {
		return
	}
	if !op.loadTrack(ctx, op.head) {
		return
	}
	trk := op.tracks[op.head].Track
	if len(trk.Sectors) == 0 {
		op.fail(ST1NoData, 0)
		return
	}
	id := trk.Sectors[0].ID
	op.c, op.h, op.r, op.n = id.Cylinder, id.Head, id.Sector, id.Size
	op.done = true
}

func (op *operation) stepReadTrack(ctx context.Context) {
	if !op.ready() {
		return
	}
	if !op.loadTrack(ctx, op.head) {
		return
	}
	op.stageRecord(ctx)
}

// stageRecord streams the next surface record for READ TRACK, which
// takes sectors as they come instead of searching for an address.
// Flags accumulate across the run; only running off the track ends it
// early.
func (op *operation) stageRecord(_ context.Context) {
	trk := op.tracks[op.head].Track
	for {
		if op.copied >= int(op.eot) {
			if !op.matched {
				op.st1 |= ST1NoData
			}
			if op.st1 != 0 {
				op.ic = ST0Abnormal
			}
			op.done = true
			return
		}
		if op.trackIdx >= len(trk.Sectors) {
			if !op.matched {
				op.st1 |= ST1NoData
			}
			op.fail(ST1EndOfCyl, 0)
			return
		}
		sec := &trk.Sectors[op.trackIdx]
		op.trackIdx++
		if !sec.HasData {
			op.st1 |= ST1MissingAM
			op.st2 |= ST2MissingAMData
			continue
		}
		if sec.Data.Deleted != op.wantDeleted {
			if op.sk {
				continue
			}
			op.st2 |= ST2ControlMark
		}
		if sec.ID.Sector == op.params[3] {
			op.matched = true
		}
		op.stageBytes(sec, false)
		op.c, op.h, op.r = sec.ID.Cylinder, sec.ID.Head, sec.ID.Sector
		return
	}
}

func (op *operation) stepWrite(ctx context.Context) {
	if !op.ready() {
		return
	}
	if !op.drive.writable() {
		op.fail(ST1NotWritable, 0)
		return
	}
	op.stageWriteTarget(ctx)
}

// stageWriteTarget locates the addressed sector's id and readies an
// empty buffer for the host to fill.
func (op *operation) stageWriteTarget(ctx context.Context) bool {
	if !op.loadTrack(ctx, op.head) {
		return false
	}
	if op.findSector() == nil {
		return false
	}
	op.buf = make([]byte, op.sectorSize())
	op.off = 0
	op.sectorDone = false
	return true
}

func (op *operation) moreWrite(ctx context.Context) {
	if op.advanceID() && op.stageWriteTarget(ctx) {
		return
	}
	if op.ic == ST0Normal {
		op.fail(ST1EndOfCyl, 0)
	}
	// Sectors the host completed before the fault still land.
	op.flush(ctx)
}

// commit files the host's finished sector buffer under its address.
// The buffer is zero-filled past whatever the host supplied.
func (op *operation) commit() {
	if op.repl[op.head] == nil {
		op.repl[op.head] = map[byte][]byte{}
	}
	op.repl[op.head][op.r] = op.buf
	op.buf = nil
	op.off = 0
	op.sectorDone = true
}

// flush renders every side the host touched back to flux, in the
// encoding and rate the track decoded as. Neighboring records keep
// their decoded bytes; the encoder computes fresh checksums for the
// whole surface like any track write.
func (op *operation) flush(ctx context.Context) {
	for head := range op.repl {
		repl := op.repl[head]
		if len(repl) == 0 {
			continue
		}
		res := op.tracks[head]
		trk := res.Track
		specs := make([]codec.SectorSpec, 0, len(trk.Sectors))
		for i := range trk.Sectors {
			sec := &trk.Sectors[i]
			spec := codec.SectorSpec{ID: sec.ID, Deleted: sec.HasData && sec.Data.Deleted}
			switch data, ok := repl[sec.ID.Sector]; {
			case ok:
				if want := sec.ID.SizeBytes(); len(data) < want {
					padded := make([]byte, want)
					copy(padded, data)
					data = padded
				}
				spec.Data = data
				spec.Deleted = op.wantDeleted
			case sec.HasData:
				spec.Data = sec.Data.Data
			default:
				spec.Data = make([]byte, sec.ID.SizeBytes())
			}
			specs = append(specs, spec)
		}
		err := op.drive.Ops.EncodeTrackAs(ctx, int(op.pcn), head, res.Encoding, int(res.RateKbps), specs)
		if err != nil {
			op.classify(err)
			return
		}
	}
}

func (op *operation) flushAndDone(ctx context.Context) {
	op.flush(ctx)
	op.done = true
}

func (op *operation) stepFormat(ctx context.Context) {
	if !op.ready() {
		return
	}
	if !op.drive.writable() {
		op.fail(ST1NotWritable, 0)
		return
	}
	if op.fmtSC == 0 {
		// No sectors asked for: the track is laid down as bare
		// gap fill.
		op.flushFormatAndDone(ctx)
	}
	// Otherwise wait for the host to supply the address bytes.
}

// pushFormatID files one collected four-byte address and echoes it in
// the result registers.
func (op *operation) pushFormatID() {
	id := codec.IDField{
		Cylinder:   op.fmtRaw[0],
		Head:       op.fmtRaw[1],
		Sector:     op.fmtRaw[2],
		Size:       op.fmtRaw[3],
		OK:         true,
		Confidence: codec.ConfidenceMax,
	}
	op.fmtIDs = append(op.fmtIDs, id)
	op.c, op.h, op.r = id.Cylinder, id.Head, id.Sector
}

// formatTarget picks the encoding and rate a format lays down: the
// session settings when pinned, otherwise the density flag decides
// between FM and MFM at the default rate.
func (op *operation) formatTarget() (codec.Encoding, int) {
	cfg := op.drive.Ops.Settings()
	enc, rate := cfg.Encoding, cfg.RateKbps
	if enc == codec.EncodingUnknown {
		if op.mf {
			enc = codec.EncodingMFM
		} else {
			enc = codec.EncodingFM
		}
	}
	if rate <= 0 {
		rate = 250
	}
	return enc, rate
}

func (op *operation) flushFormatAndDone(ctx context.Context) {
	enc, rate := op.formatTarget()
	size := 128 << (op.fmtN & 7)
	specs := make([]codec.SectorSpec, len(op.fmtIDs))
	for i, id := range op.fmtIDs {
		specs[i] = codec.SectorSpec{
			ID:   id,
			Data: bytes.Repeat([]byte{op.fmtFill}, size),
		}
	}
	err := op.drive.Ops.EncodeTrackAs(ctx, int(op.pcn), op.head, enc, rate, specs)
	if err != nil {
		op.classify(err)
		return
	}
	op.done = true
}

func (op *operation) stepSeek(ctx context.Context) {
	op.seeked = true
	if !op.ready() {
		return
	}
	pos := op.drive.positioner()
	ncn := int(op.params[1])
	cyl, err := pos.Seek(ctx, ncn)
	if err == nil && cyl == ncn {
		op.pcn = byte(cyl)
		return
	}

	// One automatic recalibrate-and-retry before the failure is
	// reported.
	op.log.WithField("ncn", ncn).Warn("seek missed, recalibrating")
	if home, herr := pos.Recalibrate(ctx); herr == nil {
		op.pcn = byte(home)
		cyl, err = pos.Seek(ctx, ncn)
		if err == nil {
			op.pcn = byte(cyl)
			if cyl == ncn {
				return
			}
		}
	}
	op.ic = ST0Abnormal
	op.st0ex |= ST0EquipFail
}

func (op *operation) stepRecalibrate(ctx context.Context) {
	op.seeked = true
	if !op.ready() {
		return
	}
	cyl, err := op.drive.positioner().Recalibrate(ctx)
	if err != nil {
		op.ic = ST0Abnormal
		op.st0ex |= ST0EquipFail
		return
	}
	op.pcn = byte(cyl)
	if cyl != 0 {
		// Track zero never showed up under the head.
		op.ic = ST0Abnormal
		op.st0ex |= ST0EquipFail
	}
}

func nowSpecify(c *Controller, op *operation) {
	// Step timings only matter to real cable electronics; record the
	// transfer mode and note the rest.
	c.nonDMA = op.params[1]&1 != 0
	c.log.WithFields(log.Fields{
		"srt": op.params[0] >> 4,
		"hut": op.params[0] & 0x0F,
		"hlt": op.params[1] >> 1,
		"nd":  c.nonDMA,
	}).Debug("specify")
	op.quiet = true
}

func nowSenseDrive(c *Controller, op *operation) {
	st3 := byte(op.unit) | byte(op.head)<<2
	if drv := c.drives[op.unit]; drv != nil {
		st3 |= ST3Ready
		if drv.TwoSided {
			st3 |= ST3TwoSide
		}
		if c.pcn[op.unit] == 0 {
			st3 |= ST3Track0
		}
		if !drv.writable() {
			st3 |= ST3WriteProtect
		}
	}
	op.sense = []byte{st3}
	op.done = true
}

func nowSenseInterrupt(c *Controller, op *operation) {
	if len(c.pending) == 0 {
		// Nothing to acknowledge: the hardware calls this an
		// invalid command.
		op.invalid = true
		op.done = true
		return
	}
	in := c.pending[0]
	c.pending = c.pending[1:]
	op.sense = []byte{in.st0, in.pcn}
	op.done = true
}
