package codec

// FM: one data bit per two cells, clock cell always set. Address marks use
// bytes with selected clock pulses dropped, so their cell images are
// reserved. The scanner keys on the mark word preceded by a full byte of
// zero sync, which pins cell phase.

const (
	fmCellsZero = 0xaaaa // 0x00 with all clocks, the sync byte

	fmMarkID      = fmCellsZero<<16 | 0xf57e // 0xfe, clock 0xc7
	fmMarkData    = fmCellsZero<<16 | 0xf56f // 0xfb, clock 0xc7
	fmMarkDeleted = fmCellsZero<<16 | 0xf56a // 0xf8, clock 0xc7
	fmMarkIndex   = fmCellsZero<<16 | 0xf77a // 0xfc, clock 0xd7
)

type fmCodec struct{}

func init() {
	Register(fmCodec{})
}

func (fmCodec) Name() string       { return "FM" }
func (fmCodec) Encoding() Encoding { return EncodingFM }
func (fmCodec) MaxRun() int        { return 3 }

func (fmCodec) CellNs(rateKbps uint16) float64 {
	return 1e6 / float64(rateKbps) / 2
}

func (fmCodec) FindMark(r *Reader) (Mark, error) {
	var history uint32
	for {
		cell, err := r.ReadCell()
		if err != nil {
			return MarkNone, err
		}
		history = history<<1 | uint32(cell)
		switch history {
		case fmMarkID:
			r.ResetConfidence()
			return MarkID, nil
		case fmMarkData:
			r.ResetConfidence()
			return MarkData, nil
		case fmMarkDeleted:
			r.ResetConfidence()
			return MarkDeletedData, nil
		case fmMarkIndex:
			r.ResetConfidence()
			return MarkIndex, nil
		}
	}
}

func (fmCodec) ReadID(r *Reader) (IDField, error) {
	var raw [6]byte
	crc := crc16Byte(0xffff, 0xfe)
	for i := range raw {
		v, err := readClockedByte(r)
		if err != nil {
			return IDField{}, err
		}
		raw[i] = byte(v)
		crc = crc16Byte(crc, byte(v))
	}
	return IDField{
		Cylinder:   raw[0],
		Head:       raw[1],
		Sector:     raw[2],
		Size:       raw[3],
		OK:         crc == 0,
		Confidence: r.Confidence(),
	}, nil
}

func (fmCodec) ReadData(r *Reader, sizeBytes int, deleted bool) (DataField, error) {
	tag := byte(0xfb)
	if deleted {
		tag = 0xf8
	}
	crc := crc16Byte(0xffff, tag)
	data := make([]byte, sizeBytes)
	for i := range data {
		v, err := readClockedByte(r)
		if err != nil {
			return DataField{}, err
		}
		data[i] = byte(v)
		crc = crc16Byte(crc, byte(v))
	}
	check := make([]byte, 2)
	for i := range check {
		v, err := readClockedByte(r)
		if err != nil {
			return DataField{}, err
		}
		check[i] = byte(v)
		crc = crc16Byte(crc, byte(v))
	}
	return DataField{
		Data:       data,
		Check:      check,
		OK:         crc == 0,
		Deleted:    deleted,
		Confidence: r.Confidence(),
	}, nil
}

func (fmCodec) CheckData(data, check []byte, deleted bool) bool {
	tag := byte(0xfb)
	if deleted {
		tag = 0xf8
	}
	crc := crc16(crc16Byte(0xffff, tag), data)
	return crc16(crc, check) == 0
}

func (fmCodec) WriteGap(w *Writer, n int) {
	for i := 0; i < n; i++ {
		writeByteFM(w, 0xff)
	}
}

func (c fmCodec) EncodeTrack(w *Writer, sectors []SectorSpec, rateKbps uint16) {
	c.WriteGap(w, 40)
	writeSyncFM(w)
	writeRawWordFM(w, 0xf77a)
	c.WriteGap(w, 26)
	for _, s := range sectors {
		writeSyncFM(w)
		writeRawWordFM(w, 0xf57e)
		crc := crc16Byte(0xffff, 0xfe)
		for _, v := range []byte{s.ID.Cylinder, s.ID.Head, s.ID.Sector, s.ID.Size} {
			writeByteFM(w, int(v))
			crc = crc16Byte(crc, v)
		}
		writeByteFM(w, int(crc>>8))
		writeByteFM(w, int(crc&0xff))
		c.WriteGap(w, 11)

		writeSyncFM(w)
		tag := byte(0xfb)
		word := uint16(0xf56f)
		if s.Deleted {
			tag = 0xf8
			word = 0xf56a
		}
		writeRawWordFM(w, word)
		crc = crc16Byte(0xffff, tag)
		for _, v := range s.Data {
			writeByteFM(w, int(v))
			crc = crc16Byte(crc, v)
		}
		writeByteFM(w, int(crc>>8))
		writeByteFM(w, int(crc&0xff))
		c.WriteGap(w, 27)
	}
	for w.maxCells > 0 && !w.Full() {
		writeByteFM(w, 0xff)
	}
}

func writeBitFM(w *Writer, value int) {
	w.WriteCell(1)
	w.WriteCell(value)
}

func writeByteFM(w *Writer, value int) {
	for i := 7; i >= 0; i-- {
		writeBitFM(w, (value>>i)&1)
	}
}

// writeSyncFM emits the zero run that precedes every mark.
func writeSyncFM(w *Writer) {
	for i := 0; i < 6; i++ {
		writeByteFM(w, 0)
	}
}

// writeRawWordFM emits a 16-cell mark image verbatim, clock violations
// included.
func writeRawWordFM(w *Writer, word uint16) {
	for i := 15; i >= 0; i-- {
		w.WriteCell(int(word>>i) & 1)
	}
}
