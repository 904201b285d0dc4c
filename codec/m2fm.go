package codec

// M2FM: MFM with a stricter clock rule. A clock cell is set only between
// two zero data bits when the previous clock cell was also clear, which
// halves the clock density of zero runs. Marks carry the 0x70 clock pattern
// whose consecutive clock pulses the rule forbids.

const (
	// 0x00 gap cells alternate clocked and unclocked bit pairs; the phase
	// at a mark boundary depends on the parity of what came before.
	m2fmZeroEven = 0x8888
	m2fmZeroOdd  = 0x2222

	m2fmMarkID      = 0x2a54 // 0x0e, clock 0x70
	m2fmMarkData    = 0x2a45 // 0x0b, clock 0x70
	m2fmMarkDeleted = 0x2a40 // 0x08, clock 0x70
	m2fmMarkIndex   = 0x2a50 // 0x0c, clock 0x70
)

type m2fmCodec struct{}

func init() {
	Register(m2fmCodec{})
}

func (m2fmCodec) Name() string       { return "M2FM" }
func (m2fmCodec) Encoding() Encoding { return EncodingM2FM }
func (m2fmCodec) MaxRun() int        { return 4 }

func (m2fmCodec) CellNs(rateKbps uint16) float64 {
	return 1e6 / float64(rateKbps) / 2
}

func (m2fmCodec) FindMark(r *Reader) (Mark, error) {
	var history uint32
	for {
		cell, err := r.ReadCell()
		if err != nil {
			return MarkNone, err
		}
		history = history<<1 | uint32(cell)
		prefix := history >> 16
		if prefix != m2fmZeroEven && prefix != m2fmZeroOdd {
			continue
		}
		switch history & 0xffff {
		case m2fmMarkID:
			r.ResetConfidence()
			return MarkID, nil
		case m2fmMarkData:
			r.ResetConfidence()
			return MarkData, nil
		case m2fmMarkDeleted:
			r.ResetConfidence()
			return MarkDeletedData, nil
		case m2fmMarkIndex:
			r.ResetConfidence()
			return MarkIndex, nil
		}
	}
}

func (m2fmCodec) ReadID(r *Reader) (IDField, error) {
	var raw [6]byte
	crc := crc16Byte(0xffff, 0x0e)
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

func (m2fmCodec) ReadData(r *Reader, sizeBytes int, deleted bool) (DataField, error) {
	tag := byte(0x0b)
	if deleted {
		tag = 0x08
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

func (m2fmCodec) CheckData(data, check []byte, deleted bool) bool {
	tag := byte(0x0b)
	if deleted {
		tag = 0x08
	}
	crc := crc16(crc16Byte(0xffff, tag), data)
	return crc16(crc, check) == 0
}

// WriteGap emits zero bytes; the gap doubles as mark sync.
func (m2fmCodec) WriteGap(w *Writer, n int) {
	for i := 0; i < n; i++ {
		writeByteM2FM(w, 0)
	}
}

func (c m2fmCodec) EncodeTrack(w *Writer, sectors []SectorSpec, rateKbps uint16) {
	c.WriteGap(w, 40)
	writeMarkM2FM(w, m2fmMarkIndex)
	c.WriteGap(w, 26)
	for _, s := range sectors {
		writeMarkM2FM(w, m2fmMarkID)
		crc := crc16Byte(0xffff, 0x0e)
		for _, v := range []byte{s.ID.Cylinder, s.ID.Head, s.ID.Sector, s.ID.Size} {
			writeByteM2FM(w, int(v))
			crc = crc16Byte(crc, v)
		}
		writeByteM2FM(w, int(crc>>8))
		writeByteM2FM(w, int(crc&0xff))
		c.WriteGap(w, 17)

		tag := byte(0x0b)
		word := uint16(m2fmMarkData)
		if s.Deleted {
			tag = 0x08
			word = m2fmMarkDeleted
		}
		writeMarkM2FM(w, word)
		crc = crc16Byte(0xffff, tag)
		for _, v := range s.Data {
			writeByteM2FM(w, int(v))
			crc = crc16Byte(crc, v)
		}
		writeByteM2FM(w, int(crc>>8))
		writeByteM2FM(w, int(crc&0xff))
		c.WriteGap(w, 33)
	}
	for w.maxCells > 0 && !w.Full() {
		writeByteM2FM(w, 0)
	}
}

func writeBitM2FM(w *Writer, value int) {
	clock := 0
	if value == 0 && w.lastData == 0 && w.lastClock == 0 {
		clock = 1
	}
	w.WriteCell(clock)
	w.WriteCell(value)
	w.lastData = value
	w.lastClock = clock
}

func writeByteM2FM(w *Writer, value int) {
	for i := 7; i >= 0; i-- {
		writeBitM2FM(w, (value>>i)&1)
	}
}

// writeMarkM2FM emits a 16-cell mark image and leaves the writer's clock
// state matching the image's final bit pair.
func writeMarkM2FM(w *Writer, word uint16) {
	for i := 15; i >= 0; i-- {
		w.WriteCell(int(word>>i) & 1)
	}
	w.lastData = int(word) & 1
	w.lastClock = int(word>>1) & 1
}
