package codec

// NRZ: one cell per data bit, no clock insertion. Used by the high-rate
// formats that rely on short sectors and frequent preambles instead of an
// embedded clock. Marks are an 0xaa preamble byte plus an 0xa1-prefixed tag;
// nothing stops sector data from containing the same bytes, so a false
// match is possible and left to the checksums to reject.
const (
	nrzMarkID      = 0xaaa1fe
	nrzMarkData    = 0xaaa1fb
	nrzMarkDeleted = 0xaaa1f8
	nrzMarkIndex   = 0xaaa1fc
)

type nrzCodec struct{}

func init() {
	Register(nrzCodec{})
}

func (nrzCodec) Name() string       { return "NRZ" }
func (nrzCodec) Encoding() Encoding { return EncodingNRZ }
func (nrzCodec) MaxRun() int        { return 8 }

func (nrzCodec) CellNs(rateKbps uint16) float64 {
	return 1e6 / float64(rateKbps)
}

func (nrzCodec) FindMark(r *Reader) (Mark, error) {
	var history uint32
	for {
		cell, err := r.ReadCell()
		if err != nil {
			return MarkNone, err
		}
		history = (history<<1 | uint32(cell)) & 0xffffff
		switch history {
		case nrzMarkID:
			r.ResetConfidence()
			return MarkID, nil
		case nrzMarkData:
			r.ResetConfidence()
			return MarkData, nil
		case nrzMarkDeleted:
			r.ResetConfidence()
			return MarkDeletedData, nil
		case nrzMarkIndex:
			r.ResetConfidence()
			return MarkIndex, nil
		}
	}
}

func (nrzCodec) ReadID(r *Reader) (IDField, error) {
	var raw [6]byte
	for i := range raw {
		v, err := readRawByte(r)
		if err != nil {
			return IDField{}, err
		}
		raw[i] = byte(v)
	}
	return IDField{
		Cylinder:   raw[0],
		Head:       raw[1],
		Sector:     raw[2],
		Size:       raw[3],
		OK:         crc16(0xffff, raw[:]) == 0,
		Confidence: r.Confidence(),
	}, nil
}

func (nrzCodec) ReadData(r *Reader, sizeBytes int, deleted bool) (DataField, error) {
	raw := make([]byte, sizeBytes+2)
	for i := range raw {
		v, err := readRawByte(r)
		if err != nil {
			return DataField{}, err
		}
		raw[i] = byte(v)
	}
	return DataField{
		Data:       raw[:sizeBytes],
		Check:      raw[sizeBytes:],
		OK:         crc16(0xffff, raw) == 0,
		Deleted:    deleted,
		Confidence: r.Confidence(),
	}, nil
}

func (nrzCodec) CheckData(data, check []byte, deleted bool) bool {
	return crc16(crc16(0xffff, data), check) == 0
}

func (nrzCodec) WriteGap(w *Writer, n int) {
	for i := 0; i < n; i++ {
		writeRawByte(w, 0x4e)
	}
}

func (c nrzCodec) EncodeTrack(w *Writer, sectors []SectorSpec, rateKbps uint16) {
	c.WriteGap(w, 32)
	writePreambleNRZ(w)
	writeRawByte(w, 0xa1)
	writeRawByte(w, 0xfc)
	c.WriteGap(w, 16)
	for _, s := range sectors {
		writePreambleNRZ(w)
		writeRawByte(w, 0xa1)
		writeRawByte(w, 0xfe)
		id := []byte{s.ID.Cylinder, s.ID.Head, s.ID.Sector, s.ID.Size}
		crc := crc16(0xffff, id)
		for _, v := range append(id, byte(crc>>8), byte(crc&0xff)) {
			writeRawByte(w, v)
		}
		c.WriteGap(w, 8)

		writePreambleNRZ(w)
		writeRawByte(w, 0xa1)
		tag := byte(0xfb)
		if s.Deleted {
			tag = 0xf8
		}
		writeRawByte(w, tag)
		crc = crc16(0xffff, s.Data)
		for _, v := range s.Data {
			writeRawByte(w, v)
		}
		writeRawByte(w, byte(crc>>8))
		writeRawByte(w, byte(crc&0xff))
		c.WriteGap(w, 12)
	}
	for w.maxCells > 0 && !w.Full() {
		writeRawByte(w, 0x4e)
	}
}

// writePreambleNRZ emits the 0xaa run that retrains the clock before each
// mark; the last preamble byte is part of the mark match.
func writePreambleNRZ(w *Writer) {
	for i := 0; i < 8; i++ {
		writeRawByte(w, 0xaa)
	}
}
