package codec

// RLL 2,7: rate-1/2 run-length-limited code, two to seven zero cells
// between transitions. The variable-length code table is prefix-free on
// both sides, so encode and decode are greedy. Sync marks open with a 1,
// eight zero cells and another 1, a run no legal codeword stream can
// produce, followed by a short legal tail that names the mark.
const (
	rllMarkID      = 0x8048
	rllMarkData    = 0x8044
	rllMarkDeleted = 0x8042
	rllMarkIndex   = 0x8041
)

type rll27Codec struct{}

func init() {
	Register(rll27Codec{})
}

func (rll27Codec) Name() string       { return "RLL27" }
func (rll27Codec) Encoding() Encoding { return EncodingRLL27 }
func (rll27Codec) MaxRun() int        { return 7 }

func (rll27Codec) CellNs(rateKbps uint16) float64 {
	return 1e6 / float64(rateKbps) / 2
}

func (rll27Codec) FindMark(r *Reader) (Mark, error) {
	var history uint32
	for {
		cell, err := r.ReadCell()
		if err != nil {
			return MarkNone, err
		}
		history = (history<<1 | uint32(cell)) & 0xffff
		switch history {
		case rllMarkID:
			r.ResetConfidence()
			return MarkID, nil
		case rllMarkData:
			r.ResetConfidence()
			return MarkData, nil
		case rllMarkDeleted:
			r.ResetConfidence()
			return MarkDeletedData, nil
		case rllMarkIndex:
			r.ResetConfidence()
			return MarkIndex, nil
		}
	}
}

func (rll27Codec) ReadID(r *Reader) (IDField, error) {
	raw, ok, err := decodeRLL27(r, 6)
	if err != nil {
		return IDField{}, err
	}
	crc := crc16(0xffff, raw)
	return IDField{
		Cylinder:   raw[0],
		Head:       raw[1],
		Sector:     raw[2],
		Size:       raw[3],
		OK:         ok && crc == 0,
		Confidence: r.Confidence(),
	}, nil
}

func (rll27Codec) ReadData(r *Reader, sizeBytes int, deleted bool) (DataField, error) {
	raw, ok, err := decodeRLL27(r, sizeBytes+2)
	if err != nil {
		return DataField{}, err
	}
	crc := crc16(0xffff, raw)
	return DataField{
		Data:       raw[:sizeBytes],
		Check:      raw[sizeBytes:],
		OK:         ok && crc == 0,
		Deleted:    deleted,
		Confidence: r.Confidence(),
	}, nil
}

func (rll27Codec) CheckData(data, check []byte, deleted bool) bool {
	return crc16(crc16(0xffff, data), check) == 0
}

// WriteGap emits n filler units of 00100100, legal under the run limits
// from any codeword boundary.
func (rll27Codec) WriteGap(w *Writer, n int) {
	for i := 0; i < n; i++ {
		for _, cell := range [8]int{0, 0, 1, 0, 0, 1, 0, 0} {
			w.WriteCell(cell)
		}
	}
}

func (c rll27Codec) EncodeTrack(w *Writer, sectors []SectorSpec, rateKbps uint16) {
	c.WriteGap(w, 32)
	writeRawWordRLL(w, rllMarkIndex)
	c.WriteGap(w, 16)
	for _, s := range sectors {
		writeRawWordRLL(w, rllMarkID)
		id := []byte{s.ID.Cylinder, s.ID.Head, s.ID.Sector, s.ID.Size}
		crc := crc16(0xffff, id)
		encodeRLL27(w, append(id, byte(crc>>8), byte(crc&0xff)))
		c.WriteGap(w, 12)

		word := uint16(rllMarkData)
		if s.Deleted {
			word = rllMarkDeleted
		}
		writeRawWordRLL(w, word)
		crc = crc16(0xffff, s.Data)
		encodeRLL27(w, append(append([]byte{}, s.Data...), byte(crc>>8), byte(crc&0xff)))
		c.WriteGap(w, 24)
	}
	for w.maxCells > 0 && !w.Full() {
		for _, cell := range [8]int{0, 0, 1, 0, 0, 1, 0, 0} {
			w.WriteCell(cell)
		}
	}
}

func writeRawWordRLL(w *Writer, word uint16) {
	for i := 15; i >= 0; i-- {
		w.WriteCell(int(word>>i) & 1)
	}
}

// encodeRLL27 parses the input bits greedily against the code table and
// emits cell groups. The tail is zero-padded to complete the last group.
func encodeRLL27(w *Writer, data []byte) {
	bits := make([]uint8, 0, len(data)*8+2)
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			bits = append(bits, b>>i&1)
		}
	}
	bits = append(bits, 0, 0) // pad to complete the final group
	emit := func(cells uint16, n int) {
		for i := n - 1; i >= 0; i-- {
			w.WriteCell(int(cells>>i) & 1)
		}
	}
	n := len(bits) - 2
	for i := 0; i < n; {
		switch {
		case bits[i] == 1 && bits[i+1] == 1:
			emit(0b1000, 4)
			i += 2
		case bits[i] == 1:
			emit(0b0100, 4)
			i += 2
		case bits[i+1] == 1 && bits[i+2] == 1:
			emit(0b001000, 6)
			i += 3
		case bits[i+1] == 1:
			emit(0b100100, 6)
			i += 3
		case bits[i+2] == 0:
			emit(0b000100, 6)
			i += 3
		case bits[i+3] == 1:
			emit(0b00001000, 8)
			i += 4
		default:
			emit(0b00100100, 8)
			i += 4
		}
	}
}

// decodeRLL27 reads cells until nBytes of data have been recovered,
// dropping the pad bits of the final group. A cell group matching no
// codeword flags the field bad and stops decoding.
func decodeRLL27(r *Reader, nBytes int) ([]byte, bool, error) {
	out := make([]byte, nBytes)
	nBits := nBytes * 8
	got := 0
	put := func(bits uint8, n int) {
		for i := n - 1; i >= 0 && got < nBits; i-- {
			out[got/8] |= (bits >> i & 1) << (7 - got%8)
			got++
		}
	}
	var acc uint16
	accLen := 0
	for got < nBits {
		cell, err := r.ReadCell()
		if err != nil {
			return out, false, err
		}
		acc = acc<<1 | uint16(cell)
		accLen++
		switch accLen {
		case 4:
			switch acc {
			case 0b1000:
				put(0b11, 2)
				acc, accLen = 0, 0
			case 0b0100:
				put(0b10, 2)
				acc, accLen = 0, 0
			}
		case 6:
			switch acc {
			case 0b000100:
				put(0b000, 3)
				acc, accLen = 0, 0
			case 0b100100:
				put(0b010, 3)
				acc, accLen = 0, 0
			case 0b001000:
				put(0b011, 3)
				acc, accLen = 0, 0
			}
		case 8:
			switch acc {
			case 0b00001000:
				put(0b0011, 4)
			case 0b00100100:
				put(0b0010, 4)
			default:
				return out, false, nil
			}
			acc, accLen = 0, 0
		}
	}
	return out, true, nil
}
