package codec

// MFM: one data bit per two cells, clock cell set only between consecutive
// zero data bits. Sync marks are A1/C2 bytes with one clock pulse dropped,
// producing cell patterns no data sequence can generate.

const (
	// Cell images of the out-of-band sync bytes. A1 with the clock between
	// bits 4 and 5 suppressed, C2 with the clock between bits 3 and 4
	// suppressed.
	mfmSyncA1 = 0x4489
	mfmSyncC2 = 0x5224

	// Marks are three sync bytes in a row followed by a tag byte.
	mfmSyncID    = uint64(mfmSyncA1)<<32 | uint64(mfmSyncA1)<<16 | mfmSyncA1
	mfmSyncIndex = uint64(mfmSyncC2)<<32 | uint64(mfmSyncC2)<<16 | mfmSyncC2
)

type mfmCodec struct{}

func init() {
	Register(mfmCodec{})
}

func (mfmCodec) Name() string       { return "MFM" }
func (mfmCodec) Encoding() Encoding { return EncodingMFM }
func (mfmCodec) MaxRun() int        { return 3 }

func (mfmCodec) CellNs(rateKbps uint16) float64 {
	return 1e6 / float64(rateKbps) / 2
}

// FindMark shifts raw cells through a 48-cell window and compares against
// the two sync sequences. Matching at the cell level makes bit phase
// implicit: a triple A1 gives 48 exact cells, so there is nothing to align
// afterwards.
func (mfmCodec) FindMark(r *Reader) (Mark, error) {
	const window = 1<<48 - 1
	var history uint64
	for {
		cell, err := r.ReadCell()
		if err != nil {
			return MarkNone, err
		}
		history = (history<<1 | uint64(cell)) & window
		switch history {
		case mfmSyncID:
			r.ResetConfidence()
			tag, err := readClockedByte(r)
			if err != nil {
				return MarkNone, err
			}
			switch tag {
			case 0xfe:
				return MarkID, nil
			case 0xfb:
				return MarkData, nil
			case 0xf8:
				return MarkDeletedData, nil
			}
			// Sync with an unknown tag: damaged mark, keep scanning.
		case mfmSyncIndex:
			r.ResetConfidence()
			if _, err := readClockedByte(r); err != nil {
				return MarkNone, err
			}
			return MarkIndex, nil
		}
	}
}

func (mfmCodec) ReadID(r *Reader) (IDField, error) {
	var raw [6]byte
	crc := crcSeedMFMID
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

func (mfmCodec) ReadData(r *Reader, sizeBytes int, deleted bool) (DataField, error) {
	tag := byte(0xfb)
	if deleted {
		tag = 0xf8
	}
	crc := crc16Byte(crcSeedMFMMark, tag)
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

func (mfmCodec) CheckData(data, check []byte, deleted bool) bool {
	tag := byte(0xfb)
	if deleted {
		tag = 0xf8
	}
	crc := crc16(crc16Byte(crcSeedMFMMark, tag), data)
	return crc16(crc, check) == 0
}

func (mfmCodec) WriteGap(w *Writer, n int) {
	for i := 0; i < n; i++ {
		writeByteMFM(w, 0x4e)
	}
}

func (c mfmCodec) EncodeTrack(w *Writer, sectors []SectorSpec, rateKbps uint16) {
	gap2, gap3 := mfmGaps(rateKbps, len(sectors))
	c.WriteGap(w, 80)
	writeIndexMFM(w)
	c.WriteGap(w, 50)
	for _, s := range sectors {
		writeMarkMFM(w, 0xfe)
		crc := crcSeedMFMID
		for _, v := range []byte{s.ID.Cylinder, s.ID.Head, s.ID.Sector, s.ID.Size} {
			writeByteMFM(w, int(v))
			crc = crc16Byte(crc, v)
		}
		writeByteMFM(w, int(crc>>8))
		writeByteMFM(w, int(crc&0xff))
		c.WriteGap(w, gap2)

		tag := 0xfb
		if s.Deleted {
			tag = 0xf8
		}
		writeMarkMFM(w, tag)
		crc = crc16Byte(crcSeedMFMMark, byte(tag))
		for _, v := range s.Data {
			writeByteMFM(w, int(v))
			crc = crc16Byte(crc, v)
		}
		writeByteMFM(w, int(crc>>8))
		writeByteMFM(w, int(crc&0xff))
		c.WriteGap(w, gap3)
	}
	for w.maxCells > 0 && !w.Full() {
		writeByteMFM(w, 0x4e)
	}
}

// mfmGaps returns the post-ID and post-data gap lengths for the standard
// formats at each data rate.
func mfmGaps(rateKbps uint16, sectors int) (gap2, gap3 int) {
	gap2 = 22
	if rateKbps > 500 {
		gap2 = 41
	}
	switch {
	case rateKbps >= 1000:
		gap3 = 84
		if sectors > 18 {
			gap3 = 40
		}
	case rateKbps >= 500:
		gap3 = 108
		if sectors > 15 {
			gap3 = 84
		}
		if sectors > 18 {
			gap3 = 44
		}
	default:
		gap3 = 80
		if sectors > 9 {
			gap3 = 34
		}
	}
	return gap2, gap3
}

// writeBitMFM emits a clock/data cell pair. The clock cell is set only
// between two zero data bits.
func writeBitMFM(w *Writer, value int) {
	if value != 0 {
		w.WriteCell(0)
		w.WriteCell(1)
		w.lastData = 1
	} else {
		w.WriteCell(w.lastData ^ 1)
		w.WriteCell(0)
		w.lastData = 0
	}
}

func writeByteMFM(w *Writer, value int) {
	for i := 7; i >= 0; i-- {
		writeBitMFM(w, (value>>i)&1)
	}
}

// writeMarkMFM emits the sync run for an address mark: 12 bytes of zero,
// three A1 bytes with the suppressed clock, then the tag byte.
func writeMarkMFM(w *Writer, tag int) {
	for i := 0; i < 12; i++ {
		writeByteMFM(w, 0)
	}
	for i := 0; i < 3; i++ {
		writeBitMFM(w, 1)
		writeBitMFM(w, 0)
		writeBitMFM(w, 1)
		writeBitMFM(w, 0)
		writeBitMFM(w, 0)
		// Bit 5: clock suppressed.
		w.WriteCell(0)
		w.WriteCell(0)
		w.lastData = 0
		writeBitMFM(w, 0)
		writeBitMFM(w, 1)
	}
	writeByteMFM(w, tag)
}

// writeIndexMFM emits the track lead-in mark: 12 bytes of zero, three C2
// bytes with the suppressed clock, then the index tag.
func writeIndexMFM(w *Writer) {
	for i := 0; i < 12; i++ {
		writeByteMFM(w, 0)
	}
	for i := 0; i < 3; i++ {
		writeBitMFM(w, 1)
		writeBitMFM(w, 1)
		writeBitMFM(w, 0)
		writeBitMFM(w, 0)
		// Bit 4: clock suppressed.
		w.WriteCell(0)
		w.WriteCell(0)
		w.lastData = 0
		writeBitMFM(w, 0)
		writeBitMFM(w, 1)
		writeBitMFM(w, 0)
	}
	writeByteMFM(w, 0xfc)
}
