package codec

// GCR 5-and-3: the older group code. Sector bytes are carried as 410
// five-bit groups through a 32-entry nibble table, chained and checksummed
// the same way as 6-and-2. Address fields are identical, distinguished by
// the 0xb5 prologue tag.

var gcr53Forward = [32]byte{
	0xab, 0xad, 0xae, 0xaf, 0xb5, 0xb6, 0xb7, 0xba,
	0xbb, 0xbd, 0xbe, 0xbf, 0xd6, 0xd7, 0xda, 0xdb,
	0xdd, 0xde, 0xdf, 0xea, 0xeb, 0xed, 0xee, 0xef,
	0xf5, 0xf6, 0xf7, 0xfa, 0xfb, 0xfd, 0xfe, 0xff,
}

var gcr53Reverse [256]int16

func init() {
	for i := range gcr53Reverse {
		gcr53Reverse[i] = -1
	}
	for five, nib := range gcr53Forward {
		gcr53Reverse[nib] = int16(five)
	}
	Register(gcr53Codec{})
}

const (
	gcr53SectorSize = 256
	gcr53Groups     = 410 // ceil(256*8/5), final group zero-padded
)

type gcr53Codec struct{}

func (gcr53Codec) Name() string       { return "GCR53" }
func (gcr53Codec) Encoding() Encoding { return EncodingGCR53 }
func (gcr53Codec) MaxRun() int        { return 2 }

func (gcr53Codec) CellNs(rateKbps uint16) float64 {
	return 1e6 / float64(rateKbps)
}

func (gcr53Codec) FindMark(r *Reader) (Mark, error) {
	return findMarkGCR(r, 0xb5, 0xad)
}

func (gcr53Codec) ReadID(r *Reader) (IDField, error) {
	return readAddressGCR(r)
}

func (gcr53Codec) ReadData(r *Reader, sizeBytes int, deleted bool) (DataField, error) {
	data := make([]byte, gcr53SectorSize)
	ok := true
	var run byte
	bitPos := 0
	for i := 0; i < gcr53Groups; i++ {
		v, err := readRawByte(r)
		if err != nil {
			return DataField{}, err
		}
		five := gcr53Reverse[v]
		if five < 0 {
			five = 0
			ok = false
		}
		run ^= byte(five)
		for b := 4; b >= 0; b-- {
			if idx := bitPos / 8; idx < len(data) {
				data[idx] |= (run >> b & 1) << (7 - bitPos%8)
			}
			bitPos++
		}
	}
	v, err := readRawByte(r)
	if err != nil {
		return DataField{}, err
	}
	checksum := gcr53Reverse[v]
	if checksum < 0 {
		checksum = 0
		ok = false
	}
	if byte(checksum) != run {
		ok = false
	}
	if !readEpilogueGCR(r) {
		ok = false
	}
	return DataField{
		Data:       data,
		Check:      []byte{byte(checksum)},
		OK:         ok,
		Confidence: r.Confidence(),
	}, nil
}

// CheckData recomputes the chain checksum group, which telescopes down to
// the final five-bit group: the last three data bits plus two pad zeros.
func (gcr53Codec) CheckData(data, check []byte, deleted bool) bool {
	return len(check) == 1 && len(data) == gcr53SectorSize &&
		(data[gcr53SectorSize-1]&7)<<2 == check[0]
}

func (gcr53Codec) WriteGap(w *Writer, n int) {
	for i := 0; i < n; i++ {
		writeSelfSyncGCR(w)
	}
}

func (c gcr53Codec) EncodeTrack(w *Writer, sectors []SectorSpec, rateKbps uint16) {
	c.WriteGap(w, 64)
	for _, s := range sectors {
		writeAddressGCR(w, 0xb5, s.ID)
		c.WriteGap(w, 6)

		writeRawByte(w, 0xd5)
		writeRawByte(w, 0xaa)
		writeRawByte(w, 0xad)
		data := padSectorGCR(s.Data, gcr53SectorSize)
		var last byte
		bitPos := 0
		for i := 0; i < gcr53Groups; i++ {
			var g byte
			for b := 0; b < 5; b++ {
				var bit byte
				if idx := bitPos / 8; idx < len(data) {
					bit = data[idx] >> (7 - bitPos%8) & 1
				}
				g = g<<1 | bit
				bitPos++
			}
			writeRawByte(w, gcr53Forward[g^last])
			last = g
		}
		writeRawByte(w, gcr53Forward[last])
		writeEpilogueGCR(w)
		c.WriteGap(w, 16)
	}
	for w.maxCells > 0 && !w.Full() {
		writeSelfSyncGCR(w)
	}
}
