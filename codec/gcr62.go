package codec

// GCR 6-and-2: 256-byte sectors carried as 342 six-bit groups, each mapped
// to a disk nibble with the high bit set and at most two consecutive zero
// cells. Address fields use 4-and-4 encoding. Field prologues start with
// reserved nibbles (0xd5 0xaa never appear in data), which is what the
// scanner keys on.

var gcr62Forward = [64]byte{
	0x96, 0x97, 0x9a, 0x9b, 0x9d, 0x9e, 0x9f, 0xa6,
	0xa7, 0xab, 0xac, 0xad, 0xae, 0xaf, 0xb2, 0xb3,
	0xb4, 0xb5, 0xb6, 0xb7, 0xb9, 0xba, 0xbb, 0xbc,
	0xbd, 0xbe, 0xbf, 0xcb, 0xcd, 0xce, 0xcf, 0xd3,
	0xd6, 0xd7, 0xd9, 0xda, 0xdb, 0xdc, 0xdd, 0xde,
	0xdf, 0xe5, 0xe6, 0xe7, 0xe9, 0xea, 0xeb, 0xec,
	0xed, 0xee, 0xef, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6,
	0xf7, 0xf9, 0xfa, 0xfb, 0xfc, 0xfd, 0xfe, 0xff,
}

var gcr62Reverse [256]int16

func init() {
	for i := range gcr62Reverse {
		gcr62Reverse[i] = -1
	}
	for six, nib := range gcr62Forward {
		gcr62Reverse[nib] = int16(six)
	}
	Register(gcr62Codec{})
}

const gcr62SectorSize = 256

type gcr62Codec struct{}

func (gcr62Codec) Name() string       { return "GCR62" }
func (gcr62Codec) Encoding() Encoding { return EncodingGCR62 }
func (gcr62Codec) MaxRun() int        { return 2 }

func (gcr62Codec) CellNs(rateKbps uint16) float64 {
	return 1e6 / float64(rateKbps)
}

func (gcr62Codec) FindMark(r *Reader) (Mark, error) {
	return findMarkGCR(r, 0x96, 0xad)
}

func (gcr62Codec) ReadID(r *Reader) (IDField, error) {
	return readAddressGCR(r)
}

func (gcr62Codec) ReadData(r *Reader, sizeBytes int, deleted bool) (DataField, error) {
	vals := make([]byte, 342)
	ok := true
	for i := range vals {
		v, err := readRawByte(r)
		if err != nil {
			return DataField{}, err
		}
		six := gcr62Reverse[v]
		if six < 0 {
			six = 0
			ok = false
		}
		vals[i] = byte(six)
	}
	v, err := readRawByte(r)
	if err != nil {
		return DataField{}, err
	}
	checksum := gcr62Reverse[v]
	if checksum < 0 {
		checksum = 0
		ok = false
	}
	data, sumOK := denibblize62(vals, byte(checksum))
	if !readEpilogueGCR(r) {
		ok = false
	}
	return DataField{
		Data:       data,
		Check:      []byte{byte(checksum)},
		OK:         ok && sumOK,
		Confidence: r.Confidence(),
	}, nil
}

// CheckData recomputes the chain checksum group. The chain telescopes, so
// the group equals the last primary temp value and covers only the high
// six bits of the final byte; the real protection happens at the nibble
// level during the read.
func (gcr62Codec) CheckData(data, check []byte, deleted bool) bool {
	return len(check) == 1 && len(data) == gcr62SectorSize &&
		data[gcr62SectorSize-1]>>2 == check[0]
}

func (gcr62Codec) WriteGap(w *Writer, n int) {
	for i := 0; i < n; i++ {
		writeSelfSyncGCR(w)
	}
}

func (c gcr62Codec) EncodeTrack(w *Writer, sectors []SectorSpec, rateKbps uint16) {
	c.WriteGap(w, 64)
	for _, s := range sectors {
		writeAddressGCR(w, 0x96, s.ID)
		c.WriteGap(w, 6)

		writeRawByte(w, 0xd5)
		writeRawByte(w, 0xaa)
		writeRawByte(w, 0xad)
		data := padSectorGCR(s.Data, gcr62SectorSize)
		for _, six := range nibblize62(data) {
			writeRawByte(w, gcr62Forward[six])
		}
		writeEpilogueGCR(w)
		c.WriteGap(w, 16)
	}
	for w.maxCells > 0 && !w.Full() {
		writeSelfSyncGCR(w)
	}
}

// nibblize62 splits a 256-byte sector into 342 six-bit groups: the high six
// bits of each byte, then 86 auxiliary groups collecting the low two bits of
// three bytes each (bit-reversed, walking three descending index chains).
// Groups are emitted auxiliary-last-first then primary, each XORed with its
// predecessor; the running value becomes the checksum group.
func nibblize62(data []byte) []byte {
	var temp [342]byte
	for i := 0; i < gcr62SectorSize; i++ {
		temp[i] = data[i] >> 2
	}
	hi, med, low := 0x01, 0xab, 0x55
	for i := 0; i < 86; i++ {
		temp[256+i] = (data[hi]&1)<<5 | (data[hi]&2)<<3 |
			(data[med]&1)<<3 | (data[med]&2)<<1 |
			(data[low]&1)<<1 | (data[low]&2)>>1
		hi = (hi - 1) & 0xff
		med = (med - 1) & 0xff
		low = (low - 1) & 0xff
	}
	out := make([]byte, 0, 343)
	var last byte
	for i := 341; i >= 256; i-- {
		out = append(out, temp[i]^last)
		last = temp[i]
	}
	for i := 0; i < 256; i++ {
		out = append(out, temp[i]^last)
		last = temp[i]
	}
	return append(out, last)
}

// denibblize62 undoes the XOR chain and the 6-and-2 split. ok reports
// whether the checksum group matched.
func denibblize62(vals []byte, checksum byte) ([]byte, bool) {
	var temp [342]byte
	var run byte
	for j, v := range vals {
		run ^= v
		if j < 86 {
			temp[341-j] = run
		} else {
			temp[j-86] = run
		}
	}
	data := make([]byte, gcr62SectorSize)
	for i := 0; i < gcr62SectorSize; i++ {
		data[i] = temp[i] << 2
	}
	hi, med, low := 0x01, 0xab, 0x55
	for i := 0; i < 86; i++ {
		v := temp[256+i]
		data[hi] |= (v>>5)&1 | (v>>3)&2
		data[med] |= (v>>3)&1 | (v>>1)&2
		data[low] |= (v>>1)&1 | (v<<1)&2
		hi = (hi - 1) & 0xff
		med = (med - 1) & 0xff
		low = (low - 1) & 0xff
	}
	return data, run == checksum
}

// Shared GCR plumbing, used by both group-coded families.

// findMarkGCR scans for the 0xd5 0xaa prologue and dispatches on the third
// byte. Group-coded tracks have no index mark; revolution boundaries come
// from the capture layer.
func findMarkGCR(r *Reader, idTag, dataTag byte) (Mark, error) {
	var history uint32
	for {
		cell, err := r.ReadCell()
		if err != nil {
			return MarkNone, err
		}
		history = (history<<1 | uint32(cell)) & 0xffff
		if history != 0xd5aa {
			continue
		}
		r.ResetConfidence()
		tag, err := readRawByte(r)
		if err != nil {
			return MarkNone, err
		}
		switch byte(tag) {
		case idTag:
			return MarkID, nil
		case dataTag:
			return MarkData, nil
		}
	}
}

// readAddressGCR decodes the 4-and-4 volume/track/sector/checksum run that
// both group-coded families share.
func readAddressGCR(r *Reader) (IDField, error) {
	var raw [8]byte
	for i := range raw {
		v, err := readRawByte(r)
		if err != nil {
			return IDField{}, err
		}
		raw[i] = byte(v)
	}
	dec := func(i int) byte { return (raw[i]<<1 | 1) & raw[i+1] }
	vol, trk, sec, sum := dec(0), dec(2), dec(4), dec(6)
	ok := sum == vol^trk^sec
	if !readEpilogueGCR(r) {
		ok = false
	}
	return IDField{
		Cylinder:   trk,
		Sector:     sec,
		Size:       1,
		Volume:     vol,
		OK:         ok,
		Confidence: r.Confidence(),
	}, nil
}

// readEpilogueGCR consumes the 0xde 0xaa field closer. The historical third
// byte is unreliable on real disks and is not checked.
func readEpilogueGCR(r *Reader) bool {
	for _, want := range [2]byte{0xde, 0xaa} {
		v, err := readRawByte(r)
		if err != nil || byte(v) != want {
			return false
		}
	}
	return true
}

func writeAddressGCR(w *Writer, idTag byte, id IDField) {
	writeRawByte(w, 0xd5)
	writeRawByte(w, 0xaa)
	writeRawByte(w, idTag)
	sum := id.Volume ^ id.Cylinder ^ id.Sector
	for _, v := range [4]byte{id.Volume, id.Cylinder, id.Sector, sum} {
		writeRawByte(w, 0xaa|v>>1)
		writeRawByte(w, 0xaa|v)
	}
	writeEpilogueGCR(w)
}

func writeEpilogueGCR(w *Writer) {
	writeRawByte(w, 0xde)
	writeRawByte(w, 0xaa)
	writeRawByte(w, 0xeb)
}

// writeSelfSyncGCR emits a ten-cell 0xff: eight one-heavy cells and two
// trailing zeros, the classic auto-sync byte.
func writeSelfSyncGCR(w *Writer) {
	writeRawByte(w, 0xff)
	w.WriteCell(0)
	w.WriteCell(0)
}

func padSectorGCR(data []byte, size int) []byte {
	if len(data) == size {
		return data
	}
	out := make([]byte, size)
	copy(out, data)
	return out
}
