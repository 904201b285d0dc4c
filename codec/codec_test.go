package codec

import (
	"bytes"
	"math/rand"
	"testing"
)

type decodedSector struct {
	id   IDField
	data DataField
}

// decodeTrackBits runs the scan/read loop over a bitstream the way the
// track assembler does, collecting sectors and counting index marks.
func decodeTrackBits(t *testing.T, c Codec, bits *Bitstream) ([]decodedSector, int) {
	t.Helper()
	r := NewReader(bits)
	var sectors []decodedSector
	var pending *IDField
	indexes := 0
	for {
		mark, err := c.FindMark(r)
		if err != nil {
			break
		}
		switch mark {
		case MarkIndex:
			indexes++
		case MarkID:
			id, err := c.ReadID(r)
			if err != nil {
				return sectors, indexes
			}
			pending = &id
		case MarkData, MarkDeletedData:
			if pending == nil {
				continue
			}
			data, err := c.ReadData(r, pending.SizeBytes(), mark == MarkDeletedData)
			if err != nil {
				return sectors, indexes
			}
			sectors = append(sectors, decodedSector{id: *pending, data: data})
			pending = nil
		}
	}
	return sectors, indexes
}

func makeSectors(rng *rand.Rand, count, size int, sizeCode, volume byte) []SectorSpec {
	sectors := make([]SectorSpec, count)
	for i := range sectors {
		data := make([]byte, size)
		rng.Read(data)
		sectors[i] = SectorSpec{
			ID: IDField{
				Cylinder: 7,
				Head:     1,
				Sector:   byte(i + 1),
				Size:     sizeCode,
				Volume:   volume,
			},
			Data: data,
		}
	}
	return sectors
}

func TestEncodeDecodeAllFamilies(t *testing.T) {
	tests := []struct {
		encoding  Encoding
		rateKbps  uint16
		count     int
		size      int
		sizeCode  byte
		hasIndex  bool
		keepsHead bool
	}{
		{EncodingFM, 250, 8, 128, 0, true, true},
		{EncodingMFM, 250, 9, 512, 2, true, true},
		{EncodingMFM, 500, 18, 512, 2, true, true},
		{EncodingM2FM, 500, 6, 256, 1, true, true},
		{EncodingGCR62, 250, 16, 256, 1, false, false},
		{EncodingGCR53, 250, 13, 256, 1, false, false},
		{EncodingRLL27, 500, 4, 512, 2, true, true},
		{EncodingNRZ, 1000, 4, 256, 1, true, true},
	}
	for _, tc := range tests {
		t.Run(tc.encoding.String(), func(t *testing.T) {
			c, ok := Get(tc.encoding)
			if !ok {
				t.Fatalf("codec %v not registered", tc.encoding)
			}
			rng := rand.New(rand.NewSource(42))
			sectors := makeSectors(rng, tc.count, tc.size, tc.sizeCode, 254)

			w := NewWriter(0)
			c.EncodeTrack(w, sectors, tc.rateKbps)

			decoded, indexes := decodeTrackBits(t, c, w.Bits())
			if tc.hasIndex && indexes == 0 {
				t.Errorf("no index mark found")
			}
			if len(decoded) != tc.count {
				t.Fatalf("decoded %d sectors, want %d", len(decoded), tc.count)
			}
			for i, d := range decoded {
				want := sectors[i]
				if !d.id.OK {
					t.Errorf("sector %d: id checksum failed", i)
				}
				if !d.data.OK {
					t.Errorf("sector %d: data checksum failed", i)
				}
				if d.id.Cylinder != want.ID.Cylinder || d.id.Sector != want.ID.Sector {
					t.Errorf("sector %d: id %d/%d, want %d/%d",
						i, d.id.Cylinder, d.id.Sector, want.ID.Cylinder, want.ID.Sector)
				}
				if tc.keepsHead && d.id.Head != want.ID.Head {
					t.Errorf("sector %d: head %d, want %d", i, d.id.Head, want.ID.Head)
				}
				if !bytes.Equal(d.data.Data, want.Data) {
					t.Errorf("sector %d: payload mismatch", i)
				}
				if d.data.Confidence != ConfidenceMax {
					t.Errorf("sector %d: confidence %d on a clean stream", i, d.data.Confidence)
				}
			}
		})
	}
}

func TestDeletedData(t *testing.T) {
	for _, enc := range []Encoding{EncodingFM, EncodingMFM, EncodingM2FM, EncodingRLL27, EncodingNRZ} {
		t.Run(enc.String(), func(t *testing.T) {
			c, _ := Get(enc)
			rng := rand.New(rand.NewSource(42))
			sectors := makeSectors(rng, 2, 128, 0, 0)
			sectors[1].Deleted = true

			w := NewWriter(0)
			c.EncodeTrack(w, sectors, 500)

			decoded, _ := decodeTrackBits(t, c, w.Bits())
			if len(decoded) != 2 {
				t.Fatalf("decoded %d sectors, want 2", len(decoded))
			}
			if decoded[0].data.Deleted {
				t.Errorf("sector 0 marked deleted")
			}
			if !decoded[1].data.Deleted {
				t.Errorf("sector 1 not marked deleted")
			}
			if !decoded[1].data.OK {
				t.Errorf("deleted sector failed its checksum")
			}
		})
	}
}

func TestCheckData(t *testing.T) {
	// Bit 2 of the final byte is the one position every family's check
	// covers: the 6-and-2 chain sees bits 7..2 of that byte, the 5-and-3
	// chain bits 2..0, and the CRC families see everything.
	for _, c := range All() {
		t.Run(c.Name(), func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			sectors := makeSectors(rng, 1, 256, 1, 254)

			w := NewWriter(0)
			c.EncodeTrack(w, sectors, 500)
			decoded, _ := decodeTrackBits(t, c, w.Bits())
			if len(decoded) != 1 {
				t.Fatalf("decoded %d sectors, want 1", len(decoded))
			}
			d := decoded[0].data
			if len(d.Check) == 0 {
				t.Fatalf("read kept no check bytes")
			}
			if !c.CheckData(d.Data, d.Check, d.Deleted) {
				t.Errorf("clean payload rejected")
			}
			bad := append([]byte{}, d.Data...)
			bad[len(bad)-1] ^= 0x04
			if c.CheckData(bad, d.Check, d.Deleted) {
				t.Errorf("corrupt payload accepted")
			}
		})
	}
}

func TestWriterCapStopsEncode(t *testing.T) {
	c, _ := Get(EncodingMFM)
	rng := rand.New(rand.NewSource(42))
	sectors := makeSectors(rng, 9, 512, 2, 0)

	w := NewWriter(100000)
	c.EncodeTrack(w, sectors, 250)
	if w.CellCount() != 100000 {
		t.Fatalf("cell count %d, want the 100000 cap", w.CellCount())
	}
}

func TestParseEncoding(t *testing.T) {
	tests := []struct {
		name string
		want Encoding
		err  bool
	}{
		{"mfm", EncodingMFM, false},
		{"FM", EncodingFM, false},
		{"gcr", EncodingGCR62, false},
		{"rll27", EncodingRLL27, false},
		{"auto", EncodingUnknown, false},
		{"", EncodingUnknown, false},
		{"qic", EncodingUnknown, true},
	}
	for _, tc := range tests {
		got, err := ParseEncoding(tc.name)
		if (err != nil) != tc.err {
			t.Errorf("ParseEncoding(%q): err = %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("ParseEncoding(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRegistryComplete(t *testing.T) {
	all := All()
	if len(all) != 7 {
		t.Fatalf("%d codecs registered, want 7", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Encoding() <= all[i-1].Encoding() {
			t.Errorf("registry order broken at %v", all[i].Encoding())
		}
	}
}

func TestSizeBytes(t *testing.T) {
	tests := []struct {
		code byte
		want int
	}{
		{0, 128},
		{1, 256},
		{2, 512},
		{3, 1024},
		{7, 16384},
		{9, 16384}, // out of range clamps
	}
	for _, tc := range tests {
		if got := (IDField{Size: tc.code}).SizeBytes(); got != tc.want {
			t.Errorf("size code %d: %d bytes, want %d", tc.code, got, tc.want)
		}
	}
}
