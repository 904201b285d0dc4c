package merge

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/jfabienke/FluxRipper-sub001/codec"
	"github.com/jfabienke/FluxRipper-sub001/track"
)

// cleanSector encodes one sector and decodes it back, producing a record
// with genuine check bytes for the vote to work against.
func cleanSector(t *testing.T, deleted bool) (codec.Codec, track.Sector, []byte) {
	t.Helper()
	c, ok := codec.Get(codec.EncodingMFM)
	if !ok {
		t.Fatal("MFM codec not registered")
	}
	rng := rand.New(rand.NewSource(42))
	payload := make([]byte, 512)
	rng.Read(payload)
	spec := codec.SectorSpec{
		ID:      codec.IDField{Cylinder: 3, Head: 1, Sector: 5, Size: 2},
		Data:    payload,
		Deleted: deleted,
	}
	w := codec.NewWriter(0)
	c.EncodeTrack(w, []codec.SectorSpec{spec}, 250)
	trk, err := track.Decode(c, w.Bits())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(trk.Sectors) != 1 || !trk.Sectors[0].Data.OK {
		t.Fatalf("bad roundtrip: %d sectors", len(trk.Sectors))
	}
	return c, trk.Sectors[0], payload
}

// corrupt returns a copy of the record with bytes flipped and the checksum
// flag cleared, the way a real failing read comes out of the decoder.
func corrupt(s track.Sector, positions ...int) track.Sector {
	data := append([]byte{}, s.Data.Data...)
	for _, p := range positions {
		data[p] ^= 0x5a
	}
	out := s
	out.Data.Data = data
	out.Data.OK = false
	out.Data.Confidence = 120
	return out
}

func passOf(quality uint8, sectors ...track.Sector) Pass {
	return Pass{
		Track:   &track.Track{Encoding: codec.EncodingMFM, Sectors: sectors, Indexes: 1},
		Quality: quality,
	}
}

func TestMergeCleanCopyWins(t *testing.T) {
	c, good, payload := cleanSector(t, false)

	merged, st := Merge(c, []Pass{
		passOf(40, corrupt(good, 100)),
		passOf(200, good),
	})
	if st != (Stats{Clean: 1}) {
		t.Fatalf("stats = %+v", st)
	}
	s := merged.Sectors[0]
	if !s.HasData || !s.Data.OK || !bytes.Equal(s.Data.Data, payload) {
		t.Errorf("clean copy not taken")
	}
	if merged.Indexes != 1 {
		t.Errorf("Indexes = %d, want 1", merged.Indexes)
	}
}

func TestMergeVoteRecovers(t *testing.T) {
	c, good, payload := cleanSector(t, false)

	// Five reads, each wrong somewhere else. Every position has four
	// clean votes out of five.
	var passes []Pass
	for i := 0; i < 5; i++ {
		bad := corrupt(good, i*50, i*50+7, 400+i)
		passes = append(passes, passOf(128, bad))
	}
	merged, st := Merge(c, passes)
	if st != (Stats{Recovered: 1}) {
		t.Fatalf("stats = %+v", st)
	}
	s := merged.Sectors[0]
	if !s.Data.OK {
		t.Fatalf("voted payload failed revalidation")
	}
	if !bytes.Equal(s.Data.Data, payload) {
		t.Errorf("voted payload differs from the original")
	}
	if s.Data.Confidence != codec.ConfidenceMax {
		t.Errorf("Confidence = %d, want %d", s.Data.Confidence, codec.ConfidenceMax)
	}
}

func TestMergeSalvageKeepsBytes(t *testing.T) {
	c, good, _ := cleanSector(t, false)

	// Both reads fail and they disagree; the heavier one carries the
	// vote, but its checksum still fails.
	heavy := corrupt(good, 60)
	merged, st := Merge(c, []Pass{
		passOf(10, corrupt(good, 61)),
		passOf(200, heavy),
	})
	if st != (Stats{Salvaged: 1}) {
		t.Fatalf("stats = %+v", st)
	}
	s := merged.Sectors[0]
	if s.Data.OK {
		t.Errorf("salvaged sector marked valid")
	}
	if !bytes.Equal(s.Data.Data, heavy.Data.Data) {
		t.Errorf("vote did not follow the heavier pass")
	}
	if s.Data.Confidence >= codec.ConfidenceMax {
		t.Errorf("salvaged sector at full confidence")
	}
}

func TestMergeDropsLengthOutlier(t *testing.T) {
	c, good, payload := cleanSector(t, false)

	// A read that lost sync decodes a short field; it must not smear the
	// vote of the three full-length reads.
	short := good
	short.Data.Data = append([]byte{}, good.Data.Data[:256]...)
	short.Data.OK = false

	merged, st := Merge(c, []Pass{
		passOf(128, corrupt(good, 10)),
		passOf(128, corrupt(good, 300)),
		passOf(128, corrupt(good, 500)),
		passOf(128, short),
	})
	if st != (Stats{Recovered: 1}) {
		t.Fatalf("stats = %+v", st)
	}
	if !bytes.Equal(merged.Sectors[0].Data.Data, payload) {
		t.Errorf("voted payload differs from the original")
	}
}

func TestMergeDeletedSector(t *testing.T) {
	c, good, payload := cleanSector(t, true)

	var passes []Pass
	for i := 0; i < 3; i++ {
		passes = append(passes, passOf(100, corrupt(good, 128*i+9)))
	}
	merged, st := Merge(c, passes)
	if st != (Stats{Recovered: 1}) {
		t.Fatalf("stats = %+v", st)
	}
	s := merged.Sectors[0]
	if !s.Data.Deleted {
		t.Errorf("deleted flag lost in the vote")
	}
	if !bytes.Equal(s.Data.Data, payload) {
		t.Errorf("voted payload differs from the original")
	}
}

func TestMergeIDOnly(t *testing.T) {
	c, good, _ := cleanSector(t, false)

	idOnly := track.Sector{ID: good.ID}
	merged, st := Merge(c, []Pass{passOf(100, idOnly), passOf(90, idOnly)})
	if st != (Stats{Lost: 1}) {
		t.Fatalf("stats = %+v", st)
	}
	s := merged.Sectors[0]
	if s.HasData {
		t.Errorf("lost sector has data")
	}
	if s.ID != good.ID {
		t.Errorf("address field not kept")
	}
}

func TestMergeRevolutionRecordsVote(t *testing.T) {
	c, good, payload := cleanSector(t, false)

	// One pass spanning two revolutions: the first record is damaged,
	// the second is clean. The clean record wins on its own.
	merged, st := Merge(c, []Pass{passOf(128, corrupt(good, 40), good)})
	if st != (Stats{Clean: 1}) {
		t.Fatalf("stats = %+v", st)
	}
	if len(merged.Sectors) != 1 {
		t.Fatalf("%d sectors, want 1", len(merged.Sectors))
	}
	if !bytes.Equal(merged.Sectors[0].Data.Data, payload) {
		t.Errorf("merged payload differs from the original")
	}
}

func TestMergeEmpty(t *testing.T) {
	c, _ := codec.Get(codec.EncodingMFM)
	merged, st := Merge(c, nil)
	if st != (Stats{}) || len(merged.Sectors) != 0 {
		t.Errorf("empty merge produced %+v, %+v", merged, st)
	}
}
