package session

import (
	"bytes"
	"context"
	"math/rand"
	"reflect"
	"testing"

	"github.com/jfabienke/FluxRipper-sub001/capture"
	"github.com/jfabienke/FluxRipper-sub001/codec"
	"github.com/jfabienke/FluxRipper-sub001/config"
	"github.com/jfabienke/FluxRipper-sub001/flux"
	"github.com/jfabienke/FluxRipper-sub001/track"
)

// Cell offsets inside a 250 kbps MFM track image with 512-byte sectors:
// 80 lead gap bytes, index mark (256 cells), 50 gap bytes, then per
// sector an id mark (256), id field (96), 22 gap bytes (352), data mark
// (256), payload (8192), crc (32) and 80 gap bytes (1280).
const (
	cellNs250   = 2000.0
	trackLead   = 1280 + 256 + 800
	payloadOff  = 256 + 96 + 352 + 256
	sectorPitch = payloadOff + 512*16 + 32 + 1280
)

// payloadCell returns the first cell of payload byte b in sector s.
func payloadCell(s, b int) int {
	return trackLead + s*sectorPitch + payloadOff + 16*b
}

func mfmCodec(t *testing.T) codec.Codec {
	t.Helper()
	c, ok := codec.Get(codec.EncodingMFM)
	if !ok {
		t.Fatal("mfm codec not registered")
	}
	return c
}

func mfmSectors(count int) []codec.SectorSpec {
	rng := rand.New(rand.NewSource(42))
	sectors := make([]codec.SectorSpec, count)
	for i := range sectors {
		data := make([]byte, 512)
		rng.Read(data)
		sectors[i] = codec.SectorSpec{
			ID:   codec.IDField{Cylinder: 1, Head: 0, Sector: byte(i + 1), Size: 2},
			Data: data,
		}
	}
	return sectors
}

func encodeTrackBits(t *testing.T, sectors []codec.SectorSpec, rate uint16) *codec.Bitstream {
	t.Helper()
	w := codec.NewWriter(0)
	mfmCodec(t).EncodeTrack(w, sectors, rate)
	return w.Bits()
}

// revSamples lays a cell stream onto the nominal grid, one transition
// per one-cell at the cell center, index mark on the first transition.
func revSamples(bits *codec.Bitstream, cellNs float64) []flux.Sample {
	var out []flux.Sample
	for i := 0; i < bits.Len(); i++ {
		if bits.Cell(i) == 0 {
			continue
		}
		t := uint64(float64(i)*cellNs + cellNs/2)
		out = append(out, flux.Sample{Time: t, Index: len(out) == 0})
	}
	return out
}

// dropSpan removes every transition in the cell range [from, to),
// simulating a patch of dead media.
func dropSpan(samples []flux.Sample, from, to int, cellNs float64) []flux.Sample {
	lo := uint64(float64(from) * cellNs)
	hi := uint64(float64(to) * cellNs)
	out := make([]flux.Sample, 0, len(samples))
	for _, s := range samples {
		if s.Time >= lo && s.Time < hi {
			continue
		}
		out = append(out, s)
	}
	return out
}

// stitch appends revolutions end to end, spacing each by the full track
// span so absolute times stay monotonic.
func stitch(cellNs float64, spanCells int, revs ...[]flux.Sample) *flux.Recording {
	rec := &flux.Recording{}
	base := uint64(0)
	for _, rev := range revs {
		for _, s := range rev {
			s.Time += base
			rec.Append(s)
		}
		base += uint64(float64(spanCells) * cellNs)
	}
	return rec
}

// fakeSource replays queued recordings, one per ReadFlux call.
type fakeSource struct {
	recs  []*flux.Recording
	reqs  []capture.TrackRequest
	reads int
}

func (f *fakeSource) ReadFlux(ctx context.Context, req capture.TrackRequest) (*flux.Recording, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.reqs = append(f.reqs, req)
	if f.reads >= len(f.recs) {
		return nil, capture.ErrNoTrack
	}
	rec := f.recs[f.reads]
	f.reads++
	return rec, nil
}

func (f *fakeSource) Describe() string { return "fake" }

func (f *fakeSource) Close() error { return nil }

// fakeWriter additionally captures written tracks.
type fakeWriter struct {
	fakeSource
	req capture.TrackRequest
	rec *flux.Recording
}

func (f *fakeWriter) WriteFlux(ctx context.Context, req capture.TrackRequest, rec *flux.Recording) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.req = req
	f.rec = rec
	return nil
}

func TestDecodeRecordingCleanTrack(t *testing.T) {
	specs := mfmSectors(2)
	bits := encodeTrackBits(t, specs, 250)
	rec := stitch(cellNs250, bits.Len(), revSamples(bits, cellNs250))

	s := New(&fakeSource{}, config.DefaultSession())
	res, err := s.DecodeRecording(context.Background(), 1, 0, rec)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Complete() {
		t.Fatalf("decode incomplete: %+v", res.Stats)
	}
	if res.Encoding != codec.EncodingMFM || res.RateKbps != 250 {
		t.Errorf("classified %v at %d kbps, want MFM at 250", res.Encoding, res.RateKbps)
	}
	if res.Passes != 1 || res.Overflow {
		t.Errorf("passes = %d, overflow = %v", res.Passes, res.Overflow)
	}
	if len(res.Track.Sectors) != 2 {
		t.Fatalf("sectors = %d, want 2", len(res.Track.Sectors))
	}
	for i := range res.Track.Sectors {
		sec := &res.Track.Sectors[i]
		if sec.ID.Sector != byte(i+1) {
			t.Errorf("record %d is sector %d, want ascending order", i, sec.ID.Sector)
		}
		if !bytes.Equal(sec.Data.Data, specs[i].Data) {
			t.Errorf("sector %d payload mismatch", i+1)
		}
		if LowConfidenceSector(sec) {
			t.Errorf("sector %d flagged low confidence on a clean read", i+1)
		}
	}
	if res.Quality.Degraded() {
		t.Errorf("clean read scored degraded: %+v", res.Quality)
	}

	again, err := s.DecodeRecording(context.Background(), 1, 0, rec)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res, again) {
		t.Error("same recording decoded differently on a second run")
	}
}

func TestDecodeRecordingToleratesJitter(t *testing.T) {
	specs := mfmSectors(9)
	bits := encodeTrackBits(t, specs, 250)
	clean := revSamples(bits, cellNs250)

	// Shake every transition by up to a tenth of a cell, well inside
	// what the clock recovery absorbs. One seed keeps the run stable.
	rng := rand.New(rand.NewSource(42))
	shaken := make([]flux.Sample, len(clean))
	for i, s := range clean {
		j := (rng.Float64()*2 - 1) * 0.10 * cellNs250
		shaken[i] = flux.Sample{Time: uint64(float64(s.Time) + j), Index: s.Index}
	}
	rec := stitch(cellNs250, bits.Len(), shaken)

	s := New(&fakeSource{}, config.DefaultSession())
	res, err := s.DecodeRecording(context.Background(), 1, 0, rec)
	if err != nil {
		t.Fatal(err)
	}
	if res.Encoding != codec.EncodingMFM || res.RateKbps != 250 {
		t.Errorf("classified %v at %d kbps under jitter, want MFM at 250", res.Encoding, res.RateKbps)
	}
	if !res.Complete() {
		t.Fatalf("jitter below tolerance lost sectors: %+v", res.Stats)
	}
	if res.Stats.Clean != len(specs) {
		t.Errorf("clean = %d, want all %d sectors on the first pass", res.Stats.Clean, len(specs))
	}
	for i := range res.Track.Sectors {
		if !bytes.Equal(res.Track.Sectors[i].Data.Data, specs[i].Data) {
			t.Errorf("sector %d payload mismatch", i+1)
		}
	}
}

func TestDecodeRecordingMergesDamagedRevolutions(t *testing.T) {
	specs := mfmSectors(2)
	// Put a known byte at each damage site so removing its transitions
	// reads back as 0x00 and the checksum is guaranteed to fail.
	specs[0].Data[100] = 0xff
	specs[0].Data[300] = 0xff
	specs[1].Data[200] = 0xff
	bits := encodeTrackBits(t, specs, 250)
	clean := revSamples(bits, cellNs250)

	rev0 := dropSpan(clean, payloadCell(0, 100), payloadCell(0, 100)+16, cellNs250)
	rev1 := dropSpan(clean, payloadCell(1, 200), payloadCell(1, 200)+16, cellNs250)
	rev2 := dropSpan(clean, payloadCell(0, 300), payloadCell(0, 300)+16, cellNs250)
	rec := stitch(cellNs250, bits.Len(), rev0, rev1, rev2)

	s := New(&fakeSource{}, config.DefaultSession())
	res, err := s.DecodeRecording(context.Background(), 1, 0, rec)
	if err != nil {
		t.Fatal(err)
	}
	if res.Passes != 3 {
		t.Errorf("passes = %d, want 3", res.Passes)
	}
	if !res.Complete() {
		t.Fatalf("damage in different places per revolution should merge clean: %+v", res.Stats)
	}
	if res.Stats.Clean != 2 || res.Stats.Recovered != 0 {
		t.Errorf("stats = %+v, want both sectors taken from clean copies", res.Stats)
	}
	if len(res.Track.Sectors) != 2 {
		t.Fatalf("sectors = %d, want 2", len(res.Track.Sectors))
	}
	for i := range res.Track.Sectors {
		if !bytes.Equal(res.Track.Sectors[i].Data.Data, specs[i].Data) {
			t.Errorf("sector %d payload mismatch", i+1)
		}
	}
}

func TestDecodeTrackVotesOutRepeatedDamage(t *testing.T) {
	specs := mfmSectors(2)
	hits := []int{50, 120, 200, 280, 350}
	for _, b := range hits {
		specs[0].Data[b] = 0xff
	}
	bits := encodeTrackBits(t, specs, 250)
	clean := revSamples(bits, cellNs250)

	// Sector 1 is damaged on every capture, each time somewhere else.
	// No pass is clean, so only the vote can put it back together.
	src := &fakeSource{}
	for _, b := range hits {
		rev := dropSpan(clean, payloadCell(0, b), payloadCell(0, b)+16, cellNs250)
		src.recs = append(src.recs, stitch(cellNs250, bits.Len(), rev))
	}

	cfg := config.DefaultSession()
	cfg.Revolutions = 1
	cfg.Retries = 1
	cfg.Recovery = 3
	s := New(src, cfg)
	res, err := s.DecodeTrack(context.Background(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if src.reads != 5 {
		t.Errorf("reads = %d, want 2 attempts plus 3 recovery passes", src.reads)
	}
	if res.Passes != 5 {
		t.Errorf("passes = %d, want 5", res.Passes)
	}
	if !res.Complete() {
		t.Fatalf("vote did not rebuild the damaged sector: %+v", res.Stats)
	}
	if res.Stats.Recovered != 1 || res.Stats.Clean != 1 {
		t.Errorf("stats = %+v, want one clean and one recovered", res.Stats)
	}
	for i := range res.Track.Sectors {
		if !bytes.Equal(res.Track.Sectors[i].Data.Data, specs[i].Data) {
			t.Errorf("sector %d payload mismatch after voting", i+1)
		}
	}
	if sec := res.Track.Find(1, 0, 1); sec == nil || sec.Data.Confidence != codec.ConfidenceMax {
		t.Error("revalidated sector should carry full confidence")
	}
}

func TestDecodeTrackRetriesFreshCapture(t *testing.T) {
	specs := mfmSectors(2)
	bits := encodeTrackBits(t, specs, 250)
	clean := stitch(cellNs250, bits.Len(), revSamples(bits, cellNs250))

	w := codec.NewWriter(0)
	mfmCodec(t).WriteGap(w, 400)
	gaps := stitch(cellNs250, w.Bits().Len(), revSamples(w.Bits(), cellNs250))

	src := &fakeSource{recs: []*flux.Recording{gaps, clean}}
	cfg := config.DefaultSession()
	cfg.Encoding = codec.EncodingMFM
	cfg.RateKbps = 250
	cfg.Revolutions = 1
	s := New(src, cfg)

	res, err := s.DecodeTrack(context.Background(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if src.reads != 2 {
		t.Errorf("reads = %d, want a retry after the unformatted capture", src.reads)
	}
	if !res.Complete() || res.Passes != 1 {
		t.Errorf("passes = %d, complete = %v", res.Passes, res.Complete())
	}
	if res.Encoding != codec.EncodingMFM || res.RateKbps != 250 {
		t.Errorf("result %v at %d kbps, want the pinned MFM at 250", res.Encoding, res.RateKbps)
	}
}

func TestDecodeRecordingOverflowKeepsTail(t *testing.T) {
	specs := mfmSectors(2)
	bits := encodeTrackBits(t, specs, 250)
	clean := revSamples(bits, cellNs250)
	rec := stitch(cellNs250, bits.Len(), clean)

	s := New(&fakeSource{}, config.DefaultSession())
	s.IngestCap = len(clean) * 6 / 10
	res, err := s.DecodeRecording(context.Background(), 1, 0, rec)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Overflow {
		t.Fatal("overflow not reported")
	}
	if len(res.Track.Sectors) != 1 {
		t.Fatalf("sectors = %d, want only the one still in the ring", len(res.Track.Sectors))
	}
	sec := res.Track.Find(1, 0, 2)
	if sec == nil || !sec.HasData || !sec.Data.OK {
		t.Fatal("sector 2 should decode from the surviving tail")
	}
	if !bytes.Equal(sec.Data.Data, specs[1].Data) {
		t.Error("sector 2 payload mismatch")
	}
	if !LowConfidenceSector(sec) {
		t.Error("sector from an overflowed pass not flagged low confidence")
	}
}

func TestDecodeTrackDoubleStep(t *testing.T) {
	specs := mfmSectors(1)
	bits := encodeTrackBits(t, specs, 250)
	src := &fakeSource{recs: []*flux.Recording{
		stitch(cellNs250, bits.Len(), revSamples(bits, cellNs250)),
	}}

	cfg := config.DefaultSession()
	cfg.Encoding = codec.EncodingMFM
	cfg.RateKbps = 250
	cfg.Revolutions = 1
	cfg.DoubleStep = true
	s := New(src, cfg)

	res, err := s.DecodeTrack(context.Background(), 7, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := src.reqs[0].Cylinder; got != 14 {
		t.Errorf("source stepped to cylinder %d, want 14", got)
	}
	if res.Cylinder != 7 {
		t.Errorf("result cylinder = %d, want the logical 7", res.Cylinder)
	}
}

func TestProbe(t *testing.T) {
	specs := mfmSectors(2)
	bits := encodeTrackBits(t, specs, 250)
	rec := stitch(cellNs250, bits.Len(), revSamples(bits, cellNs250))

	s := New(&fakeSource{recs: []*flux.Recording{rec}}, config.DefaultSession())
	det, err := s.Probe(context.Background(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if det.Encoding != codec.EncodingMFM {
		t.Errorf("encoding = %v, want MFM", det.Encoding)
	}
	if det.RateKbps != 250 {
		t.Errorf("rate = %d kbps, want 250", det.RateKbps)
	}
	if det.CellNs < 1900 || det.CellNs > 2100 {
		t.Errorf("cell = %.0f ns, want about 2000", det.CellNs)
	}
}

func TestEncodeTrackRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	specs := make([]codec.SectorSpec, 3)
	for i := range specs {
		data := make([]byte, 512)
		rng.Read(data)
		specs[i] = codec.SectorSpec{
			ID:   codec.IDField{Cylinder: 0, Head: 1, Sector: byte(i + 1), Size: 2},
			Data: data,
		}
	}

	w := &fakeWriter{}
	cfg := config.DefaultSession()
	cfg.Encoding = codec.EncodingMFM
	cfg.RateKbps = 500
	s := New(w, cfg)
	if err := s.EncodeTrack(context.Background(), 0, 1, specs); err != nil {
		t.Fatal(err)
	}
	if w.rec == nil || w.req.Head != 1 {
		t.Fatal("nothing written")
	}

	res, err := New(&fakeSource{}, config.DefaultSession()).DecodeRecording(context.Background(), 0, 1, w.rec)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Complete() {
		t.Fatalf("written track does not decode: %+v", res.Stats)
	}
	if res.Encoding != codec.EncodingMFM || res.RateKbps != 500 {
		t.Errorf("round trip classified %v at %d kbps, want MFM at 500", res.Encoding, res.RateKbps)
	}
	if len(res.Track.Sectors) != 3 {
		t.Fatalf("sectors = %d, want 3", len(res.Track.Sectors))
	}
	for i := range res.Track.Sectors {
		if !bytes.Equal(res.Track.Sectors[i].Data.Data, specs[i].Data) {
			t.Errorf("sector %d payload mismatch", i+1)
		}
	}
}

func TestEncodeTrackRequiresSettings(t *testing.T) {
	s := New(&fakeWriter{}, config.DefaultSession())
	if err := s.EncodeTrack(context.Background(), 0, 0, nil); err == nil {
		t.Error("encode with no pinned encoding should fail")
	}

	cfg := config.DefaultSession()
	cfg.Encoding = codec.EncodingMFM
	cfg.RateKbps = 250
	s = New(&fakeSource{}, cfg)
	if err := s.EncodeTrack(context.Background(), 0, 0, nil); err == nil {
		t.Error("encode on a read-only source should fail")
	}
}

func TestWindowExtendsPastIndex(t *testing.T) {
	revs := [][]flux.Sample{
		{{Time: 0, Index: true}, {Time: 500}, {Time: 1000}},
		{{Time: 1100, Index: true}, {Time: 1150}, {Time: 1900}},
	}
	win := window(revs, 0)
	if len(win) != 5 {
		t.Fatalf("window = %d samples, want the revolution plus two borrowed", len(win))
	}
	if win[3].Index {
		t.Error("borrowed index mark not cleared")
	}
	if !revs[1][0].Index {
		t.Error("window mutated the source revolution")
	}
	if got := window(revs, 1); len(got) != 3 {
		t.Errorf("last revolution window = %d samples, want 3", len(got))
	}
}

func TestLowConfidenceSector(t *testing.T) {
	tests := []struct {
		name string
		sec  track.Sector
		want bool
	}{
		{"clean", track.Sector{
			ID:      codec.IDField{OK: true, Confidence: 200},
			HasData: true,
			Data:    codec.DataField{OK: true, Confidence: 200},
		}, false},
		{"bad id", track.Sector{
			ID:      codec.IDField{Confidence: 200},
			HasData: true,
			Data:    codec.DataField{OK: true, Confidence: 200},
		}, true},
		{"weak id", track.Sector{
			ID:      codec.IDField{OK: true, Confidence: 40},
			HasData: true,
			Data:    codec.DataField{OK: true, Confidence: 200},
		}, true},
		{"weak data", track.Sector{
			ID:      codec.IDField{OK: true, Confidence: 200},
			HasData: true,
			Data:    codec.DataField{OK: true, Confidence: 12},
		}, true},
		{"id only", track.Sector{
			ID: codec.IDField{OK: true, Confidence: 200},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LowConfidenceSector(&tt.sec); got != tt.want {
				t.Errorf("LowConfidenceSector = %v, want %v", got, tt.want)
			}
		})
	}
}
