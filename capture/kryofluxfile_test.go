package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jfabienke/FluxRipper-sub001/flux"
)

func kfOOB(typ byte, payload []byte) []byte {
	b := []byte{0x0d, typ, byte(len(payload)), byte(len(payload) >> 8)}
	return append(b, payload...)
}

func kfIndexBlock(pos, sampleCounter, indexCounter uint32) []byte {
	p := make([]byte, 12)
	binary.LittleEndian.PutUint32(p[0:], pos)
	binary.LittleEndian.PutUint32(p[4:], sampleCounter)
	binary.LittleEndian.PutUint32(p[8:], indexCounter)
	return kfOOB(kfOOBIndex, p)
}

// testKFStream exercises every block type. The info block pins the sample
// clock to 25 MHz, so one tick is exactly 40 ns.
func testKFStream() []byte {
	var s []byte
	s = append(s, kfOOB(kfOOBInfo, []byte("name=KryoFlux DiskSystem, sck=25000000.0, ick=3125000.0\x00"))...)
	s = append(s, 0x50)                      // pos 0: flux1, 80 ticks
	s = append(s, 0x01, 0x10)                // pos 1: flux2, 272 ticks
	s = append(s, 0x08)                      // pos 3: nop1
	s = append(s, kfIndexBlock(4, 66, 100000)...)
	s = append(s, 0x40)                      // pos 4: flux1, 64 ticks, index lands here
	s = append(s, 0x0b)                      // pos 5: overflow
	s = append(s, 0x20)                      // pos 6: flux1, 65568 ticks total
	s = append(s, 0x0c, 0x01, 0x00)          // pos 7: flux3, 256 ticks
	s = append(s, 0x0d, kfOOBEOF, 0x0d, 0x0d)
	return s
}

func TestKryoFluxStreamDecode(t *testing.T) {
	rec, err := decodeKryoFluxStream(testKFStream())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []flux.Sample{
		{Time: 3200},
		{Time: 14080},
		{Time: 16640, Index: true},
		{Time: 2639360},
		{Time: 2649600},
	}
	if !reflect.DeepEqual(rec.Samples, want) {
		t.Errorf("samples differ:\n got %v\nwant %v", rec.Samples, want)
	}
}

func TestKryoFluxStreamTruncated(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"dangling flux2", []byte{0x01}},
		{"dangling flux3", []byte{0x0c, 0x01}},
		{"dangling OOB payload", []byte{0x0d, kfOOBIndex, 12, 0, 1, 2, 3}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := decodeKryoFluxStream(c.data); err == nil {
				t.Error("truncated stream accepted")
			}
		})
	}
}

func TestKryoFluxScanStream(t *testing.T) {
	stream := testKFStream()

	indexes, eof := kfScanStream(stream)
	if indexes != 1 || !eof {
		t.Errorf("full stream: got (%d, %v), want (1, true)", indexes, eof)
	}

	indexes, eof = kfScanStream(stream[:len(stream)-4])
	if indexes != 1 || eof {
		t.Errorf("without EOF: got (%d, %v), want (1, false)", indexes, eof)
	}

	// Cut in the middle of the index OOB payload: the scan stops cleanly
	// before it.
	cut := len(kfOOB(kfOOBInfo, []byte("name=KryoFlux DiskSystem, sck=25000000.0, ick=3125000.0\x00"))) + 4 + 6
	indexes, eof = kfScanStream(stream[:cut])
	if indexes != 0 || eof {
		t.Errorf("mid-OOB cut: got (%d, %v), want (0, false)", indexes, eof)
	}
}

func TestParseKFInfo(t *testing.T) {
	cases := []struct {
		name string
		text string
		want float64
	}{
		{"plain", "sck=25000000.0, ick=3125000.0", 25000000},
		{"with name and NUL", "name=KryoFlux, sck=24027428.5714285\x00", 24027428.5714285},
		{"no clock", "name=KryoFlux, hwid=1", 1},
		{"unparsable", "sck=abc", 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			sck := 1.0
			parseKFInfo(c.text, &sck)
			if sck != c.want {
				t.Errorf("got %v, want %v", sck, c.want)
			}
		})
	}
}

func TestKryoFluxSetReplay(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "track00.0.raw"), testKFStream(), 0o644); err != nil {
		t.Fatal(err)
	}

	set, err := OpenKryoFluxSet(dir)
	if err != nil {
		t.Fatalf("OpenKryoFluxSet: %v", err)
	}
	defer set.Close()

	rec, err := set.ReadFlux(context.Background(), TrackRequest{Cylinder: 0, Head: 0})
	if err != nil {
		t.Fatalf("ReadFlux: %v", err)
	}
	if len(rec.Samples) != 5 {
		t.Errorf("got %d samples, want 5", len(rec.Samples))
	}

	_, err = set.ReadFlux(context.Background(), TrackRequest{Cylinder: 1, Head: 0})
	if !errors.Is(err, ErrNoTrack) {
		t.Errorf("missing track: got %v, want ErrNoTrack", err)
	}
}

func TestKryoFluxSingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.raw")
	if err := os.WriteFile(path, testKFStream(), 0o644); err != nil {
		t.Fatal(err)
	}

	set, err := OpenKryoFluxSet(path)
	if err != nil {
		t.Fatalf("OpenKryoFluxSet: %v", err)
	}
	defer set.Close()

	// A single stream file answers for any track address.
	rec, err := set.ReadFlux(context.Background(), TrackRequest{Cylinder: 3, Head: 1})
	if err != nil {
		t.Fatalf("ReadFlux: %v", err)
	}
	if len(rec.Samples) != 5 {
		t.Errorf("got %d samples, want 5", len(rec.Samples))
	}
}

func TestKFEchoOK(t *testing.T) {
	cases := []struct {
		resp  string
		index uint16
		want  bool
	}{
		{"track=5", 5, true},
		{"track=5, status=ok", 5, true},
		{"track=4", 5, false},
		{"status ok", 5, true},
		{"stream=1", 0x601, true}, // echo compares the low byte only
		{"stream=6", 0x601, false},
	}
	for _, c := range cases {
		if got := kfEchoOK(c.resp, c.index); got != c.want {
			t.Errorf("kfEchoOK(%q, %#x) = %v, want %v", c.resp, c.index, got, c.want)
		}
	}
}
