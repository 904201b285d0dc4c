package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jfabienke/FluxRipper-sub001/codec"
)

func TestBuiltinProfiles(t *testing.T) {
	conf, err := Builtin()
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}
	drive, err := conf.DriveByName("")
	if err != nil {
		t.Fatalf("default drive: %v", err)
	}
	if drive.Name != conf.Default {
		t.Errorf("got drive %q, want default %q", drive.Name, conf.Default)
	}

	s, err := conf.Session("", "")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if s.Encoding != codec.EncodingMFM {
		t.Errorf("encoding = %v, want MFM", s.Encoding)
	}
	if s.RateKbps != 500 || s.RPM != 300 {
		t.Errorf("rate/rpm = %d/%d, want 500/300", s.RateKbps, s.RPM)
	}
	if !s.MultiTrack || s.DoubleStep {
		t.Errorf("multitrack/doublestep = %v/%v, want true/false", s.MultiTrack, s.DoubleStep)
	}
	if s.Revolutions < 1 || s.Retries < 1 {
		t.Errorf("revolutions/retries = %d/%d, want positive defaults", s.Revolutions, s.Retries)
	}
}

func TestSessionDoubleStep(t *testing.T) {
	conf, err := Builtin()
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}
	s, err := conf.Session("pc525hd", "ibm360hd")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !s.DoubleStep {
		t.Error("40-track media in an 80-track drive should double-step")
	}
	if s.RPM != 360 || s.RateKbps != 300 {
		t.Errorf("rpm/rate = %d/%d, want 360/300", s.RPM, s.RateKbps)
	}
}

func TestSessionFormatNotListed(t *testing.T) {
	conf, err := Builtin()
	if err != nil {
		t.Fatalf("Builtin: %v", err)
	}
	if _, err := conf.Session("apple525", "ibm1440"); err == nil {
		t.Error("expected error for a format the drive does not list")
	}
}

func TestLoadValidation(t *testing.T) {
	valid := `
default = "a"

[[drive]]
name = "a"
cyls = 40
heads = 1
rpm = 300
formats = ["f"]

[[format]]
name = "f"
encoding = "fm"
rate = 250
cyls = 40
heads = 1
sectors = 16
sectorsize = 128
`
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{"valid", func(s string) string { return s }, ""},
		{"missing default", func(s string) string {
			return strings.Replace(s, `default = "a"`, "", 1)
		}, "`default` key"},
		{"default not found", func(s string) string {
			return strings.Replace(s, `default = "a"`, `default = "b"`, 1)
		}, "not found in drive array"},
		{"unknown encoding", func(s string) string {
			return strings.Replace(s, `encoding = "fm"`, `encoding = "pm"`, 1)
		}, "unknown encoding"},
		{"bad rate", func(s string) string {
			return strings.Replace(s, "rate = 250", "rate = 0", 1)
		}, "invalid rate"},
		{"bad sector size", func(s string) string {
			return strings.Replace(s, "sectorsize = 128", "sectorsize = 100", 1)
		}, "invalid sector size"},
		{"unlisted format", func(s string) string {
			return strings.Replace(s, `formats = ["f"]`, `formats = ["g"]`, 1)
		}, "not found in format array"},
		{"bad rpm", func(s string) string {
			return strings.Replace(s, "rpm = 300", "rpm = -1", 1)
		}, "invalid rpm"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "profiles.toml")
			if err := os.WriteFile(path, []byte(tc.mutate(valid)), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			_, err := Load(path)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Load: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("got %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestSizeCode(t *testing.T) {
	cases := []struct {
		size int
		want byte
	}{
		{128, 0},
		{256, 1},
		{512, 2},
		{1024, 3},
	}
	for _, tc := range cases {
		f := Format{SectorSize: tc.size}
		if got := f.SizeCode(); got != tc.want {
			t.Errorf("SizeCode(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}
}
