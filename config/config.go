// Package config loads drive and format profiles from a TOML file and
// turns them into the explicit per-session settings the decode engine
// consumes. Nothing here is global: Load returns a value, and Session is
// passed to whatever needs it.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"

	"github.com/jfabienke/FluxRipper-sub001/codec"
)

//go:embed profiles.toml
var builtinProfiles []byte

// Config is a parsed profile file.
type Config struct {
	Default string   `toml:"default"`
	Drive   []Drive  `toml:"drive"`
	Format  []Format `toml:"format"`
}

// Drive describes the mechanical side: how far the heads reach and how
// fast the spindle turns.
type Drive struct {
	Name    string   `toml:"name"`
	Cyls    int      `toml:"cyls"`
	Heads   int      `toml:"heads"`
	RPM     int      `toml:"rpm"`
	Formats []string `toml:"formats"`
}

// Format describes one on-disk format a drive can be asked to read or
// write.
type Format struct {
	Name       string `toml:"name"`
	Encoding   string `toml:"encoding"`
	RateKbps   int    `toml:"rate"`
	Cyls       int    `toml:"cyls"`
	Heads      int    `toml:"heads"`
	Sectors    int    `toml:"sectors"`
	SectorSize int    `toml:"sectorsize"`
}

// SizeCode returns the size byte used in sector address fields, where
// the sector size is 128 << code.
func (f *Format) SizeCode() byte {
	code := byte(0)
	for size := f.SectorSize; size > 128; size >>= 1 {
		code++
	}
	return code
}

// Session carries the settings for one decode or encode session.
type Session struct {
	Encoding    codec.Encoding // EncodingUnknown probes per track
	RateKbps    int            // 0 probes per track
	RPM         int
	Revolutions int  // revolutions captured per read pass
	Retries     int  // fresh-capture retries after a failed decode
	Recovery    int  // extra voting passes for weak sectors, 0 disables
	MultiTrack  bool // continue onto the second head at end of track
	DoubleStep  bool // 40-track media in an 80-track drive
}

// DefaultSession returns the settings used when no profile is given:
// probe encoding and rate, moderate retry and recovery budgets.
func DefaultSession() Session {
	return Session{
		RPM:         300,
		Revolutions: 3,
		Retries:     2,
		Recovery:    3,
	}
}

// userPath determines the per-user profile file path based on the
// operating system.
func userPath() (string, error) {
	switch runtime.GOOS {
	case "windows":
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine user config directory: %w", err)
		}
		return filepath.Join(dir, "fluxripper", "profiles.toml"), nil
	default:
		dir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine user home directory: %w", err)
		}
		return filepath.Join(dir, ".fluxripper.toml"), nil
	}
}

// Load reads and validates a profile file. An empty path selects the
// per-user file, creating it from the built-in profiles on first use.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = userPath()
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create profile directory: %w", err)
			}
			if err := os.WriteFile(path, builtinProfiles, 0o644); err != nil {
				return nil, fmt.Errorf("failed to create default profile file at %s: %w", path, err)
			}
		}
	}

	var conf Config
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return nil, fmt.Errorf("failed to parse profiles at %s: %w", path, err)
	}
	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &conf, nil
}

// Builtin parses the embedded profile set.
func Builtin() (*Config, error) {
	var conf Config
	if err := toml.Unmarshal(builtinProfiles, &conf); err != nil {
		return nil, fmt.Errorf("failed to parse built-in profiles: %w", err)
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Config) validate() error {
	if c.Default == "" {
		return errors.New("`default` key is missing or empty")
	}

	formats := make(map[string]bool, len(c.Format))
	for i := range c.Format {
		f := &c.Format[i]
		if f.Name == "" {
			return errors.New("format with empty name")
		}
		if formats[f.Name] {
			return fmt.Errorf("duplicate format %q", f.Name)
		}
		formats[f.Name] = true
		if _, err := codec.ParseEncoding(f.Encoding); err != nil {
			return fmt.Errorf("format %q: %w", f.Name, err)
		}
		if f.RateKbps <= 0 {
			return fmt.Errorf("format %q has invalid rate: %d (must be positive)", f.Name, f.RateKbps)
		}
		if f.Cyls <= 0 || f.Heads <= 0 || f.Sectors <= 0 {
			return fmt.Errorf("format %q has invalid geometry %d/%d/%d", f.Name, f.Cyls, f.Heads, f.Sectors)
		}
		if f.SectorSize < 128 || f.SectorSize&(f.SectorSize-1) != 0 {
			return fmt.Errorf("format %q has invalid sector size: %d", f.Name, f.SectorSize)
		}
	}

	drives := make(map[string]bool, len(c.Drive))
	for i := range c.Drive {
		d := &c.Drive[i]
		if d.Name == "" {
			return errors.New("drive with empty name")
		}
		if drives[d.Name] {
			return fmt.Errorf("duplicate drive %q", d.Name)
		}
		drives[d.Name] = true
		if d.Cyls <= 0 {
			return fmt.Errorf("drive %q has invalid cyls: %d (must be positive)", d.Name, d.Cyls)
		}
		if d.Heads <= 0 {
			return fmt.Errorf("drive %q has invalid heads: %d (must be positive)", d.Name, d.Heads)
		}
		if d.RPM <= 0 {
			return fmt.Errorf("drive %q has invalid rpm: %d (must be positive)", d.Name, d.RPM)
		}
		if len(d.Formats) == 0 {
			return fmt.Errorf("drive %q has no formats listed", d.Name)
		}
		for _, name := range d.Formats {
			if !formats[name] {
				return fmt.Errorf("format %q listed under drive %q not found in format array", name, d.Name)
			}
		}
	}

	if !drives[c.Default] {
		return fmt.Errorf("default drive %q not found in drive array", c.Default)
	}
	return nil
}

// DriveByName returns the named drive profile. An empty name selects the
// default drive.
func (c *Config) DriveByName(name string) (*Drive, error) {
	if name == "" {
		name = c.Default
	}
	for i := range c.Drive {
		if c.Drive[i].Name == name {
			return &c.Drive[i], nil
		}
	}
	return nil, fmt.Errorf("drive %q not found in profiles", name)
}

// FormatByName returns the named format profile.
func (c *Config) FormatByName(name string) (*Format, error) {
	for i := range c.Format {
		if c.Format[i].Name == name {
			return &c.Format[i], nil
		}
	}
	return nil, fmt.Errorf("format %q not found in profiles", name)
}

// Session builds session settings for a drive/format pair. An empty
// drive name selects the default drive, an empty format name the drive's
// first listed format. The format must be listed for the drive.
func (c *Config) Session(driveName, formatName string) (Session, error) {
	drive, err := c.DriveByName(driveName)
	if err != nil {
		return Session{}, err
	}
	if formatName == "" {
		formatName = drive.Formats[0]
	}
	listed := false
	for _, name := range drive.Formats {
		if name == formatName {
			listed = true
			break
		}
	}
	if !listed {
		return Session{}, fmt.Errorf("format %q is not listed for drive %q", formatName, drive.Name)
	}
	format, err := c.FormatByName(formatName)
	if err != nil {
		return Session{}, err
	}
	enc, err := codec.ParseEncoding(format.Encoding)
	if err != nil {
		return Session{}, err
	}

	s := DefaultSession()
	s.Encoding = enc
	s.RateKbps = format.RateKbps
	s.RPM = drive.RPM
	s.MultiTrack = format.Heads > 1
	// An 80-track drive reads 40-track media by stepping twice per
	// cylinder.
	s.DoubleStep = drive.Cyls >= 2*format.Cyls
	return s, nil
}
