// Package cmd implements the fluxripper command line: decode and probe
// tracks, lay down formatted tracks, replay controller command scripts
// and report on the capture source.
package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jfabienke/FluxRipper-sub001/capture"
	"github.com/jfabienke/FluxRipper-sub001/codec"
	"github.com/jfabienke/FluxRipper-sub001/config"
	"github.com/jfabienke/FluxRipper-sub001/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "fluxripper",
	Short: "Decode floppy disk flux into sectors",
	Long: `Fluxripper reads raw magnetic flux from USB capture adapters or capture
files, recovers the bit clock, and decodes sectors in any of the supported
encoding families. Damaged media is read across several revolutions and
rebuilt sector by sector through statistical voting.`,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if level := viper.GetString("log-level"); level != "" {
			l, err := log.ParseLevel(level)
			if err != nil {
				cobra.CheckErr(fmt.Errorf("invalid log level %q; valid levels are: panic, fatal, error, warn, info, debug, trace", level))
			}
			log.SetLevel(l)
		}
		if listen := viper.GetString("metrics-listen"); listen != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			go func() {
				if err := http.ListenAndServe(listen, mux); err != nil {
					log.WithError(err).Error("metrics listener failed")
				}
			}()
		}
	},
}

func init() {
	log.SetOutput(os.Stdout)
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		if l, err := log.ParseLevel(level); err == nil {
			log.SetLevel(l)
		}
	}

	pf := rootCmd.PersistentFlags()
	pf.StringP("source", "s", "", "capture file or directory; empty autodetects a USB adapter")
	pf.String("profile", "", "profile file; empty selects the per-user file")
	pf.StringP("drive", "d", "", "drive profile name")
	pf.StringP("format", "f", "", "format profile name")
	pf.StringP("encoding", "e", "", "pin the encoding: fm, mfm, m2fm, gcr62, gcr53, rll27, nrz")
	pf.Int("rate", 0, "pin the data rate in kbps; 0 probes per track")
	pf.Int("revs", 0, "revolutions captured per read pass")
	pf.Int("retries", -1, "fresh-capture retries after a failed decode")
	pf.Int("recovery", -1, "extra voting passes for weak sectors")
	pf.Int("cyls", 0, "cylinders to sweep")
	pf.Int("heads", 0, "heads to sweep")
	pf.String("log-level", "", "log level: panic, fatal, error, warn, info, debug, trace")
	pf.String("metrics-listen", "", "serve Prometheus metrics on this address")

	for _, flag := range []string{
		"source", "profile", "drive", "format", "encoding", "rate", "revs",
		"retries", "recovery", "cyls", "heads", "log-level", "metrics-listen",
	} {
		viper.BindPFlag(flag, pf.Lookup(flag))
		viper.BindEnv(flag, "FLUXRIPPER_"+strings.ToUpper(strings.ReplaceAll(flag, "-", "_")))
	}
}

// settings is everything a command needs to sweep a disk: the per-session
// decode settings plus the geometry of the media.
type settings struct {
	cfg        config.Session
	cyls       int
	heads      int
	sectors    int
	sectorSize int
}

// resolve builds the session settings from the named profiles and applies
// the command line overrides on top. Without profiles the defaults probe
// everything and assume the common 80-cylinder double-sided sweep.
func resolve() (settings, error) {
	set := settings{
		cfg:        config.DefaultSession(),
		cyls:       80,
		heads:      2,
		sectors:    9,
		sectorSize: 512,
	}

	driveName, formatName := viper.GetString("drive"), viper.GetString("format")
	if driveName != "" || formatName != "" {
		conf, err := config.Load(viper.GetString("profile"))
		if err != nil {
			return set, err
		}
		cfg, err := conf.Session(driveName, formatName)
		if err != nil {
			return set, err
		}
		set.cfg = cfg
		if formatName == "" {
			drive, err := conf.DriveByName(driveName)
			if err != nil {
				return set, err
			}
			formatName = drive.Formats[0]
		}
		format, err := conf.FormatByName(formatName)
		if err != nil {
			return set, err
		}
		set.cyls, set.heads = format.Cyls, format.Heads
		set.sectors, set.sectorSize = format.Sectors, format.SectorSize
	}

	if name := viper.GetString("encoding"); name != "" {
		enc, err := codec.ParseEncoding(name)
		if err != nil {
			return set, err
		}
		set.cfg.Encoding = enc
	}
	if rate := viper.GetInt("rate"); rate > 0 {
		set.cfg.RateKbps = rate
	}
	if revs := viper.GetInt("revs"); revs > 0 {
		set.cfg.Revolutions = revs
	}
	if n := viper.GetInt("retries"); n >= 0 {
		set.cfg.Retries = n
	}
	if n := viper.GetInt("recovery"); n >= 0 {
		set.cfg.Recovery = n
	}
	if n := viper.GetInt("cyls"); n > 0 {
		set.cyls = n
	}
	if n := viper.GetInt("heads"); n > 0 {
		set.heads = n
		set.cfg.MultiTrack = n > 1
	}
	return set, nil
}

// sizeCode converts a sector size in bytes to the size code used in
// address fields.
func sizeCode(size int) byte {
	code := byte(0)
	for ; size > 128; size >>= 1 {
		code++
	}
	return code
}

// openSource resolves the --source spec into a capture source.
func openSource() (capture.Source, error) {
	src, err := capture.Open(viper.GetString("source"))
	if err != nil {
		return nil, fmt.Errorf("failed to open capture source: %w", err)
	}
	return src, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}
