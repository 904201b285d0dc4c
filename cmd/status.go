package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfabienke/FluxRipper-sub001/codec"
	"github.com/jfabienke/FluxRipper-sub001/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the capture source and the effective settings",
	Run: func(cmd *cobra.Command, args []string) {
		set, err := resolve()
		cobra.CheckErr(err)
		src, err := openSource()
		cobra.CheckErr(err)
		defer src.Close()

		s := session.New(src, set.cfg)
		writable := "no"
		if s.Writable() {
			writable = "yes"
		}
		encoding, rate := "probe per track", "probe per track"
		if set.cfg.Encoding != codec.EncodingUnknown {
			encoding = set.cfg.Encoding.String()
		}
		if set.cfg.RateKbps > 0 {
			rate = fmt.Sprintf("%d kbps", set.cfg.RateKbps)
		}

		fmt.Printf("Source:      %s\n", src.Describe())
		fmt.Printf("Writable:    %s\n", writable)
		fmt.Printf("Encoding:    %s\n", encoding)
		fmt.Printf("Rate:        %s\n", rate)
		fmt.Printf("Spindle:     %d RPM\n", set.cfg.RPM)
		fmt.Printf("Sweep:       %d cylinders, %d head(s)\n", set.cyls, set.heads)
		fmt.Printf("Revolutions: %d per pass\n", set.cfg.Revolutions)
		fmt.Printf("Retries:     %d, recovery passes: %d\n", set.cfg.Retries, set.cfg.Recovery)
		if set.cfg.DoubleStep {
			fmt.Printf("Stepping:    double\n")
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
