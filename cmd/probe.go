package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jfabienke/FluxRipper-sub001/session"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Classify the encoding and data rate of one track",
	Long: `Probe captures a single track and reports what the flux looks like:
the encoding family, the snapped data rate, the spindle speed and the raw
interval peaks the classification is based on.`,
	Run: func(cmd *cobra.Command, args []string) {
		set, err := resolve()
		cobra.CheckErr(err)
		src, err := openSource()
		cobra.CheckErr(err)
		defer src.Close()

		cyl, _ := cmd.Flags().GetInt("cyl")
		head, _ := cmd.Flags().GetInt("head")

		det, err := session.New(src, set.cfg).Probe(cmd.Context(), cyl, head)
		cobra.CheckErr(err)

		peaks := make([]string, len(det.Peaks))
		for i, p := range det.Peaks {
			peaks[i] = fmt.Sprintf("%.0f", p)
		}
		fmt.Printf("Encoding: %s\n", det.Encoding)
		fmt.Printf("Rate:     %d kbps\n", det.RateKbps)
		fmt.Printf("Spindle:  %d RPM\n", det.RPM)
		fmt.Printf("Cell:     %.0f ns\n", det.CellNs)
		fmt.Printf("Peaks:    %s ns\n", strings.Join(peaks, ", "))
	},
}

func init() {
	probeCmd.Flags().Int("cyl", 0, "cylinder to probe")
	probeCmd.Flags().Int("head", 0, "head to probe")
	rootCmd.AddCommand(probeCmd)
}
