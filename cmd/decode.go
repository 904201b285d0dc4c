package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jfabienke/FluxRipper-sub001/merge"
	"github.com/jfabienke/FluxRipper-sub001/session"
)

var decodeCmd = &cobra.Command{
	Use:   "decode [DEST.IMG]",
	Short: "Decode the disk into sectors",
	Long: `Decode captures flux for every track in the sweep, recovers the sectors
and prints one status line per track. With DEST.IMG the decoded disk is also
written as a flat sector image, cylinder by cylinder, head by head, sectors
in ascending address order. Sectors whose checksum never validated are
written as decoded and flagged in the report.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		set, err := resolve()
		cobra.CheckErr(err)
		src, err := openSource()
		cobra.CheckErr(err)
		defer src.Close()

		var out *os.File
		if len(args) > 0 {
			out, err = os.Create(args[0])
			cobra.CheckErr(err)
			defer out.Close()
		}

		s := session.New(src, set.cfg)
		ctx := cmd.Context()
		var total merge.Stats
		incomplete := 0
		for cyl := 0; cyl < set.cyls; cyl++ {
			for head := 0; head < set.heads; head++ {
				res, err := s.DecodeTrack(ctx, cyl, head)
				if err != nil {
					fmt.Printf("cyl %2d head %d: %v\n", cyl, head, err)
					incomplete++
					continue
				}
				fmt.Println(trackLine(res))
				if !res.Complete() {
					incomplete++
				}
				total.Clean += res.Stats.Clean
				total.Recovered += res.Stats.Recovered
				total.Salvaged += res.Stats.Salvaged
				total.Lost += res.Stats.Lost
				if out != nil {
					cobra.CheckErr(writeImage(out, res))
				}
			}
		}

		fmt.Printf("\n%d sectors clean, %d rebuilt by voting, %d salvaged, %d lost\n",
			total.Clean, total.Recovered, total.Salvaged, total.Lost)
		if out != nil {
			fmt.Printf("Image saved to '%s'.\n", args[0])
		}
		if incomplete > 0 {
			cobra.CheckErr(fmt.Errorf("%d of %d tracks incomplete", incomplete, set.cyls*set.heads))
		}
	},
}

func trackLine(res *session.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cyl %2d head %d: %-5s %3d kbps, %d sectors",
		res.Cylinder, res.Head, res.Encoding, res.RateKbps, len(res.Track.Sectors))
	if res.Passes > 1 {
		fmt.Fprintf(&b, ", %d passes", res.Passes)
	}
	if res.Stats.Recovered > 0 {
		fmt.Fprintf(&b, ", %d voted", res.Stats.Recovered)
	}
	if res.Stats.Salvaged > 0 {
		fmt.Fprintf(&b, ", %d salvaged", res.Stats.Salvaged)
	}
	if res.Stats.Lost > 0 {
		fmt.Fprintf(&b, ", %d lost", res.Stats.Lost)
	}
	if res.Overflow {
		b.WriteString(", overflow")
	}
	switch {
	case res.Quality.Critical():
		fmt.Fprintf(&b, " [critical, score %d]", res.Quality.Score)
	case res.Quality.Degraded():
		fmt.Fprintf(&b, " [degraded, score %d]", res.Quality.Score)
	}
	return b.String()
}

// writeImage appends one track's sectors in ascending address order.
func writeImage(w io.Writer, res *session.Result) error {
	secs := res.Track.Sectors
	order := make([]int, len(secs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return secs[order[a]].ID.Sector < secs[order[b]].ID.Sector
	})
	for _, i := range order {
		buf := make([]byte, secs[i].ID.SizeBytes())
		copy(buf, secs[i].Data.Data)
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("failed to write image: %w", err)
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(decodeCmd)
}
