package cmd

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfabienke/FluxRipper-sub001/codec"
	"github.com/jfabienke/FluxRipper-sub001/session"
)

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Lay down freshly formatted tracks",
	Long: `Encode renders every track in the sweep as new flux: address fields for
each sector, fill-byte payloads and fresh checksums. The encoding and rate
must be pinned, either through a format profile or with --encoding and
--rate. The capture source has to be writable; file sources write the flux
image back to disk.`,
	Run: func(cmd *cobra.Command, args []string) {
		set, err := resolve()
		cobra.CheckErr(err)
		if set.cfg.Encoding == codec.EncodingUnknown || set.cfg.RateKbps <= 0 {
			cobra.CheckErr(fmt.Errorf("encode needs a pinned encoding and rate; name a format profile or pass --encoding and --rate"))
		}
		src, err := openSource()
		cobra.CheckErr(err)
		defer src.Close()

		s := session.New(src, set.cfg)
		if !s.Writable() {
			cobra.CheckErr(fmt.Errorf("source '%s' is not writable", src.Describe()))
		}

		fill, _ := cmd.Flags().GetUint8("fill")
		size := sizeCode(set.sectorSize)
		payload := bytes.Repeat([]byte{fill}, set.sectorSize)

		ctx := cmd.Context()
		for cyl := 0; cyl < set.cyls; cyl++ {
			for head := 0; head < set.heads; head++ {
				specs := make([]codec.SectorSpec, set.sectors)
				for i := range specs {
					specs[i] = codec.SectorSpec{
						ID: codec.IDField{
							Cylinder: byte(cyl),
							Head:     byte(head),
							Sector:   byte(i + 1),
							Size:     size,
						},
						Data: payload,
					}
				}
				cobra.CheckErr(s.EncodeTrack(ctx, cyl, head, specs))
			}
		}
		fmt.Printf("Formatted %d tracks, %d sectors of %d bytes each, %s at %d kbps.\n",
			set.cyls*set.heads, set.sectors, set.sectorSize, set.cfg.Encoding, set.cfg.RateKbps)
	},
}

func init() {
	encodeCmd.Flags().Uint8("fill", 0xe5, "payload fill byte")
	rootCmd.AddCommand(encodeCmd)
}
