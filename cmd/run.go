package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfabienke/FluxRipper-sub001/fdc"
	"github.com/jfabienke/FluxRipper-sub001/session"
)

var runCmd = &cobra.Command{
	Use:   "run [SCRIPT]",
	Short: "Drive the controller front end with a command script",
	Long: `Run puts the legacy controller interface on top of the decode engine and
feeds it a command script, printing every byte that comes back. The script
is read from SCRIPT or standard input, one verb per line; '#' starts a
comment. Verbs:

  C b0 b1 ..  feed command and parameter bytes (hex)
  W b0 b1 ..  feed execution-phase data bytes (hex)
  D n         drain n data bytes (decimal) and hex-dump them
  T           raise the terminal count
  R           drain the result phase
  S           print the main status register
  X           reset the controller

Reading sector 1 of cylinder 10 on an MFM disk:

  C 0f 00 0a            # seek to cylinder 10
  C 08                  # sense interrupt
  R
  C 46 00 0a 00 01 02 01 2a ff
  D 512
  T
  R`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		set, err := resolve()
		cobra.CheckErr(err)
		src, err := openSource()
		cobra.CheckErr(err)
		defer src.Close()

		c := fdc.New(&fdc.Drive{
			Ops:      session.New(src, set.cfg),
			TwoSided: set.heads > 1,
		})
		c.Timeout = 2 * time.Minute

		in := os.Stdin
		if len(args) > 0 {
			f, err := os.Open(args[0])
			cobra.CheckErr(err)
			defer f.Close()
			in = f
		}

		scanner := bufio.NewScanner(in)
		line := 0
		for scanner.Scan() {
			line++
			if err := runLine(c, scanner.Text()); err != nil {
				cobra.CheckErr(fmt.Errorf("line %d: %w", line, err))
			}
		}
		cobra.CheckErr(scanner.Err())
	},
}

func runLine(c *fdc.Controller, raw string) error {
	text := raw
	if i := strings.IndexByte(text, '#'); i >= 0 {
		text = text[:i]
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}

	switch verb, rest := strings.ToUpper(fields[0]), fields[1:]; verb {
	case "C":
		data, err := parseHexBytes(rest)
		if err != nil {
			return err
		}
		for _, b := range data {
			if err := c.WriteCommand(b); err != nil {
				return err
			}
		}
	case "W":
		data, err := parseHexBytes(rest)
		if err != nil {
			return err
		}
		for _, b := range data {
			if err := c.WriteData(b); err != nil {
				return err
			}
		}
	case "D":
		if len(rest) != 1 {
			return errors.New("D takes one byte count")
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil {
			return fmt.Errorf("bad byte count %q", rest[0])
		}
		data := make([]byte, 0, n)
		for i := 0; i < n; i++ {
			b, err := c.ReadData()
			if errors.Is(err, fdc.ErrExecEnded) {
				fmt.Printf("execution ended after %d bytes\n", i)
				break
			}
			if err != nil {
				return err
			}
			data = append(data, b)
		}
		hexDump(data)
	case "T":
		return c.TerminalCount()
	case "R":
		var out []byte
		for c.Status()&fdc.MSRBusy != 0 {
			b, err := c.ReadResult()
			if err != nil {
				return err
			}
			out = append(out, b)
		}
		fmt.Printf("< % 02x\n", out)
	case "S":
		fmt.Printf("msr %#02x\n", c.Status())
	case "X":
		c.Reset()
	default:
		return fmt.Errorf("unknown verb %q", fields[0])
	}
	return nil
}

func parseHexBytes(fields []string) ([]byte, error) {
	if len(fields) == 0 {
		return nil, errors.New("no bytes given")
	}
	out := make([]byte, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("bad byte %q", f)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func hexDump(data []byte) {
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Printf("%04x  % 02x\n", off, data[off:end])
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
