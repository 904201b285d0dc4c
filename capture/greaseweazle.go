package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/jfabienke/FluxRipper-sub001/flux"
)

// Greaseweazle USB identity.
const (
	GW_VENDOR_ID  = 0x1209 // open source hardware projects
	GW_PRODUCT_ID = 0x4d69 // Keir Fraser Greaseweazle
)

// Command codes
const (
	CMD_GET_INFO        = 0
	CMD_UPDATE          = 1
	CMD_SEEK            = 2
	CMD_HEAD            = 3
	CMD_SET_PARAMS      = 4
	CMD_GET_PARAMS      = 5
	CMD_MOTOR           = 6
	CMD_READ_FLUX       = 7
	CMD_WRITE_FLUX      = 8
	CMD_GET_FLUX_STATUS = 9
	CMD_SWITCH_FW_MODE  = 11
	CMD_SELECT          = 12
	CMD_DESELECT        = 13
	CMD_SET_BUS_TYPE    = 14
	CMD_SET_PIN         = 15
	CMD_RESET           = 16
	CMD_ERASE_FLUX      = 17
)

// GET_INFO indices
const (
	GETINFO_FIRMWARE = 0
	GETINFO_BW_STATS = 1
)

// ACK return codes
const (
	ACK_OKAY           = 0
	ACK_BAD_COMMAND    = 1
	ACK_NO_INDEX       = 2
	ACK_NO_TRK0        = 3
	ACK_FLUX_OVERFLOW  = 4
	ACK_FLUX_UNDERFLOW = 5
	ACK_WRPROT         = 6
	ACK_NO_UNIT        = 7
	ACK_NO_BUS         = 8
	ACK_BAD_UNIT       = 9
	ACK_BAD_PIN        = 10
	ACK_BAD_CYLINDER   = 11
)

// Flux stream opcodes
const (
	FLUXOP_INDEX = 1
	FLUXOP_SPACE = 2
)

// Bus type codes
const (
	BUS_NONE    = 0
	BUS_IBMPC   = 1
	BUS_SHUGART = 2
)

func init() {
	RegisterDevice(GW_VENDOR_ID, GW_PRODUCT_ID, NewGreaseweazle)
}

// gwFirmwareInfo is the parsed GETINFO_FIRMWARE response.
type gwFirmwareInfo struct {
	FwMajor        uint8
	FwMinor        uint8
	IsMainFirmware bool // false means bootloader
	MaxCmd         uint8
	SampleFreqHz   uint32
	HwModel        uint8
	HwSubmodel     uint8
}

// Greaseweazle drives a Greaseweazle adapter over its serial interface.
// It reads, writes and erases flux.
type Greaseweazle struct {
	port     serial.Port
	portName string
	fw       gwFirmwareInfo
	motorOn  bool
	log      *log.Entry
}

// NewGreaseweazle opens the adapter on the given serial port, reads its
// firmware identity and configures the bus for a PC drive.
func NewGreaseweazle(portDetails *enumerator.PortDetails) (Source, error) {
	mode := &serial.Mode{BaudRate: 9600}
	port, err := serial.Open(portDetails.Name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portDetails.Name, err)
	}

	g := &Greaseweazle{
		port:     port,
		portName: portDetails.Name,
		log:      log.WithField("adapter", "greaseweazle"),
	}

	fw, err := g.fetchFirmwareInfo()
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to fetch firmware info: %w", err)
	}
	g.fw = fw

	// Twiddle the baud rate, which tells the firmware that the data
	// stream has been reset.
	if err := port.SetMode(&serial.Mode{BaudRate: 10000}); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set baud rate to 10000: %w", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := port.SetMode(&serial.Mode{BaudRate: 9600}); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set baud rate to 9600: %w", err)
	}

	if err := g.doCommand([]byte{CMD_SET_BUS_TYPE, 3, BUS_IBMPC}); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set bus type: %w", err)
	}
	if err := g.doCommand([]byte{CMD_SELECT, 3, 0}); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to select drive: %w", err)
	}

	g.log.WithFields(log.Fields{
		"port":     portDetails.Name,
		"firmware": fmt.Sprintf("%d.%d", fw.FwMajor, fw.FwMinor),
		"clock":    fw.SampleFreqHz,
	}).Info("Greaseweazle connected")
	return g, nil
}

// ackError converts an ACK error code to a readable error.
func ackError(code byte) error {
	msg := "unknown error"
	switch code {
	case ACK_OKAY:
		return nil
	case ACK_BAD_COMMAND:
		msg = "bad command"
	case ACK_NO_INDEX:
		msg = "no index"
	case ACK_NO_TRK0:
		msg = "no track 0"
	case ACK_FLUX_OVERFLOW:
		return fmt.Errorf("Greaseweazle error: %w", flux.ErrOverflow)
	case ACK_FLUX_UNDERFLOW:
		msg = "underflow"
	case ACK_WRPROT:
		msg = "write protected"
	case ACK_NO_UNIT:
		msg = "no unit"
	case ACK_NO_BUS:
		msg = "no bus"
	case ACK_BAD_UNIT:
		msg = "invalid unit"
	case ACK_BAD_PIN:
		msg = "invalid pin"
	case ACK_BAD_CYLINDER:
		msg = "invalid track"
	}
	return fmt.Errorf("Greaseweazle error: %s", msg)
}

// doCommand sends a command and reads the two-byte ACK response.
func (g *Greaseweazle) doCommand(cmd []byte) error {
	if _, err := g.port.Write(cmd); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	ack := make([]byte, 2)
	if _, err := io.ReadFull(g.port, ack); err != nil {
		return fmt.Errorf("failed to read ACK: %w", err)
	}
	if ack[0] != cmd[0] {
		return fmt.Errorf("command returned garbage (0x%02x != 0x%02x with status 0x%02x)",
			ack[0], cmd[0], ack[1])
	}
	return ackError(ack[1])
}

func (g *Greaseweazle) fetchFirmwareInfo() (gwFirmwareInfo, error) {
	var info gwFirmwareInfo
	if err := g.doCommand([]byte{CMD_GET_INFO, 3, GETINFO_FIRMWARE}); err != nil {
		return info, err
	}

	// 32-byte packed response:
	// byte 0: fw_major, byte 1: fw_minor
	// byte 2: is_main_firmware (0 = bootloader)
	// byte 3: max_cmd
	// bytes 4-7: sample_freq (uint32 le)
	// byte 8: hw_model, byte 9: hw_submodel
	response := make([]byte, 32)
	if _, err := io.ReadFull(g.port, response); err != nil {
		return info, fmt.Errorf("failed to read firmware response: %w", err)
	}
	info.FwMajor = response[0]
	info.FwMinor = response[1]
	info.IsMainFirmware = response[2] != 0
	info.MaxCmd = response[3]
	info.SampleFreqHz = binary.LittleEndian.Uint32(response[4:8])
	info.HwModel = response[8]
	info.HwSubmodel = response[9]
	if info.SampleFreqHz == 0 {
		return info, fmt.Errorf("firmware reports zero sample clock")
	}
	return info, nil
}

func (g *Greaseweazle) ensureMotor() error {
	if g.motorOn {
		return nil
	}
	if err := g.doCommand([]byte{CMD_MOTOR, 4, 0, 1}); err != nil {
		return fmt.Errorf("failed to turn motor on: %w", err)
	}
	g.motorOn = true
	return nil
}

func (g *Greaseweazle) position(req TrackRequest) error {
	if err := g.doCommand([]byte{CMD_SEEK, 3, req.Cylinder}); err != nil {
		return fmt.Errorf("failed to seek to cylinder %d: %w", req.Cylinder, err)
	}
	if err := g.doCommand([]byte{CMD_HEAD, 3, req.Head}); err != nil {
		return fmt.Errorf("failed to set head %d: %w", req.Head, err)
	}
	return nil
}

// ReadFlux samples the requested track live. One extra index pulse is
// captured so the final revolution is bounded on both sides.
func (g *Greaseweazle) ReadFlux(ctx context.Context, req TrackRequest) (*flux.Recording, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := g.ensureMotor(); err != nil {
		return nil, err
	}
	if err := g.position(req); err != nil {
		return nil, err
	}

	revs := req.Revolutions
	if revs <= 0 {
		revs = 1
	}
	cmd := make([]byte, 8)
	cmd[0] = CMD_READ_FLUX
	cmd[1] = 8
	binary.LittleEndian.PutUint32(cmd[2:6], 0) // no tick limit
	binary.LittleEndian.PutUint16(cmd[6:8], uint16(revs+1))
	if err := g.doCommand(cmd); err != nil {
		return nil, fmt.Errorf("failed to send READ_FLUX command: %w", err)
	}

	data, err := g.readStream(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.doCommand([]byte{CMD_GET_FLUX_STATUS, 2}); err != nil {
		return nil, fmt.Errorf("flux status check failed: %w", err)
	}

	g.log.WithFields(log.Fields{
		"cylinder": req.Cylinder,
		"head":     req.Head,
		"bytes":    len(data),
	}).Debug("captured flux stream")
	return decodeGreaseweazleStream(data, g.fw.SampleFreqHz)
}

// readStream collects flux bytes until the 0x00 end-of-stream marker. The
// read timeout keeps the loop responsive to cancellation.
func (g *Greaseweazle) readStream(ctx context.Context) ([]byte, error) {
	if err := g.port.SetReadTimeout(200 * time.Millisecond); err == nil {
		defer g.port.SetReadTimeout(serial.NoTimeout)
	}
	var data []byte
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := g.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to read flux stream: %w", err)
		}
		for j := 0; j < n; j++ {
			if buf[j] == 0 {
				return append(data, buf[:j]...), nil
			}
		}
		data = append(data, buf[:n]...)
	}
}

// WriteFlux encodes the recording and writes it to the positioned track,
// cued at the index pulse and terminated at the next one.
func (g *Greaseweazle) WriteFlux(ctx context.Context, req TrackRequest, rec *flux.Recording) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.ensureMotor(); err != nil {
		return err
	}
	if err := g.position(req); err != nil {
		return err
	}

	// [cmd, len, cue_at_index, terminate_at_index]
	if err := g.doCommand([]byte{CMD_WRITE_FLUX, 4, 1, 1}); err != nil {
		return fmt.Errorf("failed to send WRITE_FLUX command: %w", err)
	}
	stream := encodeGreaseweazleStream(rec, g.fw.SampleFreqHz)
	if _, err := g.port.Write(stream); err != nil {
		return fmt.Errorf("failed to write flux data: %w", err)
	}

	// The device sends a sync byte when the write completes.
	sync := make([]byte, 1)
	if _, err := io.ReadFull(g.port, sync); err != nil {
		return fmt.Errorf("failed to read write synchronization byte: %w", err)
	}
	if sync[0] != 0 {
		return fmt.Errorf("write failed with status byte 0x%02x", sync[0])
	}
	if err := g.doCommand([]byte{CMD_GET_FLUX_STATUS, 2}); err != nil {
		return fmt.Errorf("write flux status check failed: %w", err)
	}
	return nil
}

// EraseTrack wipes one track with a DC erase lasting a full revolution.
func (g *Greaseweazle) EraseTrack(ctx context.Context, req TrackRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.ensureMotor(); err != nil {
		return err
	}
	if err := g.position(req); err != nil {
		return err
	}

	// 200 ms covers one revolution at 300 rpm.
	ticks := uint32(200e6 / (1e9 / float64(g.fw.SampleFreqHz)))
	cmd := make([]byte, 6)
	cmd[0] = CMD_ERASE_FLUX
	cmd[1] = 6
	binary.LittleEndian.PutUint32(cmd[2:6], ticks)
	if err := g.doCommand(cmd); err != nil {
		return fmt.Errorf("failed to send ERASE_FLUX command: %w", err)
	}
	sync := make([]byte, 1)
	if _, err := io.ReadFull(g.port, sync); err != nil {
		return fmt.Errorf("failed to read erase synchronization byte: %w", err)
	}
	if sync[0] != 0 {
		return fmt.Errorf("erase failed with status byte 0x%02x", sync[0])
	}
	if err := g.doCommand([]byte{CMD_GET_FLUX_STATUS, 2}); err != nil {
		return fmt.Errorf("erase flux status check failed: %w", err)
	}
	return nil
}

func (g *Greaseweazle) Describe() string {
	return fmt.Sprintf("greaseweazle:%s fw %d.%d", g.portName, g.fw.FwMajor, g.fw.FwMinor)
}

// Close stops the motor, releases the drive and closes the port.
func (g *Greaseweazle) Close() error {
	if g.motorOn {
		g.doCommand([]byte{CMD_MOTOR, 4, 0, 0})
		g.motorOn = false
	}
	g.doCommand([]byte{CMD_DESELECT, 2})
	return g.port.Close()
}

// readN28 decodes the 28-bit varint the flux stream uses for opcode
// arguments: four bytes, each with the low bit set, seven payload bits in
// the top of each.
func readN28(data []byte, offset int) (uint32, int, error) {
	if offset+4 > len(data) {
		return 0, 0, fmt.Errorf("truncated N28 value at offset %d", offset)
	}
	value := (uint32(data[offset])&0xfe)>>1 |
		(uint32(data[offset+1])&0xfe)<<6 |
		(uint32(data[offset+2])&0xfe)<<13 |
		(uint32(data[offset+3])&0xfe)<<20
	return value, 4, nil
}

// encodeN28 is the inverse of readN28.
func encodeN28(value uint32) []byte {
	return []byte{
		byte(1 | (value>>0&0x7f)<<1),
		byte(1 | (value>>7&0x7f)<<1),
		byte(1 | (value>>14&0x7f)<<1),
		byte(1 | (value>>21&0x7f)<<1),
	}
}

// decodeGreaseweazleStream converts a flux stream into a recording.
// Stream bytes:
//
//	1-249    direct interval in ticks
//	250-254  extended: value = 250 + (byte-250)*255 + next - 1
//	255      opcode prefix: FLUXOP_INDEX n28 (index pulse this many ticks
//	         ahead), FLUXOP_SPACE n28 (transition-free gap)
//	0        end of stream (stripped before this is called)
func decodeGreaseweazleStream(data []byte, sampleFreqHz uint32) (*flux.Recording, error) {
	if sampleFreqHz == 0 {
		return nil, fmt.Errorf("zero sample clock")
	}
	tickNs := 1e9 / float64(sampleFreqHz)
	rec := &flux.Recording{}
	ticks := uint64(0)
	var indexAt []uint64
	next := 0

	emit := func(delta uint64) {
		ticks += delta
		idx := false
		if next < len(indexAt) && ticks >= indexAt[next] {
			idx = true
			next++
		}
		rec.Append(flux.Sample{Time: uint64(float64(ticks)*tickNs + 0.5), Index: idx})
	}

	for i := 0; i < len(data); {
		b := data[i]
		switch {
		case b == 0:
			return rec, nil
		case b == 255:
			if i+2 > len(data) {
				return nil, fmt.Errorf("truncated opcode at %d", i)
			}
			op := data[i+1]
			i += 2
			n28, consumed, err := readN28(data, i)
			if err != nil {
				return nil, err
			}
			i += consumed
			switch op {
			case FLUXOP_INDEX:
				indexAt = append(indexAt, ticks+uint64(n28))
			case FLUXOP_SPACE:
				ticks += uint64(n28)
			default:
				return nil, fmt.Errorf("unknown flux opcode 0x%02x", op)
			}
		case b < 250:
			emit(uint64(b))
			i++
		default:
			if i+2 > len(data) {
				return nil, fmt.Errorf("truncated extended interval at %d", i)
			}
			emit(250 + (uint64(b)-250)*255 + uint64(data[i+1]) - 1)
			i += 2
		}
	}
	return rec, nil
}

// encodeGreaseweazleStream renders a recording as a write stream,
// terminated with the end-of-stream marker.
func encodeGreaseweazleStream(rec *flux.Recording, sampleFreqHz uint32) []byte {
	tickPeriodNs := 1e9 / float64(sampleFreqHz)
	var out []byte
	prev := uint64(0)
	for _, s := range rec.Samples {
		d := uint64(float64(s.Time-prev)/tickPeriodNs + 0.5)
		prev = s.Time
		switch {
		case d == 0:
			// Coincident transitions merge.
			continue
		case d < 250:
			out = append(out, byte(d))
		case d <= 1524:
			out = append(out, byte(250+(d-250)/255), byte((d-250)%255+1))
		default:
			// A long gap followed by a short closing interval.
			out = append(out, 255, FLUXOP_SPACE)
			out = append(out, encodeN28(uint32(d-249))...)
			out = append(out, 249)
		}
	}
	return append(out, 0)
}
