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

// SuperCard Pro USB identity (FTDI bridge).
const (
	SCP_VENDOR_ID  = 0x0403
	SCP_PRODUCT_ID = 0x6015
)

// SCP command codes
const (
	SCPCMD_SELA        = 0x80 // select drive A
	SCPCMD_SELB        = 0x81 // select drive B
	SCPCMD_DSELA       = 0x82 // deselect drive A
	SCPCMD_DSELB       = 0x83 // deselect drive B
	SCPCMD_MTRAON      = 0x84 // turn motor A on
	SCPCMD_MTRBON      = 0x85 // turn motor B on
	SCPCMD_MTRAOFF     = 0x86 // turn motor A off
	SCPCMD_MTRBOFF     = 0x87 // turn motor B off
	SCPCMD_SEEK0       = 0x88 // seek track 0
	SCPCMD_STEPTO      = 0x89 // step to specified track
	SCPCMD_SIDE        = 0x8d // select side
	SCPCMD_READFLUX    = 0xa0 // read flux level
	SCPCMD_GETFLUXINFO = 0xa1 // get info for last flux read
	SCPCMD_WRITEFLUX   = 0xa2 // write flux level
	SCPCMD_SENDRAM_USB = 0xa9 // send data from buffer to USB
	SCPCMD_LOADRAM_USB = 0xaa // load data from USB to buffer
	SCPCMD_SCPINFO     = 0xd0 // get SCP info
)

// SCP status codes
const (
	SCP_STATUS_OK = 0x4f // command successful
)

const scpRAMSize = 512 * 1024

func init() {
	RegisterDevice(SCP_VENDOR_ID, SCP_PRODUCT_ID, NewSuperCardPro)
}

// scpFluxInfo describes one captured revolution: its duration and its word
// count, both straight from the device.
type scpFluxInfo struct {
	IndexTime  uint32 // revolution duration in 25 ns ticks
	NrBitcells uint32 // 16-bit words stored for the revolution
}

// SuperCardPro drives a SuperCard Pro board over its serial interface.
// Captures land in the board's RAM and are pulled over USB afterwards.
type SuperCardPro struct {
	port     serial.Port
	portName string
	hwMajor  uint8
	hwMinor  uint8
	fwMajor  uint8
	fwMinor  uint8
	selected bool
	log      *log.Entry
}

// NewSuperCardPro opens the board and reads its version identity.
func NewSuperCardPro(portDetails *enumerator.PortDetails) (Source, error) {
	mode := &serial.Mode{BaudRate: 38400}
	port, err := serial.Open(portDetails.Name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portDetails.Name, err)
	}

	s := &SuperCardPro{
		port:     port,
		portName: portDetails.Name,
		log:      log.WithField("adapter", "supercardpro"),
	}
	if err := s.fetchInfo(); err != nil {
		port.Close()
		return nil, err
	}

	s.log.WithFields(log.Fields{
		"port":     portDetails.Name,
		"hardware": fmt.Sprintf("%d.%d", s.hwMajor, s.hwMinor),
		"firmware": fmt.Sprintf("%d.%d", s.fwMajor, s.fwMinor),
	}).Info("SuperCard Pro connected")
	return s, nil
}

// scpSend sends one command packet and checks the two-byte response.
// Packet: [cmd][len][data...][checksum], checksum = 0x4a + sum of the
// preceding bytes. For SENDRAM_USB the RAM contents arrive before the
// response and are read into readData.
func (s *SuperCardPro) scpSend(cmd byte, data []byte, readData []byte) error {
	if len(data) > 255 {
		return fmt.Errorf("data length %d exceeds maximum 255", len(data))
	}
	packet := make([]byte, 3+len(data))
	packet[0] = cmd
	packet[1] = byte(len(data))
	copy(packet[2:], data)
	checksum := byte(0x4a)
	for _, b := range packet[:2+len(data)] {
		checksum += b
	}
	packet[2+len(data)] = checksum

	if _, err := s.port.Write(packet); err != nil {
		return fmt.Errorf("failed to write command packet: %w", err)
	}
	if cmd == SCPCMD_SENDRAM_USB && readData != nil {
		if _, err := io.ReadFull(s.port, readData); err != nil {
			return fmt.Errorf("failed to read RAM data: %w", err)
		}
	}

	response := make([]byte, 2)
	if _, err := io.ReadFull(s.port, response); err != nil {
		return fmt.Errorf("failed to read command response: %w", err)
	}
	if response[0] != cmd {
		return fmt.Errorf("command echo mismatch: sent 0x%02x, received 0x%02x", cmd, response[0])
	}
	if response[1] != SCP_STATUS_OK {
		return fmt.Errorf("command 0x%02x failed with status 0x%02x", cmd, response[1])
	}
	return nil
}

func (s *SuperCardPro) fetchInfo() error {
	if err := s.scpSend(SCPCMD_SCPINFO, nil, nil); err != nil {
		return fmt.Errorf("failed to send SCPINFO command: %w", err)
	}
	// [hardware_version][firmware_version], major nibble high.
	response := make([]byte, 2)
	if _, err := io.ReadFull(s.port, response); err != nil {
		return fmt.Errorf("failed to read version info: %w", err)
	}
	s.hwMajor, s.hwMinor = response[0]>>4, response[0]&0x0f
	s.fwMajor, s.fwMinor = response[1]>>4, response[1]&0x0f
	return nil
}

func (s *SuperCardPro) ensureSelected() error {
	if s.selected {
		return nil
	}
	if err := s.scpSend(SCPCMD_SELA, nil, nil); err != nil {
		return fmt.Errorf("failed to select drive: %w", err)
	}
	if err := s.scpSend(SCPCMD_MTRAON, nil, nil); err != nil {
		return fmt.Errorf("failed to turn motor on: %w", err)
	}
	s.selected = true
	return nil
}

func (s *SuperCardPro) position(req TrackRequest) error {
	if req.Cylinder == 0 {
		if err := s.scpSend(SCPCMD_SEEK0, nil, nil); err != nil {
			return fmt.Errorf("failed to seek to track 0: %w", err)
		}
	} else {
		if err := s.scpSend(SCPCMD_STEPTO, []byte{req.Cylinder}, nil); err != nil {
			return fmt.Errorf("failed to step to cylinder %d: %w", req.Cylinder, err)
		}
	}
	if err := s.scpSend(SCPCMD_SIDE, []byte{req.Head}, nil); err != nil {
		return fmt.Errorf("failed to select side %d: %w", req.Head, err)
	}
	// Seek settle delay.
	time.Sleep(20 * time.Millisecond)
	return nil
}

// ReadFlux captures up to five revolutions into board RAM and pulls them
// over. The board records at 25 ns resolution, the same word stream the
// SCP capture file stores.
func (s *SuperCardPro) ReadFlux(ctx context.Context, req TrackRequest) (*flux.Recording, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensureSelected(); err != nil {
		return nil, err
	}
	if err := s.position(req); err != nil {
		return nil, err
	}

	revs := req.Revolutions
	if revs <= 0 {
		revs = 1
	}
	if revs > 5 {
		// The board keeps flux info for five revolutions at most.
		revs = 5
	}
	if err := s.scpSend(SCPCMD_READFLUX, []byte{byte(revs), 1}, nil); err != nil {
		return nil, fmt.Errorf("failed to send READFLUX command: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.scpSend(SCPCMD_GETFLUXINFO, nil, nil); err != nil {
		return nil, fmt.Errorf("failed to send GETFLUXINFO command: %w", err)
	}
	infoData := make([]byte, 40)
	if _, err := io.ReadFull(s.port, infoData); err != nil {
		return nil, fmt.Errorf("failed to read flux info: %w", err)
	}
	var info [5]scpFluxInfo
	for i := 0; i < 5; i++ {
		info[i].IndexTime = binary.BigEndian.Uint32(infoData[8*i:])
		info[i].NrBitcells = binary.BigEndian.Uint32(infoData[8*i+4:])
	}

	ramCmd := make([]byte, 8)
	binary.BigEndian.PutUint32(ramCmd[0:4], 0)
	binary.BigEndian.PutUint32(ramCmd[4:8], scpRAMSize)
	ram := make([]byte, scpRAMSize)
	if err := s.scpSend(SCPCMD_SENDRAM_USB, ramCmd, ram); err != nil {
		return nil, fmt.Errorf("failed to read flux data: %w", err)
	}

	rec := &flux.Recording{}
	timeNs := uint64(0)
	offset := 0
	for r := 0; r < revs; r++ {
		words := int(info[r].NrBitcells) * 2
		if words == 0 || offset+words > len(ram) {
			break
		}
		timeNs = decodeFluxWords(rec, ram[offset:offset+words], timeNs, scpTickNs)
		offset += words
	}
	if len(rec.Samples) == 0 {
		return nil, fmt.Errorf("%w: cylinder %d head %d returned no flux", ErrNoTrack, req.Cylinder, req.Head)
	}

	s.log.WithFields(log.Fields{
		"cylinder":    req.Cylinder,
		"head":        req.Head,
		"revolutions": revs,
		"bytes":       offset,
	}).Debug("captured flux stream")
	return rec, nil
}

func (s *SuperCardPro) Describe() string {
	return fmt.Sprintf("supercardpro:%s hw %d.%d fw %d.%d",
		s.portName, s.hwMajor, s.hwMinor, s.fwMajor, s.fwMinor)
}

// Close stops the motor, releases the drive and closes the port.
func (s *SuperCardPro) Close() error {
	if s.selected {
		s.scpSend(SCPCMD_MTRAOFF, nil, nil)
		s.scpSend(SCPCMD_DSELA, nil, nil)
		s.selected = false
	}
	return s.port.Close()
}
