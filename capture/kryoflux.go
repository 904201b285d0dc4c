package capture

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial/enumerator"

	"github.com/jfabienke/FluxRipper-sub001/flux"
)

// KryoFlux talks raw USB: vendor control requests for drive management,
// a bulk endpoint for the sample stream.
const (
	kfVendorID  = 0x03eb
	kfProductID = 0x6124
	kfInterface = 1

	kfEndpointBulkOut = 0x01
	kfEndpointBulkIn  = 0x82

	kfControlRequestType = 0xc3 // vendor, other, device-to-host

	kfRequestReset    = 0x05
	kfRequestDevice   = 0x06
	kfRequestMotor    = 0x07
	kfRequestDensity  = 0x08
	kfRequestSide     = 0x09
	kfRequestTrack    = 0x0a
	kfRequestStream   = 0x0b
	kfRequestMinTrack = 0x0c
	kfRequestMaxTrack = 0x0d
	kfRequestStatus   = 0x80
	kfRequestInfo     = 0x81

	kfStreamOnValue  = 0x601
	kfReadBufferSize = 6400
	kfMaxTrack       = 83
)

func init() {
	RegisterUSBDevice(NewKryoFlux)
}

// KryoFlux drives a KryoFlux board over USB. Read-only: the stream
// protocol has no write side.
type KryoFlux struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	cfg     *gousb.Config
	intf    *gousb.Interface
	bulkIn  *gousb.InEndpoint
	info    string
	motorOn bool
	log     *log.Entry
}

// NewKryoFlux opens the first KryoFlux board on the bus. The port details
// argument is ignored; the board does not present a serial port. The
// device must already be running its firmware (load it once with the
// vendor tooling); the bootloader is detected and reported.
func NewKryoFlux(_ *enumerator.PortDetails) (Source, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == kfVendorID && uint16(desc.Product) == kfProductID
	})
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("%w: no KryoFlux board (%04x:%04x)", ErrNoDevice, kfVendorID, kfProductID)
	}
	dev := devs[0]
	for i := 1; i < len(devs); i++ {
		devs[i].Close()
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to get config 1: %w", err)
	}
	intf, err := cfg.Interface(kfInterface, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to claim interface %d: %w", kfInterface, err)
	}
	bulkIn, err := intf.InEndpoint(kfEndpointBulkIn)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to open bulk in endpoint: %w", err)
	}

	k := &KryoFlux{
		ctx:    ctx,
		dev:    dev,
		cfg:    cfg,
		intf:   intf,
		bulkIn: bulkIn,
		log:    log.WithField("adapter", "kryoflux"),
	}

	if _, err := k.controlIn(kfRequestStatus, 0); err != nil {
		k.Close()
		return nil, fmt.Errorf("board answers as bootloader, load the KryoFlux firmware first: %w", err)
	}
	if _, err := k.controlIn(kfRequestReset, 0); err != nil {
		k.Close()
		return nil, fmt.Errorf("reset request failed: %w", err)
	}
	if info, err := k.controlIn(kfRequestInfo, 1); err == nil {
		k.info = strings.TrimSpace(string(info))
	}

	if err := k.configure(); err != nil {
		k.Close()
		return nil, err
	}

	k.log.WithField("info", k.info).Info("KryoFlux connected")
	return k, nil
}

// controlIn performs a vendor control transfer and returns the text
// response.
func (k *KryoFlux) controlIn(request byte, index uint16) ([]byte, error) {
	buf := make([]byte, 512)
	n, err := k.dev.Control(kfControlRequestType, request, 0, index, buf)
	if err != nil {
		return nil, fmt.Errorf("control request 0x%02x failed: %w", request, err)
	}
	if n > len(buf) {
		n = len(buf)
	}
	return buf[:n], nil
}

// control issues a request and verifies the echoed argument.
func (k *KryoFlux) control(request byte, index uint16) error {
	resp, err := k.controlIn(request, index)
	if err != nil {
		return err
	}
	if !kfEchoOK(string(resp), index) {
		return fmt.Errorf("control request 0x%02x not acknowledged: %q", request, resp)
	}
	return nil
}

// kfEchoOK checks a control response ("track=5, ...") against the request
// argument. Responses without a numeric echo pass.
func kfEchoOK(resp string, index uint16) bool {
	eq := strings.IndexByte(resp, '=')
	if eq < 0 {
		return true
	}
	v := strings.TrimSpace(resp[eq+1:])
	end := 0
	for end < len(v) && v[end] >= '0' && v[end] <= '9' {
		end++
	}
	if end == 0 {
		return true
	}
	n, err := strconv.Atoi(v[:end])
	return err == nil && n == int(index&0xff)
}

func (k *KryoFlux) configure() error {
	if err := k.control(kfRequestDevice, 0); err != nil {
		return fmt.Errorf("failed to set device: %w", err)
	}
	if err := k.control(kfRequestDensity, 0); err != nil {
		return fmt.Errorf("failed to set density: %w", err)
	}
	if err := k.control(kfRequestMinTrack, 0); err != nil {
		return fmt.Errorf("failed to set min track: %w", err)
	}
	if err := k.control(kfRequestMaxTrack, kfMaxTrack); err != nil {
		return fmt.Errorf("failed to set max track: %w", err)
	}
	return nil
}

// ReadFlux positions the head, streams until one more index pulse than
// the requested revolutions has passed, then stops the stream and decodes
// what arrived.
func (k *KryoFlux) ReadFlux(ctx context.Context, req TrackRequest) (*flux.Recording, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	if !k.motorOn {
		if err := k.control(kfRequestMotor, 1); err != nil {
			return nil, fmt.Errorf("failed to turn motor on: %w", err)
		}
		k.motorOn = true
	}
	if err := k.control(kfRequestSide, uint16(req.Head)); err != nil {
		return nil, fmt.Errorf("failed to set side: %w", err)
	}
	if err := k.control(kfRequestTrack, uint16(req.Cylinder)); err != nil {
		return nil, fmt.Errorf("failed to set track: %w", err)
	}

	revs := req.Revolutions
	if revs <= 0 {
		revs = 1
	}
	data, err := k.captureStream(ctx, revs+1)
	if err != nil {
		return nil, err
	}

	k.log.WithFields(log.Fields{
		"cylinder": req.Cylinder,
		"head":     req.Head,
		"bytes":    len(data),
	}).Debug("captured flux stream")
	rec, err := decodeKryoFluxStream(data)
	if err != nil {
		return nil, fmt.Errorf("kryoflux stream: %w", err)
	}
	return rec, nil
}

// captureStream turns the stream on and accumulates it until enough index
// pulses have been seen, then turns it off and drains up to the EOF block.
func (k *KryoFlux) captureStream(ctx context.Context, wantIndexes int) ([]byte, error) {
	if err := k.control(kfRequestStream, kfStreamOnValue); err != nil {
		return nil, fmt.Errorf("failed to start stream: %w", err)
	}
	stopped := false
	defer func() {
		if !stopped {
			k.controlIn(kfRequestStream, 0)
		}
	}()

	var stream []byte
	buf := make([]byte, kfReadBufferSize)
	for {
		n, err := k.bulkIn.ReadContext(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read stream data: %w", err)
		}
		stream = append(stream, buf[:n]...)

		indexes, eof := kfScanStream(stream)
		if eof {
			break
		}
		if !stopped && indexes >= wantIndexes {
			if err := k.control(kfRequestStream, 0); err != nil {
				return nil, fmt.Errorf("failed to stop stream: %w", err)
			}
			stopped = true
		}
	}
	stopped = true
	return stream, nil
}

// kfScanStream walks the block structure, counting index OOB blocks and
// looking for the EOF block. A truncated tail block just ends the scan;
// the next chunk completes it.
func kfScanStream(data []byte) (indexes int, eof bool) {
	for i := 0; i < len(data); {
		b := data[i]
		switch {
		case b <= 0x07 || b == 0x09:
			i += 2
		case b == 0x08 || b == 0x0b:
			i++
		case b == 0x0a || b == 0x0c:
			i += 3
		case b == 0x0d:
			if i+2 > len(data) {
				return indexes, false
			}
			if data[i+1] == kfOOBEOF {
				return indexes, true
			}
			if i+4 > len(data) {
				return indexes, false
			}
			size := int(data[i+2]) | int(data[i+3])<<8
			if i+4+size > len(data) {
				return indexes, false
			}
			if data[i+1] == kfOOBIndex {
				indexes++
			}
			i += 4 + size
		default:
			i++
		}
	}
	return indexes, false
}

func (k *KryoFlux) Describe() string {
	if k.info != "" {
		return "kryoflux:" + k.info
	}
	return "kryoflux"
}

// Close stops the motor and releases the USB interface.
func (k *KryoFlux) Close() error {
	if k.motorOn {
		k.controlIn(kfRequestMotor, 0)
		k.motorOn = false
	}
	if k.intf != nil {
		k.intf.Close()
	}
	if k.cfg != nil {
		k.cfg.Close()
	}
	if k.dev != nil {
		k.dev.Close()
	}
	if k.ctx != nil {
		return k.ctx.Close()
	}
	return nil
}
