package capture

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial/enumerator"
)

// FileOpener opens a capture file source from a path.
type FileOpener func(path string) (Source, error)

// DeviceFactory opens a live adapter. Serial factories receive the port
// details that matched their VID/PID; USB-only factories receive nil and
// do their own bus enumeration.
type DeviceFactory func(port *enumerator.PortDetails) (Source, error)

type deviceInfo struct {
	vendorID  uint16
	productID uint16
	factory   DeviceFactory
}

var (
	fileFormats       = map[string]FileOpener{}
	dirFormat         FileOpener
	registeredDevices []deviceInfo
)

// RegisterFileFormat maps a filename suffix (".scp", ".scp.gz") to an opener.
func RegisterFileFormat(suffix string, open FileOpener) {
	fileFormats[strings.ToLower(suffix)] = open
}

// RegisterDirFormat sets the opener used when a source spec names a
// directory (a KryoFlux stream set).
func RegisterDirFormat(open FileOpener) {
	dirFormat = open
}

// RegisterDevice registers a serial adapter factory under its USB VID/PID.
func RegisterDevice(vendorID, productID uint16, factory DeviceFactory) {
	registeredDevices = append(registeredDevices, deviceInfo{
		vendorID:  vendorID,
		productID: productID,
		factory:   factory,
	})
}

// RegisterUSBDevice registers an adapter that talks raw USB rather than a
// serial port. A zero VID/PID marks these in the table.
func RegisterUSBDevice(factory DeviceFactory) {
	registeredDevices = append(registeredDevices, deviceInfo{factory: factory})
}

// OpenFile opens a capture file by suffix. The longest registered suffix
// wins, so ".scp.gz" takes precedence over a bare ".gz".
func OpenFile(path string) (Source, error) {
	name := strings.ToLower(path)
	best := ""
	for suffix := range fileFormats {
		if strings.HasSuffix(name, suffix) && len(suffix) > len(best) {
			best = suffix
		}
	}
	if best == "" {
		if st, err := os.Stat(path); err == nil && st.IsDir() && dirFormat != nil {
			return dirFormat(path)
		}
		return nil, fmt.Errorf("no capture reader for %q", path)
	}
	return fileFormats[best](path)
}

// Detect scans the serial ports for a registered adapter, then falls back
// to USB-only factories. The first adapter that initializes wins.
func Detect() (Source, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	for _, port := range ports {
		if !port.IsUSB {
			continue
		}
		vid, err := strconv.ParseUint(port.VID, 16, 16)
		if err != nil {
			continue
		}
		pid, err := strconv.ParseUint(port.PID, 16, 16)
		if err != nil {
			continue
		}
		for _, dev := range registeredDevices {
			if dev.vendorID == 0 && dev.productID == 0 {
				continue
			}
			if uint16(vid) != dev.vendorID || uint16(pid) != dev.productID {
				continue
			}
			src, err := dev.factory(port)
			if err != nil {
				log.WithFields(log.Fields{
					"port":  port.Name,
					"error": err,
				}).Warn("matching adapter failed to initialize")
				continue
			}
			return src, nil
		}
	}

	for _, dev := range registeredDevices {
		if dev.vendorID != 0 || dev.productID != 0 {
			continue
		}
		src, err := dev.factory(nil)
		if err == nil {
			return src, nil
		}
	}

	return nil, ErrNoDevice
}

// Open resolves a source spec. An empty spec autodetects hardware; anything
// else names a capture file (a KryoFlux stream set may use a %d pattern or
// a directory path).
func Open(spec string) (Source, error) {
	if spec == "" {
		return Detect()
	}
	return OpenFile(spec)
}
