package codec

// CRC16-CCITT, polynomial 0x1021, as used by the disk controller families:
// shifted in MSB first, initialized to 0xffff. The clocked encodings fold
// their address-mark prefix into the seed, so a decode that starts after the
// mark still covers it.

var crc16Table [256]uint16

// Seeds with the mark prefix already folded in.
var (
	crcSeedMFMID   uint16 // a1 a1 a1 fe
	crcSeedMFMMark uint16 // a1 a1 a1, data tag folded per sector
)

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
	crcSeedMFMMark = crc16(0xffff, []byte{0xa1, 0xa1, 0xa1})
	crcSeedMFMID = crc16Byte(crcSeedMFMMark, 0xfe)
}

func crc16Byte(crc uint16, b byte) uint16 {
	return crc<<8 ^ crc16Table[byte(crc>>8)^b]
}

func crc16(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = crc16Byte(crc, b)
	}
	return crc
}
