package fdc

// Main status register bits, the byte hosts poll between transfers.
// Bits 0-3 report a seek in flight per drive unit; a unit's bit stays
// up until its completion is drained by SENSE INTERRUPT.
const (
	MSRRequest   = 0x80 // ready to exchange a byte with the host
	MSRDirection = 0x40 // set: the next byte flows controller to host
	MSRNonDMA    = 0x20 // execution phase runs through the data port
	MSRBusy      = 0x10 // a command is being assembled or executed
)

// Status register 0: how the command ended.
const (
	ST0Normal    = 0x00 // interrupt code 00, normal termination
	ST0Abnormal  = 0x40 // interrupt code 01, started but failed
	ST0Invalid   = 0x80 // interrupt code 10, command never started
	ST0Ready     = 0xC0 // interrupt code 11, ready line changed
	ST0SeekEnd   = 0x20
	ST0EquipFail = 0x10
	ST0NotReady  = 0x08
	ST0Head      = 0x04
	ST0UnitMask  = 0x03
)

// Status register 1: what went wrong on the surface.
const (
	ST1EndOfCyl    = 0x80 // ran past the final sector with no terminal count
	ST1DataError   = 0x20 // a checksum failed
	ST1Overrun     = 0x10 // the capture buffer dropped flux under the sector
	ST1NoData      = 0x04 // the addressed sector never came around
	ST1NotWritable = 0x02
	ST1MissingAM   = 0x01 // no address mark: unformatted or wrong density
)

// Status register 2: address and data field detail for ST1.
const (
	ST2ControlMark   = 0x40 // the mark kind was not the one addressed
	ST2DataErrorData = 0x20 // the failed checksum was the data field's
	ST2WrongCyl      = 0x10 // id cylinder disagrees with the command
	ST2BadCyl        = 0x02 // id cylinder reads 0xFF, a bad-track marker
	ST2MissingAMData = 0x01 // id found but its data field never did
)

// Status register 3: drive state for SENSE DRIVE STATUS.
const (
	ST3WriteProtect = 0x40
	ST3Ready        = 0x20
	ST3Track0       = 0x10
	ST3TwoSide      = 0x08
	ST3Head         = 0x04
	ST3UnitMask     = 0x03
)

// Command byte layout: the low five bits select the command, the high
// three modify it where the command defines them.
const (
	flagMT     = 0x80 // multi-track: continue onto the second head
	flagMF     = 0x40 // double density; clear restricts to FM marks
	flagSK     = 0x20 // skip sectors of the other mark kind
	opcodeMask = 0x1F
)
