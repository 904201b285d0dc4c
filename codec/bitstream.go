package codec

// ConfidenceMax is the confidence assigned to cells that were never
// degraded: synthetic streams and fully locked clock recovery.
const ConfidenceMax = 255

// Bitstream is a sequence of raw bit cells packed MSB-first, with an
// optional per-cell confidence sidecar produced by clock recovery. A nil
// sidecar means every cell is fully trusted.
type Bitstream struct {
	data []byte
	conf []uint8
	n    int
}

// NewBitstream returns an empty stream with room for capacityCells.
func NewBitstream(capacityCells int) *Bitstream {
	return &Bitstream{
		data: make([]byte, 0, (capacityCells+7)/8),
		conf: make([]uint8, 0, capacityCells),
	}
}

// BitstreamFromBytes wraps packed cell bytes without a confidence sidecar.
func BitstreamFromBytes(data []byte) *Bitstream {
	return &Bitstream{data: data, n: len(data) * 8}
}

// Len returns the number of cells.
func (b *Bitstream) Len() int {
	return b.n
}

// Append adds one cell with its confidence.
func (b *Bitstream) Append(cell int, confidence uint8) {
	byteIdx := b.n / 8
	bitIdx := 7 - (b.n % 8)
	for byteIdx >= len(b.data) {
		b.data = append(b.data, 0)
	}
	if cell != 0 {
		b.data[byteIdx] |= 1 << bitIdx
	}
	if b.conf != nil {
		b.conf = append(b.conf, confidence)
	}
	b.n++
}

// Cell returns cell i as 0 or 1.
func (b *Bitstream) Cell(i int) int {
	return int(b.data[i/8]>>(7-(i%8))) & 1
}

// Confidence returns the confidence of cell i.
func (b *Bitstream) Confidence(i int) uint8 {
	if b.conf == nil || i >= len(b.conf) {
		return ConfidenceMax
	}
	return b.conf[i]
}

// Bytes returns the packed cells. The final byte is zero-padded.
func (b *Bitstream) Bytes() []byte {
	return b.data
}

// Slice copies the cell range [from, to) into a new stream, confidence
// sidecar included.
func (b *Bitstream) Slice(from, to int) *Bitstream {
	if to > b.n {
		to = b.n
	}
	if from < 0 {
		from = 0
	}
	out := NewBitstream(to - from)
	for i := from; i < to; i++ {
		out.Append(b.Cell(i), b.Confidence(i))
	}
	return out
}

// Reader walks a Bitstream cell by cell and tracks the lowest confidence
// seen since the last reset, so decoded fields inherit the weakest cell
// that produced them.
type Reader struct {
	bits    *Bitstream
	pos     int
	minConf uint8
}

// NewReader returns a Reader at the start of the stream.
func NewReader(bits *Bitstream) *Reader {
	return &Reader{bits: bits, minConf: ConfidenceMax}
}

// ReadCell consumes one cell. Returns ErrEndOfBits past the end.
func (r *Reader) ReadCell() (int, error) {
	if r.pos >= r.bits.Len() {
		return 0, ErrEndOfBits
	}
	cell := r.bits.Cell(r.pos)
	if c := r.bits.Confidence(r.pos); c < r.minConf {
		r.minConf = c
	}
	r.pos++
	return cell, nil
}

// Pos returns the current cell position.
func (r *Reader) Pos() int {
	return r.pos
}

// SetPos rewinds or advances the reader.
func (r *Reader) SetPos(pos int) {
	r.pos = pos
}

// Remaining returns the number of unread cells.
func (r *Reader) Remaining() int {
	return r.bits.Len() - r.pos
}

// ResetConfidence starts a fresh minimum-confidence window, typically at a
// sync mark.
func (r *Reader) ResetConfidence() {
	r.minConf = ConfidenceMax
}

// Confidence returns the lowest cell confidence since the last reset.
func (r *Reader) Confidence() uint8 {
	return r.minConf
}

// readClockedBit consumes a clock/data cell pair and returns the data cell.
// The clock cell is not checked: damaged clocks degrade confidence upstream
// and corrupt checksums downstream, which is where they are caught.
func readClockedBit(r *Reader) (int, error) {
	if _, err := r.ReadCell(); err != nil {
		return 0, err
	}
	return r.ReadCell()
}

// readClockedByte reads 8 clocked bits, MSB first.
func readClockedByte(r *Reader) (int, error) {
	value := 0
	for i := 0; i < 8; i++ {
		bit, err := readClockedBit(r)
		if err != nil {
			return 0, err
		}
		value = (value << 1) | bit
	}
	return value, nil
}

// readRawByte reads 8 raw cells as a byte, MSB first. Used by the families
// whose symbols are transition patterns rather than clock/data pairs.
func readRawByte(r *Reader) (int, error) {
	value := 0
	for i := 0; i < 8; i++ {
		cell, err := r.ReadCell()
		if err != nil {
			return 0, err
		}
		value = (value << 1) | cell
	}
	return value, nil
}

// writeRawByte emits 8 raw cells, MSB first.
func writeRawByte(w *Writer, value byte) {
	for i := 7; i >= 0; i-- {
		w.WriteCell(int(value>>i) & 1)
	}
}

// Writer builds a Bitstream cell by cell. It carries the small amount of
// history the clocked encodings need: the last data bit for MFM clock
// generation and the last clock bit for M2FM.
type Writer struct {
	bits      *Bitstream
	maxCells  int
	lastData  int
	lastClock int
}

// NewWriter returns an empty Writer. maxCells > 0 caps the stream length;
// writes past the cap are dropped so track encoding cannot overrun a
// revolution.
func NewWriter(maxCells int) *Writer {
	return &Writer{
		bits:     &Bitstream{data: []byte{}},
		maxCells: maxCells,
	}
}

// WriteCell appends one raw cell.
func (w *Writer) WriteCell(value int) {
	if w.maxCells > 0 && w.bits.Len() >= w.maxCells {
		return
	}
	w.bits.Append(value, ConfidenceMax)
}

// CellCount returns the number of cells written.
func (w *Writer) CellCount() int {
	return w.bits.Len()
}

// Full reports whether the writer reached its cap.
func (w *Writer) Full() bool {
	return w.maxCells > 0 && w.bits.Len() >= w.maxCells
}

// Bits returns the accumulated stream.
func (w *Writer) Bits() *Bitstream {
	return w.bits
}
