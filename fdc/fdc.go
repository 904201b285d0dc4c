// Package fdc drives the decode and write pipeline through the command
// protocol of the NEC µPD765 floppy controller. Hosts assemble commands
// byte by byte, exchange sector data during the execution phase, and
// drain status bytes afterwards, the way a driver talks to the real
// chip; underneath, sectors come from flux decoding instead of drive
// electronics.
//
// Transfers follow the non-DMA model: the host reads and writes the
// data port itself and raises the terminal count when it is done. All
// methods are safe for concurrent use, which is what lets Reset cut a
// stuck media operation short from another goroutine.
package fdc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jfabienke/FluxRipper-sub001/metrics"
)

// ErrProtocol reports a host action that is illegal in the current
// phase. The offending input is discarded and the phase is unchanged.
var ErrProtocol = errors.New("fdc: protocol violation")

// ErrExecEnded reports that the controller terminated the execution
// phase on its own; the result bytes say why.
var ErrExecEnded = errors.New("fdc: execution phase ended")

// ErrReset reports that a reset cut the command short. There is no
// result phase to drain afterwards.
var ErrReset = errors.New("fdc: controller reset")

// Phase is where the controller stands in the command cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCommand
	PhaseExecution
	PhaseResult
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCommand:
		return "command"
	case PhaseExecution:
		return "execution"
	case PhaseResult:
		return "result"
	}
	return "unknown"
}

const unitCount = 4

// interruptStatus is one queued completion waiting for SENSE INTERRUPT.
// Seek completions block further seeks until drained; ready-line
// changes after a reset do not.
type interruptStatus struct {
	st0  byte
	pcn  byte
	seek bool
}

// Controller is the command state machine over up to four drives.
type Controller struct {
	// Timeout bounds one media operation during the execution phase.
	// Zero leaves the capture source's own limits in charge.
	Timeout time.Duration

	mu       sync.Mutex
	drives   [unitCount]*Drive
	pcn      [unitCount]byte
	phase    Phase
	cmd      *operation
	result   []byte
	pending  []interruptStatus
	nonDMA   bool
	resetSeq uint64
	cancel   context.CancelFunc
	log      *log.Entry
}

// New returns an idle controller with drv attached as unit 0. Further
// units go through Attach; a nil drv leaves every slot empty.
func New(drv *Drive) *Controller {
	c := &Controller{
		nonDMA: true,
		log:    log.WithField("fdc", uuid.NewString()[:8]),
	}
	c.drives[0] = drv
	return c
}

// Attach binds a drive to a unit slot.
func (c *Controller) Attach(unit int, drv *Drive) error {
	if unit < 0 || unit >= unitCount {
		return fmt.Errorf("fdc: unit %d out of range", unit)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drives[unit] = drv
	return nil
}

// Status composes the main status register.
func (c *Controller) Status() byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	var msr byte
	for _, in := range c.pending {
		if in.seek {
			msr |= 1 << (in.st0 & ST0UnitMask)
		}
	}
	if c.cmd != nil && c.cmd.cmd.kind == kindSeek && c.phase == PhaseExecution {
		msr |= 1 << byte(c.cmd.unit)
	}

	switch c.phase {
	case PhaseIdle:
		msr |= MSRRequest
	case PhaseCommand:
		msr |= MSRRequest | MSRBusy
	case PhaseExecution:
		msr |= MSRBusy
		if c.nonDMA {
			msr |= MSRNonDMA
		}
		// No request while a media step is in flight: the host waits
		// the way it would wait out a real seek or rotation.
		if c.cancel == nil {
			msr |= MSRRequest
			if c.cmd != nil && c.cmd.cmd.kind == kindRead {
				msr |= MSRDirection
			}
		}
	case PhaseResult:
		msr |= MSRRequest | MSRBusy | MSRDirection
	}
	return msr
}

// Reset aborts whatever is in flight, discards its partial state, and
// returns every unit to cylinder zero. Like the hardware after a reset
// pulse, each unit then has a ready-line change waiting to be sensed.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetSeq++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.cmd = nil
	c.result = nil
	c.phase = PhaseIdle
	c.pcn = [unitCount]byte{}
	c.nonDMA = true
	c.pending = c.pending[:0]
	for unit := 0; unit < unitCount; unit++ {
		c.pending = append(c.pending, interruptStatus{st0: ST0Ready | byte(unit)})
	}
	c.log.Info("controller reset")
}

// WriteCommand feeds one command-phase byte. The final parameter byte
// starts execution; for commands that move media the call returns when
// the data transfer is ready or the command has already settled.
func (c *Controller) WriteCommand(b byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case PhaseExecution:
		metrics.ProtocolError()
		return fmt.Errorf("fdc: command byte %#02x during execution: %w", b, ErrProtocol)
	case PhaseResult:
		metrics.ProtocolError()
		return fmt.Errorf("fdc: command byte %#02x before the result was drained: %w", b, ErrProtocol)
	case PhaseCommand:
		op := c.cmd
		op.params = append(op.params, b)
		if len(op.params) == op.cmd.params {
			c.execute()
		}
		return nil
	}

	cmd, ok := commands[b&opcodeMask]
	if !ok || b&^(cmd.flags|opcodeMask) != 0 {
		// Unknown opcode or a modifier bit the command does not
		// define: straight to a one-byte invalid result, no
		// execution.
		c.log.WithField("opcode", fmt.Sprintf("%#02x", b)).Warn("invalid opcode")
		metrics.Command("invalid", false)
		c.result = []byte{ST0Invalid}
		c.phase = PhaseResult
		return nil
	}
	if cmd.kind == kindSeek && c.seekPending() {
		metrics.ProtocolError()
		return fmt.Errorf("fdc: %s with an unread seek completion: %w", cmd.name, ErrProtocol)
	}

	c.cmd = &operation{
		cmd:         cmd,
		mt:          b&flagMT != 0,
		mf:          b&flagMF != 0,
		sk:          b&flagSK != 0,
		wantDeleted: cmd.deleted,
	}
	c.phase = PhaseCommand
	if cmd.params == 0 {
		c.execute()
	}
	return nil
}

// execute leaves the command phase. Control commands settle under the
// lock; media commands run detached so Reset can cut them short.
func (c *Controller) execute() {
	op := c.cmd
	if len(op.params) > 0 {
		op.unit = int(op.params[0] & ST0UnitMask)
		op.head = int(op.params[0] >> 2 & 1)
	}
	switch op.cmd.kind {
	case kindRead, kindWrite:
		op.c, op.h, op.r, op.n = op.params[1], op.params[2], op.params[3], op.params[4]
		op.eot, op.dtl = op.params[5], op.params[7]
	case kindFormat:
		op.fmtN, op.fmtSC, op.fmtFill = op.params[1], op.params[2], op.params[4]
		op.n = op.fmtN
	}
	op.log = c.log.WithFields(log.Fields{"cmd": op.cmd.name, "unit": op.unit})

	if op.cmd.now != nil {
		op.cmd.now(c, op)
		c.settle(op)
		return
	}

	op.drive = c.drives[op.unit]
	op.pcn = c.pcn[op.unit]
	c.phase = PhaseExecution
	if c.detach(op, op.cmd.step) {
		return
	}
	c.settle(op)
}

// settle applies an operation's outcome to the controller once its
// current step is over.
func (c *Controller) settle(op *operation) {
	switch {
	case op.seeked:
		st0 := ST0SeekEnd | op.ic | op.st0ex | byte(op.head)<<2 | byte(op.unit)
		c.pcn[op.unit] = op.pcn
		c.pending = append(c.pending, interruptStatus{st0: st0, pcn: op.pcn, seek: true})
		metrics.Command(op.cmd.name, op.ic == ST0Normal)
		op.log.WithFields(log.Fields{"pcn": op.pcn, "st0": fmt.Sprintf("%#02x", st0)}).Debug("seek settled")
		c.cmd = nil
		c.phase = PhaseIdle
	case op.quiet:
		c.cmd = nil
		c.phase = PhaseIdle
	case op.done:
		c.finishResult(op)
	default:
		// Transfer in progress; the host drains or feeds the data
		// port from here.
	}
}

// finishResult ends the command and stages its result bytes.
func (c *Controller) finishResult(op *operation) {
	switch {
	case op.invalid:
		c.result = []byte{ST0Invalid}
	case op.sense != nil:
		c.result = op.sense
	default:
		st0 := op.ic | op.st0ex | byte(op.head)<<2 | byte(op.unit)
		c.result = []byte{st0, op.st1, op.st2, op.c, op.h, op.r, op.n}
	}
	ok := !op.invalid && op.ic == ST0Normal
	metrics.Command(op.cmd.name, ok)
	op.log.WithFields(log.Fields{
		"st": fmt.Sprintf("% 02x", c.result),
		"ok": ok,
	}).Debug("command complete")
	c.cmd = nil
	c.phase = PhaseResult
}

// ReadData hands the host the next execution-phase byte of a read
// command. Crossing a sector boundary continues onto the next sector;
// when the controller terminates the run instead, ReadData returns
// ErrExecEnded and the result bytes are ready.
func (c *Controller) ReadData() (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := c.cmd
	if c.phase != PhaseExecution || op == nil || op.cmd.kind != kindRead || c.cancel != nil {
		metrics.ProtocolError()
		return 0, fmt.Errorf("fdc: data read outside a read transfer: %w", ErrProtocol)
	}
	if op.sectorDone {
		if err := c.continueTransfer(op); err != nil {
			return 0, err
		}
	}
	b := op.buf[op.off]
	op.off++
	if op.off == len(op.buf) {
		op.buf = nil
		op.off = 0
		op.sectorDone = true
	}
	return b, nil
}

// WriteData feeds one execution-phase byte of a write or format
// command. Filling a sector past its end continues onto the next
// sector like ReadData does.
func (c *Controller) WriteData(b byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := c.cmd
	if c.phase != PhaseExecution || op == nil || c.cancel != nil ||
		(op.cmd.kind != kindWrite && op.cmd.kind != kindFormat) {
		metrics.ProtocolError()
		return fmt.Errorf("fdc: data write outside a write transfer: %w", ErrProtocol)
	}
	if op.cmd.kind == kindFormat {
		return c.formatByte(op, b)
	}
	if op.sectorDone {
		if err := c.continueTransfer(op); err != nil {
			return err
		}
	}
	op.buf[op.off] = b
	op.off++
	if op.off == len(op.buf) {
		op.commit()
	}
	return nil
}

// formatByte collects the four address bytes the host supplies per
// sector. The last sector's last byte lays the track down.
func (c *Controller) formatByte(op *operation, b byte) error {
	op.fmtRaw[op.fmtOff] = b
	op.fmtOff++
	if op.fmtOff < len(op.fmtRaw) {
		return nil
	}
	op.fmtOff = 0
	op.pushFormatID()
	if len(op.fmtIDs) == int(op.fmtSC) {
		if c.detach(op, (*operation).flushFormatAndDone) {
			return ErrReset
		}
		c.finishResult(op)
	}
	return nil
}

// continueTransfer moves a transfer past a sector boundary, or ends the
// command when the current sector was flagged terminal or the run fell
// off the track.
func (c *Controller) continueTransfer(op *operation) error {
	if op.terminal || op.ic != ST0Normal {
		c.finishResult(op)
		return ErrExecEnded
	}
	if c.detach(op, op.cmd.more) {
		return ErrReset
	}
	if op.done {
		c.finishResult(op)
		return ErrExecEnded
	}
	return nil
}

// TerminalCount models the TC line: the host has moved all the data it
// wants. Outside the execution phase the line is not sampled. Write
// and format commands render their buffered sectors to flux here.
func (c *Controller) TerminalCount() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := c.cmd
	if c.phase != PhaseExecution || op == nil || c.cancel != nil {
		return nil
	}
	switch op.cmd.kind {
	case kindRead:
		if op.sectorDone && op.ic == ST0Normal && !op.terminal {
			op.advanceID()
		}
		c.finishResult(op)
	case kindWrite:
		if op.off > 0 {
			// A sector cut short is zero-filled to its full
			// length, as the hardware does.
			op.commit()
		}
		if c.detach(op, (*operation).flushAndDone) {
			return ErrReset
		}
		c.finishResult(op)
	case kindFormat:
		if c.detach(op, (*operation).flushFormatAndDone) {
			return ErrReset
		}
		c.finishResult(op)
	}
	return nil
}

// ReadResult hands the host the next result byte. Draining the last
// byte returns the controller to idle.
func (c *Controller) ReadResult() (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseResult || len(c.result) == 0 {
		metrics.ProtocolError()
		return 0, fmt.Errorf("fdc: result read in %s phase: %w", c.phase, ErrProtocol)
	}
	b := c.result[0]
	c.result = c.result[1:]
	if len(c.result) == 0 {
		c.result = nil
		c.phase = PhaseIdle
	}
	return b, nil
}

// detach releases the state lock around a media step so Status stays
// readable and Reset can cancel the step's context. It reports whether
// the controller was reset while the step ran; a dead operation's
// outcome must not touch controller state.
func (c *Controller) detach(op *operation, step func(*operation, context.Context)) bool {
	seq := c.resetSeq
	var ctx context.Context
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	c.cancel = cancel

	c.mu.Unlock()
	step(op, ctx)
	c.mu.Lock()

	cancel()
	if c.resetSeq != seq {
		return true
	}
	c.cancel = nil
	return false
}

func (c *Controller) seekPending() bool {
	for _, in := range c.pending {
		if in.seek {
			return true
		}
	}
	return false
}
