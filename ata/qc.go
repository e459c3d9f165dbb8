package ata

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/ardnew/softata/clock"
	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
)

// Command is a request submitted to a device. Fill in the request fields,
// or use one of the constructors, and hand it to Port.Submit. After
// completion the result accessors are valid and Done, if set, has been
// called exactly once.
type Command struct {
	TF   transport.Taskfile
	CDB  [16]byte
	Data []byte

	// Timeout overrides Config.CommandTimeout.
	Timeout time.Duration
	// Quiet suppresses the failure report of the command.
	Quiet bool
	// Done runs after completion, outside any port lock.
	Done func(*Command)

	rw *rwRequest

	inflight bool
	retries  int
	mask     transport.ErrMask
	aborted  bool
	result   transport.Taskfile
	sense    []byte
	err      error
	done     chan struct{}
}

type rwRequest struct {
	lba   uint64
	count uint32
	write bool
}

// NewRead returns a read of count sectors at lba into buf. The command
// protocol and opcode are chosen from the device configuration when the
// command is issued.
func NewRead(lba uint64, count uint32, buf []byte) *Command {
	return &Command{rw: &rwRequest{lba: lba, count: count}, Data: buf}
}

// NewWrite returns a write of count sectors at lba from buf.
func NewWrite(lba uint64, count uint32, buf []byte) *Command {
	return &Command{rw: &rwRequest{lba: lba, count: count, write: true}, Data: buf}
}

// NewCommand returns a command carrying tf as is.
func NewCommand(tf transport.Taskfile, data []byte) *Command {
	return &Command{TF: tf, Data: data}
}

// NewPacket returns a packet command. dma selects the DMA data phase;
// it is ignored when there is no data.
func NewPacket(cdb []byte, data []byte, dma bool) *Command {
	c := &Command{Data: data}
	copy(c.CDB[:], cdb)
	c.TF.Command = transport.CmdPacket
	switch {
	case len(data) == 0:
		c.TF.Protocol = transport.ProtoATAPINoData
	case dma:
		c.TF.Protocol = transport.ProtoATAPIDMA
		c.TF.Feature = 1
	default:
		c.TF.Protocol = transport.ProtoATAPIPIO
	}
	return c
}

// Result returns the final taskfile of a completed command.
func (c *Command) Result() transport.Taskfile { return c.result }

// Err returns the completion error of the command, a *CommandError when
// the device or transport reported a failure.
func (c *Command) Err() error { return c.err }

// Sense returns the sense data fetched for a failed packet command.
func (c *Command) Sense() []byte { return c.sense }

// Retries returns the number of times error handling re-issued the
// command.
func (c *Command) Retries() int { return c.retries }

// Wait blocks until the command completes or ctx is done.
func (c *Command) Wait(ctx context.Context) error {
	if c.done == nil {
		return pkg.ErrInvalidParameter
	}
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Command) finish() {
	close(c.done)
	if c.Done != nil {
		c.Done(c)
	}
}

// CommandError is the terminal failure of a command.
type CommandError struct {
	Mask   transport.ErrMask
	Result transport.Taskfile
	cause  error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed (%s): %s", e.Mask.Names(), e.Result.ResultString())
}

func (e *CommandError) Unwrap() error {
	switch {
	case e.cause != nil:
		return e.cause
	case e.Mask&transport.ErrTimeout != 0:
		return pkg.ErrTimeout
	default:
		return pkg.ErrIO
	}
}

// Handle names one submission. It goes stale when the slot is recycled.
type Handle struct {
	tag transport.Tag
	gen uint32
}

// Tag returns the slot tag of the submission.
func (h Handle) Tag() transport.Tag { return h.tag }

type qcState uint8

const (
	qcFree qcState = iota
	qcQueued
	qcActive
	// qcFailed slots are owned by error handling until it finishes them.
	qcFailed
)

type qcFlag uint32

const (
	qcQuiet qcFlag = 1 << iota
	qcRetry
	qcSenseValid
	qcIO
	qcAborted
)

// slot is one entry of the command slot table.
type slot struct {
	tag      transport.Tag
	gen      uint32
	state    qcState
	internal bool
	flags    qcFlag

	dev  *Device
	cmd  *Command
	wire transport.Command

	mask   transport.ErrMask
	result transport.Taskfile
	sense  [18]byte
	timer  clock.Timer
}

func (s *slot) bit() uint64 { return 1 << uint(s.tag) }

func (s *slot) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// statusErrMask derives the error mask implied by a status register.
func statusErrMask(st uint8) transport.ErrMask {
	switch {
	case st&(transport.StatusBusy|transport.StatusDRQ) != 0:
		return transport.ErrHSM
	case st&(transport.StatusErr|transport.StatusDF) != 0:
		return transport.ErrDev
	}
	return 0
}

// Submit queues cmd for dev. The command is dispatched once no error
// handling is pending and the link can take it. It fails with ErrFrozen
// while the port is frozen and with ErrBusy when every slot is taken.
func (p *Port) Submit(dev *Device, cmd *Command) (Handle, error) {
	if dev == nil || cmd == nil || dev.port != p {
		return Handle{}, pkg.ErrInvalidParameter
	}
	p.mutex.Lock()
	defer p.unlock()

	switch {
	case p.flags&portUnloading != 0:
		return Handle{}, pkg.ErrUnloading
	case !dev.enabled():
		return Handle{}, pkg.ErrNoDevice
	case cmd.inflight:
		return Handle{}, pkg.ErrInvalidParameter
	case cmd.rw != nil && dev.class != transport.ClassATA:
		return Handle{}, pkg.ErrInvalid
	case cmd.rw != nil && !dev.rwOK(cmd.rw):
		return Handle{}, pkg.ErrInvalid
	}
	s, err := p.allocate()
	if err != nil {
		return Handle{}, err
	}
	s.dev = dev
	s.cmd = cmd
	if cmd.Quiet {
		s.flags |= qcQuiet
	}
	cmd.inflight = true
	cmd.retries = 0
	cmd.err = nil
	cmd.sense = nil
	cmd.done = make(chan struct{})

	p.pending = append(p.pending, s)
	p.dispatch()
	return Handle{tag: s.tag, gen: s.gen}, nil
}

// Exec submits cmd and waits for it, riding out frozen periods.
func (p *Port) Exec(ctx context.Context, dev *Device, cmd *Command) error {
	for {
		_, err := p.Submit(dev, cmd)
		if errors.Is(err, pkg.ErrFrozen) {
			p.mutex.Lock()
			idle := p.flags&(portEHPending|portEHRunning) == 0
			p.mutex.Unlock()
			if idle {
				return err
			}
			if err := p.WaitEH(ctx); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		return cmd.Wait(ctx)
	}
}

// Lookup returns the command behind h.
func (p *Port) Lookup(h Handle) (*Command, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if h.tag < 0 || int(h.tag) >= p.info.QueueDepth {
		return nil, pkg.ErrInvalidParameter
	}
	s := p.slots[h.tag]
	if s.gen != h.gen || s.state == qcFree {
		return nil, pkg.ErrStaleHandle
	}
	return s.cmd, nil
}

// allocate takes a free ordinary slot. The search starts after the last
// allocated tag so recently freed tags are reused last.
func (p *Port) allocate() (*slot, error) {
	if p.flags&portFrozen != 0 {
		return nil, pkg.ErrFrozen
	}
	depth := p.info.QueueDepth
	for i := 1; i <= depth; i++ {
		tag := (p.lastTag + i) % depth
		s := p.slots[tag]
		if s.state != qcFree {
			continue
		}
		p.lastTag = tag
		s.gen++
		s.state = qcQueued
		s.flags = 0
		s.mask = 0
		s.result = transport.Taskfile{}
		return s, nil
	}
	return nil, pkg.ErrBusy
}

// free returns a slot to the table.
func (p *Port) free(s *slot) {
	s.stopTimer()
	s.state = qcFree
	s.dev = nil
	s.cmd = nil
}

// ncq reports whether s will be issued as a queued command.
func (s *slot) ncq() bool {
	if s.cmd.rw != nil && !s.internal {
		return s.dev.ncqEnabled()
	}
	return s.cmd.TF.Protocol.IsNCQ()
}

func (p *Port) canIssue(s *slot) bool {
	l := s.dev.physLink()
	if l.activeTag != transport.NoTag {
		return false
	}
	if s.ncq() {
		return bits.OnesCount64(l.sactive) < s.dev.queueDepth
	}
	return l.sactive == 0
}

// dispatch issues queued commands in order. A command the link cannot
// take yet blocks everything behind it.
func (p *Port) dispatch() {
	for len(p.pending) > 0 {
		if p.flags&(portEHPending|portEHRunning|portFrozen|portUnloading) != 0 {
			return
		}
		s := p.pending[0]
		if !s.dev.enabled() {
			p.pending = p.pending[1:]
			s.mask |= transport.ErrOther
			p.finishCmd(s, pkg.ErrDisabled)
			continue
		}
		if !p.canIssue(s) {
			return
		}
		p.pending = p.pending[1:]
		p.issue(s)
	}
}

// issue hands s to the transport. The caller holds the port lock.
func (p *Port) issue(s *slot) {
	dev := s.dev
	l := dev.physLink()
	c := s.cmd

	s.wire = transport.Command{Dev: dev.Ref(), Tag: s.tag, CDB: c.CDB, Data: c.Data}
	if c.rw != nil && !s.internal {
		s.wire.TF = dev.buildRW(c.rw, s.tag)
	} else {
		s.wire.TF = c.TF
	}
	proto := s.wire.TF.Protocol
	if proto.IsData() && !proto.IsATAPI() {
		s.flags |= qcIO
	}

	if proto.IsNCQ() {
		l.sactive |= s.bit()
	} else {
		l.activeTag = s.tag
	}
	s.state = qcActive
	p.qcActive |= s.bit()

	if dev.flags&devSleeping != 0 {
		l.eh.Action |= ActionReset
		l.eh.Push("waking up from sleep")
		p.abortLocked(l)
		return
	}

	if !s.internal {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = p.cfg.CommandTimeout
		}
		gen := s.gen
		s.timer = p.clk.AfterFunc(timeout, func() { p.timedOut(s, gen) })
	}

	pkg.LogDebug(pkg.ComponentCommand, "issue",
		"dev", dev, "tag", s.tag, "cmd", transport.CommandName(s.wire.TF.Command), "proto", proto)
	if err := p.ops.Issue(&s.wire); err != nil {
		pkg.LogWarn(pkg.ComponentCommand, "issue failed", "dev", dev, "tag", s.tag, "error", err)
		s.mask |= transport.ErrSystem
		p.completeQC(s)
	}
}

// completeQC is the completion path of an active slot. Failed ordinary
// commands are handed to error handling; everything else finishes here.
func (p *Port) completeQC(s *slot) {
	if s.state != qcActive {
		return
	}
	s.stopTimer()
	s.result = p.ops.ReadResult(&s.wire)
	s.mask |= statusErrMask(s.result.Status)

	if s.internal {
		p.finishCmd(s, nil)
		return
	}
	if s.mask != 0 {
		p.failLocked(s)
		return
	}
	p.postComplete(s)
	p.finishCmd(s, nil)
}

// failLocked gives an active slot to error handling. Commands still in
// flight get the fast drain interval to finish.
func (p *Port) failLocked(s *slot) {
	s.stopTimer()
	s.state = qcFailed
	p.setEHPending(true)
	p.kick()
}

// postComplete applies the side effects of a successful command.
func (p *Port) postComplete(s *slot) {
	dev := s.dev
	tf := s.wire.TF
	revalidate := false
	switch tf.Command {
	case transport.CmdSetFeatures:
		switch tf.Feature {
		case transport.SetFeaturesWCOn, transport.SetFeaturesWCOff,
			transport.SetFeaturesRAOn, transport.SetFeaturesRAOff:
			revalidate = true
		}
	case transport.CmdInitDevParams, transport.CmdSetMulti:
		revalidate = true
	case transport.CmdSleep:
		dev.flags |= devSleeping
	}
	if revalidate {
		dev.physLink().eh.DevAction[dev.index] |= ActionRevalidate
		p.scheduleEHLocked()
	}

	if tf.Protocol.IsData() {
		pio := tf.Protocol == transport.ProtoPIO || tf.Protocol == transport.ProtoATAPIPIO
		if !(pio && dev.xferMask.HasDMA()) {
			dev.flags &^= devDubious
		}
	}
}

// finishCmd releases the slot of s and records the outcome in its
// command. cause qualifies a failure; it may be nil.
func (p *Port) finishCmd(s *slot, cause error) {
	if s.state == qcActive || s.state == qcFailed {
		l := s.dev.physLink()
		if s.wire.TF.Protocol.IsNCQ() {
			l.sactive &^= s.bit()
		} else if l.activeTag == s.tag {
			l.activeTag = transport.NoTag
		}
		p.qcActive &^= s.bit()
	}
	c := s.cmd
	c.mask = s.mask
	c.aborted = s.flags&qcAborted != 0
	c.result = s.result
	if s.flags&qcSenseValid != 0 {
		c.sense = append([]byte(nil), s.sense[:]...)
	}
	if s.mask != 0 || cause != nil {
		c.err = &CommandError{Mask: s.mask, Result: s.result, cause: cause}
		if !s.internal {
			p.host.metrics.commandFailed(s.mask)
		}
	}
	c.inflight = false
	p.done = append(p.done, c)
	p.free(s)
}

// requeue puts a failed slot back at the head of the queue.
func (p *Port) requeue(s *slot) {
	l := s.dev.physLink()
	if s.wire.TF.Protocol.IsNCQ() {
		l.sactive &^= s.bit()
	} else if l.activeTag == s.tag {
		l.activeTag = transport.NoTag
	}
	p.qcActive &^= s.bit()
	s.state = qcQueued
	s.flags &= qcQuiet
	s.mask = 0
	s.result = transport.Taskfile{}
	s.cmd.retries++
	p.pending = append([]*slot{s}, p.pending...)
}

// timedOut fails a command whose timer expired and freezes the port.
func (p *Port) timedOut(s *slot, gen uint32) {
	p.mutex.Lock()
	defer p.unlock()
	if s.gen != gen || s.state != qcActive {
		return
	}
	s.timer = nil
	pkg.LogWarn(pkg.ComponentCommand, "command timeout",
		"dev", s.dev, "tag", s.tag, "cmd", transport.CommandName(s.wire.TF.Command))
	s.mask |= transport.ErrTimeout
	s.state = qcFailed
	p.freezeLocked()
}

// nrInFlight counts ordinary commands still running on the hardware.
func (p *Port) nrInFlight() int {
	n := 0
	for _, s := range p.slots[:p.info.QueueDepth] {
		if s.state == qcActive {
			n++
		}
	}
	return n
}

// buildRW chooses the protocol and opcode of a read or write.
func (d *Device) buildRW(r *rwRequest, tag transport.Tag) transport.Taskfile {
	tf := transport.Taskfile{LBA: r.lba, Device: 0x40}
	if r.write {
		tf.Flags |= transport.TFWrite
	}
	lba48 := !lba28OK(r.lba, r.count)
	if lba48 {
		tf.Flags |= transport.TFLBA48
	}

	if d.ncqEnabled() {
		tf.Protocol = transport.ProtoNCQ
		tf.Command = transport.CmdFPDMARead
		if r.write {
			tf.Command = transport.CmdFPDMAWrite
		}
		tf.Count = uint16(tag) << 3
		tf.Feature = uint16(r.count)
		tf.Flags |= transport.TFLBA48
		return tf
	}

	tf.Count = uint16(r.count)
	if d.xferMode.IsDMA() {
		tf.Protocol = transport.ProtoDMA
		switch {
		case lba48 && r.write:
			tf.Command = transport.CmdWriteDMAExt
		case lba48:
			tf.Command = transport.CmdReadDMAExt
		case r.write:
			tf.Command = transport.CmdWriteDMA
		default:
			tf.Command = transport.CmdReadDMA
		}
		return tf
	}
	tf.Protocol = transport.ProtoPIO
	switch {
	case lba48 && r.write:
		tf.Command = transport.CmdWriteExt
	case lba48:
		tf.Command = transport.CmdReadExt
	case r.write && d.multiCount > 0:
		tf.Command = transport.CmdWriteMulti
	case r.write:
		tf.Command = transport.CmdWrite
	case d.multiCount > 0:
		tf.Command = transport.CmdReadMulti
	default:
		tf.Command = transport.CmdRead
	}
	return tf
}

func lba28OK(lba uint64, count uint32) bool {
	return lba+uint64(count) < 1<<28 && count <= 256
}

// rwOK reports whether the device can address the request.
func (d *Device) rwOK(r *rwRequest) bool {
	if r.count == 0 || r.count > 65536 {
		return false
	}
	if d.flags&devLBA48 == 0 && !lba28OK(r.lba, r.count) {
		return false
	}
	return r.lba+uint64(r.count) <= d.sectors
}
