package ata

import (
	"context"
	"time"

	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
)

// Internal command timeout classes.
const (
	timeoutIdentify = iota
	timeoutNativeMax
	timeoutFlush
	timeoutSetFeatures
	nrTimeoutClasses
)

func timeoutClass(cmd uint8) int {
	switch cmd {
	case transport.CmdIDATA, transport.CmdIDPacket:
		return timeoutIdentify
	case transport.CmdReadNativeMax, transport.CmdReadNativeMaxExt,
		transport.CmdSetMax, transport.CmdSetMaxExt:
		return timeoutNativeMax
	case transport.CmdFlush, transport.CmdFlushExt:
		return timeoutFlush
	case transport.CmdSetFeatures:
		return timeoutSetFeatures
	}
	return -1
}

func (t *InternalTimeouts) table(class int) []time.Duration {
	switch class {
	case timeoutIdentify:
		return t.Identify
	case timeoutNativeMax:
		return t.NativeMax
	case timeoutFlush:
		return t.Flush
	case timeoutSetFeatures:
		return t.SetFeatures
	}
	return nil
}

// internalTimeout returns the timeout for the next internal cmd to dev.
func (p *Port) internalTimeout(dev *Device, cmd uint8) time.Duration {
	class := timeoutClass(cmd)
	table := p.cfg.Internal.table(class)
	if len(table) == 0 {
		return p.cfg.Internal.Default
	}
	idx := p.hostLink().ehc.timeoutIdx[dev.index][class]
	if idx >= len(table) {
		idx = len(table) - 1
	}
	return table[idx]
}

// internalTimedOut moves dev to the next timeout for the class of cmd.
func (p *Port) internalTimedOut(dev *Device, cmd uint8) {
	class := timeoutClass(cmd)
	table := p.cfg.Internal.table(class)
	if class < 0 || len(table) == 0 {
		return
	}
	idx := &p.hostLink().ehc.timeoutIdx[dev.index][class]
	if *idx+1 < len(table) {
		*idx++
	}
}

// execInternal runs one command synchronously on the reserved slot and
// returns its result and error mask. It must be called by the EH worker.
// EH ownership is released while waiting. A zero timeout selects the
// timeout table of the command.
func (p *Port) execInternal(ctx context.Context, dev *Device, tf transport.Taskfile, cdb []byte, data []byte, timeout time.Duration) (transport.Taskfile, transport.ErrMask) {
	auto := timeout <= 0
	if auto {
		timeout = p.internalTimeout(dev, tf.Command)
	}

	p.mutex.Lock()
	s := p.slots[p.info.QueueDepth]
	if p.flags&portFrozen != 0 || s.state != qcFree {
		p.mutex.Unlock()
		return tf, transport.ErrSystem
	}
	l := dev.physLink()
	savedTag, savedSActive, savedActive := l.activeTag, l.sactive, p.qcActive
	l.activeTag, l.sactive, p.qcActive = transport.NoTag, 0, 0

	c := &Command{TF: tf, Data: data, inflight: true, done: make(chan struct{})}
	copy(c.CDB[:], cdb)
	s.gen++
	s.state = qcQueued
	s.flags = qcQuiet
	s.mask = 0
	s.result = transport.Taskfile{}
	s.dev = dev
	s.cmd = c
	gen := s.gen

	p.issue(s)
	timer := p.clk.AfterFunc(timeout, func() { p.internalExpired(s, gen, timeout) })
	p.unlock()

	p.release()
	select {
	case <-c.done:
	case <-ctx.Done():
		p.internalExpired(s, gen, timeout)
		<-c.done
	}
	timer.Stop()
	_ = p.acquire(ctx)

	p.mutex.Lock()
	l.activeTag, l.sactive, p.qcActive = savedTag, savedSActive, savedActive
	mask := c.mask
	res := c.result
	if c.aborted {
		if res.Status&(transport.StatusErr|transport.StatusDF) != 0 {
			mask |= transport.ErrDev
		}
		if mask == 0 {
			mask |= transport.ErrOther
		}
	}
	if mask&^transport.ErrOther != 0 {
		mask &^= transport.ErrOther
	}
	p.mutex.Unlock()

	if mask&transport.ErrTimeout != 0 && auto {
		p.internalTimedOut(dev, tf.Command)
	}
	return res, mask
}

func (p *Port) internalExpired(s *slot, gen uint32, timeout time.Duration) {
	p.mutex.Lock()
	defer p.unlock()
	if s.gen != gen || s.state != qcActive {
		return
	}
	pkg.LogWarn(pkg.ComponentCommand, "qc timeout",
		"dev", s.dev, "after", timeout, "cmd", transport.CommandName(s.wire.TF.Command))
	s.mask |= transport.ErrTimeout
	p.freezeLocked()
}

// Internal command builders

func (p *Port) execNoData(ctx context.Context, dev *Device, tf transport.Taskfile) (transport.Taskfile, transport.ErrMask) {
	tf.Protocol = transport.ProtoNoData
	tf.Flags |= transport.TFDevice
	return p.execInternal(ctx, dev, tf, nil, nil, 0)
}

// setXferMode programs the transfer mode of dev with SET FEATURES.
func (p *Port) setXferMode(ctx context.Context, dev *Device) transport.ErrMask {
	tf := transport.Taskfile{
		Command: transport.CmdSetFeatures,
		Feature: transport.SetFeaturesXfer,
		Count:   uint16(dev.xferMode),
	}
	_, mask := p.execNoData(ctx, dev, tf)
	return mask
}

// readLogPage reads one 512-byte page of a general purpose log.
func (p *Port) readLogPage(ctx context.Context, dev *Device, page uint8, buf []byte) transport.ErrMask {
	tf := transport.Taskfile{
		Protocol: transport.ProtoPIO,
		Flags:    transport.TFLBA48 | transport.TFDevice,
		Command:  transport.CmdReadLogExt,
		Count:    1,
		LBA:      uint64(page),
	}
	_, mask := p.execInternal(ctx, dev, tf, nil, buf, 0)
	return mask
}

// requestSense fetches sense data for a failed packet command.
func (p *Port) requestSense(ctx context.Context, dev *Device, sense []byte) transport.ErrMask {
	cdb := []byte{transport.ScsiRequestSense, 0, 0, 0, byte(len(sense)), 0}
	tf := transport.Taskfile{
		Protocol: transport.ProtoATAPIPIO,
		Flags:    transport.TFDevice,
		Command:  transport.CmdPacket,
	}
	_, mask := p.execInternal(ctx, dev, tf, cdb, sense, 0)
	return mask
}
