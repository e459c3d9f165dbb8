package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/softata/clock"
	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/transport"
	"github.com/ardnew/softata/xfer"
)

// =============================================================================
// Event Recorder
// =============================================================================

type completion struct {
	tag  transport.Tag
	mask transport.ErrMask
}

type recorder struct {
	mu       sync.Mutex
	done     []completion
	reports  []transport.ErrorReport
	hotplugs []int
	ch       chan struct{}
}

var _ transport.Events = (*recorder)(nil)

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 64)}
}

func (r *recorder) Complete(tag transport.Tag, mask transport.ErrMask) {
	r.mu.Lock()
	r.done = append(r.done, completion{tag, mask})
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) CompleteMany(link int, active uint64) (int, error) { return 0, nil }

func (r *recorder) ReportError(link int, rep transport.ErrorReport) {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) Hotplug(link int) {
	r.mu.Lock()
	r.hotplugs = append(r.hotplugs, link)
	r.mu.Unlock()
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newSATA(t *testing.T, disks ...*Disk) (*Controller, *recorder) {
	t.Helper()
	c := New("sim", clock.NewVirtual(epoch), PortConfig{
		Flags: transport.PortSATA | transport.PortNCQ,
		Disks: disks,
	})
	r := newRecorder()
	if err := c.Attach(0, r); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	return c, r
}

func dev0() transport.DeviceRef {
	return transport.DeviceRef{LinkRef: transport.LinkRef{Port: 0, Link: 0}, Device: 0}
}

func identify(t *testing.T, c *Controller, r *recorder) []byte {
	t.Helper()
	cmd := &transport.Command{
		Dev:  dev0(),
		Tag:  32,
		TF:   transport.Taskfile{Protocol: transport.ProtoPIO, Command: transport.CmdIDATA},
		Data: make([]byte, 512),
	}
	if err := c.Issue(cmd); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	r.wait(t, 1)
	return cmd.Data
}

// =============================================================================
// Tests
// =============================================================================

func TestInfo(t *testing.T) {
	c := New("sim", nil,
		PortConfig{Flags: transport.PortSATA, Disks: []*Disk{NewDisk("A", "1", 1000)}},
		PortConfig{Flags: transport.PortSlaveLink, Disks: []*Disk{nil, NewPacketDevice("B", "2")}},
	)
	info := c.Info()
	if len(info.Ports) != 2 {
		t.Fatalf("Ports = %d, want 2", len(info.Ports))
	}
	if info.Ports[0].QueueDepth != DefaultQueueDepth {
		t.Errorf("QueueDepth = %d, want %d", info.Ports[0].QueueDepth, DefaultQueueDepth)
	}
	if info.Ports[1].Devices != 2 {
		t.Errorf("Devices = %d, want 2", info.Ports[1].Devices)
	}
	if err := c.Attach(5, newRecorder()); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Attach(5) error = %v, want ErrInvalidParameter", err)
	}
}

func TestIdentifyPage(t *testing.T) {
	c, r := newSATA(t, NewDisk("SIM DISK", "S123", 1<<30))
	data := identify(t, c, r)

	word := func(i int) uint16 { return binary.LittleEndian.Uint16(data[2*i:]) }
	if word(76)&(1<<8) == 0 {
		t.Error("NCQ capability bit not set")
	}
	if got := (word(75) & 0x1f) + 1; got != 32 {
		t.Errorf("queue depth = %d, want 32", got)
	}
	n := uint64(word(100)) | uint64(word(101))<<16 | uint64(word(102))<<32
	if n != 1<<30 {
		t.Errorf("LBA48 sectors = %d, want %d", n, uint64(1<<30))
	}
	if got := word(27); got != uint16('S')<<8|uint16('I') {
		t.Errorf("model word = %#04x", got)
	}
}

func TestIdentifyWrongClassAborts(t *testing.T) {
	c, r := newSATA(t, NewPacketDevice("CD", "C1"))
	identify(t, c, r)
	res := c.ReadResult(&transport.Command{Dev: dev0(), Tag: 32})
	if res.Status&transport.StatusErr == 0 || res.Error&transport.ErrorABRT == 0 {
		t.Errorf("result = %s, want ABRT", res.ResultString())
	}
}

func TestAbsentDeviceHint(t *testing.T) {
	c, r := newSATA(t, nil)
	identify(t, c, r)
	if r.done[0].mask&transport.ErrNoDevHint == 0 {
		t.Errorf("mask = %v, want NODEV hint", r.done[0].mask.Names())
	}
}

func TestNCQFaultAbortsQueue(t *testing.T) {
	c, r := newSATA(t, NewDisk("D", "1", 1<<20))
	c.AddFault(0, Fault{
		Match:  MatchTag(3),
		Status: transport.StatusDRDY | transport.StatusErr,
		Error:  transport.ErrorUNC,
	})
	c.Hold(0)
	for _, tag := range []transport.Tag{1, 3, 5} {
		cmd := &transport.Command{Dev: dev0(), Tag: tag, TF: transport.Taskfile{
			Protocol: transport.ProtoNCQ, Command: transport.CmdFPDMARead, LBA: uint64(tag) * 8,
		}}
		if err := c.Issue(cmd); err != nil {
			t.Fatalf("Issue(%d) error = %v", tag, err)
		}
	}
	act, _ := c.SCRRead(transport.LinkRef{}, transport.SCRActive)
	if act != 1<<1|1<<3|1<<5 {
		t.Errorf("SActive = %#x", act)
	}

	// Tag 1 completes before the failing tag 3; tag 5 is dropped by the
	// queue abort.
	c.Release(0)
	r.wait(t, 2)
	if len(r.done) != 1 || r.done[0].tag != 1 {
		t.Fatalf("completions = %+v, want only tag 1", r.done)
	}
	if len(r.reports) != 1 || r.reports[0].Mask != transport.ErrDev {
		t.Fatalf("reports = %+v", r.reports)
	}
	if c.InFlight(0) != 0 {
		t.Errorf("InFlight = %d, want 0", c.InFlight(0))
	}

	log := &transport.Command{Dev: dev0(), Tag: 32, Data: make([]byte, 512), TF: transport.Taskfile{
		Protocol: transport.ProtoPIO, Command: transport.CmdReadLogExt, LBA: transport.LogSATANCQ, Count: 1,
	}}
	if err := c.Issue(log); err != nil {
		t.Fatalf("Issue(log) error = %v", err)
	}
	r.wait(t, 1)
	if got := log.Data[0] & 0x1f; got != 3 {
		t.Errorf("log tag = %d, want 3", got)
	}
	if log.Data[3] != transport.ErrorUNC {
		t.Errorf("log error = %#x, want UNC", log.Data[3])
	}
	var sum byte
	for _, b := range log.Data {
		sum += b
	}
	if sum != 0 {
		t.Errorf("log checksum = %#x, want 0", sum)
	}
}

func TestFreezeDropsCompletions(t *testing.T) {
	c, r := newSATA(t, NewDisk("D", "1", 1<<20))
	c.Hold(0)
	cmd := &transport.Command{Dev: dev0(), Tag: 0, TF: transport.Taskfile{Protocol: transport.ProtoDMA, Command: transport.CmdReadDMAExt}}
	if err := c.Issue(cmd); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	c.Freeze(0)
	c.Release(0)
	if len(r.done) != 0 {
		t.Errorf("completions after freeze = %+v", r.done)
	}
	if err := c.Issue(cmd); !errors.Is(err, pkg.ErrFrozen) {
		t.Errorf("Issue() while frozen error = %v, want ErrFrozen", err)
	}
	c.Thaw(0)
	if f, th := c.FreezeCounts(0); f != 1 || th != 1 {
		t.Errorf("FreezeCounts = %d/%d, want 1/1", f, th)
	}
}

func TestHardResetSpeedLimit(t *testing.T) {
	c, _ := newSATA(t, NewDisk("D", "1", 1<<20))
	l := transport.LinkRef{}
	if spd := transport.SStatusSPD(c.SStatus(0, 0)); spd != 3 {
		t.Fatalf("initial SPD = %d, want 3", spd)
	}
	if err := c.SCRWrite(l, transport.SCRControl, 0x320); err != nil {
		t.Fatalf("SCRWrite() error = %v", err)
	}
	res, err := c.HardReset(context.Background(), l, epoch.Add(time.Second))
	if err != nil {
		t.Fatalf("HardReset() error = %v", err)
	}
	if !res.Online || len(res.Classes) != 1 || res.Classes[0] != transport.ClassATA {
		t.Errorf("result = %+v", res)
	}
	if spd := transport.SStatusSPD(c.SStatus(0, 0)); spd != 2 {
		t.Errorf("SPD after limit = %d, want 2", spd)
	}
	rs := c.Resets(0)
	if len(rs) != 1 || rs[0].Kind != ResetHard || rs[0].SControl != 0x320 {
		t.Errorf("resets = %+v", rs)
	}
}

func TestScriptedReset(t *testing.T) {
	c, _ := newSATA(t, NewDisk("D", "1", 1<<20))
	l := transport.LinkRef{}
	c.ScriptReset(0, 0,
		ResetScript{Kind: ResetHard, Result: transport.ResetResult{Online: true}, Err: pkg.ErrRetry},
		ResetScript{Kind: ResetHard, Err: pkg.ErrIO},
	)

	if _, err := c.HardReset(context.Background(), l, epoch); !errors.Is(err, pkg.ErrRetry) {
		t.Errorf("first HardReset() error = %v, want ErrRetry", err)
	}
	// A soft reset does not consume a hard reset script.
	if _, err := c.SoftReset(context.Background(), l, epoch); err != nil {
		t.Errorf("SoftReset() error = %v", err)
	}
	if _, err := c.HardReset(context.Background(), l, epoch); !errors.Is(err, pkg.ErrIO) {
		t.Errorf("second HardReset() error = %v, want ErrIO", err)
	}
	if _, err := c.HardReset(context.Background(), l, epoch); err != nil {
		t.Errorf("third HardReset() error = %v", err)
	}
}

func TestSErrorWriteClear(t *testing.T) {
	c, _ := newSATA(t, NewDisk("D", "1", 1<<20))
	l := transport.LinkRef{}
	c.LatchSError(0, 0, transport.SErrData|transport.SErrCRC)
	if err := c.SCRWrite(l, transport.SCRError, transport.SErrData); err != nil {
		t.Fatalf("SCRWrite() error = %v", err)
	}
	v, _ := c.SCRRead(l, transport.SCRError)
	if v != transport.SErrCRC {
		t.Errorf("SError = %#x, want %#x", v, transport.SErrCRC)
	}
}

func TestParallelPortHasNoSCR(t *testing.T) {
	c := New("pata", nil, PortConfig{Disks: []*Disk{NewDisk("D", "1", 100)}})
	if _, err := c.SCRRead(transport.LinkRef{}, transport.SCRStatus); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("SCRRead() error = %v, want ErrNotSupported", err)
	}
	if got := c.Classify(dev0()); got != transport.ClassATA {
		t.Errorf("Classify() = %v, want ata", got)
	}
	if got := c.CableDetect(0); got != transport.Cable80 {
		t.Errorf("CableDetect() = %v, want 80-wire", got)
	}
}

func TestSetFeaturesXfer(t *testing.T) {
	d := NewDisk("D", "1", 100)
	d.XferMask = xfer.Pack(0x1f, 0x07, 0x1f)
	c, r := newSATA(t, d)

	issue := func(md xfer.Mode) transport.Taskfile {
		cmd := &transport.Command{Dev: dev0(), Tag: 32, TF: transport.Taskfile{
			Protocol: transport.ProtoNoData, Command: transport.CmdSetFeatures,
			Feature: transport.SetFeaturesXfer, Count: uint16(md),
		}}
		if err := c.Issue(cmd); err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		r.wait(t, 1)
		return c.ReadResult(cmd)
	}

	if res := issue(xfer.UDMA4); res.Status&transport.StatusErr != 0 {
		t.Errorf("UDMA4 result = %s", res.ResultString())
	}
	if got := c.XferMode(0, 0); got != xfer.UDMA4 {
		t.Errorf("XferMode = %v, want UDMA/66", got)
	}
	if res := issue(xfer.UDMA6); res.Error&transport.ErrorABRT == 0 {
		t.Errorf("UDMA6 result = %s, want ABRT", res.ResultString())
	}
}

func TestHPA(t *testing.T) {
	d := NewDisk("D", "1", 1000)
	d.NativeSectors = 1200
	c, r := newSATA(t, d)

	native := &transport.Command{Dev: dev0(), Tag: 32, TF: transport.Taskfile{
		Protocol: transport.ProtoNoData, Command: transport.CmdReadNativeMaxExt, Flags: transport.TFLBA48,
	}}
	if err := c.Issue(native); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	r.wait(t, 1)
	if got := c.ReadResult(native).LBA; got != 1199 {
		t.Errorf("native max LBA = %d, want 1199", got)
	}

	set := &transport.Command{Dev: dev0(), Tag: 32, TF: transport.Taskfile{
		Protocol: transport.ProtoNoData, Command: transport.CmdSetMaxExt, Flags: transport.TFLBA48, LBA: 1199,
	}}
	if err := c.Issue(set); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	r.wait(t, 1)
	if got := c.Sectors(0, 0); got != 1200 {
		t.Errorf("Sectors = %d, want 1200", got)
	}
}

func TestHotplug(t *testing.T) {
	c, r := newSATA(t, NewDisk("D", "1", 100))
	c.Unplug(0, 0)
	if transport.SStatusOnline(c.SStatus(0, 0)) {
		t.Error("link online after unplug")
	}
	c.Plug(0, 0, NewDisk("E", "2", 200))
	if !transport.SStatusOnline(c.SStatus(0, 0)) {
		t.Error("link offline after plug")
	}
	if len(r.hotplugs) != 2 {
		t.Errorf("hotplug events = %d, want 2", len(r.hotplugs))
	}
	v, _ := c.SCRRead(transport.LinkRef{}, transport.SCRError)
	if v&transport.SErrPHYRdyChg == 0 {
		t.Errorf("SError = %#x, want PHYRdyChg", v)
	}
}
