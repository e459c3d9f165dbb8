package transport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ardnew/softata/pkg"
	"github.com/ardnew/softata/xfer"
)

// =============================================================================
// Mock Transport
// =============================================================================

type mockTransport struct {
	softResets int
	hardResets int
	frozen     bool
}

var (
	_ Transport    = (*mockTransport)(nil)
	_ HardResetter = (*mockTransport)(nil)
	_ SCRAccessor  = (*mockTransport)(nil)
)

func (m *mockTransport) Info() HostInfo {
	return HostInfo{Ports: []PortInfo{{Flags: PortSATA, QueueDepth: 1, Devices: 1, XferMask: xfer.MaskAll}}}
}
func (m *mockTransport) Attach(int, Events) error { return nil }
func (m *mockTransport) Detach(int) {}
func (m *mockTransport) Issue(*Command) error { return nil }
func (m *mockTransport) ReadResult(*Command) Taskfile { return Taskfile{Status: StatusDRDY} }
func (m *mockTransport) Classify(DeviceRef) Class { return ClassATA }
func (m *mockTransport) Freeze(int) { m.frozen = true }
func (m *mockTransport) Thaw(int) { m.frozen = false }

func (m *mockTransport) SoftReset(context.Context, LinkRef, time.Time) (ResetResult, error) {
	m.softResets++
	return ResetResult{Online: true}, nil
}

func (m *mockTransport) HardReset(context.Context, LinkRef, time.Time) (ResetResult, error) {
	m.hardResets++
	return ResetResult{Online: true}, pkg.ErrRetry
}

func (m *mockTransport) SCRRead(LinkRef, SCR) (uint32, error) { return 0x123, nil }
func (m *mockTransport) SCRWrite(LinkRef, SCR, uint32) error { return nil }

// =============================================================================
// Ops Tests
// =============================================================================

func TestResolvePicksUpCapabilities(t *testing.T) {
	base := &mockTransport{}
	ops := Resolve(base)

	if !ops.HasHardReset() || !ops.HasSoftReset() || !ops.HasSCR() {
		t.Fatalf("Resolve() lost capabilities: hard=%v soft=%v scr=%v",
			ops.HasHardReset(), ops.HasSoftReset(), ops.HasSCR())
	}
	if _, err := ops.HardReset(context.Background(), LinkRef{}, time.Time{}); !errors.Is(err, pkg.ErrRetry) {
		t.Errorf("HardReset() error = %v, want ErrRetry", err)
	}
	if base.hardResets != 1 {
		t.Errorf("base hardResets = %d, want 1", base.hardResets)
	}
	if Resolve(ops) != ops {
		t.Error("Resolve(*Ops) did not return the same table")
	}
}

func TestComposeOverrides(t *testing.T) {
	base := &mockTransport{}
	var overridden bool
	ops := Compose(base).
		WithoutHardReset().
		WithoutSCR().
		WithSoftReset(func(context.Context, LinkRef, time.Time) (ResetResult, error) {
			overridden = true
			return ResetResult{Online: false}, nil
		}).
		Build()

	if ops.HasHardReset() {
		t.Error("HasHardReset() = true after WithoutHardReset")
	}
	if _, err := ops.HardReset(context.Background(), LinkRef{}, time.Time{}); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("HardReset() error = %v, want ErrNotSupported", err)
	}
	if _, err := ops.SCRRead(LinkRef{}, SCRStatus); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("SCRRead() error = %v, want ErrNotSupported", err)
	}
	if _, err := ops.SoftReset(context.Background(), LinkRef{}, time.Time{}); err != nil {
		t.Fatalf("SoftReset() error = %v", err)
	}
	if !overridden || base.softResets != 0 {
		t.Errorf("override not used: overridden=%v base=%d", overridden, base.softResets)
	}

	// Inherit from an already composed table.
	again := Compose(ops).WithHardReset(base.HardReset).Build()
	if !again.HasHardReset() {
		t.Error("HasHardReset() = false after WithHardReset")
	}
	if ops.HasHardReset() {
		t.Error("composing over ops mutated the original table")
	}

	ops.Freeze(0)
	if !base.frozen {
		t.Error("Freeze() not forwarded")
	}
	ops.Thaw(0)
	if base.frozen {
		t.Error("Thaw() not forwarded")
	}
}

// =============================================================================
// Register Decoding Tests
// =============================================================================

func TestErrMaskString(t *testing.T) {
	tests := []struct {
		mask ErrMask
		want string
	}{
		{0, "unknown error"},
		{ErrDev, "device error"},
		{ErrDev | ErrMedia, "media error"},
		{ErrTimeout | ErrDev, "timeout"},
		{ErrATABus | ErrTimeout, "ATA bus error"},
		{ErrHostBus | ErrATABus, "host bus error"},
		{ErrOther, "unknown error"},
		{ErrNoDevHint, "Polling detection error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.mask.String(); got != tt.want {
				t.Errorf("ErrMask(%#x).String() = %q, want %q", uint32(tt.mask), got, tt.want)
			}
		})
	}

	if got := (ErrDev | ErrOther).Names(); got != "dev|other" {
		t.Errorf("Names() = %q", got)
	}
}

func TestSErrorString(t *testing.T) {
	got := SErrorString(SErrCRC | SErrPHYRdyChg | SErrDataRecovered)
	for _, want := range []string{"RecovData", "PHYRdyChg", "BadCRC"} {
		if !strings.Contains(got, want) {
			t.Errorf("SErrorString() = %q, missing %q", got, want)
		}
	}
}

func TestSStatus(t *testing.T) {
	const sstatus = 0x123
	if !SStatusOnline(sstatus) {
		t.Error("SStatusOnline(0x123) = false")
	}
	if got := SStatusSPD(sstatus); got != 2 {
		t.Errorf("SStatusSPD() = %d, want 2", got)
	}
	if got := SpeedString(SStatusSPD(sstatus)); got != "3.0 Gbps" {
		t.Errorf("SpeedString() = %q", got)
	}
	if SStatusOnline(0x101) {
		t.Error("SStatusOnline(DET=1) = true")
	}
}

func TestStatusString(t *testing.T) {
	if got := StatusString(StatusDRDY | StatusErr); got != "{ DRDY ERR }" {
		t.Errorf("StatusString() = %q", got)
	}
	if got := ErrorString(ErrorUNC | ErrorABRT); got != "{ UNC ABRT }" {
		t.Errorf("ErrorString() = %q", got)
	}
}

func TestProtocol(t *testing.T) {
	if !ProtoNCQ.IsNCQ() || ProtoDMA.IsNCQ() {
		t.Error("IsNCQ() misclassified")
	}
	if !ProtoATAPIDMA.IsATAPI() || ProtoPIO.IsATAPI() {
		t.Error("IsATAPI() misclassified")
	}
	if ProtoNoData.IsData() || !ProtoPIO.IsData() {
		t.Error("IsData() misclassified")
	}
}
