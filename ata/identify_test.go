package ata

import (
	"testing"

	"github.com/ardnew/softata/transport"
	"github.com/ardnew/softata/xfer"
)

func putID(id *[256]uint16, start, words int, s string) {
	b := make([]byte, 2*words)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	for i := 0; i < words; i++ {
		id[start+i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
}

func TestIDHelpers(t *testing.T) {
	var id [256]uint16
	putID(&id, idModel, 20, "SOFTATA DISK")
	putID(&id, idSerial, 10, "SN123")
	id[idCapability] = 1<<9 | 1<<11
	id[idCmdSet1] = 1 << 10
	id[idCmdSet2] = 0x4000 | 1<<10
	id[idLBACap], id[idLBACap+1] = 0xffff, 0x0fff
	id[idLBACap48], id[idLBACap48+1], id[idLBACap48+2] = 0x0000, 0x0000, 0x0001
	id[idQueueDepth] = 31
	id[idSATACap] = 1<<8 | 1<<2
	id[idMajorVer] = 0x01f0

	if got := idString(&id, idModel, 20); got != "SOFTATA DISK" {
		t.Errorf("model = %q", got)
	}
	if got := idString(&id, idSerial, 10); got != "SN123" {
		t.Errorf("serial = %q", got)
	}
	checks := []struct {
		name string
		got  bool
	}{
		{"ata", idIsATA(&id)},
		{"lba", idHasLBA(&id)},
		{"lba48", idHasLBA48(&id)},
		{"hpa", idHasHPA(&id)},
		{"ncq", idHasNCQ(&id)},
		{"sata", idIsSATA(&id)},
		{"iordy", idHasIORDY(&id)},
	}
	for _, c := range checks {
		if !c.got {
			t.Errorf("%s not detected", c.name)
		}
	}
	if got := idSectors(&id); got != 1<<32 {
		t.Errorf("idSectors() = %d, want %d", got, uint64(1<<32))
	}
	if got := idQueueDepthOf(&id); got != 32 {
		t.Errorf("idQueueDepthOf() = %d, want 32", got)
	}
	if got := idMajorVersion(&id); got != 8 {
		t.Errorf("idMajorVersion() = %d, want 8", got)
	}

	id[idCmdSet2] = 0
	if got := idSectors(&id); got != 0x0fffffff {
		t.Errorf("idSectors() without LBA48 = %#x", got)
	}
	id[idConfig] = 1 << 15
	if idIsATA(&id) {
		t.Error("packet device reported as ATA")
	}
}

func TestIDXferMask(t *testing.T) {
	tests := []struct {
		name  string
		valid uint16
		pio   uint16
		mwdma uint16
		udma  uint16
		want  xfer.Mode
	}{
		{"pio0 only", 0, 0, 0, 0, xfer.PIO0},
		{"pio4", 1 << 1, 0x03, 0, 0, xfer.PIO4},
		{"mwdma2", 1 << 1, 0x03, 0x07, 0, xfer.MWDMA2},
		{"udma ignored without word 88 valid", 1 << 1, 0x03, 0x07, 0x3f, xfer.MWDMA2},
		{"udma5", 1<<1 | 1<<2, 0x03, 0x07, 0x3f, xfer.UDMA5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id [256]uint16
			id[idFieldValid] = tt.valid
			id[idPIO] = tt.pio
			id[idMWDMA] = tt.mwdma
			id[idUDMA] = tt.udma
			if got := idXferMask(&id).Highest(); got != tt.want {
				t.Errorf("highest mode = %s, want %s", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Configuration Policy
// =============================================================================

func TestQuirksApplied(t *testing.T) {
	tests := []struct {
		name    string
		horkage []string
		enabled bool
		ncq     bool
	}{
		{"none", nil, true, true},
		{"noncq", []string{"noncq"}, true, false},
		{"disable", []string{"disable"}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(nil)
			if tt.horkage != nil {
				cfg.Quirks = []Quirk{{Model: "SIMDISK*", Horkage: tt.horkage}}
			}
			h, _ := startSim(t, cfg, sataPort(simDisk()))
			d := h.Port(0).Device(0)
			if d.Enabled() != tt.enabled {
				t.Errorf("Enabled() = %v, want %v", d.Enabled(), tt.enabled)
			}
			if tt.enabled && d.NCQEnabled() != tt.ncq {
				t.Errorf("NCQEnabled() = %v, want %v", d.NCQEnabled(), tt.ncq)
			}
		})
	}
}

func TestForcedXferMode(t *testing.T) {
	cfg := testConfig(nil)
	cfg.Force = []Force{{ID: "0.00", XferMode: "udma4"}}
	h, ctrl := startSim(t, cfg, sataPort(simDisk()))
	d := h.Port(0).Device(0)
	if got := d.XferMode(); got != xfer.UDMA4 {
		t.Errorf("XferMode() = %s, want %s", got, xfer.UDMA4)
	}
	if got := ctrl.XferMode(0, 0); got != xfer.UDMA4 {
		t.Errorf("disk mode = %s, want %s", got, xfer.UDMA4)
	}
}

func TestForcedSpeedLimit(t *testing.T) {
	cfg := testConfig(nil)
	cfg.Force = []Force{{ID: "0", SpeedLimit: 1}}
	h, ctrl := startSim(t, cfg, sataPort(simDisk()))
	l := h.Port(0).Link(0)
	if got := l.SpeedLimit(); got != 1 {
		t.Errorf("SpeedLimit() = %d, want 1", got)
	}
	if got := transport.SStatusSPD(ctrl.SStatus(0, 0)); got != 1 {
		t.Errorf("negotiated speed = %d, want 1", got)
	}
}
