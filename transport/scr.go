package transport

import "strings"

// SCR is a serial link status/control register.
type SCR int

// Serial link registers.
const (
	SCRStatus SCR = iota
	SCRError
	SCRControl
	SCRActive
	SCRNotification
)

func (r SCR) String() string {
	switch r {
	case SCRStatus:
		return "SStatus"
	case SCRError:
		return "SError"
	case SCRControl:
		return "SControl"
	case SCRActive:
		return "SActive"
	case SCRNotification:
		return "SNotification"
	default:
		return "SCR?"
	}
}

// SError bits.
const (
	SErrDataRecovered uint32 = 1 << 0
	SErrCommRecovered uint32 = 1 << 1
	SErrData          uint32 = 1 << 8
	SErrPersistent    uint32 = 1 << 9
	SErrProtocol      uint32 = 1 << 10
	SErrInternal      uint32 = 1 << 11
	SErrPHYRdyChg     uint32 = 1 << 16
	SErrPHYInt        uint32 = 1 << 17
	SErrCommWake      uint32 = 1 << 18
	SErr10B8B         uint32 = 1 << 19
	SErrDisparity     uint32 = 1 << 20
	SErrCRC           uint32 = 1 << 21
	SErrHandshake     uint32 = 1 << 22
	SErrLinkSeq       uint32 = 1 << 23
	SErrTransSt       uint32 = 1 << 24
	SErrUnrecogFIS    uint32 = 1 << 25
	SErrDevXchg       uint32 = 1 << 26
)

var serrorNames = []struct {
	bit  uint32
	name string
}{
	{SErrDataRecovered, "RecovData"},
	{SErrCommRecovered, "RecovComm"},
	{SErrData, "UnrecovData"},
	{SErrPersistent, "Persist"},
	{SErrProtocol, "Proto"},
	{SErrInternal, "HostInt"},
	{SErrPHYRdyChg, "PHYRdyChg"},
	{SErrPHYInt, "PHYInt"},
	{SErrCommWake, "CommWake"},
	{SErr10B8B, "10B8B"},
	{SErrDisparity, "Dispar"},
	{SErrCRC, "BadCRC"},
	{SErrHandshake, "Handshk"},
	{SErrLinkSeq, "LinkSeq"},
	{SErrTransSt, "TrStaTrns"},
	{SErrUnrecogFIS, "UnrecFIS"},
	{SErrDevXchg, "DevExch"},
}

// SErrorString names the bits set in serror.
func SErrorString(serror uint32) string {
	var parts []string
	for _, n := range serrorNames {
		if serror&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return "{ " + strings.Join(parts, " ") + " }"
}

// SStatus fields.

// SStatusDET returns the device detection field.
func SStatusDET(sstatus uint32) uint32 { return sstatus & 0xf }

// SStatusSPD returns the negotiated speed field: 0 none, 1 1.5 Gbps,
// 2 3.0 Gbps, 3 6.0 Gbps.
func SStatusSPD(sstatus uint32) uint32 { return (sstatus >> 4) & 0xf }

// SStatusOnline reports whether a device is present with communication
// established.
func SStatusOnline(sstatus uint32) bool { return SStatusDET(sstatus) == 3 }

// SpeedString names a link speed generation.
func SpeedString(spd uint32) string {
	switch spd {
	case 1:
		return "1.5 Gbps"
	case 2:
		return "3.0 Gbps"
	case 3:
		return "6.0 Gbps"
	default:
		return "<unknown>"
	}
}
