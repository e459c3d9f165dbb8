package transport

// Command opcodes used by the core.
const (
	CmdNOP              uint8 = 0x00
	CmdDevReset         uint8 = 0x08
	CmdRead             uint8 = 0x20
	CmdReadExt          uint8 = 0x24
	CmdReadDMAExt       uint8 = 0x25
	CmdReadNativeMaxExt uint8 = 0x27
	CmdReadLogExt       uint8 = 0x2f
	CmdWrite            uint8 = 0x30
	CmdWriteExt         uint8 = 0x34
	CmdWriteDMAExt      uint8 = 0x35
	CmdSetMaxExt        uint8 = 0x37
	CmdVerify           uint8 = 0x40
	CmdFPDMARead        uint8 = 0x60
	CmdFPDMAWrite       uint8 = 0x61
	CmdInitDevParams    uint8 = 0x91
	CmdPacket           uint8 = 0xa0
	CmdIDPacket         uint8 = 0xa1
	CmdReadMulti        uint8 = 0xc4
	CmdWriteMulti       uint8 = 0xc5
	CmdSetMulti         uint8 = 0xc6
	CmdReadDMA          uint8 = 0xc8
	CmdWriteDMA         uint8 = 0xca
	CmdStandbyNow       uint8 = 0xe0
	CmdIdleImmediate    uint8 = 0xe1
	CmdCheckPower       uint8 = 0xe5
	CmdSleep            uint8 = 0xe6
	CmdFlush            uint8 = 0xe7
	CmdFlushExt         uint8 = 0xea
	CmdIDATA            uint8 = 0xec
	CmdSetFeatures      uint8 = 0xef
	CmdReadNativeMax    uint8 = 0xf8
	CmdSetMax           uint8 = 0xf9
)

// SET FEATURES subcommands.
const (
	SetFeaturesXfer    uint16 = 0x03
	SetFeaturesWCOn    uint16 = 0x02
	SetFeaturesWCOff   uint16 = 0x82
	SetFeaturesRAOn    uint16 = 0xaa
	SetFeaturesRAOff   uint16 = 0x55
	SetFeaturesSpinUp  uint16 = 0x07
	SetFeaturesSATAOn  uint16 = 0x10
	SetFeaturesSATAOff uint16 = 0x90
)

// LogSATANCQ is the NCQ command error log page.
const LogSATANCQ = 0x10

// SCSI REQUEST SENSE opcode carried in a packet command.
const ScsiRequestSense uint8 = 0x03

var commandNames = map[uint8]string{
	CmdNOP:              "NOP",
	CmdDevReset:         "DEVICE RESET",
	CmdRead:             "READ SECTOR(S)",
	CmdWrite:            "WRITE SECTOR(S)",
	CmdReadExt:          "READ SECTOR(S) EXT",
	CmdReadDMAExt:       "READ DMA EXT",
	CmdReadNativeMaxExt: "READ NATIVE MAX ADDRESS EXT",
	CmdReadLogExt:       "READ LOG EXT",
	CmdWriteExt:         "WRITE SECTOR(S) EXT",
	CmdWriteDMAExt:      "WRITE DMA EXT",
	CmdSetMaxExt:        "SET MAX ADDRESS EXT",
	CmdVerify:           "READ VERIFY SECTOR(S)",
	CmdFPDMARead:        "READ FPDMA QUEUED",
	CmdFPDMAWrite:       "WRITE FPDMA QUEUED",
	CmdInitDevParams:    "INITIALIZE DEVICE PARAMETERS",
	CmdPacket:           "PACKET",
	CmdIDPacket:         "IDENTIFY PACKET DEVICE",
	CmdReadMulti:        "READ MULTIPLE",
	CmdWriteMulti:       "WRITE MULTIPLE",
	CmdSetMulti:         "SET MULTIPLE MODE",
	CmdReadDMA:          "READ DMA",
	CmdWriteDMA:         "WRITE DMA",
	CmdStandbyNow:       "STANDBY IMMEDIATE",
	CmdIdleImmediate:    "IDLE IMMEDIATE",
	CmdCheckPower:       "CHECK POWER MODE",
	CmdSleep:            "SLEEP",
	CmdFlush:            "FLUSH CACHE",
	CmdFlushExt:         "FLUSH CACHE EXT",
	CmdIDATA:            "IDENTIFY DEVICE",
	CmdSetFeatures:      "SET FEATURES",
	CmdReadNativeMax:    "READ NATIVE MAX ADDRESS",
	CmdSetMax:           "SET MAX ADDRESS",
}

// CommandName returns a readable name for opcode.
func CommandName(opcode uint8) string {
	if n, ok := commandNames[opcode]; ok {
		return n
	}
	return "unknown"
}
