package protocol

// JK BMS GATT service and data characteristic.
const (
	ServiceUUID        = "0000ffe0-0000-1000-8000-00805f9b34fb"
	CharacteristicUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"
)

// RecordType is the tag at offset 4 of every record.
type RecordType uint8

const (
	RecordSettings  RecordType = 1
	RecordTelemetry RecordType = 2
	RecordIdentity  RecordType = 3
)

func (t RecordType) String() string {
	switch t {
	case RecordSettings:
		return "settings"
	case RecordTelemetry:
		return "telemetry"
	case RecordIdentity:
		return "identity"
	default:
		return "unknown"
	}
}

var (
	// StartOfRecord prefixes every record sent by the BMS.
	StartOfRecord = []byte{0xAA, 0x55, 0x90, 0xEB}
	// PingResponse marks out-of-band replies; a buffer containing it is stale.
	PingResponse = []byte{0x55, 0xAA, 0xEB, 0x90}
	// KeepAlive is interleaved by the BMS into the notification stream.
	KeepAlive = []byte("AT\r\n")
)

// Command codes understood by the BMS.
const (
	CodeIdentity uint8 = 0x97
	CodeCellInfo uint8 = 0x96
)

// CommandLen is the fixed size of an outbound command frame.
const CommandLen = 20

// Command is an outbound request written to the data characteristic.
type Command [CommandLen]byte

// NewCommand builds the frame for code: marker, code, zero padding and a
// trailing checksum over the preceding 19 bytes.
func NewCommand(code uint8) Command {
	var c Command
	copy(c[:], StartOfRecord)
	c[4] = code
	c[CommandLen-1] = Checksum(c[:CommandLen-1])
	return c
}

var (
	RequestIdentity = NewCommand(CodeIdentity)
	// RequestSettings makes the BMS answer with settings and then start
	// streaming telemetry.
	RequestSettings = NewCommand(CodeCellInfo)
	// RequestTelemetry is written once settings arrive on devices that
	// do not stream telemetry on their own.
	RequestTelemetry = NewCommand(CodeCellInfo)
)
