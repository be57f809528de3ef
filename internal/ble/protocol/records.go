package protocol

import (
	"encoding/binary"
	"math"
)

// Fixed record sizes, measured from the start-of-record marker.
const (
	HeaderLen    = 6
	SettingsLen  = HeaderLen
	IdentityLen  = 134
	TelemetryLen = 136

	// MaxRecordLen is the size of the largest defined record.
	MaxRecordLen = TelemetryLen
)

// CellCount is the number of cells reported in a telemetry record.
const CellCount = 16

// Header is shared by every record.
type Header struct {
	Marker  string     `json:"header"`
	Type    RecordType `json:"record_type"`
	Counter uint8      `json:"record_counter"`
}

func (h *Header) decode(data []byte) {
	h.Marker = HexString(data, 0, len(StartOfRecord))
	h.Type = RecordType(Uint8(data, 4))
	h.Counter = Uint8(data, 5)
}

func (h *Header) encode(data []byte, t RecordType) {
	copy(data, StartOfRecord)
	data[4] = uint8(t)
	data[5] = h.Counter
}

// Identity describes the BMS hardware. The serial number is used as the
// device key by upload sinks.
type Identity struct {
	Header
	Model            string `json:"model"`
	HardwareVersion  string `json:"hardware_version"`
	SoftwareVersion  string `json:"software_version"`
	Uptime           uint32 `json:"uptime"`
	PowerCycles      uint32 `json:"power_cycles"`
	DeviceName       string `json:"device_name"`
	DevicePasscode   string `json:"device_passcode"`
	FirstStartupDate string `json:"first_startup_date"`
	SerialNumber     string `json:"serial_number"`
	Passcode         string `json:"passcode"`
	UserData         string `json:"user_data"`
	SetupPasscode    string `json:"setup_passcode"`
}

// identityText lists the fixed-length text fields of an identity record.
var identityText = []struct {
	off, n int
	field  func(*Identity) *string
}{
	{6, 16, func(i *Identity) *string { return &i.Model }},
	{22, 8, func(i *Identity) *string { return &i.HardwareVersion }},
	{30, 8, func(i *Identity) *string { return &i.SoftwareVersion }},
	{46, 16, func(i *Identity) *string { return &i.DeviceName }},
	{62, 16, func(i *Identity) *string { return &i.DevicePasscode }},
	{78, 8, func(i *Identity) *string { return &i.FirstStartupDate }},
	{86, 11, func(i *Identity) *string { return &i.SerialNumber }},
	{97, 5, func(i *Identity) *string { return &i.Passcode }},
	{102, 16, func(i *Identity) *string { return &i.UserData }},
	{118, 16, func(i *Identity) *string { return &i.SetupPasscode }},
}

// Decode fills i from a frame that starts at the marker and holds at least
// IdentityLen bytes.
func (i *Identity) Decode(data []byte) {
	data = data[:IdentityLen]
	i.Header.decode(data)
	for _, f := range identityText {
		*f.field(i) = CString(data, f.off, f.n)
	}
	i.Uptime = Uint32(data, 38)
	i.PowerCycles = Uint32(data, 42)
}

// MarshalBinary encodes i using the identity layout.
func (i *Identity) MarshalBinary() ([]byte, error) {
	data := make([]byte, IdentityLen)
	i.Header.encode(data, RecordIdentity)
	for _, f := range identityText {
		putCString(data, f.off, f.n, *f.field(i))
	}
	putUint32(data, 38, i.Uptime)
	putUint32(data, 42, i.PowerCycles)
	return data, nil
}

// DecodeIdentity decodes a new Identity from data.
func DecodeIdentity(data []byte) Identity {
	var i Identity
	i.Decode(data)
	return i
}

// Settings is received only as a sequencing signal; its payload is not
// interpreted.
type Settings struct {
	Header
}

// Decode fills s from a frame that starts at the marker.
func (s *Settings) Decode(data []byte) {
	s.Header.decode(data[:SettingsLen])
}

// MarshalBinary encodes s using the settings layout.
func (s *Settings) MarshalBinary() ([]byte, error) {
	data := make([]byte, SettingsLen)
	s.Header.encode(data, RecordSettings)
	return data, nil
}

// DecodeSettings decodes a new Settings from data.
func DecodeSettings(data []byte) Settings {
	var s Settings
	s.Decode(data)
	return s
}

// Telemetry is the per-cell and pack measurement record. Voltages are in
// volts, resistances in ohms, temperatures in °C, currents in amperes,
// power in kilowatts and capacities in ampere-hours.
type Telemetry struct {
	Header
	CellVoltages        [CellCount]float64 `json:"cell_voltages"`
	AverageCellVoltage  float64            `json:"average_cell_voltage"`
	DeltaCellVoltage    float64            `json:"delta_cell_voltage"`
	CellWireResistances [CellCount]float64 `json:"cell_wire_resistances"`
	MosfetTemperature   float64            `json:"mosfet_temperature"`
	BatteryVoltage      float64            `json:"battery_voltage"`
	BatteryPower        float64            `json:"battery_power"`
	BatteryCurrent      float64            `json:"battery_current"`
	BatteryTemperature1 float64            `json:"battery_temperature_1"`
	BatteryTemperature2 float64            `json:"battery_temperature_2"`
	Alarms              uint16             `json:"alarms"`
	StateOfCharge       uint8              `json:"state_of_charge"`
	RemainingCapacity   float64            `json:"remaining_capacity"`
	NominalCapacity     float64            `json:"nominal_capacity"`
	CycleCount          uint32             `json:"cycle_count"`
	CycleCapacity       float64            `json:"cycle_capacity"`
	StateOfHealth       uint8              `json:"state_of_health"`
}

const (
	milli = 1000.0
	deci  = 10.0
)

// Decode fills t from a frame that starts at the marker and holds at least
// TelemetryLen bytes.
func (t *Telemetry) Decode(data []byte) {
	data = data[:TelemetryLen]
	t.Header.decode(data)

	for i := 0; i < CellCount; i++ {
		t.CellVoltages[i] = float64(Uint16(data, 16+i*2)) / milli
	}
	t.AverageCellVoltage = float64(Uint16(data, 48)) / milli
	t.DeltaCellVoltage = float64(Uint16(data, 50)) / milli
	for i := 0; i < CellCount; i++ {
		t.CellWireResistances[i] = float64(Uint16(data, 52+i*2)) / milli
	}

	t.MosfetTemperature = float64(Int16(data, 84)) / deci
	t.BatteryVoltage = float64(Uint32(data, 86)) / milli
	t.BatteryPower = float64(Uint32(data, 90)) / milli
	t.BatteryCurrent = float64(Int32(data, 94)) / milli
	t.BatteryTemperature1 = float64(Int16(data, 98)) / deci
	t.BatteryTemperature2 = float64(Int16(data, 100)) / deci

	// Raw bitmask; alarm semantics are left to consumers.
	t.Alarms = Uint16(data, 102)

	t.StateOfCharge = Uint8(data, 118)
	t.RemainingCapacity = float64(Uint32(data, 119)) / milli
	t.NominalCapacity = float64(Uint32(data, 123)) / milli
	t.CycleCount = Uint32(data, 127)
	t.CycleCapacity = float64(Uint32(data, 131)) / milli
	t.StateOfHealth = Uint8(data, 135)
}

// MarshalBinary encodes t using the telemetry layout. Scaled fields are
// rounded to the protocol's precision.
func (t *Telemetry) MarshalBinary() ([]byte, error) {
	data := make([]byte, TelemetryLen)
	t.Header.encode(data, RecordTelemetry)

	for i := 0; i < CellCount; i++ {
		putUint16(data, 16+i*2, uint16(scale(t.CellVoltages[i], milli)))
	}
	putUint16(data, 48, uint16(scale(t.AverageCellVoltage, milli)))
	putUint16(data, 50, uint16(scale(t.DeltaCellVoltage, milli)))
	for i := 0; i < CellCount; i++ {
		putUint16(data, 52+i*2, uint16(scale(t.CellWireResistances[i], milli)))
	}

	putUint16(data, 84, uint16(int16(scale(t.MosfetTemperature, deci))))
	putUint32(data, 86, uint32(scale(t.BatteryVoltage, milli)))
	putUint32(data, 90, uint32(scale(t.BatteryPower, milli)))
	putUint32(data, 94, uint32(int32(scale(t.BatteryCurrent, milli))))
	putUint16(data, 98, uint16(int16(scale(t.BatteryTemperature1, deci))))
	putUint16(data, 100, uint16(int16(scale(t.BatteryTemperature2, deci))))
	putUint16(data, 102, t.Alarms)

	data[118] = t.StateOfCharge
	putUint32(data, 119, uint32(scale(t.RemainingCapacity, milli)))
	putUint32(data, 123, uint32(scale(t.NominalCapacity, milli)))
	putUint32(data, 127, t.CycleCount)
	putUint32(data, 131, uint32(scale(t.CycleCapacity, milli)))
	data[135] = t.StateOfHealth
	return data, nil
}

// DecodeTelemetry decodes a new Telemetry from data.
func DecodeTelemetry(data []byte) Telemetry {
	var t Telemetry
	t.Decode(data)
	return t
}

func scale(v, factor float64) int64 {
	return int64(math.Round(v * factor))
}

func putUint16(data []byte, index int, v uint16) {
	binary.LittleEndian.PutUint16(data[index:], v)
}

func putUint32(data []byte, index int, v uint32) {
	binary.LittleEndian.PutUint32(data[index:], v)
}
