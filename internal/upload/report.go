// Package upload hands completed device cycles to external sinks. Sinks are
// fire-and-forget from the scheduler's point of view: failures are logged,
// never returned.
package upload

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/bms-monitor/internal/ble/protocol"
)

// Report is one device's records for a finished cycle. Telemetry is always
// set; Identity and Settings are set when they were received.
type Report struct {
	Name      string              `json:"name"`
	Address   string              `json:"address"`
	At        time.Time           `json:"timestamp"`
	Identity  *protocol.Identity  `json:"identity,omitempty"`
	Settings  *protocol.Settings  `json:"settings,omitempty"`
	Telemetry *protocol.Telemetry `json:"telemetry"`
}

// Uploader consumes reports. Implementations must not block past ctx.
type Uploader interface {
	Upload(ctx context.Context, reports []Report)
}

// Key identifies the device to downstream stores: the serial number when
// known, else the address without separators.
func (r Report) Key() string {
	if r.Identity != nil && r.Identity.SerialNumber != "" {
		return r.Identity.SerialNumber
	}
	return strings.ReplaceAll(strings.ToLower(r.Address), ":", "")
}

// Fields flattens the report into string values for hash-style stores.
func (r Report) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"name":      r.Name,
		"address":   r.Address,
		"timestamp": r.At.UTC().Format(time.RFC3339),
	}
	if id := r.Identity; id != nil {
		fields["model"] = id.Model
		fields["serial-number"] = id.SerialNumber
		fields["hw-version"] = id.HardwareVersion
		fields["sw-version"] = id.SoftwareVersion
		fields["power-cycles"] = fmt.Sprintf("%d", id.PowerCycles)
	}
	if t := r.Telemetry; t != nil {
		fields["voltage"] = fmt.Sprintf("%.3f", t.BatteryVoltage)
		fields["current"] = fmt.Sprintf("%.3f", t.BatteryCurrent)
		fields["power"] = fmt.Sprintf("%.3f", t.BatteryPower)
		fields["charge"] = fmt.Sprintf("%d", t.StateOfCharge)
		fields["state-of-health"] = fmt.Sprintf("%d", t.StateOfHealth)
		fields["cycle-count"] = fmt.Sprintf("%d", t.CycleCount)
		fields["remaining-capacity"] = fmt.Sprintf("%.3f", t.RemainingCapacity)
		fields["cell-delta"] = fmt.Sprintf("%.3f", t.DeltaCellVoltage)
		fields["temperature:mosfet"] = fmt.Sprintf("%.1f", t.MosfetTemperature)
		fields["temperature:0"] = fmt.Sprintf("%.1f", t.BatteryTemperature1)
		fields["temperature:1"] = fmt.Sprintf("%.1f", t.BatteryTemperature2)
		fields["alarms"] = fmt.Sprintf("0x%04x", t.Alarms)
		for i, v := range t.CellVoltages {
			fields[fmt.Sprintf("cell:%d", i)] = fmt.Sprintf("%.3f", v)
		}
	}
	return fields
}
