// Package session drives one BMS through scan, connect, discovery and the
// identity/settings/telemetry request sequence. A Session never blocks: it
// issues Transport operations, folds their completions in through Handle and
// checks its timeouts on Tick.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcuadros/go-defaults"

	"github.com/chaz8081/bms-monitor/internal/ble"
	"github.com/chaz8081/bms-monitor/internal/ble/protocol"
)

// ErrBusy is returned by Connect when the session is not Idle.
var ErrBusy = errors.New("session: not idle")

// Default values for the Options fields where zero is meaningful.
const (
	DefaultSettleDelay = 500 * time.Millisecond
	DefaultMaxDesync   = time.Second
)

// Options tunes a session. Zero fields take the tagged defaults. SettleDelay
// and MaxDesync have no tag: zero disables them, and DefaultOptions fills in
// DefaultSettleDelay and DefaultMaxDesync.
type Options struct {
	ServiceUUID        string        `default:"0000ffe0-0000-1000-8000-00805f9b34fb"`
	CharacteristicUUID string        `default:"0000ffe1-0000-1000-8000-00805f9b34fb"`
	ScanTimeout        time.Duration `default:"5s"`
	ConnectTimeout     time.Duration `default:"5s"`
	SettleDelay        time.Duration
	ActivityTimeout    time.Duration `default:"10s"`
	MaxDesync          time.Duration
	FrameCapacity      int `default:"2048"`

	// ExplicitTelemetryRequest writes a second cell-info request once
	// settings arrive, for firmware that does not stream telemetry on its own.
	ExplicitTelemetryRequest bool
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() Options {
	o := Options{SettleDelay: DefaultSettleDelay, MaxDesync: DefaultMaxDesync}
	defaults.SetDefaults(&o)
	return o
}

// Device names a configured BMS.
type Device struct {
	Name    string
	Address string
}

// Records are the three decoded records of the current cycle. Each Has flag
// is independent; all are cleared together by Reset.
type Records struct {
	Identity     protocol.Identity
	Settings     protocol.Settings
	Telemetry    protocol.Telemetry
	HasIdentity  bool
	HasSettings  bool
	HasTelemetry bool
}

// Session is the per-device state machine. It is not safe for concurrent
// use; Handle and Tick must be called from the same loop.
type Session struct {
	device    Device
	transport ble.Transport
	slots     *ble.SlotPool
	clock     Clock
	opts      Options
	log       *slog.Logger

	scanTimeout     uint32
	connectTimeout  uint32
	settleDelay     uint32
	activityTimeout uint32
	maxDesync       uint32

	state          State
	link           ble.LinkID
	buf            *protocol.FrameBuffer
	records        Records
	enteredAt      uint32
	lastActivity   uint32
	readyToConnect bool
	linkUp         bool
	discovering    bool
	telemetrySent  bool
	failures       int
}

// New creates an Idle session for device. Connection slots are drawn from
// slots, which is shared by every session on the same transport.
func New(device Device, transport ble.Transport, slots *ble.SlotPool, clock Clock, opts Options, logger *slog.Logger) *Session {
	defaults.SetDefaults(&opts)
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	device.Address = ble.NormalizeAddress(device.Address)
	return &Session{
		device:          device,
		transport:       transport,
		slots:           slots,
		clock:           clock,
		opts:            opts,
		log:             logger.With("device", device.Name, "address", device.Address),
		scanTimeout:     millis(opts.ScanTimeout),
		connectTimeout:  millis(opts.ConnectTimeout),
		settleDelay:     millis(opts.SettleDelay),
		activityTimeout: millis(opts.ActivityTimeout),
		maxDesync:       millis(opts.MaxDesync),
		buf:             protocol.NewFrameBuffer(opts.FrameCapacity),
	}
}

func (s *Session) Device() Device { return s.device }

func (s *Session) State() State { return s.state }

// Records returns a copy of the decoded records.
func (s *Session) Records() Records { return s.records }

func (s *Session) HasTelemetry() bool { return s.records.HasTelemetry }

// Active reports whether the session holds the radio.
func (s *Session) Active() bool {
	return s.state != Idle && s.state != Complete
}

// Failures returns the number of failed attempts since the last Reset.
func (s *Session) Failures() int { return s.failures }

// Connect starts a new attempt: records and the frame buffer are cleared and
// a scan for the device address begins.
func (s *Session) Connect() error {
	if s.state != Idle {
		return fmt.Errorf("session %s: connect in state %s: %w", s.device.Name, s.state, ErrBusy)
	}
	s.records = Records{}
	s.buf.Reset()
	s.telemetrySent = false

	s.enter(Scanning)
	if err := s.transport.StartScan(s.device.Address); err != nil {
		s.fail(fmt.Errorf("start scan: %w", err), false)
		return nil
	}
	s.log.Info("[BLE] scanning")
	return nil
}

// Tick advances time-driven transitions: the hand-off to connect, the
// settle delay before discovery, every timeout, and Disconnecting to Idle.
func (s *Session) Tick() {
	now := s.clock.Millis()

	switch s.state {
	case Scanning:
		if TimedOut(now, s.enteredAt, s.scanTimeout, s.maxDesync) {
			s.fail(errors.New("scan timeout"), false)
		}

	case AwaitingConnect:
		if s.readyToConnect {
			s.readyToConnect = false
			s.handOff(now)
			return
		}
		if TimedOut(now, s.enteredAt, s.connectTimeout, s.maxDesync) {
			s.fail(errors.New("connect timeout"), false)
		}

	case Connected:
		if !s.discovering && (s.settleDelay == 0 || TimedOut(now, s.enteredAt, s.settleDelay, s.maxDesync)) {
			s.discovering = true
			if err := s.transport.DiscoverService(s.link, s.opts.ServiceUUID); err != nil {
				s.fail(fmt.Errorf("discover service: %w", err), false)
				return
			}
		}
		s.checkActivity(now)

	case Subscribed, AwaitingIdentity, AwaitingSettings, AwaitingTelemetry:
		s.checkActivity(now)

	case Disconnecting:
		s.enter(Idle)
	}
}

// Handle folds one transport event into the state machine. Events for other
// links and other addresses are ignored.
func (s *Session) Handle(ev ble.Event) {
	switch ev.Kind {
	case ble.EventScanMatch:
		if s.state != Scanning || ble.NormalizeAddress(ev.Address) != s.device.Address {
			return
		}
		if err := s.transport.StopScan(); err != nil {
			s.log.Debug("[BLE] stop scan failed", "error", err)
		}
		s.enter(AwaitingConnect)
		s.readyToConnect = true
		s.log.Info("[BLE] device found")
		return

	case ble.EventScanEnded:
		if s.state != Scanning || ble.NormalizeAddress(ev.Address) != s.device.Address {
			return
		}
		err := ev.Err
		if err == nil {
			err = errors.New("scan ended without a match")
		}
		s.fail(err, false)
		return
	}

	if s.link == ble.NoLink || ev.Link != s.link {
		return
	}

	switch ev.Kind {
	case ble.EventConnected:
		if s.state != AwaitingConnect {
			return
		}
		s.linkUp = true
		s.slots.MarkConnected(s.link)
		s.enter(Connected)
		s.lastActivity = s.enteredAt
		s.log.Info("[BLE] connected", "link", s.link)

	case ble.EventConnectFailed:
		s.fail(ev.Err, false)

	case ble.EventServiceFound:
		if s.state != Connected {
			return
		}
		if err := s.transport.DiscoverCharacteristic(s.link, s.opts.CharacteristicUUID); err != nil {
			s.fail(fmt.Errorf("discover characteristic: %w", err), false)
		}

	case ble.EventCharacteristicFound:
		if s.state != Connected {
			return
		}
		if err := s.transport.Subscribe(s.link); err != nil {
			s.fail(fmt.Errorf("subscribe: %w", err), false)
		}

	case ble.EventSubscribed:
		if s.state != Connected {
			return
		}
		s.enter(Subscribed)
		if s.write(protocol.RequestIdentity, "identity") {
			s.enter(AwaitingIdentity)
		}

	case ble.EventDiscoveryFailed:
		s.fail(ev.Err, false)

	case ble.EventNotification:
		if s.state.exchanging() {
			s.receive(ev.Data)
		}

	case ble.EventDisconnected:
		s.linkUp = false
		s.slots.MarkDisconnected(s.link)
		if s.state.linked() {
			s.fail(errors.New("peer disconnected"), true)
		}
	}
}

// ForceDisconnect tears the session down and leaves it Idle. It is safe to
// call in any state.
func (s *Session) ForceDisconnect() {
	if s.state != Idle && s.state != Complete {
		s.teardown()
	}
	s.enter(Idle)
}

// Reset clears the records and failure count and returns the session to
// Idle, ready for a new cycle.
func (s *Session) Reset() {
	s.ForceDisconnect()
	s.records = Records{}
	s.buf.Reset()
	s.telemetrySent = false
	s.failures = 0
}

func (s *Session) handOff(now uint32) {
	link, err := s.slots.Acquire(s.device.Address)
	if err != nil {
		s.fail(err, false)
		return
	}
	s.link = link
	s.enteredAt = now
	if err := s.transport.Connect(link, s.device.Address); err != nil {
		s.fail(fmt.Errorf("connect: %w", err), false)
	}
}

func (s *Session) checkActivity(now uint32) {
	if TimedOut(now, s.lastActivity, s.activityTimeout, s.maxDesync) {
		s.fail(errors.New("activity timeout"), false)
	}
}

// receive buffers a notification and decodes every complete frame in it.
func (s *Session) receive(data []byte) {
	s.buf.Append(data)
	for s.buf.Ready() {
		frame, kind := s.buf.Frame(), s.buf.Type()
		switch kind {
		case protocol.RecordIdentity:
			s.records.Identity.Decode(frame)
			s.records.HasIdentity = true
		case protocol.RecordSettings:
			s.records.Settings.Decode(frame)
			s.records.HasSettings = true
		case protocol.RecordTelemetry:
			s.records.Telemetry.Decode(frame)
			s.records.HasTelemetry = true
		default:
			s.log.Debug("[BLE] skipping unknown record", "type", kind)
		}
		s.buf.Consume()
		s.lastActivity = s.clock.Millis()
		s.log.Debug("[BLE] record received", "type", kind)
	}
	s.sequence()
}

// sequence issues the next request based on which records are present.
func (s *Session) sequence() {
	switch {
	case s.records.HasTelemetry:
		s.log.Info("[BLE] telemetry received",
			"soc", s.records.Telemetry.StateOfCharge,
			"voltage", s.records.Telemetry.BatteryVoltage)
		s.teardown()
		s.enter(Complete)

	case s.records.HasSettings:
		if s.state == AwaitingTelemetry {
			return
		}
		if s.opts.ExplicitTelemetryRequest && !s.telemetrySent {
			s.telemetrySent = true
			if !s.write(protocol.RequestTelemetry, "telemetry") {
				return
			}
		}
		s.enter(AwaitingTelemetry)

	case s.records.HasIdentity:
		if s.state != AwaitingIdentity {
			return
		}
		if s.write(protocol.RequestSettings, "settings") {
			s.enter(AwaitingSettings)
		}
	}
}

func (s *Session) write(cmd protocol.Command, what string) bool {
	if err := s.transport.Write(s.link, cmd[:]); err != nil {
		s.fail(fmt.Errorf("request %s: %w", what, err), false)
		return false
	}
	s.log.Debug("[BLE] request sent", "record", what)
	return true
}

// fail counts a failed attempt and tears the session down. peerGone skips
// the disconnect call for a link the peer already dropped.
func (s *Session) fail(err error, peerGone bool) {
	s.failures++
	s.log.Warn("[BLE] session failed", "state", s.state, "error", err, "failures", s.failures)
	if peerGone {
		s.linkUp = false
	}
	s.teardown()
	s.enter(Disconnecting)
}

// teardown stops any scan, drops the link and releases its slot. Records
// are kept.
func (s *Session) teardown() {
	if s.state == Scanning {
		if err := s.transport.StopScan(); err != nil {
			s.log.Debug("[BLE] stop scan failed", "error", err)
		}
	}
	if s.link != ble.NoLink {
		if s.linkUp || s.state == AwaitingConnect {
			if err := s.transport.Disconnect(s.link); err != nil && !errors.Is(err, ble.ErrUnknownLink) {
				s.log.Warn("[BLE] disconnect failed", "link", s.link, "error", err)
			}
		}
		s.slots.Release(s.link)
		s.log.Info("[BLE] disconnected", "link", s.link)
	}
	s.link = ble.NoLink
	s.linkUp = false
	s.readyToConnect = false
	s.discovering = false
	s.buf.Reset()
}

func (s *Session) enter(state State) {
	if state != s.state {
		s.log.Debug("[BLE] state", "from", s.state, "to", state)
	}
	s.state = state
	s.enteredAt = s.clock.Millis()
}
