// Package ble provides the transport layer between the BMS session state
// machine and a host BLE stack. Two bindings implement Transport: an
// OS-level central role (tinygo bluetooth) and a link-layer HCI stack
// (go-ble) whose results are funnelled through a single packet dispatcher.
//
// Every Transport operation returns immediately; completions are posted as
// Events and drained by the caller's tick loop via Next.
package ble

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotEnabled is returned when an operation is issued before Enable.
	ErrNotEnabled = errors.New("ble: adapter not enabled")
	// ErrUnknownLink is returned for operations on a link the transport does
	// not track (never connected, or already torn down).
	ErrUnknownLink = errors.New("ble: unknown link")
)

// LinkID identifies one connection slot. NoLink is never allocated.
type LinkID uint16

const NoLink LinkID = 0

// EventKind enumerates asynchronous transport completions.
type EventKind uint8

const (
	EventScanMatch EventKind = iota + 1
	EventScanEnded
	EventConnected
	EventConnectFailed
	EventServiceFound
	EventCharacteristicFound
	EventDiscoveryFailed
	EventSubscribed
	EventNotification
	EventDisconnected
)

var eventNames = map[EventKind]string{
	EventScanMatch:           "scan_match",
	EventScanEnded:           "scan_ended",
	EventConnected:           "connected",
	EventConnectFailed:       "connect_failed",
	EventServiceFound:        "service_found",
	EventCharacteristicFound: "characteristic_found",
	EventDiscoveryFailed:     "discovery_failed",
	EventSubscribed:          "subscribed",
	EventNotification:        "notification",
	EventDisconnected:        "disconnected",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is a transport completion. Address is set for scan events, Link for
// everything that happens on a connection, Data for notifications.
type Event struct {
	Kind    EventKind
	Link    LinkID
	Address string
	Data    []byte
	Err     error
}

// Transport is the host-stack boundary the session state machine is written
// against. Implementations must not block the caller and must report every
// completion through Next.
type Transport interface {
	// Enable powers on the adapter.
	Enable() error
	// StartScan looks for the peripheral with the given address and posts
	// EventScanMatch when it is seen.
	StartScan(address string) error
	// StopScan ends a running scan.
	StopScan() error
	// Connect opens a link to a previously matched address on link.
	Connect(link LinkID, address string) error
	// DiscoverService resolves the service UUID on link.
	DiscoverService(link LinkID, uuid string) error
	// DiscoverCharacteristic resolves the characteristic UUID within the
	// discovered service.
	DiscoverCharacteristic(link LinkID, uuid string) error
	// Subscribe enables notifications on the discovered characteristic.
	Subscribe(link LinkID) error
	// Write sends data to the discovered characteristic.
	Write(link LinkID, data []byte) error
	// Disconnect tears down link. It is safe to call on a dead link.
	Disconnect(link LinkID) error
	// Next returns the oldest pending event, if any.
	Next() (Event, bool)
}

// NormalizeAddress returns the canonical upper-case form of a BLE address.
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
