package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"tinygo.org/x/bluetooth"
)

var errNotSeen = errors.New("address not seen by scan")

// CentralAdapter binds Transport to the OS central role via tinygo bluetooth.
// The stack hands back connection, service and characteristic objects
// through blocking calls and callbacks; each call runs on its own goroutine
// and its outcome is posted to the event queue.
type CentralAdapter struct {
	*EventQueue

	adapter *bluetooth.Adapter
	enabled atomic.Bool

	scanMu   sync.Mutex
	scanning bool
	matched  atomic.Bool

	// seen holds addresses reported by the scanner, keyed by normalized
	// address. Connect can only reach an address that is in here.
	seen  *hashmap.Map[string, bluetooth.Address]
	links *hashmap.Map[LinkID, *centralLink]
}

type centralLink struct {
	address string
	closed  atomic.Bool

	mu      sync.Mutex
	device  *bluetooth.Device
	service *bluetooth.DeviceService
	char    *bluetooth.DeviceCharacteristic
}

// NewCentralAdapter creates a Transport on the default host adapter.
func NewCentralAdapter(queueSize uint32) *CentralAdapter {
	return &CentralAdapter{
		EventQueue: NewEventQueue(queueSize),
		adapter:    bluetooth.DefaultAdapter,
		seen:       hashmap.New[string, bluetooth.Address](),
		links:      hashmap.New[LinkID, *centralLink](),
	}
}

func (a *CentralAdapter) Enable() error {
	if a.enabled.Load() {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// The stack reports peer-initiated disconnects here, with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		address := NormalizeAddress(device.Address.String())
		a.links.Range(func(link LinkID, l *centralLink) bool {
			if l.address != address {
				return true
			}
			a.drop(link, l)
			slog.Info("[BLE] peer disconnected", "address", address, "link", link)
			a.Post(Event{Kind: EventDisconnected, Link: link, Address: address})
			return false
		})
	})

	a.enabled.Store(true)
	return nil
}

func (a *CentralAdapter) StartScan(address string) error {
	if !a.enabled.Load() {
		return ErrNotEnabled
	}
	target := NormalizeAddress(address)

	a.scanMu.Lock()
	defer a.scanMu.Unlock()
	if a.scanning {
		return fmt.Errorf("ble: scan for %s: already scanning", target)
	}
	a.scanning = true
	a.matched.Store(false)

	go func() {
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			seen := NormalizeAddress(result.Address.String())
			if seen != target || a.matched.Swap(true) {
				return
			}
			a.seen.Set(seen, result.Address)
			slog.Debug("[BLE] scan match", "address", seen, "name", result.LocalName(), "rssi", result.RSSI)
			a.Post(Event{Kind: EventScanMatch, Address: seen})
		})

		a.scanMu.Lock()
		a.scanning = false
		a.scanMu.Unlock()
		if err != nil {
			err = fmt.Errorf("ble: scan: %w", err)
		}
		a.Post(Event{Kind: EventScanEnded, Address: target, Err: err})
	}()
	return nil
}

func (a *CentralAdapter) StopScan() error {
	a.scanMu.Lock()
	scanning := a.scanning
	a.scanMu.Unlock()
	if !scanning {
		return nil
	}
	if err := a.adapter.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	return nil
}

func (a *CentralAdapter) Connect(link LinkID, address string) error {
	if !a.enabled.Load() {
		return ErrNotEnabled
	}
	address = NormalizeAddress(address)
	addr, ok := a.seen.Get(address)
	if !ok {
		return fmt.Errorf("ble: connect to %s: %w", address, errNotSeen)
	}

	l := &centralLink{address: address}
	a.links.Set(link, l)

	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			a.links.Del(link)
			a.Post(Event{Kind: EventConnectFailed, Link: link, Address: address,
				Err: fmt.Errorf("ble: connect to %s: %w", address, err)})
			return
		}
		if l.closed.Load() {
			// Torn down while the connect was in flight.
			_ = device.Disconnect()
			return
		}
		l.mu.Lock()
		l.device = &device
		l.mu.Unlock()
		a.Post(Event{Kind: EventConnected, Link: link, Address: address})
	}()
	return nil
}

func (a *CentralAdapter) DiscoverService(link LinkID, uuid string) error {
	l, err := a.link(link)
	if err != nil {
		return err
	}
	svcUUID, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}
	l.mu.Lock()
	device := l.device
	l.mu.Unlock()
	if device == nil {
		return fmt.Errorf("ble: discover service on link %d: not connected", link)
	}

	go func() {
		svcs, err := device.DiscoverServices([]bluetooth.UUID{svcUUID})
		if err == nil && len(svcs) == 0 {
			err = fmt.Errorf("service %s not found", uuid)
		}
		if err != nil {
			a.Post(Event{Kind: EventDiscoveryFailed, Link: link, Err: fmt.Errorf("ble: discover services: %w", err)})
			return
		}
		l.mu.Lock()
		l.service = &svcs[0]
		l.mu.Unlock()
		a.Post(Event{Kind: EventServiceFound, Link: link})
	}()
	return nil
}

func (a *CentralAdapter) DiscoverCharacteristic(link LinkID, uuid string) error {
	l, err := a.link(link)
	if err != nil {
		return err
	}
	charUUID, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}
	l.mu.Lock()
	svc := l.service
	l.mu.Unlock()
	if svc == nil {
		return fmt.Errorf("ble: discover characteristic on link %d: no service", link)
	}

	go func() {
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{charUUID})
		if err == nil && len(chars) == 0 {
			err = fmt.Errorf("characteristic %s not found", uuid)
		}
		if err != nil {
			a.Post(Event{Kind: EventDiscoveryFailed, Link: link, Err: fmt.Errorf("ble: discover characteristics: %w", err)})
			return
		}
		l.mu.Lock()
		l.char = &chars[0]
		l.mu.Unlock()
		a.Post(Event{Kind: EventCharacteristicFound, Link: link})
	}()
	return nil
}

func (a *CentralAdapter) Subscribe(link LinkID) error {
	l, char, err := a.characteristic(link)
	if err != nil {
		return err
	}
	go func() {
		err := char.EnableNotifications(func(buf []byte) {
			if l.closed.Load() {
				return
			}
			data := make([]byte, len(buf))
			copy(data, buf)
			a.Post(Event{Kind: EventNotification, Link: link, Data: data})
		})
		if err != nil {
			a.Post(Event{Kind: EventDiscoveryFailed, Link: link, Err: fmt.Errorf("ble: enable notifications: %w", err)})
			return
		}
		a.Post(Event{Kind: EventSubscribed, Link: link})
	}()
	return nil
}

func (a *CentralAdapter) Write(link LinkID, data []byte) error {
	_, char, err := a.characteristic(link)
	if err != nil {
		return err
	}
	if _, err := char.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("ble: write: %w", err)
	}
	return nil
}

func (a *CentralAdapter) Disconnect(link LinkID) error {
	l, err := a.link(link)
	if err != nil {
		return err
	}
	device := a.drop(link, l)
	if device == nil {
		return nil
	}
	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	return nil
}

// drop forgets link and returns its device, if it got that far.
func (a *CentralAdapter) drop(link LinkID, l *centralLink) *bluetooth.Device {
	l.closed.Store(true)
	a.links.Del(link)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.device
}

func (a *CentralAdapter) link(link LinkID) (*centralLink, error) {
	l, ok := a.links.Get(link)
	if !ok {
		return nil, fmt.Errorf("ble: link %d: %w", link, ErrUnknownLink)
	}
	return l, nil
}

func (a *CentralAdapter) characteristic(link LinkID) (*centralLink, *bluetooth.DeviceCharacteristic, error) {
	l, err := a.link(link)
	if err != nil {
		return nil, nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.char == nil {
		return nil, nil, fmt.Errorf("ble: link %d: no characteristic", link)
	}
	return l, l.char, nil
}

// Compile-time check that CentralAdapter implements Transport.
var _ Transport = (*CentralAdapter)(nil)
