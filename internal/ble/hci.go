package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
)

// HCIDeviceFactory opens the host controller with the given index. It is a
// variable so tests and non-Linux builds can swap it out.
var HCIDeviceFactory = newHCIDevice

type packetKind uint8

const (
	packetAdvReport packetKind = iota + 1
	packetScanComplete
	packetConnectionComplete
	packetDisconnectionComplete
	packetServiceResult
	packetCharacteristicResult
	packetSubscribeComplete
	packetNotification
)

// packet is a raw stack result. Every go-ble callback and blocking call
// result is wrapped in one and handed to dispatch.
type packet struct {
	kind    packetKind
	link    LinkID
	address string
	client  ble.Client
	service *ble.Service
	char    *ble.Characteristic
	data    []byte
	err     error
}

// HCIAdapter binds Transport to a link-layer HCI stack via go-ble. Unlike
// CentralAdapter, no per-object callbacks reach the session: all results
// flow through a single dispatcher keyed by link.
type HCIAdapter struct {
	*EventQueue

	deviceID int
	enabled  atomic.Bool

	// mu serialises dispatch and guards link fields and the scan state.
	mu         sync.Mutex
	links      *hashmap.Map[LinkID, *hciLink]
	scanCancel context.CancelFunc
	scanTarget string
	matched    bool
}

type hciLink struct {
	address string
	cancel  context.CancelFunc
	client  ble.Client
	service *ble.Service
	char    *ble.Characteristic
}

// NewHCIAdapter creates a Transport on HCI controller deviceID (hci0 is 0).
func NewHCIAdapter(deviceID int, queueSize uint32) *HCIAdapter {
	return &HCIAdapter{
		EventQueue: NewEventQueue(queueSize),
		deviceID:   deviceID,
		links:      hashmap.New[LinkID, *hciLink](),
	}
}

func (a *HCIAdapter) Enable() error {
	if a.enabled.Load() {
		return nil
	}
	dev, err := HCIDeviceFactory(a.deviceID)
	if err != nil {
		return fmt.Errorf("ble: open hci%d: %w", a.deviceID, err)
	}
	ble.SetDefaultDevice(dev)
	a.enabled.Store(true)
	slog.Info("[BLE] HCI controller ready", "device", a.deviceID)
	return nil
}

func (a *HCIAdapter) StartScan(address string) error {
	if !a.enabled.Load() {
		return ErrNotEnabled
	}
	target := NormalizeAddress(address)

	a.mu.Lock()
	if a.scanCancel != nil {
		a.mu.Unlock()
		return fmt.Errorf("ble: scan for %s: already scanning", target)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.scanCancel = cancel
	a.scanTarget = target
	a.matched = false
	a.mu.Unlock()

	filter := func(adv ble.Advertisement) bool {
		return NormalizeAddress(adv.Addr().String()) == target
	}
	go func() {
		err := ble.Scan(ctx, false, func(adv ble.Advertisement) {
			a.dispatch(packet{kind: packetAdvReport, address: adv.Addr().String()})
		}, filter)
		a.dispatch(packet{kind: packetScanComplete, address: target, err: err})
	}()
	return nil
}

func (a *HCIAdapter) StopScan() error {
	a.mu.Lock()
	cancel := a.scanCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *HCIAdapter) Connect(link LinkID, address string) error {
	if !a.enabled.Load() {
		return ErrNotEnabled
	}
	address = NormalizeAddress(address)
	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.links.Set(link, &hciLink{address: address, cancel: cancel})
	a.mu.Unlock()

	go func() {
		client, err := ble.Dial(ctx, ble.NewAddr(address))
		a.dispatch(packet{kind: packetConnectionComplete, link: link, address: address, client: client, err: err})
	}()
	return nil
}

func (a *HCIAdapter) DiscoverService(link LinkID, uuid string) error {
	svcUUID, err := ble.Parse(uuid)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}
	l, err := a.connected(link)
	if err != nil {
		return err
	}
	client := l.client
	go func() {
		var svc *ble.Service
		svcs, err := client.DiscoverServices([]ble.UUID{svcUUID})
		if err == nil && len(svcs) == 0 {
			err = fmt.Errorf("service %s not found", uuid)
		}
		if err == nil {
			svc = svcs[0]
		}
		a.dispatch(packet{kind: packetServiceResult, link: link, service: svc, err: err})
	}()
	return nil
}

func (a *HCIAdapter) DiscoverCharacteristic(link LinkID, uuid string) error {
	charUUID, err := ble.Parse(uuid)
	if err != nil {
		return fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}
	l, err := a.connected(link)
	if err != nil {
		return err
	}
	client, svc := l.client, l.service
	if svc == nil {
		return fmt.Errorf("ble: discover characteristic on link %d: no service", link)
	}
	go func() {
		var char *ble.Characteristic
		chars, err := client.DiscoverCharacteristics([]ble.UUID{charUUID}, svc)
		if err == nil && len(chars) == 0 {
			err = fmt.Errorf("characteristic %s not found", uuid)
		}
		if err == nil {
			char = chars[0]
			// Subscribe needs the CCCD, which only descriptor discovery fills in.
			_, err = client.DiscoverDescriptors(nil, char)
		}
		a.dispatch(packet{kind: packetCharacteristicResult, link: link, char: char, err: err})
	}()
	return nil
}

func (a *HCIAdapter) Subscribe(link LinkID) error {
	l, err := a.connected(link)
	if err != nil {
		return err
	}
	client, char := l.client, l.char
	if char == nil {
		return fmt.Errorf("ble: subscribe on link %d: no characteristic", link)
	}
	go func() {
		err := client.Subscribe(char, false, func(data []byte) {
			a.dispatch(packet{kind: packetNotification, link: link, data: data})
		})
		a.dispatch(packet{kind: packetSubscribeComplete, link: link, err: err})
	}()
	return nil
}

func (a *HCIAdapter) Write(link LinkID, data []byte) error {
	l, err := a.connected(link)
	if err != nil {
		return err
	}
	if l.char == nil {
		return fmt.Errorf("ble: write on link %d: no characteristic", link)
	}
	if err := l.client.WriteCharacteristic(l.char, data, true); err != nil {
		return fmt.Errorf("ble: write: %w", err)
	}
	return nil
}

func (a *HCIAdapter) Disconnect(link LinkID) error {
	a.mu.Lock()
	l, ok := a.links.Get(link)
	if ok {
		a.links.Del(link)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: link %d: %w", link, ErrUnknownLink)
	}

	l.cancel()
	if l.client == nil {
		return nil
	}
	if err := l.client.CancelConnection(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	return nil
}

// connected returns a snapshot of link's state, failing if it has no client.
func (a *HCIAdapter) connected(link LinkID) (hciLink, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.links.Get(link)
	if !ok {
		return hciLink{}, fmt.Errorf("ble: link %d: %w", link, ErrUnknownLink)
	}
	if l.client == nil {
		return hciLink{}, fmt.Errorf("ble: link %d: not connected", link)
	}
	return *l, nil
}

// dispatch routes one stack result to the link it belongs to and posts the
// matching event. Results for links that were torn down are dropped, and a
// connection that completes after its link was dropped is cancelled.
func (a *HCIAdapter) dispatch(p packet) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch p.kind {
	case packetAdvReport:
		address := NormalizeAddress(p.address)
		if a.scanCancel == nil || a.matched || address != a.scanTarget {
			return
		}
		a.matched = true
		a.Post(Event{Kind: EventScanMatch, Address: address})
		return

	case packetScanComplete:
		if a.scanCancel != nil {
			a.scanCancel()
			a.scanCancel = nil
		}
		err := p.err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("ble: scan: %w", err)
		}
		a.Post(Event{Kind: EventScanEnded, Address: p.address, Err: err})
		return
	}

	l, ok := a.links.Get(p.link)
	if !ok {
		if p.kind == packetConnectionComplete && p.client != nil {
			go p.client.CancelConnection()
		}
		return
	}

	switch p.kind {
	case packetConnectionComplete:
		if p.err != nil {
			a.links.Del(p.link)
			a.Post(Event{Kind: EventConnectFailed, Link: p.link, Address: l.address,
				Err: fmt.Errorf("ble: connect to %s: %w", l.address, p.err)})
			return
		}
		l.client = p.client
		go a.watch(p.link, p.client)
		a.Post(Event{Kind: EventConnected, Link: p.link, Address: l.address})

	case packetDisconnectionComplete:
		a.links.Del(p.link)
		slog.Info("[BLE] peer disconnected", "address", l.address, "link", p.link)
		a.Post(Event{Kind: EventDisconnected, Link: p.link, Address: l.address})

	case packetServiceResult:
		if p.err != nil {
			a.Post(Event{Kind: EventDiscoveryFailed, Link: p.link, Err: fmt.Errorf("ble: discover services: %w", p.err)})
			return
		}
		l.service = p.service
		a.Post(Event{Kind: EventServiceFound, Link: p.link})

	case packetCharacteristicResult:
		if p.err != nil {
			a.Post(Event{Kind: EventDiscoveryFailed, Link: p.link, Err: fmt.Errorf("ble: discover characteristics: %w", p.err)})
			return
		}
		l.char = p.char
		a.Post(Event{Kind: EventCharacteristicFound, Link: p.link})

	case packetSubscribeComplete:
		if p.err != nil {
			a.Post(Event{Kind: EventDiscoveryFailed, Link: p.link, Err: fmt.Errorf("ble: subscribe: %w", p.err)})
			return
		}
		a.Post(Event{Kind: EventSubscribed, Link: p.link})

	case packetNotification:
		data := make([]byte, len(p.data))
		copy(data, p.data)
		a.Post(Event{Kind: EventNotification, Link: p.link, Data: data})
	}
}

// watch reports a peer-initiated disconnect on link.
func (a *HCIAdapter) watch(link LinkID, client ble.Client) {
	<-client.Disconnected()
	a.dispatch(packet{kind: packetDisconnectionComplete, link: link})
}

// Compile-time check that HCIAdapter implements Transport.
var _ Transport = (*HCIAdapter)(nil)
