package ble

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrNoFreeSlot is returned when every connection slot is held by a live link.
var ErrNoFreeSlot = errors.New("ble: no free connection slot")

// DefaultMaxSlots mirrors the simultaneous client limit of small host stacks.
const DefaultMaxSlots = 3

type slot struct {
	link      LinkID
	address   string
	connected bool
}

// SlotPool tracks the bounded set of client contexts the host stack can hold.
// A slot is acquired before connecting and released on teardown. Slots left
// behind by links that dropped without a teardown are evicted on demand.
type SlotPool struct {
	transport Transport
	max       int

	mu    sync.Mutex
	slots []slot
	next  LinkID
}

// NewSlotPool returns a pool of max slots. Evicted links are disconnected
// through transport.
func NewSlotPool(transport Transport, max int) *SlotPool {
	if max <= 0 {
		max = DefaultMaxSlots
	}
	return &SlotPool{
		transport: transport,
		max:       max,
		slots:     make([]slot, 0, max),
	}
}

// Acquire returns a fresh link for address. An existing slot for the same
// address is evicted first; if the pool is full, the first disconnected slot
// is evicted. ErrNoFreeSlot is returned when every slot holds a live link.
func (p *SlotPool) Acquire(address string) (LinkID, error) {
	address = NormalizeAddress(address)

	p.mu.Lock()
	defer p.mu.Unlock()

	if i := p.indexOf(func(s slot) bool { return s.address == address }); i >= 0 {
		slog.Debug("[BLE] evicting existing client", "address", address, "link", p.slots[i].link)
		p.evict(i)
	} else if len(p.slots) >= p.max {
		if i := p.indexOf(func(s slot) bool { return !s.connected }); i >= 0 {
			slog.Debug("[BLE] evicting stale client", "address", p.slots[i].address, "link", p.slots[i].link)
			p.evict(i)
		}
	}

	if len(p.slots) >= p.max {
		return NoLink, ErrNoFreeSlot
	}

	p.next++
	if p.next == NoLink {
		p.next++
	}
	p.slots = append(p.slots, slot{link: p.next, address: address})
	return p.next, nil
}

// MarkConnected records that link is up.
func (p *SlotPool) MarkConnected(link LinkID) {
	p.setConnected(link, true)
}

// MarkDisconnected records that link dropped; its slot becomes evictable.
func (p *SlotPool) MarkDisconnected(link LinkID) {
	p.setConnected(link, false)
}

// Release frees the slot held by link.
func (p *SlotPool) Release(link LinkID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i := p.indexOf(func(s slot) bool { return s.link == link }); i >= 0 {
		p.slots = append(p.slots[:i], p.slots[i+1:]...)
	}
}

// InUse returns the number of held slots.
func (p *SlotPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

func (p *SlotPool) setConnected(link LinkID, connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i := p.indexOf(func(s slot) bool { return s.link == link }); i >= 0 {
		p.slots[i].connected = connected
	}
}

// evict disconnects and frees slot i (caller must hold mu).
func (p *SlotPool) evict(i int) {
	link := p.slots[i].link
	p.slots = append(p.slots[:i], p.slots[i+1:]...)
	if err := p.transport.Disconnect(link); err != nil && !errors.Is(err, ErrUnknownLink) {
		slog.Warn("[BLE] evicted client did not disconnect cleanly", "link", link, "error", err)
	}
}

func (p *SlotPool) indexOf(match func(slot) bool) int {
	for i, s := range p.slots {
		if match(s) {
			return i
		}
	}
	return -1
}
