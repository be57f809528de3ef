package ble

import (
	"context"
	"errors"
	"testing"
)

func newDispatchAdapter() *HCIAdapter {
	a := NewHCIAdapter(0, 16)
	a.enabled.Store(true)
	return a
}

func nextEvent(t *testing.T, a *HCIAdapter) Event {
	t.Helper()
	ev, ok := a.Next()
	if !ok {
		t.Fatal("expected an event, queue is empty")
	}
	return ev
}

func TestDispatchAdvReportMatchesOnce(t *testing.T) {
	a := newDispatchAdapter()
	a.scanCancel = func() {}
	a.scanTarget = "C8:47:80:0D:4B:1A"

	a.dispatch(packet{kind: packetAdvReport, address: "11:22:33:44:55:66"})
	a.dispatch(packet{kind: packetAdvReport, address: "c8:47:80:0d:4b:1a"})
	a.dispatch(packet{kind: packetAdvReport, address: "c8:47:80:0d:4b:1a"})

	ev := nextEvent(t, a)
	if ev.Kind != EventScanMatch || ev.Address != "C8:47:80:0D:4B:1A" {
		t.Errorf("event = %+v, want scan match", ev)
	}
	if _, ok := a.Next(); ok {
		t.Error("duplicate advertisement produced a second event")
	}
}

func TestDispatchScanCompleteCancelledIsClean(t *testing.T) {
	a := newDispatchAdapter()
	cancelled := false
	a.scanCancel = func() { cancelled = true }

	a.dispatch(packet{kind: packetScanComplete, address: "X", err: context.Canceled})

	ev := nextEvent(t, a)
	if ev.Kind != EventScanEnded || ev.Err != nil {
		t.Errorf("event = %+v, want clean scan end", ev)
	}
	if !cancelled || a.scanCancel != nil {
		t.Error("scan state was not cleared")
	}
}

func TestDispatchConnectFailureDropsLink(t *testing.T) {
	a := newDispatchAdapter()
	a.links.Set(1, &hciLink{address: "AA", cancel: func() {}})

	a.dispatch(packet{kind: packetConnectionComplete, link: 1, err: errors.New("timeout")})

	ev := nextEvent(t, a)
	if ev.Kind != EventConnectFailed || ev.Link != 1 || ev.Err == nil {
		t.Errorf("event = %+v, want connect failure on link 1", ev)
	}
	if _, ok := a.links.Get(1); ok {
		t.Error("failed link still tracked")
	}
}

func TestDispatchDropsResultsForUnknownLink(t *testing.T) {
	a := newDispatchAdapter()
	a.dispatch(packet{kind: packetNotification, link: 7, data: []byte{1}})
	a.dispatch(packet{kind: packetServiceResult, link: 7})
	if ev, ok := a.Next(); ok {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestDispatchNotificationCopiesData(t *testing.T) {
	a := newDispatchAdapter()
	a.links.Set(2, &hciLink{address: "AA", cancel: func() {}})

	data := []byte{0xAA, 0x55}
	a.dispatch(packet{kind: packetNotification, link: 2, data: data})
	data[0] = 0

	ev := nextEvent(t, a)
	if ev.Kind != EventNotification || ev.Data[0] != 0xAA {
		t.Errorf("event = %+v, want notification with copied payload", ev)
	}
}

func TestDispatchPeerDisconnect(t *testing.T) {
	a := newDispatchAdapter()
	a.links.Set(3, &hciLink{address: "AA", cancel: func() {}})

	a.dispatch(packet{kind: packetDisconnectionComplete, link: 3})

	ev := nextEvent(t, a)
	if ev.Kind != EventDisconnected || ev.Link != 3 {
		t.Errorf("event = %+v, want disconnect on link 3", ev)
	}
	if err := a.Disconnect(3); !errors.Is(err, ErrUnknownLink) {
		t.Errorf("Disconnect() after peer disconnect error = %v, want ErrUnknownLink", err)
	}
}

func TestHCIOperationsRequireConnection(t *testing.T) {
	a := newDispatchAdapter()
	if err := a.Write(9, []byte{1}); !errors.Is(err, ErrUnknownLink) {
		t.Errorf("Write() error = %v, want ErrUnknownLink", err)
	}
	a.links.Set(4, &hciLink{address: "AA", cancel: func() {}})
	if err := a.Subscribe(4); err == nil {
		t.Error("Subscribe() before connect succeeded")
	}
}

func TestHCIRequiresEnable(t *testing.T) {
	a := NewHCIAdapter(0, 16)
	if err := a.StartScan("AA"); !errors.Is(err, ErrNotEnabled) {
		t.Errorf("StartScan() error = %v, want ErrNotEnabled", err)
	}
}
