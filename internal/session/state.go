package session

import "fmt"

// State is a step in the session lifecycle.
type State uint8

const (
	Idle State = iota
	Scanning
	AwaitingConnect
	Connected
	Subscribed
	AwaitingIdentity
	AwaitingSettings
	AwaitingTelemetry
	Complete
	Disconnecting
)

var stateNames = [...]string{
	Idle:              "idle",
	Scanning:          "scanning",
	AwaitingConnect:   "awaiting_connect",
	Connected:         "connected",
	Subscribed:        "subscribed",
	AwaitingIdentity:  "awaiting_identity",
	AwaitingSettings:  "awaiting_settings",
	AwaitingTelemetry: "awaiting_telemetry",
	Complete:          "complete",
	Disconnecting:     "disconnecting",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// linked reports whether the state holds, or is establishing, a link.
func (s State) linked() bool {
	return s >= AwaitingConnect && s <= AwaitingTelemetry
}

// exchanging reports whether notifications are expected in this state.
func (s State) exchanging() bool {
	return s >= Subscribed && s <= AwaitingTelemetry
}
