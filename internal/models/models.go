package models

import (
	"time"
)

// NetworkState is the connectivity verdict carried by every LightState.
type NetworkState int

const (
	// Off means the reachability probe failed.
	Off NetworkState = iota
	// Online means the target answered and ObservedAt is network time.
	Online
)

func (s NetworkState) String() string {
	if s == Online {
		return "online"
	}
	return "off"
}

// MarshalText lets NetworkState appear as a word in JSON payloads.
func (s NetworkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Unknown is the sentinel timestamp carried by Off states.
var Unknown = time.Time{}

// LightState is emitted once per monitor tick.
type LightState struct {
	NetworkState NetworkState `json:"network_state"`
	ObservedAt   time.Time    `json:"observed_at"`
}

// OnlineAt builds an Online state observed at t.
func OnlineAt(t time.Time) LightState {
	return LightState{NetworkState: Online, ObservedAt: t}
}

// OffState builds an Off state with the unknown timestamp.
func OffState() LightState {
	return LightState{NetworkState: Off, ObservedAt: Unknown}
}

// IsOnline reports whether the state is Online.
func (s LightState) IsOnline() bool {
	return s.NetworkState == Online
}

// Reachability is the outcome of a single probe.
type Reachability bool

const (
	Unreachable Reachability = false
	Reachable   Reachability = true
)
