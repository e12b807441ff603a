package controller

import (
	"time"
)

// State is the connection state of a conversation. Exactly one is current
// at any time and transitions are serialized by the controller loop.
type State int

const (
	// StateIdle has no Transport Session. The conversation can be started
	// or resumed.
	StateIdle State = iota
	// StateConnecting is waiting for a Transport Session to open.
	StateConnecting
	// StateActive has an open Transport Session.
	StateActive
	// StateRotating is tearing down a healthy session to reseed a fresh one.
	StateRotating
	// StateReconnecting is waiting out the backoff after an unsolicited close.
	StateReconnecting
	// StateRateLimited is cooling down after a quota error. Nothing retries
	// automatically from here.
	StateRateLimited
	// StateTerminated is final.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateRotating:
		return "ROTATING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateRateLimited:
		return "RATE_LIMITED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Reasons attached to Idle, RateLimited and Terminated.
const (
	ReasonPaused           = "paused"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonConnectFailed    = "connect_failed"
	ReasonSessionFailed    = "session_failed"
	ReasonMicDenied        = "mic_denied"
	ReasonDeviceRevoked    = "device_revoked"
	ReasonCoolingDown      = "cooling_down"
	ReasonCooledOff        = "cooled_off"
	ReasonEnded            = "ended"
)

// Status is a point-in-time view for UIs.
type Status struct {
	State      State
	Reason     string
	RetryCount int
	LastError  error
	// Volume is the microphone level in [0,1]; 0 while the agent is audible.
	Volume     float64
	SessionID  string
	Generation int
}

// Transition is published to subscribers for every state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Clock abstracts time so tests can drive timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
