package client

import (
	"errors"
	"fmt"
	"time"
)

// State is a phase of the controller's connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrAuthRejected means the server refused the credential. The
	// controller does not retry; supply a new credential and Connect again.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrGaveUp means every reconnection attempt failed.
	ErrGaveUp = errors.New("reconnection attempts exhausted")

	// ErrQueueFull is returned when the offline queue is at capacity. The
	// event was not queued.
	ErrQueueFull = errors.New("offline queue is full")

	// ErrNotConnected is returned for ephemeral events, such as typing,
	// that are dropped instead of queued while offline.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("controller closed")
)

// Status is a snapshot of the controller reported on every transition.
type Status struct {
	State State
	// Attempt is the reconnection attempt number while Reconnecting.
	Attempt int
	// Delay is how long the controller waits before the attempt.
	Delay time.Duration
	// Err is the cause of the last transition into Reconnecting or
	// Disconnected. A Disconnected status with a non-nil Err is terminal
	// until Connect is called again.
	Err error
}

// Terminal reports whether the controller stopped without a pending retry.
func (s Status) Terminal() bool {
	return s.State == StateDisconnected && s.Err != nil
}
