package client

import "fmt"

// State is the client connection lifecycle state. Exactly one state holds
// at any time.
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
		return "unknown"
	}
}

// stateEvent is an input to the lifecycle state machine.
type stateEvent int

const (
	evConnect        stateEvent = iota // connect requested
	evDialOK                           // transport open
	evDialFailed                       // transport error or timeout during dial
	evAuthOK                           // authenticated confirmation received
	evAuthFailed                       // terminal auth rejection
	evTransportLost                    // retryable transport/liveness loss
	evRetryScheduled                   // reconnection controller armed a timer
	evRetryFired                       // retry timer fired (or nudged)
	evShutdown                         // explicit disconnect by the application
)

func (e stateEvent) String() string {
	switch e {
	case evConnect:
		return "connect"
	case evDialOK:
		return "dial_ok"
	case evDialFailed:
		return "dial_failed"
	case evAuthOK:
		return "auth_ok"
	case evAuthFailed:
		return "auth_failed"
	case evTransportLost:
		return "transport_lost"
	case evRetryScheduled:
		return "retry_scheduled"
	case evRetryFired:
		return "retry_fired"
	case evShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// transition is the pure lifecycle function: (state, event) -> state.
// Illegal combinations return an error instead of silently landing in an
// arbitrary state, so a sequencing bug in the run loop surfaces as a
// loggable fault rather than a corrupted lifecycle.
func transition(s State, ev stateEvent) (State, error) {
	// Explicit disconnect is legal from every state and always terminal.
	if ev == evShutdown {
		return StateDisconnected, nil
	}

	switch s {
	case StateDisconnected:
		switch ev {
		case evConnect:
			return StateConnecting, nil
		case evRetryScheduled:
			return StateReconnecting, nil
		}

	case StateConnecting:
		switch ev {
		case evDialOK:
			return StateAuthenticating, nil
		case evDialFailed:
			return StateDisconnected, nil
		}

	case StateAuthenticating:
		switch ev {
		case evAuthOK:
			return StateConnected, nil
		case evAuthFailed, evTransportLost:
			return StateDisconnected, nil
		}

	case StateConnected:
		switch ev {
		case evTransportLost:
			return StateDisconnected, nil
		}

	case StateReconnecting:
		switch ev {
		case evRetryFired:
			return StateConnecting, nil
		}
	}

	return s, fmt.Errorf("%w: %s on %s", errIllegalTransition, ev, s)
}
