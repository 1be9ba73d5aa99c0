package conn

import "fmt"

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// State is the part of a channel that the transition function owns.
type State struct {
	Status   Status
	Attempts int
	// Manual is set by Disconnect and suppresses every retry until the next Connect.
	Manual bool
	// Opened records whether the socket opened at least once since Connect.
	Opened bool
}

type EventKind int

const (
	EventConnect EventKind = iota
	EventOpened
	EventDialFailed
	EventClosed
	EventRetry
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventOpened:
		return "opened"
	case EventDialFailed:
		return "dial_failed"
	case EventClosed:
		return "closed"
	case EventRetry:
		return "retry"
	case EventDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is the input of Transition. Code carries the websocket close code for
// EventClosed and the handshake HTTP status (or CloseAbnormal) for EventDialFailed.
type Event struct {
	Kind EventKind
	Code int
}

type Effect int

const (
	EffectDial Effect = iota
	EffectScheduleRetry
	EffectCancelRetry
	EffectStartKeepalive
	EffectStopKeepalive
	EffectCloseTransport
	EffectResetBackoff
)

func (e Effect) String() string {
	switch e {
	case EffectDial:
		return "dial"
	case EffectScheduleRetry:
		return "schedule_retry"
	case EffectCancelRetry:
		return "cancel_retry"
	case EffectStartKeepalive:
		return "start_keepalive"
	case EffectStopKeepalive:
		return "stop_keepalive"
	case EffectCloseTransport:
		return "close_transport"
	case EffectResetBackoff:
		return "reset_backoff"
	default:
		return fmt.Sprintf("effect(%d)", int(e))
	}
}

const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008

	// CodeUnresolved marks a dial that never reached the network because the
	// endpoint could not be resolved. It always ends in Error.
	CodeUnresolved = -1
)

// Limits parameterise the reconnect policy of one channel.
type Limits struct {
	// MaxAttempts caps consecutive failed reconnects. Zero means unlimited.
	MaxAttempts int
	// Terminal codes end the channel quietly in Disconnected.
	Terminal func(code int) bool
	// Fatal codes end the channel in Error without retrying.
	Fatal func(code int) bool
	// RetryBeforeOpen allows retries when the first dial after Connect fails.
	RetryBeforeOpen bool
}

// CodeSet returns a predicate matching any of codes.
func CodeSet(codes ...int) func(int) bool {
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return func(code int) bool {
		_, ok := set[code]
		return ok
	}
}

// Transition is the reconnect state machine. It never performs I/O; the
// returned effects are executed by the Manager in order.
func Transition(s State, ev Event, lim Limits) (State, []Effect) {
	switch ev.Kind {
	case EventConnect:
		if s.Status == StatusConnected || s.Status == StatusConnecting {
			return s, nil
		}
		return State{Status: StatusConnecting}, []Effect{EffectCancelRetry, EffectResetBackoff, EffectDial}

	case EventRetry:
		if s.Manual || s.Status == StatusConnected || s.Status == StatusConnecting || s.Status == StatusError {
			return s, nil
		}
		s.Status = StatusConnecting
		return s, []Effect{EffectDial}

	case EventOpened:
		if s.Manual {
			return s, []Effect{EffectCloseTransport}
		}
		s.Status = StatusConnected
		s.Attempts = 0
		s.Opened = true
		return s, []Effect{EffectResetBackoff, EffectStartKeepalive}

	case EventClosed, EventDialFailed:
		effects := []Effect{EffectStopKeepalive}
		if s.Manual {
			s.Status = StatusDisconnected
			return s, effects
		}
		if lim.Terminal != nil && lim.Terminal(ev.Code) {
			s.Status = StatusDisconnected
			return s, effects
		}
		if ev.Code == CodeUnresolved || (lim.Fatal != nil && lim.Fatal(ev.Code)) {
			s.Status = StatusError
			return s, effects
		}
		if !s.Opened && !lim.RetryBeforeOpen {
			s.Status = StatusError
			return s, effects
		}
		if lim.MaxAttempts > 0 && s.Attempts >= lim.MaxAttempts {
			s.Status = StatusError
			return s, effects
		}
		s.Status = StatusDisconnected
		s.Attempts++
		return s, append(effects, EffectScheduleRetry)

	case EventDisconnect:
		return State{Status: StatusDisconnected, Manual: true},
			[]Effect{EffectCancelRetry, EffectStopKeepalive, EffectCloseTransport}
	}
	return s, nil
}
