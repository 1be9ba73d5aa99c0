package chat

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Canonical user-facing messages. Every failure of a chat call resolves to
// exactly one of these, or to the upstream text when nothing matches.
const (
	MsgServerSlow       = "Looks like I'm unable to connect with your system. The server is taking too long to respond. Please try again in a moment."
	MsgUnavailable      = "The service is temporarily unavailable. Please try again in a moment."
	MsgServerError      = "Something went wrong on our end. Please try again in a moment."
	MsgSessionExpired   = "Your session has expired. Please log in again."
	MsgPermissionDenied = "You don't have permission to perform this action. Please contact support if this persists."
	MsgConnectivity     = "Looks like I'm unable to connect with your system. Please check your internet connection and try again."
	MsgInterrupted      = "Looks like I'm unable to connect with your system. The connection was interrupted. Please try again."

	msgUnexpectedFormat = "Unexpected response format from chat API"
	msgSendFailed       = "Failed to send chat message"
)

type Kind int

const (
	KindUpstream Kind = iota
	KindServerSlow
	KindUnavailable
	KindServerError
	KindSessionExpired
	KindPermissionDenied
	KindConnectivity
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindServerSlow:
		return "server_slow"
	case KindUnavailable:
		return "unavailable"
	case KindServerError:
		return "server_error"
	case KindSessionExpired:
		return "session_expired"
	case KindPermissionDenied:
		return "permission_denied"
	case KindConnectivity:
		return "connectivity"
	case KindInterrupted:
		return "interrupted"
	default:
		return "upstream"
	}
}

// Error is a translated chat failure. Message is safe to show to a user;
// Err keeps the underlying cause for logs and errors.Is.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Err }

var canonical = map[string]Kind{
	MsgServerSlow:       KindServerSlow,
	MsgUnavailable:      KindUnavailable,
	MsgServerError:      KindServerError,
	MsgSessionExpired:   KindSessionExpired,
	MsgPermissionDenied: KindPermissionDenied,
	MsgConnectivity:     KindConnectivity,
	MsgInterrupted:      KindInterrupted,
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// TranslateStatus maps a failed HTTP status whose body carried no error
// message.
func TranslateStatus(code int, statusText string) string {
	switch {
	case code == 504 || strings.Contains(statusText, "Gateway Time-out"):
		return MsgServerSlow
	case code == 503:
		return MsgUnavailable
	case code == 500:
		return MsgServerError
	case code == 401:
		return MsgSessionExpired
	case code == 403:
		return MsgPermissionDenied
	case code >= 500:
		return MsgServerError
	case code >= 400:
		return MsgConnectivity
	}
	if statusText != "" {
		return statusText
	}
	return msgSendFailed
}

// translateStreamError maps an error reported inside the response stream.
func translateStreamError(msg string) string {
	switch {
	case containsAny(msg, "timeout", "Timeout", "Gateway Time-out", "504"):
		return MsgServerSlow
	case containsAny(msg, "503", "Service Unavailable"):
		return MsgUnavailable
	case containsAny(msg, "500", "Internal Server Error"):
		return MsgServerError
	case containsAny(msg, "401", "Unauthorized"):
		return MsgSessionExpired
	case containsAny(msg, "NetworkError", "Failed to fetch"):
		return MsgConnectivity
	}
	return msg
}

// TranslateMessage is the final mapping applied to every failure message.
// Canonical messages map to themselves.
func TranslateMessage(msg string) string {
	if msg == "" {
		msg = msgSendFailed
	}
	switch {
	case containsAny(msg, "timeout", "Timeout"):
		return MsgConnectivity
	case containsAny(msg, "Gateway Time-out", "504"):
		return MsgServerSlow
	case containsAny(msg, "NetworkError", "Failed to fetch"):
		return MsgConnectivity
	case containsAny(msg, "401", "Unauthorized"):
		return MsgSessionExpired
	case containsAny(msg, "403", "Forbidden"):
		return MsgPermissionDenied
	case containsAny(msg, "500", "Internal Server Error"):
		return MsgServerError
	case containsAny(msg, "503", "Service Unavailable"):
		return MsgUnavailable
	}
	return msg
}

func newError(msg string, cause error) *Error {
	msg = TranslateMessage(msg)
	return &Error{Kind: canonical[msg], Message: msg, Err: cause}
}

// translate converts any failure of a chat call into an *Error.
func translate(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return newError(ce.Message, ce.Err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindConnectivity, Message: MsgConnectivity, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindConnectivity, Message: MsgConnectivity, Err: err}
	}
	return newError(err.Error(), err)
}
