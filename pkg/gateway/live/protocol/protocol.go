// Package protocol defines the frames the relay itself sends to clients.
//
// Upstream payloads are forwarded verbatim and never carry a top-level "type"
// field, so clients tell relay frames apart by checking for "proxy_status" or
// "error" there.
package protocol

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

const (
	TypeProxyStatus = "proxy_status"
	TypeError       = "error"
)

// Status values carried by proxy_status frames. The "google" spelling is what
// existing browser clients match on.
const (
	StatusConnected    = "connected_to_google"
	StatusDisconnected = "disconnected_from_google"
	StatusDraining     = "relay_draining"
	StatusShuttingDown = "relay_shutting_down"
)

// maxCloseReasonBytes is the room left in a close control frame after the
// two-byte status code.
const maxCloseReasonBytes = 123

type StatusFrame struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	Code      int    `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

type ErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type ErrorFrame struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Error     ErrorBody `json:"error"`
}

func NewStatus(status, sessionID string) StatusFrame {
	return StatusFrame{Type: TypeProxyStatus, Status: status, SessionID: sessionID}
}

// NewDisconnected reports the upstream close code and reason to the client.
func NewDisconnected(sessionID string, code int, reason string) StatusFrame {
	f := NewStatus(StatusDisconnected, sessionID)
	f.Code = code
	f.Reason = strings.TrimSpace(reason)
	if f.Reason == "" {
		f.Reason = "No reason"
	}
	return f
}

func NewError(sessionID, errType, code, message string) ErrorFrame {
	return ErrorFrame{
		Type:      TypeError,
		SessionID: sessionID,
		Error: ErrorBody{
			Type:    errType,
			Code:    code,
			Message: message,
		},
	}
}

func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// CloseReason trims a close reason so it fits in a close control frame
// without splitting a UTF-8 sequence.
func CloseReason(reason string) string {
	if len(reason) <= maxCloseReasonBytes {
		return reason
	}
	cut := maxCloseReasonBytes
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
