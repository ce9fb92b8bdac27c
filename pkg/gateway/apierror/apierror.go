package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/vango-go/live-relay/pkg/gateway/live/protocol"
)

type Type string

const (
	// TypeStartupConfig is the only fatal error: the process refuses to start.
	TypeStartupConfig   Type = "startup_config_error"
	TypeAuth            Type = "authentication_error"
	TypeUpstreamConnect Type = "upstream_connect_error"
	TypeForwarding      Type = "forwarding_error"
	TypeTransportClose  Type = "transport_close"
	TypeAPI             Type = "api_error"

	// Rejections written as HTTP responses before the upgrade.
	TypeInvalidRequest Type = "invalid_request_error"
	TypePermission     Type = "permission_error"
	TypeRateLimit      Type = "rate_limit_error"
	TypeUnavailable    Type = "unavailable_error"
	TypeNotFound       Type = "not_found_error"
)

type Error struct {
	Type    Type
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on Type and Code so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// Codes shared by the connector and the frames built from its errors.
const (
	CodeTimeout      = "timeout"
	CodeTokenTimeout = "token_timeout"
)

func New(t Type, code, message string, err error) *Error {
	return &Error{Type: t, Code: code, Message: message, Err: err}
}

var ErrNoCredentials = &Error{
	Type:    TypeStartupConfig,
	Code:    "no_credentials",
	Message: "no API key or service account configured; set API_KEY (recommended) or GOOGLE_GEMINI_API_KEY, or GOOGLE_APPLICATION_CREDENTIALS",
}

var ErrUpstreamNotConnected = &Error{
	Type:    TypeForwarding,
	Code:    "upstream_not_connected",
	Message: "Proxy not connected to upstream.",
}

func TypeOf(err error) Type {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Type
	}
	return ""
}

func IsFatal(err error) bool {
	return TypeOf(err) == TypeStartupConfig
}

// Frame converts err into the error frame sent to the client. Unknown errors
// are reported without their details.
func Frame(sessionID string, err error) protocol.ErrorFrame {
	var e *Error
	if errors.As(err, &e) && e != nil {
		msg := e.Message
		if e.Err != nil {
			msg = msg + ": " + e.Err.Error()
		}
		return protocol.NewError(sessionID, string(e.Type), e.Code, msg)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.NewError(sessionID, string(TypeUpstreamConnect), CodeTimeout, "Proxy timed out connecting to upstream.")
	}
	return protocol.NewError(sessionID, string(TypeAPI), "internal", "internal relay error")
}

func codeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// CloseCode is the WebSocket close code the relay uses when closing a client
// because of err.
func CloseCode(err error) int {
	switch TypeOf(err) {
	case "":
		if err == nil {
			return websocket.CloseNormalClosure
		}
		return websocket.CloseInternalServerErr
	case TypeTransportClose:
		return websocket.CloseNormalClosure
	default:
		return websocket.CloseInternalServerErr
	}
}

// CloseReason is the close reason paired with CloseCode.
func CloseReason(err error) string {
	switch TypeOf(err) {
	case TypeAuth:
		if codeOf(err) == CodeTokenTimeout {
			return "Proxy authentication with upstream timed out"
		}
		return "Proxy authentication with upstream failed"
	case TypeUpstreamConnect:
		if codeOf(err) == CodeTimeout {
			return "Proxy to upstream connection timed out"
		}
		return "Proxy to upstream connection failed"
	case TypeForwarding:
		return "Proxy forwarding failed"
	case TypeTransportClose:
		return "Upstream service disconnected"
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return "Proxy to upstream connection timed out"
		}
		return "Proxy internal error"
	}
}

// Envelope is the JSON body of an HTTP error response. It has the same
// nested shape as an error frame.
type Envelope struct {
	protocol.ErrorFrame
	RequestID string `json:"request_id,omitempty"`
}

func WriteHTTP(w http.ResponseWriter, status int, requestID string, t Type, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{
		ErrorFrame: protocol.NewError("", string(t), code, message),
		RequestID:  requestID,
	})
}
