package server

import (
	"errors"
	"strings"
)

// ErrMalformedInput marks inbound frames that cannot be decoded or lack
// required fields.
var ErrMalformedInput = errors.New("malformed input")

// Application close codes sent before a session reaches Streaming, or when
// the chat it streams disappears.
const (
	CloseInvalidToken     = 4010
	CloseNotAuthenticated = 4011
	CloseForbidden        = 4030
	CloseChatNotFound     = 4040
)

// Notice codes carried by private error notices.
const (
	NoticeMalformedInput = "malformed_input"
	NoticeValidation     = "validation"
	NoticeRateLimited    = "rate_limited"
	NoticeStoreFailure   = "store_failure"
	NoticeForbidden      = "forbidden"
)

// InboundFrame is what a client sends while streaming. Pointer fields tell a
// missing field apart from a zero value.
type InboundFrame struct {
	Type    *string `json:"type"`
	UserID  *int64  `json:"userId"`
	Content *string `json:"content"`
}

// OutboundMessage is broadcast to every subscriber of a chat.
type OutboundMessage struct {
	Time    string `json:"time"`
	ChatID  int64  `json:"chatId"`
	UserID  int64  `json:"userId"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Notice is sent privately to the connection that caused it.
type Notice struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// outboundTimeLayout renders the time of day of a broadcast.
const outboundTimeLayout = "15:04:05"

// SessionState is a step of the per-connection protocol.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateAuthorized
	StateStreaming
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthorized:
		return "authorized"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
