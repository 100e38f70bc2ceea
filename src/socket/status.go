package socket

import (
	"errors"

	"driftdb/src/dberr"
)

// WebSocket close codes the adapter emits itself.
const (
	CodeNormal        = 1000
	CodeGoingAway     = 1001
	CodeInternalError = 1011
)

// CloseReason classifies where a connection-ending error came from.
type CloseReason int

const (
	CloseWebSocket CloseReason = iota
	ClosePOSIX
	CloseNetwork
	CloseUnknown
)

func (r CloseReason) String() string {
	switch r {
	case CloseWebSocket:
		return "WebSocket close"
	case ClosePOSIX:
		return "POSIX error"
	case CloseNetwork:
		return "network error"
	default:
		return "unknown"
	}
}

// CloseStatus is the reconciled outcome of a close handshake.
type CloseStatus struct {
	Reason  CloseReason
	Code    int
	Message string
}

// IsNormal reports whether the close was clean.
func (s CloseStatus) IsNormal() bool {
	return s.Reason == CloseWebSocket && (s.Code == CodeNormal || s.Code == CodeGoingAway)
}

// closeStatusFromError maps a transport error into a close status. A nil
// error or code 0 is a normal WebSocket close.
func closeStatusFromError(err error) CloseStatus {
	if err == nil {
		return CloseStatus{Reason: CloseWebSocket, Code: CodeNormal}
	}
	var derr *dberr.Error
	if !errors.As(err, &derr) || derr.Code == 0 {
		if derr != nil && derr.Code == 0 {
			return CloseStatus{Reason: CloseWebSocket, Code: CodeNormal, Message: derr.Message}
		}
		return CloseStatus{Reason: CloseUnknown, Message: err.Error()}
	}
	switch derr.Domain {
	case dberr.WebSocketDomain:
		return CloseStatus{Reason: CloseWebSocket, Code: derr.Code, Message: derr.Message}
	case dberr.POSIXDomain:
		return CloseStatus{Reason: ClosePOSIX, Code: derr.Code, Message: derr.Message}
	case dberr.NetworkDomain:
		return CloseStatus{Reason: CloseNetwork, Code: derr.Code, Message: derr.Message}
	default:
		return CloseStatus{Reason: CloseUnknown, Code: derr.Code, Message: derr.Message}
	}
}
