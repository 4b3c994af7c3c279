package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors of the connection layer.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrInvalidURL       = errors.New("invalid gateway URL")
	ErrAuthFailure      = errors.New("authentication failed")
	ErrPairingRequired  = errors.New("pairing required")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrShutdown         = errors.New("connection shut down")
	ErrVPNNotConnected  = errors.New("vpn not connected")
	ErrAuthTokenMissing = errors.New("auth token missing")
)

// ConnectionFailedError wraps the reason a connect attempt failed.
type ConnectionFailedError struct {
	Reason string
	Err    error
}

func (e *ConnectionFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("connection failed: %s", e.Reason)
}

func (e *ConnectionFailedError) Unwrap() error { return e.Err }

// ProtocolMismatchError reports that the client's protocol window does
// not overlap the server's.
type ProtocolMismatchError struct {
	Client    int
	ServerMin int
	ServerMax int
}

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("protocol mismatch: client %d, server supports %d-%d",
		e.Client, e.ServerMin, e.ServerMax)
}

// RPCError is a structured ok:false response surfaced to the caller.
type RPCError struct {
	Method  string
	Code    string
	Message string
	Details []byte
}

func (e *RPCError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rpc %s failed: %s: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("rpc %s failed: %s", e.Method, e.Message)
}

// TransportClosedError reports an unexpected socket close.
type TransportClosedError struct {
	CloseCode int
	Reason    string
}

func (e *TransportClosedError) Error() string {
	return fmt.Sprintf("transport closed (code %d): %s", e.CloseCode, e.Reason)
}

// Retryable reports whether the close should be retried with backoff.
// Policy violations and similar protocol-level rejections are final.
func (e *TransportClosedError) Retryable() bool {
	switch e.CloseCode {
	case 1002, 1003, 1008: // protocol error, unsupported data, policy violation
		return false
	default:
		return true
	}
}

// FailureClass is a coarse classification of the last connect failure,
// exposed for diagnostic display only.
type FailureClass int

const (
	FailureNone FailureClass = iota
	FailureHostUnreachable
	FailureOther
)

func (f FailureClass) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureHostUnreachable:
		return "hostUnreachable"
	default:
		return "other"
	}
}
