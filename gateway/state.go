package gateway

import "fmt"

// Role identifies which of the two logical connections a Connection
// serves. The roles share one device identity but never a device token.
type Role string

const (
	RoleOperator Role = "operator"
	RoleNode     Role = "node"
)

// StateKind enumerates the connection lifecycle states.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateConnected
	StatePairingPending
	StateFailed
)

// ConnectionState is the sum-typed state of one Connection. ServerName
// is set only for StateConnected; Reason and Err only for StateFailed.
// Err carries the classified failure so supervising loops can tell a
// non-retryable transport close from an ordinary failure.
type ConnectionState struct {
	Kind       StateKind
	ServerName string
	Reason     string
	Err        error
}

func (s ConnectionState) String() string {
	switch s.Kind {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return fmt.Sprintf("connected(%s)", s.ServerName)
	case StatePairingPending:
		return "pairingPending"
	case StateFailed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	default:
		return "unknown"
	}
}

// Connected reports whether the state is StateConnected.
func (s ConnectionState) Connected() bool { return s.Kind == StateConnected }

// PairingPending reports whether the state is StatePairingPending.
func (s ConnectionState) PairingPending() bool { return s.Kind == StatePairingPending }

// DualStatus is the combined status derived from the two per-role
// connection states. It is always recomputed, never stored as truth.
type DualStatus int

const (
	StatusDisconnected DualStatus = iota
	StatusConnecting
	StatusPartialOperator
	StatusPartialNode
	StatusConnected
	StatusPairingPendingOperator
	StatusPairingPendingNode
	StatusPairingPendingBoth
)

func (s DualStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusPartialOperator:
		return "partialOperator"
	case StatusPartialNode:
		return "partialNode"
	case StatusConnected:
		return "connected"
	case StatusPairingPendingOperator:
		return "pairingPendingOperator"
	case StatusPairingPendingNode:
		return "pairingPendingNode"
	case StatusPairingPendingBoth:
		return "pairingPendingBoth"
	default:
		return "unknown"
	}
}

// DeriveStatus computes the combined status from both roles' states.
// loopActive distinguishes "connecting" (reconnect loops are running)
// from a quiescent "disconnected" when neither role is up or pairing.
func DeriveStatus(operator, node ConnectionState, loopActive bool) DualStatus {
	opUp := operator.Connected()
	nodeUp := node.Connected()
	opPairing := operator.PairingPending()
	nodePairing := node.PairingPending()

	switch {
	case opUp && nodeUp:
		return StatusConnected
	case opUp && !nodeUp:
		if nodePairing {
			return StatusPairingPendingNode
		}
		return StatusPartialOperator
	case !opUp && nodeUp:
		if opPairing {
			return StatusPairingPendingOperator
		}
		return StatusPartialNode
	default:
		switch {
		case opPairing && nodePairing:
			return StatusPairingPendingBoth
		case opPairing:
			return StatusPairingPendingOperator
		case nodePairing:
			return StatusPairingPendingNode
		case loopActive:
			return StatusConnecting
		default:
			return StatusDisconnected
		}
	}
}
