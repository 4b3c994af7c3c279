package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mesmerverse/gatewaylink/wire"
)

// PushKind discriminates the pushes delivered to the push handler.
type PushKind int

const (
	// PushSnapshot is the synthetic push emitted once per successful
	// handshake, carrying the freshly captured GatewayInfo.
	PushSnapshot PushKind = iota
	// PushEvent is an ordinary server event.
	PushEvent
	// PushSeqGap is the advisory notification of a discontinuity in
	// the server's event sequence, delivered immediately before the
	// event that revealed it.
	PushSeqGap
)

// Push is one delivery to the registered push handler. Fields are
// populated per Kind: Snapshot for PushSnapshot, Event/Payload/Seq for
// PushEvent, Expected/Received for PushSeqGap.
type Push struct {
	Kind     PushKind
	Event    string
	Payload  json.RawMessage
	Seq      *int64
	Expected int64
	Received int64
	Snapshot *GatewayInfo
}

// PushHandler receives pushes in delivery order. It runs on the
// connection's receive path and must not block.
type PushHandler func(Push)

// InvokeHandler executes one capability invocation. The context is
// cancelled when the invocation's timeout wins the race; a cancelled
// handler's result is discarded.
type InvokeHandler func(ctx context.Context, req *wire.InvokeRequest) (json.RawMessage, *wire.InvokeError)

// GatewayInfo is the immutable snapshot captured once per successful
// handshake and replaced wholesale on each reconnect.
type GatewayInfo struct {
	ServerName    string
	Protocol      int
	ServerMin     int
	ServerMax     int
	ServerVersion string
	UptimeSeconds int64
	CanvasHostURL string
	TickInterval  time.Duration
	Role          Role
	Scopes        []string
	ConnectedAt   time.Time
}
