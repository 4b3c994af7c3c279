package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mesmerverse/gatewaylink/identity"
	"github.com/mesmerverse/gatewaylink/wire"
)

// Protocol window this client supports.
const (
	ProtocolMin = 1
	ProtocolMax = 2
)

// Default tunables, overridable per ConnConfig.
const (
	defaultChallengeTimeout = 2 * time.Second
	defaultHandshakeTimeout = 15 * time.Second
	defaultDialTimeout      = 10 * time.Second
	defaultRequestTimeout   = 30 * time.Second
	defaultTickInterval     = 30 * time.Second
)

// Watchdog tolerance as a multiple of the negotiated tick interval.
const tickToleranceFactor = 2.5

// TokenStore is the per-(device, role) device token boundary.
type TokenStore interface {
	Get(deviceID, role string) (string, error)
	Put(deviceID, role, token string) error
	Delete(deviceID, role string) error
}

// ConnConfig configures a single-role Connection.
type ConnConfig struct {
	URL         string
	Role        Role
	Scopes      []string
	Caps        []string
	Commands    []string
	Permissions map[string]bool
	Client      wire.ClientInfo
	Locale      string
	UserAgent   string

	// SharedToken is the fallback credential used until the server
	// issues a per-role device token.
	SharedToken string
	Device      *identity.Device
	Tokens      TokenStore

	// AutoReconnect makes the Connection drive its own backoff loop
	// after unexpected failures. The Manager leaves this off and runs
	// its own per-role loops instead.
	AutoReconnect bool
	Verbose       bool
	Logger        zerolog.Logger

	OnState      func(ConnectionState)
	OnPush       PushHandler
	OnDisconnect func(error)
	Invoke       InvokeHandler

	ChallengeTimeout time.Duration
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	RequestTimeout   time.Duration
}

// pendingResult resolves one waiting request exactly once.
type pendingResult struct {
	res *wire.Response
	err error
}

// connectAttempt is shared by every caller awaiting one in-flight
// connect, so concurrent Connect calls observe a single handshake.
type connectAttempt struct {
	done         chan struct{}
	err          error
	challenge    chan string
	transportErr chan error
}

// Connection owns one WebSocket to the gateway for one role: the
// authentication handshake, the request/response correlation table,
// event dispatch and the tick watchdog. All mutable state is guarded
// by a single mutex; the generation counter invalidates read loops and
// watchdogs belonging to torn-down sockets.
type Connection struct {
	cfg ConnConfig
	log zerolog.Logger

	mu           sync.Mutex
	state        ConnectionState
	ws           *websocket.Conn
	gen          int
	attempt      *connectAttempt
	pending      map[string]chan pendingResult
	info         *GatewayInfo
	lastTick     time.Time
	backoff      *backoff
	closed       bool
	reconnecting bool
	seqValid     bool
	lastSeq      int64

	// writeMu serializes frame writes; gorilla allows one writer.
	writeMu sync.Mutex
}

// NewConnection creates a Connection in the disconnected state.
func NewConnection(cfg ConnConfig) *Connection {
	if cfg.ChallengeTimeout == 0 {
		cfg.ChallengeTimeout = defaultChallengeTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Connection{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("role", string(cfg.Role)).Logger(),
		state:   ConnectionState{Kind: StateDisconnected},
		pending: make(map[string]chan pendingResult),
		backoff: newBackoff(),
	}
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns the GatewayInfo snapshot from the last successful
// handshake, or nil if never connected.
func (c *Connection) Info() *GatewayInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Connect establishes the connection and runs the authentication
// handshake. Idempotent while connected; concurrent callers share one
// in-flight attempt and observe the same outcome.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShutdown
	}
	if c.state.Connected() {
		c.mu.Unlock()
		return nil
	}
	if a := c.attempt; a != nil {
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &connectAttempt{
		done:         make(chan struct{}),
		challenge:    make(chan string, 1),
		transportErr: make(chan error, 1),
	}
	c.attempt = a
	c.gen++
	gen := c.gen
	c.state = ConnectionState{Kind: StateConnecting}
	c.mu.Unlock()
	c.notifyState()

	err := c.doConnect(ctx, gen, a)

	c.mu.Lock()
	if c.attempt == a {
		c.attempt = nil
	}
	c.mu.Unlock()
	a.err = err
	close(a.done)
	return err
}

func (c *Connection) doConnect(ctx context.Context, gen int, a *connectAttempt) error {
	c.log.Debug().Str("url", c.cfg.URL).Msg("Dialing gateway")

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	ws, resp, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		cf := &ConnectionFailedError{Reason: "dial failed", Err: err}
		c.failConnect(gen, cf)
		return cf
	}

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		ws.Close()
		return ErrShutdown
	}
	c.ws = ws
	c.mu.Unlock()

	go c.readLoop(gen, ws)

	// Wait briefly for a connect.challenge event. No challenge within
	// the window means an older nonce-less gateway; a transport error
	// or cancellation during the wait fails the whole connect.
	nonce := ""
	select {
	case nonce = <-a.challenge:
	case rerr := <-a.transportErr:
		cf := &ConnectionFailedError{Reason: "transport failed awaiting challenge", Err: rerr}
		c.failConnect(gen, cf)
		return cf
	case <-ctx.Done():
		cf := &ConnectionFailedError{Reason: "connect cancelled", Err: ctx.Err()}
		c.failConnect(gen, cf)
		return cf
	case <-time.After(c.cfg.ChallengeTimeout):
	}

	token := ""
	if c.cfg.Tokens != nil && c.cfg.Device != nil {
		token, _ = c.cfg.Tokens.Get(c.cfg.Device.ID, string(c.cfg.Role))
	}
	usedDeviceToken := token != ""
	if token == "" {
		token = c.cfg.SharedToken
	}

	params := c.buildConnectParams(token, nonce)

	res, err := c.roundTrip(ctx, gen, wire.MethodConnect, params, c.cfg.HandshakeTimeout)
	if err != nil {
		classified := c.classifyHandshakeError(err, usedDeviceToken)
		if errors.Is(classified, ErrPairingRequired) {
			c.enterPairingPending(gen)
			return classified
		}
		c.failConnect(gen, classified)
		return classified
	}

	var result wire.ConnectResult
	if err := json.Unmarshal(res.Payload, &result); err != nil {
		cf := &ConnectionFailedError{Reason: "malformed connect response", Err: err}
		c.failConnect(gen, cf)
		return cf
	}

	if result.Protocol < ProtocolMin || result.Protocol > ProtocolMax {
		mismatch := &ProtocolMismatchError{
			Client:    ProtocolMax,
			ServerMin: result.MinProtocol,
			ServerMax: result.MaxProtocol,
		}
		c.failConnect(gen, mismatch)
		return mismatch
	}

	if result.Auth.DeviceToken != "" && c.cfg.Tokens != nil && c.cfg.Device != nil {
		if err := c.cfg.Tokens.Put(c.cfg.Device.ID, string(c.cfg.Role), result.Auth.DeviceToken); err != nil {
			c.log.Warn().Err(err).Msg("Failed to persist device token")
		}
	}

	tick := time.Duration(result.Policy.TickIntervalMs) * time.Millisecond
	if tick <= 0 {
		tick = defaultTickInterval
	}

	info := &GatewayInfo{
		ServerName:    result.ServerName,
		Protocol:      result.Protocol,
		ServerMin:     result.MinProtocol,
		ServerMax:     result.MaxProtocol,
		ServerVersion: result.ServerVersion,
		UptimeSeconds: result.UptimeSeconds,
		CanvasHostURL: result.CanvasHostURL,
		TickInterval:  tick,
		Role:          Role(result.Auth.Role),
		Scopes:        result.Auth.Scopes,
		ConnectedAt:   time.Now(),
	}

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		ws.Close()
		return ErrShutdown
	}
	c.info = info
	c.lastTick = time.Now()
	c.seqValid = false
	c.backoff.Reset()
	c.state = ConnectionState{Kind: StateConnected, ServerName: result.ServerName}
	c.mu.Unlock()

	c.log.Info().
		Str("server", result.ServerName).
		Int("protocol", result.Protocol).
		Dur("tick_interval", tick).
		Msg("Gateway connection established")

	c.notifyState()
	go c.watchdog(gen, tick)

	if c.cfg.OnPush != nil {
		c.cfg.OnPush(Push{Kind: PushSnapshot, Snapshot: info})
	}
	return nil
}

func (c *Connection) buildConnectParams(token, nonce string) *wire.ConnectParams {
	params := &wire.ConnectParams{
		MinProtocol: ProtocolMin,
		MaxProtocol: ProtocolMax,
		Client:      c.cfg.Client,
		Caps:        c.cfg.Caps,
		Locale:      c.cfg.Locale,
		UserAgent:   c.cfg.UserAgent,
		Role:        string(c.cfg.Role),
		Scopes:      c.cfg.Scopes,
		Commands:    c.cfg.Commands,
		Permissions: c.cfg.Permissions,
	}
	if token != "" {
		params.Auth = &wire.TokenAuth{Token: token}
	}
	if c.cfg.Device != nil {
		signedAt := time.Now().UTC().Format(time.RFC3339)
		payload := identity.SigningPayload(
			c.cfg.Device.ID, c.cfg.Client.ID, c.cfg.Client.Mode, string(c.cfg.Role),
			c.cfg.Scopes, signedAt, token, nonce)
		params.Device = &wire.DeviceAuth{
			ID:        c.cfg.Device.ID,
			PublicKey: c.cfg.Device.PublicKey(),
			Signature: c.cfg.Device.Sign(payload),
			SignedAt:  signedAt,
			Nonce:     nonce,
		}
	}
	return params
}

// classifyHandshakeError maps an ok:false connect response onto the
// error taxonomy. An auth failure discards the stored device token so
// the next attempt falls back to the shared token.
func (c *Connection) classifyHandshakeError(err error, usedDeviceToken bool) error {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}

	msg := strings.ToLower(rpcErr.Code + " " + rpcErr.Message)
	switch {
	case strings.Contains(msg, "pairing"):
		return ErrPairingRequired
	case strings.Contains(msg, "vpn"):
		return fmt.Errorf("%w: %s", ErrVPNNotConnected, rpcErr.Message)
	case strings.Contains(msg, "auth") || strings.Contains(msg, "token") ||
		strings.Contains(msg, "forbidden") || strings.Contains(msg, "unauthorized"):
		if usedDeviceToken && c.cfg.Tokens != nil && c.cfg.Device != nil {
			c.log.Info().Msg("Discarding rejected device token")
			if derr := c.cfg.Tokens.Delete(c.cfg.Device.ID, string(c.cfg.Role)); derr != nil {
				c.log.Warn().Err(derr).Msg("Failed to discard device token")
			}
		}
		return fmt.Errorf("%w: %s", ErrAuthFailure, rpcErr.Message)
	case strings.Contains(msg, "protocol"):
		mismatch := &ProtocolMismatchError{Client: ProtocolMax}
		var details struct {
			MinProtocol int `json:"minProtocol"`
			MaxProtocol int `json:"maxProtocol"`
		}
		if len(rpcErr.Details) > 0 && json.Unmarshal(rpcErr.Details, &details) == nil {
			mismatch.ServerMin = details.MinProtocol
			mismatch.ServerMax = details.MaxProtocol
		}
		return mismatch
	default:
		return rpcErr
	}
}

// enterPairingPending tears down the socket and parks the connection
// in the non-fatal pairingPending state. The caller's reconnect loop
// retries the full handshake at a fixed interval from here.
func (c *Connection) enterPairingPending(gen int) {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	ws := c.ws
	c.ws = nil
	waiters := c.takePendingLocked()
	c.state = ConnectionState{Kind: StatePairingPending}
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	failWaiters(waiters, ErrPairingRequired)
	c.log.Info().Msg("Gateway requires pairing approval")
	c.notifyState()
}

// failConnect records a failed connect attempt: socket closed, state
// failed, disconnect callback notified.
func (c *Connection) failConnect(gen int, err error) {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	ws := c.ws
	c.ws = nil
	waiters := c.takePendingLocked()
	c.state = ConnectionState{Kind: StateFailed, Reason: err.Error(), Err: err}
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	failWaiters(waiters, err)
	c.log.Warn().Err(err).Msg("Gateway connect failed")
	c.notifyState()
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(err)
	}
}

// Shutdown stops reconnection, closes the transport, fails every
// pending request and transitions to disconnected. Safe to call on an
// already-disconnected Connection.
func (c *Connection) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	ws := c.ws
	c.ws = nil
	waiters := c.takePendingLocked()
	c.state = ConnectionState{Kind: StateDisconnected}
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	failWaiters(waiters, ErrShutdown)
	c.log.Debug().Msg("Connection shut down")
	c.notifyState()
}

// Request sends a req frame and waits for the matching res. It fails
// immediately when not connected. On timeout the pending entry is
// removed and a late response is dropped silently.
func (c *Connection) Request(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	c.mu.Lock()
	if !c.state.Connected() {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	gen := c.gen
	c.mu.Unlock()

	res, err := c.roundTrip(ctx, gen, method, params, timeout)
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// roundTrip registers a pending entry, writes the request and waits
// for exactly one of: matching response, timeout, cancellation, or
// teardown failure.
func (c *Connection) roundTrip(ctx context.Context, gen int, method string, params interface{}, timeout time.Duration) (*wire.Response, error) {
	req, err := wire.NewRequest(uuid.NewString(), method, params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}

	ch := make(chan pendingResult, 1)
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.writeFrame(gen, req); err != nil {
		c.removePending(req.ID)
		return nil, err
	}

	if c.cfg.Verbose {
		c.log.Debug().Str("method", method).Str("id", req.ID).RawJSON("params", nonNilJSON(req.Params)).Msg("Request sent")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return c.finishRoundTrip(method, r)
	case <-timer.C:
		if !c.removePending(req.ID) {
			// A resolution won the race against the timer; the result
			// is already in flight on the buffered channel.
			return c.finishRoundTrip(method, <-ch)
		}
		return nil, fmt.Errorf("%w: %s after %v", ErrRequestTimeout, method, timeout)
	case <-ctx.Done():
		if !c.removePending(req.ID) {
			return c.finishRoundTrip(method, <-ch)
		}
		return nil, ctx.Err()
	}
}

func (c *Connection) finishRoundTrip(method string, r pendingResult) (*wire.Response, error) {
	if r.err != nil {
		return nil, r.err
	}
	if !r.res.OK {
		rpcErr := &RPCError{Method: method}
		if r.res.Error != nil {
			rpcErr.Code = r.res.Error.Code
			rpcErr.Message = r.res.Error.Message
			rpcErr.Details = r.res.Error.Details
		}
		return nil, rpcErr
	}
	return r.res, nil
}

// removePending removes id from the pending table, reporting whether
// it was still present. Presence in the table is the commit point for
// exactly-once resolution.
func (c *Connection) removePending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// takePendingLocked drains the pending table for bulk failure.
func (c *Connection) takePendingLocked() map[string]chan pendingResult {
	waiters := c.pending
	c.pending = make(map[string]chan pendingResult)
	return waiters
}

func failWaiters(waiters map[string]chan pendingResult, err error) {
	for _, ch := range waiters {
		ch <- pendingResult{err: err}
	}
}

// Ping sends a ping frame and waits for the matching pong. Used to
// probe liveness after returning from background.
func (c *Connection) Ping(timeout time.Duration) error {
	c.mu.Lock()
	if !c.state.Connected() {
		c.mu.Unlock()
		return ErrNotConnected
	}
	gen := c.gen
	c.mu.Unlock()

	ping := wire.NewPing(uuid.NewString())
	ch := make(chan pendingResult, 1)
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[ping.ID] = ch
	c.mu.Unlock()

	if err := c.writeFrame(gen, ping); err != nil {
		c.removePending(ping.ID)
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.err
	case <-timer.C:
		if !c.removePending(ping.ID) {
			return (<-ch).err
		}
		return fmt.Errorf("%w: ping after %v", ErrRequestTimeout, timeout)
	}
}

// writeFrame marshals v and writes it as one binary frame.
func (c *Connection) writeFrame(gen int, v interface{}) error {
	c.mu.Lock()
	if c.closed || c.gen != gen || c.ws == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ws := c.ws
	c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// readLoop receives frames until the socket dies. One loop exists per
// generation; stale loops exit silently.
func (c *Connection) readLoop(gen int, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleReadError(gen, err)
			return
		}

		frame := wire.Decode(data)
		if frame == nil {
			continue
		}
		if c.cfg.Verbose {
			c.log.Debug().RawJSON("frame", data).Msg("Frame received")
		}

		switch f := frame.(type) {
		case *wire.Response:
			c.resolvePending(f)
		case *wire.Ping:
			// Answer immediately, no business logic in between.
			if werr := c.writeFrame(gen, wire.NewPong(f.ID)); werr != nil {
				c.log.Debug().Err(werr).Msg("Failed to answer ping")
			}
		case *wire.Pong:
			c.resolvePending(&wire.Response{Type: wire.TypeResponse, ID: f.ID, OK: true})
		case *wire.Event:
			c.handleEvent(gen, f)
		}
	}
}

// resolvePending delivers a response to its waiter. A response whose
// id is no longer pending (timed out, shut down) is dropped silently.
func (c *Connection) resolvePending(res *wire.Response) {
	c.mu.Lock()
	ch, ok := c.pending[res.ID]
	if ok {
		delete(c.pending, res.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- pendingResult{res: res}
	}
}

func (c *Connection) handleEvent(gen int, evt *wire.Event) {
	switch evt.Event {
	case wire.EventTick:
		c.mu.Lock()
		if c.gen == gen {
			c.lastTick = time.Now()
		}
		c.mu.Unlock()
	case wire.EventChallenge:
		var challenge wire.ChallengePayload
		if err := json.Unmarshal(evt.Payload, &challenge); err != nil || challenge.Nonce == "" {
			c.log.Warn().Msg("Ignoring malformed connect.challenge")
			return
		}
		c.mu.Lock()
		a := c.attempt
		c.mu.Unlock()
		if a != nil {
			select {
			case a.challenge <- challenge.Nonce:
			default:
			}
		}
	case wire.EventInvokeRequest:
		var req wire.InvokeRequest
		if err := json.Unmarshal(evt.Payload, &req); err != nil || req.ID == "" {
			c.log.Warn().Msg("Ignoring malformed node.invoke.request")
			return
		}
		go c.handleInvoke(req)
	default:
		c.dispatchPush(gen, evt)
	}
}

// dispatchPush delivers an event to the push handler in receive order,
// emitting a synthetic seqGap push immediately before any event that
// reveals a sequence discontinuity.
func (c *Connection) dispatchPush(gen int, evt *wire.Event) {
	if c.cfg.OnPush == nil {
		return
	}

	var gap *Push
	c.mu.Lock()
	if c.gen == gen && evt.Seq != nil {
		if c.seqValid && *evt.Seq != c.lastSeq+1 {
			gap = &Push{Kind: PushSeqGap, Expected: c.lastSeq + 1, Received: *evt.Seq}
		}
		c.lastSeq = *evt.Seq
		c.seqValid = true
	}
	c.mu.Unlock()

	if gap != nil {
		c.log.Warn().
			Int64("expected", gap.Expected).
			Int64("received", gap.Received).
			Msg("Event sequence gap detected")
		c.cfg.OnPush(*gap)
	}
	c.cfg.OnPush(Push{Kind: PushEvent, Event: evt.Event, Payload: evt.Payload, Seq: evt.Seq})
}

// handleInvoke runs one capability invocation and sends exactly one
// node.invoke.result back, whatever the handler outcome.
func (c *Connection) handleInvoke(req wire.InvokeRequest) {
	result := c.runInvoke(&req)

	if _, err := c.Request(context.Background(), wire.MethodInvokeResult, result, c.cfg.RequestTimeout); err != nil {
		c.log.Warn().Err(err).Str("invoke_id", req.ID).Msg("Failed to report invoke result")
	}
}

func (c *Connection) runInvoke(req *wire.InvokeRequest) *wire.InvokeResult {
	handler := c.cfg.Invoke
	if handler == nil {
		return &wire.InvokeResult{
			ID: req.ID,
			Error: &wire.InvokeError{
				Code:    wire.InvokeErrUnavailable,
				Message: "no invoke handler registered",
			},
		}
	}

	ctx := context.Background()
	cancel := func() {}
	if req.TimeoutMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
	}
	defer cancel()

	type outcome struct {
		payload json.RawMessage
		ierr    *wire.InvokeError
	}
	ch := make(chan outcome, 1)
	go func() {
		payload, ierr := handler(ctx, req)
		ch <- outcome{payload: payload, ierr: ierr}
	}()

	select {
	case out := <-ch:
		if out.ierr != nil {
			return &wire.InvokeResult{ID: req.ID, Error: out.ierr}
		}
		return &wire.InvokeResult{ID: req.ID, OK: true, Payload: out.payload}
	case <-ctx.Done():
		// The timeout won; the handler's eventual result is discarded.
		return &wire.InvokeResult{
			ID: req.ID,
			Error: &wire.InvokeError{
				Code:    wire.InvokeErrTimeout,
				Message: fmt.Sprintf("command %s timed out after %dms", req.Command, req.TimeoutMs),
			},
		}
	}
}

// handleReadError tears down after an unexpected receive failure.
func (c *Connection) handleReadError(gen int, err error) {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		// Deliberate shutdown or an already-superseded socket.
		c.mu.Unlock()
		return
	}

	var terr error
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		terr = &TransportClosedError{CloseCode: closeErr.Code, Reason: closeErr.Text}
	} else {
		terr = &ConnectionFailedError{Reason: "receive failed", Err: err}
	}

	if c.attempt != nil && !c.state.Connected() {
		// Handshake in flight: let the connect path classify and
		// report the failure. A Connected state here means the
		// handshake already succeeded and only the attempt record has
		// not been cleared yet; that socket must be torn down like any
		// other established one.
		a := c.attempt
		waiters := c.takePendingLocked()
		c.mu.Unlock()
		select {
		case a.transportErr <- err:
		default:
		}
		failWaiters(waiters, terr)
		return
	}

	c.gen++
	ws := c.ws
	c.ws = nil
	waiters := c.takePendingLocked()
	c.state = ConnectionState{Kind: StateFailed, Reason: terr.Error(), Err: terr}
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	failWaiters(waiters, terr)
	c.log.Warn().Err(terr).Msg("Gateway connection lost")
	c.notifyState()
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(terr)
	}

	var tc *TransportClosedError
	if errors.As(terr, &tc) && !tc.Retryable() {
		c.log.Error().Int("close_code", tc.CloseCode).Msg("Non-retryable close, reconnection suppressed")
		return
	}
	if c.cfg.AutoReconnect {
		c.scheduleReconnect()
	}
}

// watchdog declares the connection stale when no tick arrives within
// the tolerance window and tears it down.
func (c *Connection) watchdog(gen int, tick time.Duration) {
	tolerance := time.Duration(float64(tick) * tickToleranceFactor)
	for {
		time.Sleep(tolerance)

		c.mu.Lock()
		if c.closed || c.gen != gen {
			c.mu.Unlock()
			return
		}
		elapsed := time.Since(c.lastTick)
		if elapsed <= tolerance {
			c.mu.Unlock()
			continue
		}

		c.gen++
		ws := c.ws
		c.ws = nil
		waiters := c.takePendingLocked()
		reason := fmt.Sprintf("stale: no tick for %v", elapsed.Round(time.Millisecond))
		staleErr := &ConnectionFailedError{Reason: reason}
		c.state = ConnectionState{Kind: StateFailed, Reason: reason, Err: staleErr}
		c.mu.Unlock()

		if ws != nil {
			ws.Close()
		}
		failWaiters(waiters, staleErr)
		c.log.Warn().Dur("elapsed", elapsed).Dur("tolerance", tolerance).Msg("Watchdog declared connection stale")
		c.notifyState()
		if c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect(staleErr)
		}
		if c.cfg.AutoReconnect {
			c.scheduleReconnect()
		}
		return
	}
}

// scheduleReconnect starts the backoff-based reconnect loop, at most
// one at a time.
func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
		}()

		for {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			delay := c.backoff.Next()
			c.mu.Unlock()

			c.log.Info().Dur("delay", delay).Msg("Reconnecting after backoff")
			time.Sleep(delay)

			err := c.Connect(context.Background())
			if err == nil || errors.Is(err, ErrShutdown) || errors.Is(err, ErrPairingRequired) {
				return
			}
			var tc *TransportClosedError
			if errors.As(err, &tc) && !tc.Retryable() {
				return
			}
		}
	}()
}

// ResetToDisconnected returns a non-connected Connection to the
// quiescent disconnected state. Used when the pairing ceiling expires
// and the role falls back to ordinary backoff reconnection.
func (c *Connection) ResetToDisconnected() {
	c.mu.Lock()
	if c.closed || c.state.Connected() || c.state.Kind == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = ConnectionState{Kind: StateDisconnected}
	c.mu.Unlock()
	c.notifyState()
}

// Invalidate forcibly tears down the current socket as failed. Used
// after a liveness probe shows the transport died silently (for
// example while the app was backgrounded).
func (c *Connection) Invalidate(reason string) {
	c.mu.Lock()
	if c.closed || !c.state.Connected() {
		c.mu.Unlock()
		return
	}
	c.gen++
	ws := c.ws
	c.ws = nil
	waiters := c.takePendingLocked()
	staleErr := &ConnectionFailedError{Reason: reason}
	c.state = ConnectionState{Kind: StateFailed, Reason: reason, Err: staleErr}
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	failWaiters(waiters, staleErr)
	c.log.Info().Str("reason", reason).Msg("Connection invalidated")
	c.notifyState()
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(staleErr)
	}
}

func (c *Connection) notifyState() {
	if c.cfg.OnState != nil {
		c.cfg.OnState(c.State())
	}
}

func nonNilJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
