package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mesmerverse/gatewaylink/identity"
	"github.com/mesmerverse/gatewaylink/wire"
)

// Default pairing loop tunables.
const (
	defaultPairingRetryInterval = 3 * time.Second
	defaultPairingCeiling       = 2 * time.Minute
	defaultWSPath               = "/ws"
	defaultProbeTimeout         = 5 * time.Second
)

// Credentials locate and authenticate against one gateway endpoint.
type Credentials struct {
	Host      string
	Port      int
	AuthToken string
	UseTLS    bool
}

// ManagerConfig configures the dual-role connection manager.
type ManagerConfig struct {
	Client      wire.ClientInfo
	Locale      string
	UserAgent   string
	WSPath      string
	Caps        []string
	Commands    []string
	Permissions map[string]bool

	// Per-role scope sets advertised at connect time.
	OperatorScopes []string
	NodeScopes     []string

	Device *identity.Device
	Tokens TokenStore

	// Invoke is the capability router; it serves only the node role.
	Invoke InvokeHandler

	OnStatus func(DualStatus)
	OnPush   func(Role, Push)

	Verbose bool
	Logger  zerolog.Logger

	PairingRetryInterval time.Duration
	PairingCeiling       time.Duration
	ChallengeTimeout     time.Duration
	ProbeTimeout         time.Duration
}

// TestResult reports the outcome of a throwaway reachability probe.
type TestResult struct {
	ServerName string
	Protocol   int
	Latency    time.Duration
}

// Manager orchestrates the two logically separate connections
// (operator and node) against one gateway endpoint. Each role runs its
// own reconnect loop with its own backoff and pairing clock; the
// Manager only aggregates their states into one combined status.
type Manager struct {
	cfg ManagerConfig
	log zerolog.Logger

	mu               sync.Mutex
	creds            *Credentials
	op               *Connection
	node             *Connection
	opState          ConnectionState
	nodeState        ConnectionState
	status           DualStatus
	authTokenMissing bool
	lastFailure      FailureClass
	loopCtx          context.Context
	loopCancel       context.CancelFunc
	loopsActive      bool
	nodeLoopStarted  bool
	session          int

	notifyOp   chan struct{}
	notifyNode chan struct{}
}

// NewManager creates a Manager in the disconnected status.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.PairingRetryInterval == 0 {
		cfg.PairingRetryInterval = defaultPairingRetryInterval
	}
	if cfg.PairingCeiling == 0 {
		cfg.PairingCeiling = defaultPairingCeiling
	}
	if cfg.WSPath == "" {
		cfg.WSPath = defaultWSPath
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	return &Manager{
		cfg:        cfg,
		log:        cfg.Logger.With().Str("component", "manager").Logger(),
		status:     StatusDisconnected,
		notifyOp:   make(chan struct{}, 1),
		notifyNode: make(chan struct{}, 1),
	}
}

// Status returns the current combined status.
func (m *Manager) Status() DualStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// AuthTokenMissing reports whether the last connect attempt was
// short-circuited because the target host requires an auth token and
// none was supplied.
func (m *Manager) AuthTokenMissing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authTokenMissing
}

// LastFailure returns the coarse classification of the most recent
// connect failure, for diagnostic display.
func (m *Manager) LastFailure() FailureClass {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFailure
}

// SetCredentials stores credentials for ConnectIfNeeded without
// connecting.
func (m *Manager) SetCredentials(creds Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = &creds
}

// ConnectIfNeeded connects using the stored credentials unless the
// loops are already running.
func (m *Manager) ConnectIfNeeded(ctx context.Context) error {
	m.mu.Lock()
	if m.loopsActive {
		m.mu.Unlock()
		return nil
	}
	creds := m.creds
	m.mu.Unlock()

	if creds == nil {
		return fmt.Errorf("%w: no credentials configured", ErrNotConnected)
	}
	return m.Connect(ctx, *creds)
}

// Connect validates credentials, builds one Connection per role and
// starts the operator reconnect loop. The node loop starts once the
// operator reports connected or pairingPending. The first operator
// handshake error (except pairingRequired) is returned to the caller
// while the loops keep retrying in the background.
func (m *Manager) Connect(ctx context.Context, creds Credentials) error {
	wsURL, err := buildGatewayURL(creds, m.cfg.WSPath)
	if err != nil {
		return err
	}

	if requiresAuthToken(creds.Host) && creds.AuthToken == "" {
		m.mu.Lock()
		m.creds = &creds
		m.authTokenMissing = true
		m.status = StatusDisconnected
		m.mu.Unlock()
		m.log.Warn().Str("host", creds.Host).Msg("Auth token required but missing, not connecting")
		m.publishStatus()
		return ErrAuthTokenMissing
	}

	m.mu.Lock()
	if m.loopsActive {
		if m.creds != nil && *m.creds == creds {
			m.mu.Unlock()
			return nil
		}
		// Different credentials while connected: tear everything down
		// and start over against the new endpoint.
		m.mu.Unlock()
		m.log.Info().Str("host", creds.Host).Msg("Credentials changed, tearing down existing connections")
		m.Disconnect()
		m.mu.Lock()
	}
	if m.loopsActive {
		// Another Connect raced in while we were tearing down.
		m.mu.Unlock()
		return nil
	}
	m.creds = &creds
	m.authTokenMissing = false
	m.lastFailure = FailureNone
	m.session++
	session := m.session
	loopCtx, cancel := context.WithCancel(context.Background())
	m.loopCtx = loopCtx
	m.loopCancel = cancel
	m.loopsActive = true
	m.nodeLoopStarted = false
	m.opState = ConnectionState{Kind: StateDisconnected}
	m.nodeState = ConnectionState{Kind: StateDisconnected}
	m.status = DeriveStatus(m.opState, m.nodeState, true)
	m.op = m.buildConnection(RoleOperator, wsURL, creds, session)
	m.node = m.buildConnection(RoleNode, wsURL, creds, session)
	op := m.op
	m.mu.Unlock()

	m.log.Info().Str("url", wsURL).Msg("Starting gateway connection loops")
	m.publishStatus()

	firstErr := make(chan error, 1)
	go m.roleLoop(loopCtx, RoleOperator, op, session, firstErr)

	select {
	case err := <-firstErr:
		if err != nil && !errors.Is(err, ErrPairingRequired) {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) buildConnection(role Role, wsURL string, creds Credentials, session int) *Connection {
	scopes := m.cfg.OperatorScopes
	var invoke InvokeHandler
	if role == RoleNode {
		scopes = m.cfg.NodeScopes
		invoke = m.cfg.Invoke
	}

	return NewConnection(ConnConfig{
		URL:              wsURL,
		Role:             role,
		Scopes:           scopes,
		Caps:             m.cfg.Caps,
		Commands:         m.cfg.Commands,
		Permissions:      m.cfg.Permissions,
		Client:           m.cfg.Client,
		Locale:           m.cfg.Locale,
		UserAgent:        m.cfg.UserAgent,
		SharedToken:      creds.AuthToken,
		Device:           m.cfg.Device,
		Tokens:           m.cfg.Tokens,
		Verbose:          m.cfg.Verbose,
		Logger:           m.cfg.Logger,
		Invoke:           invoke,
		ChallengeTimeout: m.cfg.ChallengeTimeout,
		OnState: func(st ConnectionState) {
			m.onConnectionState(role, session, st)
		},
		OnPush: func(p Push) {
			if m.cfg.OnPush != nil {
				m.cfg.OnPush(role, p)
			}
		},
		OnDisconnect: func(err error) {
			m.log.Debug().Str("role", string(role)).Err(err).Msg("Role connection lost")
		},
	})
}

// onConnectionState is the single aggregation point: it records the
// role's new state, recomputes readiness and the combined status, and
// pokes the role's loop.
func (m *Manager) onConnectionState(role Role, session int, st ConnectionState) {
	m.mu.Lock()
	if session != m.session {
		// Callback from a discarded connection generation.
		m.mu.Unlock()
		return
	}
	if role == RoleOperator {
		m.opState = st
	} else {
		m.nodeState = st
	}

	var startNode *Connection
	var loopCtx context.Context
	if role == RoleOperator && m.loopsActive && !m.nodeLoopStarted &&
		(st.Connected() || st.PairingPending()) {
		// Node capabilities are meaningless without at least an
		// attempted operator session.
		m.nodeLoopStarted = true
		startNode = m.node
		loopCtx = m.loopCtx
	}

	status := DeriveStatus(m.opState, m.nodeState, m.loopsActive)
	changed := status != m.status
	m.status = status
	m.mu.Unlock()

	m.poke(role)
	if startNode != nil {
		m.log.Info().Msg("Operator session attempted, starting node loop")
		go m.roleLoop(m.loopCtxOrBackground(loopCtx), RoleNode, startNode, session, nil)
	}
	if changed {
		m.publishStatus()
	}
}

func (m *Manager) loopCtxOrBackground(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

// roleLoop is one role's supervised reconnect loop. While the role is
// pairingPending it retries the full handshake at a fixed interval; if
// pairing exceeds the ceiling the role resets to disconnected and
// falls back to exponential backoff.
func (m *Manager) roleLoop(ctx context.Context, role Role, conn *Connection, session int, firstErr chan<- error) {
	b := newBackoff()
	var pairingStart time.Time
	notify := m.notifyChan(role)

	reportFirst := func(err error) {
		if firstErr != nil {
			firstErr <- err
			firstErr = nil
		}
	}

	for ctx.Err() == nil {
		st := conn.State()
		switch {
		case st.Connected():
			b.Reset()
			pairingStart = time.Time{}
			reportFirst(nil)
			select {
			case <-ctx.Done():
				return
			case <-notify:
			}

		case st.PairingPending():
			if pairingStart.IsZero() {
				pairingStart = time.Now()
			}
			if time.Since(pairingStart) > m.cfg.PairingCeiling {
				m.log.Warn().Str("role", string(role)).Msg("Pairing ceiling exceeded, falling back to backoff reconnection")
				pairingStart = time.Time{}
				conn.ResetToDisconnected()
				if !sleepCtx(ctx, b.Next()) {
					return
				}
				continue
			}
			if !sleepCtx(ctx, m.cfg.PairingRetryInterval) {
				return
			}
			err := conn.Connect(ctx)
			reportFirst(err)
			if err != nil && !errors.Is(err, ErrPairingRequired) {
				m.recordFailure(err)
			}

		default:
			pairingStart = time.Time{}
			var closed *TransportClosedError
			if errors.As(st.Err, &closed) && !closed.Retryable() {
				// The socket died with a final close code; reconnecting
				// would only repeat the violation.
				m.log.Error().Str("role", string(role)).Err(st.Err).Msg("Non-retryable close, stopping reconnect loop")
				reportFirst(st.Err)
				return
			}
			err := conn.Connect(ctx)
			reportFirst(err)
			if err == nil || errors.Is(err, ErrPairingRequired) {
				continue
			}
			if errors.Is(err, ErrShutdown) || ctx.Err() != nil {
				return
			}
			var tc *TransportClosedError
			if errors.As(err, &tc) && !tc.Retryable() {
				m.log.Error().Str("role", string(role)).Err(err).Msg("Non-retryable failure, stopping reconnect loop")
				return
			}
			m.recordFailure(err)
			if !sleepCtx(ctx, b.Next()) {
				return
			}
		}
	}
}

func (m *Manager) notifyChan(role Role) chan struct{} {
	if role == RoleOperator {
		return m.notifyOp
	}
	return m.notifyNode
}

func (m *Manager) poke(role Role) {
	select {
	case m.notifyChan(role) <- struct{}{}:
	default:
	}
}

// Disconnect stops both loops, shuts down both connections and resets
// to the quiescent disconnected status.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.loopCancel
	m.loopCancel = nil
	m.loopCtx = nil
	m.loopsActive = false
	m.nodeLoopStarted = false
	m.session++
	op, node := m.op, m.node
	m.opState = ConnectionState{Kind: StateDisconnected}
	m.nodeState = ConnectionState{Kind: StateDisconnected}
	m.status = StatusDisconnected
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if op != nil {
		op.Shutdown()
	}
	if node != nil {
		node.Shutdown()
	}
	m.log.Info().Msg("Gateway connections disconnected")
	m.publishStatus()
}

// ForceReconnect discards both Connection objects and re-establishes
// everything from scratch. Used after returning from background when
// sockets may have died silently.
func (m *Manager) ForceReconnect(ctx context.Context) error {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()
	if creds == nil {
		return fmt.Errorf("%w: no credentials configured", ErrNotConnected)
	}

	m.Disconnect()

	m.mu.Lock()
	m.op = nil
	m.node = nil
	m.mu.Unlock()

	return m.Connect(ctx, *creds)
}

// ResumeFromBackground re-checks the liveness of both connections
// rather than trusting cached state. Both dead triggers a full force
// reconnect; a single dead role only restarts that role's loop.
func (m *Manager) ResumeFromBackground(ctx context.Context) error {
	m.mu.Lock()
	active := m.loopsActive
	op, node := m.op, m.node
	m.mu.Unlock()
	if !active {
		return nil
	}

	opDead := m.isDead(op)
	nodeDead := m.isDead(node)

	switch {
	case opDead && nodeDead:
		m.log.Info().Msg("Both connections dead after background, forcing reconnect")
		return m.ForceReconnect(ctx)
	case opDead:
		op.Invalidate("stale after background")
	case nodeDead:
		node.Invalidate("stale after background")
	}
	return nil
}

// isDead probes a connection that claims to be connected.
func (m *Manager) isDead(c *Connection) bool {
	if c == nil || !c.State().Connected() {
		return false
	}
	return c.Ping(m.cfg.ProbeTimeout) != nil
}

// SendMessage sends a chat message over the operator connection and
// returns the run id assigned by the server.
func (m *Manager) SendMessage(ctx context.Context, message string) (string, error) {
	payload, err := m.operatorRequest(ctx, "chat.send", map[string]string{"message": message})
	if err != nil {
		return "", err
	}
	var result struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", fmt.Errorf("malformed chat.send payload: %w", err)
	}
	return result.RunID, nil
}

// LoadHistory fetches up to limit prior chat entries.
func (m *Manager) LoadHistory(ctx context.Context, limit int) (json.RawMessage, error) {
	return m.operatorRequest(ctx, "chat.history", map[string]int{"limit": limit})
}

// AbortRun aborts an in-flight chat run.
func (m *Manager) AbortRun(ctx context.Context, runID string) error {
	_, err := m.operatorRequest(ctx, "chat.abort", map[string]string{"runId": runID})
	return err
}

// operatorRequest issues an RPC over the operator connection, failing
// immediately when the operator role is not connected.
func (m *Manager) operatorRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	op := m.op
	m.mu.Unlock()
	if op == nil || !op.State().Connected() {
		return nil, ErrNotConnected
	}
	return op.Request(ctx, method, params, 0)
}

// SendNodeEvent reports a capability event over the node connection.
// Node events are telemetry: errors are logged, never surfaced.
func (m *Manager) SendNodeEvent(ctx context.Context, event string, payload interface{}) {
	m.mu.Lock()
	node := m.node
	m.mu.Unlock()
	if node == nil || !node.State().Connected() {
		m.log.Debug().Str("event", event).Msg("Dropping node event, node role not connected")
		return
	}
	body := map[string]interface{}{"event": event, "payload": payload}
	if _, err := node.Request(ctx, "node.event", body, 0); err != nil {
		m.log.Warn().Err(err).Str("event", event).Msg("Failed to send node event")
	}
}

// TestConnection performs a throwaway handshake (operator role,
// minimal scopes) to validate reachability and measure round-trip
// latency. It never touches the Manager's persistent state and always
// tears itself down.
func (m *Manager) TestConnection(ctx context.Context, creds Credentials) (*TestResult, error) {
	wsURL, err := buildGatewayURL(creds, m.cfg.WSPath)
	if err != nil {
		return nil, err
	}

	conn := NewConnection(ConnConfig{
		URL:         wsURL,
		Role:        RoleOperator,
		Scopes:      []string{"status"},
		Client:      m.cfg.Client,
		Locale:      m.cfg.Locale,
		UserAgent:   m.cfg.UserAgent,
		SharedToken: creds.AuthToken,
		Device:      m.cfg.Device,
		Logger:      m.cfg.Logger,
	})
	defer conn.Shutdown()

	start := time.Now()
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	latency := time.Since(start)

	info := conn.Info()
	return &TestResult{
		ServerName: info.ServerName,
		Protocol:   info.Protocol,
		Latency:    latency,
	}, nil
}

func (m *Manager) recordFailure(err error) {
	class := FailureOther
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "no route to host") || strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "i/o timeout") {
		class = FailureHostUnreachable
	}
	m.mu.Lock()
	m.lastFailure = class
	m.mu.Unlock()
}

func (m *Manager) publishStatus() {
	if m.cfg.OnStatus != nil {
		m.cfg.OnStatus(m.Status())
	}
}

// buildGatewayURL assembles the ws/wss endpoint URL from credentials.
func buildGatewayURL(creds Credentials, path string) (string, error) {
	if creds.Host == "" || strings.ContainsAny(creds.Host, " /") {
		return "", fmt.Errorf("%w: bad host %q", ErrInvalidURL, creds.Host)
	}
	if creds.Port <= 0 || creds.Port > 65535 {
		return "", fmt.Errorf("%w: bad port %d", ErrInvalidURL, creds.Port)
	}
	scheme := "ws"
	if creds.UseTLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(creds.Host, fmt.Sprintf("%d", creds.Port)),
		Path:   path,
	}
	return u.String(), nil
}

// requiresAuthToken reports whether the host demands a non-empty auth
// token. Loopback addresses are exempt.
func requiresAuthToken(host string) bool {
	if host == "localhost" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
