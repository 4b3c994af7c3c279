package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mesmerverse/gatewaylink/identity"
	"github.com/mesmerverse/gatewaylink/wire"
)

// fakeGateway is an in-process gateway: it upgrades WebSocket
// connections, answers connect requests and pings, and exposes knobs
// for failure injection.
type fakeGateway struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	connectSeen int

	sendChallenge  bool
	nonce          string
	tickIntervalMs int
	serverName     string
	deviceToken    string
	connectDelay   time.Duration
	ignorePings    bool

	// onConnect overrides the default successful connect response.
	onConnect func(params *wire.ConnectParams) *wire.Response
	// onRequest overrides the default empty-ok response for non-connect
	// requests; returning nil sends no response at all.
	onRequest func(req *wire.Request) *wire.Response

	params chan *wire.ConnectParams
	reqs   chan *wire.Request
	conns  chan *fakeConn
}

type fakeConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (fc *fakeConn) send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()
	// The peer may already be gone; that is fine in tests.
	_ = fc.ws.WriteMessage(websocket.BinaryMessage, data)
}

// closeWithCode sends a close frame with the given status code, then
// drops the socket.
func (fc *fakeConn) closeWithCode(code int, reason string) {
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = fc.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = fc.ws.Close()
}

func (fc *fakeConn) sendEvent(name string, payload interface{}, seq *int64) {
	evt := map[string]interface{}{"type": "event", "event": name}
	if payload != nil {
		evt["payload"] = payload
	}
	if seq != nil {
		evt["seq"] = *seq
	}
	fc.send(evt)
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()

	g := &fakeGateway{
		t:              t,
		serverName:     "test-gateway",
		tickIntervalMs: 60000,
		params:         make(chan *wire.ConnectParams, 8),
		reqs:           make(chan *wire.Request, 32),
		conns:          make(chan *fakeConn, 8),
	}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

// hostPort splits the test server address for Credentials.
func (g *fakeGateway) hostPort() (string, int) {
	addr := strings.TrimPrefix(g.srv.URL, "http://")
	host, portStr, found := strings.Cut(addr, ":")
	if !found {
		g.t.Fatalf("Unexpected test server URL %q", g.srv.URL)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		g.t.Fatalf("Unexpected test server port %q", portStr)
	}
	return host, port
}

func (g *fakeGateway) connectCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connectSeen
}

func (g *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fc := &fakeConn{ws: ws}
	select {
	case g.conns <- fc:
	default:
	}

	if g.sendChallenge {
		fc.sendEvent(wire.EventChallenge, map[string]string{"nonce": g.nonce}, nil)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		switch f := wire.Decode(data).(type) {
		case *wire.Request:
			g.handleRequest(fc, f)
		case *wire.Ping:
			g.mu.Lock()
			drop := g.ignorePings
			g.mu.Unlock()
			if !drop {
				fc.send(wire.NewPong(f.ID))
			}
		}
	}
}

func (g *fakeGateway) handleRequest(fc *fakeConn, req *wire.Request) {
	if req.Method == wire.MethodConnect {
		var params wire.ConnectParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			g.t.Errorf("Malformed connect params: %v", err)
			return
		}
		g.mu.Lock()
		g.connectSeen++
		g.mu.Unlock()
		select {
		case g.params <- &params:
		default:
		}

		if g.connectDelay > 0 {
			time.Sleep(g.connectDelay)
		}

		res := g.okConnect(&params)
		if g.onConnect != nil {
			res = g.onConnect(&params)
		}
		res.ID = req.ID
		fc.send(res)
		return
	}

	select {
	case g.reqs <- req:
	default:
	}

	res := &wire.Response{Type: wire.TypeResponse, OK: true}
	if g.onRequest != nil {
		res = g.onRequest(req)
		if res == nil {
			return
		}
	}
	res.ID = req.ID
	fc.send(res)
}

func (g *fakeGateway) okConnect(params *wire.ConnectParams) *wire.Response {
	result := wire.ConnectResult{
		MinProtocol: ProtocolMin,
		MaxProtocol: ProtocolMax,
		Protocol:    ProtocolMax,
		ServerName:  g.serverName,
		Policy:      wire.ConnectPolicy{TickIntervalMs: g.tickIntervalMs},
		Auth: wire.ConnectAuthResult{
			DeviceToken: g.deviceToken,
			Role:        params.Role,
			Scopes:      params.Scopes,
		},
	}
	payload, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	return &wire.Response{Type: wire.TypeResponse, OK: true, Payload: payload}
}

func errResponse(code, message string) *wire.Response {
	return &wire.Response{
		Type:  wire.TypeResponse,
		OK:    false,
		Error: &wire.ErrorBody{Code: code, Message: message},
	}
}

// memTokens is an in-memory TokenStore for tests.
type memTokens struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemTokens() *memTokens {
	return &memTokens{m: make(map[string]string)}
}

func (s *memTokens) key(deviceID, role string) string { return deviceID + "/" + role }

func (s *memTokens) Get(deviceID, role string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[s.key(deviceID, role)], nil
}

func (s *memTokens) Put(deviceID, role, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[s.key(deviceID, role)] = token
	return nil
}

func (s *memTokens) Delete(deviceID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, s.key(deviceID, role))
	return nil
}

func testDevice(t *testing.T) *identity.Device {
	t.Helper()

	dev, err := identity.Load(filepath.Join(t.TempDir(), "device.sealed"), []byte("test-secret"))
	if err != nil {
		t.Fatalf("Failed to create test identity: %v", err)
	}
	return dev
}

func testClientInfo() wire.ClientInfo {
	return wire.ClientInfo{
		ID:           "gatewaylink-test",
		DisplayName:  "Gatewaylink Test",
		Version:      "0.0.1",
		Platform:     "linux",
		Mode:         "test",
		InstanceID:   "inst-1",
		DeviceFamily: "workstation",
	}
}

// newTestConn builds a Connection against the fake gateway with fast
// test timeouts. mutate may adjust the config before construction.
func newTestConn(t *testing.T, g *fakeGateway, role Role, mutate func(*ConnConfig)) *Connection {
	t.Helper()

	cfg := ConnConfig{
		URL:              g.wsURL(),
		Role:             role,
		Scopes:           []string{"chat.send", "chat.history"},
		Client:           testClientInfo(),
		Device:           testDevice(t),
		Tokens:           newMemTokens(),
		SharedToken:      "shared-token",
		Logger:           zerolog.Nop(),
		ChallengeTimeout: 100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewConnection(cfg)
	t.Cleanup(c.Shutdown)
	return c
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for: %s", msg)
}
