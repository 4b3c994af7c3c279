package wire

import "encoding/json"

// ClientInfo describes the connecting application to the gateway.
type ClientInfo struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName"`
	Version         string `json:"version"`
	Platform        string `json:"platform"`
	Mode            string `json:"mode"`
	InstanceID      string `json:"instanceId"`
	DeviceFamily    string `json:"deviceFamily"`
	ModelIdentifier string `json:"modelIdentifier,omitempty"`
}

// DeviceAuth carries the signed device identity attached to a connect
// request. Nonce is present only for the v2 challenge scheme.
type DeviceAuth struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  string `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// TokenAuth carries the auth token (device token or shared fallback).
type TokenAuth struct {
	Token string `json:"token"`
}

// ConnectParams is the payload of the connect request.
type ConnectParams struct {
	MinProtocol int             `json:"minProtocol"`
	MaxProtocol int             `json:"maxProtocol"`
	Client      ClientInfo      `json:"client"`
	Caps        []string        `json:"caps"`
	Locale      string          `json:"locale,omitempty"`
	UserAgent   string          `json:"userAgent,omitempty"`
	Role        string          `json:"role"`
	Scopes      []string        `json:"scopes"`
	Commands    []string        `json:"commands,omitempty"`
	Permissions map[string]bool `json:"permissions,omitempty"`
	Auth        *TokenAuth      `json:"auth,omitempty"`
	Device      *DeviceAuth     `json:"device,omitempty"`
}

// ChallengePayload is the body of a connect.challenge event.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
}

// ConnectPolicy carries server-dictated channel policy.
type ConnectPolicy struct {
	TickIntervalMs int `json:"tickIntervalMs,omitempty"`
}

// ConnectAuthResult reports the credentials granted by the server.
type ConnectAuthResult struct {
	DeviceToken string   `json:"deviceToken,omitempty"`
	Role        string   `json:"role,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

// ConnectResult is the payload of a successful connect response.
type ConnectResult struct {
	MinProtocol   int               `json:"minProtocol"`
	MaxProtocol   int               `json:"maxProtocol"`
	Protocol      int               `json:"protocol"`
	ServerName    string            `json:"serverName"`
	ServerVersion string            `json:"serverVersion,omitempty"`
	UptimeSeconds int64             `json:"uptimeSeconds,omitempty"`
	CanvasHostURL string            `json:"canvasHostUrl,omitempty"`
	Policy        ConnectPolicy     `json:"policy"`
	Auth          ConnectAuthResult `json:"auth"`
}

// Capability invoke error codes. The router may emit others; these are
// the ones the connection layer produces itself.
const (
	InvokeErrInvalidRequest        = "invalidRequest"
	InvokeErrUnavailable           = "unavailable"
	InvokeErrBackgroundUnavailable = "backgroundUnavailable"
	InvokeErrTimeout               = "timeout"
)

// InvokeRequest is the command descriptor parsed from a
// node.invoke.request event payload.
type InvokeRequest struct {
	ID        string          `json:"id"`
	NodeID    string          `json:"nodeId,omitempty"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"paramsJSON,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

// InvokeError describes a failed capability invocation.
type InvokeError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// InvokeResult is sent back as the params of a node.invoke.result
// request, exactly once per InvokeRequest.
type InvokeResult struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payloadJSON,omitempty"`
	Error   *InvokeError    `json:"error,omitempty"`
}
