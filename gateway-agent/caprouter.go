package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/mesmerverse/gatewaylink/wire"
)

// capFunc executes one capability command. params is the raw JSON from
// the invoke request; handlers validate it themselves.
type capFunc func(ctx context.Context, params json.RawMessage) (json.RawMessage, *wire.InvokeError)

type capability struct {
	run capFunc
	// backgroundOK marks commands that stay available while the agent
	// is suspended.
	backgroundOK bool
}

// CapRouter dispatches node.invoke.request commands to registered
// handlers. Unknown commands are rejected with the unavailable code;
// while the agent is backgrounded only background-safe commands run.
type CapRouter struct {
	mu         sync.RWMutex
	caps       map[string]capability
	background bool
}

// NewCapRouter creates a router with the built-in commands registered.
func NewCapRouter() *CapRouter {
	r := &CapRouter{caps: make(map[string]capability)}
	r.Register("system.info", systemInfo, false)
	r.Register("time.now", timeNow, true)
	return r
}

// Register adds or replaces a command handler.
func (r *CapRouter) Register(command string, fn capFunc, backgroundOK bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[command] = capability{run: fn, backgroundOK: backgroundOK}
}

// Commands returns the registered command names, for connect-time
// advertisement.
func (r *CapRouter) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	return names
}

// SetBackground marks the agent as suspended or resumed.
func (r *CapRouter) SetBackground(background bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.background = background
}

// Invoke implements gateway.InvokeHandler.
func (r *CapRouter) Invoke(ctx context.Context, req *wire.InvokeRequest) (json.RawMessage, *wire.InvokeError) {
	r.mu.RLock()
	entry, ok := r.caps[req.Command]
	background := r.background
	r.mu.RUnlock()

	if !ok {
		return nil, &wire.InvokeError{
			Code:    wire.InvokeErrUnavailable,
			Message: fmt.Sprintf("unknown command %q", req.Command),
		}
	}
	if background && !entry.backgroundOK {
		return nil, &wire.InvokeError{
			Code:    wire.InvokeErrBackgroundUnavailable,
			Message: fmt.Sprintf("command %q unavailable while backgrounded", req.Command),
		}
	}
	return entry.run(ctx, req.Params)
}

func systemInfo(ctx context.Context, params json.RawMessage) (json.RawMessage, *wire.InvokeError) {
	hostname, _ := os.Hostname()
	info := map[string]interface{}{
		"hostname": hostname,
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"pid":      os.Getpid(),
		"version":  Version,
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return nil, &wire.InvokeError{Code: wire.InvokeErrUnavailable, Message: err.Error()}
	}
	return payload, nil
}

func timeNow(ctx context.Context, params json.RawMessage) (json.RawMessage, *wire.InvokeError) {
	format := "rfc3339"
	if len(params) > 0 {
		var p struct {
			Format string `json:"format"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &wire.InvokeError{
				Code:    wire.InvokeErrInvalidRequest,
				Message: "malformed params: " + err.Error(),
			}
		}
		if p.Format != "" {
			format = p.Format
		}
	}

	now := time.Now()
	var value interface{}
	switch format {
	case "rfc3339":
		value = now.Format(time.RFC3339Nano)
	case "unixMs":
		value = now.UnixMilli()
	default:
		return nil, &wire.InvokeError{
			Code:    wire.InvokeErrInvalidRequest,
			Message: fmt.Sprintf("unknown format %q", format),
		}
	}

	payload, err := json.Marshal(map[string]interface{}{"time": value, "format": format})
	if err != nil {
		return nil, &wire.InvokeError{Code: wire.InvokeErrUnavailable, Message: err.Error()}
	}
	return payload, nil
}
