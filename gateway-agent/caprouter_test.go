package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mesmerverse/gatewaylink/wire"
)

func invoke(t *testing.T, r *CapRouter, command string, params string) (json.RawMessage, *wire.InvokeError) {
	t.Helper()

	req := &wire.InvokeRequest{ID: "inv-1", Command: command}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return r.Invoke(context.Background(), req)
}

func TestSystemInfo(t *testing.T) {
	r := NewCapRouter()

	payload, invErr := invoke(t, r, "system.info", "")
	if invErr != nil {
		t.Fatalf("system.info failed: %+v", invErr)
	}

	var info struct {
		Hostname string `json:"hostname"`
		OS       string `json:"os"`
		Arch     string `json:"arch"`
		PID      int    `json:"pid"`
	}
	if err := json.Unmarshal(payload, &info); err != nil {
		t.Fatalf("Malformed payload: %v", err)
	}
	if info.OS == "" || info.Arch == "" || info.PID == 0 {
		t.Errorf("Incomplete system info: %+v", info)
	}
}

func TestTimeNowFormats(t *testing.T) {
	r := NewCapRouter()

	payload, invErr := invoke(t, r, "time.now", "")
	if invErr != nil {
		t.Fatalf("time.now failed: %+v", invErr)
	}
	var rfc struct {
		Time   string `json:"time"`
		Format string `json:"format"`
	}
	if err := json.Unmarshal(payload, &rfc); err != nil {
		t.Fatalf("Malformed payload: %v", err)
	}
	if rfc.Format != "rfc3339" || rfc.Time == "" {
		t.Errorf("Unexpected default format result: %+v", rfc)
	}

	payload, invErr = invoke(t, r, "time.now", `{"format":"unixMs"}`)
	if invErr != nil {
		t.Fatalf("time.now unixMs failed: %+v", invErr)
	}
	var ms struct {
		Time int64 `json:"time"`
	}
	if err := json.Unmarshal(payload, &ms); err != nil {
		t.Fatalf("Malformed payload: %v", err)
	}
	if ms.Time <= 0 {
		t.Errorf("Expected positive unix milliseconds, got %d", ms.Time)
	}
}

func TestTimeNowRejectsBadParams(t *testing.T) {
	r := NewCapRouter()

	if _, invErr := invoke(t, r, "time.now", `{"format":`); invErr == nil || invErr.Code != wire.InvokeErrInvalidRequest {
		t.Errorf("Malformed params: got %+v, want %s", invErr, wire.InvokeErrInvalidRequest)
	}
	if _, invErr := invoke(t, r, "time.now", `{"format":"sundial"}`); invErr == nil || invErr.Code != wire.InvokeErrInvalidRequest {
		t.Errorf("Unknown format: got %+v, want %s", invErr, wire.InvokeErrInvalidRequest)
	}
}

func TestUnknownCommandUnavailable(t *testing.T) {
	r := NewCapRouter()

	if _, invErr := invoke(t, r, "disk.format", ""); invErr == nil || invErr.Code != wire.InvokeErrUnavailable {
		t.Errorf("Unknown command: got %+v, want %s", invErr, wire.InvokeErrUnavailable)
	}
}

func TestBackgroundGating(t *testing.T) {
	r := NewCapRouter()
	r.SetBackground(true)

	// system.info is not background-safe.
	if _, invErr := invoke(t, r, "system.info", ""); invErr == nil || invErr.Code != wire.InvokeErrBackgroundUnavailable {
		t.Errorf("Backgrounded system.info: got %+v, want %s", invErr, wire.InvokeErrBackgroundUnavailable)
	}

	// time.now is.
	if _, invErr := invoke(t, r, "time.now", ""); invErr != nil {
		t.Errorf("Backgrounded time.now should work, got %+v", invErr)
	}

	r.SetBackground(false)
	if _, invErr := invoke(t, r, "system.info", ""); invErr != nil {
		t.Errorf("Foregrounded system.info should work, got %+v", invErr)
	}
}

func TestCommandsAdvertisesBuiltins(t *testing.T) {
	r := NewCapRouter()

	names := map[string]bool{}
	for _, name := range r.Commands() {
		names[name] = true
	}
	if !names["system.info"] || !names["time.now"] {
		t.Errorf("Missing built-in commands in %v", r.Commands())
	}
}
