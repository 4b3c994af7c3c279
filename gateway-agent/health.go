package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/gatewaylink/gateway"
)

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	port   int
	server *http.Server
	status *HealthStatus
	mu     sync.RWMutex
}

// HealthStatus represents the current connection status
type HealthStatus struct {
	Healthy          bool      `json:"healthy"`
	Status           string    `json:"status"`
	AuthTokenMissing bool      `json:"auth_token_missing"`
	LastFailure      string    `json:"last_failure,omitempty"`
	LastChange       time.Time `json:"last_change"`
	Uptime           string    `json:"uptime"`
	Version          string    `json:"version"`
}

var startTime = time.Now()

// NewHealthServer creates a new health server
func NewHealthServer(port int) *HealthServer {
	return &HealthServer{
		port: port,
		status: &HealthStatus{
			Status:  gateway.StatusDisconnected.String(),
			Version: Version,
		},
	}
}

// Start starts the health server
func (h *HealthServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.HandleFunc("/metrics", h.handleMetrics)

	h.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.port),
		Handler: mux,
	}

	log.Info().Int("port", h.port).Msg("Starting health server")

	if err := h.server.ListenAndServe(); err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health server error")
	}
}

// Stop stops the health server
func (h *HealthServer) Stop() {
	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.server.Shutdown(ctx)
	}
}

// UpdateStatus records the latest combined connection status
func (h *HealthServer) UpdateStatus(status gateway.DualStatus, authTokenMissing bool, lastFailure gateway.FailureClass) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.status.Status = status.String()
	h.status.Healthy = status == gateway.StatusConnected
	h.status.AuthTokenMissing = authTokenMissing
	h.status.LastFailure = lastFailure.String()
	h.status.LastChange = time.Now()
}

// handleHealth handles the /health endpoint
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	status := *h.status
	h.mu.RUnlock()

	status.Uptime = time.Since(startTime).String()

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// handleReady handles the /ready endpoint
func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	healthy := h.status.Healthy
	h.mu.RUnlock()

	if healthy {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	}
}

// handleMetrics handles the /metrics endpoint (Prometheus format)
func (h *HealthServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	status := *h.status
	h.mu.RUnlock()

	connectedVal := 0
	if status.Healthy {
		connectedVal = 1
	}
	tokenMissingVal := 0
	if status.AuthTokenMissing {
		tokenMissingVal = 1
	}

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "# HELP gatewaylink_agent_connected Whether both gateway roles are connected\n")
	fmt.Fprintf(w, "# TYPE gatewaylink_agent_connected gauge\n")
	fmt.Fprintf(w, "gatewaylink_agent_connected %d\n", connectedVal)
	fmt.Fprintf(w, "# HELP gatewaylink_agent_auth_token_missing Whether connecting is blocked on a missing auth token\n")
	fmt.Fprintf(w, "# TYPE gatewaylink_agent_auth_token_missing gauge\n")
	fmt.Fprintf(w, "gatewaylink_agent_auth_token_missing %d\n", tokenMissingVal)
	fmt.Fprintf(w, "# HELP gatewaylink_agent_status Connection status by name\n")
	fmt.Fprintf(w, "# TYPE gatewaylink_agent_status gauge\n")
	fmt.Fprintf(w, "gatewaylink_agent_status{status=%q} 1\n", status.Status)
	fmt.Fprintf(w, "# HELP gatewaylink_agent_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE gatewaylink_agent_uptime_seconds counter\n")
	fmt.Fprintf(w, "gatewaylink_agent_uptime_seconds %.0f\n", time.Since(startTime).Seconds())
}
