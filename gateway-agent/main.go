// Package main implements the gatewaylink agent daemon. The agent
// keeps operator and node connections to a remote gateway, routes
// capability invocations to local handlers and exposes a local HTTP
// health endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/gatewaylink/gateway"
	"github.com/mesmerverse/gatewaylink/identity"
	"github.com/mesmerverse/gatewaylink/tokenstore"
	"github.com/mesmerverse/gatewaylink/wire"
)

// Version is set at build time
var Version = "dev"

func main() {
	// Parse command line flags
	configPath := flag.String("config", "/etc/gatewaylink/agent.yaml", "Path to configuration file")
	host := flag.String("host", "", "Gateway host (overrides config)")
	port := flag.Int("port", 0, "Gateway port (overrides config)")
	authToken := flag.String("auth-token", "", "Gateway auth token (overrides config)")
	useTLS := flag.Bool("tls", false, "Use TLS for the gateway connection")
	healthPort := flag.Int("health-port", 0, "Health server port (overrides config)")
	verbose := flag.Bool("verbose", false, "Enable frame-level debug logging")
	flag.Parse()

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Msg("Gatewaylink agent starting")

	// Load configuration
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Override with command line flags
	if *host != "" {
		cfg.Gateway.Host = *host
	}
	if *port != 0 {
		cfg.Gateway.Port = *port
	}
	if *authToken != "" {
		cfg.Gateway.AuthToken = *authToken
	}
	if *useTLS {
		cfg.Gateway.UseTLS = true
	}
	if *healthPort != 0 {
		cfg.Health.Port = *healthPort
	}
	if *verbose {
		cfg.Verbose = true
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Unseal the device identity
	device, err := identity.Load(cfg.Identity.Path, []byte(cfg.Identity.Secret))
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Identity.Path).Msg("Failed to load device identity")
	}
	log.Info().Str("device_id", device.ID).Msg("Device identity loaded")

	// Open the device-token store
	tokens, err := tokenstore.Open(cfg.Tokens.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Tokens.Path).Msg("Failed to open token store")
	}
	defer tokens.Close()

	router := NewCapRouter()
	health := NewHealthServer(cfg.Health.Port)

	var manager *gateway.Manager
	manager = gateway.NewManager(gateway.ManagerConfig{
		Client: wire.ClientInfo{
			ID:           cfg.Client.ID,
			DisplayName:  cfg.Client.DisplayName,
			Version:      Version,
			Platform:     cfg.Client.Platform,
			Mode:         cfg.Client.Mode,
			InstanceID:   cfg.Client.InstanceID,
			DeviceFamily: cfg.Client.DeviceFamily,
		},
		Locale:         cfg.Client.Locale,
		UserAgent:      "gatewaylink-agent/" + Version,
		WSPath:         cfg.Gateway.WSPath,
		Commands:       router.Commands(),
		OperatorScopes: []string{"chat.send", "chat.history", "chat.abort", "status"},
		NodeScopes:     []string{"node.invoke"},
		Device:         device,
		Tokens:         tokens,
		Invoke:         router.Invoke,
		Verbose:        cfg.Verbose,
		Logger:         log.Logger,
		OnStatus: func(status gateway.DualStatus) {
			log.Info().Str("status", status.String()).Msg("Gateway status changed")
			health.UpdateStatus(status, manager.AuthTokenMissing(), manager.LastFailure())
		},
		OnPush: func(role gateway.Role, p gateway.Push) {
			if p.Kind == gateway.PushSeqGap {
				log.Warn().
					Str("role", string(role)).
					Int64("expected", p.Expected).
					Int64("received", p.Received).
					Msg("Event sequence gap, state may be stale")
			}
		},
	})

	go health.Start()

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	creds := gateway.Credentials{
		Host:      cfg.Gateway.Host,
		Port:      cfg.Gateway.Port,
		AuthToken: cfg.Gateway.AuthToken,
		UseTLS:    cfg.Gateway.UseTLS,
	}
	if err := manager.Connect(ctx, creds); err != nil {
		if errors.Is(err, gateway.ErrInvalidURL) || errors.Is(err, gateway.ErrAuthTokenMissing) {
			log.Fatal().Err(err).Msg("Cannot connect with the given gateway settings")
		}
		// The reconnect loops keep retrying; just report the first failure.
		log.Warn().Err(err).Msg("Initial gateway handshake failed, retrying in background")
	}

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	manager.Disconnect()
	health.Stop()

	log.Info().Msg("Agent shutdown complete")
}
