// Command hame-relay bridges a local pub/sub broker and one or more vendor
// cloud brokers for a family of home-energy storage devices.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomquist/hame-relay/pkg/bridgeconfig"
	"github.com/tomquist/hame-relay/pkg/brokercfg"
	"github.com/tomquist/hame-relay/pkg/forwarder"
	"github.com/tomquist/hame-relay/pkg/health"
	"github.com/tomquist/hame-relay/pkg/identity"
	"github.com/tomquist/hame-relay/pkg/logger"
	"github.com/tomquist/hame-relay/pkg/registry"
	"github.com/tomquist/hame-relay/pkg/vendorapi"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	log, err := logger.NewFromEnv()
	if err != nil {
		return fmt.Errorf("hame-relay: init logger: %w", err)
	}

	configPath := envOrDefault("CONFIG_PATH", "/etc/hame-relay/config.json")
	brokersPath := envOrDefault("BROKERS_PATH", "/etc/hame-relay/brokers.json")

	cfg, err := bridgeconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("hame-relay: %w", err)
	}

	catalog, err := brokercfg.Load(brokersPath)
	if err != nil {
		return fmt.Errorf("hame-relay: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiClient := vendorapi.NewClient("", log.WithComponent("vendorapi"))

	apiDevices, err := apiClient.FetchDevices(ctx, cfg.Username, cfg.Password)
	if err != nil {
		return fmt.Errorf("hame-relay: fetch devices: %w", err)
	}

	devices := registry.BuildDevices(apiDevices, cfg.Devices, cfg.InverseForwardingDeviceIDSet())

	resolver := identity.NewResolver(catalog, cfg.DefaultBrokerID, log.WithComponent("identity"))
	resolved := make([]*registry.Device, 0, len(devices))

	for _, d := range devices {
		if err := resolver.Resolve(d); err != nil {
			log.Warn().Str("device_id", d.DeviceID).Err(err).Msg("failed to resolve device identity, dropping")

			continue
		}

		resolved = append(resolved, d)
	}

	reg, err := registry.New(resolved, log.WithComponent("registry"))
	if err != nil {
		return fmt.Errorf("hame-relay: %w", err)
	}

	for _, rejected := range reg.Rejected() {
		log.Warn().Str("device_id", rejected.DeviceID).Err(rejected.Reason).Msg("device rejected at registration")
	}

	engines := make([]*forwarder.Engine, 0, len(reg.BrokerIDs()))

	for _, brokerID := range reg.BrokerIDs() {
		def, ok := catalog[brokerID]
		if !ok {
			log.Warn().Str("broker_id", brokerID).Msg("devices bound to unknown broker id, skipping")

			continue
		}

		engine, err := forwarder.Build(cfg.BrokerURL, brokerID, def, reg.ForBroker(brokerID), cfg.InverseForwarding, log)
		if err != nil {
			return fmt.Errorf("hame-relay: %w", err)
		}

		engines = append(engines, engine)
	}

	return runEngines(ctx, engines, log)
}

func runEngines(ctx context.Context, engines []*forwarder.Engine, log logger.Logger) error {
	for _, e := range engines {
		if err := e.Start(); err != nil {
			return fmt.Errorf("hame-relay: start forwarder %s: %w", e.BrokerID(), err)
		}
	}

	sweepStop := startSweeper(engines)
	defer close(sweepStop)

	sources := make([]health.Source, 0, len(engines))
	for _, e := range engines {
		sources = append(sources, e)
	}

	reflector := health.New(envOrDefault("HEALTH_ADDR", ":8080"), sources, log.WithComponent("health"))

	errChan := make(chan error, 1)

	go func() {
		if err := reflector.Start(); err != nil {
			errChan <- fmt.Errorf("health reflector failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal, stopping")
	case err := <-errChan:
		log.Error().Err(err).Msg("component failed, stopping")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, e := range engines {
		e.Stop()
	}

	return reflector.Stop(shutdownCtx)
}

// startSweeper runs the periodic map-hygiene pass (spec.md §4.6) for every
// Engine until the returned channel is closed.
func startSweeper(engines []*forwarder.Engine) chan struct{} {
	stop := make(chan struct{})

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				for _, e := range engines {
					e.Sweep()
				}
			case <-stop:
				return
			}
		}
	}()

	return stop
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}
