// Package service provides the core bridge wiring the MQTT transport,
// register clients, group schedulers and the management API together.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/api"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/client"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/config"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/domain"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/homeassistant"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/power"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/pubsub"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/scheduler"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/service/pvoutput"
)

// sensorValue is one published sensor reading. Derived values carry no
// register address.
type sensorValue struct {
	Register string  `json:"register,omitempty"`
	Value    any     `json:"value"`
	Scaled   float64 `json:"scaled,omitempty"`
}

// Bridge manages the per-inverter clients and schedulers, reconciles power
// readings and publishes decoded values to the sensor topics.
type Bridge struct {
	config     *config.Config
	transport  domain.Transport
	registry   *domain.InverterRegistry
	clients    map[string]*client.Client
	schedulers map[string]*scheduler.Scheduler
	reconciler *power.Reconciler
	discovery  *homeassistant.AutoDiscovery
	monitor    domain.MonitoringService
	apiServer  *api.Server
	logger     zerolog.Logger

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	discoveryMu   sync.Mutex
	discoverySent map[string]announcedGroup // keyed serial/group, announced once
}

// announcedGroup remembers which sensors were announced for one inverter
// group so the retained discovery configs can be cleared on shutdown.
type announcedGroup struct {
	serial string
	names  []string
}

// NewBridge creates the bridge with all its components wired but not started.
func NewBridge(cfg *config.Config, transport domain.Transport) (*Bridge, error) {
	logger := log.With().Str("component", "bridge").Logger()

	bridge := &Bridge{
		config:        cfg,
		transport:     transport,
		registry:      domain.NewInverterRegistry(cfg.Inverters),
		clients:       make(map[string]*client.Client),
		schedulers:    make(map[string]*scheduler.Scheduler),
		reconciler:    power.NewReconciler(cfg.AccuratePower),
		logger:        logger,
		discoverySent: make(map[string]announcedGroup),
	}

	if cfg.HomeAssistantAutoDiscovery.Enabled {
		discovery, err := homeassistant.New(homeassistant.Config{
			Enabled:         true,
			DiscoveryPrefix: cfg.HomeAssistantAutoDiscovery.DiscoveryPrefix,
			RetainDiscovery: cfg.HomeAssistantAutoDiscovery.RetainDiscovery,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set up Home Assistant discovery: %w", err)
		}
		bridge.discovery = discovery
	}

	if cfg.PVOutput.Enabled {
		bridge.monitor = pvoutput.NewClient(cfg)
	} else {
		bridge.monitor = pvoutput.NewNoopClient()
	}

	groups := scheduler.BuildGroups(cfg)
	targets := make(map[string]api.Target, len(cfg.Inverters))
	for _, serial := range cfg.Inverters {
		c := client.New(serial, transport, cfg.TransactionTimeout(), cfg.Transaction.MaxRetries)
		sched := scheduler.New(serial, c, groups, bridge.publishResult)
		bridge.clients[serial] = c
		bridge.schedulers[serial] = sched
		targets[serial] = api.Target{Client: c, Refresher: sched}
	}

	if cfg.API.Enabled {
		bridge.apiServer = api.NewServer(cfg, bridge.registry, targets)
	}

	return bridge, nil
}

// Start connects the transport, subscribes the clients and launches the
// periodic refresh loops and the API server.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}

	for serial, c := range b.clients {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("failed to start client for %s: %w", serial, err)
		}
	}

	b.runCtx, b.cancel = context.WithCancel(context.Background())
	for _, sched := range b.schedulers {
		b.wg.Add(1)
		go func(s *scheduler.Scheduler) {
			defer b.wg.Done()
			s.Run(b.runCtx)
		}(sched)
	}

	if b.apiServer != nil {
		if err := b.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	b.logger.Info().
		Int("inverters", len(b.clients)).
		Bool("accurate_power", b.config.AccuratePower).
		Msg("Bridge started")

	return nil
}

// Stop shuts down the refresh loops, the API server and the transport.
func (b *Bridge) Stop(ctx context.Context) error {
	b.logger.Info().Msg("Stopping bridge")

	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	if b.apiServer != nil {
		if err := b.apiServer.Stop(ctx); err != nil {
			b.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	if err := b.monitor.Close(); err != nil {
		b.logger.Error().Err(err).Msg("Failed to close monitoring service")
	}

	b.cleanupDiscovery(ctx)

	if err := b.transport.Close(); err != nil {
		b.logger.Error().Err(err).Msg("Failed to close transport")
	}

	return nil
}

// Scheduler returns the scheduler of one inverter, mainly for tests.
func (b *Bridge) Scheduler(serial string) (*scheduler.Scheduler, bool) {
	s, ok := b.schedulers[serial]
	return s, ok
}

// cleanupDiscovery clears the retained discovery configs of every announced
// sensor so Home Assistant drops the entities when the bridge goes away.
// Without retention the configs expire with the broker session and nothing
// needs clearing.
func (b *Bridge) cleanupDiscovery(ctx context.Context) {
	if b.discovery == nil || !b.discovery.Retain() {
		return
	}

	b.discoveryMu.Lock()
	announced := make([]announcedGroup, 0, len(b.discoverySent))
	for _, group := range b.discoverySent {
		announced = append(announced, group)
	}
	b.discoveryMu.Unlock()

	cleared := 0
	for _, group := range announced {
		for _, topic := range b.discovery.CleanupMessages(group.serial, group.names) {
			if err := b.transport.PublishRetained(ctx, topic, nil); err != nil {
				b.logger.Warn().Str("topic", topic).Err(err).Msg("Failed to clear discovery message")
				continue
			}
			cleared++
		}
	}

	if cleared > 0 {
		b.logger.Info().Int("sensors", cleared).Msg("Cleared retained discovery messages")
	}
}

// publishResult pushes one refresh outcome to the inverter's sensor topic
// and, on the first result per group, announces the sensors to Home
// Assistant.
func (b *Bridge) publishResult(result domain.GroupResult) {
	b.registry.TouchGroup(result.Serial, result.Group)

	payload := make(map[string]sensorValue, len(result.Values)+5)
	for _, v := range result.Values {
		payload[v.Name] = sensorValue{
			Register: fmt.Sprintf("0x%04x", v.Register),
			Value:    v.Value,
			Scaled:   v.Scaled,
		}
	}

	if result.Group == scheduler.GroupRealtime {
		ctx := b.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		if err := b.monitor.Send(ctx, result); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to upload to monitoring service")
		}

		if sample, ok := power.SampleFrom(result); ok {
			sample = b.reconciler.Reconcile(sample)
			payload["grid_power_corrected"] = sensorValue{Value: sample.GridPowerCorrected}
			payload["load_power_corrected"] = sensorValue{Value: sample.LoadPowerCorrected}
			payload["solar_state"] = sensorValue{Value: sample.SolarState()}
			payload["battery_state"] = sensorValue{Value: sample.BatteryState()}
			payload["grid_state"] = sensorValue{Value: sample.GridState()}
		}
	}

	topic := fmt.Sprintf("%s/%s", pubsub.Topic(result.Serial, pubsub.TopicSensors), result.Group)

	names := make([]string, 0, len(payload))
	for name := range payload {
		names = append(names, name)
	}
	b.announceSensors(result.Serial, result.Group, topic, names)

	ctx := b.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.transport.PublishJSON(ctx, topic, payload, b.config.MQTT.Retain); err != nil {
		b.logger.Error().
			Str("topic", topic).
			Err(err).
			Msg("Failed to publish sensor values")
		return
	}

	b.logger.Debug().
		Str("serial", result.Serial).
		Str("group", result.Group).
		Int("values", len(payload)).
		Msg("Published sensor values")
}

// announceSensors publishes the Home Assistant discovery messages once per
// inverter and group.
func (b *Bridge) announceSensors(serial, group, stateTopic string, names []string) {
	if b.discovery == nil {
		return
	}

	key := serial + "/" + group
	b.discoveryMu.Lock()
	if _, announced := b.discoverySent[key]; announced {
		b.discoveryMu.Unlock()
		return
	}
	b.discoverySent[key] = announcedGroup{serial: serial, names: names}
	b.discoveryMu.Unlock()

	ctx := b.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	messages := b.discovery.MessagesFor(serial, stateTopic, names)
	for topic, message := range messages {
		if err := b.transport.PublishJSON(ctx, topic, message, b.discovery.Retain()); err != nil {
			b.logger.Error().Str("topic", topic).Err(err).Msg("Failed to publish discovery message")
		}
	}

	b.logger.Info().
		Str("serial", serial).
		Str("group", group).
		Int("sensors", len(messages)).
		Msg("Announced sensors to Home Assistant")
}
