// Package pubsub provides the MQTT transport for inverter communication.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/config"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/protocol"
)

// Frame QoS: the device protocol relies on exactly-once delivery of
// command and response frames.
const frameQoS = 2

// Topic returns the full topic path for an inverter-scoped suffix.
func Topic(serial, suffix string) string {
	return fmt.Sprintf("saj/%s/%s", serial, suffix)
}

// Inverter topic suffixes.
const (
	TopicDataTransmission    = "data_transmission"
	TopicDataTransmissionRsp = "data_transmission_rsp"
	TopicSensors             = "sensors"
)

// NoopTransport is a no-operation implementation of the Transport interface.
type NoopTransport struct{}

// NewNoopTransport creates a new no-operation transport.
func NewNoopTransport() *NoopTransport {
	return &NoopTransport{}
}

// Connect is a no-op for the NoopTransport.
func (t *NoopTransport) Connect(_ context.Context) error { return nil }

// PublishRaw is a no-op for the NoopTransport.
func (t *NoopTransport) PublishRaw(_ context.Context, _ string, _ []byte) error { return nil }

// PublishJSON is a no-op for the NoopTransport.
func (t *NoopTransport) PublishJSON(_ context.Context, _ string, _ interface{}, _ bool) error {
	return nil
}

// PublishRetained is a no-op for the NoopTransport.
func (t *NoopTransport) PublishRetained(_ context.Context, _ string, _ []byte) error { return nil }

// Subscribe is a no-op for the NoopTransport.
func (t *NoopTransport) Subscribe(_ string, _ func(string, []byte)) error { return nil }

// Close is a no-op for the NoopTransport.
func (t *NoopTransport) Close() error { return nil }

// MQTTTransport implements the Transport interface for MQTT.
type MQTTTransport struct {
	config        *config.Config
	client        mqtt.Client
	connected     bool
	logger        zerolog.Logger
	clientFactory func(*config.Config) mqtt.Client // Factory function for creating MQTT clients (testable)
	debugFrames   bool
}

// NewMQTTTransport creates a new MQTT transport.
func NewMQTTTransport(cfg *config.Config) *MQTTTransport {
	logger := log.With().Str("component", "mqtt").Logger()
	return &MQTTTransport{
		config:        cfg,
		clientFactory: createMQTTClient,
		connected:     false,
		logger:        logger,
		debugFrames:   cfg.MQTT.DebugFrames,
	}
}

// NewMQTTTransportWithClient creates a new MQTT transport with a custom client (for testing).
func NewMQTTTransportWithClient(cfg *config.Config, client mqtt.Client) *MQTTTransport {
	logger := log.With().Str("component", "mqtt").Logger()
	return &MQTTTransport{
		config:      cfg,
		client:      client,
		connected:   false,
		logger:      logger,
		debugFrames: cfg.MQTT.DebugFrames,
	}
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(cfg *config.Config) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(fmt.Sprintf("saj-h1-mqtt-%d", time.Now().Unix())).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(false)

	// Set credentials if provided
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

// Connect establishes a connection to the MQTT broker.
func (t *MQTTTransport) Connect(ctx context.Context) error {
	// Create client if not already set (for testing)
	if t.client == nil {
		t.client = t.clientFactory(t.config)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := t.client.Connect()

	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after 10 seconds")
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	t.connected = true
	t.logger.Info().
		Str("host", t.config.MQTT.Host).
		Int("port", t.config.MQTT.Port).
		Msg("MQTT transport connected")

	return nil
}

// PublishRaw sends a binary payload to the given topic with QoS 2.
func (t *MQTTTransport) PublishRaw(ctx context.Context, topic string, payload []byte) error {
	if !t.connected {
		return fmt.Errorf("transport not connected")
	}

	if t.debugFrames {
		t.logger.Debug().
			Str("topic", topic).
			Str("frame", protocol.FormatFrameHex(payload)).
			Msg("Publishing frame")
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token := t.client.Publish(topic, frameQoS, false, payload)

	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish timeout after 5 seconds")
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish frame: %w", token.Error())
		}
	}

	return nil
}

// PublishJSON marshals data to JSON and publishes it to the given topic.
// Used for decoded sensor values and discovery messages, not device frames.
func (t *MQTTTransport) PublishJSON(ctx context.Context, topic string, data interface{}, retain bool) error {
	if !t.connected {
		return fmt.Errorf("transport not connected")
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data to JSON: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token := t.client.Publish(topic, 0, retain, jsonData)

	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish timeout after 5 seconds")
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}

	return nil
}

// PublishRetained sends a raw payload to the given topic with the retained
// flag set. An empty payload clears the broker's retained message, which is
// how Home Assistant discovery configs are withdrawn.
func (t *MQTTTransport) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	if !t.connected {
		return fmt.Errorf("transport not connected")
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token := t.client.Publish(topic, 0, true, payload)

	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish timeout after 5 seconds")
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish retained message: %w", token.Error())
		}
	}

	return nil
}

// Subscribe registers a handler for incoming messages on the given topic.
// The handler runs on paho's callback goroutine and must not block.
func (t *MQTTTransport) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	if !t.connected {
		return fmt.Errorf("transport not connected")
	}

	token := t.client.Subscribe(topic, frameQoS, func(_ mqtt.Client, msg mqtt.Message) {
		if t.debugFrames {
			t.logger.Debug().
				Str("topic", msg.Topic()).
				Str("frame", protocol.FormatFrameHex(msg.Payload())).
				Msg("Received frame")
		}
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}

	t.logger.Info().Str("topic", topic).Msg("Subscribed")
	return nil
}

// Close terminates the connection to the MQTT broker.
func (t *MQTTTransport) Close() error {
	if t.client != nil && t.connected {
		t.client.Disconnect(250) // Disconnect with 250ms timeout
		t.connected = false
	}
	return nil
}
