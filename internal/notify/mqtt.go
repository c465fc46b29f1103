package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTTConfig configures the MQTT emitter and control handler.
type MQTTConfig struct {
	Broker         string // host:port, or a full tcp:// / ssl:// / ws:// URL
	ClientID       string
	EventsTopic    string
	ControlTopic   string
	ResponsesTopic string
	QoS            byte
}

// Validate checks required fields.
func (c MQTTConfig) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("notify: mqtt broker is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("notify: mqtt client id is required")
	}
	if c.EventsTopic == "" {
		return fmt.Errorf("notify: mqtt events topic is required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("notify: invalid mqtt qos %d (must be 0-2)", c.QoS)
	}
	return nil
}

func (c MQTTConfig) brokerURL() string {
	if strings.Contains(c.Broker, "://") {
		return c.Broker
	}
	return "tcp://" + c.Broker
}

// MQTTEmitter publishes pipeline events to an MQTT broker. It is a Reporter.
type MQTTEmitter struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published map[EventKind]uint64
	errors    uint64
}

// NewMQTTEmitter validates cfg. Call Connect before publishing.
func NewMQTTEmitter(cfg MQTTConfig) (*MQTTEmitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[EventKind]uint64),
	}, nil
}

// newMQTTEmitterWithClient wraps an already connected client.
func newMQTTEmitterWithClient(cfg MQTTConfig, client mqtt.Client) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		client:    client,
		connected: true,
		published: make(map[EventKind]uint64),
	}
}

// Connect connects to the broker with auto-reconnect enabled.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.brokerURL())
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("notify: mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("notify: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.client = mqtt.NewClient(opts)
	slog.Info("notify: connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("notify: mqtt connect: %w", ctx.Err())
	case <-time.After(connectTimeout):
		return fmt.Errorf("notify: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("notify: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Client returns the underlying client, nil before Connect.
func (e *MQTTEmitter) Client() mqtt.Client { return e.client }

// Report publishes a notice or capture event and waits for the broker ack.
func (e *MQTTEmitter) Report(message string, isError bool) {
	kind := EventNotice
	if strings.HasPrefix(message, "Photo capture") {
		kind = EventCapture
	}
	ev := Event{Kind: kind, Message: message, IsError: isError}
	if kind == EventCapture && !isError {
		ev.URI = strings.TrimSpace(strings.TrimPrefix(message, "Photo capture succeeded:"))
	}
	if err := e.publish(ev, e.cfg.QoS, true); err != nil {
		slog.Warn("notify: failed to publish event", "kind", kind, "error", err)
	}
}

// PublishMetric publishes an analysis metric without waiting (QoS 0).
func (e *MQTTEmitter) PublishMetric(seq uint64, metric int) {
	ev := Event{Kind: EventMetric, Seq: seq, Metric: metric}
	if err := e.publish(ev, 0, false); err != nil {
		slog.Debug("notify: metric not published", "seq", seq, "error", err)
	}
}

func (e *MQTTEmitter) publish(ev Event, qos byte, wait bool) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := ev.Encode()
	if err != nil {
		e.countError()
		return err
	}

	token := e.client.Publish(e.cfg.EventsTopic, qos, false, payload)
	if wait {
		if !token.WaitTimeout(publishTimeout) {
			e.countError()
			return fmt.Errorf("publish timeout")
		}
		if err := token.Error(); err != nil {
			e.countError()
			return fmt.Errorf("publish failed: %w", err)
		}
	}

	e.mu.Lock()
	e.published[ev.Kind]++
	e.mu.Unlock()

	slog.Debug("notify: event published",
		"topic", e.cfg.EventsTopic,
		"kind", ev.Kind,
		"qos", qos,
		"size", len(payload),
	)
	return nil
}

// Disconnect closes the connection with a short grace period.
func (e *MQTTEmitter) Disconnect() error {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		slog.Info("notify: mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// EmitterStats contains emitter statistics.
type EmitterStats struct {
	Connected bool
	Published map[EventKind]uint64
	Errors    uint64
}

// Stats returns a snapshot of emitter counters.
func (e *MQTTEmitter) Stats() EmitterStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[EventKind]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return EmitterStats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected && e.client != nil
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
