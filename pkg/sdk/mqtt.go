package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"
	"github.com/pelshome/pels/pkg/log"
	"github.com/pelshome/pels/pkg/types"
)

// MQTTClient bridges the home-automation platform over an MQTT broker.
//
// Topics:
//
//	<prefix>/power                       incoming whole-house watts
//	<prefix>/devices/<id>/state          incoming retained DeviceInfo JSON
//	<prefix>/devices/<id>/set/<cap>      outgoing capability writes
type MQTTClient struct {
	broker   string
	username string
	password string
	clientID string
	prefix   string

	client mqtt.Client

	mu             sync.Mutex
	devices        map[string]types.DeviceInfo
	powerHandlers  []func(ts time.Time, watts float64)
	deviceHandlers []func(deviceID string)
}

// configuredMQTT sets up the MQTT bridge. It registers flags for
// configuration.
func configuredMQTT() *MQTTClient {
	broker := lflag.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker address")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	clientID := lflag.String("mqtt-client-id", "pels", "MQTT client ID")
	prefix := lflag.String("mqtt-topic-prefix", "pels", "MQTT topic prefix")

	m := &MQTTClient{
		devices: make(map[string]types.DeviceInfo),
	}

	lflag.Do(func() {
		m.broker = *broker
		m.username = *username
		m.password = *password
		m.clientID = *clientID
		m.prefix = *prefix
	})

	return m
}

// Init connects to the broker and subscribes to the telemetry topics.
func (m *MQTTClient) Init(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.broker)
	opts.SetClientID(m.clientID)
	opts.SetUsername(m.username)
	opts.SetPassword(m.password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker", slog.String("broker", m.broker))
		m.subscribe(ctx, client)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker %s: %w", m.broker, token.Error())
	}
	m.client = client
	return nil
}

func (m *MQTTClient) subscribe(ctx context.Context, client mqtt.Client) {
	powerTopic := m.prefix + "/power"
	if token := client.Subscribe(powerTopic, 0, m.handlePower); token.Wait() && token.Error() != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to subscribe",
			slog.String("topic", powerTopic), slog.Any("error", token.Error()))
	}
	stateTopic := m.prefix + "/devices/+/state"
	if token := client.Subscribe(stateTopic, 0, m.handleDeviceState); token.Wait() && token.Error() != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to subscribe",
			slog.String("topic", stateTopic), slog.Any("error", token.Error()))
	}
}

func (m *MQTTClient) handlePower(_ mqtt.Client, msg mqtt.Message) {
	value := string(msg.Payload())
	// drop platform sentinel values for sensors that fell out
	if value == "" || value == "unavailable" || value == "Undefined" {
		return
	}
	watts, err := strconv.ParseFloat(value, 64)
	if err != nil || watts < 0 {
		return
	}
	ts := time.Now()
	m.mu.Lock()
	handlers := append([]func(time.Time, float64){}, m.powerHandlers...)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(ts, watts)
	}
}

func (m *MQTTClient) handleDeviceState(_ mqtt.Client, msg mqtt.Message) {
	var info types.DeviceInfo
	if err := json.Unmarshal(msg.Payload(), &info); err != nil || info.ID == "" {
		return
	}
	m.mu.Lock()
	m.devices[info.ID] = info
	handlers := append([]func(string){}, m.deviceHandlers...)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(info.ID)
	}
}

// ListDevices returns the fleet as last reported on the state topics.
func (m *MQTTClient) ListDevices(_ context.Context) ([]types.DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.DeviceInfo, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out, nil
}

// SetCapability publishes one capability write and waits for the broker ack.
func (m *MQTTClient) SetCapability(ctx context.Context, deviceID, capability string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s value: %w", capability, err)
	}
	topic := fmt.Sprintf("%s/devices/%s/set/%s", m.prefix, deviceID, capability)
	token := m.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(CapabilityTimeout) {
		return fmt.Errorf("timed out setting %s on %s", capability, deviceID)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to set %s on %s: %w", capability, deviceID, err)
	}
	return nil
}

// OnPowerSample registers a whole-house power handler.
func (m *MQTTClient) OnPowerSample(fn func(ts time.Time, watts float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerHandlers = append(m.powerHandlers, fn)
}

// OnDeviceChanged registers a device telemetry handler.
func (m *MQTTClient) OnDeviceChanged(fn func(deviceID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceHandlers = append(m.deviceHandlers, fn)
}

// Close disconnects from the broker.
func (m *MQTTClient) Close() error {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	return nil
}
