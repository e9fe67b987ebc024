package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/wonderland-agent/internal/config"
	"github.com/nugget/wonderland-agent/internal/events"
)

// StateSource provides the agent data behind each sensor. The concrete
// adapter is wired in main.go so this package does not depend on the
// coordinator.
type StateSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// Animation returns the animation the avatar is showing.
	Animation() string
	// BackendConnected reports whether the voice backend link is up.
	BackendConnected() bool
	// Interacting reports whether the agent is in an interaction window.
	Interacting() bool
	// ActiveModel returns the backend's current model, or "".
	ActiveModel() string
	// ChatMessages returns the length of the chat history.
	ChatMessages() int
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and pushes sensor state updates both
// periodically and whenever the agent reports a change on the bus.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	state      StateSource
	bus        *events.Bus
	commands   CommandHandler
	limiter    *commandRateLimiter
	logger     *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. bus and commands may be nil.
func New(cfg config.MQTTConfig, instanceID string, state StateSource, bus *events.Bus, commands CommandHandler, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		state:      state,
		bus:        bus,
		commands:   commands,
		limiter:    newCommandRateLimiter(commandLimit, time.Minute, logger),
		logger:     logger,
	}
}

// Device returns the HA device block shared by every entity.
func (p *Publisher) Device() DeviceInfo { return p.device }

// Start connects to the MQTT broker and begins the publish loop. It
// blocks until ctx is cancelled. On every (re-)connect it publishes
// discovery configs, a birth message, and the command subscriptions.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribeCommands(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "wonderland-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleCommand(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	go p.limiter.start(ctx)

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
// The provided context bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "wonderland/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) commandTopic(command string) string {
	return p.baseTopic() + "/" + command + "/set"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	component    string
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(component, suffix, name, icon string) sensorDef {
	return sensorDef{
		component:    component,
		entitySuffix: suffix,
		config: SensorConfig{
			Name:              name,
			ObjectID:          suffix,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + suffix,
			StateTopic:        p.stateTopic(suffix),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		},
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	uptime := p.sensor("sensor", "uptime", "Uptime", "mdi:clock-outline")
	uptime.config.EntityCategory = "diagnostic"

	version := p.sensor("sensor", "version", "Version", "mdi:tag")
	version.config.EntityCategory = "diagnostic"

	backend := p.sensor("binary_sensor", "backend_connected", "Backend Connected", "mdi:lan-connect")
	backend.config.DeviceClass = "connectivity"
	backend.config.PayloadOn = "ON"
	backend.config.PayloadOff = "OFF"

	interacting := p.sensor("binary_sensor", "interacting", "Interacting", "mdi:account-voice")
	interacting.config.DeviceClass = "occupancy"
	interacting.config.PayloadOn = "ON"
	interacting.config.PayloadOff = "OFF"

	model := p.sensor("sensor", "active_model", "Active Model", "mdi:brain")
	model.config.EntityCategory = "diagnostic"

	chat := p.sensor("sensor", "chat_messages", "Chat Messages", "mdi:chat-processing")
	chat.config.StateClass = "total_increasing"
	chat.config.UnitOfMeasurement = "messages"

	return []sensorDef{
		uptime,
		version,
		p.sensor("sensor", "animation", "Animation", "mdi:human-handsup"),
		backend,
		interacting,
		model,
		chat,
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic(s.component, s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- State loop ---

// runLoop publishes on every tick and on every bus event that changes a
// sensor value.
func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var changes <-chan events.Event
	if p.bus != nil {
		sub := p.bus.Subscribe(64, sensorKinds...)
		defer p.bus.Unsubscribe(sub)
		changes = sub
	}

	// Publish immediately on start.
	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case ev := <-changes:
			if affectsSensors(ev) {
				p.publishStates(ctx)
			}
		}
	}
}

// sensorKinds are the event kinds that can change a published value.
var sensorKinds = []string{
	events.KindAnimation, events.KindBackendUp, events.KindBackendDown,
	events.KindChat, events.KindGreeting,
}

// affectsSensors reports whether ev can change a published value.
func affectsSensors(ev events.Event) bool {
	return ev.Source == events.SourceCoordinator && slices.Contains(sensorKinds, ev.Kind)
}

// states renders every sensor's current value.
func (p *Publisher) states() map[string]string {
	model := p.state.ActiveModel()
	if model == "" {
		model = "unknown"
	}
	return map[string]string{
		"uptime":            p.state.Uptime().Truncate(time.Second).String(),
		"version":           p.state.Version(),
		"animation":         p.state.Animation(),
		"backend_connected": onOff(p.state.BackendConnected()),
		"interacting":       onOff(p.state.Interacting()),
		"active_model":      model,
		"chat_messages":     strconv.Itoa(p.state.ChatMessages()),
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := p.states()
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(states))
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
