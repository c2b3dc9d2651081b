//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"republic-center/internal/eventlog"
	"republic-center/internal/events"
	"republic-center/internal/health"
	"republic-center/internal/session"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	Discovery       bool   // publish Home Assistant discovery configs
	DiscoveryPrefix string // usually "homeassistant"
	Version         string
}

// Controller is the part of the center driven over MQTT.
type Controller interface {
	Bus() *events.Bus
	Session() session.Snapshot
	Health() health.Snapshot
	Toggle() session.Snapshot
	Disconnect() session.Snapshot
	Repair(reason string)
}

// Commands accepted on <prefix>/command/<name>.
const (
	CommandToggle     = "toggle"
	CommandRepair     = "repair"
	CommandDisconnect = "disconnect"
)

// Bridge mirrors center state to MQTT and accepts remote commands.
type Bridge struct {
	client pahomqtt.Client
	ctrl   Controller
	cfg    Config
	logger *slog.Logger
	unsub  func()
}

type message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// NewBridge connects to the broker.
func NewBridge(ctrl Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "republic-center"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	b := &Bridge{
		ctrl:   ctrl,
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetWill(b.topic("bridge/state"), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			for _, m := range b.connectMessages() {
				b.publish(m)
			}
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start mirrors center events to MQTT.
func (b *Bridge) Start() {
	b.unsub = b.ctrl.Bus().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.cfg.TopicPrefix)
}

// Stop publishes the offline state and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(message{b.topic("bridge/state"), []byte("offline"), true})
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) topic(suffix string) string {
	return b.cfg.TopicPrefix + "/" + suffix
}

func (b *Bridge) handleEvent(event events.Event) {
	if msg, ok := messageFor(b.cfg.TopicPrefix, event); ok {
		b.publish(msg)
	}
}

// messageFor maps a center event to the MQTT message mirroring it.
// Session and health state are retained; log lines are not.
func messageFor(prefix string, event events.Event) (message, bool) {
	switch event.Type {
	case events.EventSessionState:
		snap, ok := event.Data.(session.Snapshot)
		if !ok {
			return message{}, false
		}
		return message{prefix + "/session", mustJSON(snap), true}, true
	case events.EventHealth:
		snap, ok := event.Data.(health.Snapshot)
		if !ok {
			return message{}, false
		}
		return message{prefix + "/health", mustJSON(snap), true}, true
	case events.EventLogEntry:
		e, ok := event.Data.(eventlog.Entry)
		if !ok {
			return message{}, false
		}
		return message{prefix + "/log", mustJSON(map[string]any{
			"time":    e.Time.Format(time.RFC3339),
			"message": e.Message,
			"line":    e.String(),
		}), false}, true
	}
	return message{}, false
}

// connectMessages is what a (re)connect publishes: availability, the Home
// Assistant entities (or their removal when discovery is off) and the
// current state.
func (b *Bridge) connectMessages() []message {
	msgs := []message{{b.topic("bridge/state"), []byte("online"), true}}
	if b.cfg.Discovery {
		msgs = append(msgs, b.discoveryMessages()...)
	} else {
		msgs = append(msgs, b.removeDiscoveryMessages()...)
	}
	return append(msgs,
		message{b.topic("session"), mustJSON(b.ctrl.Session()), true},
		message{b.topic("health"), mustJSON(b.ctrl.Health()), true},
	)
}

func (b *Bridge) discoveryMessages() []message {
	var out []message
	for _, m := range buildDiscovery(b.cfg.TopicPrefix, b.cfg.DiscoveryPrefix, b.cfg.Version) {
		out = append(out, message{m.Topic, m.Payload, true})
	}
	return out
}

// removeDiscoveryMessages clears retained entities left by an earlier run
// that had discovery enabled.
func (b *Bridge) removeDiscoveryMessages() []message {
	var out []message
	for _, m := range buildRemoveDiscovery(b.cfg.TopicPrefix, b.cfg.DiscoveryPrefix) {
		out = append(out, message{m.Topic, m.Payload, true})
	}
	return out
}

func (b *Bridge) subscribeCommands() {
	filter := b.topic("command/+")
	token := b.client.Subscribe(filter, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		name, ok := commandName(b.cfg.TopicPrefix, msg.Topic())
		if !ok {
			return
		}
		b.handleCommand(name, msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", filter)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", filter, "err", err)
		}
	}()
}

// commandName extracts <name> from <prefix>/command/<name>.
func commandName(prefix, topic string) (string, bool) {
	name, ok := strings.CutPrefix(topic, prefix+"/command/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

func (b *Bridge) handleCommand(name string, payload []byte) {
	b.logger.Info("MQTT command", "command", name)
	switch name {
	case CommandToggle:
		b.ctrl.Toggle()
	case CommandDisconnect:
		b.ctrl.Disconnect()
	case CommandRepair:
		reason := strings.TrimSpace(string(payload))
		if reason == "" {
			reason = "mqtt"
		}
		b.ctrl.Repair(reason)
	default:
		b.logger.Warn("unknown MQTT command", "command", name)
	}
}

func (b *Bridge) publish(m message) {
	token := b.client.Publish(m.Topic, 1, m.Retained, m.Payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", m.Topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", m.Topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
