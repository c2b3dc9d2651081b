// Package events provides the in-process pub/sub bus that connects the
// control center to its outer surfaces (WebSocket, MQTT, Lua hooks).
package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Event types
const (
	EventSessionState  = "session_state"
	EventPairing       = "pairing"
	EventPairingFailed = "pairing_failed"
	EventHealth        = "health"
	EventLogEntry      = "log_entry"
	EventLogCleared    = "log_cleared"
	EventWifiSaved     = "wifi_saved"
	EventWifiRemoved   = "wifi_removed"
	EventUserChanged   = "user_changed"
	EventLogin         = "login"
	EventLogout        = "logout"
	EventFault         = "fault"
)

// Event represents a center event.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus provides pub/sub for center events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
	onPanic     func(error)
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger,
	}
}

// OnPanic sets a callback invoked with the recovered value of a panicking
// handler. It runs after the panic is logged.
func (b *Bus) OnPanic(fn func(error)) {
	b.mu.Lock()
	b.onPanic = fn
	b.mu.Unlock()
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (b *Bus) OnAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.allHandlers))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	onPanic := b.onPanic
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", event.Type, "panic", r)
					// Fault events are never re-reported to avoid a feedback loop.
					if onPanic != nil && event.Type != EventFault {
						onPanic(fmt.Errorf("event handler %s: %v", event.Type, r))
					}
				}
			}()
			h(event)
		}()
	}
}
