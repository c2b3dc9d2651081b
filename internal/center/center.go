// Package center owns the application state of the control center and is the
// single entry point used by the web, MQTT and automation surfaces.
package center

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"republic-center/internal/assistant"
	"republic-center/internal/discovery"
	"republic-center/internal/eventlog"
	"republic-center/internal/events"
	"republic-center/internal/health"
	"republic-center/internal/session"
	"republic-center/internal/store"
	"republic-center/internal/users"
	"republic-center/internal/wifi"
)

var (
	ErrUnauthenticated = errors.New("not logged in")
	ErrNoDiscovery     = errors.New("device discovery disabled")
)

// DefaultHistoryLimit caps the assistant conversation kept in memory.
const DefaultHistoryLimit = 20

// Config holds controller policy.
type Config struct {
	AdminUsername string
	AdminPassword string
	// RepairOnInvalid also starts a repair cycle when pairing data is invalid.
	RepairOnInvalid bool
	PairingHost     string
	PairingPort     string
	HistoryLimit    int
}

// Deps are the components owned by the controller. Log, Bus and Users are
// required; the rest get defaults when nil.
type Deps struct {
	Users     *users.Store
	Session   *session.State
	Wifi      *wifi.Profiles
	Log       *eventlog.Log
	Health    *health.Monitor
	Bus       *events.Bus
	Assistant assistant.Client
	Scanner   *discovery.Scanner
}

// Center is the application controller.
type Center struct {
	cfg     Config
	users   *users.Store
	session *session.State
	wifi    *wifi.Profiles
	log     *eventlog.Log
	health  *health.Monitor
	bus     *events.Bus
	advisor assistant.Client
	scanner *discovery.Scanner
	logger  *slog.Logger

	mu     sync.Mutex
	tokens map[string]string // session token -> account id

	historyMu sync.Mutex
	history   []assistant.Message

	faulting atomic.Bool
}

// New wires the components, loads saved networks and seeds the bootstrap
// admin when no account exists.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Center, error) {
	if deps.Users == nil || deps.Log == nil || deps.Bus == nil {
		return nil, fmt.Errorf("center: users, log and bus are required")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	c := &Center{
		cfg:     cfg,
		users:   deps.Users,
		session: deps.Session,
		wifi:    deps.Wifi,
		log:     deps.Log,
		health:  deps.Health,
		bus:     deps.Bus,
		advisor: deps.Assistant,
		scanner: deps.Scanner,
		logger:  logger.With("component", "center"),
		tokens:  make(map[string]string),
	}
	if c.session == nil {
		c.session = session.New()
	}
	if c.wifi == nil {
		c.wifi = wifi.NewProfiles(nil, logger)
	}
	if c.health == nil {
		c.health = health.New(c.log, logger)
	}
	if c.advisor == nil {
		c.advisor = assistant.Static{}
	}

	c.log.OnAppend(func(e eventlog.Entry) {
		c.bus.Emit(events.Event{Type: events.EventLogEntry, Data: e})
	})
	c.health.OnChange(func(s health.Snapshot) {
		c.bus.Emit(events.Event{Type: events.EventHealth, Data: s})
	})
	c.bus.OnPanic(c.ReportFault)

	c.wifi.Load()

	if cfg.AdminUsername != "" {
		if _, err := c.users.Seed(cfg.AdminUsername, cfg.AdminPassword); err != nil {
			return nil, fmt.Errorf("seed admin: %w", err)
		}
	}
	return c, nil
}

// Bus returns the event bus for outer surfaces.
func (c *Center) Bus() *events.Bus { return c.bus }

// Close cancels a pending repair completion.
func (c *Center) Close() {
	c.health.Stop()
}

func (c *Center) logf(format string, args ...any) {
	c.log.Append(fmt.Sprintf(format, args...))
}

func (c *Center) emit(eventType string, data any) {
	c.bus.Emit(events.Event{Type: eventType, Data: data})
}

// --- Authentication ---

// Login authenticates and opens an operator session. The returned token
// identifies the actor on later calls.
func (c *Center) Login(username, password string) (string, store.Account, error) {
	acc, err := c.users.Authenticate(username, password)
	if err != nil {
		if !errors.Is(err, users.ErrInvalidCredentials) {
			c.ReportFault(fmt.Errorf("login: %w", err))
		}
		return "", store.Account{}, err
	}
	token := uuid.NewString()
	c.mu.Lock()
	c.tokens[token] = acc.ID
	c.mu.Unlock()

	c.logf("Admin logged in: %s", acc.Username)
	c.emit(events.EventLogin, acc)
	return token, acc, nil
}

// Logout ends the operator session. When the last operator logs out the
// pairing session is closed as well.
func (c *Center) Logout(token string) error {
	c.mu.Lock()
	userID, ok := c.tokens[token]
	delete(c.tokens, token)
	remaining := len(c.tokens)
	c.mu.Unlock()
	if !ok {
		return ErrUnauthenticated
	}

	if err := c.users.Logout(userID); err != nil && !errors.Is(err, users.ErrUserNotFound) {
		return err
	}
	c.emit(events.EventLogout, map[string]string{"id": userID})
	if remaining == 0 {
		c.Disconnect()
	}
	return nil
}

// Actor resolves a session token to its account.
func (c *Center) Actor(token string) (store.Account, error) {
	c.mu.Lock()
	userID, ok := c.tokens[token]
	c.mu.Unlock()
	if !ok {
		return store.Account{}, ErrUnauthenticated
	}
	acc, err := c.users.Get(userID)
	if err != nil {
		return store.Account{}, ErrUnauthenticated
	}
	return acc, nil
}

// --- User management ---

// Users lists all accounts.
func (c *Center) Users() []store.Account {
	return c.users.List()
}

// SearchUsers filters accounts by a case-insensitive username fragment.
func (c *Center) SearchUsers(term string) []store.Account {
	return c.users.Search(term)
}

// AddUser creates an account on behalf of actorID.
func (c *Center) AddUser(actorID, username, password, role string) (store.Account, error) {
	acc, err := c.users.AddUser(actorID, username, password, role)
	if err != nil {
		return store.Account{}, err
	}
	c.logf("User added: %s (%s)", acc.Username, acc.Role)
	c.emit(events.EventUserChanged, acc)
	return acc, nil
}

// TogglePermission flips a permission of userID on behalf of actorID.
func (c *Center) TogglePermission(actorID, userID, key string) (store.Account, error) {
	acc, err := c.users.TogglePermission(actorID, userID, key)
	if err != nil {
		return store.Account{}, err
	}
	c.logf("Permissions updated for %s", acc.Username)
	c.emit(events.EventUserChanged, acc)
	return acc, nil
}

// RemoveUser deletes userID and ends its operator sessions.
func (c *Center) RemoveUser(actorID, userID string) error {
	acc, err := c.users.Get(userID)
	if err != nil {
		return err
	}
	if err := c.users.RemoveUser(actorID, userID); err != nil {
		return err
	}
	c.mu.Lock()
	for token, id := range c.tokens {
		if id == userID {
			delete(c.tokens, token)
		}
	}
	c.mu.Unlock()

	c.logf("User removed: %s", acc.Username)
	c.emit(events.EventUserChanged, map[string]any{"id": userID, "removed": true})
	return nil
}
