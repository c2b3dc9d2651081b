// Package users implements the operator credential store: login checks,
// role-derived permissions and admin-only account management.
package users

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"republic-center/internal/store"
)

// Roles
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Permission keys accepted by TogglePermission.
const (
	PermScan        = "can_scan"
	PermConnect     = "can_connect"
	PermManageUsers = "can_manage_users"
)

// NeverLoggedIn is the LastLogin sentinel for accounts that never logged in.
const NeverLoggedIn = "never"

// TimeLayout formats LastLogin and LastLogout stamps (local time).
const TimeLayout = "2006-01-02 15:04:05"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("username already taken")
	ErrForbidden          = errors.New("actor lacks user management permission")
	ErrSelfModification   = errors.New("cannot modify own account")
	ErrUnknownPermission  = errors.New("unknown permission")
	ErrInvalidRole        = errors.New("invalid role")
	ErrEmptyUsername      = errors.New("username must not be empty")
)

// Option configures a Store.
type Option func(*Store)

// WithHashCost overrides the bcrypt cost (tests use bcrypt.MinCost).
func WithHashCost(cost int) Option {
	return func(s *Store) {
		s.cost = cost
	}
}

// WithClock overrides the time source used for login stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is the credential store. The in-memory list is authoritative for reads;
// every mutation is written through to the optional persistence backend.
type Store struct {
	mu       sync.RWMutex
	accounts []*store.Account
	persist  store.AccountStore
	logger   *slog.Logger
	cost     int
	now      func() time.Time
}

// New creates a credential store, loading existing accounts from persist.
// persist may be nil for a purely in-memory store.
func New(persist store.AccountStore, logger *slog.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		persist: persist,
		logger:  logger.With("component", "users"),
		cost:    bcrypt.DefaultCost,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if persist != nil {
		accounts, err := persist.ListAccounts()
		if err != nil {
			return nil, fmt.Errorf("load accounts: %w", err)
		}
		slices.SortStableFunc(accounts, func(a, b *store.Account) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		})
		s.accounts = accounts
	}
	return s, nil
}

// Seed creates the bootstrap admin account when the store is empty.
// It reports whether an account was created.
func (s *Store) Seed(username, password string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.accounts) > 0 {
		return false, nil
	}
	acc, err := s.newAccount(username, password, RoleAdmin)
	if err != nil {
		return false, err
	}
	// The bootstrap admin counts as having logged in at creation.
	acc.LastLogin = s.now().Format(TimeLayout)
	if err := s.insertLocked(acc); err != nil {
		return false, err
	}
	s.logger.Info("seeded admin account", "username", username)
	return true, nil
}

// Authenticate looks up an exact, case-sensitive (username, password) match.
// On success LastLogin is stamped and the updated record is returned; on
// failure ErrInvalidCredentials is returned and nothing changes.
func (s *Store) Authenticate(username, password string) (store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.findByUsernameLocked(username)
	if acc == nil {
		return store.Account{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return store.Account{}, ErrInvalidCredentials
	}

	stamp := s.now().Format(TimeLayout)
	if err := s.writeLocked(acc.ID, func(a *store.Account) { a.LastLogin = stamp }); err != nil {
		return store.Account{}, err
	}
	return *acc, nil
}

// Logout stamps LastLogout on the account.
func (s *Store) Logout(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(userID) == nil {
		return ErrUserNotFound
	}
	stamp := s.now().Format(TimeLayout)
	return s.writeLocked(userID, func(a *store.Account) { a.LastLogout = stamp })
}

// AddUser creates an account with role-derived default permissions.
// The actor must hold the user management permission.
func (s *Store) AddUser(actorID, username, password, role string) (store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireManagerLocked(actorID); err != nil {
		return store.Account{}, err
	}
	acc, err := s.newAccount(username, password, role)
	if err != nil {
		return store.Account{}, err
	}
	if err := s.insertLocked(acc); err != nil {
		return store.Account{}, err
	}
	return *acc, nil
}

// TogglePermission flips one permission flag on another account.
func (s *Store) TogglePermission(actorID, userID, key string) (store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if actorID == userID {
		return store.Account{}, ErrSelfModification
	}
	if err := s.requireManagerLocked(actorID); err != nil {
		return store.Account{}, err
	}
	target := s.findLocked(userID)
	if target == nil {
		return store.Account{}, ErrUserNotFound
	}
	flip, err := permissionFlipper(key)
	if err != nil {
		return store.Account{}, err
	}
	if err := s.writeLocked(userID, flip); err != nil {
		return store.Account{}, err
	}
	return *target, nil
}

// RemoveUser deletes an account. Removing the acting account is rejected.
func (s *Store) RemoveUser(actorID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if actorID == userID {
		return ErrSelfModification
	}
	if err := s.requireManagerLocked(actorID); err != nil {
		return err
	}
	idx := slices.IndexFunc(s.accounts, func(a *store.Account) bool { return a.ID == userID })
	if idx < 0 {
		return ErrUserNotFound
	}
	if s.persist != nil {
		if err := s.persist.DeleteAccount(userID); err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
	}
	s.accounts = slices.Delete(s.accounts, idx, idx+1)
	return nil
}

// Get returns a copy of one account.
func (s *Store) Get(userID string) (store.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc := s.findLocked(userID)
	if acc == nil {
		return store.Account{}, ErrUserNotFound
	}
	return *acc, nil
}

// List returns copies of all accounts in creation order.
func (s *Store) List() []store.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Account, len(s.accounts))
	for i, a := range s.accounts {
		out[i] = *a
	}
	return out
}

// Search returns the accounts whose username contains term, ignoring case.
// An empty term matches every account.
func (s *Store) Search(term string) []store.Account {
	term = strings.ToLower(strings.TrimSpace(term))
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		if strings.Contains(strings.ToLower(a.Username), term) {
			out = append(out, *a)
		}
	}
	return out
}

// ValidRole reports whether role is one of admin, operator, viewer.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	}
	return false
}

// DefaultPermissions derives the initial permission set for a role.
func DefaultPermissions(role string) store.Permissions {
	return store.Permissions{
		CanScan:        true,
		CanConnect:     true,
		CanManageUsers: role == RoleAdmin,
	}
}

func (s *Store) newAccount(username, password, role string) (*store.Account, error) {
	if strings.TrimSpace(username) == "" {
		return nil, ErrEmptyUsername
	}
	if !ValidRole(role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if s.findByUsernameLocked(username) != nil {
		return nil, fmt.Errorf("%w: %q", ErrUserExists, username)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return &store.Account{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		LastLogin:    NeverLoggedIn,
		Permissions:  DefaultPermissions(role),
		CreatedAt:    s.now(),
	}, nil
}

func (s *Store) insertLocked(acc *store.Account) error {
	if s.persist != nil {
		if err := s.persist.SaveAccount(acc); err != nil {
			return fmt.Errorf("save account: %w", err)
		}
	}
	s.accounts = append(s.accounts, acc)
	return nil
}

// writeLocked applies fn to the persisted record first and then to memory, so
// a failed write leaves both unchanged.
func (s *Store) writeLocked(userID string, fn func(*store.Account)) error {
	acc := s.findLocked(userID)
	if acc == nil {
		return ErrUserNotFound
	}
	if s.persist != nil {
		err := s.persist.UpdateAccount(userID, func(a *store.Account) error {
			fn(a)
			return nil
		})
		if err != nil {
			return fmt.Errorf("update account: %w", err)
		}
	}
	fn(acc)
	return nil
}

func (s *Store) requireManagerLocked(actorID string) error {
	actor := s.findLocked(actorID)
	if actor == nil || !actor.Permissions.CanManageUsers {
		return ErrForbidden
	}
	return nil
}

func (s *Store) findLocked(id string) *store.Account {
	for _, a := range s.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (s *Store) findByUsernameLocked(username string) *store.Account {
	for _, a := range s.accounts {
		if a.Username == username {
			return a
		}
	}
	return nil
}

func permissionFlipper(key string) (func(*store.Account), error) {
	switch key {
	case PermScan, "canScan":
		return func(a *store.Account) { a.Permissions.CanScan = !a.Permissions.CanScan }, nil
	case PermConnect, "canConnect":
		return func(a *store.Account) { a.Permissions.CanConnect = !a.Permissions.CanConnect }, nil
	case PermManageUsers, "canManageUsers":
		return func(a *store.Account) { a.Permissions.CanManageUsers = !a.Permissions.CanManageUsers }, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPermission, key)
}
