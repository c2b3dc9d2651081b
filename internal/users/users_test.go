package users

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"republic-center/internal/store"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func newTestUsers(t *testing.T, persist store.AccountStore) *Store {
	t.Helper()
	s, err := New(persist, testLogger, WithHashCost(bcrypt.MinCost))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Seed("admin", "123"); err != nil {
		t.Fatal(err)
	}
	return s
}

func adminID(t *testing.T, s *Store) string {
	t.Helper()
	for _, a := range s.List() {
		if a.Username == "admin" {
			return a.ID
		}
	}
	t.Fatal("admin not seeded")
	return ""
}

func TestAuthenticateExactMatch(t *testing.T) {
	clock := time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)
	s, err := New(nil, testLogger, WithHashCost(bcrypt.MinCost), WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Seed("admin", "123"); err != nil {
		t.Fatal(err)
	}
	id := adminID(t, s)

	clock = clock.Add(time.Hour)
	acc, err := s.Authenticate("admin", "123")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if acc.LastLogin != "2024-03-01 11:00:00" {
		t.Errorf("last_login = %q, want 2024-03-01 11:00:00", acc.LastLogin)
	}
	stored, _ := s.Get(id)
	if stored.LastLogin != acc.LastLogin {
		t.Errorf("stored last_login = %q, want %q", stored.LastLogin, acc.LastLogin)
	}
}

func TestAuthenticateFailureDoesNotMutate(t *testing.T) {
	s := newTestUsers(t, nil)
	before := s.List()

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "admin", "1234"},
		{"wrong case username", "Admin", "123"},
		{"prefix password", "admin", "12"},
		{"unknown user", "ghost", "123"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Authenticate(tt.username, tt.password)
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("err = %v, want ErrInvalidCredentials", err)
			}
		})
	}

	after := s.List()
	if len(after) != len(before) || after[0].LastLogin != before[0].LastLogin {
		t.Error("failed logins mutated the store")
	}
}

func TestAddUserDefaults(t *testing.T) {
	s := newTestUsers(t, nil)
	admin := adminID(t, s)

	tests := []struct {
		role       string
		wantManage bool
	}{
		{RoleAdmin, true},
		{RoleOperator, false},
		{RoleViewer, false},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			acc, err := s.AddUser(admin, "user_"+tt.role, "pw", tt.role)
			if err != nil {
				t.Fatal(err)
			}
			if acc.ID == "" || acc.ID == admin {
				t.Errorf("id = %q, want fresh unique id", acc.ID)
			}
			if acc.LastLogin != NeverLoggedIn {
				t.Errorf("last_login = %q, want %q", acc.LastLogin, NeverLoggedIn)
			}
			if acc.Permissions.CanManageUsers != tt.wantManage {
				t.Errorf("can_manage_users = %v, want %v", acc.Permissions.CanManageUsers, tt.wantManage)
			}
			if !acc.Permissions.CanScan || !acc.Permissions.CanConnect {
				t.Error("scan/connect should default to true")
			}
		})
	}
}

func TestSearch(t *testing.T) {
	s := newTestUsers(t, nil)
	admin := adminID(t, s)
	for _, name := range []string{"Operator_Ali", "viewer_sara", "ops_team"} {
		if _, err := s.AddUser(admin, name, "pw", RoleOperator); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		term string
		want []string
	}{
		{"", []string{"admin", "Operator_Ali", "viewer_sara", "ops_team"}},
		{"OP", []string{"Operator_Ali", "ops_team"}},
		{" sara ", []string{"viewer_sara"}},
		{"nobody", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.term, func(t *testing.T) {
			got := []string{}
			for _, a := range s.Search(tt.term) {
				got = append(got, a.Username)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("Search(%q) = %v, want %v", tt.term, got, tt.want)
			}
		})
	}
}

func TestAddUserValidation(t *testing.T) {
	s := newTestUsers(t, nil)
	admin := adminID(t, s)

	if _, err := s.AddUser(admin, "admin", "x", RoleViewer); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate: err = %v, want ErrUserExists", err)
	}
	if _, err := s.AddUser(admin, "  ", "x", RoleViewer); !errors.Is(err, ErrEmptyUsername) {
		t.Errorf("empty: err = %v, want ErrEmptyUsername", err)
	}
	if _, err := s.AddUser(admin, "bob", "x", "root"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("role: err = %v, want ErrInvalidRole", err)
	}

	viewer, err := s.AddUser(admin, "viewer", "x", RoleViewer)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddUser(viewer.ID, "carol", "x", RoleViewer); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-admin actor: err = %v, want ErrForbidden", err)
	}
}

func TestTogglePermissionInvolution(t *testing.T) {
	s := newTestUsers(t, nil)
	admin := adminID(t, s)
	op, err := s.AddUser(admin, "op", "pw", RoleOperator)
	if err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{PermScan, PermConnect, PermManageUsers} {
		t.Run(key, func(t *testing.T) {
			before, _ := s.Get(op.ID)
			if _, err := s.TogglePermission(admin, op.ID, key); err != nil {
				t.Fatal(err)
			}
			mid, _ := s.Get(op.ID)
			if mid.Permissions == before.Permissions {
				t.Fatal("first toggle did not change permissions")
			}
			if _, err := s.TogglePermission(admin, op.ID, key); err != nil {
				t.Fatal(err)
			}
			after, _ := s.Get(op.ID)
			if after.Permissions != before.Permissions {
				t.Errorf("permissions = %+v, want %+v", after.Permissions, before.Permissions)
			}
		})
	}
}

func TestTogglePermissionRejections(t *testing.T) {
	s := newTestUsers(t, nil)
	admin := adminID(t, s)
	viewer, err := s.AddUser(admin, "viewer", "pw", RoleViewer)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.TogglePermission(admin, admin, PermScan); !errors.Is(err, ErrSelfModification) {
		t.Errorf("self: err = %v, want ErrSelfModification", err)
	}
	if _, err := s.TogglePermission(viewer.ID, admin, PermScan); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-manager: err = %v, want ErrForbidden", err)
	}
	if _, err := s.TogglePermission(admin, viewer.ID, "can_fly"); !errors.Is(err, ErrUnknownPermission) {
		t.Errorf("unknown key: err = %v, want ErrUnknownPermission", err)
	}
	if _, err := s.TogglePermission(admin, "missing", PermScan); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("missing: err = %v, want ErrUserNotFound", err)
	}

	got, _ := s.Get(admin)
	if got.Permissions != DefaultPermissions(RoleAdmin) {
		t.Errorf("rejected toggles changed admin permissions: %+v", got.Permissions)
	}
}

func TestRemoveUser(t *testing.T) {
	s := newTestUsers(t, nil)
	admin := adminID(t, s)
	op, err := s.AddUser(admin, "op", "pw", RoleOperator)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveUser(admin, admin); !errors.Is(err, ErrSelfModification) {
		t.Errorf("self removal: err = %v, want ErrSelfModification", err)
	}
	if err := s.RemoveUser(admin, op.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(op.ID); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("removed user still present: err = %v", err)
	}
	if err := s.RemoveUser(admin, op.ID); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("second removal: err = %v, want ErrUserNotFound", err)
	}
}

func TestLogoutStamp(t *testing.T) {
	s := newTestUsers(t, nil)
	admin := adminID(t, s)
	if err := s.Logout(admin); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(admin)
	if got.LastLogout == "" {
		t.Error("last_logout not stamped")
	}
}

func TestSeedOnlyWhenEmpty(t *testing.T) {
	s := newTestUsers(t, nil)
	created, err := s.Seed("other", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("seed created an account in a non-empty store")
	}
	if len(s.List()) != 1 {
		t.Errorf("accounts = %d, want 1", len(s.List()))
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	s := newTestUsers(t, db)
	admin := adminID(t, s)
	op, err := s.AddUser(admin, "op", "secret", RoleOperator)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.TogglePermission(admin, op.ID, PermScan); err != nil {
		t.Fatal(err)
	}

	reloaded, err := New(db, testLogger, WithHashCost(bcrypt.MinCost))
	if err != nil {
		t.Fatal(err)
	}
	list := reloaded.List()
	if len(list) != 2 {
		t.Fatalf("reloaded accounts = %d, want 2", len(list))
	}
	if list[0].Username != "admin" || list[1].Username != "op" {
		t.Errorf("order = [%s %s], want [admin op]", list[0].Username, list[1].Username)
	}
	if list[1].Permissions.CanScan {
		t.Error("toggled permission not persisted")
	}
	if _, err := reloaded.Authenticate("op", "secret"); err != nil {
		t.Errorf("authenticate after reload: %v", err)
	}
}
