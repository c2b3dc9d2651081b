package web

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"republic-center/internal/assistant"
	"republic-center/internal/automation"
	"republic-center/internal/center"
	"republic-center/internal/eventlog"
	"republic-center/internal/events"
	"republic-center/internal/health"
	"republic-center/internal/session"
	"republic-center/internal/store"
	"republic-center/internal/users"
	"republic-center/internal/wifi"
)

// setupTestServer builds a server over a fresh center with admin/123 seeded
// and returns it with a logged-in admin token.
func setupTestServer(t *testing.T, apiKey string) (*Server, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	u, err := users.New(db, logger, users.WithHashCost(bcrypt.MinCost))
	if err != nil {
		t.Fatal(err)
	}
	log := eventlog.New(0)
	c, err := center.New(center.Config{
		AdminUsername:   "admin",
		AdminPassword:   "123",
		RepairOnInvalid: true,
		PairingHost:     "192.168.1.100",
		PairingPort:     "8080",
	}, center.Deps{
		Users:     u,
		Log:       log,
		Bus:       events.NewBus(logger),
		Health:    health.New(log, logger, health.WithRepairDelay(20*time.Millisecond)),
		Wifi:      wifi.NewProfiles(db, logger, wifi.WithDelays(0, 0)),
		Assistant: assistant.Static{Reply: "check the router"},
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	mgr, err := automation.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	engine := automation.NewEngine(c, mgr, logger)

	srv, err := NewServer(c, logger,
		WithAPIKey(apiKey),
		WithAutomation(engine, mgr),
		WithVersion("1.0.0-test"),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)

	token, _, err := c.Login("admin", "123")
	if err != nil {
		t.Fatal(err)
	}
	return srv, token
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(sessionHeader, token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAPILogin(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	tests := []struct {
		name string
		body any
		want int
	}{
		{"valid", loginRequest{"admin", "123"}, http.StatusOK},
		{"wrong password", loginRequest{"admin", "1234"}, http.StatusUnauthorized},
		{"unknown user", loginRequest{"root", "123"}, http.StatusUnauthorized},
		{"bad body", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, srv, "POST", "/api/login", "", tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusOK {
				resp := decodeBody[loginResponse](t, w)
				if resp.Token == "" || resp.Account.Username != "admin" {
					t.Errorf("unexpected response %+v", resp)
				}
				if strings.Contains(w.Body.String(), "password") {
					t.Error("response must not expose the password hash")
				}
			}
		})
	}
}

func TestAPIKeyRequired(t *testing.T) {
	srv, _ := setupTestServer(t, "secret")

	w := doRequest(t, srv, "GET", "/api/health", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("without key: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/health", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", rec.Code)
	}

	// Pages stay reachable without the key.
	w = doRequest(t, srv, "GET", "/", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("index: status = %d, want 200", w.Code)
	}
}

func TestAPIToggleSession(t *testing.T) {
	srv, token := setupTestServer(t, "")

	if w := doRequest(t, srv, "POST", "/api/session/toggle", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous toggle: status = %d, want 401", w.Code)
	}

	w := doRequest(t, srv, "POST", "/api/session/toggle", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("toggle: status = %d: %s", w.Code, w.Body.String())
	}
	snap := decodeBody[session.Snapshot](t, w)
	if snap.Status != session.StatusConnected || len(snap.Devices) != 1 {
		t.Errorf("after first toggle: %+v", snap)
	}

	w = doRequest(t, srv, "POST", "/api/session/toggle", token, nil)
	snap = decodeBody[session.Snapshot](t, w)
	if snap.Status != session.StatusDisconnected || len(snap.Devices) != 0 {
		t.Errorf("after second toggle: %+v", snap)
	}
}

func TestAPIPermissionEnforced(t *testing.T) {
	srv, admin := setupTestServer(t, "")

	w := doRequest(t, srv, "POST", "/api/users", admin, addUserRequest{Username: "op", Password: "pw", Role: users.RoleOperator})
	if w.Code != http.StatusCreated {
		t.Fatalf("add user: status = %d: %s", w.Code, w.Body.String())
	}
	op := decodeBody[store.Account](t, w)

	w = doRequest(t, srv, "POST", "/api/users/"+op.ID+"/permissions/can_connect", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("toggle permission: status = %d: %s", w.Code, w.Body.String())
	}
	if decodeBody[store.Account](t, w).Permissions.CanConnect {
		t.Fatal("can_connect should be revoked")
	}

	w = doRequest(t, srv, "POST", "/api/login", "", loginRequest{"op", "pw"})
	opToken := decodeBody[loginResponse](t, w).Token

	if w := doRequest(t, srv, "POST", "/api/session/toggle", opToken, nil); w.Code != http.StatusForbidden {
		t.Errorf("toggle without can_connect: status = %d, want 403", w.Code)
	}
	if w := doRequest(t, srv, "POST", "/api/wifi/scan", opToken, nil); w.Code != http.StatusOK {
		t.Errorf("scan with can_scan: status = %d, want 200", w.Code)
	}
	if w := doRequest(t, srv, "POST", "/api/users", opToken, addUserRequest{Username: "x", Password: "y"}); w.Code != http.StatusForbidden {
		t.Errorf("operator adding user: status = %d, want 403", w.Code)
	}
}

func TestAPIUsers(t *testing.T) {
	srv, admin := setupTestServer(t, "")

	tests := []struct {
		name string
		body addUserRequest
		want int
	}{
		{"duplicate", addUserRequest{Username: "admin", Password: "x"}, http.StatusConflict},
		{"empty name", addUserRequest{Username: " ", Password: "x"}, http.StatusBadRequest},
		{"bad role", addUserRequest{Username: "v", Password: "x", Role: "root"}, http.StatusBadRequest},
		{"viewer", addUserRequest{Username: "v", Password: "x", Role: users.RoleViewer}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, srv, "POST", "/api/users", admin, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	w := doRequest(t, srv, "GET", "/api/users", admin, nil)
	list := decodeBody[[]store.Account](t, w)
	if len(list) != 2 {
		t.Fatalf("users = %d, want 2", len(list))
	}
	found := decodeBody[[]store.Account](t, doRequest(t, srv, "GET", "/api/users?q=V", admin, nil))
	if len(found) != 1 || found[0].Username != "v" {
		t.Errorf("search = %+v, want only v", found)
	}

	me := decodeBody[store.Account](t, doRequest(t, srv, "GET", "/api/me", admin, nil))
	if w := doRequest(t, srv, "DELETE", "/api/users/"+me.ID, admin, nil); w.Code != http.StatusForbidden {
		t.Errorf("self removal: status = %d, want 403", w.Code)
	}
	if w := doRequest(t, srv, "DELETE", "/api/users/nope", admin, nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown removal: status = %d, want 404", w.Code)
	}
	if w := doRequest(t, srv, "POST", "/api/users/"+me.ID+"/permissions/can_fly", admin, nil); w.Code != http.StatusForbidden && w.Code != http.StatusBadRequest {
		t.Errorf("unknown permission: status = %d", w.Code)
	}
}

func TestAPIPairInvalidStartsRepair(t *testing.T) {
	srv, token := setupTestServer(t, "")

	w := doRequest(t, srv, "POST", "/api/session/pair", token, pairRequest{Data: "not-json"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
	if s := srv.center.Session(); s.Status != session.StatusDisconnected {
		t.Errorf("session = %s, want disconnected", s.Status)
	}
	if h := srv.center.Health(); h.Status != health.StatusRepairing {
		t.Errorf("health = %s, want repairing", h.Status)
	}
	waitFor(t, func() bool { return srv.center.Health().AutoFixedIssues == 1 })

	w = doRequest(t, srv, "POST", "/api/session/pair", token,
		pairRequest{Data: `{"app":"Republic-Smart-Center","target":"10.0.0.9:8080"}`})
	if w.Code != http.StatusOK {
		t.Fatalf("valid pair: status = %d: %s", w.Code, w.Body.String())
	}
	if s := srv.center.Session(); s.Status != session.StatusConnected || s.Target != "10.0.0.9:8080" {
		t.Errorf("session after pair = %+v", s)
	}
}

func TestAPIManualAndDisconnect(t *testing.T) {
	srv, token := setupTestServer(t, "")

	if w := doRequest(t, srv, "POST", "/api/session/manual", token, manualRequest{Target: "  "}); w.Code != http.StatusBadRequest {
		t.Errorf("empty target: status = %d, want 400", w.Code)
	}
	w := doRequest(t, srv, "POST", "/api/session/manual", token, manualRequest{Target: "10.1.1.1:9000"})
	if snap := decodeBody[session.Snapshot](t, w); snap.Status != session.StatusConnected {
		t.Errorf("manual connect: %+v", snap)
	}
	w = doRequest(t, srv, "POST", "/api/session/disconnect", token, nil)
	if snap := decodeBody[session.Snapshot](t, w); snap.Status != session.StatusDisconnected {
		t.Errorf("disconnect: %+v", snap)
	}
}

func TestAPIPairingPayload(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	w := doRequest(t, srv, "GET", "/api/pairing/payload", "", nil)
	resp := decodeBody[map[string]string](t, w)
	p, err := session.DecodePayload(resp["payload"])
	if err != nil {
		t.Fatal(err)
	}
	if p.Target != "192.168.1.100:8080" || p.App != session.AppID {
		t.Errorf("payload = %+v", p)
	}
}

func TestAPIWifi(t *testing.T) {
	srv, token := setupTestServer(t, "")

	bad := []wifi.ConnectRequest{
		{SSID: "", Password: "x"},
		{SSID: "Home", Encryption: wifi.EncryptionWPA2},
		{SSID: "Home", Password: "x", Encryption: "WPA9"},
		{SSID: "Home", Password: "x", IP: &wifi.IPConfig{Mode: "static", Address: "300.1.1.1"}},
		{SSID: "Home", Password: "x", MACMode: wifi.MACStatic, StaticMAC: "not-a-mac"},
	}
	for _, req := range bad {
		if w := doRequest(t, srv, "POST", "/api/wifi/connect", token, req); w.Code != http.StatusBadRequest {
			t.Errorf("connect %+v: status = %d, want 400", req, w.Code)
		}
	}

	w := doRequest(t, srv, "POST", "/api/wifi/connect", token, wifi.ConnectRequest{SSID: "Smart_Core_Hub", Password: "Secret#2024"})
	if w.Code != http.StatusOK {
		t.Fatalf("connect: status = %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, srv, "GET", "/api/wifi/saved/Smart_Core_Hub", "", nil)
	if n := decodeBody[wifi.SavedNetwork](t, w); n.Password != "Secret#2024" || n.MAC == "" {
		t.Errorf("saved network = %+v", n)
	}

	w = doRequest(t, srv, "POST", "/api/wifi/scan", token, nil)
	results := decodeBody[[]wifi.ScanResult](t, w)
	var saved int
	for _, r := range results {
		if r.Saved {
			saved++
		}
	}
	if saved != 1 {
		t.Errorf("saved flags = %d, want 1", saved)
	}

	if w := doRequest(t, srv, "DELETE", "/api/wifi/saved/Smart_Core_Hub", token, nil); w.Code != http.StatusOK {
		t.Errorf("remove: status = %d", w.Code)
	}
	if w := doRequest(t, srv, "GET", "/api/wifi/saved/Smart_Core_Hub", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("after remove: status = %d, want 404", w.Code)
	}
	if w := doRequest(t, srv, "DELETE", "/api/wifi/saved/Nope", token, nil); w.Code != http.StatusNotFound {
		t.Errorf("remove unknown: status = %d, want 404", w.Code)
	}
}

func TestAPIWifiHelpers(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	w := doRequest(t, srv, "GET", "/api/wifi/mac", "", nil)
	if mac := decodeBody[map[string]string](t, w)["mac"]; len(mac) != 17 {
		t.Errorf("mac = %q", mac)
	}

	w = doRequest(t, srv, "POST", "/api/wifi/strength", "", strengthRequest{Password: "abc"})
	if s := decodeBody[wifi.Strength](t, w); s.Score != 0 {
		t.Errorf("strength = %+v, want score 0", s)
	}
}

func TestAPILogs(t *testing.T) {
	srv, token := setupTestServer(t, "")

	w := doRequest(t, srv, "GET", "/api/logs", "", nil)
	lines := decodeBody[[]logLine](t, w)
	if len(lines) == 0 || lines[0].Message != "Admin logged in: admin" {
		t.Fatalf("logs = %+v", lines)
	}

	if w := doRequest(t, srv, "DELETE", "/api/logs", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous clear: status = %d, want 401", w.Code)
	}
	doRequest(t, srv, "DELETE", "/api/logs", token, nil)
	if n := len(srv.center.Logs()); n != 0 {
		t.Errorf("after clear: %d entries", n)
	}
}

func TestAPIHealthRepair(t *testing.T) {
	srv, token := setupTestServer(t, "")

	w := doRequest(t, srv, "GET", "/api/health", "", nil)
	if h := decodeBody[health.Snapshot](t, w); h.Status != health.StatusOptimal || len(h.ActiveModules) != 4 {
		t.Errorf("health = %+v", h)
	}

	w = doRequest(t, srv, "POST", "/api/health/repair", token, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("repair: status = %d", w.Code)
	}
	waitFor(t, func() bool { return srv.center.Health().AutoFixedIssues == 1 })
}

func TestAPIAssistant(t *testing.T) {
	srv, token := setupTestServer(t, "")

	if w := doRequest(t, srv, "POST", "/api/assistant", token, askRequest{Prompt: " "}); w.Code != http.StatusBadRequest {
		t.Errorf("empty prompt: status = %d, want 400", w.Code)
	}
	w := doRequest(t, srv, "POST", "/api/assistant", token, askRequest{Prompt: "wifi drops"})
	if got := decodeBody[map[string]string](t, w)["answer"]; got != "check the router" {
		t.Errorf("answer = %q", got)
	}
	w = doRequest(t, srv, "GET", "/api/assistant/history", token, nil)
	if h := decodeBody[[]assistant.Message](t, w); len(h) != 2 {
		t.Errorf("history = %+v", h)
	}
}

func TestAPIDiscoveryDisabled(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	if w := doRequest(t, srv, "GET", "/api/discovery", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestAPIAutomations(t *testing.T) {
	srv, token := setupTestServer(t, "")

	w := doRequest(t, srv, "POST", "/api/automations", token, saveAutomationRequest{
		Name:    "Greeter",
		LuaCode: `center.log("hello")`,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", w.Code, w.Body.String())
	}
	created := decodeBody[automation.Script](t, w)

	w = doRequest(t, srv, "GET", "/api/automations", "", nil)
	if list := decodeBody[[]map[string]any](t, w); len(list) != 1 {
		t.Fatalf("list = %v", list)
	}

	w = doRequest(t, srv, "POST", "/api/automations/"+created.ID+"/run", token, nil)
	res := decodeBody[automation.RunResult](t, w)
	if !res.OK || len(res.Logs) != 1 || res.Logs[0] != "hello" {
		t.Errorf("run = %+v", res)
	}

	w = doRequest(t, srv, "POST", "/api/automations/_inline/run", token, map[string]string{"lua_code": "error('boom')"})
	if res := decodeBody[automation.RunResult](t, w); res.OK || res.Error == "" {
		t.Errorf("inline error run = %+v", res)
	}

	if w := doRequest(t, srv, "POST", "/api/automations/missing/run", token, nil); w.Code != http.StatusNotFound {
		t.Errorf("run missing: status = %d, want 404", w.Code)
	}
	if w := doRequest(t, srv, "DELETE", "/api/automations/"+created.ID, token, nil); w.Code != http.StatusOK {
		t.Errorf("delete: status = %d", w.Code)
	}
	if w := doRequest(t, srv, "GET", "/api/automations/"+created.ID, "", nil); w.Code != http.StatusNotFound {
		t.Errorf("get deleted: status = %d, want 404", w.Code)
	}
}

func TestPanicReportedAsFault(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	srv.mux.HandleFunc("GET /api/boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	w := doRequest(t, srv, "GET", "/api/boom", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	waitFor(t, func() bool { return srv.center.Health().AutoFixedIssues == 1 })
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	srv.allowedOrigins = []string{"http://panel.local"}

	tests := []struct {
		origin string
		want   int
	}{
		{"http://panel.local", http.StatusNoContent},
		{"http://evil.example", http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodOptions, "/api/session/toggle", nil)
		req.Header.Set("Origin", tt.origin)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("origin %s: status = %d, want %d", tt.origin, w.Code, tt.want)
		}
	}
}

func TestPages(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	for _, path := range []string{"/", "/network", "/automations"} {
		w := doRequest(t, srv, "GET", path, "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, w.Code)
			continue
		}
		if !strings.Contains(w.Body.String(), "1.0.0-test") {
			t.Errorf("%s: version missing from page", path)
		}
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	w := doRequest(t, srv, "GET", "/api/version", "", nil)
	if v := decodeBody[map[string]string](t, w)["version"]; v != "1.0.0-test" {
		t.Errorf("version = %q", v)
	}
}
