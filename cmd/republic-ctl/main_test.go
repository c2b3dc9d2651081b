package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"republic-center/internal/session"
	"republic-center/internal/store"
)

// fakeCenter serves a handful of endpoints and records the headers of the
// last authenticated call.
func fakeCenter(t *testing.T) (*httptest.Server, *http.Header) {
	t.Helper()
	last := new(http.Header)
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("POST /api/login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["password"] != "123" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": "tok-1", "account": map[string]string{"username": req["username"]}})
	})
	mux.HandleFunc("POST /api/session/toggle", func(w http.ResponseWriter, r *http.Request) {
		*last = r.Header.Clone()
		if r.Header.Get("X-Session-Token") == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not logged in"})
			return
		}
		writeJSON(w, http.StatusOK, session.Snapshot{
			Status: session.StatusConnected,
			Devices: []session.Device{{
				ID: "DEV-1", Name: "Central Android device", Type: "mobile",
				IP: "10.0.0.5", Status: "active", Latency: 12, ConnectedAt: time.Now(),
			}},
		})
	})
	mux.HandleFunc("GET /api/logs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []logLine{
			{Message: "c", Line: "[10:00:02] c"},
			{Message: "b", Line: "[10:00:01] b"},
			{Message: "a", Line: "[10:00:00] a"},
		})
	})
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		*last = r.Header.Clone()
		writeJSON(w, http.StatusOK, map[string]any{"status": "optimal", "auto_fixed_issues": 2, "active_modules": []string{"APK Guard"}})
	})
	mux.HandleFunc("GET /api/users", func(w http.ResponseWriter, r *http.Request) {
		all := []store.Account{{ID: "1", Username: "admin", Role: "admin"}, {ID: "2", Username: "ops team", Role: "operator"}}
		q := r.URL.Query().Get("q")
		var out []store.Account
		for _, a := range all {
			if strings.Contains(a.Username, q) {
				out = append(out, a)
			}
		}
		writeJSON(w, http.StatusOK, out)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, last
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("REPUBLIC_TOKEN", "")
	t.Setenv("REPUBLIC_API_KEY", "")
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.Execute()
	return out.String(), err
}

func TestLoginPrintsToken(t *testing.T) {
	srv, _ := fakeCenter(t)
	out, err := run(t, "--server", srv.URL, "login", "admin", "123")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "tok-1" {
		t.Errorf("output = %q, want token", out)
	}
}

func TestLoginFailure(t *testing.T) {
	srv, _ := fakeCenter(t)
	_, err := run(t, "--server", srv.URL, "login", "admin", "nope")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "invalid credentials" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestSessionToggleTable(t *testing.T) {
	srv, last := fakeCenter(t)
	out, err := run(t, "--server", srv.URL, "--token", "tok-1", "--api-key", "k", "session", "toggle")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Session: connected", "Central Android device", "12 ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if got := last.Get("X-API-Key"); got != "k" {
		t.Errorf("X-API-Key = %q", got)
	}
	if got := last.Get("X-Session-Token"); got != "tok-1" {
		t.Errorf("X-Session-Token = %q", got)
	}
}

func TestUsersSearch(t *testing.T) {
	srv, _ := fakeCenter(t)
	out, err := run(t, "--server", srv.URL, "--no-color", "users", "--search", "ops t")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "ops team") || strings.Contains(out, "admin") {
		t.Errorf("unexpected users output:\n%s", out)
	}
}

func TestJSONOutput(t *testing.T) {
	srv, _ := fakeCenter(t)
	out, err := run(t, "--server", srv.URL, "--json", "health")
	if err != nil {
		t.Fatal(err)
	}
	var h map[string]any
	if err := json.Unmarshal([]byte(out), &h); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if h["status"] != "optimal" {
		t.Errorf("status = %v", h["status"])
	}
}

func TestLogsLimit(t *testing.T) {
	srv, _ := fakeCenter(t)
	out, err := run(t, "--server", srv.URL, "logs", "-n", "2")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || lines[0] != "[10:00:02] c" {
		t.Errorf("lines = %q", lines)
	}
}

func TestRendererNoColorWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	a := &app{out: &buf}
	if a.renderer().colors {
		t.Error("colors must be off for non-terminal writers")
	}
	r := a.renderer()
	if got := r.status("connected"); got != "connected" {
		t.Errorf("status = %q, want plain text", got)
	}
}
