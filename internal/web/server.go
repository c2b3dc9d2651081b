package web

import (
	"bytes"
	"crypto/subtle"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"republic-center/internal/automation"
	"republic-center/internal/center"
	"republic-center/internal/events"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string shown in the UI.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the control panel.
type Server struct {
	center         *center.Center
	templates      map[string]*template.Template
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

var pages = []string{"index.html", "network.html", "automations.html"}

// NewServer creates a new web server.
func NewServer(c *center.Center, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	// Each page is parsed on its own clone of the layout so that every page
	// can define "content".
	base, err := template.ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	tmpl := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		cloned, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone layout for %s: %w", page, err)
		}
		t, err := cloned.ParseFS(templateFS, "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page, err)
		}
		tmpl[page] = t
	}

	s := &Server{
		center:    c,
		templates: tmpl,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = c.Bus().OnAll(func(event events.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s, nil
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))

	// HTML pages
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /network", s.handleNetworkPage)
	s.mux.HandleFunc("GET /automations", s.handleAutomationsPage)

	// Operators
	s.mux.HandleFunc("POST /api/login", s.handleAPILogin)
	s.mux.HandleFunc("POST /api/logout", s.handleAPILogout)
	s.mux.HandleFunc("GET /api/me", s.requireActor(s.handleAPIMe))
	s.mux.HandleFunc("GET /api/users", s.requireActor(s.handleAPIListUsers))
	s.mux.HandleFunc("POST /api/users", s.requireActor(s.handleAPIAddUser))
	s.mux.HandleFunc("DELETE /api/users/{id}", s.requireActor(s.handleAPIRemoveUser))
	s.mux.HandleFunc("POST /api/users/{id}/permissions/{perm}", s.requireActor(s.handleAPITogglePermission))

	// Pairing session
	s.mux.HandleFunc("GET /api/session", s.handleAPISession)
	s.mux.HandleFunc("POST /api/session/toggle", s.requirePermission(permConnect, s.handleAPIToggle))
	s.mux.HandleFunc("POST /api/session/pair", s.requirePermission(permConnect, s.handleAPIPair))
	s.mux.HandleFunc("POST /api/session/manual", s.requirePermission(permConnect, s.handleAPIManualConnect))
	s.mux.HandleFunc("POST /api/session/disconnect", s.requireActor(s.handleAPIDisconnect))
	s.mux.HandleFunc("GET /api/pairing/payload", s.handleAPIPairingPayload)

	// Wi-Fi
	s.mux.HandleFunc("GET /api/wifi/saved", s.handleAPISavedNetworks)
	s.mux.HandleFunc("GET /api/wifi/saved/{ssid}", s.handleAPIGetNetwork)
	s.mux.HandleFunc("DELETE /api/wifi/saved/{ssid}", s.requireActor(s.handleAPIRemoveNetwork))
	s.mux.HandleFunc("POST /api/wifi/scan", s.requirePermission(permScan, s.handleAPIScan))
	s.mux.HandleFunc("POST /api/wifi/connect", s.requireActor(s.handleAPIConnectNetwork))
	s.mux.HandleFunc("GET /api/wifi/mac", s.handleAPIRandomMAC)
	s.mux.HandleFunc("POST /api/wifi/strength", s.handleAPIPasswordStrength)

	// Health and log
	s.mux.HandleFunc("GET /api/health", s.handleAPIHealth)
	s.mux.HandleFunc("POST /api/health/repair", s.requireActor(s.handleAPIRepair))
	s.mux.HandleFunc("GET /api/logs", s.handleAPILogs)
	s.mux.HandleFunc("DELETE /api/logs", s.requireActor(s.handleAPIClearLogs))

	// Assistant and discovery
	s.mux.HandleFunc("POST /api/assistant", s.requireActor(s.handleAPIAsk))
	s.mux.HandleFunc("GET /api/assistant/history", s.requireActor(s.handleAPIHistory))
	s.mux.HandleFunc("GET /api/discovery", s.handleAPIDiscover)

	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.requireActor(s.handleAPICreateAutomation))
	s.mux.HandleFunc("PUT /api/automations/{id}", s.requireActor(s.handleAPIUpdateAutomation))
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.requireActor(s.handleAPIDeleteAutomation))
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.requireActor(s.handleAPIToggleAutomation))
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.requireActor(s.handleAPIRunAutomation))

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying CORS, auth and panic recovery.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Session-Token")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Pages, static files and the WebSocket stay open: browsers cannot
		// send custom headers on navigation or WS upgrade.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}

	if !s.center.Recover(func() { s.mux.ServeHTTP(w, r) }) {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Page handlers

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess := s.center.Session()
	payload, err := s.center.PairingPayload()
	if err != nil {
		s.logger.Warn("pairing payload", "err", err)
	}
	s.renderTemplate(w, "index.html", map[string]interface{}{
		"PageTitle": "Control",
		"Session":   sess,
		"Health":    s.center.Health(),
		"Logs":      s.center.Logs(),
		"Payload":   payload,
	})
}

func (s *Server) handleNetworkPage(w http.ResponseWriter, r *http.Request) {
	s.renderTemplate(w, "network.html", map[string]interface{}{
		"PageTitle": "Network",
		"Saved":     s.center.SavedNetworks(),
		"Active":    s.center.ActiveNetwork(),
	})
}

func (s *Server) handleAutomationsPage(w http.ResponseWriter, r *http.Request) {
	var scripts []*automation.Script
	if s.scriptMgr != nil {
		var err error
		scripts, err = s.scriptMgr.List()
		if err != nil {
			s.logger.Error("list scripts", "err", err)
		}
	}
	s.renderTemplate(w, "automations.html", map[string]interface{}{
		"PageTitle": "Automations",
		"Scripts":   scripts,
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// renderTemplate renders to a buffer first, so partial write failures don't corrupt the response.
func (s *Server) renderTemplate(w http.ResponseWriter, name string, data interface{}) {
	t, ok := s.templates[name]
	if !ok {
		s.logger.Error("template not found", "name", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if m, ok := data.(map[string]interface{}); ok {
		m["Version"] = s.version
		if s.apiKey != "" {
			m["APIKey"] = s.apiKey
		}
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("render template", "name", name, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("write template response", "name", name, "err", err)
	}
}
