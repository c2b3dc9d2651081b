package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"republic-center/internal/automation"
	"republic-center/internal/center"
	"republic-center/internal/session"
	"republic-center/internal/store"
	"republic-center/internal/users"
	"republic-center/internal/wifi"
)

const sessionHeader = "X-Session-Token"

type permission func(store.Permissions) bool

var (
	permConnect permission = func(p store.Permissions) bool { return p.CanConnect }
	permScan    permission = func(p store.Permissions) bool { return p.CanScan }
)

type actorKey struct{}

func actorFrom(ctx context.Context) store.Account {
	acc, _ := ctx.Value(actorKey{}).(store.Account)
	return acc
}

// requireActor resolves the X-Session-Token header to the logged-in account.
func (s *Server) requireActor(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acc, err := s.center.Actor(r.Header.Get(sessionHeader))
		if err != nil {
			s.writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, acc)))
	}
}

func (s *Server) requirePermission(allowed permission, next http.HandlerFunc) http.HandlerFunc {
	return s.requireActor(func(w http.ResponseWriter, r *http.Request) {
		if !allowed(actorFrom(r.Context()).Permissions) {
			s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission denied"})
			return
		}
		next(w, r)
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// --- Operators ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token   string        `json:"token"`
	Account store.Account `json:"account"`
}

func (s *Server) handleAPILogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	token, acc, err := s.center.Login(req.Username, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loginResponse{Token: token, Account: acc})
}

func (s *Server) handleAPILogout(w http.ResponseWriter, r *http.Request) {
	if err := s.center.Logout(r.Header.Get(sessionHeader)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIMe(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, actorFrom(r.Context()))
}

func (s *Server) handleAPIListUsers(w http.ResponseWriter, r *http.Request) {
	if q := r.URL.Query().Get("q"); q != "" {
		s.writeJSON(w, http.StatusOK, s.center.SearchUsers(q))
		return
	}
	s.writeJSON(w, http.StatusOK, s.center.Users())
}

type addUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) handleAPIAddUser(w http.ResponseWriter, r *http.Request) {
	var req addUserRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Role == "" {
		req.Role = users.RoleOperator
	}
	acc, err := s.center.AddUser(actorFrom(r.Context()).ID, req.Username, req.Password, req.Role)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, acc)
}

func (s *Server) handleAPIRemoveUser(w http.ResponseWriter, r *http.Request) {
	if err := s.center.RemoveUser(actorFrom(r.Context()).ID, r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPITogglePermission(w http.ResponseWriter, r *http.Request) {
	acc, err := s.center.TogglePermission(actorFrom(r.Context()).ID, r.PathValue("id"), r.PathValue("perm"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, acc)
}

// --- Pairing session ---

func (s *Server) handleAPISession(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.center.Session())
}

func (s *Server) handleAPIToggle(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.center.Toggle())
}

type pairRequest struct {
	Data string `json:"data"`
}

func (s *Server) handleAPIPair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.center.CompletePairing(req.Data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"payload": p,
		"session": s.center.Session(),
	})
}

type manualRequest struct {
	Target string `json:"target"`
}

func (s *Server) handleAPIManualConnect(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if !s.decode(w, r, &req) {
		return
	}
	target := strings.TrimSpace(req.Target)
	if target == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target is required"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.center.ManualConnect(target))
}

func (s *Server) handleAPIDisconnect(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.center.Disconnect())
}

func (s *Server) handleAPIPairingPayload(w http.ResponseWriter, r *http.Request) {
	payload, err := s.center.PairingPayload()
	if err != nil {
		s.logger.Error("pairing payload", "err", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "pairing endpoint not configured"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"payload": payload})
}

// --- Wi-Fi ---

func (s *Server) handleAPISavedNetworks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"networks": s.center.SavedNetworks(),
		"active":   s.center.ActiveNetwork(),
	})
}

func (s *Server) handleAPIGetNetwork(w http.ResponseWriter, r *http.Request) {
	n, ok := s.center.FindNetwork(r.PathValue("ssid"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "network not saved"})
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleAPIRemoveNetwork(w http.ResponseWriter, r *http.Request) {
	if err := s.center.RemoveNetwork(r.PathValue("ssid")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIScan(w http.ResponseWriter, r *http.Request) {
	results, err := s.center.ScanNetworks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleAPIConnectNetwork(w http.ResponseWriter, r *http.Request) {
	var req wifi.ConnectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	saved, err := s.center.ConnectNetwork(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleAPIRandomMAC(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"mac": wifi.RandomMAC()})
}

type strengthRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleAPIPasswordStrength(w http.ResponseWriter, r *http.Request) {
	var req strengthRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, wifi.PasswordStrength(req.Password))
}

// --- Health and log ---

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.center.Health())
}

func (s *Server) handleAPIRepair(w http.ResponseWriter, r *http.Request) {
	s.center.Repair("manual: " + actorFrom(r.Context()).Username)
	s.writeJSON(w, http.StatusAccepted, s.center.Health())
}

type logLine struct {
	Time    string `json:"time"`
	Message string `json:"message"`
	Line    string `json:"line"`
}

func (s *Server) handleAPILogs(w http.ResponseWriter, r *http.Request) {
	entries := s.center.Logs()
	out := make([]logLine, 0, len(entries))
	for _, e := range entries {
		out = append(out, logLine{
			Time:    e.Time.Format(time.RFC3339),
			Message: e.Message,
			Line:    e.String(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIClearLogs(w http.ResponseWriter, r *http.Request) {
	s.center.ClearLogs()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Assistant and discovery ---

type askRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleAPIAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt is required"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"answer": s.center.Ask(r.Context(), req.Prompt)})
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.center.History())
}

func (s *Server) handleAPIDiscover(w http.ResponseWriter, r *http.Request) {
	devices, err := s.center.Discover()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var verr *session.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, users.ErrInvalidCredentials), errors.Is(err, center.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, users.ErrForbidden), errors.Is(err, users.ErrSelfModification):
		return http.StatusForbidden
	case errors.Is(err, users.ErrUserNotFound), errors.Is(err, wifi.ErrUnknownNetwork),
		errors.Is(err, automation.ErrScriptNotFound):
		return http.StatusNotFound
	case errors.Is(err, users.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, users.ErrUnknownPermission), errors.Is(err, users.ErrInvalidRole),
		errors.Is(err, users.ErrEmptyUsername), errors.Is(err, wifi.ErrEmptySSID),
		errors.Is(err, wifi.ErrPasswordMissing), errors.Is(err, wifi.ErrBadEncryption),
		errors.Is(err, wifi.ErrBadMACMode), errors.Is(err, wifi.ErrBadMAC):
		return http.StatusBadRequest
	case errors.Is(err, center.ErrNoDiscovery):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// writeError writes err with its mapped status. Internal errors are logged
// and hidden from the client.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
		msg = "internal server error"
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
