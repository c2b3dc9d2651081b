//go:build no_automation

package automation

import (
	"errors"
	"log/slog"

	"republic-center/internal/events"
	"republic-center/internal/health"
	"republic-center/internal/session"
)

// ErrScriptNotFound is returned for an unknown script id.
var ErrScriptNotFound = errors.New("script not found")

var errDisabled = errors.New("automation disabled")

// Controller is the part of the center exposed to scripts.
type Controller interface {
	Bus() *events.Bus
	Note(msg string)
	Repair(reason string)
	Toggle() session.Snapshot
	Disconnect() session.Snapshot
	Session() session.Snapshot
	Health() health.Snapshot
}

// ScriptMeta is the JSON header of a script file.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation hook.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the outcome of a one-shot script run.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Manager is a no-op when automation is compiled out.
type Manager struct{}

func NewManager(string) (*Manager, error) { return &Manager{}, nil }
func (m *Manager) List() ([]*Script, error) { return nil, nil }
func (m *Manager) Get(string) (*Script, error) { return nil, ErrScriptNotFound }
func (m *Manager) Save(*Script) (*Script, error) {
	return nil, errDisabled
}
func (m *Manager) Delete(string) error { return ErrScriptNotFound }

// Engine is a no-op when automation is compiled out.
type Engine struct{}

func NewEngine(Controller, *Manager, *slog.Logger) *Engine { return &Engine{} }
func (e *Engine) Start() {}
func (e *Engine) Stop() {}
func (e *Engine) ReloadScript(string) error { return nil }
func (e *Engine) StopScript(string) {}
func (e *Engine) Running(string) bool { return false }

func (e *Engine) RunScript(string) *RunResult {
	return &RunResult{Error: errDisabled.Error()}
}

func (e *Engine) RunLuaCode(string) *RunResult {
	return &RunResult{Error: errDisabled.Error()}
}
