//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"republic-center/internal/events"
	"republic-center/internal/health"
	"republic-center/internal/session"
)

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

// RunResult is the outcome of a one-shot script run.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// AnyEvent subscribes a handler to every event type.
const AnyEvent = "*"

const (
	maxHandlersPerScript = 100
	runTimeout           = 5 * time.Second
)

type luaHandler struct {
	eventType string
	fn        *lua.LFunction
}

// scriptVM owns one Lua state. All access to the state goes through
// commands, which a single goroutine drains.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	handlers []luaHandler

	// logf receives center.log output; nil writes to the event log.
	logf func(string)
}

func (vm *scriptVM) handlersFor(eventType string) []luaHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	var out []luaHandler
	for _, h := range vm.handlers {
		if h.eventType == eventType || h.eventType == AnyEvent {
			out = append(out, h)
		}
	}
	return out
}

// Engine runs enabled scripts and feeds them center events.
type Engine struct {
	ctrl    Controller
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an engine for the scripts in mgr.
func NewEngine(ctrl Controller, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		ctrl:    ctrl,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to center events and starts every enabled script.
func (e *Engine) Start() {
	e.unsub = e.ctrl.Bus().OnAll(e.dispatch)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	started := 0
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
			continue
		}
		started++
	}
	e.logger.Info("automation engine started", "scripts", started)
}

// Stop halts all scripts and unsubscribes from events.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()
	e.logger.Info("automation engine stopped")
}

// ReloadScript restarts a script from disk; disabled scripts are only stopped.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)
	s, err := e.manager.Get(id)
	if err != nil {
		return err
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	vm, ok := e.vms[id]
	delete(e.vms, id)
	e.mu.Unlock()
	if ok {
		vm.cancel()
		e.logger.Info("script stopped", "id", id)
	}
}

// Running reports whether script id has a live VM.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// RunScript runs a stored script once; see RunLuaCode.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM, then calls each handler it
// registered once with a synthetic event of the handler's type. center.log
// output is captured in the result instead of the event log.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	res := &RunResult{Logs: []string{}}
	var logMu sync.Mutex
	vm := &scriptVM{
		commands: make(chan func(*lua.LState), 1),
		ctx:      ctx,
		cancel:   cancel,
		logf: func(msg string) {
			logMu.Lock()
			res.Logs = append(res.Logs, msg)
			logMu.Unlock()
		},
	}
	L := e.newState(ctx, vm)
	defer L.Close()

	finish := func(err error) *RunResult {
		res.Duration = time.Since(start).String()
		if err != nil {
			res.Error = luaError(ctx, err)
			e.logger.Warn("script run failed", "err", res.Error)
			return res
		}
		res.OK = true
		return res
	}

	if err := L.DoString(code); err != nil {
		return finish(err)
	}
	vm.mu.Lock()
	handlers := append([]luaHandler(nil), vm.handlers...)
	vm.mu.Unlock()
	for _, h := range handlers {
		evt := L.NewTable()
		evt.RawSetString("type", lua.LString(h.eventType))
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, evt); err != nil {
			return finish(err)
		}
	}
	return finish(nil)
}

func luaError(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("timeout (%s)", runTimeout)
	}
	return err.Error()
}

// newState creates a sandboxed Lua state with the script modules loaded.
func (e *Engine) newState(ctx context.Context, vm *scriptVM) *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)
	vm.state = L
	registerCenterModule(L, vm, e)
	registerSystemModule(L, e)
	return L
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := &scriptVM{
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	L := e.newState(ctx, vm)
	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatch queues event on every VM with a matching handler. It never
// blocks: a VM with a full queue misses the event.
func (e *Engine) dispatch(event events.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()
	if len(vms) == 0 {
		return
	}

	fields := eventFields(event)
	for _, vm := range vms {
		for _, h := range vm.handlersFor(event.Type) {
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event.Type, fields) }:
			default:
				e.logger.Warn("script queue full, dropping event", "type", event.Type)
			}
		}
	}
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, eventType string, fields map[string]any) {
	evt := L.NewTable()
	for k, v := range fields {
		evt.RawSetString(k, goToLua(L, v))
	}
	evt.RawSetString("type", lua.LString(eventType))
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, evt); err != nil {
		e.logger.Error("lua handler error", "type", eventType, "err", err)
	}
}

// eventFields flattens event data into JSON-shaped values. Non-object data
// is exposed as the "value" field.
func eventFields(event events.Event) map[string]any {
	if event.Data == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return map[string]any{}
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err == nil {
		return fields
	}
	var value any
	_ = json.Unmarshal(raw, &value)
	return map[string]any{"value": value}
}

// goToLua converts a JSON-shaped Go value into a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, goToLua(L, item))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, goToLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
