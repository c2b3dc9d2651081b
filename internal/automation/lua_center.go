//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerCenterModule installs the `center` table:
//
//	center.on(event_type, fn)    run fn(event) for each matching event ("*" for all)
//	center.log(msg)              append msg to the event log
//	center.repair([reason])      start a self-repair cycle
//	center.toggle()              toggle the pairing session, returns the new status
//	center.disconnect()          close the pairing session
//	center.status()              table with session and health fields
//	center.after(seconds, fn)    run fn later on the script's VM
func registerCenterModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"on": func(L *lua.LState) int {
			return centerOn(L, vm)
		},
		"log": func(L *lua.LState) int {
			msg := L.CheckString(1)
			if vm.logf != nil {
				vm.logf(msg)
				return 0
			}
			e.logger.Info("script log", "msg", msg)
			e.ctrl.Note(msg)
			return 0
		},
		"repair": func(L *lua.LState) int {
			e.ctrl.Repair(L.OptString(1, "automation"))
			return 0
		},
		"toggle": func(L *lua.LState) int {
			snap := e.ctrl.Toggle()
			L.Push(lua.LString(snap.Status))
			return 1
		},
		"disconnect": func(L *lua.LState) int {
			e.ctrl.Disconnect()
			return 0
		},
		"status": func(L *lua.LState) int {
			return centerStatus(L, e)
		},
		"after": func(L *lua.LState) int {
			return centerAfter(L, vm, e)
		},
	}
	L.SetGlobal("center", L.SetFuncs(L.NewTable(), fns))
}

func centerOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	fn := L.CheckFunction(2)

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, luaHandler{eventType: eventType, fn: fn})
	return 0
}

func centerStatus(L *lua.LState, e *Engine) int {
	sess := e.ctrl.Session()
	h := e.ctrl.Health()

	t := L.NewTable()
	t.RawSetString("session", lua.LString(sess.Status))
	t.RawSetString("target", lua.LString(sess.Target))
	t.RawSetString("devices", lua.LNumber(len(sess.Devices)))
	t.RawSetString("health", lua.LString(h.Status))
	t.RawSetString("auto_fixed", lua.LNumber(h.AutoFixedIssues))
	t.RawSetString("last_check", lua.LString(h.LastCheck.Format(time.RFC3339)))
	L.Push(t)
	return 1
}

func centerAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: script queue full")
		}
	}()
	return 0
}
