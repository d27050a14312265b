package peripheral

import (
	"fmt"

	"github.com/aarzilli/golua/lua"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/callback"
	"github.com/srg/blip/internal/gatt"
	"github.com/srg/blip/internal/script"
)

const errInvalidArguments = "invalid arguments"

// LuaAPI exposes a Peripheral to scripts as the global "ble".
type LuaAPI struct {
	engine     *script.Engine
	peripheral *Peripheral
	logger     *logrus.Logger
}

// RegisterAPI installs the ble global on engine.
func RegisterAPI(engine *script.Engine, p *Peripheral) (*LuaAPI, error) {
	api := &LuaAPI{engine: engine, peripheral: p, logger: engine.Logger()}

	err := engine.DoWithState(func(L *lua.State) error {
		L.NewTable()

		api.registerEnable(L)
		api.registerOn(L)
		api.registerStartAdvertising(L)
		api.registerStopAdvertising(L)
		api.registerSetServices(L)
		api.registerConstructor(L, "PrimaryService")
		api.registerConstructor(L, "Characteristic")
		setResultConstants(L, -1)

		L.SetGlobal("ble")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("register ble api: %w", err)
	}
	return api, nil
}

// safePushGoFunction pushes name and the wrapped fn; follow with L.SetTable(-3).
func (api *LuaAPI) safePushGoFunction(L *lua.State, name string, fn lua.LuaGoFunction) {
	L.PushString(name)
	L.PushGoFunction(script.SafeWrapGoFunction(api.logger, "ble."+name+"()", fn))
}

func setResultConstants(L *lua.State, idx int) {
	if idx < 0 {
		idx = L.GetTop() + idx + 1
	}
	for _, r := range gatt.ScriptResults {
		L.PushInteger(int64(r.Code))
		L.SetField(idx, r.Name)
	}
}

func (api *LuaAPI) registerEnable(L *lua.State) {
	api.safePushGoFunction(L, "enable", func(L *lua.State) int {
		if err := api.peripheral.Enable(); err != nil {
			L.RaiseError(err.Error())
		}
		return 0
	})
	L.SetTable(-3)
}

// ble.on(event, handler)
func (api *LuaAPI) registerOn(L *lua.State) {
	api.safePushGoFunction(L, "on", func(L *lua.State) int {
		if L.GetTop() < 2 || L.Type(1) != lua.LUA_TSTRING || L.Type(2) != lua.LUA_TFUNCTION {
			L.RaiseError("on: " + errInvalidArguments)
		}
		name := L.ToString(1)

		fn, _ := api.engine.ValueAt(L, 2).(*script.FuncRef)
		if err := api.peripheral.On(name, fn); err != nil {
			fn.Release()
			L.RaiseError(fmt.Sprintf("on: %v", err))
		}
		return 0
	})
	L.SetTable(-3)
}

// ble.startAdvertising(name, {uuid, ...})
func (api *LuaAPI) registerStartAdvertising(L *lua.State) {
	api.safePushGoFunction(L, "startAdvertising", func(L *lua.State) int {
		if L.GetTop() < 2 || L.Type(1) != lua.LUA_TSTRING || L.Type(2) != lua.LUA_TTABLE {
			L.RaiseError("startAdvertising: " + errInvalidArguments)
		}
		name := L.ToString(1)

		uuids, err := api.uuidList(L, 2)
		if err != nil {
			L.RaiseError(fmt.Sprintf("startAdvertising: %s: %v", errInvalidArguments, err))
		}

		if err := api.peripheral.StartAdvertising(name, uuids); err != nil {
			L.RaiseError(err.Error())
		}
		return 0
	})
	L.SetTable(-3)
}

func (api *LuaAPI) uuidList(L *lua.State, idx int) ([]ble.UUID, error) {
	t, _ := api.engine.ValueAt(L, idx).(*script.Table)
	defer t.Release()

	if t.Len() == 0 {
		return nil, fmt.Errorf("no service uuids")
	}
	uuids := make([]ble.UUID, 0, t.Len())
	for i := 1; i <= t.Len(); i++ {
		item, _ := t.Index(i)
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("uuid %d is %s, not a string", i, script.TypeName(item))
		}
		u, err := ble.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("uuid %d: %w", i, err)
		}
		uuids = append(uuids, u)
	}
	return uuids, nil
}

func (api *LuaAPI) registerStopAdvertising(L *lua.State) {
	api.safePushGoFunction(L, "stopAdvertising", func(L *lua.State) int {
		if err := api.peripheral.StopAdvertising(); err != nil {
			L.RaiseError(err.Error())
		}
		return 0
	})
	L.SetTable(-3)
}

// ble.setServices(services [, callback])
//
// With a callback the outcome is delivered asynchronously as callback(nil)
// or callback(message); without one a failure raises.
func (api *LuaAPI) registerSetServices(L *lua.State) {
	api.safePushGoFunction(L, "setServices", func(L *lua.State) int {
		top := L.GetTop()
		if top < 1 || L.Type(1) != lua.LUA_TTABLE {
			L.RaiseError("setServices: " + errInvalidArguments)
		}
		hasCallback := top >= 2 && L.Type(2) != lua.LUA_TNIL
		if hasCallback && L.Type(2) != lua.LUA_TFUNCTION {
			L.RaiseError("setServices: " + errInvalidArguments)
		}

		// The snapshot holds its own references; the parsed service
		// retains what it keeps.
		services := api.engine.ValueAt(L, 1).(*script.Table)
		err := api.peripheral.SetServices(services)
		services.Release()

		if !hasCallback {
			if err != nil {
				L.RaiseError(fmt.Sprintf("setServices: %v", err))
			}
			return 0
		}

		var result any
		if err != nil {
			api.logger.WithError(err).Warn("setServices failed")
			result = err.Error()
		}
		cb, _ := api.engine.ValueAt(L, 2).(*script.FuncRef)
		if qerr := api.peripheral.Queue().Submit(callback.KindEvent, cb, callback.EventPayload{Values: []any{result}}); qerr != nil {
			api.logger.WithError(qerr).Warn("setServices completion dropped")
		}
		return 0
	})
	L.SetTable(-3)
}

// registerConstructor installs PrimaryService / Characteristic. The
// description table is returned as is with the RESULT_* constants added.
func (api *LuaAPI) registerConstructor(L *lua.State, name string) {
	api.safePushGoFunction(L, name, func(L *lua.State) int {
		if L.GetTop() < 1 || L.Type(1) != lua.LUA_TTABLE {
			L.RaiseError(name + ": " + errInvalidArguments)
		}
		setResultConstants(L, 1)
		L.PushValue(1)
		return 1
	})
	L.SetTable(-3)
}
