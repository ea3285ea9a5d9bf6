package world

import (
	"github.com/orisa/server/internal/scripting"
	lua "github.com/yuin/gopher-lua"
)

// apiScope is the slot holding "the currently active actor" for the host
// functions below. Each actor owns exactly one scope, and only that actor's
// goroutine ever runs its interpreter, so the binding is confined to one
// execution thread. withAPI sets and unconditionally clears it around every
// delivery; a host function that finds the slot empty was called outside a
// message scope, which is a contract violation raised into the script.
type apiScope struct {
	actor *actor
}

func (s *apiScope) active(vm *lua.LState) *actor {
	if s.actor == nil {
		vm.RaiseError("orisa API called outside a message scope")
	}
	return s.actor
}

// withAPI establishes the scoped binding for the dynamic extent of body and
// clears it on every exit path, fault included.
func withAPI(a *actor, body func(vm *lua.LState) error) error {
	a.scope.actor = a
	defer func() { a.scope.actor = nil }()
	return body(a.vm)
}

// registerAPI installs the host capability table into an actor's
// interpreter. The functions close over the actor's scope slot, never over
// the actor itself, so "who is calling" is always resolved through the
// scoped binding.
func registerAPI(vm *lua.LState, scope *apiScope) {
	orisa := vm.NewTable()

	vm.SetField(orisa, "get_children", vm.NewFunction(func(vm *lua.LState) int {
		a := scope.active(vm)
		id := Id(vm.CheckInt(1))
		t := vm.NewTable()
		a.world.Read(func(w *World) {
			for i, child := range w.Children(id) {
				t.RawSetInt(i+1, lua.LNumber(child))
			}
		})
		vm.Push(t)
		return 1
	}))

	vm.SetField(orisa, "send", vm.NewFunction(func(vm *lua.LState) int {
		a := scope.active(vm)
		target := Id(vm.CheckInt(1))
		name := vm.CheckString(2)
		payload, err := fromLuaArg(vm, 3)
		if err != nil {
			vm.RaiseError("send payload: %s", err.Error())
		}
		a.world.Read(func(w *World) {
			w.SendMessage(target, Message{
				ImmediateSender: a.id,
				Name:            name,
				Payload:         payload,
			})
		})
		return 0
	}))

	vm.SetField(orisa, "tell", vm.NewFunction(func(vm *lua.LState) int {
		a := scope.active(vm)
		text := vm.CheckString(1)
		a.world.Read(func(w *World) {
			w.SendClientMessage(a.id, ClientMessage{Kind: "tell", Text: text})
		})
		return 0
	}))

	vm.SetField(orisa, "get_name", vm.NewFunction(func(vm *lua.LState) int {
		a := scope.active(vm)
		id := Id(vm.CheckInt(1))
		var name string
		a.world.Read(func(w *World) {
			name = w.Username(id)
		})
		vm.Push(lua.LString(name))
		return 1
	}))

	vm.SetField(orisa, "get_kind", vm.NewFunction(func(vm *lua.LState) int {
		a := scope.active(vm)
		id := Id(vm.CheckInt(1))
		var kind string
		a.world.Read(func(w *World) {
			kind = w.Kind(id)
		})
		vm.Push(lua.LString(kind))
		return 1
	}))

	// Durable state is the active actor's own; reads and writes go to the
	// pending copy, committed only if the handler returns without fault.
	vm.SetField(orisa, "get_state", vm.NewFunction(func(vm *lua.LState) int {
		a := scope.active(vm)
		key := vm.CheckString(1)
		vm.Push(toLuaValue(vm, a.pending[key]))
		return 1
	}))

	vm.SetField(orisa, "set_state", vm.NewFunction(func(vm *lua.LState) int {
		a := scope.active(vm)
		key := vm.CheckString(1)
		val, err := fromLuaArg(vm, 2)
		if err != nil {
			vm.RaiseError("set_state %q: %s", key, err.Error())
		}
		a.pending[key] = val
		return 0
	}))

	vm.SetGlobal("orisa", orisa)
}

func fromLuaArg(vm *lua.LState, n int) (scripting.Value, error) {
	return scripting.FromLua(vm.Get(n))
}

func toLuaValue(vm *lua.LState, v scripting.Value) lua.LValue {
	return scripting.ToLua(vm, v)
}
