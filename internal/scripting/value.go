package scripting

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Value is a dynamically typed, JSON-serializable payload value. Scripted
// behaviors define their own message vocabulary, so the host carries payloads
// as an open tagged tree: nil, bool, float64, string, []Value, or
// map[string]Value.
type Value = any

// ToLua converts a Value into a Lua value on the given VM.
func ToLua(vm *lua.LState, v Value) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case float64:
		return lua.LNumber(x)
	case int:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case []Value:
		t := vm.NewTable()
		for i, e := range x {
			t.RawSetInt(i+1, ToLua(vm, e))
		}
		return t
	case map[string]Value:
		t := vm.NewTable()
		for k, e := range x {
			t.RawSetString(k, ToLua(vm, e))
		}
		return t
	default:
		// Unrepresentable host value; scripted code sees nil rather than
		// a leaked Go object.
		return lua.LNil
	}
}

// FromLua converts a Lua value into a Value. Tables with contiguous 1..n
// integer keys become slices, all other tables become string-keyed maps.
// Functions, userdata, and coroutines are not serializable and are rejected.
func FromLua(lv lua.LValue) (Value, error) {
	switch x := lv.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(x), nil
	case lua.LNumber:
		return float64(x), nil
	case lua.LString:
		return string(x), nil
	case *lua.LTable:
		return tableToValue(x)
	default:
		return nil, fmt.Errorf("unsupported lua value of type %s", lv.Type())
	}
}

func tableToValue(t *lua.LTable) (Value, error) {
	n := t.Len()
	if n > 0 {
		arr := make([]Value, 0, n)
		var convErr error
		t.ForEach(func(k, v lua.LValue) {
			if convErr != nil {
				return
			}
			if _, ok := k.(lua.LNumber); !ok {
				convErr = fmt.Errorf("mixed array/map table keys")
				return
			}
			e, err := FromLua(v)
			if err != nil {
				convErr = err
				return
			}
			arr = append(arr, e)
		})
		if convErr != nil {
			return nil, convErr
		}
		return arr, nil
	}

	m := make(map[string]Value)
	var convErr error
	t.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		ks, ok := k.(lua.LString)
		if !ok {
			convErr = fmt.Errorf("non-string table key %s", k.Type())
			return
		}
		e, err := FromLua(v)
		if err != nil {
			convErr = err
			return
		}
		m[string(ks)] = e
	})
	if convErr != nil {
		return nil, convErr
	}
	return m, nil
}
