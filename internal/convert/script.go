package convert

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const scriptTimeout = 250 * time.Millisecond

// runScript evaluates a Lua chunk with the global `value` bound to the
// input. The chunk's first return value is the result.
func runScript(code string, value any) (any, error) {
	if code == "" {
		return nil, fmt.Errorf("script filter without code")
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()

	// Sandbox: no filesystem, process or module loading.
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
	defer cancel()
	L.SetContext(ctx)

	L.SetGlobal("value", goToLua(L, value))

	fn, err := L.LoadString(code)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return luaToGo(ret), nil
}

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
	case int64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, luaToGo(val.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]any)
		val.ForEach(func(k, vv lua.LValue) {
			m[k.String()] = luaToGo(vv)
		})
		return m
	default:
		return v.String()
	}
}
