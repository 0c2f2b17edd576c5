package scripting

import (
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// toLua converts a decoded action value to Lua. Maps become tables with string keys
// and slices become sequences. Unsupported values become nil.
func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case map[string]any:
		t := L.NewTable()
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, toLua(L, x[k]))
		}
		return t
	case []any:
		t := L.NewTable()
		for _, e := range x {
			t.Append(toLua(L, e))
		}
		return t
	default:
		return lua.LNil
	}
}

// fromLua converts a Lua value returned by a hook. A table whose keys are exactly
// 1..n becomes a []any; any other table must have string keys and becomes a map.
func fromLua(v lua.LValue) (any, error) {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(x), nil
	case lua.LString:
		return string(x), nil
	case lua.LNumber:
		f := float64(x)
		if f == float64(int64(f)) {
			return int64(f), nil
		}
		return f, nil
	case *lua.LTable:
		return tableFromLua(x)
	default:
		return nil, fmt.Errorf("unsupported Lua value of type %s", v.Type())
	}
}

func tableFromLua(t *lua.LTable) (any, error) {
	if n := t.Len(); n > 0 && countKeys(t) == n {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			v, err := fromLua(t.RawGetInt(i))
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out = append(out, v)
		}
		return out, nil
	}
	out := map[string]any{}
	var err error
	t.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		key, ok := k.(lua.LString)
		if !ok {
			err = fmt.Errorf("table key %s is not a string", k.String())
			return
		}
		var val any
		if val, err = fromLua(v); err != nil {
			err = fmt.Errorf("%s: %w", key, err)
			return
		}
		out[string(key)] = val
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func countKeys(t *lua.LTable) int {
	n := 0
	t.ForEach(func(lua.LValue, lua.LValue) { n++ })
	return n
}
