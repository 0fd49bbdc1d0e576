package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// Values is the Go-side key/value bag a context table is bound to.
type Values interface {
	Get(key string) (any, error)
	TryGet(key string) (any, bool)
	Set(key string, value any)
	Keys() []string
}

// NewContextTable creates the table passed to a plugin's execute method.
// Its methods are called with colon syntax:
//
//	ctx:get(key)      -- raises the Go error from Values.Get on a miss
//	ctx:try_get(key)  -- value, found
//	ctx:set(key, v)
//	ctx:keys()        -- array of keys
//
// Every call gets its own table, so concurrent invocations never share keys.
func (s *State) NewContextTable(v Values) *lua.LTable {
	b := s.bridge
	t := s.L.NewTable()

	s.L.SetFuncs(t, map[string]lua.LGFunction{
		"get": func(L *lua.LState) int {
			val, err := v.Get(L.CheckString(2))
			if err != nil {
				RaiseError(L, err)
				return 0
			}
			L.Push(b.ToLuaValue(val))
			return 1
		},
		"try_get": func(L *lua.LState) int {
			val, ok := v.TryGet(L.CheckString(2))
			if !ok {
				L.Push(lua.LNil)
				L.Push(lua.LFalse)
				return 2
			}
			L.Push(b.ToLuaValue(val))
			L.Push(lua.LTrue)
			return 2
		},
		"set": func(L *lua.LState) int {
			v.Set(L.CheckString(2), b.ToGoValue(L.Get(3)))
			return 0
		},
		"keys": func(L *lua.LState) int {
			L.Push(b.ToLuaValue(v.Keys()))
			return 1
		},
	})

	return t
}
