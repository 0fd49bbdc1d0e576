package lua

import (
	"math"
	"reflect"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Bridge converts values between Go and one Lua state.
//
// Lua to Go yields the JSON-shaped set: nil, bool, int64 for integral
// numbers, float64, string, []any for sequences and map[string]any for
// other tables. Go to Lua accepts that set plus any slice, map, struct or
// pointer reachable by reflection; anything else becomes userdata.
type Bridge struct {
	L *lua.LState
}

// NewBridge creates a new Bridge for the given Lua state.
func NewBridge(L *lua.LState) *Bridge {
	return &Bridge{L: L}
}

// ToGoValue converts a Lua value to a Go value. Functions and cyclic
// references convert to nil.
func (b *Bridge) ToGoValue(lv lua.LValue) any {
	return b.toGo(lv, make(map[*lua.LTable]bool))
}

func (b *Bridge) toGo(lv lua.LValue, onPath map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return number(v)
	case lua.LString:
		return string(v)
	case *lua.LUserData:
		return v.Value
	case *lua.LTable:
		if onPath[v] {
			return nil
		}
		onPath[v] = true
		defer delete(onPath, v)

		if n, ok := sequenceLen(v); ok {
			arr := make([]any, n)
			for i := range arr {
				arr[i] = b.toGo(v.RawGetInt(i+1), onPath)
			}
			return arr
		}

		m := make(map[string]any)
		v.ForEach(func(k, val lua.LValue) {
			m[lua.LVAsString(k)] = b.toGo(val, onPath)
		})
		return m
	default:
		return nil
	}
}

// number returns int64 for integral values that fit, float64 otherwise.
func number(n lua.LNumber) any {
	f := float64(n)
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

// sequenceLen reports whether t holds exactly the keys 1..n with n > 0.
func sequenceLen(t *lua.LTable) (int, bool) {
	count, maxKey := 0, 0
	array := true
	t.ForEach(func(k, _ lua.LValue) {
		count++
		kn, ok := k.(lua.LNumber)
		if !ok || float64(kn) != math.Trunc(float64(kn)) || kn < 1 {
			array = false
			return
		}
		if int(kn) > maxKey {
			maxKey = int(kn)
		}
	})
	return maxKey, array && maxKey > 0 && count == maxKey
}

// ToLuaValue converts a Go value to a Lua value. A pointer, map or slice
// that refers back to a value being converted converts to nil.
func (b *Bridge) ToLuaValue(v any) lua.LValue {
	return b.toLua(v, make(refPath))
}

// ref identifies a pointer, map or slice on the current conversion path.
type ref struct {
	typ reflect.Type
	ptr uintptr
	len int
}

// refPath holds the references being converted, outermost first.
type refPath map[ref]bool

// enter marks rv on the path. It reports false when rv is already on it.
func (p refPath) enter(rv reflect.Value) (ref, bool) {
	r := ref{typ: rv.Type(), ptr: rv.Pointer()}
	if rv.Kind() == reflect.Slice {
		r.len = rv.Len()
	}
	if p[r] {
		return r, false
	}
	p[r] = true
	return r, true
}

func (b *Bridge) toLua(v any, path refPath) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	}
	return b.reflectToLua(reflect.ValueOf(v), path)
}

func (b *Bridge) reflectToLua(rv reflect.Value, path refPath) lua.LValue {
	if rv.IsValid() && rv.CanInterface() {
		switch val := rv.Interface().(type) {
		case lua.LValue:
			return val
		case []byte:
			return lua.LString(val)
		}
	}

	switch rv.Kind() {
	case reflect.Invalid:
		return lua.LNil
	case reflect.Bool:
		return lua.LBool(rv.Bool())
	case reflect.String:
		return lua.LString(rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return lua.LNumber(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return lua.LNumber(rv.Float())
	case reflect.Interface:
		if rv.IsNil() {
			return lua.LNil
		}
		return b.reflectToLua(rv.Elem(), path)
	case reflect.Pointer:
		if rv.IsNil() {
			return lua.LNil
		}
		r, ok := path.enter(rv)
		if !ok {
			return lua.LNil
		}
		defer delete(path, r)
		return b.reflectToLua(rv.Elem(), path)
	case reflect.Slice:
		if rv.IsNil() {
			return lua.LNil
		}
		r, ok := path.enter(rv)
		if !ok {
			return lua.LNil
		}
		defer delete(path, r)
		return b.sequenceToTable(rv, path)
	case reflect.Array:
		return b.sequenceToTable(rv, path)
	case reflect.Map:
		if rv.IsNil() {
			return lua.LNil
		}
		r, ok := path.enter(rv)
		if !ok {
			return lua.LNil
		}
		defer delete(path, r)
		t := b.L.CreateTable(0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			t.RawSet(b.reflectToLua(iter.Key(), path), b.reflectToLua(iter.Value(), path))
		}
		return t
	case reflect.Struct:
		return b.structToTable(rv, path)
	}

	if !rv.CanInterface() {
		return lua.LNil
	}
	ud := b.L.NewUserData()
	ud.Value = rv.Interface()
	return ud
}

func (b *Bridge) sequenceToTable(rv reflect.Value, path refPath) *lua.LTable {
	t := b.L.CreateTable(rv.Len(), 0)
	for i := 0; i < rv.Len(); i++ {
		t.RawSetInt(i+1, b.reflectToLua(rv.Index(i), path))
	}
	return t
}

// structToTable keys exported fields by their json tag name, falling back
// to the field name. Fields tagged "-" are skipped.
func (b *Bridge) structToTable(rv reflect.Value, path refPath) *lua.LTable {
	rt := rv.Type()
	t := b.L.CreateTable(0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag, _, _ := strings.Cut(field.Tag.Get("json"), ","); tag == "-" {
			continue
		} else if tag != "" {
			name = tag
		}
		t.RawSetString(name, b.reflectToLua(rv.Field(i), path))
	}
	return t
}

// field returns t.key for tables, honouring metatables, and LNil otherwise.
// Indexing a non-table raises a Lua error, which must not escape a
// protected call, so non-tables are rejected up front.
func (b *Bridge) field(t lua.LValue, key string) lua.LValue {
	if t == nil || t.Type() != lua.LTTable {
		return lua.LNil
	}
	return b.L.GetField(t, key)
}

// StringField returns t.key as a string, honouring metatables.
func (b *Bridge) StringField(t lua.LValue, key string) (string, bool) {
	if s, ok := b.field(t, key).(lua.LString); ok {
		return string(s), true
	}
	return "", false
}

// FuncField returns t.key as a function, honouring metatables.
func (b *Bridge) FuncField(t lua.LValue, key string) (*lua.LFunction, bool) {
	if f, ok := b.field(t, key).(*lua.LFunction); ok {
		return f, true
	}
	return nil, false
}

// HasFunc reports whether t.key resolves to a function.
func (b *Bridge) HasFunc(t lua.LValue, key string) bool {
	_, ok := b.FuncField(t, key)
	return ok
}
