package lua

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// PreludeModule is the module name every plugin chunk requires.
const PreludeModule = "plugin"

// Prelude is prepended to plugin source before compilation. It has no
// trailing newline so line numbers in diagnostics match the caller's text.
const Prelude = `local plugin = require("plugin"); `

// Result table field names shared with the Go side.
const (
	FieldSuccess  = "success"
	FieldMessage  = "message"
	FieldData     = "data"
	FieldMetadata = "metadata"
)

// installPrelude registers the prelude module loader.
func (s *State) installPrelude() {
	s.L.PreloadModule(PreludeModule, func(L *lua.LState) int {
		mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
			"successful": preludeSuccessful,
			"failed":     preludeFailed,
			"sleep":      preludeSleep,
			"log":        s.preludeLog,
		})
		L.Push(mod)
		return 1
	})
}

// preludeSuccessful implements plugin.successful(message?, data?).
func preludeSuccessful(L *lua.LState) int {
	L.Push(newResultTable(L, true, L.OptString(1, ""), L.Get(2)))
	return 1
}

// preludeFailed implements plugin.failed(message).
func preludeFailed(L *lua.LState) int {
	L.Push(newResultTable(L, false, L.OptString(1, ""), lua.LNil))
	return 1
}

func newResultTable(L *lua.LState, success bool, message string, data lua.LValue) *lua.LTable {
	t := L.NewTable()
	t.RawSetString(FieldSuccess, lua.LBool(success))
	t.RawSetString(FieldMessage, lua.LString(message))
	if data != lua.LNil {
		t.RawSetString(FieldData, data)
	}
	t.RawSetString(FieldMetadata, L.NewTable())
	return t
}

// preludeSleep implements plugin.sleep(ms). It suspends only the calling
// state and wakes early with an error when the call's context is done.
func preludeSleep(L *lua.LState) int {
	ms := float64(L.CheckNumber(1))
	d := time.Duration(ms * float64(time.Millisecond))

	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return 0
	case <-ctx.Done():
		RaiseError(L, ctx.Err())
		return 0
	}
}

// preludeLog implements plugin.log(message).
func (s *State) preludeLog(L *lua.LState) int {
	msg := L.CheckString(1)
	if s.logFunc != nil {
		s.logFunc(msg)
	}
	return 0
}
