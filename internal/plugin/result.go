package plugin

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	plua "github.com/dshills/plugrt/internal/plugin/lua"
)

// Result is the outcome a plugin returns from execute.
type Result struct {
	Success  bool
	Message  string
	Data     any
	Metadata map[string]any
}

// Successful returns a successful result.
func Successful(message string, data any) *Result {
	return &Result{
		Success:  true,
		Message:  message,
		Data:     data,
		Metadata: make(map[string]any),
	}
}

// Failed returns an unsuccessful result.
func Failed(message string) *Result {
	return &Result{
		Message:  message,
		Metadata: make(map[string]any),
	}
}

// resultFromLua converts the values returned by execute into a Result.
// The first value must be a table with a boolean success field, as built by
// plugin.successful or plugin.failed.
func resultFromLua(b *plua.Bridge, rets []lua.LValue) (*Result, error) {
	if len(rets) == 0 {
		return nil, fmt.Errorf("%w: execute returned nothing", ErrInvalidResult)
	}

	tbl, ok := rets[0].(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: execute returned %s, want result table", ErrInvalidResult, rets[0].Type())
	}

	success, ok := tbl.RawGetString(plua.FieldSuccess).(lua.LBool)
	if !ok {
		return nil, fmt.Errorf("%w: result has no boolean %q field", ErrInvalidResult, plua.FieldSuccess)
	}

	res := &Result{
		Success:  bool(success),
		Metadata: make(map[string]any),
	}

	switch msg := tbl.RawGetString(plua.FieldMessage).(type) {
	case lua.LString:
		res.Message = string(msg)
	case *lua.LNilType:
	default:
		return nil, fmt.Errorf("%w: result message is %s, want string", ErrInvalidResult, msg.Type())
	}

	if data := tbl.RawGetString(plua.FieldData); data != lua.LNil {
		res.Data = b.ToGoValue(data)
	}

	if meta, ok := tbl.RawGetString(plua.FieldMetadata).(*lua.LTable); ok {
		meta.ForEach(func(k, v lua.LValue) {
			if ks, ok := k.(lua.LString); ok {
				res.Metadata[string(ks)] = b.ToGoValue(v)
			}
		})
	}

	return res, nil
}
