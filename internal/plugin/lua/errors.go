package lua

import (
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Errors for Lua state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrMethodNotFound is returned when a called method does not exist.
	ErrMethodNotFound = errors.New("lua method not found")
)

// RuntimeError is a Lua runtime error.
// Cause holds the Go error when the error was raised by a Go function
// through RaiseError, or the context error when the call was cancelled.
type RuntimeError struct {
	Message    string
	StackTrace string
	Cause      error
}

func (e *RuntimeError) Error() string {
	return "lua: " + e.Message
}

// Unwrap returns the underlying Go error, if any.
func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// RaiseError raises err inside the running Lua function.
// The error value is carried as userdata so it can be recovered as a Go
// error once the protected call returns. Like L.RaiseError it does not return.
func RaiseError(L *lua.LState, err error) {
	ud := L.NewUserData()
	ud.Value = err
	L.Error(ud, 1)
}

// convertError turns an error returned by PCall into a *RuntimeError.
func convertError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return &RuntimeError{Message: err.Error(), Cause: err}
	}

	if ud, ok := apiErr.Object.(*lua.LUserData); ok {
		if goErr, ok := ud.Value.(error); ok {
			return &RuntimeError{
				Message:    goErr.Error(),
				StackTrace: apiErr.StackTrace,
				Cause:      goErr,
			}
		}
	}

	msg := apiErr.Error()
	if apiErr.Object != nil && apiErr.Object != lua.LNil {
		msg = apiErr.Object.String()
	}
	return &RuntimeError{
		Message:    msg,
		StackTrace: apiErr.StackTrace,
		Cause:      apiErr.Cause,
	}
}

// panicError converts a recovered panic value into an error.
func panicError(r any) error {
	switch v := r.(type) {
	case error:
		return &RuntimeError{Message: "panic: " + v.Error(), Cause: v}
	case string:
		return &RuntimeError{Message: "panic: " + v}
	default:
		return &RuntimeError{Message: fmt.Sprintf("panic: %v", v)}
	}
}
