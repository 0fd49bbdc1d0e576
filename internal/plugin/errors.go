package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// Plugin runtime errors.
var (
	// ErrNotFound is returned when no live plugin is registered under a name.
	ErrNotFound = errors.New("plugin not found")

	// ErrReleased is returned when an instance is used after its arena was released.
	ErrReleased = errors.New("plugin arena released")

	// ErrNoImplementation is returned when a chunk defines no contract implementation.
	ErrNoImplementation = errors.New("no plugin implementation found")

	// ErrAmbiguousImplementation is returned when a chunk defines several candidates.
	ErrAmbiguousImplementation = errors.New("multiple plugin implementations found")

	// ErrContractViolation is returned when an instance lacks name, version or execute.
	ErrContractViolation = errors.New("plugin contract violated")

	// ErrNameMismatch is returned when reloaded source declares a different name.
	ErrNameMismatch = errors.New("plugin name mismatch")

	// ErrInvalidResult is returned when execute does not return a result table.
	ErrInvalidResult = errors.New("invalid execution result")

	// ErrKeyNotFound is returned when a required context key is absent.
	ErrKeyNotFound = errors.New("context key not found")

	// ErrClosed is returned when mutating a closed framework.
	ErrClosed = errors.New("plugin framework closed")

	// ErrNoEntryPoint is returned when a plugin directory has no entry point.
	ErrNoEntryPoint = errors.New("plugin has no entry point (init.lua or plugin.lua)")
)

// CompilationError reports source text that failed to compile.
// Diagnostics holds one message per detected problem, in source order.
type CompilationError struct {
	Plugin      string
	Message     string
	Diagnostics []string
}

func (e *CompilationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compile plugin %q: %s", e.Plugin, e.Message)
	for _, d := range e.Diagnostics {
		b.WriteString("\n  ")
		b.WriteString(d)
	}
	return b.String()
}

// LoadError reports a compiled chunk that could not be turned into an instance.
type LoadError struct {
	Plugin  string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("load plugin %q: %s", e.Plugin, e.Message)
	}
	return fmt.Sprintf("load plugin %q: %s: %v", e.Plugin, e.Message, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ExecutionError reports a failed invocation of a plugin.
type ExecutionError struct {
	Plugin  string
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil || e.Message == e.Err.Error() {
		return fmt.Sprintf("execute plugin %q: %s", e.Plugin, e.Message)
	}
	return fmt.Sprintf("execute plugin %q: %s: %v", e.Plugin, e.Message, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// KeyNotFoundError is returned by Context.Get for an absent key.
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("context key %q not found", e.Key)
}

func (e *KeyNotFoundError) Unwrap() error {
	return ErrKeyNotFound
}

// TypeMismatchError is returned by a typed context read when the stored
// value has a different type.
type TypeMismatchError struct {
	Key  string
	Want string
	Got  string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("context key %q: want %s, got %s", e.Key, e.Want, e.Got)
}
