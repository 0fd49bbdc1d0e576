package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Context is the key/value bag passed to one plugin invocation.
// It is safe for concurrent use; callers create one per call.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewContext creates an empty context.
func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

// Set stores value under key, replacing any previous value.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
}

// Get returns the value stored under key.
// A missing key yields a *KeyNotFoundError.
func (c *Context) Get(key string) (any, error) {
	c.mu.RLock()
	v, ok := c.values[key]
	c.mu.RUnlock()

	if !ok {
		return nil, &KeyNotFoundError{Key: key}
	}
	return v, nil
}

// TryGet returns the value stored under key and whether it was present.
func (c *Context) TryGet(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.values[key]
	return v, ok
}

// Keys returns the stored keys in sorted order.
func (c *Context) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Len returns the number of stored keys.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// GetAs returns the value under key as a T.
// A missing key yields a *KeyNotFoundError and a value of another type a
// *TypeMismatchError.
func GetAs[T any](c *Context, key string) (T, error) {
	var zero T

	v, err := c.Get(key)
	if err != nil {
		return zero, err
	}

	t, ok := v.(T)
	if !ok {
		return zero, &TypeMismatchError{
			Key:  key,
			Want: fmt.Sprintf("%T", zero),
			Got:  fmt.Sprintf("%T", v),
		}
	}
	return t, nil
}

// TryGetAs returns the value under key as a T, reporting false when the key
// is missing or holds another type.
func TryGetAs[T any](c *Context, key string) (T, bool) {
	v, ok := c.TryGet(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// ContextFromJSON builds a context from the top-level members of a JSON object.
// Numbers without a fractional part are stored as int64, others as float64;
// nested objects and arrays become map[string]any and []any.
func ContextFromJSON(data []byte) (*Context, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("context json: invalid document")
	}

	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, fmt.Errorf("context json: want object, got %s", doc.Type)
	}

	c := NewContext()
	doc.ForEach(func(key, value gjson.Result) bool {
		c.values[key.String()] = jsonValue(value)
		return true
	})
	return c, nil
}

func jsonValue(r gjson.Result) any {
	switch {
	case r.IsObject():
		m := make(map[string]any)
		r.ForEach(func(k, v gjson.Result) bool {
			m[k.String()] = jsonValue(v)
			return true
		})
		return m
	case r.IsArray():
		arr := r.Array()
		out := make([]any, len(arr))
		for i, v := range arr {
			out[i] = jsonValue(v)
		}
		return out
	case r.Type == gjson.Number:
		if f := r.Float(); f == float64(int64(f)) {
			return int64(f)
		}
		return r.Float()
	default:
		return r.Value()
	}
}

// JSON encodes the context as a JSON object with keys in sorted order.
func (c *Context) JSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []byte("{}")
	var emptyKey []byte
	for _, k := range keys {
		if k == "" {
			// sjson has no path for the empty key; it is spliced in below
			raw, err := sjson.SetBytes([]byte("{}"), "v", c.values[k])
			if err != nil {
				return nil, fmt.Errorf("context json: key %q: %w", k, err)
			}
			emptyKey = []byte(gjson.GetBytes(raw, "v").Raw)
			continue
		}

		var err error
		out, err = sjson.SetBytes(out, EscapeJSONPath(k), c.values[k])
		if err != nil {
			return nil, fmt.Errorf("context json: key %q: %w", k, err)
		}
	}

	if emptyKey != nil {
		head := append([]byte(`{"":`), emptyKey...)
		if len(out) > len("{}") {
			head = append(head, ',')
		}
		out = append(head, out[1:]...)
	}
	return out, nil
}

// EscapeJSONPath quotes the characters gjson and sjson treat as path syntax,
// so key addresses a single top-level member.
func EscapeJSONPath(key string) string {
	if !strings.ContainsAny(key, `.*?|#@\:`) {
		return key
	}
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
