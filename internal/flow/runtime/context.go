package runtime

import (
	"fmt"
	"sync"
)

// Context is the run-scoped key-value store. Handlers publish into it via
// Outcome.ContextUpdates; routing predicates and gate conditions read from
// it. All access is locked; values should be JSON-representable since the
// whole map rides along in checkpoints.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewContext() *Context {
	return &Context{values: map[string]any{}}
}

func NewContextFrom(values map[string]any) *Context {
	c := NewContext()
	c.ApplyUpdates(values)
	return c
}

func (c *Context) Set(key string, value any) {
	if c == nil || key == "" {
		return
	}
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
}

func (c *Context) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *Context) GetString(key, fallback string) string {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (c *Context) GetBool(key string, fallback bool) bool {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return fallback
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch t {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return fallback
}

// ApplyUpdates merges a handler's context updates. Nil values delete keys so
// handlers can retract earlier hints.
func (c *Context) ApplyUpdates(updates map[string]any) {
	if c == nil || len(updates) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range updates {
		if v == nil {
			delete(c.values, k)
			continue
		}
		c.values[k] = v
	}
}

// Values returns a shallow copy of the store for checkpointing.
func (c *Context) Values() map[string]any {
	if c == nil {
		return map[string]any{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}
