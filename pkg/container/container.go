// Package container provides a small reflect-based IoC container implementing
// common.Container. It exists so applications have a batteries-included
// composition root; any container exposing Resolve(reflect.Type) can be used
// with the framework instead.
package container

import (
	"fmt"
	"reflect"
	"sync"
)

// Container maps types to providers. A provider is either a fixed value
// (singleton scope) or a factory called on every Resolve (transient scope).
// The scope decision therefore lives entirely in the container, never in the
// code asking for an instance.
type Container struct {
	mu        sync.RWMutex
	values    map[reflect.Type]any
	factories map[reflect.Type]reflect.Value
}

// New creates an empty Container.
func New() *Container {
	return &Container{
		values:    make(map[reflect.Type]any),
		factories: make(map[reflect.Type]reflect.Value),
	}
}

// Provide registers v as the singleton instance for its dynamic type.
// Resolving that type always returns the same instance.
func (c *Container) Provide(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[reflect.TypeOf(v)] = v
}

// ProvideFactory registers fn, which must be func() T or func() (T, error),
// as a transient provider for T: every Resolve of T calls fn again.
func (c *Container) ProvideFactory(fn any) error {
	t := reflect.TypeOf(fn)
	if t == nil || t.Kind() != reflect.Func {
		return fmt.Errorf("container: factory must be a function, got %T", fn)
	}
	if t.NumIn() != 0 {
		return fmt.Errorf("container: factory must take no arguments")
	}

	switch t.NumOut() {
	case 1:
	case 2:
		if t.Out(1) != reflect.TypeOf((*error)(nil)).Elem() {
			return fmt.Errorf("container: factory's second return value must be error")
		}
	default:
		return fmt.Errorf("container: factory must return T or (T, error)")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[t.Out(0)] = reflect.ValueOf(fn)
	return nil
}

// Resolve returns an instance for t: the singleton value if one was
// provided, otherwise the product of the registered factory. Unknown types
// are an error.
func (c *Container) Resolve(t reflect.Type) (any, error) {
	c.mu.RLock()
	v, haveValue := c.values[t]
	f, haveFactory := c.factories[t]
	c.mu.RUnlock()

	if haveValue {
		return v, nil
	}
	if !haveFactory {
		return nil, fmt.Errorf("container: no provider for %v", t)
	}

	out := f.Call(nil)
	if len(out) == 2 && !out[1].IsNil() {
		return nil, fmt.Errorf("container: factory for %v failed: %w", t, out[1].Interface().(error))
	}
	return out[0].Interface(), nil
}
