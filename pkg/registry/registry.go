// Package registry stores the controller and method descriptors produced by
// registration calls. The registry is pure metadata: building an application
// from it happens in the router package, and Reset gives every build cycle a
// clean slate (required for test isolation).
package registry

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/crouter-io/crouter/pkg/common"
)

// MiddlewareRef is a tagged reference to one middleware: either a plain
// function with the pipeline Handler signature, or a class whose instance is
// resolved through the container per invocation and must implement
// common.MiddlewareHandler.
type MiddlewareRef struct {
	fn    common.Handler
	class reflect.Type
}

// Func creates a MiddlewareRef from a middleware function.
func Func(h common.Handler) MiddlewareRef {
	return MiddlewareRef{fn: h}
}

// Class creates a MiddlewareRef from a middleware type. The container is
// asked for a *M per invocation; the resolved instance must implement
// common.MiddlewareHandler.
func Class[M any]() MiddlewareRef {
	return MiddlewareRef{class: reflect.TypeOf((*M)(nil))}
}

// IsClass reports whether the ref is class-based.
func (m MiddlewareRef) IsClass() bool {
	return m.class != nil
}

// IsZero reports whether the ref references nothing. Zero refs are rejected
// at build time.
func (m MiddlewareRef) IsZero() bool {
	return m.fn == nil && m.class == nil
}

// Fn returns the middleware function of a function-based ref, nil otherwise.
func (m MiddlewareRef) Fn() common.Handler {
	return m.fn
}

// ClassType returns the pointer type the container resolves for a
// class-based ref, nil otherwise.
func (m MiddlewareRef) ClassType() reflect.Type {
	return m.class
}

// ControllerDescriptor describes one controller: a named collection of
// routes sharing a base path, optional shared middleware, and the type the
// container instantiates to invoke actions on.
type ControllerDescriptor struct {
	Name       string             // Registry key, unique per build cycle
	BasePath   string             // Path prefix shared by all methods
	Type       reflect.Type       // Pointer type of the controller, see ControllerType
	Middleware []MiddlewareRef    // Runs before every method's own middleware, in declared order
	Methods    []MethodDescriptor // Routes, in registration order
}

// MethodDescriptor describes one route of a controller. The middleware
// sequence order is execution order.
type MethodDescriptor struct {
	Method     string          // HTTP verb
	Path       string          // Sub-path appended to the controller's BasePath
	Middleware []MiddlewareRef // Runs after the controller middleware, in declared order
	Action     string          // Name of the action method on the controller type
}

// ControllerType returns the reflect.Type to set on a ControllerDescriptor
// for controller struct C. The container will be asked for a *C.
func ControllerType[C any]() reflect.Type {
	return reflect.TypeOf((*C)(nil))
}

// Registry holds registered descriptors between registration and build.
// All methods are safe for concurrent use, though registration is normally a
// single-threaded assembly-time affair.
type Registry struct {
	mu          sync.Mutex
	controllers []*ControllerDescriptor
	index       map[string]*ControllerDescriptor
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{index: make(map[string]*ControllerDescriptor)}
}

// RegisterController adds a controller descriptor. Registering a name that
// already exists in the current cycle is an error; after Reset the name may
// be reused freely.
func (g *Registry) RegisterController(d ControllerDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("registry: controller name must not be empty")
	}
	if d.Type == nil {
		return fmt.Errorf("registry: controller %q has no type", d.Name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.index[d.Name]; ok {
		return fmt.Errorf("registry: controller %q already registered", d.Name)
	}

	stored := d
	stored.Middleware = append([]MiddlewareRef(nil), d.Middleware...)
	stored.Methods = append([]MethodDescriptor(nil), d.Methods...)

	g.controllers = append(g.controllers, &stored)
	g.index[d.Name] = &stored
	return nil
}

// RegisterMethod appends a method descriptor to a previously registered
// controller. Call order is execution order within the controller.
func (g *Registry) RegisterMethod(controller string, m MethodDescriptor) error {
	if m.Action == "" {
		return fmt.Errorf("registry: method %s %s has no action", m.Method, m.Path)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	d, ok := g.index[controller]
	if !ok {
		return fmt.Errorf("registry: unknown controller %q", controller)
	}

	m.Middleware = append([]MiddlewareRef(nil), m.Middleware...)
	d.Methods = append(d.Methods, m)
	return nil
}

// Reset clears all stored descriptors. It is safe to call before every
// independent build; re-registration after a Reset never collides with
// prior state.
func (g *Registry) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.controllers = nil
	g.index = make(map[string]*ControllerDescriptor)
}

// Controllers returns a snapshot of all descriptors in registration order.
// The snapshot is decoupled from the registry: later registrations or a
// Reset do not affect an application built from it.
func (g *Registry) Controllers() []ControllerDescriptor {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]ControllerDescriptor, 0, len(g.controllers))
	for _, d := range g.controllers {
		c := *d
		c.Middleware = append([]MiddlewareRef(nil), d.Middleware...)
		c.Methods = append([]MethodDescriptor(nil), d.Methods...)
		out = append(out, c)
	}
	return out
}
