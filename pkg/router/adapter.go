package router

import (
	"fmt"
	"net/http"
	"reflect"
	"sync"

	"github.com/crouter-io/crouter/pkg/async"
	"github.com/crouter-io/crouter/pkg/common"
	"github.com/crouter-io/crouter/pkg/registry"
)

// pipelineHandler is one adapted element of a compiled route: middleware or
// action, already wrapped so that synchronous panics are funneled into the
// continuation. A nil return means the invocation completed synchronously; a
// non-nil *async.Result means the invocation is pending and the route driver
// must wait for settlement.
type pipelineHandler func(w http.ResponseWriter, r *http.Request, next common.Next) *async.Result

// guardNext gates a continuation to a single effective call per invocation.
// Whatever a handler does, and whatever its pending result later reports, at
// most one call passes through, so the error stage can never fire twice for
// one handler and a completed handler can never be re-driven.
func guardNext(next common.Next) common.Next {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			next(err)
		})
	}
}

// recoveredError converts a recovered panic value into an error, preserving
// the original error for errors.As when the panic value already is one.
func recoveredError(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("handler panic: %w", err)
	}
	return fmt.Errorf("handler panic: %v", v)
}

// adaptInvocation wraps a raw invocation so that a synchronous panic becomes
// an ordinary error on the continuation instead of unwinding the driver.
// Middleware and actions both go through it; the rejection path of a pending
// result is handled by the route driver, which waits on the returned result.
func adaptInvocation(invoke func(w http.ResponseWriter, r *http.Request, next common.Next) *async.Result) pipelineHandler {
	return func(w http.ResponseWriter, r *http.Request, next common.Next) (res *async.Result) {
		defer func() {
			if p := recover(); p != nil {
				res = nil
				next(recoveredError(p))
			}
		}()
		return invoke(w, r, next)
	}
}

// adaptMiddleware normalizes one MiddlewareRef into a pipeline handler.
// Class refs are resolved through the container per invocation; the
// container alone decides whether that is one instance per process or per
// request. A failed resolution is a fault like any other and reaches the
// error stage rather than panicking.
func adaptMiddleware(ref registry.MiddlewareRef, c common.Container) pipelineHandler {
	if !ref.IsClass() {
		fn := ref.Fn()
		return adaptInvocation(func(w http.ResponseWriter, r *http.Request, next common.Next) *async.Result {
			return fn(w, r, next)
		})
	}

	t := ref.ClassType()
	return adaptInvocation(func(w http.ResponseWriter, r *http.Request, next common.Next) *async.Result {
		instance, err := c.Resolve(t)
		if err != nil {
			next(fmt.Errorf("resolve middleware %v: %w", t, err))
			return nil
		}
		h, ok := instance.(common.MiddlewareHandler)
		if !ok {
			next(fmt.Errorf("middleware %v does not implement common.MiddlewareHandler", t))
			return nil
		}
		return h.Handle(w, r, next)
	})
}

// adaptAction wraps the designated action method of a controller with the
// identical guarded treatment. The action receives no continuation on
// success; it is expected to write the response itself. An action that
// settles successfully without writing anything leaves the response to the
// host: net/http emits 200 with an empty body.
func adaptAction(ctrlType reflect.Type, action string, c common.Container) pipelineHandler {
	return adaptInvocation(func(w http.ResponseWriter, r *http.Request, next common.Next) *async.Result {
		instance, err := c.Resolve(ctrlType)
		if err != nil {
			next(fmt.Errorf("resolve controller %v: %w", ctrlType, err))
			return nil
		}

		method := reflect.ValueOf(instance).MethodByName(action)
		if !method.IsValid() {
			next(fmt.Errorf("controller %T has no method %q", instance, action))
			return nil
		}
		fn, ok := method.Interface().(func(http.ResponseWriter, *http.Request) *async.Result)
		if !ok {
			next(fmt.Errorf("action %T.%s does not have the action signature", instance, action))
			return nil
		}

		return fn(w, r)
	})
}

var (
	responseWriterType = reflect.TypeOf((*http.ResponseWriter)(nil)).Elem()
	requestType        = reflect.TypeOf((*http.Request)(nil))
	resultType         = reflect.TypeOf((*async.Result)(nil))
)

// validateAction checks at build time that the controller type exposes the
// named action with the expected signature, so misconfiguration fails at
// assembly rather than per request.
func validateAction(ctrlType reflect.Type, action string) error {
	method, ok := ctrlType.MethodByName(action)
	if !ok {
		return fmt.Errorf("controller %v has no method %q", ctrlType, action)
	}

	mt := method.Type // includes the receiver as In(0)
	if mt.NumIn() != 3 || mt.In(1) != responseWriterType || mt.In(2) != requestType ||
		mt.NumOut() != 1 || mt.Out(0) != resultType {
		return fmt.Errorf("action %v.%s must have signature func(http.ResponseWriter, *http.Request) *async.Result", ctrlType, action)
	}
	return nil
}
