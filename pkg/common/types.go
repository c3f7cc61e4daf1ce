// Package common provides shared types and utilities used across the CRouter framework.
package common

import (
	"net/http"
	"reflect"

	"github.com/crouter-io/crouter/pkg/async"
)

// Next is the continuation a pipeline handler invokes to pass control to the
// following stage. Calling it with a non-nil error skips every remaining
// handler of the route and routes the error into the terminal error stage.
//
// The framework gates each handler's continuation so that at most one call
// per invocation takes effect, regardless of whether the handler completes
// synchronously or through a pending Result.
type Next func(err error)

// Handler is the uniform middleware signature of the pipeline. A handler
// either completes synchronously (returning nil) or returns a pending
// *async.Result it will settle later. On success the handler is responsible
// for invoking next itself (or writing the response); a rejected Result is
// forwarded into next by the framework.
type Handler func(w http.ResponseWriter, r *http.Request, next Next) *async.Result

// Action is the signature of a controller action method. An action has no
// continuation on success: it is expected to write the response itself.
// Like Handler, it may return a pending Result whose rejection is forwarded
// to the error stage.
type Action func(w http.ResponseWriter, r *http.Request) *async.Result

// MiddlewareHandler is the capability a class-based middleware exposes.
// Instances are resolved through the Container once per invocation; whether
// that yields a shared or a fresh instance is container policy.
type MiddlewareHandler interface {
	Handle(w http.ResponseWriter, r *http.Request, next Next) *async.Result
}

// ErrorHandler is the terminal error stage with the distinguished
// (error, request, response, continuation) signature. It is mounted strictly
// after every compiled route; any continuation invoked with an error from any
// handler reaches it exactly once per request.
type ErrorHandler func(err error, w http.ResponseWriter, r *http.Request, next Next)

// Container is the external IoC capability used to instantiate class-based
// middleware and controllers. Implementations decide instance scope
// (per process, per request, ...); the framework only asks for an instance.
type Container interface {
	Resolve(t reflect.Type) (any, error)
}

// Middleware is a function that wraps an http.Handler.
// It is the host-level middleware shape applied around the built application
// (recovery, logging, metrics), as opposed to Handler, which runs inside a
// route's compiled pipeline.
type Middleware func(http.Handler) http.Handler
