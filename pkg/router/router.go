// Package router compiles the metadata held by a registry.Registry into a
// servable application. It walks the registered controllers, resolves each
// route's middleware lists in declared order, wraps every element so that
// synchronous panics and asynchronous rejections reach the error stage
// exactly once, and mounts the result on an httprouter multiplexer.
package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/crouter-io/crouter/pkg/common"
	"github.com/crouter-io/crouter/pkg/middleware"
	"github.com/crouter-io/crouter/pkg/registry"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// Config defines how an application is assembled from registered metadata.
type Config struct {
	Logger       *zap.Logger         // Logger for all application operations
	Container    common.Container    // Resolves class middleware and controller instances (required)
	ErrorHandler common.ErrorHandler // Terminal error stage; nil installs the default bridge
	Middlewares  []common.Middleware // Host-level middleware applied around the whole application
}

// contextKey is a type for context keys.
type contextKey string

// ParamsKey is the key used to store httprouter.Params in the request context.
// This allows route parameters to be accessed from middleware and actions.
const ParamsKey contextKey = "params"

// App is a built application. It implements http.Handler and supports
// graceful shutdown. An App is immutable once built: resetting the registry
// and building again yields an independent App with no residual routes.
type App struct {
	router     *httprouter.Router
	handler    http.Handler
	logger     *zap.Logger
	wg         sync.WaitGroup
	shutdown   bool
	shutdownMu sync.RWMutex
}

// routeRegistration is the compiled, ordered handler list for one
// (verb, path) pair: [controller middleware..., method middleware..., action].
type routeRegistration struct {
	method   string
	path     string
	handlers []pipelineHandler
	logger   *zap.Logger
}

// Build assembles an application from the registry's current state. It reads
// a snapshot, so later registrations or a Reset do not affect the returned
// App, and building twice from identical state yields applications with
// identical request-handling outcomes.
func Build(reg *registry.Registry, cfg Config) (*App, error) {
	if cfg.Container == nil {
		return nil, errors.New("router: Config.Container is required")
	}

	// Set up the logger, falling back like the rest of the framework does
	logger := cfg.Logger
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}
	}

	errStage := cfg.ErrorHandler
	if errStage == nil {
		errStage = defaultErrorStage(logger)
	}

	app := &App{
		router: httprouter.New(),
		logger: logger,
	}

	for _, ctrl := range reg.Controllers() {
		ctrlMW, err := adaptAll(ctrl.Name, ctrl.Middleware, cfg.Container)
		if err != nil {
			return nil, err
		}

		for _, m := range ctrl.Methods {
			if err := validateAction(ctrl.Type, m.Action); err != nil {
				return nil, fmt.Errorf("router: controller %q: %w", ctrl.Name, err)
			}

			methodMW, err := adaptAll(ctrl.Name, m.Middleware, cfg.Container)
			if err != nil {
				return nil, err
			}

			// Execution order: controller middleware, method middleware, action
			handlers := make([]pipelineHandler, 0, len(ctrlMW)+len(methodMW)+1)
			handlers = append(handlers, ctrlMW...)
			handlers = append(handlers, methodMW...)
			handlers = append(handlers, adaptAction(ctrl.Type, m.Action, cfg.Container))

			rt := &routeRegistration{
				method:   m.Method,
				path:     joinPath(ctrl.BasePath, m.Path),
				handlers: handlers,
				logger:   logger,
			}
			if err := app.register(rt, errStage); err != nil {
				return nil, err
			}

			logger.Debug("Route registered",
				zap.String("controller", ctrl.Name),
				zap.String("method", rt.method),
				zap.String("path", rt.path),
				zap.String("action", m.Action),
			)
		}
	}

	// Recovery is always the outermost link so a panic escaping the host
	// middleware stack still becomes a 500. Panics inside the pipeline,
	// error stage included, are contained by the route driver, which also
	// runs off the request goroutine.
	chain := common.NewMiddlewareChain()
	chain = chain.Prepend(middleware.Recovery(logger))
	chain = chain.Append(cfg.Middlewares...)
	app.handler = chain.Then(app.router)

	return app, nil
}

// adaptAll normalizes a middleware list in declared order.
func adaptAll(controller string, refs []registry.MiddlewareRef, c common.Container) ([]pipelineHandler, error) {
	handlers := make([]pipelineHandler, 0, len(refs))
	for i, ref := range refs {
		if ref.IsZero() {
			return nil, fmt.Errorf("router: controller %q: middleware %d references nothing", controller, i)
		}
		handlers = append(handlers, adaptMiddleware(ref, c))
	}
	return handlers, nil
}

// register mounts one compiled route on the multiplexer. httprouter reports
// a (verb, path) collision by panicking; that is converted into a build
// error here.
func (a *App) register(rt *routeRegistration, errStage common.ErrorHandler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("router: register %s %s: %v", rt.method, rt.path, p)
		}
	}()

	a.router.Handle(rt.method, rt.path, func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), ParamsKey, ps)
		rt.serve(w, r.WithContext(ctx), errStage)
	})
	return nil
}

// serve runs the route's handler list sequentially. Each element's
// continuation either advances to the following handler or, on error, jumps
// to the terminal error stage; no handler after a forwarded error executes
// for that request. A per-handler gate guarantees the error stage fires at
// most once per request, whatever interleaving of continuation calls and
// pending-result settlements a handler produces.
//
// serve does not return until the route reaches a terminal outcome: the error
// stage ran, the chain completed, or a handler finished without driving its
// continuation (a short-circuit, e.g. a preflight response). This keeps the
// ResponseWriter valid for handlers that continue from their own goroutines:
// net/http must not finalize the response while the pipeline is still
// running. A handler that resolves a pending result must drive its
// continuation first; resolution asserts the handler is finished with the
// request.
func (rt *routeRegistration) serve(w http.ResponseWriter, r *http.Request, errStage common.ErrorHandler) {
	done := make(chan struct{})
	var finishOnce sync.Once
	finish := func() { finishOnce.Do(func() { close(done) }) }

	var run func(i int)
	run = func(i int) {
		if i >= len(rt.handlers) {
			finish()
			return
		}

		var advanced atomic.Bool
		next := guardNext(func(err error) {
			advanced.Store(true)
			if err != nil {
				// The error stage may run off the request goroutine (a
				// rejection settles on the driver's waiter, a forwarded
				// error arrives on a handler's own goroutine), where an
				// escaped panic would kill the process instead of reaching
				// the recovery middleware. Contain it here and still finish
				// the request.
				defer finish()
				defer func() {
					if p := recover(); p != nil {
						rt.logger.Error("Error stage panicked",
							zap.Any("panic", p),
							zap.String("method", r.Method),
							zap.String("path", r.URL.Path),
						)
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
				}()
				errStage(err, w, r, func(error) {})
				return
			}
			run(i + 1)
		})

		res := rt.handlers[i](w, r, next)
		if res == nil {
			// The handler completed synchronously. If the continuation never
			// fired it short-circuited the request with its own response.
			if !advanced.Load() {
				finish()
			}
			return
		}

		// Pending: the request is unfinished until the result settles. A
		// rejection goes through the same gate as the handler's own
		// continuation calls, so a handler that already advanced the chain
		// cannot retroactively fail it.
		go func() {
			<-res.Done()
			if err := res.Err(); err != nil {
				next(err)
				return
			}
			if !advanced.Load() {
				finish()
			}
		}()
	}

	run(0)
	<-done
}

// ServeHTTP implements http.Handler. It tracks in-flight requests for
// graceful shutdown and rejects new ones while draining.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add to the wait group before checking shutdown status
	a.wg.Add(1)

	a.shutdownMu.RLock()
	isShutdown := a.shutdown
	a.shutdownMu.RUnlock()

	if isShutdown {
		a.wg.Done()
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	defer a.wg.Done()

	a.handler.ServeHTTP(w, r)
}

// Shutdown gracefully shuts down the application. It stops accepting new
// requests and waits for in-flight ones to complete, or for ctx to be
// canceled. A handler suspended on a pending result that never settles will
// hold Shutdown until the context expires; the framework has no timeout of
// its own.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	a.shutdown = true
	a.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// defaultErrorStage is the error bridge installed when the caller supplies
// none: log, then answer with the HTTPError's status and message if one is
// in the chain, 500 otherwise.
func defaultErrorStage(logger *zap.Logger) common.ErrorHandler {
	return func(err error, w http.ResponseWriter, r *http.Request, next common.Next) {
		statusCode := http.StatusInternalServerError
		message := "Internal Server Error"

		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			statusCode = httpErr.StatusCode
			message = httpErr.Message
		}

		fields := []zap.Field{
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", statusCode),
		}
		if statusCode >= 500 {
			logger.Error("Handler error", fields...)
		} else {
			logger.Warn("Handler error", fields...)
		}

		http.Error(w, message, statusCode)
	}
}

// joinPath combines a controller's base path with a method's sub-path into
// an httprouter pattern.
func joinPath(base, sub string) string {
	joined := strings.TrimSuffix(base, "/")
	if trimmed := strings.Trim(sub, "/"); trimmed != "" {
		joined += "/" + trimmed
	}
	if joined == "" {
		return "/"
	}
	if !strings.HasPrefix(joined, "/") {
		joined = "/" + joined
	}
	return joined
}

// GetParams retrieves the httprouter.Params from the request context.
func GetParams(r *http.Request) httprouter.Params {
	params, _ := r.Context().Value(ParamsKey).(httprouter.Params)
	return params
}

// GetParam retrieves a specific route parameter from the request context.
// It's a convenience function that combines GetParams and ByName.
func GetParam(r *http.Request, name string) string {
	return GetParams(r).ByName(name)
}

// HTTPError represents an HTTP error with a status code and message.
// Forwarding one into the continuation lets a handler control the exact
// error response the default bridge sends.
type HTTPError struct {
	StatusCode int    // HTTP status code (e.g., 400, 404, 500)
	Message    string // Error message to be sent in the response body
}

// Error implements the error interface.
// It returns a string representation of the HTTP error in the format "status: message".
func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// NewHTTPError creates a new HTTPError with the specified status code and message.
func NewHTTPError(statusCode int, message string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Message:    message,
	}
}
