package router

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crouter-io/crouter/pkg/async"
	"github.com/crouter-io/crouter/pkg/common"
	"github.com/crouter-io/crouter/pkg/registry"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// PipelineController is the single-action controller the pipeline tests run
// their middleware in front of.
type PipelineController struct {
	trace *trace
}

func (c *PipelineController) Run(w http.ResponseWriter, r *http.Request) *async.Result {
	if c.trace != nil {
		c.trace.add("action")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
	return nil
}

// capturingStage is an error stage that counts invocations and records the
// last error it saw. serve blocks until the route finishes, so tests may read
// the captured state as soon as ServeHTTP returns.
type capturingStage struct {
	mu    sync.Mutex
	calls int32
	err   error
}

func (s *capturingStage) handler() common.ErrorHandler {
	return func(err error, w http.ResponseWriter, r *http.Request, next common.Next) {
		atomic.AddInt32(&s.calls, 1)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *capturingStage) count() int32 {
	return atomic.LoadInt32(&s.calls)
}

func (s *capturingStage) lastErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// buildPipelineApp builds a one-route app: GET /run through the given
// controller middleware into PipelineController.Run.
func buildPipelineApp(t *testing.T, cfg Config, mw ...registry.MiddlewareRef) *App {
	t.Helper()

	reg := registry.New()
	if err := reg.RegisterController(registry.ControllerDescriptor{
		Name:       "pipeline",
		Type:       registry.ControllerType[PipelineController](),
		Middleware: mw,
	}); err != nil {
		t.Fatalf("RegisterController() returned error: %v", err)
	}
	if err := reg.RegisterMethod("pipeline", registry.MethodDescriptor{
		Method: "GET",
		Path:   "/run",
		Action: "Run",
	}); err != nil {
		t.Fatalf("RegisterMethod() returned error: %v", err)
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	app, err := Build(reg, cfg)
	if err != nil {
		t.Fatalf("Build() returned error: %v", err)
	}
	return app
}

func TestSyncPanicReachesErrorStageOnce(t *testing.T) {
	tr := &trace{}
	stage := &capturingStage{}

	app := buildPipelineApp(t, Config{
		Container:    newTestContainer(t, &PipelineController{trace: tr}),
		ErrorHandler: stage.handler(),
	}, registry.Func(func(w http.ResponseWriter, r *http.Request, next common.Next) *async.Result {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, httptest.NewRequest("GET", "/run", nil))

	if got := stage.count(); got != 1 {
		t.Fatalf("Expected error stage to run once, ran %d times", got)
	}
	if err := stage.lastErr(); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Expected panic value in the error, got %v", err)
	}
	if len(tr.get()) != 0 {
		t.Errorf("Expected action to be skipped after panic, got steps %v", tr.get())
	}
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, rr.Code)
	}
}

func TestPanicWithHTTPErrorControlsStatus(t *testing.T) {
	// The default error stage unwraps HTTPError values, including ones that
	// arrive as recovered panic values.
	app := buildPipelineApp(t, Config{
		Container: newTestContainer(t, &PipelineController{}),
	}, registry.Func(func(w http.ResponseWriter, r *http.Request, next common.Next) *async.Result {
		panic(NewHTTPError(http.StatusNotFound, "Not Found"))
	}))

	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, httptest.NewRequest("GET", "/run", nil))

	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "Not Found" {
		t.Errorf("Expected body %q, got %q", "Not Found", got)
	}
}

func TestNextCalledTwiceAdvancesOnce(t *testing.T) {
	tr := &trace{}

	app := buildPipelineApp(t, Config{
		Container: newTestContainer(t, &PipelineController{trace: tr}),
	}, registry.Func(func(w http.ResponseWriter, r *http.Request, next common.Next) *async.Result {
		next(nil)
		next(nil)
		return nil
	}))

	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, httptest.NewRequest("GET", "/run", nil))

	if got := tr.get(); len(got) != 1 {
		t.Errorf("Expected the action to run exactly once, got steps %v", got)
	}
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rr.Code)
	}
}

func TestAsyncRejectionReachesErrorStageOnce(t *testing.T) {
	tr := &trace{}
	stage := &capturingStage{}
	rejection := errors.New("async boom")

	app := buildPipelineApp(t, Config{
		Container:    newTestContainer(t, &PipelineController{trace: tr}),
		ErrorHandler: stage.handler(),
	}, registry.Func(func(w http.ResponseWriter, r *http.Request, next common.Next) *async.Result {
		res := async.NewResult()
		go func() {
			time.Sleep(10 * time.Millisecond)
			res.Reject(rejection)
		}()
		return res
	}))

	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, httptest.NewRequest("GET", "/run", nil))

	if got := stage.count(); got != 1 {
		t.Fatalf("Expected error stage to run once, ran %d times", got)
	}
	if err := stage.lastErr(); !errors.Is(err, rejection) {
		t.Errorf("Expected rejection error to be forwarded, got %v", err)
	}
	if len(tr.get()) != 0 {
		t.Errorf("Expected action to be skipped after rejection, got steps %v", tr.get())
	}
}

func TestLateRejectionAfterAdvanceIgnored(t *testing.T) {
	stage := &capturingStage{}

	app := buildPipelineApp(t, Config{
		Container:    newTestContainer(t, &PipelineController{}),
		ErrorHandler: stage.handler(),
	}, registry.Func(func(w http.ResponseWriter, r *http.Request, next common.Next) *async.Result {
		res := async.NewResult()
		next(nil)
		// A handler that already passed control downstream cannot
		// retroactively fail the request.
		res.Reject(errors.New("too late"))
		return res
	}))

	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, httptest.NewRequest("GET", "/run", nil))

	if got := stage.count(); got != 0 {
		t.Errorf("Expected error stage to stay silent, ran %d times", got)
	}
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("Expected body %q, got %q", "ok", rr.Body.String())
	}
}

// stampMiddleware is a class-based middleware that records its passage and
// stamps a response header before continuing.
type stampMiddleware struct {
	trace *trace
}

func (m *stampMiddleware) Handle(w http.ResponseWriter, r *http.Request, next common.Next) *async.Result {
	m.trace.add("stamp")
	w.Header().Set("X-Stamped", "true")
	next(nil)
	return nil
}

// notAHandler is resolvable but does not implement common.MiddlewareHandler.
type notAHandler struct{}

func TestClassMiddlewareResolvedFromContainer(t *testing.T) {
	tr := &trace{}

	app := buildPipelineApp(t, Config{
		Container: newTestContainer(t, &PipelineController{trace: tr}, &stampMiddleware{trace: tr}),
	}, registry.Class[stampMiddleware]())

	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, httptest.NewRequest("GET", "/run", nil))

	want := []string{"stamp", "action"}
	got := tr.get()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Expected steps %v, got %v", want, got)
	}
	if rr.Header().Get("X-Stamped") != "true" {
		t.Error("Expected class middleware to stamp the response header")
	}
}

func TestClassMiddlewareResolutionFailure(t *testing.T) {
	stage := &capturingStage{}

	// The container knows the controller but not the middleware type.
	app := buildPipelineApp(t, Config{
		Container:    newTestContainer(t, &PipelineController{}),
		ErrorHandler: stage.handler(),
	}, registry.Class[stampMiddleware]())

	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, httptest.NewRequest("GET", "/run", nil))

	if got := stage.count(); got != 1 {
		t.Fatalf("Expected error stage to run once, ran %d times", got)
	}
	if err := stage.lastErr(); err == nil || !strings.Contains(err.Error(), "resolve middleware") {
		t.Errorf("Expected resolution failure error, got %v", err)
	}
}

func TestClassMiddlewareWrongInterface(t *testing.T) {
	stage := &capturingStage{}

	app := buildPipelineApp(t, Config{
		Container:    newTestContainer(t, &PipelineController{}, &notAHandler{}),
		ErrorHandler: stage.handler(),
	}, registry.Class[notAHandler]())

	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, httptest.NewRequest("GET", "/run", nil))

	if got := stage.count(); got != 1 {
		t.Fatalf("Expected error stage to run once, ran %d times", got)
	}
	if err := stage.lastErr(); err == nil || !strings.Contains(err.Error(), "does not implement") {
		t.Errorf("Expected interface mismatch error, got %v", err)
	}
}

func TestForwardedHTTPErrorControlsResponse(t *testing.T) {
	app := buildPipelineApp(t, Config{
		Container: newTestContainer(t, &PipelineController{}),
	}, registry.Func(func(w http.ResponseWriter, r *http.Request, next common.Next) *async.Result {
		next(NewHTTPError(http.StatusTeapot, "teapot"))
		return nil
	}))

	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, httptest.NewRequest("GET", "/run", nil))

	if rr.Code != http.StatusTeapot {
		t.Errorf("Expected status %d, got %d", http.StatusTeapot, rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "teapot" {
		t.Errorf("Expected body %q, got %q", "teapot", got)
	}
}

func TestControllerResolutionFailure(t *testing.T) {
	stage := &capturingStage{}

	// Build-time validation only checks the type's method set; the instance
	// is resolved per request, so a missing provider surfaces at runtime
	// through the error stage.
	app := buildPipelineApp(t, Config{
		Container:    newTestContainer(t), // empty
		ErrorHandler: stage.handler(),
	})

	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, httptest.NewRequest("GET", "/run", nil))

	if got := stage.count(); got != 1 {
		t.Fatalf("Expected error stage to run once, ran %d times", got)
	}
	if err := stage.lastErr(); err == nil || !strings.Contains(err.Error(), "resolve controller") {
		t.Errorf("Expected controller resolution error, got %v", err)
	}
}

func TestErrorStagePanicOnAsyncRejectionContained(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)

	app := buildPipelineApp(t, Config{
		Logger:    zap.New(core),
		Container: newTestContainer(t, &PipelineController{}),
		ErrorHandler: func(err error, w http.ResponseWriter, r *http.Request, next common.Next) {
			panic("stage exploded")
		},
	}, registry.Func(func(w http.ResponseWriter, r *http.Request, next common.Next) *async.Result {
		res := async.NewResult()
		go func() {
			time.Sleep(5 * time.Millisecond)
			res.Reject(errors.New("async boom"))
		}()
		return res
	}))

	// The stage runs off the request goroutine here; an escaped panic would
	// kill the process instead of failing this request.
	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, httptest.NewRequest("GET", "/run", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, rr.Code)
	}
	if logs.FilterMessage("Error stage panicked").Len() != 1 {
		t.Errorf("Expected one 'Error stage panicked' log entry, got %d total", logs.Len())
	}
}

func TestErrorStagePanicOnSyncErrorContained(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)

	app := buildPipelineApp(t, Config{
		Logger:    zap.New(core),
		Container: newTestContainer(t, &PipelineController{}),
		ErrorHandler: func(err error, w http.ResponseWriter, r *http.Request, next common.Next) {
			panic("stage exploded")
		},
	}, registry.Func(func(w http.ResponseWriter, r *http.Request, next common.Next) *async.Result {
		next(errors.New("sync boom"))
		return nil
	}))

	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, httptest.NewRequest("GET", "/run", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, rr.Code)
	}
	if logs.FilterMessage("Error stage panicked").Len() != 1 {
		t.Errorf("Expected one 'Error stage panicked' log entry, got %d total", logs.Len())
	}
}

func TestGuardNext(t *testing.T) {
	var calls int
	next := guardNext(func(err error) { calls++ })

	next(nil)
	next(errors.New("late"))
	next(nil)

	if calls != 1 {
		t.Errorf("Expected exactly one effective call, got %d", calls)
	}
}
