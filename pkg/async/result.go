// Package async provides the pending-result primitive used by the CRouter framework.
// A Result represents a handler computation that settles later with success or failure.
package async

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNilRejection is substituted when Reject is called with a nil error,
// so a rejection is never silently indistinguishable from success.
var ErrNilRejection = errors.New("async: rejected with nil error")

// Result is a settle-once pending computation. A handler that cannot complete
// synchronously returns a *Result; the framework attaches a completion
// observer that funnels a failure into the route's error stage.
//
// The first call to Resolve or Reject wins; every later settlement attempt is
// a no-op. This is what makes error forwarding exactly-once under interleaved
// synchronous and asynchronous paths.
type Result struct {
	mu   sync.Mutex
	done chan struct{}
	err  error
}

// NewResult creates an unsettled Result.
func NewResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Resolve settles the Result successfully. No-op if already settled.
func (r *Result) Resolve() {
	r.settle(nil)
}

// Reject settles the Result with a failure. No-op if already settled.
// A nil err is replaced with ErrNilRejection.
func (r *Result) Reject(err error) {
	if err == nil {
		err = ErrNilRejection
	}
	r.settle(err)
}

func (r *Result) settle(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.done:
		// Already settled, first settlement wins
		return
	default:
	}

	r.err = err
	close(r.done)
}

// Done returns a channel that is closed when the Result settles.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Err returns the settlement error. It is nil for a successful settlement and
// meaningless before Done is closed.
func (r *Result) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Observe waits for settlement on a separate goroutine and invokes onFailure
// with the rejection error. A successful settlement invokes nothing: the
// handler that produced the Result is responsible for driving the
// continuation itself.
func (r *Result) Observe(onFailure func(error)) {
	go func() {
		<-r.done
		if err := r.Err(); err != nil {
			onFailure(err)
		}
	}()
}

// Go runs fn on a new goroutine and returns a Result that settles with fn's
// outcome. A panic inside fn is recovered and converted into a rejection, so
// asynchronous handler code can never crash the process through this path.
func Go(fn func() error) *Result {
	r := NewResult()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.Reject(recoveredError(p))
			}
		}()

		if err := fn(); err != nil {
			r.Reject(err)
		} else {
			r.Resolve()
		}
	}()
	return r
}

// recoveredError converts a recovered panic value into an error, preserving
// the original error for errors.As/Is when the panic value already is one.
func recoveredError(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", v)
}
