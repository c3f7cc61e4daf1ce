package async

import (
	"errors"
	"testing"
	"time"
)

// TestResolve tests that a resolved Result settles without an error
func TestResolve(t *testing.T) {
	r := NewResult()
	r.Resolve()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("Result did not settle after Resolve")
	}

	if err := r.Err(); err != nil {
		t.Errorf("Expected nil error after Resolve, got %v", err)
	}
}

// TestReject tests that a rejected Result carries its error
func TestReject(t *testing.T) {
	want := errors.New("boom")

	r := NewResult()
	r.Reject(want)

	<-r.Done()
	if err := r.Err(); !errors.Is(err, want) {
		t.Errorf("Expected error %v, got %v", want, err)
	}
}

// TestRejectNilError tests that a nil rejection is made visible
func TestRejectNilError(t *testing.T) {
	r := NewResult()
	r.Reject(nil)

	<-r.Done()
	if err := r.Err(); !errors.Is(err, ErrNilRejection) {
		t.Errorf("Expected ErrNilRejection, got %v", err)
	}
}

// TestFirstSettlementWins tests that later settlements are no-ops
func TestFirstSettlementWins(t *testing.T) {
	r := NewResult()
	r.Resolve()
	r.Reject(errors.New("too late"))

	if err := r.Err(); err != nil {
		t.Errorf("Expected the first settlement (success) to win, got error %v", err)
	}

	r2 := NewResult()
	first := errors.New("first")
	r2.Reject(first)
	r2.Reject(errors.New("second"))
	r2.Resolve()

	if err := r2.Err(); !errors.Is(err, first) {
		t.Errorf("Expected the first rejection to win, got %v", err)
	}
}

// TestGoSuccess tests that Go settles successfully when fn returns nil
func TestGoSuccess(t *testing.T) {
	r := Go(func() error {
		return nil
	})

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("Go result did not settle")
	}

	if err := r.Err(); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}

// TestGoError tests that Go settles with fn's error
func TestGoError(t *testing.T) {
	want := errors.New("failed")

	r := Go(func() error {
		return want
	})

	<-r.Done()
	if err := r.Err(); !errors.Is(err, want) {
		t.Errorf("Expected error %v, got %v", want, err)
	}
}

// TestGoRecoversPanic tests that a panic inside fn becomes a rejection
func TestGoRecoversPanic(t *testing.T) {
	r := Go(func() error {
		panic("something broke")
	})

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("Go result did not settle after panic")
	}

	if err := r.Err(); err == nil {
		t.Error("Expected a rejection from the recovered panic, got nil")
	}
}

// TestGoRecoversErrorPanic tests that panicking with an error preserves it for errors.Is
func TestGoRecoversErrorPanic(t *testing.T) {
	want := errors.New("typed panic")

	r := Go(func() error {
		panic(want)
	})

	<-r.Done()
	if err := r.Err(); !errors.Is(err, want) {
		t.Errorf("Expected wrapped panic error %v, got %v", want, err)
	}
}

// TestObserveOnFailure tests that the observer fires only on rejection
func TestObserveOnFailure(t *testing.T) {
	want := errors.New("observed")
	got := make(chan error, 1)

	r := NewResult()
	r.Observe(func(err error) {
		got <- err
	})
	r.Reject(want)

	select {
	case err := <-got:
		if !errors.Is(err, want) {
			t.Errorf("Expected observer to receive %v, got %v", want, err)
		}
	case <-time.After(time.Second):
		t.Fatal("Observer was not invoked on rejection")
	}
}

// TestObserveOnSuccess tests that a successful settlement invokes nothing
func TestObserveOnSuccess(t *testing.T) {
	called := make(chan error, 1)

	r := NewResult()
	r.Observe(func(err error) {
		called <- err
	})
	r.Resolve()

	select {
	case err := <-called:
		t.Errorf("Observer should not fire on success, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
