package circuit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/objectfs/deskfs/pkg/clock"
	"github.com/objectfs/deskfs/pkg/errors"
)

var (
	errTransient = errors.NewError(errors.ErrCodeNetworkError, "connection reset")
	errMissing   = errors.NotFound("/Users/Guest/missing.txt")
)

func newTestBreaker(clk clock.Clock) *CircuitBreaker {
	return NewCircuitBreaker("test", Config{MaxFailures: 3, Timeout: 10 * time.Second, Clock: clk})
}

func call(cb *CircuitBreaker, err error) error {
	return cb.Execute(context.Background(), func(context.Context) error { return err })
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state State
		want  string
	}{
		{"Closed state", StateClosed, "CLOSED"},
		{"Open state", StateOpen, "OPEN"},
		{"Half-open state", StateHalfOpen, "HALF_OPEN"},
		{"Unknown state", State(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.state.String()
			if result != tt.want {
				t.Errorf("State.String() = %q, want %q", result, tt.want)
			}
		})
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("s3", Config{})

	if cb.Name() != "s3" {
		t.Errorf("Name() = %q, want %q", cb.Name(), "s3")
	}
	if cb.GetState() != StateClosed {
		t.Errorf("initial state = %v, want %v", cb.GetState(), StateClosed)
	}
	if cb.config.MaxFailures != 5 {
		t.Errorf("default MaxFailures = %d, want 5", cb.config.MaxFailures)
	}
	if cb.config.Timeout != 30*time.Second {
		t.Errorf("default Timeout = %v, want %v", cb.config.Timeout, 30*time.Second)
	}
	if cb.config.IsFailure == nil || cb.config.Clock == nil {
		t.Error("defaults should set IsFailure and Clock")
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errTransient, true},
		{errors.NewError(errors.ErrCodeConnectionTimeout, "timeout"), true},
		{errMissing, false},
		{errors.NewError(errors.ErrCodeStorageIO, "access denied"), false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(time.Unix(0, 0))
	cb := newTestBreaker(clk)

	_ = call(cb, errTransient)
	_ = call(cb, errTransient)
	// A definite answer from the backend resets the run.
	_ = call(cb, errMissing)
	_ = call(cb, errTransient)
	_ = call(cb, errTransient)
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %v, want CLOSED after interrupted run", cb.GetState())
	}

	_ = call(cb, errTransient)
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want OPEN", cb.GetState())
	}

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("open breaker invoked the function")
	}
	if !errors.HasCode(err, errors.ErrCodeNetworkError) {
		t.Errorf("rejection = %v, want NETWORK_ERROR", err)
	}

	counts := cb.GetCounts()
	if counts.Requests != 6 || counts.TotalFailures != 5 || counts.Rejected != 1 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(time.Unix(0, 0))

	var transitions []string
	cb := NewCircuitBreaker("probe", Config{
		MaxFailures: 1,
		Timeout:     10 * time.Second,
		Clock:       clk,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})

	_ = call(cb, errTransient)
	clk.Advance(9 * time.Second)
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v before timeout, want OPEN", cb.GetState())
	}

	clk.Advance(time.Second)
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("state = %v after timeout, want HALF_OPEN", cb.GetState())
	}

	// A failed probe reopens the circuit for another timeout.
	_ = call(cb, errTransient)
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v after failed probe, want OPEN", cb.GetState())
	}

	clk.Advance(10 * time.Second)
	if err := call(cb, nil); err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %v after successful probe, want CLOSED", cb.GetState())
	}

	want := []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	t.Parallel()
	clk := clock.Fake(time.Unix(0, 0))
	cb := NewCircuitBreaker("single", Config{MaxFailures: 1, Timeout: time.Second, Clock: clk})

	_ = call(cb, errTransient)
	clk.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := call(cb, nil); err == nil {
		t.Error("second request during probe should be rejected")
	}
	close(release)
	wg.Wait()

	if cb.GetState() != StateClosed {
		t.Errorf("state = %v, want CLOSED", cb.GetState())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb := newTestBreaker(clock.Fake(time.Unix(0, 0)))

	for i := 0; i < 3; i++ {
		_ = call(cb, errTransient)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want OPEN", cb.GetState())
	}

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Errorf("state after Reset = %v, want CLOSED", cb.GetState())
	}
	if cb.GetCounts() != (Counts{}) {
		t.Errorf("counts after Reset = %+v", cb.GetCounts())
	}
	if err := call(cb, nil); err != nil {
		t.Errorf("call after Reset = %v", err)
	}
}
