package resthttp

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"
)

func TestStatusErrorUnwrapping(t *testing.T) {
	testCases := []struct {
		name        string
		statusCode  int
		expectedErr error
	}{
		{"Permission Denied", 403, os.ErrPermission},
		{"Not Found", 404, fs.ErrNotExist},
		{"Server Error", 500, nil},
		{"Bad Request", 400, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := &StatusError{
				Info:       Info{ID: "abc", Method: "GET", URL: "http://example.com/"},
				StatusCode: tc.statusCode,
				Status:     "status",
				Body:       []byte("body text"),
			}

			if !strings.Contains(err.Error(), "body text") {
				t.Errorf("Error() = %q, want it to contain the body", err.Error())
			}
			if tc.expectedErr != nil && !errors.Is(err, tc.expectedErr) {
				t.Errorf("errors.Is(%v, %v) = false, want true", err, tc.expectedErr)
			}
			if tc.expectedErr == nil && err.Unwrap() != nil {
				t.Errorf("Unwrap() = %v, want nil", err.Unwrap())
			}
		})
	}

	// redirect without a location has nothing to point to
	if u := (&StatusError{StatusCode: 302}).Unwrap(); u != nil {
		t.Errorf("Unwrap() of 302 without Location = %v, want nil", u)
	}
}

func TestTimeoutError(t *testing.T) {
	inner := errors.New("read interrupted")
	err := &TimeoutError{
		Info:  Info{ID: "abc", Method: "GET", URL: "http://example.com/", Elapsed: 3 * time.Second},
		Phase: PhaseBodyReading,
		Limit: 10 * time.Second,
		Err:   inner,
	}

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("errors.Is(TimeoutError, DeadlineExceeded) = false, want true")
	}
	if !errors.Is(err, inner) {
		t.Errorf("errors.Is(TimeoutError, inner) = false, want true")
	}
	var timeout interface{ Timeout() bool }
	if !errors.As(err, &timeout) || !timeout.Timeout() {
		t.Errorf("TimeoutError does not report Timeout()")
	}
	msg := err.Error()
	for _, want := range []string{"GET", "http://example.com/", "10s", "body reading", "id=abc"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestPhaseString(t *testing.T) {
	tests := []struct {
		p    Phase
		want string
	}{
		{PhaseBuilding, "building"},
		{PhaseSending, "sending"},
		{PhaseBodyReading, "body reading"},
		{Phase(9), "phase(9)"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", int(tt.p), got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	info := Info{ID: "x", Method: "GET", URL: "http://example.com/"}
	failure := errors.New("connection reset")

	// own deadline
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(errRequestTimeout)
	var te *TimeoutError
	if err := classify(ctx, context.Canceled, PhaseSending, info, time.Second); !errors.As(err, &te) {
		t.Errorf("classify(own deadline) = %T, want *TimeoutError", err)
	}

	// caller cancellation
	ctx, cancel = context.WithCancelCause(context.Background())
	cancel(context.Canceled)
	err := classify(ctx, context.Canceled, PhaseSending, info, time.Second)
	var tre *TransportError
	if !errors.As(err, &tre) || errors.As(err, &te) {
		t.Errorf("classify(caller cancel) = %T, want *TransportError", err)
	}

	// caller cause is kept alongside the failure
	callerCause := errors.New("shutting down")
	ctx, cancel = context.WithCancelCause(context.Background())
	cancel(callerCause)
	err = classify(ctx, failure, PhaseBodyReading, info, 0)
	if !errors.Is(err, failure) || !errors.Is(err, callerCause) {
		t.Errorf("classify() = %v, want both failure and cause", err)
	}

	// plain transport failure
	err = classify(context.Background(), failure, PhaseSending, info, 0)
	if !errors.As(err, &tre) || tre.Phase != PhaseSending || !errors.Is(err, failure) {
		t.Errorf("classify(failure) = %v, want TransportError wrapping failure", err)
	}

	// decode errors keep their type and gain request info
	err = classify(context.Background(), &DecodeError{Err: failure}, PhaseBodyReading, info, 0)
	var de *DecodeError
	if !errors.As(err, &de) || de.ID != "x" {
		t.Errorf("classify(decode) = %v, want DecodeError with info", err)
	}
}

func TestPoolConfigErrorMessage(t *testing.T) {
	err := &PoolConfigError{Op: "get", Input: "", Err: ErrEmptyDestination}
	if !errors.Is(err, ErrEmptyDestination) {
		t.Errorf("errors.Is(PoolConfigError, ErrEmptyDestination) = false, want true")
	}
	if !strings.HasPrefix(err.Error(), "[resthttp] get") {
		t.Errorf("Error() = %q", err.Error())
	}
}
