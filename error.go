package resthttp

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/KarpelesLab/webutil"
)

var (
	ErrEmptyDestination   = errors.New("destination is empty")
	ErrInvalidDestination = errors.New("destination has no host")
	ErrInvalidProxy       = errors.New("proxy address must be an absolute http, https or socks5 URL")
	ErrNoPool             = errors.New("client has no transport pool")
	ErrReleased           = errors.New("response body has already been consumed or released")
)

// errRequestTimeout is the cancellation cause installed by the request's own
// deadline, so it can be told apart from a cancellation coming from the caller.
var errRequestTimeout = errors.New("request timeout elapsed")

var errTrailingData = errors.New("unexpected data after top-level value")

// Phase identifies the step of a request lifecycle an error happened in.
type Phase int

const (
	PhaseBuilding Phase = iota
	PhaseSending
	PhaseBodyReading
)

func (p Phase) String() string {
	switch p {
	case PhaseBuilding:
		return "building"
	case PhaseSending:
		return "sending"
	case PhaseBodyReading:
		return "body reading"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Info carries enough about a request to diagnose a failure without
// running it again.
type Info struct {
	ID      string
	Method  string
	URL     string
	Elapsed time.Duration
}

func (i Info) describe() string {
	return fmt.Sprintf("%s %s (id=%s, elapsed=%s)", i.Method, i.URL, i.ID, i.Elapsed)
}

// PoolConfigError is returned when the pool is given an unusable destination
// or proxy address. It is a caller bug and retrying will not help.
type PoolConfigError struct {
	Op    string
	Input string
	Err   error
}

func (e *PoolConfigError) Error() string {
	return fmt.Sprintf("[resthttp] %s %q: %s", e.Op, e.Input, e.Err)
}

func (e *PoolConfigError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that the request's own deadline elapsed.
type TimeoutError struct {
	Info
	Phase Phase
	Limit time.Duration // the request timeout
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("[resthttp] %s: timeout of %s exceeded during %s", e.describe(), e.Limit, e.Phase)
}

// Timeout allows TimeoutError to be detected like a net.Error.
func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Unwrap() []error {
	if e.Err == nil {
		return []error{context.DeadlineExceeded}
	}
	return []error{context.DeadlineExceeded, e.Err}
}

// TransportError wraps any failure of the underlying transport, including a
// cancellation requested by the caller.
type TransportError struct {
	Info
	Phase Phase
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("[resthttp] %s: failed during %s: %s", e.describe(), e.Phase, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError is returned when a response body could not be decoded into the
// requested shape.
type DecodeError struct {
	Info
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("[resthttp] %s: failed to decode response: %s", e.describe(), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// StatusError is returned by Response.EnsureSuccess for non-2xx responses.
type StatusError struct {
	Info
	StatusCode int
	Status     string
	Location   string
	Body       []byte
}

func (e *StatusError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("[resthttp] %s: unexpected status %s: %s", e.describe(), e.Status, e.Body)
	}
	return fmt.Sprintf("[resthttp] %s: unexpected status %s", e.describe(), e.Status)
}

func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case 403:
		return os.ErrPermission
	case 404:
		return fs.ErrNotExist
	case 301, 302, 303, 307, 308:
		if e.Location == "" {
			return nil
		}
		u, err := url.Parse(e.Location)
		if err != nil {
			return nil
		}
		return webutil.RedirectErrorCode(u, e.StatusCode)
	default:
		return nil
	}
}

// classify turns a failure observed while ctx was in use into a TimeoutError
// when our own deadline fired first, or a TransportError otherwise.
func classify(ctx context.Context, err error, phase Phase, info Info, timeout time.Duration) error {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, errRequestTimeout) {
			return &TimeoutError{Info: info, Phase: phase, Limit: timeout, Err: err}
		}
		if cause != nil && !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %w", err, cause)
		}
	}
	var de *DecodeError
	if errors.As(err, &de) {
		de.Info = info
		return de
	}
	return &TransportError{Info: info, Phase: phase, Err: err}
}
