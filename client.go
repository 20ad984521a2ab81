// Package resthttp is an HTTP client layer on top of net/http. It keeps a pool
// of long-lived transports keyed by destination host or proxy address, and
// enforces one deadline across sending a request and reading its body later.
package resthttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

var (
	// Debug enables verbose logging of requests, pool activity and timeouts
	Debug = false
)

// DecodePolicy selects how structured decoding reads the body.
type DecodePolicy int

const (
	// DecodeBuffered reads the whole body within the remaining budget, then
	// decodes it.
	DecodeBuffered DecodePolicy = iota
	// DecodeStreaming decodes while reading; the remaining budget bounds the
	// whole decode.
	DecodeStreaming
)

// Client sends Requests through a Pool, or through the MockQueue attached to
// the request context.
type Client struct {
	pool      *Pool
	timeout   time.Duration
	decode    DecodePolicy
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithDefaultTimeout sets the timeout used by requests that do not set one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithDecodePolicy selects buffered (default) or streaming decoding.
func WithDecodePolicy(p DecodePolicy) Option {
	return func(c *Client) {
		c.decode = p
	}
}

// WithUserAgent sets the User-Agent of requests that do not set one.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient returns a client using pool for live requests. pool may be nil
// if the client is only used with mocked contexts.
func NewClient(pool *Pool, opts ...Option) *Client {
	c := &Client{pool: pool}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pool returns the pool the client was created with.
func (c *Client) Pool() *Pool {
	return c.pool
}

func (c *Client) timeoutFor(req *Request) time.Duration {
	switch {
	case req.Timeout > 0:
		return req.Timeout
	case req.Timeout < 0:
		return 0
	default:
		return c.timeout
	}
}

// sender resolves what will carry req: the mock queue of ctx if there is
// one, otherwise a pooled handle.
func (c *Client) sender(ctx context.Context, req *Request) (func(*http.Request) (*http.Response, error), error) {
	if q := MockQueueFrom(ctx); q != nil {
		m, err := q.Next()
		if err != nil {
			return nil, err
		}
		return m.roundTrip, nil
	}
	if c.pool == nil {
		return nil, &PoolConfigError{Op: "send", Input: req.URL, Err: ErrNoPool}
	}

	var h *Handle
	var err error
	if req.Proxy != "" {
		h, err = c.pool.GetProxied(req.URL, req.Proxy)
	} else {
		h, err = c.pool.Get(req.URL)
	}
	if err != nil {
		return nil, err
	}
	return h.client.Do, nil
}

// Send performs req and returns once headers are received, or once the body
// has been buffered unless req.HeadersOnly is set. The request timeout covers
// both, and what is left of it bounds later body reads on the Response.
//
// A status of 4xx or 5xx is not an error; see Response.EnsureSuccess.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	info := Info{ID: id, Method: method, URL: req.URL}
	timeout := c.timeoutFor(req)

	// The exchange gets its own cancellation so a live body survives the
	// caller's ctx once Send returns; until then ctx is linked in.
	reqCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	stopExternal := context.AfterFunc(ctx, func() {
		cancel(context.Cause(ctx))
	})
	start := time.Now()
	var deadline *time.Timer
	if timeout > 0 {
		deadline = time.AfterFunc(timeout, func() {
			cancel(errRequestTimeout)
		})
	}
	disarm := func() {
		stopExternal()
		if deadline != nil {
			deadline.Stop()
		}
	}
	fail := func(err error) (*Response, error) {
		disarm()
		cancel(nil)
		if Debug {
			slog.ErrorContext(ctx, fmt.Sprintf("[resthttp] %s %s failed: %s", method, req.URL, err), "event", "resthttp:request_fail", "resthttp:id", id)
		}
		return nil, err
	}

	hreq, err := req.build(reqCtx, id)
	if err != nil {
		info.Elapsed = time.Since(start)
		return fail(&TransportError{Info: info, Phase: PhaseBuilding, Err: err})
	}
	if c.userAgent != "" && !hasHeader(hreq.Header, "User-Agent") {
		hreq.Header.Set("User-Agent", c.userAgent)
	}

	send, err := c.sender(ctx, req)
	if err != nil {
		info.Elapsed = time.Since(start)
		return fail(&TransportError{Info: info, Phase: PhaseSending, Err: err})
	}

	hresp, err := send(hreq)
	if err != nil {
		info.Elapsed = time.Since(start)
		return fail(classify(reqCtx, err, PhaseSending, info, timeout))
	}

	resp := newResponse(hresp, info, timeout, c.decode, cancel)
	phase := PhaseSending
	if !req.HeadersOnly {
		phase = PhaseBodyReading
		err = resp.buffer(reqCtx)
	}
	disarm()
	if err == nil {
		// the deadline may have fired between receiving and disarming
		err = reqCtx.Err()
	}
	if err != nil {
		info.Elapsed = time.Since(start)
		err = classify(reqCtx, err, phase, info, timeout)
		resp.Release()
		return fail(err)
	}
	if !req.HeadersOnly {
		// content is in memory, give the connection back
		resp.Release()
	}
	resp.addElapsed(time.Since(start))

	if Debug {
		d := resp.Elapsed()
		slog.DebugContext(ctx, fmt.Sprintf("[resthttp] %s %s => %d in %s", method, req.URL, resp.StatusCode, d), "event", "resthttp:request", "resthttp:id", id, "resthttp:method", method, "resthttp:status", resp.StatusCode, "resthttp:duration", d)
	}
	return resp, nil
}
