package resthttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrMockQueueEmpty is returned when a request is sent in a mocked context
// whose queue has no responses left. It means the test is misconfigured.
var ErrMockQueueEmpty = errors.New("mock response queue is empty")

// MockResponse is a canned response served instead of a network exchange.
type MockResponse struct {
	StatusCode int // defaults to 200
	Header     http.Header
	Body       []byte
	// BodyReader, if set, replaces Body. It is closed on release when it
	// implements io.Closer, which lets tests observe release and simulate
	// slow bodies.
	BodyReader io.Reader
	// Delay is waited before headers are "received". It honours cancellation.
	Delay time.Duration
	// Err, if set, is returned as the transport error after Delay.
	Err error
}

// MockQueue is a FIFO of responses for one call tree. It is safe for
// concurrent use by the requests of that tree.
type MockQueue struct {
	mu    sync.Mutex
	items []*MockResponse
}

// NewMockQueue returns a queue that serves items in order.
func NewMockQueue(items ...*MockResponse) *MockQueue {
	return &MockQueue{items: items}
}

// Push appends responses to the queue.
func (q *MockQueue) Push(items ...*MockResponse) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
}

// Next dequeues the next response.
func (q *MockQueue) Next() (*MockResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, ErrMockQueueEmpty
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return m, nil
}

// Len returns the number of responses left.
func (q *MockQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type mockValue int

type withMockQueue struct {
	context.Context
	queue *MockQueue
}

func (w *withMockQueue) Value(v any) any {
	if _, ok := v.(mockValue); ok {
		return w.queue
	}

	return w.Context.Value(v)
}

// WithMockQueue returns a context in which every request sent by a Client is
// answered from q instead of the network. Contexts derived from the result
// share q; unrelated contexts are not affected.
func WithMockQueue(ctx context.Context, q *MockQueue) context.Context {
	return &withMockQueue{ctx, q}
}

// MockQueueFrom returns the queue attached to ctx, if any.
func MockQueueFrom(ctx context.Context) *MockQueue {
	q, _ := ctx.Value(mockValue(0)).(*MockQueue)
	return q
}

// roundTrip plays the canned response for req.
func (m *MockResponse) roundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}

	status := m.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	header := m.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}

	var body io.ReadCloser
	length := int64(-1)
	switch r := m.BodyReader.(type) {
	case nil:
		body = io.NopCloser(bytes.NewReader(m.Body))
		length = int64(len(m.Body))
	case io.ReadCloser:
		body = r
	default:
		body = io.NopCloser(r)
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          body,
		ContentLength: length,
		Request:       req,
	}, nil
}
