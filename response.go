package resthttp

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KarpelesLab/pjson"
)

// Response is returned by Client.Send. Its body is read by one of the
// materialization methods, which release the response when done; Stream
// hands the body over to the caller instead. A response obtained with
// HeadersOnly that is never materialized must be released with Release.
type Response struct {
	StatusCode    int
	Status        string
	Proto         string
	Header        http.Header
	ContentLength int64

	info    Info
	timeout time.Duration
	decode  DecodePolicy
	raw     io.ReadCloser
	cancel  context.CancelCauseFunc
	elapsed atomic.Int64

	mu       sync.Mutex // serializes body access
	consumed bool
	buffered bool
	data     []byte

	releaseOnce sync.Once
	releaseErr  error
	released    atomic.Bool

	dataParsed any
	dataError  error
	dataParse  sync.Once
}

func newResponse(resp *http.Response, info Info, timeout time.Duration, decode DecodePolicy, cancel context.CancelCauseFunc) *Response {
	return &Response{
		StatusCode:    resp.StatusCode,
		Status:        resp.Status,
		Proto:         resp.Proto,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		info:          info,
		timeout:       timeout,
		decode:        decode,
		raw:           resp.Body,
		cancel:        cancel,
	}
}

// Elapsed returns the time spent on this request so far: sending, receiving
// headers and every body read performed through the response.
func (r *Response) Elapsed() time.Duration {
	return time.Duration(r.elapsed.Load())
}

func (r *Response) addElapsed(d time.Duration) {
	r.elapsed.Add(int64(d))
}

// Info describes the request that produced the response.
func (r *Response) Info() Info {
	info := r.info
	info.Elapsed = r.Elapsed()
	return info
}

// Release closes the body and frees the connection. It is safe to call more
// than once; only the first call has an effect.
func (r *Response) Release() error {
	r.releaseOnce.Do(func() {
		r.released.Store(true)
		r.releaseErr = r.raw.Close()
		if r.cancel != nil {
			r.cancel(nil)
		}
	})
	return r.releaseErr
}

// buffer reads the whole body into memory while ctx allows it.
func (r *Response) buffer(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consumed = true
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(newDeadlineReader(ctx, r.raw)); err != nil {
		return err
	}
	r.data = buf.Bytes()
	r.buffered = true
	return nil
}

// consume runs fn over the live body, bounded by what is left of the
// request timeout, adds the time spent to Elapsed and releases the response.
// r.mu must be held.
func (r *Response) consume(ctx context.Context, fn func(*deadlineReader) error) error {
	if r.consumed || r.released.Load() {
		return ErrReleased
	}
	r.consumed = true
	defer r.Release()

	readCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if r.timeout > 0 {
		remaining := r.timeout - r.Elapsed()
		if remaining <= 0 {
			return &TimeoutError{Info: r.Info(), Phase: PhaseBodyReading, Limit: r.timeout}
		}
		t := time.AfterFunc(remaining, func() {
			cancel(errRequestTimeout)
		})
		defer t.Stop()
	}

	start := time.Now()
	err := fn(newDeadlineReader(readCtx, r.raw))
	r.addElapsed(time.Since(start))
	if err != nil {
		return classify(readCtx, err, PhaseBodyReading, r.Info(), r.timeout)
	}
	return nil
}

func (r *Response) bytesLocked(ctx context.Context) ([]byte, error) {
	if r.buffered {
		return r.data, nil
	}
	var buf bytes.Buffer
	err := r.consume(ctx, func(dr *deadlineReader) error {
		_, err := buf.ReadFrom(dr)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.data = buf.Bytes()
	r.buffered = true
	return r.data, nil
}

// Bytes returns the full body.
func (r *Response) Bytes(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesLocked(ctx)
}

// String returns the full body as a string.
func (r *Response) String(ctx context.Context) (string, error) {
	data, err := r.Bytes(ctx)
	return string(data), err
}

// Decode decodes a JSON body into v, following the client's DecodePolicy.
func (r *Response) Decode(ctx context.Context, v any) error {
	return r.decodeWith(ctx,
		func(data []byte) error { return pjson.UnmarshalContext(ctx, data, v) },
		func(rd io.Reader) error { return streamJSON(rd, v) },
	)
}

// DecodeXML decodes an XML body into v, following the client's DecodePolicy.
// Only whitespace, comments and processing instructions may follow the
// root element.
func (r *Response) DecodeXML(ctx context.Context, v any) error {
	return r.decodeWith(ctx,
		func(data []byte) error { return streamXML(bytes.NewReader(data), v) },
		func(rd io.Reader) error { return streamXML(rd, v) },
	)
}

// streamJSON decodes one JSON value from rd and requires the stream to end
// after it, like pjson.Unmarshal does for a buffer.
func streamJSON(rd io.Reader, v any) error {
	dec := pjson.NewDecoder(rd)
	if err := dec.Decode(v); err != nil {
		return err
	}
	var extra any
	switch err := dec.Decode(&extra); err {
	case io.EOF:
		return nil
	case nil:
		return errTrailingData
	default:
		return err
	}
}

func streamXML(rd io.Reader, v any) error {
	dec := xml.NewDecoder(rd)
	if err := dec.Decode(v); err != nil {
		return err
	}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.Comment, xml.ProcInst:
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return errTrailingData
			}
		default:
			return errTrailingData
		}
	}
}

func (r *Response) decodeWith(ctx context.Context, unmarshal func([]byte) error, stream func(io.Reader) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.buffered || r.decode == DecodeBuffered {
		data, err := r.bytesLocked(ctx)
		if err != nil {
			return err
		}
		if err := unmarshal(data); err != nil {
			return &DecodeError{Info: r.Info(), Err: err}
		}
		return nil
	}

	return r.consume(ctx, func(dr *deadlineReader) error {
		err := stream(dr)
		switch {
		case err == nil:
			return nil
		case dr.ctx.Err() != nil:
			return err
		case dr.err != nil:
			return dr.err
		default:
			return &DecodeError{Err: err}
		}
	})
}

// Value returns the body decoded as a generic JSON value. The result is
// cached.
func (r *Response) Value(ctx context.Context) (any, error) {
	r.dataParse.Do(func() {
		var data []byte
		data, r.dataError = r.Bytes(ctx)
		if r.dataError != nil {
			return
		}
		if err := pjson.UnmarshalContext(ctx, data, &r.dataParsed); err != nil {
			r.dataError = &DecodeError{Info: r.Info(), Err: err}
		}
	})
	return r.dataParsed, r.dataError
}

// Get walks a slash separated path of object keys in the decoded body.
func (r *Response) Get(ctx context.Context, v string) (any, error) {
	va := strings.Split(v, "/")
	cur, err := r.Value(ctx)
	if err != nil {
		return nil, err
	}

	for _, sub := range va {
		if sub == "" {
			continue
		}
		// we assume each sub will be an index in cur as a map
		curV, ok := cur.(map[string]any)
		if !ok {
			return nil, fs.ErrNotExist
		}
		cur, ok = curV[sub]
		if !ok {
			return nil, fs.ErrNotExist
		}
	}
	return cur, nil
}

// GetString is like Get but requires the value to be a string.
func (r *Response) GetString(ctx context.Context, v string) (string, error) {
	res, err := r.Get(ctx, v)
	if err != nil {
		return "", err
	}
	str, ok := res.(string)
	if !ok {
		return fmt.Sprintf("%v", res), fmt.Errorf("unexpected type %T for string %s", res, v)
	}
	return str, nil
}

// Download copies the body to w. progress may be nil.
func (r *Response) Download(ctx context.Context, w io.Writer, progress ProgressFunc) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pw := &progressWriter{w: w, fn: progress}
	if r.buffered {
		_, err := pw.Write(r.data)
		return pw.n, err
	}
	err := r.consume(ctx, func(dr *deadlineReader) error {
		_, err := io.Copy(pw, dr)
		return err
	})
	return pw.n, err
}

// SaveFile writes the body to a new file at path, removing it on failure.
func (r *Response) SaveFile(ctx context.Context, path string, progress ProgressFunc) error {
	f, err := os.Create(path)
	if err != nil {
		r.Release()
		return &TransportError{Info: r.Info(), Phase: PhaseBodyReading, Err: err}
	}
	_, err = r.Download(ctx, f, progress)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
	}
	return err
}

// Stream hands the body over to the caller, who must Close it. The request
// timeout is not enforced on it and it is not released automatically.
func (r *Response) Stream() (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.buffered {
		return io.NopCloser(bytes.NewReader(r.data)), nil
	}
	if r.consumed || r.released.Load() {
		return nil, ErrReleased
	}
	r.consumed = true
	return &streamBody{r: r}, nil
}

type streamBody struct {
	r *Response
}

func (s *streamBody) Read(p []byte) (int, error) {
	return s.r.raw.Read(p)
}

func (s *streamBody) Close() error {
	return s.r.Release()
}

// EnsureSuccess returns a *StatusError unless the status is 2xx.
func (r *Response) EnsureSuccess() error {
	if r.StatusCode >= 200 && r.StatusCode < 300 {
		return nil
	}
	e := &StatusError{
		Info:       r.Info(),
		StatusCode: r.StatusCode,
		Status:     r.Status,
		Location:   r.Header.Get("Location"),
	}
	r.mu.Lock()
	if r.buffered {
		e.Body = r.data
		if len(e.Body) > 512 {
			e.Body = e.Body[:512]
		}
	}
	r.mu.Unlock()
	return e
}
