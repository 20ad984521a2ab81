package resthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/KarpelesLab/pjson"
)

// Request describes one HTTP exchange. It must not be modified once passed
// to Client.Send.
type Request struct {
	// ID identifies the request in logs and errors. A random one is used if empty.
	ID     string
	Method string
	URL    string
	// Header is copied verbatim, without validation or canonicalization.
	Header http.Header
	Body   Payload
	// Proxy, if set, routes the request through a proxied pool handle.
	Proxy string
	// Timeout bounds the whole exchange, including deferred body reads.
	// Zero uses the client default; a negative value disables it.
	Timeout time.Duration
	// Version is "", "HTTP/1.0", "HTTP/1.1" or "HTTP/2".
	Version string
	// HeadersOnly makes Send return as soon as headers arrive, leaving the
	// body to be read later through the Response.
	HeadersOnly bool
}

// NewRequest returns a Request with an empty header map.
func NewRequest(method, target string) *Request {
	return &Request{
		Method: method,
		URL:    target,
		Header: make(http.Header),
	}
}

// build assembles the outbound message.
func (r *Request) build(ctx context.Context, id string) (*http.Request, error) {
	var body io.Reader
	var contentType string
	var data []byte
	if r.Body != nil {
		var err error
		data, contentType, err = r.Body.Encode(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, err
	}

	for k, v := range r.Header {
		req.Header[k] = append([]string(nil), v...)
	}
	if contentType != "" && !hasHeader(req.Header, "Content-Type") {
		req.Header.Set("Content-Type", contentType)
	}
	if !hasHeader(req.Header, "X-Request-Id") {
		req.Header.Set("X-Request-Id", id)
	}
	if t, ok := ctx.Value(tokenValue(0)).(*Token); ok && t != nil && !hasHeader(req.Header, "Authorization") {
		req.Header.Set("Authorization", t.header())
	}

	switch r.Version {
	case "":
	case "HTTP/1.0":
		req.Proto, req.ProtoMajor, req.ProtoMinor = r.Version, 1, 0
	case "HTTP/1.1":
		req.Proto, req.ProtoMajor, req.ProtoMinor = r.Version, 1, 1
	case "HTTP/2", "HTTP/2.0":
		req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/2.0", 2, 0
	default:
		return nil, fmt.Errorf("unsupported protocol version %q", r.Version)
	}
	return req, nil
}

// Payload produces a serialized request body and its media type.
type Payload interface {
	Encode(ctx context.Context) (data []byte, contentType string, err error)
}

// PayloadFunc adapts a function to Payload.
type PayloadFunc func(ctx context.Context) ([]byte, string, error)

func (f PayloadFunc) Encode(ctx context.Context) ([]byte, string, error) {
	return f(ctx)
}

// verbatim returns v as bytes if it is already serialized.
func verbatim(v any) ([]byte, bool) {
	switch s := v.(type) {
	case string:
		return []byte(s), true
	case []byte:
		return s, true
	case json.RawMessage:
		return s, true
	default:
		return nil, false
	}
}

// JSON encodes v with pjson. Strings and byte slices are sent as is.
func JSON(v any) Payload {
	return PayloadFunc(func(ctx context.Context) ([]byte, string, error) {
		if data, ok := verbatim(v); ok {
			return data, "application/json", nil
		}
		data, err := pjson.MarshalContext(ctx, v)
		return data, "application/json", err
	})
}

// XML encodes v with encoding/xml. Strings and byte slices are sent as is.
func XML(v any) Payload {
	return PayloadFunc(func(ctx context.Context) ([]byte, string, error) {
		if data, ok := verbatim(v); ok {
			return data, "application/xml", nil
		}
		data, err := xml.Marshal(v)
		return data, "application/xml", err
	})
}

// Form sends values as application/x-www-form-urlencoded.
func Form(values url.Values) Payload {
	return PayloadFunc(func(context.Context) ([]byte, string, error) {
		return []byte(values.Encode()), "application/x-www-form-urlencoded", nil
	})
}

// Text sends s as text/plain.
func Text(s string) Payload {
	return Raw([]byte(s), "text/plain; charset=utf-8")
}

// Raw sends data with the given content type.
func Raw(data []byte, contentType string) Payload {
	return PayloadFunc(func(context.Context) ([]byte, string, error) {
		return data, contentType, nil
	})
}
