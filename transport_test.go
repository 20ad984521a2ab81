package resthttp

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTLSVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    uint16
		wantErr bool
	}{
		{"", 0, false},
		{"1.2", tls.VersionTLS12, false},
		{"TLS1.3", tls.VersionTLS13, false},
		{"tls12", tls.VersionTLS12, false},
		{" 1.0 ", tls.VersionTLS10, false},
		{"1.1", tls.VersionTLS11, false},
		{"1.4", 0, true},
		{"ssl3", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTLSVersion(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTLSVersion(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTLSVersion(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}

func TestDecompressionMethodsString(t *testing.T) {
	tests := []struct {
		in   DecompressionMethods
		want string
	}{
		{0, ""},
		{DecompressGzip, "gzip"},
		{DecompressDeflate, "deflate"},
		{DecompressAll, "gzip, deflate"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("DecompressionMethods(%d).String() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLifetimeTransportRotation(t *testing.T) {
	var built atomic.Int32
	lt := newLifetimeTransport(20*time.Millisecond, func() *http.Transport {
		built.Add(1)
		return &http.Transport{}
	})

	first := lt.current()
	assert.Same(t, first, lt.current())
	assert.Equal(t, int32(1), built.Load())

	time.Sleep(30 * time.Millisecond)
	second := lt.current()
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), built.Load())
	assert.Same(t, second, lt.current())
}

func compressed(t *testing.T, coding, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	switch coding {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	}
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecompression(t *testing.T) {
	for _, coding := range []string{"gzip", "deflate"} {
		t.Run(coding, func(t *testing.T) {
			payload := compressed(t, coding, `{"packed":true}`)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.Contains(r.Header.Get("Accept-Encoding"), coding) {
					w.Write([]byte(`{"packed":false}`))
					return
				}
				w.Header().Set("Content-Encoding", coding)
				w.Write(payload)
			}))
			defer srv.Close()

			p := newTestPool(t, PoolConfig{})
			c := NewClient(p)

			v, err := As[map[string]bool](context.Background(), c, NewRequest("GET", srv.URL))
			require.NoError(t, err)
			assert.True(t, v["packed"])
		})
	}
}

func TestDecompressionDisabled(t *testing.T) {
	payload := compressed(t, "gzip", "raw")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(payload)
	}))
	defer srv.Close()

	p := newTestPool(t, PoolConfig{Plain: TransportConfig{DisableDecompression: true}})
	res, err := NewClient(p).Send(context.Background(), NewRequest("GET", srv.URL))
	require.NoError(t, err)

	data, err := res.Bytes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, "gzip", res.Header.Get("Content-Encoding"))
}

func TestRedirectPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		w.Write([]byte("arrived"))
	}))
	defer srv.Close()

	follow := NewClient(newTestPool(t, PoolConfig{}))
	res, err := follow.Send(context.Background(), NewRequest("GET", srv.URL+"/old"))
	require.NoError(t, err)
	s, _ := res.String(context.Background())
	assert.Equal(t, "arrived", s)

	stay := NewClient(newTestPool(t, PoolConfig{Plain: TransportConfig{DisableRedirects: true}}))
	res, err = stay.Send(context.Background(), NewRequest("GET", srv.URL+"/old"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "/new", res.Header.Get("Location"))
}

func TestRedirectLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer srv.Close()

	c := NewClient(newTestPool(t, PoolConfig{Plain: TransportConfig{MaxRedirects: 3}}))
	_, err := c.Send(context.Background(), NewRequest("GET", srv.URL))
	var tre *TransportError
	require.ErrorAs(t, err, &tre)
	assert.Contains(t, err.Error(), "stopped after 3 redirects")
}

// the test server plays an HTTP proxy and echoes the credentials it receives
func TestProxyCredentials(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Proxied-Host", r.URL.Host)
		w.Write([]byte(r.Header.Get("Proxy-Authorization")))
	}))
	defer proxy.Close()

	p := newTestPool(t, PoolConfig{})
	c := NewClient(p)
	proxyURL := strings.Replace(proxy.URL, "http://", "http://alice:s3cret@", 1)

	req := NewRequest("GET", "http://upstream.example/resource")
	req.Proxy = proxyURL
	res, err := c.Send(context.Background(), req)
	require.NoError(t, err)

	got, _ := res.String(context.Background())
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:s3cret"))
	assert.Equal(t, want, got)
	assert.Equal(t, "upstream.example", res.Header.Get("X-Proxied-Host"))
	assert.Equal(t, 1, p.Len())
}

func TestNewTransportSettings(t *testing.T) {
	cfg := TransportConfig{
		ConnectTimeout:     3 * time.Second,
		IdleConnTimeout:    45 * time.Second,
		MinTLSVersion:      tls.VersionTLS12,
		MaxTLSVersion:      tls.VersionTLS13,
		InsecureSkipVerify: true,
	}
	cfg.setDefaults()

	if d := cfg.dialer(); d.Timeout != 3*time.Second {
		t.Errorf("dialer().Timeout = %s, want 3s", d.Timeout)
	}

	tr := cfg.newTransport(nil)
	if tr.IdleConnTimeout != 45*time.Second {
		t.Errorf("IdleConnTimeout = %s, want 45s", tr.IdleConnTimeout)
	}
	if tr.TLSHandshakeTimeout != 3*time.Second {
		t.Errorf("TLSHandshakeTimeout = %s, want 3s", tr.TLSHandshakeTimeout)
	}
	if tr.MaxIdleConnsPerHost != 50 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 50", tr.MaxIdleConnsPerHost)
	}
	if !tr.DisableCompression {
		t.Errorf("DisableCompression = false, want true")
	}
	tc := tr.TLSClientConfig
	if tc.MinVersion != tls.VersionTLS12 || tc.MaxVersion != tls.VersionTLS13 || !tc.InsecureSkipVerify {
		t.Errorf("TLSClientConfig = {min %#x, max %#x, insecure %v}, want {%#x, %#x, true}", tc.MinVersion, tc.MaxVersion, tc.InsecureSkipVerify, tls.VersionTLS12, tls.VersionTLS13)
	}
	if tr.Proxy != nil {
		t.Errorf("Proxy is set on a plain transport")
	}
}

func TestTLSVerification(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secure"))
	}))
	defer srv.Close()

	strict := NewClient(newTestPool(t, PoolConfig{}))
	_, err := strict.Send(context.Background(), NewRequest("GET", srv.URL))
	var tre *TransportError
	if !errors.As(err, &tre) || tre.Phase != PhaseSending {
		t.Errorf("Send() to self-signed server = %v, want TransportError during sending", err)
	}

	insecure := NewClient(newTestPool(t, PoolConfig{Plain: TransportConfig{InsecureSkipVerify: true}}))
	res, err := insecure.Send(context.Background(), NewRequest("GET", srv.URL))
	if err != nil {
		t.Fatalf("Send() with InsecureSkipVerify failed: %s", err)
	}
	if s, _ := res.String(context.Background()); s != "secure" {
		t.Errorf("String() = %q, want %q", s, "secure")
	}
}

func TestMinTLSVersion(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	srv.TLS = &tls.Config{MaxVersion: tls.VersionTLS12}
	srv.StartTLS()
	defer srv.Close()

	ok := NewClient(newTestPool(t, PoolConfig{Plain: TransportConfig{InsecureSkipVerify: true, MinTLSVersion: tls.VersionTLS12}}))
	if _, err := ok.Send(context.Background(), NewRequest("GET", srv.URL)); err != nil {
		t.Errorf("Send() with min TLS 1.2 = %v, want nil", err)
	}

	tooNew := NewClient(newTestPool(t, PoolConfig{Plain: TransportConfig{InsecureSkipVerify: true, MinTLSVersion: tls.VersionTLS13}}))
	_, err := tooNew.Send(context.Background(), NewRequest("GET", srv.URL))
	var tre *TransportError
	if !errors.As(err, &tre) || tre.Phase != PhaseSending {
		t.Errorf("Send() with min TLS 1.3 against a TLS 1.2 server = %v, want TransportError during sending", err)
	}
}
