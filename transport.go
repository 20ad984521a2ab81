package resthttp

import (
	"compress/gzip"
	"compress/zlib"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// DecompressionMethods is a set of content codings the transport will
// advertise and transparently decode.
type DecompressionMethods int

const (
	DecompressGzip DecompressionMethods = 1 << iota
	DecompressDeflate

	DecompressAll = DecompressGzip | DecompressDeflate
)

// String returns the value used for the Accept-Encoding header.
func (d DecompressionMethods) String() string {
	var res []string
	if d&DecompressGzip != 0 {
		res = append(res, "gzip")
	}
	if d&DecompressDeflate != 0 {
		res = append(res, "deflate")
	}
	return strings.Join(res, ", ")
}

// TransportConfig configures every handle of one kind (plain or proxied).
// Zero values are replaced by defaults, which is why booleans are expressed
// as Disable* switches.
type TransportConfig struct {
	ConnectionLifetime   time.Duration        `mapstructure:"connection_lifetime"`     // default 10m
	IdleConnTimeout      time.Duration        `mapstructure:"idle_conn_timeout"`       // default 1m
	ConnectTimeout       time.Duration        `mapstructure:"connect_timeout"`         // 0 = unbounded
	Decompression        DecompressionMethods `mapstructure:"decompression"`           // default DecompressAll
	DisableDecompression bool                 `mapstructure:"disable_decompression"`
	MinTLSVersion        uint16               `mapstructure:"min_tls_version"`         // 0 = platform default
	MaxTLSVersion        uint16               `mapstructure:"max_tls_version"`         // 0 = platform default
	InsecureSkipVerify   bool                 `mapstructure:"insecure_skip_verify"`
	DisableRedirects     bool                 `mapstructure:"disable_redirects"`
	MaxRedirects         int                  `mapstructure:"max_redirects"`           // default 10
	MaxIdleConnsPerHost  int                  `mapstructure:"max_idle_conns_per_host"` // default 50
}

func (c *TransportConfig) setDefaults() {
	if c.ConnectionLifetime == 0 {
		c.ConnectionLifetime = 10 * time.Minute
	}
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = time.Minute
	}
	if c.Decompression == 0 {
		c.Decompression = DecompressAll
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = 10
	}
	if c.MaxIdleConnsPerHost == 0 {
		c.MaxIdleConnsPerHost = 50
	}
}

func (c *TransportConfig) validate() error {
	if c.ConnectionLifetime < 0 || c.IdleConnTimeout < 0 || c.ConnectTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if c.Decompression&^DecompressAll != 0 {
		return fmt.Errorf("unsupported decompression methods %#x", int(c.Decompression))
	}
	if c.MinTLSVersion != 0 && c.MaxTLSVersion != 0 && c.MinTLSVersion > c.MaxTLSVersion {
		return fmt.Errorf("min TLS version %s is above max TLS version %s", tls.VersionName(c.MinTLSVersion), tls.VersionName(c.MaxTLSVersion))
	}
	if c.MaxRedirects < 0 {
		return errors.New("max redirects must not be negative")
	}
	return nil
}

// ParseTLSVersion maps "1.0" to "1.3" (optionally prefixed with "TLS") to the
// matching crypto/tls constant. An empty string means platform default.
func ParseTLSVersion(s string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "TLS") {
	case "":
		return 0, nil
	case "1.0", "10":
		return tls.VersionTLS10, nil
	case "1.1", "11":
		return tls.VersionTLS11, nil
	case "1.2", "12":
		return tls.VersionTLS12, nil
	case "1.3", "13":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unknown TLS version %q", s)
	}
}

func (c *TransportConfig) dialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   c.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
}

// newTransport builds a fresh connection pool. proxy may be nil.
func (c *TransportConfig) newTransport(proxy *url.URL) *http.Transport {
	t := &http.Transport{
		DialContext:           c.dialer().DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   c.MaxIdleConnsPerHost,
		IdleConnTimeout:       c.IdleConnTimeout,
		TLSHandshakeTimeout:   c.ConnectTimeout,
		ExpectContinueTimeout: 5 * time.Second,
		// decoding is done by decompressTransport so that deflate is covered too
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			MinVersion:         c.MinTLSVersion,
			MaxVersion:         c.MaxTLSVersion,
			InsecureSkipVerify: c.InsecureSkipVerify,
		},
	}
	if proxy != nil {
		// user info embedded in the proxy URL becomes Proxy-Authorization
		t.Proxy = http.ProxyURL(proxy)
	}
	return t
}

func (c *TransportConfig) checkRedirect() func(*http.Request, []*http.Request) error {
	if c.DisableRedirects {
		return func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	limit := c.MaxRedirects
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= limit {
			return fmt.Errorf("stopped after %d redirects", limit)
		}
		return nil
	}
}

// lifetimeTransport bounds how long pooled connections are reused: once the
// current pool is older than lifetime it is replaced and its idle
// connections are closed. Connections still in use finish normally and then
// age out through IdleConnTimeout.
type lifetimeTransport struct {
	build    func() *http.Transport
	lifetime time.Duration
	cur      atomic.Pointer[transportGeneration]
}

type transportGeneration struct {
	t    *http.Transport
	born time.Time
}

func newLifetimeTransport(lifetime time.Duration, build func() *http.Transport) *lifetimeTransport {
	l := &lifetimeTransport{build: build, lifetime: lifetime}
	l.cur.Store(&transportGeneration{t: build(), born: time.Now()})
	return l
}

func (l *lifetimeTransport) current() *http.Transport {
	g := l.cur.Load()
	if l.lifetime <= 0 || time.Since(g.born) < l.lifetime {
		return g.t
	}
	ng := &transportGeneration{t: l.build(), born: time.Now()}
	if l.cur.CompareAndSwap(g, ng) {
		g.t.CloseIdleConnections()
		return ng.t
	}
	return l.cur.Load().t
}

func (l *lifetimeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return l.current().RoundTrip(req)
}

func (l *lifetimeTransport) CloseIdleConnections() {
	l.cur.Load().t.CloseIdleConnections()
}

// decompressTransport advertises the configured codings and decodes the
// response body accordingly, unless the caller chose its own Accept-Encoding.
type decompressTransport struct {
	next    http.RoundTripper
	methods DecompressionMethods
}

func (d *decompressTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if d.methods == 0 || req.Method == http.MethodHead || hasHeader(req.Header, "Accept-Encoding") || hasHeader(req.Header, "Range") {
		return d.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Accept-Encoding", d.methods.String())

	resp, err := d.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	var open func(io.Reader) (io.Reader, error)
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip", "x-gzip":
		if d.methods&DecompressGzip == 0 {
			return resp, nil
		}
		open = func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }
	case "deflate":
		if d.methods&DecompressDeflate == 0 {
			return resp, nil
		}
		open = func(r io.Reader) (io.Reader, error) { return zlib.NewReader(r) }
	default:
		return resp, nil
	}

	resp.Body = &decodingBody{body: resp.Body, open: open}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return resp, nil
}

func (d *decompressTransport) CloseIdleConnections() {
	if c, ok := d.next.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

// decodingBody opens the decoder lazily so that reading the coding header
// happens during body reading, not while headers are being received.
type decodingBody struct {
	body io.ReadCloser
	open func(io.Reader) (io.Reader, error)
	r    io.Reader
	err  error
}

func (b *decodingBody) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if b.r == nil {
		b.r, b.err = b.open(b.body)
		if b.err != nil {
			return 0, b.err
		}
	}
	return b.r.Read(p)
}

func (b *decodingBody) Close() error {
	return b.body.Close()
}

// hasHeader reports whether h holds name under any casing; headers copied
// verbatim from a Request are not canonicalized.
func hasHeader(h http.Header, name string) bool {
	for k := range h {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
