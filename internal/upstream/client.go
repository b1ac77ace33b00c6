// Package upstream talks to the application origin behind the edge gateway.
// It builds outbound requests, tracks origin health with a circuit breaker
// and reports every transport failure as ErrNetwork so strategies can fall
// back to cached or synthesized content.
package upstream

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/akmlabs5/loanledger-edge/internal/logging"
	"github.com/akmlabs5/loanledger-edge/internal/metrics"
)

// ErrNetwork marks a fetch that never produced an HTTP response: connection
// refused, DNS failure, reset, timeout or an open circuit.
var ErrNetwork = errors.New("origin unreachable")

// Fetcher performs a single origin round trip.
type Fetcher interface {
	Fetch(req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(req *http.Request) (*http.Response, error)

// Fetch calls f(req).
func (f FetcherFunc) Fetch(req *http.Request) (*http.Response, error) { return f(req) }

// Options tune a Client.
type Options struct {
	// Timeout bounds a single fetch. Zero means no timeout beyond the
	// request context.
	Timeout time.Duration
	// Breaker is optional.
	Breaker *Breaker
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// Client fetches from a single origin.
type Client struct {
	origin  *url.URL
	http    *http.Client
	breaker *Breaker
}

// hopHeaders are removed from outbound requests. Accept-Encoding is dropped
// so the transport negotiates compression itself and stored bodies are
// always decoded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Accept-Encoding",
}

// New creates a Client for origin, which must be an absolute http(s) URL
// without a path.
func New(origin string, opts Options) (*Client, error) {
	u, err := ParseOrigin(origin)
	if err != nil {
		return nil, err
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	c := &Client{
		origin: u,
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
			// Redirects belong to the browser.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		breaker: opts.Breaker,
	}
	if c.breaker != nil {
		c.breaker.OnChange(func(s BreakerState) {
			metrics.CircuitBreakerState.Set(float64(s))
		})
	}
	return c, nil
}

// ParseOrigin validates an origin URL.
func ParseOrigin(origin string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin %q must use http or https", origin)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("origin %q has no host", origin)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("origin %q must not carry a path", origin)
	}
	u.Path = ""
	return u, nil
}

// Origin returns a copy of the origin URL.
func (c *Client) Origin() *url.URL {
	u := *c.origin
	return &u
}

// Breaker returns the client's breaker, or nil.
func (c *Client) Breaker() *Breaker { return c.breaker }

// URL resolves path against the origin.
func (c *Client) URL(path string) string {
	u := c.Origin()
	ref, err := url.Parse(path)
	if err != nil {
		u.Path = path
		return u.String()
	}
	return u.ResolveReference(ref).String()
}

// Outbound builds the origin request for an inbound request. The inbound body
// is handed over, so r must not be read afterwards.
func (c *Client) Outbound(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	u := c.Origin()
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	out.URL = u
	out.Host = c.origin.Host
	out.RequestURI = ""

	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	if out.Header.Get("X-Forwarded-Host") == "" {
		out.Header.Set("X-Forwarded-Host", r.Host)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	return out
}

// Fetch performs req against the origin. Transport failures and an open
// circuit return an error wrapping ErrNetwork. Any HTTP response, whatever
// its status, is returned as-is.
func (c *Client) Fetch(req *http.Request) (*http.Response, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		metrics.OriginErrors.WithLabelValues("circuit_open").Inc()
		return nil, fmt.Errorf("%w: %w", ErrNetwork, ErrCircuitOpen)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// A caller that went away says nothing about origin health.
		if req.Context().Err() == nil && c.breaker != nil {
			c.breaker.RecordFailure()
		}
		metrics.OriginErrors.WithLabelValues("network").Inc()
		logging.FromContext(req.Context()).Debug("origin fetch failed",
			"method", req.Method, "url", req.URL.String(), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
	return resp, nil
}

// Proxy returns a streaming pass-through to the origin for requests that
// bypass caching.
func (c *Client) Proxy() *httputil.ReverseProxy {
	target := c.Origin()
	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		inboundHost := req.Host
		director(req)
		req.Host = target.Host
		if req.Header.Get("X-Forwarded-Host") == "" {
			req.Header.Set("X-Forwarded-Host", inboundHost)
		}
	}
	proxy.Transport = c.http.Transport
	proxy.ModifyResponse = func(resp *http.Response) error {
		resp.Header.Set("X-Edge-Cache", "BYPASS")
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logging.FromContext(r.Context()).Warn("origin proxy failed", "path", r.URL.Path, "error", err)
		metrics.OriginErrors.WithLabelValues("network").Inc()
		http.Error(w, "proxy error: "+err.Error(), http.StatusBadGateway)
	}
	return proxy
}
