package upstream

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, 1, 10*time.Second)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("expected Allow=false when open")
	}
}

func TestBreaker_HalfOpenThenClosed(t *testing.T) {
	b := NewBreaker(1, 2, time.Millisecond)
	var transitions []BreakerState
	b.OnChange(func(s BreakerState) { transitions = append(transitions, s) })

	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open after cool-down, got %s", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open after one success, got %s", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after two successes, got %s", b.State())
	}
	want := []BreakerState{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, transitions)
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(1, 1, time.Millisecond)
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	_ = b.State()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after half_open failure, got %s", b.State())
	}
}

func TestParseOrigin(t *testing.T) {
	if _, err := ParseOrigin("https://app.loanledger.test"); err != nil {
		t.Fatalf("expected valid origin, got %v", err)
	}
	for _, bad := range []string{"ftp://x", "app.test", "http://x/prefix", "://"} {
		if _, err := ParseOrigin(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestOutbound_RewritesToOrigin(t *testing.T) {
	c, err := New("http://origin.internal:8080", Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	in := httptest.NewRequest(http.MethodGet, "http://edge.test/api/loans?status=open", nil)
	in.Header.Set("Connection", "keep-alive")
	in.Header.Set("Accept-Encoding", "gzip")
	in.Header.Set("Authorization", "Bearer user-token")

	out := c.Outbound(in)
	if out.URL.String() != "http://origin.internal:8080/api/loans?status=open" {
		t.Fatalf("unexpected outbound URL %s", out.URL)
	}
	if out.Host != "origin.internal:8080" {
		t.Errorf("expected origin host, got %s", out.Host)
	}
	if out.Header.Get("Connection") != "" || out.Header.Get("Accept-Encoding") != "" {
		t.Errorf("expected hop-by-hop headers stripped, got %v", out.Header)
	}
	if out.Header.Get("Authorization") != "Bearer user-token" {
		t.Errorf("expected end-to-end headers kept")
	}
	if out.Header.Get("X-Forwarded-Host") != "edge.test" {
		t.Errorf("expected X-Forwarded-Host edge.test, got %q", out.Header.Get("X-Forwarded-Host"))
	}
	if out.RequestURI != "" {
		t.Errorf("expected empty RequestURI on client request")
	}
}

func TestFetch_ReturnsAnyStatus(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "boom")
	}))
	defer origin.Close()

	b := NewBreaker(1, 1, time.Minute)
	c, _ := New(origin.URL, Options{Breaker: b})
	resp, err := c.Fetch(c.Outbound(httptest.NewRequest(http.MethodGet, "/api/x", nil)))
	if err != nil {
		t.Fatalf("expected response, got %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 passed through, got %d", resp.StatusCode)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected HTTP errors to leave breaker closed, got %s", b.State())
	}
}

func TestFetch_NetworkFailureOpensCircuit(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	url := origin.URL
	origin.Close()

	b := NewBreaker(1, 1, time.Minute)
	c, _ := New(url, Options{Breaker: b})

	_, err := c.Fetch(c.Outbound(httptest.NewRequest(http.MethodGet, "/", nil)))
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	_, err = c.Fetch(c.Outbound(httptest.NewRequest(http.MethodGet, "/", nil)))
	if !errors.Is(err, ErrNetwork) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrNetwork wrapping ErrCircuitOpen, got %v", err)
	}
}

func TestFetch_DoesNotFollowRedirects(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer origin.Close()

	c, _ := New(origin.URL, Options{})
	resp, err := c.Fetch(c.Outbound(httptest.NewRequest(http.MethodGet, "/dashboard", nil)))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 passed through, got %d", resp.StatusCode)
	}
}

func TestProxy_PassesThrough(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(append([]byte(r.Method+":"), body...))
	}))
	defer origin.Close()

	c, _ := New(origin.URL, Options{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/loans", strings.NewReader("{}"))
	c.Proxy().ServeHTTP(rec, req)

	if rec.Body.String() != "POST:{}" {
		t.Fatalf("unexpected proxied body %q", rec.Body.String())
	}
	if rec.Header().Get("X-Edge-Cache") != "BYPASS" {
		t.Fatalf("expected BYPASS marker, got %q", rec.Header().Get("X-Edge-Cache"))
	}
}

func TestProxy_OriginDown(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	url := origin.URL
	origin.Close()

	c, _ := New(url, Options{})
	rec := httptest.NewRecorder()
	c.Proxy().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/loans/1", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}
