package strategies

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/akmlabs5/loanledger-edge/internal/cache"
	"github.com/akmlabs5/loanledger-edge/internal/upstream"
)

const origin = "http://origin.test"

type mockFetcher struct {
	mu     sync.Mutex
	status int
	body   string
	header http.Header
	err    error
	calls  int
}

func (m *mockFetcher) Fetch(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	body := m.body
	if body == "" {
		body = "body of " + req.URL.Path
	}
	header := http.Header{"Content-Type": []string{"text/plain"}}
	for k, vs := range m.header {
		header[k] = vs
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

func (m *mockFetcher) offline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = fmt.Errorf("%w: connection refused", upstream.ErrNetwork)
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestSet(t *testing.T, storage cache.Storage, f upstream.Fetcher) *Set {
	t.Helper()
	set, err := NewSet(context.Background(), storage, f, "v1", DefaultLimits, origin+"/offline.html")
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	return set
}

func get(path string) *http.Request {
	return httptest.NewRequest(http.MethodGet, origin+path, nil)
}

func navigate(path string) *http.Request {
	r := get(path)
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	r.Header.Set("Accept", "text/html,application/xhtml+xml")
	return r
}

func handle(t *testing.T, set *Set, req *http.Request) (*Result, string) {
	t.Helper()
	st, ok := set.For(Classify(req))
	if !ok {
		t.Fatalf("no strategy for %s", req.URL)
	}
	res, err := st.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("handle %s: %v", req.URL, err)
	}
	body, _ := io.ReadAll(res.Response.Body)
	return res, string(body)
}

func TestNetworkFirst_WritesThrough(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemory()
	f := &mockFetcher{body: `{"total":3}`}
	set := newTestSet(t, storage, f)

	res, body := handle(t, set, get("/api/portfolio/summary"))
	if res.Source != SourceNetwork || body != `{"total":3}` {
		t.Fatalf("expected live network response, got %s %q", res.Source, body)
	}

	api, _ := storage.Open(ctx, "v1-api")
	e, ok, _ := api.Match(ctx, "GET "+origin+"/api/portfolio/summary")
	if !ok {
		t.Fatal("expected response to be present in v1-api")
	}
	if string(e.Body) != `{"total":3}` {
		t.Errorf("unexpected cached body %q", e.Body)
	}
}

func TestNetworkFirst_OfflineServesCache(t *testing.T) {
	f := &mockFetcher{body: `{"loans":[]}`}
	set := newTestSet(t, cache.NewMemory(), f)
	handle(t, set, get("/api/loans"))

	f.offline()
	res, body := handle(t, set, get("/api/loans"))
	if res.Source != SourceCache || body != `{"loans":[]}` {
		t.Fatalf("expected cached copy, got %s %q", res.Source, body)
	}
	if res.Response.StatusCode != http.StatusOK {
		t.Errorf("expected cached status 200, got %d", res.Response.StatusCode)
	}
}

func TestNetworkFirst_OfflineMissReturnsJSON503(t *testing.T) {
	f := &mockFetcher{}
	f.offline()
	set := newTestSet(t, cache.NewMemory(), f)

	res, body := handle(t, set, get("/api/portfolio/summary"))
	if res.Response.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Response.StatusCode)
	}
	if body != `{"error":"You are currently offline. Some features may be unavailable."}` {
		t.Fatalf("unexpected body %q", body)
	}
	if ct := res.Response.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
}

func TestNetworkFirst_ErrorStatusNotCached(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemory()
	f := &mockFetcher{status: http.StatusInternalServerError}
	set := newTestSet(t, storage, f)

	res, _ := handle(t, set, get("/api/loans"))
	if res.Response.StatusCode != http.StatusInternalServerError || res.Source != SourceNetwork {
		t.Fatalf("expected origin 500 passed through, got %d %s", res.Response.StatusCode, res.Source)
	}
	if has, _ := storage.Has(ctx, "v1-api"); has {
		t.Fatal("expected no store to be created for an error response")
	}
}

func TestNetworkFirst_CacheControlPreventsStore(t *testing.T) {
	tests := []struct {
		name     string
		response string
		request  string
	}{
		{"response no-store", "no-store", ""},
		{"response private", "private, max-age=60", ""},
		{"private with field list", `private="Set-Cookie"`, ""},
		{"directive case", "No-Store", ""},
		{"request no-store", "", "no-store"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			storage := cache.NewMemory()
			f := &mockFetcher{header: http.Header{}}
			if tt.response != "" {
				f.header.Set("Cache-Control", tt.response)
			}
			set := newTestSet(t, storage, f)

			req := get("/api/account")
			if tt.request != "" {
				req.Header.Set("Cache-Control", tt.request)
			}
			res, _ := handle(t, set, req)
			if res.Source != SourceNetwork || res.Response.StatusCode != http.StatusOK {
				t.Fatalf("expected live 200, got %s %d", res.Source, res.Response.StatusCode)
			}
			if has, _ := storage.Has(ctx, "v1-api"); has {
				t.Fatal("expected response to stay out of v1-api")
			}
		})
	}
}

func TestNetworkFirst_PublicCacheControlStored(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemory()
	f := &mockFetcher{header: http.Header{"Cache-Control": []string{"public, max-age=60"}}}
	set := newTestSet(t, storage, f)

	handle(t, set, get("/api/rates"))
	api, _ := storage.Open(ctx, "v1-api")
	if n, _ := api.Len(ctx); n != 1 {
		t.Fatalf("expected 1 entry, got %d", n)
	}
}

func TestNetworkFirst_OfflineCacheScopedToCredentials(t *testing.T) {
	f := &mockFetcher{body: `{"owner":"alice"}`}
	set := newTestSet(t, cache.NewMemory(), f)

	alice := get("/api/profile")
	alice.Header.Set("Authorization", "Bearer alice")
	handle(t, set, alice)

	f.offline()
	res, body := handle(t, set, alice.Clone(context.Background()))
	if res.Source != SourceCache || body != `{"owner":"alice"}` {
		t.Fatalf("expected alice's cached copy, got %s %q", res.Source, body)
	}

	bob := get("/api/profile")
	bob.Header.Set("Authorization", "Bearer bob")
	anon := get("/api/profile")
	for _, req := range []*http.Request{bob, anon} {
		res, body := handle(t, set, req)
		if res.Source != SourceOffline || body != OfflineAPIBody {
			t.Fatalf("expected offline placeholder for %q, got %s %q", req.Header.Get("Authorization"), res.Source, body)
		}
	}
}

func TestNetworkFirstOffline_PagesScopedToCookie(t *testing.T) {
	f := &mockFetcher{body: "<html>inbox</html>"}
	set := newTestSet(t, cache.NewMemory(), f)

	page := func(cookie string) *http.Request {
		r := get("/inbox")
		r.Header.Set("Cookie", cookie)
		return r
	}
	handle(t, set, page("session=a"))

	f.offline()
	if res, body := handle(t, set, page("session=a")); res.Source != SourceCache || body != "<html>inbox</html>" {
		t.Fatalf("expected cached page for the same cookie, got %s %q", res.Source, body)
	}
	if res, body := handle(t, set, page("session=b")); res.Source != SourceOffline || body != OfflineTextBody {
		t.Fatalf("expected offline text for another cookie, got %s %q", res.Source, body)
	}
}

func TestSet_RetireDropsWrites(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemory()
	f := &mockFetcher{}
	set := newTestSet(t, storage, f)
	set.Retire()

	res, _ := handle(t, set, get("/api/loans"))
	if res.Source != SourceNetwork {
		t.Fatalf("expected live response from a retired set, got %s", res.Source)
	}
	handle(t, set, get("/dashboard"))
	for _, name := range []string{"v1-api", "v1-dynamic"} {
		if has, _ := storage.Has(ctx, name); has {
			t.Fatalf("expected retired set not to create %s", name)
		}
	}
}

func TestNetworkFirst_BoundedAt50(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemory()
	set := newTestSet(t, storage, &mockFetcher{})

	for i := 0; i < 60; i++ {
		handle(t, set, get(fmt.Sprintf("/api/loans/%d", i)))
	}
	api, _ := storage.Open(ctx, "v1-api")
	n, _ := api.Len(ctx)
	if n != 50 {
		t.Fatalf("expected 50 entries, got %d", n)
	}
	keys, _ := api.Keys(ctx)
	if keys[0] != "GET "+origin+"/api/loans/10" {
		t.Fatalf("expected oldest surviving entry loans/10, got %s", keys[0])
	}
}

func TestNetworkFirst_ConcurrentWritesStayBounded(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemory()
	set := newTestSet(t, storage, &mockFetcher{})
	st, _ := set.For(KindNetworkFirst)

	var wg sync.WaitGroup
	for i := 0; i < 120; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := st.Handle(ctx, get(fmt.Sprintf("/api/x/%d", i)))
			if err == nil {
				_ = res.Response.Body.Close()
			}
		}(i)
	}
	wg.Wait()

	api, _ := storage.Open(ctx, "v1-api")
	if n, _ := api.Len(ctx); n != 50 {
		t.Fatalf("expected 50 entries after concurrent writes, got %d", n)
	}
}

func TestCacheFirst_SingleNetworkCall(t *testing.T) {
	f := &mockFetcher{body: "body{}"}
	set := newTestSet(t, cache.NewMemory(), f)

	for i := 0; i < 10; i++ {
		_, body := handle(t, set, get("/assets/app.css"))
		if body != "body{}" {
			t.Fatalf("unexpected body %q on call %d", body, i)
		}
	}
	if f.callCount() != 1 {
		t.Fatalf("expected 1 network call, got %d", f.callCount())
	}
}

func TestCacheFirst_NetworkErrorPropagates(t *testing.T) {
	f := &mockFetcher{}
	f.offline()
	set := newTestSet(t, cache.NewMemory(), f)

	st, _ := set.For(KindCacheFirst)
	_, err := st.Handle(context.Background(), get("/icons/icon-512x512.png"))
	if !errors.Is(err, upstream.ErrNetwork) {
		t.Fatalf("expected ErrNetwork to propagate, got %v", err)
	}
}

func TestCacheFirst_Unbounded(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemory()
	set := newTestSet(t, storage, &mockFetcher{})
	for i := 0; i < 150; i++ {
		handle(t, set, get(fmt.Sprintf("/chunks/%d.js", i)))
	}
	static, _ := storage.Open(ctx, "v1-static")
	if n, _ := static.Len(ctx); n != 150 {
		t.Fatalf("expected 150 static entries, got %d", n)
	}
}

func TestNetworkFirstOffline_BoundedAt100(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemory()
	set := newTestSet(t, storage, &mockFetcher{})

	for i := 0; i < 130; i++ {
		handle(t, set, navigate(fmt.Sprintf("/loans/%d", i)))
	}
	dynamic, _ := storage.Open(ctx, "v1-dynamic")
	if n, _ := dynamic.Len(ctx); n != 100 {
		t.Fatalf("expected 100 entries, got %d", n)
	}
}

func TestNetworkFirstOffline_NavigationGetsOfflinePage(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemory()
	static, _ := storage.Open(ctx, "v1-static")
	_ = static.Put(ctx, &cache.Entry{
		Key:    "GET " + origin + "/offline.html",
		Method: http.MethodGet,
		URL:    origin + "/offline.html",
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/html"}},
		Body:   []byte("<h1>You are offline</h1>"),
	})

	f := &mockFetcher{}
	f.offline()
	set := newTestSet(t, storage, f)

	res, body := handle(t, set, navigate("/facilities"))
	if res.Source != SourceFallback {
		t.Fatalf("expected offline document, got %s", res.Source)
	}
	if res.Response.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 as stored, got %d", res.Response.StatusCode)
	}
	if body != "<h1>You are offline</h1>" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestNetworkFirstOffline_NonNavigationGetsText503(t *testing.T) {
	f := &mockFetcher{}
	f.offline()
	set := newTestSet(t, cache.NewMemory(), f)

	req := get("/reports/export")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	res, body := handle(t, set, req)
	if res.Response.StatusCode != http.StatusServiceUnavailable || body != "Offline - Content not available" {
		t.Fatalf("unexpected fallback %d %q", res.Response.StatusCode, body)
	}
	if ct := res.Response.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("expected text/plain, got %q", ct)
	}
}

func TestNetworkFirstOffline_CachedPageWinsOverOfflineDoc(t *testing.T) {
	f := &mockFetcher{body: "<h1>Dashboard</h1>"}
	set := newTestSet(t, cache.NewMemory(), f)
	handle(t, set, navigate("/dashboard"))

	f.offline()
	res, body := handle(t, set, navigate("/dashboard"))
	if res.Source != SourceCache || body != "<h1>Dashboard</h1>" {
		t.Fatalf("expected cached page, got %s %q", res.Source, body)
	}
}

func TestNetworkFirstOffline_MissingOfflineDocFallsBackToText(t *testing.T) {
	f := &mockFetcher{}
	f.offline()
	set := newTestSet(t, cache.NewMemory(), f)

	res, body := handle(t, set, navigate("/"))
	if res.Response.StatusCode != http.StatusServiceUnavailable || body != OfflineTextBody {
		t.Fatalf("expected text 503, got %d %q", res.Response.StatusCode, body)
	}
}

func TestSet_NoBypassStrategy(t *testing.T) {
	set := newTestSet(t, cache.NewMemory(), &mockFetcher{})
	if _, ok := set.For(KindBypass); ok {
		t.Fatal("expected no strategy for bypass")
	}
	if set.Names().API != "v1-api" {
		t.Fatalf("unexpected api store name %s", set.Names().API)
	}
}
