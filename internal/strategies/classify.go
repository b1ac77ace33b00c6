package strategies

import (
	"net/http"
	"path"
	"strings"
)

// Kind is the strategy a request is routed to.
type Kind int

const (
	KindBypass Kind = iota
	KindNetworkFirst
	KindCacheFirst
	KindNetworkFirstOffline
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindBypass:
		return "bypass"
	case KindNetworkFirst:
		return "network-first"
	case KindCacheFirst:
		return "cache-first"
	case KindNetworkFirstOffline:
		return "network-first-offline"
	default:
		return "unknown"
	}
}

var staticExtensions = map[string]bool{
	".js": true, ".mjs": true, ".css": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true, ".webp": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".otf": true,
}

type rule struct {
	name  string
	match func(*http.Request) bool
	kind  Kind
}

// rules are evaluated in order; the first match wins. The final rule matches
// everything so classification is total.
var rules = []rule{
	{"non-get", func(r *http.Request) bool { return r.Method != http.MethodGet }, KindBypass},
	{"non-http", func(r *http.Request) bool { return r.URL.Scheme != "http" && r.URL.Scheme != "https" }, KindBypass},
	{"api", func(r *http.Request) bool { return strings.HasPrefix(r.URL.Path, "/api/") }, KindNetworkFirst},
	{"static", isStaticAsset, KindCacheFirst},
	{"page", func(*http.Request) bool { return true }, KindNetworkFirstOffline},
}

// Classify returns the strategy kind for req. req must carry an absolute URL.
func Classify(req *http.Request) Kind {
	for _, r := range rules {
		if r.match(req) {
			return r.kind
		}
	}
	return KindNetworkFirstOffline
}

func isStaticAsset(r *http.Request) bool {
	p := r.URL.Path
	if strings.HasPrefix(p, "/icons/") || p == "/manifest.json" {
		return true
	}
	return staticExtensions[strings.ToLower(path.Ext(p))]
}

// IsNavigation reports whether req is a top-level page navigation.
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}
