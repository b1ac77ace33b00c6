package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Entry is a captured response snapshot stored under a request identity.
type Entry struct {
	Key      string      `json:"key" msgpack:"key"`
	Method   string      `json:"method" msgpack:"method"`
	URL      string      `json:"url" msgpack:"url"`
	Status   int         `json:"status" msgpack:"status"`
	Header   http.Header `json:"header" msgpack:"header"`
	Body     []byte      `json:"body" msgpack:"body"`
	Seq      int64       `json:"seq" msgpack:"seq"` // insertion order, assigned by the store
	StoredAt time.Time   `json:"stored_at" msgpack:"stored_at"`
}

// Key builds the request identity used as the cache key: method and
// absolute URL.
func Key(method, url string) string {
	return strings.ToUpper(method) + " " + url
}

// RequestKey returns the cache key for req.
func RequestKey(req *http.Request) string {
	return Key(req.Method, req.URL.String())
}

// credentialHeaders identify the user a response may be private to.
var credentialHeaders = []string{"Authorization", "Cookie"}

// PartitionedKey returns the cache key for req scoped to the credentials it
// carries: the request key followed by a sha256 of its Authorization and
// Cookie values. A request without credentials gets the plain RequestKey.
func PartitionedKey(req *http.Request) string {
	key := RequestKey(req)
	h := sha256.New()
	found := false
	for _, name := range credentialHeaders {
		for _, v := range req.Header.Values(name) {
			found = true
			h.Write([]byte(name))
			h.Write([]byte{0})
			h.Write([]byte(v))
			h.Write([]byte{0})
		}
	}
	if !found {
		return key
	}
	return key + " #" + hex.EncodeToString(h.Sum(nil))
}

// Snapshot buffers resp's body and returns an Entry for req. The body of resp
// is replaced with an equivalent reader so the live response can still be
// delivered to the caller.
func Snapshot(req *http.Request, resp *http.Response) (*Entry, error) {
	var body []byte
	if resp.Body != nil {
		b, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		body = b
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))

	return &Entry{
		Key:      RequestKey(req),
		Method:   req.Method,
		URL:      req.URL.String(),
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Response rebuilds an *http.Response from the entry. Each call returns an
// independent body reader.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
