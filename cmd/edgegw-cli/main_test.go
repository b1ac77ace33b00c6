package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, origin, dbPath string) string {
	t.Helper()
	data := fmt.Sprintf("version: v2\norigin: %s\nstorage:\n  driver: sqlite\n  dsn: %s\n", origin, dbPath)
	path := filepath.Join(t.TempDir(), "edge.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, "http://app:3000", "cache.db")
	out, err := run(t, "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "Config is valid") || !strings.Contains(out, "Version:   v2") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestValidate_Invalid(t *testing.T) {
	path := writeConfig(t, "ftp://app", "cache.db")
	if _, err := run(t, "validate", path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "edgegw-cli ") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSyncTags(t *testing.T) {
	out, err := run(t, "sync-tags")
	if err != nil {
		t.Fatalf("sync-tags: %v", err)
	}
	if !strings.Contains(out, "sync-offline-actions") {
		t.Fatalf("expected offline actions tag, got:\n%s", out)
	}
}

func TestPrecacheListClear(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "asset "+r.URL.Path)
	}))
	defer origin.Close()
	cfgPath := writeConfig(t, origin.URL, filepath.Join(t.TempDir(), "cache.db"))

	out, err := run(t, "--config", cfgPath, "precache")
	if err != nil {
		t.Fatalf("precache: %v", err)
	}
	if !strings.Contains(out, "Installed v2: 5 asset(s)") {
		t.Fatalf("unexpected precache output %q", out)
	}

	out, err = run(t, "--config", cfgPath, "stores", "list")
	if err != nil {
		t.Fatalf("stores list: %v", err)
	}
	if !strings.Contains(out, "v2-static") || !strings.Contains(out, " 5 *") {
		t.Fatalf("unexpected stores output:\n%s", out)
	}

	out, err = run(t, "--config", cfgPath, "stores", "clear")
	if err != nil {
		t.Fatalf("stores clear: %v", err)
	}
	if !strings.Contains(out, "Cleared 1 store(s).") {
		t.Fatalf("unexpected clear output %q", out)
	}

	out, err = run(t, "--config", cfgPath, "stores", "list")
	if err != nil {
		t.Fatalf("stores list: %v", err)
	}
	if !strings.Contains(out, "No cache stores.") {
		t.Fatalf("expected no stores, got:\n%s", out)
	}
}
