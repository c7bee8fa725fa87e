package targetfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dinghy-proxy/dinghy/logging/loggingtest"
)

const testFile = `
targets:
- name: api
  pattern: /api/*
  origin: https://api.example.com
  cookie: session=abc123
  headers:
    Authorization: Bearer xyz
- name: fallback
  pattern: /*
  origin: https://fallback.example.com
`

func writeFile(t *testing.T, dir, content string) string {
	t.Helper()
	name := filepath.Join(dir, "targets.yaml")
	if err := os.WriteFile(name, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	return name
}

func TestOpen(t *testing.T) {
	name := writeFile(t, t.TempDir(), testFile)
	l := loggingtest.New()
	defer l.Close()

	c, err := Open(name, l)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	r := c.Registry()
	if r.Len() != 2 {
		t.Fatalf("expected 2 targets, got %d", r.Len())
	}

	got := r.Resolve("/api/users")
	if got == nil || got.Name != "api" {
		t.Fatalf("expected target 'api', got %v", got)
	}

	if got.CookieHeader != "session=abc123" {
		t.Errorf("unexpected cookie header: %q", got.CookieHeader)
	}

	if got.ExtraHeaders["Authorization"] != "Bearer xyz" {
		t.Errorf("unexpected extra headers: %v", got.ExtraHeaders)
	}
}

func TestOpenMissingFile(t *testing.T) {
	l := loggingtest.New()
	defer l.Close()

	if _, err := Open(filepath.Join(t.TempDir(), "missing.yaml"), l); err == nil {
		t.Error("expected error for missing file in static mode")
	}
}

func TestOpenInvalidTargets(t *testing.T) {
	name := writeFile(t, t.TempDir(), `
targets:
- name: bad
  pattern: no-leading-slash
  origin: https://x.test
`)
	l := loggingtest.New()
	defer l.Close()

	if _, err := Open(name, l); err == nil {
		t.Error("expected error for invalid pattern in static mode")
	}
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	name := writeFile(t, dir, testFile)
	l := loggingtest.New()
	defer l.Close()

	c := Watch(name, l)
	defer c.Close()

	if c.Registry().Len() != 2 {
		t.Fatal("initial load failed")
	}

	// mtime resolution on some file systems is a full second
	past := time.Now().Add(-2 * time.Second)
	if err := os.WriteFile(name, []byte(`
targets:
- name: single
  pattern: /**
  origin: https://single.example.com
`), 0600); err != nil {
		t.Fatal(err)
	}
	_ = os.Chtimes(name, past, past)

	r := c.Registry()
	if r.Len() != 1 {
		t.Fatalf("expected reload to 1 target, got %d", r.Len())
	}

	if got := r.Resolve("/anything"); got == nil || got.Name != "single" {
		t.Fatalf("expected target 'single', got %v", got)
	}
}

func TestWatchKeepsLastGoodOnCorruptReload(t *testing.T) {
	dir := t.TempDir()
	name := writeFile(t, dir, testFile)
	l := loggingtest.New()
	defer l.Close()

	c := Watch(name, l)
	defer c.Close()

	past := time.Now().Add(-2 * time.Second)
	if err := os.WriteFile(name, []byte("{{not yaml"), 0600); err != nil {
		t.Fatal(err)
	}
	_ = os.Chtimes(name, past, past)

	if c.Registry().Len() != 2 {
		t.Error("corrupt reload must keep the previous registry")
	}

	if err := l.WaitFor("keeping previous targets", time.Second); err != nil {
		t.Error("expected reload failure to be logged")
	}
}

func TestWatchMissingFileStartsEmpty(t *testing.T) {
	l := loggingtest.New()
	defer l.Close()

	c := Watch(filepath.Join(t.TempDir(), "missing.yaml"), l)
	defer c.Close()

	if c.Registry().Len() != 0 {
		t.Error("missing file in watch mode must yield an empty registry")
	}
}
