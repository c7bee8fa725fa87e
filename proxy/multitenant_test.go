package proxy

import (
	"net/http"
	"sync"
	"testing"

	"github.com/dinghy-proxy/dinghy/routing"
	"github.com/dinghy-proxy/dinghy/session"
)

type switchableSource struct {
	mu       sync.Mutex
	registry *routing.Registry
}

func (s *switchableSource) Registry() *routing.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry
}

func (s *switchableSource) set(r *routing.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = r
}

func multitenantProxy(t *testing.T) (*session.Store, string) {
	t.Helper()
	store := session.New(session.Options{})
	s, _ := serveProxy(t, Params{Sessions: store})
	return store, s.URL
}

func createTenant(t *testing.T, store *session.Store, targets ...routing.Target) *session.Session {
	t.Helper()
	sess, err := store.Create()
	if err != nil {
		t.Fatal(err)
	}

	for _, target := range targets {
		if err := sess.Registry.Add(target); err != nil {
			t.Fatal(err)
		}
	}

	return sess
}

func TestTokenInHeader(t *testing.T) {
	var captured capturedRequest
	backend := echoBackend(t, &captured)
	defer backend.Close()

	store, url := multitenantProxy(t)
	sess := createTenant(t, store, routing.Target{Name: "t1", Pattern: "/*", Origin: backend.URL})

	req, _ := http.NewRequest("GET", url+"/anything", nil)
	req.Header.Set("X-Proxy-Token", sess.Token)
	rsp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	rsp.Body.Close()

	if rsp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected forwarding, got %d", rsp.StatusCode)
	}

	if captured.Path != "/anything" {
		t.Errorf("expected path /anything at the backend, got %q", captured.Path)
	}
}

func TestTokenInQueryIsStripped(t *testing.T) {
	var captured capturedRequest
	backend := echoBackend(t, &captured)
	defer backend.Close()

	store, url := multitenantProxy(t)
	sess := createTenant(t, store, routing.Target{Name: "t1", Pattern: "/*", Origin: backend.URL})

	rsp, err := http.Get(url + "/anything?x=1&token=" + sess.Token + "&y=2")
	if err != nil {
		t.Fatal(err)
	}
	rsp.Body.Close()

	if rsp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected forwarding, got %d", rsp.StatusCode)
	}

	if captured.Query != "x=1&y=2" {
		t.Errorf("token must be stripped and the rest preserved, got %q", captured.Query)
	}
}

func TestTokenInPath(t *testing.T) {
	var captured capturedRequest
	backend := echoBackend(t, &captured)
	defer backend.Close()

	store, url := multitenantProxy(t)
	sess := createTenant(t, store, routing.Target{Name: "t1", Pattern: "/api/*", Origin: backend.URL})

	rsp, err := http.Get(url + "/t/" + sess.Token + "/api/users?x=1")
	if err != nil {
		t.Fatal(err)
	}
	rsp.Body.Close()

	if rsp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected forwarding, got %d", rsp.StatusCode)
	}

	if captured.Path != "/users" {
		t.Errorf("expected the remainder after the token rewritten, got %q", captured.Path)
	}

	if captured.Query != "x=1" {
		t.Errorf("expected query preserved, got %q", captured.Query)
	}
}

func TestEmptyTokenKeyStrippedWithPathToken(t *testing.T) {
	var captured capturedRequest
	backend := echoBackend(t, &captured)
	defer backend.Close()

	store, url := multitenantProxy(t)
	sess := createTenant(t, store, routing.Target{Name: "t1", Pattern: "/api/*", Origin: backend.URL})

	// the empty token key carries no token, extraction falls through
	// to the path form, but the key must not leak upstream
	rsp, err := http.Get(url + "/t/" + sess.Token + "/api/users?token=&x=1")
	if err != nil {
		t.Fatal(err)
	}
	rsp.Body.Close()

	if rsp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected forwarding via the path token, got %d", rsp.StatusCode)
	}

	if captured.Query != "x=1" {
		t.Errorf("the empty token key must be stripped, got %q", captured.Query)
	}
}

func TestHeaderTokenTakesPriority(t *testing.T) {
	var captured capturedRequest
	backend := echoBackend(t, &captured)
	defer backend.Close()

	store, url := multitenantProxy(t)
	sess := createTenant(t, store, routing.Target{Name: "t1", Pattern: "/**", Origin: backend.URL})

	// the query token is bogus; the header one must win, and with
	// header extraction the query is forwarded untouched
	req, _ := http.NewRequest("GET", url+"/x?token=ffffffffffffffffffffffffffffffff", nil)
	req.Header.Set("X-Proxy-Token", sess.Token)
	rsp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	rsp.Body.Close()

	if rsp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected the header token to be used, got %d", rsp.StatusCode)
	}

	if captured.Query != "token=ffffffffffffffffffffffffffffffff" {
		t.Errorf("header extraction must leave the query alone, got %q", captured.Query)
	}
}

func TestMissingToken(t *testing.T) {
	_, url := multitenantProxy(t)

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	rsp := getJSON(t, url+"/anything", &body)

	if rsp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rsp.StatusCode)
	}

	if body.Error != "Missing token" || body.Message == "" {
		t.Errorf("expected guidance on supplying a token, got %+v", body)
	}
}

func TestUnknownToken(t *testing.T) {
	_, url := multitenantProxy(t)

	req, _ := http.NewRequest("GET", url+"/anything", nil)
	req.Header.Set("X-Proxy-Token", "ffffffffffffffffffffffffffffffff")
	rsp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rsp.StatusCode)
	}
}

func TestTenantIsolation(t *testing.T) {
	var aHit, bHit capturedRequest
	aBackend := echoBackend(t, &aHit)
	defer aBackend.Close()
	bBackend := echoBackend(t, &bHit)
	defer bBackend.Close()

	store, url := multitenantProxy(t)
	a := createTenant(t, store, routing.Target{Name: "a", Pattern: "/**", Origin: aBackend.URL})
	createTenant(t, store, routing.Target{Name: "b", Pattern: "/**", Origin: bBackend.URL})

	req, _ := http.NewRequest("GET", url+"/shared/path", nil)
	req.Header.Set("X-Proxy-Token", a.Token)
	rsp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	rsp.Body.Close()

	if aHit.Path == "" {
		t.Error("tenant a's backend must serve tenant a's request")
	}

	if bHit.Path != "" {
		t.Error("tenant b's backend must not see tenant a's request")
	}
}

func TestTenantWithoutTargets(t *testing.T) {
	store, url := multitenantProxy(t)
	sess := createTenant(t, store)

	req, _ := http.NewRequest("GET", url+"/anything", nil)
	req.Header.Set("X-Proxy-Token", sess.Token)
	rsp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for a tenant without targets, got %d", rsp.StatusCode)
	}
}

func TestLookupKeepsSessionAlive(t *testing.T) {
	var captured capturedRequest
	backend := echoBackend(t, &captured)
	defer backend.Close()

	store, url := multitenantProxy(t)
	sess := createTenant(t, store, routing.Target{Name: "t1", Pattern: "/**", Origin: backend.URL})

	before := store.Peek(sess.Token).LastAccessed

	req, _ := http.NewRequest("GET", url+"/x", nil)
	req.Header.Set("X-Proxy-Token", sess.Token)
	rsp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	rsp.Body.Close()

	after := store.Peek(sess.Token).LastAccessed
	if after.Before(before) {
		t.Error("a forwarded request must refresh the session's last access time")
	}
}
