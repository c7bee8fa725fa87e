// Package proxytest provides a reusable test harness serving a proxy
// instance over httptest.
package proxytest

import (
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/dinghy-proxy/dinghy/logging"
	"github.com/dinghy-proxy/dinghy/logging/loggingtest"
	"github.com/dinghy-proxy/dinghy/proxy"
	"github.com/dinghy-proxy/dinghy/routing"
)

// TestProxy is a started proxy instance.
type TestProxy struct {
	URL string
	Log *loggingtest.Logger

	proxy  *proxy.Proxy
	server *httptest.Server
}

// TestClient wraps the server's client.
type TestClient struct {
	*http.Client
}

type staticSource struct {
	registry *routing.Registry
}

func (s staticSource) Registry() *routing.Registry { return s.registry }

// Source wraps a fixed registry as a registry source.
func Source(r *routing.Registry) proxy.RegistrySource {
	return staticSource{r}
}

// WithParams starts a test proxy with the given params. The forwarding
// log is routed into the returned test logger.
func WithParams(p proxy.Params) *TestProxy {
	tl := loggingtest.New()
	if p.ProxyLog == nil {
		p.ProxyLog = &logging.DefaultProxyLog{Log: tl}
	}

	pr := proxy.WithParams(p)
	server := httptest.NewServer(pr)

	return &TestProxy{
		URL:    server.URL,
		Log:    tl,
		proxy:  pr,
		server: server,
	}
}

// WithRegistry starts a single tenant test proxy serving the given
// registry.
func WithRegistry(r *routing.Registry) *TestProxy {
	return WithParams(proxy.Params{TargetSource: Source(r)})
}

// Client returns a client for the test proxy.
func (p *TestProxy) Client() *TestClient {
	return &TestClient{p.server.Client()}
}

// Close shuts the harness down.
func (p *TestProxy) Close() error {
	p.Log.Close()
	p.server.Close()
	return p.proxy.Close()
}

// GetBody issues a GET to the specified URL, reads and closes the
// response body and returns the response, the body bytes and the error
// if any.
func (c *TestClient) GetBody(url string) (rsp *http.Response, body []byte, err error) {
	rsp, err = c.Get(url)
	if err != nil {
		return
	}
	defer rsp.Body.Close()

	body, err = io.ReadAll(rsp.Body)
	return
}
