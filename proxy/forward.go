package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	ot "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	"github.com/dinghy-proxy/dinghy/flowid"
	"github.com/dinghy-proxy/dinghy/logging"
	"github.com/dinghy-proxy/dinghy/metrics"
	"github.com/dinghy-proxy/dinghy/routing"
)

const (
	proxyBufferSize = 8192

	// handlers above this count reset the cache; they are cheap to
	// rebuild, the shared transport is what must not be duplicated
	handlerCacheLimit = 1024

	// statusClientClosedRequest is the non-standard status code used
	// when the client canceled the request before the upstream
	// response arrived.
	statusClientClosedRequest = 499
)

var hopHeaders = map[string]bool{
	"Te":                  true,
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// proxyError wraps errors during forwarding and carries the status code
// of the response sent from the main ServeHTTP method. handled marks
// errors for which a response was already written or must not be
// written.
type proxyError struct {
	err     error
	code    int
	handled bool
}

func (e *proxyError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("proxy error: %v", e.err)
	}

	code := e.code
	if code == 0 {
		code = http.StatusInternalServerError
	}

	return fmt.Sprintf("proxy error: %d", code)
}

func copyHeader(to, from http.Header) {
	for k, v := range from {
		to[http.CanonicalHeaderKey(k)] = v
	}
}

func cloneHeaderExcluding(h http.Header, excludeList map[string]bool) http.Header {
	hh := make(http.Header)
	for k, v := range h {
		// the http package keeps header names canonical, the
		// lookup below relies on that
		if !excludeList[k] {
			hh[http.CanonicalHeaderKey(k)] = v
		}
	}

	return hh
}

// copies a stream with flushing on every successful read operation
// (similar to io.Copy but with flushing)
func copyStream(to *logging.LoggingWriter, from io.Reader) error {
	b := make([]byte, proxyBufferSize)
	for {
		l, rerr := from.Read(b)
		if rerr != nil && rerr != io.EOF {
			return rerr
		}

		if l > 0 {
			if _, werr := to.Write(b[:l]); werr != nil {
				return werr
			}

			to.Flush()
		}

		if rerr == io.EOF {
			return nil
		}
	}
}

// ForwardHandler performs the upstream call for one target
// configuration. Handlers are cached by the target's fingerprint and
// share a single transport.
type ForwardHandler struct {
	target       routing.Target
	origin       *url.URL
	roundTripper http.RoundTripper
	proxyLog     logging.ProxyLog
	metrics      metrics.Metrics
	tracer       ot.Tracer
	flowId       flowid.Generator
}

// fingerprint derives the cache key of a target configuration. Any
// field change produces a different key, so a stale handler never
// serves outdated credentials.
func fingerprint(t *routing.Target) string {
	var b strings.Builder
	b.WriteString(t.Name)
	b.WriteByte(0)
	b.WriteString(t.Pattern)
	b.WriteByte(0)
	b.WriteString(t.Origin)
	b.WriteByte(0)
	b.WriteString(t.CookieHeader)

	keys := make([]string, 0, len(t.ExtraHeaders))
	for k := range t.ExtraHeaders {
		keys = append(keys, k)
	}

	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte(0)
		b.WriteString(t.ExtraHeaders[k])
	}

	return b.String()
}

type handlerCache struct {
	mu       sync.Mutex
	handlers map[string]*ForwardHandler
}

func newHandlerCache() *handlerCache {
	return &handlerCache{handlers: make(map[string]*ForwardHandler)}
}

func (c *handlerCache) get(key string) *ForwardHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[key]
}

func (c *handlerCache) put(key string, h *ForwardHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.handlers) >= handlerCacheLimit {
		c.handlers = make(map[string]*ForwardHandler)
	}

	c.handlers[key] = h
}

// handlerFor returns the cached forwarding handler of a target
// configuration, building it on a cache miss. An invalid origin is a
// registration bug surfaced as an internal error.
func (p *Proxy) handlerFor(t *routing.Target) (*ForwardHandler, error) {
	key := fingerprint(t)
	if h := p.handlers.get(key); h != nil {
		return h, nil
	}

	u, err := url.Parse(t.Origin)
	if err != nil {
		return nil, &proxyError{err: fmt.Errorf("invalid origin %s: %w", t.Origin, err), code: http.StatusInternalServerError}
	}

	h := &ForwardHandler{
		target:       *t,
		origin:       u,
		roundTripper: p.roundTripper,
		proxyLog:     p.proxyLog,
		metrics:      p.metrics,
		tracer:       p.tracing.tracer,
		flowId:       p.flowId,
	}

	p.handlers.put(key, h)
	return h, nil
}

// mapRequest creates the outgoing request: method and body verbatim,
// the target URL composed of the origin, the rewritten path and the
// remaining query string, hop-by-hop headers removed and the target's
// credentials injected.
func (h *ForwardHandler) mapRequest(r *http.Request, rewrittenPath, rawQuery string) (*http.Request, error) {
	u := *h.origin
	u.Path = strings.TrimRight(u.Path, "/") + rewrittenPath
	u.RawQuery = rawQuery

	rr, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), r.Body)
	if err != nil {
		return nil, err
	}

	rr.ContentLength = r.ContentLength
	rr.Header = cloneHeaderExcluding(r.Header, hopHeaders)
	rr.Host = u.Host

	if h.target.CookieHeader != "" {
		// credential injection, not cookie pass-through
		rr.Header.Set("Cookie", h.target.CookieHeader)
	}

	for k, v := range h.target.ExtraHeaders {
		rr.Header.Set(k, v)
	}

	if rr.Header.Get(flowid.HeaderName) == "" {
		rr.Header.Set(flowid.HeaderName, h.flowId.MustGenerate())
	}

	return rr, nil
}

// Forward performs the single upstream call of a request and relays the
// response. There are no retries, a failed call fails the request.
func (h *ForwardHandler) Forward(lw *logging.LoggingWriter, r *http.Request, rewrittenPath, rawQuery string) error {
	start := time.Now()
	h.proxyLog.LogRequest(r.Method, r.URL.Path, rewrittenPath, h.target.Name, h.target.Origin, r.Header)

	rr, err := h.mapRequest(r, rewrittenPath, rawQuery)
	if err != nil {
		return &proxyError{err: fmt.Errorf("mapping request: %w", err), code: http.StatusInternalServerError}
	}

	var span ot.Span
	if parent := ot.SpanFromContext(r.Context()); parent != nil {
		span = h.tracer.StartSpan("forward", ot.ChildOf(parent.Context()))
	} else {
		span = h.tracer.StartSpan("forward")
	}

	ext.SpanKindRPCClient.Set(span)
	ext.HTTPUrl.Set(span, rr.URL.String())
	ext.HTTPMethod.Set(span, rr.Method)
	span.SetTag("target", h.target.Name)
	defer span.Finish()

	_ = h.tracer.Inject(span.Context(), ot.HTTPHeaders, ot.HTTPHeadersCarrier(rr.Header))

	rsp, err := h.roundTripper.RoundTrip(rr)
	h.metrics.MeasureBackend(h.target.Name, start)

	if err != nil {
		ext.Error.Set(span, true)
		h.proxyLog.LogError(r.Method, r.URL.Path, h.target.Name, err)

		if r.Context().Err() == context.Canceled {
			return &proxyError{err: err, code: statusClientClosedRequest, handled: true}
		}

		h.metrics.IncErrorsBackend(h.target.Name)
		return &proxyError{err: err, code: http.StatusBadGateway}
	}

	defer rsp.Body.Close()
	ext.HTTPStatusCode.Set(span, uint16(rsp.StatusCode))

	copyHeader(lw.Header(), rsp.Header)
	lw.WriteHeader(rsp.StatusCode)

	if err := copyStream(lw, rsp.Body); err != nil {
		// the header already reached the client, only report
		h.metrics.IncErrorsStreaming(h.target.Name)
		h.proxyLog.LogError(r.Method, r.URL.Path, h.target.Name, err)
		return nil
	}

	h.proxyLog.LogResponse(r.Method, r.URL.Path, h.target.Name, rsp.StatusCode, time.Since(start))
	return nil
}

// sendError writes a machine readable error response, unless a response
// was already started.
func sendError(lw *logging.LoggingWriter, code int, body map[string]interface{}) {
	if lw.Written() {
		return
	}

	lw.Header().Set("Content-Type", "application/json")
	lw.WriteHeader(code)
	_ = json.NewEncoder(lw).Encode(body)
}
