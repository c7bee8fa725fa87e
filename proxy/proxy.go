/*
Package proxy implements the forwarding engine: the top level request
handler resolving the tenant and the target of each request, and the
cached per target forwarding handlers injecting credentials and relaying
upstream responses.
*/
package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"time"

	ot "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	"github.com/dinghy-proxy/dinghy/flowid"
	"github.com/dinghy-proxy/dinghy/logging"
	"github.com/dinghy-proxy/dinghy/metrics"
	"github.com/dinghy-proxy/dinghy/pattern"
	"github.com/dinghy-proxy/dinghy/routing"
	"github.com/dinghy-proxy/dinghy/session"
)

const (
	// DefaultTokenHeader carries the session token explicitly.
	DefaultTokenHeader = "X-Proxy-Token"

	// DefaultTokenQueryParam carries the session token in the query
	// string. It is stripped before forwarding.
	DefaultTokenQueryParam = "token"

	// DefaultInternalPrefix is reserved for the management API and
	// never a forwarding candidate.
	DefaultInternalPrefix = "/_dinghy/"

	// tokenPathPrefix starts the path form /t/{token}/...
	tokenPathPrefix = "/t/"

	// The default value set for http.Transport.MaxIdleConnsPerHost.
	DefaultIdleConnsPerHost = 64

	// The default period at which the idle connections are forcibly
	// closed.
	DefaultCloseIdleConnsPeriod = 20 * time.Second
)

// Flags control the behavior of the proxy.
type Flags uint

const (
	FlagsNone Flags = 0

	// Insecure causes the proxy to ignore the verification of
	// the TLS certificates of the upstream services.
	Insecure Flags = 1 << iota
)

// Insecure reports whether upstream TLS verification is skipped.
func (f Flags) Insecure() bool { return f&Insecure != 0 }

// RegistrySource provides the current target registry. In dynamic
// operation mode the source may reload its configuration on every call.
type RegistrySource interface {
	Registry() *routing.Registry
}

// Params to initialize a proxy. Either TargetSource (single tenant) or
// Sessions (multi tenant) must be set.
type Params struct {

	// TargetSource provides the registry of the single tenant mode.
	TargetSource RegistrySource

	// Sessions enables the multi tenant mode.
	Sessions *session.Store

	// TokenHeader overrides the header carrying the session token.
	TokenHeader string

	// TokenQueryParam overrides the query parameter carrying the
	// session token.
	TokenQueryParam string

	// InternalPrefix overrides the reserved path prefix.
	InternalPrefix string

	// Control flags. See the Flags values.
	Flags Flags

	// ProxyLog observes every forwarding attempt. Defaults to
	// logging over the application log.
	ProxyLog logging.ProxyLog

	// When set, no access log is printed. A tenant's LogOverride
	// takes precedence for its own requests.
	AccessLogDisabled bool

	// Metrics collects the proxy measurements. Defaults to the
	// no-op implementation.
	Metrics metrics.Metrics

	// OpenTracing holds the tracer. Defaults to the noop tracer.
	OpenTracing ot.Tracer

	// FlowIdGenerator tags forwarded requests lacking an X-Flow-Id
	// header. Defaults to the ULID generator.
	FlowIdGenerator flowid.Generator

	// Timeout is the dial timeout of upstream connections. Zero
	// means no timeout.
	Timeout time.Duration

	// KeepAlive of upstream TCP connections.
	KeepAlive time.Duration

	// TLSHandshakeTimeout of upstream connections.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout limits the wait for an upstream
	// response. The default is zero, no timeout, matching
	// interactive development use.
	ResponseHeaderTimeout time.Duration

	// Same as net/http.Transport.MaxIdleConnsPerHost, defaults to
	// 64.
	IdleConnectionsPerHost int

	// MaxIdleConns limits the idle connections to all upstreams, 0
	// means no limit.
	MaxIdleConns int

	// Defines the time period of how often the idle connections are
	// forcibly closed. The default is 20 seconds. When set to less
	// than 0, the proxy doesn't force closing the idle connections.
	CloseIdleConnsPeriod time.Duration
}

type proxyTracing struct {
	tracer               ot.Tracer
	initialOperationName string
}

// Proxy instances implement the forwarding functionality. For
// initializing, see WithParams and Params.
type Proxy struct {
	registrySource    RegistrySource
	sessions          *session.Store
	tokenHeader       string
	tokenQueryParam   string
	internalPrefix    string
	accessLogDisabled bool
	proxyLog          logging.ProxyLog
	metrics           metrics.Metrics
	roundTripper      *http.Transport
	handlers          *handlerCache
	tracing           *proxyTracing
	flowId            flowid.Generator
	log               logging.Logger
	quit              chan struct{}
}

// WithParams creates a proxy. All forwarding handlers share the single
// transport built here, so changing target credentials never duplicates
// connection pools.
func WithParams(p Params) *Proxy {
	if p.IdleConnectionsPerHost <= 0 {
		p.IdleConnectionsPerHost = DefaultIdleConnsPerHost
	}

	if p.CloseIdleConnsPeriod == 0 {
		p.CloseIdleConnsPeriod = DefaultCloseIdleConnsPeriod
	}

	if p.TokenHeader == "" {
		p.TokenHeader = DefaultTokenHeader
	}

	if p.TokenQueryParam == "" {
		p.TokenQueryParam = DefaultTokenQueryParam
	}

	if p.InternalPrefix == "" {
		p.InternalPrefix = DefaultInternalPrefix
	}

	if p.ProxyLog == nil {
		p.ProxyLog = &logging.DefaultProxyLog{}
	}

	if p.Metrics == nil {
		p.Metrics = metrics.Void
	}

	if p.OpenTracing == nil {
		p.OpenTracing = &ot.NoopTracer{}
	}

	if p.FlowIdGenerator == nil {
		p.FlowIdGenerator = flowid.NewULIDGenerator()
	}

	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   p.Timeout,
			KeepAlive: p.KeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   p.TLSHandshakeTimeout,
		ResponseHeaderTimeout: p.ResponseHeaderTimeout,
		MaxIdleConns:          p.MaxIdleConns,
		MaxIdleConnsPerHost:   p.IdleConnectionsPerHost,
		IdleConnTimeout:       p.CloseIdleConnsPeriod,
	}

	if p.Flags.Insecure() {
		/* #nosec */
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	quit := make(chan struct{})
	// We need this to reliably fade on DNS change, which is right
	// now not fixed with IdleConnTimeout in the http.Transport.
	// https://github.com/golang/go/issues/23427
	if p.CloseIdleConnsPeriod > 0 {
		go func() {
			for {
				select {
				case <-time.After(p.CloseIdleConnsPeriod):
					tr.CloseIdleConnections()
				case <-quit:
					return
				}
			}
		}()
	}

	return &Proxy{
		registrySource:    p.TargetSource,
		sessions:          p.Sessions,
		tokenHeader:       p.TokenHeader,
		tokenQueryParam:   p.TokenQueryParam,
		internalPrefix:    p.InternalPrefix,
		accessLogDisabled: p.AccessLogDisabled,
		proxyLog:          p.ProxyLog,
		metrics:           p.Metrics,
		roundTripper:      tr,
		handlers:          newHandlerCache(),
		tracing:           &proxyTracing{tracer: p.OpenTracing, initialOperationName: "ingress"},
		flowId:            p.FlowIdGenerator,
		log:               &logging.DefaultLog{},
		quit:              quit,
	}
}

// stripTokenQuery removes every token key from a raw query string,
// preserving the remainder character for character, and returns the
// first non-empty token value found. present reports whether the key
// occurred at all, so the reserved parameter never travels upstream
// even with an empty value. Query strings are treated as opaque,
// nothing is decoded or re-encoded.
func stripTokenQuery(rawQuery, param string) (token, remainder string, present bool) {
	if rawQuery == "" {
		return "", "", false
	}

	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, part := range parts {
		key, value, _ := strings.Cut(part, "=")
		if key == param {
			present = true
			if token == "" {
				token = value
			}

			continue
		}

		kept = append(kept, part)
	}

	return token, strings.Join(kept, "&"), present
}

// tokenFromPath extracts a token from the fixed path shape
// /t/{32-hex-token}/rest. The remainder becomes the effective path. A
// non-conforming /t/ path falls through to the other extraction
// methods.
func tokenFromPath(path string) (token, effectivePath string, ok bool) {
	if !strings.HasPrefix(path, tokenPathPrefix) {
		return "", "", false
	}

	rest := path[len(tokenPathPrefix):]
	if len(rest) < session.TokenLength {
		return "", "", false
	}

	candidate := rest[:session.TokenLength]
	if !session.IsToken(candidate) {
		return "", "", false
	}

	rest = rest[session.TokenLength:]
	if rest == "" {
		return candidate, "/", true
	}

	if rest[0] != '/' {
		return "", "", false
	}

	return candidate, rest, true
}

// extractToken applies the fixed extraction priority: header, query
// parameter, path prefix.
func (p *Proxy) extractToken(r *http.Request) (token, effectivePath, rawQuery string, found bool) {
	effectivePath = r.URL.Path
	rawQuery = r.URL.RawQuery

	if t := r.Header.Get(p.tokenHeader); t != "" {
		return t, effectivePath, rawQuery, true
	}

	t, remainder, present := stripTokenQuery(rawQuery, p.tokenQueryParam)
	if t != "" {
		return t, effectivePath, remainder, true
	}

	// an empty token key is not a token, but the reserved parameter
	// is still dropped from the forwarded query
	if present {
		rawQuery = remainder
	}

	if t, rest, ok := tokenFromPath(effectivePath); ok {
		return t, rest, rawQuery, true
	}

	return "", effectivePath, rawQuery, false
}

func (p *Proxy) resolveRegistry(lw *logging.LoggingWriter, r *http.Request) (registry *routing.Registry, effectivePath, rawQuery string, logOverride *bool, ok bool) {
	effectivePath = r.URL.Path
	rawQuery = r.URL.RawQuery

	if p.sessions == nil {
		return p.registrySource.Registry(), effectivePath, rawQuery, nil, true
	}

	token, effectivePath, rawQuery, found := p.extractToken(r)
	if !found {
		sendError(lw, http.StatusUnauthorized, map[string]interface{}{
			"error":   "Missing token",
			"message": "supply a session token in the " + p.tokenHeader + " header, the '" + p.tokenQueryParam + "' query parameter, or a " + tokenPathPrefix + "{token}/ path prefix",
		})
		return nil, "", "", nil, false
	}

	sess := p.sessions.Lookup(token)
	if sess == nil {
		sendError(lw, http.StatusUnauthorized, map[string]interface{}{
			"error":   "Invalid or expired token",
			"message": "the supplied token is unknown or its session expired, create a new session",
		})
		return nil, "", "", nil, false
	}

	return sess.Registry, effectivePath, rawQuery, sess.LogOverride, true
}

func (p *Proxy) do(lw *logging.LoggingWriter, r *http.Request) (targetName string, logOverride *bool) {
	targetName = "-"

	// the reserved prefix belongs to the management API, it is never
	// a forwarding candidate
	if strings.HasPrefix(r.URL.Path, p.internalPrefix) {
		sendError(lw, http.StatusNotFound, map[string]interface{}{
			"error": "unknown management path",
		})
		return
	}

	registry, effectivePath, rawQuery, logOverride, ok := p.resolveRegistry(lw, r)
	if !ok {
		return
	}

	if registry.Len() == 0 {
		sendError(lw, http.StatusServiceUnavailable, map[string]interface{}{
			"error":   "No targets configured",
			"message": "add at least one target before forwarding requests",
		})
		return
	}

	lookupStart := time.Now()
	target := registry.Resolve(effectivePath)
	p.metrics.MeasureRouteLookup(lookupStart)

	if target == nil {
		p.metrics.IncRoutingFailures()
		sendError(lw, http.StatusNotFound, map[string]interface{}{
			"error":    "No matching target",
			"path":     effectivePath,
			"patterns": registry.Patterns(),
		})
		return
	}

	targetName = target.Name
	rewritten := pattern.Rewrite(effectivePath, target.Pattern)

	h, err := p.handlerFor(target)
	if err != nil {
		p.respondError(lw, r, targetName, err)
		return
	}

	if err := h.Forward(lw, r, rewritten, rawQuery); err != nil {
		p.respondError(lw, r, targetName, err)
	}

	return
}

func (p *Proxy) respondError(lw *logging.LoggingWriter, r *http.Request, targetName string, err error) {
	perr, ok := err.(*proxyError)
	if !ok {
		perr = &proxyError{err: err, code: http.StatusInternalServerError}
	}

	switch {
	case perr.handled:
		// client canceled, nothing to send
		if !lw.Written() {
			lw.WriteHeader(statusClientClosedRequest)
		}
	case perr.code == http.StatusBadGateway:
		sendError(lw, http.StatusBadGateway, map[string]interface{}{
			"error":   "Bad Gateway",
			"message": perr.err.Error(),
			"target":  targetName,
		})
	default:
		p.log.Errorf("unexpected error forwarding %s %s: %v", r.Method, r.URL.Path, perr.err)
		sendError(lw, perr.code, map[string]interface{}{
			"error": http.StatusText(perr.code),
		})
	}
}

func (p *Proxy) shouldLogAccess(logOverride *bool) bool {
	if logOverride != nil {
		return *logOverride
	}

	return !p.accessLogDisabled
}

// http.Handler implementation
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lw := logging.NewLoggingWriter(w)
	startServe := time.Now()

	if r.Header.Get(flowid.HeaderName) == "" {
		r.Header.Set(flowid.HeaderName, p.flowId.MustGenerate())
	}

	var span ot.Span
	wireContext, err := p.tracing.tracer.Extract(ot.HTTPHeaders, ot.HTTPHeadersCarrier(r.Header))
	if err == nil {
		span = p.tracing.tracer.StartSpan(p.tracing.initialOperationName, ext.RPCServerOption(wireContext))
	} else {
		span = p.tracing.tracer.StartSpan(p.tracing.initialOperationName)
	}
	defer span.Finish()

	ext.HTTPMethod.Set(span, r.Method)
	ext.HTTPUrl.Set(span, r.URL.String())
	r = r.WithContext(ot.ContextWithSpan(r.Context(), span))

	targetName, logOverride := p.do(lw, r)

	code := lw.GetCode()
	if code >= http.StatusInternalServerError {
		ext.Error.Set(span, true)
	}

	p.metrics.MeasureResponse(code, r.Method, targetName, startServe)

	if p.shouldLogAccess(logOverride) {
		logging.LogAccess(&logging.AccessEntry{
			Request:      r,
			StatusCode:   code,
			ResponseSize: lw.GetBytes(),
			Duration:     time.Since(startServe),
			RequestTime:  startServe,
			TargetName:   targetName,
			FlowId:       r.Header.Get(flowid.HeaderName),
		})
	}
}

// Close stops the periodic closing of idle connections. It does not
// drain in-flight requests. Its primary purpose is to support testing.
func (p *Proxy) Close() error {
	close(p.quit)
	return nil
}
