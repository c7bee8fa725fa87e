/*
Package dinghy provides an executable library for running a credential
injecting forwarding proxy for development and testing: requests are
matched against glob patterns, rewritten and forwarded to the
configured origin with per target cookies and headers injected.

The proxy runs in one of two modes. In the single tenant mode one
target set, typically loaded from a YAML file, serves every request. In
the multi tenant mode each client holds a bearer token identifying an
isolated target set with a sliding expiry, optionally persisted across
restarts.

For the list of options, see the Options type, for running with command
line flags see the config package and cmd/dinghy.
*/
package dinghy

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dinghy-proxy/dinghy/api"
	"github.com/dinghy-proxy/dinghy/logging"
	"github.com/dinghy-proxy/dinghy/metrics"
	"github.com/dinghy-proxy/dinghy/proxy"
	"github.com/dinghy-proxy/dinghy/routing"
	"github.com/dinghy-proxy/dinghy/routing/targetfile"
	"github.com/dinghy-proxy/dinghy/session"
)

const shutdownTimeout = 10 * time.Second

// Options to start the proxy. Typically produced from command line
// flags by config.Config.ToOptions.
type Options struct {

	// Address the proxy listens on, e.g. ":9090".
	Address string

	// SupportListener is the address of the listener exposing the
	// metrics. Disabled when empty.
	SupportListener string

	// Insecure skips TLS certificate verification of the upstream
	// services.
	Insecure bool

	// TargetsFile is the YAML file with the forwarding targets of
	// the single tenant mode. When empty, the proxy starts without
	// targets and they are managed through the API.
	TargetsFile string

	// WatchTargetsFile reloads the targets file when it changes.
	WatchTargetsFile bool

	// MultiTenant serves isolated per token target sets.
	MultiTenant bool

	// SessionFile persists the sessions across restarts. Disabled
	// when empty.
	SessionFile string

	// SessionExpiry is the sliding expiry window of a session.
	SessionExpiry time.Duration

	// SessionSweepInterval is the period of removing stale sessions.
	SessionSweepInterval time.Duration

	// SnapshotDebounce is the quiet period after a mutation before
	// the session file is written.
	SnapshotDebounce time.Duration

	// TokenHeader carrying the session token.
	TokenHeader string

	// TokenQueryParam carrying the session token.
	TokenQueryParam string

	// ApplicationLogOutput is the output file of the application
	// log. When empty, os.Stderr is used.
	ApplicationLogOutput string

	// ApplicationLogLevel of the application log.
	ApplicationLogLevel log.Level

	// ApplicationLogPrefix of the application log entries.
	ApplicationLogPrefix string

	// ApplicationLogJSONEnabled writes the application log in JSON.
	ApplicationLogJSONEnabled bool

	// AccessLogDisabled turns the access log off. Tenants may
	// override it for their own requests.
	AccessLogDisabled bool

	// AccessLogJSONEnabled writes the access log in JSON.
	AccessLogJSONEnabled bool

	// AccessLogStripQuery replaces the query strings in the access
	// log with a '?'. Tokens may travel in the query string, so
	// multi tenant deployments enable this.
	AccessLogStripQuery bool

	// EnablePrometheusMetrics collects Prometheus metrics, exposed
	// on the support listener.
	EnablePrometheusMetrics bool

	// MetricsPrefix is the common prefix of the metric keys.
	MetricsPrefix string

	// EnableRuntimeMetrics adds the Go runtime and process
	// collectors.
	EnableRuntimeMetrics bool

	// HistogramMetricBuckets of the duration histograms.
	HistogramMetricBuckets []float64

	// TimeoutBackend is the dial timeout of the upstream
	// connections.
	TimeoutBackend time.Duration

	// KeepaliveBackend of the upstream TCP connections.
	KeepaliveBackend time.Duration

	// TLSHandshakeTimeoutBackend of the upstream connections.
	TLSHandshakeTimeoutBackend time.Duration

	// ResponseHeaderTimeoutBackend limits the wait for the upstream
	// response headers. Zero means no timeout.
	ResponseHeaderTimeoutBackend time.Duration

	// IdleConnsPerHost is the maximum idle connections per upstream
	// host.
	IdleConnsPerHost int

	// MaxIdleConnsBackend over all upstreams, 0 means no limit.
	MaxIdleConnsBackend int

	// CloseIdleConnsPeriod of forcibly closing the idle upstream
	// connections.
	CloseIdleConnsPeriod time.Duration
}

type staticSource struct {
	registry *routing.Registry
}

func (s staticSource) Registry() *routing.Registry { return s.registry }

func initLog(o Options) error {
	var logOutput *os.File
	switch o.ApplicationLogOutput {
	case "", "/dev/stderr", "stderr":
		logOutput = os.Stderr
	case "/dev/stdout", "stdout":
		logOutput = os.Stdout
	default:
		var err error
		logOutput, err = os.OpenFile(o.ApplicationLogOutput, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
	}

	logging.Init(logging.Options{
		ApplicationLogPrefix:      o.ApplicationLogPrefix,
		ApplicationLogOutput:      logOutput,
		ApplicationLogJSONEnabled: o.ApplicationLogJSONEnabled,
		ApplicationLogLevel:       o.ApplicationLogLevel,
		AccessLogDisabled:         o.AccessLogDisabled,
		AccessLogJSONEnabled:      o.AccessLogJSONEnabled,
		AccessLogStripQuery:       o.AccessLogStripQuery,
	})

	return nil
}

func listenAndServe(ctx context.Context, g *errgroup.Group, srv *http.Server) {
	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// Run starts the proxy with the given options and blocks until SIGINT
// or SIGTERM. On shutdown the listeners drain, and in the multi tenant
// mode the sessions are flushed to the session file.
func Run(o Options) error {
	if err := initLog(o); err != nil {
		return err
	}

	logger := &logging.DefaultLog{}

	mtr := metrics.Void
	var mtrHandler http.Handler
	if o.EnablePrometheusMetrics {
		p := metrics.NewPrometheus(metrics.Options{
			Prefix:               o.MetricsPrefix,
			EnableRuntimeMetrics: o.EnableRuntimeMetrics,
			HistogramBuckets:     o.HistogramMetricBuckets,
		})
		mtr = p
		mtrHandler = p.Handler()
	}

	var (
		source  proxy.RegistrySource
		mutable bool
		store   *session.Store
	)

	switch {
	case o.MultiTenant:
		store = session.New(session.Options{
			SnapshotPath:     o.SessionFile,
			Expiry:           o.SessionExpiry,
			SweepInterval:    o.SessionSweepInterval,
			SnapshotDebounce: o.SnapshotDebounce,
			Log:              logger,
			Metrics:          mtr,
		})

		if err := store.Load(); err != nil {
			if !errors.Is(err, session.ErrNoSnapshot) {
				return err
			}

			logger.Infof("no session snapshot at %s, starting fresh", o.SessionFile)
		}
	case o.TargetsFile != "" && o.WatchTargetsFile:
		source = targetfile.Watch(o.TargetsFile, logger)
	case o.TargetsFile != "":
		c, err := targetfile.Open(o.TargetsFile, logger)
		if err != nil {
			return err
		}

		source = c
	default:
		// no file: an empty registry managed through the API
		source = staticSource{routing.NewRegistry()}
		mutable = true
	}

	var flags proxy.Flags
	if o.Insecure {
		flags |= proxy.Insecure
	}

	p := proxy.WithParams(proxy.Params{
		TargetSource:           source,
		Sessions:               store,
		TokenHeader:            o.TokenHeader,
		TokenQueryParam:        o.TokenQueryParam,
		Flags:                  flags,
		AccessLogDisabled:      o.AccessLogDisabled,
		Metrics:                mtr,
		Timeout:                o.TimeoutBackend,
		KeepAlive:              o.KeepaliveBackend,
		TLSHandshakeTimeout:    o.TLSHandshakeTimeoutBackend,
		ResponseHeaderTimeout:  o.ResponseHeaderTimeoutBackend,
		IdleConnectionsPerHost: o.IdleConnsPerHost,
		MaxIdleConns:           o.MaxIdleConnsBackend,
		CloseIdleConnsPeriod:   o.CloseIdleConnsPeriod,
	})
	defer p.Close()

	mgmt := api.New(api.Params{
		TargetSource:    source,
		Mutable:         mutable,
		Sessions:        store,
		TokenHeader:     o.TokenHeader,
		TokenQueryParam: o.TokenQueryParam,
		Log:             logger,
	})

	mux := http.NewServeMux()
	mux.Handle(proxy.DefaultInternalPrefix, mgmt)
	mux.Handle("/", p)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if store != nil {
		g.Go(func() error {
			store.RunSweeper(ctx)
			return nil
		})

		if o.SessionFile != "" {
			g.Go(func() error {
				store.RunWriter(ctx)
				return nil
			})
		}
	}

	if o.SupportListener != "" && mtrHandler != nil {
		supportMux := http.NewServeMux()
		supportMux.Handle("/metrics", mtrHandler)
		listenAndServe(ctx, g, &http.Server{Addr: o.SupportListener, Handler: supportMux})
		logger.Infof("support listener on %s", o.SupportListener)
	}

	listenAndServe(ctx, g, &http.Server{Addr: o.Address, Handler: mux})
	if o.MultiTenant {
		logger.Infof("proxy listening on %s in multi tenant mode", o.Address)
	} else {
		logger.Infof("proxy listening on %s", o.Address)
	}

	err := g.Wait()

	if store != nil && o.SessionFile != "" {
		if ferr := store.Flush(); ferr != nil {
			logger.Errorf("flushing sessions on shutdown failed: %v", ferr)
		}
	}

	return err
}
