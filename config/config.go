// Package config maps command line flags and an optional YAML
// configuration file onto the options of the proxy. Flags take
// precedence over the file.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/dinghy-proxy/dinghy"
)

type Config struct {
	ConfigFile string
	Flags      *flag.FlagSet

	// generic:
	Address         string `yaml:"address"`
	SupportListener string `yaml:"support-listener"`
	Insecure        bool   `yaml:"insecure"`
	PrintVersion    bool   `yaml:"version"`

	// single tenant:
	TargetsFile      string `yaml:"targets-file"`
	WatchTargetsFile bool   `yaml:"watch-targets-file"`

	// multi tenant:
	MultiTenant          bool          `yaml:"multi-tenant"`
	SessionFile          string        `yaml:"session-file"`
	SessionExpiry        time.Duration `yaml:"session-expiry"`
	SessionSweepInterval time.Duration `yaml:"session-sweep-interval"`
	SnapshotDebounce     time.Duration `yaml:"session-snapshot-debounce"`
	TokenHeader          string        `yaml:"token-header"`
	TokenQueryParam      string        `yaml:"token-query-param"`

	// logging:
	ApplicationLog            string    `yaml:"application-log"`
	ApplicationLogLevel       log.Level `yaml:"-"`
	ApplicationLogLevelString string    `yaml:"application-log-level"`
	ApplicationLogPrefix      string    `yaml:"application-log-prefix"`
	ApplicationLogJSONEnabled bool      `yaml:"application-log-json-enabled"`
	AccessLogDisabled         bool      `yaml:"access-log-disabled"`
	AccessLogJSONEnabled      bool      `yaml:"access-log-json-enabled"`
	AccessLogStripQuery       bool      `yaml:"access-log-strip-query"`

	// metrics:
	EnablePrometheusMetrics      bool      `yaml:"enable-prometheus-metrics"`
	MetricsPrefix                string    `yaml:"metrics-prefix"`
	EnableRuntimeMetrics         bool      `yaml:"runtime-metrics"`
	HistogramMetricBucketsString string    `yaml:"histogram-metric-buckets"`
	HistogramMetricBuckets       []float64 `yaml:"-"`

	// connections:
	TimeoutBackend               time.Duration `yaml:"timeout-backend"`
	KeepaliveBackend             time.Duration `yaml:"keepalive-backend"`
	TLSHandshakeTimeoutBackend   time.Duration `yaml:"tls-timeout-backend"`
	ResponseHeaderTimeoutBackend time.Duration `yaml:"response-header-timeout-backend"`
	IdleConnsPerHost             int           `yaml:"idle-conns-num"`
	MaxIdleConnsBackend          int           `yaml:"max-idle-connection-backend"`
	CloseIdleConnsPeriod         time.Duration `yaml:"close-idle-conns-period"`
}

func NewConfig() *Config {
	cfg := new(Config)
	flag := flag.NewFlagSet("", flag.ExitOnError)
	cfg.Flags = flag

	flag.StringVar(&cfg.ConfigFile, "config-file", "", "YAML file with the configuration, overridden by the other flags")

	// generic:
	flag.StringVar(&cfg.Address, "address", ":9090", "address the proxy listens on")
	flag.StringVar(&cfg.SupportListener, "support-listener", "", "address of the support listener exposing the metrics, disabled when empty")
	flag.BoolVar(&cfg.Insecure, "insecure", false, "skip TLS certificate verification of the upstream services")
	flag.BoolVar(&cfg.PrintVersion, "version", false, "print the version and exit")

	// single tenant:
	flag.StringVar(&cfg.TargetsFile, "targets-file", "", "YAML file with the forwarding targets")
	flag.BoolVar(&cfg.WatchTargetsFile, "watch-targets-file", false, "reload the targets file when it changes")

	// multi tenant:
	flag.BoolVar(&cfg.MultiTenant, "multi-tenant", false, "serve isolated per token target sets instead of a single targets file")
	flag.StringVar(&cfg.SessionFile, "session-file", "", "file the sessions are persisted to, disabled when empty")
	flag.DurationVar(&cfg.SessionExpiry, "session-expiry", 24*time.Hour, "sliding expiry window of a session")
	flag.DurationVar(&cfg.SessionSweepInterval, "session-sweep-interval", time.Hour, "period of removing stale sessions")
	flag.DurationVar(&cfg.SnapshotDebounce, "session-snapshot-debounce", 5*time.Second, "quiet period after a mutation before the session file is written")
	flag.StringVar(&cfg.TokenHeader, "token-header", "X-Proxy-Token", "header carrying the session token")
	flag.StringVar(&cfg.TokenQueryParam, "token-query-param", "token", "query parameter carrying the session token")

	// logging:
	flag.StringVar(&cfg.ApplicationLog, "application-log", "", "output file for the application log, defaults to stderr")
	flag.StringVar(&cfg.ApplicationLogLevelString, "application-log-level", "INFO", "log level of the application log")
	flag.StringVar(&cfg.ApplicationLogPrefix, "application-log-prefix", "[APP]", "prefix of the application log entries")
	flag.BoolVar(&cfg.ApplicationLogJSONEnabled, "application-log-json-enabled", false, "write the application log in JSON")
	flag.BoolVar(&cfg.AccessLogDisabled, "access-log-disabled", false, "do not print the access log")
	flag.BoolVar(&cfg.AccessLogJSONEnabled, "access-log-json-enabled", false, "write the access log in JSON")
	flag.BoolVar(&cfg.AccessLogStripQuery, "access-log-strip-query", false, "replace the query strings in the access log with a '?', hiding tokens traveling in the query")

	// metrics:
	flag.BoolVar(&cfg.EnablePrometheusMetrics, "enable-prometheus-metrics", false, "collect Prometheus metrics, exposed on the support listener")
	flag.StringVar(&cfg.MetricsPrefix, "metrics-prefix", "dinghy", "common prefix of the metric keys")
	flag.BoolVar(&cfg.EnableRuntimeMetrics, "runtime-metrics", true, "collect the Go runtime metrics")
	flag.StringVar(&cfg.HistogramMetricBucketsString, "histogram-metric-buckets", "", "comma separated list of duration histogram buckets in seconds")

	// connections:
	flag.DurationVar(&cfg.TimeoutBackend, "timeout-backend", 0, "dial timeout of the upstream connections, 0 means no timeout")
	flag.DurationVar(&cfg.KeepaliveBackend, "keepalive-backend", 30*time.Second, "keepalive of the upstream connections")
	flag.DurationVar(&cfg.TLSHandshakeTimeoutBackend, "tls-timeout-backend", time.Minute, "TLS handshake timeout of the upstream connections")
	flag.DurationVar(&cfg.ResponseHeaderTimeoutBackend, "response-header-timeout-backend", 0, "wait limit for the upstream response headers, 0 means no timeout")
	flag.IntVar(&cfg.IdleConnsPerHost, "idle-conns-num", 64, "maximum idle connections per upstream host")
	flag.IntVar(&cfg.MaxIdleConnsBackend, "max-idle-connection-backend", 0, "maximum idle connections over all upstreams, 0 means no limit")
	flag.DurationVar(&cfg.CloseIdleConnsPeriod, "close-idle-conns-period", 20*time.Second, "period of forcibly closing the idle upstream connections")

	return cfg
}

func (c *Config) Parse() error {
	return c.ParseArgs(os.Args[0], os.Args[1:])
}

func (c *Config) ParseArgs(progname string, args []string) error {
	err := c.Flags.Parse(args)
	if err != nil {
		return err
	}

	if c.ConfigFile != "" {
		yamlFile, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}

		if err := yaml.Unmarshal(yamlFile, c); err != nil {
			return fmt.Errorf("invalid config file format: %w", err)
		}

		// the flags win over the file
		if err := c.Flags.Parse(args); err != nil {
			return err
		}
	}

	if err := c.validate(); err != nil {
		return err
	}

	logLevel, err := log.ParseLevel(c.ApplicationLogLevelString)
	if err != nil {
		return err
	}
	c.ApplicationLogLevel = logLevel

	c.HistogramMetricBuckets, err = parseHistogramBuckets(c.HistogramMetricBucketsString)
	if err != nil {
		return err
	}

	return nil
}

func (c *Config) validate() error {
	if c.MultiTenant && c.TargetsFile != "" {
		return fmt.Errorf("targets-file and multi-tenant are mutually exclusive")
	}

	if !c.MultiTenant && c.SessionFile != "" {
		return fmt.Errorf("session-file requires multi-tenant mode")
	}

	if c.SessionExpiry <= 0 {
		return fmt.Errorf("session-expiry must be positive")
	}

	if c.SessionSweepInterval <= 0 {
		return fmt.Errorf("session-sweep-interval must be positive")
	}

	return nil
}

func parseHistogramBuckets(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}

	var buckets []float64
	for _, v := range strings.Split(s, ",") {
		b, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid histogram bucket value: %q", v)
		}

		buckets = append(buckets, b)
	}

	return buckets, nil
}

func (c *Config) ToOptions() dinghy.Options {
	return dinghy.Options{
		Address:         c.Address,
		SupportListener: c.SupportListener,
		Insecure:        c.Insecure,

		TargetsFile:      c.TargetsFile,
		WatchTargetsFile: c.WatchTargetsFile,

		MultiTenant:          c.MultiTenant,
		SessionFile:          c.SessionFile,
		SessionExpiry:        c.SessionExpiry,
		SessionSweepInterval: c.SessionSweepInterval,
		SnapshotDebounce:     c.SnapshotDebounce,
		TokenHeader:          c.TokenHeader,
		TokenQueryParam:      c.TokenQueryParam,

		ApplicationLogOutput:      c.ApplicationLog,
		ApplicationLogLevel:       c.ApplicationLogLevel,
		ApplicationLogPrefix:      c.ApplicationLogPrefix,
		ApplicationLogJSONEnabled: c.ApplicationLogJSONEnabled,
		AccessLogDisabled:         c.AccessLogDisabled,
		AccessLogJSONEnabled:      c.AccessLogJSONEnabled,
		AccessLogStripQuery:       c.AccessLogStripQuery,

		EnablePrometheusMetrics: c.EnablePrometheusMetrics,
		MetricsPrefix:           c.MetricsPrefix,
		EnableRuntimeMetrics:    c.EnableRuntimeMetrics,
		HistogramMetricBuckets:  c.HistogramMetricBuckets,

		TimeoutBackend:               c.TimeoutBackend,
		KeepaliveBackend:             c.KeepaliveBackend,
		TLSHandshakeTimeoutBackend:   c.TLSHandshakeTimeoutBackend,
		ResponseHeaderTimeoutBackend: c.ResponseHeaderTimeoutBackend,
		IdleConnsPerHost:             c.IdleConnsPerHost,
		MaxIdleConnsBackend:          c.MaxIdleConnsBackend,
		CloseIdleConnsPeriod:         c.CloseIdleConnsPeriod,
	}
}
