package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	cfg := NewConfig()
	err := cfg.ParseArgs("dinghy", args)
	return cfg, err
}

func TestDefaults(t *testing.T) {
	cfg, err := parse(t)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Address)
	require.False(t, cfg.MultiTenant)
	require.Equal(t, 24*time.Hour, cfg.SessionExpiry)
	require.Equal(t, time.Hour, cfg.SessionSweepInterval)
	require.Equal(t, "X-Proxy-Token", cfg.TokenHeader)
	require.Equal(t, log.InfoLevel, cfg.ApplicationLogLevel)
}

func TestFlags(t *testing.T) {
	cfg, err := parse(t,
		"-address", ":8080",
		"-multi-tenant",
		"-session-file", "/var/lib/dinghy/sessions.json",
		"-session-expiry", "1h",
		"-application-log-level", "DEBUG",
	)
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Address)
	require.True(t, cfg.MultiTenant)
	require.Equal(t, "/var/lib/dinghy/sessions.json", cfg.SessionFile)
	require.Equal(t, time.Hour, cfg.SessionExpiry)
	require.Equal(t, log.DebugLevel, cfg.ApplicationLogLevel)
}

func TestConfigFileAndFlagPrecedence(t *testing.T) {
	f := filepath.Join(t.TempDir(), "dinghy.yaml")
	require.NoError(t, os.WriteFile(f, []byte(strings.Join([]string{
		"address: :7070",
		"targets-file: /etc/dinghy/targets.yaml",
		"watch-targets-file: true",
	}, "\n")), 0644))

	cfg, err := parse(t, "-config-file", f, "-address", ":8181")
	require.NoError(t, err)

	// the flag overrides the file, the file fills the rest
	require.Equal(t, ":8181", cfg.Address)
	require.Equal(t, "/etc/dinghy/targets.yaml", cfg.TargetsFile)
	require.True(t, cfg.WatchTargetsFile)
}

func TestInvalidConfigFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(f, []byte("address: [not, a, string"), 0644))

	_, err := parse(t, "-config-file", f)
	require.Error(t, err)

	_, err = parse(t, "-config-file", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestModeExclusivity(t *testing.T) {
	_, err := parse(t, "-multi-tenant", "-targets-file", "targets.yaml")
	require.Error(t, err)

	_, err = parse(t, "-session-file", "sessions.json")
	require.Error(t, err)
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := parse(t, "-application-log-level", "CHATTY")
	require.Error(t, err)
}

func TestHistogramBuckets(t *testing.T) {
	cfg, err := parse(t, "-histogram-metric-buckets", "0.01, 0.1,1,10")
	require.NoError(t, err)
	require.Equal(t, []float64{0.01, 0.1, 1, 10}, cfg.HistogramMetricBuckets)

	_, err = parse(t, "-histogram-metric-buckets", "fast,slow")
	require.Error(t, err)
}

func TestToOptions(t *testing.T) {
	cfg, err := parse(t, "-multi-tenant", "-session-file", "sessions.json", "-insecure", "-access-log-strip-query")
	require.NoError(t, err)

	o := cfg.ToOptions()
	require.True(t, o.MultiTenant)
	require.Equal(t, "sessions.json", o.SessionFile)
	require.True(t, o.Insecure)
	require.True(t, o.AccessLogStripQuery)
	require.Equal(t, 24*time.Hour, o.SessionExpiry)
}
