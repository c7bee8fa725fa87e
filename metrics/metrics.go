/*
Package metrics implements collection of the proxy's performance
metrics: the time of looking up targets, the time waiting for the
response from the upstream services, the time spent serving responses,
error counters and session gauges.

To expose the metrics, initialize the Prometheus backend and mount its
handler on a support listener.
*/
package metrics

import (
	"net/http"
	"time"
)

// Metrics collects the measurements of the proxy.
type Metrics interface {

	// MeasureRouteLookup measures the duration of resolving a
	// request path to a target.
	MeasureRouteLookup(start time.Time)

	// MeasureBackend measures the duration of the upstream call
	// for a target.
	MeasureBackend(targetName string, start time.Time)

	// MeasureResponse measures the duration of serving a response.
	MeasureResponse(code int, method, targetName string, start time.Time)

	// IncRoutingFailures counts requests with no matching target.
	IncRoutingFailures()

	// IncErrorsBackend counts failed upstream calls per target.
	IncErrorsBackend(targetName string)

	// IncErrorsStreaming counts failures while relaying the
	// upstream response body to the client.
	IncErrorsStreaming(targetName string)

	// UpdateActiveSessions sets the current number of sessions.
	UpdateActiveSessions(n int)

	// IncSessionsCreated counts created sessions.
	IncSessionsCreated()

	// IncSessionsExpired counts expired or swept sessions.
	IncSessionsExpired(n int)
}

// Options for initializing the metrics collection.
type Options struct {

	// Common prefix for the keys of the collected metrics.
	Prefix string

	// EnableRuntimeMetrics, when set, adds the Go runtime and
	// process collectors.
	EnableRuntimeMetrics bool

	// HistogramBuckets sets the buckets of the duration
	// histograms. When nil, prometheus.DefBuckets is used.
	HistogramBuckets []float64
}

type void struct{}

func (void) MeasureRouteLookup(time.Time)                   {}
func (void) MeasureBackend(string, time.Time)               {}
func (void) MeasureResponse(int, string, string, time.Time) {}
func (void) IncRoutingFailures()                            {}
func (void) IncErrorsBackend(string)                        {}
func (void) IncErrorsStreaming(string)                      {}
func (void) UpdateActiveSessions(int)                       {}
func (void) IncSessionsCreated()                            {}
func (void) IncSessionsExpired(int)                         {}

// Void is a no-op implementation of Metrics.
var Void Metrics = void{}

// Handler exposes the metrics of backends that support scraping.
type Handler interface {
	Handler() http.Handler
}
