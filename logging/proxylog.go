package logging

import (
	"net/http"
	"time"
)

// ProxyLog is the collaborator observing every forwarding attempt. The
// proxy reports each step unconditionally; the implementation decides
// whether anything is emitted.
type ProxyLog interface {

	// LogRequest is reported before the upstream call is made.
	LogRequest(method, originalPath, rewrittenPath, targetName, targetOrigin string, headers http.Header)

	// LogResponse is reported after the upstream response arrived.
	LogResponse(method, originalPath, targetName string, statusCode int, duration time.Duration)

	// LogError is reported when the upstream call failed.
	LogError(method, originalPath, targetName string, err error)
}

// DefaultProxyLog writes forwarding events to a Logger at debug level
// for requests and responses and error level for failures. When
// Disabled is set, nothing is written.
type DefaultProxyLog struct {
	Log      Logger
	Disabled bool
}

var _ ProxyLog = &DefaultProxyLog{}

func (pl *DefaultProxyLog) logger() Logger {
	if pl.Log == nil {
		return &DefaultLog{}
	}

	return pl.Log
}

func (pl *DefaultProxyLog) LogRequest(method, originalPath, rewrittenPath, targetName, targetOrigin string, _ http.Header) {
	if pl.Disabled {
		return
	}

	pl.logger().Debugf("forwarding %s %s -> %s%s (target %s)", method, originalPath, targetOrigin, rewrittenPath, targetName)
}

func (pl *DefaultProxyLog) LogResponse(method, originalPath, targetName string, statusCode int, duration time.Duration) {
	if pl.Disabled {
		return
	}

	pl.logger().Debugf("response %d for %s %s from target %s in %dms", statusCode, method, originalPath, targetName, duration.Milliseconds())
}

func (pl *DefaultProxyLog) LogError(method, originalPath, targetName string, err error) {
	if pl.Disabled {
		return
	}

	pl.logger().Errorf("forwarding %s %s to target %s failed: %v", method, originalPath, targetName, err)
}
