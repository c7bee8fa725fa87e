package logging

import (
	"net/http"
)

// LoggingWriter wraps an http.ResponseWriter and records the status
// code and the number of body bytes written, for the access log.
type LoggingWriter struct {
	writer http.ResponseWriter
	code   int
	bytes  int64
}

// NewLoggingWriter wraps an http.ResponseWriter.
func NewLoggingWriter(w http.ResponseWriter) *LoggingWriter {
	return &LoggingWriter{writer: w}
}

func (lw *LoggingWriter) Write(data []byte) (count int, err error) {
	count, err = lw.writer.Write(data)
	lw.bytes += int64(count)
	return
}

func (lw *LoggingWriter) WriteHeader(code int) {
	lw.writer.WriteHeader(code)
	if code == 0 {
		code = 200
	}

	lw.code = code
}

func (lw *LoggingWriter) Header() http.Header {
	return lw.writer.Header()
}

func (lw *LoggingWriter) Flush() {
	if f, ok := lw.writer.(http.Flusher); ok {
		f.Flush()
	}
}

// GetCode returns the written status code, defaulting to 200 when the
// handler never called WriteHeader explicitly but wrote a body.
func (lw *LoggingWriter) GetCode() int {
	if lw.code == 0 && lw.bytes > 0 {
		return http.StatusOK
	}

	return lw.code
}

// GetBytes returns the number of response body bytes written.
func (lw *LoggingWriter) GetBytes() int64 {
	return lw.bytes
}

// Written reports whether anything, header or body, reached the client.
func (lw *LoggingWriter) Written() bool {
	return lw.code != 0 || lw.bytes > 0
}
