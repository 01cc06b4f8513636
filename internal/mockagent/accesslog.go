package mockagent

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AccessLogConfig holds configuration for the access log.
type AccessLogConfig struct {
	// Path is the log file. Empty disables access logging.
	Path string
	// MaxSizeMB is the size at which the file is rotated. Default: 10MB
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept. Default: 1
	MaxBackups int
}

// AccessLogger writes one line per request to a rotating file.
type AccessLogger struct {
	mu     sync.Mutex
	writer io.WriteCloser
}

// NewAccessLogger returns nil when cfg.Path is empty.
func NewAccessLogger(cfg AccessLogConfig) *AccessLogger {
	if cfg.Path == "" {
		return nil
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 1
	}
	return newAccessLoggerWriter(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	})
}

func newAccessLoggerWriter(w io.WriteCloser) *AccessLogger {
	return &AccessLogger{writer: w}
}

// Close closes the underlying file.
func (a *AccessLogger) Close() error {
	if a == nil || a.writer == nil {
		return nil
	}
	return a.writer.Close()
}

// Middleware logs every request handled by next.
// Format: timestamp remote "method uri" status bytes duration_ms
func (a *AccessLogger) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		line := fmt.Sprintf("%s %s %s %d %d %dms\n",
			start.UTC().Format(time.RFC3339),
			r.RemoteAddr,
			strconv.Quote(r.Method+" "+r.URL.RequestURI()),
			rec.status,
			rec.bytes,
			time.Since(start).Milliseconds(),
		)

		a.mu.Lock()
		_, _ = io.WriteString(a.writer, line)
		a.mu.Unlock()
	})
}

// statusRecorder captures the status code and body size.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}
