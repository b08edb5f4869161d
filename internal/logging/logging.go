// Package logging provides structured logging with zap.
//
// Every entry carries the instance name so lines from the application
// servers behind the load balancer can be told apart. Requests that pass
// through Middleware get a request-scoped logger in their context.
package logging

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey struct{}

// RequestIDHeader is read from and echoed on every request.
const RequestIDHeader = "X-Request-ID"

var (
	// base reports the caller of its own methods; pkg skips the wrapper
	// frame for the package-level helpers below.
	base *zap.Logger
	pkg  *zap.Logger
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
	Instance   string // added to every entry when set
}

// Init builds the global logger. An unknown level falls back to info.
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	if cfg.Instance != "" {
		logger = logger.With(zap.String("instance", cfg.Instance))
	}
	use(logger)
	return nil
}

// InitNop discards everything. Used by tests.
func InitNop() {
	use(zap.NewNop())
}

func use(l *zap.Logger) {
	base = l
	pkg = l.WithOptions(zap.AddCallerSkip(1))
}

// Sync flushes any buffered log entries.
func Sync() error {
	if base != nil {
		return base.Sync()
	}
	return nil
}

// L returns the global logger, creating a production one on first use.
func L() *zap.Logger {
	if base == nil {
		l, _ := zap.NewProduction()
		use(l)
	}
	return base
}

// WithContext returns the request logger stored by Middleware, or the
// global logger.
func WithContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(contextKey{}).(*zap.Logger); ok {
		return l
	}
	return L()
}

func wrapped() *zap.Logger {
	L()
	return pkg
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) { wrapped().Debug(msg, fields...) }

// Info logs an info message.
func Info(msg string, fields ...zap.Field) { wrapped().Info(msg, fields...) }

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) { wrapped().Warn(msg, fields...) }

// Error logs an error message.
func Error(msg string, fields ...zap.Field) { wrapped().Error(msg, fields...) }

// Fatal logs a fatal message and exits.
func Fatal(msg string, fields ...zap.Field) { wrapped().Fatal(msg, fields...) }

// statusRecorder captures the status and body size written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware tags each request with an id, taken from RequestIDHeader when
// the load balancer sent one, and logs its completion. Server errors are
// logged at warn.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		logger := L().With(zap.String("request_id", id))
		r = r.WithContext(context.WithValue(r.Context(), contextKey{}, logger))

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		level := zapcore.InfoLevel
		if rw.status >= http.StatusInternalServerError {
			level = zapcore.WarnLevel
		}
		logger.Log(level, "request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", rw.status),
			zap.Int64("size", rw.size),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
