// Package middleware contains http.RoundTripper decorators for the client's
// outbound calls to the hospital backend, plus the inbound request logger of
// the local view API.
//
// The outbound pattern mirrors inbound middleware:
//
//	func Decorator(next http.RoundTripper) http.RoundTripper {
//	    return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
//	        // before
//	        resp, err := next.RoundTrip(r)
//	        // after
//	        return resp, err
//	    })
//	}
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/xid"
)

// RequestIDHeader carries a per-call correlation id to the backend.
const RequestIDHeader = "X-Request-ID"

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func orDefault(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		return http.DefaultTransport
	}
	return next
}

// RequestID stamps every outbound request with an xid correlation id unless
// the caller already set one.
func RequestID(next http.RoundTripper) http.RoundTripper {
	next = orDefault(next)
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if r.Header.Get(RequestIDHeader) != "" {
			return next.RoundTrip(r)
		}
		// RoundTrippers must not mutate the caller's request.
		clone := r.Clone(r.Context())
		clone.Header.Set(RequestIDHeader, xid.New().String())
		return next.RoundTrip(clone)
	})
}

// Outbound logs each backend call: method, path, status, duration, request id.
// Transport failures are logged at Warn; the error is returned unchanged.
func Outbound(logger *slog.Logger, next http.RoundTripper) http.RoundTripper {
	next = orDefault(next)
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := next.RoundTrip(r)

		attrs := []any{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)),
			slog.String("requestID", r.Header.Get(RequestIDHeader)),
		}
		if err != nil {
			logger.Warn("backend call failed", append(attrs, slog.String("error", err.Error()))...)
			return nil, err
		}
		logger.Debug("backend call completed", append(attrs, slog.Int("status", resp.StatusCode))...)
		return resp, nil
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the connection, for streaming.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Logger logs each request served by the local view API.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info("request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", wrapped.written),
			)
		})
	}
}
