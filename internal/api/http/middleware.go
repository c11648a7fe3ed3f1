package apihttp

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cloudrelay/internal/metrics"
)

type responseWriter struct {
	http.ResponseWriter
	status      int
	size        int64
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

// Flush passes flushes through so relayed chunks leave the process as soon
// as they are written.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so that WebSocket upgrades work through the
// middleware chain.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// routeMethods lists the methods announced in CORS preflight answers.
func routeMethods(path string) string {
	switch path {
	case "/resolve":
		return "POST, OPTIONS"
	case "/stream":
		return "GET, HEAD, OPTIONS"
	default:
		return "GET, OPTIONS"
	}
}

// corsMiddleware sets CORS headers on every response, errors included.
// Without an origin whitelist any origin is allowed with "*".
func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if len(allowed) == 0 {
			h.Set("Access-Control-Allow-Origin", "*")
		} else {
			h.Add("Vary", "Origin")
			if origin := r.Header.Get("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h.Set("Access-Control-Allow-Origin", origin)
				}
			}
		}
		h.Set("Access-Control-Allow-Methods", routeMethods(r.URL.Path))
		h.Set("Access-Control-Allow-Headers", "Content-Type, Range, Authorization")
		h.Set("Access-Control-Expose-Headers", "Content-Range, Accept-Ranges, Content-Length, Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Max-Age", "86400")
			h.Set("Content-Length", "0")
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := requestIDFrom(r)
		w.Header().Set(requestIDHeader, requestID)
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		// Deferred so relays aborted with a panic still get their line; the
		// panic continues once the line is written.
		defer func() {
			recovered := recover()
			duration := time.Since(start)
			level := pickRequestLogLevel(r.URL.Path, rw.status)
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.status),
				slog.Int64("bytes", rw.size),
				slog.Int64("durationMs", duration.Milliseconds()),
				slog.String("clientIP", clientIP(r)),
				slog.String("requestId", requestID),
			}
			if recovered != nil {
				level = slog.LevelError
				attrs = append(attrs, slog.Bool("aborted", true))
			}
			if rawQuery := strings.TrimSpace(r.URL.RawQuery); rawQuery != "" {
				attrs = append(attrs, slog.String("query", truncate(redactQuery(rawQuery), 180)))
			}
			if userAgent := strings.TrimSpace(r.UserAgent()); userAgent != "" {
				attrs = append(attrs, slog.String("userAgent", truncate(userAgent, 120)))
			}
			logger.LogAttrs(r.Context(), level, "http request", attrs...)
			if recovered != nil {
				panic(recovered)
			}
		}()

		next.ServeHTTP(rw, r)
	})
}

const requestIDHeader = "X-Request-ID"

// requestIDFrom keeps a short caller-supplied id and mints one otherwise.
func requestIDFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(requestIDHeader)); id != "" && len(id) <= 64 && !strings.ContainsAny(id, "\r\n") {
		return id
	}
	return uuid.NewString()
}

// redactQuery cuts share keys out of logged query strings. MEGA keys travel
// in the locator fragment, which arrives percent-encoded as %23.
func redactQuery(rawQuery string) string {
	lower := strings.ToLower(rawQuery)
	idx := strings.Index(lower, "%23")
	if idx < 0 {
		return rawQuery
	}
	end := strings.IndexByte(rawQuery[idx:], '&')
	if end < 0 {
		return rawQuery[:idx] + "%23[redacted]"
	}
	return rawQuery[:idx] + "%23[redacted]" + rawQuery[idx+end:]
}

// recoveryMiddleware turns handler panics into 500 responses. Aborted relays
// panic with http.ErrAbortHandler on purpose; that one is re-raised so the
// server drops the connection instead of finishing a short body.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				logger.Error("panic recovered",
					slog.Any("error", err),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("clientIP", clientIP(r)),
					slog.String("stack", string(debug.Stack())),
				)
				writeError(w, http.StatusInternalServerError, "internal", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			route := normalizeRoute(r.URL.Path)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}()
		next.ServeHTTP(rw, r)
	})
}

func normalizeRoute(path string) string {
	switch path {
	case "/stream", "/resolve", "/proxy", "/relays", "/ws", "/healthz", "/metrics":
		return path
	default:
		return "/other"
	}
}

func pickRequestLogLevel(path string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case isNoisyPath(path):
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func isNoisyPath(path string) bool {
	return path == "/metrics" || path == "/healthz"
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 && strings.TrimSpace(parts[0]) != "" {
			return strings.TrimSpace(parts[0])
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

// rateLimitMiddleware applies a global token-bucket rate limiter.
// Requests that exceed the limit receive HTTP 429.
func rateLimitMiddleware(rps float64, burst int, next http.Handler) http.Handler {
	if rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = int(rps) + 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isNoisyPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
