package middleware

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// requestInfo is filled in as a request travels down the chain so the
// access log line can report who made it.
type requestInfo struct {
	id     string
	caller string
}

type requestInfoKey struct{}

// RequestID returns the X-Request-ID assigned by Logging.
func RequestID(ctx context.Context) string {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return info.id
	}
	return ""
}

func noteCaller(ctx context.Context, addr string) {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.caller = addr
	}
}

// Logging tags each request with an X-Request-ID (reusing the client's),
// recovers handler panics as 500s and writes one access log line per
// request. Server errors log at Warn, health probes at Debug.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			info := &requestInfo{id: r.Header.Get("X-Request-ID")}
			if info.id == "" || len(info.id) > 128 {
				info.id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", info.id)
			ctx := context.WithValue(r.Context(), requestInfoKey{}, info)

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}
					logger.ErrorContext(ctx, "server: handler panic",
						slog.String("request_id", info.id),
						slog.Any("panic", p),
						slog.String("stack", string(debug.Stack())),
					)
					if !rw.wroteHeader {
						rw.Header().Set("Content-Type", "application/json; charset=utf-8")
						rw.WriteHeader(http.StatusInternalServerError)
						_, _ = rw.Write([]byte(`{"error":"internal error"}`))
					}
				}

				level := slog.LevelInfo
				switch {
				case rw.statusCode >= 500:
					level = slog.LevelWarn
				case r.URL.Path == "/api/health":
					level = slog.LevelDebug
				}
				attrs := []slog.Attr{
					slog.String("request_id", info.id),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", rw.statusCode),
					slog.Int("bytes", rw.bytes),
					slog.Duration("duration", time.Since(start)),
					slog.String("remote_addr", r.RemoteAddr),
				}
				if info.caller != "" {
					attrs = append(attrs, slog.String("caller", info.caller))
				}
				logger.LogAttrs(ctx, level, "server: http request", attrs...)
			}()

			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	bytes       int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Hijack lets websocket upgrades pass through.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("middleware: response writer cannot hijack")
	}
	rw.wroteHeader = true
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
