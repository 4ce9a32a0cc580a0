package adminapi

import (
	"bufio"
	"log"
	"net"
	"net/http"
	"time"
)

// responseWriter and LoggingMiddleware are adapted from the teacher's
// middleware.LoggerMiddleware: same status-capturing wrapper, but the
// logged principal comes from the context key BearerAuth sets (an
// operator user ID or a CLI token ID) instead of a multi-tenant user ID.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func LoggingMiddleware(logger *log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			principal, _ := r.Context().Value(principalKey).(string)
			if principal == "" {
				principal = "anonymous"
			}
			logger.Printf("[%s] %s %s - status=%d duration=%s principal=%s",
				r.Method, r.URL.Path, r.RemoteAddr, rw.statusCode, time.Since(start), principal)
		})
	}
}
