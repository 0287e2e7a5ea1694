package logging

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"
)

// HeaderCorrelationID is the request/response header carrying the correlation id.
const HeaderCorrelationID = "X-Correlation-ID"

// HTTPMiddleware adds a correlation id to the request context and logs the
// request and its completion.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(HeaderCorrelationID)
		if correlationID == "" {
			correlationID = NewCorrelationID()
		}

		ctx := WithCorrelationID(r.Context(), correlationID)
		r = r.WithContext(ctx)
		w.Header().Set(HeaderCorrelationID, correlationID)

		start := time.Now()
		Debug(ctx, ComponentHTTP, ActionRequest, "HTTP request started", Fields{
			"method":    r.Method,
			"path":      r.URL.Path,
			"remote_ip": r.RemoteAddr,
		})

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		level := INFO
		if wrapper.statusCode >= 500 {
			level = ERROR
		} else if wrapper.statusCode >= 400 {
			level = WARN
		}

		WithDuration(ctx, level, ComponentHTTP, ActionResponse, "HTTP request completed", time.Since(start), Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status_code": wrapper.statusCode,
			"bytes_sent":  wrapper.bytesWritten,
		})
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWrapper) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
