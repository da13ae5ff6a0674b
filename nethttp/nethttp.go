// Package nethttp provides request logging middleware for net/http handlers.
package nethttp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	felk "github.com/felklabs/felk-go"
)

// Middleware wraps a handler so each finished transaction is handed to the
// recorder's terminate phase. The terminate call happens after the response
// bytes have gone to the client, so logging never delays the reply; a
// hanging backend still blocks the handler goroutine (no write timeout is
// added here).
func Middleware(rec *felk.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rec == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if prof := rec.NewProfiler(); prof != nil {
				r = r.WithContext(felk.WithProfiler(r.Context(), prof))
			}

			var reqBodyBuf []byte
			if r.Body != nil {
				reqBodyBuf, _ = io.ReadAll(r.Body)
				_ = r.Body.Close()
				r.Body = io.NopCloser(bytes.NewReader(reqBodyBuf))
			}

			lw := newLoggingWriter(w)
			var recovered any

			func() {
				defer func() {
					if rc := recover(); rc != nil {
						recovered = rc
						if lw.status < http.StatusInternalServerError {
							lw.status = http.StatusInternalServerError
						}
					}
				}()
				next.ServeHTTP(lw, r)
			}()

			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}

			tx := felk.Transaction{
				Method:          r.Method,
				Host:            hostOnly(r.Host),
				Route:           r.URL.RequestURI(),
				Scheme:          scheme,
				Port:            portFromHost(r.Host, scheme),
				RemoteAddr:      r.RemoteAddr,
				StatusCode:      lw.statusCode(),
				RequestHeaders:  r.Header,
				ResponseHeaders: lw.Header(),
				RequestBody:     reqBodyBuf,
				ResponseBody:    lw.body.Bytes(),
			}

			// Detach cancellation: a client disconnect cancels the request
			// context, and that must not abort the backend write. Context
			// values (the profiler binding) ride along.
			_, _ = rec.Terminate(context.WithoutCancel(r.Context()), tx)

			if recovered != nil {
				panic(recovered)
			}
		})
	}
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func portFromHost(host, scheme string) string {
	if _, port, err := net.SplitHostPort(host); err == nil && port != "" {
		return port
	}
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// loggingWriter keeps a copy of the status and body on their way to the
// client so the terminate phase can snapshot them.
type loggingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func newLoggingWriter(w http.ResponseWriter) *loggingWriter {
	return &loggingWriter{ResponseWriter: w}
}

func (lw *loggingWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingWriter) Write(b []byte) (int, error) {
	lw.body.Write(b)
	return lw.ResponseWriter.Write(b)
}

func (lw *loggingWriter) statusCode() int {
	if lw.status == 0 {
		return http.StatusOK
	}
	return lw.status
}

func (lw *loggingWriter) Flush() {
	if flusher, ok := lw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (lw *loggingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := lw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}

func (lw *loggingWriter) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := lw.ResponseWriter.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

var (
	_ http.Flusher  = (*loggingWriter)(nil)
	_ http.Hijacker = (*loggingWriter)(nil)
	_ http.Pusher   = (*loggingWriter)(nil)
)
