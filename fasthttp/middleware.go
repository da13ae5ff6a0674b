// Package fasthttp provides request logging middleware for
// github.com/valyala/fasthttp handlers.
package fasthttp

import (
	"context"
	"net"

	felk "github.com/felklabs/felk-go"
	"github.com/valyala/fasthttp"
)

// ProfilerKey is the user-value key the middleware binds the query
// profiler under when profiling is enabled.
const ProfilerKey = "felk.profiler"

// ProfilerFrom retrieves the request's query profiler, if the middleware
// installed one.
func ProfilerFrom(ctx *fasthttp.RequestCtx) (*felk.QueryProfiler, bool) {
	p, ok := ctx.UserValue(ProfilerKey).(*felk.QueryProfiler)
	return p, ok
}

// Middleware wraps a fasthttp handler so each finished transaction is
// handed to the recorder's terminate phase. The profiler rides in the
// RequestCtx user values, fasthttp's request-scoped state.
func Middleware(rec *felk.Recorder, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if rec == nil {
		return next
	}

	return func(ctx *fasthttp.RequestCtx) {
		termCtx := context.Background()
		if prof := rec.NewProfiler(); prof != nil {
			ctx.SetUserValue(ProfilerKey, prof)
			termCtx = felk.WithProfiler(termCtx, prof)
		}

		reqBody := append([]byte(nil), ctx.PostBody()...)
		reqHeaders := headerMap(ctx.Request.Header.VisitAll)

		var recovered any

		func() {
			defer func() {
				if rc := recover(); rc != nil {
					recovered = rc
					ctx.Response.ResetBody()
					ctx.Response.SetStatusCode(fasthttp.StatusInternalServerError)
				}
			}()
			next(ctx)
		}()

		scheme := string(ctx.URI().Scheme())
		if scheme == "" {
			scheme = "http"
		}
		host := string(ctx.Host())

		var remoteAddr string
		if addr := ctx.RemoteAddr(); addr != nil {
			remoteAddr = addr.String()
		}

		tx := felk.Transaction{
			Method:          string(ctx.Method()),
			Host:            hostOnly(host),
			Route:           string(ctx.URI().RequestURI()),
			Scheme:          scheme,
			Port:            portFromHost(host, scheme),
			RemoteAddr:      remoteAddr,
			StatusCode:      ctx.Response.StatusCode(),
			RequestHeaders:  reqHeaders,
			ResponseHeaders: headerMap(ctx.Response.Header.VisitAll),
			RequestBody:     reqBody,
			ResponseBody:    append([]byte(nil), ctx.Response.Body()...),
		}

		_, _ = rec.Terminate(termCtx, tx)

		if recovered != nil {
			panic(recovered)
		}
	}
}

func headerMap(visit func(func(key, value []byte))) map[string][]string {
	headers := make(map[string][]string)
	visit(func(k, v []byte) {
		key := string(k)
		headers[key] = append(headers[key], string(v))
	})
	return headers
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
