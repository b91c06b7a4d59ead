package proxy

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

// middleware wraps a handler. chain applies a set with the first entry
// outermost, so chain(h, a, b) runs a, then b, then h.
type middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

func chain(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// recoverPanics converts a handler panic into the standard error envelope so
// one bad request cannot take the router down mid-proxy.
func (g *Gateway) recoverPanics(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.Write(ctx, fasthttp.StatusInternalServerError,
					"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
			}
		}()
		next(ctx)
	}
}

// observe assigns the request id that every log line and decision record keys
// on (client-supplied X-Request-ID wins), and stamps the total handler time in
// X-Response-Time so callers can separate router overhead from upstream
// latency.
func (g *Gateway) observe(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.SetUserValue("request_id", id)
		ctx.Response.Header.Set("X-Request-ID", id)

		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// cors answers preflight and stamps the allow headers from the configured
// origin list. Empty or ["*"] leaves the gateway open; anything else becomes
// a strict allowlist joined with ", ".
func (g *Gateway) cors(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(g.corsOrigins) > 0 && !(len(g.corsOrigins) == 1 && g.corsOrigins[0] == "*") {
		origin = strings.Join(g.corsOrigins, ", ")
	}
	return func(ctx *fasthttp.RequestCtx) {
		h := &ctx.Response.Header
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, X-Session-ID")

		if string(ctx.Method()) == fasthttp.MethodOptions {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}
		next(ctx)
	}
}

// apiHeaders marks every response as non-sniffable and non-cacheable. Proxied
// bodies can embed caller prompts and session identifiers; they must never
// land in a shared cache.
func apiHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		ctx.Response.Header.Set("X-Content-Type-Options", "nosniff")
		ctx.Response.Header.Set("Cache-Control", "no-store")
	}
}
