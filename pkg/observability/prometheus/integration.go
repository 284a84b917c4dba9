package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Handler serves the metrics gathered by g (DefaultRegistry when nil) in the
// Prometheus exposition format.
func Handler(g prometheus.Gatherer) fasthttp.RequestHandler {
	if g == nil {
		g = DefaultRegistry
	}
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

// FastHTTPMetricsMiddleware counts requests served by next.
func FastHTTPMetricsMiddleware(m *QueueMetrics, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		m.AdminRequests.WithLabelValues(string(ctx.Path()), statusCodeString(ctx.Response.StatusCode())).Inc()
	}
}

func statusCodeString(code int) string {
	switch {
	case code >= http.StatusOK && code < http.StatusMultipleChoices:
		return "2xx"
	case code >= http.StatusMultipleChoices && code < http.StatusBadRequest:
		return "3xx"
	case code >= http.StatusBadRequest && code < http.StatusInternalServerError:
		return "4xx"
	case code >= http.StatusInternalServerError:
		return "5xx"
	default:
		return "unknown"
	}
}
