package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	return exporter
}

func spanAttrs(span tracetest.SpanStub) map[string]string {
	attrs := make(map[string]string)
	for _, a := range span.Attributes {
		attrs[string(a.Key)] = a.Value.Emit()
	}
	return attrs
}

func tracedRouter(status int) *chi.Mux {
	r := chi.NewRouter()
	r.Use(Tracing("identity-service"))
	r.Get("/api/auth/{provider}/callback", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	})
	return r
}

func TestTracing_SpanNamedByRoutePattern(t *testing.T) {
	exporter := setupTestTracer(t)

	tracedRouter(http.StatusFound).ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/api/auth/github/callback", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /api/auth/{provider}/callback", spans[0].Name)
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind)
	assert.Equal(t, "/api/auth/{provider}/callback", spanAttrs(spans[0])["http.route"])
	assert.Equal(t, "302", spanAttrs(spans[0])["http.response.status_code"])
}

func TestTracing_DoesNotRecordQueryString(t *testing.T) {
	exporter := setupTestTracer(t)

	tracedRouter(http.StatusFound).ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/api/auth/github/callback?code=secret-code&state=abc", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	for key, value := range spanAttrs(spans[0]) {
		assert.NotContains(t, value, "secret-code", "attribute %s leaks the code", key)
	}
}

func TestTracing_ServerErrorMarksSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	tracedRouter(http.StatusInternalServerError).ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/api/auth/google/callback", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestTracing_ClientErrorDoesNotMarkSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	tracedRouter(http.StatusBadRequest).ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/api/auth/google/callback", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)
}

func TestTracing_ContinuesInboundTrace(t *testing.T) {
	exporter := setupTestTracer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/google/callback", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()

	tracedRouter(http.StatusOK).ServeHTTP(rec, req)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext.TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent.SpanID().String())
	assert.NotEmpty(t, rec.Header().Get("traceparent"))
}
