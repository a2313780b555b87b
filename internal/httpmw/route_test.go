package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRoutePattern(t *testing.T) {
	if got := RoutePattern(httptest.NewRequest(http.MethodGet, "/x", http.NoBody)); got != UnmatchedRoute {
		t.Fatalf("without router = %q", got)
	}

	var got string
	r := chi.NewRouter()
	r.Get("/api/services", func(_ http.ResponseWriter, r *http.Request) { got = RoutePattern(r) })
	r.NotFound(func(_ http.ResponseWriter, r *http.Request) { got = RoutePattern(r) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/services", http.NoBody))
	if got != "/api/services" {
		t.Fatalf("matched = %q", got)
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/wp-login.php", http.NoBody))
	if got != UnmatchedRoute {
		t.Fatalf("unmatched = %q", got)
	}
}

func TestAnnotateHTTPRoute(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	r := chi.NewRouter()
	r.Use(AnnotateHTTPRoute)
	r.Post("/api/contact", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "POST")
	req := httptest.NewRequest(http.MethodPost, "/api/contact", http.NoBody).WithContext(ctx)
	r.ServeHTTP(httptest.NewRecorder(), req)
	span.End()

	ended := sr.Ended()
	if len(ended) != 1 {
		t.Fatalf("spans = %d", len(ended))
	}
	if ended[0].Name() != "POST /api/contact" {
		t.Fatalf("span name = %q", ended[0].Name())
	}
	var route string
	for _, kv := range ended[0].Attributes() {
		if kv.Key == attribute.Key("http.route") {
			route = kv.Value.AsString()
		}
	}
	if route != "/api/contact" {
		t.Fatalf("http.route = %q", route)
	}
}

func TestAnnotateHTTPRoute_NoSpan(t *testing.T) {
	rec := httptest.NewRecorder()
	AnnotateHTTPRoute(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
