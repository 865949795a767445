package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// routeObservations returns how many latencies were recorded for method and
// route pattern.
func routeObservations(t *testing.T, method, route string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "http_request_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == method && labels["route"] == route {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func TestMiddlewareLabelsSearchAndDocumentRoutes(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/search", func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Query().Get("q") == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusTooManyRequests)
		})
		r.Post("/documents", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})
	})

	searchBefore := routeObservations(t, http.MethodGet, "/v1/search")
	docsBefore := routeObservations(t, http.MethodPost, "/v1/documents")
	badBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "400"))
	limitedBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "429"))
	createdBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "201"))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/search", nil),
		httptest.NewRequest(http.MethodGet, "/v1/search?q=%E5%B8%82%E7%9B%88%E7%8E%87", nil),
		httptest.NewRequest(http.MethodPost, "/v1/documents", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "400")) - badBefore; got != 1 {
		t.Errorf("expected one GET 400, got %f", got)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "429")) - limitedBefore; got != 1 {
		t.Errorf("expected one GET 429, got %f", got)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "201")) - createdBefore; got != 1 {
		t.Errorf("expected one POST 201, got %f", got)
	}
	if got := routeObservations(t, http.MethodGet, "/v1/search") - searchBefore; got != 2 {
		t.Errorf("expected two latencies for /v1/search, got %d", got)
	}
	if got := routeObservations(t, http.MethodPost, "/v1/documents") - docsBefore; got != 1 {
		t.Errorf("expected one latency for /v1/documents, got %d", got)
	}
}
