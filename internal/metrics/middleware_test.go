package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/jobs/{job_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/v1/jobs/{job_id}/start", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	ok := httpRequestsTotal.WithLabelValues("GET", "/v1/jobs/{job_id}", "200")
	conflict := httpRequestsTotal.WithLabelValues("POST", "/v1/jobs/{job_id}/start", "409")
	beforeOK, beforeConflict := testutil.ToFloat64(ok), testutil.ToFloat64(conflict)

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/a/start", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	require.Equal(t, beforeOK+2, testutil.ToFloat64(ok), "ids must collapse into one route series")
	require.Equal(t, beforeConflict+1, testutil.ToFloat64(conflict))
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestMiddlewareUnknownRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)

	notFound := httpRequestsTotal.WithLabelValues("GET", "unknown", "404")
	before := testutil.ToFloat64(notFound)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, before+1, testutil.ToFloat64(notFound))
}
