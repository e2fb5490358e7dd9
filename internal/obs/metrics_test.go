package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                       "/",
		"/metrics":               "/metrics",
		"/oauth/token":           "/oauth/token",
		"/oauth/token?x=1":       "/oauth/token",
		"/admin/users":           "/admin/users",
		"/admin/users/alice":     "/admin/users/:id",
		"/admin/clients/c1":      "/admin/clients/:id",
		"/admin/users/alice/etc": "/admin/users/alice/etc",
	}
	for input, expected := range cases {
		assert.Equal(t, expected, CanonicalPath(input), input)
	}
}

func TestTokenValidatedCounts(t *testing.T) {
	before := testutil.ToFloat64(tokenValidations.WithLabelValues("cache", "accepted"))
	TokenValidated("cache", true)
	after := testutil.ToFloat64(tokenValidations.WithLabelValues("cache", "accepted"))
	assert.InDelta(t, 1, after-before, 0)
}

func TestInstrumentRecordsStatus(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/admin/users/:id", "418"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/users/bob", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/admin/users/:id", "418"))
	assert.InDelta(t, 1, after-before, 0, "request counted")
}
