package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-social-nosql/internal/opctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperation_ReportsCost(t *testing.T) {
	var seen *opctx.Operation
	h := Operation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = opctx.From(r.Context())
		opctx.AddCost(r.Context(), 1.5)
		opctx.AddCost(r.Context(), 1)
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotNil(t, seen)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "2.5", rr.Header().Get(CostHeader))
}

func TestOperation_ImplicitOK(t *testing.T) {
	h := Operation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "0", rr.Header().Get(CostHeader))
	assert.Equal(t, "ok", rr.Body.String())
}
