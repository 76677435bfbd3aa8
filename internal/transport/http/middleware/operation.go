package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-social-nosql/internal/opctx"
)

// CostHeader reports the store capacity consumed by a request.
const CostHeader = "X-Request-Cost"

// Operation starts an operation context per request. The cost consumed
// before the status line is written goes into CostHeader; the final cost is
// logged once the handler returns.
func Operation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, op := opctx.New(r.Context())
		cw := &costWriter{ResponseWriter: w, op: op}
		next.ServeHTTP(cw, r.WithContext(ctx))
		slog.Debug("request finished",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", chimiddleware.GetReqID(r.Context()),
			"cost", op.Cost(),
			"metrics", op.Metrics(),
		)
	})
}

type costWriter struct {
	http.ResponseWriter
	op          *opctx.Operation
	wroteHeader bool
}

func (w *costWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.Header().Set(CostHeader, strconv.FormatFloat(w.op.Cost(), 'f', -1, 64))
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *costWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
