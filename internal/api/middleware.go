package api

import (
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"clickid-service/internal/observability"
)

// CORS opens the endpoint to tracking snippets on any origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Type", "application/json; charset=utf-8")
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

// Preflight answers CORS preflight requests.
func Preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// RecoverJSON turns a panic into a 200 JSON error body so embedding pages
// always get something parseable. A panic after the response has started is
// only logged.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			observability.RequestErrors.WithLabelValues("panic").Inc()
			log.Error().
				Interface("panic", rvr).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("path", r.URL.Path).
				Bytes("stack", debug.Stack()).
				Bool("response_started", ww.Status() != 0).
				Msg("handler panic")
			if ww.Status() != 0 {
				return
			}
			writeJSON(ww, http.StatusOK, errorResponse{Error: "internal error"})
		}()
		next.ServeHTTP(ww, r)
	})
}
