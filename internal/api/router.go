package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"clickid-service/internal/observability"
)

func Router(h *ClickIDHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(observability.Measure)
	r.Use(middleware.RequestID)
	r.Use(RecoverJSON)

	r.Group(func(r chi.Router) {
		r.Use(CORS)
		if h.timeout > 0 {
			r.Use(middleware.Timeout(h.timeout))
		}
		// the .php path keeps existing snippets working
		for _, p := range []string{"/" + h.endpoint, "/" + h.endpoint + ".php"} {
			r.Options(p, Preflight)
			r.Get(p, h.ClickID)
			r.Post(p, h.ClickID)
		}
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.MetricsHandler())
	return r
}
