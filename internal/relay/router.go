package relay

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	outbox "github.com/oagudo/outboxkit"
)

// newRouter serves:
//
//	GET  /healthz         liveness
//	GET  /metrics         prometheus metrics
//	POST /trigger/{key}   wake the source key now
func newRouter(trigger outbox.Triggerer, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Post("/trigger/{key}", func(w http.ResponseWriter, req *http.Request) {
		key := chi.URLParam(req, "key")

		err := trigger.Trigger(key)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, outbox.ErrUnknownSourceKey):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			logger.Error("triggering source", "key", key, "error", err)
			http.Error(w, "trigger failed", http.StatusInternalServerError)
		}
	})

	return r
}
