// Package debugserver implements the engine's debug HTTP surface
// (SPEC_FULL.md "Debug HTTP surface": /healthz, /metrics, and a JSON
// dump of a session's workunit timeline), adapted from the chi router
// setup of nar-bridge/pkg/server/server.go. Unlike the teacher, this
// uses the v5-consistent chi/v5/middleware import rather than the
// teacher's mixed chi/middleware + chi/v5 imports.
package debugserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/pantsbuild/corengine/internal/session"
)

// TimelineSource is the subset of *session.Session the debug server
// reads from; tests substitute a fake to avoid driving a real graph.
type TimelineSource interface {
	ID() string
	Timeline() []session.Workunit
}

// Server is the engine's debug HTTP surface.
type Server struct {
	handler chi.Router
}

// New builds a Server exposing /healthz, /metrics (scraping reg), and
// /timeline (the current session's recorded workunits as JSON).
func New(reg *prometheus.Registry, sess TimelineSource, enableAccessLog bool) *Server {
	r := chi.NewRouter()

	if enableAccessLog {
		r.Use(middleware.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Get("/timeline", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sess.Timeline()); err != nil {
			log.WithError(err).Error("encoding timeline response")
		}
	})

	return &Server{handler: r}
}

// ListenAndServe blocks serving addr, matching the conservative
// timeouts of nar-bridge/pkg/server/server.go's http.Server.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv.ListenAndServe()
}
