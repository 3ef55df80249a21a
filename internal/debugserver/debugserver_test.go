package debugserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pantsbuild/corengine/internal/session"
)

type fakeSession struct {
	id       string
	timeline []session.Workunit
}

func (f *fakeSession) ID() string                     { return f.id }
func (f *fakeSession) Timeline() []session.Workunit { return f.timeline }

func TestHealthz(t *testing.T) {
	srv := New(prometheus.NewRegistry(), &fakeSession{id: "s1"}, false)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestTimeline(t *testing.T) {
	wu := session.Workunit{ID: "wu1", SessionID: "s1", Product: "demo"}
	srv := New(prometheus.NewRegistry(), &fakeSession{id: "s1", timeline: []session.Workunit{wu}}, false)

	req := httptest.NewRequest(http.MethodGet, "/timeline", nil)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "wu1")
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := New(reg, &fakeSession{id: "s1"}, false)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
