package metric

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposition(t *testing.T) {
	m := New()
	m.IncReadingsPublished()
	m.IncReadingsPublished()
	m.IncActuation("rule", "success")
	m.AddPeersConnected(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, body, "idiot_readings_published_total 2")
	assert.Contains(t, body, `idiot_actuations_total{origin="rule",result="success"} 1`)
	assert.Contains(t, body, "idiot_peers_connected 1")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncReadingsPublished()
		m.IncReadingsReceived()
		m.IncReadingsSuppressed()
		m.IncActuation("local", "success")
		m.IncRuleFirings()
		m.AddPeersConnected(1)
		m.AddWebClients(-1)
	})
	assert.Nil(t, m.Handler())
}

func TestHandlerServesGoRuntimeMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	New().Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}
