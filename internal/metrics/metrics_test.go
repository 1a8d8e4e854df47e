package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservations(t *testing.T) {
	m := New()

	m.SetDatabaseSize(4, 17)
	m.ObserveLocalization(true)
	m.ObserveLocalization(false)
	m.ObserveLocalization(true)
	m.ObserveScan("ble", 5, nil)
	m.ObserveScan("lora", 2, errors.New("timeout"))
	m.ObserveAnchor()
	m.ObserveImport(3)
	m.ObserveDistress(false)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.Fingerprints))
	assert.Equal(t, 17.0, testutil.ToFloat64(m.Samples))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Localizations.WithLabelValues("fix")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Localizations.WithLabelValues("none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Scans.WithLabelValues("lora", "error")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ScanSamples.WithLabelValues("ble")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Anchors))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ImportSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Distress.WithLabelValues("none")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetDatabaseSize(1, 1)
		m.ObserveLocalization(true)
		m.ObserveScan("ble", 1, nil)
		m.ObserveAnchor()
		m.ObserveImport(1)
		m.ObserveDistress(true)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveAnchor()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "locator_anchors_total 1")
	assert.Contains(t, string(body), "locator_fingerprints 0")
}
