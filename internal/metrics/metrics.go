// Package metrics exposes the locator's Prometheus instruments.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "locator"

// Metrics holds the instruments of one locator process. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Fingerprints is the number of sites in the database
	Fingerprints prometheus.Gauge

	// Samples is the number of samples across all sites
	Samples prometheus.Gauge

	// Localizations counts queries by outcome ("fix" or "none")
	Localizations *prometheus.CounterVec

	// Scans counts scanner runs by radio kind and outcome
	Scans *prometheus.CounterVec

	// ScanSamples counts observations delivered by the radio front-ends
	ScanSamples *prometheus.CounterVec

	// Anchors counts anchor broadcasts folded into the database
	Anchors prometheus.Counter

	// ImportSkipped counts malformed CSV lines ignored during imports
	ImportSkipped prometheus.Counter

	// Distress counts SOS messages sent, by whether a fix was available
	Distress *prometheus.CounterVec
}

// New creates the instruments and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Fingerprints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fingerprints",
			Help:      "Number of fingerprint sites in the database",
		}),
		Samples: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "samples",
			Help:      "Number of samples stored across all fingerprint sites",
		}),
		Localizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "localizations_total",
				Help:      "Total number of localization queries",
			},
			[]string{"result"},
		),
		Scans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Total number of radio scans run",
			},
			[]string{"kind", "result"},
		),
		ScanSamples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scan_samples_total",
				Help:      "Total number of observations reported by radio scans",
			},
			[]string{"kind"},
		),
		Anchors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anchors_total",
			Help:      "Total number of anchor broadcasts merged into the database",
		}),
		ImportSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_skipped_lines_total",
			Help:      "Total number of malformed database lines skipped on import",
		}),
		Distress: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "distress_total",
				Help:      "Total number of distress messages sent",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		m.Fingerprints,
		m.Samples,
		m.Localizations,
		m.Scans,
		m.ScanSamples,
		m.Anchors,
		m.ImportSkipped,
		m.Distress,
	)
	return m
}

func resultLabel(ok bool) string {
	if ok {
		return "fix"
	}
	return "none"
}

// SetDatabaseSize updates the database gauges.
func (m *Metrics) SetDatabaseSize(fingerprints, samples int) {
	if m == nil {
		return
	}
	m.Fingerprints.Set(float64(fingerprints))
	m.Samples.Set(float64(samples))
}

// ObserveLocalization records one query and whether it produced a fix.
func (m *Metrics) ObserveLocalization(fix bool) {
	if m == nil {
		return
	}
	m.Localizations.WithLabelValues(resultLabel(fix)).Inc()
}

// ObserveScan records one scanner run.
func (m *Metrics) ObserveScan(kind string, samples int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Scans.WithLabelValues(kind, result).Inc()
	m.ScanSamples.WithLabelValues(kind).Add(float64(samples))
}

func (m *Metrics) ObserveAnchor() {
	if m == nil {
		return
	}
	m.Anchors.Inc()
}

func (m *Metrics) ObserveImport(skipped int) {
	if m == nil {
		return
	}
	m.ImportSkipped.Add(float64(skipped))
}

func (m *Metrics) ObserveDistress(fix bool) {
	if m == nil {
		return
	}
	m.Distress.WithLabelValues(resultLabel(fix)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
