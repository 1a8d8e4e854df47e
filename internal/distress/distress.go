// Package distress builds and sends SOS messages carrying the node's
// best location estimate.
package distress

import (
	"context"
	"fmt"

	"rssi-locator/internal/fingerprint"
	"rssi-locator/internal/logging"
	"rssi-locator/internal/metrics"
)

// DefaultK is the neighbor count used for the SOS fix.
const DefaultK = 3

// Locator is the part of the locator engine an SOS needs.
type Locator interface {
	TriggerNewScan(ctx context.Context) error
	CurrentScanResults() []fingerprint.Sample
	Localize(scan []fingerprint.Sample, k int) fingerprint.Estimate
}

// Broadcaster delivers a text message to every node in range.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg string) error
}

// Reporter runs the scan, localize, send sequence.
type Reporter struct {
	locator Locator
	out     Broadcaster
	k       int
	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewReporter returns a reporter using k neighbors; k <= 0 selects DefaultK.
func NewReporter(locator Locator, out Broadcaster, k int, log *logging.Logger, m *metrics.Metrics) *Reporter {
	if k <= 0 {
		k = DefaultK
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Reporter{
		locator: locator,
		out:     out,
		k:       k,
		log:     log.Component("SOS"),
		metrics: m,
	}
}

// Format renders the SOS text for an estimate.
func Format(est fingerprint.Estimate) string {
	switch {
	case !est.HasFix():
		return "SOS! Location unknown."
	case est.Name == "":
		return fmt.Sprintf("SOS! Last known location: (Lat: %.3f, Lon: %.3f)", est.Latitude, est.Longitude)
	default:
		return fmt.Sprintf("SOS! Last known location: %s (Lat: %.3f, Lon: %.3f)", est.Name, est.Latitude, est.Longitude)
	}
}

// Trigger scans, localizes and broadcasts the SOS. A failed scan still sends
// a message built from whatever samples were gathered. The sent text is
// returned.
func (r *Reporter) Trigger(ctx context.Context) (string, error) {
	r.log.Infof("SOS triggered")

	if err := r.locator.TriggerNewScan(ctx); err != nil {
		r.log.Warnf("Scan for SOS incomplete: %v", err)
	}
	samples := r.locator.CurrentScanResults()
	r.log.Infof("Scan for SOS yielded %d results", len(samples))

	est := r.locator.Localize(samples, r.k)
	msg := Format(est)
	r.metrics.ObserveDistress(est.HasFix())

	r.log.Infof("Sending SOS message: %s", msg)
	if err := r.out.Broadcast(ctx, msg); err != nil {
		return msg, fmt.Errorf("failed to send SOS: %w", err)
	}
	return msg, nil
}
