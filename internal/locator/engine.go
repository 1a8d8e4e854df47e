// Package locator ties the fingerprint database, the live scan buffer and the
// anchor protocol together into the engine a node runs.
package locator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"rssi-locator/internal/anchor"
	"rssi-locator/internal/fingerprint"
	"rssi-locator/internal/logging"
	"rssi-locator/internal/metrics"
	"rssi-locator/internal/scan"
)

// DefaultLabel names fingerprints learned without an explicit label.
const DefaultLabel = "CollectedLocation"

// DefaultLoRaLimit caps the LoRa samples kept from one scan.
const DefaultLoRaLimit = 20

// Node ids LoRa bridges report for packets without a sender.
var unassignedNodeIDs = []string{"0", "!00000000"}

var (
	// ErrNoScanners is returned by TriggerNewScan when no radio front-end is attached.
	ErrNoScanners = errors.New("locator: no scanners configured")
	// ErrInvalidLabel is returned by CollectData for labels the CSV format cannot carry.
	ErrInvalidLabel = errors.New("locator: label must be at most 31 bytes without commas or line breaks")
)

// Engine owns one fingerprint database and one scan buffer. It is not safe for
// concurrent use; hosts serialize calls.
type Engine struct {
	db       *fingerprint.Database
	buffer   *scan.Buffer
	scanners []scan.Scanner

	ignored    map[string]bool
	loraMax    int
	loraPrefix string

	nodeID     string
	latitude   float64
	longitude  float64
	anchorMode bool

	log     *logging.Logger
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.log = l.Component("Locator") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNodeID sets the id used in anchor broadcasts.
func WithNodeID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.nodeID = id
		}
	}
}

func WithScanners(scanners ...scan.Scanner) Option {
	return func(e *Engine) { e.scanners = append(e.scanners, scanners...) }
}

// WithLoRaIDPrefix tells the engine how the LoRa bridge namespaces node ids,
// so the node's own id and the unassigned ids are recognized with the prefix.
func WithLoRaIDPrefix(prefix string) Option {
	return func(e *Engine) { e.loraPrefix = prefix }
}

// WithLoRaLimit caps the LoRa samples kept per scan. Zero or less removes the cap.
func WithLoRaLimit(n int) Option {
	return func(e *Engine) { e.loraMax = n }
}

// New creates an engine with an empty database at position (0, 0).
func New(opts ...Option) *Engine {
	e := &Engine{
		db:      fingerprint.NewDatabase(),
		buffer:  scan.NewBuffer(),
		ignored: make(map[string]bool),
		loraMax: DefaultLoRaLimit,
		nodeID:  NewNodeID(),
		log:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, id := range append([]string{e.nodeID}, unassignedNodeIDs...) {
		e.ignored[id] = true
		e.ignored[e.loraPrefix+id] = true
	}
	return e
}

// NewNodeID generates a short random node id such as "!3f2a9c1d".
func NewNodeID() string {
	return "!" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (e *Engine) NodeID() string {
	return e.nodeID
}

// AddScanner attaches a radio front-end used by TriggerNewScan.
func (e *Engine) AddScanner(s scan.Scanner) {
	e.scanners = append(e.scanners, s)
}

func (e *Engine) updateSize() {
	e.metrics.SetDatabaseSize(e.db.Len(), e.db.SampleCount())
}

// AddSample merges one observation into the database.
func (e *Engine) AddSample(id string, rssi int, lat, lon float64, name string) {
	e.db.AddSample(id, rssi, lat, lon, name)
	e.updateSize()
}

// ClearDatabase removes every fingerprint.
func (e *Engine) ClearDatabase() {
	e.db.Clear()
	e.updateSize()
}

// ImportDatabase replaces the database with the CSV file at path. When the
// file cannot be opened the database is unchanged.
func (e *Engine) ImportDatabase(path string) (fingerprint.ImportStats, error) {
	stats, err := e.db.Import(path)
	if err != nil {
		return stats, err
	}
	e.updateSize()
	e.metrics.ObserveImport(stats.Skipped)

	if stats.Skipped > 0 {
		e.log.Warnf("Imported %s: %d lines merged, %d malformed lines skipped", path, stats.Merged, stats.Skipped)
	} else {
		e.log.Infof("Imported %s: %d lines merged into %d fingerprints", path, stats.Merged, e.db.Len())
	}
	return stats, nil
}

// ExportDatabase writes the database as CSV to path.
func (e *Engine) ExportDatabase(path string) error {
	if err := e.db.Export(path); err != nil {
		return err
	}
	e.log.Debugf("Exported %d fingerprints to %s", e.db.Len(), path)
	return nil
}

// Localize estimates the position of scan from its k nearest fingerprints.
func (e *Engine) Localize(samples []fingerprint.Sample, k int) fingerprint.Estimate {
	est := e.db.Localize(samples, k)
	e.metrics.ObserveLocalization(est.HasFix())
	if est.HasFix() {
		e.log.Debugf("Localized %d samples: (%.6f, %.6f) %q from %d neighbors",
			len(samples), est.Latitude, est.Longitude, est.Name, len(est.Neighbors))
	} else {
		e.log.Debugf("No fix for %d samples (k=%d, %d fingerprints)", len(samples), k, e.db.Len())
	}
	return est
}

func (e *Engine) AddBLESample(id string, rssi int) {
	e.buffer.AddBLESample(id, rssi)
}

func (e *Engine) AddLoRaSample(id string, rssi int) {
	e.buffer.AddLoRaSample(id, rssi)
}

// SetPosition sets the location used when collecting and when broadcasting as an anchor.
func (e *Engine) SetPosition(lat, lon float64) {
	e.latitude = lat
	e.longitude = lon
}

// ConfigureAnchor pins the node at (lat, lon) and turns on anchor mode.
func (e *Engine) ConfigureAnchor(lat, lon float64) {
	e.SetPosition(lat, lon)
	e.anchorMode = true
	e.log.Infof("Anchor mode enabled for %s at (%.6f, %.6f)", e.nodeID, lat, lon)
}

func (e *Engine) IsAnchor() bool {
	return e.anchorMode
}

// TriggerNewScan clears the buffer and fills it from every attached scanner.
// Samples from healthy scanners are kept when another one fails; the failures
// are returned joined. Samples heard from this node itself or from an
// unassigned node are dropped, as are LoRa samples over the per-scan limit.
func (e *Engine) TriggerNewScan(ctx context.Context) error {
	e.buffer.Reset()
	if len(e.scanners) == 0 {
		return ErrNoScanners
	}

	var (
		errs []error
		lora int
	)
	for _, s := range e.scanners {
		samples, err := s.Scan(ctx)
		e.metrics.ObserveScan(s.Kind().String(), len(samples), err)

		dropped := 0
		for _, smp := range samples {
			if e.ignored[smp.ID] {
				e.log.Debugf("Dropping %s sample from ignored id %s", s.Kind(), smp.ID)
				continue
			}
			if s.Kind() == scan.KindLoRa {
				if e.loraMax > 0 && lora >= e.loraMax {
					dropped++
					continue
				}
				lora++
			}
			e.buffer.Add(s.Kind(), smp.ID, smp.RSSI)
		}
		if dropped > 0 {
			e.log.Warnf("LoRa limit of %d reached, %d samples discarded", e.loraMax, dropped)
		}

		if err != nil {
			e.log.Warnf("%s scan failed after %d samples: %v", s.Kind(), len(samples), err)
			errs = append(errs, fmt.Errorf("%s scan: %w", s.Kind(), err))
			continue
		}
		e.log.Debugf("%s scan reported %d samples", s.Kind(), len(samples))
	}
	return errors.Join(errs...)
}

// CurrentScanResults returns a copy of the live scan buffer.
func (e *Engine) CurrentScanResults() []fingerprint.Sample {
	return e.buffer.Samples()
}

// CollectData stores the buffered scan as a fingerprint at the current
// position under label, then clears the buffer. An empty label falls back to
// DefaultLabel. It returns the number of samples merged. A label that cannot
// be exported stores nothing and leaves the buffer intact.
func (e *Engine) CollectData(label string) (int, error) {
	if label == "" {
		label = DefaultLabel
	}
	if !fingerprint.ValidName(label) {
		e.log.Errorf("Not collecting under label %q: %v", label, ErrInvalidLabel)
		return 0, ErrInvalidLabel
	}
	samples := e.buffer.Samples()
	if len(samples) == 0 {
		return 0, nil
	}

	_, known := e.db.Lookup(e.latitude, e.longitude)
	for _, s := range samples {
		e.db.AddSample(s.ID, s.RSSI, e.latitude, e.longitude, label)
	}
	e.buffer.Reset()
	e.updateSize()

	verb := "new site"
	if known {
		verb = "existing site"
	}
	e.log.Infof("Collected %d samples at (%.6f, %.6f) as %q, %s", len(samples), e.latitude, e.longitude, label, verb)
	return len(samples), nil
}

// SerializeAnchorInfo builds this node's anchor broadcast.
func (e *Engine) SerializeAnchorInfo() string {
	return anchor.Serialize(e.nodeID, e.latitude, e.longitude)
}

// ProcessAnchorInfo folds a received anchor broadcast into the database.
// Messages that are not well-formed anchors are ignored and reported as errors.
func (e *Engine) ProcessAnchorInfo(msg string) (anchor.Info, error) {
	info, err := anchor.Parse(msg)
	if err != nil {
		return anchor.Info{}, err
	}
	e.AddSample(info.SampleID(), anchor.RSSI, info.Latitude, info.Longitude, anchor.Label)
	e.metrics.ObserveAnchor()
	e.log.Debugf("Anchor %s at (%.6f, %.6f)", info.NodeID, info.Latitude, info.Longitude)
	return info, nil
}

// Fingerprints returns a copy of the database contents.
func (e *Engine) Fingerprints() []fingerprint.Fingerprint {
	return e.db.Fingerprints()
}

// Stats is a snapshot of engine state.
type Stats struct {
	NodeID       string
	Fingerprints int
	Samples      int
	Buffered     int
	Scanners     int
	Latitude     float64
	Longitude    float64
	Anchor       bool
}

func (e *Engine) Stats() Stats {
	return Stats{
		NodeID:       e.nodeID,
		Fingerprints: e.db.Len(),
		Samples:      e.db.SampleCount(),
		Buffered:     e.buffer.Len(),
		Scanners:     len(e.scanners),
		Latitude:     e.latitude,
		Longitude:    e.longitude,
		Anchor:       e.anchorMode,
	}
}
