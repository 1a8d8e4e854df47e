// Package collector hosts a locator engine on a node: it wires the position
// source, radio bridges and mesh transport to the engine and serializes every
// call into it.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"rssi-locator/internal/anchor"
	"rssi-locator/internal/config"
	"rssi-locator/internal/distress"
	"rssi-locator/internal/fingerprint"
	"rssi-locator/internal/gps"
	"rssi-locator/internal/locator"
	"rssi-locator/internal/logging"
	"rssi-locator/internal/mesh"
	"rssi-locator/internal/metrics"
	"rssi-locator/internal/recordlog"
	"rssi-locator/internal/scan"
)

type Collector struct {
	config  *config.Config
	log     *logging.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	engine *locator.Engine

	gps         gps.Source
	mesh        *mesh.Client
	radios      []io.Closer
	records     *recordlog.Log
	reporter    *distress.Reporter
	anchorFixed bool

	learnReq    chan struct{}
	distressReq chan struct{}
}

// NewCollector creates a host for cfg. Nothing is opened until Initialize.
func NewCollector(cfg *config.Config, log *logging.Logger, m *metrics.Metrics) *Collector {
	if log == nil {
		log = logging.Discard()
	}
	engine := locator.New(
		locator.WithNodeID(cfg.Anchor.NodeID),
		locator.WithLogger(log),
		locator.WithMetrics(m),
		locator.WithLoRaLimit(cfg.Radio.MaxLoRaSamples),
		locator.WithLoRaIDPrefix(cfg.Radio.LoRaIDPrefix),
	)
	return &Collector{
		config:      cfg,
		log:         log.Component("Collector"),
		metrics:     m,
		engine:      engine,
		learnReq:    make(chan struct{}, 1),
		distressReq: make(chan struct{}, 1),
	}
}

// Initialize opens the position source, radio bridges, record log and mesh
// connection and loads the fingerprint database. On failure everything
// opened so far is closed again.
func (c *Collector) Initialize() (err error) {
	defer func() {
		if err != nil {
			if cerr := c.Close(); cerr != nil {
				c.log.Warnf("Cleanup after failed start: %v", cerr)
			}
		}
	}()

	c.gps, err = gps.New(c.config.GPS, c.log)
	if err != nil {
		return fmt.Errorf("failed to initialize GPS: %w", err)
	}
	if err := c.gps.Start(); err != nil {
		return fmt.Errorf("failed to start GPS: %w", err)
	}

	radio := c.config.Radio
	if radio.BLEPort != "" {
		s, err := scan.OpenSerialScanner(radio.BLEPort, radio.BaudRate, scan.KindBLE, radio.ScanWindow)
		if err != nil {
			return fmt.Errorf("failed to initialize BLE radio: %w", err)
		}
		c.AddScanner(s)
		c.radios = append(c.radios, s)
	}
	if radio.LoRaPort != "" {
		s, err := scan.OpenSerialScanner(radio.LoRaPort, radio.BaudRate, scan.KindLoRa, radio.ScanWindow)
		if err != nil {
			return fmt.Errorf("failed to initialize LoRa radio: %w", err)
		}
		s.SetIDPrefix(radio.LoRaIDPrefix)
		c.AddScanner(s)
		c.radios = append(c.radios, s)
	}
	if err := c.addStaticScanners(radio.Static); err != nil {
		return err
	}

	if path := c.config.Collection.RecordLog; path != "" {
		if c.records, err = recordlog.Open(path); err != nil {
			return err
		}
	}

	var out distress.Broadcaster = logBroadcaster{log: c.log}
	if c.config.Mesh.Enabled {
		clientID := c.config.Mesh.ClientID
		if clientID == "" {
			clientID = "rssi-locator-" + c.engine.NodeID()
		}
		c.mesh = mesh.NewClient(mesh.Options{
			Broker:        c.config.Mesh.Broker,
			Port:          c.config.Mesh.Port,
			ClientID:      clientID,
			AnchorTopic:   c.config.Mesh.AnchorTopic,
			DistressTopic: c.config.Mesh.DistressTopic,
			QoS:           c.config.Mesh.QoS,
		}, c.log)
		if err := c.mesh.Connect(); err != nil {
			return fmt.Errorf("failed to initialize mesh: %w", err)
		}
		out = c.mesh
	}
	c.reporter = distress.NewReporter(c.engine, out, c.config.Distress.K, c.log, c.metrics)

	if err := c.loadDatabase(); err != nil {
		return err
	}

	if c.config.Anchor.Enabled && (c.config.Anchor.Latitude != 0 || c.config.Anchor.Longitude != 0) {
		c.mu.Lock()
		c.engine.ConfigureAnchor(c.config.Anchor.Latitude, c.config.Anchor.Longitude)
		c.mu.Unlock()
		c.anchorFixed = true
	}
	return nil
}

// addStaticScanners attaches one replaying scanner per configured kind.
func (c *Collector) addStaticScanners(emitters []config.StaticEmitter) error {
	byKind := make(map[scan.Kind][]fingerprint.Sample)
	var order []scan.Kind
	for _, e := range emitters {
		kind, err := scan.ParseKind(e.Kind)
		if err != nil {
			return fmt.Errorf("invalid static emitter %s: %w", e.ID, err)
		}
		if _, seen := byKind[kind]; !seen {
			order = append(order, kind)
		}
		byKind[kind] = append(byKind[kind], fingerprint.Sample{ID: e.ID, RSSI: e.RSSI})
	}
	for _, kind := range order {
		c.AddScanner(scan.NewStaticScanner(kind, byKind[kind]...))
		c.log.Infof("Static %s scanner with %d emitters", kind, len(byKind[kind]))
	}
	return nil
}

func (c *Collector) loadDatabase() error {
	path := c.config.Database.Path
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		c.log.Infof("No database at %s, starting empty", path)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.engine.ImportDatabase(path); err != nil {
		return fmt.Errorf("failed to load database: %w", err)
	}
	return nil
}

// AddScanner attaches an extra radio front-end.
func (c *Collector) AddScanner(s scan.Scanner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine.AddScanner(s)
}

// Stats returns an engine snapshot.
func (c *Collector) Stats() locator.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Stats()
}

// RequestLearn asks Run to learn the current site as soon as possible.
func (c *Collector) RequestLearn() {
	select {
	case c.learnReq <- struct{}{}:
	default:
	}
}

// RequestDistress asks Run to send an SOS as soon as possible.
func (c *Collector) RequestDistress() {
	select {
	case c.distressReq <- struct{}{}:
	default:
	}
}

// WaitForGPSFix blocks until the position source reports a fix, the
// configured timeout expires or ctx is cancelled.
func (c *Collector) WaitForGPSFix(ctx context.Context) (*gps.Position, error) {
	if c.config.GPS.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.GPS.Timeout)
		defer cancel()
	}

	c.log.Infof("Waiting for GPS fix via %s (timeout: %v)", c.config.GPS.Mode, c.config.GPS.Timeout)
	pos, err := c.gps.WaitForFix(ctx)
	if err != nil {
		return nil, fmt.Errorf("GPS fix failed: %w", err)
	}
	c.log.Infof("GPS fix acquired: %.6f, %.6f (quality: %s, satellites: %d)",
		pos.Latitude, pos.Longitude, c.gps.FixQualityString(), pos.Satellites)
	return pos, nil
}

// Learn scans and stores the result as a fingerprint at the current
// position. It returns the number of samples stored.
func (c *Collector) Learn(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.engine.IsAnchor() {
		pos, err := c.gps.CurrentPosition()
		if err != nil {
			return 0, fmt.Errorf("cannot learn without a position: %w", err)
		}
		c.engine.SetPosition(pos.Latitude, pos.Longitude)
	}

	scanErr := c.engine.TriggerNewScan(ctx)
	samples := c.engine.CurrentScanResults()
	n, err := c.engine.CollectData(c.config.Collection.Label)
	if err != nil {
		return 0, err
	}
	if n == 0 && scanErr != nil {
		return 0, fmt.Errorf("learn scan failed: %w", scanErr)
	}
	if n > 0 && c.records != nil {
		st := c.engine.Stats()
		label := c.config.Collection.Label
		if label == "" {
			label = locator.DefaultLabel
		}
		rec := recordlog.Record{
			Time:      time.Now().UTC(),
			NodeID:    st.NodeID,
			Label:     label,
			Latitude:  st.Latitude,
			Longitude: st.Longitude,
			Samples:   samples,
		}
		if err := c.records.Append(rec); err != nil {
			c.log.Warnf("%v", err)
		}
	}
	return n, nil
}

// BroadcastAnchor announces this node's anchor position.
func (c *Collector) BroadcastAnchor(ctx context.Context) error {
	c.mu.Lock()
	msg := c.engine.SerializeAnchorInfo()
	c.mu.Unlock()

	if c.mesh == nil {
		c.log.Debugf("Mesh disabled, anchor broadcast not sent: %s", msg)
		return nil
	}
	if !c.mesh.IsConnected() {
		c.log.Debugf("Mesh offline, anchor broadcast skipped: %s", msg)
		return nil
	}
	if err := c.mesh.PublishAnchor(ctx, msg); err != nil {
		return fmt.Errorf("failed to broadcast anchor: %w", err)
	}
	c.log.Debugf("Broadcast %s", msg)
	return nil
}

// HandleAnchor folds an anchor broadcast from another node into the database.
// Our own broadcasts echoed back by the broker are ignored.
func (c *Collector) HandleAnchor(payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if info, err := anchor.Parse(payload); err == nil && info.NodeID == c.engine.NodeID() {
		return
	}
	if _, err := c.engine.ProcessAnchorInfo(payload); err != nil {
		c.log.Debugf("Ignoring anchor message %q: %v", payload, err)
	}
}

// TriggerDistress runs the SOS workflow and returns the message sent.
func (c *Collector) TriggerDistress(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reporter.Trigger(ctx)
}

// Save exports the database to the configured path.
func (c *Collector) Save() error {
	if c.config.Database.Path == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.ExportDatabase(c.config.Database.Path)
}

// Run serves learn, anchor, mesh and SOS events until ctx is cancelled. The
// database is saved on exit when autosave is on.
func (c *Collector) Run(ctx context.Context) error {
	if c.config.Anchor.Enabled && !c.anchorFixed {
		pos, err := c.WaitForGPSFix(ctx)
		if err != nil {
			return fmt.Errorf("anchor mode needs a position: %w", err)
		}
		c.mu.Lock()
		c.engine.ConfigureAnchor(pos.Latitude, pos.Longitude)
		c.mu.Unlock()
		c.anchorFixed = true
	}

	var learnTick, anchorTick <-chan time.Time
	if d := c.config.Collection.LearnInterval; d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		learnTick = t.C
	}
	if c.config.Anchor.Enabled {
		t := time.NewTicker(c.config.Anchor.BroadcastInterval)
		defer t.Stop()
		anchorTick = t.C
		if err := c.BroadcastAnchor(ctx); err != nil {
			c.log.Warnf("%v", err)
		}
	}

	var messages <-chan mesh.Message
	if c.mesh != nil {
		messages = c.mesh.Messages()
	}

	c.log.Infof("Node %s running", c.engine.NodeID())
	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		case <-learnTick:
			c.learn(ctx)
		case <-c.learnReq:
			c.learn(ctx)
		case <-anchorTick:
			if err := c.BroadcastAnchor(ctx); err != nil {
				c.log.Warnf("%v", err)
			}
		case msg := <-messages:
			switch {
			case c.mesh.IsAnchor(msg):
				c.HandleAnchor(msg.Payload)
			case c.mesh.IsDistress(msg):
				c.log.Warnf("Distress received: %s", msg.Payload)
			}
		case <-c.distressReq:
			if _, err := c.TriggerDistress(ctx); err != nil {
				c.log.Errorf("%v", err)
			}
		}
	}
}

func (c *Collector) learn(ctx context.Context) {
	n, err := c.Learn(ctx)
	if err != nil {
		c.log.Warnf("%v", err)
		return
	}
	if n == 0 {
		c.log.Infof("Scan heard nothing, no fingerprint stored")
	}
}

func (c *Collector) shutdown() error {
	if !c.config.Database.Autosave {
		return nil
	}
	if err := c.Save(); err != nil {
		return fmt.Errorf("autosave failed: %w", err)
	}
	c.log.Infof("Database saved to %s", c.config.Database.Path)
	return nil
}

// Close releases everything Initialize opened. It is safe to call more than once.
func (c *Collector) Close() error {
	var errs []error

	for _, r := range c.radios {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("radio close error: %w", err))
		}
	}
	c.radios = nil

	if c.records != nil {
		if err := c.records.Close(); err != nil {
			errs = append(errs, fmt.Errorf("record log close error: %w", err))
		}
		c.records = nil
	}

	if c.mesh != nil {
		if err := c.mesh.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mesh close error: %w", err))
		}
		c.mesh = nil
	}

	if c.gps != nil {
		if err := c.gps.Close(); err != nil {
			errs = append(errs, fmt.Errorf("GPS close error: %w", err))
		}
		c.gps = nil
	}

	return errors.Join(errs...)
}

// logBroadcaster stands in for the mesh when it is disabled.
type logBroadcaster struct {
	log *logging.Logger
}

func (b logBroadcaster) Broadcast(_ context.Context, msg string) error {
	b.log.Warnf("Mesh disabled, SOS not transmitted: %s", msg)
	return nil
}
