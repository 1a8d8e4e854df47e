// Package gps provides the node position used to label learned fingerprints
// and anchor broadcasts.
package gps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/stratoberry/go-gpsd"
	"go.bug.st/serial"

	"rssi-locator/internal/config"
	"rssi-locator/internal/logging"
)

type Position struct {
	Latitude   float64
	Longitude  float64
	Altitude   float64
	Timestamp  time.Time
	FixQuality int
	Satellites int
}

// Source is a position provider
type Source interface {
	Start() error
	WaitForFix(ctx context.Context) (*Position, error)
	CurrentPosition() (*Position, error)
	IsFixValid() bool
	FixQualityString() string
	Close() error
}

// New creates the source selected by cfg.Mode
func New(cfg config.GPSConfig, log *logging.Logger) (Source, error) {
	if log == nil {
		log = logging.Discard()
	}
	log = log.Component("GPS")

	switch cfg.Mode {
	case "manual":
		return NewManual(cfg.ManualLatitude, cfg.ManualLongitude, cfg.ManualAltitude), nil
	case "gpsd":
		return NewGPSDClient(cfg.GPSDHost, cfg.GPSDPort, log), nil
	case "nmea", "":
		return OpenNMEASerial(cfg.Port, cfg.BaudRate, log)
	default:
		return nil, fmt.Errorf("unknown GPS mode: %s", cfg.Mode)
	}
}

// fixState is the position shared by the streaming sources
type fixState struct {
	mu       sync.RWMutex
	position Position
	fixChan  chan Position
}

func (f *fixState) publish(pos Position) {
	select {
	case f.fixChan <- pos:
	default:
	}
}

func (f *fixState) waitForFix(ctx context.Context, hint string) (*Position, error) {
	if pos, err := f.current(); err == nil {
		return pos, nil
	}
	for {
		select {
		case pos := <-f.fixChan:
			if pos.FixQuality > 0 {
				return &pos, nil
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("GPS fix not acquired%s: %w", hint, ctx.Err())
		}
	}
}

func (f *fixState) current() (*Position, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.position.FixQuality == 0 {
		return nil, fmt.Errorf("no GPS fix available")
	}
	pos := f.position
	return &pos, nil
}

func (f *fixState) quality() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.position.FixQuality
}

// NMEASerial reads NMEA sentences from a serial receiver
type NMEASerial struct {
	fixState
	port io.ReadWriteCloser
	log  *logging.Logger
}

// OpenNMEASerial opens the receiver on portName and asks u-blox modules for GGA/RMC output
func OpenNMEASerial(portName string, baudRate int, log *logging.Logger) (*NMEASerial, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPS port %s: %w", portName, err)
	}

	n := NewNMEASerial(port, log)
	n.configureUblox()
	return n, nil
}

// NewNMEASerial reads sentences from an already open stream
func NewNMEASerial(port io.ReadWriteCloser, log *logging.Logger) *NMEASerial {
	if log == nil {
		log = logging.Discard()
	}
	return &NMEASerial{
		fixState: fixState{fixChan: make(chan Position, 10)},
		port:     port,
		log:      log,
	}
}

// configureUblox enables GGA and RMC on UART1 with UBX-CFG-MSG
func (n *NMEASerial) configureUblox() {
	ggaCmd := []byte{0xB5, 0x62, 0x06, 0x01, 0x08, 0x00, 0xF0, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01, 0x31}
	rmcCmd := []byte{0xB5, 0x62, 0x06, 0x01, 0x08, 0x00, 0xF0, 0x04, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x05, 0x3B}

	for _, cmd := range [][]byte{ggaCmd, rmcCmd} {
		if _, err := n.port.Write(cmd); err != nil {
			n.log.Warnf("Failed to send u-blox configuration: %v", err)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	n.log.Debugf("Sent u-blox configuration for NMEA GGA/RMC output")
}

func (n *NMEASerial) Start() error {
	go n.readLoop()
	return nil
}

func (n *NMEASerial) readLoop() {
	scanner := bufio.NewScanner(n.port)
	n.log.Debugf("Starting NMEA read loop")

	for scanner.Scan() {
		n.handleLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		n.log.Warnf("NMEA read error: %v", err)
	}
	n.log.Debugf("NMEA read loop ended")
}

// handleLine parses one line, ignoring binary noise and unrelated sentences
func (n *NMEASerial) handleLine(line string) {
	if len(line) == 0 || line[0] != '$' {
		return
	}
	for _, r := range line {
		if r < 32 || r > 126 {
			return
		}
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		n.log.Debugf("NMEA parse error: %v (line: %s)", err, line)
		return
	}

	switch s := sentence.(type) {
	case nmea.GGA:
		n.processGGA(s)
	case nmea.RMC:
		n.processRMC(s)
	}
}

func ggaQuality(q string) int {
	switch q {
	case nmea.GPS:
		return 1
	case nmea.DGPS:
		return 2
	case nmea.PPS:
		return 3
	case nmea.RTK:
		return 4
	case nmea.FRTK:
		return 5
	case nmea.Manual:
		return 7
	default:
		return 0
	}
}

func (n *NMEASerial) processGGA(s nmea.GGA) {
	quality := ggaQuality(s.FixQuality)
	if quality == 0 {
		return
	}

	pos := Position{
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		Altitude:   s.Altitude,
		Timestamp:  time.Now(),
		FixQuality: quality,
		Satellites: int(s.NumSatellites),
	}

	n.mu.Lock()
	n.position = pos
	n.mu.Unlock()

	n.log.Debugf("Position %.6f, %.6f quality %d, %d satellites", pos.Latitude, pos.Longitude, pos.FixQuality, pos.Satellites)
	n.publish(pos)
}

// processRMC refreshes coordinates and time of an existing GGA fix
func (n *NMEASerial) processRMC(s nmea.RMC) {
	if s.Validity != nmea.ValidRMC {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.position.FixQuality == 0 {
		return
	}

	ts := time.Now().UTC()
	if s.Time.Valid {
		ts = time.Date(ts.Year(), ts.Month(), ts.Day(),
			s.Time.Hour, s.Time.Minute, s.Time.Second,
			s.Time.Millisecond*int(time.Millisecond), time.UTC)
	}
	n.position.Latitude = s.Latitude
	n.position.Longitude = s.Longitude
	n.position.Timestamp = ts
}

func (n *NMEASerial) WaitForFix(ctx context.Context) (*Position, error) {
	return n.waitForFix(ctx, " (receiver may be emitting UBX binary instead of NMEA GGA/RMC, consider --gps-mode=gpsd)")
}

func (n *NMEASerial) CurrentPosition() (*Position, error) {
	return n.current()
}

func (n *NMEASerial) IsFixValid() bool {
	return n.quality() > 0
}

func (n *NMEASerial) FixQualityString() string {
	return qualityString(n.quality())
}

func (n *NMEASerial) Close() error {
	if n.port != nil {
		return n.port.Close()
	}
	return nil
}

// GPSDClient reads TPV and SKY reports from gpsd
type GPSDClient struct {
	fixState
	session *gpsd.Session
	host    string
	port    string
	log     *logging.Logger
}

func NewGPSDClient(host, port string, log *logging.Logger) *GPSDClient {
	if log == nil {
		log = logging.Discard()
	}
	return &GPSDClient{
		fixState: fixState{fixChan: make(chan Position, 10)},
		host:     host,
		port:     port,
		log:      log,
	}
}

func (g *GPSDClient) Start() error {
	address := gpsd.DefaultAddress
	if g.host != "" && g.port != "" {
		address = fmt.Sprintf("%s:%s", g.host, g.port)
	}

	session, err := gpsd.Dial(address)
	if err != nil {
		return fmt.Errorf("failed to connect to gpsd at %s: %w", address, err)
	}
	g.session = session

	g.session.AddFilter("TPV", func(r interface{}) {
		if tpv, ok := r.(*gpsd.TPVReport); ok {
			g.handleTPV(tpv)
		}
	})
	g.session.AddFilter("SKY", func(r interface{}) {
		if sky, ok := r.(*gpsd.SKYReport); ok {
			g.handleSKY(sky)
		}
	})

	g.session.Watch()
	g.log.Infof("Watching gpsd at %s", address)
	return nil
}

// handleTPV takes 2D and 3D fixes, keeping the last SKY satellite count
func (g *GPSDClient) handleTPV(tpv *gpsd.TPVReport) {
	if tpv.Mode < 2 || (tpv.Lat == 0 && tpv.Lon == 0) {
		return
	}

	g.mu.Lock()
	pos := Position{
		Latitude:   tpv.Lat,
		Longitude:  tpv.Lon,
		Altitude:   tpv.Alt,
		Timestamp:  tpv.Time,
		FixQuality: 1,
		Satellites: g.position.Satellites,
	}
	g.position = pos
	g.mu.Unlock()

	g.publish(pos)
}

func (g *GPSDClient) handleSKY(sky *gpsd.SKYReport) {
	g.mu.Lock()
	g.position.Satellites = len(sky.Satellites)
	g.mu.Unlock()
}

func (g *GPSDClient) WaitForFix(ctx context.Context) (*Position, error) {
	return g.waitForFix(ctx, " from gpsd")
}

func (g *GPSDClient) CurrentPosition() (*Position, error) {
	return g.current()
}

func (g *GPSDClient) IsFixValid() bool {
	return g.quality() > 0
}

func (g *GPSDClient) FixQualityString() string {
	return qualityString(g.quality()) + " (via gpsd)"
}

func (g *GPSDClient) Close() error {
	if g.session != nil {
		g.session.Close()
	}
	return nil
}

// Manual is a fixed, operator-supplied position
type Manual struct {
	position Position
}

func NewManual(lat, lon, alt float64) *Manual {
	return &Manual{position: Position{
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   alt,
		FixQuality: 7,
	}}
}

func (m *Manual) Start() error { return nil }

func (m *Manual) WaitForFix(context.Context) (*Position, error) {
	return m.CurrentPosition()
}

func (m *Manual) CurrentPosition() (*Position, error) {
	pos := m.position
	pos.Timestamp = time.Now()
	return &pos, nil
}

func (m *Manual) IsFixValid() bool { return true }

func (m *Manual) FixQualityString() string { return qualityString(7) }

func (m *Manual) Close() error { return nil }

func qualityString(quality int) string {
	switch quality {
	case 0:
		return "Invalid"
	case 1:
		return "GPS fix (SPS)"
	case 2:
		return "DGPS fix"
	case 3:
		return "PPS fix"
	case 4:
		return "Real Time Kinematic"
	case 5:
		return "Float RTK"
	case 6:
		return "estimated (dead reckoning)"
	case 7:
		return "Manual input mode"
	case 8:
		return "Simulation mode"
	default:
		return "Unknown"
	}
}
