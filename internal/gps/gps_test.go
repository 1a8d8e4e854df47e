package gps

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stratoberry/go-gpsd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rssi-locator/internal/config"
)

const (
	ggaFix   = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	ggaNoFix = "$GPGGA,123519,4807.038,N,01131.000,E,0,00,,,M,,M,,*52"
	rmcFix   = "$GPRMC,123520,A,4808.000,N,01132.000,E,022.4,084.4,230394,003.1,W*67"
)

type nopPort struct {
	io.Reader
}

func (nopPort) Write(b []byte) (int, error) { return len(b), nil }
func (nopPort) Close() error                { return nil }

func TestNMEAIgnoresNoiseAndInvalidFix(t *testing.T) {
	n := NewNMEASerial(nopPort{}, nil)

	n.handleLine("")
	n.handleLine("garbage")
	n.handleLine("$GPGGA,\x01\x02")
	n.handleLine("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*00")
	n.handleLine(ggaNoFix)
	n.handleLine(rmcFix)

	assert.False(t, n.IsFixValid())
	assert.Equal(t, "Invalid", n.FixQualityString())
	_, err := n.CurrentPosition()
	assert.Error(t, err)
}

func TestNMEAGGAThenRMC(t *testing.T) {
	n := NewNMEASerial(nopPort{}, nil)

	n.handleLine(ggaFix)
	pos, err := n.CurrentPosition()
	require.NoError(t, err)
	assert.InDelta(t, 48.1173, pos.Latitude, 1e-6)
	assert.InDelta(t, 11.516667, pos.Longitude, 1e-6)
	assert.InDelta(t, 545.4, pos.Altitude, 1e-9)
	assert.Equal(t, 8, pos.Satellites)
	assert.Equal(t, "GPS fix (SPS)", n.FixQualityString())

	n.handleLine(rmcFix)
	pos, err = n.CurrentPosition()
	require.NoError(t, err)
	assert.InDelta(t, 48.133333, pos.Latitude, 1e-6)
	assert.InDelta(t, 11.533333, pos.Longitude, 1e-6)
	assert.InDelta(t, 545.4, pos.Altitude, 1e-9)
	assert.Equal(t, 8, pos.Satellites)
	assert.Equal(t, 12, pos.Timestamp.Hour())
	assert.Equal(t, 35, pos.Timestamp.Minute())
}

func TestNMEAReadLoopDeliversFix(t *testing.T) {
	stream := strings.NewReader("noise\r\n" + ggaNoFix + "\r\n" + ggaFix + "\r\n")
	n := NewNMEASerial(nopPort{Reader: stream}, nil)
	require.NoError(t, n.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pos, err := n.WaitForFix(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 48.1173, pos.Latitude, 1e-6)
}

func TestWaitForFixHonorsContext(t *testing.T) {
	n := NewNMEASerial(nopPort{Reader: strings.NewReader("")}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := n.WaitForFix(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "gpsd")
}

func TestGPSDSatelliteCountPreservation(t *testing.T) {
	g := NewGPSDClient("localhost", "2947", nil)

	// SKY before TPV: the satellite count is kept for the coming fix
	g.handleSKY(&gpsd.SKYReport{Satellites: make([]gpsd.Satellite, 4)})
	assert.False(t, g.IsFixValid())

	g.handleTPV(&gpsd.TPVReport{Mode: 3, Lat: 33.349, Lon: -111.758, Alt: 359.84, Time: time.Now()})

	pos, err := g.CurrentPosition()
	require.NoError(t, err)
	assert.Equal(t, 1, pos.FixQuality)
	assert.Equal(t, 4, pos.Satellites)
	assert.Equal(t, 33.349, pos.Latitude)
	assert.Equal(t, -111.758, pos.Longitude)
	assert.Equal(t, "GPS fix (SPS) (via gpsd)", g.FixQualityString())
}

func TestGPSDSatelliteCountUpdate(t *testing.T) {
	g := NewGPSDClient("localhost", "2947", nil)
	g.handleTPV(&gpsd.TPVReport{Mode: 2, Lat: 33.349, Lon: -111.758})
	g.handleSKY(&gpsd.SKYReport{Satellites: make([]gpsd.Satellite, 6)})

	pos, err := g.CurrentPosition()
	require.NoError(t, err)
	assert.Equal(t, 6, pos.Satellites)
	assert.Equal(t, 1, pos.FixQuality)
	assert.Equal(t, 33.349, pos.Latitude)
}

func TestGPSDRejectsNoFix(t *testing.T) {
	g := NewGPSDClient("localhost", "2947", nil)
	g.handleTPV(&gpsd.TPVReport{Mode: 1, Lat: 33.349, Lon: -111.758})
	g.handleTPV(&gpsd.TPVReport{Mode: 3})
	assert.False(t, g.IsFixValid())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.WaitForFix(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManualSource(t *testing.T) {
	src, err := New(config.GPSConfig{Mode: "manual", ManualLatitude: 45.5, ManualLongitude: -122.25, ManualAltitude: 30}, nil)
	require.NoError(t, err)
	require.NoError(t, src.Start())

	pos, err := src.WaitForFix(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 45.5, pos.Latitude)
	assert.Equal(t, -122.25, pos.Longitude)
	assert.True(t, src.IsFixValid())
	assert.Equal(t, "Manual input mode", src.FixQualityString())
	assert.NoError(t, src.Close())
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(config.GPSConfig{Mode: "glonass"}, nil)
	assert.Error(t, err)
}
