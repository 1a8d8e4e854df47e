package collector

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rssi-locator/internal/config"
	"rssi-locator/internal/fingerprint"
	"rssi-locator/internal/locator"
	"rssi-locator/internal/logging"
	"rssi-locator/internal/metrics"
	"rssi-locator/internal/recordlog"
	"rssi-locator/internal/scan"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.GPS = config.GPSConfig{
		Mode:            "manual",
		ManualLatitude:  35.533,
		ManualLongitude: -97.621,
		ManualAltitude:  365.0,
		Timeout:         time.Second,
	}
	cfg.Database.Path = filepath.Join(t.TempDir(), "fingerprints.csv")
	cfg.Anchor.NodeID = "node-a"
	return cfg
}

func newTestCollector(t *testing.T, cfg *config.Config, logs *bytes.Buffer) *Collector {
	log := logging.Discard()
	if logs != nil {
		log = logging.New(logs, logging.LevelDebug)
	}
	c := NewCollector(cfg, log, metrics.New())
	require.NoError(t, c.Initialize())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLearnStoresFingerprintAtGPSPosition(t *testing.T) {
	cfg := testConfig(t)
	cfg.Collection.Label = "Kitchen"
	c := newTestCollector(t, cfg, nil)
	c.AddScanner(scan.NewStaticScanner(scan.KindBLE,
		fingerprint.Sample{ID: "AA:01", RSSI: -55},
		fingerprint.Sample{ID: "AA:02", RSSI: -80},
	))

	n, err := c.Learn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st := c.Stats()
	assert.Equal(t, 1, st.Fingerprints)
	assert.Equal(t, 2, st.Samples)
	assert.Equal(t, 35.533, st.Latitude)
	assert.Equal(t, -97.621, st.Longitude)
}

func TestStaticEmittersFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Radio.Static = []config.StaticEmitter{
		{Kind: "ble", ID: "AA:01", RSSI: -55},
		{Kind: "lora", ID: "!0badf00d", RSSI: -97},
		{Kind: "BLE", ID: "AA:02", RSSI: -70},
	}
	c := newTestCollector(t, cfg, nil)
	assert.Equal(t, 2, c.Stats().Scanners)

	n, err := c.Learn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestLearnAppendsRecordLog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Collection.RecordLog = filepath.Join(t.TempDir(), "learn.jsonl")
	cfg.Radio.Static = []config.StaticEmitter{{Kind: "ble", ID: "AA:01", RSSI: -55}}
	c := newTestCollector(t, cfg, nil)

	_, err := c.Learn(context.Background())
	require.NoError(t, err)
	_, err = c.Learn(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	records, skipped, err := recordlog.Read(cfg.Collection.RecordLog)
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	require.Len(t, records, 2)
	assert.Equal(t, "node-a", records[0].NodeID)
	assert.Equal(t, "CollectedLocation", records[0].Label)
	assert.Equal(t, 35.533, records[0].Latitude)
	assert.Equal(t, []fingerprint.Sample{{ID: "AA:01", RSSI: -55}}, records[1].Samples)
	assert.False(t, records[0].Time.IsZero())
}

func TestLearnRejectsUnexportableLabel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Collection.Label = "Office, 2nd floor"
	cfg.Radio.Static = []config.StaticEmitter{{Kind: "ble", ID: "AA:01", RSSI: -55}}
	c := newTestCollector(t, cfg, nil)

	n, err := c.Learn(context.Background())
	assert.ErrorIs(t, err, locator.ErrInvalidLabel)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, c.Stats().Fingerprints)
}

func TestInitializeFailureReleasesResources(t *testing.T) {
	cfg := testConfig(t)
	cfg.Radio.BLEPort = filepath.Join(t.TempDir(), "no-such-tty")
	c := NewCollector(cfg, logging.Discard(), metrics.New())

	require.Error(t, c.Initialize())
	assert.Nil(t, c.gps)
	assert.Empty(t, c.radios)
	assert.NoError(t, c.Close())
}

func TestInitializeRejectsBadStaticKind(t *testing.T) {
	cfg := testConfig(t)
	cfg.Radio.Static = []config.StaticEmitter{{Kind: "wifi", ID: "x"}}
	c := NewCollector(cfg, logging.Discard(), metrics.New())

	assert.Error(t, c.Initialize())
	assert.Nil(t, c.gps)
}

func TestLearnWithoutScanners(t *testing.T) {
	c := newTestCollector(t, testConfig(t), nil)
	n, err := c.Learn(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, n)
}

func TestInitializeLoadsDatabase(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Database.Path, []byte("1,2,Office,A,-40\nbad\n"), 0o644))

	c := newTestCollector(t, cfg, nil)
	assert.Equal(t, 1, c.Stats().Fingerprints)
}

func TestInitializeMissingDatabaseStartsEmpty(t *testing.T) {
	var logs bytes.Buffer
	c := newTestCollector(t, testConfig(t), &logs)
	assert.Equal(t, 0, c.Stats().Fingerprints)
	assert.Contains(t, logs.String(), "starting empty")
}

func TestHandleAnchorSkipsOwnBroadcast(t *testing.T) {
	c := newTestCollector(t, testConfig(t), nil)

	c.HandleAnchor("ANCHOR,node-a,1,2")
	assert.Equal(t, 0, c.Stats().Fingerprints)

	c.HandleAnchor("ANCHOR,node-b,1,2")
	c.HandleAnchor("not an anchor")
	assert.Equal(t, 1, c.Stats().Fingerprints)
}

func TestAnchorModeUsesConfiguredPosition(t *testing.T) {
	cfg := testConfig(t)
	cfg.Anchor.Enabled = true
	cfg.Anchor.Latitude = 45.5
	cfg.Anchor.Longitude = -122.25
	c := newTestCollector(t, cfg, nil)
	c.AddScanner(scan.NewStaticScanner(scan.KindLoRa, fingerprint.Sample{ID: "n2", RSSI: -90}))

	st := c.Stats()
	assert.True(t, st.Anchor)
	assert.Equal(t, 45.5, st.Latitude)

	// Learning at an anchor keeps the anchor position instead of the GPS one.
	_, err := c.Learn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 45.5, c.Stats().Latitude)
	require.NoError(t, c.BroadcastAnchor(context.Background()))
}

func TestTriggerDistressWithoutMesh(t *testing.T) {
	var logs bytes.Buffer
	c := newTestCollector(t, testConfig(t), &logs)

	msg, err := c.TriggerDistress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SOS! Location unknown.", msg)
	assert.Contains(t, logs.String(), "SOS not transmitted")
}

func TestRunServesRequestsAndAutosaves(t *testing.T) {
	cfg := testConfig(t)
	cfg.Anchor.Enabled = true
	c := newTestCollector(t, cfg, nil)
	c.AddScanner(scan.NewStaticScanner(scan.KindBLE, fingerprint.Sample{ID: "AA:01", RSSI: -55}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.RequestLearn()
	require.Eventually(t, func() bool { return c.Stats().Fingerprints == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	// Anchor mode without coordinates pins the node at its GPS fix.
	st := c.Stats()
	assert.True(t, st.Anchor)
	assert.Equal(t, 35.533, st.Latitude)

	data, err := os.ReadFile(cfg.Database.Path)
	require.NoError(t, err)
	assert.Equal(t, "35.533,-97.621,CollectedLocation,AA:01,-55\n", string(data))
}

func TestRunWithoutAutosave(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Autosave = false
	c := newTestCollector(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))

	_, err := os.Stat(cfg.Database.Path)
	assert.True(t, os.IsNotExist(err))
}
