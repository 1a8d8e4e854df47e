package locator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rssi-locator/internal/anchor"
	"rssi-locator/internal/fingerprint"
	"rssi-locator/internal/logging"
	"rssi-locator/internal/metrics"
	"rssi-locator/internal/scan"
)

func TestNewEngineDefaults(t *testing.T) {
	e := New()
	st := e.Stats()
	assert.Equal(t, 0, st.Fingerprints)
	assert.False(t, st.Anchor)
	assert.Regexp(t, `^![0-9a-f]{8}$`, e.NodeID())

	assert.Equal(t, "relay-1", New(WithNodeID("relay-1")).NodeID())
	assert.NotEmpty(t, New(WithNodeID("")).NodeID())
}

func TestCollectAndLocalize(t *testing.T) {
	e := New()

	e.SetPosition(10, 10)
	e.AddBLESample("A", -40)
	e.AddLoRaSample("B", -90)
	n, err := e.CollectData("Office")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, e.CurrentScanResults())

	e.SetPosition(20, 20)
	e.AddBLESample("A", -90)
	e.AddLoRaSample("B", -40)
	n, err = e.CollectData("Lobby")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	est := e.Localize([]fingerprint.Sample{{ID: "A", RSSI: -45}, {ID: "B", RSSI: -85}}, 1)
	require.True(t, est.HasFix())
	assert.Equal(t, 10.0, est.Latitude)
	assert.Equal(t, "Office", est.Name)

	st := e.Stats()
	assert.Equal(t, 2, st.Fingerprints)
	assert.Equal(t, 4, st.Samples)
	assert.Equal(t, 20.0, st.Latitude)
}

func TestCollectDataDefaultLabelAndEmptyBuffer(t *testing.T) {
	e := New()
	n, err := e.CollectData("ignored")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, e.Stats().Fingerprints)

	e.AddBLESample("A", -50)
	_, err = e.CollectData("")
	require.NoError(t, err)
	fps := e.Fingerprints()
	require.Len(t, fps, 1)
	assert.Equal(t, DefaultLabel, fps[0].Name)
	assert.Equal(t, 0.0, fps[0].Latitude)
}

func TestCollectDataRejectsUnexportableLabel(t *testing.T) {
	e := New()
	e.SetPosition(1, 2)
	e.AddBLESample("A", -50)

	for _, label := range []string{"Office, 2nd floor", "Lobby\nEast", strings.Repeat("x", fingerprint.MaxFieldLen+1)} {
		n, err := e.CollectData(label)
		assert.ErrorIs(t, err, ErrInvalidLabel, label)
		assert.Equal(t, 0, n)
	}
	assert.Equal(t, 0, e.Stats().Fingerprints)
	assert.Len(t, e.CurrentScanResults(), 1)

	n, err := e.CollectData("Office")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	path := filepath.Join(t.TempDir(), "db.csv")
	require.NoError(t, e.ExportDatabase(path))
	other := New()
	stats, err := other.ImportDatabase(path)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, e.Fingerprints(), other.Fingerprints())
}

func TestCollectDataLogsNewAndExistingSites(t *testing.T) {
	var logs bytes.Buffer
	e := New(WithLogger(logging.New(&logs, logging.LevelInfo)))
	e.SetPosition(3, 4)

	e.AddBLESample("A", -50)
	_, err := e.CollectData("Hall")
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "new site")

	e.AddBLESample("B", -60)
	_, err = e.CollectData("Hall")
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "existing site")
	assert.Equal(t, 1, e.Stats().Fingerprints)
}

func TestLocalizeEmptyDatabase(t *testing.T) {
	m := metrics.New()
	e := New(WithMetrics(m))

	est := e.Localize([]fingerprint.Sample{{ID: "A", RSSI: -50}}, 3)
	assert.False(t, est.HasFix())
	assert.Equal(t, fingerprint.Estimate{}, est)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Localizations.WithLabelValues("none")))
}

func TestTriggerNewScanRoutesByKind(t *testing.T) {
	ble := scan.NewStaticScanner(scan.KindBLE, fingerprint.Sample{ID: "AA:01", RSSI: -60})
	lora := scan.NewStaticScanner(scan.KindLoRa, fingerprint.Sample{ID: "node-2", RSSI: -100})
	e := New(WithScanners(ble, lora))

	e.AddBLESample("stale", -1)
	require.NoError(t, e.TriggerNewScan(context.Background()))
	assert.Equal(t, []fingerprint.Sample{{ID: "AA:01", RSSI: -60}, {ID: "node-2", RSSI: -100}}, e.CurrentScanResults())

	require.NoError(t, e.TriggerNewScan(context.Background()))
	assert.Len(t, e.CurrentScanResults(), 2)
}

type failingScanner struct {
	kind scan.Kind
	err  error
}

func (f failingScanner) Kind() scan.Kind { return f.kind }

func (f failingScanner) Scan(context.Context) ([]fingerprint.Sample, error) {
	return []fingerprint.Sample{{ID: "partial", RSSI: -99}}, f.err
}

func TestTriggerNewScanKeepsHealthyScanners(t *testing.T) {
	boom := errors.New("bridge unplugged")
	e := New()
	e.AddScanner(failingScanner{kind: scan.KindLoRa, err: boom})
	e.AddScanner(scan.NewStaticScanner(scan.KindBLE, fingerprint.Sample{ID: "AA:01", RSSI: -60}))

	err := e.TriggerNewScan(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []fingerprint.Sample{{ID: "partial", RSSI: -99}, {ID: "AA:01", RSSI: -60}}, e.CurrentScanResults())
}

func TestTriggerNewScanDropsOwnAndUnassignedNodes(t *testing.T) {
	lora := scan.NewStaticScanner(scan.KindLoRa,
		fingerprint.Sample{ID: "!a1b2c3d4", RSSI: -20},
		fingerprint.Sample{ID: "0", RSSI: -70},
		fingerprint.Sample{ID: "!00000000", RSSI: -71},
		fingerprint.Sample{ID: "lora:!a1b2c3d4", RSSI: -21},
		fingerprint.Sample{ID: "lora:0", RSSI: -72},
		fingerprint.Sample{ID: "!0badf00d", RSSI: -88},
	)
	e := New(WithNodeID("!a1b2c3d4"), WithLoRaIDPrefix("lora:"), WithScanners(lora))

	require.NoError(t, e.TriggerNewScan(context.Background()))
	assert.Equal(t, []fingerprint.Sample{{ID: "!0badf00d", RSSI: -88}}, e.CurrentScanResults())
}

func TestTriggerNewScanCapsLoRaSamples(t *testing.T) {
	var heard []fingerprint.Sample
	for i := 0; i < DefaultLoRaLimit+5; i++ {
		heard = append(heard, fingerprint.Sample{ID: fmt.Sprintf("!%08x", i+1), RSSI: -60 - i})
	}
	ble := scan.NewStaticScanner(scan.KindBLE, fingerprint.Sample{ID: "AA:01", RSSI: -50})

	e := New(WithScanners(scan.NewStaticScanner(scan.KindLoRa, heard...), ble))
	require.NoError(t, e.TriggerNewScan(context.Background()))
	got := e.CurrentScanResults()
	require.Len(t, got, DefaultLoRaLimit+1)
	assert.Equal(t, heard[:DefaultLoRaLimit], got[:DefaultLoRaLimit])
	assert.Equal(t, "AA:01", got[DefaultLoRaLimit].ID)

	unlimited := New(WithLoRaLimit(0), WithScanners(scan.NewStaticScanner(scan.KindLoRa, heard...)))
	require.NoError(t, unlimited.TriggerNewScan(context.Background()))
	assert.Len(t, unlimited.CurrentScanResults(), len(heard))
}

func TestTriggerNewScanWithoutScanners(t *testing.T) {
	e := New()
	e.AddBLESample("stale", -1)
	assert.ErrorIs(t, e.TriggerNewScan(context.Background()), ErrNoScanners)
	assert.Empty(t, e.CurrentScanResults())
}

func TestAnchorExchange(t *testing.T) {
	sender := New(WithNodeID("relay-1"))
	sender.ConfigureAnchor(45.5, -122.25)
	assert.True(t, sender.IsAnchor())
	msg := sender.SerializeAnchorInfo()
	assert.Equal(t, "ANCHOR,relay-1,45.5,-122.25", msg)

	m := metrics.New()
	receiver := New(WithMetrics(m))
	info, err := receiver.ProcessAnchorInfo(msg)
	require.NoError(t, err)
	assert.Equal(t, "relay-1", info.NodeID)

	fp, ok := receiver.db.Lookup(45.5, -122.25)
	require.True(t, ok)
	assert.Equal(t, anchor.Label, fp.Name)
	assert.Equal(t, []fingerprint.Sample{{ID: "ANCHOR:relay-1", RSSI: 0}}, fp.Samples)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Anchors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Fingerprints))
}

func TestProcessAnchorInfoIgnoresMalformed(t *testing.T) {
	e := New()
	for _, msg := range []string{"hello", "ANCHOR,x", "ANCHOR,x,north,1"} {
		_, err := e.ProcessAnchorInfo(msg)
		assert.Error(t, err, msg)
	}
	assert.Equal(t, 0, e.Stats().Fingerprints)
}

func TestImportExportThroughEngine(t *testing.T) {
	var logs bytes.Buffer
	m := metrics.New()
	e := New(WithLogger(logging.New(&logs, logging.LevelDebug)), WithMetrics(m))
	e.AddSample("A", -40, 1.25, 2.5, "Office")
	e.AddSample("B", -70, 1.25, 2.5, "")

	path := filepath.Join(t.TempDir(), "db.csv")
	require.NoError(t, e.ExportDatabase(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1.25,2.5,Office,A,-40\n1.25,2.5,Office,B,-70\n", string(data))

	require.NoError(t, os.WriteFile(path, append(data, []byte("broken line\n")...), 0o644))

	other := New(WithLogger(logging.New(&logs, logging.LevelDebug)), WithMetrics(m))
	other.AddSample("old", -1, 0, 0, "")
	stats, err := other.ImportDatabase(path)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.ImportStats{Lines: 3, Merged: 2, Skipped: 1}, stats)
	assert.Equal(t, e.Fingerprints(), other.Fingerprints())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ImportSkipped))
	assert.Contains(t, logs.String(), "1 malformed lines skipped")

	_, err = other.ImportDatabase(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
	assert.Equal(t, 1, other.Stats().Fingerprints)
}

func TestClearDatabase(t *testing.T) {
	e := New()
	e.AddSample("A", -40, 1, 1, "x")
	e.ClearDatabase()
	assert.Equal(t, 0, e.Stats().Fingerprints)
	assert.False(t, e.Localize([]fingerprint.Sample{{ID: "A", RSSI: -40}}, 1).HasFix())
}
