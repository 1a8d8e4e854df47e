package fingerprint

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// WriteGeoJSON renders the fingerprints as a GeoJSON FeatureCollection of
// points, one feature per site, for display on a web map.
func (d *Database) WriteGeoJSON(w io.Writer) error {
	features := []map[string]interface{}{}

	for _, fp := range d.fingerprints {
		emitters := make([]map[string]interface{}, 0, len(fp.Samples))
		for _, s := range fp.Samples {
			emitters = append(emitters, map[string]interface{}{
				"id":   s.ID,
				"rssi": s.RSSI,
			})
		}

		name := fp.Name
		if name == "" {
			name = "Unnamed site"
		}

		features = append(features, map[string]interface{}{
			"type": "Feature",
			"geometry": map[string]interface{}{
				"type":        "Point",
				"coordinates": []float64{fp.Longitude, fp.Latitude},
			},
			"properties": map[string]interface{}{
				"name":         name,
				"type":         "fingerprint",
				"sample_count": len(fp.Samples),
				"samples":      emitters,
			},
		})
	}

	geojson := map[string]interface{}{
		"type":     "FeatureCollection",
		"features": features,
		"properties": map[string]interface{}{
			"title":        "RSSI Fingerprint Sites",
			"fingerprints": len(d.fingerprints),
			"samples":      d.SampleCount(),
		},
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(geojson); err != nil {
		return fmt.Errorf("failed to encode GeoJSON: %w", err)
	}
	return nil
}

// ExportGeoJSON writes WriteGeoJSON output to filename.
func (d *Database) ExportGeoJSON(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create GeoJSON file: %w", err)
	}
	defer file.Close()

	return d.WriteGeoJSON(file)
}
