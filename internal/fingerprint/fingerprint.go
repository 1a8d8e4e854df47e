// Package fingerprint holds the site fingerprint database and the KNN matcher
// used to estimate a position from a live RSSI scan.
package fingerprint

// Sample is a single observation of a signal source.
// ID is opaque: BLE addresses and LoRa node ids share one namespace, callers
// prefix ids themselves when the two origins could collide.
type Sample struct {
	ID   string `json:"id"`
	RSSI int    `json:"rssi"`
}

// Fingerprint is a labeled site record. Latitude/Longitude is the identity key
// and is compared with exact float equality.
type Fingerprint struct {
	Latitude  float64
	Longitude float64
	Name      string
	Samples   []Sample
}

// Database is an insertion-ordered set of fingerprints, at most one per
// coordinate key. It is not safe for concurrent use.
type Database struct {
	fingerprints []Fingerprint
}

// NewDatabase returns an empty database.
func NewDatabase() *Database {
	return &Database{}
}

// AddSample merges one observation into the fingerprint at (lat, lon),
// creating it on first use. Samples are appended even when the id is already
// present. The name is only taken when the fingerprint has none yet; later
// differing names for the same key are dropped.
func (d *Database) AddSample(id string, rssi int, lat, lon float64, name string) {
	for i := range d.fingerprints {
		fp := &d.fingerprints[i]
		if fp.Latitude != lat || fp.Longitude != lon {
			continue
		}
		if fp.Name == "" && name != "" {
			fp.Name = name
		}
		fp.Samples = append(fp.Samples, Sample{ID: id, RSSI: rssi})
		return
	}

	d.fingerprints = append(d.fingerprints, Fingerprint{
		Latitude:  lat,
		Longitude: lon,
		Name:      name,
		Samples:   []Sample{{ID: id, RSSI: rssi}},
	})
}

// Clear removes every fingerprint.
func (d *Database) Clear() {
	d.fingerprints = nil
}

// Len returns the number of fingerprints.
func (d *Database) Len() int {
	return len(d.fingerprints)
}

// SampleCount returns the number of samples across all fingerprints.
func (d *Database) SampleCount() int {
	n := 0
	for _, fp := range d.fingerprints {
		n += len(fp.Samples)
	}
	return n
}

// Fingerprints returns a deep copy of the database contents in insertion order.
func (d *Database) Fingerprints() []Fingerprint {
	out := make([]Fingerprint, len(d.fingerprints))
	for i, fp := range d.fingerprints {
		out[i] = fp
		out[i].Samples = append([]Sample(nil), fp.Samples...)
	}
	return out
}

// Lookup returns a copy of the fingerprint stored at exactly (lat, lon).
func (d *Database) Lookup(lat, lon float64) (Fingerprint, bool) {
	for _, fp := range d.fingerprints {
		if fp.Latitude == lat && fp.Longitude == lon {
			fp.Samples = append([]Sample(nil), fp.Samples...)
			return fp, true
		}
	}
	return Fingerprint{}, false
}
