// Package anchor encodes and decodes the anchor broadcast exchanged over the
// mesh: "ANCHOR,<nodeId>,<lat>,<lon>".
package anchor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Prefix starts every anchor message.
	Prefix = "ANCHOR,"

	// SampleIDPrefix namespaces anchor samples in the fingerprint database.
	SampleIDPrefix = "ANCHOR:"

	// Label is the reserved fingerprint name given to anchor sites.
	Label = "Anchor"

	// RSSI is the signal level recorded for an anchor sample.
	RSSI = 0
)

var (
	ErrNotAnchor        = errors.New("anchor: message does not start with " + Prefix)
	ErrMissingSeparator = errors.New("anchor: missing field separator")
)

// Info is a decoded anchor broadcast.
type Info struct {
	NodeID    string
	Latitude  float64
	Longitude float64
}

// SampleID is the database id used for this anchor.
func (i Info) SampleID() string {
	return SampleIDPrefix + i.NodeID
}

// Serialize builds the broadcast for a node at (lat, lon).
func Serialize(nodeID string, lat, lon float64) string {
	return Prefix + nodeID + "," +
		strconv.FormatFloat(lat, 'g', -1, 64) + "," +
		strconv.FormatFloat(lon, 'g', -1, 64)
}

// Parse decodes an anchor broadcast. The node id runs up to the first comma
// after the prefix, latitude up to the next comma, and the remainder is the
// longitude.
func Parse(msg string) (Info, error) {
	if !strings.HasPrefix(msg, Prefix) {
		return Info{}, ErrNotAnchor
	}
	rest := msg[len(Prefix):]

	nodeID, coords, ok := strings.Cut(rest, ",")
	if !ok {
		return Info{}, ErrMissingSeparator
	}
	latField, lonField, ok := strings.Cut(coords, ",")
	if !ok {
		return Info{}, ErrMissingSeparator
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(latField), 64)
	if err != nil {
		return Info{}, fmt.Errorf("anchor: invalid latitude %q: %w", latField, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonField), 64)
	if err != nil {
		return Info{}, fmt.Errorf("anchor: invalid longitude %q: %w", lonField, err)
	}

	return Info{NodeID: nodeID, Latitude: lat, Longitude: lon}, nil
}
