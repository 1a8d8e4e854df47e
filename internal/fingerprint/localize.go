package fingerprint

import (
	"math"
	"sort"
)

// MissingRSSI is the reference level used when a fingerprint never heard an
// emitter that is present in the scan.
const MissingRSSI = -100

// Distance scores a live scan against a fingerprint's samples.
//
// Only scan samples contribute: an emitter missing from the fingerprint is
// compared against MissingRSSI, while fingerprint samples that the scan did not
// report cost nothing. The first matching sample wins when a fingerprint holds
// duplicates of an id.
func Distance(scan, samples []Sample) float64 {
	var sum float64
	for _, s := range scan {
		ref := MissingRSSI
		for _, fs := range samples {
			if fs.ID == s.ID {
				ref = fs.RSSI
				break
			}
		}
		diff := float64(s.RSSI - ref)
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// Neighbor is a fingerprint selected by Localize together with its distance.
type Neighbor struct {
	Latitude  float64
	Longitude float64
	Name      string
	Distance  float64
}

// Estimate is the result of a localization query. The zero value is the
// "no fix" sentinel (0, 0, "") and must not be read as a position at the origin.
type Estimate struct {
	Latitude  float64
	Longitude float64
	Name      string
	Neighbors []Neighbor
}

// HasFix reports whether at least one neighbor contributed to the estimate.
func (e Estimate) HasFix() bool {
	return len(e.Neighbors) > 0
}

// Localize runs k-nearest-neighbor matching of scan against the database.
//
// Fingerprints are ranked by Distance with a stable sort, so equal distances
// keep insertion order. The position is the unweighted mean of the first
// min(k, Len()) neighbors. The name is the most frequent non-empty neighbor
// name; on equal tallies the one met first in rank order wins.
func (d *Database) Localize(scan []Sample, k int) Estimate {
	if k <= 0 || len(d.fingerprints) == 0 {
		return Estimate{}
	}

	ranked := make([]Neighbor, len(d.fingerprints))
	for i, fp := range d.fingerprints {
		ranked[i] = Neighbor{
			Latitude:  fp.Latitude,
			Longitude: fp.Longitude,
			Name:      fp.Name,
			Distance:  Distance(scan, fp.Samples),
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Distance < ranked[j].Distance
	})

	if k < len(ranked) {
		ranked = ranked[:k]
	}

	var latSum, lonSum float64
	for _, n := range ranked {
		latSum += n.Latitude
		lonSum += n.Longitude
	}
	count := float64(len(ranked))

	return Estimate{
		Latitude:  latSum / count,
		Longitude: lonSum / count,
		Name:      voteName(ranked),
		Neighbors: ranked,
	}
}

func voteName(neighbors []Neighbor) string {
	votes := make(map[string]int)
	var order []string
	for _, n := range neighbors {
		if n.Name == "" {
			continue
		}
		if votes[n.Name] == 0 {
			order = append(order, n.Name)
		}
		votes[n.Name]++
	}

	best, top := "", 0
	for _, name := range order {
		if votes[name] > top {
			best, top = name, votes[name]
		}
	}
	return best
}
