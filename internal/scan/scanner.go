package scan

import (
	"context"
	"strconv"
	"strings"

	"rssi-locator/internal/fingerprint"
)

// Scanner performs one scan on a radio front-end and reports what it heard.
type Scanner interface {
	Kind() Kind
	Scan(ctx context.Context) ([]fingerprint.Sample, error)
}

// StaticScanner replays a fixed set of observations on every scan. Bench
// setups without radio hardware configure one per kind.
type StaticScanner struct {
	kind    Kind
	samples []fingerprint.Sample
}

// NewStaticScanner returns a scanner that always reports samples.
func NewStaticScanner(kind Kind, samples ...fingerprint.Sample) *StaticScanner {
	return &StaticScanner{kind: kind, samples: samples}
}

func (s *StaticScanner) Kind() Kind {
	return s.kind
}

func (s *StaticScanner) Scan(ctx context.Context) ([]fingerprint.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]fingerprint.Sample, len(s.samples))
	copy(out, s.samples)
	return out, nil
}

// ParseObservation decodes a radio bridge line of the form "<id>,<rssi>".
// The id must be non-empty and fit a database field once prefixed.
func ParseObservation(line, idPrefix string) (fingerprint.Sample, bool) {
	idField, rssiField, ok := strings.Cut(line, ",")
	if !ok {
		return fingerprint.Sample{}, false
	}
	id := strings.TrimSpace(idField)
	if id == "" {
		return fingerprint.Sample{}, false
	}
	id = idPrefix + id
	if len(id) > fingerprint.MaxFieldLen {
		return fingerprint.Sample{}, false
	}
	rssi, err := strconv.Atoi(strings.TrimSpace(rssiField))
	if err != nil {
		return fingerprint.Sample{}, false
	}
	return fingerprint.Sample{ID: id, RSSI: rssi}, true
}
