// Package scan collects live radio observations and talks to the BLE/LoRa
// radio bridges that produce them.
package scan

import (
	"fmt"
	"strings"

	"rssi-locator/internal/fingerprint"
)

// Kind identifies the radio front-end a sample came from.
type Kind int

const (
	KindBLE Kind = iota
	KindLoRa
)

// ParseKind accepts "ble" or "lora" in any case.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ble":
		return KindBLE, nil
	case "lora":
		return KindLoRa, nil
	default:
		return KindBLE, fmt.Errorf("unknown radio kind %q (must be ble or lora)", s)
	}
}

func (k Kind) String() string {
	switch k {
	case KindBLE:
		return "ble"
	case KindLoRa:
		return "lora"
	default:
		return "unknown"
	}
}

// Buffer is the live scan snapshot. BLE and LoRa samples share one list in
// arrival order. It is not safe for concurrent use.
type Buffer struct {
	samples []fingerprint.Sample
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// AddBLESample appends a BLE observation.
func (b *Buffer) AddBLESample(id string, rssi int) {
	b.samples = append(b.samples, fingerprint.Sample{ID: id, RSSI: rssi})
}

// AddLoRaSample appends a LoRa observation.
func (b *Buffer) AddLoRaSample(id string, rssi int) {
	b.samples = append(b.samples, fingerprint.Sample{ID: id, RSSI: rssi})
}

// Add routes an observation by kind.
func (b *Buffer) Add(kind Kind, id string, rssi int) {
	if kind == KindLoRa {
		b.AddLoRaSample(id, rssi)
		return
	}
	b.AddBLESample(id, rssi)
}

// Samples returns a copy of the buffered observations.
func (b *Buffer) Samples() []fingerprint.Sample {
	out := make([]fingerprint.Sample, len(b.samples))
	copy(out, b.samples)
	return out
}

func (b *Buffer) Len() int {
	return len(b.samples)
}

// Reset drops every buffered observation.
func (b *Buffer) Reset() {
	b.samples = nil
}
