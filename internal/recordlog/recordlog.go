// Package recordlog appends a timestamped record of every learned site to a
// JSON lines file, next to the merged fingerprint database.
package recordlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"rssi-locator/internal/fingerprint"
)

// Record describes one learn event.
type Record struct {
	Time      time.Time            `json:"time"`
	NodeID    string               `json:"node_id"`
	Label     string               `json:"label"`
	Latitude  float64              `json:"latitude"`
	Longitude float64              `json:"longitude"`
	Samples   []fingerprint.Sample `json:"samples"`
}

// Log is an append-only record file.
type Log struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// Open opens path for appending, creating it when missing.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open record log %s: %w", path, err)
	}
	return &Log{file: f, enc: json.NewEncoder(f)}, nil
}

// Append writes r as one line.
func (l *Log) Append(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(r); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Read returns every record in path. Lines that do not decode are counted
// and skipped.
func Read(path string) ([]Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open record log %s: %w", path, err)
	}
	defer f.Close()

	var (
		records []Record
		skipped int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			skipped++
			continue
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return records, skipped, fmt.Errorf("failed to read record log %s: %w", path, err)
	}
	return records, skipped, nil
}
