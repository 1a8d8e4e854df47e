package fingerprint

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// MaxFieldLen is the longest name or id accepted when decoding a CSV line.
const MaxFieldLen = 31

// ValidName reports whether name survives an export and re-import unchanged.
func ValidName(name string) bool {
	return len(name) <= MaxFieldLen && !strings.ContainsAny(name, ",\r\n")
}

// ValidID is ValidName for sample ids, which may not be empty.
func ValidID(id string) bool {
	return id != "" && ValidName(id)
}

const csvFieldCount = 5

// ImportStats summarises a decode pass.
type ImportStats struct {
	Lines   int // non-empty lines read
	Merged  int // lines folded into the database
	Skipped int // malformed lines ignored
}

// Encode writes the database as headerless CSV, one line per
// (fingerprint, sample) pair: lat,lon,name,id,rssi.
// Coordinates use the shortest representation that parses back to the same float.
func (d *Database) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, fp := range d.fingerprints {
		lat := strconv.FormatFloat(fp.Latitude, 'g', -1, 64)
		lon := strconv.FormatFloat(fp.Longitude, 'g', -1, 64)
		for _, s := range fp.Samples {
			if _, err := fmt.Fprintf(bw, "%s,%s,%s,%s,%d\n", lat, lon, fp.Name, s.ID, s.RSSI); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Decode folds every well-formed CSV line from r into the database through
// AddSample. Malformed lines are counted and skipped. Decode does not clear the
// database; Import does.
func (d *Database) Decode(r io.Reader) (ImportStats, error) {
	var stats ImportStats
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			stats.Lines++
			if rec, ok := parseLine(line); ok {
				d.AddSample(rec.id, rec.rssi, rec.lat, rec.lon, rec.name)
				stats.Merged++
			} else {
				stats.Skipped++
			}
		}
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("read fingerprint csv: %w", err)
		}
	}
}

// Export writes the database to path, replacing any existing file.
func (d *Database) Export(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create database file: %w", err)
	}
	if err := d.Encode(file); err != nil {
		file.Close()
		return fmt.Errorf("failed to write database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close database file: %w", err)
	}
	return nil
}

// Import replaces the database with the contents of path. If the file cannot
// be opened the database is left untouched and the error is returned.
func (d *Database) Import(path string) (ImportStats, error) {
	file, err := os.Open(path)
	if err != nil {
		return ImportStats{}, fmt.Errorf("failed to open database file: %w", err)
	}
	defer file.Close()

	d.Clear()
	return d.Decode(file)
}

type record struct {
	lat, lon float64
	name, id string
	rssi     int
}

func parseLine(line string) (record, bool) {
	fields := strings.Split(line, ",")
	if len(fields) != csvFieldCount {
		return record{}, false
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return record{}, false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return record{}, false
	}

	// Unnamed fingerprints export an empty name field; ids are always required.
	name, id := fields[2], fields[3]
	if !ValidName(name) || !ValidID(id) {
		return record{}, false
	}

	rssi, err := strconv.Atoi(strings.TrimSpace(fields[4]))
	if err != nil {
		return record{}, false
	}

	return record{lat: lat, lon: lon, name: name, id: id, rssi: rssi}, true
}
