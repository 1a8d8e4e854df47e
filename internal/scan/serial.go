package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"rssi-locator/internal/fingerprint"
)

// ErrNoEndMarker is returned when a bridge stops answering before its END line.
var ErrNoEndMarker = errors.New("radio bridge did not finish the scan")

const (
	endMarker       = "END"
	readPollTimeout = 200 * time.Millisecond
	bridgeGrace     = 2 * time.Second
	maxDrainReads   = 64
)

// SerialScanner drives a radio bridge over a serial line. The host writes
// "SCAN <seconds> <seq>" and the bridge answers one "<id>,<rssi>" line per
// emitter followed by "END <seq>". Output belonging to an older sequence
// number is discarded.
type SerialScanner struct {
	kind     Kind
	port     io.ReadWriteCloser
	window   time.Duration
	grace    time.Duration
	idPrefix string
	seq      uint32
	mu       sync.Mutex
}

// inputResetter is implemented by serial.Port.
type inputResetter interface {
	ResetInputBuffer() error
}

// OpenSerialScanner opens the bridge on portName.
func OpenSerialScanner(portName string, baudRate int, kind Kind, window time.Duration) (*SerialScanner, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s radio port %s: %w", kind, portName, err)
	}
	if err := port.SetReadTimeout(readPollTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
	}

	return NewSerialScanner(port, kind, window), nil
}

// NewSerialScanner wraps an already open bridge connection. A read returning
// (0, nil) is treated as a poll timeout.
func NewSerialScanner(port io.ReadWriteCloser, kind Kind, window time.Duration) *SerialScanner {
	return &SerialScanner{
		kind:   kind,
		port:   port,
		window: window,
		grace:  bridgeGrace,
	}
}

// SetIDPrefix namespaces every id reported by this bridge.
func (s *SerialScanner) SetIDPrefix(prefix string) {
	s.mu.Lock()
	s.idPrefix = prefix
	s.mu.Unlock()
}

func (s *SerialScanner) Kind() Kind {
	return s.kind
}

// Scan runs one scan window. Samples read before a failure are returned
// together with the error.
func (s *SerialScanner) Scan(ctx context.Context) ([]fingerprint.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drain()
	s.seq++
	want := strconv.FormatUint(uint64(s.seq), 10)

	seconds := int(math.Ceil(s.window.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	if _, err := fmt.Fprintf(s.port, "SCAN %d %s\n", seconds, want); err != nil {
		return nil, fmt.Errorf("failed to start %s scan: %w", s.kind, err)
	}

	deadline := time.Now().Add(s.window + s.grace)
	var (
		samples []fingerprint.Sample
		pending strings.Builder
		buf     = make([]byte, 256)
	)

	for {
		if err := ctx.Err(); err != nil {
			return samples, err
		}

		n, err := s.port.Read(buf)
		if n > 0 {
			pending.Write(buf[:n])
			rest := pending.String()
			for {
				line, tail, ok := strings.Cut(rest, "\n")
				if !ok {
					break
				}
				rest = tail
				line = strings.TrimSpace(line)
				if seq, ok := parseEnd(line); ok {
					if seq == want {
						return samples, nil
					}
					// Everything so far was the tail of an abandoned scan.
					samples = nil
					continue
				}
				if sample, ok := ParseObservation(line, s.idPrefix); ok {
					samples = append(samples, sample)
				}
			}
			pending.Reset()
			pending.WriteString(rest)
		}

		if errors.Is(err, io.EOF) {
			return samples, nil
		}
		if err != nil {
			return samples, fmt.Errorf("%s bridge read failed: %w", s.kind, err)
		}
		if time.Now().After(deadline) {
			return samples, fmt.Errorf("%s scan after %v: %w", s.kind, s.window+s.grace, ErrNoEndMarker)
		}
	}
}

// drain drops input left over from an earlier scan.
func (s *SerialScanner) drain() {
	if r, ok := s.port.(inputResetter); ok {
		if err := r.ResetInputBuffer(); err == nil {
			return
		}
	}
	buf := make([]byte, 256)
	for i := 0; i < maxDrainReads; i++ {
		if n, err := s.port.Read(buf); n == 0 || err != nil {
			return
		}
	}
}

// parseEnd recognizes "END <seq>". A bare END yields an empty sequence.
func parseEnd(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != endMarker || len(fields) > 2 {
		return "", false
	}
	if len(fields) == 1 {
		return "", true
	}
	return fields[1], true
}

func (s *SerialScanner) Close() error {
	if s.port != nil {
		return s.port.Close()
	}
	return nil
}
