// Package config provides configuration structures and defaults for the RSSI locator
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rssi-locator/internal/anchor"
	"rssi-locator/internal/fingerprint"
)

// Config represents the complete application configuration
type Config struct {
	GPS        GPSConfig        `yaml:"gps" mapstructure:"gps"`               // Position source settings
	Radio      RadioConfig      `yaml:"radio" mapstructure:"radio"`           // BLE/LoRa front-end settings
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`     // Fingerprint database settings
	Collection CollectionConfig `yaml:"collection" mapstructure:"collection"` // Learning settings
	Anchor     AnchorConfig     `yaml:"anchor" mapstructure:"anchor"`         // Anchor node settings
	Mesh       MeshConfig       `yaml:"mesh" mapstructure:"mesh"`             // MQTT mesh transport settings
	Distress   DistressConfig   `yaml:"distress" mapstructure:"distress"`     // SOS workflow settings
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`       // Prometheus endpoint
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`       // Logging configuration
}

// GPSConfig contains GPS receiver configuration parameters
type GPSConfig struct {
	Mode            string        `yaml:"mode" mapstructure:"mode"`                         // GPS mode: "nmea", "gpsd", or "manual"
	Port            string        `yaml:"port" mapstructure:"port"`                         // Serial port device path (for NMEA mode)
	BaudRate        int           `yaml:"baud_rate" mapstructure:"baud_rate"`               // Serial baud rate (for NMEA mode)
	GPSDHost        string        `yaml:"gpsd_host" mapstructure:"gpsd_host"`               // GPSD host address (for gpsd mode)
	GPSDPort        string        `yaml:"gpsd_port" mapstructure:"gpsd_port"`               // GPSD port (for gpsd mode)
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`                   // Timeout for GPS fix acquisition
	ManualLatitude  float64       `yaml:"manual_latitude" mapstructure:"manual_latitude"`   // Manual latitude in decimal degrees
	ManualLongitude float64       `yaml:"manual_longitude" mapstructure:"manual_longitude"` // Manual longitude in decimal degrees
	ManualAltitude  float64       `yaml:"manual_altitude" mapstructure:"manual_altitude"`   // Manual altitude in meters
}

// RadioConfig describes the serial radio bridges that report (id, rssi) pairs.
// An empty port disables that front-end.
type RadioConfig struct {
	BLEPort        string          `yaml:"ble_port" mapstructure:"ble_port"`
	LoRaPort       string          `yaml:"lora_port" mapstructure:"lora_port"`
	BaudRate       int             `yaml:"baud_rate" mapstructure:"baud_rate"`
	ScanWindow     time.Duration   `yaml:"scan_window" mapstructure:"scan_window"`           // How long each front-end listens per scan
	LoRaIDPrefix   string          `yaml:"lora_id_prefix" mapstructure:"lora_id_prefix"`     // Prepended to LoRa node ids
	MaxLoRaSamples int             `yaml:"max_lora_samples" mapstructure:"max_lora_samples"` // LoRa samples kept per scan, 0 for no cap
	Static         []StaticEmitter `yaml:"static,omitempty" mapstructure:"static"`           // Fixed observations for bench setups
}

// StaticEmitter is one observation replayed on every scan
type StaticEmitter struct {
	Kind string `yaml:"kind" mapstructure:"kind"` // "ble" or "lora"
	ID   string `yaml:"id" mapstructure:"id"`
	RSSI int    `yaml:"rssi" mapstructure:"rssi"`
}

// DatabaseConfig contains fingerprint database parameters
type DatabaseConfig struct {
	Path     string `yaml:"path" mapstructure:"path"`         // CSV file loaded at start
	K        int    `yaml:"k" mapstructure:"k"`               // Neighbors used for localization
	Autosave bool   `yaml:"autosave" mapstructure:"autosave"` // Export on shutdown
}

// CollectionConfig contains learning parameters
type CollectionConfig struct {
	Label         string        `yaml:"label" mapstructure:"label"`                   // Name given to learned fingerprints
	LearnInterval time.Duration `yaml:"learn_interval" mapstructure:"learn_interval"` // 0 disables periodic learning
	RecordLog     string        `yaml:"record_log" mapstructure:"record_log"`         // Timestamped learn records, empty disables
}

// AnchorConfig contains anchor node parameters
type AnchorConfig struct {
	Enabled           bool          `yaml:"enabled" mapstructure:"enabled"`
	NodeID            string        `yaml:"node_id" mapstructure:"node_id"` // Generated when empty
	Latitude          float64       `yaml:"latitude" mapstructure:"latitude"`
	Longitude         float64       `yaml:"longitude" mapstructure:"longitude"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval" mapstructure:"broadcast_interval"`
}

// MeshConfig contains the MQTT transport parameters
type MeshConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	Broker        string `yaml:"broker" mapstructure:"broker"`
	Port          int    `yaml:"port" mapstructure:"port"`
	AnchorTopic   string `yaml:"anchor_topic" mapstructure:"anchor_topic"`
	DistressTopic string `yaml:"distress_topic" mapstructure:"distress_topic"`
	QoS           byte   `yaml:"qos" mapstructure:"qos"`
	ClientID      string `yaml:"client_id" mapstructure:"client_id"` // Generated when empty
}

// DistressConfig contains SOS workflow parameters
type DistressConfig struct {
	K int `yaml:"k" mapstructure:"k"` // Neighbors used for the SOS fix
}

// MetricsConfig contains the Prometheus endpoint parameters
type MetricsConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"` // Empty disables the endpoint
}

// LoggingConfig contains logging configuration parameters
type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"` // Log level (debug, info, warn, error)
	File  string `yaml:"file" mapstructure:"file"`   // Log file path, empty for stderr only
}

// DefaultConfig returns a configuration with sensible default values
func DefaultConfig() *Config {
	return &Config{
		GPS: GPSConfig{
			Mode:     "nmea",           // Default to NMEA serial mode
			Port:     "/dev/ttyUSB0",   // Common USB GPS device path
			BaudRate: 9600,             // Standard NMEA baud rate
			GPSDHost: "localhost",      // Default gpsd host
			GPSDPort: "2947",           // Default gpsd port
			Timeout:  30 * time.Second, // 30 second GPS fix timeout
		},
		Radio: RadioConfig{
			BaudRate:       115200,
			ScanWindow:     5 * time.Second, // Matches the BLE scan length of the radio bridge firmware
			LoRaIDPrefix:   "",
			MaxLoRaSamples: 20,
		},
		Database: DatabaseConfig{
			Path:     "./fingerprints.csv",
			K:        3,
			Autosave: true,
		},
		Collection: CollectionConfig{
			Label:         "CollectedLocation",
			LearnInterval: 0,
		},
		Anchor: AnchorConfig{
			BroadcastInterval: 60 * time.Second,
		},
		Mesh: MeshConfig{
			Broker:        "localhost",
			Port:          1883,
			AnchorTopic:   "locator/anchors",
			DistressTopic: "locator/sos",
			QoS:           1,
		},
		Distress: DistressConfig{
			K: 3,
		},
		Metrics: MetricsConfig{
			Listen: "",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// Validate checks the settings the node daemon cannot run without
func (c *Config) Validate() error {
	switch c.GPS.Mode {
	case "manual":
		if c.GPS.ManualLatitude < -90 || c.GPS.ManualLatitude > 90 {
			return fmt.Errorf("invalid latitude: %.8f (must be between -90 and 90 degrees)", c.GPS.ManualLatitude)
		}
		if c.GPS.ManualLongitude < -180 || c.GPS.ManualLongitude > 180 {
			return fmt.Errorf("invalid longitude: %.8f (must be between -180 and 180 degrees)", c.GPS.ManualLongitude)
		}
	case "nmea":
		if c.GPS.Port == "" {
			return fmt.Errorf("GPS port not specified for NMEA mode")
		}
	case "gpsd":
		if c.GPS.GPSDHost == "" {
			return fmt.Errorf("GPSD host not specified for gpsd mode")
		}
		if c.GPS.GPSDPort == "" {
			return fmt.Errorf("GPSD port not specified for gpsd mode")
		}
	default:
		return fmt.Errorf("invalid GPS mode: %s (must be 'nmea', 'gpsd', or 'manual')", c.GPS.Mode)
	}

	if c.Database.K <= 0 {
		return fmt.Errorf("invalid database k: %d (must be positive)", c.Database.K)
	}
	if c.Distress.K <= 0 {
		return fmt.Errorf("invalid distress k: %d (must be positive)", c.Distress.K)
	}
	if c.Collection.LearnInterval < 0 {
		return fmt.Errorf("invalid learn interval: %v", c.Collection.LearnInterval)
	}
	if c.Anchor.Enabled && c.Anchor.BroadcastInterval <= 0 {
		return fmt.Errorf("anchor broadcast interval must be positive, got %v", c.Anchor.BroadcastInterval)
	}
	if c.Mesh.Enabled {
		if c.Mesh.Broker == "" {
			return fmt.Errorf("mesh broker not specified")
		}
		if c.Mesh.QoS > 2 {
			return fmt.Errorf("invalid mesh qos: %d (must be 0, 1 or 2)", c.Mesh.QoS)
		}
	}
	if c.Radio.ScanWindow <= 0 {
		return fmt.Errorf("invalid radio scan window: %v", c.Radio.ScanWindow)
	}
	if c.Radio.MaxLoRaSamples < 0 {
		return fmt.Errorf("invalid max LoRa samples: %d", c.Radio.MaxLoRaSamples)
	}
	for i, e := range c.Radio.Static {
		if k := strings.ToLower(e.Kind); k != "ble" && k != "lora" {
			return fmt.Errorf("static emitter %d: invalid kind %q (must be 'ble' or 'lora')", i, e.Kind)
		}
		if !fingerprint.ValidID(e.ID) {
			return fmt.Errorf("static emitter %d: invalid id %q", i, e.ID)
		}
	}

	// Labels and node ids end up in CSV fields
	if !fingerprint.ValidName(c.Collection.Label) {
		return fmt.Errorf("invalid collection label %q (at most %d bytes, no commas or line breaks)",
			c.Collection.Label, fingerprint.MaxFieldLen)
	}
	if id := c.Anchor.NodeID; id != "" {
		if !fingerprint.ValidID(anchor.Info{NodeID: id}.SampleID()) {
			return fmt.Errorf("invalid anchor node id %q (at most %d bytes, no commas or line breaks)",
				id, fingerprint.MaxFieldLen-len(anchor.SampleIDPrefix))
		}
	}
	return nil
}

// WriteFile stores the configuration as YAML, refusing to replace an existing file
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads a YAML configuration file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}
