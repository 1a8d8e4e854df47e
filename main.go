// rssi-locator - node daemon for offline RSSI fingerprint localization.
// It learns labeled site fingerprints from BLE/LoRa scans tagged with a GPS
// position, exchanges anchor broadcasts over the mesh and sends SOS messages
// with a best-effort location.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rssi-locator/internal/collector"
	"rssi-locator/internal/config"
	"rssi-locator/internal/logging"
	"rssi-locator/internal/metrics"
	"rssi-locator/internal/version"
)

var (
	cfgFile     string
	verbose     bool
	showVersion bool
)

var rootCmd = &cobra.Command{
	Use:   "rssi-locator",
	Short: "RSSI fingerprint localization node",
	Long: `rssi-locator learns radio fingerprints of labeled sites and estimates the
node's position offline from live BLE and LoRa scans.

Signals:
  SIGUSR1  send an SOS with the current location estimate
  SIGUSR2  learn the current site now`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println(version.Info("rssi-locator"))
			return nil
		}
		return runNode()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")

	// Flag defaults mirror DefaultConfig so an unset flag never masks it
	d := config.DefaultConfig()

	// Database and learning
	rootCmd.Flags().String("db", d.Database.Path, "fingerprint database file")
	rootCmd.Flags().Int("k", d.Database.K, "neighbors used for localization")
	rootCmd.Flags().String("label", d.Collection.Label, "name given to learned fingerprints")
	rootCmd.Flags().Duration("learn-interval", d.Collection.LearnInterval, "learn the current site periodically (0 disables)")
	rootCmd.Flags().String("record-log", "", "append a timestamped JSON record of every learned site to this file")

	// Radio bridges
	rootCmd.Flags().String("ble-port", "", "BLE radio bridge serial port")
	rootCmd.Flags().String("lora-port", "", "LoRa radio bridge serial port")
	rootCmd.Flags().Duration("scan-window", d.Radio.ScanWindow, "scan length per radio")
	rootCmd.Flags().Int("max-lora-samples", d.Radio.MaxLoRaSamples, "LoRa samples kept per scan (0 for no cap)")

	// GPS configuration options
	rootCmd.Flags().String("gps-mode", d.GPS.Mode, "GPS mode: nmea, gpsd, or manual")
	rootCmd.Flags().StringP("gps-port", "p", d.GPS.Port, "GPS serial port (for NMEA mode)")
	rootCmd.Flags().String("gpsd-host", d.GPS.GPSDHost, "GPSD host address (for gpsd mode)")
	rootCmd.Flags().String("gpsd-port", d.GPS.GPSDPort, "GPSD port (for gpsd mode)")
	rootCmd.Flags().Float64("latitude", 0.0, "manual latitude in decimal degrees (for manual mode)")
	rootCmd.Flags().Float64("longitude", 0.0, "manual longitude in decimal degrees (for manual mode)")

	// Anchor and mesh
	rootCmd.Flags().Bool("anchor", false, "run as an anchor node broadcasting its position")
	rootCmd.Flags().String("node-id", "", "node id used in anchor broadcasts (generated when empty)")
	rootCmd.Flags().Bool("mesh", false, "connect to the MQTT mesh broker")
	rootCmd.Flags().String("broker", d.Mesh.Broker, "MQTT broker host")
	rootCmd.Flags().String("metrics-listen", "", "serve Prometheus metrics on this address")

	bind := map[string]string{
		"database.path":             "db",
		"database.k":                "k",
		"collection.label":          "label",
		"collection.learn_interval": "learn-interval",
		"collection.record_log":     "record-log",
		"radio.ble_port":            "ble-port",
		"radio.lora_port":           "lora-port",
		"radio.scan_window":         "scan-window",
		"radio.max_lora_samples":    "max-lora-samples",
		"gps.mode":                  "gps-mode",
		"gps.port":                  "gps-port",
		"gps.gpsd_host":             "gpsd-host",
		"gps.gpsd_port":             "gpsd-port",
		"gps.manual_latitude":       "latitude",
		"gps.manual_longitude":      "longitude",
		"anchor.enabled":            "anchor",
		"anchor.node_id":            "node-id",
		"mesh.enabled":              "mesh",
		"mesh.broker":               "broker",
		"metrics.listen":            "metrics-listen",
	}
	for key, flag := range bind {
		viper.BindPFlag(key, rootCmd.Flags().Lookup(flag))
	}
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("LOCATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig layers the config file, environment and flags over the defaults
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runNode() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, logFile, err := logging.Setup(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return err
	}
	defer logFile.Close()

	log.Infof("rssi-locator %s starting", version.Short())
	switch cfg.GPS.Mode {
	case "manual":
		log.Infof("GPS: MANUAL MODE at %.8f, %.8f", cfg.GPS.ManualLatitude, cfg.GPS.ManualLongitude)
	case "nmea":
		log.Infof("GPS: NMEA MODE (serial port %s)", cfg.GPS.Port)
	case "gpsd":
		log.Infof("GPS: GPSD MODE (%s:%s)", cfg.GPS.GPSDHost, cfg.GPS.GPSDPort)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	c := collector.NewCollector(cfg, log, m)
	defer c.Close()
	if err := c.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize node: %w", err)
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			log.Infof("Serving metrics on %s/metrics", cfg.Metrics.Listen)
			if err := m.Serve(ctx, cfg.Metrics.Listen); err != nil {
				log.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	userSignals := make(chan os.Signal, 1)
	signal.Notify(userSignals, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(userSignals)
	go func() {
		for {
			select {
			case sig := <-userSignals:
				if sig == syscall.SIGUSR1 {
					c.RequestDistress()
				} else {
					c.RequestLearn()
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := c.Run(ctx); err != nil {
		return err
	}
	log.Infof("Shut down cleanly")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
