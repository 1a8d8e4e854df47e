// locator-db - offline tool for inspecting, merging and querying fingerprint
// database files written by rssi-locator.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"rssi-locator/internal/config"
	"rssi-locator/internal/distress"
	"rssi-locator/internal/fingerprint"
	"rssi-locator/internal/locator"
	"rssi-locator/internal/recordlog"
	"rssi-locator/internal/version"
)

var showVersion bool

var rootCmd = &cobra.Command{
	Use:   "locator-db",
	Short: "Inspect and query RSSI fingerprint databases",
	Long: `locator-db works on the CSV fingerprint databases (lat,lon,name,id,rssi)
written by rssi-locator.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info("locator-db"))
			return nil
		}
		return cmd.Help()
	},
}

func init() {
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")
	rootCmd.AddCommand(
		newStatsCmd(),
		newLocalizeCmd(),
		newMergeCmd(),
		newGeoJSONCmd(),
		newAnchorCmd(),
		newRecordsCmd(),
		newNodeIDCmd(),
		newConfigCmd(),
	)
}

// toolConfig returns the node configuration at path, or the defaults when
// no path is given.
func toolConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func loadDatabase(path string) (*fingerprint.Database, fingerprint.ImportStats, error) {
	db := fingerprint.NewDatabase()
	stats, err := db.Import(path)
	if err != nil {
		return nil, stats, err
	}
	return db, stats, nil
}

func newStatsCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "stats <db.csv>",
		Short: "Summarize a database file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			eng := locator.New()
			stats, err := eng.ImportDatabase(args[0])
			if err != nil {
				return err
			}
			return printStats(cmd.OutOrStdout(), args[0], info, eng, stats, list)
		},
	}
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list every fingerprint site")
	return cmd
}

func printStats(w io.Writer, name string, info os.FileInfo, eng *locator.Engine, stats fingerprint.ImportStats, list bool) error {
	st := eng.Stats()
	fmt.Fprintf(w, "File:         %s\n", name)
	fmt.Fprintf(w, "Size:         %s\n", humanize.Bytes(uint64(info.Size())))
	fmt.Fprintf(w, "Modified:     %s\n", humanize.Time(info.ModTime()))
	fmt.Fprintf(w, "Fingerprints: %s\n", humanize.Comma(int64(st.Fingerprints)))
	fmt.Fprintf(w, "Samples:      %s\n", humanize.Comma(int64(st.Samples)))
	if stats.Skipped > 0 {
		fmt.Fprintf(w, "Skipped:      %s malformed lines\n", humanize.Comma(int64(stats.Skipped)))
	}

	if !list {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLATITUDE\tLONGITUDE\tSAMPLES")
	for _, fp := range eng.Fingerprints() {
		name := fp.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%.6f\t%.6f\t%d\n", name, fp.Latitude, fp.Longitude, len(fp.Samples))
	}
	return tw.Flush()
}

// parseScan decodes "id=rssi,id=rssi,..." into scan samples.
func parseScan(s string) ([]fingerprint.Sample, error) {
	var samples []fingerprint.Sample
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		i := strings.LastIndex(field, "=")
		if i <= 0 {
			return nil, fmt.Errorf("invalid scan entry %q (want id=rssi)", field)
		}
		rssi, err := strconv.Atoi(strings.TrimSpace(field[i+1:]))
		if err != nil {
			return nil, fmt.Errorf("invalid rssi in %q: %w", field, err)
		}
		samples = append(samples, fingerprint.Sample{ID: strings.TrimSpace(field[:i]), RSSI: rssi})
	}
	if len(samples) == 0 {
		return nil, errors.New("scan is empty")
	}
	return samples, nil
}

func newLocalizeCmd() *cobra.Command {
	var (
		scanArg string
		k       int
		sos     bool
		cfgPath string
	)
	cmd := &cobra.Command{
		Use:     "localize <db.csv>",
		Short:   "Estimate a position for a scan",
		Example: `  locator-db localize site.csv --scan AA:BB:CC:DD:EE:01=-61,node-7=-98 -k 3`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			samples, err := parseScan(scanArg)
			if err != nil {
				return err
			}
			cfg, err := toolConfig(cfgPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("k") {
				k = cfg.Database.K
				if sos {
					k = cfg.Distress.K
				}
			}

			eng := locator.New()
			if _, err := eng.ImportDatabase(args[0]); err != nil {
				return err
			}
			est := eng.Localize(samples, k)
			if sos {
				fmt.Fprintln(cmd.OutOrStdout(), distress.Format(est))
				return nil
			}
			return printEstimate(cmd.OutOrStdout(), est)
		},
	}
	cmd.Flags().StringVarP(&scanArg, "scan", "s", "", "scan as id=rssi pairs separated by commas")
	cmd.Flags().IntVarP(&k, "k", "k", config.DefaultConfig().Database.K, "number of neighbors (default from --config)")
	cmd.Flags().BoolVar(&sos, "sos", false, "print the SOS message for this estimate")
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "node config file supplying k")
	cmd.MarkFlagRequired("scan")
	return cmd
}

func printEstimate(w io.Writer, est fingerprint.Estimate) error {
	if !est.HasFix() {
		fmt.Fprintln(w, "No fix: database empty or k < 1")
		return nil
	}
	name := est.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(w, "Location: %s\n", name)
	fmt.Fprintf(w, "Position: %.6f, %.6f\n\n", est.Latitude, est.Longitude)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tNAME\tLATITUDE\tLONGITUDE\tDISTANCE")
	for i, n := range est.Neighbors {
		fmt.Fprintf(tw, "%d\t%s\t%.6f\t%.6f\t%.2f\n", i+1, n.Name, n.Latitude, n.Longitude, n.Distance)
	}
	return tw.Flush()
}

func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <out.csv> <in.csv>...",
		Short: "Fold database files into one",
		Long: `merge loads out.csv when it exists, folds every input file into it with the
usual merge rules (same coordinates share a fingerprint, names are kept from the
first file that sets one) and writes the result back to out.csv.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mergeFiles(cmd.OutOrStdout(), args[0], args[1:])
		},
	}
}

func mergeFiles(w io.Writer, out string, inputs []string) error {
	db := fingerprint.NewDatabase()
	if _, err := os.Stat(out); err == nil {
		if _, err := db.Import(out); err != nil {
			return err
		}
	}

	for _, in := range inputs {
		f, err := os.Open(in)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", in, err)
		}
		stats, err := db.Decode(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", in, err)
		}
		fmt.Fprintf(w, "%s: %s lines merged, %s skipped\n", in,
			humanize.Comma(int64(stats.Merged)), humanize.Comma(int64(stats.Skipped)))
	}

	if err := db.Export(out); err != nil {
		return err
	}
	fmt.Fprintf(w, "Wrote %s fingerprints (%s samples) to %s\n",
		humanize.Comma(int64(db.Len())), humanize.Comma(int64(db.SampleCount())), out)
	return nil
}

func newGeoJSONCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "geojson <db.csv>",
		Short: "Export fingerprint sites as GeoJSON points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := loadDatabase(args[0])
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				return db.WriteGeoJSON(cmd.OutOrStdout())
			}
			if err := db.ExportGeoJSON(output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d sites to %s\n", db.Len(), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newAnchorCmd() *cobra.Command {
	var dbPath, cfgPath string
	cmd := &cobra.Command{
		Use:     "anchor <message>",
		Short:   "Fold an anchor broadcast into a database file",
		Example: `  locator-db anchor 'ANCHOR,!a1b2c3d4,45.5,-122.25' --db site.csv`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("db") {
				cfg, err := toolConfig(cfgPath)
				if err != nil {
					return err
				}
				dbPath = cfg.Database.Path
			}

			eng := locator.New()
			if _, err := os.Stat(dbPath); err == nil {
				if _, err := eng.ImportDatabase(dbPath); err != nil {
					return err
				}
			}
			info, err := eng.ProcessAnchorInfo(args[0])
			if err != nil {
				return err
			}
			if err := eng.ExportDatabase(dbPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Anchor %s at %.6f, %.6f added to %s\n",
				info.NodeID, info.Latitude, info.Longitude, dbPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", config.DefaultConfig().Database.Path, "database file (default from --config)")
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "node config file supplying the database path")
	return cmd
}

func newRecordsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "records <learn.jsonl>",
		Short: "List the timestamped learn records written by a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, skipped, err := recordlog.Read(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tNODE\tLABEL\tLATITUDE\tLONGITUDE\tSAMPLES")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.6f\t%.6f\t%d\n", r.Time.Format(time.RFC3339),
					r.NodeID, r.Label, r.Latitude, r.Longitude, len(r.Samples))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if skipped > 0 {
				fmt.Fprintf(w, "%s unreadable lines skipped\n", humanize.Comma(int64(skipped)))
			}
			return nil
		},
	}
}

func newNodeIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodeid",
		Short: "Generate a random node id for anchor.node_id",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), locator.NewNodeID())
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.DefaultConfig().WriteFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	})
	return cmd
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
