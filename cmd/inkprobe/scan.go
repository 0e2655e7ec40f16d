package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/inkprobe/internal/detect"
	"github.com/srg/inkprobe/internal/devicefactory"
	"github.com/srg/inkprobe/scanner"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List nearby probes",
	Long: `Scans for Inkbird probes and lists them in connection order, best first.

A probe is viable when its signal is strong enough to connect reliably. By
default the scan ends shortly after the first viable probe shows up; use --all
to listen for the whole window.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanAll      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan window (default from config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Scan the whole window instead of stopping after the first viable probe")
}

// scanRow is one ranked candidate as printed
type scanRow struct {
	Rank      int
	Candidate detect.Candidate
	Viable    bool
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	opts := scanner.OptionsFromConfig(cfg)
	if scanDuration > 0 {
		opts.Timeout = scanDuration
	}
	if scanAll {
		opts.DetectionGrace = 0
	}

	transport, err := devicefactory.NewTransport(logger)
	if err != nil {
		return fmt.Errorf("failed to open BLE transport: %w", err)
	}
	defer transport.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for probes", "Scanning", opts.Timeout, "Processing results")
	progress.Start()
	res, err := scanner.NewScanner(transport, logger).Scan(ctx, opts, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}

	rows := rankRows(opts.Criteria, res.Candidates)
	if scanFormat == "json" {
		return displayRowsJSON(cmd.OutOrStdout(), rows)
	}
	return displayRowsTable(cmd.OutOrStdout(), rows)
}

func rankRows(criteria detect.Criteria, candidates []detect.Candidate) []scanRow {
	ranked := criteria.Rank(candidates)
	rows := make([]scanRow, 0, len(ranked))
	for i, c := range ranked {
		rows = append(rows, scanRow{Rank: i + 1, Candidate: c, Viable: criteria.IsViable(c)})
	}
	return rows
}

func displayRowsTable(out io.Writer, rows []scanRow) error {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No probes discovered")
		return nil
	}

	viable := color.New(color.FgGreen).SprintFunc()
	weak := color.New(color.FgYellow).SprintFunc()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tNAME\tADDRESS\tRSSI\tVIABLE")
	fmt.Fprintln(w, strings.Repeat("-", 60))
	for _, r := range rows {
		name := r.Candidate.Name
		if name == "" {
			name = "(unnamed)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		mark := weak("no")
		if r.Viable {
			mark = viable("yes")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d dBm\t%s\n", r.Rank, name, r.Candidate.ID, r.Candidate.RSSI, mark)
	}
	return w.Flush()
}

func displayRowsJSON(out io.Writer, rows []scanRow) error {
	list := make([]*orderedmap.OrderedMap[string, any], 0, len(rows))
	for _, r := range rows {
		m := orderedmap.New[string, any]()
		m.Set("rank", r.Rank)
		m.Set("id", r.Candidate.ID)
		m.Set("name", r.Candidate.Name)
		m.Set("rssi", r.Candidate.RSSI)
		m.Set("viable", r.Viable)
		list = append(list, m)
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(list)
}
