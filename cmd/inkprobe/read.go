package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/inkprobe/internal/devicefactory"
	"github.com/srg/inkprobe/internal/session"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read the temperature from the nearest probe",
	Long: `Scans for Inkbird probes, connects to the strongest one and waits for a
temperature. A held value on the probe display takes precedence over the live
reading.

Examples:
  # Read once and print the temperature
  inkprobe read

  # Read, commit the value and keep the link for the save grace period
  inkprobe read --save

  # Machine-readable output
  inkprobe read --output json`,
	Args: cobra.NoArgs,
	RunE: runRead,
}

var (
	readTask    string
	readSave    bool
	readOutput  string
	readTimeout time.Duration
)

var outputFormats = []string{"text", "json", "yaml"}

func init() {
	readCmd.Flags().StringVar(&readTask, "task", "cli", "Task ID that owns the reading")
	readCmd.Flags().BoolVar(&readSave, "save", false, "Commit the reading and wait out the save grace period")
	readCmd.Flags().StringVarP(&readOutput, "output", "o", "text", "Output format (text, json, yaml)")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 60*time.Second, "Give up if no temperature arrives in time (0 waits forever)")
}

func validateOutput(format string) error {
	for _, f := range outputFormats {
		if f == format {
			return nil
		}
	}
	return fmt.Errorf("invalid output format '%s': must be one of %v", format, outputFormats)
}

func runRead(cmd *cobra.Command, args []string) error {
	if err := validateOutput(readOutput); err != nil {
		return err
	}
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	transport, err := devicefactory.NewTransport(logger)
	if err != nil {
		return fmt.Errorf("failed to open BLE transport: %w", err)
	}
	defer transport.Close()

	s := session.New(transport, cfg, logger)
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, readTimeout)
		defer cancel()
	}

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Reading probe", "Starting", session.Done.String())
	progress.Start()
	defer progress.Stop()

	s.RequestTemperatureReading(readTask)

	// an Error may be followed by an automatic retry; give it time to start
	settle := 2*cfg.ScanRetryDelay + 250*time.Millisecond
	ev, err := awaitReading(ctx, events, settle, progress.Callback())
	progress.Stop()
	if err != nil {
		_ = s.CancelTemperatureReading()
		return err
	}

	report := buildReport(ev, s.DeviceState())
	if readSave {
		if _, err := s.Save(); err != nil {
			return err
		}
		report.Set("saved", true)
	}

	if err := printReport(cmd.OutOrStdout(), report, readOutput); err != nil {
		return err
	}

	if readSave {
		// the link stays up until the grace period ends
		return awaitRelease(ctx, events)
	}
	return nil
}

// awaitReading consumes status events until the reading is Done. Error and
// NotStarted are only final when no retry starts within settle.
func awaitReading(ctx context.Context, events <-chan session.StatusEvent, settle time.Duration, onPhase func(string)) (session.StatusEvent, error) {
	var last session.StatusEvent
	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()
	var failed <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return last, ErrNoReading
			}
			return last, ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return last, session.ErrClosed
			}
			last = ev
			onPhase(ev.Status.String())

			switch ev.Status {
			case session.Done:
				return ev, nil
			case session.Error, session.NotStarted:
				timer.Reset(settle)
				failed = timer.C
			default:
				timer.Stop()
				failed = nil
			}

		case <-failed:
			return last, fmt.Errorf("%w (status %s)", ErrReadingFailed, last.Status)
		}
	}
}

// awaitRelease waits for the session to let go of the probe after a save.
func awaitRelease(ctx context.Context, events <-chan session.StatusEvent) error {
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil
			}
			return ctx.Err()
		case ev, ok := <-events:
			if !ok || ev.Status == session.NotStarted {
				return nil
			}
		}
	}
}

func buildReport(ev session.StatusEvent, state *session.DeviceState) *orderedmap.OrderedMap[string, any] {
	report := orderedmap.New[string, any]()
	report.Set("session_id", ev.SessionID)
	report.Set("task_id", ev.TaskID)
	if state != nil {
		report.Set("device_id", state.ActiveDeviceID)
	}
	report.Set("temperature_c", ev.Temperature)

	source := "live"
	if state != nil && state.Settings.HoldOn() {
		source = "hold"
	}
	report.Set("source", source)
	if state != nil && state.Settings != nil {
		report.Set("display_unit", string(state.Settings.TempDisplay))
	}
	report.Set("saved", false)
	report.Set("at", ev.At.UTC().Format(time.RFC3339))
	return report
}

func printReport(w io.Writer, report *orderedmap.OrderedMap[string, any], format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		return enc.Close()
	default:
		return printReportText(w, report)
	}
}

func printReportText(w io.Writer, report *orderedmap.OrderedMap[string, any]) error {
	temp := color.New(color.FgGreen, color.Bold).SprintFunc()

	device, _ := report.Get("device_id")
	value, _ := report.Get("temperature_c")
	source, _ := report.Get("source")
	saved, _ := report.Get("saved")

	fmt.Fprintf(w, "Probe:        %v\n", device)
	fmt.Fprintf(w, "Temperature:  %s (%v)\n", temp(fmt.Sprintf("%v °C", value)), source)
	if saved == true {
		fmt.Fprintln(w, "Saved:        yes")
	}
	return nil
}
