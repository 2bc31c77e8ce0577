package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/hrmon/internal/bletransport"
	"github.com/srg/hrmon/internal/registry"
	"github.com/srg/hrmon/internal/session"
	"github.com/srg/hrmon/pkg/config"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for heart rate sensors",
	Long: `Scan for nearby Bluetooth Low Energy devices and display them.

Discovered devices are listed with their name, platform identifier and
signal strength. Unnamed advertisements are filtered out. Use a listed
identifier with the monitor command to connect.`,
	RunE: runScan,
}

var (
	scanWindow time.Duration
	scanFormat string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanWindow, "window", "w", 0, "Scan window (default from config, 10s)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
}

// newSession builds the manager wired to the real BLE transport and
// starts its event loop; the returned stop function tears it down.
func newSession(cfg *config.Config, logger *logrus.Logger) (*session.Manager, func()) {
	transport := bletransport.New(logger)
	opts := &session.Options{
		ScanWindow:       cfg.ScanWindow.Std(),
		ConnectTimeout:   cfg.ConnectTimeout.Std(),
		ReadingsCapacity: cfg.ReadingsCapacity,
		EventBuffer:      session.DefaultOptions().EventBuffer,
	}
	mgr := session.NewManager(transport, transport.Gate(), logger, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.Run(ctx)
	}()
	return mgr, func() {
		cancel()
		<-done
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format %q: must be table or json", scanFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if scanWindow > 0 {
		cfg.ScanWindow = config.Duration(scanWindow)
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	mgr, stop := newSession(cfg, logger)
	defer stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	devices, err := scanOnce(ctx, mgr, cfg.ScanWindow.Std())
	if err != nil {
		return err
	}

	switch scanFormat {
	case "json":
		return displayDevicesJSON(devices)
	default:
		return displayDevicesTable(devices)
	}
}

// scanOnce runs one scan window and returns the discovered devices.
// Ctrl+C cuts the window short; whatever was found so far is returned.
func scanOnce(ctx context.Context, mgr *session.Manager, window time.Duration) ([]registry.Peripheral, error) {
	if err := mgr.StartScan(); err != nil {
		return nil, err
	}

	progress := newCountdownPrinter("Scanning for heart rate sensors", window)
	progress.Start()
	defer progress.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	scanning := false
	for {
		select {
		case <-ctx.Done():
			return mgr.Devices(), nil
		case <-ticker.C:
			snap := mgr.Snapshot()
			if snap.LastError != nil {
				return nil, snap.LastError
			}
			switch snap.State {
			case session.StateScanning:
				scanning = true
			case session.StateIdle:
				if scanning {
					return snap.Devices, nil
				}
			}
		}
	}
}

func displayDevicesTable(devices []registry.Peripheral) error {
	if len(devices) == 0 {
		fmt.Println("No heart rate sensors discovered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tID\tRSSI")
	fmt.Fprintln(w, strings.Repeat("-", 60))
	for i, d := range devices {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d dBm\n", i+1, d.Name, d.ID, d.RSSI)
	}
	return w.Flush()
}

func displayDevicesJSON(devices []registry.Peripheral) error {
	var w io.Writer = os.Stdout
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}
