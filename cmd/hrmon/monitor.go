package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/hrmon/internal/session"
	"golang.org/x/term"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor [device-id]",
	Short: "Stream live heart rate readings from a sensor",
	Long: `Connect to a heart rate sensor and stream its readings.

Without a device-id a scan runs first and the sensor is picked
interactively from the results. The battery level is read once on
connect when the sensor exposes the Battery service.

If the sensor drops the link the session reconnects once on its own;
press Ctrl+C to disconnect and show the recent readings.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMonitor,
}

var (
	heartStyle = color.New(color.FgRed, color.Bold)
	dimStyle   = color.New(color.Faint)
	warnStyle  = color.New(color.FgYellow)
)

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	mgr, stop := newSession(cfg, logger)
	defer stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var deviceID string
	if len(args) == 1 {
		deviceID = args[0]
	} else {
		deviceID, err = pickDevice(ctx, mgr, cfg.ScanWindow.Std())
		if err != nil {
			return err
		}
	}

	if err := mgr.ConnectTo(deviceID); err != nil {
		return err
	}
	return monitorLoop(ctx, mgr)
}

// pickDevice scans and asks the user to choose a sensor by number.
func pickDevice(ctx context.Context, mgr *session.Manager, window time.Duration) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("device-id argument is required when not running interactively")
	}

	devices, err := scanOnce(ctx, mgr, window)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", errors.New("no heart rate sensors discovered; is the sensor awake and in range?")
	}

	if err := displayDevicesTable(devices); err != nil {
		return "", err
	}

	fmt.Printf("Select device [1-%d]: ", len(devices))
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read selection: %w", err)
	}

	choice, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || choice < 1 || choice > len(devices) {
		return "", fmt.Errorf("invalid selection %q: enter a number between 1 and %d", strings.TrimSpace(line), len(devices))
	}
	return devices[choice-1].ID, nil
}

// monitorLoop renders the live session until the user interrupts or the
// session lands back in idle with a failure.
func monitorLoop(ctx context.Context, mgr *session.Manager) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	subscribed := false
	for {
		select {
		case <-ctx.Done():
			return finishMonitor(mgr)
		case <-ticker.C:
			snap := mgr.Snapshot()
			switch snap.State {
			case session.StateConnecting, session.StateDiscovering:
				fmt.Printf("%sConnecting%s", clearLineSequence, dimStyle.Sprintf(" (%s)", snap.State))
			case session.StateSubscribed:
				subscribed = true
				renderReading(snap)
			case session.StateReconnecting:
				fmt.Printf("%s%s", clearLineSequence, warnStyle.Sprint("Connection lost, reconnecting..."))
			case session.StateIdle:
				fmt.Print(clearLineSequence)
				if snap.LastError != nil {
					return snap.LastError
				}
				if subscribed {
					// Session ended without a recorded failure.
					return nil
				}
			}
		}
	}
}

func renderReading(snap session.Snapshot) {
	name := "sensor"
	if snap.Peripheral != nil && snap.Peripheral.Name != "" {
		name = snap.Peripheral.Name
	}

	bpm := dimStyle.Sprint("-- bpm")
	if snap.HeartRate != nil {
		bpm = heartStyle.Sprintf("%3d bpm", *snap.HeartRate)
	}

	contact := ""
	if snap.SensorContact != nil && !*snap.SensorContact {
		contact = warnStyle.Sprint("  no skin contact")
	}

	battery := ""
	if snap.BatteryLevel != nil {
		battery = dimStyle.Sprintf("  battery %d%%", *snap.BatteryLevel)
	}

	fmt.Printf("%s%s  %s%s%s", clearLineSequence, name, bpm, battery, contact)
}

// finishMonitor disconnects cleanly on Ctrl+C and prints the readings
// collected during the session.
func finishMonitor(mgr *session.Manager) error {
	snap := mgr.Snapshot()
	fmt.Print(clearLineSequence)

	if snap.State == session.StateSubscribed {
		if err := mgr.Disconnect(); err == nil {
			waitForIdle(mgr, 2*time.Second)
		}
	}

	if len(snap.Readings) > 0 {
		fmt.Println("Recent readings:")
		for _, r := range snap.Readings {
			fmt.Printf("  %s\n", r)
		}
	}
	fmt.Println("Disconnected")
	return nil
}

func waitForIdle(mgr *session.Manager, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if mgr.State() == session.StateIdle {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}
