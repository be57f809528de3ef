package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaz8081/bms-monitor/internal/ble"
	"github.com/chaz8081/bms-monitor/internal/config"
	"github.com/chaz8081/bms-monitor/internal/pool"
	"github.com/chaz8081/bms-monitor/internal/session"
	"github.com/chaz8081/bms-monitor/internal/store"
	"github.com/chaz8081/bms-monitor/internal/upload"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll every configured device until interrupted",
	Long: `Serves devices in configuration order, one at a time, and uploads a
batch once every device has reported or been skipped. With scheduler.policy
set to "single", run behaves like once.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		if cfg.Scheduler.Policy == "single" {
			return runOnce(cmd.Context(), cfg, logger)
		}
		return runContinuous(cmd.Context(), cfg, logger)
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Read the next device in the rotation and exit",
	Long: `Serves the device after the one saved in scheduler.state_path, uploads its
telemetry, records its index and exits. A device that keeps failing is still
recorded so the next invocation moves on.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		return runOnce(cmd.Context(), cfg, logger)
	},
}

func runContinuous(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signalContext(parent)
	defer stop()

	p, cleanup, err := buildPool(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	printBanner(cfg)
	return p.Run(ctx)
}

func runOnce(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signalContext(parent)
	defer stop()

	p, cleanup, err := buildPool(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return p.RunSingle(ctx, store.New(cfg.Scheduler.StatePath))
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// buildPool wires the transport, slot pool, sessions and sinks described by
// cfg. The returned cleanup releases sink connections.
func buildPool(cfg *config.Config, logger *slog.Logger) (*pool.Pool, func(), error) {
	transport, err := newTransport(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := transport.Enable(); err != nil {
		return nil, nil, fmt.Errorf("enabling %s transport: %w", cfg.Transport, err)
	}

	slots := ble.NewSlotPool(transport, cfg.Scheduler.MaxSlots)
	clock := session.NewSystemClock()
	opts := cfg.SessionOptions()

	sessions := make([]*session.Session, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		dev := session.Device{Name: d.Name, Address: d.Address}
		if dev.Name == "" {
			dev.Name = d.Address
		}
		sessions = append(sessions, session.New(dev, transport, slots, clock, opts, logger))
	}

	sinks := upload.Multi{upload.LogSink{Logger: logger}}
	cleanup := func() {}
	if cfg.Upload.HTTPURL != "" {
		sinks = append(sinks, upload.NewHTTPSink(cfg.Upload.HTTPURL, cfg.Upload.Timeout))
	}
	if cfg.Upload.RedisAddr != "" {
		rs := upload.NewRedisSink(cfg.Upload.RedisAddr, cfg.Upload.RedisPrefix)
		sinks = append(sinks, rs)
		cleanup = func() {
			if err := rs.Close(); err != nil {
				logger.Warn("[UPLOAD] closing redis client", "error", err)
			}
		}
	}

	return pool.New(transport, sessions, sinks, cfg.PoolOptions(), logger), cleanup, nil
}

func newTransport(cfg *config.Config) (ble.Transport, error) {
	switch cfg.Transport {
	case "central":
		return ble.NewCentralAdapter(ble.DefaultEventQueueSize), nil
	case "hci":
		return ble.NewHCIAdapter(cfg.HCIDevice, ble.DefaultEventQueueSize), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== bms-monitor ===")
	fmt.Printf("  Transport: %s\n", cfg.Transport)
	fmt.Printf("  Devices:   %d\n", len(cfg.Devices))
	for _, d := range cfg.Devices {
		fmt.Printf("    %-16s %s\n", d.Name, d.Address)
	}
	fmt.Printf("  Policy:    %s (max attempts %d)\n", cfg.Scheduler.Policy, cfg.Scheduler.MaxAttempts)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("===================")
}
