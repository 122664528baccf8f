package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lightwatch/internal/clock"
	"lightwatch/internal/config"
	"lightwatch/internal/metrics"
	"lightwatch/internal/models"
	"lightwatch/internal/monitor"
	"lightwatch/internal/server"
	"lightwatch/internal/snapshot"
	"lightwatch/internal/storage"
)

const shutdownTimeout = 5 * time.Second

type rootOptions struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "lightwatch",
		Short:        "Watch internet connectivity and keep a durable outage log",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := parseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			opts.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			slog.SetDefault(opts.logger)

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to configuration file (YAML)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(opts),
		newCheckCmd(opts),
		newStatsCmd(opts),
		newSnapshotCmd(opts),
	)
	return root
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the monitor, outage ledger and status API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, opts.cfg, opts.logger)
		},
	}
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe connectivity once and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mon := newMonitor(opts.cfg, opts.logger, nil)
			_, err := fmt.Fprintln(cmd.OutOrStdout(), describeState(mon.ForceCheck()))
			return err
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print recorded outages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, err := newLedger(opts.cfg, opts.logger, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if marker, ok := ledger.LastOnline(); ok {
				fmt.Fprintf(out, "last online: %s\n", marker.Format(time.DateTime))
			}
			_, err = fmt.Fprintln(out, ledger.Statistics(all))
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "print the recent outage window instead of the latest")
	return cmd
}

func newSnapshotCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:       "snapshot CAM_0|CAM_1",
		Short:     "Fetch a camera snapshot and write it to a file",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{snapshot.Cam0, snapshot.Cam1},
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.ToUpper(args[0])
			if !snapshot.ValidCommand(command) {
				return fmt.Errorf("unknown camera %q", args[0])
			}
			data := newSnapshotClient(opts.cfg, opts.logger).Fetch(cmd.Context(), command)
			if len(data) == 0 {
				return errors.New("could not retrieve snapshot")
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", len(data), output)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "photo.png", "file to write the image to")
	return cmd
}

// runAgent wires the monitor to the ledger, the status hub and metrics, then
// serves the API until ctx is cancelled.
func runAgent(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(reg)

	ledger, err := newLedger(cfg, logger, recorder)
	if err != nil {
		return err
	}
	hub := server.NewHub(cfg.HistorySize)
	mon := newMonitor(cfg, logger, recorder)
	mon.Subscribe(func(state models.LightState) {
		ledger.Record(state)
		hub.Publish(state)
		recorder.ObserveState(state)
	})

	srv := server.New(cfg.ListenAddress, server.Deps{
		Hub:          hub,
		Ledger:       ledger,
		Checker:      mon,
		Fetcher:      newSnapshotClient(cfg, logger),
		Recorder:     recorder,
		Gatherer:     reg,
		HistoryLimit: cfg.HistorySize,
		OutagesLimit: cfg.RecentEntriesLimit,
	})

	mon.Start()
	logger.Info("lightwatch started",
		"target", cfg.ReachabilityTarget,
		"time_server", cfg.TimeServer,
		"interval", cfg.Interval(),
		"listen", cfg.ListenAddress)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		mon.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		logger.Info("lightwatch stopped")
		return nil
	})
	return g.Wait()
}

func newMonitor(cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) *monitor.ConnectivityMonitor {
	prober := monitor.NewReachabilityProber(cfg.ReachabilityTarget, cfg.ProbeTimeout(), logger)
	clk := clock.New(clock.Options{
		Server:   cfg.TimeServer,
		Timeout:  cfg.TimeServerTimeout(),
		Location: cfg.Location(),
		Logger:   logger,
	})
	opts := monitor.Options{
		InitialDelay: cfg.InitialDelay(),
		Interval:     cfg.Interval(),
		Logger:       logger,
	}
	if recorder != nil {
		opts.OnTickFailure = func(any) { recorder.TickFailed() }
	}
	return monitor.NewConnectivityMonitor(prober, clk, opts)
}

func newLedger(cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (*storage.Ledger, error) {
	opts := storage.LedgerOptions{
		MarkerPath:  cfg.MarkerPath(),
		LogPath:     cfg.OutageLogPath(),
		Threshold:   cfg.OutageThreshold(),
		RecentLimit: cfg.RecentEntriesLimit,
		Location:    cfg.Location(),
		Logger:      logger,
	}
	if recorder != nil {
		opts.OnOutage = func(_ time.Time, gap time.Duration) { recorder.OutageRecorded(gap) }
	}
	ledger, err := storage.NewLedger(opts)
	if err != nil {
		return nil, fmt.Errorf("initialise ledger: %w", err)
	}
	return ledger, nil
}

func newSnapshotClient(cfg config.Config, logger *slog.Logger) *snapshot.Client {
	return snapshot.NewClient(cfg.SnapshotAddress, snapshot.Options{
		Timeout:  cfg.SnapshotTimeout(),
		MaxBytes: cfg.SnapshotMaxBytes,
		Logger:   logger,
	})
}

func describeState(state models.LightState) string {
	if state.IsOnline() {
		return fmt.Sprintf("online at %s", state.ObservedAt.Format(time.DateTime))
	}
	return "off"
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}
