// procwatch — host-based process surveillance agent for Linux.
//
// Extracts structural and behavioral features for every running process
// from procfs, scores them against a fixed heuristic rule set and an
// optional trained anomaly model, and reports or acts on the processes
// that rank highest.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitriimaksimovdevelop/procwatch/internal/action"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/anomaly"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/config"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/logging"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/procfs"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/report"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/scanner"
	"github.com/dmitriimaksimovdevelop/procwatch/internal/whitelist"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "procwatch",
		Short:   "Host-based process surveillance agent",
		Version: version,
		Long: `procwatch — single Go binary for Linux process surveillance.

Scans every running process's procfs attributes, scores each against a
fixed heuristic rule set plus an optional trained anomaly model, and
surfaces the highest-ranked processes for review or automated response.`,
	}

	rootCmd.AddCommand(newScanCmd(), newTrainCmd(), newAPICmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// errInterrupted signals a clean shutdown triggered by SIGINT/SIGTERM,
// distinct from a configuration or IO failure.
type errInterrupted struct{}

func (errInterrupted) Error() string { return "interrupted" }

func exitCodeFor(err error) int {
	if _, ok := err.(errInterrupted); ok {
		return 130
	}
	return 1
}

func newScanCmd() *cobra.Command {
	var (
		configPath  string
		modelPath   string
		interval    time.Duration
		minScore    float64
		minScoreSet bool
		stopOnAlert bool
		killOnAlert bool
		dumpDir     string
		once        bool
		output      string
		quiet       bool
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan running processes and report or act on suspicious ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, warnings, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if minScoreSet {
				cfg.MinScore = minScore
			}
			flags := cmd.Flags()
			if !flags.Changed("interval") {
				interval = cfg.Interval
			}
			if !flags.Changed("model") {
				modelPath = cfg.ModelPath
			}
			if !flags.Changed("stop-on-alert") {
				stopOnAlert = cfg.StopOnAlert
			}
			if !flags.Changed("kill-on-alert") {
				killOnAlert = cfg.KillOnAlert
			}
			if !flags.Changed("dump") {
				dumpDir = cfg.DumpDir
			}
			if !flags.Changed("quiet") {
				quiet = cfg.Quiet
			}
			if !flags.Changed("log-level") {
				logLevel = cfg.LogLevel
			}

			log := logging.New(logLevel, quiet)
			for _, w := range warnings {
				log.Warn(w)
			}

			var model anomaly.Estimator
			if modelPath != "" {
				data, err := os.ReadFile(modelPath)
				if err != nil {
					return fmt.Errorf("read model: %w", err)
				}
				model, err = anomaly.Load(data)
				if err != nil {
					return fmt.Errorf("load model: %w", err)
				}
			}

			wl, err := whitelist.Compile(cfg.Whitelist)
			if err != nil {
				return fmt.Errorf("compile whitelist: %w", err)
			}

			sc := scanner.New(cfg, model, wl, log)
			exec := action.New(procfs.New(cfg.ProcRoot), dumpDir, killOnAlert, log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			handlePass := func(all, findings []scanner.ScoredRecord) {
				snap := report.FromScored(all, time.Now())
				if err := report.WriteJSON(snap, output); err != nil {
					log.WithError(err).Error("failed to write report")
				}
				for _, r := range findings {
					exec.Handle(r)
				}
			}

			if once {
				all := sc.RunOnce(ctx)
				findings := sc.Findings(all, cfg.TopK)
				handlePass(all, findings)
			} else {
				sc.RunLoop(ctx, interval, cfg.TopK, stopOnAlert, handlePass)
			}

			if ctx.Err() == context.Canceled {
				return errInterrupted{}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().StringVar(&modelPath, "model", "", "Path to a trained anomaly model")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "Time between scan passes")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "Override the configured alert threshold")
	cmd.Flags().BoolVar(&stopOnAlert, "stop-on-alert", false, "Stop the scan loop after the first alert")
	cmd.Flags().BoolVar(&killOnAlert, "kill-on-alert", false, "Send SIGKILL to processes at or above the alert threshold")
	cmd.Flags().StringVar(&dumpDir, "dump", "", "Directory to write forensic dumps of alerted processes")
	cmd.Flags().BoolVar(&once, "once", false, "Run a single pass instead of looping")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Report output path (- for stdout)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-alert log output")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		minScoreSet = cmd.Flags().Changed("min-score")
	}

	return cmd
}

func newTrainCmd() *cobra.Command {
	var (
		configPath string
		modelPath  string
		modelKind  string
		duration   time.Duration
		interval   time.Duration
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Accumulate process feature vectors and fit an anomaly model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, warnings, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			flags := cmd.Flags()
			if !flags.Changed("interval") {
				interval = cfg.Interval
			}
			if !flags.Changed("duration") {
				duration = cfg.Duration
			}
			if !flags.Changed("model") && cfg.ModelPath != "" {
				modelPath = cfg.ModelPath
			}
			if !flags.Changed("log-level") {
				logLevel = cfg.LogLevel
			}

			log := logging.New(logLevel, false)
			for _, w := range warnings {
				log.Warn(w)
			}

			var model anomaly.Estimator
			switch modelKind {
			case "zscore":
				model = anomaly.NewZScore()
			case "iforest":
				model = anomaly.NewIsolationForest()
			default:
				return fmt.Errorf("unknown model kind %q (want zscore or iforest)", modelKind)
			}

			sc := scanner.New(cfg, nil, nil, log)
			if err := sc.TrainingLoop(context.Background(), interval, duration, model); err != nil {
				return fmt.Errorf("train: %w", err)
			}

			data, err := model.Save()
			if err != nil {
				return fmt.Errorf("save model: %w", err)
			}
			return os.WriteFile(modelPath, data, 0o640)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().StringVar(&modelPath, "model", "model.json", "Output path for the trained model")
	cmd.Flags().StringVar(&modelKind, "kind", "zscore", "Estimator kind: zscore or iforest")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Minute, "Total training wall-clock time")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "Time between training passes")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	return cmd
}

// newAPICmd is a deliberately minimal surface: the full HTTP/JSON query
// interface and any AI-tool-call server are out of scope, so this
// command only reports that it is unimplemented rather than pretending
// to serve requests.
func newAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:    "api",
		Short:  "Serve scan results over HTTP (not implemented)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("api: not implemented")
		},
	}
}
